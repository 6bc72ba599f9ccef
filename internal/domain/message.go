package domain

import "time"

// InboundMessage is one user message received from a chat channel.
// Adapters produce it; the orchestrator consumes it exactly once.
type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	Metadata  map[string]string
}

// SessionKey returns the conversation key ("channel:chatId") used for
// session lookup and per-conversation turn serialization.
func (m InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is one message to deliver to a chat channel.
// Progress messages are transient status (typing indicator, tool chatter)
// and are best-effort: adapters may drop or coalesce them.
type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	Progress bool
	Metadata map[string]string
}
