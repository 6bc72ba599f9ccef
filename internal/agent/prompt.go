package agent

import (
	"fmt"
	"strings"

	"relaybot/internal/domain"
)

// PromptBuilder turns an inbound chat message into the model input for
// one turn. The agent CLI carries its own system prompt; this only adds
// the chat context the CLI cannot know.
type PromptBuilder struct {
	workspace string
	extra     string // operator-supplied text appended to every turn
}

func NewPromptBuilder(workspace, extra string) *PromptBuilder {
	return &PromptBuilder{workspace: workspace, extra: extra}
}

func (b *PromptBuilder) Build(msg domain.InboundMessage) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[chat message from %s on %s]\n", msg.SenderID, msg.Channel)
	sb.WriteString(msg.Content)
	if b.extra != "" {
		sb.WriteString("\n\n")
		sb.WriteString(b.extra)
	}
	return sb.String()
}
