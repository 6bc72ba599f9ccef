package domain

import "context"

// CommandHandler processes slash commands ("/help", "/new", ...) before
// a message reaches the agent. Handled=false forwards the message to the
// backend as normal text.
type CommandHandler interface {
	HandleCommand(ctx context.Context, msg InboundMessage) (response string, handled bool)
}
