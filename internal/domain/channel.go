package domain

import "context"

// Channel is the interface for user-facing I/O (Telegram, Discord, CLI).
type Channel interface {
	Name() string

	// Start connects the adapter and blocks until ctx is cancelled.
	// Inbound user messages are published to the bus.
	Start(ctx context.Context, bus MessageBus) error
	Stop() error

	// Deliver sends one outbound message to the channel.
	Deliver(ctx context.Context, msg OutboundMessage) error

	// SupportsApproval reports whether the adapter can render an
	// interactive approve/deny prompt. Channels that cannot always get
	// the single-turn flow.
	SupportsApproval() bool

	// AskApproval renders req to the user. The eventual decision is
	// published to the bus as an ApprovalResult; this call only shows
	// the prompt.
	AskApproval(ctx context.Context, req ApprovalRequest) error
}
