package domain

import (
	"context"
	"time"
)

// MessageBus connects channel adapters, the orchestrator, and approval
// UIs through four independent FIFO queues. Publish never blocks;
// Consume suspends until an item is available or ctx is cancelled.
type MessageBus interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, error)

	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, error)

	PublishApprovalRequest(req ApprovalRequest)
	ConsumeApprovalRequest(ctx context.Context) (ApprovalRequest, error)

	PublishApprovalResult(res ApprovalResult)

	// WaitApprovalResult blocks until a result with the given request ID
	// arrives, the timeout elapses, or ctx is cancelled. A timeout returns
	// (nil, nil): no result is not an error. Results for other request IDs
	// are left for their own waiters.
	WaitApprovalResult(ctx context.Context, requestID string, timeout time.Duration) (*ApprovalResult, error)
}
