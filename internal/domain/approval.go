package domain

import "time"

// ApprovalDecision is a user's verdict on a proposed plan.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionDeny    ApprovalDecision = "deny"
)

// ApprovalRequest asks a channel-side UI to confirm a plan before the
// agent executes it. At most one request per conversation is outstanding
// at a time.
type ApprovalRequest struct {
	ID        string // UUID, the correlation ID
	Key       string // conversation key
	PlanText  string
	CreatedAt time.Time
	Channel   string
	ChatID    string
	SenderID  string
}

// ApprovalResult answers exactly one outstanding ApprovalRequest.
// A result with no matching waiter is requeued, never dropped.
type ApprovalResult struct {
	RequestID   string
	Decision    ApprovalDecision
	ResponderID string
}
