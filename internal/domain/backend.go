package domain

import "context"

// PermissionMode selects how much autonomy a backend grants the agent
// process for one call.
type PermissionMode string

const (
	// ModePlan is the conservative default: the agent describes intended
	// changes without performing them.
	ModePlan PermissionMode = "plan"
	// ModeAcceptEdits lets the agent apply file edits without asking, but
	// dangerous tools still require approval.
	ModeAcceptEdits PermissionMode = "acceptEdits"
	// ModeBypassPermissions disables the approval protocol entirely.
	ModeBypassPermissions PermissionMode = "bypassPermissions"
)

// TurnUpdateKind classifies a progress event emitted during a turn.
type TurnUpdateKind string

const (
	TurnStarted      TurnUpdateKind = "turn_started"
	ToolCallStarted  TurnUpdateKind = "tool_call_started"
	ToolCallFinished TurnUpdateKind = "tool_call_finished"
	ToolCallFailed   TurnUpdateKind = "tool_call_failed"
	TurnFinished     TurnUpdateKind = "turn_finished"
)

// TurnUpdate is an ephemeral progress event. Backends emit zero or more
// per turn through a callback; updates are never persisted.
type TurnUpdate struct {
	Kind      TurnUpdateKind
	Key       string // conversation key
	Message   string
	ToolName  string
	ToolUseID string
	Detail    string
}

// UpdateFunc receives turn progress events. Implementations must be fast
// and must not block the backend.
type UpdateFunc func(TurnUpdate)

// TurnResult is the outcome of a plan-mode turn.
type TurnResult struct {
	Text      string
	HasPlan   bool
	ToolsUsed []string
}

// Backend drives an external coding-agent process for one turn at a time.
//
// RunTurn never reports an error to the caller: any internal failure is
// logged and surfaced as a fixed, user-safe apology string.
type Backend interface {
	RunTurn(ctx context.Context, key, text string) string

	// SetPermissionMode replaces the backend's default permission mode.
	// Idempotent; calling it twice with the same mode is a no-op.
	SetPermissionMode(mode PermissionMode)

	// CloseAll releases any held agent-process handles. A no-op is valid
	// for backends that spawn one process per turn.
	CloseAll()

	// StartNewSession clears persisted session identity so the next turn
	// for key starts with fresh context.
	StartNewSession(key string) error
}

// PlanBackend is the optional plan/approve/execute capability. The
// orchestrator discovers it by type assertion, the same way optional
// streaming is discovered elsewhere in this codebase.
type PlanBackend interface {
	Backend

	// RunPlanTurn runs the turn under ModePlan and classifies the result.
	RunPlanTurn(ctx context.Context, key, text string) TurnResult

	// RunExecuteTurn re-runs the conversation with elevated permission and
	// a fixed "the user approved the plan" directive. The backend's default
	// permission mode is unaffected: the elevated mode applies to this call
	// only.
	RunExecuteTurn(ctx context.Context, key string) string
}
