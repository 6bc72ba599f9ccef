package agent

import (
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/domain"
)

const defaultProgressWindow = 3 * time.Second

// progressThrottle suppresses repeated tool-status updates sharing the
// same (kind, tool, toolUseID) within a short window, so a chatty turn
// does not flood the channel. The first tool_call_started of a key is
// never suppressed because the key has not been seen yet. Suppressed
// updates are still logged.
type progressThrottle struct {
	window time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	last map[throttleKey]time.Time
	now  func() time.Time
}

type throttleKey struct {
	kind      domain.TurnUpdateKind
	toolName  string
	toolUseID string
}

func newProgressThrottle(window time.Duration, logger *slog.Logger) *progressThrottle {
	if logger == nil {
		logger = slog.Default()
	}
	return &progressThrottle{
		window: window,
		logger: logger,
		last:   make(map[throttleKey]time.Time),
		now:    time.Now,
	}
}

func (t *progressThrottle) allow(u domain.TurnUpdate) bool {
	k := throttleKey{kind: u.Kind, toolName: u.ToolName, toolUseID: u.ToolUseID}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if seen, ok := t.last[k]; ok && now.Sub(seen) < t.window {
		t.logger.Debug("progress update suppressed",
			"kind", u.Kind, "tool", u.ToolName, "tool_use_id", u.ToolUseID)
		return false
	}

	// Tool-use IDs are unique per call, so the map would grow for the
	// life of the process without this sweep. Expired entries can no
	// longer suppress anything.
	for old, seen := range t.last {
		if now.Sub(seen) >= t.window {
			delete(t.last, old)
		}
	}

	t.last[k] = now
	return true
}
