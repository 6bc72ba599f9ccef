package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"relaybot/internal/domain"
)

const maxFrameBytes = 4 * 1024 * 1024

// StreamConfig configures the per-turn subprocess backend.
type StreamConfig struct {
	Bin       string   // agent CLI binary
	Model     string   // passed as --model
	BaseArgs  []string // always-present CLI args (output format etc.)
	Workspace string
	Mode      domain.PermissionMode // default permission mode
	Sessions  domain.SessionStore
	OnUpdate  domain.UpdateFunc
	Logger    *slog.Logger
	Env       func() []string // nil means ChildEnv
}

// Stream drives an agent CLI that is spawned once per turn and emits its
// progress as newline-delimited JSON frames on stdout. Stdin is unused:
// the user text is the final positional argument.
type Stream struct {
	bin       string
	model     string
	baseArgs  []string
	workspace string
	sessions  domain.SessionStore
	onUpdate  domain.UpdateFunc
	logger    *slog.Logger
	env       func() []string

	modeMu sync.Mutex
	mode   domain.PermissionMode
}

// NewStream creates the stream-parsing backend.
func NewStream(cfg StreamConfig) *Stream {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Env == nil {
		cfg.Env = ChildEnv
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.ModePlan
	}
	return &Stream{
		bin:       cfg.Bin,
		model:     cfg.Model,
		baseArgs:  cfg.BaseArgs,
		workspace: cfg.Workspace,
		sessions:  cfg.Sessions,
		onUpdate:  cfg.OnUpdate,
		logger:    cfg.Logger,
		env:       cfg.Env,
		mode:      cfg.Mode,
	}
}

func (s *Stream) SetPermissionMode(mode domain.PermissionMode) {
	s.modeMu.Lock()
	s.mode = mode
	s.modeMu.Unlock()
}

func (s *Stream) defaultMode() domain.PermissionMode {
	s.modeMu.Lock()
	defer s.modeMu.Unlock()
	return s.mode
}

// CloseAll is a no-op: each turn owns its subprocess.
func (s *Stream) CloseAll() {}

func (s *Stream) StartNewSession(key string) error {
	return s.sessions.Clear(key)
}

func (s *Stream) RunTurn(ctx context.Context, key, text string) string {
	out := s.run(ctx, key, text, s.defaultMode())
	return out.finalText()
}

// RunPlanTurn forces plan mode for this call and classifies the result.
func (s *Stream) RunPlanTurn(ctx context.Context, key, text string) domain.TurnResult {
	out := s.run(ctx, key, text, domain.ModePlan)
	if out.failed {
		return domain.TurnResult{Text: apologyText}
	}
	t := out.finalText()
	return domain.TurnResult{
		Text:      t,
		HasPlan:   DetectPlan(t, out.toolsUsed),
		ToolsUsed: out.toolsUsed,
	}
}

// RunExecuteTurn resumes the approved conversation with the bypass mode
// for this call only; the default permission mode is untouched.
func (s *Stream) RunExecuteTurn(ctx context.Context, key string) string {
	out := s.run(ctx, key, executeDirective, domain.ModeBypassPermissions)
	return out.finalText()
}

var (
	_ domain.Backend     = (*Stream)(nil)
	_ domain.PlanBackend = (*Stream)(nil)
)

// streamOutcome accumulates frame effects over one turn.
type streamOutcome struct {
	text       string // latest assistant snapshot
	resultText string // fallback from the result frame
	sessionID  string
	toolsUsed  []string
	failed     bool
}

func (o *streamOutcome) finalText() string {
	if o.failed {
		return apologyText
	}
	if o.text != "" {
		return o.text
	}
	if o.resultText != "" {
		return o.resultText
	}
	return noResponseText
}

// streamFrame is one newline-delimited JSON object from the CLI.
type streamFrame struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id"`
	Message   *frameMessage `json:"message"`
	IsError   bool          `json:"is_error"`
	Result    string        `json:"result"`
}

type frameMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`   // tool_use
	Name      string          `json:"name"` // tool_use
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`  // tool_result payload
	IsError   *bool           `json:"is_error"` // tool_result
}

// permissionArgs computes the mode flags for one call. The flag list is
// built fresh every time, so repeated mode changes cannot duplicate or
// leak flags across calls.
func permissionArgs(mode domain.PermissionMode) []string {
	args := []string{"--permission-mode", string(mode)}
	if mode == domain.ModeBypassPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	return args
}

func (s *Stream) run(ctx context.Context, key, text string, mode domain.PermissionMode) *streamOutcome {
	out := &streamOutcome{}

	args := append([]string{}, s.baseArgs...)
	args = append(args, permissionArgs(mode)...)
	if s.model != "" {
		args = append(args, "--model", s.model)
	}
	if rec, err := s.sessions.Get(key); err != nil {
		s.logger.Warn("session lookup failed, starting fresh", "key", key, "error", err)
	} else if rec != nil && rec.ID != "" {
		args = append(args, "--resume", rec.ID)
	}
	args = append(args, text)

	cmd := exec.CommandContext(ctx, s.bin, args...)
	cmd.Dir = s.workspace
	cmd.Env = s.env()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.logger.Error("stdout pipe failed", "key", key, "error", err)
		out.failed = true
		return out
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	s.emit(domain.TurnUpdate{Kind: domain.TurnStarted, Key: key})

	if err := cmd.Start(); err != nil {
		s.logger.Error("agent process spawn failed", "key", key, "bin", s.bin, "error", err)
		out.failed = true
		s.emit(domain.TurnUpdate{Kind: domain.TurnFinished, Key: key})
		return out
	}

	// One frame per line, handled strictly in arrival order. The single
	// scan loop is the serialization point: a later frame (result) may
	// depend on state mutated by earlier ones (text, session ID).
	toolNames := make(map[string]string) // tool_use ID -> tool name, this turn only
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var frame streamFrame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			s.logger.Warn("malformed frame skipped", "key", key, "error", err, "line_len", len(line))
			continue
		}
		s.handleFrame(key, &frame, toolNames, out)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("agent stdout read error", "key", key, "error", err)
	}

	waitErr := cmd.Wait()
	if waitErr != nil || out.failed {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			s.logger.Error("agent turn failed",
				"key", key,
				"exit", exitErr.ExitCode(),
				"state", exitErr.ProcessState.String(),
				"stderr", truncate(stderr.String(), 512),
			)
		case waitErr != nil:
			s.logger.Error("agent turn failed", "key", key, "error", waitErr)
		default:
			s.logger.Error("agent reported error result", "key", key, "result", truncate(out.resultText, 512))
		}
		out.failed = true
		s.emit(domain.TurnUpdate{Kind: domain.TurnFinished, Key: key})
		return out
	}

	if out.sessionID != "" {
		if err := s.sessions.Set(key, out.sessionID, topicFrom(text)); err != nil {
			s.logger.Warn("session persist failed", "key", key, "session", out.sessionID, "error", err)
		}
	}

	s.emit(domain.TurnUpdate{Kind: domain.TurnFinished, Key: key})
	return out
}

func (s *Stream) handleFrame(key string, frame *streamFrame, toolNames map[string]string, out *streamOutcome) {
	if frame.SessionID != "" {
		out.sessionID = frame.SessionID
	}

	switch frame.Type {
	case "assistant":
		if frame.Message == nil {
			return
		}
		var b strings.Builder
		for _, block := range frame.Message.Content {
			switch block.Type {
			case "text":
				b.WriteString(block.Text)
			case "tool_use":
				toolNames[block.ID] = block.Name
				out.toolsUsed = appendUnique(out.toolsUsed, block.Name)
				s.emit(domain.TurnUpdate{
					Kind:      domain.ToolCallStarted,
					Key:       key,
					ToolName:  block.Name,
					ToolUseID: block.ID,
				})
			}
		}
		// Each assistant frame carries a full snapshot of the response
		// text, not a delta: the latest non-empty one wins.
		if t := b.String(); t != "" {
			out.text = t
		}

	case "user":
		if frame.Message == nil {
			return
		}
		for _, block := range frame.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			name := toolNames[block.ToolUseID]
			kind := domain.ToolCallFinished
			if toolResultFailed(block) {
				kind = domain.ToolCallFailed
			}
			s.emit(domain.TurnUpdate{
				Kind:      kind,
				Key:       key,
				ToolName:  name,
				ToolUseID: block.ToolUseID,
				Detail:    truncate(toolResultText(block), 200),
			})
		}

	case "result":
		out.failed = out.failed || frame.IsError
		out.resultText = frame.Result
	}
}

// toolResultFailed classifies a tool result. The explicit is_error flag
// wins; otherwise fall back to sniffing the payload text.
func toolResultFailed(block contentBlock) bool {
	if block.IsError != nil {
		return *block.IsError
	}
	t := strings.ToLower(toolResultText(block))
	return strings.HasPrefix(t, "error") || strings.HasPrefix(t, "failed")
}

// toolResultText extracts a human-readable payload: either a bare JSON
// string or a list of text blocks.
func toolResultText(block contentBlock) string {
	if len(block.Content) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(block.Content, &str); err == nil {
		return str
	}
	var blocks []contentBlock
	if err := json.Unmarshal(block.Content, &blocks); err == nil {
		var b strings.Builder
		for _, inner := range blocks {
			if inner.Type == "text" {
				b.WriteString(inner.Text)
			}
		}
		return b.String()
	}
	return ""
}

func (s *Stream) emit(u domain.TurnUpdate) {
	if s.onUpdate != nil {
		s.onUpdate(u)
	}
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
