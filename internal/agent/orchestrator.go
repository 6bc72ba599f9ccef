// Package agent sequences turns: it pulls inbound messages off the bus,
// drives the backend through a single-turn or plan/approve/execute flow,
// and fans results back out as outbound messages.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/backend"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

const (
	defaultApprovalTimeout   = 5 * time.Minute
	defaultHeartbeatInterval = 20 * time.Second

	// denyDirective is sent to the backend when the user rejects a plan.
	denyDirective = "The user declined the plan. Acknowledge briefly and do not make any changes."

	approvalTimeoutText = "The plan approval timed out, so I didn't make any changes. Send the request again if you still want it."
	executingText       = "Approved — executing the plan now."
	heartbeatText       = "Still working on it…"
)

// OrchestratorConfig holds all collaborators and tuning parameters.
type OrchestratorConfig struct {
	Bus      domain.MessageBus
	Backend  domain.Backend
	Commands domain.CommandHandler   // optional
	Prompt   *PromptBuilder          // optional
	Access   domain.AccessController // optional, nil allows everyone
	Logger   *slog.Logger
	Metrics  *metrics.Collector // optional

	ApprovalTimeout   time.Duration
	HeartbeatInterval time.Duration

	// Mode is the configured permission mode. It selects what to do with
	// a finished plan turn: ask approval (plan, the default), auto-execute
	// edits (acceptEdits), or skip the plan protocol entirely
	// (bypassPermissions).
	Mode domain.PermissionMode

	// ApprovalChannels lists channels with an interactive approval UI.
	// Conversations on other channels always take the single-turn path.
	ApprovalChannels []string
}

// Orchestrator is the turn sequencer. One orchestrator runs one global
// pull loop: turns run to completion before the next inbound message is
// pulled, which serializes turns per conversation by construction. A
// slow turn therefore delays all conversations; run one orchestrator per
// conversation shard if that matters for a deployment.
type Orchestrator struct {
	bus       domain.MessageBus
	backend   domain.Backend
	commands  domain.CommandHandler
	prompt    *PromptBuilder
	access    domain.AccessController
	logger    *slog.Logger
	metrics   *metrics.Collector
	throttle  *progressThrottle
	approvals map[string]bool
	mode      domain.PermissionMode

	approvalTimeout   time.Duration
	heartbeatInterval time.Duration
}

// NewOrchestrator creates a turn sequencer.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = defaultApprovalTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.ModePlan
	}
	approvals := make(map[string]bool, len(cfg.ApprovalChannels))
	for _, ch := range cfg.ApprovalChannels {
		approvals[ch] = true
	}
	return &Orchestrator{
		bus:               cfg.Bus,
		backend:           cfg.Backend,
		commands:          cfg.Commands,
		prompt:            cfg.Prompt,
		access:            cfg.Access,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		throttle:          newProgressThrottle(defaultProgressWindow, cfg.Logger),
		approvals:         approvals,
		mode:              cfg.Mode,
		approvalTimeout:   cfg.ApprovalTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
	}
}

// Run pulls inbound messages until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("orchestrator started",
		"approval_timeout", o.approvalTimeout,
		"heartbeat_interval", o.heartbeatInterval,
	)
	for {
		msg, err := o.bus.ConsumeInbound(ctx)
		if err != nil {
			o.logger.Info("orchestrator stopping", "reason", err)
			return
		}
		o.HandleMessage(ctx, msg)
	}
}

// HandleMessage processes one inbound message to a terminal state.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg domain.InboundMessage) {
	key := msg.SessionKey()
	o.logger.Info("processing message",
		"key", key,
		"sender", msg.SenderID,
		"content_len", len(msg.Content),
	)
	o.count("turns_total")

	if o.access != nil && !o.admit(ctx, msg) {
		return
	}

	if o.commands != nil {
		if response, handled := o.commands.HandleCommand(ctx, msg); handled {
			o.reply(msg, response)
			return
		}
	}

	input := msg.Content
	if o.prompt != nil {
		input = o.prompt.Build(msg)
	}

	// Under bypassPermissions the plan protocol is skipped entirely: the
	// turn runs with the backend's full permissions and the text is the
	// answer, never a proposal.
	planBackend, hasPlan := o.backend.(domain.PlanBackend)
	if !hasPlan || !o.approvals[msg.Channel] || o.mode == domain.ModeBypassPermissions {
		text := o.withHeartbeat(ctx, msg, func() string {
			return o.backend.RunTurn(ctx, key, input)
		})
		o.reply(msg, text)
		return
	}

	o.runPlanFlow(ctx, planBackend, msg, key, input)
}

const (
	pairingPromptText = "This bot requires pairing. Ask the operator for your code, then send: /pair <code>"
	pairedText        = "Paired. You can talk to the agent now."
	badCodeText       = "That code didn't match. Ask the operator for a fresh one."
)

// admit gates unpaired senders. It returns true when msg should proceed
// to the normal flow; pairing traffic is answered here.
func (o *Orchestrator) admit(ctx context.Context, msg domain.InboundMessage) bool {
	allowed, err := o.access.Allowed(ctx, msg.Channel, msg.SenderID)
	if err != nil {
		o.logger.Error("access check failed", "key", msg.SessionKey(), "error", err)
		return false
	}
	if allowed {
		return true
	}

	if cmd := ParseCommand(msg.Content); cmd != nil && cmd.Name == "pair" && len(cmd.Args) == 1 {
		ok, err := o.access.Pair(ctx, msg.Channel, msg.SenderID, cmd.Args[0])
		if err != nil {
			o.logger.Error("pairing failed", "key", msg.SessionKey(), "error", err)
			return false
		}
		if ok {
			o.count("pairings_total")
			o.reply(msg, pairedText)
		} else {
			o.reply(msg, badCodeText)
		}
		return false
	}

	// The code goes to the operator's log only, never into the chat.
	o.access.GenerateCode(msg.Channel, msg.SenderID)
	o.reply(msg, pairingPromptText)
	return false
}

// runPlanFlow is the two-phase path: plan, then act on the classified
// result — respond, auto-execute, or ask and then execute or decline.
func (o *Orchestrator) runPlanFlow(ctx context.Context, b domain.PlanBackend, msg domain.InboundMessage, key, input string) {
	var result domain.TurnResult
	o.withHeartbeat(ctx, msg, func() string {
		result = b.RunPlanTurn(ctx, key, input)
		return ""
	})

	switch backend.PlanActionFor(result.Text, result.ToolsUsed, o.mode) {
	case backend.ActionRespond:
		o.reply(msg, result.Text)
		return

	case backend.ActionAutoExecute:
		// acceptEdits: file edits proceed without asking; only dangerous
		// tools fall through to the approval path.
		o.count("plans_auto_executed_total")
		o.logger.Info("plan auto-executed", "key", key, "mode", o.mode)
		o.reply(msg, result.Text)
		o.progress(msg, executingText)
		text := o.withHeartbeat(ctx, msg, func() string {
			return b.RunExecuteTurn(ctx, key)
		})
		o.reply(msg, text)
		return
	}

	// Show the plan, then ask. One outstanding request per conversation:
	// the wait below completes or times out before the loop pulls the
	// next message.
	o.reply(msg, result.Text)

	req := domain.ApprovalRequest{
		ID:        uuid.NewString(),
		Key:       key,
		PlanText:  result.Text,
		CreatedAt: time.Now(),
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
	}
	o.bus.PublishApprovalRequest(req)
	o.count("approvals_requested_total")
	o.logger.Info("approval requested", "key", key, "request_id", req.ID)

	res, err := o.bus.WaitApprovalResult(ctx, req.ID, o.approvalTimeout)
	if err != nil {
		o.logger.Warn("approval wait aborted", "key", key, "request_id", req.ID, "error", err)
		return
	}
	if res == nil {
		o.count("approvals_timeout_total")
		o.reply(msg, approvalTimeoutText)
		return
	}

	switch res.Decision {
	case domain.DecisionApprove:
		o.count("approvals_approved_total")
		o.logger.Info("plan approved", "key", key, "request_id", req.ID, "responder", res.ResponderID)
		o.progress(msg, executingText)
		text := o.withHeartbeat(ctx, msg, func() string {
			return b.RunExecuteTurn(ctx, key)
		})
		o.reply(msg, text)

	default: // deny
		o.count("approvals_denied_total")
		o.logger.Info("plan denied", "key", key, "request_id", req.ID, "responder", res.ResponderID)
		text := o.withHeartbeat(ctx, msg, func() string {
			return b.RunTurn(ctx, key, denyDirective)
		})
		o.reply(msg, text)
	}
}

// OnTurnUpdate is the backend progress callback: throttled tool chatter
// becomes transient outbound messages.
func (o *Orchestrator) OnTurnUpdate(u domain.TurnUpdate) {
	if u.Kind == domain.TurnStarted || u.Kind == domain.TurnFinished {
		return
	}
	o.count("tool_updates_total")
	if !o.throttle.allow(u) {
		return
	}

	channel, chatID, ok := splitKey(u.Key)
	if !ok {
		return
	}
	o.bus.PublishOutbound(domain.OutboundMessage{
		Channel:  channel,
		ChatID:   chatID,
		Content:  progressText(u),
		Progress: true,
	})
}

func progressText(u domain.TurnUpdate) string {
	switch u.Kind {
	case domain.ToolCallStarted:
		return "⏳ " + u.ToolName
	case domain.ToolCallFailed:
		return "⚠️ " + u.ToolName + " failed"
	default:
		return "✅ " + u.ToolName
	}
}

// withHeartbeat publishes a periodic "still working" progress message
// while fn runs. The ticker always stops when fn settles, panic included.
func (o *Orchestrator) withHeartbeat(ctx context.Context, msg domain.InboundMessage, fn func() string) string {
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(o.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				o.progress(msg, heartbeatText)
			}
		}
	}()

	return fn()
}

func (o *Orchestrator) reply(msg domain.InboundMessage, text string) {
	o.bus.PublishOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: text,
	})
}

func (o *Orchestrator) progress(msg domain.InboundMessage, text string) {
	o.bus.PublishOutbound(domain.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  text,
		Progress: true,
	})
}

func (o *Orchestrator) count(name string) {
	if o.metrics != nil {
		o.metrics.Inc(name)
	}
}

// splitKey inverts SessionKey: "channel:chatId" (chat IDs may contain
// colons, the channel never does).
func splitKey(key string) (channel, chatID string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
