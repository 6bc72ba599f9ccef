package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"relaybot/internal/domain"
)

const discordMaxMsgLen = 2000

// Discord implements domain.Channel over a gateway session. Approvals
// are plain text replies: while a request is pending for a channel,
// "approve"/"deny" (and a few synonyms) resolve it instead of being
// forwarded to the agent.
type Discord struct {
	token     string
	allowFrom []string

	session *discordgo.Session
	bus     domain.MessageBus
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]string // discord channel ID -> approval request ID
}

type DiscordConfig struct {
	Token     string
	AllowFrom []string // user IDs (empty = allow all)
	Logger    *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:     cfg.Token,
		allowFrom: cfg.AllowFrom,
		logger:    cfg.Logger,
		pending:   make(map[string]string),
	}
}

func (d *Discord) Name() string           { return "discord" }
func (d *Discord) SupportsApproval() bool { return true }

func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session init: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	session.AddHandler(d.handleMessage)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord gateway open: %w", err)
	}
	d.session = session
	d.logger.Info("discord bot connected", "user_id", session.State.User.ID)

	<-ctx.Done()
	return d.Stop()
}

func (d *Discord) Stop() error {
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

func (d *Discord) Deliver(ctx context.Context, msg domain.OutboundMessage) error {
	if d.session == nil {
		return fmt.Errorf("discord session not started")
	}
	if msg.Progress {
		_ = d.session.ChannelTyping(msg.ChatID)
	}
	for _, chunk := range splitMessage(msg.Content, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

func (d *Discord) AskApproval(ctx context.Context, req domain.ApprovalRequest) error {
	if d.session == nil {
		return fmt.Errorf("discord session not started")
	}

	d.mu.Lock()
	d.pending[req.ChatID] = req.ID
	d.mu.Unlock()

	prompt := "Proceed with this plan? Reply **approve** or **deny**."
	if _, err := d.session.ChannelMessageSend(req.ChatID, prompt); err != nil {
		d.mu.Lock()
		delete(d.pending, req.ChatID)
		d.mu.Unlock()
		return fmt.Errorf("discord approval prompt: %w", err)
	}
	return nil
}

func (d *Discord) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil || m.Author.ID == s.State.User.ID {
		return
	}
	if !d.isAllowed(m.Author.ID) {
		d.logger.Warn("unauthorized discord user", "user_id", m.Author.ID)
		return
	}

	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}

	if requestID, decision, ok := d.takePendingDecision(m.ChannelID, content); ok {
		d.bus.PublishApprovalResult(domain.ApprovalResult{
			RequestID:   requestID,
			Decision:    decision,
			ResponderID: m.Author.ID,
		})
		return
	}

	d.logger.Info("discord message received",
		"user_id", m.Author.ID,
		"channel_id", m.ChannelID,
		"text_len", len(content),
	)

	d.bus.PublishInbound(domain.InboundMessage{
		Channel:   "discord",
		ChatID:    m.ChannelID,
		SenderID:  m.Author.ID,
		Content:   content,
		Timestamp: time.Now(),
	})
}

// takePendingDecision resolves content against the channel's pending
// approval, if any. A recognized verdict consumes the pending entry;
// anything else leaves it in place and is treated as a new message.
func (d *Discord) takePendingDecision(channelID, content string) (requestID string, decision domain.ApprovalDecision, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	requestID, exists := d.pending[channelID]
	if !exists {
		return "", "", false
	}

	switch strings.ToLower(content) {
	case "approve", "approved", "yes", "y", "ok":
		decision = domain.DecisionApprove
	case "deny", "denied", "no", "n", "reject":
		decision = domain.DecisionDeny
	default:
		return "", "", false
	}
	delete(d.pending, channelID)
	return requestID, decision, true
}

func (d *Discord) isAllowed(userID string) bool {
	if len(d.allowFrom) == 0 {
		return true
	}
	for _, id := range d.allowFrom {
		if strings.TrimSpace(id) == userID {
			return true
		}
	}
	return false
}

var _ domain.Channel = (*Discord)(nil)
