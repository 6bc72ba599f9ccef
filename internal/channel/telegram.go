package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"relaybot/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram implements domain.Channel over the Telegram Bot API with
// long polling. Plan approvals are rendered as an inline keyboard whose
// callback data carries the approval request ID.
type Telegram struct {
	token     string
	allowFrom []int64 // allowed user IDs (empty = allow all)

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string           { return "telegram" }
func (t *Telegram) SupportsApproval() bool { return true }

// Start connects to Telegram and polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			t.logger.Info("telegram channel stopping")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: polling stops when Start's context is cancelled.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) Deliver(ctx context.Context, msg domain.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", msg.ChatID, err)
	}
	if msg.Progress {
		// Progress is best-effort: a typing action plus a plain send,
		// failures are only logged.
		_, _ = t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	}
	t.sendMessage(chatID, msg.Content)
	return nil
}

// AskApproval shows the approve/deny keyboard. The decision arrives
// later as a callback query and is published as an ApprovalResult.
func (t *Telegram) AskApproval(ctx context.Context, req domain.ApprovalRequest) error {
	chatID, err := strconv.ParseInt(req.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", req.ChatID, err)
	}

	msg := tgbotapi.NewMessage(chatID, "Proceed with this plan?")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Approve", "approve:"+req.ID),
			tgbotapi.NewInlineKeyboardButtonData("❌ Deny", "deny:"+req.ID),
		),
	)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send approval prompt: %w", err)
	}
	return nil
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		t.handleCallback(update.CallbackQuery)
		return
	}

	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", update.Message.From.UserName,
		)
		t.sendMessage(chatID, "⛔ Unauthorized. Your user ID is not in the allow list.")
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
	)

	t.bus.PublishInbound(domain.InboundMessage{
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(chatID, 10),
		SenderID:  strconv.FormatInt(userID, 10),
		Content:   text,
		Timestamp: time.Unix(int64(update.Message.Date), 0),
	})
}

func (t *Telegram) handleCallback(cq *tgbotapi.CallbackQuery) {
	if cq.Message == nil || cq.Message.Chat == nil || cq.From == nil {
		return
	}
	if !t.isAllowed(cq.From.ID) {
		return
	}

	_, _ = t.bot.Request(tgbotapi.NewCallback(cq.ID, ""))

	verdict, requestID, ok := strings.Cut(cq.Data, ":")
	if !ok || requestID == "" {
		return
	}
	decision := domain.DecisionDeny
	if verdict == "approve" {
		decision = domain.DecisionApprove
	}

	t.bus.PublishApprovalResult(domain.ApprovalResult{
		RequestID:   requestID,
		Decision:    decision,
		ResponderID: strconv.FormatInt(cq.From.ID, 10),
	})

	// Retire the keyboard so the prompt cannot be answered twice.
	chatID := cq.Message.Chat.ID
	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, cq.Message.MessageID,
		tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
	_, _ = t.bot.Send(edit)
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// sendMessage delivers text, chunked to Telegram's message size limit,
// retrying each chunk a few times.
func (t *Telegram) sendMessage(chatID int64, text string) {
	if text == "" {
		return
	}
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		msg.ParseMode = tgbotapi.ModeMarkdown

		var err error
		for attempt := 0; attempt < telegramMaxSendRetries; attempt++ {
			if _, err = t.bot.Send(msg); err == nil {
				break
			}
			// Markdown parse failures are common with agent output; retry plain.
			msg.ParseMode = ""
			time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
		}
		if err != nil {
			t.logger.Error("telegram send failed", "chat_id", chatID, "error", err)
		}
	}
}

// splitMessage breaks text into chunks of at most limit bytes,
// preferring newline boundaries.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			// No newline to break on: hard cut, backed up to a rune
			// boundary so no chunk carries a torn multi-byte rune.
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

var _ domain.Channel = (*Telegram)(nil)
