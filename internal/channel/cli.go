package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"relaybot/internal/domain"
)

// CLI is a line-oriented adapter over stdin/stdout, mainly for local
// testing and the `relaybot chat` command. One chat, sender "local".
type CLI struct {
	in  io.Reader
	out io.Writer

	bus    domain.MessageBus
	logger *slog.Logger

	mu      sync.Mutex
	pending string // outstanding approval request ID, "" if none
}

type CLIConfig struct {
	In     io.Reader // defaults to os.Stdin
	Out    io.Writer // defaults to os.Stdout
	Logger *slog.Logger
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{in: cfg.In, out: cfg.Out, logger: cfg.Logger}
}

func (c *CLI) Name() string           { return "cli" }
func (c *CLI) SupportsApproval() bool { return true }

// Start reads lines until EOF or ctx cancellation. While an approval is
// pending, y/n style answers resolve it; everything else is inbound.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			c.handleLine(line)
		}
	}
}

func (c *CLI) Stop() error { return nil }

func (c *CLI) Deliver(ctx context.Context, msg domain.OutboundMessage) error {
	prefix := ""
	if msg.Progress {
		prefix = "… "
	}
	_, err := fmt.Fprintf(c.out, "%s%s\n", prefix, msg.Content)
	return err
}

func (c *CLI) AskApproval(ctx context.Context, req domain.ApprovalRequest) error {
	c.mu.Lock()
	c.pending = req.ID
	c.mu.Unlock()

	_, err := fmt.Fprint(c.out, "Proceed with this plan? [y/n] ")
	return err
}

func (c *CLI) handleLine(line string) {
	text := strings.TrimSpace(line)
	if text == "" {
		return
	}

	c.mu.Lock()
	requestID := c.pending
	c.mu.Unlock()

	if requestID != "" {
		decision, ok := cliDecision(text)
		if ok {
			c.mu.Lock()
			c.pending = ""
			c.mu.Unlock()
			c.bus.PublishApprovalResult(domain.ApprovalResult{
				RequestID:   requestID,
				Decision:    decision,
				ResponderID: "local",
			})
			return
		}
	}

	c.bus.PublishInbound(domain.InboundMessage{
		Channel:   "cli",
		ChatID:    "local",
		SenderID:  "local",
		Content:   text,
		Timestamp: time.Now(),
	})
}

func cliDecision(text string) (domain.ApprovalDecision, bool) {
	switch strings.ToLower(text) {
	case "y", "yes", "approve":
		return domain.DecisionApprove, true
	case "n", "no", "deny":
		return domain.DecisionDeny, true
	}
	return "", false
}

var _ domain.Channel = (*CLI)(nil)
