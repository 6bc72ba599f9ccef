package agent

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

// ChatCommand is a parsed slash command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// startTime records when the process started for /uptime.
var startTime = time.Now()

// ParseCommand checks if a message starts with "/" and parses it.
// Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}

	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	return &ChatCommand{Name: name, Args: args, Raw: text}
}

// Commands implements domain.CommandHandler for the built-in slash
// commands. Unrecognized commands are forwarded to the agent as text.
type Commands struct {
	Backend domain.Backend
	Metrics *metrics.Collector
	Version string
}

func (c *Commands) HandleCommand(ctx context.Context, msg domain.InboundMessage) (string, bool) {
	cmd := ParseCommand(msg.Content)
	if cmd == nil {
		return "", false
	}

	switch cmd.Name {
	case "help":
		return helpText(), true

	case "new", "clear":
		if err := c.Backend.StartNewSession(msg.SessionKey()); err != nil {
			return "Couldn't clear the session, sorry.", true
		}
		return "Conversation cleared. Starting fresh.", true

	case "status":
		return c.statusText(), true

	case "uptime":
		return fmt.Sprintf("Uptime: %s", time.Since(startTime).Round(time.Second)), true

	case "version":
		return fmt.Sprintf("relaybot v%s (%s/%s, Go %s)", c.Version, runtime.GOOS, runtime.GOARCH, runtime.Version()), true

	default:
		return "", false
	}
}

func (c *Commands) statusText() string {
	var sb strings.Builder
	sb.WriteString("relaybot status\n")
	fmt.Fprintf(&sb, "  uptime: %s\n", time.Since(startTime).Round(time.Second))
	if c.Metrics != nil {
		for _, m := range c.Metrics.Snapshot() {
			fmt.Fprintf(&sb, "  %s: %d\n", m.Name, m.Value)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func helpText() string {
	return strings.TrimSpace(`
Commands:
  /help     show this help
  /new      clear the conversation and start fresh
  /status   turn and approval counters
  /uptime   process uptime
  /version  build information

Anything else is sent to the coding agent.`)
}

var _ domain.CommandHandler = (*Commands)(nil)
