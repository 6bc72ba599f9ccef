package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in       string
		wantNil  bool
		wantName string
		wantArgs int
	}{
		{"/help", false, "help", 0},
		{"/NEW", false, "new", 0},
		{"  /status now  ", false, "status", 1},
		{"hello", true, "", 0},
		{"", true, "", 0},
		{"/", true, "", 0},
	}

	for _, tt := range tests {
		cmd := ParseCommand(tt.in)
		if tt.wantNil {
			if cmd != nil {
				t.Errorf("ParseCommand(%q) = %+v, want nil", tt.in, cmd)
			}
			continue
		}
		if cmd == nil {
			t.Errorf("ParseCommand(%q) = nil", tt.in)
			continue
		}
		if cmd.Name != tt.wantName || len(cmd.Args) != tt.wantArgs {
			t.Errorf("ParseCommand(%q) = %+v", tt.in, cmd)
		}
	}
}

func TestCommands_HelpAndVersion(t *testing.T) {
	c := &Commands{Backend: &fakeBackend{}, Version: "1.2.3"}
	msg := domain.InboundMessage{Channel: "cli", ChatID: "1", Content: "/help", Timestamp: time.Now()}

	out, handled := c.HandleCommand(context.Background(), msg)
	if !handled || !strings.Contains(out, "/new") {
		t.Fatalf("help = (%q, %v)", out, handled)
	}

	msg.Content = "/version"
	out, handled = c.HandleCommand(context.Background(), msg)
	if !handled || !strings.Contains(out, "1.2.3") {
		t.Fatalf("version = (%q, %v)", out, handled)
	}
}

func TestCommands_StatusIncludesMetrics(t *testing.T) {
	m := metrics.New()
	m.Inc("turns_total")
	c := &Commands{Backend: &fakeBackend{}, Metrics: m}

	out, handled := c.HandleCommand(context.Background(), domain.InboundMessage{Content: "/status"})
	if !handled || !strings.Contains(out, "turns_total: 1") {
		t.Fatalf("status = (%q, %v)", out, handled)
	}
}

func TestCommands_UnknownForwarded(t *testing.T) {
	c := &Commands{Backend: &fakeBackend{}}
	_, handled := c.HandleCommand(context.Background(), domain.InboundMessage{Content: "/frobnicate"})
	if handled {
		t.Fatal("unknown command must be forwarded to the agent")
	}
	_, handled = c.HandleCommand(context.Background(), domain.InboundMessage{Content: "plain text"})
	if handled {
		t.Fatal("plain text must be forwarded")
	}
}
