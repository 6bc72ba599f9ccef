package backend

import (
	"slices"
	"testing"
)

func TestFilterEnv(t *testing.T) {
	in := []string{
		"PATH=/usr/bin",
		"HOME=/home/u",
		"RELAYBOT_TELEGRAM_TOKEN=secret",
		"RELAYBOT_DB=/tmp/x.db",
		"ANTHROPIC_API_KEY=sk-123",
		"OPENAI_API_KEY=sk-456",
		"RANDOM_THING=1",
		"malformed",
	}

	out := filterEnv(in)

	for _, want := range []string{"PATH=/usr/bin", "HOME=/home/u", "ANTHROPIC_API_KEY=sk-123", "OPENAI_API_KEY=sk-456"} {
		if !slices.Contains(out, want) {
			t.Errorf("missing %q in %v", want, out)
		}
	}
	for _, banned := range []string{"RELAYBOT_TELEGRAM_TOKEN=secret", "RELAYBOT_DB=/tmp/x.db", "RANDOM_THING=1", "malformed"} {
		if slices.Contains(out, banned) {
			t.Errorf("leaked %q", banned)
		}
	}
}
