// Package backend implements the agent backends: a per-turn subprocess
// whose newline-delimited JSON output stream is parsed incrementally,
// and a long-lived subprocess speaking a correlated request/response
// protocol. Both satisfy domain.Backend; the orchestrator stays
// backend-agnostic.
package backend

import "unicode/utf8"

const (
	// apologyText is the single user-safe message for every failure path.
	// Backends log the real cause and return this, never an error.
	apologyText = "Sorry, I ran into a problem handling that. Please try again."

	// noResponseText is returned when a turn succeeds but the agent
	// produced no text at all.
	noResponseText = "(no response)"

	// executeDirective is the fixed instruction sent when the user
	// approves a plan.
	executeDirective = "The user approved your plan. Proceed with the implementation."

	// topicMaxLen bounds the session topic derived from the first user
	// message.
	topicMaxLen = 64
)

// topicFrom derives a short session topic from the first user message of
// a session.
func topicFrom(text string) string {
	for i, r := range text {
		if r == '\n' {
			text = text[:i]
			break
		}
	}
	if len(text) > topicMaxLen {
		// Back up to a rune boundary so the stored topic stays valid UTF-8.
		cut := topicMaxLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}
