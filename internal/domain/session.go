package domain

import "time"

// SessionRecord maps a conversation key to the agent-side session or
// thread identifier used to resume context.
type SessionRecord struct {
	ID        string // agent session/thread ID
	Topic     string
	UpdatedAt time.Time
}

// SessionStore persists session identity per conversation key.
//
// Topic semantics: set on the first turn of a session, preserved across
// resumes with the same ID, replaced when the ID changes.
type SessionStore interface {
	Get(key string) (*SessionRecord, error)
	Set(key, id, topic string) error
	Clear(key string) error
}
