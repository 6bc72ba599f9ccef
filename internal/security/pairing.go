// Package security gates chat-channel access. Unknown senders must pair
// with a one-time code before their messages reach the agent; the code
// is printed to the operator's log, never to the chat.
package security

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"relaybot/internal/domain"
)

type PairingConfig struct {
	Required bool
	TTLDays  int // paired-user lifetime, <=0 means 30
	DB       *sql.DB
	Logger   *slog.Logger
}

// Pairing tracks which channel users may talk to the bot. Paired users
// are persisted in SQLite; pending codes live in memory and expire after
// ten minutes.
type Pairing struct {
	required bool
	ttlDays  int
	db       *sql.DB
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingCode // "channel:userID" -> code
}

type pendingCode struct {
	code      string
	expiresAt time.Time
}

func NewPairing(cfg PairingConfig) (*Pairing, error) {
	if cfg.TTLDays <= 0 {
		cfg.TTLDays = 30
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pairing{
		required: cfg.Required,
		ttlDays:  cfg.TTLDays,
		db:       cfg.DB,
		logger:   cfg.Logger,
		pending:  make(map[string]pendingCode),
	}
	if p.db != nil {
		if err := p.migrate(); err != nil {
			return nil, fmt.Errorf("pairing migration failed: %w", err)
		}
	}
	return p, nil
}

func (p *Pairing) migrate() error {
	_, err := p.db.Exec(`
	CREATE TABLE IF NOT EXISTS paired_users (
		channel    TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		paired_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		expires_at DATETIME,
		PRIMARY KEY (channel, user_id)
	);`)
	return err
}

// Allowed reports whether the sender may interact. Pairing disabled or
// no database means everyone is allowed.
func (p *Pairing) Allowed(ctx context.Context, channel, userID string) (bool, error) {
	if !p.required || p.db == nil {
		return true, nil
	}

	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM paired_users
		 WHERE channel = ? AND user_id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		channel, userID, time.Now(),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("pairing check: %w", err)
	}
	return count > 0, nil
}

// GenerateCode returns the sender's pending pairing code, minting a new
// one when none is outstanding. The operator reads it from the log and
// hands it to the user out of band.
func (p *Pairing) GenerateCode(channel, userID string) string {
	key := channel + ":" + userID

	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, ok := p.pending[key]; ok && time.Now().Before(pc.expiresAt) {
		return pc.code
	}

	code := randomDigits(6)
	p.pending[key] = pendingCode{code: code, expiresAt: time.Now().Add(10 * time.Minute)}
	p.logger.Info("pairing code issued", "channel", channel, "user_id", userID, "code", code)
	return code
}

// Pair verifies code for the sender and persists the pairing on match.
// A wrong or expired code returns (false, nil).
func (p *Pairing) Pair(ctx context.Context, channel, userID, code string) (bool, error) {
	key := channel + ":" + userID

	p.mu.Lock()
	pc, ok := p.pending[key]
	if ok && (time.Now().After(pc.expiresAt) || pc.code != code) {
		if time.Now().After(pc.expiresAt) {
			delete(p.pending, key)
		}
		ok = false
	}
	if ok {
		delete(p.pending, key)
	}
	p.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := p.persist(ctx, channel, userID); err != nil {
		return false, err
	}
	p.logger.Info("user paired", "channel", channel, "user_id", userID)
	return true, nil
}

// Unpair revokes a user's access.
func (p *Pairing) Unpair(ctx context.Context, channel, userID string) error {
	if p.db == nil {
		return nil
	}
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM paired_users WHERE channel = ? AND user_id = ?`,
		channel, userID,
	)
	return err
}

func (p *Pairing) persist(ctx context.Context, channel, userID string) error {
	if p.db == nil {
		return nil
	}
	var expiresAt *time.Time
	if p.ttlDays > 0 {
		t := time.Now().AddDate(0, 0, p.ttlDays)
		expiresAt = &t
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO paired_users (channel, user_id, paired_at, expires_at)
		 VALUES (?, ?, ?, ?)`,
		channel, userID, time.Now(), expiresAt,
	)
	return err
}

// CleanExpired drops stale pending codes. Call periodically.
func (p *Pairing) CleanExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for key, pc := range p.pending {
		if now.After(pc.expiresAt) {
			delete(p.pending, key)
		}
	}
}

var _ domain.AccessController = (*Pairing)(nil)

func randomDigits(n int) string {
	code := make([]byte, n)
	for i := range code {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			code[i] = '0'
			continue
		}
		code[i] = byte('0') + byte(v.Int64())
	}
	return string(code)
}
