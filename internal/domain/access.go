package domain

import "context"

// AccessController decides whether a channel sender may talk to the
// agent, and runs the code-based pairing handshake for those who can't
// yet.
type AccessController interface {
	Allowed(ctx context.Context, channel, userID string) (bool, error)

	// GenerateCode returns the sender's one-time pairing code, reusing a
	// still-pending one. The code reaches the user out of band.
	GenerateCode(channel, userID string) string

	// Pair redeems a code. A wrong or expired code is (false, nil).
	Pair(ctx context.Context, channel, userID, code string) (bool, error)
}
