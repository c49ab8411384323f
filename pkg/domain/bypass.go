package domain

import "time"

// MaxBypassTTL caps how long an emergency bypass may suspend enforcement.
const MaxBypassTTL = 24 * time.Hour

// BypassToken is a device-local circuit breaker: while one is valid, MFA
// enforcement is reported as disabled for the user on the issuing device
// only. It lives in local storage, is never synced remotely, and expires
// passively.
type BypassToken struct {
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason"`
}

// Valid reports whether the token is still in effect at the given instant.
func (t *BypassToken) Valid(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}
