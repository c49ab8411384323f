package domain

import "time"

// AttemptWindow tracks verification failures for one user+device pair
// inside a rolling window. Expiry is passive: state is re-evaluated on the
// next access, never by a background timer.
type AttemptWindow struct {
	FailureCount int
	WindowStart  time.Time
	LockedUntil  *time.Time
}

// IsLocked reports whether the pair is locked out at the given instant.
func (w *AttemptWindow) IsLocked(now time.Time) bool {
	return w.LockedUntil != nil && now.Before(*w.LockedUntil)
}

// Expired reports whether the rolling window has lapsed without a lockout.
func (w *AttemptWindow) Expired(now time.Time, window time.Duration) bool {
	return w.LockedUntil == nil && now.Sub(w.WindowStart) > window
}
