package auth

import (
	"sync"
	"time"

	"github.com/tendant/mfa-vault/pkg/domain"
)

// Lockout defaults.
const (
	defaultMaxFailures     = 3
	defaultFailureWindow   = 15 * time.Minute
	defaultLockoutDuration = 15 * time.Minute
)

// LockoutConfig tunes the failure window.
type LockoutConfig struct {
	MaxFailures     int           // failures within the window before locking
	FailureWindow   time.Duration // rolling window length
	LockoutDuration time.Duration // how long a lockout lasts
}

func (c LockoutConfig) withDefaults() LockoutConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = defaultMaxFailures
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = defaultFailureWindow
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = defaultLockoutDuration
	}
	return c
}

// LockoutGuard tracks verification failures per user+device pair and
// enforces temporary lockout. All expiry is passive, evaluated on access.
type LockoutGuard struct {
	config LockoutConfig

	mu      sync.Mutex
	windows map[string]*domain.AttemptWindow

	now func() time.Time // test hook
}

// NewLockoutGuard creates a lockout guard.
func NewLockoutGuard(config LockoutConfig) *LockoutGuard {
	return &LockoutGuard{
		config:  config.withDefaults(),
		windows: make(map[string]*domain.AttemptWindow),
		now:     time.Now,
	}
}

func lockoutKey(userID, device string) string {
	return userID + "|" + device
}

// CheckAllowed returns *domain.LockedError while the pair is locked out.
func (g *LockoutGuard) CheckAllowed(userID, device string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := lockoutKey(userID, device)
	w, ok := g.windows[key]
	if !ok {
		return nil
	}

	now := g.now()
	if w.IsLocked(now) {
		return &domain.LockedError{Until: *w.LockedUntil}
	}
	if w.LockedUntil != nil || w.Expired(now, g.config.FailureWindow) {
		// Lockout or window lapsed: back to open.
		delete(g.windows, key)
	}
	return nil
}

// RecordFailure counts one failed verification. Returns true when this
// failure crossed the threshold and engaged the lockout.
func (g *LockoutGuard) RecordFailure(userID, device string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := lockoutKey(userID, device)
	now := g.now()

	w, ok := g.windows[key]
	if !ok || w.Expired(now, g.config.FailureWindow) || (w.LockedUntil != nil && !w.IsLocked(now)) {
		w = &domain.AttemptWindow{WindowStart: now}
		g.windows[key] = w
	}

	w.FailureCount++
	if w.LockedUntil == nil && w.FailureCount >= g.config.MaxFailures {
		until := now.Add(g.config.LockoutDuration)
		w.LockedUntil = &until
		return true
	}
	return false
}

// Reset clears the window. Called on every successful verification,
// regardless of state.
func (g *LockoutGuard) Reset(userID, device string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.windows, lockoutKey(userID, device))
}

// LockedUntil reports when the current lockout ends, or nil when the pair
// is not locked.
func (g *LockoutGuard) LockedUntil(userID, device string) *time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.windows[lockoutKey(userID, device)]
	if !ok || !w.IsLocked(g.now()) {
		return nil
	}
	until := *w.LockedUntil
	return &until
}
