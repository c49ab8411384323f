package domain

import (
	"errors"
	"fmt"
	"time"
)

// Credential errors
var (
	ErrCredentialNotFound   = errors.New("mfa credential not found")
	ErrCredentialTombstoned = errors.New("mfa credential was reset")
	ErrMFANotSetup          = errors.New("MFA setup not initiated")
	ErrMFANotEnabled        = errors.New("MFA is not enabled for this account")
	ErrMFAAlreadyEnabled    = errors.New("MFA is already enabled")
	ErrInvalidMFACode       = errors.New("invalid MFA code")
	ErrInvalidRecoveryCode  = errors.New("invalid or already used recovery code")

	// ErrEnabledNotVerified guards the invariant that a credential can
	// never enforce verification without having proven possession once.
	ErrEnabledNotVerified = errors.New("credential cannot be enabled before it is verified")
)

// Storage errors
var (
	// ErrAllSlotsFailed means every local replica slot rejected the write.
	// A single failed slot is only logged; this is the fatal case.
	ErrAllSlotsFailed = errors.New("all local credential slots failed")

	ErrSlotNotFound = errors.New("slot not found")
)

// Recovery errors
var (
	ErrResetNotConfirmed = errors.New("destructive reset requires explicit confirmation")
	ErrBypassTTLTooLong  = errors.New("bypass TTL exceeds the 24h maximum")
	ErrBypassReasonEmpty = errors.New("bypass reason is required")
)

// LockedError is returned while a user+device pair is locked out after
// repeated verification failures.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked due to too many failed MFA attempts, retry after %s", e.Until.UTC().Format(time.RFC3339))
}

// Remaining returns how long the lockout still lasts at the given instant.
func (e *LockedError) Remaining(now time.Time) time.Duration {
	if now.After(e.Until) {
		return 0
	}
	return e.Until.Sub(now)
}
