package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/mfa-vault/pkg/audit"
	"github.com/tendant/mfa-vault/pkg/domain"
	"github.com/tendant/mfa-vault/pkg/store"
	"github.com/tendant/mfa-vault/pkg/totp"
)

const (
	// Backup code parameters: 8 codes of 8 characters, no ambiguous chars.
	backupCodeLength = 8
	backupCodeChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// MFAConfig contains configuration for the MFA service.
type MFAConfig struct {
	Issuer string // e.g., "MFA Vault"
}

// MFAService owns the credential lifecycle: setup, confirmation, login
// verification, disable and status. Setup writes flow down through the
// credential store to every replica; verification reads come back up
// through the codec gate and the TOTP engine, then past the lockout guard.
type MFAService struct {
	config  MFAConfig
	creds   *store.CredentialStore
	lockout *LockoutGuard
	sink    audit.Sink
	logger  *slog.Logger

	now func() time.Time // test hook
}

// NewMFAService creates a new MFA service.
func NewMFAService(config MFAConfig, creds *store.CredentialStore, lockout *LockoutGuard, sink audit.Sink, logger *slog.Logger) *MFAService {
	return &MFAService{
		config:  config,
		creds:   creds,
		lockout: lockout,
		sink:    sink,
		logger:  logger,
		now:     time.Now,
	}
}

// SetupBegin provisions a fresh secret and backup codes for the user. The
// credential starts unverified and disabled; re-running setup before the
// first confirmation replaces the pending credential. An enabled
// credential must be disabled or reset first.
func (s *MFAService) SetupBegin(ctx context.Context, userID, device string) (*domain.MFASetupResponse, error) {
	if existing, err := s.creds.Load(ctx, userID); err == nil && existing.Enabled {
		return nil, domain.ErrMFAAlreadyEnabled
	}

	key, err := totp.NewKey(s.config.Issuer, userID)
	if err != nil {
		return nil, err
	}
	secret, err := totp.Normalize(key.Secret())
	if err != nil {
		return nil, fmt.Errorf("provisioned secret failed normalization: %w", err)
	}

	plainCodes := make([]string, domain.BackupCodeCount)
	backupCodes := make([]domain.BackupCode, domain.BackupCodeCount)
	for i := range plainCodes {
		code, err := generateBackupCode()
		if err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		hash, err := HashBackupCode(code)
		if err != nil {
			return nil, fmt.Errorf("failed to hash backup code: %w", err)
		}
		plainCodes[i] = code
		backupCodes[i] = domain.BackupCode{ID: uuid.New(), Hash: hash}
	}

	now := s.now().UTC()
	cred := &domain.MfaCredential{
		UserID:                  userID,
		Secret:                  secret,
		BackupCodes:             backupCodes,
		Verified:                false,
		Enabled:                 false,
		CreatedAt:               now,
		LastUsedAt:              now,
		OriginDeviceFingerprint: device,
	}
	cred.TouchDevice(device)

	if err := s.creds.Store(ctx, cred); err != nil {
		return nil, err
	}

	s.sink.Emit(ctx, audit.NewEvent(audit.ActionSetupBegun, userID, device, ""))
	return &domain.MFASetupResponse{
		Secret:          secret,
		ProvisioningURI: key.String(),
		BackupCodes:     plainCodes,
	}, nil
}

// SetupConfirm checks the user's first code against the pending secret and,
// on success, promotes the credential to verified and enabled. This is the
// only path that sets enabled=true.
func (s *MFAService) SetupConfirm(ctx context.Context, userID, code, device string) error {
	cred, err := s.creds.Load(ctx, userID)
	if err != nil {
		return domain.ErrMFANotSetup
	}
	if cred.Enabled {
		return domain.ErrMFAAlreadyEnabled
	}

	if !totp.Validate(cred.Secret, strings.TrimSpace(code), s.now(), totp.DefaultWindow) {
		s.sink.Emit(ctx, audit.NewEvent(audit.ActionVerifyFailed, userID, device, "setup confirmation"))
		return domain.ErrInvalidMFACode
	}

	cred.MarkVerified(s.now().UTC())
	cred.TouchDevice(device)
	if err := s.creds.Store(ctx, cred); err != nil {
		return err
	}

	s.sink.Emit(ctx, audit.NewEvent(audit.ActionSetupConfirmed, userID, device, ""))
	s.logger.Info("mfa enabled", "user_id", userID)
	return nil
}

// VerifyLogin validates a TOTP code or a backup code at login time. The
// lockout guard is consulted first, so a locked pair is rejected even with
// a correct code; a successful verification resets the window immediately.
func (s *MFAService) VerifyLogin(ctx context.Context, userID, code, device string) error {
	if err := s.lockout.CheckAllowed(userID, device); err != nil {
		return err
	}

	cred, err := s.creds.Load(ctx, userID)
	if err != nil {
		return domain.ErrMFANotSetup
	}
	if !cred.Enabled {
		return domain.ErrMFANotEnabled
	}

	code = strings.TrimSpace(code)
	if isTOTPCode(code) {
		if !totp.Validate(cred.Secret, code, s.now(), totp.DefaultWindow) {
			return s.recordFailure(ctx, userID, device, domain.ErrInvalidMFACode)
		}
		return s.recordSuccess(ctx, cred, device)
	}

	// Backup code path. Consumption is remote-authoritative: a code spent
	// on another device must already be marked consumed here, so force a
	// pull before honoring it. A remote outage degrades to the local copy.
	if refreshed, err := s.creds.Refresh(ctx, userID); err == nil {
		cred = refreshed
		if !cred.Enabled {
			return domain.ErrMFANotEnabled
		}
	}

	normalized := normalizeBackupCode(code)
	for i := range cred.BackupCodes {
		bc := &cred.BackupCodes[i]
		if bc.Consumed || !VerifyBackupCode(normalized, bc.Hash) {
			continue
		}
		now := s.now().UTC()
		bc.Consumed = true
		bc.ConsumedAt = &now
		s.sink.Emit(ctx, audit.NewEvent(audit.ActionBackupConsumed, userID, device, ""))
		return s.recordSuccess(ctx, cred, device)
	}
	return s.recordFailure(ctx, userID, device, domain.ErrInvalidRecoveryCode)
}

func (s *MFAService) recordSuccess(ctx context.Context, cred *domain.MfaCredential, device string) error {
	s.lockout.Reset(cred.UserID, device)
	cred.LastUsedAt = s.now().UTC()
	cred.TouchDevice(device)
	if err := s.creds.Store(ctx, cred); err != nil {
		return err
	}
	s.sink.Emit(ctx, audit.NewEvent(audit.ActionVerifyOK, cred.UserID, device, ""))
	return nil
}

func (s *MFAService) recordFailure(ctx context.Context, userID, device string, cause error) error {
	if locked := s.lockout.RecordFailure(userID, device); locked {
		s.sink.Emit(ctx, audit.NewEvent(audit.ActionLockout, userID, device, ""))
		s.logger.Warn("mfa lockout engaged", "user_id", userID, "device", device)
	}
	s.sink.Emit(ctx, audit.NewEvent(audit.ActionVerifyFailed, userID, device, ""))
	return cause
}

// Disable turns enforcement off while keeping the verified credential, so
// the user can re-enable without a fresh setup. Only an explicit call ever
// flips enabled to false; no error path does.
func (s *MFAService) Disable(ctx context.Context, userID, device string) error {
	cred, err := s.creds.Load(ctx, userID)
	if err != nil {
		return domain.ErrMFANotSetup
	}
	if !cred.Enabled {
		return domain.ErrMFANotEnabled
	}

	cred.Disable()
	cred.LastUsedAt = s.now().UTC()
	if err := s.creds.Store(ctx, cred); err != nil {
		return err
	}
	s.sink.Emit(ctx, audit.NewEvent(audit.ActionDisabled, userID, device, ""))
	return nil
}

// Status reports where the user's MFA stands on this device: setup and
// verification state, whether enforcement is active (bypass-aware), and
// any current lockout for the calling device.
func (s *MFAService) Status(ctx context.Context, userID, device string) *domain.MFAStatus {
	status := &domain.MFAStatus{
		LockedUntil: s.lockout.LockedUntil(userID, device),
	}

	cred, err := s.creds.Load(ctx, userID)
	if err != nil {
		return status
	}
	status.HasSetup = true
	status.Verified = cred.Verified
	status.Enabled = cred.Enabled && !s.creds.BypassActive(ctx, userID)
	return status
}

// isTOTPCode distinguishes a 6-digit authenticator code from a backup code.
func isTOTPCode(code string) bool {
	if len(code) != totp.Digits {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// normalizeBackupCode removes dashes and spaces and uppercases, matching
// however the user transcribed the code.
func normalizeBackupCode(code string) string {
	code = strings.ReplaceAll(code, "-", "")
	code = strings.ReplaceAll(code, " ", "")
	return strings.ToUpper(code)
}

// generateBackupCode generates one random 8-character backup code.
func generateBackupCode() (string, error) {
	chars := make([]byte, backupCodeLength)
	if _, err := rand.Read(chars); err != nil {
		return "", err
	}
	for i := range chars {
		chars[i] = backupCodeChars[int(chars[i])%len(backupCodeChars)]
	}
	return string(chars), nil
}
