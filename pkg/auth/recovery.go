package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tendant/mfa-vault/pkg/audit"
	"github.com/tendant/mfa-vault/pkg/domain"
	"github.com/tendant/mfa-vault/pkg/store"
)

// RecoveryConfig holds configuration for the emergency recovery service.
type RecoveryConfig struct {
	// SigningKey signs bypass tokens so a tampered local slot cannot forge
	// a suspension of enforcement.
	SigningKey []byte
	Issuer     string
}

// RecoveryService is the only path for emergency recovery: a time-boxed
// device-local bypass, or a destructive reset. It never recovers the
// original secret; recovery only ever clears state or temporarily suspends
// enforcement.
type RecoveryService struct {
	config RecoveryConfig
	slots  store.LocalSlots
	creds  *store.CredentialStore
	sink   audit.Sink
	logger *slog.Logger

	now func() time.Time // test hook
}

// NewRecoveryService creates the recovery service.
func NewRecoveryService(config RecoveryConfig, slots store.LocalSlots, creds *store.CredentialStore, sink audit.Sink, logger *slog.Logger) *RecoveryService {
	return &RecoveryService{
		config: config,
		slots:  slots,
		creds:  creds,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// bypassClaims is the signed shape of a bypass token.
type bypassClaims struct {
	jwt.RegisteredClaims
	Reason string `json:"reason"`
}

// IssueBypass creates a local-only bypass token. While it is valid, the
// credential store reports enforcement as disabled for this user on this
// device only. The token is never pushed to the remote slot. Every
// issuance is audited.
func (s *RecoveryService) IssueBypass(ctx context.Context, userID, reason string, ttl time.Duration) (*domain.BypassToken, error) {
	if reason == "" {
		return nil, domain.ErrBypassReasonEmpty
	}
	if ttl <= 0 || ttl > domain.MaxBypassTTL {
		return nil, domain.ErrBypassTTLTooLong
	}

	now := s.now().UTC()
	token := &domain.BypassToken{
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Reason:    reason,
	}

	claims := bypassClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(token.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(token.ExpiresAt),
		},
		Reason: reason,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign bypass token: %w", err)
	}

	if err := s.slots.Put(ctx, store.BypassSlotKey(userID), []byte(signed)); err != nil {
		return nil, fmt.Errorf("failed to store bypass token: %w", err)
	}

	s.sink.Emit(ctx, audit.NewEvent(audit.ActionBypassIssued, userID, s.creds.DeviceFingerprint(), reason))
	s.logger.Warn("emergency bypass issued", "user_id", userID, "expires_at", token.ExpiresAt, "reason", reason)
	return token, nil
}

// BypassActive implements store.BypassChecker. Expired or invalid tokens
// are dropped on access.
func (s *RecoveryService) BypassActive(ctx context.Context, userID string) bool {
	key := store.BypassSlotKey(userID)
	raw, err := s.slots.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrSlotNotFound) {
			s.logger.Warn("failed to read bypass slot", "user_id", userID, "error", err)
		}
		return false
	}

	claims := &bypassClaims{}
	_, err = jwt.ParseWithClaims(string(raw), claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.config.SigningKey, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || claims.Subject != userID {
		// Expired, forged, or stale: clear it so the next check is cheap.
		_ = s.slots.Delete(ctx, key)
		return false
	}
	return true
}

// Reset destroys the credential everywhere: all local slots are
// tombstoned and the remote slot is requested to follow. The caller must
// confirm by echoing the user id; this operation is never reachable from
// a failed-verification path.
func (s *RecoveryService) Reset(ctx context.Context, userID, confirm string) error {
	if confirm != userID {
		return domain.ErrResetNotConfirmed
	}

	if err := s.creds.Tombstone(ctx, userID); err != nil {
		return fmt.Errorf("failed to tombstone credential: %w", err)
	}
	_ = s.slots.Delete(ctx, store.BypassSlotKey(userID))

	s.sink.Emit(ctx, audit.NewEvent(audit.ActionReset, userID, s.creds.DeviceFingerprint(), "destructive reset"))
	s.logger.Warn("mfa credential reset", "user_id", userID)
	return nil
}
