// Package syncer keeps local and remote credential copies convergent
// without ever losing a verified credential. The remote slot is pushed
// best-effort with bounded retry; pulls run through the decrypt + codec
// gate before anything is trusted.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/mfa-vault/pkg/audit"
	"github.com/tendant/mfa-vault/pkg/crypto"
	"github.com/tendant/mfa-vault/pkg/domain"
	"github.com/tendant/mfa-vault/pkg/totp"
)

// RemoteSlots is the cloud record store collaborator: one row per user,
// eventually consistent, may be unreachable.
type RemoteSlots interface {
	Get(ctx context.Context, userID string) (*domain.RemoteCredentialRecord, error)
	Upsert(ctx context.Context, rec *domain.RemoteCredentialRecord) error
	Tombstone(ctx context.Context, userID string) error
}

// SyncWarning wraps a remote failure that the local write path already
// survived. Logged and retried later, never fatal.
type SyncWarning struct {
	Op  string
	Err error
}

func (w *SyncWarning) Error() string {
	return fmt.Sprintf("sync %s failed, remote copy diverges: %v", w.Op, w.Err)
}

func (w *SyncWarning) Unwrap() error { return w.Err }

// Config tunes the push retry loop.
type Config struct {
	Attempts       int           // default 3
	AttemptTimeout time.Duration // default 5s
	BackoffBase    time.Duration // default 1s, doubled per attempt
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	return c
}

// Coordinator reconciles local and remote credential copies.
type Coordinator struct {
	config Config
	remote RemoteSlots
	cipher crypto.Cipher
	sink   audit.Sink
	logger *slog.Logger
	wg     sync.WaitGroup

	queueMu sync.Mutex
	queues  map[string]chan struct{}
}

// NewCoordinator creates a sync coordinator.
func NewCoordinator(config Config, remote RemoteSlots, cipher crypto.Cipher, sink audit.Sink, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		config: config.withDefaults(),
		remote: remote,
		cipher: cipher,
		sink:   sink,
		logger: logger,
		queues: make(map[string]chan struct{}),
	}
}

// enqueue runs task after every previously enqueued task for the same user
// has finished. Remote writes for one user must land in issue order: an
// older snapshot overtaking a newer one would revert consumed backup codes
// and the enabled flag in the remote slot.
func (c *Coordinator) enqueue(userID string, task func()) {
	c.queueMu.Lock()
	prev := c.queues[userID]
	done := make(chan struct{})
	c.queues[userID] = done
	c.queueMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if prev != nil {
			<-prev
		}
		task()
		close(done)

		c.queueMu.Lock()
		if c.queues[userID] == done {
			delete(c.queues, userID)
		}
		c.queueMu.Unlock()
	}()
}

// Push serializes and encrypts the credential, then upserts the remote slot
// with bounded retry. A persistent failure comes back as *SyncWarning.
func (c *Coordinator) Push(ctx context.Context, cred *domain.MfaCredential) error {
	rec, err := c.encode(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential for push: %w", err)
	}

	op := func(attemptCtx context.Context) error {
		return c.remote.Upsert(attemptCtx, rec)
	}
	if err := c.retry(ctx, op); err != nil {
		return &SyncWarning{Op: "push", Err: err}
	}
	return nil
}

// PushAsync runs Push in the background so the local write path never
// blocks on the network. Pushes for the same user are serialized in issue
// order. Failures are logged and audited, not surfaced.
func (c *Coordinator) PushAsync(cred *domain.MfaCredential) {
	c.enqueue(cred.UserID, func() {
		if err := c.Push(context.Background(), cred); err != nil {
			c.logger.Warn("remote push failed, will retry on next write",
				"user_id", cred.UserID, "error", err)
			c.sink.Emit(context.Background(), audit.NewEvent(audit.ActionSyncFailed, cred.UserID, "", "push"))
		}
	})
}

// Pull fetches and decodes the remote slot. Returns
// domain.ErrCredentialNotFound when no usable remote copy exists,
// domain.ErrCredentialTombstoned when the remote slot is a tombstone, and
// *SyncWarning when the remote is unreachable.
func (c *Coordinator) Pull(ctx context.Context, userID string) (*domain.MfaCredential, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.AttemptTimeout)
	defer cancel()

	rec, err := c.remote.Get(attemptCtx, userID)
	if errors.Is(err, domain.ErrCredentialNotFound) {
		return nil, domain.ErrCredentialNotFound
	}
	if err != nil {
		return nil, &SyncWarning{Op: "pull", Err: err}
	}
	if rec.Tombstone {
		return nil, domain.ErrCredentialTombstoned
	}

	cred, err := c.decode(rec)
	if err != nil {
		// A remote copy that cannot be decrypted or normalized is treated
		// as absent, never as grounds to fabricate a credential.
		c.logger.Warn("remote credential is malformed, treating as absent",
			"user_id", userID, "error", err)
		return nil, domain.ErrCredentialNotFound
	}
	return cred, nil
}

// TombstoneRemote marks the remote slot deleted, with the same bounded
// retry as Push.
func (c *Coordinator) TombstoneRemote(ctx context.Context, userID string) error {
	op := func(attemptCtx context.Context) error {
		return c.remote.Tombstone(attemptCtx, userID)
	}
	if err := c.retry(ctx, op); err != nil {
		return &SyncWarning{Op: "tombstone", Err: err}
	}
	return nil
}

// TombstoneRemoteAsync requests the remote tombstone in the background,
// ordered behind any in-flight pushes for the same user.
func (c *Coordinator) TombstoneRemoteAsync(userID string) {
	c.enqueue(userID, func() {
		if err := c.TombstoneRemote(context.Background(), userID); err != nil {
			c.logger.Warn("remote tombstone failed", "user_id", userID, "error", err)
			c.sink.Emit(context.Background(), audit.NewEvent(audit.ActionSyncFailed, userID, "", "tombstone"))
		}
	})
}

// Wait blocks until all background pushes settle. Called on shutdown and in
// tests.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// ReportConflict audits a divergence the resolver had to settle.
func (c *Coordinator) ReportConflict(ctx context.Context, userID string) {
	c.sink.Emit(ctx, audit.NewEvent(audit.ActionSyncConflict, userID, "", "last write wins"))
}

// Resolve merges a local and a remote copy of the same credential.
//
// Consumed backup-code flags are merged as a union in both directions: a
// code spent on any device is spent everywhere. For the credential itself
// the newer last-used timestamp wins; on a tie the copy with enabled=false
// wins, failing safe toward requiring re-setup rather than silently
// granting access. When both sides moved, the later writer wins the
// verified/enabled flags — near-simultaneous setups on two devices resolve
// in favor of the last one to settle. Accepted trade-off, reported via the
// conflict flag so callers can log and audit it.
func (c *Coordinator) Resolve(local, remote *domain.MfaCredential) (merged *domain.MfaCredential, conflict bool) {
	switch {
	case local == nil && remote == nil:
		return nil, false
	case local == nil:
		return remote.Clone(), false
	case remote == nil:
		return local.Clone(), false
	}

	conflict = local.Secret != remote.Secret ||
		local.Enabled != remote.Enabled ||
		local.Verified != remote.Verified

	var base, other *domain.MfaCredential
	switch {
	case remote.LastUsedAt.After(local.LastUsedAt):
		base, other = remote, local
	case local.LastUsedAt.After(remote.LastUsedAt):
		base, other = local, remote
	default:
		// Tie: fail safe.
		if !remote.Enabled {
			base, other = remote, local
		} else {
			base, other = local, remote
		}
	}

	merged = base.Clone()
	mergeConsumed(merged, other)
	for _, fp := range other.DeviceFingerprints {
		merged.TouchDevice(fp)
	}
	return merged, conflict
}

// mergeConsumed marks a backup code consumed in dst if the same code is
// consumed in src. Codes are matched by id.
func mergeConsumed(dst *domain.MfaCredential, src *domain.MfaCredential) {
	consumed := make(map[string]*time.Time, len(src.BackupCodes))
	for _, bc := range src.BackupCodes {
		if bc.Consumed {
			consumed[bc.ID.String()] = bc.ConsumedAt
		}
	}
	for i := range dst.BackupCodes {
		if at, ok := consumed[dst.BackupCodes[i].ID.String()]; ok && !dst.BackupCodes[i].Consumed {
			dst.BackupCodes[i].Consumed = true
			dst.BackupCodes[i].ConsumedAt = at
		}
	}
}

func (c *Coordinator) retry(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	backoff := c.config.BackoffBase
	for attempt := 0; attempt < c.config.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.config.AttemptTimeout)
		lastErr = op(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// encode turns a credential into the remote record shape, encrypting the
// secret and backup codes with the external cipher.
func (c *Coordinator) encode(cred *domain.MfaCredential) (*domain.RemoteCredentialRecord, error) {
	encSecret, err := c.cipher.Encrypt(cred.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret: %w", err)
	}

	codesJSON, err := json.Marshal(cred.BackupCodes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backup codes: %w", err)
	}
	encCodes, err := c.cipher.Encrypt(string(codesJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt backup codes: %w", err)
	}

	return &domain.RemoteCredentialRecord{
		UserID:               cred.UserID,
		EncryptedSecret:      encSecret,
		EncryptedBackupCodes: encCodes,
		Enabled:              cred.Enabled,
		Verified:             cred.Verified,
		CreatedAt:            cred.CreatedAt,
		LastUsedAt:           cred.LastUsedAt,
		DeviceFingerprints:   append([]string(nil), cred.DeviceFingerprints...),
	}, nil
}

// decode decrypts a remote record and runs the secret through the codec
// gate before it is allowed back into the system.
func (c *Coordinator) decode(rec *domain.RemoteCredentialRecord) (*domain.MfaCredential, error) {
	rawSecret, err := c.cipher.Decrypt(rec.EncryptedSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}
	secret, err := totp.Normalize(rawSecret)
	if err != nil {
		return nil, fmt.Errorf("remote secret failed normalization: %w", err)
	}

	var codes []domain.BackupCode
	if rec.EncryptedBackupCodes != "" {
		codesJSON, err := c.cipher.Decrypt(rec.EncryptedBackupCodes)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt backup codes: %w", err)
		}
		if err := json.Unmarshal([]byte(codesJSON), &codes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal backup codes: %w", err)
		}
	}

	cred := &domain.MfaCredential{
		UserID:             rec.UserID,
		Secret:             secret,
		BackupCodes:        codes,
		Verified:           rec.Verified,
		Enabled:            rec.Enabled,
		CreatedAt:          rec.CreatedAt,
		LastUsedAt:         rec.LastUsedAt,
		DeviceFingerprints: append([]string(nil), rec.DeviceFingerprints...),
	}
	if !cred.CheckInvariant() {
		// Enabled-without-verified can only come from a corrupted or
		// tampered remote row. Demote rather than trust it.
		cred.Enabled = false
	}
	return cred, nil
}
