// Package store presents a single logical MFA credential per user while
// hiding the multi-slot replication underneath: three independent local
// slots per device plus one remote slot reached through the sync
// coordinator.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/mfa-vault/pkg/domain"
	"github.com/tendant/mfa-vault/pkg/syncer"
	"github.com/tendant/mfa-vault/pkg/totp"
)

// BypassChecker reports whether a device-local emergency bypass is active
// for a user. Implemented by the recovery service.
type BypassChecker interface {
	BypassActive(ctx context.Context, userID string) bool
}

// Config holds credential store configuration.
type Config struct {
	// DeviceFingerprint identifies this device's scoped slot.
	DeviceFingerprint string
}

// CredentialStore is constructed once per process and owns all credential
// reads and writes. Writes are serialized per user id; reads may run
// concurrently because slot writes are whole-value replacements.
type CredentialStore struct {
	config Config
	slots  LocalSlots
	sync   *syncer.Coordinator
	logger *slog.Logger

	bypassMu sync.RWMutex
	bypass   BypassChecker

	lockMu    sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewCredentialStore creates a credential store over the given local slots
// and sync coordinator.
func NewCredentialStore(config Config, slots LocalSlots, coordinator *syncer.Coordinator, logger *slog.Logger) *CredentialStore {
	return &CredentialStore{
		config:    config,
		slots:     slots,
		sync:      coordinator,
		logger:    logger,
		userLocks: make(map[string]*sync.Mutex),
	}
}

// SetBypassChecker wires the emergency recovery service in after
// construction (recovery needs the store's slots, so the dependency runs
// both ways at wiring time only).
func (s *CredentialStore) SetBypassChecker(b BypassChecker) {
	s.bypassMu.Lock()
	defer s.bypassMu.Unlock()
	s.bypass = b
}

// DeviceFingerprint returns the fingerprint this store's device slot is
// keyed by.
func (s *CredentialStore) DeviceFingerprint() string {
	return s.config.DeviceFingerprint
}

// userLock returns the per-user write mutex, creating it on first use.
func (s *CredentialStore) userLock(userID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.userLocks[userID]
	if !ok {
		mu = &sync.Mutex{}
		s.userLocks[userID] = mu
	}
	return mu
}

// readOrder is the slot precedence: device-scoped, then user-scoped, then
// the global last-resort slot.
func (s *CredentialStore) readOrder(userID string) []string {
	return []string{
		DeviceSlotKey(userID, s.config.DeviceFingerprint),
		UserSlotKey(userID),
		GlobalSlotKey(),
	}
}

// Store writes the credential to all three local slots synchronously, then
// pushes to the remote slot in the background. A single failed local slot
// is logged; only total local failure is fatal.
func (s *CredentialStore) Store(ctx context.Context, cred *domain.MfaCredential) error {
	if !cred.CheckInvariant() {
		return domain.ErrEnabledNotVerified
	}

	// Codec gate: nothing leaves this method in a non-canonical shape.
	secret, err := totp.Normalize(cred.Secret)
	if err != nil {
		return fmt.Errorf("refusing to store non-canonical secret: %w", err)
	}
	cred = cred.Clone()
	cred.Secret = secret

	mu := s.userLock(cred.UserID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.storeLocal(ctx, cred); err != nil {
		return err
	}

	s.sync.PushAsync(cred.Clone())
	return nil
}

// storeLocal fans the write out to all three local slots. Caller holds the
// user lock.
func (s *CredentialStore) storeLocal(ctx context.Context, cred *domain.MfaCredential) error {
	rec := domain.SlotRecord{
		UserID:     cred.UserID,
		Credential: cred,
		StoredAt:   time.Now().UTC(),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal slot record: %w", err)
	}
	return s.fanOut(ctx, cred.UserID, value)
}

func (s *CredentialStore) fanOut(ctx context.Context, userID string, value []byte) error {
	var failed int
	keys := s.readOrder(userID)
	for _, key := range keys {
		if err := s.slots.Put(ctx, key, value); err != nil {
			failed++
			s.logger.Warn("local slot write failed", "user_id", userID, "slot", key, "error", err)
		}
	}
	if failed == len(keys) {
		return domain.ErrAllSlotsFailed
	}
	return nil
}

// Load returns the user's credential, trying local slots in precedence
// order with the codec gate applied, then falling back to a remote pull.
// Returns domain.ErrCredentialNotFound when no usable copy exists anywhere.
func (s *CredentialStore) Load(ctx context.Context, userID string) (*domain.MfaCredential, error) {
	cred, tombstoned := s.loadLocal(ctx, userID)
	if tombstoned {
		return nil, domain.ErrCredentialNotFound
	}
	if cred != nil {
		return cred, nil
	}

	// All local slots absent or invalid: ask the coordinator before
	// declaring the credential missing.
	remote, err := s.sync.Pull(ctx, userID)
	switch {
	case err == nil:
		s.hydrate(ctx, remote)
		return remote.Clone(), nil
	case errors.Is(err, domain.ErrCredentialTombstoned):
		s.applyRemoteTombstone(ctx, userID)
		return nil, domain.ErrCredentialNotFound
	case errors.Is(err, domain.ErrCredentialNotFound):
		return nil, domain.ErrCredentialNotFound
	default:
		// Remote unreachable and nothing usable locally.
		s.logger.Warn("remote pull failed during load", "user_id", userID, "error", err)
		return nil, domain.ErrCredentialNotFound
	}
}

// loadLocal walks the local slots. The second return is true when a
// device-local tombstone was found, which must not be overridden by a
// laggy remote copy.
func (s *CredentialStore) loadLocal(ctx context.Context, userID string) (*domain.MfaCredential, bool) {
	global := GlobalSlotKey()
	for _, key := range s.readOrder(userID) {
		raw, err := s.slots.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, domain.ErrSlotNotFound) {
				s.logger.Warn("local slot read failed", "user_id", userID, "slot", key, "error", err)
			}
			continue
		}

		var rec domain.SlotRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warn("local slot holds unparseable record, skipping", "user_id", userID, "slot", key, "error", err)
			continue
		}

		// The global slot holds the last write on this device regardless
		// of user; only honor it for the user it belongs to.
		if rec.UserID != userID {
			if key != global {
				s.logger.Warn("local slot user mismatch, skipping", "user_id", userID, "slot", key)
			}
			continue
		}

		if rec.Tombstone {
			if key == global {
				continue
			}
			return nil, true
		}
		if rec.Credential == nil {
			continue
		}

		secret, err := totp.Normalize(rec.Credential.Secret)
		if err != nil {
			s.logger.Warn("local slot failed codec gate, skipping", "user_id", userID, "slot", key, "error", err)
			continue
		}

		cred := rec.Credential.Clone()
		cred.Secret = secret
		s.touchSlot(ctx, key, rec)
		return cred, false
	}
	return nil, false
}

// touchSlot updates last_accessed_at on the winning slot, best effort.
func (s *CredentialStore) touchSlot(ctx context.Context, key string, rec domain.SlotRecord) {
	rec.LastAccessedAt = time.Now().UTC()
	if value, err := json.Marshal(rec); err == nil {
		_ = s.slots.Put(ctx, key, value)
	}
}

// hydrate rewrites all local slots from a remote copy, best effort.
func (s *CredentialStore) hydrate(ctx context.Context, cred *domain.MfaCredential) {
	mu := s.userLock(cred.UserID)
	mu.Lock()
	defer mu.Unlock()
	if err := s.storeLocal(ctx, cred); err != nil {
		s.logger.Warn("failed to hydrate local slots from remote", "user_id", cred.UserID, "error", err)
	}
}

// Refresh force-pulls the remote slot, resolves it against the local copy,
// rehydrates the local slots and propagates the merge back out. The remote
// being unreachable degrades to the local copy so a synced device keeps
// working through a network partition.
func (s *CredentialStore) Refresh(ctx context.Context, userID string) (*domain.MfaCredential, error) {
	local, tombstoned := s.loadLocal(ctx, userID)
	if tombstoned {
		return nil, domain.ErrCredentialNotFound
	}

	remote, err := s.sync.Pull(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrCredentialTombstoned):
		s.applyRemoteTombstone(ctx, userID)
		return nil, domain.ErrCredentialNotFound
	case errors.Is(err, domain.ErrCredentialNotFound):
		remote = nil
	case err != nil:
		s.logger.Warn("refresh degraded to local-only", "user_id", userID, "error", err)
		if local == nil {
			return nil, domain.ErrCredentialNotFound
		}
		return local, nil
	}

	merged, conflict := s.sync.Resolve(local, remote)
	if merged == nil {
		return nil, domain.ErrCredentialNotFound
	}
	if conflict {
		s.logger.Warn("local and remote credential copies conflicted, last write wins",
			"user_id", userID)
		s.sync.ReportConflict(ctx, userID)
	}

	s.hydrate(ctx, merged)
	if local != nil {
		// Propagate the merge (consumed-code union in particular) back to
		// the remote slot.
		s.sync.PushAsync(merged.Clone())
	}
	return merged.Clone(), nil
}

// HasSetup reports whether a credential exists for the user, verified or not.
func (s *CredentialStore) HasSetup(ctx context.Context, userID string) bool {
	_, err := s.Load(ctx, userID)
	return err == nil
}

// HasEnabled reports whether verification is currently enforced for the
// user on this device. An active emergency bypass overrides it to false,
// on this device only.
func (s *CredentialStore) HasEnabled(ctx context.Context, userID string) bool {
	cred, err := s.Load(ctx, userID)
	if err != nil || !cred.Enabled {
		return false
	}
	return !s.BypassActive(ctx, userID)
}

// BypassActive reports whether an emergency bypass currently suppresses
// enforcement for the user on this device.
func (s *CredentialStore) BypassActive(ctx context.Context, userID string) bool {
	s.bypassMu.RLock()
	bypass := s.bypass
	s.bypassMu.RUnlock()
	return bypass != nil && bypass.BypassActive(ctx, userID)
}

// Tombstone destroys the credential: all local slots are overwritten with
// tombstones and the remote slot is asked to do the same in the background.
func (s *CredentialStore) Tombstone(ctx context.Context, userID string) error {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.tombstoneLocal(ctx, userID); err != nil {
		return err
	}
	s.sync.TombstoneRemoteAsync(userID)
	return nil
}

// applyRemoteTombstone fans a remote tombstone out to the local slots under
// the user lock, so a concurrent Store cannot interleave with the fan-out
// and leave the slots disagreeing.
func (s *CredentialStore) applyRemoteTombstone(ctx context.Context, userID string) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()
	if err := s.tombstoneLocal(ctx, userID); err != nil {
		s.logger.Warn("failed to apply remote tombstone locally", "user_id", userID, "error", err)
	}
}

func (s *CredentialStore) tombstoneLocal(ctx context.Context, userID string) error {
	rec := domain.SlotRecord{
		UserID:    userID,
		Tombstone: true,
		StoredAt:  time.Now().UTC(),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal tombstone: %w", err)
	}
	return s.fanOut(ctx, userID, value)
}
