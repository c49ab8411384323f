package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tendant/mfa-vault/pkg/domain"
)

// LocalSlots is one device's local key-value storage. Writes are whole-value
// replacements: a concurrent reader observes either the old value or the new
// one, never a partial write.
type LocalSlots interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Slot keys. Each user has three independent local copies so partial
// eviction or corruption of one slot does not lose the credential.

// DeviceSlotKey is the primary slot, scoped to this device's fingerprint.
func DeviceSlotKey(userID, deviceFingerprint string) string {
	return "mfa.device." + userID + "." + deviceFingerprint
}

// UserSlotKey is the fallback slot, scoped to the user alone.
func UserSlotKey(userID string) string {
	return "mfa.user." + userID
}

// GlobalSlotKey is the last-resort slot holding whatever credential was
// written most recently on this device, regardless of user.
func GlobalSlotKey() string {
	return "mfa.last"
}

// BypassSlotKey holds a device-local emergency bypass token. Never synced.
func BypassSlotKey(userID string) string {
	return "mfa.bypass." + userID
}

// FileSlots stores slot values as files under a data directory. Writes go
// through a temp file and rename so readers never see a torn value.
type FileSlots struct {
	dir string
}

// NewFileSlots creates the data directory if needed.
func NewFileSlots(dir string) (*FileSlots, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create slot directory: %w", err)
	}
	return &FileSlots{dir: dir}, nil
}

// path hashes the key so arbitrary user ids and fingerprints stay
// filesystem-safe.
func (f *FileSlots) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:])+".json")
}

func (f *FileSlots) Get(_ context.Context, key string) ([]byte, error) {
	b, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.ErrSlotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read slot %s: %w", key, err)
	}
	return b, nil
}

func (f *FileSlots) Put(_ context.Context, key string, value []byte) error {
	p := f.path(key)
	tmp, err := os.CreateTemp(f.dir, "slot-*")
	if err != nil {
		return fmt.Errorf("failed to stage slot write: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write slot %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close slot %s: %w", key, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit slot %s: %w", key, err)
	}
	return nil
}

func (f *FileSlots) Delete(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete slot %s: %w", key, err)
	}
	return nil
}

// MemorySlots is an in-memory LocalSlots, used in tests and as one device's
// storage in local development.
type MemorySlots struct {
	mu     sync.RWMutex
	values map[string][]byte

	// FailKeys makes Put fail for the listed keys. Test hook for partial
	// and total local-write failures.
	FailKeys map[string]bool
}

func NewMemorySlots() *MemorySlots {
	return &MemorySlots{values: make(map[string][]byte)}
}

func (m *MemorySlots) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, domain.ErrSlotNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemorySlots) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailKeys[key] {
		return fmt.Errorf("slot %s: simulated write failure", key)
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.values[key] = v
	return nil
}

func (m *MemorySlots) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Corrupt overwrites a stored value with garbage. Test hook for the codec
// gate on reads.
func (m *MemorySlots) Corrupt(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		m.values[key] = []byte("{corrupted")
	}
}
