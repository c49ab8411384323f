package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tendant/mfa-vault/pkg/domain"
)

// ErrRemoteUnavailable simulates a network partition in MemoryRemote.
var ErrRemoteUnavailable = errors.New("remote store unavailable")

// MemoryRemote is an in-memory RemoteSlots. It backs tests and local
// development runs that have no database configured, and can simulate
// outages via SetUnavailable.
type MemoryRemote struct {
	mu          sync.Mutex
	records     map[string]*domain.RemoteCredentialRecord
	unavailable bool

	upserts int
	gets    int
}

func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{records: make(map[string]*domain.RemoteCredentialRecord)}
}

// SetUnavailable toggles simulated outage: every operation fails while set.
func (m *MemoryRemote) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
}

func (m *MemoryRemote) Get(_ context.Context, userID string) (*domain.RemoteCredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.unavailable {
		return nil, ErrRemoteUnavailable
	}
	rec, ok := m.records[userID]
	if !ok {
		return nil, domain.ErrCredentialNotFound
	}
	cp := *rec
	cp.DeviceFingerprints = append([]string(nil), rec.DeviceFingerprints...)
	return &cp, nil
}

func (m *MemoryRemote) Upsert(_ context.Context, rec *domain.RemoteCredentialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.unavailable {
		return ErrRemoteUnavailable
	}
	// Recency guard, mirroring the Postgres upsert: a record strictly older
	// than what the store already holds must not win. Tombstones stay
	// overwritable so a re-setup after reset always lands.
	if existing, ok := m.records[rec.UserID]; ok && !existing.Tombstone && existing.LastUsedAt.After(rec.LastUsedAt) {
		return nil
	}
	cp := *rec
	cp.DeviceFingerprints = append([]string(nil), rec.DeviceFingerprints...)
	m.records[rec.UserID] = &cp
	return nil
}

func (m *MemoryRemote) Tombstone(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return ErrRemoteUnavailable
	}
	m.records[userID] = &domain.RemoteCredentialRecord{
		UserID:     userID,
		Tombstone:  true,
		LastUsedAt: time.Now().UTC(),
	}
	return nil
}

// UpsertCount reports how many upsert attempts reached the store. Test
// helper for retry accounting.
func (m *MemoryRemote) UpsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}
