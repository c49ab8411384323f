// Package audit defines the append-only audit sink this service reports
// every credential state transition to. The sink itself is an external
// collaborator; the slog implementation here is the default wiring and the
// recorder exists for tests.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Actions emitted by the MFA subsystem.
const (
	ActionSetupBegun     = "mfa.setup.begun"
	ActionSetupConfirmed = "mfa.setup.confirmed"
	ActionVerifyOK       = "mfa.verify.ok"
	ActionVerifyFailed   = "mfa.verify.failed"
	ActionBackupConsumed = "mfa.backup_code.consumed"
	ActionLockout        = "mfa.lockout.engaged"
	ActionDisabled       = "mfa.disabled"
	ActionBypassIssued   = "mfa.bypass.issued"
	ActionReset          = "mfa.reset"
	ActionSyncConflict   = "mfa.sync.conflict"
	ActionSyncFailed     = "mfa.sync.failed"
)

// Event is one structured audit entry. Events never contain secrets,
// codes, or ciphertext.
type Event struct {
	ID     uuid.UUID `json:"id"`
	Time   time.Time `json:"time"`
	Action string    `json:"action"`
	UserID string    `json:"user_id"`
	Device string    `json:"device,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// Sink receives audit events. Implementations must be safe for concurrent
// use and must not block the caller's hot path for long.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// NewEvent fills in the identity and timestamp fields.
func NewEvent(action, userID, device, reason string) Event {
	return Event{
		ID:     uuid.New(),
		Time:   time.Now().UTC(),
		Action: action,
		UserID: userID,
		Device: device,
		Reason: reason,
	}
}

// SlogSink writes audit events to a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink backed by the given logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Emit(ctx context.Context, e Event) {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("event_id", e.ID.String()),
		slog.Time("event_time", e.Time),
		slog.String("action", e.Action),
		slog.String("user_id", e.UserID),
		slog.String("device", e.Device),
		slog.String("reason", e.Reason),
	)
}

// Recorder keeps events in memory. Test helper.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// CountByAction returns how many recorded events carry the given action.
func (r *Recorder) CountByAction(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Action == action {
			n++
		}
	}
	return n
}
