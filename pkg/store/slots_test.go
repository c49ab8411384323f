package store

import (
	"context"
	"errors"
	"testing"

	"github.com/tendant/mfa-vault/pkg/domain"
)

func TestFileSlotsRoundTrip(t *testing.T) {
	slots, err := NewFileSlots(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSlots: %v", err)
	}
	ctx := context.Background()

	key := DeviceSlotKey("user-1", "device-a")
	if err := slots.Put(ctx, key, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := slots.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"v":1}` {
		t.Errorf("Get = %q, want %q", got, `{"v":1}`)
	}

	// Whole-value replacement
	if err := slots.Put(ctx, key, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, err = slots.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after overwrite: %v", err)
	}
	if string(got) != `{"v":2}` {
		t.Errorf("Get after overwrite = %q, want %q", got, `{"v":2}`)
	}
}

func TestFileSlotsNotFound(t *testing.T) {
	slots, err := NewFileSlots(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSlots: %v", err)
	}

	_, err = slots.Get(context.Background(), UserSlotKey("nobody"))
	if !errors.Is(err, domain.ErrSlotNotFound) {
		t.Errorf("Get missing slot: got %v, want ErrSlotNotFound", err)
	}
}

func TestFileSlotsDelete(t *testing.T) {
	slots, err := NewFileSlots(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSlots: %v", err)
	}
	ctx := context.Background()

	key := UserSlotKey("user-1")
	if err := slots.Put(ctx, key, []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := slots.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := slots.Get(ctx, key); !errors.Is(err, domain.ErrSlotNotFound) {
		t.Errorf("Get after delete: got %v, want ErrSlotNotFound", err)
	}

	// Deleting a missing slot is not an error
	if err := slots.Delete(ctx, key); err != nil {
		t.Errorf("Delete missing slot: %v", err)
	}
}

func TestSlotKeysDistinct(t *testing.T) {
	keys := []string{
		DeviceSlotKey("u1", "d1"),
		DeviceSlotKey("u1", "d2"),
		UserSlotKey("u1"),
		GlobalSlotKey(),
		BypassSlotKey("u1"),
	}
	seen := make(map[string]bool)
	for _, k := range keys {
		if seen[k] {
			t.Errorf("duplicate slot key %q", k)
		}
		seen[k] = true
	}
}
