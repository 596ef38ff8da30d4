package dispatch

import (
	"errors"
	"testing"

	"github.com/example/fleet-allocation/internal/allocation"
)

func TestWSRegistryDropScopedToSession(t *testing.T) {
	r := NewWSRegistry()
	stale := r.Add("D1", nil)
	fresh := r.Add("D1", nil)

	// the stale read loop exiting must not evict the reconnect
	r.Drop("D1", stale)
	r.mu.RLock()
	cur := r.sessions["D1"]
	r.mu.RUnlock()
	if cur != fresh {
		t.Fatal("reconnected session evicted by the stale one")
	}

	r.Drop("D1", fresh)
	if err := r.Offer("D1", allocation.AssignmentOffer{}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession after drop, got %v", err)
	}
}

func TestWSRegistryOfferUnknownDriver(t *testing.T) {
	r := NewWSRegistry()
	if err := r.Offer("ghost", allocation.AssignmentOffer{}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}
