package storage

import (
	"testing"
	"time"

	"github.com/example/ride-escrow/internal/models"
)

func TestMemoryStoreUpsertAndGet(t *testing.T) {
	s := NewMemoryStore()
	rec := &models.RideRecord{
		ID:        "ride-1",
		Role:      models.RoleRider,
		State:     models.StateConfirmed,
		LockRef:   "hold-1",
		UpdatedAt: time.Now(),
	}
	if err := s.UpdateRide(rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec.State = models.StateEnRoute
	if err := s.UpdateRide(rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, ok, err := s.GetRide("ride-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.State != models.StateEnRoute || got.LockRef != "hold-1" {
		t.Fatalf("got %s/%s, want en_route/hold-1", got.State, got.LockRef)
	}

	// mutating the caller's record must not reach the stored copy
	rec.State = models.StateCancelled
	got, _, _ = s.GetRide("ride-1")
	if got.State != models.StateEnRoute {
		t.Fatalf("stored state = %s, want en_route", got.State)
	}

	if _, ok, _ := s.GetRide("missing"); ok {
		t.Fatal("unknown id reported present")
	}
}

func TestActiveRideSkipsTerminalRecords(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()

	if err := s.UpdateRide(&models.RideRecord{ID: "done", State: models.StateCompleted, UpdatedAt: now}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, ok, _ := s.ActiveRide(); ok {
		t.Fatal("terminal record reported active")
	}

	if err := s.UpdateRide(&models.RideRecord{ID: "older", State: models.StateConfirmed, UpdatedAt: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.UpdateRide(&models.RideRecord{ID: "live", State: models.StateInProgress, UpdatedAt: now}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec, ok, err := s.ActiveRide()
	if err != nil || !ok {
		t.Fatalf("active: ok=%v err=%v", ok, err)
	}
	if rec.ID != "live" {
		t.Fatalf("active ride = %s, want live", rec.ID)
	}
}
