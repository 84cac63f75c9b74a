package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/alert-dispatch/internal/geo"
	"github.com/example/alert-dispatch/internal/models"
	"github.com/example/alert-dispatch/internal/storage"
)

func seedResponder(t *testing.T, store *storage.MemoryResponderStore, idx *geo.MemoryIndex, id string, c models.Coord, lastPing time.Time) {
	t.Helper()
	loc := c
	err := store.Upsert(context.Background(), &models.ResponderAvailability{
		ResponderID:     id,
		Status:          models.ResponderAvailable,
		CurrentLocation: &loc,
		LastPing:        lastPing,
		IsActive:        true,
	})
	if err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
	if err := idx.Upsert(context.Background(), id, c); err != nil {
		t.Fatalf("index %s: %v", id, err)
	}
}

func TestAssignOrdersByHeartbeatNotDistance(t *testing.T) {
	store := storage.NewMemoryResponderStore()
	idx := geo.NewMemoryIndex()
	origin := models.Coord{Lon: -0.1181, Lat: 51.4988}
	now := time.Now()
	// "near" is ~0.5 km away but pinged earlier; "far" is ~8 km away with the
	// fresher heartbeat and must come first.
	seedResponder(t, store, idx, "near", models.Coord{Lon: -0.1181, Lat: 51.5033}, now.Add(-10*time.Minute))
	seedResponder(t, store, idx, "far", models.Coord{Lon: -0.1181, Lat: 51.5708}, now)

	s := &Service{Index: idx, Responders: store, MaxCandidates: 5, MaxDistanceM: 10000}
	assigned, err := s.Assign(context.Background(), "alert1", origin)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(assigned) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(assigned))
	}
	if assigned[0].ResponderID != "far" || assigned[1].ResponderID != "near" {
		t.Fatalf("expected lastPing ordering far,near; got %s,%s", assigned[0].ResponderID, assigned[1].ResponderID)
	}
	for _, a := range assigned {
		if a.Status != models.AssignmentAssigned {
			t.Fatalf("expected assigned status, got %s", a.Status)
		}
		r, _ := store.Get(context.Background(), a.ResponderID)
		if r.Status != models.ResponderBusy || r.AssignedAlertID != "alert1" {
			t.Fatalf("responder %s not claimed: %+v", a.ResponderID, r)
		}
	}
}

func TestAssignTruncatesToMaxCandidates(t *testing.T) {
	store := storage.NewMemoryResponderStore()
	idx := geo.NewMemoryIndex()
	now := time.Now()
	for i, id := range []string{"a", "b", "c", "d"} {
		seedResponder(t, store, idx, id, models.Coord{}, now.Add(time.Duration(i)*time.Minute))
	}
	s := &Service{Index: idx, Responders: store, MaxCandidates: 2, MaxDistanceM: 1000}
	assigned, err := s.Assign(context.Background(), "alert1", models.Coord{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(assigned) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(assigned))
	}
	// the two freshest heartbeats win
	if assigned[0].ResponderID != "d" || assigned[1].ResponderID != "c" {
		t.Fatalf("expected d,c; got %s,%s", assigned[0].ResponderID, assigned[1].ResponderID)
	}
}

func TestAssignSkipsBusyAndInactive(t *testing.T) {
	store := storage.NewMemoryResponderStore()
	idx := geo.NewMemoryIndex()
	now := time.Now()
	seedResponder(t, store, idx, "free", models.Coord{}, now)
	seedResponder(t, store, idx, "taken", models.Coord{}, now)
	seedResponder(t, store, idx, "inactive", models.Coord{}, now)

	if ok, _ := store.Claim(context.Background(), "taken", "other-alert"); !ok {
		t.Fatal("setup claim failed")
	}
	r, _ := store.Get(context.Background(), "inactive")
	r.IsActive = false
	_ = store.Upsert(context.Background(), r)

	s := &Service{Index: idx, Responders: store, MaxCandidates: 5, MaxDistanceM: 1000}
	assigned, err := s.Assign(context.Background(), "alert1", models.Coord{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(assigned) != 1 || assigned[0].ResponderID != "free" {
		t.Fatalf("expected only free responder, got %+v", assigned)
	}
}

func TestAssignEmptyIsNotAnError(t *testing.T) {
	s := &Service{Index: geo.NewMemoryIndex(), Responders: storage.NewMemoryResponderStore()}
	assigned, err := s.Assign(context.Background(), "alert1", models.Coord{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(assigned) != 0 {
		t.Fatalf("expected no assignments, got %d", len(assigned))
	}
}

func TestAssignDropsCandidateLostToRace(t *testing.T) {
	store := storage.NewMemoryResponderStore()
	idx := geo.NewMemoryIndex()
	now := time.Now()
	seedResponder(t, store, idx, "r1", models.Coord{}, now)
	seedResponder(t, store, idx, "r2", models.Coord{}, now.Add(-time.Minute))

	raced := &racingStore{MemoryResponderStore: store, victim: "r1", alertID: "rival"}
	s := &Service{Index: idx, Responders: raced, MaxCandidates: 5, MaxDistanceM: 1000}
	assigned, err := s.Assign(context.Background(), "alert1", models.Coord{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(assigned) != 1 || assigned[0].ResponderID != "r2" {
		t.Fatalf("expected raced candidate dropped, got %+v", assigned)
	}
}

func TestAssignReleasesClaimsOnStoreError(t *testing.T) {
	store := storage.NewMemoryResponderStore()
	idx := geo.NewMemoryIndex()
	now := time.Now()
	// r1 has the fresher heartbeat, so it is claimed first; the store then
	// errors on r2 and the r1 claim must be unwound.
	seedResponder(t, store, idx, "r1", models.Coord{}, now)
	seedResponder(t, store, idx, "r2", models.Coord{}, now.Add(-time.Minute))

	faulty := &faultyStore{MemoryResponderStore: store, failID: "r2"}
	s := &Service{Index: idx, Responders: faulty, MaxCandidates: 5, MaxDistanceM: 1000}
	assigned, err := s.Assign(context.Background(), "alert1", models.Coord{})
	if err == nil {
		t.Fatal("expected store error")
	}
	if len(assigned) != 0 {
		t.Fatalf("expected no assignments on error, got %+v", assigned)
	}
	r, _ := store.Get(context.Background(), "r1")
	if r.Status != models.ResponderAvailable || r.AssignedAlertID != "" {
		t.Fatalf("claim not unwound: %+v", r)
	}
}

// faultyStore errors the claim for one responder id, simulating a store
// failure partway through the claim loop.
type faultyStore struct {
	*storage.MemoryResponderStore
	failID string
}

func (f *faultyStore) Claim(ctx context.Context, responderID, alertID string) (bool, error) {
	if responderID == f.failID {
		return false, errors.New("store down")
	}
	return f.MemoryResponderStore.Claim(ctx, responderID, alertID)
}

// racingStore claims the victim for a rival alert just before the matcher's
// own claim, simulating a concurrent assignment.
type racingStore struct {
	*storage.MemoryResponderStore
	victim  string
	alertID string
	done    bool
}

func (r *racingStore) Claim(ctx context.Context, responderID, alertID string) (bool, error) {
	if responderID == r.victim && !r.done {
		r.done = true
		if ok, err := r.MemoryResponderStore.Claim(ctx, r.victim, r.alertID); !ok || err != nil {
			return false, err
		}
	}
	return r.MemoryResponderStore.Claim(ctx, responderID, alertID)
}
