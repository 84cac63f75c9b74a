package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/alert-dispatch/internal/models"
	"github.com/example/alert-dispatch/internal/storage"
)

// fakeUpdater implements GeoUpdater for tests
type fakeUpdater struct {
	fail  int // number of times to fail before succeeding
	calls int
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("geo fail")
	}
	return nil
}

func TestUpdateGeoWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{fail: 2}
	p := &models.ResponderPing{
		ResponderID: "r1",
		Coord:       models.Coord{Lon: 2, Lat: 1},
		VehicleType: "ambulance",
		IsActive:    true,
		PingedAt:    time.Now(),
	}
	ctx := context.Background()
	start := time.Now()
	if err := updateGeoWithRetry(ctx, f, "responders_geo", p, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdateGeoWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{fail: 5}
	p := &models.ResponderPing{ResponderID: "r1", Coord: models.Coord{Lon: 2, Lat: 1}, PingedAt: time.Now()}
	ctx := context.Background()
	if err := updateGeoWithRetry(ctx, f, "responders_geo", p, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", f.calls)
	}
}

func TestPingStoreFoldKeepsClaim(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryResponderStore()
	_ = store.Upsert(ctx, &models.ResponderAvailability{
		ResponderID: "r1",
		Status:      models.ResponderAvailable,
		IsActive:    true,
	})
	if ok, _ := store.Claim(ctx, "r1", "alert-1"); !ok {
		t.Fatal("setup claim failed")
	}

	var pings PingStore = store
	p := &models.ResponderPing{
		ResponderID: "r1",
		Coord:       models.Coord{Lon: 2, Lat: 1},
		VehicleType: "car",
		IsActive:    true,
		PingedAt:    time.Now(),
	}
	if err := pings.RecordPing(ctx, p); err != nil {
		t.Fatalf("record ping: %v", err)
	}
	r, _ := store.Get(ctx, "r1")
	if r.Status != models.ResponderBusy || r.AssignedAlertID != "alert-1" {
		t.Fatalf("ping must not touch the claim: %+v", r)
	}
	if r.LastPing.IsZero() || r.VehicleType != "car" {
		t.Fatalf("ping data not folded: %+v", r)
	}
}
