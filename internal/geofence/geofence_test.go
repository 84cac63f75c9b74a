package geofence

import (
	"context"
	"errors"
	"testing"

	"github.com/example/alert-dispatch/internal/faults"
	"github.com/example/alert-dispatch/internal/geo"
	"github.com/example/alert-dispatch/internal/models"
	"github.com/example/alert-dispatch/internal/storage"
)

func newService(t *testing.T) (*Service, *storage.MemoryTrustedLocationStore) {
	t.Helper()
	store := storage.NewMemoryTrustedLocationStore()
	return &Service{Store: store}, store
}

func addZone(t *testing.T, store *storage.MemoryTrustedLocationStore, id, userID string, center models.Coord, radiusM float64) {
	t.Helper()
	err := store.Insert(context.Background(), &models.TrustedLocation{
		ID: id, UserID: userID, Name: id, Center: center, RadiusM: radiusM,
	})
	if err != nil {
		t.Fatalf("insert zone %s: %v", id, err)
	}
}

func TestEvaluateBoundaryIsInclusive(t *testing.T) {
	s, store := newService(t)
	center := models.Coord{Lon: 0, Lat: 0}
	point := models.Coord{Lon: 0, Lat: 0.001}
	distM := geo.DistanceKm(point, center) * 1000

	addZone(t, store, "exact", "user1", center, distM)
	res, err := s.Evaluate(context.Background(), "user1", point)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.IsInside {
		t.Fatalf("point exactly on the boundary must be inside (dist=%f)", distM)
	}

	s2, store2 := newService(t)
	addZone(t, store2, "short", "user1", center, distM-0.5)
	res, err = s2.Evaluate(context.Background(), "user1", point)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.IsInside {
		t.Fatal("point past the boundary must be outside")
	}
}

func TestEvaluatePicksNearestOfOverlappingZones(t *testing.T) {
	s, store := newService(t)
	point := models.Coord{Lon: 0, Lat: 0}
	// both zones contain the point; "close" has the nearer center
	addZone(t, store, "wide", "user1", models.Coord{Lon: 0, Lat: 0.01}, 5000)
	addZone(t, store, "close", "user1", models.Coord{Lon: 0, Lat: 0.001}, 5000)

	res, err := s.Evaluate(context.Background(), "user1", point)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.IsInside || res.Matched == nil || res.Matched.ID != "close" {
		t.Fatalf("expected nearest zone, got %+v", res.Matched)
	}
}

func TestEvaluateIgnoresOtherUsersZones(t *testing.T) {
	s, store := newService(t)
	point := models.Coord{Lon: 0, Lat: 0}
	addZone(t, store, "theirs", "someone-else", point, 1000)

	res, err := s.Evaluate(context.Background(), "user1", point)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.IsInside {
		t.Fatal("another user's zone must not match")
	}
}

func TestEvaluateNoZones(t *testing.T) {
	s, _ := newService(t)
	res, err := s.Evaluate(context.Background(), "user1", models.Coord{Lon: 1, Lat: 1})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.IsInside || res.Matched != nil {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestEvaluateRejectsBadCoordinates(t *testing.T) {
	s, _ := newService(t)
	_, err := s.Evaluate(context.Background(), "user1", models.Coord{Lon: 0, Lat: 99})
	var ve *faults.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestAddValidation(t *testing.T) {
	s, _ := newService(t)
	cases := []AddInput{
		{Name: "", Center: models.Coord{}, RadiusM: 100},
		{Name: "   ", Center: models.Coord{}, RadiusM: 100},
		{Name: "home", Center: models.Coord{Lon: 190, Lat: 0}, RadiusM: 100},
		{Name: "home", Center: models.Coord{}, RadiusM: 0},
		{Name: "home", Center: models.Coord{}, RadiusM: -10},
	}
	for i, in := range cases {
		_, err := s.Add(context.Background(), "user1", in)
		var ve *faults.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("case %d: expected ValidationError, got %v", i, err)
		}
	}
}

func TestAddAndList(t *testing.T) {
	s, _ := newService(t)
	tl, err := s.Add(context.Background(), "user1", AddInput{
		Name: "Home", Center: models.Coord{Lon: -0.1, Lat: 51.5}, RadiusM: 150, IsHome: true,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if tl.ID == "" || tl.CreatedAt.IsZero() {
		t.Fatalf("incomplete zone: %+v", tl)
	}
	zones, err := s.List(context.Background(), "user1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(zones) != 1 || zones[0].Name != "Home" || !zones[0].IsHome {
		t.Fatalf("unexpected listing: %+v", zones)
	}
}

func TestUpdateAndDeleteOwnership(t *testing.T) {
	s, _ := newService(t)
	tl, err := s.Add(context.Background(), "user1", AddInput{
		Name: "Home", Center: models.Coord{Lon: -0.1, Lat: 51.5}, RadiusM: 150,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	in := AddInput{Name: "Work", Center: tl.Center, RadiusM: 200}
	_, err = s.Update(context.Background(), "intruder", tl.ID, in)
	var fb *faults.ForbiddenError
	if !errors.As(err, &fb) {
		t.Fatalf("expected ForbiddenError on update, got %v", err)
	}
	updated, err := s.Update(context.Background(), "user1", tl.ID, in)
	if err != nil {
		t.Fatalf("owner update: %v", err)
	}
	if updated.Name != "Work" || updated.RadiusM != 200 {
		t.Fatalf("update not applied: %+v", updated)
	}

	if err := s.Delete(context.Background(), "intruder", tl.ID); !errors.As(err, &fb) {
		t.Fatalf("expected ForbiddenError on delete, got %v", err)
	}
	if err := s.Delete(context.Background(), "user1", tl.ID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	var nf *faults.NotFoundError
	if err := s.Delete(context.Background(), "user1", tl.ID); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
