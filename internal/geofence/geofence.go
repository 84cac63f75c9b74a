package geofence

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/example/alert-dispatch/internal/faults"
	"github.com/example/alert-dispatch/internal/geo"
	"github.com/example/alert-dispatch/internal/geocoder"
	"github.com/example/alert-dispatch/internal/models"
	"github.com/example/alert-dispatch/internal/storage"
)

// Result answers "is this point inside any of the user's trusted zones".
type Result struct {
	IsInside bool     `json:"is_inside"`
	Matched  *Matched `json:"matched,omitempty"`
}

type Matched struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	DistanceM float64 `json:"distance_m"`
}

// Service evaluates geofences and manages trusted locations. Geocoder
// enrichment on writes is best-effort; a dead geocoder never fails a save.
type Service struct {
	Store    storage.TrustedLocationStore
	Geocoder geocoder.Client
	Logger   *slog.Logger

	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Evaluate returns the nearest trusted zone containing the point, if any.
// The zone boundary is inclusive: a point exactly radius meters from the
// center is inside. Distance comes back from the helper in kilometers and
// the radius is stored in meters, so the conversion here is load-bearing.
func (s *Service) Evaluate(ctx context.Context, userID string, c models.Coord) (Result, error) {
	if err := c.Validate(); err != nil {
		return Result{}, err
	}
	zones, err := s.Store.ListByUser(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	best := Result{}
	bestDist := math.Inf(1)
	for _, z := range zones {
		distM := geo.DistanceKm(c, z.Center) * 1000
		if distM > z.RadiusM {
			continue
		}
		if distM < bestDist {
			bestDist = distM
			best = Result{IsInside: true, Matched: &Matched{ID: z.ID, Name: z.Name, DistanceM: distM}}
		}
	}
	return best, nil
}

// AddInput carries the user-editable fields of a trusted location.
type AddInput struct {
	Name    string       `json:"name"`
	Center  models.Coord `json:"center"`
	RadiusM float64      `json:"radius_m"`
	IsHome  bool         `json:"is_home"`
	IsWork  bool         `json:"is_work"`
	Notes   string       `json:"notes"`
}

func (in AddInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return faults.Invalid("name", "must not be empty")
	}
	if err := in.Center.Validate(); err != nil {
		return err
	}
	if math.IsNaN(in.RadiusM) || in.RadiusM <= 0 {
		return faults.Invalid("radius_m", "must be > 0")
	}
	return nil
}

func (s *Service) Add(ctx context.Context, userID string, in AddInput) (*models.TrustedLocation, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	tl := &models.TrustedLocation{
		ID:        models.NewID(),
		UserID:    userID,
		Name:      in.Name,
		Center:    in.Center,
		RadiusM:   in.RadiusM,
		IsHome:    in.IsHome,
		IsWork:    in.IsWork,
		Notes:     in.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.enrich(ctx, tl)
	if err := s.Store.Insert(ctx, tl); err != nil {
		return nil, err
	}
	return tl, nil
}

func (s *Service) Update(ctx context.Context, userID, id string, in AddInput) (*models.TrustedLocation, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	tl, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tl.UserID != userID {
		return nil, faults.Forbidden()
	}
	moved := tl.Center != in.Center
	tl.Name = in.Name
	tl.Center = in.Center
	tl.RadiusM = in.RadiusM
	tl.IsHome = in.IsHome
	tl.IsWork = in.IsWork
	tl.Notes = in.Notes
	tl.UpdatedAt = s.now()
	if moved {
		tl.Address = ""
		tl.MapURL = ""
		s.enrich(ctx, tl)
	}
	if err := s.Store.Update(ctx, tl); err != nil {
		return nil, err
	}
	return tl, nil
}

func (s *Service) Delete(ctx context.Context, userID, id string) error {
	tl, err := s.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if tl.UserID != userID {
		return faults.Forbidden()
	}
	return s.Store.Delete(ctx, id)
}

func (s *Service) List(ctx context.Context, userID string) ([]models.TrustedLocation, error) {
	return s.Store.ListByUser(ctx, userID)
}

// enrich fills the cached address and thumbnail. Failures are logged and
// dropped; the zone works without them.
func (s *Service) enrich(ctx context.Context, tl *models.TrustedLocation) {
	if s.Geocoder == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, geocoder.DefaultTimeout)
	defer cancel()
	addr, err := s.Geocoder.ReverseGeocode(cctx, tl.Center)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("trusted location geocode failed", "id", tl.ID, "error", err)
		}
		return
	}
	if addr != nil {
		tl.Address = addr.Formatted
	}
	tl.MapURL = s.Geocoder.StaticMapURL(tl.Center, []models.Coord{tl.Center}, 15, "400x300")
}
