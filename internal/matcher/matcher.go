package matcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/example/alert-dispatch/internal/geo"
	"github.com/example/alert-dispatch/internal/models"
	"github.com/example/alert-dispatch/internal/observability"
	"github.com/example/alert-dispatch/internal/storage"
)

const (
	DefaultMaxCandidates = 5
	DefaultMaxDistanceM  = 10000

	// fetch more points than we need; some will be busy or inactive by the
	// time we hydrate availability.
	fetchFactor = 4
)

// Service selects and claims the responders for a new alert.
type Service struct {
	Index      geo.Index
	Responders storage.ResponderStore
	Logger     *slog.Logger

	MaxCandidates int
	MaxDistanceM  float64
}

// Assign finds available, active responders within MaxDistanceM of loc and
// claims up to MaxCandidates of them for alertID. Ordering is by most recent
// heartbeat, not by distance: a responder who pinged seconds ago is a better
// bet than a nearer one whose location may be an hour stale.
//
// Matching is best-effort, not linearizable. Candidates whose availability
// flips between selection and claim are dropped rather than retried; an
// empty result is a valid outcome, not an error.
func (s *Service) Assign(ctx context.Context, alertID string, loc models.Coord) ([]models.AssignedResponder, error) {
	maxCand := s.MaxCandidates
	if maxCand <= 0 {
		maxCand = DefaultMaxCandidates
	}
	maxDist := s.MaxDistanceM
	if maxDist <= 0 {
		maxDist = DefaultMaxDistanceM
	}

	points, err := s.Index.Nearby(ctx, loc, maxDist, maxCand*fetchFactor)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		id       string
		lastPing time.Time
	}
	cands := make([]candidate, 0, len(points))
	for _, p := range points {
		r, err := s.Responders.Get(ctx, p.ID)
		if err != nil {
			// index can lag the store; a missing row just isn't a candidate
			continue
		}
		if !r.Matchable() {
			continue
		}
		cands = append(cands, candidate{id: r.ResponderID, lastPing: r.LastPing})
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].lastPing.After(cands[j].lastPing) })
	if len(cands) > maxCand {
		cands = cands[:maxCand]
	}

	now := time.Now()
	assigned := make([]models.AssignedResponder, 0, len(cands))
	for _, c := range cands {
		ok, err := s.Responders.Claim(ctx, c.id, alertID)
		if err != nil {
			// unwind: claims must not outlive a failed match
			for _, a := range assigned {
				if _, rerr := s.Responders.Release(ctx, a.ResponderID, alertID); rerr != nil {
					if s.Logger != nil {
						s.Logger.Warn("release after claim error failed", "responder", a.ResponderID, "alert", alertID, "error", rerr)
					}
				}
			}
			return nil, err
		}
		if !ok {
			// lost the race to another alert; drop and move on
			if s.Logger != nil {
				s.Logger.Debug("claim lost", "responder", c.id, "alert", alertID)
			}
			continue
		}
		assigned = append(assigned, models.AssignedResponder{
			ResponderID: c.id,
			AssignedAt:  now,
			Status:      models.AssignmentAssigned,
		})
	}
	observability.AssignmentsTotal.Add(float64(len(assigned)))
	return assigned, nil
}
