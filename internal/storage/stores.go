package storage

import (
	"context"
	"time"

	"github.com/example/alert-dispatch/internal/models"
)

// AlertStore persists alert aggregates, embedded assignment and tracking
// sub-state included.
type AlertStore interface {
	Insert(ctx context.Context, a *models.Alert) error
	Get(ctx context.Context, id string) (*models.Alert, error)
	Update(ctx context.Context, a *models.Alert) error
	Delete(ctx context.Context, id string) error
}

// ResponderStore persists responder availability. Claim and Release are the
// only two mutation sites for capacity, and both are atomic conditional
// updates: Claim flips available→busy, Release flips busy→available only for
// the claiming alert. A false return means the precondition did not hold,
// which callers treat as "candidate unavailable", not as a failure.
type ResponderStore interface {
	Get(ctx context.Context, id string) (*models.ResponderAvailability, error)
	Upsert(ctx context.Context, r *models.ResponderAvailability) error
	Claim(ctx context.Context, responderID, alertID string) (bool, error)
	Release(ctx context.Context, responderID, alertID string) (bool, error)
	SetLocation(ctx context.Context, id string, c models.Coord, at time.Time) error
	// RecordPing folds a heartbeat into the row: location, ping time and
	// metadata only. Status and assignment are never written here; an
	// unknown responder gets a fresh available row.
	RecordPing(ctx context.Context, p *models.ResponderPing) error
}

// TrustedLocationStore persists per-user trusted zones.
type TrustedLocationStore interface {
	Insert(ctx context.Context, tl *models.TrustedLocation) error
	Get(ctx context.Context, id string) (*models.TrustedLocation, error)
	Update(ctx context.Context, tl *models.TrustedLocation) error
	Delete(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string) ([]models.TrustedLocation, error)
}

// HistoryStore appends location pings. Append-only; retention is someone
// else's job.
type HistoryStore interface {
	Append(ctx context.Context, rec *models.LocationHistoryRecord) error
}

// UserStore is the slim slice of the user aggregate this service touches:
// the last-known location, updated best-effort on alerts and pings.
type UserStore interface {
	SetLastKnownLocation(ctx context.Context, userID string, c models.Coord, at time.Time) error
}
