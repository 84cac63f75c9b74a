package tracker

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/alert-dispatch/internal/dispatch"
	"github.com/example/alert-dispatch/internal/eta"
	"github.com/example/alert-dispatch/internal/faults"
	"github.com/example/alert-dispatch/internal/geo"
	"github.com/example/alert-dispatch/internal/lifecycle"
	"github.com/example/alert-dispatch/internal/models"
	"github.com/example/alert-dispatch/internal/observability"
	"github.com/example/alert-dispatch/internal/storage"
)

// DefaultProximityThresholdM is the distance at which a responder counts as
// "almost there".
const DefaultProximityThresholdM = 1000

// Tracker ingests location pings, maintains per-alert tracking snapshots and
// derives distance/ETA between user and responder.
type Tracker struct {
	Alerts     storage.AlertStore
	Responders storage.ResponderStore
	Users      storage.UserStore
	History    storage.HistoryStore
	Index      geo.Index
	Notifier   dispatch.Notifier
	Logger     *slog.Logger
	Locks      *lifecycle.KeyMutex

	ProximityThresholdM float64
	Now                 func() time.Time

	// proximity debounce: an alert is disarmed after its first sub-threshold
	// notice and re-arms only once distance climbs back above the threshold
	mu       sync.Mutex
	disarmed map[string]bool
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tracker) threshold() float64 {
	if t.ProximityThresholdM > 0 {
		return t.ProximityThresholdM
	}
	return DefaultProximityThresholdM
}

// UpdateInput is one location ping.
type UpdateInput struct {
	SubjectID  string             `json:"subject_id"`
	Role       models.SubjectRole `json:"role"`
	Coord      models.Coord       `json:"coord"`
	AccuracyM  float64            `json:"accuracy_m"`
	BatteryPct *float64           `json:"battery_pct,omitempty"`
	AlertID    string             `json:"alert_id,omitempty"`
}

// UpdateResult reports what the ping changed.
type UpdateResult struct {
	Applied                bool `json:"applied"`
	CorrelatedAlertUpdated bool `json:"correlated_alert_updated"`
}

// UpdateLocation validates and persists a ping, updates the subject's
// current location, and refreshes the alert's tracking snapshot when the
// ping is correlated to a live alert. A correlated alert that is missing or
// already terminal does not fail the ping; the position data is kept either
// way.
func (t *Tracker) UpdateLocation(ctx context.Context, in UpdateInput) (UpdateResult, error) {
	if in.SubjectID == "" {
		return UpdateResult{}, faults.Invalid("subject_id", "must not be empty")
	}
	if in.Role != models.RoleUser && in.Role != models.RoleResponder {
		return UpdateResult{}, faults.Invalid("role", "must be user or responder")
	}
	if err := in.Coord.Validate(); err != nil {
		return UpdateResult{}, err
	}
	if math.IsNaN(in.AccuracyM) || in.AccuracyM < 0 {
		return UpdateResult{}, faults.Invalid("accuracy_m", "must be >= 0")
	}

	now := t.now()
	rec := &models.LocationHistoryRecord{
		ID:         models.NewID(),
		SubjectID:  in.SubjectID,
		Role:       in.Role,
		AlertID:    in.AlertID,
		Coord:      in.Coord,
		AccuracyM:  in.AccuracyM,
		BatteryPct: in.BatteryPct,
		RecordedAt: now,
	}
	if err := t.History.Append(ctx, rec); err != nil {
		return UpdateResult{}, err
	}
	observability.LocationPingsTotal.WithLabelValues(string(in.Role)).Inc()

	switch in.Role {
	case models.RoleUser:
		if t.Users != nil {
			if err := t.Users.SetLastKnownLocation(ctx, in.SubjectID, in.Coord, now); err != nil {
				t.logWarn("user location update failed", "user", in.SubjectID, "error", err)
			}
		}
	case models.RoleResponder:
		if err := t.Responders.SetLocation(ctx, in.SubjectID, in.Coord, now); err != nil {
			t.logWarn("responder location update failed", "responder", in.SubjectID, "error", err)
		}
		if t.Index != nil {
			if err := t.Index.Upsert(ctx, in.SubjectID, in.Coord); err != nil {
				t.logWarn("geo index update failed", "responder", in.SubjectID, "error", err)
			}
		}
	}

	res := UpdateResult{Applied: true}
	if in.AlertID == "" {
		return res, nil
	}
	updated, err := t.updateSnapshot(ctx, in, now)
	if err != nil {
		t.logWarn("tracking snapshot update failed", "alert", in.AlertID, "error", err)
		return res, nil
	}
	res.CorrelatedAlertUpdated = updated
	return res, nil
}

func (t *Tracker) updateSnapshot(ctx context.Context, in UpdateInput, now time.Time) (bool, error) {
	t.Locks.Lock(in.AlertID)
	defer t.Locks.Unlock(in.AlertID)

	alert, err := t.Alerts.Get(ctx, in.AlertID)
	if err != nil {
		return false, err
	}
	if alert.Status.Terminal() {
		t.clearDebounce(in.AlertID)
		return false, nil
	}

	if alert.Tracking == nil {
		alert.Tracking = &models.Tracking{}
	}
	tr := alert.Tracking
	loc := in.Coord
	switch in.Role {
	case models.RoleUser:
		tr.LastUserLocation = &loc
	case models.RoleResponder:
		tr.LastResponderLocation = &loc
		tr.LastResponderID = in.SubjectID
	}
	tr.LastUpdated = now

	if tr.LastUserLocation != nil && tr.LastResponderLocation != nil {
		distKm := geo.DistanceKm(*tr.LastUserLocation, *tr.LastResponderLocation)
		tr.DistanceM = distKm * 1000
		tr.ETA = ""
		if tr.LastResponderID != "" {
			if r, err := t.Responders.Get(ctx, tr.LastResponderID); err == nil && r.VehicleType != "" {
				if d, ok := eta.Estimate(distKm, r.VehicleType); ok {
					tr.ETA = eta.Render(d)
				}
			}
		}
		t.checkProximity(ctx, alert, tr.DistanceM)
	}

	alert.UpdatedAt = now
	if err := t.Alerts.Update(ctx, alert); err != nil {
		return false, err
	}
	return true, nil
}

// checkProximity fires at most one intent per threshold crossing.
func (t *Tracker) checkProximity(ctx context.Context, alert *models.Alert, distM float64) {
	th := t.threshold()
	t.mu.Lock()
	if t.disarmed == nil {
		t.disarmed = make(map[string]bool)
	}
	if distM >= th {
		delete(t.disarmed, alert.ID)
		t.mu.Unlock()
		return
	}
	if t.disarmed[alert.ID] {
		t.mu.Unlock()
		return
	}
	t.disarmed[alert.ID] = true
	t.mu.Unlock()

	observability.ProximityNotices.Inc()
	if t.Notifier != nil {
		err := t.Notifier.Notify(ctx, models.Intent{
			TargetID: alert.UserID,
			Kind:     models.IntentProximity,
			Payload: map[string]any{
				"alert_id":     alert.ID,
				"responder_id": alert.Tracking.LastResponderID,
				"distance_m":   distM,
			},
		})
		if err != nil {
			t.logWarn("proximity notify failed", "alert", alert.ID, "error", err)
		}
	}
}

func (t *Tracker) clearDebounce(alertID string) {
	t.mu.Lock()
	delete(t.disarmed, alertID)
	t.mu.Unlock()
}

// GetLiveTracking returns the snapshot for an alert. Only the owning user or
// a currently assigned responder may read it.
func (t *Tracker) GetLiveTracking(ctx context.Context, alertID, requestingSubjectID string) (*models.Tracking, error) {
	alert, err := t.Alerts.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if alert.UserID != requestingSubjectID && alert.Assignment(requestingSubjectID) == nil {
		return nil, faults.Forbidden()
	}
	if alert.Tracking == nil {
		return &models.Tracking{}, nil
	}
	return alert.Tracking, nil
}

func (t *Tracker) logWarn(msg string, args ...any) {
	if t.Logger != nil {
		t.Logger.Warn(msg, args...)
	}
}
