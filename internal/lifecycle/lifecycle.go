package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/alert-dispatch/internal/dispatch"
	"github.com/example/alert-dispatch/internal/faults"
	"github.com/example/alert-dispatch/internal/geocoder"
	"github.com/example/alert-dispatch/internal/geofence"
	"github.com/example/alert-dispatch/internal/models"
	"github.com/example/alert-dispatch/internal/observability"
	"github.com/example/alert-dispatch/internal/storage"
)

// Assigner selects and claims responders for a new alert.
type Assigner interface {
	Assign(ctx context.Context, alertID string, loc models.Coord) ([]models.AssignedResponder, error)
}

// Evaluator answers whether a point sits inside one of the user's trusted
// zones.
type Evaluator interface {
	Evaluate(ctx context.Context, userID string, c models.Coord) (geofence.Result, error)
}

// Manager owns the alert state machine and orchestrates responder
// allocation around it.
type Manager struct {
	Alerts     storage.AlertStore
	Responders storage.ResponderStore
	Users      storage.UserStore
	Matcher    Assigner
	Geofence   Evaluator
	Geocoder   geocoder.Client
	Notifier   dispatch.Notifier
	Logger     *slog.Logger
	Locks      *KeyMutex

	Now func() time.Time
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// legal transitions; terminal states admit none.
var transitions = map[models.AlertStatus][]models.AlertStatus{
	models.AlertActive:       {models.AlertAcknowledged, models.AlertResolved, models.AlertCancelled},
	models.AlertAcknowledged: {models.AlertResolved, models.AlertCancelled},
}

func canTransition(from, to models.AlertStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CreateAlertInput is everything a panic trigger carries.
type CreateAlertInput struct {
	UserID   string               `json:"user_id"`
	Type     models.AlertType     `json:"type"`
	Location models.AlertLocation `json:"location"`
	Message  string               `json:"message,omitempty"`
}

// CreateAlert validates the trigger, persists the alert, matches responders
// and emits the notification intents. The alert write is the one thing that
// must succeed; last-known-location, geocoder enrichment and notification
// delivery are all best-effort around it.
func (m *Manager) CreateAlert(ctx context.Context, in CreateAlertInput) (*models.Alert, error) {
	if in.UserID == "" {
		return nil, faults.Invalid("user_id", "must not be empty")
	}
	switch in.Type {
	case models.TypePanic, models.TypeFallDetected, models.TypeTimerExpired:
	default:
		return nil, faults.Invalid("type", "must be panic, fall-detection or timer-expired")
	}
	if err := in.Location.Validate(); err != nil {
		return nil, err
	}

	now := m.now()
	alert := &models.Alert{
		ID:                 models.NewID(),
		UserID:             in.UserID,
		Status:             models.AlertActive,
		Type:               in.Type,
		Location:           in.Location,
		AssignedResponders: []models.AssignedResponder{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if in.Message != "" {
		alert.Messages = append(alert.Messages, models.Message{
			SenderID: in.UserID, Content: in.Message, Type: "text", Timestamp: now,
		})
	}

	// Automatic alerts raised inside a trusted zone are recorded but do not
	// dispatch anyone.
	var suppressedBy *geofence.Matched
	if in.Type.Automatic() && m.Geofence != nil {
		res, err := m.Geofence.Evaluate(ctx, in.UserID, in.Location.Coord)
		if err != nil {
			m.logWarn("geofence evaluation failed", "alert", alert.ID, "error", err)
		} else if res.IsInside {
			suppressedBy = res.Matched
		}
	}

	if err := m.Alerts.Insert(ctx, alert); err != nil {
		return nil, err
	}
	observability.AlertsCreated.WithLabelValues(string(in.Type)).Inc()

	if m.Users != nil {
		if err := m.Users.SetLastKnownLocation(ctx, in.UserID, in.Location.Coord, now); err != nil {
			m.logWarn("last-known-location update failed", "user", in.UserID, "error", err)
		}
	}
	if suppressedBy != nil {
		observability.GeofenceSuppressed.Inc()
		go m.enrichLocation(alert.ID)
		m.notify(ctx, models.Intent{
			TargetID: in.UserID,
			Kind:     models.IntentStatusUpdate,
			Payload: map[string]any{
				"alert_id":         alert.ID,
				"status":           string(alert.Status),
				"dispatch":         "suppressed",
				"trusted_location": suppressedBy.Name,
			},
		})
		return alert, nil
	}

	assigned, err := m.Matcher.Assign(ctx, alert.ID, in.Location.Coord)
	if err != nil {
		m.logWarn("matching failed", "alert", alert.ID, "error", err)
		assigned = nil
	}
	if len(assigned) > 0 {
		alert.AssignedResponders = assigned
		alert.UpdatedAt = m.now()
		if err := m.Alerts.Update(ctx, alert); err != nil {
			// compensate: the claims must not outlive a failed assignment write
			for _, a := range assigned {
				if _, rerr := m.Responders.Release(ctx, a.ResponderID, alert.ID); rerr != nil {
					m.logWarn("compensating release failed", "responder", a.ResponderID, "error", rerr)
				}
			}
			return nil, err
		}
	}

	go m.enrichLocation(alert.ID)

	for _, a := range assigned {
		m.notify(ctx, models.Intent{
			TargetID: a.ResponderID,
			Kind:     models.IntentNewAssignment,
			Payload: map[string]any{
				"alert_id": alert.ID,
				"type":     string(alert.Type),
				"lon":      alert.Location.Coord.Lon,
				"lat":      alert.Location.Coord.Lat,
				"address":  alert.Location.Address,
			},
		})
	}
	m.notify(ctx, models.Intent{
		TargetID: in.UserID,
		Kind:     models.IntentStatusUpdate,
		Payload: map[string]any{
			"alert_id":   alert.ID,
			"status":     string(alert.Status),
			"responders": len(assigned),
		},
	})
	if len(assigned) == 0 {
		observability.NoRespondersTotal.Inc()
		m.notify(ctx, models.Intent{
			TargetID: in.UserID,
			Kind:     models.IntentNoResponders,
			Payload:  map[string]any{"alert_id": alert.ID},
		})
	}
	return alert, nil
}

// TransitionStatus applies one state-machine move. Same-state moves are
// rejected along with illegal ones. Entering a terminal state frees every
// assigned responder exactly once, before any notification goes out.
func (m *Manager) TransitionStatus(ctx context.Context, alertID string, newStatus models.AlertStatus, actingResponderID string) (*models.Alert, error) {
	switch newStatus {
	case models.AlertActive, models.AlertAcknowledged, models.AlertResolved, models.AlertCancelled:
	default:
		return nil, faults.Invalid("status", "unknown status")
	}

	m.Locks.Lock(alertID)
	defer m.Locks.Unlock(alertID)

	alert, err := m.Alerts.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if !canTransition(alert.Status, newStatus) {
		return nil, &faults.InvalidTransitionError{From: string(alert.Status), To: string(newStatus)}
	}

	now := m.now()
	alert.Status = newStatus
	alert.UpdatedAt = now
	if newStatus == models.AlertResolved {
		t := now
		alert.ResolvedAt = &t
	}
	if newStatus == models.AlertAcknowledged && actingResponderID != "" {
		if a := alert.Assignment(actingResponderID); a != nil {
			a.Status = models.AssignmentEnroute
		}
	}

	if err := m.Alerts.Update(ctx, alert); err != nil {
		return nil, err
	}

	if newStatus.Terminal() {
		m.freeResponders(ctx, alert)
	}

	payload := map[string]any{"alert_id": alert.ID, "status": string(newStatus)}
	m.notify(ctx, models.Intent{TargetID: alert.UserID, Kind: models.IntentStatusUpdate, Payload: payload})
	for _, a := range alert.AssignedResponders {
		m.notify(ctx, models.Intent{TargetID: a.ResponderID, Kind: models.IntentStatusUpdate, Payload: payload})
	}
	return alert, nil
}

// AddAssignmentStatus updates one responder's embedded assignment entry.
// An unknown responder id is a silent no-op: this call can legitimately race
// a terminal transition that already rewrote the list.
func (m *Manager) AddAssignmentStatus(ctx context.Context, alertID, responderID string, status models.AssignmentStatus) (*models.Alert, error) {
	switch status {
	case models.AssignmentAssigned, models.AssignmentEnroute, models.AssignmentOnScene:
	default:
		return nil, faults.Invalid("status", "must be assigned, enroute or on-scene")
	}

	m.Locks.Lock(alertID)
	defer m.Locks.Unlock(alertID)

	alert, err := m.Alerts.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	entry := alert.Assignment(responderID)
	if entry == nil || alert.Status.Terminal() {
		return alert, nil
	}
	entry.Status = status
	if status == models.AssignmentOnScene && entry.ArrivedAt == nil {
		t := m.now()
		entry.ArrivedAt = &t
	}
	alert.UpdatedAt = m.now()
	if err := m.Alerts.Update(ctx, alert); err != nil {
		return nil, err
	}

	m.notify(ctx, models.Intent{
		TargetID: alert.UserID,
		Kind:     models.IntentStatusUpdate,
		Payload: map[string]any{
			"alert_id":          alert.ID,
			"responder_id":      responderID,
			"assignment_status": string(status),
		},
	})
	return alert, nil
}

// DeleteAlert removes an alert. Only the owning user may delete; a live
// alert's responders are released first so no availability row keeps
// pointing at a gone alert.
func (m *Manager) DeleteAlert(ctx context.Context, alertID, requestingUserID string) error {
	m.Locks.Lock(alertID)
	defer m.Locks.Unlock(alertID)

	alert, err := m.Alerts.Get(ctx, alertID)
	if err != nil {
		return err
	}
	if alert.UserID != requestingUserID {
		return faults.Forbidden()
	}
	if !alert.Status.Terminal() {
		m.freeResponders(ctx, alert)
	}
	return m.Alerts.Delete(ctx, alertID)
}

// freeResponders returns every assigned responder to the pool. Release is
// conditional on the row still belonging to this alert, so a double call is
// harmless; errors are logged and the loop continues.
func (m *Manager) freeResponders(ctx context.Context, alert *models.Alert) {
	for _, a := range alert.AssignedResponders {
		if _, err := m.Responders.Release(ctx, a.ResponderID, alert.ID); err != nil {
			m.logWarn("responder release failed", "responder", a.ResponderID, "alert", alert.ID, "error", err)
		}
	}
}

// enrichLocation fills address/map fields from the geocoder under a bounded
// timeout. It runs off the create path: the alert is already persisted and a
// failure here costs only polish. The per-alert lock serializes the write
// against any concurrent transition.
func (m *Manager) enrichLocation(alertID string) {
	if m.Geocoder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), geocoder.DefaultTimeout)
	defer cancel()

	m.Locks.Lock(alertID)
	defer m.Locks.Unlock(alertID)

	alert, err := m.Alerts.Get(ctx, alertID)
	if err != nil {
		return
	}
	addr, err := m.Geocoder.ReverseGeocode(ctx, alert.Location.Coord)
	if err != nil {
		m.logWarn("reverse geocode failed", "alert", alert.ID, "error", err)
		return
	}
	if addr == nil {
		alert.Location.Address = "address not available"
	} else {
		alert.Location.Address = addr.Formatted
		alert.Location.PlaceID = addr.PlaceID
	}
	alert.Location.MapURL = m.Geocoder.StaticMapURL(alert.Location.Coord, []models.Coord{alert.Location.Coord}, 16, "600x400")
	if err := m.Alerts.Update(ctx, alert); err != nil {
		m.logWarn("enrichment write failed", "alert", alert.ID, "error", err)
	}
}

func (m *Manager) notify(ctx context.Context, intent models.Intent) {
	if m.Notifier == nil {
		return
	}
	if err := m.Notifier.Notify(ctx, intent); err != nil {
		m.logWarn("notify failed", "target", intent.TargetID, "kind", string(intent.Kind), "error", err)
	}
}

func (m *Manager) logWarn(msg string, args ...any) {
	if m.Logger != nil {
		m.Logger.Warn(msg, args...)
	}
}
