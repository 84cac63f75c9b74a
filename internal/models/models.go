package models

import (
	"crypto/rand"
	"encoding/hex"
	"math"
	"time"

	"github.com/example/alert-dispatch/internal/faults"
)

// Coord is a WGS84 point. Longitude comes first everywhere: in the struct,
// in JSON, and in every store. Input with swapped axes is rejected by
// Validate, never guessed at.
type Coord struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

func (c Coord) Validate() error {
	if math.IsNaN(c.Lon) || math.IsInf(c.Lon, 0) || c.Lon < -180 || c.Lon > 180 {
		return faults.Invalid("lon", "must be a finite number in [-180,180]")
	}
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || c.Lat < -90 || c.Lat > 90 {
		return faults.Invalid("lat", "must be a finite number in [-90,90]")
	}
	return nil
}

type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertCancelled    AlertStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s AlertStatus) Terminal() bool {
	return s == AlertResolved || s == AlertCancelled
}

type AlertType string

const (
	TypePanic        AlertType = "panic"
	TypeFallDetected AlertType = "fall-detection"
	TypeTimerExpired AlertType = "timer-expired"
)

// Automatic reports whether the alert was raised by a detector rather than a
// person. Automatic alerts inside a trusted zone do not dispatch responders.
func (t AlertType) Automatic() bool {
	return t == TypeFallDetected || t == TypeTimerExpired
}

type AssignmentStatus string

const (
	AssignmentAssigned AssignmentStatus = "assigned"
	AssignmentEnroute  AssignmentStatus = "enroute"
	AssignmentOnScene  AssignmentStatus = "on-scene"
)

// AlertLocation is the alert's point of origin. Address, place and map fields
// are geocoder enrichment and may stay empty forever; matching never reads
// them.
type AlertLocation struct {
	Coord     Coord   `json:"coord"`
	AccuracyM float64 `json:"accuracy_m"`
	Address   string  `json:"address,omitempty"`
	PlaceID   string  `json:"place_id,omitempty"`
	MapURL    string  `json:"map_url,omitempty"`
}

func (l AlertLocation) Validate() error {
	if err := l.Coord.Validate(); err != nil {
		return err
	}
	if math.IsNaN(l.AccuracyM) || l.AccuracyM < 0 {
		return faults.Invalid("accuracy_m", "must be >= 0")
	}
	return nil
}

// AssignedResponder is one entry in an alert's assignment list. A responder
// id appears at most once per alert.
type AssignedResponder struct {
	ResponderID string           `json:"responder_id"`
	AssignedAt  time.Time        `json:"assigned_at"`
	Status      AssignmentStatus `json:"status"`
	ArrivedAt   *time.Time       `json:"arrived_at,omitempty"`
}

// Tracking is the live pair of last-known positions for an alert, plus the
// derived straight-line distance and ETA.
type Tracking struct {
	LastUserLocation      *Coord    `json:"last_user_location,omitempty"`
	LastResponderLocation *Coord    `json:"last_responder_location,omitempty"`
	LastResponderID       string    `json:"last_responder_id,omitempty"`
	DistanceM             float64   `json:"distance_m,omitempty"`
	ETA                   string    `json:"eta,omitempty"`
	LastUpdated           time.Time `json:"last_updated"`
}

type Message struct {
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Alert is one emergency episode from creation to terminal resolution.
type Alert struct {
	ID                 string              `json:"id"`
	UserID             string              `json:"user_id"`
	Status             AlertStatus         `json:"status"`
	Type               AlertType           `json:"type"`
	Location           AlertLocation       `json:"location"`
	AssignedResponders []AssignedResponder `json:"assigned_responders"`
	Tracking           *Tracking           `json:"tracking,omitempty"`
	Messages           []Message           `json:"messages,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	ResolvedAt         *time.Time          `json:"resolved_at,omitempty"`
}

// Assignment returns the embedded entry for responderID, or nil.
func (a *Alert) Assignment(responderID string) *AssignedResponder {
	for i := range a.AssignedResponders {
		if a.AssignedResponders[i].ResponderID == responderID {
			return &a.AssignedResponders[i]
		}
	}
	return nil
}

type ResponderStatus string

const (
	ResponderAvailable ResponderStatus = "available"
	ResponderBusy      ResponderStatus = "busy"
	ResponderOffline   ResponderStatus = "offline"
)

// ResponderAvailability is the single source of truth for responder capacity.
// AssignedAlertID is non-empty iff Status == busy.
type ResponderAvailability struct {
	ResponderID       string          `json:"responder_id"`
	Status            ResponderStatus `json:"status"`
	CurrentLocation   *Coord          `json:"current_location,omitempty"`
	LocationUpdatedAt time.Time       `json:"location_updated_at"`
	AssignedAlertID   string          `json:"assigned_alert_id,omitempty"`
	LastPing          time.Time       `json:"last_ping"`
	VehicleType       string          `json:"vehicle_type,omitempty"`
	IsActive          bool            `json:"is_active"`
}

// Matchable reports whether the matcher may consider this responder at all.
// Responders without a known location are never matchable.
func (r *ResponderAvailability) Matchable() bool {
	return r.Status == ResponderAvailable && r.IsActive && r.CurrentLocation != nil
}

// TrustedLocation is a named circular zone owned by a user. Radius is in
// meters.
type TrustedLocation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Center    Coord     `json:"center"`
	RadiusM   float64   `json:"radius_m"`
	IsHome    bool      `json:"is_home"`
	IsWork    bool      `json:"is_work"`
	Notes     string    `json:"notes,omitempty"`
	Address   string    `json:"address,omitempty"`
	MapURL    string    `json:"map_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SubjectRole string

const (
	RoleUser      SubjectRole = "user"
	RoleResponder SubjectRole = "responder"
)

// LocationHistoryRecord is one append-only ping. Never mutated or deleted by
// this service.
type LocationHistoryRecord struct {
	ID         string      `json:"id"`
	SubjectID  string      `json:"subject_id"`
	Role       SubjectRole `json:"role"`
	AlertID    string      `json:"alert_id,omitempty"`
	Coord      Coord       `json:"coord"`
	AccuracyM  float64     `json:"accuracy_m"`
	BatteryPct *float64    `json:"battery_pct,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// ResponderPing is the wire shape published to Kafka by the API and consumed
// by the location pipeline.
type ResponderPing struct {
	ResponderID string    `json:"responder_id"`
	Coord       Coord     `json:"coord"`
	AccuracyM   float64   `json:"accuracy_m"`
	VehicleType string    `json:"vehicle_type,omitempty"`
	IsActive    bool      `json:"is_active"`
	PingedAt    time.Time `json:"pinged_at"`
}

type IntentKind string

const (
	IntentNewAssignment IntentKind = "new-assignment"
	IntentStatusUpdate  IntentKind = "status-update"
	IntentProximity     IntentKind = "proximity"
	IntentNoResponders  IntentKind = "no-responders"
)

// Intent is a structured notification request. The core decides who gets
// notified and with what payload; delivery belongs to the notifier behind it.
type Intent struct {
	TargetID string         `json:"target_id"`
	Kind     IntentKind     `json:"kind"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// NewID returns a random 16-hex-char identifier.
func NewID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
