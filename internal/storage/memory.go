package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/alert-dispatch/internal/faults"
	"github.com/example/alert-dispatch/internal/models"
)

// MemoryAlertStore holds alerts in a map. Gets return deep copies so callers
// can mutate freely and racing readers never see half-written aggregates.
type MemoryAlertStore struct {
	mu     sync.RWMutex
	alerts map[string]*models.Alert
}

func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{alerts: make(map[string]*models.Alert)}
}

func (m *MemoryAlertStore) Insert(_ context.Context, a *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = cloneAlert(a)
	return nil
}

func (m *MemoryAlertStore) Get(_ context.Context, id string) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, faults.NotFound("alert", id)
	}
	return cloneAlert(a), nil
}

func (m *MemoryAlertStore) Update(_ context.Context, a *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; !ok {
		return faults.NotFound("alert", a.ID)
	}
	m.alerts[a.ID] = cloneAlert(a)
	return nil
}

func (m *MemoryAlertStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[id]; !ok {
		return faults.NotFound("alert", id)
	}
	delete(m.alerts, id)
	return nil
}

func cloneAlert(a *models.Alert) *models.Alert {
	c := *a
	c.AssignedResponders = make([]models.AssignedResponder, len(a.AssignedResponders))
	copy(c.AssignedResponders, a.AssignedResponders)
	for i := range c.AssignedResponders {
		if at := c.AssignedResponders[i].ArrivedAt; at != nil {
			t := *at
			c.AssignedResponders[i].ArrivedAt = &t
		}
	}
	if a.Tracking != nil {
		tr := *a.Tracking
		if tr.LastUserLocation != nil {
			l := *tr.LastUserLocation
			tr.LastUserLocation = &l
		}
		if tr.LastResponderLocation != nil {
			l := *tr.LastResponderLocation
			tr.LastResponderLocation = &l
		}
		c.Tracking = &tr
	}
	c.Messages = make([]models.Message, len(a.Messages))
	copy(c.Messages, a.Messages)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// MemoryResponderStore implements the conditional claim/release contract
// under a single mutex, which makes each update atomic by construction.
type MemoryResponderStore struct {
	mu         sync.RWMutex
	responders map[string]*models.ResponderAvailability
}

func NewMemoryResponderStore() *MemoryResponderStore {
	return &MemoryResponderStore{responders: make(map[string]*models.ResponderAvailability)}
}

func (m *MemoryResponderStore) Get(_ context.Context, id string) (*models.ResponderAvailability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.responders[id]
	if !ok {
		return nil, faults.NotFound("responder", id)
	}
	c := *r
	if r.CurrentLocation != nil {
		l := *r.CurrentLocation
		c.CurrentLocation = &l
	}
	return &c, nil
}

func (m *MemoryResponderStore) Upsert(_ context.Context, r *models.ResponderAvailability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	if r.CurrentLocation != nil {
		l := *r.CurrentLocation
		c.CurrentLocation = &l
	}
	m.responders[r.ResponderID] = &c
	return nil
}

func (m *MemoryResponderStore) Claim(_ context.Context, responderID, alertID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responders[responderID]
	if !ok || r.Status != models.ResponderAvailable || !r.IsActive {
		return false, nil
	}
	r.Status = models.ResponderBusy
	r.AssignedAlertID = alertID
	return true, nil
}

func (m *MemoryResponderStore) Release(_ context.Context, responderID, alertID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responders[responderID]
	if !ok || r.Status != models.ResponderBusy || r.AssignedAlertID != alertID {
		return false, nil
	}
	r.Status = models.ResponderAvailable
	r.AssignedAlertID = ""
	return true, nil
}

func (m *MemoryResponderStore) RecordPing(_ context.Context, p *models.ResponderPing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responders[p.ResponderID]
	if !ok {
		r = &models.ResponderAvailability{ResponderID: p.ResponderID, Status: models.ResponderAvailable}
		m.responders[p.ResponderID] = r
	}
	loc := p.Coord
	r.CurrentLocation = &loc
	r.LocationUpdatedAt = p.PingedAt
	r.LastPing = p.PingedAt
	if p.VehicleType != "" {
		r.VehicleType = p.VehicleType
	}
	r.IsActive = p.IsActive
	return nil
}

func (m *MemoryResponderStore) SetLocation(_ context.Context, id string, c models.Coord, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responders[id]
	if !ok {
		return faults.NotFound("responder", id)
	}
	loc := c
	r.CurrentLocation = &loc
	r.LocationUpdatedAt = at
	r.LastPing = at
	return nil
}

// MemoryTrustedLocationStore holds trusted zones keyed by id.
type MemoryTrustedLocationStore struct {
	mu    sync.RWMutex
	zones map[string]*models.TrustedLocation
}

func NewMemoryTrustedLocationStore() *MemoryTrustedLocationStore {
	return &MemoryTrustedLocationStore{zones: make(map[string]*models.TrustedLocation)}
}

func (m *MemoryTrustedLocationStore) Insert(_ context.Context, tl *models.TrustedLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *tl
	m.zones[tl.ID] = &c
	return nil
}

func (m *MemoryTrustedLocationStore) Get(_ context.Context, id string) (*models.TrustedLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tl, ok := m.zones[id]
	if !ok {
		return nil, faults.NotFound("trusted location", id)
	}
	c := *tl
	return &c, nil
}

func (m *MemoryTrustedLocationStore) Update(_ context.Context, tl *models.TrustedLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.zones[tl.ID]; !ok {
		return faults.NotFound("trusted location", tl.ID)
	}
	c := *tl
	m.zones[tl.ID] = &c
	return nil
}

func (m *MemoryTrustedLocationStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.zones[id]; !ok {
		return faults.NotFound("trusted location", id)
	}
	delete(m.zones, id)
	return nil
}

func (m *MemoryTrustedLocationStore) ListByUser(_ context.Context, userID string) ([]models.TrustedLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.TrustedLocation{}
	for _, tl := range m.zones {
		if tl.UserID == userID {
			out = append(out, *tl)
		}
	}
	return out, nil
}

// MemoryHistoryStore appends pings to a slice.
type MemoryHistoryStore struct {
	mu      sync.Mutex
	records []models.LocationHistoryRecord
}

func NewMemoryHistoryStore() *MemoryHistoryStore { return &MemoryHistoryStore{} }

func (m *MemoryHistoryStore) Append(_ context.Context, rec *models.LocationHistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return nil
}

// Records returns a snapshot of everything appended so far.
func (m *MemoryHistoryStore) Records() []models.LocationHistoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.LocationHistoryRecord, len(m.records))
	copy(out, m.records)
	return out
}

// MemoryUserStore tracks last-known locations only.
type MemoryUserStore struct {
	mu        sync.RWMutex
	locations map[string]models.Coord
	updated   map[string]time.Time
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		locations: make(map[string]models.Coord),
		updated:   make(map[string]time.Time),
	}
}

func (m *MemoryUserStore) SetLastKnownLocation(_ context.Context, userID string, c models.Coord, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[userID] = c
	m.updated[userID] = at
	return nil
}

// LastKnownLocation is read by tests.
func (m *MemoryUserStore) LastKnownLocation(userID string) (models.Coord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.locations[userID]
	return c, ok
}
