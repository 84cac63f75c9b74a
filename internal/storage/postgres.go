package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/alert-dispatch/internal/faults"
	"github.com/example/alert-dispatch/internal/models"
)

// PostgresStore backs every store interface with one connection pool.
// Embedded alert sub-documents (assignments, tracking, messages) live in
// JSONB columns; availability flips use conditional UPDATEs so claim and
// release stay atomic at the row level.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Insert(ctx context.Context, a *models.Alert) error {
	assigned, tracking, messages, err := marshalAlertDocs(a)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO alerts(id, user_id, status, type, lon, lat, accuracy_m, address, place_id, map_url,
			assigned_responders, tracking, messages, created_at, updated_at, resolved_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		a.ID, a.UserID, a.Status, a.Type,
		a.Location.Coord.Lon, a.Location.Coord.Lat, a.Location.AccuracyM,
		a.Location.Address, a.Location.PlaceID, a.Location.MapURL,
		assigned, tracking, messages, a.CreatedAt, a.UpdatedAt, a.ResolvedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Alert, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, type, lon, lat, accuracy_m, address, place_id, map_url,
			assigned_responders, tracking, messages, created_at, updated_at, resolved_at
		 FROM alerts WHERE id=$1`, id)
	var a models.Alert
	var assigned, tracking, messages []byte
	var resolvedAt sql.NullTime
	err := row.Scan(&a.ID, &a.UserID, &a.Status, &a.Type,
		&a.Location.Coord.Lon, &a.Location.Coord.Lat, &a.Location.AccuracyM,
		&a.Location.Address, &a.Location.PlaceID, &a.Location.MapURL,
		&assigned, &tracking, &messages, &a.CreatedAt, &a.UpdatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, faults.NotFound("alert", id)
	}
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	if err := unmarshalAlertDocs(&a, assigned, tracking, messages); err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *PostgresStore) Update(ctx context.Context, a *models.Alert) error {
	assigned, tracking, messages, err := marshalAlertDocs(a)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE alerts SET status=$2, address=$3, place_id=$4, map_url=$5,
			assigned_responders=$6, tracking=$7, messages=$8, updated_at=$9, resolved_at=$10
		 WHERE id=$1`,
		a.ID, a.Status, a.Location.Address, a.Location.PlaceID, a.Location.MapURL,
		assigned, tracking, messages, a.UpdatedAt, a.ResolvedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.NotFound("alert", a.ID)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM alerts WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.NotFound("alert", id)
	}
	return nil
}

func marshalAlertDocs(a *models.Alert) (assigned, tracking, messages []byte, err error) {
	if assigned, err = json.Marshal(a.AssignedResponders); err != nil {
		return
	}
	if tracking, err = json.Marshal(a.Tracking); err != nil {
		return
	}
	messages, err = json.Marshal(a.Messages)
	return
}

func unmarshalAlertDocs(a *models.Alert, assigned, tracking, messages []byte) error {
	if err := json.Unmarshal(assigned, &a.AssignedResponders); err != nil {
		return err
	}
	if err := json.Unmarshal(tracking, &a.Tracking); err != nil {
		return err
	}
	return json.Unmarshal(messages, &a.Messages)
}

// PostgresResponderStore keeps one row per responder. The compound
// (status, last_ping) index in the migration supports the matcher's
// recency ordering.
type PostgresResponderStore struct {
	db *sql.DB
}

func NewPostgresResponderStore(p *PostgresStore) *PostgresResponderStore {
	return &PostgresResponderStore{db: p.db}
}

func (p *PostgresResponderStore) Get(ctx context.Context, id string) (*models.ResponderAvailability, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT responder_id, status, lon, lat, location_updated_at, assigned_alert_id, last_ping, vehicle_type, is_active
		 FROM responders WHERE responder_id=$1`, id)
	var r models.ResponderAvailability
	var lon, lat sql.NullFloat64
	var locUpdated, lastPing sql.NullTime
	var alertID sql.NullString
	err := row.Scan(&r.ResponderID, &r.Status, &lon, &lat, &locUpdated, &alertID, &lastPing, &r.VehicleType, &r.IsActive)
	if err == sql.ErrNoRows {
		return nil, faults.NotFound("responder", id)
	}
	if err != nil {
		return nil, err
	}
	if lon.Valid && lat.Valid {
		r.CurrentLocation = &models.Coord{Lon: lon.Float64, Lat: lat.Float64}
	}
	if locUpdated.Valid {
		r.LocationUpdatedAt = locUpdated.Time
	}
	if lastPing.Valid {
		r.LastPing = lastPing.Time
	}
	if alertID.Valid {
		r.AssignedAlertID = alertID.String
	}
	return &r, nil
}

func (p *PostgresResponderStore) Upsert(ctx context.Context, r *models.ResponderAvailability) error {
	var lon, lat any
	if r.CurrentLocation != nil {
		lon, lat = r.CurrentLocation.Lon, r.CurrentLocation.Lat
	}
	var alertID any
	if r.AssignedAlertID != "" {
		alertID = r.AssignedAlertID
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO responders(responder_id, status, lon, lat, location_updated_at, assigned_alert_id, last_ping, vehicle_type, is_active)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (responder_id) DO UPDATE SET status=$2, lon=$3, lat=$4, location_updated_at=$5,
			assigned_alert_id=$6, last_ping=$7, vehicle_type=$8, is_active=$9`,
		r.ResponderID, r.Status, lon, lat, r.LocationUpdatedAt, alertID, r.LastPing, r.VehicleType, r.IsActive)
	return err
}

func (p *PostgresResponderStore) Claim(ctx context.Context, responderID, alertID string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE responders SET status='busy', assigned_alert_id=$2
		 WHERE responder_id=$1 AND status='available' AND is_active`,
		responderID, alertID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *PostgresResponderStore) Release(ctx context.Context, responderID, alertID string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE responders SET status='available', assigned_alert_id=NULL
		 WHERE responder_id=$1 AND status='busy' AND assigned_alert_id=$2`,
		responderID, alertID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *PostgresResponderStore) RecordPing(ctx context.Context, ping *models.ResponderPing) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO responders(responder_id, status, lon, lat, location_updated_at, last_ping, vehicle_type, is_active)
		 VALUES($1,'available',$2,$3,$4,$4,$5,$6)
		 ON CONFLICT (responder_id) DO UPDATE SET lon=$2, lat=$3, location_updated_at=$4, last_ping=$4,
			vehicle_type=COALESCE(NULLIF($5,''), responders.vehicle_type), is_active=$6`,
		ping.ResponderID, ping.Coord.Lon, ping.Coord.Lat, ping.PingedAt, ping.VehicleType, ping.IsActive)
	return err
}

func (p *PostgresResponderStore) SetLocation(ctx context.Context, id string, c models.Coord, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE responders SET lon=$2, lat=$3, location_updated_at=$4, last_ping=$4 WHERE responder_id=$1`,
		id, c.Lon, c.Lat, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.NotFound("responder", id)
	}
	return nil
}

// PostgresTrustedLocationStore persists trusted zones.
type PostgresTrustedLocationStore struct {
	db *sql.DB
}

func NewPostgresTrustedLocationStore(p *PostgresStore) *PostgresTrustedLocationStore {
	return &PostgresTrustedLocationStore{db: p.db}
}

func (p *PostgresTrustedLocationStore) Insert(ctx context.Context, tl *models.TrustedLocation) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO trusted_locations(id, user_id, name, lon, lat, radius_m, is_home, is_work, notes, address, map_url, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		tl.ID, tl.UserID, tl.Name, tl.Center.Lon, tl.Center.Lat, tl.RadiusM,
		tl.IsHome, tl.IsWork, tl.Notes, tl.Address, tl.MapURL, tl.CreatedAt, tl.UpdatedAt)
	return err
}

func (p *PostgresTrustedLocationStore) Get(ctx context.Context, id string) (*models.TrustedLocation, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, lon, lat, radius_m, is_home, is_work, notes, address, map_url, created_at, updated_at
		 FROM trusted_locations WHERE id=$1`, id)
	var tl models.TrustedLocation
	err := row.Scan(&tl.ID, &tl.UserID, &tl.Name, &tl.Center.Lon, &tl.Center.Lat, &tl.RadiusM,
		&tl.IsHome, &tl.IsWork, &tl.Notes, &tl.Address, &tl.MapURL, &tl.CreatedAt, &tl.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, faults.NotFound("trusted location", id)
	}
	if err != nil {
		return nil, err
	}
	return &tl, nil
}

func (p *PostgresTrustedLocationStore) Update(ctx context.Context, tl *models.TrustedLocation) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE trusted_locations SET name=$2, lon=$3, lat=$4, radius_m=$5, is_home=$6, is_work=$7,
			notes=$8, address=$9, map_url=$10, updated_at=$11 WHERE id=$1`,
		tl.ID, tl.Name, tl.Center.Lon, tl.Center.Lat, tl.RadiusM, tl.IsHome, tl.IsWork,
		tl.Notes, tl.Address, tl.MapURL, tl.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.NotFound("trusted location", tl.ID)
	}
	return nil
}

func (p *PostgresTrustedLocationStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM trusted_locations WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.NotFound("trusted location", id)
	}
	return nil
}

func (p *PostgresTrustedLocationStore) ListByUser(ctx context.Context, userID string) ([]models.TrustedLocation, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, user_id, name, lon, lat, radius_m, is_home, is_work, notes, address, map_url, created_at, updated_at
		 FROM trusted_locations WHERE user_id=$1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.TrustedLocation{}
	for rows.Next() {
		var tl models.TrustedLocation
		if err := rows.Scan(&tl.ID, &tl.UserID, &tl.Name, &tl.Center.Lon, &tl.Center.Lat, &tl.RadiusM,
			&tl.IsHome, &tl.IsWork, &tl.Notes, &tl.Address, &tl.MapURL, &tl.CreatedAt, &tl.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, tl)
	}
	return out, rows.Err()
}

// PostgresHistoryStore appends location pings.
type PostgresHistoryStore struct {
	db *sql.DB
}

func NewPostgresHistoryStore(p *PostgresStore) *PostgresHistoryStore {
	return &PostgresHistoryStore{db: p.db}
}

func (p *PostgresHistoryStore) Append(ctx context.Context, rec *models.LocationHistoryRecord) error {
	var alertID any
	if rec.AlertID != "" {
		alertID = rec.AlertID
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO location_history(id, subject_id, role, alert_id, lon, lat, accuracy_m, battery_pct, recorded_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.ID, rec.SubjectID, rec.Role, alertID, rec.Coord.Lon, rec.Coord.Lat,
		rec.AccuracyM, rec.BatteryPct, rec.RecordedAt)
	return err
}

// PostgresUserStore upserts last-known user locations.
type PostgresUserStore struct {
	db *sql.DB
}

func NewPostgresUserStore(p *PostgresStore) *PostgresUserStore {
	return &PostgresUserStore{db: p.db}
}

func (p *PostgresUserStore) SetLastKnownLocation(ctx context.Context, userID string, c models.Coord, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO user_locations(user_id, lon, lat, updated_at) VALUES($1,$2,$3,$4)
		 ON CONFLICT (user_id) DO UPDATE SET lon=$2, lat=$3, updated_at=$4`,
		userID, c.Lon, c.Lat, at)
	return err
}
