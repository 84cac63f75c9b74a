package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/alert-dispatch/internal/config"
	"github.com/example/alert-dispatch/internal/geo"
	"github.com/example/alert-dispatch/internal/models"
	"github.com/example/alert-dispatch/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.ServerConfig{
		MaxCandidates:       5,
		MaxDistanceM:        10000,
		ProximityThresholdM: 1000,
		LogLevel:            "error",
	}
	return NewServer(cfg)
}

func doJSON(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func pingResponder(t *testing.T, s *Server, id string, c models.Coord) {
	t.Helper()
	rr := doJSON(t, s, "POST", "/internal/responder/locations", map[string]any{
		"responder_id": id,
		"coord":        c,
		"vehicle_type": "car",
		"is_active":    true,
	}, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("ping %s: status %d body %s", id, rr.Code, rr.Body.String())
	}
}

func createAlert(t *testing.T, s *Server, userID string) models.Alert {
	t.Helper()
	rr := doJSON(t, s, "POST", "/api/v1/alerts", map[string]any{
		"user_id": userID,
		"type":    "panic",
		"location": map[string]any{
			"coord":      map[string]float64{"lon": -0.1181, "lat": 51.4988},
			"accuracy_m": 10,
		},
	}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create alert: status %d body %s", rr.Code, rr.Body.String())
	}
	var alert models.Alert
	if err := json.Unmarshal(rr.Body.Bytes(), &alert); err != nil {
		t.Fatalf("decode alert: %v", err)
	}
	return alert
}

func TestCreateAlertEndToEnd(t *testing.T) {
	s := newTestServer(t)
	pingResponder(t, s, "r1", models.Coord{Lon: -0.1181, Lat: 51.4990})

	alert := createAlert(t, s, "user1")
	if alert.Status != models.AlertActive {
		t.Fatalf("status = %s", alert.Status)
	}
	if len(alert.AssignedResponders) != 1 || alert.AssignedResponders[0].ResponderID != "r1" {
		t.Fatalf("assignments: %+v", alert.AssignedResponders)
	}
}

func TestCreateAlertRejectsInvalidBody(t *testing.T) {
	s := newTestServer(t)
	rr := doJSON(t, s, "POST", "/api/v1/alerts", map[string]any{
		"user_id": "user1",
		"type":    "panic",
		"location": map[string]any{
			"coord": map[string]float64{"lon": -200, "lat": 51},
		},
	}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d body %s", rr.Code, rr.Body.String())
	}
}

func TestTransitionStatusCodes(t *testing.T) {
	s := newTestServer(t)
	alert := createAlert(t, s, "user1")

	rr := doJSON(t, s, "PATCH", "/api/v1/alerts/missing/status", map[string]any{"status": "resolved"}, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing alert: status %d", rr.Code)
	}

	rr = doJSON(t, s, "PATCH", fmt.Sprintf("/api/v1/alerts/%s/status", alert.ID), map[string]any{"status": "resolved"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("resolve: status %d body %s", rr.Code, rr.Body.String())
	}
	var out models.Alert
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != models.AlertResolved || out.ResolvedAt == nil {
		t.Fatalf("unexpected alert: %+v", out)
	}

	// illegal move out of a terminal state maps to conflict
	rr = doJSON(t, s, "PATCH", fmt.Sprintf("/api/v1/alerts/%s/status", alert.ID), map[string]any{"status": "cancelled"}, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("terminal transition: status %d", rr.Code)
	}
}

func TestDeleteAlertAuthz(t *testing.T) {
	s := newTestServer(t)
	alert := createAlert(t, s, "user1")
	path := "/api/v1/alerts/" + alert.ID

	rr := doJSON(t, s, "DELETE", path, nil, map[string]string{"X-User-ID": "intruder"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("intruder delete: status %d", rr.Code)
	}
	rr = doJSON(t, s, "DELETE", path, nil, map[string]string{"X-User-ID": "user1"})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("owner delete: status %d", rr.Code)
	}
	rr = doJSON(t, s, "DELETE", path, nil, map[string]string{"X-User-ID": "user1"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: status %d", rr.Code)
	}
}

func TestLocationAndTrackingFlow(t *testing.T) {
	s := newTestServer(t)
	pingResponder(t, s, "r1", models.Coord{Lon: -0.0754, Lat: 51.5055})
	alert := createAlert(t, s, "user1")

	for _, body := range []map[string]any{
		{"subject_id": "user1", "role": "user", "coord": map[string]float64{"lon": -0.0877, "lat": 51.5079}, "alert_id": alert.ID},
		{"subject_id": "r1", "role": "responder", "coord": map[string]float64{"lon": -0.0754, "lat": 51.5055}, "alert_id": alert.ID},
	} {
		rr := doJSON(t, s, "POST", "/api/v1/locations", body, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("location: status %d body %s", rr.Code, rr.Body.String())
		}
	}

	rr := doJSON(t, s, "GET", fmt.Sprintf("/api/v1/alerts/%s/tracking", alert.ID), nil, map[string]string{"X-Subject-ID": "user1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("tracking: status %d body %s", rr.Code, rr.Body.String())
	}
	var tr models.Tracking
	if err := json.Unmarshal(rr.Body.Bytes(), &tr); err != nil {
		t.Fatalf("decode tracking: %v", err)
	}
	if tr.DistanceM <= 0 || tr.ETA == "" {
		t.Fatalf("snapshot not derived: %+v", tr)
	}

	rr = doJSON(t, s, "GET", fmt.Sprintf("/api/v1/alerts/%s/tracking", alert.ID), nil, map[string]string{"X-Subject-ID": "stranger"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("stranger tracking: status %d", rr.Code)
	}
}

func TestRequestIDEchoedOnResponse(t *testing.T) {
	s := newTestServer(t)
	rr := doJSON(t, s, "GET", "/healthz", nil, map[string]string{"X-Request-ID": "req-42"})
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", rr.Code)
	}
	if got := rr.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("expected caller request id echoed, got %q", got)
	}

	rr = doJSON(t, s, "GET", "/healthz", nil, nil)
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a minted request id")
	}
}

func TestApplyPingPreservesClaim(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryResponderStore()
	idx := geo.NewMemoryIndex()

	err := store.Upsert(ctx, &models.ResponderAvailability{
		ResponderID: "r1",
		Status:      models.ResponderAvailable,
		IsActive:    true,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if ok, _ := store.Claim(ctx, "r1", "alert-1"); !ok {
		t.Fatal("setup claim failed")
	}

	p := models.ResponderPing{
		ResponderID: "r1",
		Coord:       models.Coord{Lon: -0.0754, Lat: 51.5055},
		VehicleType: "car",
		IsActive:    true,
		PingedAt:    time.Now(),
	}
	if err := ApplyPing(ctx, store, idx, p); err != nil {
		t.Fatalf("apply ping: %v", err)
	}

	r, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.Status != models.ResponderBusy || r.AssignedAlertID != "alert-1" {
		t.Fatalf("ping clobbered the claim: %+v", r)
	}
	if r.CurrentLocation == nil || r.CurrentLocation.Lon != p.Coord.Lon || r.LastPing.IsZero() {
		t.Fatalf("ping data not recorded: %+v", r)
	}
	if r.VehicleType != "car" || !r.IsActive {
		t.Fatalf("metadata not recorded: %+v", r)
	}
}

func TestApplyPingCreatesAvailableRow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryResponderStore()
	idx := geo.NewMemoryIndex()

	p := models.ResponderPing{
		ResponderID: "fresh",
		Coord:       models.Coord{Lon: -0.0877, Lat: 51.5079},
		IsActive:    true,
		PingedAt:    time.Now(),
	}
	if err := ApplyPing(ctx, store, idx, p); err != nil {
		t.Fatalf("apply ping: %v", err)
	}
	r, err := store.Get(ctx, "fresh")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.Status != models.ResponderAvailable || r.AssignedAlertID != "" {
		t.Fatalf("expected fresh available row, got %+v", r)
	}
	pts, err := idx.Nearby(ctx, p.Coord, 100, 10)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(pts) != 1 || pts[0].ID != "fresh" {
		t.Fatalf("index not updated: %+v", pts)
	}
}

func TestTrustedLocationRoutes(t *testing.T) {
	s := newTestServer(t)
	owner := map[string]string{"X-User-ID": "user1"}

	rr := doJSON(t, s, "POST", "/api/v1/trusted-locations", map[string]any{
		"name":     "Home",
		"center":   map[string]float64{"lon": -0.1181, "lat": 51.4988},
		"radius_m": 150,
		"is_home":  true,
	}, owner)
	if rr.Code != http.StatusCreated {
		t.Fatalf("add: status %d body %s", rr.Code, rr.Body.String())
	}
	var tl models.TrustedLocation
	if err := json.Unmarshal(rr.Body.Bytes(), &tl); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rr = doJSON(t, s, "POST", "/api/v1/geofence/evaluate", map[string]any{
		"user_id": "user1",
		"coord":   map[string]float64{"lon": -0.1181, "lat": 51.4988},
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("evaluate: status %d", rr.Code)
	}
	var res struct {
		IsInside bool `json:"is_inside"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.IsInside {
		t.Fatal("expected point inside the new zone")
	}

	rr = doJSON(t, s, "PUT", "/api/v1/trusted-locations/"+tl.ID, map[string]any{
		"name":     "Home",
		"center":   map[string]float64{"lon": -0.1181, "lat": 51.4988},
		"radius_m": 150,
	}, map[string]string{"X-User-ID": "intruder"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("intruder update: status %d", rr.Code)
	}

	rr = doJSON(t, s, "DELETE", "/api/v1/trusted-locations/"+tl.ID, nil, owner)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", rr.Code)
	}
}
