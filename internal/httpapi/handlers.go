package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/alert-dispatch/internal/config"
	"github.com/example/alert-dispatch/internal/dispatch"
	"github.com/example/alert-dispatch/internal/faults"
	"github.com/example/alert-dispatch/internal/geo"
	"github.com/example/alert-dispatch/internal/geocoder"
	"github.com/example/alert-dispatch/internal/geofence"
	"github.com/example/alert-dispatch/internal/ingest"
	"github.com/example/alert-dispatch/internal/lifecycle"
	"github.com/example/alert-dispatch/internal/logging"
	"github.com/example/alert-dispatch/internal/matcher"
	"github.com/example/alert-dispatch/internal/models"
	"github.com/example/alert-dispatch/internal/storage"
	"github.com/example/alert-dispatch/internal/tracker"
)

// Server is the HTTP transport over the dispatch core. The interesting
// decisions all live below it; handlers only decode, delegate and encode.
type Server struct {
	Lifecycle  *lifecycle.Manager
	Tracker    *tracker.Tracker
	Geofence   *geofence.Service
	Responders storage.ResponderStore
	Index      geo.Index
	Kafka      *ingest.KafkaProducer
	WSReg      *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the core from configuration: Postgres and Redis when
// configured, in-memory fallbacks otherwise.
func NewServer(cfg config.ServerConfig) *Server {
	logger := logging.NewLogger(cfg.LogLevel)

	var (
		alerts  storage.AlertStore
		resp    storage.ResponderStore
		trusted storage.TrustedLocationStore
		history storage.HistoryStore
		users   storage.UserStore
	)
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			alerts = ps
			resp = storage.NewPostgresResponderStore(ps)
			trusted = storage.NewPostgresTrustedLocationStore(ps)
			history = storage.NewPostgresHistoryStore(ps)
			users = storage.NewPostgresUserStore(ps)
		} else {
			logger.Error("postgres unavailable, using memory stores", "error", err)
		}
	}
	if alerts == nil {
		alerts = storage.NewMemoryAlertStore()
		resp = storage.NewMemoryResponderStore()
		trusted = storage.NewMemoryTrustedLocationStore()
		history = storage.NewMemoryHistoryStore()
		users = storage.NewMemoryUserStore()
	}

	var index geo.Index
	if cfg.RedisAddr != "" {
		index = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		index = geo.NewMemoryIndex()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	var gc geocoder.Client
	if cfg.GeocoderEndpoint != "" {
		gc = geocoder.NewHTTPClient(cfg.GeocoderEndpoint)
	}

	wsreg := dispatch.NewWSRegistry()
	var notifier dispatch.Notifier
	if cfg.PushEndpoint != "" {
		notifier = dispatch.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey, wsreg)
	} else {
		notifier = &dispatch.LogNotifier{Logger: logger}
	}

	locks := lifecycle.NewKeyMutex()
	gf := &geofence.Service{Store: trusted, Geocoder: gc, Logger: logger}
	m := &matcher.Service{
		Index:         index,
		Responders:    resp,
		Logger:        logger,
		MaxCandidates: cfg.MaxCandidates,
		MaxDistanceM:  cfg.MaxDistanceM,
	}
	lm := &lifecycle.Manager{
		Alerts:     alerts,
		Responders: resp,
		Users:      users,
		Matcher:    m,
		Geofence:   gf,
		Geocoder:   gc,
		Notifier:   notifier,
		Logger:     logger,
		Locks:      locks,
	}
	tk := &tracker.Tracker{
		Alerts:              alerts,
		Responders:          resp,
		Users:               users,
		History:             history,
		Index:               index,
		Notifier:            notifier,
		Logger:              logger,
		Locks:               locks,
		ProximityThresholdM: cfg.ProximityThresholdM,
	}

	s := &Server{
		Lifecycle:  lm,
		Tracker:    tk,
		Geofence:   gf,
		Responders: resp,
		Index:      index,
		Kafka:      kp,
		WSReg:      wsreg,
		logger:     logger,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/alerts", s.handleCreateAlert).Methods("POST")
	s.mux.HandleFunc("/api/v1/alerts/{id}/status", s.handleTransition).Methods("PATCH")
	s.mux.HandleFunc("/api/v1/alerts/{id}/responders/{responder_id}", s.handleAssignmentStatus).Methods("PATCH")
	s.mux.HandleFunc("/api/v1/alerts/{id}", s.handleDeleteAlert).Methods("DELETE")
	s.mux.HandleFunc("/api/v1/alerts/{id}/tracking", s.handleLiveTracking).Methods("GET")
	s.mux.HandleFunc("/api/v1/locations", s.handleLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/geofence/evaluate", s.handleEvaluate).Methods("POST")
	s.mux.HandleFunc("/api/v1/trusted-locations", s.handleAddTrusted).Methods("POST")
	s.mux.HandleFunc("/api/v1/trusted-locations", s.handleListTrusted).Methods("GET")
	s.mux.HandleFunc("/api/v1/trusted-locations/{id}", s.handleUpdateTrusted).Methods("PUT")
	s.mux.HandleFunc("/api/v1/trusted-locations/{id}", s.handleDeleteTrusted).Methods("DELETE")
	s.mux.HandleFunc("/internal/responder/locations", s.handleResponderPing).Methods("POST")
	s.mux.HandleFunc("/ws/responders/{responder_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var in lifecycle.CreateAlertInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	alert, err := s.Lifecycle.CreateAlert(r.Context(), in)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status      models.AlertStatus `json:"status"`
		ResponderID string             `json:"responder_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	alert, err := s.Lifecycle.TransitionStatus(r.Context(), mux.Vars(r)["id"], body.Status, body.ResponderID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAssignmentStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.AssignmentStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	vars := mux.Vars(r)
	alert, err := s.Lifecycle.AddAssignmentStatus(r.Context(), vars["id"], vars["responder_id"], body.Status)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if err := s.Lifecycle.DeleteAlert(r.Context(), mux.Vars(r)["id"], userID); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLiveTracking(w http.ResponseWriter, r *http.Request) {
	subjectID := r.Header.Get("X-Subject-ID")
	snap, err := s.Tracker.GetLiveTracking(r.Context(), mux.Vars(r)["id"], subjectID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var in tracker.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.Tracker.UpdateLocation(r.Context(), in)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string       `json:"user_id"`
		Coord  models.Coord `json:"coord"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.Geofence.Evaluate(r.Context(), body.UserID, body.Coord)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAddTrusted(w http.ResponseWriter, r *http.Request) {
	var in geofence.AddInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tl, err := s.Geofence.Add(r.Context(), r.Header.Get("X-User-ID"), in)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tl)
}

func (s *Server) handleUpdateTrusted(w http.ResponseWriter, r *http.Request) {
	var in geofence.AddInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tl, err := s.Geofence.Update(r.Context(), r.Header.Get("X-User-ID"), mux.Vars(r)["id"], in)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

func (s *Server) handleDeleteTrusted(w http.ResponseWriter, r *http.Request) {
	if err := s.Geofence.Delete(r.Context(), r.Header.Get("X-User-ID"), mux.Vars(r)["id"]); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTrusted(w http.ResponseWriter, r *http.Request) {
	list, err := s.Geofence.List(r.Context(), r.Header.Get("X-User-ID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleResponderPing ingests a responder heartbeat: publish to Kafka when a
// broker is configured, and fold into the store and geo index directly so a
// single-node run works without the pipeline.
func (s *Server) handleResponderPing(w http.ResponseWriter, r *http.Request) {
	var p models.ResponderPing
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.ResponderID == "" {
		s.writeErr(w, faults.Invalid("responder_id", "must not be empty"))
		return
	}
	if err := p.Coord.Validate(); err != nil {
		s.writeErr(w, err)
		return
	}
	if p.PingedAt.IsZero() {
		p.PingedAt = time.Now()
	}

	if s.Kafka != nil {
		if err := s.Kafka.PublishPing(p); err != nil {
			s.logger.Warn("kafka publish failed", "responder", p.ResponderID, "error", err)
		}
	}
	if err := ApplyPing(r.Context(), s.Responders, s.Index, p); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ApplyPing folds one responder ping into the availability store and the geo
// index. Shared with the consumer pipeline. The store write goes through
// RecordPing, which only touches location and metadata fields: a ping racing
// a matcher claim must never flip the row back to available.
func ApplyPing(ctx context.Context, store storage.ResponderStore, index geo.Index, p models.ResponderPing) error {
	if err := store.RecordPing(ctx, &p); err != nil {
		return err
	}
	return index.Upsert(ctx, p.ResponderID, p.Coord)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["responder_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var (
		ve *faults.ValidationError
		nf *faults.NotFoundError
		fb *faults.ForbiddenError
		it *faults.InvalidTransitionError
	)
	switch {
	case errors.As(err, &ve):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &nf):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &fb):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.As(err, &it):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
