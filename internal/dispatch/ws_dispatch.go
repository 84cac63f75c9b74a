package dispatch

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/alert-dispatch/internal/models"
)

// WSSession is one connected responder app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(intent models.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(intent)
}

// WSRegistry holds live responder sessions keyed by responder id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(responderID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[responderID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(responderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, responderID)
}

// Push delivers an intent to a connected responder, or ErrNoSession if the
// responder has no live socket.
func (r *WSRegistry) Push(responderID string, intent models.Intent) error {
	r.mu.RLock()
	s, ok := r.sessions[responderID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(intent); err != nil {
		log.Printf("ws send error: %v", err)
		return err
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
