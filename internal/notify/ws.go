// Package notify streams ride updates to the party's local UI over
// websockets. Escrow failures land here too so the user can decide
// between retry and cancel.
package notify

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-escrow/internal/models"
)

// Update is one message pushed to the UI.
type Update struct {
	Ride  models.RideID `json:"ride"`
	State models.State  `json:"state,omitempty"`
	Error string        `json:"error,omitempty"`
	Retry bool          `json:"retryable,omitempty"`
}

// Notifier is what the session publishes UI-relevant changes through.
type Notifier interface {
	RideUpdate(ride models.RideID, state models.State)
	EscrowFailure(ride models.RideID, msg string, retryable bool)
}

// Nop discards updates; used in tests and headless runs.
type Nop struct{}

func (Nop) RideUpdate(models.RideID, models.State)    {}
func (Nop) EscrowFailure(models.RideID, string, bool) {}

// WSSession wraps one connected UI client.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(u)
}

// WSRegistry holds connected UI sessions keyed by client id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(clientID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[clientID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, clientID)
}

func (r *WSRegistry) RideUpdate(ride models.RideID, state models.State) {
	r.broadcast(Update{Ride: ride, State: state})
}

func (r *WSRegistry) EscrowFailure(ride models.RideID, msg string, retryable bool) {
	r.broadcast(Update{Ride: ride, Error: msg, Retry: retryable})
}

func (r *WSRegistry) broadcast(u Update) {
	r.mu.RLock()
	sessions := make([]*WSSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		if err := s.send(u); err != nil {
			r.logger.Warn("ws send error", "error", err)
		}
	}
}
