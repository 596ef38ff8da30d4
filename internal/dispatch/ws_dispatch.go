package dispatch

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/fleet-allocation/internal/allocation"
)

var ErrNoSession = errors.New("no ws session")

// WSSession represents a connected driver session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds driver app sessions keyed by driver id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) *WSSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &WSSession{conn: conn}
	r.sessions[driverID] = s
	return s
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, driverID)
}

// Drop removes the driver's session only if it is still the given one,
// so a reconnect that already replaced it is left alone.
func (r *WSRegistry) Drop(driverID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[driverID] == s {
		delete(r.sessions, driverID)
	}
}

func (r *WSRegistry) Offer(driverID string, offer allocation.AssignmentOffer) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(offer)
}
