// Package push delivers per-call status messages to websocket subscribers.
package push

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultCloseDelay is how long a session stays open after its terminal
	// message, giving the subscriber time to read it.
	DefaultCloseDelay = 5 * time.Second

	writeTimeout = 5 * time.Second
)

// ErrSessionExists is returned when a socket is already attached for the
// call id.
var ErrSessionExists = errors.New("push session already open")

// session holds at most one open socket per call. pending buffers the latest
// undelivered payload while no socket is attached.
type session struct {
	conn       *websocket.Conn
	pending    any
	closeTimer *time.Timer
}

// Registry tracks push sessions keyed by call id. Sends to a call without an
// attached socket buffer the most recent payload, flushed on connect.
type Registry struct {
	logger     *slog.Logger
	closeDelay time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// NewRegistry creates a registry with the default terminal close delay.
func NewRegistry(logger *slog.Logger) *Registry {
	return NewRegistryWithCloseDelay(DefaultCloseDelay, logger)
}

// NewRegistryWithCloseDelay creates a registry with an explicit terminal
// close delay.
func NewRegistryWithCloseDelay(closeDelay time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		logger:     logger.With("subsystem", "push-registry"),
		closeDelay: closeDelay,
		sessions:   make(map[string]*session),
	}
}

// Attach binds conn as the subscriber for callID and flushes any buffered
// payload. A second socket for a call whose session is still open is
// rejected with ErrSessionExists; the caller keeps ownership of the rejected
// conn.
func (r *Registry) Attach(callID string, conn *websocket.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[callID]
	if ok && s.conn != nil {
		return ErrSessionExists
	}
	if !ok {
		s = &session{}
		r.sessions[callID] = s
	}
	s.conn = conn

	r.logger.Info("push session attached", "call_id", callID)

	if s.pending != nil {
		payload := s.pending
		s.pending = nil
		if err := r.writeLocked(callID, s, payload); err != nil {
			return err
		}
	}
	return nil
}

// Send delivers payload to callID's subscriber. Without an open socket the
// payload is buffered, replacing any earlier buffered one.
func (r *Registry) Send(callID string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[callID]
	if !ok {
		s = &session{}
		r.sessions[callID] = s
	}
	if s.conn == nil {
		s.pending = payload
		r.logger.Debug("push buffered, no subscriber", "call_id", callID)
		return nil
	}
	return r.writeLocked(callID, s, payload)
}

// writeLocked sends payload on s.conn. On failure the socket is dropped and
// the payload kept as pending for a reconnect.
func (r *Registry) writeLocked(callID string, s *session, payload any) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(payload); err != nil {
		r.logger.Warn("push write failed, dropping socket",
			"call_id", callID,
			"error", err,
		)
		s.conn.Close()
		s.conn = nil
		s.pending = payload
		return err
	}
	return nil
}

// Detach clears conn from callID's session if it is still the attached
// socket. The session itself survives so later sends buffer for a reconnect.
func (r *Registry) Detach(callID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[callID]
	if !ok || s.conn != conn {
		return
	}
	s.conn = nil
	r.logger.Info("push session detached", "call_id", callID)
}

// MarkTerminal sends the final payload for callID and schedules the session
// close after the configured delay.
func (r *Registry) MarkTerminal(callID string, payload any) {
	if err := r.Send(callID, payload); err != nil {
		r.logger.Warn("terminal push failed", "call_id", callID, "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	if !ok {
		return
	}
	if s.closeTimer != nil {
		s.closeTimer.Stop()
	}
	s.closeTimer = time.AfterFunc(r.closeDelay, func() { r.Close(callID) })
}

// Close closes and forgets callID's session. Closing an unknown call is a
// no-op.
func (r *Registry) Close(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked(callID)
}

func (r *Registry) closeLocked(callID string) {
	s, ok := r.sessions[callID]
	if !ok {
		return
	}
	if s.closeTimer != nil {
		s.closeTimer.Stop()
	}
	if s.conn != nil {
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	}
	delete(r.sessions, callID)
	r.logger.Info("push session closed", "call_id", callID)
}

// Shutdown closes every session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for callID := range r.sessions {
		r.closeLocked(callID)
	}
}

// ActiveCalls lists call ids with an open socket.
func (r *Registry) ActiveCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.conn != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of tracked sessions, attached or pending.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
