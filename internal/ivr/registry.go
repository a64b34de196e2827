package ivr

import (
	"errors"
	"log/slog"
	"net/url"
	"sync"
)

// ErrSessionNotFound is returned when steering targets a channel with no
// live session.
var ErrSessionNotFound = errors.New("ivr: session not found")

// Registry tracks the live session per channel id.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger.With("subsystem", "ivr-registry"),
		sessions: make(map[string]*Session),
	}
}

// Register tracks s under its channel id.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	r.sessions[s.ChannelID()] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session registered", "channel_id", s.ChannelID(), "live", n)
}

// Get returns the session for channelID.
func (r *Registry) Get(channelID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[channelID]
	return s, ok
}

// Remove forgets the session for channelID.
func (r *Registry) Remove(channelID string) {
	r.mu.Lock()
	delete(r.sessions, channelID)
	n := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session removed", "channel_id", channelID, "live", n)
}

// Steer hot-swaps the action script of channelID's session. It implements
// the side-channel that validation decisions arrive on.
func (r *Registry) Steer(channelID, rawURL string, params url.Values) error {
	s, ok := r.Get(channelID)
	if !ok {
		return ErrSessionNotFound
	}
	s.SetAction(rawURL, params)
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// DestroyAll tears down every live session.
func (r *Registry) DestroyAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Destroy()
	}
}
