// Package call tracks per-call IVR metadata for the lifetime of a call.
package call

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweep cadence and the age past which unreleased records are discarded.
const (
	DefaultMaxAge        = 15 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

// Gather stages for two-gather campaigns.
const (
	GatherStageFirst  = "first"
	GatherStageSecond = "second"
)

// Data is the metadata kept per call. State names the IVR step the call is
// currently on. SelectedOption and GatherStage are set as the dialogue
// progresses and stay empty until then.
type Data struct {
	CallID         string
	State          string
	Campaign       string
	CreatedAt      time.Time
	SelectedOption string
	GatherStage    string
}

// Store is a keyed store of call metadata. Calls are normally removed on
// hangup; a background sweeper reaps records whose call never reached a
// clean end.
type Store struct {
	logger        *slog.Logger
	maxAge        time.Duration
	sweepInterval time.Duration

	mu    sync.RWMutex
	calls map[string]*Data
}

// NewStore creates a call store with the default sweep settings.
func NewStore(logger *slog.Logger) *Store {
	return NewStoreWithConfig(DefaultMaxAge, DefaultSweepInterval, logger)
}

// NewStoreWithConfig creates a call store with explicit age and sweep
// settings.
func NewStoreWithConfig(maxAge, sweepInterval time.Duration, logger *slog.Logger) *Store {
	return &Store{
		logger:        logger.With("subsystem", "call-store"),
		maxAge:        maxAge,
		sweepInterval: sweepInterval,
		calls:         make(map[string]*Data),
	}
}

// Save records a new call, overwriting any record under the same id.
func (s *Store) Save(id, state, campaign string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[id] = &Data{
		CallID:    id,
		State:     state,
		Campaign:  campaign,
		CreatedAt: time.Now(),
	}
}

// Update applies fn to the record for id while holding the store lock, so
// updates to one call never interleave. It reports whether the record
// existed; a missing record is a no-op.
func (s *Store) Update(id string, fn func(*Data)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.calls[id]
	if !ok {
		return false
	}
	fn(d)
	return true
}

// Get returns a snapshot of the record for id.
func (s *Store) Get(id string) (Data, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.calls[id]
	if !ok {
		return Data{}, false
	}
	return *d, true
}

// Delete removes the record for id. Deleting an unknown id is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calls, id)
}

// Len returns the number of tracked calls.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.calls)
}

// Run sweeps expired records on a fixed cadence until the context ends.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	cutoff := time.Now().Add(-s.maxAge)

	s.mu.Lock()
	removed := 0
	for id, d := range s.calls {
		if d.CreatedAt.Before(cutoff) {
			delete(s.calls, id)
			removed++
		}
	}
	remaining := len(s.calls)
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Info("swept stale call records",
			"removed", removed,
			"remaining", remaining,
		)
	}
}
