package trunk

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultAssignmentTTL is how long a trunk reservation lives without a
// keep-alive before it is auto-released.
const DefaultAssignmentTTL = 120 * time.Second

var (
	// ErrNoTrunkAvailable is returned by Assign when the user owns no trunk
	// with free capacity.
	ErrNoTrunkAvailable = errors.New("no trunk available")
	// ErrAssignmentNotFound is returned for operations on an unknown or
	// already-released assignment.
	ErrAssignmentNotFound = errors.New("assignment not found")
)

// Assignment is a live reservation of one trunk for one tenant. Trunk is a
// snapshot taken at assign time and refreshed on inventory updates; it never
// aliases the store's inventory.
type Assignment struct {
	ID         string
	UserToken  string
	TrunkID    string
	Trunk      Trunk
	AssignedAt time.Time
	ExpiresAt  time.Time
}

// assignmentEntry is the store-internal record behind an Assignment.
type assignmentEntry struct {
	Assignment
	timer *time.Timer
}

// Stats is an aggregate snapshot of the store for the list endpoint and metrics.
type Stats struct {
	Users           int            `json:"users"`
	Trunks          int            `json:"trunks"`
	LiveAssignments int            `json:"live_assignments"`
	Usage           map[string]int `json:"usage"`
}

// Store tracks the trunk inventory per user token, live assignments with a
// sliding TTL, and per-trunk usage counters. All methods are safe for
// concurrent use.
type Store struct {
	logger *slog.Logger
	ttl    time.Duration

	mu          sync.RWMutex
	inventory   map[string][]Trunk // normalized user token -> owned trunks
	usage       map[string]int     // trunk ID -> live assignment count
	assignments map[string]*assignmentEntry
	closed      bool
}

// NewStore creates an empty trunk store with the default assignment TTL.
func NewStore(logger *slog.Logger) *Store {
	return NewStoreWithTTL(DefaultAssignmentTTL, logger)
}

// NewStoreWithTTL creates an empty trunk store with a caller-chosen TTL.
// Tests use sub-second TTLs.
func NewStoreWithTTL(ttl time.Duration, logger *slog.Logger) *Store {
	return &Store{
		logger:      logger.With("subsystem", "trunk-store"),
		ttl:         ttl,
		inventory:   make(map[string][]Trunk),
		usage:       make(map[string]int),
		assignments: make(map[string]*assignmentEntry),
	}
}

// UpdateInventory replaces the per-user trunk inventory wholesale. Live
// assignments whose trunk survives get their snapshot refreshed; assignments
// whose trunk vanished are logged as invalidated but left in place until
// release or TTL expiry. Usage counters for vanished trunks are dropped.
func (s *Store) UpdateInventory(usersToTrunks map[string][]Trunk) {
	normalized := make(map[string][]Trunk, len(usersToTrunks))
	present := make(map[string]Trunk)
	trunkCount := 0
	for token, trunks := range usersToTrunks {
		owned := make([]Trunk, 0, len(trunks))
		for _, t := range trunks {
			c := t.clone()
			owned = append(owned, c)
			present[c.ID] = c
			trunkCount++
		}
		normalized[NormalizeToken(token)] = owned
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.inventory = normalized

	refreshed, invalidated := 0, 0
	for _, entry := range s.assignments {
		if t, ok := present[entry.TrunkID]; ok {
			entry.Trunk = t.clone()
			refreshed++
			continue
		}
		invalidated++
		s.logger.Warn("assignment invalidated: trunk no longer in inventory",
			"assignment_id", entry.ID,
			"trunk_id", entry.TrunkID,
		)
	}

	for id := range s.usage {
		if _, ok := present[id]; !ok {
			delete(s.usage, id)
		}
	}

	s.logger.Info("trunk inventory updated",
		"users", len(normalized),
		"trunks", trunkCount,
		"assignments_refreshed", refreshed,
		"assignments_invalidated", invalidated,
	)
}

// FindAvailable scans the user's trunks in inventory order and returns the
// first with free capacity.
func (s *Store) FindAvailable(userToken string) (Trunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.findAvailableLocked(NormalizeToken(userToken))
	if !ok {
		return Trunk{}, false
	}
	return t.clone(), true
}

func (s *Store) findAvailableLocked(token string) (Trunk, bool) {
	for _, t := range s.inventory[token] {
		limit := t.UsageCap()
		if limit == 0 || s.usage[t.ID] < limit {
			return t, true
		}
	}
	return Trunk{}, false
}

// Assign reserves a trunk for the user: the first owned trunk under its
// usage cap. The reservation expires after the TTL unless kept alive.
func (s *Store) Assign(userToken string) (Assignment, error) {
	token := NormalizeToken(userToken)

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.findAvailableLocked(token)
	if !ok {
		return Assignment{}, ErrNoTrunkAvailable
	}

	now := time.Now()
	entry := &assignmentEntry{
		Assignment: Assignment{
			ID:         uuid.NewString(),
			UserToken:  token,
			TrunkID:    t.ID,
			Trunk:      t.clone(),
			AssignedAt: now,
			ExpiresAt:  now.Add(s.ttl),
		},
	}

	s.usage[t.ID]++
	s.assignments[entry.ID] = entry
	if !s.closed {
		id := entry.ID
		entry.timer = time.AfterFunc(s.ttl, func() { s.expire(id) })
	}

	s.logger.Info("trunk assigned",
		"assignment_id", entry.ID,
		"trunk_id", t.ID,
		"usage", s.usage[t.ID],
	)
	return entry.Assignment, nil
}

// KeepAlive re-arms the assignment's TTL from now.
func (s *Store) KeepAlive(assignmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.assignments[assignmentID]
	if !ok {
		return ErrAssignmentNotFound
	}

	now := time.Now()
	entry.AssignedAt = now
	entry.ExpiresAt = now.Add(s.ttl)
	if entry.timer != nil {
		entry.timer.Reset(s.ttl)
	}
	return nil
}

// Lookup returns a copy of the assignment.
func (s *Store) Lookup(assignmentID string) (Assignment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.assignments[assignmentID]
	if !ok {
		return Assignment{}, false
	}
	a := entry.Assignment
	a.Trunk = entry.Trunk.clone()
	return a, true
}

// Release frees the assignment and decrements the trunk's usage counter.
// Explicit release and TTL expiry are idempotent and indistinguishable in
// effect.
func (s *Store) Release(assignmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.assignments[assignmentID]
	if !ok {
		return ErrAssignmentNotFound
	}
	s.releaseLocked(entry, "released")
	return nil
}

// expire is the TTL timer callback.
func (s *Store) expire(assignmentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.assignments[assignmentID]
	if !ok {
		return
	}
	// A keep-alive may have re-armed the timer after this callback was
	// already dispatched; the refreshed deadline tells the fires apart.
	if time.Now().Before(entry.ExpiresAt) {
		return
	}
	s.releaseLocked(entry, "expired")
}

func (s *Store) releaseLocked(entry *assignmentEntry, reason string) {
	delete(s.assignments, entry.ID)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	// Usage entries are pruned when a trunk leaves the inventory; releasing
	// an invalidated assignment must not resurrect or underflow the counter.
	if u, ok := s.usage[entry.TrunkID]; ok && u > 0 {
		s.usage[entry.TrunkID] = u - 1
	}

	s.logger.Info("trunk assignment "+reason,
		"assignment_id", entry.ID,
		"trunk_id", entry.TrunkID,
		"usage", s.usage[entry.TrunkID],
	)
}

// Stats returns an aggregate snapshot for the list endpoint and metrics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trunks := 0
	for _, owned := range s.inventory {
		trunks += len(owned)
	}
	usage := make(map[string]int, len(s.usage))
	for id, n := range s.usage {
		usage[id] = n
	}
	return Stats{
		Users:           len(s.inventory),
		Trunks:          trunks,
		LiveAssignments: len(s.assignments),
		Usage:           usage,
	}
}

// LiveAssignments returns the number of live assignments.
func (s *Store) LiveAssignments() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.assignments)
}

// UsagePerTrunk returns a snapshot of the per-trunk usage counters.
func (s *Store) UsagePerTrunk() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	usage := make(map[string]int, len(s.usage))
	for id, n := range s.usage {
		usage[id] = n
	}
	return usage
}

// Close stops all assignment timers. The store rejects no further calls but
// newly created assignments will not auto-expire.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for _, entry := range s.assignments {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
}
