// Package flowstore implements the per-project Flow Store: a bounded,
// insertion-ordered collection of observed flows with memory-budget
// eviction and reactive event streams (spec.md §4.3).
package flowstore

import (
	"sync"
	"time"

	"github.com/R3E-Network/interceptorhub/internal/flow"
	"github.com/R3E-Network/interceptorhub/pkg/logger"
)

// Config bounds one Store's retention (spec.md §4.3 design defaults).
type Config struct {
	MaxFlows int           // hard count limit, default 200
	MaxBytes int64         // soft memory budget, default 50MB
	MaxAge   time.Duration // age threshold for budget eviction, default 1h
}

// DefaultConfig returns the design defaults.
func DefaultConfig() Config {
	return Config{MaxFlows: 200, MaxBytes: 50 * 1024 * 1024, MaxAge: time.Hour}
}

type entry struct {
	flow       *flow.Flow
	insertedAt time.Time
}

// Store holds the N most recent flows under a soft memory budget for one
// project.
type Store struct {
	mu         sync.Mutex
	order      []string
	entries    map[string]*entry
	totalBytes int64
	paused     int
	cfg        Config
	broker     *broker
	log        *logger.Logger

	now func() time.Time
}

// New constructs an empty Store bounded by cfg.
func New(cfg Config, log *logger.Logger) *Store {
	if cfg.MaxFlows <= 0 {
		cfg.MaxFlows = 200
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 50 * 1024 * 1024
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	if log == nil {
		log = logger.NewDefault("flowstore")
	}
	return &Store{
		entries: make(map[string]*entry),
		cfg:     cfg,
		broker:  newBroker(),
		log:     log,
		now:     time.Now,
	}
}

// Add inserts a new flow or replaces an existing one by id (spec.md §4.3).
// It is infallible: on an internal inconsistency it logs and drops the
// entry rather than panicking (spec.md §7 "Store inconsistency").
func (s *Store) Add(f *flow.Flow) {
	if f == nil || f.ID == "" {
		s.log.WithField("reason", "nil or empty flow id").Warn("flowstore: dropped inconsistent add")
		return
	}
	cp := f.Clone()

	s.mu.Lock()
	_, existed := s.entries[cp.ID]
	if existed {
		old := s.entries[cp.ID]
		s.totalBytes -= old.flow.EstimatedBytes()
		if old.flow.Paused {
			s.paused--
		}
		old.flow = cp
		old.insertedAt = s.now()
	} else {
		s.entries[cp.ID] = &entry{flow: cp, insertedAt: s.now()}
		s.order = append(s.order, cp.ID)
	}
	s.totalBytes += cp.EstimatedBytes()
	if cp.Paused {
		s.paused++
	}

	s.enforceHardCountLocked()
	s.enforceMemoryBudgetLocked()
	s.mu.Unlock()

	if existed {
		s.broker.publishUpdated(cp.Clone())
	} else {
		s.broker.publishAdded(cp.Clone())
	}
}

// enforceHardCountLocked drops the oldest flows until the count is legal.
// Caller holds s.mu.
func (s *Store) enforceHardCountLocked() {
	for len(s.order) > s.cfg.MaxFlows {
		s.evictOldestLocked()
	}
}

// enforceMemoryBudgetLocked evicts flows older than MaxAge, oldest first,
// until the estimated byte total is within budget or no more flows are
// eligible (the budget is soft: it may remain exceeded by flows too young
// to evict). Runs after hard-count enforcement, per spec.md §4.3.
func (s *Store) enforceMemoryBudgetLocked() {
	if s.totalBytes <= s.cfg.MaxBytes {
		return
	}
	cutoff := s.now().Add(-s.cfg.MaxAge)
	for len(s.order) > 0 && s.totalBytes > s.cfg.MaxBytes {
		oldestID := s.order[0]
		e := s.entries[oldestID]
		if e.insertedAt.After(cutoff) {
			break // remaining flows are all too young to evict
		}
		s.evictOldestLocked()
	}
}

// evictOldestLocked removes the single oldest flow. Caller holds s.mu.
func (s *Store) evictOldestLocked() {
	if len(s.order) == 0 {
		return
	}
	id := s.order[0]
	s.order = s.order[1:]
	e := s.entries[id]
	delete(s.entries, id)
	s.totalBytes -= e.flow.EstimatedBytes()
	if e.flow.Paused {
		s.paused--
	}
}

// Sweep runs the memory-budget eviction pass outside of Add, for the
// maintenance scheduler (SPEC_FULL.md §1.3) to call periodically as a
// safety net when a project has gone quiet. Logically identical to the
// pass that runs inline during Add.
func (s *Store) Sweep() {
	s.mu.Lock()
	s.enforceMemoryBudgetLocked()
	s.mu.Unlock()
}

// Clear drops all flows and emits a Cleared event.
func (s *Store) Clear() {
	s.mu.Lock()
	s.order = nil
	s.entries = make(map[string]*entry)
	s.totalBytes = 0
	s.paused = 0
	s.mu.Unlock()

	s.broker.publishCleared()
}

// All returns a snapshot of flows in insertion order.
func (s *Store) All() []*flow.Flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*flow.Flow, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].flow.Clone())
	}
	return out
}

// Get returns one flow by id.
func (s *Store) Get(id string) (*flow.Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.flow.Clone(), true
}

// Stats reports the Store's current occupancy.
type Stats struct {
	Count       int
	Bytes       int64
	PausedCount int
}

// Stats returns the Store's current occupancy counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Count: len(s.order), Bytes: s.totalBytes, PausedCount: s.paused}
}

// Observe returns a Subscription carrying the three reactive event
// streams. Call Cancel when done to release the subscriber's buffers.
func (s *Store) Observe() *Subscription {
	return s.broker.subscribe()
}
