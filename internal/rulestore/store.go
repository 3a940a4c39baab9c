package rulestore

import (
	"context"
	"sync"

	"github.com/R3E-Network/interceptorhub/internal/hubderrors"
	"github.com/R3E-Network/interceptorhub/pkg/logger"
	"github.com/google/uuid"
)

// RuleRepository is the persistence collaborator opaque to the core
// (spec.md §6 "Persisted rule storage"). The Rule Store is its sole
// client; a nil repository degrades to a process-local store with no
// durability (spec.md §7 "Configuration" failure class).
type RuleRepository interface {
	LoadAll(ctx context.Context) ([]Rule, []Collection, error)
	SaveRule(ctx context.Context, r Rule) error
	DeleteRule(ctx context.Context, id string) error
	SaveCollection(ctx context.Context, c Collection) error
	DeleteCollection(ctx context.Context, id string) error
}

// Config bounds the Store's match-result cache.
type Config struct {
	CacheSize int // default 100
}

// DefaultConfig returns the design default cache size (spec.md §4.4).
func DefaultConfig() Config {
	return Config{CacheSize: 100}
}

// Store holds one project's mock rules and collections: a (method, host)
// index over every rule, enabled or not, and a bounded match-result cache
// invalidated wholesale on any mutation (spec.md §4.4, §5).
type Store struct {
	mu sync.RWMutex

	rules       map[string]Rule
	ruleOrder   []string
	collections map[string]Collection
	collOrder   []string

	index map[indexKey][]string // rule ids, insertion order, enabled-or-not

	cacheOrder []string
	cache      map[string]interface{}
	cacheSize  int

	repo   RuleRepository
	broker *broker
	log    *logger.Logger
}

// New constructs an empty Store. If repo is non-nil, Load must be called
// to populate it from persistence at startup.
func New(cfg Config, repo RuleRepository, log *logger.Logger) *Store {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 100
	}
	if log == nil {
		log = logger.NewDefault("rulestore")
	}
	return &Store{
		rules:       make(map[string]Rule),
		collections: make(map[string]Collection),
		index:       make(map[indexKey][]string),
		cache:       make(map[string]interface{}),
		cacheSize:   cfg.CacheSize,
		repo:        repo,
		broker:      newBroker(),
		log:         log,
	}
}

// Load populates the Store from the repository, if one is configured. A
// rule referencing an unknown collection is kept in storage but excluded
// from the index (spec.md §4.4 "Failure semantics"); a nil repository is
// a no-op (empty store, best-effort persistence).
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	rules, collections, err := s.repo.LoadAll(ctx)
	if err != nil {
		s.log.WithField("error", err.Error()).Warn("rulestore: load failed, starting empty")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range collections {
		s.collections[c.ID] = c
		s.collOrder = append(s.collOrder, c.ID)
	}
	for _, r := range rules {
		s.rules[r.ID] = r
		s.ruleOrder = append(s.ruleOrder, r.ID)
		if _, ok := s.collections[r.CollectionID]; !ok {
			s.log.WithField("rule_id", r.ID).WithField("collection_id", r.CollectionID).
				Warn("rulestore: rule references unknown collection, excluded from index")
			continue
		}
		s.indexLocked(r)
	}
	return nil
}

func (s *Store) indexLocked(r Rule) {
	key := newIndexKey(r.Method, r.Host)
	s.index[key] = append(s.index[key], r.ID)
}

func (s *Store) unindexLocked(r Rule) {
	key := newIndexKey(r.Method, r.Host)
	ids := s.index[key]
	for i, id := range ids {
		if id == r.ID {
			s.index[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// Candidates returns the insertion-ordered rule ids indexed under
// (method, host), regardless of enabled state — the caller (Mock Engine)
// applies the enabled/disabled and collection-enabled filters during the
// match scan (spec.md §4.4 "Match procedure").
func (s *Store) Candidates(method, host string) []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.index[newIndexKey(method, host)]
	out := make([]Rule, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.rules[id].Clone())
	}
	return out
}

// CollectionEnabled reports whether id names an enabled collection.
func (s *Store) CollectionEnabled(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[id]
	return ok && c.Enabled
}

// AddRule assigns an id if empty, persists, indexes, and invalidates the
// cache. Returns hubderrors.ErrCodeStoreUnknownColl if the rule's
// collection does not exist.
func (s *Store) AddRule(ctx context.Context, r Rule) (Rule, error) {
	s.mu.Lock()
	if _, ok := s.collections[r.CollectionID]; !ok {
		s.mu.Unlock()
		return Rule{}, hubderrors.New(hubderrors.ErrCodeStoreUnknownColl,
			"rule references unknown collection", 422).WithDetails("collection_id", r.CollectionID)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, exists := s.rules[r.ID]; exists {
		s.mu.Unlock()
		return Rule{}, hubderrors.New(hubderrors.ErrCodeStoreDuplicate,
			"duplicate rule id", 409).WithDetails("rule_id", r.ID)
	}
	s.rules[r.ID] = r
	s.ruleOrder = append(s.ruleOrder, r.ID)
	s.indexLocked(r)
	s.invalidateCacheLocked()
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.SaveRule(ctx, r); err != nil {
			s.log.WithField("error", err.Error()).Warn("rulestore: persist rule failed")
		}
	}
	s.broker.publishRuleAdded(r.Clone())
	return r, nil
}

// UpdateRule replaces an existing rule by id, re-indexing it (its method
// or host may have changed) and invalidating the cache.
func (s *Store) UpdateRule(ctx context.Context, r Rule) error {
	s.mu.Lock()
	old, ok := s.rules[r.ID]
	if !ok {
		s.mu.Unlock()
		return hubderrors.New(hubderrors.ErrCodeStoreMalformed, "unknown rule id", 404).WithDetails("rule_id", r.ID)
	}
	if _, ok := s.collections[r.CollectionID]; !ok {
		s.mu.Unlock()
		return hubderrors.New(hubderrors.ErrCodeStoreUnknownColl,
			"rule references unknown collection", 422).WithDetails("collection_id", r.CollectionID)
	}
	s.unindexLocked(old)
	s.rules[r.ID] = r
	s.indexLocked(r)
	s.invalidateCacheLocked()
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.SaveRule(ctx, r); err != nil {
			s.log.WithField("error", err.Error()).Warn("rulestore: persist rule update failed")
		}
	}
	return nil
}

// RemoveRule deletes a rule, de-indexes it, invalidates the cache, and
// emits rule_removed. Reports whether the rule existed.
func (s *Store) RemoveRule(ctx context.Context, id string) bool {
	s.mu.Lock()
	r, ok := s.rules[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.rules, id)
	for i, rid := range s.ruleOrder {
		if rid == id {
			s.ruleOrder = append(s.ruleOrder[:i], s.ruleOrder[i+1:]...)
			break
		}
	}
	s.unindexLocked(r)
	s.invalidateCacheLocked()
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.DeleteRule(ctx, id); err != nil {
			s.log.WithField("error", err.Error()).Warn("rulestore: delete rule persist failed")
		}
	}
	s.broker.publishRuleRemoved(r.Clone())
	return true
}

// AddCollection assigns an id if empty, persists, and emits
// collection_added.
func (s *Store) AddCollection(ctx context.Context, c Collection) (Collection, error) {
	s.mu.Lock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := s.collections[c.ID]; exists {
		s.mu.Unlock()
		return Collection{}, hubderrors.New(hubderrors.ErrCodeStoreDuplicate, "duplicate collection id", 409).
			WithDetails("collection_id", c.ID)
	}
	s.collections[c.ID] = c
	s.collOrder = append(s.collOrder, c.ID)
	s.invalidateCacheLocked()
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.SaveCollection(ctx, c); err != nil {
			s.log.WithField("error", err.Error()).Warn("rulestore: persist collection failed")
		}
	}
	s.broker.publishCollectionAdded(c)
	return c, nil
}

// UpdateCollection replaces an existing collection's fields (including
// enabled, which gates every rule inside it) and invalidates the cache.
func (s *Store) UpdateCollection(ctx context.Context, c Collection) error {
	s.mu.Lock()
	if _, ok := s.collections[c.ID]; !ok {
		s.mu.Unlock()
		return hubderrors.New(hubderrors.ErrCodeStoreMalformed, "unknown collection id", 404).
			WithDetails("collection_id", c.ID)
	}
	s.collections[c.ID] = c
	s.invalidateCacheLocked()
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.SaveCollection(ctx, c); err != nil {
			s.log.WithField("error", err.Error()).Warn("rulestore: persist collection update failed")
		}
	}
	return nil
}

// RemoveCollection deletes a collection and every rule within it, de-
// indexing each and emitting rule_removed followed by collection_removed.
// Reports whether the collection existed.
func (s *Store) RemoveCollection(ctx context.Context, id string) bool {
	s.mu.Lock()
	c, ok := s.collections[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	var removedRules []Rule
	for _, rid := range append([]string(nil), s.ruleOrder...) {
		r := s.rules[rid]
		if r.CollectionID != id {
			continue
		}
		delete(s.rules, rid)
		s.unindexLocked(r)
		removedRules = append(removedRules, r)
	}
	if len(removedRules) > 0 {
		filtered := s.ruleOrder[:0]
		for _, rid := range s.ruleOrder {
			if _, gone := s.rules[rid]; gone {
				filtered = append(filtered, rid)
			}
		}
		s.ruleOrder = filtered
	}
	delete(s.collections, id)
	for i, cid := range s.collOrder {
		if cid == id {
			s.collOrder = append(s.collOrder[:i], s.collOrder[i+1:]...)
			break
		}
	}
	s.invalidateCacheLocked()
	s.mu.Unlock()

	if s.repo != nil {
		for _, r := range removedRules {
			if err := s.repo.DeleteRule(ctx, r.ID); err != nil {
				s.log.WithField("error", err.Error()).Warn("rulestore: delete cascaded rule persist failed")
			}
		}
		if err := s.repo.DeleteCollection(ctx, id); err != nil {
			s.log.WithField("error", err.Error()).Warn("rulestore: delete collection persist failed")
		}
	}
	for _, r := range removedRules {
		s.broker.publishRuleRemoved(r.Clone())
	}
	s.broker.publishCollectionRemoved(c)
	return true
}

// AllRules returns a snapshot of every rule in insertion order.
func (s *Store) AllRules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, 0, len(s.ruleOrder))
	for _, id := range s.ruleOrder {
		out = append(out, s.rules[id].Clone())
	}
	return out
}

// AllCollections returns a snapshot of every collection in insertion order.
func (s *Store) AllCollections() []Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Collection, 0, len(s.collOrder))
	for _, id := range s.collOrder {
		out = append(out, s.collections[id])
	}
	return out
}

// Observe returns a Subscription carrying the four Rule Store event
// streams. Call Cancel when done.
func (s *Store) Observe() *Subscription {
	return s.broker.subscribe()
}

// CacheGet returns the cached match result for key, if present.
func (s *Store) CacheGet(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cache[key]
	return v, ok
}

// CacheSet records value under key, evicting the oldest entry if the
// cache is at capacity (spec.md §4.4 "retains the last C match results").
func (s *Store) CacheSet(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cache[key]; !exists {
		s.cacheOrder = append(s.cacheOrder, key)
		for len(s.cacheOrder) > s.cacheSize {
			oldest := s.cacheOrder[0]
			s.cacheOrder = s.cacheOrder[1:]
			delete(s.cache, oldest)
		}
	}
	s.cache[key] = value
}

// invalidateCacheLocked drops every cache entry. Caller holds s.mu.
func (s *Store) invalidateCacheLocked() {
	s.cache = make(map[string]interface{})
	s.cacheOrder = nil
}

// CacheSize reports the cache's configured capacity, for metrics.
func (s *Store) CacheSize() int {
	return s.cacheSize
}
