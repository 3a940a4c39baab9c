// Package memstore is the default, process-local rulestore.RuleRepository
// used when no persistence DSN is configured (SPEC_FULL.md §1.4). It
// provides no durability across restarts; it exists so internal, test, and
// example processes can exercise rulestore.Store's repository contract
// without a database.
package memstore

import (
	"context"
	"sync"

	"github.com/R3E-Network/interceptorhub/internal/rulestore"
)

// Repository is an in-process, non-durable rulestore.RuleRepository.
type Repository struct {
	mu          sync.Mutex
	rules       map[string]rulestore.Rule
	collections map[string]rulestore.Collection
}

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{
		rules:       make(map[string]rulestore.Rule),
		collections: make(map[string]rulestore.Collection),
	}
}

// LoadAll returns every stored rule and collection. Order is not
// meaningful; rulestore.Store preserves its own insertion order
// independently once loaded.
func (r *Repository) LoadAll(ctx context.Context) ([]rulestore.Rule, []rulestore.Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rules := make([]rulestore.Rule, 0, len(r.rules))
	for _, v := range r.rules {
		rules = append(rules, v.Clone())
	}
	collections := make([]rulestore.Collection, 0, len(r.collections))
	for _, v := range r.collections {
		collections = append(collections, v)
	}
	return rules, collections, nil
}

// SaveRule inserts or replaces a rule.
func (r *Repository) SaveRule(ctx context.Context, rule rulestore.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rule.ID] = rule.Clone()
	return nil
}

// DeleteRule removes a rule by id. Deleting an unknown id is a no-op.
func (r *Repository) DeleteRule(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules, id)
	return nil
}

// SaveCollection inserts or replaces a collection.
func (r *Repository) SaveCollection(ctx context.Context, c rulestore.Collection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collections[c.ID] = c
	return nil
}

// DeleteCollection removes a collection by id. Deleting an unknown id is
// a no-op.
func (r *Repository) DeleteCollection(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.collections, id)
	return nil
}
