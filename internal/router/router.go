// Package router implements the Project Registry and the host-wide routing
// table that maps an agent Flow to the owning project (spec.md §4.2).
package router

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/interceptorhub/internal/flow"
	"github.com/R3E-Network/interceptorhub/internal/policymode"
)

// ProjectHandler handles one flow end-to-end for its project and releases
// any state tied to the registration on Close (spec.md §3 "Project
// Registration" lifecycle: removal evicts in-flight Debug requests).
type ProjectHandler interface {
	HandleFlow(ctx context.Context, f *flow.Flow, mode policymode.Mode) flow.ModifiedResponse
	Close()
}

// Registration is one entry in the Router's table (spec.md §3).
type Registration struct {
	ProjectID     string
	Name          string
	Mode          policymode.Mode
	PackageFilter *string
	Handler       ProjectHandler

	registeredAt time.Time
}

// Router is the host-wide singleton's routing table. Zero value is not
// usable; construct with New.
type Router struct {
	mu               sync.RWMutex
	order            []string
	regs             map[string]*Registration
	mostRecentActive string

	obsMu     sync.Mutex
	observers []func(count int)
}

// New constructs an empty Router.
func New() *Router {
	return &Router{regs: make(map[string]*Registration)}
}

// Subscribe registers fn to be invoked, outside the Router's lock, with the
// new registration count after every Register (including one that replaces
// an existing project and leaves the count unchanged) and after every
// Unregister that removes a registration. This
// is the ref-count observer the Ingress Server hooks into to implement
// register()'s implicit start and unregister()'s implicit stop (spec.md
// §4.1, §9 "ref-counted by registration count").
func (r *Router) Subscribe(fn func(count int)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *Router) notifyObservers(count int) {
	r.obsMu.Lock()
	obs := make([]func(int), len(r.observers))
	copy(obs, r.observers)
	r.obsMu.Unlock()

	for _, fn := range obs {
		fn(count)
	}
}

// Register adds or replaces a Project Registration and marks it as the
// most-recently-active project (spec.md §4.1). If a registration already
// exists for projectID, it is evicted first (its Handler.Close is called)
// before the new one is installed. Observers subscribed via Subscribe are
// notified of the new registration count after the table mutation.
func (r *Router) Register(reg Registration) {
	r.mu.Lock()

	if old, ok := r.regs[reg.ProjectID]; ok {
		r.removeLocked(reg.ProjectID)
		old.Handler.Close()
	}

	reg.registeredAt = time.Now()
	r.regs[reg.ProjectID] = &reg
	r.order = append(r.order, reg.ProjectID)
	r.mostRecentActive = reg.ProjectID
	count := len(r.order)
	r.mu.Unlock()

	r.notifyObservers(count)
}

// Unregister removes a Project Registration, evicting its in-flight Debug
// requests via Handler.Close. Reports whether a registration was removed.
// Observers subscribed via Subscribe are notified of the new registration
// count after the table mutation.
func (r *Router) Unregister(projectID string) bool {
	r.mu.Lock()
	reg, ok := r.regs[projectID]
	if ok {
		r.removeLocked(projectID)
	}
	count := len(r.order)
	r.mu.Unlock()

	if ok {
		reg.Handler.Close()
		r.notifyObservers(count)
	}
	return ok
}

// removeLocked deletes the bookkeeping for projectID. Caller holds r.mu.
func (r *Router) removeLocked(projectID string) {
	delete(r.regs, projectID)
	for i, id := range r.order {
		if id == projectID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.mostRecentActive == projectID {
		r.mostRecentActive = ""
	}
}

// SetMode atomically mutates an existing registration's mode. Reports
// whether the registration exists.
func (r *Router) SetMode(projectID string, mode policymode.Mode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[projectID]
	if !ok {
		return false
	}
	reg.Mode = mode
	return true
}

// SetFilter atomically mutates an existing registration's package filter.
// A nil filter clears it. Reports whether the registration exists.
func (r *Router) SetFilter(projectID string, filter *string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[projectID]
	if !ok {
		return false
	}
	reg.PackageFilter = filter
	return true
}

// Get returns a copy of the registration for projectID, if any.
func (r *Router) Get(projectID string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[projectID]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// Registrations returns a stable, insertion-ordered snapshot.
func (r *Router) Registrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.regs[id])
	}
	return out
}

// Count returns the number of live registrations.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// MostRecentActive returns the project id most recently registered, or ""
// if none or if that project has since been unregistered (spec.md §4.2
// step 6), for GUI display. Route does not update it.
func (r *Router) MostRecentActive() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mostRecentActive
}

// Route applies the six-step lookup of spec.md §4.2 and returns the
// Registration that should handle f, or nil for "unhandled — reply
// original-sentinel".
//
// Step 3's disqualification ("every registration has a non-null package
// filter and none matched") is implemented per the section's own Invariant
// and per §8's testable property, both of which generalize it to "at least
// one filtered registration" rather than "every".
func (r *Router) Route(f *flow.Flow) *Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Step 1: explicit project id.
	if f.ProjectID != "" {
		if reg, ok := r.regs[f.ProjectID]; ok {
			cp := *reg
			return &cp
		}
	}

	// Step 2: package-name filter match, ties broken by insertion order.
	if f.PackageName != "" {
		for _, id := range r.order {
			reg := r.regs[id]
			if reg.PackageFilter != nil && *reg.PackageFilter == f.PackageName {
				cp := *reg
				return &cp
			}
		}

		// Step 3: strict-filter disqualification.
		if r.anyFilteredLocked() {
			return nil
		}
	}

	// Step 4: exactly one registration, null filter.
	if len(r.order) == 1 {
		reg := r.regs[r.order[0]]
		if reg.PackageFilter == nil {
			cp := *reg
			return &cp
		}
	}

	// Step 5: multiple registrations, first with a null filter.
	if len(r.order) > 1 {
		for _, id := range r.order {
			reg := r.regs[id]
			if reg.PackageFilter == nil {
				cp := *reg
				return &cp
			}
		}
	}

	// Step 6: most-recently-active fallback.
	if r.mostRecentActive != "" {
		if reg, ok := r.regs[r.mostRecentActive]; ok {
			cp := *reg
			return &cp
		}
	}
	return nil
}

func (r *Router) anyFilteredLocked() bool {
	for _, id := range r.order {
		if r.regs[id].PackageFilter != nil {
			return true
		}
	}
	return false
}
