// Package debugqueue implements the per-project Debug Queue: pending
// requests suspended until a human resolves them, with correlated
// single-assignment completion (spec.md §3 "Pending Debug Request", §4.5,
// §5 "Suspend-and-resume semantics").
package debugqueue

import (
	"sync"
	"time"

	"github.com/R3E-Network/interceptorhub/internal/eventbus"
	"github.com/R3E-Network/interceptorhub/internal/flow"
	"github.com/R3E-Network/interceptorhub/pkg/logger"
)

// DefaultTimeout is the Debug await timeout (SPEC_FULL.md §2.1 resolves
// spec.md §9's open question in favour of the shorter value).
const DefaultTimeout = 30 * time.Second

// Pending is one suspended flow awaiting human resolution.
type Pending struct {
	FlowID      string
	Flow        *flow.Flow
	ArrivedAt   time.Time
	PresentValue flow.ModifiedResponse // the original or mock-synthesised value at enqueue time

	done     chan flow.ModifiedResponse
	resolved sync.Once
}

// Queue holds one project's outstanding Pending Debug Requests.
type Queue struct {
	mu      sync.Mutex
	order   []string
	pending map[string]*Pending
	broker  *eventbus.Broker[[]Pending]
	log     *logger.Logger
}

// New constructs an empty Queue.
func New(log *logger.Logger) *Queue {
	if log == nil {
		log = logger.NewDefault("debugqueue")
	}
	return &Queue{
		pending: make(map[string]*Pending),
		broker:  eventbus.New[[]Pending](4),
		log:     log,
	}
}

// removeLocked deletes the bookkeeping for flowID. Caller holds q.mu.
func (q *Queue) removeLocked(flowID string) {
	delete(q.pending, flowID)
	for i, id := range q.order {
		if id == flowID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Enqueue creates and publishes a new Pending Debug Request. Invariant:
// at most one outstanding request per flow id (spec.md §3); enqueuing an
// id already pending replaces the prior entry, completing it with the
// original-sentinel first so its waiter is not abandoned.
func (q *Queue) Enqueue(f *flow.Flow, presentValue flow.ModifiedResponse) *Pending {
	p := &Pending{
		FlowID:       f.ID,
		Flow:         f,
		ArrivedAt:    time.Now(),
		PresentValue: presentValue,
		done:         make(chan flow.ModifiedResponse, 1),
	}

	q.mu.Lock()
	if old, exists := q.pending[f.ID]; exists {
		old.complete(flow.OriginalSentinel())
	} else {
		q.order = append(q.order, f.ID)
	}
	q.pending[f.ID] = p
	q.mu.Unlock()

	q.publishSnapshot()
	return p
}

// Resolve completes the pending request for flowID with resp. Idempotent:
// a second resolve for the same id is a no-op (spec.md §5 "a single
// resolve() per id is idempotent on repeat"). Reports whether a pending
// request existed.
func (q *Queue) Resolve(flowID string, resp flow.ModifiedResponse) bool {
	q.mu.Lock()
	p, ok := q.pending[flowID]
	if ok {
		q.removeLocked(flowID)
	}
	q.mu.Unlock()
	if !ok {
		return false
	}

	p.complete(resp)
	q.publishSnapshot()
	return true
}

// Await blocks until p is resolved or timeout elapses, returning the
// resolution (or the original-sentinel on timeout) and whether it timed
// out. On timeout the entry is evicted from the queue.
func (q *Queue) Await(p *Pending, timeout time.Duration) (flow.ModifiedResponse, bool) {
	select {
	case resp := <-p.done:
		return resp, false
	case <-time.After(timeout):
		q.mu.Lock()
		if cur, ok := q.pending[p.FlowID]; ok && cur == p {
			q.removeLocked(p.FlowID)
		}
		q.mu.Unlock()
		p.complete(flow.OriginalSentinel())
		q.publishSnapshot()
		q.log.WithField("flow_id", p.FlowID).Warn("debugqueue: pending request timed out")
		return flow.OriginalSentinel(), true
	}
}

// CancelAll completes every outstanding pending request with the
// original-sentinel and clears the queue (spec.md §5 "Unregistering a
// project cancels its outstanding Debug awaits").
func (q *Queue) CancelAll() {
	q.mu.Lock()
	pending := q.pending
	q.pending = make(map[string]*Pending)
	q.order = nil
	q.mu.Unlock()

	for _, p := range pending {
		p.complete(flow.OriginalSentinel())
	}
	q.publishSnapshot()
}

// Snapshot returns the currently pending requests in arrival order.
func (q *Queue) Snapshot() []Pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Pending, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.pending[id])
	}
	return out
}

// Observe returns a stream of pending-list snapshots for the GUI
// collaborator (spec.md §6 "observe_pending").
func (q *Queue) Observe() *eventbus.Subscription[[]Pending] {
	return q.broker.Subscribe()
}

func (q *Queue) publishSnapshot() {
	q.broker.Publish(q.Snapshot())
}

func (p *Pending) complete(resp flow.ModifiedResponse) {
	p.resolved.Do(func() {
		p.done <- resp
	})
}
