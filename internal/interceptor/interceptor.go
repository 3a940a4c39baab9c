// Package interceptor implements the Project Interceptor: the per-project
// policy state machine that records flows, drives the Mock Engine, and
// suspends flows in the Debug Queue according to the current mode
// (spec.md §4.5).
package interceptor

import (
	"context"
	"net/url"
	"time"

	"github.com/R3E-Network/interceptorhub/internal/debugqueue"
	"github.com/R3E-Network/interceptorhub/internal/eventbus"
	"github.com/R3E-Network/interceptorhub/internal/flow"
	"github.com/R3E-Network/interceptorhub/internal/flowstore"
	"github.com/R3E-Network/interceptorhub/internal/mockengine"
	"github.com/R3E-Network/interceptorhub/internal/policymode"
	"github.com/R3E-Network/interceptorhub/internal/rulestore"
	"github.com/R3E-Network/interceptorhub/pkg/logger"
)

// Interceptor implements router.ProjectHandler for one project. It is
// constructed once per Project Registration and references its Flow
// Store and Rule Store/Mock Engine, which outlive it (spec.md §3
// "Ownership").
type Interceptor struct {
	projectID string
	flows     *flowstore.Store
	rules     *rulestore.Store
	engine    *mockengine.Engine
	debug     *debugqueue.Queue
	timeout   time.Duration
	log       *logger.Logger
}

// New constructs an Interceptor for projectID. timeout is the Debug
// await timeout (debugqueue.DefaultTimeout if zero).
func New(projectID string, flows *flowstore.Store, rules *rulestore.Store, engine *mockengine.Engine, timeout time.Duration, log *logger.Logger) *Interceptor {
	if timeout <= 0 {
		timeout = debugqueue.DefaultTimeout
	}
	if log == nil {
		log = logger.NewDefault("interceptor")
	}
	return &Interceptor{
		projectID: projectID,
		flows:     flows,
		rules:     rules,
		engine:    engine,
		debug:     debugqueue.New(log),
		timeout:   timeout,
		log:       log,
	}
}

// HandleFlow implements router.ProjectHandler. mode is the registration's
// mode snapshot at routing time (spec.md §4.5 "reads are not synchronised
// with in-flight flows: a mode change takes effect on the next flow").
func (i *Interceptor) HandleFlow(ctx context.Context, f *flow.Flow, mode policymode.Mode) flow.ModifiedResponse {
	switch mode {
	case policymode.Debug:
		return i.handleDebug(f)
	case policymode.Mock:
		return i.handleMock(f)
	case policymode.MockDebug:
		return i.handleMockDebug(f)
	default: // Record
		return i.handleRecord(f)
	}
}

func (i *Interceptor) handleRecord(f *flow.Flow) flow.ModifiedResponse {
	f.Paused = false
	i.flows.Add(f)
	return flow.OriginalSentinel()
}

func (i *Interceptor) handleDebug(f *flow.Flow) flow.ModifiedResponse {
	f.Paused = true
	i.flows.Add(f)

	pending := i.debug.Enqueue(f, flow.OriginalSentinel())
	resp, _ := i.debug.Await(pending, i.timeout)
	i.recordIfModified(f, resp, flow.OriginalSentinel())
	return resp
}

func (i *Interceptor) handleMock(f *flow.Flow) flow.ModifiedResponse {
	rule, matched := i.matchRule(f)
	if !matched {
		f.Paused = false
		i.flows.Add(f)
		return flow.OriginalSentinel()
	}

	f.Paused = false
	f.MockApplied = true
	f.MockRuleName = rule.Name
	f.MockRuleID = rule.ID
	i.flows.Add(f)
	return mockengine.Synthesize(rule)
}

func (i *Interceptor) handleMockDebug(f *flow.Flow) flow.ModifiedResponse {
	present := flow.OriginalSentinel()
	if rule, matched := i.matchRule(f); matched {
		f.MockApplied = true
		f.MockRuleName = rule.Name
		f.MockRuleID = rule.ID
		present = mockengine.Synthesize(rule)
	}

	f.Paused = true
	i.flows.Add(f)

	pending := i.debug.Enqueue(f, present)
	resp, _ := i.debug.Await(pending, i.timeout)
	i.recordIfModified(f, resp, present)
	return resp
}

// recordIfModified re-records f with modified=true when resp differs
// from the value present at enqueue time (spec.md §4.5 "On completion,
// if the completed response differs from the present value... the flow
// is re-recorded with modified=true").
func (i *Interceptor) recordIfModified(f *flow.Flow, resp, present flow.ModifiedResponse) {
	if resp.Equal(present) {
		return
	}
	updated := f.Clone()
	updated.Paused = false
	updated.Modified = true
	i.flows.Add(updated)
}

func (i *Interceptor) matchRule(f *flow.Flow) (*rulestore.Rule, bool) {
	u, err := url.Parse(f.Request.URL)
	if err != nil {
		i.log.WithField("flow_id", f.ID).WithField("error", err.Error()).
			Warn("interceptor: could not parse request url for mock lookup")
		return nil, false
	}
	return i.engine.Match(f.Request.Method, u.Host, u.Path, u.Query())
}

// Flows returns the Flow Store backing this project, for the admin API's
// snapshot/clear/export surface (spec.md §6).
func (i *Interceptor) Flows() *flowstore.Store { return i.flows }

// Rules returns the Rule Store backing this project, for the admin API's
// collection/rule CRUD surface (spec.md §6).
func (i *Interceptor) Rules() *rulestore.Store { return i.rules }

// ProjectID returns the project this Interceptor was constructed for.
func (i *Interceptor) ProjectID() string { return i.projectID }

// Engine returns the Mock Engine backing this project, for the admin
// API's mock-match sidecar (spec.md §6 "GET /mock-match").
func (i *Interceptor) Engine() *mockengine.Engine { return i.engine }

// Resolve completes a Pending Debug Request with resp. Exposed for the
// GUI collaborator interface (spec.md §6 "resolve(flow_id, response)").
func (i *Interceptor) Resolve(flowID string, resp flow.ModifiedResponse) bool {
	return i.debug.Resolve(flowID, resp)
}

// ObservePending returns the Debug Queue's pending-list stream (spec.md
// §6 "observe_pending(project)").
func (i *Interceptor) ObservePending() *eventbus.Subscription[[]debugqueue.Pending] {
	return i.debug.Observe()
}

// PendingSnapshot returns the Debug Queue's current contents, for the
// admin API's initial observe_pending response.
func (i *Interceptor) PendingSnapshot() []debugqueue.Pending {
	return i.debug.Snapshot()
}

// Close releases the Interceptor's Debug Queue, completing every
// outstanding pending request with the original-sentinel (spec.md §3
// "removing a project evicts in-flight Debug requests").
func (i *Interceptor) Close() {
	i.debug.CancelAll()
}
