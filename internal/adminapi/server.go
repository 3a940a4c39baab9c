// Package adminapi implements the HTTP surface a GUI collaborator drives:
// project lifecycle, Flow Store snapshot/clear, Rule Store CRUD, the
// mock-match sidecar, metrics, and health (spec.md §6 "GUI collaborator
// interface" and the optional HTTP sidecar; SPEC_FULL.md §3 "Admin API").
package adminapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/interceptorhub/internal/adminapi/wshub"
	"github.com/R3E-Network/interceptorhub/internal/debugqueue"
	"github.com/R3E-Network/interceptorhub/internal/eventbus"
	"github.com/R3E-Network/interceptorhub/internal/flow"
	"github.com/R3E-Network/interceptorhub/internal/flowstore"
	"github.com/R3E-Network/interceptorhub/internal/httputil"
	hubmetrics "github.com/R3E-Network/interceptorhub/internal/metrics"
	"github.com/R3E-Network/interceptorhub/internal/mockengine"
	"github.com/R3E-Network/interceptorhub/internal/policymode"
	"github.com/R3E-Network/interceptorhub/internal/router"
	"github.com/R3E-Network/interceptorhub/internal/rulestore"
	"github.com/R3E-Network/interceptorhub/pkg/logger"
)

// ProjectStores is the subset of *interceptor.Interceptor the admin API
// needs. It is declared locally, rather than importing the interceptor
// package directly, so a test double can stand in for a full Interceptor.
type ProjectStores interface {
	router.ProjectHandler
	ProjectID() string
	Flows() *flowstore.Store
	Rules() *rulestore.Store
	Engine() *mockengine.Engine
	PendingSnapshot() []debugqueue.Pending
	ObservePending() *eventbus.Subscription[[]debugqueue.Pending]
	Resolve(flowID string, resp flow.ModifiedResponse) bool
}

// ProjectFactory builds the per-project Flow Store/Rule Store/Interceptor
// stack for a newly registered project. The admin API owns none of this
// construction logic itself: it only bridges HTTP requests to the
// Router's register/unregister contract (spec.md §3 "Project
// Registration").
type ProjectFactory func(projectID, name string) (ProjectStores, error)

// Config bounds the admin HTTP server.
type Config struct {
	Addr string
}

// DefaultConfig returns the design default admin listen address.
func DefaultConfig() Config {
	return Config{Addr: ":9877"}
}

// Server is the admin HTTP API. Construct with New, mount with Handler,
// or run standalone with Start/Stop.
type Server struct {
	cfg     Config
	router  *router.Router
	factory ProjectFactory
	hub     *wshub.Hub
	metrics *hubmetrics.Metrics
	log     *logger.Logger
	mux     *mux.Router

	httpServer *http.Server

	mu       sync.Mutex
	projects map[string]ProjectStores
	bridges  map[string][]func()
}

// New constructs a Server. If hub is nil, New creates its own Hub. m may be
// nil; /metrics serves the default Prometheus registry either way.
func New(cfg Config, r *router.Router, factory ProjectFactory, hub *wshub.Hub, m *hubmetrics.Metrics, log *logger.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":9877"
	}
	if log == nil {
		log = logger.NewDefault("adminapi")
	}
	if hub == nil {
		hub = wshub.New(log)
	}
	s := &Server{
		cfg:      cfg,
		router:   r,
		factory:  factory,
		hub:      hub,
		metrics:  m,
		log:      log,
		projects: make(map[string]ProjectStores),
		bridges:  make(map[string][]func()),
	}
	s.mux = s.buildMux()
	return s
}

// Handler returns the admin API's http.Handler, for embedding in a
// caller-owned http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

// Start runs the admin API on its own listener until Stop is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{Addr: s.cfg.Addr, Handler: s.mux}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithField("error", err.Error()).Warn("adminapi: server exited")
		}
	}()
	s.log.WithField("addr", s.cfg.Addr).Info("admin api started")
	return nil
}

// Stop gracefully shuts the admin API down within a bounded window.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.WithField("error", err.Error()).Warn("adminapi: graceful shutdown failed")
	}
}

func (s *Server) buildMux() *mux.Router {
	m := mux.NewRouter()

	m.HandleFunc("/projects", s.handleListProjects).Methods(http.MethodGet)
	m.HandleFunc("/projects/most-recent-active", s.handleMostRecentActive).Methods(http.MethodGet)
	m.HandleFunc("/projects", s.handleRegisterProject).Methods(http.MethodPost)
	m.HandleFunc("/projects/{id}", s.handleUnregisterProject).Methods(http.MethodDelete)
	m.HandleFunc("/projects/{id}/mode", s.handleSetMode).Methods(http.MethodPost)
	m.HandleFunc("/projects/{id}/filter", s.handleSetFilter).Methods(http.MethodPost)

	m.HandleFunc("/projects/{id}/flows", s.handleListFlows).Methods(http.MethodGet)
	m.HandleFunc("/projects/{id}/flows", s.handleClearFlows).Methods(http.MethodDelete)
	m.HandleFunc("/projects/{id}/flows/export", s.handleExportFlows).Methods(http.MethodGet)
	m.HandleFunc("/projects/{id}/flows/{flow_id}", s.handleGetFlow).Methods(http.MethodGet)

	m.HandleFunc("/projects/{id}/pending", s.handleListPending).Methods(http.MethodGet)
	m.HandleFunc("/projects/{id}/pending/{flow_id}/resolve", s.handleResolvePending).Methods(http.MethodPost)

	m.HandleFunc("/projects/{id}/collections", s.handleListCollections).Methods(http.MethodGet)
	m.HandleFunc("/projects/{id}/collections", s.handleAddCollection).Methods(http.MethodPost)
	m.HandleFunc("/projects/{id}/collections/{collection_id}", s.handleUpdateCollection).Methods(http.MethodPut)
	m.HandleFunc("/projects/{id}/collections/{collection_id}", s.handleRemoveCollection).Methods(http.MethodDelete)

	m.HandleFunc("/projects/{id}/rules", s.handleListRules).Methods(http.MethodGet)
	m.HandleFunc("/projects/{id}/rules", s.handleAddRule).Methods(http.MethodPost)
	m.HandleFunc("/projects/{id}/rules/{rule_id}", s.handleUpdateRule).Methods(http.MethodPut)
	m.HandleFunc("/projects/{id}/rules/{rule_id}", s.handleRemoveRule).Methods(http.MethodDelete)

	m.HandleFunc("/projects/{id}/mock-match", s.handleMockMatch).Methods(http.MethodGet)

	m.HandleFunc("/ws", s.hub.ServeWS)
	m.Handle("/metrics", promhttp.Handler())
	m.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	return m
}

func (s *Server) project(id string) (ProjectStores, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	return p, ok
}

type registerRequest struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

func (s *Server) handleRegisterProject(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.ProjectID == "" {
		httputil.BadRequest(w, "project_id is required")
		return
	}

	handler, err := s.factory(req.ProjectID, req.Name)
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}

	s.router.Register(router.Registration{
		ProjectID: req.ProjectID,
		Name:      req.Name,
		Mode:      policymode.Record,
		Handler:   handler,
	})

	s.mu.Lock()
	s.projects[req.ProjectID] = handler
	s.bridges[req.ProjectID] = s.wireBridges(req.ProjectID, handler)
	s.mu.Unlock()

	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"project_id": req.ProjectID, "name": req.Name, "mode": policymode.Record.String()})
}

// wireBridges subscribes to a freshly registered project's store event
// streams and forwards them to the websocket hub (spec.md §6 "GUI
// collaborator interface"). Returned cancel funcs must be invoked when
// the project is unregistered.
func (s *Server) wireBridges(projectID string, p ProjectStores) []func() {
	var cancels []func()

	flowSub := p.Flows().Observe()
	cancels = append(cancels, flowSub.Cancel)
	go func() {
		for {
			select {
			case f, ok := <-flowSub.Added:
				if !ok {
					return
				}
				s.hub.Broadcast(wshub.Event{Type: "flow_added", ProjectID: projectID, Payload: f})
			case f, ok := <-flowSub.Updated:
				if !ok {
					return
				}
				s.hub.Broadcast(wshub.Event{Type: "flow_updated", ProjectID: projectID, Payload: f})
			case _, ok := <-flowSub.Cleared:
				if !ok {
					return
				}
				s.hub.Broadcast(wshub.Event{Type: "flow_cleared", ProjectID: projectID})
			}
		}
	}()

	ruleSub := p.Rules().Observe()
	cancels = append(cancels, ruleSub.Cancel)
	go func() {
		for {
			select {
			case rl, ok := <-ruleSub.RuleAdded:
				if !ok {
					return
				}
				s.hub.Broadcast(wshub.Event{Type: "rule_added", ProjectID: projectID, Payload: rl})
			case rl, ok := <-ruleSub.RuleRemoved:
				if !ok {
					return
				}
				s.hub.Broadcast(wshub.Event{Type: "rule_removed", ProjectID: projectID, Payload: rl})
			case c, ok := <-ruleSub.CollectionAdded:
				if !ok {
					return
				}
				s.hub.Broadcast(wshub.Event{Type: "collection_added", ProjectID: projectID, Payload: c})
			case c, ok := <-ruleSub.CollectionRemoved:
				if !ok {
					return
				}
				s.hub.Broadcast(wshub.Event{Type: "collection_removed", ProjectID: projectID, Payload: c})
			}
		}
	}()

	pendingSub := p.ObservePending()
	cancels = append(cancels, pendingSub.Cancel)
	go func() {
		for pending := range pendingSub.C {
			s.hub.Broadcast(wshub.Event{Type: "debug_pending", ProjectID: projectID, Payload: pending})
		}
	}()

	return cancels
}

func (s *Server) handleUnregisterProject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.router.Unregister(id)

	s.mu.Lock()
	delete(s.projects, id)
	cancels := s.bridges[id]
	delete(s.bridges, id)
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	regs := s.router.Registrations()
	out := make([]map[string]interface{}, 0, len(regs))
	for _, reg := range regs {
		out = append(out, map[string]interface{}{
			"project_id": reg.ProjectID,
			"name":       reg.Name,
			"mode":       reg.Mode.String(),
			"filter":     reg.PackageFilter,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

type setModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req setModeRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	mode, err := policymode.Parse(req.Mode)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if !s.router.SetMode(id, mode) {
		httputil.NotFound(w, "no such project")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setFilterRequest struct {
	Filter *string `json:"filter"`
}

func (s *Server) handleSetFilter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req setFilterRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if !s.router.SetFilter(id, req.Filter) {
		httputil.NotFound(w, "no such project")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(mux.Vars(r)["id"])
	if !ok {
		httputil.NotFound(w, "no such project")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p.Flows().All())
}

func (s *Server) handleClearFlows(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(mux.Vars(r)["id"])
	if !ok {
		httputil.NotFound(w, "no such project")
		return
	}
	p.Flows().Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, ok := s.project(vars["id"])
	if !ok {
		httputil.NotFound(w, "no such project")
		return
	}
	f, ok := p.Flows().Get(vars["flow_id"])
	if !ok {
		httputil.NotFound(w, "no such flow")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, f)
}

// handleExportFlows returns the current Flow Store snapshot as JSON — a
// convenience export, not a persistence mechanism (SPEC_FULL.md §4
// "Export snapshot endpoint"). Flows are never written to disk by the
// core; this only serializes the in-memory snapshot the request sees.
func (s *Server) handleExportFlows(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(mux.Vars(r)["id"])
	if !ok {
		httputil.NotFound(w, "no such project")
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="flows.json"`)
	httputil.WriteJSON(w, http.StatusOK, p.Flows().All())
}

// handleMostRecentActive surfaces the Router's most-recently-active
// bookkeeping for GUI display (spec.md §4.2 step 6).
func (s *Server) handleMostRecentActive(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"project_id": s.router.MostRecentActive()})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(mux.Vars(r)["id"])
	if !ok {
		httputil.NotFound(w, "no such project")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p.PendingSnapshot())
}

type resolveRequest struct {
	StatusCode *int               `json:"status_code"`
	Headers    *map[string]string `json:"headers"`
	Body       *string            `json:"body"`
}

func (s *Server) handleResolvePending(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, ok := s.project(vars["id"])
	if !ok {
		httputil.NotFound(w, "no such project")
		return
	}
	var req resolveRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	var hdr *flow.Headers
	if req.Headers != nil {
		h := flow.Headers(*req.Headers)
		hdr = &h
	}
	resp := flow.ModifiedResponse{StatusCode: req.StatusCode, Headers: hdr, Body: req.Body}
	if !p.Resolve(vars["flow_id"], resp) {
		httputil.Conflict(w, "no such pending request, or already resolved")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(mux.Vars(r)["id"])
	if !ok {
		httputil.NotFound(w, "no such project")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p.Rules().AllCollections())
}

func (s *Server) handleAddCollection(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(mux.Vars(r)["id"])
	if !ok {
		httputil.NotFound(w, "no such project")
		return
	}
	var c rulestore.Collection
	if !httputil.DecodeJSON(w, r, &c) {
		return
	}
	out, err := p.Rules().AddCollection(r.Context(), c)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, out)
}

func (s *Server) handleUpdateCollection(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, ok := s.project(vars["id"])
	if !ok {
		httputil.NotFound(w, "no such project")
		return
	}
	var c rulestore.Collection
	if !httputil.DecodeJSON(w, r, &c) {
		return
	}
	c.ID = vars["collection_id"]
	if err := p.Rules().UpdateCollection(r.Context(), c); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveCollection(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, ok := s.project(vars["id"])
	if !ok {
		httputil.NotFound(w, "no such project")
		return
	}
	if !p.Rules().RemoveCollection(r.Context(), vars["collection_id"]) {
		httputil.NotFound(w, "no such collection")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(mux.Vars(r)["id"])
	if !ok {
		httputil.NotFound(w, "no such project")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p.Rules().AllRules())
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(mux.Vars(r)["id"])
	if !ok {
		httputil.NotFound(w, "no such project")
		return
	}
	var rl rulestore.Rule
	if !httputil.DecodeJSON(w, r, &rl) {
		return
	}
	out, err := p.Rules().AddRule(r.Context(), rl)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, out)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, ok := s.project(vars["id"])
	if !ok {
		httputil.NotFound(w, "no such project")
		return
	}
	var rl rulestore.Rule
	if !httputil.DecodeJSON(w, r, &rl) {
		return
	}
	rl.ID = vars["rule_id"]
	if err := p.Rules().UpdateRule(r.Context(), rl); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, ok := s.project(vars["id"])
	if !ok {
		httputil.NotFound(w, "no such project")
		return
	}
	if !p.Rules().RemoveRule(r.Context(), vars["rule_id"]) {
		httputil.NotFound(w, "no such rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMockMatch implements the rule-match query sidecar for non-native
// agents (spec.md §6 "GET /mock-match"). Unlike the literal spec
// signature, matches are scoped to one project's Rule Store — the Rule
// Store is per-project (spec.md §2), so a host-wide match would be
// ambiguous with more than one project registered.
func (s *Server) handleMockMatch(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(mux.Vars(r)["id"])
	if !ok {
		httputil.NotFound(w, "no such project")
		return
	}

	q := r.URL.Query()
	method := httputil.QueryString(r, "method", "")
	host := httputil.QueryString(r, "host", "")
	path := httputil.QueryString(r, "path", "")

	query := url.Values{}
	for key, vals := range q {
		const prefix = "query_"
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			query[key[len(prefix):]] = vals
		}
	}

	rule, matched := p.Engine().Match(method, host, path, query)
	if !matched {
		httputil.WriteJSON(w, http.StatusNotFound, map[string]interface{}{})
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"rule_id":     rule.ID,
		"rule_name":   rule.Name,
		"status_code": rule.Response.StatusCode,
		"headers":     rule.Response.Headers,
		"content":     string(rule.Response.Body),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats, err := hubmetrics.ReadHostStats()
	body := map[string]interface{}{
		"status":          "ok",
		"registered_count": s.router.Count(),
		"websocket_clients": s.hub.Clients(),
	}
	if err != nil {
		body["host_stats_error"] = err.Error()
	} else {
		body["host_stats"] = stats
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}
