// Package ingress implements the Ingress Server: a fixed-port TCP listener
// backed by a bounded worker pool that parses one request per connection
// and dispatches it through the Router (spec.md §4.1).
package ingress

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/R3E-Network/interceptorhub/internal/flow"
	"github.com/R3E-Network/interceptorhub/internal/ratelimit"
	"github.com/R3E-Network/interceptorhub/internal/router"
	"github.com/R3E-Network/interceptorhub/internal/wire"
	"github.com/R3E-Network/interceptorhub/pkg/logger"
)

// Config bounds one Server's listener and worker pool (spec.md §4.1
// "Algorithm").
type Config struct {
	Addr        string
	WorkerCount int
	QueueSize   int
	ReadTimeout time.Duration
}

// DefaultConfig returns the design-recommended defaults.
func DefaultConfig() Config {
	return Config{Addr: ":9876", WorkerCount: 50, QueueSize: 500, ReadTimeout: 2 * time.Minute}
}

// Server is the fixed-port TCP front door shared by every project
// registered on a host (spec.md §4.1, §5).
type Server struct {
	cfg      Config
	router   *router.Router
	log      *logger.Logger
	logGuard *ratelimit.LogGuard

	mu       sync.RWMutex
	running  bool
	listener net.Listener
	connCh   chan net.Conn
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Server bound to r. It is not yet listening: it starts
// implicitly on r's first Registration (or explicitly via Start) and stops
// implicitly once r's last Registration is removed (or explicitly via Stop).
func New(cfg Config, r *router.Router, log *logger.Logger) *Server {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 50
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 500
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Minute
	}
	if log == nil {
		log = logger.NewDefault("ingress")
	}
	s := &Server{cfg: cfg, router: r, log: log, logGuard: ratelimit.DefaultLogGuard()}

	// spec.md §4.1 "register(): ... implicitly starts the server if not
	// running" / "unregister(): ... stops the server if this was the last
	// registration", generalized per §9's "ref-counted by registration
	// count" design note: the Router notifies this ref-count observer on
	// every Register/Unregister transition, and the server starts or stops
	// to match, independent of whether a caller ever invokes Start/Stop
	// directly (both remain idempotent for explicit/test use).
	r.Subscribe(s.onRegistrationCountChange)

	return s
}

func (s *Server) onRegistrationCountChange(count int) {
	if count > 0 {
		if err := s.Start(context.Background()); err != nil {
			s.log.WithField("error", err.Error()).Warn("ingress: implicit start on registration failed")
		}
		return
	}
	s.Stop()
}

// Start binds the listening socket and begins accepting connections.
// Idempotent on an already-running server (spec.md §4.1 "start()").
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ingress: bind %s: %w", s.cfg.Addr, err)
	}

	s.listener = ln
	s.connCh = make(chan net.Conn, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	go s.acceptLoop(ln)

	go func() {
		wg.Wait()
		close(s.doneCh)
	}()

	s.log.WithField("addr", s.cfg.Addr).WithField("workers", s.cfg.WorkerCount).
		Info("ingress server started")
	return nil
}

// Stop transitions to Stopped: it closes the listening socket, then waits up
// to one second for workers to finish the connection each is handling.
// Connections still queued for a worker are not served. Idempotent (spec.md
// §4.1 "stop()", §5 "bounded grace period ≈1s").
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	select {
	case <-s.doneCh:
	case <-time.After(time.Second):
		s.log.Warn("ingress server: workers did not drain within grace period")
	}
	s.log.Info("ingress server stopped")
}

// acceptLoop accepts sockets and hands them to the worker channel, applying
// backpressure when the channel is full (spec.md §4.1 "the acceptor
// suspends rather than dropping connections").
func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return // listener closed by Stop, not an error (spec.md §4.1 "Failure semantics")
			default:
				s.log.WithField("error", err.Error()).Warn("ingress: accept failed")
				return
			}
		}

		select {
		case s.connCh <- conn:
		case <-s.stopCh:
			conn.Close()
			return
		}
	}
}

// worker drains one connection per iteration, reading a single line,
// dispatching it, and replying (spec.md §4.1 "Algorithm").
func (s *Server) worker(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case conn, ok := <-s.connCh:
			if !ok {
				return
			}
			s.handleConn(ctx, conn)
		}
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if s.cfg.ReadTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		return // empty line / socket error before a full line arrived
	}
	line := scanner.Bytes()

	if string(line) == wire.Ping {
		s.writeLine(conn, []byte(wire.Pong))
		return
	}

	f, err := wire.DecodeFlow(line)
	if err != nil {
		if s.logGuard.Allow() {
			s.log.WithField("error", err.Error()).Warn("ingress: malformed flow line")
		}
		s.writeModifiedResponse(conn, flow.OriginalSentinel())
		return
	}

	reg := s.router.Route(f)
	if reg == nil {
		s.writeModifiedResponse(conn, flow.OriginalSentinel())
		return
	}

	resp := reg.Handler.HandleFlow(ctx, f, reg.Mode)
	s.writeModifiedResponse(conn, resp)
}

func (s *Server) writeModifiedResponse(conn net.Conn, resp flow.ModifiedResponse) {
	b, err := wire.EncodeModifiedResponse(resp)
	if err != nil {
		s.log.WithField("error", err.Error()).Warn("ingress: encode modified response failed")
		return
	}
	s.writeLine(conn, b)
}

// writeLine writes b followed by a newline. A write failure is logged and
// the connection is dropped by the caller's deferred Close (spec.md §4.1
// "Failure semantics": a socket error during the reply phase is logged and
// the connection is dropped; the agent falls back to the original
// response).
func (s *Server) writeLine(conn net.Conn, b []byte) {
	if _, err := conn.Write(append(b, '\n')); err != nil {
		s.log.WithField("error", err.Error()).Warn("ingress: write reply failed")
	}
}

// Running reports whether the server is currently accepting connections.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the bound listener's address, or "" if not running. Useful
// when Config.Addr uses an ephemeral port ("host:0") and the caller needs
// the port the OS actually assigned.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// QueueDepth returns the number of connections currently queued awaiting a
// worker, for metrics (SPEC_FULL.md §1.1).
func (s *Server) QueueDepth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.connCh == nil {
		return 0
	}
	return len(s.connCh)
}
