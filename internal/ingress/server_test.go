package ingress

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/R3E-Network/interceptorhub/internal/flow"
	"github.com/R3E-Network/interceptorhub/internal/policymode"
	"github.com/R3E-Network/interceptorhub/internal/router"
)

type recordingHandler struct {
	flows chan *flow.Flow
	resp  flow.ModifiedResponse
}

func (h *recordingHandler) HandleFlow(ctx context.Context, f *flow.Flow, mode policymode.Mode) flow.ModifiedResponse {
	h.flows <- f
	return h.resp
}

func (h *recordingHandler) Close() {}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s: %v", addr, err)
	return nil
}

func newRunningServer(t *testing.T, r *router.Router) *Server {
	t.Helper()
	s := New(Config{Addr: "127.0.0.1:0", WorkerCount: 4, QueueSize: 4, ReadTimeout: time.Second}, r, nil)

	// Pick a free port up front and write it into cfg.Addr, so tests can
	// dial s.cfg.Addr once Start has bound it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.cfg.Addr = ln.Addr().String()
	ln.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestPingRepliesWithPong(t *testing.T) {
	s := newRunningServer(t, router.New())
	conn := dial(t, s.cfg.Addr)
	defer conn.Close()

	conn.Write([]byte("PING\n"))
	line, _ := bufio.NewReader(conn).ReadString('\n')
	if line != "PONG\n" {
		t.Fatalf("got %q, want PONG\\n", line)
	}
}

func TestFlowLineRoutedAndRepliedTo(t *testing.T) {
	r := router.New()
	h := &recordingHandler{flows: make(chan *flow.Flow, 1), resp: flow.OriginalSentinel()}
	r.Register(router.Registration{ProjectID: "A", Name: "proj-a", Handler: h})

	s := newRunningServer(t, r)
	conn := dial(t, s.cfg.Addr)
	defer conn.Close()

	line := `{"flow_id":"f1","request":{"method":"GET","url":"https://x/y","headers":{},"body":""},"project_id":"A"}` + "\n"
	conn.Write([]byte(line))

	reply, _ := bufio.NewReader(conn).ReadString('\n')
	if reply != "{\"status_code\":null,\"headers\":null,\"body\":null}\n" {
		t.Fatalf("got %q", reply)
	}

	select {
	case f := <-h.flows:
		if f.ID != "f1" {
			t.Errorf("expected flow f1, got %s", f.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never received the flow")
	}
}

func TestMalformedLineRepliesOriginalSentinel(t *testing.T) {
	s := newRunningServer(t, router.New())
	conn := dial(t, s.cfg.Addr)
	defer conn.Close()

	conn.Write([]byte("not json\n"))
	reply, _ := bufio.NewReader(conn).ReadString('\n')
	if reply != "{\"status_code\":null,\"headers\":null,\"body\":null}\n" {
		t.Fatalf("got %q", reply)
	}
}

func TestUnhandledFlowRepliesOriginalSentinel(t *testing.T) {
	s := newRunningServer(t, router.New()) // no registrations
	conn := dial(t, s.cfg.Addr)
	defer conn.Close()

	line := `{"flow_id":"f1","request":{"method":"GET","url":"https://x/y"}}` + "\n"
	conn.Write([]byte(line))
	reply, _ := bufio.NewReader(conn).ReadString('\n')
	if reply != "{\"status_code\":null,\"headers\":null,\"body\":null}\n" {
		t.Fatalf("got %q", reply)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	s := newRunningServer(t, router.New())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := newRunningServer(t, router.New())
	s.Stop()
	s.Stop()
	if s.Running() {
		t.Error("expected server stopped")
	}
}

// TestRegisterImplicitlyStartsAndUnregisterImplicitlyStops covers spec.md
// §4.1's register()-implicit-start / unregister()-implicit-stop contract,
// wired here as the Router's ref-count observer (§9 "ref-counted by
// registration count") rather than via an explicit Start/Stop call.
func TestRegisterImplicitlyStartsAndUnregisterImplicitlyStops(t *testing.T) {
	r := router.New()
	s := New(Config{Addr: "127.0.0.1:0", WorkerCount: 2, QueueSize: 2, ReadTimeout: time.Second}, r, nil)
	t.Cleanup(s.Stop)

	if s.Running() {
		t.Fatal("expected server not running before any project is registered")
	}

	h := &recordingHandler{flows: make(chan *flow.Flow, 1), resp: flow.OriginalSentinel()}
	r.Register(router.Registration{ProjectID: "A", Name: "proj-a", Handler: h})

	if !s.Running() {
		t.Fatal("expected server to start implicitly on the first registration")
	}

	conn := dial(t, s.Addr())
	conn.Write([]byte("PING\n"))
	line, _ := bufio.NewReader(conn).ReadString('\n')
	conn.Close()
	if line != "PONG\n" {
		t.Fatalf("got %q, want PONG\\n", line)
	}

	r.Unregister("A")

	if s.Running() {
		t.Fatal("expected server to stop implicitly once the last registration is removed")
	}

	// Re-registering after the implicit stop must implicitly start again.
	r.Register(router.Registration{ProjectID: "B", Name: "proj-b", Handler: h})
	if !s.Running() {
		t.Fatal("expected server to restart implicitly on a subsequent registration")
	}
}
