package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/matst80/burrow/internal/auth"
	"github.com/matst80/burrow/internal/config"
	"github.com/matst80/burrow/internal/mux"
	"github.com/matst80/burrow/internal/proto"
)

func startServer(t *testing.T, mutate func(*config.ServerConfig)) (*Server, string) {
	t.Helper()
	cfg := config.DefaultServer()
	cfg.Tokens = []string{"secret"}
	cfg.PublicAddr = "127.0.0.1"
	cfg.HandshakeTimeout = time.Second
	cfg.OpenTimeout = time.Second
	cfg.RateLimit = config.RateLimit{}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(&cfg, Options{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx, ln)
	t.Cleanup(func() {
		cancel()
		s.Shutdown()
	})
	return s, ln.Addr().String()
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// rawClient speaks the protocol directly so tests control every frame.
type rawClient struct {
	sid     string
	m       *mux.Session
	results chan proto.ExposeResult
}

func dialRaw(t *testing.T, addr, token string, onOpen func(*mux.Stream)) (*rawClient, error) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	rd := proto.NewReader(conn)
	sid, err := auth.Login(conn, rd, token, time.Second)
	if err != nil {
		conn.Close()
		return nil, err
	}
	rc := &rawClient{sid: sid, results: make(chan proto.ExposeResult, 8)}
	rc.m = mux.New(conn, rd, mux.Config{
		OnOpen: onOpen,
		OnControl: func(m proto.Message) error {
			if m.Type == proto.TypeExposeResult {
				res, err := proto.ParseExposeResult(m)
				if err != nil {
					return err
				}
				rc.results <- res
			}
			return nil
		},
	})
	go rc.m.Run()
	t.Cleanup(func() { rc.m.Close() })
	return rc, nil
}

func (rc *rawClient) expose(t *testing.T, port uint16, service string) proto.ExposeResult {
	t.Helper()
	if err := rc.m.Send(proto.Expose{RemotePort: port, Service: service}.Message()); err != nil {
		t.Fatalf("send expose: %v", err)
	}
	select {
	case res := <-rc.results:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("no expose result")
	}
	return proto.ExposeResult{}
}

func echoStream(st *mux.Stream) {
	if err := st.Accept(); err != nil {
		return
	}
	_, _ = io.Copy(st, st)
	st.Close()
}

func dialPublic(t *testing.T, port uint16) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		t.Fatalf("dial public: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Error("Expected connection to be closed")
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Error("Expected connection to be closed, read timed out")
	}
}

func TestInvalidTokenOpensNoListener(t *testing.T) {
	s, addr := startServer(t, nil)
	if _, err := dialRaw(t, addr, "wrong", nil); !errors.Is(err, auth.ErrAuthFailed) {
		t.Fatalf("Expected ErrAuthFailed, got %v", err)
	}
	st := s.Status()
	if len(st.Sessions) != 0 || st.BoundPorts != 0 {
		t.Errorf("Expected no sessions or ports, got %+v", st)
	}
	if st.AuthFailures != 1 {
		t.Errorf("Expected 1 auth failure, got %d", st.AuthFailures)
	}
}

func TestExposeAndRelay(t *testing.T) {
	s, addr := startServer(t, nil)
	rc, err := dialRaw(t, addr, "secret", echoStream)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if rc.sid == "" {
		t.Error("Expected a session id")
	}
	port := freePort(t)
	if res := rc.expose(t, port, "ssh"); res.Code != proto.CodeOK {
		t.Fatalf("Expected exposure bound, got %s %s", res.Code, res.Reason)
	}

	pub := dialPublic(t, port)
	msg := []byte("SSH-2.0-test\r\n")
	if _, err := pub.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	_ = pub.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(pub, buf); err != nil || string(buf) != string(msg) {
		t.Fatalf("Expected echo, got %q %v", buf, err)
	}
	st := s.Status()
	if len(st.Sessions) != 1 || st.Sessions[0].ID != rc.sid || st.StreamsOpened != 1 {
		t.Errorf("unexpected status %+v", st)
	}
	if len(st.Sessions[0].Exposures) != 1 || st.Sessions[0].Exposures[0].Service != "ssh" {
		t.Errorf("unexpected exposures %+v", st.Sessions[0].Exposures)
	}
}

func roundTrip(t *testing.T, port uint16, msg string) {
	t.Helper()
	pub := dialPublic(t, port)
	if _, err := pub.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	_ = pub.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(pub, buf); err != nil || string(buf) != msg {
		t.Fatalf("Expected %q echoed, got %q %v", msg, buf, err)
	}
}

func TestDuplicatePortRejected(t *testing.T) {
	s, addr := startServer(t, nil)
	first, err := dialRaw(t, addr, "secret", echoStream)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	second, err := dialRaw(t, addr, "secret", echoStream)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	port := freePort(t)
	if res := first.expose(t, port, "tcp"); res.Code != proto.CodeOK {
		t.Fatalf("first bind: %s", res.Code)
	}
	if res := second.expose(t, port, "tcp"); res.Code != proto.CodePortInUse {
		t.Errorf("Expected port_in_use, got %s", res.Code)
	}
	// The rejected exposure does not end the session.
	if res := second.expose(t, freePort(t), "tcp"); res.Code != proto.CodeOK {
		t.Errorf("Expected second session to stay usable, got %s", res.Code)
	}
	if owner := s.Registry().PortOwner(port); owner == nil || owner.ID != first.sid {
		t.Fatalf("Expected first session to keep port %d", port)
	}
	roundTrip(t, port, "first still serves")
	if n := s.Registry().Lookup(first.sid).StreamsOpened(); n != 1 {
		t.Errorf("Expected the stream on the first session, got %d", n)
	}
}

func TestEmptyPoolGeneratesToken(t *testing.T) {
	s, addr := startServer(t, func(c *config.ServerConfig) { c.Tokens = nil })
	if len(s.cfg.Tokens) != 1 || !strings.HasPrefix(s.cfg.Tokens[0], auth.TokenPrefix) {
		t.Fatalf("Expected one generated token, got %v", s.cfg.Tokens)
	}
	if _, err := dialRaw(t, addr, "secret", nil); !errors.Is(err, auth.ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed for a guessed token, got %v", err)
	}
	if _, err := dialRaw(t, addr, s.cfg.Tokens[0], nil); err != nil {
		t.Errorf("Expected generated token accepted, got %v", err)
	}
}

func TestAllowAnyToken(t *testing.T) {
	s, addr := startServer(t, func(c *config.ServerConfig) {
		c.Tokens = nil
		c.AllowAnyToken = true
	})
	if len(s.cfg.Tokens) != 0 {
		t.Errorf("Expected no generated token, got %v", s.cfg.Tokens)
	}
	if _, err := dialRaw(t, addr, "anything", nil); err != nil {
		t.Errorf("Expected any token accepted, got %v", err)
	}
}

func TestPortNotAllowed(t *testing.T) {
	_, addr := startServer(t, func(c *config.ServerConfig) {
		c.AllowPorts, _ = config.ParsePortRanges("1-2")
	})
	rc, err := dialRaw(t, addr, "secret", echoStream)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res := rc.expose(t, freePort(t), "tcp"); res.Code != proto.CodePortNotAllowed {
		t.Errorf("Expected port_not_allowed, got %s", res.Code)
	}
}

func TestSessionKillClosesStreams(t *testing.T) {
	s, addr := startServer(t, nil)
	rc, err := dialRaw(t, addr, "secret", echoStream)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	port := freePort(t)
	rc.expose(t, port, "tcp")

	const n = 4
	var pubs []net.Conn
	for i := 0; i < n; i++ {
		pub := dialPublic(t, port)
		pub.Write([]byte("x"))
		_ = pub.SetReadDeadline(time.Now().Add(3 * time.Second))
		if _, err := io.ReadFull(pub, make([]byte, 1)); err != nil {
			t.Fatalf("stream %d not relaying: %v", i, err)
		}
		pubs = append(pubs, pub)
	}
	waitFor(t, "active streams", func() bool { return s.Status().ActiveStreams == n })

	rc.m.Close()
	for _, pub := range pubs {
		expectClosed(t, pub)
	}
	waitFor(t, "session removal", func() bool {
		st := s.Status()
		return len(st.Sessions) == 0 && st.BoundPorts == 0 && st.ActiveStreams == 0
	})
	if s.Registry().PortOwner(port) != nil {
		t.Error("Expected port to be released")
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		t.Errorf("Expected public port to be free again: %v", err)
	} else {
		ln.Close()
	}
}

func TestUnacknowledgedStreamTimesOut(t *testing.T) {
	_, addr := startServer(t, func(c *config.ServerConfig) { c.OpenTimeout = 100 * time.Millisecond })
	block := make(chan struct{})
	defer close(block)
	rc, err := dialRaw(t, addr, "secret", func(st *mux.Stream) { <-block })
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	port := freePort(t)
	rc.expose(t, port, "rdp")
	expectClosed(t, dialPublic(t, port))
	select {
	case <-rc.m.Done():
		t.Error("Expected session to survive a stream timeout")
	default:
	}
}

func TestHeartbeatTimeout(t *testing.T) {
	s, addr := startServer(t, func(c *config.ServerConfig) { c.HeartbeatTimeout = 200 * time.Millisecond })
	silent, err := dialRaw(t, addr, "secret", nil)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	alive, err := dialRaw(t, addr, "secret", nil)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	echoes := make(chan struct{}, 64)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-alive.m.Done():
				return
			case <-ticker.C:
				if alive.m.Send(proto.Heartbeat()) == nil {
					select {
					case echoes <- struct{}{}:
					default:
					}
				}
			}
		}
	}()

	select {
	case <-silent.m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Expected silent session to be closed")
	}
	// Several heartbeat windows later the keepalive session is still there.
	time.Sleep(600 * time.Millisecond)
	select {
	case <-alive.m.Done():
		t.Fatal("Expected heartbeating session to survive")
	default:
	}
	if s.Registry().Lookup(alive.sid) == nil || s.Registry().Lookup(silent.sid) != nil {
		t.Error("unexpected registry contents after heartbeat timeout")
	}
	if len(echoes) == 0 {
		t.Error("Expected heartbeats to be sent")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	_, addr := startServer(t, func(c *config.ServerConfig) { c.HandshakeTimeout = 100 * time.Millisecond })
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	expectClosed(t, conn)
}

func TestProtocolErrorAfterAuth(t *testing.T) {
	s, addr := startServer(t, nil)
	rc, err := dialRaw(t, addr, "secret", nil)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	rc.m.Send(proto.Auth("again"))
	select {
	case <-rc.m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Expected session to be closed after a second Auth")
	}
	waitFor(t, "session removal", func() bool { return len(s.Status().Sessions) == 0 })
}

func TestShutdownClosesSessions(t *testing.T) {
	s, addr := startServer(t, nil)
	rc, err := dialRaw(t, addr, "secret", echoStream)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	rc.expose(t, freePort(t), "tcp")
	s.Shutdown()
	select {
	case <-rc.m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Expected client session closed on shutdown")
	}
	if st := s.Status(); st.Ready || len(st.Sessions) != 0 {
		t.Errorf("unexpected status after shutdown %+v", st)
	}
}

func TestAdminHandler(t *testing.T) {
	s, addr := startServer(t, nil)
	if _, err := dialRaw(t, addr, "secret", nil); err != nil {
		t.Fatalf("login: %v", err)
	}
	h := s.AdminHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	var st Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(st.Sessions) != 1 || !st.Ready {
		t.Errorf("unexpected state %+v", st)
	}

	for path, want := range map[string]int{"/healthz": 200, "/readyz": 200, "/dashboard": 200, "/metrics": 200} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Errorf("%s: expected %d, got %d", path, want, rec.Code)
		}
	}

	s.Shutdown()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after shutdown, got %d", rec.Code)
	}
}

func TestWritePageRenderFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	writePage(rec, func(w io.Writer) error {
		_, _ = w.Write([]byte("<html>half"))
		return errors.New("template exploded")
	})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "half") {
		t.Errorf("Expected partial output discarded, got %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	writePage(rec, func(w io.Writer) error {
		_, err := w.Write([]byte("<html>ok</html>"))
		return err
	})
	if rec.Code != http.StatusOK || rec.Body.String() != "<html>ok</html>" {
		t.Errorf("Expected page written, got %d %q", rec.Code, rec.Body.String())
	}
}
