package mux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/matst80/burrow/internal/proto"
)

// pair returns two running sessions joined by an in-memory pipe. server
// opens streams, client accepts them with onOpen.
func pair(t *testing.T, cfg Config, onOpen func(*Stream)) (server, client *Session) {
	t.Helper()
	a, b := net.Pipe()
	server = New(a, nil, cfg)
	ccfg := cfg
	ccfg.OnOpen = onOpen
	client = New(b, nil, ccfg)
	go server.Run()
	go client.Run()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func echo(st *Stream) {
	if err := st.Accept(); err != nil {
		return
	}
	_, _ = io.Copy(st, st)
	_ = st.Close()
}

func openReady(t *testing.T, s *Session, port uint16) *Stream {
	t.Helper()
	st, err := s.Open(port)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := st.WaitReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	return st
}

func TestOpenAcceptEcho(t *testing.T) {
	seen := make(chan uint16, 1)
	server, _ := pair(t, Config{}, func(st *Stream) {
		seen <- st.RemotePort()
		echo(st)
	})
	st := openReady(t, server, 6001)
	if st.State() != StateRelaying {
		t.Errorf("Expected relaying, got %s", st.State())
	}
	if got := <-seen; got != 6001 {
		t.Errorf("Expected client to see port 6001, got %d", got)
	}
	msg := []byte("hello over the tunnel")
	if _, err := st.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(st, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Errorf("Expected %q, got %q", msg, buf)
	}
	st.Close()
	st.Close()
	if st.State() != StateClosed {
		t.Errorf("Expected closed, got %s", st.State())
	}
}

func TestChunkedOrdering(t *testing.T) {
	server, _ := pair(t, Config{ChunkSize: 1024, QueueSize: 4}, echo)
	st := openReady(t, server, 22)

	payload := make([]byte, 200*1024)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	go func() { _, _ = st.Write(payload) }()
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(st, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("Expected echoed payload to match byte for byte")
	}
}

func TestRefusedStream(t *testing.T) {
	server, _ := pair(t, Config{}, func(st *Stream) { st.Close() })
	st, err := server.Open(3389)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := st.WaitReady(ctx); !errors.Is(err, ErrStreamRefused) {
		t.Errorf("Expected ErrStreamRefused, got %v", err)
	}
}

func TestWaitReadyTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	server, _ := pair(t, Config{}, func(st *Stream) { <-block })
	st, err := server.Open(22)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := st.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestStreamIsolation(t *testing.T) {
	server, _ := pair(t, Config{}, func(st *Stream) {
		if st.RemotePort() == 1 {
			st.Close()
			return
		}
		echo(st)
	})
	bad, err := server.Open(1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	good := openReady(t, server, 2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := bad.WaitReady(ctx); err == nil {
		t.Fatal("Expected refused stream")
	}
	if _, err := good.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(good, buf); err != nil || string(buf) != "ping" {
		t.Errorf("Expected ping echo, got %q %v", buf, err)
	}
}

func TestBackpressureKeepsData(t *testing.T) {
	accepted := make(chan *Stream, 1)
	server, _ := pair(t, Config{ChunkSize: 4, QueueSize: 1}, func(st *Stream) {
		st.Accept()
		accepted <- st
	})
	st := openReady(t, server, 22)
	remote := <-accepted

	want := []byte("0123456789abcdefghijklmnopqrstuv")
	done := make(chan error, 1)
	go func() {
		_, err := st.Write(want)
		done <- err
	}()
	// Let the writer fill the queue and stall before anyone reads.
	time.Sleep(50 * time.Millisecond)
	got := make([]byte, len(want))
	if _, err := io.ReadFull(remote, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Expected %q, got %q", want, got)
	}
	if err := <-done; err != nil {
		t.Errorf("write: %v", err)
	}
}

func TestSessionCloseCascades(t *testing.T) {
	server, client := pair(t, Config{}, echo)
	var streams []*Stream
	for i := 0; i < 5; i++ {
		streams = append(streams, openReady(t, server, uint16(7000+i)))
	}
	if n := server.NumStreams(); n != 5 {
		t.Fatalf("Expected 5 streams, got %d", n)
	}
	client.Close()
	deadline := time.After(2 * time.Second)
	for i, st := range streams {
		select {
		case <-st.Done():
		case <-deadline:
			t.Fatalf("stream %d not closed after session close", i)
		}
	}
	select {
	case <-server.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server session still running")
	}
	if n := server.NumStreams(); n != 0 {
		t.Errorf("Expected no streams after teardown, got %d", n)
	}
	if _, err := server.Open(1); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
}

func TestMalformedFrameKillsSession(t *testing.T) {
	a, b := net.Pipe()
	s := New(a, nil, Config{})
	errc := make(chan error, 1)
	go func() { errc <- s.Run() }()
	go func() { _, _ = b.Write([]byte{0, 0, 0, 5, 0x7f, 0, 0, 0, 0}) }()
	select {
	case err := <-errc:
		if !errors.Is(err, proto.ErrMalformed) {
			t.Errorf("Expected ErrMalformed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session survived a malformed frame")
	}
	b.Close()
}

func TestControlFramesAndActivity(t *testing.T) {
	got := make(chan proto.Message, 1)
	a, b := net.Pipe()
	s := New(a, nil, Config{OnControl: func(m proto.Message) error {
		got <- m
		return nil
	}})
	go s.Run()
	defer s.Close()
	before := s.LastActivity()
	time.Sleep(5 * time.Millisecond)
	go proto.WriteMessage(b, proto.Heartbeat())
	select {
	case m := <-got:
		if m.Type != proto.TypeHeartbeat {
			t.Errorf("Expected heartbeat, got %s", m.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat not delivered")
	}
	if !s.LastActivity().After(before) {
		t.Error("Expected last activity to advance")
	}
}

func TestRelay(t *testing.T) {
	server, _ := pair(t, Config{}, echo)
	st := openReady(t, server, 22)

	outer, inner := net.Pipe()
	go Relay(inner, st)
	if _, err := outer.Write([]byte("through relay")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len("through relay"))
	if _, err := io.ReadFull(outer, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	outer.Close()
	select {
	case <-st.Done():
	case <-time.After(2 * time.Second):
		t.Error("Expected stream closed when relay side closes")
	}
}

func TestOversizedDataKillsSession(t *testing.T) {
	a, b := net.Pipe()
	s := New(a, nil, Config{})
	errc := make(chan error, 1)
	go func() { errc <- s.Run() }()
	go func() { _ = proto.WriteMessage(b, proto.StreamData(1, make([]byte, MaxChunkSize+1))) }()
	select {
	case err := <-errc:
		if !errors.Is(err, proto.ErrMalformed) {
			t.Errorf("Expected ErrMalformed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session accepted an oversized data frame")
	}
	b.Close()
}

func TestDataDeliveredWhileTableLocked(t *testing.T) {
	accepted := make(chan *Stream, 1)
	server, client := pair(t, Config{}, func(st *Stream) {
		st.Accept()
		accepted <- st
	})
	st := openReady(t, server, 22)
	remote := <-accepted

	client.mu.Lock()
	defer client.mu.Unlock()
	if _, err := st.Write([]byte("hot path")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make(chan string, 1)
	go func() {
		buf := make([]byte, len("hot path"))
		if _, err := io.ReadFull(remote, buf); err == nil {
			got <- string(buf)
		}
	}()
	select {
	case s := <-got:
		if s != "hot path" {
			t.Errorf("Expected %q, got %q", "hot path", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("data frame waited on the stream table lock")
	}
}
