package wsconn

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matst80/burrow/internal/proto"
)

func TestDialAcceptFrames(t *testing.T) {
	ln := NewListener(nil)
	srv := httptest.NewServer(ln)
	defer srv.Close()
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	server, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer server.Close()

	go func() {
		_ = proto.WriteMessage(client, proto.Auth("tok"))
		_ = proto.WriteMessage(client, proto.StreamData(3, bytes.Repeat([]byte("x"), 70000)))
	}()
	rd := proto.NewReader(server)
	m, err := rd.ReadMessage()
	if err != nil || m.Type != proto.TypeAuth || string(m.Payload) != "tok" {
		t.Fatalf("Expected auth frame, got %+v %v", m, err)
	}
	m, err = rd.ReadMessage()
	if err != nil || m.StreamID != 3 || len(m.Payload) != 70000 {
		t.Fatalf("Expected large data frame, got %d bytes %v", len(m.Payload), err)
	}
}

func TestSmallReadsSpanMessages(t *testing.T) {
	ln := NewListener(nil)
	srv := httptest.NewServer(ln)
	defer srv.Close()
	defer ln.Close()

	client, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	go func() {
		client.Write([]byte("hello "))
		client.Write([]byte("world"))
		client.Close()
	}()
	got, err := io.ReadAll(server)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("Expected %q, got %q", "hello world", got)
	}
}

func TestListenerClose(t *testing.T) {
	ln := NewListener(nil)
	ln.Close()
	ln.Close()
	if _, err := ln.Accept(); !errors.Is(err, ErrListenerClosed) {
		t.Errorf("Expected ErrListenerClosed, got %v", err)
	}
}
