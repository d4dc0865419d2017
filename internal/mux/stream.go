package mux

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/burrow/internal/proto"
)

// State of a stream: Opening -> Relaying -> Closed.
type State int32

const (
	StateOpening State = iota
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Stream is one logical connection inside a Session. Read and Write may be
// used from different goroutines; Close is idempotent.
type Stream struct {
	id      uint32
	port    uint16
	local   bool // opened by this side
	sess    *Session
	created time.Time
	state   atomic.Int32

	inbound chan []byte // closed by the session reader only
	rbuf    []byte

	ready      chan struct{}
	readyOnce  sync.Once
	closed     chan struct{}
	closeOnce  sync.Once
	peerGone   chan struct{}
	peerOnce   sync.Once
	peerClosed atomic.Bool
}

func newStream(s *Session, id uint32, port uint16, local bool) *Stream {
	return &Stream{
		id:       id,
		port:     port,
		local:    local,
		sess:     s,
		created:  time.Now(),
		inbound:  make(chan []byte, s.cfg.QueueSize),
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
		peerGone: make(chan struct{}),
	}
}

func (st *Stream) ID() uint32            { return st.id }
func (st *Stream) RemotePort() uint16    { return st.port }
func (st *Stream) State() State          { return State(st.state.Load()) }
func (st *Stream) Created() time.Time    { return st.created }
func (st *Stream) Session() *Session     { return st.sess }
func (st *Stream) Done() <-chan struct{} { return st.closed }

func (st *Stream) markRelaying() {
	if st.state.CompareAndSwap(int32(StateOpening), int32(StateRelaying)) {
		st.readyOnce.Do(func() { close(st.ready) })
	}
}

// Accept acknowledges a peer-opened stream and moves it to Relaying.
func (st *Stream) Accept() error {
	if st.State() == StateClosed || st.peerClosed.Load() {
		return ErrStreamClosed
	}
	if err := st.sess.Send(proto.OpenStream(st.id, st.port)); err != nil {
		return err
	}
	st.markRelaying()
	return nil
}

// WaitReady blocks until the peer acknowledged the stream (or sent data).
func (st *Stream) WaitReady(ctx context.Context) error {
	select {
	case <-st.ready:
		return nil
	case <-st.peerGone:
	case <-st.closed:
	case <-st.sess.done:
	case <-ctx.Done():
	}
	select {
	case <-st.ready:
		return nil
	default:
	}
	switch {
	case st.peerClosed.Load():
		return ErrStreamRefused
	case st.State() == StateClosed:
		return ErrStreamClosed
	}
	select {
	case <-st.sess.done:
		return ErrSessionClosed
	default:
	}
	return ctx.Err()
}

// Read returns data relayed by the peer, io.EOF once the peer closed the
// stream and the queue is drained.
func (st *Stream) Read(p []byte) (int, error) {
	if len(st.rbuf) == 0 {
		select {
		case b, ok := <-st.inbound:
			if !ok {
				return 0, io.EOF
			}
			st.rbuf = b
		case <-st.closed:
			return 0, ErrStreamClosed
		}
	}
	n := copy(p, st.rbuf)
	st.rbuf = st.rbuf[n:]
	return n, nil
}

// Write sends p as one or more StreamData frames.
func (st *Stream) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if st.State() == StateClosed || st.peerClosed.Load() {
			return written, ErrStreamClosed
		}
		n := len(p)
		if n > st.sess.cfg.ChunkSize {
			n = st.sess.cfg.ChunkSize
		}
		if err := st.sess.Send(proto.StreamData(st.id, p[:n])); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Close releases the stream and tells the peer, unless the peer closed it
// first or the session is gone.
func (st *Stream) Close() error {
	st.closeOnce.Do(func() {
		st.state.Store(int32(StateClosed))
		close(st.closed)
		st.sess.forget(st)
		if !st.peerClosed.Load() {
			_ = st.sess.Send(proto.CloseStream(st.id))
		}
		if st.sess.cfg.OnStreamClosed != nil {
			st.sess.cfg.OnStreamClosed(st)
		}
	})
	return nil
}

// peerClose is called by the session reader when CloseStream arrives.
func (st *Stream) peerClose() {
	st.peerOnce.Do(func() {
		st.peerClosed.Store(true)
		close(st.peerGone)
		close(st.inbound)
	})
}

// abort force-closes the stream during session teardown (reader goroutine).
func (st *Stream) abort() {
	st.peerClose()
	_ = st.Close()
}
