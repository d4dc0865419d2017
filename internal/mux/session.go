// Package mux carries many logical streams over one control connection.
//
// Each Session has exactly one reader goroutine (Run) that decodes frames and
// hands StreamData payloads to bounded per-stream queues. When a queue is full
// the reader blocks, which pauses every stream on the connection instead of
// dropping data. Frames from concurrent writers are serialized by a single
// write lock so they never interleave on the wire.
package mux

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/burrow/internal/proto"
)

const (
	DefaultChunkSize = 32 * 1024
	// MaxChunkSize bounds StreamData payloads in both directions, so one
	// stream's queue holds at most QueueSize*MaxChunkSize bytes.
	MaxChunkSize     = 256 * 1024
	DefaultQueueSize = 64
)

var (
	ErrSessionClosed = errors.New("mux: session closed")
	ErrStreamClosed  = errors.New("mux: stream closed")
	ErrStreamRefused = errors.New("mux: stream refused by peer")
)

type Config struct {
	// ChunkSize caps the payload of one StreamData frame.
	ChunkSize int
	// QueueSize is the number of inbound frames buffered per stream.
	QueueSize int
	// OnControl receives frames that are not addressed to a stream. It runs on
	// the reader goroutine; a returned error tears the session down.
	OnControl func(proto.Message) error
	// OnOpen is started in its own goroutine for every OpenStream the peer
	// sends. When nil, peer-initiated streams are refused.
	OnOpen func(*Stream)
	// OnStreamClosed runs once per stream after it reached StateClosed.
	OnStreamClosed func(*Stream)
}

// Session multiplexes streams over conn.
type Session struct {
	conn net.Conn
	rd   *proto.Reader
	cfg  Config

	wmu  sync.Mutex
	wbuf []byte

	// streams is read lock-free by the frame reader; mu serializes inserts,
	// removals and id allocation.
	streams    sync.Map // uint32 -> *Stream
	nstreams   atomic.Int32
	mu         sync.Mutex
	nextID     uint32
	lastPeerID uint32
	closed     bool
	err        error

	done      chan struct{}
	closeOnce sync.Once
	lastRecv  atomic.Int64
}

// New wraps conn. rd may be a Reader that was already used for a handshake
// on the same conn (it may hold buffered bytes); nil creates a fresh one.
func New(conn net.Conn, rd *proto.Reader, cfg Config) *Session {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkSize > MaxChunkSize {
		cfg.ChunkSize = MaxChunkSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if rd == nil {
		rd = proto.NewReader(conn)
	}
	s := &Session{
		conn: conn,
		rd:   rd,
		cfg:  cfg,
		done: make(chan struct{}),
	}
	s.lastRecv.Store(time.Now().UnixNano())
	return s
}

// Run reads frames until the connection fails or the session is closed. It
// must be called exactly once. On return every stream has been closed.
func (s *Session) Run() error {
	defer s.teardown()
	for {
		m, err := s.rd.ReadMessage()
		if err != nil {
			s.CloseWithError(err)
			return s.Err()
		}
		s.lastRecv.Store(time.Now().UnixNano())
		if err := s.dispatch(m); err != nil {
			s.CloseWithError(err)
			return s.Err()
		}
	}
}

func (s *Session) dispatch(m proto.Message) error {
	switch m.Type {
	case proto.TypeOpenStream:
		return s.handleOpen(m)
	case proto.TypeStreamData:
		if len(m.Payload) > MaxChunkSize {
			return fmt.Errorf("%w: stream %d data of %d bytes exceeds %d", proto.ErrMalformed, m.StreamID, len(m.Payload), MaxChunkSize)
		}
		st := s.lookup(m.StreamID)
		if st == nil {
			// Closed locally; the peer learns through our CloseStream.
			return nil
		}
		st.markRelaying()
		if len(m.Payload) == 0 {
			return nil
		}
		select {
		case st.inbound <- m.Payload:
		case <-st.closed:
		case <-s.done:
			return ErrSessionClosed
		}
		return nil
	case proto.TypeCloseStream:
		if st := s.remove(m.StreamID); st != nil {
			st.peerClose()
		}
		return nil
	}
	if s.cfg.OnControl != nil {
		return s.cfg.OnControl(m)
	}
	return nil
}

func (s *Session) handleOpen(m proto.Message) error {
	if st := s.lookup(m.StreamID); st != nil {
		// Acknowledgement of a stream we opened.
		if !st.local {
			return fmt.Errorf("%w: duplicate open for stream %d", proto.ErrMalformed, m.StreamID)
		}
		st.markRelaying()
		return nil
	}
	if s.cfg.OnOpen == nil {
		// Ack for a stream that is already gone, or an open we do not serve.
		go s.Send(proto.CloseStream(m.StreamID))
		return nil
	}
	s.mu.Lock()
	if m.StreamID <= s.lastPeerID {
		s.mu.Unlock()
		return fmt.Errorf("%w: stream id %d reused", proto.ErrMalformed, m.StreamID)
	}
	s.lastPeerID = m.StreamID
	st := newStream(s, m.StreamID, proto.OpenStreamPort(m), false)
	s.insert(st)
	s.mu.Unlock()
	go s.cfg.OnOpen(st)
	return nil
}

// Open allocates the next stream id, registers the stream and sends
// OpenStream carrying remotePort to the peer.
func (s *Session) Open(remotePort uint16) (*Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.nextID++
	st := newStream(s, s.nextID, remotePort, true)
	s.insert(st)
	s.mu.Unlock()
	if err := s.Send(proto.OpenStream(st.id, remotePort)); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// Send writes one frame under the connection's write lock.
func (s *Session) Send(m proto.Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	b, err := proto.AppendFrame(s.wbuf[:0], m)
	if err != nil {
		return err
	}
	s.wbuf = b[:0]
	if _, err := s.conn.Write(b); err != nil {
		s.CloseWithError(err)
		return fmt.Errorf("mux: write %s: %w", m.Type, err)
	}
	return nil
}

func (s *Session) lookup(id uint32) *Stream {
	if v, ok := s.streams.Load(id); ok {
		return v.(*Stream)
	}
	return nil
}

// insert must be called with mu held.
func (s *Session) insert(st *Stream) {
	s.streams.Store(st.id, st)
	s.nstreams.Add(1)
}

func (s *Session) remove(id uint32) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.streams.LoadAndDelete(id)
	if !ok {
		return nil
	}
	s.nstreams.Add(-1)
	return v.(*Stream)
}

func (s *Session) forget(st *Stream) {
	s.mu.Lock()
	if s.streams.CompareAndDelete(st.id, st) {
		s.nstreams.Add(-1)
	}
	s.mu.Unlock()
}

// Close tears the session down; Run returns shortly after.
func (s *Session) Close() error {
	s.CloseWithError(ErrSessionClosed)
	return nil
}

// CloseWithError closes the session recording err as the reason, unless a
// reason was already recorded.
func (s *Session) CloseWithError(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Session) teardown() {
	s.CloseWithError(ErrSessionClosed)
	s.mu.Lock()
	var streams []*Stream
	s.streams.Range(func(k, v any) bool {
		streams = append(streams, v.(*Stream))
		s.streams.Delete(k)
		return true
	})
	s.nstreams.Store(0)
	s.mu.Unlock()
	for _, st := range streams {
		st.abort()
	}
}

// Err returns why the session ended, or nil while it is running.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// LastActivity is when the last frame of any kind was received.
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastRecv.Load()) }

// NumStreams returns the number of streams not yet closed.
func (s *Session) NumStreams() int { return int(s.nstreams.Load()) }

func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
