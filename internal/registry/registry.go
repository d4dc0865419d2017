// Package registry owns the server's live tunnel state: authenticated
// sessions and the public ports they have bound.
package registry

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/burrow/internal/auth"
	"github.com/matst80/burrow/internal/config"
	"github.com/matst80/burrow/internal/mux"
	"github.com/matst80/burrow/internal/obs"
)

var (
	ErrPortInUse        = errors.New("registry: port already bound")
	ErrPortNotAllowed   = errors.New("registry: port not allowed")
	ErrTooManyExposures = errors.New("registry: too many exposures")
	ErrBindFailed       = errors.New("registry: bind failed")
	ErrNoSession        = errors.New("registry: no session for port")
	ErrSessionClosed    = errors.New("registry: session closed")
)

// Exposure is a public port bound on behalf of a session.
type Exposure struct {
	RemotePort uint16    `json:"remote_port"`
	Service    string    `json:"service"`
	Name       string    `json:"name,omitempty"`
	Bound      time.Time `json:"bound"`
}

// Session is one authenticated control connection.
type Session struct {
	ID               string
	TokenFingerprint string
	Remote           string
	Created          time.Time
	Mux              *mux.Session

	mu        sync.Mutex
	exposures []Exposure
	listeners map[uint16]net.Listener
	removed   bool

	streamsOpened atomic.Int64
}

// Exposures returns the bound exposures in the order they were bound.
func (s *Session) Exposures() []Exposure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Exposure(nil), s.exposures...)
}

func (s *Session) Exposure(port uint16) (Exposure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.exposures {
		if e.RemotePort == port {
			return e, true
		}
	}
	return Exposure{}, false
}

func (s *Session) StreamsOpened() int64 { return s.streamsOpened.Load() }

func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:            s.ID,
		Fingerprint:   s.TokenFingerprint,
		Remote:        s.Remote,
		Created:       s.Created,
		StreamsOpened: s.streamsOpened.Load(),
		Exposures:     s.Exposures(),
	}
	if s.Mux != nil {
		info.LastActivity = s.Mux.LastActivity()
		info.ActiveStreams = s.Mux.NumStreams()
	}
	return info
}

// SessionInfo is the serializable view of a session used by status
// endpoints and the state mirror.
type SessionInfo struct {
	ID            string     `json:"id"`
	Fingerprint   string     `json:"token_fingerprint,omitempty"`
	Remote        string     `json:"remote"`
	Created       time.Time  `json:"created"`
	LastActivity  time.Time  `json:"last_activity"`
	ActiveStreams int        `json:"active_streams"`
	StreamsOpened int64      `json:"streams_opened"`
	Exposures     []Exposure `json:"exposures"`
}

type Snapshot struct {
	Sessions   []SessionInfo `json:"sessions"`
	BoundPorts int           `json:"bound_ports"`
}

type Options struct {
	Verifier     *auth.Verifier
	AllowPorts   config.PortRanges
	MaxExposures int
	// BindAddr is the host public listeners bind on.
	BindAddr string
	// Listen opens a public listener; defaults to net.Listen("tcp", addr).
	Listen func(addr string) (net.Listener, error)
	Mirror Mirror
}

// Registry holds the session table and the port table behind separate locks.
type Registry struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session

	portMu sync.Mutex
	ports  map[uint16]*Session
}

func New(opts Options) *Registry {
	if opts.Verifier == nil {
		opts.Verifier = auth.NewVerifier()
	}
	if opts.Listen == nil {
		opts.Listen = func(addr string) (net.Listener, error) { return net.Listen("tcp", addr) }
	}
	if opts.Mirror == nil {
		opts.Mirror = NopMirror{}
	}
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*Session),
		ports:    make(map[uint16]*Session),
	}
}

// RegisterSession checks token and records a new session around m.
func (r *Registry) RegisterSession(token string, m *mux.Session, remote string) (*Session, error) {
	if !r.opts.Verifier.Check(token) {
		return nil, auth.ErrAuthFailed
	}
	sess := &Session{
		ID:               uuid.NewString(),
		TokenFingerprint: auth.Fingerprint(token),
		Remote:           remote,
		Created:          time.Now(),
		Mux:              m,
		listeners:        make(map[uint16]net.Listener),
	}
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	n := len(r.sessions)
	r.mu.Unlock()
	obs.ActiveSessions.Set(float64(n))
	obs.SessionsTotal.Inc()
	r.opts.Mirror.SessionOpened(sess.Info())
	return sess, nil
}

// BindExposure reserves exp.RemotePort for sess and opens its public
// listener. The reservation is dropped again if listening fails.
func (r *Registry) BindExposure(sess *Session, exp Exposure) (net.Listener, error) {
	port := exp.RemotePort
	if !r.opts.AllowPorts.Contains(int(port)) {
		return nil, fmt.Errorf("%w: %d", ErrPortNotAllowed, port)
	}
	sess.mu.Lock()
	switch {
	case sess.removed:
		sess.mu.Unlock()
		return nil, ErrSessionClosed
	case r.opts.MaxExposures > 0 && len(sess.exposures) >= r.opts.MaxExposures:
		sess.mu.Unlock()
		return nil, fmt.Errorf("%w: limit %d", ErrTooManyExposures, r.opts.MaxExposures)
	}
	sess.mu.Unlock()

	r.portMu.Lock()
	if owner := r.ports[port]; owner != nil {
		r.portMu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrPortInUse, port)
	}
	r.ports[port] = sess
	r.portMu.Unlock()

	ln, err := r.opts.Listen(net.JoinHostPort(r.opts.BindAddr, strconv.Itoa(int(port))))
	if err != nil {
		r.releasePort(port, sess)
		return nil, fmt.Errorf("%w: port %d: %v", ErrBindFailed, port, err)
	}

	if exp.Bound.IsZero() {
		exp.Bound = time.Now()
	}
	sess.mu.Lock()
	if sess.removed {
		sess.mu.Unlock()
		_ = ln.Close()
		r.releasePort(port, sess)
		return nil, ErrSessionClosed
	}
	sess.exposures = append(sess.exposures, exp)
	sess.listeners[port] = ln
	sess.mu.Unlock()

	obs.BoundPorts.Inc()
	r.opts.Mirror.PortBound(port, sess.ID)
	return ln, nil
}

func (r *Registry) releasePort(port uint16, sess *Session) {
	r.portMu.Lock()
	if r.ports[port] == sess {
		delete(r.ports, port)
	}
	r.portMu.Unlock()
}

// RouteInbound opens a stream on the session owning port for a freshly
// accepted public connection. conn is closed when there is no owner or the
// stream cannot be opened.
func (r *Registry) RouteInbound(port uint16, conn net.Conn) (*Session, *mux.Stream, error) {
	sess := r.PortOwner(port)
	if sess == nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: %d", ErrNoSession, port)
	}
	st, err := sess.Mux.Open(port)
	if err != nil {
		_ = conn.Close()
		return sess, nil, err
	}
	sess.streamsOpened.Add(1)
	return sess, st, nil
}

// RemoveSession drops sess from both tables, closes its listeners and its
// mux session. It returns the number of listeners closed; repeated calls
// return 0.
func (r *Registry) RemoveSession(sess *Session) int {
	r.mu.Lock()
	if r.sessions[sess.ID] == sess {
		delete(r.sessions, sess.ID)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	sess.mu.Lock()
	if sess.removed {
		sess.mu.Unlock()
		return 0
	}
	sess.removed = true
	listeners := sess.listeners
	sess.listeners = make(map[uint16]net.Listener)
	sess.mu.Unlock()

	r.portMu.Lock()
	for port, owner := range r.ports {
		if owner == sess {
			delete(r.ports, port)
		}
	}
	r.portMu.Unlock()

	for port, ln := range listeners {
		_ = ln.Close()
		obs.BoundPorts.Dec()
		r.opts.Mirror.PortReleased(port)
	}
	if sess.Mux != nil {
		_ = sess.Mux.Close()
	}
	obs.ActiveSessions.Set(float64(n))
	r.opts.Mirror.SessionClosed(sess.ID)
	return len(listeners)
}

// Sessions returns the live sessions ordered by creation time.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

func (r *Registry) Lookup(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// PortOwner returns the session that bound port, or nil.
func (r *Registry) PortOwner(port uint16) *Session {
	r.portMu.Lock()
	defer r.portMu.Unlock()
	return r.ports[port]
}

func (r *Registry) Snapshot() Snapshot {
	sessions := r.Sessions()
	snap := Snapshot{Sessions: make([]SessionInfo, 0, len(sessions))}
	for _, s := range sessions {
		snap.Sessions = append(snap.Sessions, s.Info())
	}
	r.portMu.Lock()
	snap.BoundPorts = len(r.ports)
	r.portMu.Unlock()
	return snap
}
