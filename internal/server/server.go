// Package server accepts client control connections, binds the public ports
// they ask for and relays public traffic to them as mux streams.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/burrow/internal/auth"
	"github.com/matst80/burrow/internal/config"
	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/ratelimit"
	"github.com/matst80/burrow/internal/registry"
	"github.com/matst80/burrow/internal/wsconn"
)

var (
	ErrHeartbeatTimeout = errors.New("server: heartbeat timeout")
	ErrServerClosed     = errors.New("server: closed")
)

// Options carries collaborators that are not part of the config file.
type Options struct {
	Mirror registry.Mirror
	// Listen opens public listeners; defaults to TCP.
	Listen func(addr string) (net.Listener, error)
}

type Server struct {
	cfg     *config.ServerConfig
	reg     *registry.Registry
	started time.Time

	controlLimiter *ratelimit.RateLimiter
	publicLimiter  *ratelimit.RateLimiter

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*controlConn]struct{}
	closing   bool
	ready     atomic.Bool
	wg        sync.WaitGroup

	streamsOpened atomic.Int64
	streamsActive atomic.Int64
	authFailures  atomic.Int64
	bytesIn       atomic.Int64
	bytesOut      atomic.Int64
}

// New builds a server for cfg. When cfg has no tokens and AllowAnyToken is
// off, a token is generated, stored in cfg.Tokens and logged once.
func New(cfg *config.ServerConfig, opts Options) (*Server, error) {
	verifier := auth.NewVerifier(cfg.Tokens...)
	if verifier.Open() {
		if cfg.AllowAnyToken {
			obs.Warn("auth.open", obs.Fields{"msg": "no tokens configured, any client may connect"})
		} else {
			token, err := auth.GenerateToken()
			if err != nil {
				return nil, err
			}
			cfg.Tokens = []string{token}
			verifier = auth.NewVerifier(token)
			obs.Warn("auth.token_generated", obs.Fields{"token": token, "msg": "no tokens configured, clients must use this token"})
		}
	}
	rl := cfg.RateLimit
	return &Server{
		cfg:     cfg,
		started: time.Now(),
		reg: registry.New(registry.Options{
			Verifier:     verifier,
			AllowPorts:   cfg.AllowPorts,
			MaxExposures: cfg.MaxExposures,
			BindAddr:     cfg.PublicAddr,
			Listen:       opts.Listen,
			Mirror:       opts.Mirror,
		}),
		controlLimiter: ratelimit.NewRateLimiter(0, rl.ControlPerIP, rl.Burst),
		publicLimiter:  ratelimit.NewRateLimiter(rl.PublicGlobal, rl.PublicPerSession, rl.Burst),
		listeners:      make(map[net.Listener]struct{}),
		conns:          make(map[*controlConn]struct{}),
	}, nil
}

// Registry exposes the live session and port tables.
func (s *Server) Registry() *registry.Registry { return s.reg }

func (s *Server) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closing {
			return false
		}
		s.listeners[ln] = struct{}{}
	} else {
		delete(s.listeners, ln)
	}
	return true
}

// Serve accepts control connections on ln until ln is closed or ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln, true) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.trackListener(ln, false)
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.ready.Store(true)
	obs.Info("server.listening", obs.Fields{"addr": ln.Addr().String()})
	for {
		c, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				obs.Error("accept.control.temp", obs.Fields{"err": err.Error()})
				continue
			}
			if ctx.Err() != nil || s.isClosing() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, wsconn.ErrListenerClosed) {
				return nil
			}
			return err
		}
		if !s.controlLimiter.AllowConnection(remoteIP(c)) {
			obs.Warn("control.rate_limited", obs.Fields{"remote": c.RemoteAddr().String()})
			obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
			_ = c.Close()
			continue
		}
		cc := s.newControlConn(c)
		if cc == nil {
			_ = c.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			cc.serve()
		}()
	}
}

// ListenAndServe opens the control listener (TLS when configured) and, if
// configured, the WebSocket endpoint, then serves both until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	tlsCfg, err := s.cfg.TLS.ServerTLS()
	if err != nil {
		return err
	}
	ln, err := createListener(s.cfg.ControlAddr(), tlsCfg)
	if err != nil {
		return err
	}
	go s.maintain(ctx)

	errc := make(chan error, 2)
	go func() { errc <- s.Serve(ctx, ln) }()
	n := 1
	if s.cfg.WebSocketAddr != "" {
		n++
		go func() { errc <- s.serveWebSocket(ctx, tlsCfg) }()
	}
	var first error
	for i := 0; i < n; i++ {
		if err := <-errc; err != nil && first == nil {
			first = err
			s.Shutdown()
		}
	}
	return first
}

func (s *Server) serveWebSocket(ctx context.Context, tlsCfg *tls.Config) error {
	tcpLn, err := net.Listen("tcp", s.cfg.WebSocketAddr)
	if err != nil {
		return err
	}
	wsl := wsconn.NewListener(tcpLn.Addr())
	hmux := http.NewServeMux()
	hmux.Handle(s.cfg.WebSocketPath, wsl)
	hs := &http.Server{Handler: hmux, TLSConfig: tlsCfg, ReadHeaderTimeout: s.cfg.HandshakeTimeout}
	go func() {
		var err error
		if tlsCfg != nil {
			err = hs.ServeTLS(tcpLn, "", "")
		} else {
			err = hs.Serve(tcpLn)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("websocket.serve", obs.Fields{"err": err.Error()})
		}
		_ = wsl.Close()
	}()
	defer hs.Close()
	return s.Serve(ctx, wsl)
}

// maintain sweeps idle rate limiter state and refreshes the state mirror.
func (s *Server) maintain(ctx context.Context) {
	refresh := s.cfg.Redis.KeyTTL / 3
	if refresh <= 0 {
		refresh = time.Minute
	}
	go s.reg.StartMaintenance(ctx, refresh)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.controlLimiter.CleanupIdle(10 * time.Minute)
			active := make(map[string]bool)
			for _, sess := range s.reg.Sessions() {
				active[sess.ID] = true
			}
			s.publicLimiter.CleanupExpiredClients(active)
		}
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Shutdown stops accepting, closes every control connection (which tears
// down sessions, listeners and streams) and waits for handlers to exit.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closing = true
	s.ready.Store(false)
	listeners := make([]net.Listener, 0, len(s.listeners))
	for ln := range s.listeners {
		listeners = append(listeners, ln)
	}
	conns := make([]*controlConn, 0, len(s.conns))
	for cc := range s.conns {
		conns = append(conns, cc)
	}
	s.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, cc := range conns {
		cc.close()
	}
	for _, sess := range s.reg.Sessions() {
		s.reg.RemoveSession(sess)
	}
	s.wg.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
}

func createListener(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig == nil {
		return net.Listen("tcp", addr)
	}
	return tls.Listen("tcp", addr, tlsConfig)
}

func remoteIP(c net.Conn) string {
	h, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return h
}
