package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/matst80/burrow/internal/mux"
	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/registry"
)

// acceptPublic serves one bound exposure until its listener is closed.
func (s *Server) acceptPublic(sess *registry.Session, exp registry.Exposure, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				obs.Error("accept.public.temp", obs.Fields{"err": err.Error(), "port": exp.RemotePort})
				continue
			}
			obs.Debug("accept.public.stop", obs.Fields{"port": exp.RemotePort, "session": sess.ID})
			return
		}
		if !s.publicLimiter.AllowConnection(sess.ID) {
			obs.Warn("public.rate_limited", obs.Fields{"port": exp.RemotePort, "remote": c.RemoteAddr().String()})
			obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
			_ = c.Close()
			continue
		}
		go s.handlePublic(exp, c)
	}
}

// handlePublic opens a stream for c, waits for the client to acknowledge it
// and relays until either side closes.
func (s *Server) handlePublic(exp registry.Exposure, c net.Conn) {
	remote := c.RemoteAddr().String()
	sess, st, err := s.reg.RouteInbound(exp.RemotePort, c)
	if err != nil {
		obs.Warn("public.route_failed", obs.Fields{"port": exp.RemotePort, "remote": remote, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("route").Inc()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpenTimeout)
	err = st.WaitReady(ctx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			obs.StreamOpenTimeoutTotal.Inc()
		}
		obs.Warn("stream_refused", obs.Fields{"session": sess.ID, "stream": st.ID(), "port": exp.RemotePort, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("stream_open").Inc()
		_ = st.Close()
		_ = c.Close()
		return
	}

	s.streamsOpened.Add(1)
	s.streamsActive.Add(1)
	obs.ActiveStreams.Inc()
	obs.StreamsOpenedTotal.WithLabelValues(exp.Service).Inc()
	obs.Info("stream_opened", obs.Fields{"session": sess.ID, "stream": st.ID(), "port": exp.RemotePort, "service": exp.Service, "remote": remote})

	start := time.Now()
	in, out := mux.Relay(c, st)

	s.streamsActive.Add(-1)
	s.bytesIn.Add(in)
	s.bytesOut.Add(out)
	obs.ActiveStreams.Dec()
	obs.BytesRelayedTotal.WithLabelValues("inbound").Add(float64(in))
	obs.BytesRelayedTotal.WithLabelValues("outbound").Add(float64(out))
	obs.StreamDurationSeconds.Observe(time.Since(start).Seconds())
	obs.Info("stream_closed", obs.Fields{"session": sess.ID, "stream": st.ID(), "port": exp.RemotePort, "bytes_in": in, "bytes_out": out, "duration": time.Since(start).String()})
}
