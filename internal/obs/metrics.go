package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "burrow_active_sessions", Help: "Authenticated control sessions"})
	ActiveStreams          = promauto.NewGauge(prometheus.GaugeOpts{Name: "burrow_active_streams", Help: "Relayed streams currently open"})
	BoundPorts             = promauto.NewGauge(prometheus.GaugeOpts{Name: "burrow_bound_ports", Help: "Public ports currently bound"})
	SessionsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "burrow_sessions_total", Help: "Sessions opened"})
	StreamsOpenedTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "burrow_streams_opened_total", Help: "Streams opened by service type"}, []string{"service"})
	StreamOpenTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "burrow_stream_open_timeout_total", Help: "Streams the client did not acknowledge in time"})
	AuthFailuresTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "burrow_auth_failures_total", Help: "Rejected control handshakes"})
	HeartbeatTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "burrow_heartbeat_timeouts_total", Help: "Sessions torn down for missing heartbeats"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "burrow_errors_total", Help: "Errors by type"}, []string{"type"})
	BytesRelayedTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "burrow_bytes_relayed_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	StreamDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "burrow_stream_duration_seconds", Help: "Stream lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
