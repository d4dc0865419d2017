package server

import (
	"time"

	"github.com/matst80/burrow/internal/registry"
)

// Status is a live snapshot of the server for dashboards and the API.
type Status struct {
	Started       time.Time              `json:"started"`
	Ready         bool                   `json:"ready"`
	Handshaking   int                    `json:"handshaking"`
	Sessions      []registry.SessionInfo `json:"sessions"`
	BoundPorts    int                    `json:"bound_ports"`
	ActiveStreams int64                  `json:"active_streams"`
	StreamsOpened int64                  `json:"streams_opened"`
	AuthFailures  int64                  `json:"auth_failures"`
	BytesIn       int64                  `json:"bytes_in"`
	BytesOut      int64                  `json:"bytes_out"`
	Now           string                 `json:"now"`
}

func (s *Server) Status() Status {
	snap := s.reg.Snapshot()
	st := Status{
		Started:       s.started,
		Ready:         s.ready.Load() && !s.isClosing(),
		Sessions:      snap.Sessions,
		BoundPorts:    snap.BoundPorts,
		ActiveStreams: s.streamsActive.Load(),
		StreamsOpened: s.streamsOpened.Load(),
		AuthFailures:  s.authFailures.Load(),
		BytesIn:       s.bytesIn.Load(),
		BytesOut:      s.bytesOut.Load(),
		Now:           time.Now().UTC().Format(time.RFC3339),
	}
	s.mu.Lock()
	for cc := range s.conns {
		if cc.State() < StateActive {
			st.Handshaking++
		}
	}
	s.mu.Unlock()
	return st
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (st Status) ToTemplateMap() map[string]any {
	return map[string]any{
		"Title":    "burrow server",
		"Sessions": len(st.Sessions),
		"Ports":    st.BoundPorts,
		"Streams":  st.ActiveStreams,
		"Opened":   st.StreamsOpened,
		"Started":  st.Started,
		"List":     st.Sessions,
	}
}
