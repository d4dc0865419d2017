package client

import (
	"time"

	"github.com/matst80/burrow/internal/proto"
)

type ExposureStatus struct {
	Name       string `json:"name"`
	Service    string `json:"service"`
	RemotePort int    `json:"remote_port"`
	Target     string `json:"target"`
	Bound      bool   `json:"bound"`
	Result     string `json:"result,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Status is a live snapshot of the client.
type Status struct {
	State             string           `json:"state"`
	Server            string           `json:"server"`
	SessionID         string           `json:"session_id,omitempty"`
	ConnectedSince    time.Time        `json:"connected_since"`
	Exposures         []ExposureStatus `json:"exposures"`
	ActiveStreams     int64            `json:"active_streams"`
	StreamsTotal      int64            `json:"streams_total"`
	UpstreamFailures  int64            `json:"upstream_failures"`
	ReconnectAttempts int              `json:"reconnect_attempts"`
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:             c.State().String(),
		Server:            c.cfg.ControlAddr(),
		SessionID:         c.sessionID,
		ConnectedSince:    c.since,
		ActiveStreams:     c.streamsActive.Load(),
		StreamsTotal:      c.streamsTotal.Load(),
		UpstreamFailures:  c.upstreamFailures.Load(),
		ReconnectAttempts: c.attempts,
	}
	for _, e := range c.cfg.Exposures {
		es := ExposureStatus{Name: e.Name, Service: e.Service, RemotePort: e.RemotePort, Target: e.Target()}
		if res, ok := c.results[uint16(e.RemotePort)]; ok && st.SessionID != "" {
			es.Bound = res.Code == proto.CodeOK
			es.Result = res.Code.String()
			es.Message = res.Reason
		}
		st.Exposures = append(st.Exposures, es)
	}
	return st
}
