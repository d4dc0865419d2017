package registry

import (
	"context"
	"time"

	"github.com/matst80/burrow/internal/config"
	"github.com/matst80/burrow/internal/obs"
)

// Mirror is told about session and port lifecycle events so the state can be
// observed outside the process.
type Mirror interface {
	SessionOpened(info SessionInfo)
	SessionClosed(id string)
	PortBound(port uint16, sessionID string)
	PortReleased(port uint16)
	// Touch refreshes a live session record.
	Touch(info SessionInfo)
}

// NopMirror keeps state in memory only.
type NopMirror struct{}

func (NopMirror) SessionOpened(SessionInfo) {}
func (NopMirror) SessionClosed(string)      {}
func (NopMirror) PortBound(uint16, string)  {}
func (NopMirror) PortReleased(uint16)       {}
func (NopMirror) Touch(SessionInfo)         {}

// NewMirror picks the Redis mirror when an address is configured.
func NewMirror(cfg config.Redis) (Mirror, error) {
	if cfg.Addr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return NopMirror{}, nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": cfg.Addr})
	return NewRedisMirror(cfg)
}

// StartMaintenance refreshes every live session in the mirror until ctx is
// done.
func (r *Registry) StartMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range r.Sessions() {
				r.opts.Mirror.Touch(s.Info())
			}
		}
	}
}
