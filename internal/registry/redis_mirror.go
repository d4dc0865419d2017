package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/matst80/burrow/internal/config"
	"github.com/matst80/burrow/internal/obs"
	"github.com/redis/go-redis/v9"
)

const (
	sessionPrefix = "burrow:session:"
	portPrefix    = "burrow:port:"
)

func sessionKey(id string) string { return sessionPrefix + id }
func portKey(port uint16) string  { return portPrefix + strconv.Itoa(int(port)) }

// RedisMirror publishes sessions and port ownership to Redis with a TTL, so
// a status query can read the live state of a running server.
type RedisMirror struct {
	client     *redis.Client
	ttl        time.Duration
	instanceID string
	timeout    time.Duration
}

func NewRedisMirror(cfg config.Redis) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisMirror(rdb, cfg.KeyTTL), nil
}

func newRedisMirror(rdb *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return &RedisMirror{
		client:     rdb,
		ttl:        ttl,
		instanceID: fmt.Sprintf("burrow-%d", time.Now().UnixNano()),
		timeout:    2 * time.Second,
	}
}

var _ Mirror = (*RedisMirror)(nil)

// record is what is stored under a session key.
type record struct {
	SessionInfo
	Instance string    `json:"instance"`
	Updated  time.Time `json:"updated"`
}

func (m *RedisMirror) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.timeout)
}

func (m *RedisMirror) fail(op string, err error, f obs.Fields) {
	if f == nil {
		f = obs.Fields{}
	}
	f["err"] = err.Error()
	obs.Error("redis."+op, f)
	obs.ErrorsTotal.WithLabelValues("redis").Inc()
}

func (m *RedisMirror) SessionOpened(info SessionInfo) { m.Touch(info) }

func (m *RedisMirror) Touch(info SessionInfo) {
	data, err := json.Marshal(record{SessionInfo: info, Instance: m.instanceID, Updated: time.Now().UTC()})
	if err != nil {
		m.fail("marshal_session", err, obs.Fields{"session": info.ID})
		return
	}
	ctx, cancel := m.ctx()
	defer cancel()
	pipe := m.client.Pipeline()
	pipe.Set(ctx, sessionKey(info.ID), data, m.ttl)
	for _, e := range info.Exposures {
		pipe.Expire(ctx, portKey(e.RemotePort), m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.fail("touch_session", err, obs.Fields{"session": info.ID})
	}
}

func (m *RedisMirror) SessionClosed(id string) {
	ctx, cancel := m.ctx()
	defer cancel()
	if err := m.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		m.fail("remove_session", err, obs.Fields{"session": id})
	}
}

func (m *RedisMirror) PortBound(port uint16, sessionID string) {
	ctx, cancel := m.ctx()
	defer cancel()
	if err := m.client.Set(ctx, portKey(port), sessionID, m.ttl).Err(); err != nil {
		m.fail("port_bound", err, obs.Fields{"port": port, "session": sessionID})
	}
}

func (m *RedisMirror) PortReleased(port uint16) {
	ctx, cancel := m.ctx()
	defer cancel()
	if err := m.client.Del(ctx, portKey(port)).Err(); err != nil {
		m.fail("port_released", err, obs.Fields{"port": port})
	}
}

func (m *RedisMirror) Close() error { return m.client.Close() }

// ReadSnapshot scans every mirrored session record.
func (m *RedisMirror) ReadSnapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	iter := m.client.Scan(ctx, 0, sessionPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := m.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return snap, err
		}
		info, err := decodeRecord([]byte(val))
		if err != nil {
			obs.Error("redis.unmarshal_session", obs.Fields{"err": err.Error(), "key": iter.Val()})
			continue
		}
		snap.Sessions = append(snap.Sessions, info)
		snap.BoundPorts += len(info.Exposures)
	}
	return snap, iter.Err()
}

func decodeRecord(b []byte) (SessionInfo, error) {
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return SessionInfo{}, err
	}
	return rec.SessionInfo, nil
}
