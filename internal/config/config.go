// Package config holds the versioned, validated configuration for the
// tunnel server and client.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is the only configuration layout this build understands.
const Version = 1

// Service types an exposure can declare.
const (
	ServiceTCP  = "tcp"
	ServiceSSH  = "ssh"
	ServiceRDP  = "rdp"
	ServiceHTTP = "http"
)

var services = map[string]bool{ServiceTCP: true, ServiceSSH: true, ServiceRDP: true, ServiceHTTP: true}

// Transport selects how the client reaches the control port.
const (
	TransportTCP       = "tcp"
	TransportTLS       = "tls"
	TransportWebSocket = "websocket"
	TransportWSS       = "wss"
)

// Env overrides for secrets, so tokens need not live in config files.
const (
	EnvToken  = "BURROW_TOKEN"
	EnvTokens = "BURROW_TOKENS"
)

var ErrInvalid = errors.New("config: invalid")

// TLS configures the control listener (server) or dialer (client).
type TLS struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	ServerName string `yaml:"server_name"`
	Insecure   bool   `yaml:"insecure_skip_verify"`
}

type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	KeyTTL   time.Duration `yaml:"key_ttl"`
}

type RateLimit struct {
	// ControlPerIP limits control connection attempts per remote IP per second.
	ControlPerIP int `yaml:"control_per_ip"`
	// PublicPerSession limits inbound public connections per session per second.
	PublicPerSession int `yaml:"public_per_session"`
	// PublicGlobal limits all inbound public connections per second.
	PublicGlobal int `yaml:"public_global"`
	Burst        int `yaml:"burst"`
}

type ServerConfig struct {
	Version          int           `yaml:"version"`
	BindAddr         string        `yaml:"bind_addr"`
	BindPort         int           `yaml:"bind_port"`
	PublicAddr       string        `yaml:"public_addr"`
	WebSocketAddr    string        `yaml:"websocket_addr"`
	WebSocketPath    string        `yaml:"websocket_path"`
	Tokens           []string      `yaml:"tokens"`
	// AllowAnyToken accepts every client when Tokens is empty. Without it an
	// empty pool gets one generated token at startup.
	AllowAnyToken    bool          `yaml:"allow_any_token"`
	AllowPorts       PortRanges    `yaml:"allow_ports"`
	MaxExposures     int           `yaml:"max_exposures"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	ChunkSize        int           `yaml:"chunk_size"`
	QueueSize        int           `yaml:"queue_size"`
	AdminAddr        string        `yaml:"admin_addr"`
	Debug            bool          `yaml:"debug"`
	LogFile          string        `yaml:"log_file"`
	TLS              TLS           `yaml:"tls"`
	Redis            Redis         `yaml:"redis"`
	RateLimit        RateLimit     `yaml:"rate_limit"`
}

// ControlAddr is the host:port the control listener binds.
func (c *ServerConfig) ControlAddr() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.BindPort))
}

func DefaultServer() ServerConfig {
	return ServerConfig{
		Version:          Version,
		BindAddr:         "0.0.0.0",
		BindPort:         7000,
		PublicAddr:       "0.0.0.0",
		WebSocketPath:    "/burrow",
		MaxExposures:     16,
		HandshakeTimeout: 10 * time.Second,
		HeartbeatTimeout: 90 * time.Second,
		OpenTimeout:      10 * time.Second,
		AdminAddr:        ":7500",
		Redis:            Redis{KeyTTL: 3 * time.Minute},
		RateLimit:        RateLimit{ControlPerIP: 5, Burst: 10},
	}
}

func (c *ServerConfig) Validate() error {
	var errs []error
	if c.Version != Version {
		errs = append(errs, fmt.Errorf("unsupported version %d (want %d)", c.Version, Version))
	}
	if c.BindPort < 0 || c.BindPort > 65535 {
		errs = append(errs, fmt.Errorf("bind_port %d out of range", c.BindPort))
	}
	if c.HandshakeTimeout <= 0 || c.HeartbeatTimeout <= 0 || c.OpenTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.MaxExposures < 0 {
		errs = append(errs, errors.New("max_exposures must not be negative"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file go together"))
	}
	if c.TLS.CAFile != "" && c.TLS.CertFile == "" {
		errs = append(errs, errors.New("tls.ca_file requires a server certificate"))
	}
	if c.WebSocketAddr != "" && !strings.HasPrefix(c.WebSocketPath, "/") {
		errs = append(errs, fmt.Errorf("websocket_path %q must start with /", c.WebSocketPath))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Exposure maps one public port on the server to a local service.
type Exposure struct {
	Name       string `yaml:"name"`
	Service    string `yaml:"service"`
	RemotePort int    `yaml:"remote_port"`
	LocalAddr  string `yaml:"local_addr"`
	LocalPort  int    `yaml:"local_port"`
}

// Target is the local host:port the client dials for this exposure.
func (e Exposure) Target() string {
	return net.JoinHostPort(e.LocalAddr, strconv.Itoa(e.LocalPort))
}

type ClientConfig struct {
	Version           int           `yaml:"version"`
	ServerAddr        string        `yaml:"server_addr"`
	ServerPort        int           `yaml:"server_port"`
	Transport         string        `yaml:"transport"`
	WebSocketPath     string        `yaml:"websocket_path"`
	Token             string        `yaml:"token"`
	Exposures         []Exposure    `yaml:"exposures"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	MaxRetryInterval  time.Duration `yaml:"max_retry_interval"`
	// ExposeRetry is the first delay before re-requesting an exposure the
	// server could not bind; it doubles up to MaxRetryInterval.
	ExposeRetry       time.Duration `yaml:"expose_retry"`
	MaxAuthRetries    int           `yaml:"max_auth_retries"`
	Debug             bool          `yaml:"debug"`
	LogFile           string        `yaml:"log_file"`
	TLS               TLS           `yaml:"tls"`
}

// ControlAddr is the host:port of the server's control listener.
func (c *ClientConfig) ControlAddr() string {
	return net.JoinHostPort(c.ServerAddr, strconv.Itoa(c.ServerPort))
}

func DefaultClient() ClientConfig {
	return ClientConfig{
		Version:           Version,
		ServerPort:        7000,
		Transport:         TransportTCP,
		WebSocketPath:     "/burrow",
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		DialTimeout:       5 * time.Second,
		MaxRetryInterval:  30 * time.Second,
		ExposeRetry:       2 * time.Second,
		MaxAuthRetries:    3,
	}
}

// applyExposureDefaults fills in the local side and service type.
func (c *ClientConfig) applyExposureDefaults() {
	for i := range c.Exposures {
		e := &c.Exposures[i]
		if e.LocalAddr == "" {
			e.LocalAddr = "127.0.0.1"
		}
		if e.Service == "" {
			e.Service = ServiceTCP
		}
		if e.Name == "" {
			e.Name = fmt.Sprintf("%s_%d", e.Service, e.RemotePort)
		}
	}
}

func (c *ClientConfig) Validate() error {
	var errs []error
	if c.Version != Version {
		errs = append(errs, fmt.Errorf("unsupported version %d (want %d)", c.Version, Version))
	}
	if c.ServerAddr == "" {
		errs = append(errs, errors.New("server_addr is required"))
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("server_port %d out of range", c.ServerPort))
	}
	switch c.Transport {
	case TransportTCP, TransportTLS, TransportWebSocket, TransportWSS:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if len(c.Exposures) == 0 {
		errs = append(errs, errors.New("at least one exposure is required"))
	}
	seen := make(map[int]bool)
	for i, e := range c.Exposures {
		if e.RemotePort <= 0 || e.RemotePort > 65535 {
			errs = append(errs, fmt.Errorf("exposures[%d]: remote_port %d out of range", i, e.RemotePort))
		} else if seen[e.RemotePort] {
			errs = append(errs, fmt.Errorf("exposures[%d]: remote_port %d listed twice", i, e.RemotePort))
		}
		seen[e.RemotePort] = true
		if e.LocalPort <= 0 || e.LocalPort > 65535 {
			errs = append(errs, fmt.Errorf("exposures[%d]: local_port %d out of range", i, e.LocalPort))
		}
		if !services[e.Service] {
			errs = append(errs, fmt.Errorf("exposures[%d]: unknown service %q", i, e.Service))
		}
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= c.HeartbeatInterval {
		errs = append(errs, errors.New("heartbeat_timeout must exceed a positive heartbeat_interval"))
	}
	if c.HandshakeTimeout <= 0 || c.DialTimeout <= 0 || c.MaxRetryInterval <= 0 || c.ExposeRetry <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.MaxAuthRetries < 0 {
		errs = append(errs, errors.New("max_auth_retries must not be negative"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file go together"))
	}
	if (c.Transport == TransportWebSocket || c.Transport == TransportWSS) && !strings.HasPrefix(c.WebSocketPath, "/") {
		errs = append(errs, fmt.Errorf("websocket_path %q must start with /", c.WebSocketPath))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func decode(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// ParseServer decodes YAML on top of the defaults and validates the result.
func ParseServer(data []byte) (*ServerConfig, error) {
	cfg := DefaultServer()
	if len(bytes.TrimSpace(data)) > 0 {
		if err := decode(data, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func ParseClient(data []byte) (*ClientConfig, error) {
	cfg := DefaultClient()
	if len(bytes.TrimSpace(data)) > 0 {
		if err := decode(data, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	cfg.applyExposureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReadServer decodes the file at path on top of the defaults without
// validating, so callers can apply overrides first.
func ReadServer(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultServer()
	if len(bytes.TrimSpace(data)) == 0 {
		return &cfg, nil
	}
	if err := decode(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func ReadClient(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultClient()
	if len(bytes.TrimSpace(data)) == 0 {
		return &cfg, nil
	}
	if err := decode(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func LoadServer(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseServer(data)
}

func LoadClient(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseClient(data)
}

// ApplyEnv lets BURROW_TOKENS (comma separated) or BURROW_TOKEN replace the token pool.
func (c *ServerConfig) ApplyEnv() {
	if v := os.Getenv(EnvTokens); v != "" {
		c.Tokens = SplitList(v)
	} else if v := os.Getenv(EnvToken); v != "" {
		c.Tokens = []string{v}
	}
}

func (c *ClientConfig) ApplyEnv() {
	if v := os.Getenv(EnvToken); v != "" {
		c.Token = v
	}
}

// Finish applies exposure defaults and validates a config assembled from flags.
func (c *ClientConfig) Finish() error {
	c.applyExposureDefaults()
	return c.Validate()
}

func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Marshal renders a config back to YAML, e.g. for `-print-config`.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
