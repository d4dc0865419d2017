package main

import (
	"flag"

	"github.com/matst80/burrow/internal/config"
)

var (
	cfg         = config.DefaultServer()
	configFile  string
	tokens      string
	statusMode  bool
	printConfig bool
)

// init registers flags into the global flag set. main() parses them and
// layers explicitly set flags over the config file.
func init() {
	flag.StringVar(&configFile, "config", "", "YAML config file")
	flag.StringVar(&cfg.BindAddr, "bind", cfg.BindAddr, "control listener host")
	flag.IntVar(&cfg.BindPort, "port", cfg.BindPort, "control listener port")
	flag.StringVar(&cfg.PublicAddr, "public-addr", cfg.PublicAddr, "host public exposure listeners bind on")
	flag.StringVar(&cfg.WebSocketAddr, "ws", "", "also accept control connections over WebSocket on this address")
	flag.StringVar(&cfg.WebSocketPath, "ws-path", cfg.WebSocketPath, "WebSocket upgrade path")
	flag.StringVar(&tokens, "tokens", "", "comma separated accepted tokens (or BURROW_TOKENS); empty generates one at startup")
	flag.BoolVar(&cfg.AllowAnyToken, "allow-any-token", false, "accept any client when no tokens are configured instead of generating one")
	flag.Var(&cfg.AllowPorts, "allow-ports", "public ports clients may bind, e.g. 22,6000-6100 (default any)")
	flag.IntVar(&cfg.MaxExposures, "max-exposures", cfg.MaxExposures, "exposures per session (0 = unlimited)")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "time allowed for the Auth frame")
	flag.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "close sessions silent for this long")
	flag.DurationVar(&cfg.OpenTimeout, "open-timeout", cfg.OpenTimeout, "time a client has to acknowledge a new stream")
	flag.StringVar(&cfg.AdminAddr, "metrics", cfg.AdminAddr, "metrics, dashboard and health listen address (empty disables)")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.LogFile, "log-file", "", "append logs to this file instead of stdout")
	flag.StringVar(&cfg.TLS.CertFile, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&cfg.TLS.KeyFile, "tls-key", "", "TLS private key file path")
	flag.StringVar(&cfg.TLS.CAFile, "tls-ca", "", "TLS CA file for client certificate verification (enables mTLS)")
	flag.StringVar(&cfg.Redis.Addr, "redis-addr", "", "mirror live state to this Redis server")
	flag.StringVar(&cfg.Redis.Password, "redis-password", "", "Redis password")
	flag.IntVar(&cfg.Redis.DB, "redis-db", 0, "Redis database")
	flag.BoolVar(&statusMode, "status", false, "print the state of a running server and exit")
	flag.BoolVar(&printConfig, "print-config", false, "print the effective config as YAML and exit")
}

// loadConfig applies the config file (if any), then re-applies every flag
// given on the command line so flags win over the file.
func loadConfig() error {
	set := make(map[string]string)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = f.Value.String() })
	if configFile != "" {
		loaded, err := config.ReadServer(configFile)
		if err != nil {
			return err
		}
		cfg = *loaded
		for name, value := range set {
			if err := flag.Set(name, value); err != nil {
				return err
			}
		}
	}
	if tokens != "" {
		cfg.Tokens = config.SplitList(tokens)
	}
	cfg.ApplyEnv()
	return cfg.Validate()
}
