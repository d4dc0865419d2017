package main

import (
	"flag"
	"strings"

	"github.com/matst80/burrow/internal/config"
)

type exposureFlags []string

func (e *exposureFlags) String() string     { return strings.Join(*e, ",") }
func (e *exposureFlags) Set(s string) error { *e = append(*e, s); return nil }

var (
	cfg         = config.DefaultClient()
	configFile  string
	exposes     exposureFlags
	printConfig bool
)

// init registers all client flags into the default flag set.
func init() {
	flag.StringVar(&configFile, "config", "", "YAML config file")
	flag.StringVar(&cfg.ServerAddr, "server", "", "tunnel server host")
	flag.IntVar(&cfg.ServerPort, "port", cfg.ServerPort, "tunnel server control port")
	flag.StringVar(&cfg.Transport, "transport", cfg.Transport, "tcp, tls, websocket or wss")
	flag.StringVar(&cfg.WebSocketPath, "ws-path", cfg.WebSocketPath, "WebSocket upgrade path")
	flag.StringVar(&cfg.Token, "token", "", "shared secret token (or BURROW_TOKEN)")
	flag.Var(&exposes, "expose", "remote:[host:]local[/service], repeatable (e.g. 6001:22/ssh)")
	flag.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "heartbeat interval")
	flag.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "reconnect when the server is silent for this long")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "timeout dialing the server and local services")
	flag.DurationVar(&cfg.MaxRetryInterval, "max-retry", cfg.MaxRetryInterval, "longest wait between reconnects")
	flag.DurationVar(&cfg.ExposeRetry, "expose-retry", cfg.ExposeRetry, "first delay before re-requesting an exposure the server could not bind")
	flag.IntVar(&cfg.MaxAuthRetries, "max-auth-retries", cfg.MaxAuthRetries, "give up after this many rejected logins in a row")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.LogFile, "log-file", "", "append logs to this file instead of stdout")
	flag.StringVar(&cfg.TLS.CertFile, "tls-cert", "", "client certificate for mTLS")
	flag.StringVar(&cfg.TLS.KeyFile, "tls-key", "", "client private key for mTLS")
	flag.StringVar(&cfg.TLS.CAFile, "tls-ca", "", "CA used to verify the server")
	flag.StringVar(&cfg.TLS.ServerName, "tls-server-name", "", "expected server certificate name")
	flag.BoolVar(&cfg.TLS.Insecure, "tls-insecure", false, "skip server certificate verification")
	flag.BoolVar(&printConfig, "print-config", false, "print the effective config as YAML and exit")
}

// loadConfig applies the config file (if any), then re-applies every flag
// given on the command line so flags win over the file. -expose replaces the
// file's exposures.
func loadConfig() error {
	set := make(map[string]string)
	flag.Visit(func(f *flag.Flag) {
		if f.Name != "expose" {
			set[f.Name] = f.Value.String()
		}
	})
	if configFile != "" {
		loaded, err := config.ReadClient(configFile)
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
	if len(exposes) > 0 {
		cfg.Exposures = cfg.Exposures[:0]
		for _, s := range exposes {
			e, err := config.ParseExposure(s)
			if err != nil {
				return err
			}
			cfg.Exposures = append(cfg.Exposures, e)
		}
	}
	cfg.ApplyEnv()
	return cfg.Finish()
}
