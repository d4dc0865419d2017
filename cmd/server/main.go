package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/matst80/burrow/internal/config"
	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/registry"
	"github.com/matst80/burrow/internal/server"
)

func main() {
	flag.Parse()
	_ = godotenv.Load()
	if err := loadConfig(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if printConfig {
		out, err := config.Marshal(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}
	closer, err := obs.Setup("server", cfg.Debug, cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	if statusMode {
		if err := printStatus(os.Stdout); err != nil {
			obs.Error("status", obs.Fields{"err": err.Error()})
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mirror, err := registry.NewMirror(cfg.Redis)
	if err != nil {
		obs.Error("state.backend", obs.Fields{"err": err.Error(), "addr": cfg.Redis.Addr})
		os.Exit(1)
	}
	srv, err := server.New(&cfg, server.Options{Mirror: mirror})
	if err != nil {
		obs.Error("server.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	if cfg.AdminAddr != "" {
		go srv.ServeAdmin(ctx, cfg.AdminAddr)
	}
	obs.Info("server.start", obs.Fields{
		"control":     cfg.ControlAddr(),
		"public":      cfg.PublicAddr,
		"websocket":   cfg.WebSocketAddr,
		"metrics":     cfg.AdminAddr,
		"tls":         cfg.TLS.Enabled(),
		"allow_ports": cfg.AllowPorts.String(),
	})
	err = srv.ListenAndServe(ctx)
	srv.Shutdown()
	if err != nil {
		obs.Error("server.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

// printStatus reads the live state of a running server, from the Redis
// mirror when configured and from its admin API otherwise.
func printStatus(w io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var v any
	if cfg.Redis.Addr != "" {
		m, err := registry.NewRedisMirror(cfg.Redis)
		if err != nil {
			return err
		}
		defer m.Close()
		snap, err := m.ReadSnapshot(ctx)
		if err != nil {
			return err
		}
		v = snap
	} else {
		host, port, err := net.SplitHostPort(cfg.AdminAddr)
		if err != nil {
			return err
		}
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+net.JoinHostPort(host, port)+"/api/state", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		var st server.Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return err
		}
		v = st
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
