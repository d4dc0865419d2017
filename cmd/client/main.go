package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/matst80/burrow/internal/auth"
	"github.com/matst80/burrow/internal/client"
	"github.com/matst80/burrow/internal/config"
	"github.com/matst80/burrow/internal/obs"
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
	closer, err := obs.Setup("client", cfg.Debug, cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, e := range cfg.Exposures {
		obs.Info("client.exposure", obs.Fields{"remote_port": e.RemotePort, "target": e.Target(), "service": e.Service, "name": e.Name})
	}
	obs.Info("client.start", obs.Fields{"server": cfg.ControlAddr(), "transport": cfg.Transport})
	c := client.New(&cfg)
	if err := c.Run(ctx); err != nil {
		obs.Error("client.exit", obs.Fields{"err": err.Error()})
		if errors.Is(err, auth.ErrAuthFailed) {
			os.Exit(3)
		}
		os.Exit(1)
	}
	obs.Info("client.stopped", obs.Fields{})
}
