package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/reticulum-go/rns/internal/config"
	"github.com/reticulum-go/rns/internal/destination"
	"github.com/reticulum-go/rns/internal/diag"
	"github.com/reticulum-go/rns/internal/iface"
	"github.com/reticulum-go/rns/internal/lxmf"
	"github.com/reticulum-go/rns/internal/reticulum"
)

var version = "dev"

func main() {
	var (
		configPath   = flag.String("config", "", "path to node YAML config (defaults applied if omitted)")
		logLevel     = flag.String("log-level", "", "override config log level: debug, info, warn, error")
		showVersion  = flag.Bool("version", false, "show version and exit")
		showIdentity = flag.Bool("show-identity", false, "show identity hash and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("reticulum-node %s\n", version)
		os.Exit(0)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	r, err := reticulum.New(cfg, log)
	if err != nil {
		log.Error("create node failed", "err", err)
		os.Exit(1)
	}

	if *showIdentity {
		fmt.Printf("Identity: %x\n", r.Identity.Hash())
		os.Exit(0)
	}

	// A loopback pipe keeps the node reachable for local exercising;
	// real deployments register a concrete Interface implementation.
	local, _ := iface.NewPipePair("node-a", "node-b", 1500)
	r.RegisterInterface(local)

	echoDest, err := destination.Create(r.Identity, destination.DirectionIn, destination.TypeSingle, "reticulum", "echo")
	if err != nil {
		log.Error("create echo destination failed", "err", err)
		os.Exit(1)
	}
	r.RegisterDestination(echoDest)

	if r.LXMF != nil {
		if _, err := r.LXMF.RegisterDeliveryIdentity(r.Identity, cfg.LXMF.DisplayName); err != nil {
			log.Error("register lxmf delivery identity failed", "err", err)
			os.Exit(1)
		}
		r.LXMF.OnReceived(func(m *lxmf.Message) {
			log.Info("lxmf message received", "title", string(m.Title), "from", fmt.Sprintf("%x", m.SourceHash))
		})
		if err := r.LXMF.Announce(); err != nil {
			log.Warn("lxmf delivery announce failed", "err", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err != nil {
		log.Error("start node failed", "err", err)
		os.Exit(1)
	}
	defer r.Stop()

	if cfg.Diagnostics.Enabled {
		d := diag.New(r.Transport, r.Links, cfg.Diagnostics.JWTSecret, log)
		go func() {
			log.Info("diagnostics listening", "addr", cfg.Diagnostics.Listen)
			if err := http.ListenAndServe(cfg.Diagnostics.Listen, d.Handler()); err != nil {
				log.Error("diagnostics server stopped", "err", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig)
}
