// Command pgdoorman is the pooler's process entrypoint: load config, build
// the pool registry and metrics collector, accept client connections and
// hand each one to internal/client.Serve, and watch the config file for
// hot-reloads. Grounded on the teacher's cmd/dbbouncer/main.go — same
// load/wire/listen/signal-wait/shutdown shape, generalized from the
// teacher's tenant router + dual PG/MySQL proxy into the pool registry and
// single PostgreSQL-protocol listener spec.md's scope calls for.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pgdoorman/pgdoorman-go/internal/admin"
	"github.com/pgdoorman/pgdoorman-go/internal/client"
	"github.com/pgdoorman/pgdoorman-go/internal/config"
	"github.com/pgdoorman/pgdoorman-go/internal/metrics"
	"github.com/pgdoorman/pgdoorman-go/internal/pool"
	"github.com/pgdoorman/pgdoorman-go/internal/wire"
)

func main() {
	configPath := flag.String("config", "configs/pgdoorman.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "pools", len(cfg.Pools))

	var current atomic.Pointer[config.Config]
	current.Store(cfg)

	mc := metrics.New()
	acct := wire.NewMemoryAccountant(cfg.General.MaxMemoryUsage)
	registry := pool.NewRegistry(acct, mc)
	registry.Reload(cfg)

	startedAt := time.Now()
	var shuttingDown atomic.Bool
	stopCh := make(chan struct{})

	dispatcher := &admin.Dispatcher{
		Config:   current.Load,
		Registry: registry,
		StartsAt: startedAt,
		ReloadFn: func() error {
			fresh, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			current.Store(fresh)
			registry.Reload(fresh)
			return nil
		},
		ShutdownFn: func() {
			if shuttingDown.CompareAndSwap(false, true) {
				close(stopCh)
			}
		},
	}

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		slog.Error("building client-facing TLS config", "err", err)
		os.Exit(1)
	}

	watcher, err := config.NewWatcher(*configPath, func(fresh *config.Config) {
		current.Store(fresh)
		registry.Reload(fresh)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	var httpServer *admin.HTTPServer
	if cfg.Admin.HTTPAddr != "" {
		httpServer = admin.NewHTTPServer(dispatcher)
		if err := httpServer.Start(cfg.Admin.HTTPAddr); err != nil {
			slog.Error("starting admin HTTP surface", "addr", cfg.Admin.HTTPAddr, "err", err)
			os.Exit(1)
		}
		slog.Info("admin HTTP surface listening", "addr", cfg.Admin.HTTPAddr)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Host, cfg.Listen.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("listening", "addr", addr, "err", err)
		os.Exit(1)
	}
	slog.Info("pgdoorman ready", "addr", addr)

	ctx, cancel := context.WithCancel(context.Background())
	go acceptLoop(ctx, listener, registry, mc, acct, tlsConfig, dispatcher, &current)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := dispatcher.ReloadFn(); err != nil {
					slog.Warn("SIGHUP reload failed", "err", err)
				} else {
					slog.Info("configuration reloaded via SIGHUP")
				}
				continue
			}
			slog.Info("received signal, shutting down", "signal", sig.String())
		case <-stopCh:
			slog.Info("shutdown requested via admin SHUTDOWN")
		}
		break
	}

	cancel()
	listener.Close() //nolint:errcheck
	if watcher != nil {
		watcher.Stop() //nolint:errcheck
	}
	if httpServer != nil {
		httpServer.Stop() //nolint:errcheck
	}
	registry.CloseAll()
	slog.Info("pgdoorman stopped")
}

func acceptLoop(ctx context.Context, listener net.Listener, registry *pool.Registry, mc *metrics.Collector, acct *wire.MemoryAccountant, tlsConfig *tls.Config, dispatcher *admin.Dispatcher, current *atomic.Pointer[config.Config]) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			slog.Warn("accept failed", "err", err)
			continue
		}
		deps := &client.Deps{
			Config:     current.Load(),
			Registry:   registry,
			Metrics:    mc,
			Accountant: acct,
			TLSConfig:  tlsConfig,
			Admin:      dispatcher,
		}
		go client.Serve(ctx, conn, deps)
	}
}

// buildTLSConfig loads the client-facing certificate pgdoorman presents
// when a client requests SSL, per spec.md §4.2/§6. A nil return tells
// internal/client to answer every SSLRequest with 'N' (TLS unavailable).
func buildTLSConfig(cfg *config.Config) (*tls.Config, error) {
	if cfg.Listen.TLSMode == "" || cfg.Listen.TLSMode == "disable" {
		return nil, nil
	}
	if cfg.Listen.TLSCert == "" || cfg.Listen.TLSKey == "" {
		return nil, fmt.Errorf("tls_mode %q requires tls_cert and tls_key", cfg.Listen.TLSMode)
	}
	cert, err := tls.LoadX509KeyPair(cfg.Listen.TLSCert, cfg.Listen.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("loading client-facing TLS certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
