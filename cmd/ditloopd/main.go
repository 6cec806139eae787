package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/rubenmavarezb/ditloop/internal/api"
	"github.com/rubenmavarezb/ditloop/internal/auth"
	"github.com/rubenmavarezb/ditloop/internal/bridge"
	"github.com/rubenmavarezb/ditloop/internal/config"
	"github.com/rubenmavarezb/ditloop/internal/eventbus"
	"github.com/rubenmavarezb/ditloop/internal/logging"
	"github.com/rubenmavarezb/ditloop/internal/monitor"
	"github.com/rubenmavarezb/ditloop/internal/state"
	"github.com/rubenmavarezb/ditloop/internal/statesync"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ditloopd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr       = pflag.String("addr", "", "listen address (overrides config)")
		configPath = pflag.String("config", "", "path to YAML config file")
		logLevel   = pflag.String("log-level", "", "log level: debug, info, warn, error")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	token, err := auth.GetOrCreateToken(cfg.TokenPath)
	if err != nil {
		return err
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	journal := state.NewJournal(db)
	store := state.NewStore(db)

	bus := eventbus.NewBus(
		eventbus.WithJournal(journal),
		eventbus.WithLogger(logger.With("component", "eventbus")),
	)

	engine := statesync.NewEngine(bus,
		statesync.WithLogger(logger.With("component", "statesync")),
	)
	defer engine.Destroy()

	mon := monitor.NewMonitor(bus,
		monitor.WithStore(store),
		monitor.WithRateLimits(cfg.ProviderLimits),
		monitor.WithRetention(cfg.Retention),
		monitor.WithSweepInterval(cfg.SweepInterval),
		monitor.WithLogger(logger.With("component", "monitor")),
	)
	defer mon.Close()

	br := bridge.NewBridge(bus, token,
		bridge.WithMaxClients(cfg.MaxClients),
		bridge.WithPingInterval(cfg.PingInterval),
		bridge.WithRateLimit(cfg.RateLimitPerSec),
		bridge.WithLogger(logger.With("component", "bridge")),
	)
	defer br.Close()

	apiServer := &api.Server{
		Sync:      engine,
		Monitor:   mon,
		Bus:       bus,
		Token:     token,
		StartedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Handler())
	mux.Handle("/ws", br.Handler())

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	httpServer := &http.Server{
		Handler:           loggingMiddleware(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ditloopd listening", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	return nil
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
