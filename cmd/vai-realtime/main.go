package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/vango-go/vai-realtime/pkg/gateway/config"
	"github.com/vango-go/vai-realtime/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-realtime/pkg/gateway/metrics"
	gatewayserver "github.com/vango-go/vai-realtime/pkg/gateway/server"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	newRegistry  func(context.Context, config.Config) (sessions.Registry, error)
	newGateway   func(config.Config, *slog.Logger, gatewayserver.Deps) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig:  config.Load,
		newRegistry: newRegistry,
		newGateway:  gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newRegistry(ctx context.Context, cfg config.Config) (sessions.Registry, error) {
	switch cfg.SessionRegistry {
	case config.RegistryRedis:
		client, err := sessions.DialRedis(ctx, sessions.RedisOptions{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		reg, err := sessions.NewRedisRegistry(client, sessions.RedisRegistryConfig{
			Key:         cfg.RedisKey,
			MaxSessions: cfg.MaxSessions,
			// Three missed heartbeats mark a session as abandoned.
			Staleness: 3 * cfg.SessionHeartbeat,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return reg, nil
	default:
		return sessions.NewMemoryRegistry(cfg.MaxSessions), nil
	}
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	// No ReadTimeout: realtime sessions are long-lived hijacked connections.
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runRelay(ctx context.Context, stderr io.Writer, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newRegistry == nil {
		return errors.New("missing newRegistry dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, stderr)

	registry, err := deps.newRegistry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("session registry: %w", err)
	}
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warn("close session registry", "error", err)
		}
	}()

	gwDeps := gatewayserver.Deps{Registry: registry}
	if cfg.MetricsEnabled {
		gwDeps.Metrics = metrics.New("")
	}
	gw := deps.newGateway(cfg, logger, gwDeps)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting realtime relay",
		"addr", cfg.Addr,
		"upstream_url", cfg.UpstreamURL,
		"session_registry", cfg.SessionRegistry,
		"max_sessions", cfg.MaxSessions,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	warned := gw.WarnLiveSessionsDraining()
	logger.Info("draining realtime sessions", "sessions", warned)

	// Shutdown does not wait for hijacked connections; the session wait below
	// covers those.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		canceled := gw.CancelLiveSessions()
		logger.Warn("grace period elapsed, canceled remaining sessions", "sessions", canceled)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("realtime relay stopped")
	return nil
}

// loadDotEnv loads .env without overriding variables already set. A missing
// file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "vai-realtime: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "vai-realtime: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
