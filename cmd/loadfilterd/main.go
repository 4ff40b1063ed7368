package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/common/clock"
	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/common/log"
	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/config"
	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/gateways/postgres"
	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/infra/metrics"
	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/repos/bloom"
	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/repos/boltsource"
	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/repos/decisioncache"
	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/services/filterset"
)

const (
	// Version information
	version = "0.1.0-dev"
	appName = "loadfilterd"

	defaultShutdownTimeout = 10 * time.Second
)

// Application holds all the components of the filter daemon
type Application struct {
	config   *config.AppConfig
	manager  *filterset.Manager
	source   io.Closer
	registry *prometheus.Registry

	// listener and server are nil when metrics are disabled.
	listener net.Listener
	server   *http.Server
}

func main() {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Configure global logging
	err = log.Configure(cfg.Env, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"app":              appName,
		"version":          version,
		"env":              cfg.Env,
		"log_level":        cfg.Log.Level,
		"source":           cfg.Source.Kind,
		"replica_delay":    cfg.Filter.ReplicaDelay,
		"refresh_interval": cfg.Filter.RefreshInterval.String(),
		"metrics_addr":     cfg.Metrics.Addr,
	}, "Starting loaded-file filter daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := buildApplication(ctx, cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err}, "Failed to build application")
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err}, "Daemon failed")
	}

	log.Info(nil, "Filter daemon stopped gracefully")
}

// buildApplication constructs all components and wires them together
func buildApplication(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	source, closer, err := buildSource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build data source: %w", err)
	}

	cache, err := decisioncache.New(cfg.Filter.DecisionCacheSize)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("failed to create decision cache: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(registry)
	if cfg.Filter.DecisionCacheSize > 0 {
		recorder.ObserveCache(cache)
		log.Info(map[string]any{"type": "LRU", "size": cfg.Filter.DecisionCacheSize}, "Decision cache configured")
	}

	manager, err := filterset.NewManager(filterset.Options{
		Source:              source,
		Factory:             bloom.NewFactory(),
		FPRate:              cfg.Filter.FPRate,
		ReplicaDelaySeconds: cfg.Filter.ReplicaDelay,
		BuildConcurrency:    cfg.Filter.BuildConcurrency,
		Cache:               cache,
		Recorder:            recorder,
		Clock:               clock.RealClock{},
		Logger:              log.Component("filterset"),
	})
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("failed to create filter manager: %w", err)
	}

	app := &Application{
		config:   cfg,
		manager:  manager,
		source:   closer,
		registry: registry,
	}

	if cfg.Metrics.Addr != "" {
		ln, err := net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			_ = closer.Close()
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Metrics.Addr, err)
		}
		app.listener = ln
		app.server = &http.Server{
			Handler:           app.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return app, nil
}

// buildSource opens the configured DataSource.
func buildSource(ctx context.Context, cfg *config.AppConfig) (filterset.DataSource, io.Closer, error) {
	switch cfg.Source.Kind {
	case "postgres":
		g, err := postgres.Open(ctx, cfg.Source.DSN, postgres.Options{
			QueryTimeout: cfg.Source.QueryTimeout,
			Retry: postgres.RetryConfig{
				MaxAttempts:    cfg.Source.QueryRetries + 1,
				JitterFraction: 0.1,
			},
			Logger: log.Component("postgres"),
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info(map[string]any{
			"query_timeout": cfg.Source.QueryTimeout.String(),
			"query_retries": cfg.Source.QueryRetries,
		}, "Postgres data source configured")
		return g, g, nil
	case "bolt":
		st, err := boltsource.New(cfg.Source.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		stats, err := st.Stats()
		if err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("reading bolt store stats: %w", err)
		}
		log.Info(map[string]any{
			"path":    cfg.Source.BoltPath,
			"files":   stats.Files,
			"batches": stats.Batches,
		}, "Bolt data source configured")
		return st, st, nil
	default:
		return nil, nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
}

// routes serves metrics and a readiness check that fails until the first successful refresh.
func (app *Application) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(app.registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !app.manager.Ready() {
			http.Error(w, "filters not loaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprintln(w, app.manager.String())
	})
	return mux
}

// MetricsAddr is the bound metrics address, or "" when metrics are disabled.
func (app *Application) MetricsAddr() string {
	if app.listener == nil {
		return ""
	}
	return app.listener.Addr().String()
}

// Run starts the refresh loop and the metrics server and blocks until ctx is cancelled
func (app *Application) Run(ctx context.Context) error {
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		app.manager.Run(ctx, app.config.Filter.InitialDelay, app.config.Filter.RefreshInterval)
	}()

	if app.server != nil {
		go func() {
			if err := app.server.Serve(app.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(map[string]any{"error": err}, "Metrics server failed")
			}
		}()
		log.Info(map[string]any{"address": app.MetricsAddr()}, "Metrics server started")
	}

	log.Info(map[string]any{
		"initial_delay":    app.config.Filter.InitialDelay.String(),
		"refresh_interval": app.config.Filter.RefreshInterval.String(),
	}, "Filter refresh loop started")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info(nil, "Shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if app.server != nil {
		if err := app.server.Shutdown(shutdownCtx); err != nil {
			log.Warn(map[string]any{"error": err}, "Error during metrics server shutdown")
		}
	}

	select {
	case <-refreshDone:
	case <-shutdownCtx.Done():
		log.Warn(map[string]any{"timeout": defaultShutdownTimeout.String()}, "Shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout")
	}

	if err := app.source.Close(); err != nil {
		log.Warn(map[string]any{"error": err}, "Error closing data source")
	}

	log.Info(nil, "Graceful shutdown completed")
	return nil
}
