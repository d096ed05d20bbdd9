package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/semgate/config"
	"github.com/c360studio/semgate/governor"
	"github.com/c360studio/semgate/httpapi"
	"github.com/c360studio/semgate/reconcile"
	"github.com/c360studio/semgate/registry"
	"github.com/c360studio/semgate/storage"
)

// App wires together the NATS-backed store, the registry client, the
// reconciliation engine and the governor.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	store    storage.Store
	registry *registry.Client
	engine   *reconcile.Engine
	gov      *governor.Governor

	metricsReg *prometheus.Registry
	httpServer *http.Server
}

// NewApp creates an application instance from validated config.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Start initializes NATS, storage and the reconciliation components.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	store, err := storage.NewNATSStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	a.store = store

	a.registry = registry.NewClient(a.cfg.Registry.URL,
		registry.WithLogger(a.logger),
		registry.WithHTTPClient(&http.Client{Timeout: a.cfg.Registry.Timeout}),
	)

	gov, err := governor.New(a.cfg.Governor, governor.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("create governor: %w", err)
	}
	a.gov = gov

	engine, err := reconcile.NewEngine(a.store, a.governedSearcher(),
		reconcile.WithConfig(a.cfg.Reconcile),
		reconcile.WithLogger(a.logger),
	)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	a.engine = engine

	a.metricsReg = prometheus.NewRegistry()
	a.metricsReg.MustRegister(collectors.NewGoCollector())
	governor.RegisterMetrics(a.metricsReg)
	reconcile.RegisterMetrics(a.metricsReg)

	a.logger.Info("Components initialized",
		"registry_url", a.cfg.Registry.URL,
		"nats_embedded", a.embeddedServer != nil)
	return nil
}

// Engine returns the reconciliation engine. Valid after Start.
func (a *App) Engine() *reconcile.Engine {
	return a.engine
}

// Governor returns the admission governor. Valid after Start.
func (a *App) Governor() *governor.Governor {
	return a.gov
}

// governedSearcher wraps the registry client so every search passes
// through the governor's admission gate.
func (a *App) governedSearcher() registry.Searcher {
	return searcherFunc(func(ctx context.Context, label string, opts registry.SearchOptions) ([]registry.Candidate, error) {
		var candidates []registry.Candidate
		err := a.gov.Execute(ctx, 1, func(ctx context.Context) (uint64, error) {
			var err error
			candidates, err = a.registry.Search(ctx, label, opts)
			return 1, err
		})
		if err != nil {
			return nil, err
		}
		return candidates, nil
	})
}

type searcherFunc func(ctx context.Context, label string, opts registry.SearchOptions) ([]registry.Candidate, error)

func (f searcherFunc) Search(ctx context.Context, label string, opts registry.SearchOptions) ([]registry.Candidate, error) {
	return f(ctx, label, opts)
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}
		if a.cfg.NATS.StoreDir != "" {
			opts.StoreDir = a.cfg.NATS.StoreDir
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

// ServeHTTP starts the review API and blocks until ctx is cancelled.
func (a *App) ServeHTTP(ctx context.Context) error {
	mux := http.NewServeMux()

	handler := httpapi.NewHandler(a.engine,
		httpapi.WithLogger(a.logger),
		httpapi.WithGovernor(a.gov),
	)
	handler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.metricsReg, promhttp.HandlerOpts{}))

	a.httpServer = &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Review API listening", "addr", a.cfg.HTTP.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully stops NATS connections and the embedded server.
func (a *App) Shutdown() {
	if a.natsConn != nil {
		a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
	a.logger.Info("Shutdown complete")
}
