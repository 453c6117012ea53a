package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"managed-kvstore/internal/config"
	"managed-kvstore/internal/kv"
	"managed-kvstore/internal/logging"
	"managed-kvstore/internal/monitoring"
	"managed-kvstore/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(o *cliOptions) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the janitor and serve metrics, health and open stores over HTTP",
		Long: `Keeps a provider alive with its janitor flushing stores in the background and
serves /metrics, /health and /stores. SIGINT or SIGTERM terminates the provider,
flushing and closing every store before exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Metrics.Address = address
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "Listen address overriding metrics.address")
	return cmd
}

// admin bundles everything the HTTP endpoints read from.
type admin struct {
	provider *kv.Provider
	metrics  *monitoring.StoreMetrics
	health   *monitoring.HealthManager
	tracer   *tracing.Service
	logger   *logging.Logger
}

func newAdmin(cfg *config.Config, logger *logging.Logger) (*admin, error) {
	tracer, err := tracing.NewService(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracing service: %w", err)
	}

	metrics := monitoring.NewStoreMetrics(cfg.Metrics)
	listener := kv.MultiListener{
		metrics,
		monitoring.NewLogListener(logger),
		tracing.NewSpanListener(tracer),
	}

	p, err := kv.NewProviderFromConfig(cfg, listener, logger)
	if err != nil {
		tracer.Close(context.Background())
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}
	p.Lifetime().OnTerminate("tracing", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return tracer.Close(ctx)
	})

	metrics.Gauge("open_stores", "Number of open stores", func() float64 { return float64(p.Len()) })
	metrics.Gauge("janitor_registered_stores", "Stores flushed by the janitor", func() float64 {
		return float64(p.Janitor().Len())
	})

	health := monitoring.NewHealthManager(Version)
	health.RegisterChecker(monitoring.NewProviderHealthChecker(p))
	health.RegisterChecker(monitoring.NewJanitorHealthChecker(p.Janitor()))
	health.RegisterChecker(monitoring.NewGoroutineHealthChecker(10000))

	return &admin{provider: p, metrics: metrics, health: health, tracer: tracer, logger: logger}, nil
}

func (a *admin) router(metricsPath string) *mux.Router {
	r := mux.NewRouter()
	r.Use(logging.RequestIDMiddleware)
	r.Use(logging.LoggingMiddleware(a.logger))
	r.Use(a.tracer.Middleware)

	r.Handle(metricsPath, a.metrics.Handler()).Methods(http.MethodGet)
	r.Handle("/health", a.health.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/stores", a.listStores).Methods(http.MethodGet)
	r.HandleFunc("/janitor/sweep", a.triggerSweep).Methods(http.MethodPost)
	return r
}

type storeInfo struct {
	Name  string `json:"name"`
	Key   string `json:"key_type"`
	Value string `json:"value_type"`
}

func (a *admin) listStores(w http.ResponseWriter, r *http.Request) {
	ids := a.provider.Identities()
	stores := make([]storeInfo, 0, len(ids))
	for _, id := range ids {
		stores = append(stores, storeInfo{Name: id.Name, Key: id.Key.String(), Value: id.Value.String()})
	}
	sort.Slice(stores, func(i, j int) bool {
		if stores[i].Name != stores[j].Name {
			return stores[i].Name < stores[j].Name
		}
		return stores[i].Key+stores[i].Value < stores[j].Key+stores[j].Value
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count":  len(stores),
		"stores": stores,
	})
}

func (a *admin) triggerSweep(w http.ResponseWriter, r *http.Request) {
	a.provider.Janitor().Trigger()
	w.WriteHeader(http.StatusAccepted)
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewLogger(&cfg.Logging)
	logger.SetDefault()

	a, err := newAdmin(cfg, logger)
	if err != nil {
		return err
	}

	path := cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	srv := &http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           a.router(path),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Admin server listening", "address", srv.Addr, "backend", cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case serveErr = <-errCh:
		logger.WithError(serveErr).Error("Admin server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Admin server shutdown failed")
	}

	if err := a.provider.Close(); err != nil {
		logger.WithError(err).Error("Provider teardown reported errors")
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}
