package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-cdc/internal/fullload"
	"github.com/ajitpratap0/nebula-cdc/internal/pipeline"
	"github.com/ajitpratap0/nebula-cdc/internal/reconciler"
	"github.com/ajitpratap0/nebula-cdc/internal/schemasync"
	"github.com/ajitpratap0/nebula-cdc/pkg/config"
	"github.com/ajitpratap0/nebula-cdc/pkg/configgen"
	"github.com/ajitpratap0/nebula-cdc/pkg/connect"
	"github.com/ajitpratap0/nebula-cdc/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/kafka"
	"github.com/ajitpratap0/nebula-cdc/pkg/metrics"
	"github.com/ajitpratap0/nebula-cdc/pkg/observability"
	"github.com/ajitpratap0/nebula-cdc/pkg/store"
	"github.com/ajitpratap0/nebula-cdc/pkg/store/memory"
	"github.com/ajitpratap0/nebula-cdc/pkg/store/postgres"
)

// seedingStore is a store that can be loaded from a definitions file
type seedingStore interface {
	store.Store
	Seed(ctx context.Context, defs *config.Definitions) error
}

// app holds the wired engine for one CLI invocation
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   seedingStore
	orch    *pipeline.Orchestrator
	metrics *http.Server
	tracing bool
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: log}

	if cfg.Observability.EnableTracing {
		tc := observability.DefaultTracingConfig(cfg.Observability.ServiceName, version)
		tc.SamplingRate = cfg.Observability.TracingSampleRate
		tc.Writer = os.Stderr
		if err := observability.InitTracing(tc); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "init tracing")
		}
		a.tracing = true
	}
	if cfg.Observability.EnableMetrics {
		a.serveMetrics(cfg.Observability.MetricsAddr)
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = st

	if cfg.Store.DefinitionsFile != "" {
		defs, err := config.LoadDefinitions(cfg.Store.DefinitionsFile)
		if err != nil {
			a.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load definitions")
		}
		if err := st.Seed(ctx, defs); err != nil {
			a.Close()
			return nil, err
		}
	} else if st.Name() == "memory" {
		log.Warn("memory store has no definitions file; every pipeline lookup will fail")
	}

	client, err := connect.NewClient(cfg.Connect, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	// A nil interface keeps broker listing disabled
	var lister kafka.TopicLister
	if cfg.Kafka.HasBrokers() {
		bl, err := kafka.NewBrokerLister(cfg.Kafka, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		lister = bl
	}

	schema := schemasync.NewService(log)
	coord, err := fullload.NewCoordinator(fullload.OptionsFrom(cfg.FullLoad), schema, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orch, err = pipeline.NewOrchestrator(pipeline.Dependencies{
		Store:        st,
		Control:      client,
		Reconciler:   reconciler.New(client, configgen.NewGenerator(cfg.Kafka), lister, reconciler.OptionsFrom(cfg.Reconciler), log),
		Coordinator:  coord,
		Schema:       schema,
		Capabilities: registry.GetRegistry(),
		CapabilityOptions: registry.Options{
			Logger:       log,
			ObjectPrefix: cfg.FullLoad.ObjectPrefix,
		},
		PersistTimeout: cfg.Timeouts.Persist,
		Logger:         log,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (seedingStore, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return postgres.New(ctx, cfg.Store, log)
	default:
		return memory.New(log), nil
	}
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	a.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Warn("metrics endpoint stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", addr))
}

// Close releases the store and flushes telemetry
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", zap.Error(err))
		}
	}
	if a.metrics != nil {
		_ = a.metrics.Shutdown(ctx)
	}
	if a.tracing {
		if err := observability.Shutdown(ctx); err != nil {
			a.logger.Warn("failed to flush traces", zap.Error(err))
		}
	}
}
