package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/siteqa/internal/inspection"
	"github.com/sells-group/siteqa/internal/metrics"
	"github.com/sells-group/siteqa/internal/resilience"
	"github.com/sells-group/siteqa/internal/store"
)

// engineEnv holds the store and the service built over it for one command.
type engineEnv struct {
	Store   store.Store
	Service *inspection.Service
	Metrics *metrics.Metrics
}

// Close releases the store.
func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "siteqa.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEngine opens and migrates the store and builds the service. Callers
// should defer env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	m := metrics.New()
	svc := inspection.NewService(st, inspection.Options{
		Batch: inspection.BatchOptions{
			MaxConcurrent: cfg.Batch.MaxConcurrent,
			RatePerSec:    cfg.Batch.RatePerSec,
		},
		Retry:   resilience.DefaultPolicy().WithAttempts(cfg.Batch.RetryAttempts),
		Metrics: m,
	})

	zap.L().Debug("engine ready", zap.String("driver", cfg.Store.Driver))
	return &engineEnv{Store: st, Service: svc, Metrics: m}, nil
}
