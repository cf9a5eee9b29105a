package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vehicle-consensus/internal/anomaly"
	"github.com/sells-group/vehicle-consensus/internal/catalog"
	"github.com/sells-group/vehicle-consensus/internal/config"
	"github.com/sells-group/vehicle-consensus/internal/consensus"
	"github.com/sells-group/vehicle-consensus/internal/dedup"
	"github.com/sells-group/vehicle-consensus/internal/evidence"
	"github.com/sells-group/vehicle-consensus/internal/factsignal"
	"github.com/sells-group/vehicle-consensus/internal/lock"
	"github.com/sells-group/vehicle-consensus/internal/merge"
	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/orchestrator"
	"github.com/sells-group/vehicle-consensus/internal/store"
)

// env holds the services every command builds from configuration.
type env struct {
	Store      store.Store
	Trust      model.TrustTable
	Catalog    *catalog.Service
	Evidence   *evidence.Service
	Detector   *anomaly.Detector
	Resolver   *consensus.Resolver
	Finder     *dedup.Finder
	Thresholds dedup.Thresholds
	Merger     *merge.Executor
	Settings   orchestrator.Settings
	Controls   *orchestrator.Controls
	Scheduler  *orchestrator.Scheduler
	Reaper     *orchestrator.Reaper
	Signals    *factsignal.Resolver

	closers []func() error
}

func initStore(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	switch c.Driver {
	case "sqlite":
		dsn := c.DatabaseURL
		if dsn == "" {
			dsn = "consensus.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		if c.DatabaseURL == "" {
			return nil, eris.New("store.database_url is required for postgres (CONSENSUS_STORE_DATABASE_URL)")
		}
		return store.NewPostgres(ctx, c.DatabaseURL, &store.PoolConfig{MaxConns: c.MaxConns, MinConns: c.MinConns})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Driver)
	}
}

// initLocker returns the configured locker and a close func.
func initLocker(ctx context.Context, c config.LockConfig) (lock.Locker, func() error, error) {
	switch c.Driver {
	case "", "local":
		return lock.NewLocal(), func() error { return nil }, nil
	case "redis":
		l, err := lock.NewRedis(ctx, lock.RedisConfig{
			Addr: c.RedisAddr,
			TTL:  time.Duration(c.TTLMs) * time.Millisecond,
		})
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	default:
		return nil, nil, eris.Errorf("unsupported lock driver: %s", c.Driver)
	}
}

func loadTrust(c config.ConsensusConfig) (model.TrustTable, error) {
	if c.TrustFile == "" {
		return model.DefaultTrustTable(), nil
	}
	return consensus.LoadTrustTable(c.TrustFile)
}

// initEnv opens the store, applies migrations and wires the services.
func initEnv(ctx context.Context, c *config.Config) (*env, error) {
	trust, err := loadTrust(c.Consensus)
	if err != nil {
		return nil, err
	}
	policy, err := consensus.NewPolicy(c.Consensus)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx, c.Store)
	if err != nil {
		return nil, err
	}
	e := &env{Store: st, Trust: trust, closers: []func() error{st.Close}}

	if err := st.Migrate(ctx); err != nil {
		e.Close()
		return nil, eris.Wrap(err, "migrate")
	}

	locker, closeLock, err := initLocker(ctx, c.Lock)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.closers = append(e.closers, closeLock)

	e.Catalog = catalog.NewService(st)
	e.Evidence = evidence.NewService(st, trust, c.Consensus.AutoConsensus)
	e.Detector = anomaly.NewDetector(st, e.Evidence, nil, trust)
	e.Resolver = consensus.NewResolver(st, locker, policy)
	e.Finder = dedup.NewFinder(st)
	e.Thresholds = dedup.ThresholdsFromConfig(c.Dedup)
	e.Merger = merge.NewExecutor(st).WithResolver(e.Resolver)
	e.Settings = orchestrator.SettingsFromConfig(c.Orchestrator)
	e.Controls = orchestrator.NewControls(st, e.Settings)
	e.Scheduler = orchestrator.NewScheduler(st, e.Settings)
	e.Reaper = orchestrator.NewReaper(st, e.Settings)
	e.Signals = factsignal.NewResolver(st, c.Signals.FreshDays)
	return e, nil
}

// Close releases resources in reverse order of acquisition.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close", zap.Error(err))
		}
	}
}
