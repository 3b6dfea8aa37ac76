package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Yaduri/workflow-system/internal/config"
	"github.com/Yaduri/workflow-system/internal/definition"
	"github.com/Yaduri/workflow-system/internal/directory"
	"github.com/Yaduri/workflow-system/internal/export"
	"github.com/Yaduri/workflow-system/internal/idempotency"
	"github.com/Yaduri/workflow-system/internal/intake"
	"github.com/Yaduri/workflow-system/internal/observability"
	"github.com/Yaduri/workflow-system/internal/store"
	"github.com/Yaduri/workflow-system/internal/workflow"
	"github.com/Yaduri/workflow-system/model"
)

// app is the set of wired components behind the subcommands.
type app struct {
	registry *definition.Registry
	users    *directory.StaticDirectory
	cache    *directory.Cached
	store    store.Store
	idem     idempotency.Store
	engine   *workflow.Engine
	intake   *intake.Service
	exporter *export.Exporter
	metrics  *observability.Metrics
	prom     *prometheus.Registry
	closers  []func()
}

// migrator is implemented by the SQL stores.
type migrator interface {
	Migrate(ctx context.Context) error
}

// open builds every component from the loaded configuration. The caller
// must call close on the returned app.
func (c *cli) open(ctx context.Context) (a *app, err error) {
	cfg := c.cfg
	reg := prometheus.NewRegistry()
	a = &app{metrics: observability.InitMetrics(reg), prom: reg}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	// Definitions.
	defs, err := loadDefinitions(cfg.Definitions, c.logger)
	if err != nil {
		return a, err
	}
	a.registry = definition.NewRegistry(defs)
	a.metrics.SetDefinitionsLoaded(float64(len(defs)))

	// User directory.
	a.users, err = directory.NewStaticDirectory(cfg.Directory.UsersFile)
	if err != nil {
		return a, fmt.Errorf("user directory: %w", err)
	}
	var users directory.Directory = a.users
	if cfg.Directory.CacheTTL > 0 {
		a.cache = directory.NewCached(a.users, cfg.Directory.CacheTTL, a.metrics)
		users = a.cache
	}

	// Instance store.
	st, closeStore, err := openStore(ctx, cfg.Store, c.logger)
	if err != nil {
		return a, err
	}
	a.store = st
	a.closers = append(a.closers, closeStore)
	if m, ok := st.(migrator); ok && cfg.Store.Driver == config.DriverSQLite {
		if err := m.Migrate(ctx); err != nil {
			return a, fmt.Errorf("store: migrate: %w", err)
		}
	}

	// Engine.
	a.engine = workflow.NewEngine(a.registry, st, users,
		workflow.WithLogger(c.logger),
		workflow.WithMetrics(a.metrics),
		workflow.WithRetryPolicy(workflow.RetryPolicy{
			MaxAttempts: cfg.Engine.MaxAttempts,
			Initial:     cfg.Engine.BackoffInitial,
			Max:         cfg.Engine.BackoffMax,
		}),
		workflow.WithSensitiveFields(cfg.Observability.SensitiveFields),
	)

	// Intake.
	intakeOpts := []intake.Option{intake.WithLogger(c.logger), intake.WithMetrics(a.metrics)}
	if cfg.Idempotency.Enabled {
		idem, closeIdem, err := openIdempotency(cfg.Idempotency, c.logger)
		if err != nil {
			return a, err
		}
		a.idem = idem
		a.closers = append(a.closers, closeIdem)
		intakeOpts = append(intakeOpts, intake.WithIdempotency(idem, cfg.Idempotency.TTL))
	}
	a.intake = intake.NewService(a.registry, a.engine, intakeOpts...)
	a.exporter = export.NewExporter(c.logger)

	return a, nil
}

// close releases stores in reverse order of opening.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// loadDefinitions reads and validates every definition file. Warnings are
// logged; error-level findings fail with CONFIGURATION_ERROR.
func loadDefinitions(cfg config.DefinitionsConfig, logger *zap.Logger) ([]model.ProcessDefinition, error) {
	defs, err := definition.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		return nil, fmt.Errorf("definition loading failed: %w", err)
	}

	findings := definition.NewValidator().Validate(defs)
	if definition.HasErrors(findings) {
		env := model.NewConfigurationError("definition validation failed")
		for _, f := range findings {
			if f.Severity == definition.SeverityWarning {
				continue
			}
			logger.Error("definition validation error", zap.String("error", f.Error()))
			env.Details = append(env.Details, model.FieldError{Field: f.Path, Code: f.Code, Message: f.Message})
		}
		return nil, env
	}
	for _, f := range findings {
		logger.Warn("definition warning", zap.String("path", f.Path), zap.String("message", f.Message))
	}
	return defs, nil
}

// openStore creates the instance store based on config.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory instance store")
		st := store.NewMemoryStore(cfg.LockTimeout)
		return st, func() { _ = st.Close() }, nil

	case config.DriverSQLite:
		st, err := store.OpenSQLite(store.SQLiteConfig{
			Path:         cfg.SQLitePath,
			BusyTimeout:  cfg.BusyTimeout,
			MaxOpenConns: cfg.MaxOpenConns,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("store: %w", err)
		}
		return st, func() { _ = st.Close() }, nil

	case config.DriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		st := store.NewPgStore(pool, cfg.LockTimeout, logger)
		return st, func() { _ = st.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// openIdempotency creates the intake deduplication store based on config.
func openIdempotency(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), func() {}, nil

	case config.DriverRedis:
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		logger.Info("using redis idempotency store", zap.String("addr", addr), zap.Int("db", cfg.DB))
		return idempotency.NewRedisStore(client), func() { _ = client.Close() }, nil

	default:
		return nil, nil, errors.New("unsupported idempotency driver: " + cfg.Driver)
	}
}
