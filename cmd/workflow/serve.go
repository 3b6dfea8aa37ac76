package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/Yaduri/workflow-system/internal/definition"
	"github.com/Yaduri/workflow-system/internal/observability"
	"github.com/Yaduri/workflow-system/internal/transport"
)

func runServe(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "serve")
	port := fs.Int("port", c.cfg.Ops.Port, "listen port")
	if err := parse(fs, args, nil); err != nil {
		return err
	}
	logger := c.logger

	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	a.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	readinessChecks := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(a.registry.AllTypes()) > 0 },
		Store:             observability.CheckFunc(a.store.Ping),
	}
	if a.idem != nil {
		readinessChecks.IdempotencyStore = observability.CheckFunc(a.idem.Ping)
	}

	reload := newReloader(c, a)
	deps := transport.Dependencies{
		Logger:        logger,
		HealthHandler: observability.HandleHealth(),
		ReadyHandler:  observability.HandleReady(readinessChecks),
		Reload:        reload.run,
	}
	if c.cfg.Observability.Metrics.Enabled {
		deps.MetricsHandler = observability.Handler(a.prom)
		deps.MetricsPath = c.cfg.Observability.Metrics.Path
	}
	router := transport.NewRouter(deps)

	// Wrap router with metrics middleware.
	handler := a.metrics.MetricsMiddleware(observability.TracingMiddleware(router))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// SIGHUP reloads definitions and users without a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := reload.run(ctx); err != nil {
					logger.Error("reload on SIGHUP failed", zap.Error(err))
				}
			}
		}
	}()

	logger.Info("server started",
		zap.Int("port", *port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", storeDriver(c.cfg)),
		zap.Int("definitions", len(a.registry.AllTypes())),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownTimeout := c.cfg.Ops.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// reloader re-reads the user directory and process definitions. Reloads are
// serialized so a SIGHUP and an HTTP request cannot interleave.
type reloader struct {
	mu  sync.Mutex
	c   *cli
	app *app
}

func newReloader(c *cli, a *app) *reloader {
	return &reloader{c: c, app: a}
}

func (r *reloader) run(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.c.cfg.Directory.UsersFile != "" {
		if err := r.app.users.Sync(); err != nil {
			return fmt.Errorf("user directory: %w", err)
		}
	}
	if r.app.cache != nil {
		r.app.cache.Flush()
	}

	defs, err := definition.NewLoader().LoadAll(r.c.cfg.Definitions.Directories)
	if err != nil {
		r.app.metrics.RecordDefinitionReload("error")
		return fmt.Errorf("definition loading failed: %w", err)
	}
	return r.app.engine.ReloadDefinitions(ctx, defs)
}
