package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/goliatone/go-waitpoint"
	"github.com/goliatone/go-waitpoint/batch"
	"github.com/goliatone/go-waitpoint/config"
	"github.com/goliatone/go-waitpoint/cron"
	"github.com/goliatone/go-waitpoint/debounce"
	"github.com/goliatone/go-waitpoint/eventlog"
	"github.com/goliatone/go-waitpoint/httpapi"
	"github.com/goliatone/go-waitpoint/idempotency"
	"github.com/goliatone/go-waitpoint/metrics"
	"github.com/goliatone/go-waitpoint/runner"
)

// memoryEventsDSN backs the event log when storage runs in memory.
const memoryEventsDSN = "file:waitpoint-events?mode=memory&cache=shared"

const blockedRunsInterval = 5 * time.Second

type stores struct {
	db       *sql.DB
	tokens   waitpoint.Store
	registry idempotency.Registry
	jobs     debounce.JobStore
	batches  batch.Store
	events   *sql.DB
}

func (s stores) close() error {
	var errs []error
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if s.events != nil && s.events != s.db {
		errs = append(errs, s.events.Close())
	}
	return errors.Join(errs...)
}

func openStores(cfg config.StorageConfig) (stores, error) {
	if cfg.Driver == "sqlite" {
		db, err := openSQLite(cfg.DSN)
		if err != nil {
			return stores{}, err
		}
		return stores{
			db:       db,
			tokens:   waitpoint.NewSQLiteStore(db, ""),
			registry: idempotency.NewSQLiteRegistry(db, ""),
			jobs:     debounce.NewSQLiteJobStore(db, ""),
			batches:  batch.NewSQLiteStore(db, ""),
			events:   db,
		}, nil
	}

	events, err := openSQLite(memoryEventsDSN)
	if err != nil {
		return stores{}, err
	}
	return stores{
		tokens:   waitpoint.NewInMemoryStore(),
		registry: idempotency.NewInMemoryRegistry(),
		jobs:     debounce.NewInMemoryJobStore(),
		batches:  batch.NewInMemoryStore(),
		events:   events,
	}, nil
}

func openSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryExternal, "open sqlite").
			WithMetadata(map[string]any{"dsn": dsn})
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return db, nil
}

// app is one running waitpointd process.
type app struct {
	cfg       config.Config
	logger    waitpoint.Logger
	stores    stores
	service   *waitpoint.Service
	timeouts  *waitpoint.CronTimeouts
	worker    *debounce.Worker
	collector *metrics.Collector
	http      *http.Server
}

func newApp(cfg config.Config, logger waitpoint.Logger) (*app, error) {
	logger = waitpoint.NormalizeLogger(logger)
	st, err := openStores(cfg.Storage)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, stores: st}
	if cfg.Metrics.Enabled {
		a.collector = metrics.NewCollector(cfg.Metrics.Namespace)
	}

	secret := cfg.Server.CallbackSecret
	if secret == "" {
		secret = uuid.NewString()
		logger.Warn("no callback secret configured, callback URLs will not survive a restart")
	}

	scheduler := cron.NewScheduler(
		cron.WithLogger(logger),
		cron.WithErrorHandler(func(err error) { logger.Error("scheduled job failed: %v", err) }),
	)
	a.timeouts = waitpoint.NewCronTimeouts(scheduler, logger, waitpoint.WithTimerHorizon(cfg.Tokens.TimerHorizon))
	svcOpts := []waitpoint.Option{
		waitpoint.WithStore(st.tokens),
		waitpoint.WithRegistry(st.registry),
		waitpoint.WithTimeoutScheduler(a.timeouts),
		waitpoint.WithLogger(logger),
		waitpoint.WithCallbackURL(cfg.Server.PublicURL, secret),
		waitpoint.WithDefaultIdempotencyTTL(cfg.Tokens.DefaultIdempotencyTTL),
	}
	schedOpts := []debounce.SchedulerOption{
		debounce.WithRefreshPolicy(cfg.Debounce.Refresh),
		debounce.WithDefaultDelay(cfg.Debounce.DefaultDelay),
		debounce.WithSchedulerLogger(logger),
	}
	workerOpts := []debounce.WorkerOption{
		debounce.WithWorkerID(cfg.Debounce.WorkerID),
		debounce.WithBatchLimit(cfg.Debounce.BatchLimit),
		debounce.WithLeaseDuration(cfg.Debounce.LeaseDuration),
		debounce.WithJobTimeout(cfg.Debounce.JobTimeout),
		debounce.WithMaxAttempts(cfg.Debounce.MaxAttempts),
		debounce.WithRunInterval(cfg.Debounce.PollInterval),
		debounce.WithRetryStrategy(runner.StopOn{
			Strategy:  cfg.Debounce.RetryStrategy(),
			Permanent: waitpoint.IsInvalidInput,
		}),
		debounce.WithWorkerLogger(logger),
	}
	if a.collector != nil {
		svcOpts = append(svcOpts, waitpoint.WithMetrics(a.collector))
		schedOpts = append(schedOpts, debounce.WithSchedulerMetrics(a.collector))
		workerOpts = append(workerOpts, debounce.WithWorkerMetrics(a.collector))
	}

	a.service = waitpoint.NewService(svcOpts...)
	a.worker = debounce.NewWorker(st.jobs, workerOpts...)
	batches := batch.NewSystem(st.batches, debounce.NewScheduler(st.jobs, schedOpts...), batch.WithLogger(logger))
	batches.Register(a.worker)

	events := eventlog.NewStore(st.events, cfg.Events.EventLog(), eventlog.WithLogger(logger))

	serverOpts := []httpapi.ServerOption{
		httpapi.WithServerLogger(logger),
		httpapi.WithBatchSystem(batches),
		httpapi.WithEventStore(events),
	}
	if a.collector != nil {
		serverOpts = append(serverOpts, httpapi.WithMetricsHandler(cfg.Metrics.Path, a.collector.Handler()))
	}
	a.http = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      httpapi.NewServer(a.service, serverOpts...).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return a, nil
}

// run serves until ctx is done, then shuts everything down in reverse order.
func (a *app) run(ctx context.Context) error {
	scheduler := a.timeouts.Scheduler()
	if _, err := a.timeouts.StartSweep(a.cfg.Tokens.SweepInterval, a.service.SweepTimeouts); err != nil {
		return err
	}
	if a.collector != nil {
		_, err := scheduler.ScheduleCron("@every "+blockedRunsInterval.String(), cron.JobConfig{Name: "waitpoint-blocked-runs"},
			func(context.Context) error {
				a.collector.SetWaiters(a.service.BlockedRunCount())
				return nil
			})
		if err != nil {
			return err
		}
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	// Catch deadlines that passed while the process was down.
	if n, err := a.service.SweepTimeouts(ctx); err != nil {
		a.logger.Warn("startup timeout sweep failed: %v", err)
	} else if n > 0 {
		a.logger.Info("timed out %d overdue waitpoints on startup", n)
	}

	workerErr := make(chan error, 1)
	go func() { workerErr <- a.worker.Run(ctx) }()

	serveErr := make(chan error, 1)
	go func() {
		waitpoint.WithLoggerFields(a.logger, map[string]any{"address": a.cfg.Server.Address}).Info("waitpointd listening")
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	case runErr = <-workerErr:
	}
	return errors.Join(runErr, a.shutdown())
}

func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.http.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.worker.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.timeouts.Scheduler().Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.stores.close(); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("waitpointd stopped")
	return errors.Join(errs...)
}
