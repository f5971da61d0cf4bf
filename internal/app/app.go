// Package app is the composition root. It builds the coordination components from
// configuration, supplies them to the provider and runs them for the life of the process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/oxide-admin/server/internal/access"
	"github.com/oxide-admin/server/internal/audit"
	"github.com/oxide-admin/server/internal/config"
	"github.com/oxide-admin/server/internal/eventbus"
	"github.com/oxide-admin/server/internal/jobs"
	"github.com/oxide-admin/server/internal/kv"
	"github.com/oxide-admin/server/internal/metrics"
	"github.com/oxide-admin/server/internal/provider"
	"github.com/oxide-admin/server/internal/scheduler"
	"github.com/oxide-admin/server/internal/storage/postgres"

	// Subscriber packages register themselves with eventbus.DefaultRegistry.
	_ "github.com/oxide-admin/server/internal/subscribers"
)

// Scheduler keys of the maintenance jobs.
const (
	DeleteExpiredKVKey = "delete_expired_kv"
	PruneRecordsKey    = "prune_sched_records"
)

const dbCollectInterval = 15 * time.Second

// App holds the wired components.
type App struct {
	cfg    config.Config
	logger zerolog.Logger

	registry  *eventbus.Registry
	provider  *provider.Provider
	pool      *pgxpool.Pool
	kv        kv.Store
	resolvers *access.Resolvers
	jobs      jobs.Backend
	closeJobs func() error
	bus       *eventbus.Bus
	scheduler *scheduler.Scheduler
	records   *postgres.SchedRecordRepository
	collector *metrics.DBCollector

	cancel context.CancelFunc
}

// Option configures New.
type Option func(*App)

// WithRegistry starts the event bus from r instead of eventbus.DefaultRegistry.
func WithRegistry(r *eventbus.Registry) Option {
	return func(a *App) { a.registry = r }
}

// New builds every component without starting any of them. Resources opened before a
// failure are released before New returns.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts ...Option) (a *App, err error) {
	a = &App{
		cfg:      cfg,
		logger:   logger,
		registry: eventbus.DefaultRegistry,
		provider: provider.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			_ = a.release()
			a = nil
		}
	}()

	provider.Supply(a.provider, logger)
	provider.Supply(a.provider, cfg)
	provider.Supply(a.provider, audit.NewLogger(logger))

	if cfg.Database.URL != "" {
		a.pool, err = OpenPool(ctx, cfg.Database)
		if err != nil {
			return a, err
		}
		provider.Supply(a.provider, a.pool)
		a.collector = metrics.NewDBCollector(a.pool)

		a.records, err = postgres.NewSchedRecordRepository(a.pool)
		if err != nil {
			return a, err
		}
		provider.Supply(a.provider, a.records)
	}

	a.kv, err = OpenKV(ctx, cfg, a.pool)
	if err != nil {
		return a, err
	}
	provider.Supply(a.provider, a.kv)

	source := access.NewStaticSource()
	if cfg.Access.File != "" {
		source, err = access.LoadStaticSource(cfg.Access.File)
		if err != nil {
			return a, err
		}
	}
	a.resolvers = access.NewResolvers(a.kv, source, cfg.Access.CacheTTL, logger)
	provider.Supply(a.provider, a.resolvers)

	a.jobs, a.closeJobs, err = OpenJobs(cfg, a.pool, logger)
	if err != nil {
		return a, err
	}
	jobs.RegisterDeleteExpired(a.jobs, a.kv)
	jobs.RegisterWarmAccess(a.jobs, a.resolvers)
	if a.records != nil {
		jobs.RegisterPruneSchedRecords(a.jobs, a.records)
	}
	provider.Supply(a.provider, a.jobs)

	a.bus = eventbus.New(cfg.EventBus.Capacity, logger, eventbus.WithRegistry(a.registry))
	provider.Supply(a.provider, a.bus)

	if cfg.Scheduler.Enabled {
		a.scheduler, err = a.newScheduler()
		if err != nil {
			return a, err
		}
		provider.Supply(a.provider, a.scheduler)
	}
	return a, nil
}

func (a *App) newScheduler() (*scheduler.Scheduler, error) {
	loc, err := a.cfg.Scheduler.Location()
	if err != nil {
		return nil, err
	}

	receivers := []scheduler.Receiver{scheduler.LogReceiver{Logger: a.logger}}
	if a.records != nil {
		receivers = append(receivers, a.records)
	}

	s := scheduler.New(a.logger,
		scheduler.WithLocation(loc),
		scheduler.WithReceiver(scheduler.Receivers(receivers...)),
	)
	if a.cfg.Scheduler.DeleteExpiredKV != "" {
		err := s.Register(scheduler.Descriptor{
			Key:      DeleteExpiredKVKey,
			Name:     "Delete expired KV entries",
			Schedule: a.cfg.Scheduler.DeleteExpiredKV,
			Job:      scheduler.EnqueueJob(a.jobs, jobs.KindDeleteExpiredKV, jobs.DeleteExpiredArgs{}),
			Timeout:  time.Minute,
		})
		if err != nil {
			return nil, err
		}
	}
	if a.records != nil && a.cfg.Scheduler.PruneRecords != "" {
		err := s.Register(scheduler.Descriptor{
			Key:      PruneRecordsKey,
			Name:     "Prune schedule run records",
			Schedule: a.cfg.Scheduler.PruneRecords,
			Job: scheduler.EnqueueJob(a.jobs, jobs.KindPruneSchedRecords,
				jobs.PruneSchedRecordsArgs{Retention: a.cfg.Scheduler.RecordRetention}),
			Timeout: time.Minute,
		})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start launches the job workers, the event bus subscribers and the scheduler. The
// components keep running after ctx is cancelled; call Shutdown to stop them.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	if a.collector != nil {
		go a.collector.Start(runCtx, dbCollectInterval)
	}
	if err := a.jobs.Start(runCtx); err != nil {
		return err
	}
	if err := a.bus.Start(runCtx, a.provider); err != nil {
		return err
	}
	if a.scheduler != nil {
		a.scheduler.Start()
	}

	a.logger.Info().
		Str("jobs_backend", a.jobs.Name()).
		Str("kv_backend", a.cfg.KV.Backend).
		Strs("subscribers", a.bus.Subscribers()).
		Bool("scheduler", a.scheduler != nil).
		Msg("application started")
	return nil
}

// Shutdown stops the components in reverse start order: no new triggers, then no new
// events, then the workers drain. It waits for running work until ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if a.scheduler != nil {
		select {
		case <-a.scheduler.Stop().Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("scheduler: %w", ctx.Err()))
		}
	}
	a.bus.Close()
	if err := a.jobs.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.release(); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info().Msg("application stopped")
	return errors.Join(errs...)
}

func (a *App) release() error {
	var errs []error
	if a.collector != nil {
		a.collector.Stop()
	}
	if a.closeJobs != nil {
		if err := a.closeJobs(); err != nil {
			errs = append(errs, fmt.Errorf("close job store: %w", err))
		}
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kv store: %w", err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}

func (a *App) Provider() *provider.Provider { return a.provider }

func (a *App) Bus() *eventbus.Bus { return a.bus }

func (a *App) Jobs() jobs.Backend { return a.jobs }

func (a *App) KV() kv.Store { return a.kv }

func (a *App) Resolvers() *access.Resolvers { return a.resolvers }

// Scheduler returns nil when scheduling is disabled.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }
