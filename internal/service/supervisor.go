package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Foreman/internal/control"
	"github.com/CZERTAINLY/Foreman/internal/dispatch"
	"github.com/CZERTAINLY/Foreman/internal/dispatch/redisq"
	"github.com/CZERTAINLY/Foreman/internal/engine"
	"github.com/CZERTAINLY/Foreman/internal/inflight"
	"github.com/CZERTAINLY/Foreman/internal/model"
	"github.com/CZERTAINLY/Foreman/internal/recovery"
	"github.com/CZERTAINLY/Foreman/internal/scheduler"
	"github.com/CZERTAINLY/Foreman/internal/store"
	"github.com/CZERTAINLY/Foreman/internal/store/postgres"
	"github.com/CZERTAINLY/Foreman/internal/store/sqlite"
	"github.com/CZERTAINLY/Foreman/internal/strategy"
)

type Supervisor struct {
	cfg        model.Config
	store      store.Store
	engine     *engine.Engine
	registry   *inflight.Registry
	scanner    *recovery.Scanner
	scheduler  *scheduler.Scheduler
	queue      *redisq.Queue
	controller *control.Controller
}

// NewSupervisor opens the store and, in redis mode, the job queue. Executions
// started through the returned Controller run under ctx, so ctx should be the
// lifetime of the host.
func NewSupervisor(ctx context.Context, cfg model.Config) (*Supervisor, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported", cfg.Version)
	}
	timeout, err := cfg.Steps.StepTimeout()
	if err != nil {
		return nil, err
	}

	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	s, err := newSupervisor(ctx, cfg, st, timeout)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return s, nil
}

func newSupervisor(ctx context.Context, cfg model.Config, st store.Store, timeout time.Duration) (*Supervisor, error) {
	eng, err := engine.New(st, strategy.Default(),
		engine.WithSteps(cfg.Steps.MinCount, cfg.Steps.MaxCount, timeout))
	if err != nil {
		return nil, fmt.Errorf("initializing engine: %w", err)
	}

	s := &Supervisor{
		cfg:      cfg,
		store:    st,
		engine:   eng,
		registry: inflight.New(),
		scanner:  recovery.NewScanner(st, recovery.WithParallelism(cfg.Scheduler.MaxParallel)),
	}

	var opts []control.Option
	switch cfg.Scheduler.Mode {
	case model.SchedulerRedis:
		if cfg.Dispatch == nil || cfg.Dispatch.Redis == nil {
			return nil, errors.New("scheduler.mode redis requires dispatch.redis")
		}
		q, err := redisq.Dial(ctx, cfg.Dispatch.Redis.URL, cfg.Dispatch.Redis.Prefix)
		if err != nil {
			return nil, err
		}
		s.queue = q
		opts = append(opts, control.WithDispatcher(q))
	default:
		interval, err := cfg.Scheduler.PollInterval()
		if err != nil {
			return nil, err
		}
		s.scheduler = scheduler.New(st, eng, s.registry,
			scheduler.WithMaxParallel(cfg.Scheduler.MaxParallel),
			scheduler.WithInterval(interval),
			scheduler.WithCron(cfg.Scheduler.Cron),
		)
	}

	s.controller = control.New(ctx, st, eng, s.registry, opts...)
	return s, nil
}

// OpenStore opens the store driver named by cfg.
func OpenStore(ctx context.Context, cfg model.Store) (store.Store, error) {
	switch cfg.Driver {
	case model.StoreSQLite, "":
		st, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case model.StorePostgres:
		st, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func (s *Supervisor) Controller() *control.Controller {
	return s.controller
}

func (s *Supervisor) Store() store.Store {
	return s.store
}

// Do recovers crashed work and then executes processes until ctx is
// cancelled. It returns after every execution it started has ended.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "mode", s.cfg.Scheduler.Mode)

	if s.cfg.Service.Listen != "" {
		stop := serve(ctx, s.cfg.Service.Listen, s.Health())
		defer stop()
	}

	defer s.controller.Wait()

	if _, err := s.scanner.Run(ctx); err != nil {
		return err
	}

	if s.queue != nil {
		return s.queue.Consume(ctx, s.cfg.Scheduler.MaxParallel, s.handle)
	}
	return s.scheduler.Do(ctx)
}

func (s *Supervisor) handle(ctx context.Context, job dispatch.Job) error {
	return s.engine.RunJob(ctx, job.ProcessID, job.ResumeOnly)
}

func (s *Supervisor) Close() error {
	var errs []error
	if s.queue != nil {
		errs = append(errs, s.queue.Close())
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}
