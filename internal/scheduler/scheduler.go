// Package scheduler turns eligible processes into executions.
//
// Every cycle claims up to max_parallel processes with the store's atomic
// claim, so any number of schedulers may share one store: a process is
// never claimed twice. Each claimed process runs on its own goroutine under
// a cancellation handle of the in-flight registry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/Foreman/internal/inflight"
	"github.com/CZERTAINLY/Foreman/internal/log"
	"github.com/CZERTAINLY/Foreman/internal/metrics"
	"github.com/CZERTAINLY/Foreman/internal/model"
	"github.com/CZERTAINLY/Foreman/internal/store"
)

// Runner executes a claimed process.
type Runner interface {
	Run(ctx context.Context, p model.Process, resumeOnly bool) error
}

var eligible = []model.Status{model.StatusNotStarted, model.StatusInterrupted}

type Scheduler struct {
	store       store.Store
	runner      Runner
	registry    *inflight.Registry
	maxParallel int
	interval    time.Duration
	cron        string
	wg          sync.WaitGroup
}

type Option func(*Scheduler)

// WithMaxParallel bounds the claims of a single cycle.
func WithMaxParallel(n int) Option {
	return func(s *Scheduler) { s.maxParallel = n }
}

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithCron replaces the fixed interval by a cron expression.
func WithCron(expr string) Option {
	return func(s *Scheduler) { s.cron = expr }
}

func New(st store.Store, runner Runner, registry *inflight.Registry, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       st,
		runner:      runner,
		registry:    registry,
		maxParallel: 4,
		interval:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxParallel < 1 {
		s.maxParallel = 1
	}
	return s
}

// Poll runs one claim cycle and returns the number of dispatched
// executions. Executions outlive Poll; Wait blocks until they are over.
func (s *Scheduler) Poll(ctx context.Context) (int, error) {
	dispatched := 0
	for range s.maxParallel {
		if ctx.Err() != nil {
			return dispatched, nil
		}
		p, ok, err := s.store.ClaimOneProcess(ctx, eligible, model.StatusRunning)
		if err != nil {
			return dispatched, fmt.Errorf("claiming process: %w", err)
		}
		if !ok {
			break
		}
		metrics.Claims.Inc()

		pctx := log.ContextAttrs(ctx, slog.String("process_id", p.ID))
		hctx, release, ok := s.registry.Acquire(pctx, p.ID)
		if !ok {
			// the previous execution is finishing; hand the claim back for
			// the next cycle
			slog.WarnContext(pctx, "claimed process is already executing here")
			if _, err := s.store.ClaimProcess(context.WithoutCancel(pctx), p.ID, []model.Status{model.StatusRunning}, model.StatusInterrupted); err != nil {
				return dispatched, fmt.Errorf("returning claim of process %s: %w", p.ID, err)
			}
			break
		}
		slog.DebugContext(pctx, "process claimed", "name", p.Name)
		dispatched++
		s.wg.Go(func() {
			defer release()
			if err := s.runner.Run(hctx, p, false); err != nil {
				if hctx.Err() != nil {
					slog.InfoContext(pctx, "execution stopped", "error", err)
					return
				}
				slog.ErrorContext(pctx, "execution failed", "error", err)
			}
		})
	}
	return dispatched, nil
}

// Wait blocks until every dispatched execution ended.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Do polls on the configured schedule until ctx is done. The first cycle
// runs immediately and cycles never overlap. Do returns once every
// dispatched execution ended.
func (s *Scheduler) Do(ctx context.Context) error {
	def, err := s.definition(ctx)
	if err != nil {
		return err
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = cron.NewJob(
		def,
		gocron.NewTask(func() { s.tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return errors.Join(fmt.Errorf("initializing gocron job: %w", err), cron.Shutdown())
	}

	slog.InfoContext(ctx, "scheduler started", "max_parallel", s.maxParallel)
	cron.Start()
	<-ctx.Done()

	if err := cron.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	s.wg.Wait()
	slog.InfoContext(ctx, "scheduler stopped")
	return nil
}

func (s *Scheduler) definition(ctx context.Context) (gocron.JobDefinition, error) {
	if s.cron != "" {
		if _, err := model.ParseCron(s.cron); err != nil {
			return nil, fmt.Errorf("parsing scheduler.cron: %w", err)
		}
		slog.DebugContext(ctx, "polling on cron", "cron", s.cron)
		return gocron.CronJob(s.cron, false), nil
	}
	if s.interval <= 0 {
		return nil, fmt.Errorf("scheduler interval must be positive, got %s", s.interval)
	}
	slog.DebugContext(ctx, "polling on interval", "interval", s.interval.String())
	return gocron.DurationJob(s.interval), nil
}

func (s *Scheduler) tick(ctx context.Context) {
	n, err := s.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.ErrorContext(ctx, "poll failed", "error", err)
		return
	}
	if n > 0 {
		slog.DebugContext(ctx, "poll dispatched", "count", n)
	}
}
