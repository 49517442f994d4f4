package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/Foreman/internal/log"
	"github.com/CZERTAINLY/Foreman/internal/metrics"
	"github.com/CZERTAINLY/Foreman/internal/model"
	"github.com/CZERTAINLY/Foreman/internal/store"
	"github.com/CZERTAINLY/Foreman/internal/strategy"
)

const (
	msgStepCancelled    = "Step cancelled."
	msgProcessCancelled = "Process cancelled."
	msgShutdown         = "host shutting down"
)

// Resolver returns the step runner of a process type.
type Resolver interface {
	Resolve(typ model.ProcessType) (strategy.StepRunner, error)
}

type Engine struct {
	store       store.Store
	resolver    Resolver
	now         func() time.Time
	minSteps    int
	maxSteps    int
	stepTimeout time.Duration
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSteps shapes the subprocesses created by the engine: each gets
// between minCount and maxCount-1 steps bounded by timeout.
func WithSteps(minCount, maxCount int, timeout time.Duration) Option {
	return func(e *Engine) {
		e.minSteps = minCount
		e.maxSteps = maxCount
		e.stepTimeout = timeout
	}
}

func New(st store.Store, resolver Resolver, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, errors.New("engine: store is nil")
	}
	if resolver == nil {
		return nil, errors.New("engine: resolver is nil")
	}
	e := &Engine{
		store:       st,
		resolver:    resolver,
		now:         func() time.Time { return time.Now().UTC() },
		minSteps:    3,
		maxSteps:    8,
		stepTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.minSteps < 1 || e.maxSteps <= e.minSteps {
		return nil, fmt.Errorf("engine: invalid step count range [%d, %d)", e.minSteps, e.maxSteps)
	}
	if e.stepTimeout < 0 {
		return nil, fmt.Errorf("engine: negative step timeout %s", e.stepTimeout)
	}
	return e, nil
}

// Execute runs one attempt of process p. Every subprocess of the manifest
// runs on its own goroutine and a failing subprocess never stops its
// siblings; only ctx does.
//
// When the attempt was cancelled, Execute returns the cancellation cause and
// leaves the process status to the caller. Otherwise the process becomes
// Completed when every subprocess completed and Interrupted if not. The
// returned error joins the failures of the subprocesses.
func (e *Engine) Execute(ctx context.Context, p model.Process, resumeOnly bool) error {
	runner, err := e.resolver.Resolve(p.Type)
	if err != nil {
		return err
	}

	ids := p.SubprocessIDs()
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Go(func() {
			sctx := log.ContextAttrs(ctx, slog.String("subprocess_id", id))
			errs[i] = e.runSubprocess(sctx, runner, p, id, resumeOnly)
		})
	}
	wg.Wait()

	// a subprocess which did not finish cleanly under a cancelled ctx was
	// aborted; all of them completing wins over a late cancel
	if ctx.Err() != nil && errors.Join(errs...) != nil {
		return context.Cause(ctx)
	}
	return e.reconcile(context.WithoutCancel(ctx), p.ID, errs)
}

func (e *Engine) runSubprocess(ctx context.Context, runner strategy.StepRunner, p model.Process, id string, resumeOnly bool) error {
	now := e.now()
	sp, err := e.store.GetSubprocess(ctx, id)
	switch {
	case errors.Is(err, model.ErrNotFound):
		status := model.StatusRunning
		if resumeOnly {
			status = model.StatusNotStarted
		}
		sp = model.Subprocess{
			ID:        id,
			Name:      p.Subprocesses[id],
			ParentID:  p.ID,
			Status:    status,
			CreatedAt: now,
			UpdatedAt: now,
			Steps:     model.NewSteps(e.stepCount(), e.stepTimeout),
		}
		if err := e.store.InsertSubprocess(ctx, sp); err != nil {
			return fmt.Errorf("creating subprocess %s: %w", id, err)
		}
		slog.DebugContext(ctx, "subprocess created", "steps", len(sp.Steps))
	case err != nil:
		return fmt.Errorf("loading subprocess %s: %w", id, err)
	case !resumeOnly:
		sp.Reset(now)
		if err := e.save(ctx, &sp); err != nil {
			return err
		}
		sp.Status = model.StatusRunning
		if err := e.save(ctx, &sp); err != nil {
			return err
		}
	}

	if resumeOnly {
		if !sp.Status.In(model.StatusNotStarted, model.StatusInterrupted, model.StatusCancelled) {
			slog.DebugContext(ctx, "subprocess skipped", "status", sp.Status.String())
			return nil
		}
		sp.Status = model.StatusRunning
		sp.UpdatedAt = e.now()
		if err := e.save(ctx, &sp); err != nil {
			return err
		}
	}

	return e.runSteps(ctx, runner, &sp, resumeOnly)
}

func (e *Engine) runSteps(ctx context.Context, runner strategy.StepRunner, sp *model.Subprocess, resumeOnly bool) error {
	// terminal writes must happen even when ctx is cancelled
	wctx := context.WithoutCancel(ctx)

	for i := range sp.Steps {
		if ctx.Err() != nil {
			return e.abort(ctx, sp, nil)
		}
		step := &sp.Steps[i]
		if resumeOnly && step.Status == model.StatusCompleted {
			continue
		}

		started := e.now()
		step.Status = model.StatusRunning
		step.StartedAt = &started
		step.CompletedAt = nil
		step.ErrorMessage = ""
		sp.UpdatedAt = started
		if err := e.save(ctx, sp); err != nil {
			if ctx.Err() != nil {
				return e.abort(ctx, sp, step)
			}
			return err
		}

		err := runner.RunStep(log.ContextAttrs(ctx, slog.String("step", step.Name)), sp, *step)
		switch {
		case err == nil:
			done := e.now()
			step.Status = model.StatusCompleted
			step.CompletedAt = &done
			sp.UpdatedAt = done
			if err := e.save(wctx, sp); err != nil {
				return err
			}
			metrics.Steps.WithLabelValues(model.StatusCompleted.String()).Inc()
		case ctx.Err() != nil:
			return e.abort(ctx, sp, step)
		default:
			step.Status = model.StatusInterrupted
			step.ErrorMessage = err.Error()
			sp.Status = model.StatusInterrupted
			sp.UpdatedAt = e.now()
			metrics.Steps.WithLabelValues(model.StatusInterrupted.String()).Inc()
			slog.WarnContext(ctx, "step failed", "step", step.Name, "error", err)
			stepErr := &model.StepError{Subprocess: sp.Name, Step: step.Name, Err: err}
			if serr := e.save(wctx, sp); serr != nil {
				return errors.Join(stepErr, serr)
			}
			return stepErr
		}
	}

	sp.Status = model.StatusCompleted
	sp.UpdatedAt = e.now()
	if err := e.save(wctx, sp); err != nil {
		return err
	}
	slog.DebugContext(ctx, "subprocess completed")
	return nil
}

// abort records the step in flight, if any, after ctx was cancelled. An
// operator cancel marks it Cancelled and leaves the rest to
// HandleCancellation; a host shutdown interrupts the step and the
// subprocess so resume finds them.
func (e *Engine) abort(ctx context.Context, sp *model.Subprocess, step *model.Step) error {
	wctx := context.WithoutCancel(ctx)
	cancelled := model.IsCancelRequested(ctx)

	if step != nil {
		if cancelled {
			step.Status = model.StatusCancelled
			step.ErrorMessage = msgStepCancelled
		} else {
			step.Status = model.StatusInterrupted
			step.ErrorMessage = msgShutdown
		}
		metrics.Steps.WithLabelValues(step.Status.String()).Inc()
	}
	if !cancelled {
		sp.Status = model.StatusInterrupted
	}
	sp.UpdatedAt = e.now()

	cause := context.Cause(ctx)
	if step != nil || !cancelled {
		if err := e.save(wctx, sp); err != nil {
			return errors.Join(cause, err)
		}
	}
	slog.InfoContext(ctx, "subprocess aborted", "cause", cause)
	return cause
}

// reconcile derives the process status from its subprocesses once every
// subprocess task settled.
func (e *Engine) reconcile(ctx context.Context, processID string, errs []error) error {
	failure := errors.Join(errs...)

	p, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return errors.Join(failure, fmt.Errorf("reloading process: %w", err))
	}
	subs, err := e.store.FindSubprocessesByParent(ctx, processID)
	if err != nil {
		return errors.Join(failure, fmt.Errorf("reloading subprocesses: %w", err))
	}

	now := e.now()
	completed := 0
	for _, sp := range subs {
		switch sp.Status {
		case model.StatusCompleted:
			completed++
		case model.StatusRunning:
			// no subprocess task is left, so this is a leftover of a
			// failed write
			for i := range sp.Steps {
				if sp.Steps[i].Status == model.StatusRunning {
					sp.Steps[i].Status = model.StatusInterrupted
				}
			}
			sp.Status = model.StatusInterrupted
			sp.UpdatedAt = now
			if err := e.save(ctx, &sp); err != nil {
				failure = errors.Join(failure, err)
			}
		}
	}

	p.UpdatedAt = now
	if completed == len(p.Subprocesses) {
		p.Status = model.StatusCompleted
		p.ErrorMessage = ""
	} else {
		p.Status = model.StatusInterrupted
		p.ErrorMessage = message(errs, completed, len(p.Subprocesses))
	}
	if err := e.store.ReplaceProcess(ctx, p); err != nil {
		return errors.Join(failure, fmt.Errorf("saving process status: %w", err))
	}
	slog.InfoContext(ctx, "process finished",
		"status", p.Status.String(),
		"completed", completed,
		"subprocesses", len(p.Subprocesses))
	return failure
}

func message(errs []error, completed, total int) string {
	var msgs []string
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("%d of %d subprocesses completed", completed, total)
	}
	return strings.Join(msgs, "; ")
}

func (e *Engine) save(ctx context.Context, sp *model.Subprocess) error {
	if err := e.store.ReplaceSubprocess(ctx, *sp); err != nil {
		return fmt.Errorf("saving subprocess %s: %w", sp.ID, err)
	}
	return nil
}

func (e *Engine) stepCount() int {
	return e.minSteps + rand.IntN(e.maxSteps-e.minSteps)
}
