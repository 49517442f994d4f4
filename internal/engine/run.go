package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/Foreman/internal/log"
	"github.com/CZERTAINLY/Foreman/internal/metrics"
	"github.com/CZERTAINLY/Foreman/internal/model"
	"github.com/CZERTAINLY/Foreman/internal/recovery"
)

// claimable lists the statuses a queued job may start from.
var claimable = []model.Status{
	model.StatusNotStarted,
	model.StatusInterrupted,
	model.StatusCancelled,
}

// Run drives an already claimed process through Execute and records how
// the attempt ended:
//   - an operator cancel runs HandleCancellation and is not an error,
//   - a host shutdown interrupts what is still Running,
//   - any other failure leaves the process Interrupted with the error.
func (e *Engine) Run(ctx context.Context, p model.Process, resumeOnly bool) error {
	ctx = log.ContextAttrs(ctx, slog.String("process_id", p.ID))
	metrics.ActiveExecutions.Inc()
	defer metrics.ActiveExecutions.Dec()

	slog.InfoContext(ctx, "execution started", "type", string(p.Type), "resume_only", resumeOnly)
	err := e.Execute(ctx, p, resumeOnly)
	wctx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		metrics.Attempts.WithLabelValues("finished").Inc()
		return nil
	case model.IsCancelRequested(ctx):
		metrics.Attempts.WithLabelValues("cancelled").Inc()
		slog.InfoContext(ctx, "execution cancelled")
		return e.HandleCancellation(wctx, p.ID)
	case ctx.Err() != nil:
		metrics.Attempts.WithLabelValues("interrupted").Inc()
		slog.InfoContext(ctx, "execution interrupted", "cause", context.Cause(ctx))
		report, ierr := recovery.InterruptProcess(wctx, e.store, e.now(), p.ID, msgShutdown)
		report.Observe(recovery.SourceExecution)
		if ierr != nil {
			return errors.Join(err, ierr)
		}
		return err
	default:
		metrics.Attempts.WithLabelValues("failed").Inc()
		slog.ErrorContext(ctx, "execution failed", "error", err)
		report, ierr := recovery.InterruptProcess(wctx, e.store, e.now(), p.ID, err.Error())
		report.Observe(recovery.SourceExecution)
		if ierr != nil {
			return errors.Join(err, ierr)
		}
		return err
	}
}

// HandleCancellation finishes an operator cancel: every subprocess and step
// which has not completed becomes Cancelled and so does the process.
func (e *Engine) HandleCancellation(ctx context.Context, processID string) error {
	now := e.now()
	subs, err := e.store.FindSubprocessesByParent(ctx, processID)
	if err != nil {
		return fmt.Errorf("loading subprocesses: %w", err)
	}
	for _, sp := range subs {
		if sp.Status == model.StatusCompleted {
			continue
		}
		for i := range sp.Steps {
			step := &sp.Steps[i]
			switch step.Status {
			case model.StatusCompleted, model.StatusCancelled:
			default:
				step.Status = model.StatusCancelled
				step.ErrorMessage = msgProcessCancelled
			}
		}
		sp.Status = model.StatusCancelled
		sp.UpdatedAt = now
		if err := e.save(ctx, &sp); err != nil {
			return err
		}
	}

	p, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return fmt.Errorf("loading process: %w", err)
	}
	p.Status = model.StatusCancelled
	p.ErrorMessage = msgProcessCancelled
	p.JobHandle = ""
	p.UpdatedAt = now
	if err := e.store.ReplaceProcess(ctx, p); err != nil {
		return fmt.Errorf("saving cancelled process: %w", err)
	}
	slog.InfoContext(ctx, "process cancelled", "process_id", processID)
	return nil
}

// RunJob is the entry point of queued work. It claims the process itself,
// so a job whose process vanished or moved on is dropped with a warning.
func (e *Engine) RunJob(ctx context.Context, processID string, resumeOnly bool) error {
	ctx = log.ContextAttrs(ctx, slog.String("process_id", processID))
	p, err := e.store.ClaimProcess(ctx, processID, claimable, model.StatusRunning)
	switch {
	case errors.Is(err, model.ErrNotFound):
		slog.WarnContext(ctx, "job dropped: process not found")
		return nil
	case errors.Is(err, model.ErrNotEligible):
		slog.WarnContext(ctx, "job dropped: process not eligible")
		return nil
	case err != nil:
		return fmt.Errorf("claiming process %s: %w", processID, err)
	}
	metrics.Claims.Inc()
	return e.Run(ctx, p, resumeOnly)
}
