// Package control implements the operator commands: create, start, resume,
// revert and cancel processes, plus the read side.
//
// Every command is checked against the transition table first and then
// carried out with an atomic claim, so a command racing an execution or
// another command fails instead of overwriting its state.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/Foreman/internal/dispatch"
	"github.com/CZERTAINLY/Foreman/internal/inflight"
	"github.com/CZERTAINLY/Foreman/internal/log"
	"github.com/CZERTAINLY/Foreman/internal/model"
	"github.com/CZERTAINLY/Foreman/internal/store"
)

// Executor runs claimed processes and records operator cancels.
type Executor interface {
	Run(ctx context.Context, p model.Process, resumeOnly bool) error
	HandleCancellation(ctx context.Context, processID string) error
}

type Controller struct {
	base       context.Context
	store      store.Store
	exec       Executor
	registry   *inflight.Registry
	dispatcher dispatch.Dispatcher
	now        func() time.Time
	wg         sync.WaitGroup
}

type Option func(*Controller)

// WithDispatcher hands start and resume over to a job queue.
func WithDispatcher(d dispatch.Dispatcher) Option {
	return func(c *Controller) { c.dispatcher = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New returns a controller. Executions started by Resume run under base,
// which should live as long as the host.
func New(base context.Context, st store.Store, exec Executor, registry *inflight.Registry, opts ...Option) *Controller {
	c := &Controller{
		base:     base,
		store:    st,
		exec:     exec,
		registry: registry,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Create(ctx context.Context, name string, count int, typ model.ProcessType) (model.Process, error) {
	p, err := model.NewProcess(name, typ, count, c.now())
	if err != nil {
		return model.Process{}, err
	}
	if err := c.store.InsertProcess(ctx, p); err != nil {
		return model.Process{}, fmt.Errorf("creating process: %w", err)
	}
	slog.InfoContext(ctx, "process created", "process_id", p.ID, "name", name, "subprocesses", count, "type", string(typ))
	return p, nil
}

// Start makes a process eligible for a fresh attempt. Without a dispatcher
// the scheduler picks it up; with one, a job is enqueued.
//
// The status change and the cleared error are one conditional write, so a
// scheduler claiming the process right after it can never be overwritten.
func (c *Controller) Start(ctx context.Context, id string) (model.Process, error) {
	ctx = log.ContextAttrs(ctx, slog.String("process_id", id))
	p, err := c.check(ctx, CmdStart, id)
	if err != nil {
		return model.Process{}, err
	}
	from := p.Status
	_, p.Status = sources(CmdStart)
	p.ErrorMessage = ""
	p.JobHandle = ""
	p.UpdatedAt = c.now()
	if c.dispatcher != nil {
		return c.enqueue(ctx, CmdStart, p, from, false)
	}
	if err := c.swap(ctx, CmdStart, p, from); err != nil {
		return model.Process{}, err
	}
	slog.InfoContext(ctx, "process started")
	return p, nil
}

// Resume continues a process, skipping the work already completed. Without
// a dispatcher the process is claimed and executed in this host right away.
func (c *Controller) Resume(ctx context.Context, id string) (model.Process, error) {
	ctx = log.ContextAttrs(ctx, slog.String("process_id", id))
	if c.dispatcher != nil {
		// the consumer claims the process itself
		p, err := c.check(ctx, CmdResume, id)
		if err != nil {
			return model.Process{}, err
		}
		return c.enqueue(ctx, CmdResume, p, p.Status, true)
	}

	hctx, release, ok := c.registry.Acquire(log.ContextAttrs(c.base, slog.String("process_id", id)), id)
	if !ok {
		return model.Process{}, fmt.Errorf("resume process %s: already executing: %w", id, model.ErrInvalidTransition)
	}
	p, err := c.claim(ctx, CmdResume, id)
	if err != nil {
		release()
		return model.Process{}, err
	}
	slog.InfoContext(ctx, "process resumed")
	c.wg.Go(func() {
		defer release()
		if err := c.exec.Run(hctx, p, true); err != nil {
			slog.ErrorContext(hctx, "resumed execution failed", "error", err)
		}
	})
	return p, nil
}

// Revert resets a cancelled or interrupted process, its subprocesses and
// their steps for a clean restart.
func (c *Controller) Revert(ctx context.Context, id string) (model.Process, error) {
	ctx = log.ContextAttrs(ctx, slog.String("process_id", id))
	p, err := c.claim(ctx, CmdRevert, id)
	if err != nil {
		return model.Process{}, err
	}

	now := c.now()
	subs, err := c.store.FindSubprocessesByParent(ctx, id)
	if err != nil {
		return model.Process{}, fmt.Errorf("loading subprocesses: %w", err)
	}
	for _, sp := range subs {
		sp.Reset(now)
		if err := c.store.ReplaceSubprocess(ctx, sp); err != nil {
			return model.Process{}, fmt.Errorf("resetting subprocess %s: %w", sp.ID, err)
		}
	}

	p.Status = model.StatusNotStarted
	p.ErrorMessage = ""
	p.JobHandle = ""
	p.UpdatedAt = now
	if err := c.swap(ctx, CmdRevert, p, model.StatusReverted); err != nil {
		return model.Process{}, err
	}
	slog.InfoContext(ctx, "process reverted", "subprocesses", len(subs))
	return p, nil
}

// Cancel signals the execution of a process. It fails with
// model.ErrNotRunning when nothing is executing or queued for it.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	ctx = log.ContextAttrs(ctx, slog.String("process_id", id))
	if c.registry.Cancel(id) {
		slog.InfoContext(ctx, "cancel signalled")
		return nil
	}
	p, err := c.store.GetProcess(ctx, id)
	if err != nil {
		return err
	}
	if c.dispatcher == nil || p.JobHandle == "" {
		return fmt.Errorf("cancel process %s: %w", id, model.ErrNotRunning)
	}

	state, err := c.dispatcher.Status(ctx, p.JobHandle)
	if errors.Is(err, dispatch.ErrUnknownJob) {
		return fmt.Errorf("cancel process %s: %w", id, model.ErrNotRunning)
	}
	if err != nil {
		return err
	}
	ok, err := c.dispatcher.Cancel(ctx, p.JobHandle)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cancel process %s: job %s: %w", id, p.JobHandle, model.ErrNotRunning)
	}
	slog.InfoContext(ctx, "job cancel requested", "job", p.JobHandle, "state", state.String())
	if state == dispatch.JobPending {
		// no consumer will ever run the job
		return c.exec.HandleCancellation(context.WithoutCancel(ctx), id)
	}
	return nil
}

func (c *Controller) Get(ctx context.Context, id string) (model.Process, error) {
	return c.store.GetProcess(ctx, id)
}

func (c *Controller) List(ctx context.Context) ([]model.Process, error) {
	return c.store.ListProcesses(ctx)
}

// Subprocesses returns the subprocesses created so far for process id.
func (c *Controller) Subprocesses(ctx context.Context, id string) ([]model.Subprocess, error) {
	if _, err := c.store.GetProcess(ctx, id); err != nil {
		return nil, err
	}
	return c.store.FindSubprocessesByParent(ctx, id)
}

// Wait blocks until every execution started by Resume ended.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// check loads process id and verifies cmd is allowed from its status.
func (c *Controller) check(ctx context.Context, cmd, id string) (model.Process, error) {
	p, err := c.store.GetProcess(ctx, id)
	if err != nil {
		return model.Process{}, err
	}
	if !Allowed(cmd, p.Status) {
		return model.Process{}, fmt.Errorf("%s process %s from %s: %w", cmd, id, p.Status, model.ErrInvalidTransition)
	}
	return p, nil
}

// claim performs cmd as an atomic transition in the store.
func (c *Controller) claim(ctx context.Context, cmd, id string) (model.Process, error) {
	if _, err := c.check(ctx, cmd, id); err != nil {
		return model.Process{}, err
	}
	from, to := sources(cmd)
	p, err := c.store.ClaimProcess(ctx, id, from, to)
	if errors.Is(err, model.ErrNotEligible) {
		// the status changed since check
		return model.Process{}, fmt.Errorf("%s process %s: %w: %w", cmd, id, model.ErrInvalidTransition, err)
	}
	return p, err
}

// swap writes p if its stored status is still from.
func (c *Controller) swap(ctx context.Context, cmd string, p model.Process, from model.Status) error {
	err := c.store.ReplaceProcessIf(ctx, p, from)
	if errors.Is(err, model.ErrNotEligible) {
		// the status changed since check
		return fmt.Errorf("%s process %s: %w: %w", cmd, p.ID, model.ErrInvalidTransition, err)
	}
	if err != nil {
		return fmt.Errorf("saving process: %w", err)
	}
	return nil
}

// enqueue records a fresh job handle on p, written only if p is still in
// status from, and then submits the job.
func (c *Controller) enqueue(ctx context.Context, cmd string, p model.Process, from model.Status, resumeOnly bool) (model.Process, error) {
	job := dispatch.NewJob(p.ID, resumeOnly)
	p.JobHandle = job.Handle
	p.UpdatedAt = c.now()
	if err := c.swap(ctx, cmd, p, from); err != nil {
		return model.Process{}, err
	}
	if err := c.dispatcher.Enqueue(ctx, job); err != nil {
		return model.Process{}, err
	}
	slog.InfoContext(ctx, "job enqueued", "job", job.Handle, "resume_only", resumeOnly)
	return p, nil
}
