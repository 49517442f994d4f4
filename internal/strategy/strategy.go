// Package strategy maps process types to the work performed by their steps.
//
// A StepRunner performs the work of a single step and nothing else: the
// engine writes every Running and terminal status around the call, so a
// runner can never leave a step without a terminal status.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/Foreman/internal/model"
)

type StepRunner interface {
	// RunStep performs the work of step. It must return promptly once ctx
	// is done.
	RunStep(ctx context.Context, sp *model.Subprocess, step model.Step) error
}

type StepRunnerFunc func(ctx context.Context, sp *model.Subprocess, step model.Step) error

func (f StepRunnerFunc) RunStep(ctx context.Context, sp *model.Subprocess, step model.Step) error {
	return f(ctx, sp, step)
}

// Registry resolves a process type to its StepRunner. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	runners map[model.ProcessType]StepRunner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[model.ProcessType]StepRunner)}
}

// Default returns a registry with the built-in process types.
func Default() *Registry {
	r := NewRegistry()
	r.MustRegister(model.ProcessTypeA, Wait{})
	r.MustRegister(model.ProcessTypeB, Diagnostic{Next: Wait{}})
	return r
}

func (r *Registry) Register(typ model.ProcessType, runner StepRunner) error {
	if typ == "" {
		return errors.New("process type is empty")
	}
	if runner == nil {
		return fmt.Errorf("process type %q: runner is nil", string(typ))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runners[typ]; ok {
		return fmt.Errorf("process type %q already registered", string(typ))
	}
	r.runners[typ] = runner
	return nil
}

func (r *Registry) MustRegister(typ model.ProcessType, runner StepRunner) {
	if err := r.Register(typ, runner); err != nil {
		panic(err)
	}
}

// Resolve fails with *model.UnsupportedTypeError for unknown types.
func (r *Registry) Resolve(typ model.ProcessType) (StepRunner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[typ]
	if !ok {
		return nil, &model.UnsupportedTypeError{Type: typ}
	}
	return runner, nil
}

// Types returns the registered types sorted.
func (r *Registry) Types() []model.ProcessType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]model.ProcessType, 0, len(r.runners))
	for typ := range r.runners {
		ret = append(ret, typ)
	}
	slices.Sort(ret)
	return ret
}

// Wait stands in for real work: it waits for the step's timeout.
type Wait struct{}

func (Wait) RunStep(ctx context.Context, _ *model.Subprocess, step model.Step) error {
	timer := time.NewTimer(step.Timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}

// Diagnostic logs around every step executed by Next.
type Diagnostic struct {
	Next StepRunner
}

func (d Diagnostic) RunStep(ctx context.Context, sp *model.Subprocess, step model.Step) error {
	slog.InfoContext(ctx, "executing step",
		"subprocess", sp.Name,
		"step", step.Name,
		"timeout", step.Timeout.String())
	start := time.Now()
	err := d.Next.RunStep(ctx, sp, step)
	if err != nil {
		slog.InfoContext(ctx, "step aborted", "subprocess", sp.Name, "step", step.Name, "error", err)
		return err
	}
	slog.InfoContext(ctx, "step done", "subprocess", sp.Name, "step", step.Name, "took", time.Since(start).String())
	return nil
}
