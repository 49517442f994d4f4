package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/CZERTAINLY/Foreman/internal/engine"
	"github.com/CZERTAINLY/Foreman/internal/model"
	"github.com/CZERTAINLY/Foreman/internal/store"
	"github.com/CZERTAINLY/Foreman/internal/store/sqlite"
	"github.com/CZERTAINLY/Foreman/internal/strategy"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	typeFast  model.ProcessType = "fast"
	typeBlock model.ProcessType = "block"
	typeFlaky model.ProcessType = "flaky"
)

var errBoom = errors.New("boom")

type fixture struct {
	store  store.Store
	engine *engine.Engine
	// flaky fails Step 2 of Subprocess 1 while set
	flaky atomic.Bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := sqlite.Open(t.Context(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{store: st}
	f.flaky.Store(true)

	reg := strategy.NewRegistry()
	reg.MustRegister(typeFast, strategy.StepRunnerFunc(func(context.Context, *model.Subprocess, model.Step) error {
		return nil
	}))
	reg.MustRegister(typeBlock, strategy.StepRunnerFunc(func(ctx context.Context, _ *model.Subprocess, _ model.Step) error {
		<-ctx.Done()
		return context.Cause(ctx)
	}))
	reg.MustRegister(typeFlaky, strategy.StepRunnerFunc(func(_ context.Context, sp *model.Subprocess, step model.Step) error {
		if f.flaky.Load() && sp.Name == "Subprocess 1" && step.Name == "Step 2" {
			return errBoom
		}
		return nil
	}))

	f.engine, err = engine.New(st, reg, engine.WithSteps(2, 4, time.Millisecond))
	require.NoError(t, err)
	return f
}

// claimed stores a process and claims it the way a scheduler does.
func (f *fixture) claimed(t *testing.T, typ model.ProcessType, count int) model.Process {
	t.Helper()
	p, err := model.NewProcess("P", typ, count, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, f.store.InsertProcess(t.Context(), p))
	p, err = f.store.ClaimProcess(t.Context(), p.ID, []model.Status{model.StatusNotStarted}, model.StatusRunning)
	require.NoError(t, err)
	return p
}

func (f *fixture) subprocesses(t *testing.T, id string) []model.Subprocess {
	t.Helper()
	subs, err := f.store.FindSubprocessesByParent(t.Context(), id)
	require.NoError(t, err)
	return subs
}

func (f *fixture) process(t *testing.T, id string) model.Process {
	t.Helper()
	p, err := f.store.GetProcess(t.Context(), id)
	require.NoError(t, err)
	return p
}

func TestNew(t *testing.T) {
	t.Parallel()
	st, err := sqlite.Open(t.Context(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	reg := strategy.Default()

	_, err = engine.New(nil, reg)
	require.Error(t, err)
	_, err = engine.New(st, nil)
	require.Error(t, err)
	_, err = engine.New(st, reg, engine.WithSteps(3, 3, time.Second))
	require.Error(t, err)
	_, err = engine.New(st, reg, engine.WithSteps(0, 3, time.Second))
	require.Error(t, err)
	_, err = engine.New(st, reg, engine.WithSteps(1, 3, -time.Second))
	require.Error(t, err)
	_, err = engine.New(st, reg)
	require.NoError(t, err)
}

func TestRunCompletes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	p := f.claimed(t, typeFast, 3)

	require.NoError(t, f.engine.Run(t.Context(), p, false))

	got := f.process(t, p.ID)
	require.Equal(t, model.StatusCompleted, got.Status)
	require.Empty(t, got.ErrorMessage)

	subs := f.subprocesses(t, p.ID)
	require.Len(t, subs, 3)
	for _, sp := range subs {
		require.Equal(t, model.StatusCompleted, sp.Status)
		require.Equal(t, p.ID, sp.ParentID)
		require.Equal(t, p.Subprocesses[sp.ID], sp.Name)
		require.GreaterOrEqual(t, len(sp.Steps), 2)
		require.Less(t, len(sp.Steps), 4)
		for _, step := range sp.Steps {
			require.Equal(t, model.StatusCompleted, step.Status)
			require.Equal(t, time.Millisecond, step.Timeout)
			require.NotNil(t, step.StartedAt)
			require.NotNil(t, step.CompletedAt)
			require.False(t, step.CompletedAt.Before(*step.StartedAt))
		}
	}
}

func TestRunStepFailureThenResume(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()
	p := f.claimed(t, typeFlaky, 3)

	err := f.engine.Run(ctx, p, false)
	var stepErr *model.StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "Subprocess 1", stepErr.Subprocess)
	require.Equal(t, "Step 2", stepErr.Step)
	require.ErrorIs(t, err, errBoom)

	got := f.process(t, p.ID)
	require.Equal(t, model.StatusInterrupted, got.Status)
	require.Contains(t, got.ErrorMessage, "boom")

	var failed model.Subprocess
	for _, sp := range f.subprocesses(t, p.ID) {
		if sp.Name == "Subprocess 1" {
			failed = sp
			continue
		}
		// siblings are not stopped by the failure
		require.Equal(t, model.StatusCompleted, sp.Status)
	}
	require.Equal(t, model.StatusInterrupted, failed.Status)
	require.Equal(t, model.StatusCompleted, failed.Steps[0].Status)
	require.Equal(t, model.StatusInterrupted, failed.Steps[1].Status)
	require.Equal(t, "boom", failed.Steps[1].ErrorMessage)
	firstDone := failed.Steps[0].CompletedAt

	f.flaky.Store(false)
	require.NoError(t, f.engine.RunJob(ctx, p.ID, true))

	got = f.process(t, p.ID)
	require.Equal(t, model.StatusCompleted, got.Status)
	require.Empty(t, got.ErrorMessage)
	for _, sp := range f.subprocesses(t, p.ID) {
		require.Equal(t, model.StatusCompleted, sp.Status)
		if sp.ID == failed.ID {
			// resume keeps completed steps
			require.Equal(t, firstDone, sp.Steps[0].CompletedAt)
			require.Empty(t, sp.Steps[1].ErrorMessage)
		}
	}
}

func TestRunFreshAfterFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()
	p := f.claimed(t, typeFlaky, 3)

	require.Error(t, f.engine.Run(ctx, p, false))
	before := make(map[string]model.Subprocess)
	for _, sp := range f.subprocesses(t, p.ID) {
		before[sp.ID] = sp
	}
	require.Len(t, before, 3)

	f.flaky.Store(false)
	p, err := f.store.ClaimProcess(ctx, p.ID, []model.Status{model.StatusInterrupted}, model.StatusRunning)
	require.NoError(t, err)
	require.NoError(t, f.engine.Run(ctx, p, false))

	require.Equal(t, model.StatusCompleted, f.process(t, p.ID).Status)
	after := f.subprocesses(t, p.ID)
	require.Len(t, after, 3, "a fresh run reuses the existing records")
	for _, sp := range after {
		old, ok := before[sp.ID]
		require.True(t, ok)
		require.Equal(t, model.StatusCompleted, sp.Status)
		require.Len(t, sp.Steps, len(old.Steps))
		for i, step := range sp.Steps {
			require.Equal(t, model.StatusCompleted, step.Status)
			require.Empty(t, step.ErrorMessage)
			require.NotNil(t, step.StartedAt)
			if old.Steps[i].StartedAt != nil {
				// completed work is done again
				require.True(t, step.StartedAt.After(*old.Steps[i].StartedAt), "%s %s", sp.Name, step.Name)
			}
		}
	}
}

// started runs p on the blocking runner and waits until every subprocess
// sits in its first step.
func (f *fixture) started(t *testing.T, p model.Process) (context.CancelCauseFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancelCause(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- f.engine.Run(ctx, p, false)
	}()

	require.Eventually(t, func() bool {
		subs, err := f.store.FindSubprocessesByParent(t.Context(), p.ID, model.StatusRunning)
		if err != nil || len(subs) != len(p.Subprocesses) {
			return false
		}
		for _, sp := range subs {
			if sp.Steps[0].Status != model.StatusRunning {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return cancel, done
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	p := f.claimed(t, typeBlock, 2)

	cancel, done := f.started(t, p)
	cancel(model.ErrCancelRequested)
	require.NoError(t, <-done)

	got := f.process(t, p.ID)
	require.Equal(t, model.StatusCancelled, got.Status)
	require.Equal(t, "Process cancelled.", got.ErrorMessage)
	require.Empty(t, got.JobHandle)

	for _, sp := range f.subprocesses(t, p.ID) {
		require.Equal(t, model.StatusCancelled, sp.Status)
		require.Equal(t, model.StatusCancelled, sp.Steps[0].Status)
		require.Equal(t, "Step cancelled.", sp.Steps[0].ErrorMessage)
		for _, step := range sp.Steps[1:] {
			require.Equal(t, model.StatusCancelled, step.Status)
			require.Equal(t, "Process cancelled.", step.ErrorMessage)
		}
	}
}

func TestRunShutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	p := f.claimed(t, typeBlock, 2)

	cancel, done := f.started(t, p)
	shutdown := errors.New("shutdown")
	cancel(shutdown)
	require.ErrorIs(t, <-done, shutdown)

	got := f.process(t, p.ID)
	require.Equal(t, model.StatusInterrupted, got.Status)
	require.Equal(t, "host shutting down", got.ErrorMessage)

	for _, sp := range f.subprocesses(t, p.ID) {
		require.Equal(t, model.StatusInterrupted, sp.Status)
		require.Equal(t, model.StatusInterrupted, sp.Steps[0].Status)
		require.Equal(t, "host shutting down", sp.Steps[0].ErrorMessage)
		require.Equal(t, model.StatusNotStarted, sp.Steps[1].Status)
	}
}

func TestRunUnsupportedType(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	p := f.claimed(t, "C", 2)

	err := f.engine.Run(t.Context(), p, false)
	var unsupported *model.UnsupportedTypeError
	require.ErrorAs(t, err, &unsupported)

	got := f.process(t, p.ID)
	require.Equal(t, model.StatusInterrupted, got.Status)
	require.Equal(t, `unsupported process type "C"`, got.ErrorMessage)
	require.Empty(t, f.subprocesses(t, p.ID))
}

func TestRunJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	require.NoError(t, f.engine.RunJob(ctx, "nope", false), "a vanished process is dropped")

	p := f.claimed(t, typeFast, 1)
	require.NoError(t, f.engine.RunJob(ctx, p.ID, false), "a Running process is not eligible")
	require.Equal(t, model.StatusRunning, f.process(t, p.ID).Status)

	p.Status = model.StatusNotStarted
	require.NoError(t, f.store.ReplaceProcess(ctx, p))
	require.NoError(t, f.engine.RunJob(ctx, p.ID, false))
	require.Equal(t, model.StatusCompleted, f.process(t, p.ID).Status)
}

func TestHandleCancellation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()
	p := f.claimed(t, typeFast, 2)
	require.NoError(t, f.engine.Run(ctx, p, false))

	// a completed subprocess keeps its status
	subs := f.subprocesses(t, p.ID)
	interrupted := subs[0]
	interrupted.Status = model.StatusInterrupted
	interrupted.Steps[1].Status = model.StatusInterrupted
	require.NoError(t, f.store.ReplaceSubprocess(ctx, interrupted))

	require.NoError(t, f.engine.HandleCancellation(ctx, p.ID))

	got := f.process(t, p.ID)
	require.Equal(t, model.StatusCancelled, got.Status)
	for _, sp := range f.subprocesses(t, p.ID) {
		if sp.ID != interrupted.ID {
			require.Equal(t, model.StatusCompleted, sp.Status)
			continue
		}
		require.Equal(t, model.StatusCancelled, sp.Status)
		require.Equal(t, model.StatusCompleted, sp.Steps[0].Status)
		require.Equal(t, model.StatusCancelled, sp.Steps[1].Status)
		require.Equal(t, "Process cancelled.", sp.Steps[1].ErrorMessage)
	}
}
