package strategy_test

import (
	"context"
	"errors"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Foreman/internal/model"
	"github.com/CZERTAINLY/Foreman/internal/strategy"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := strategy.Default()
	require.Equal(t, []model.ProcessType{model.ProcessTypeA, model.ProcessTypeB}, r.Types())

	runner, err := r.Resolve(model.ProcessTypeA)
	require.NoError(t, err)
	require.IsType(t, strategy.Wait{}, runner)

	_, err = r.Resolve("C")
	var unsupported *model.UnsupportedTypeError
	require.ErrorAs(t, err, &unsupported)
	require.Equal(t, model.ProcessType("C"), unsupported.Type)

	noop := strategy.StepRunnerFunc(func(context.Context, *model.Subprocess, model.Step) error { return nil })
	require.NoError(t, r.Register("C", noop))
	require.Error(t, r.Register("C", noop))
	require.Error(t, r.Register("", noop))
	require.Error(t, r.Register("D", nil))
	require.Panics(t, func() { r.MustRegister("C", noop) })

	_, err = r.Resolve("C")
	require.NoError(t, err)
}

func TestWait(t *testing.T) {
	t.Parallel()
	step := model.Step{Name: "Step 1", Timeout: 60 * time.Second}
	sp := &model.Subprocess{Name: "Subprocess 1"}

	type then struct {
		took time.Duration
		err  error
	}
	var testCases = []struct {
		scenario string
		given    func(ctx context.Context) (context.Context, context.CancelCauseFunc)
		then     then
	}{
		{
			"full timeout",
			func(ctx context.Context) (context.Context, context.CancelCauseFunc) {
				return context.WithCancelCause(ctx)
			},
			then{60 * time.Second, nil},
		},
		{
			"operator cancel after 10s",
			func(ctx context.Context) (context.Context, context.CancelCauseFunc) {
				ctx, cancel := context.WithCancelCause(ctx)
				time.AfterFunc(10*time.Second, func() { cancel(model.ErrCancelRequested) })
				return ctx, cancel
			},
			then{10 * time.Second, model.ErrCancelRequested},
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				ctx, cancel := tt.given(t.Context())
				defer cancel(nil)
				start := time.Now()
				err := strategy.Wait{}.RunStep(ctx, sp, step)
				require.Equal(t, tt.then.took, time.Since(start))
				if tt.then.err == nil {
					require.NoError(t, err)
					return
				}
				require.ErrorIs(t, err, tt.then.err)
			})
		})
	}
}

func TestDiagnostic(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	var calls int
	d := strategy.Diagnostic{Next: strategy.StepRunnerFunc(func(context.Context, *model.Subprocess, model.Step) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})}
	sp := &model.Subprocess{Name: "Subprocess 1"}

	require.NoError(t, d.RunStep(t.Context(), sp, model.Step{Name: "Step 1"}))
	require.ErrorIs(t, d.RunStep(t.Context(), sp, model.Step{Name: "Step 2"}), boom)
	require.Equal(t, 2, calls)
}
