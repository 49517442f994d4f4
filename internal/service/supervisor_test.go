package service_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/CZERTAINLY/Foreman/internal/model"
	"github.com/CZERTAINLY/Foreman/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func config(t *testing.T) model.Config {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.Store.DSN = filepath.Join(t.TempDir(), "foreman.db")
	cfg.Scheduler.Interval = "10ms"
	cfg.Steps.Timeout = "1ms"
	return cfg
}

func ready(t *testing.T, sup *service.Supervisor) int {
	t.Helper()
	rec := httptest.NewRecorder()
	sup.Health().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	return rec.Code
}

func TestNewSupervisor(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    func(*model.Config)
	}{
		{
			scenario: "unsupported version",
			given:    func(c *model.Config) { c.Version = 1 },
		},
		{
			scenario: "unknown driver",
			given:    func(c *model.Config) { c.Store.Driver = "mongo" },
		},
		{
			scenario: "bad step timeout",
			given:    func(c *model.Config) { c.Steps.Timeout = "soon" },
		},
		{
			scenario: "redis without dispatch",
			given:    func(c *model.Config) { c.Scheduler.Mode = model.SchedulerRedis },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			cfg := config(t)
			tc.given(&cfg)
			_, err := service.NewSupervisor(t.Context(), cfg)
			require.Error(t, err)
		})
	}
}

func TestSupervisorDo(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	sup, err := service.NewSupervisor(ctx, config(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, sup.Close()) })
	ctrl := sup.Controller()

	fresh, err := ctrl.Create(ctx, "fresh", 2, model.ProcessTypeA)
	require.NoError(t, err)
	_, err = ctrl.Start(ctx, fresh.ID)
	require.NoError(t, err)

	// left Running by a host which is gone
	crashed, err := ctrl.Create(ctx, "crashed", 1, model.ProcessTypeB)
	require.NoError(t, err)
	_, err = sup.Store().ClaimProcess(ctx, crashed.ID, []model.Status{model.StatusNotStarted}, model.StatusRunning)
	require.NoError(t, err)

	require.Equal(t, http.StatusServiceUnavailable, ready(t, sup))

	done := make(chan error, 1)
	go func() { done <- sup.Do(ctx) }()

	for _, id := range []string{fresh.ID, crashed.ID} {
		require.Eventually(t, func() bool {
			p, err := ctrl.Get(ctx, id)
			return err == nil && p.Status == model.StatusCompleted
		}, 10*time.Second, 10*time.Millisecond)
	}
	require.Equal(t, http.StatusOK, ready(t, sup))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisorDoCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())

	sup, err := service.NewSupervisor(ctx, config(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, sup.Close()) })

	cancel()
	require.Error(t, sup.Do(ctx), "recovery scan must not succeed without a context")
	require.Equal(t, http.StatusServiceUnavailable, ready(t, sup))
}
