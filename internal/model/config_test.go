package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Foreman/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	yml := `
version: 0
service:
  verbose: true
  log: stdout
  listen: ":9090"
store:
  driver: postgres
  dsn: postgres://foreman@localhost/foreman
scheduler:
  mode: redis
  interval: PT2S
  max_parallel: 2
steps:
  timeout: 250ms
  min_count: 1
  max_count: 2
dispatch:
  redis:
    url: redis://localhost:6379/0
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.True(t, cfg.Service.Verbose)
	require.Equal(t, model.LogStdout, cfg.Service.Log)
	require.Equal(t, ":9090", cfg.Service.Listen)
	require.Equal(t, model.StorePostgres, cfg.Store.Driver)
	require.Equal(t, model.SchedulerRedis, cfg.Scheduler.Mode)
	require.Equal(t, 2, cfg.Scheduler.MaxParallel)
	require.NotNil(t, cfg.Dispatch)
	require.NotNil(t, cfg.Dispatch.Redis)
	require.Equal(t, "redis://localhost:6379/0", cfg.Dispatch.Redis.URL)
	require.Equal(t, "foreman", cfg.Dispatch.Redis.Prefix)

	interval, err := cfg.Scheduler.PollInterval()
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, interval)
	timeout, err := cfg.Steps.StepTimeout()
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, timeout)
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig()
	require.Equal(t, 0, cfg.Version)
	require.False(t, cfg.Service.Verbose)
	require.Equal(t, model.LogStderr, cfg.Service.Log)
	require.Empty(t, cfg.Service.Listen)
	require.Equal(t, model.StoreSQLite, cfg.Store.Driver)
	require.Equal(t, "foreman.db", cfg.Store.DSN)
	require.Equal(t, model.SchedulerLocal, cfg.Scheduler.Mode)
	require.Equal(t, "5s", cfg.Scheduler.Interval)
	require.Equal(t, 4, cfg.Scheduler.MaxParallel)
	require.Equal(t, "60s", cfg.Steps.Timeout)
	require.Equal(t, 3, cfg.Steps.MinCount)
	require.Equal(t, 8, cfg.Steps.MaxCount)
	require.Nil(t, cfg.Dispatch)
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{
			"redis mode without redis url",
			"version: 0\nscheduler:\n  mode: redis\n",
			"dispatch.redis.url",
		},
		{
			"unknown store driver",
			"version: 0\nstore:\n  driver: mysql\n",
			"store.driver",
		},
		{
			"max_count not above min_count",
			"version: 0\nsteps:\n  min_count: 5\n  max_count: 5\n",
			"steps.max_count",
		},
		{
			"zero parallelism",
			"version: 0\nscheduler:\n  max_parallel: 0\n",
			"scheduler.max_parallel",
		},
		{
			"not a duration",
			"version: 0\nscheduler:\n  interval: soon\n",
			"scheduler.interval",
		},
		{
			"broken cron",
			"version: 0\nscheduler:\n  cron: \"* * 32 * *\"\n",
			"scheduler.cron",
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tt.given))
			require.Error(t, err)
			require.ErrorContains(t, err, tt.then)
		})
	}
}

func TestCueErrDetails(t *testing.T) {
	t.Parallel()
	yml := `
version: 0
store:
  drivr: sqlite
`
	_, err := model.LoadConfig(strings.NewReader(yml))
	require.Error(t, err)

	details := model.CueErrDetails(err)
	require.NotEmpty(t, details)
	var codes []string
	for _, d := range details {
		codes = append(codes, d.Code)
	}
	require.Contains(t, codes, "unknown_field")

	require.Nil(t, model.CueErrDetails(nil))
}
