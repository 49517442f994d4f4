package foreman_test

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Foreman/internal/model"
)

var (
	foremanPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("foreman-ci") {
		slog.Warn("cannot locate foreman-ci binary: run go build -race -cover -covermode=atomic -o foreman-ci ./cmd/foreman/ first")
		os.Exit(0)
	}

	var err error
	foremanPath, err = filepath.Abs("foreman-ci")
	if err != nil {
		slog.Error("can't get abspath for foreman-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for foreman-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for foreman-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

const config = `
version: 0
service:
    log: stderr
store:
    driver: sqlite
    dsn: foreman.db
scheduler:
    mode: local
    interval: 20ms
    max_parallel: 2
steps:
    timeout: 1ms
    min_count: 2
    max_count: 4
`

// foreman runs the binary in dir and returns its stdout.
func foreman(t *testing.T, dir string, args ...string) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, foremanPath, append(args, "--config", "foreman.yaml")...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		t.Logf("%s", stderr.String())
	}
	return stdout.Bytes(), err
}

func process(t *testing.T, raw []byte) model.Process {
	t.Helper()
	var p model.Process
	require.NoError(t, json.Unmarshal(raw, &p))
	return p
}

func TestForemanRun(t *testing.T) {
	dir := tmpDir(t)
	creat(t, filepath.Join(dir, "foreman.yaml"), []byte(config))

	out, err := foreman(t, dir, "create", "--name", "demo", "--subprocesses", "3")
	require.NoError(t, err)
	created := process(t, out)
	require.Equal(t, model.StatusNotStarted, created.Status)
	require.Len(t, created.Subprocesses, 3)

	_, err = foreman(t, dir, "start", created.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stderr bytes.Buffer
	run := exec.CommandContext(ctx, foremanPath, "run", "--config", "foreman.yaml")
	run.Dir = dir
	run.Stderr = &stderr
	require.NoError(t, run.Start())

	require.Eventually(t, func() bool {
		out, err := foreman(t, dir, "show", created.ID)
		if err != nil {
			return false
		}
		var d struct {
			Process      model.Process      `json:"process"`
			Subprocesses []model.Subprocess `json:"subprocesses"`
		}
		if err := json.Unmarshal(out, &d); err != nil {
			return false
		}
		return d.Process.Status == model.StatusCompleted && len(d.Subprocesses) == 3
	}, 30*time.Second, 100*time.Millisecond)

	require.NoError(t, run.Process.Signal(os.Interrupt))
	if err := run.Wait(); err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}

	_, err = foreman(t, dir, "revert", created.ID)
	require.Error(t, err, "a completed process cannot be reverted")
}

func TestForemanResume(t *testing.T) {
	dir := tmpDir(t)
	creat(t, filepath.Join(dir, "foreman.yaml"), []byte(config))

	out, err := foreman(t, dir, "create", "--name", "demo", "--subprocesses", "2", "--type", "B")
	require.NoError(t, err)
	created := process(t, out)

	// resume executes in the foreground
	out, err = foreman(t, dir, "resume", created.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, process(t, out).Status)

	out, err = foreman(t, dir, "list")
	require.NoError(t, err)
	var list []model.Process
	require.NoError(t, json.Unmarshal(out, &list))
	require.Len(t, list, 1)

	_, err = foreman(t, dir, "cancel", created.ID)
	require.Error(t, err, "nothing executes the process")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
