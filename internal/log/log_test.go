package log_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Foreman/internal/log"
)

func TestContextHandler(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(log.NewContextHandler(slog.NewJSONHandler(&buf, nil))).With("component", "test")

	parent := log.ContextAttrs(context.Background(), slog.String("process_id", "p1"))
	child := log.ContextAttrs(parent, slog.String("subprocess_id", "s1"))
	_ = log.ContextAttrs(parent, slog.String("subprocess_id", "s2"))

	logger.InfoContext(child, "hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "hello", rec["msg"])
	require.Equal(t, "test", rec["component"])
	require.Equal(t, "p1", rec["process_id"])
	require.Equal(t, "s1", rec["subprocess_id"])
}
