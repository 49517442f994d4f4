package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CZERTAINLY/Foreman/internal/store/sqlite"
)

const (
	pingTimeout       = time.Second
	goroutineLimit    = 100000
	readHeaderTimeout = 5 * time.Second
)

// Health returns the liveness and readiness checks of the host. Readiness
// requires a finished recovery scan and reachable backends.
func (s *Supervisor) Health() healthcheck.Handler {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(goroutineLimit))
	health.AddReadinessCheck("recovery", s.scanner.ReadinessCheck())

	if st, ok := s.store.(*sqlite.Store); ok {
		health.AddReadinessCheck("database", healthcheck.DatabasePingCheck(st.DB(), pingTimeout))
	} else {
		health.AddReadinessCheck("database", ping(s.store.Ping))
	}
	if s.queue != nil {
		health.AddReadinessCheck("redis", ping(s.queue.Ping))
	}
	return health
}

func ping(fn func(context.Context) error) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		return fn(ctx)
	}
}

// serve exposes health under /live and /ready and the prometheus registry
// under /metrics. The returned function stops the server.
func serve(ctx context.Context, addr string, health healthcheck.Handler) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", health)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		slog.InfoContext(ctx, "serving health and metrics", "listen", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "health server failed", "error", err)
		}
	}()

	return func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.ErrorContext(ctx, "shutting down health server", "error", err)
		}
		<-done
	}
}
