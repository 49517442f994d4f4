// Package recovery reconciles the durable state after a crash.
//
// Only an active execution keeps a process in Running, and no execution
// survives its host. At startup every Running process is therefore a crash
// artifact. The scan demotes it to Interrupted together with its Running
// subprocesses and steps, which is exactly what resume picks up later.
//
// Subprocesses are written before their process: when the scan itself is
// interrupted, the process is still Running and the next scan finishes the
// job. A second scan finds nothing and changes nothing.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/CZERTAINLY/Foreman/internal/log"
	"github.com/CZERTAINLY/Foreman/internal/metrics"
	"github.com/CZERTAINLY/Foreman/internal/model"
	"github.com/CZERTAINLY/Foreman/internal/parallel"
	"github.com/CZERTAINLY/Foreman/internal/store"
)

// ErrNotReady is reported by the readiness check until a scan succeeded.
var ErrNotReady = errors.New("recovery scan has not finished")

// Report counts the entities demoted to Interrupted.
type Report struct {
	Processes    int
	Subprocesses int
	Steps        int
}

// Sources of demotions, as labelled in metrics.
const (
	SourceScan      = "scan"
	SourceExecution = "execution"
)

// Observe adds r to the recovered metrics under source.
func (r Report) Observe(source string) {
	metrics.Recovered.WithLabelValues(source, "process").Add(float64(r.Processes))
	metrics.Recovered.WithLabelValues(source, "subprocess").Add(float64(r.Subprocesses))
	metrics.Recovered.WithLabelValues(source, "step").Add(float64(r.Steps))
}

func (r Report) Add(o Report) Report {
	return Report{
		Processes:    r.Processes + o.Processes,
		Subprocesses: r.Subprocesses + o.Subprocesses,
		Steps:        r.Steps + o.Steps,
	}
}

type Scanner struct {
	store store.Store
	now   func() time.Time
	limit int
	ready atomic.Bool
}

type Option func(*Scanner)

func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// WithParallelism bounds the number of processes recovered concurrently.
func WithParallelism(n int) Option {
	return func(s *Scanner) { s.limit = n }
}

func NewScanner(st store.Store, opts ...Option) *Scanner {
	s := &Scanner{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
		limit: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run demotes every Running process. Ready turns true only when Run
// succeeds; any error must stop the host from serving claims.
func (s *Scanner) Run(ctx context.Context) (Report, error) {
	running, err := s.store.FindProcessesByStatus(ctx, model.StatusRunning)
	if err != nil {
		return Report{}, fmt.Errorf("finding running processes: %w", err)
	}
	slog.InfoContext(ctx, "recovery scan started", "running", len(running))

	interrupt := func(ctx context.Context, p model.Process) (Report, error) {
		ctx = log.ContextAttrs(ctx, slog.String("process_id", p.ID))
		r, err := InterruptProcess(ctx, s.store, s.now(), p.ID, "")
		r.Observe(SourceScan)
		return r, err
	}

	var total Report
	var errs []error
	for r, err := range parallel.NewMap(ctx, s.limit, interrupt).Iter(parallel.Values(running)) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total = total.Add(r)
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return total, fmt.Errorf("recovery scan: %w", err)
	}

	s.ready.Store(true)
	slog.InfoContext(ctx, "recovery scan finished",
		"processes", total.Processes,
		"subprocesses", total.Subprocesses,
		"steps", total.Steps)
	return total, nil
}

func (s *Scanner) Ready() bool {
	return s.ready.Load()
}

// ReadinessCheck reports ErrNotReady until Run succeeded.
func (s *Scanner) ReadinessCheck() healthcheck.Check {
	return func() error {
		if !s.Ready() {
			return ErrNotReady
		}
		return nil
	}
}

// InterruptProcess demotes the Running subprocesses and steps of process id
// and then the process itself to Interrupted. A non empty reason replaces
// the process error message. Callers record the report with Observe.
func InterruptProcess(ctx context.Context, st store.Store, now time.Time, id, reason string) (Report, error) {
	var report Report
	subs, err := st.FindSubprocessesByParent(ctx, id, model.StatusRunning)
	if err != nil {
		return report, fmt.Errorf("finding running subprocesses of %s: %w", id, err)
	}
	for _, sp := range subs {
		for i := range sp.Steps {
			step := &sp.Steps[i]
			if step.Status != model.StatusRunning {
				continue
			}
			step.Status = model.StatusInterrupted
			if reason != "" {
				step.ErrorMessage = reason
			}
			report.Steps++
		}
		sp.Status = model.StatusInterrupted
		sp.UpdatedAt = now
		if err := st.ReplaceSubprocess(ctx, sp); err != nil {
			return report, fmt.Errorf("interrupting subprocess %s: %w", sp.ID, err)
		}
		report.Subprocesses++
	}

	p, err := st.GetProcess(ctx, id)
	if err != nil {
		return report, fmt.Errorf("loading process: %w", err)
	}
	if p.Status == model.StatusRunning {
		p.Status = model.StatusInterrupted
		p.UpdatedAt = now
		if reason != "" {
			p.ErrorMessage = reason
		}
		if err := st.ReplaceProcess(ctx, p); err != nil {
			return report, fmt.Errorf("interrupting process: %w", err)
		}
		report.Processes++
	}

	if report.Subprocesses > 0 || report.Processes > 0 {
		slog.InfoContext(ctx, "interrupted",
			"subprocesses", report.Subprocesses,
			"steps", report.Steps)
	}
	return report, nil
}
