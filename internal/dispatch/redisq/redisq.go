// Package redisq implements dispatch.Dispatcher on Redis.
//
// A job is a hash <prefix>:job:<handle> with the fields process_id,
// resume_only, state and cancel. Pending handles wait in the list
// <prefix>:queue. Active jobs are cancelled through the pub/sub channel
// <prefix>:cancel:<handle>. Every state change of a job is a Lua script, so
// a cancel and a consumer never both win.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Foreman/internal/dispatch"
	"github.com/CZERTAINLY/Foreman/internal/log"
	"github.com/CZERTAINLY/Foreman/internal/metrics"
	"github.com/CZERTAINLY/Foreman/internal/model"
)

const (
	statePending  = "pending"
	stateActive   = "active"
	stateTerminal = "terminal"
)

// KEYS: job, queue, channel. ARGV: handle.
var cancelScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state or state == 'terminal' then
	return 0
end
redis.call('HSET', KEYS[1], 'cancel', '1')
if state == 'pending' then
	redis.call('HSET', KEYS[1], 'state', 'terminal')
	redis.call('LREM', KEYS[2], 0, ARGV[1])
end
redis.call('PUBLISH', KEYS[3], 'cancel')
return 1
`)

// KEYS: job.
var activateScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'pending' then
	return 0
end
if redis.call('HGET', KEYS[1], 'cancel') == '1' then
	redis.call('HSET', KEYS[1], 'state', 'terminal')
	return 0
end
redis.call('HSET', KEYS[1], 'state', 'active')
return 1
`)

type Queue struct {
	rdb         *redis.Client
	prefix      string
	pollTimeout time.Duration
}

var _ dispatch.Dispatcher = (*Queue)(nil)

func New(rdb *redis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "foreman"
	}
	return &Queue{rdb: rdb, prefix: prefix, pollTimeout: time.Second}
}

// Dial connects to the Redis server at url, retrying with an exponential
// backoff while it is not reachable.
func Dial(ctx context.Context, url, prefix string) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
	err = backoff.RetryNotify(func() error {
		return rdb.Ping(ctx).Err()
	}, b, func(err error, next time.Duration) {
		slog.WarnContext(ctx, "redis not reachable: retrying", "error", err, "next", next.String())
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting redis: %w", err)
	}
	return New(rdb, prefix), nil
}

func (q *Queue) Close() error {
	return q.rdb.Close()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *Queue) queueKey() string {
	return q.prefix + ":queue"
}

func (q *Queue) jobKey(handle string) string {
	return q.prefix + ":job:" + handle
}

func (q *Queue) cancelChannel(handle string) string {
	return q.prefix + ":cancel:" + handle
}

func (q *Queue) Enqueue(ctx context.Context, job dispatch.Job) error {
	if job.Handle == "" || job.ProcessID == "" {
		return errors.New("job handle and process id are required")
	}
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(job.Handle), map[string]any{
			"process_id":  job.ProcessID,
			"resume_only": flag(job.ResumeOnly),
			"state":       statePending,
			"cancel":      "0",
		})
		pipe.LPush(ctx, q.queueKey(), job.Handle)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueueing process %s: %w", job.ProcessID, err)
	}
	slog.DebugContext(ctx, "job enqueued", "job", job.Handle, "process_id", job.ProcessID, "resume_only", job.ResumeOnly)
	return nil
}

func (q *Queue) Cancel(ctx context.Context, handle string) (bool, error) {
	n, err := cancelScript.Run(ctx, q.rdb,
		[]string{q.jobKey(handle), q.queueKey(), q.cancelChannel(handle)},
		handle).Int()
	if err != nil {
		return false, fmt.Errorf("cancelling job %s: %w", handle, err)
	}
	return n == 1, nil
}

func (q *Queue) Status(ctx context.Context, handle string) (dispatch.JobState, error) {
	state, err := q.rdb.HGet(ctx, q.jobKey(handle), "state").Result()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("job %s: %w", handle, dispatch.ErrUnknownJob)
	}
	if err != nil {
		return 0, fmt.Errorf("reading job %s: %w", handle, err)
	}
	return parseState(state)
}

// Consume executes queued jobs with at most limit handlers in flight until
// ctx is done, then waits for the running handlers. A handler error marks
// its job terminal like a success does; the queue does not retry.
func (q *Queue) Consume(ctx context.Context, limit int, handler dispatch.Handler) error {
	var g errgroup.Group
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	slog.InfoContext(ctx, "queue consumer started", "queue", q.queueKey(), "limit", limit)
	for ctx.Err() == nil {
		res, err := q.rdb.BRPop(ctx, q.pollTimeout, q.queueKey()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.ErrorContext(ctx, "popping job", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(q.pollTimeout):
			}
			continue
		}
		handle := res[1]
		g.Go(func() error {
			q.execute(ctx, handle, handler)
			return nil
		})
	}
	err := g.Wait()
	slog.InfoContext(ctx, "queue consumer stopped")
	return err
}

func (q *Queue) execute(ctx context.Context, handle string, handler dispatch.Handler) {
	ctx = log.ContextAttrs(ctx, slog.String("job", handle))

	// subscribe before activating, so no cancel gets lost in between
	sub := q.rdb.Subscribe(ctx, q.cancelChannel(handle))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		slog.ErrorContext(ctx, "subscribing to job cancellation", "error", err)
		q.requeue(ctx, handle)
		return
	}

	ok, err := activateScript.Run(ctx, q.rdb, []string{q.jobKey(handle)}).Int()
	if err != nil {
		slog.ErrorContext(ctx, "activating job", "error", err)
		q.requeue(ctx, handle)
		return
	}
	if ok == 0 {
		slog.DebugContext(ctx, "job cancelled before it started")
		metrics.Jobs.WithLabelValues("skipped").Inc()
		return
	}

	job, err := q.load(ctx, handle)
	if err != nil {
		slog.ErrorContext(ctx, "loading job", "error", err)
		q.finish(ctx, handle)
		metrics.Jobs.WithLabelValues("failed").Inc()
		return
	}

	jctx, cancel := context.WithCancelCause(ctx)
	var watch errgroup.Group
	watch.Go(func() error {
		select {
		case <-sub.Channel():
			slog.InfoContext(ctx, "job cancel received")
			cancel(model.ErrCancelRequested)
		case <-jctx.Done():
		}
		return nil
	})

	err = handler(jctx, job)
	cancelled := model.IsCancelRequested(jctx)
	cancel(nil)
	_ = watch.Wait()
	q.finish(ctx, handle)

	switch {
	case err != nil:
		slog.ErrorContext(ctx, "job failed", "error", err)
		metrics.Jobs.WithLabelValues("failed").Inc()
	case cancelled:
		metrics.Jobs.WithLabelValues("cancelled").Inc()
	default:
		metrics.Jobs.WithLabelValues("done").Inc()
	}
}

func (q *Queue) load(ctx context.Context, handle string) (dispatch.Job, error) {
	vals, err := q.rdb.HMGet(ctx, q.jobKey(handle), "process_id", "resume_only").Result()
	if err != nil {
		return dispatch.Job{}, err
	}
	processID, _ := vals[0].(string)
	if processID == "" {
		return dispatch.Job{}, fmt.Errorf("job %s: %w", handle, dispatch.ErrUnknownJob)
	}
	resume, _ := vals[1].(string)
	return dispatch.Job{Handle: handle, ProcessID: processID, ResumeOnly: resume == "1"}, nil
}

// finish marks a job terminal even during shutdown.
func (q *Queue) finish(ctx context.Context, handle string) {
	ctx = context.WithoutCancel(ctx)
	if err := q.rdb.HSet(ctx, q.jobKey(handle), "state", stateTerminal).Err(); err != nil {
		slog.ErrorContext(ctx, "marking job terminal", "error", err)
	}
}

// requeue puts back a popped job which could not be started.
func (q *Queue) requeue(ctx context.Context, handle string) {
	ctx = context.WithoutCancel(ctx)
	if err := q.rdb.RPush(ctx, q.queueKey(), handle).Err(); err != nil {
		slog.ErrorContext(ctx, "requeueing job", "error", err)
	}
}

func parseState(s string) (dispatch.JobState, error) {
	switch s {
	case statePending:
		return dispatch.JobPending, nil
	case stateActive:
		return dispatch.JobActive, nil
	case stateTerminal:
		return dispatch.JobTerminal, nil
	default:
		return 0, fmt.Errorf("unknown job state %q", s)
	}
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
