package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"goa.design/relay/agent"
	relayredis "goa.design/relay/clients/redis"
	"goa.design/relay/lock"
	"goa.design/relay/metrics"
	"goa.design/relay/publish"
	"goa.design/relay/session"
)

const (
	// DefaultTaskTimeout bounds one agent execution wall clock.
	DefaultTaskTimeout = 2 * time.Minute

	// DefaultMaxRetries is how many times a retryable failure re-enqueues.
	DefaultMaxRetries = 3

	// executeLockTTL covers the lock while the worker extends it; the
	// extend loop renews at half this interval.
	executeLockTTL = 30 * time.Second

	// executeLockWait is how long a worker waits for a session's execution
	// lock before treating the task as a duplicate.
	executeLockWait = 2 * time.Second

	baseBackoff = 5 * time.Second
	maxBackoff  = 60 * time.Second
)

type (
	// DispatcherOptions configures task execution.
	DispatcherOptions struct {
		// TaskTimeout bounds one execution; DefaultTaskTimeout when zero.
		TaskTimeout time.Duration
		// MaxRetries bounds re-enqueues; DefaultMaxRetries when zero.
		MaxRetries int
	}

	// Dispatcher runs queued jobs through an agent, owning the session
	// execution lock, status transitions and terminal events.
	Dispatcher struct {
		queue    *Queue
		agent    agent.Agent
		pub      *publish.Publisher
		sessions *session.Store
		rdb      *goredis.Client
		opts     DispatcherOptions
		metrics  *metrics.Metrics

		// sleep is swapped in tests to skip real backoff waits.
		sleep func(ctx context.Context, d time.Duration) error
	}
)

// NewDispatcher builds a Dispatcher.
func NewDispatcher(q *Queue, a agent.Agent, pub *publish.Publisher, sessions *session.Store, rdb *goredis.Client, opts DispatcherOptions, m *metrics.Metrics) *Dispatcher {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &Dispatcher{
		queue:    q,
		agent:    a,
		pub:      pub,
		sessions: sessions,
		rdb:      rdb,
		opts:     opts,
		metrics:  m,
		sleep:    sleepCtx,
	}
}

// Execute runs one queued job to a terminal outcome and acks it. The job is
// always acked: retryable failures re-enqueue a fresh entry rather than
// leaving this one pending, so the stream never replays a half-finished
// attempt.
func (d *Dispatcher) Execute(ctx context.Context, qj QueuedJob) {
	job := qj.Job
	ctx = log.With(ctx,
		log.KV{K: "task_id", V: job.TaskID},
		log.KV{K: "session_id", V: job.SessionID},
		log.KV{K: "attempt", V: job.Attempt},
	)
	defer func() {
		if err := d.queue.Ack(ctx, qj.ID); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "task ack failed"})
		}
	}()

	l := lock.New(d.rdb, fmt.Sprintf("session:%s:execute", job.SessionID), executeLockTTL)
	if err := l.Acquire(ctx, executeLockWait); err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			// Another worker is already executing this session; the task is
			// a duplicate and dropping it is safe.
			log.Warn(ctx, log.KV{K: "msg", V: "session already executing, dropping duplicate task"})
			d.metrics.WorkerTask(d.agent.Name(), "duplicate")
			return
		}
		log.Error(ctx, err, log.KV{K: "msg", V: "execution lock acquire failed"})
		d.retryOrFail(ctx, job, err)
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := l.Release(releaseCtx); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "execution lock release failed"}, log.KV{K: "err", V: err})
		}
	}()

	d.run(ctx, l, job)
}

func (d *Dispatcher) run(ctx context.Context, l *lock.Lock, job Job) {
	start := time.Now()
	_, err := d.sessions.Update(ctx, job.SessionID, map[string]any{
		"status":     string(session.StatusProcessing),
		"task_id":    job.TaskID,
		"started_at": start.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "session transition to processing failed"})
		d.retryOrFail(ctx, job, err)
		return
	}

	if d.pub.IsCancelled(ctx, job.SessionID) {
		d.finishCancelled(ctx, job)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, d.opts.TaskTimeout)
	defer cancel()
	stopExtend := d.extendLoop(runCtx, l)
	defer stopExtend()

	runCtx, span := otel.Tracer("goa.design/relay/dispatch").Start(runCtx, "agent.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("agent.name", d.agent.Name()),
			attribute.String("task.id", job.TaskID),
			attribute.String("session.id", job.SessionID),
			attribute.Int("task.attempt", job.Attempt),
		),
	)
	defer span.End()

	res, err := d.agent.Run(runCtx, agent.Invocation{
		SessionID: job.SessionID,
		Prompt:    job.Prompt,
		UserID:    job.UserID,
		Context:   job.Context,
		Events:    d.pub,
		Cancelled: func(ctx context.Context) bool {
			return d.pub.IsCancelled(ctx, job.SessionID)
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "agent run failed")
	}
	switch {
	case err == nil && res != nil:
		d.finishSuccess(ctx, job, res, time.Since(start))
	case errors.Is(err, context.Canceled) && d.pub.IsCancelled(ctx, job.SessionID):
		d.finishCancelled(ctx, job)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		d.finishTimeout(ctx, job)
	case err == nil:
		d.fail(ctx, job, errors.New("agent returned no result"), "internal")
	case retryable(err):
		d.retryOrFail(ctx, job, err)
	default:
		d.fail(ctx, job, err, "agent_error")
	}
}

// extendLoop renews the execution lock at half its TTL so long tasks keep it
// for their full run. Returns a stop func.
func (d *Dispatcher) extendLoop(ctx context.Context, l *lock.Lock) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(executeLockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				ok, err := l.Extend(ctx, executeLockTTL)
				if err != nil || !ok {
					log.Warn(ctx, log.KV{K: "msg", V: "execution lock extend failed"}, log.KV{K: "err", V: err})
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (d *Dispatcher) finishSuccess(ctx context.Context, job Job, res *agent.Result, elapsed time.Duration) {
	if err := d.pub.Final(ctx, job.SessionID, res.Response, elapsed, res.Usage); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "final event publish failed"})
		d.retryOrFail(ctx, job, err)
		return
	}
	if err := d.sessions.SetStatus(ctx, job.SessionID, session.StatusCompleted); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "session transition to completed failed"}, log.KV{K: "err", V: err})
	}
	d.metrics.WorkerTask(d.agent.Name(), "completed")
	log.Info(ctx, log.KV{K: "msg", V: "task completed"}, log.KV{K: "duration_ms", V: elapsed.Milliseconds()})
}

func (d *Dispatcher) finishCancelled(ctx context.Context, job Job) {
	if err := d.pub.Error(ctx, job.SessionID, "task cancelled", "CancellationError", false, nil); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "cancel event publish failed"})
	}
	if err := d.sessions.SetStatus(ctx, job.SessionID, session.StatusCancelled); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "session transition to cancelled failed"}, log.KV{K: "err", V: err})
	}
	if err := d.pub.ClearCancelFlag(ctx, job.SessionID); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "cancel flag clear failed"}, log.KV{K: "err", V: err})
	}
	d.metrics.WorkerTask(d.agent.Name(), "cancelled")
	log.Info(ctx, log.KV{K: "msg", V: "task cancelled"})
}

func (d *Dispatcher) finishTimeout(ctx context.Context, job Job) {
	msg := fmt.Sprintf("task exceeded %s", d.opts.TaskTimeout)
	if err := d.pub.Error(ctx, job.SessionID, msg, "TimeoutError", false, nil); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "timeout event publish failed"})
	}
	if err := d.sessions.SetStatus(ctx, job.SessionID, session.StatusTimeout); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "session transition to timeout failed"}, log.KV{K: "err", V: err})
	}
	d.metrics.WorkerTask(d.agent.Name(), "timeout")
	log.Warn(ctx, log.KV{K: "msg", V: "task timed out"})
}

func (d *Dispatcher) fail(ctx context.Context, job Job, cause error, errorType string) {
	if err := d.pub.Error(ctx, job.SessionID, cause.Error(), errorType, false, nil); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "error event publish failed"})
	}
	if err := d.sessions.SetStatus(ctx, job.SessionID, session.StatusError); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "session transition to error failed"}, log.KV{K: "err", V: err})
	}
	d.metrics.WorkerTask(d.agent.Name(), "error")
	log.Error(ctx, cause, log.KV{K: "msg", V: "task failed"})
}

// retryOrFail re-enqueues the job after a jittered exponential backoff, or
// emits the terminal error once attempts are exhausted.
func (d *Dispatcher) retryOrFail(ctx context.Context, job Job, cause error) {
	if job.Attempt+1 >= d.opts.MaxRetries {
		d.fail(ctx, job, fmt.Errorf("retries exhausted: %w", cause), "retries_exhausted")
		return
	}
	wait := backoff(job.Attempt)
	if err := d.pub.Trace(ctx, job.SessionID,
		fmt.Sprintf("Transient failure, retrying in %s: %v", wait.Round(time.Second), cause), "retrying"); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "retry trace publish failed"}, log.KV{K: "err", V: err})
	}
	d.metrics.WorkerTask(d.agent.Name(), "retry")
	if err := d.sleep(ctx, wait); err != nil {
		d.fail(ctx, job, cause, "shutdown")
		return
	}
	job.Attempt++
	if _, err := d.queue.Enqueue(ctx, job); err != nil {
		d.fail(ctx, job, fmt.Errorf("re-enqueue failed: %w", err), "internal")
	}
}

// backoff returns the wait before retry n with full jitter: uniform over
// (0, 5s*2^n] capped at 60s.
func backoff(attempt int) time.Duration {
	max := baseBackoff << attempt
	if max > maxBackoff || max <= 0 {
		max = maxBackoff
	}
	return time.Duration(rand.Int63n(int64(max))) + time.Millisecond
}

func retryable(err error) bool {
	return errors.Is(err, relayredis.ErrUnavailable) || errors.Is(err, relayredis.ErrTimeout)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
