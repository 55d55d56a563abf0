// Package dispatch moves chat tasks from the request surface to worker
// processes over a shared Redis stream and runs them with retries, a
// wall-clock timeout and per-session execution locks.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	relayredis "goa.design/relay/clients/redis"
	"goa.design/relay/metrics"
)

const (
	// Stream is the shared task stream all workers consume.
	Stream = "dispatch"

	// WorkerGroup is the consumer group workers join.
	WorkerGroup = "workers"

	// queueMaxLen caps the task stream (approximate trimming).
	queueMaxLen = 10000

	// claimMinIdle is how long a task may sit unacked in a dead worker's
	// pending list before another worker rescues it.
	claimMinIdle = 60 * time.Second
)

type (
	// Job is one unit of queued work.
	Job struct {
		// TaskID identifies this execution attempt chain.
		TaskID string `json:"task_id"`
		// SessionID is the session the task belongs to.
		SessionID string `json:"session_id"`
		// Prompt is the user request.
		Prompt string `json:"prompt"`
		// UserID is empty for anonymous sessions.
		UserID string `json:"user_id,omitempty"`
		// Context is opaque session context.
		Context json.RawMessage `json:"context,omitempty"`
		// Attempt counts executions of this task, zero-based.
		Attempt int `json:"attempt"`
	}

	// Queue is the worker task queue.
	Queue struct {
		rdb      *goredis.Client
		blocking *goredis.Client
		metrics  *metrics.Metrics
	}

	// QueuedJob pairs a decoded job with its stream entry ID, the ack token.
	QueuedJob struct {
		ID  string
		Job Job
	}
)

// NewQueue builds a Queue and ensures the worker group exists.
func NewQueue(ctx context.Context, rdb, blocking *goredis.Client, m *metrics.Metrics) (*Queue, error) {
	q := &Queue{rdb: rdb, blocking: blocking, metrics: m}
	err := rdb.XGroupCreateMkStream(ctx, Stream, WorkerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create worker group: %w", relayredis.Translate(err))
	}
	return q, nil
}

// Enqueue appends the job to the task stream. A missing task ID gets a
// generated UUID; the possibly-updated job is returned.
func (q *Queue) Enqueue(ctx context.Context, job Job) (Job, error) {
	if job.TaskID == "" {
		job.TaskID = uuid.New().String()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return job, fmt.Errorf("encode job %s: %w", job.TaskID, err)
	}
	err = q.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: Stream,
		MaxLen: queueMaxLen,
		Approx: true,
		Values: map[string]any{"job": string(payload)},
	}).Err()
	q.metrics.RedisOperation("dispatch_enqueue", err)
	if err != nil {
		return job, fmt.Errorf("enqueue job %s: %w", job.TaskID, relayredis.Translate(err))
	}
	return job, nil
}

// Read blocks up to block for the next job assigned to the named consumer.
// Prefetch is one: a worker only takes what it can run. A nil, nil return
// means the block timeout elapsed.
func (q *Queue) Read(ctx context.Context, consumer string, block time.Duration) (*QueuedJob, error) {
	streams, err := q.blocking.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    WorkerGroup,
		Consumer: consumer,
		Streams:  []string{Stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	q.metrics.RedisOperation("dispatch_read", err)
	if err != nil {
		return nil, fmt.Errorf("read task queue: %w", relayredis.Translate(err))
	}
	for _, s := range streams {
		for _, m := range s.Messages {
			qj, err := decodeJob(m)
			if err != nil {
				// Poison entry: ack so it is not redelivered forever.
				_ = q.Ack(ctx, m.ID)
				return nil, err
			}
			return qj, nil
		}
	}
	return nil, nil
}

// Ack acknowledges completion of a queued job.
func (q *Queue) Ack(ctx context.Context, streamID string) error {
	err := q.rdb.XAck(ctx, Stream, WorkerGroup, streamID).Err()
	q.metrics.RedisOperation("dispatch_ack", err)
	if err != nil {
		return fmt.Errorf("ack task %s: %w", streamID, relayredis.Translate(err))
	}
	return nil
}

// Claim transfers jobs stuck in dead workers' pending lists to the named
// consumer.
func (q *Queue) Claim(ctx context.Context, consumer string) ([]QueuedJob, error) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   Stream,
		Group:    WorkerGroup,
		Consumer: consumer,
		MinIdle:  claimMinIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	q.metrics.RedisOperation("dispatch_claim", err)
	if err != nil {
		return nil, fmt.Errorf("claim stale tasks: %w", relayredis.Translate(err))
	}
	jobs := make([]QueuedJob, 0, len(msgs))
	for _, m := range msgs {
		qj, err := decodeJob(m)
		if err != nil {
			_ = q.Ack(ctx, m.ID)
			continue
		}
		jobs = append(jobs, *qj)
	}
	return jobs, nil
}

func decodeJob(m goredis.XMessage) (*QueuedJob, error) {
	raw, ok := m.Values["job"].(string)
	if !ok {
		return nil, fmt.Errorf("task entry %s missing job payload", m.ID)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode task entry %s: %w", m.ID, err)
	}
	return &QueuedJob{ID: m.ID, Job: job}, nil
}
