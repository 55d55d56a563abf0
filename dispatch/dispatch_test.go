package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"goa.design/relay/agent"
	relayredis "goa.design/relay/clients/redis"
	"goa.design/relay/event"
	"goa.design/relay/eventlog"
	"goa.design/relay/publish"
	"goa.design/relay/session"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	// Start Redis container once for all tests.
	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			fmt.Printf("Failed to get container host: %v\n", err)
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				fmt.Printf("Failed to get container port: %v\n", err)
				skipIntegration = true
			} else {
				testRedisClient = redis.NewClient(&redis.Options{
					Addr: host + ":" + port.Port(),
				})
				if err := testRedisClient.Ping(ctx).Err(); err != nil {
					fmt.Printf("Failed to ping redis: %v\n", err)
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}

	os.Exit(code)
}

func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	if err := testRedisClient.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
	return testRedisClient
}

// harness wires a dispatcher against the shared test Redis.
type harness struct {
	rdb      *redis.Client
	queue    *Queue
	sessions *session.Store
	log      *eventlog.Log
	pub      *publish.Publisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rdb := getRedis(t)
	ctx := context.Background()
	q, err := NewQueue(ctx, rdb, rdb, nil)
	require.NoError(t, err)
	sessions := session.NewStore(rdb, time.Hour)
	l := eventlog.New(rdb, rdb, eventlog.Options{Block: 200 * time.Millisecond}, nil)
	return &harness{
		rdb:      rdb,
		queue:    q,
		sessions: sessions,
		log:      l,
		pub:      publish.New(l, sessions, rdb),
	}
}

func (h *harness) dispatcher(t *testing.T, a agent.Agent, opts DispatcherOptions) *Dispatcher {
	t.Helper()
	d := NewDispatcher(h.queue, a, h.pub, h.sessions, h.rdb, opts, nil)
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

// sessionEvents tails the session stream and returns the decoded events.
func (h *harness) sessionEvents(t *testing.T, sessionID string) []event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries, err := h.log.TailUntilTerminal(ctx, sessionID)
	require.NoError(t, err)
	evs := make([]event.Event, len(entries))
	for i, e := range entries {
		evs[i] = e.Event
	}
	return evs
}

func (h *harness) createSession(t *testing.T, prompt string) session.Session {
	t.Helper()
	sess, err := h.sessions.Create(context.Background(), "", prompt, "", nil)
	require.NoError(t, err)
	return sess
}

func TestQueueEnqueueReadAck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.queue.Enqueue(ctx, Job{SessionID: "s1", Prompt: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.TaskID)

	qj, err := h.queue.Read(ctx, "w1", 200*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, qj)
	assert.Equal(t, job.TaskID, qj.Job.TaskID)
	assert.Equal(t, "hello", qj.Job.Prompt)

	require.NoError(t, h.queue.Ack(ctx, qj.ID))

	// Nothing left to read.
	qj, err = h.queue.Read(ctx, "w1", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, qj)
}

func TestQueuePoisonEntryIsAcked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: Stream,
		Values: map[string]any{"job": "not json"},
	}).Err())

	_, err := h.queue.Read(ctx, "w1", 200*time.Millisecond)
	require.Error(t, err)

	// The poison entry does not come back.
	qj, err := h.queue.Read(ctx, "w1", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, qj)
}

func TestExecuteSuccess(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "hello")

	a := agent.Func{AgentName: "test", F: func(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
		require.Equal(t, sess.ID, inv.SessionID)
		require.Equal(t, "hello", inv.Prompt)
		return &agent.Result{Response: "done", Usage: event.TokenUsage{PromptTokens: 3, CompletionTokens: 5}}, nil
	}}
	d := h.dispatcher(t, a, DispatcherOptions{})

	job, err := h.queue.Enqueue(context.Background(), Job{SessionID: sess.ID, Prompt: "hello"})
	require.NoError(t, err)
	qj, err := h.queue.Read(context.Background(), "w1", time.Second)
	require.NoError(t, err)
	d.Execute(context.Background(), *qj)

	evs := h.sessionEvents(t, sess.ID)
	require.NotEmpty(t, evs)
	final := evs[len(evs)-1]
	assert.Equal(t, event.TypeFinal, final.Type)

	got, err := h.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, got.Status)
	assert.Equal(t, job.TaskID, got.TaskID)
	assert.Positive(t, got.MessageCount)
}

func TestExecuteAgentFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "p")

	a := agent.Func{AgentName: "test", F: func(context.Context, agent.Invocation) (*agent.Result, error) {
		return nil, errors.New("model refused")
	}}
	d := h.dispatcher(t, a, DispatcherOptions{})

	_, err := h.queue.Enqueue(context.Background(), Job{SessionID: sess.ID, Prompt: "p"})
	require.NoError(t, err)
	qj, err := h.queue.Read(context.Background(), "w1", time.Second)
	require.NoError(t, err)
	d.Execute(context.Background(), *qj)

	evs := h.sessionEvents(t, sess.ID)
	last := evs[len(evs)-1]
	assert.Equal(t, event.TypeError, last.Type)

	got, err := h.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, got.Status)
}

func TestExecuteRetryableFailureReenqueues(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "p")

	attempts := 0
	a := agent.Func{AgentName: "test", F: func(context.Context, agent.Invocation) (*agent.Result, error) {
		attempts++
		if attempts == 1 {
			return nil, fmt.Errorf("publish: %w", relayredis.ErrUnavailable)
		}
		return &agent.Result{Response: "recovered"}, nil
	}}
	d := h.dispatcher(t, a, DispatcherOptions{MaxRetries: 3})

	_, err := h.queue.Enqueue(context.Background(), Job{SessionID: sess.ID, Prompt: "p"})
	require.NoError(t, err)

	// First execution fails and re-enqueues; second succeeds.
	for i := 0; i < 2; i++ {
		qj, err := h.queue.Read(context.Background(), "w1", time.Second)
		require.NoError(t, err)
		require.NotNil(t, qj, "attempt %d job available", i)
		d.Execute(context.Background(), *qj)
	}
	assert.Equal(t, 2, attempts)

	evs := h.sessionEvents(t, sess.ID)
	last := evs[len(evs)-1]
	assert.Equal(t, event.TypeFinal, last.Type)

	// A retrying trace was emitted before the final.
	var sawRetry bool
	for _, ev := range evs {
		if ev.Type == event.TypeTrace {
			sawRetry = true
		}
	}
	assert.True(t, sawRetry)
}

func TestExecuteRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "p")

	a := agent.Func{AgentName: "test", F: func(context.Context, agent.Invocation) (*agent.Result, error) {
		return nil, relayredis.ErrTimeout
	}}
	d := h.dispatcher(t, a, DispatcherOptions{MaxRetries: 2})

	_, err := h.queue.Enqueue(context.Background(), Job{SessionID: sess.ID, Prompt: "p"})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		qj, err := h.queue.Read(context.Background(), "w1", time.Second)
		require.NoError(t, err)
		require.NotNil(t, qj)
		d.Execute(context.Background(), *qj)
	}

	evs := h.sessionEvents(t, sess.ID)
	last := evs[len(evs)-1]
	require.Equal(t, event.TypeError, last.Type)

	got, err := h.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, got.Status)
}

func TestExecuteCancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "p")
	require.NoError(t, h.pub.SetCancelFlag(context.Background(), sess.ID))

	ran := false
	a := agent.Func{AgentName: "test", F: func(context.Context, agent.Invocation) (*agent.Result, error) {
		ran = true
		return &agent.Result{Response: "x"}, nil
	}}
	d := h.dispatcher(t, a, DispatcherOptions{})

	_, err := h.queue.Enqueue(context.Background(), Job{SessionID: sess.ID, Prompt: "p"})
	require.NoError(t, err)
	qj, err := h.queue.Read(context.Background(), "w1", time.Second)
	require.NoError(t, err)
	d.Execute(context.Background(), *qj)

	assert.False(t, ran, "agent never runs for a pre-cancelled task")

	got, err := h.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, got.Status)

	// Flag is consumed.
	assert.False(t, h.pub.IsCancelled(context.Background(), sess.ID))
}

func TestExecuteCooperativeCancellation(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "p")

	a := agent.Func{AgentName: "test", F: func(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
		require.NoError(t, h.pub.SetCancelFlag(ctx, sess.ID))
		if inv.Cancelled(ctx) {
			return nil, context.Canceled
		}
		return &agent.Result{Response: "x"}, nil
	}}
	d := h.dispatcher(t, a, DispatcherOptions{})

	_, err := h.queue.Enqueue(context.Background(), Job{SessionID: sess.ID, Prompt: "p"})
	require.NoError(t, err)
	qj, err := h.queue.Read(context.Background(), "w1", time.Second)
	require.NoError(t, err)
	d.Execute(context.Background(), *qj)

	evs := h.sessionEvents(t, sess.ID)
	last := evs[len(evs)-1]
	assert.Equal(t, event.TypeError, last.Type)
	var payload event.ErrorPayload
	require.NoError(t, json.Unmarshal(last.Data, &payload))
	assert.Equal(t, "CancellationError", payload.ErrorType)

	got, err := h.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, got.Status)
}

func TestExecuteTimeout(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "p")

	a := agent.Func{AgentName: "test", F: func(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	d := h.dispatcher(t, a, DispatcherOptions{TaskTimeout: 200 * time.Millisecond})

	_, err := h.queue.Enqueue(context.Background(), Job{SessionID: sess.ID, Prompt: "p"})
	require.NoError(t, err)
	qj, err := h.queue.Read(context.Background(), "w1", time.Second)
	require.NoError(t, err)
	d.Execute(context.Background(), *qj)

	evs := h.sessionEvents(t, sess.ID)
	last := evs[len(evs)-1]
	assert.Equal(t, event.TypeError, last.Type)
	var payload event.ErrorPayload
	require.NoError(t, json.Unmarshal(last.Data, &payload))
	assert.Equal(t, "TimeoutError", payload.ErrorType)

	got, err := h.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTimeout, got.Status)
}

func TestExecuteDuplicateTaskDropped(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "p")

	started := make(chan struct{})
	release := make(chan struct{})
	a := agent.Func{AgentName: "test", F: func(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
		close(started)
		<-release
		return &agent.Result{Response: "x"}, nil
	}}
	d := h.dispatcher(t, a, DispatcherOptions{})

	_, err := h.queue.Enqueue(context.Background(), Job{SessionID: sess.ID, Prompt: "p"})
	require.NoError(t, err)
	_, err = h.queue.Enqueue(context.Background(), Job{SessionID: sess.ID, Prompt: "p"})
	require.NoError(t, err)

	first, err := h.queue.Read(context.Background(), "w1", time.Second)
	require.NoError(t, err)
	second, err := h.queue.Read(context.Background(), "w2", time.Second)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Execute(context.Background(), *first)
	}()
	<-started

	// The duplicate cannot take the execution lock and is dropped.
	d.Execute(context.Background(), *second)

	close(release)
	<-done

	evs := h.sessionEvents(t, sess.ID)
	finals := 0
	for _, ev := range evs {
		if ev.Type == event.TypeFinal {
			finals++
		}
	}
	assert.Equal(t, 1, finals, "only one execution completed")
}

func TestBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 100; i++ {
			d := backoff(attempt)
			assert.Positive(t, d)
			assert.LessOrEqual(t, d, maxBackoff+time.Millisecond)
		}
	}
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, retryable(fmt.Errorf("x: %w", relayredis.ErrUnavailable)))
	assert.True(t, retryable(relayredis.ErrTimeout))
	assert.False(t, retryable(errors.New("bad prompt")))
	assert.False(t, retryable(context.Canceled))
}
