// Package eventlog is the durable per-session event log: one Redis stream per
// session consumed through a consumer group, plus a delivered-ID set so
// reconnecting consumers can collapse the at-least-once redeliveries into
// exactly-once client delivery. Stream order is delivery order.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	relayredis "goa.design/relay/clients/redis"
	"goa.design/relay/event"
	"goa.design/relay/metrics"
)

const (
	// Group is the consumer group name on every session stream. A single
	// group shares delivery work among all connected readers of the session.
	Group = "sse"

	// DefaultMaxLen caps each session stream (approximate trimming).
	DefaultMaxLen = 1000

	// DefaultBlock is the blocking-read timeout for group reads.
	DefaultBlock = 5 * time.Second

	// DefaultClaimMinIdle is how long an entry must sit unacked in another
	// consumer's pending list before a new consumer may claim it.
	DefaultClaimMinIdle = 30 * time.Second

	// readCount is the per-read batch size for group reads.
	readCount = 10
)

type (
	// Options configures a Log.
	Options struct {
		// MaxLen caps each session stream; DefaultMaxLen when zero.
		MaxLen int64
		// TTL applied to streams and delivered sets; defaults to the
		// session TTL when zero.
		TTL time.Duration
		// Block is the blocking-read timeout; DefaultBlock when zero.
		Block time.Duration
		// ClaimMinIdle gates pending-entry claims; DefaultClaimMinIdle
		// when zero.
		ClaimMinIdle time.Duration
	}

	// Log appends and reads session event streams.
	Log struct {
		rdb      *goredis.Client
		blocking *goredis.Client
		opts     Options
		metrics  *metrics.Metrics
	}

	// Entry pairs a decoded event with its stream ID. The stream ID is the
	// ack token and the SSE id: field.
	Entry struct {
		ID    string
		Event event.Event
	}

	// Consumer is one named reader within the session stream's group.
	Consumer struct {
		log       *Log
		sessionID string
		name      string
	}
)

// New builds a Log. rdb serves non-blocking commands; blocking serves
// XREADGROUP/XREAD so long polls do not starve the command pool.
func New(rdb, blocking *goredis.Client, opts Options, m *metrics.Metrics) *Log {
	if opts.MaxLen <= 0 {
		opts.MaxLen = DefaultMaxLen
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Block <= 0 {
		opts.Block = DefaultBlock
	}
	if opts.ClaimMinIdle <= 0 {
		opts.ClaimMinIdle = DefaultClaimMinIdle
	}
	return &Log{rdb: rdb, blocking: blocking, opts: opts, metrics: m}
}

// StreamKey returns the stream key for a session.
func StreamKey(sessionID string) string { return "stream:" + sessionID }

// DeliveredKey returns the delivered-ID set key for a session.
func DeliveredKey(sessionID string) string { return "delivered:" + sessionID }

// Append adds the event to the session stream, trimming to MaxLen
// approximately, and returns the assigned stream ID.
func (l *Log) Append(ctx context.Context, sessionID string, ev event.Event) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = event.Now()
	}
	ev.SessionID = sessionID
	ctx, span := otel.Tracer("goa.design/relay/eventlog").Start(ctx, "eventlog.append",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("event.type", string(ev.Type)),
		),
	)
	defer span.End()
	pipe := l.rdb.TxPipeline()
	add := pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamKey(sessionID),
		MaxLen: l.opts.MaxLen,
		Approx: true,
		Values: ev.StreamValues(),
	})
	pipe.Expire(ctx, StreamKey(sessionID), l.opts.TTL)
	_, err := pipe.Exec(ctx)
	l.metrics.RedisOperation("xadd", err)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("append event to %s: %w", sessionID, relayredis.Translate(err))
	}
	l.metrics.EventPublished(string(ev.Type))
	return add.Val(), nil
}

// EnsureGroup creates the consumer group at stream origin so that consumers
// joining after events were published still receive the full history. The
// stream is created empty if needed. Safe to call repeatedly.
func (l *Log) EnsureGroup(ctx context.Context, sessionID string) error {
	err := l.rdb.XGroupCreateMkStream(ctx, StreamKey(sessionID), Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		l.metrics.RedisOperation("xgroup_create", err)
		return fmt.Errorf("create group for %s: %w", sessionID, relayredis.Translate(err))
	}
	l.metrics.RedisOperation("xgroup_create", nil)
	return nil
}

// NewConsumer registers a uniquely named consumer for the session. The group
// must already exist (EnsureGroup).
func (l *Log) NewConsumer(sessionID string) *Consumer {
	return &Consumer{
		log:       l,
		sessionID: sessionID,
		name:      "sse-" + uuid.New().String()[:8],
	}
}

// Name returns the consumer's group member name.
func (c *Consumer) Name() string { return c.name }

// ClaimPending transfers entries stuck in other consumers' pending lists to
// this consumer. Only entries idle past ClaimMinIdle move, so entries being
// actively delivered by a live consumer stay put.
func (c *Consumer) ClaimPending(ctx context.Context) ([]Entry, error) {
	msgs, _, err := c.log.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   StreamKey(c.sessionID),
		Group:    Group,
		Consumer: c.name,
		MinIdle:  c.log.opts.ClaimMinIdle,
		Start:    "0-0",
		Count:    100,
	}).Result()
	c.log.metrics.RedisOperation("xautoclaim", err)
	if err != nil {
		return nil, fmt.Errorf("claim pending for %s: %w", c.sessionID, relayredis.Translate(err))
	}
	return decodeMessages(msgs)
}

// ReadOwnPending returns entries already delivered to this consumer but not
// yet acked, oldest first. Used after claims so redeliveries precede new
// events.
func (c *Consumer) ReadOwnPending(ctx context.Context) ([]Entry, error) {
	streams, err := c.log.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    Group,
		Consumer: c.name,
		Streams:  []string{StreamKey(c.sessionID), "0"},
		Count:    100,
	}).Result()
	c.log.metrics.RedisOperation("xreadgroup", err)
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pending for %s: %w", c.sessionID, relayredis.Translate(err))
	}
	return decodeStreams(streams)
}

// Read blocks up to the configured block timeout for new entries. A nil,
// nil return means the timeout elapsed with nothing to deliver.
func (c *Consumer) Read(ctx context.Context) ([]Entry, error) {
	streams, err := c.log.blocking.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    Group,
		Consumer: c.name,
		Streams:  []string{StreamKey(c.sessionID), ">"},
		Count:    readCount,
		Block:    c.log.opts.Block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		c.log.metrics.RedisOperation("xreadgroup", nil)
		return nil, nil
	}
	c.log.metrics.RedisOperation("xreadgroup", err)
	if err != nil {
		return nil, fmt.Errorf("read events for %s: %w", c.sessionID, relayredis.Translate(err))
	}
	return decodeStreams(streams)
}

// Ack acknowledges delivery of a stream entry.
func (c *Consumer) Ack(ctx context.Context, streamID string) error {
	err := c.log.rdb.XAck(ctx, StreamKey(c.sessionID), Group, streamID).Err()
	c.log.metrics.RedisOperation("xack", err)
	if err != nil {
		return fmt.Errorf("ack %s on %s: %w", streamID, c.sessionID, relayredis.Translate(err))
	}
	return nil
}

// Delivered reports whether the event ID is already in the session's
// delivered set.
func (l *Log) Delivered(ctx context.Context, sessionID, eventID string) (bool, error) {
	seen, err := l.rdb.SIsMember(ctx, DeliveredKey(sessionID), eventID).Result()
	l.metrics.RedisOperation("sismember_delivered", err)
	if err != nil {
		return false, fmt.Errorf("check delivered %s on %s: %w", eventID, sessionID, relayredis.Translate(err))
	}
	return seen, nil
}

// MarkDelivered records the event ID in the session's delivered set and
// reports whether it was newly added. A false return means another consumer
// already delivered this event and it must be suppressed (but still acked).
func (l *Log) MarkDelivered(ctx context.Context, sessionID, eventID string) (bool, error) {
	pipe := l.rdb.TxPipeline()
	add := pipe.SAdd(ctx, DeliveredKey(sessionID), eventID)
	pipe.Expire(ctx, DeliveredKey(sessionID), l.opts.TTL)
	_, err := pipe.Exec(ctx)
	l.metrics.RedisOperation("sadd_delivered", err)
	if err != nil {
		return false, fmt.Errorf("mark delivered %s on %s: %w", eventID, sessionID, relayredis.Translate(err))
	}
	return add.Val() == 1, nil
}

// Cleanup removes the session's stream and delivered set.
func (l *Log) Cleanup(ctx context.Context, sessionID string) error {
	err := l.rdb.Del(ctx, StreamKey(sessionID), DeliveredKey(sessionID)).Err()
	l.metrics.RedisOperation("del_stream", err)
	if err != nil {
		return fmt.Errorf("cleanup streams for %s: %w", sessionID, relayredis.Translate(err))
	}
	return nil
}

// TailUntilTerminal reads the stream from the origin outside the consumer
// group and returns all entries up to and including the first terminal event.
// Group pending state is untouched, so concurrent streaming consumers keep
// their delivery semantics. Blocks until the terminal event arrives or ctx
// expires.
func (l *Log) TailUntilTerminal(ctx context.Context, sessionID string) ([]Entry, error) {
	var all []Entry
	lastID := "0"
	for {
		streams, err := l.blocking.XRead(ctx, &goredis.XReadArgs{
			Streams: []string{StreamKey(sessionID), lastID},
			Count:   100,
			Block:   l.opts.Block,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			if ctx.Err() != nil {
				return all, ctx.Err()
			}
			continue
		}
		l.metrics.RedisOperation("xread", err)
		if err != nil {
			if ctx.Err() != nil {
				return all, ctx.Err()
			}
			return all, fmt.Errorf("tail %s: %w", sessionID, relayredis.Translate(err))
		}
		entries, err := decodeStreams(streams)
		if err != nil {
			return all, err
		}
		for _, e := range entries {
			lastID = e.ID
			if e.Event.Type == event.TypeHeartbeat {
				continue
			}
			all = append(all, e)
			if e.Event.Type.Terminal() {
				return all, nil
			}
		}
	}
}

func decodeStreams(streams []goredis.XStream) ([]Entry, error) {
	var entries []Entry
	for _, s := range streams {
		es, err := decodeMessages(s.Messages)
		if err != nil {
			return nil, err
		}
		entries = append(entries, es...)
	}
	return entries, nil
}

func decodeMessages(msgs []goredis.XMessage) ([]Entry, error) {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		ev, err := event.FromStreamValues(m.Values)
		if err != nil {
			return nil, fmt.Errorf("decode stream entry %s: %w", m.ID, err)
		}
		entries = append(entries, Entry{ID: m.ID, Event: ev})
	}
	return entries, nil
}
