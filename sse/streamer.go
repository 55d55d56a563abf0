package sse

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"goa.design/relay/backpressure"
	"goa.design/relay/eventlog"
	"goa.design/relay/metrics"
)

const (
	// DefaultHeartbeatInterval paces keepalive frames on quiet connections.
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultIdleTimeout closes a connection that saw no real events.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultRetryHint is the reconnection delay suggested to clients.
	DefaultRetryHint = 3 * time.Second

	// stallRetryDelay is how long the reader waits for the writer to drain
	// before retrying entries that did not fit in the buffer.
	stallRetryDelay = 100 * time.Millisecond
)

type (
	// Consumer reads one session's events within the delivery group.
	Consumer interface {
		Name() string
		ClaimPending(ctx context.Context) ([]eventlog.Entry, error)
		ReadOwnPending(ctx context.Context) ([]eventlog.Entry, error)
		Read(ctx context.Context) ([]eventlog.Entry, error)
		Ack(ctx context.Context, streamID string) error
	}

	// Source provides consumers and delivery dedup for session streams.
	Source interface {
		EnsureGroup(ctx context.Context, sessionID string) error
		NewConsumer(sessionID string) Consumer
		Delivered(ctx context.Context, sessionID, eventID string) (bool, error)
		MarkDelivered(ctx context.Context, sessionID, eventID string) (bool, error)
	}

	// SessionToucher refreshes session liveness on delivery.
	SessionToucher interface {
		Touch(ctx context.Context, id string) error
	}

	// Options configures a Streamer.
	Options struct {
		// HeartbeatInterval between keepalive frames; default 15s.
		HeartbeatInterval time.Duration
		// IdleTimeout after which a quiet connection closes; default 5m.
		IdleTimeout time.Duration
		// RetryHint sent on connect; default 3s.
		RetryHint time.Duration
	}

	// Streamer serves session event streams over SSE.
	Streamer struct {
		source   Source
		sessions SessionToucher
		buffers  *backpressure.Manager
		opts     Options
		metrics  *metrics.Metrics
	}
)

// NewStreamer builds a Streamer.
func NewStreamer(source Source, sessions SessionToucher, buffers *backpressure.Manager, opts Options, m *metrics.Metrics) *Streamer {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.RetryHint <= 0 {
		opts.RetryHint = DefaultRetryHint
	}
	return &Streamer{source: source, sessions: sessions, buffers: buffers, opts: opts, metrics: m}
}

// LogSource adapts the event log to the Source interface.
func LogSource(l *eventlog.Log) Source { return logSource{l} }

type logSource struct{ log *eventlog.Log }

func (s logSource) EnsureGroup(ctx context.Context, sessionID string) error {
	return s.log.EnsureGroup(ctx, sessionID)
}

func (s logSource) NewConsumer(sessionID string) Consumer {
	return s.log.NewConsumer(sessionID)
}

func (s logSource) Delivered(ctx context.Context, sessionID, eventID string) (bool, error) {
	return s.log.Delivered(ctx, sessionID, eventID)
}

func (s logSource) MarkDelivered(ctx context.Context, sessionID, eventID string) (bool, error) {
	return s.log.MarkDelivered(ctx, sessionID, eventID)
}

// Stream serves the session's event stream on w until a terminal event, the
// idle timeout, client disconnect or a backpressure close. Headers must not
// have been written yet.
func (s *Streamer) Stream(w http.ResponseWriter, r *http.Request, sessionID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}
	ctx := r.Context()
	if err := s.source.EnsureGroup(ctx, sessionID); err != nil {
		return err
	}
	consumer := s.source.NewConsumer(sessionID)
	ctx, span := otel.Tracer("goa.design/relay/sse").Start(ctx, "sse.stream",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("sse.consumer", consumer.Name()),
		),
	)
	defer span.End()
	ctx = log.With(ctx,
		log.KV{K: "session_id", V: sessionID},
		log.KV{K: "consumer", V: consumer.Name()},
	)
	// Reconnect replay is driven by the group's pending entries and the
	// delivered set, not by a client cursor; Last-Event-ID is logged for
	// correlation only.
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		ctx = log.With(ctx, log.KV{K: "last_event_id", V: last})
	}

	buf := s.buffers.Register(consumer.Name())
	defer s.buffers.Unregister(consumer.Name())

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Expose-Headers", "Last-Event-ID")
	w.WriteHeader(http.StatusOK)

	start := time.Now()
	s.metrics.SSEConnectionOpened()
	defer func() { s.metrics.SSEConnectionClosed(time.Since(start)) }()
	log.Info(ctx, log.KV{K: "msg", V: "stream opened"})

	buf.Push(ConnectedFrame(sessionID, consumer.Name(), s.opts.RetryHint).Encode())

	readCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readLoop(readCtx, sessionID, consumer, buf)
	}()

	err := s.writeLoop(ctx, w, flusher, buf)
	stopReader()
	<-readerDone
	log.Info(ctx, log.KV{K: "msg", V: "stream closed"},
		log.KV{K: "duration_ms", V: time.Since(start).Milliseconds()})
	return err
}

// deliverStatus is the outcome of one deliver batch.
type deliverStatus int

const (
	deliverOK deliverStatus = iota
	deliverTerminal
	deliverStalled
)

// readLoop moves events from the log into the connection buffer: claimed and
// pending redeliveries first, then new events. Each entry is deduplicated
// against the session's delivered set, pushed, and only then marked and
// acked, so a crash or full buffer between push and ack redelivers rather
// than drops. Entries that did not fit stay pending and are retried from the
// consumer's own pending list once the writer has had a chance to drain.
// Quiet stretches re-claim entries stuck with dead consumers. The loop ends
// on a terminal event (closing the buffer) or context cancellation.
func (s *Streamer) readLoop(ctx context.Context, sessionID string, consumer Consumer, buf *backpressure.Buffer) {
	if _, err := consumer.ClaimPending(ctx); err != nil && ctx.Err() == nil {
		log.Warn(ctx, log.KV{K: "msg", V: "pending claim failed"}, log.KV{K: "err", V: err})
	}
	pending, err := consumer.ReadOwnPending(ctx)
	if err != nil && ctx.Err() == nil {
		log.Warn(ctx, log.KV{K: "msg", V: "pending read failed"}, log.KV{K: "err", V: err})
	}
	stalled := false
	switch s.deliver(ctx, sessionID, consumer, buf, pending) {
	case deliverTerminal:
		buf.Close()
		return
	case deliverStalled:
		stalled = true
	}
	for {
		if ctx.Err() != nil || buf.Closed() {
			return
		}
		var entries []eventlog.Entry
		var err error
		if stalled {
			select {
			case <-ctx.Done():
				return
			case <-time.After(stallRetryDelay):
			}
			entries, err = consumer.ReadOwnPending(ctx)
		} else {
			entries, err = consumer.Read(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error(ctx, err, log.KV{K: "msg", V: "event read failed"})
			buf.Push(ErrorFrame("event stream read failed", true).Encode())
			buf.CloseWithError(err)
			return
		}
		if !stalled && len(entries) == 0 {
			// Quiet stretch: rescue entries stuck in dead consumers' pending
			// lists. Claimed entries land in this consumer's pending list and
			// are picked up on the next pass.
			if _, err := consumer.ClaimPending(ctx); err != nil && ctx.Err() == nil {
				log.Warn(ctx, log.KV{K: "msg", V: "pending claim failed"}, log.KV{K: "err", V: err})
				continue
			}
			entries, err = consumer.ReadOwnPending(ctx)
			if err != nil && ctx.Err() == nil {
				log.Warn(ctx, log.KV{K: "msg", V: "pending read failed"}, log.KV{K: "err", V: err})
				continue
			}
		}
		switch s.deliver(ctx, sessionID, consumer, buf, entries) {
		case deliverTerminal:
			buf.Close()
			return
		case deliverStalled:
			stalled = true
		default:
			stalled = false
		}
	}
}

// deliver pushes entries to the buffer in stream order. Duplicates are
// suppressed but still acked. A fresh entry is marked delivered and acked
// only after its frame was accepted by the buffer; a rejected push leaves
// the entry pending (unmarked, unacked) and stalls the batch so nothing is
// lost when the client falls behind.
func (s *Streamer) deliver(ctx context.Context, sessionID string, consumer Consumer, buf *backpressure.Buffer, entries []eventlog.Entry) deliverStatus {
	for _, e := range entries {
		seen, err := s.source.Delivered(ctx, sessionID, e.Event.ID)
		if err != nil {
			if ctx.Err() != nil {
				return deliverOK
			}
			// Deliver anyway: a duplicate beats a dropped event.
			log.Warn(ctx, log.KV{K: "msg", V: "delivery dedup failed"}, log.KV{K: "err", V: err})
			seen = false
		}
		if !seen {
			if !buf.Push(EventFrame(e.ID, e.Event).Encode()) {
				return deliverStalled
			}
			if _, err := s.source.MarkDelivered(ctx, sessionID, e.Event.ID); err != nil && ctx.Err() == nil {
				log.Warn(ctx, log.KV{K: "msg", V: "delivery mark failed"}, log.KV{K: "err", V: err})
			}
			s.metrics.EventDelivered(string(e.Event.Type))
			if !e.Event.Type.Synthetic() {
				if err := s.sessions.Touch(ctx, sessionID); err != nil && ctx.Err() == nil {
					log.Warn(ctx, log.KV{K: "msg", V: "session touch failed"}, log.KV{K: "err", V: err})
				}
			}
		}
		if err := consumer.Ack(ctx, e.ID); err != nil && ctx.Err() == nil {
			log.Warn(ctx, log.KV{K: "msg", V: "ack failed"}, log.KV{K: "stream_id", V: e.ID}, log.KV{K: "err", V: err})
		}
		if !seen && e.Event.Type.Terminal() {
			return deliverTerminal
		}
	}
	return deliverOK
}

// writeLoop drains the buffer to the socket, emitting heartbeats on quiet
// stretches and enforcing the idle timeout.
func (s *Streamer) writeLoop(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, buf *backpressure.Buffer) error {
	lastEvent := time.Now()
	lastWrite := time.Now()
	for {
		frame, ok := buf.Pop(ctx, s.opts.HeartbeatInterval)
		if !ok {
			if err := buf.Err(); err != nil {
				// Backpressure close: tell the client before dropping it.
				s.write(w, flusher, ErrorFrame("Client too slow", false).Encode())
				return err
			}
			return ctx.Err()
		}
		if frame != nil {
			if err := s.write(w, flusher, frame); err != nil {
				buf.CloseWithError(err)
				return err
			}
			lastEvent = time.Now()
			lastWrite = time.Now()
			continue
		}
		if time.Since(lastEvent) >= s.opts.IdleTimeout {
			s.write(w, flusher, TimeoutFrame(s.opts.IdleTimeout).Encode())
			return nil
		}
		if time.Since(lastWrite) >= s.opts.HeartbeatInterval {
			if err := s.write(w, flusher, HeartbeatFrame().Encode()); err != nil {
				buf.CloseWithError(err)
				return err
			}
			lastWrite = time.Now()
		}
	}
}

func (s *Streamer) write(w http.ResponseWriter, flusher http.Flusher, frame []byte) error {
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	flusher.Flush()
	return nil
}

var _ Source = logSource{}
