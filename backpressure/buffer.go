// Package backpressure bounds the per-connection delivery queue between the
// event log reader and a slow SSE client. A client that cannot drain its
// queue is first shed load (newest frames dropped) and then disconnected, so
// one slow consumer never pins server memory or stalls the reader.
package backpressure

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	// DefaultMaxSize is the frame queue capacity.
	DefaultMaxSize = 100

	// slowRatio is the fill fraction past which the client counts as slow.
	slowRatio = 0.8

	// maxConsecutiveOverflows closes the connection: three full-queue pushes
	// in a row mean the client is not draining at all.
	maxConsecutiveOverflows = 3
)

// ErrSlowClient reports a connection closed for not draining its queue.
var ErrSlowClient = errors.New("client too slow")

type (
	// Stats is a point-in-time snapshot of one buffer.
	Stats struct {
		Depth        int       `json:"depth"`
		Queued       int64     `json:"queued"`
		Sent         int64     `json:"sent"`
		Dropped      int64     `json:"dropped"`
		Overflows    int64     `json:"overflows"`
		PeakDepth    int       `json:"peak_depth"`
		SlowWarnings int64     `json:"slow_warnings"`
		Slow         bool      `json:"slow"`
		Closed       bool      `json:"closed"`
		LastActivity time.Time `json:"last_activity"`
	}

	// Buffer is the bounded frame queue for one connection. Frames are
	// pre-encoded SSE payloads so the writer goroutine only copies bytes.
	Buffer struct {
		mu     sync.Mutex
		frames [][]byte
		max    int
		notify chan struct{}

		queued       int64
		sent         int64
		dropped      int64
		overflows    int64
		peak         int
		slowWarnings int64
		consecutive  int

		closed   bool
		closeErr error

		lastActivity time.Time
	}
)

// NewBuffer builds a Buffer; maxSize defaults to DefaultMaxSize when zero.
func NewBuffer(maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Buffer{
		max:          maxSize,
		notify:       make(chan struct{}, 1),
		lastActivity: time.Now(),
	}
}

// Push enqueues a frame. A full queue drops the frame and counts an overflow;
// the third consecutive overflow closes the buffer with ErrSlowClient.
// Returns false when the frame was not queued (dropped or buffer closed).
func (b *Buffer) Push(frame []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.lastActivity = time.Now()
	if len(b.frames) >= b.max {
		b.dropped++
		b.overflows++
		b.consecutive++
		if b.consecutive >= maxConsecutiveOverflows {
			b.closeLocked(ErrSlowClient)
		}
		return false
	}
	b.consecutive = 0
	b.frames = append(b.frames, frame)
	b.queued++
	if len(b.frames) > b.peak {
		b.peak = len(b.frames)
	}
	if b.slowLocked() {
		b.slowWarnings++
	}
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop dequeues the next frame, blocking up to timeout. ok is false once the
// buffer is closed and fully drained. A nil frame with ok true means the
// timeout elapsed with nothing queued.
func (b *Buffer) Pop(ctx context.Context, timeout time.Duration) ([]byte, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		b.mu.Lock()
		if len(b.frames) > 0 {
			frame := b.frames[0]
			b.frames = b.frames[1:]
			b.sent++
			b.mu.Unlock()
			return frame, true
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			return nil, true
		case <-b.notify:
		}
	}
}

// Close marks the buffer closed. Queued frames remain poppable; Push becomes
// a no-op.
func (b *Buffer) Close() { b.CloseWithError(nil) }

// CloseWithError closes the buffer recording the cause, visible via Err.
func (b *Buffer) CloseWithError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked(err)
}

func (b *Buffer) closeLocked(err error) {
	if b.closed {
		return
	}
	b.closed = true
	b.closeErr = err
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Err returns the close cause, nil for a clean close or a still-open buffer.
func (b *Buffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeErr
}

// Closed reports whether the buffer has been closed.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Slow reports whether the queue is past the slow-client threshold.
func (b *Buffer) Slow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slowLocked()
}

func (b *Buffer) slowLocked() bool {
	return float64(len(b.frames)) >= float64(b.max)*slowRatio
}

// LastActivity returns the time of the most recent push.
func (b *Buffer) LastActivity() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastActivity
}

// Stats snapshots the buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Depth:        len(b.frames),
		Queued:       b.queued,
		Sent:         b.sent,
		Dropped:      b.dropped,
		Overflows:    b.overflows,
		PeakDepth:    b.peak,
		SlowWarnings: b.slowWarnings,
		Slow:         b.slowLocked(),
		Closed:       b.closed,
		LastActivity: b.lastActivity,
	}
}
