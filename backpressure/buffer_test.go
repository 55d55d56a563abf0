package backpressure

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(i int) []byte { return []byte(fmt.Sprintf("data: %d\n\n", i)) }

func TestPushPopOrder(t *testing.T) {
	buf := NewBuffer(10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, buf.Push(frame(i)))
	}
	for i := 0; i < 3; i++ {
		got, ok := buf.Pop(ctx, time.Second)
		require.True(t, ok)
		assert.Equal(t, frame(i), got)
	}
}

func TestPopTimeout(t *testing.T) {
	buf := NewBuffer(10)

	start := time.Now()
	got, ok := buf.Pop(context.Background(), 50*time.Millisecond)
	assert.True(t, ok, "timeout is not a close")
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPopUnblocksOnPush(t *testing.T) {
	buf := NewBuffer(10)

	go func() {
		time.Sleep(20 * time.Millisecond)
		buf.Push(frame(1))
	}()
	got, ok := buf.Pop(context.Background(), 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, frame(1), got)
}

func TestOverflowDropsNewestFrame(t *testing.T) {
	buf := NewBuffer(2)

	require.True(t, buf.Push(frame(0)))
	require.True(t, buf.Push(frame(1)))
	assert.False(t, buf.Push(frame(2)), "full queue drops the frame")

	stats := buf.Stats()
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, int64(1), stats.Overflows)
	assert.False(t, stats.Closed, "a single overflow does not close")
}

func TestConsecutiveOverflowsClose(t *testing.T) {
	buf := NewBuffer(1)
	require.True(t, buf.Push(frame(0)))

	for i := 0; i < maxConsecutiveOverflows; i++ {
		assert.False(t, buf.Push(frame(i)))
	}
	assert.True(t, buf.Closed())
	assert.ErrorIs(t, buf.Err(), ErrSlowClient)

	// Queued frames drain, then Pop reports closed.
	got, ok := buf.Pop(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, frame(0), got)
	_, ok = buf.Pop(context.Background(), time.Second)
	assert.False(t, ok)
}

func TestPopBetweenOverflowsResetsStreak(t *testing.T) {
	buf := NewBuffer(1)
	ctx := context.Background()

	require.True(t, buf.Push(frame(0)))
	assert.False(t, buf.Push(frame(1)))
	assert.False(t, buf.Push(frame(2)))

	// The client drains one frame; the next push succeeds and the overflow
	// streak resets.
	_, ok := buf.Pop(ctx, time.Second)
	require.True(t, ok)
	require.True(t, buf.Push(frame(3)))
	assert.False(t, buf.Push(frame(4)))
	assert.False(t, buf.Closed(), "streak restarted after successful push")
}

func TestSlowThreshold(t *testing.T) {
	buf := NewBuffer(10)
	for i := 0; i < 7; i++ {
		buf.Push(frame(i))
	}
	assert.False(t, buf.Slow())
	buf.Push(frame(7))
	assert.True(t, buf.Slow(), "slow at 80% fill")
}

func TestCloseWithErrorPreservesCause(t *testing.T) {
	buf := NewBuffer(10)
	cause := fmt.Errorf("write failed")
	buf.CloseWithError(cause)
	assert.ErrorIs(t, buf.Err(), cause)

	buf.CloseWithError(fmt.Errorf("other"))
	assert.ErrorIs(t, buf.Err(), cause, "first close wins")
}

func TestPushAfterCloseIsNoop(t *testing.T) {
	buf := NewBuffer(10)
	buf.Close()
	assert.False(t, buf.Push(frame(0)))
	assert.Equal(t, int64(0), buf.Stats().Queued)
}

func TestDepthNeverExceedsMax(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("queue depth stays within capacity", prop.ForAll(
		func(maxSize int, ops []bool) bool {
			buf := NewBuffer(maxSize)
			ctx := context.Background()
			for i, push := range ops {
				if push {
					buf.Push(frame(i))
				} else {
					buf.Pop(ctx, time.Millisecond)
				}
				if buf.Stats().Depth > maxSize {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.SliceOf(gen.Bool()),
	))

	properties.Property("dropped + sent + depth accounts for every push on an open buffer", prop.ForAll(
		func(maxSize int, ops []bool) bool {
			buf := NewBuffer(maxSize)
			ctx := context.Background()
			var pushes int64
			for i, push := range ops {
				if push {
					// Pushes on a closed buffer are no-ops and count nowhere.
					open := !buf.Closed()
					buf.Push(frame(i))
					if open {
						pushes++
					}
				} else {
					buf.Pop(ctx, time.Millisecond)
				}
			}
			s := buf.Stats()
			return s.Dropped+s.Sent+int64(s.Depth) == pushes
		},
		gen.IntRange(1, 20),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestManagerRegisterUnregister(t *testing.T) {
	m := NewManager(10, time.Minute, nil)
	defer m.Close()

	buf := m.Register("conn-1")
	require.NotNil(t, buf)
	buf.Push(frame(0))

	snap := m.Snapshot()
	require.Contains(t, snap, "conn-1")
	assert.Equal(t, 1, snap["conn-1"].Depth)

	m.Unregister("conn-1")
	assert.True(t, buf.Closed())
	assert.NotContains(t, m.Snapshot(), "conn-1")
}

func TestManagerReplacesDuplicateConnID(t *testing.T) {
	m := NewManager(10, time.Minute, nil)
	defer m.Close()

	first := m.Register("conn-1")
	second := m.Register("conn-1")
	assert.True(t, first.Closed(), "replaced buffer is closed")
	assert.False(t, second.Closed())
}

func TestManagerReapsStaleBuffers(t *testing.T) {
	m := NewManager(10, time.Minute, nil)
	defer m.Close()

	buf := m.Register("conn-1")
	buf.mu.Lock()
	buf.lastActivity = time.Now().Add(-2 * time.Minute)
	buf.mu.Unlock()

	m.reap()
	assert.True(t, buf.Closed())
	assert.NotContains(t, m.Snapshot(), "conn-1")
}
