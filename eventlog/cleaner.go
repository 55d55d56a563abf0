package eventlog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/pool"

	relayredis "goa.design/relay/clients/redis"
)

// DefaultSweepInterval is how often the cleaner scans for orphaned keys.
const DefaultSweepInterval = 10 * time.Minute

// Cleaner removes stream, delivered-set and cancel-flag keys left behind by
// sessions whose hash has expired. Stream and delivered keys carry their own
// TTLs; the sweep catches keys whose TTL refresh stopped mid-flight. The
// sweep runs on a distributed ticker so only one replica in the cluster scans
// at a time.
type Cleaner struct {
	rdb    *goredis.Client
	node   *pool.Node
	ticker *pool.Ticker

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewCleaner starts the background sweep on the given pool node. Stop must be
// called on shutdown.
func NewCleaner(ctx context.Context, rdb *goredis.Client, node *pool.Node, interval time.Duration) (*Cleaner, error) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker, err := node.NewTicker(ctx, "relay:gc", interval)
	if err != nil {
		return nil, fmt.Errorf("create gc ticker: %w", err)
	}
	// The loop runs on its own context so caller cancellation does not kill
	// the sweep before Stop.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Cleaner{rdb: rdb, node: node, ticker: ticker, cancel: cancel}
	c.wg.Add(1)
	go c.run(loopCtx)
	return c, nil
}

// Stop halts the sweep loop and releases the ticker.
func (c *Cleaner) Stop() {
	c.cancel()
	c.ticker.Stop()
	c.wg.Wait()
}

func (c *Cleaner) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ticker.C:
			if n, err := c.Sweep(ctx); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "gc sweep failed"})
			} else if n > 0 {
				log.Info(ctx, log.KV{K: "msg", V: "gc sweep"}, log.KV{K: "removed", V: n})
			}
		}
	}
}

// Sweep scans for session-scoped keys whose owning session hash is gone and
// deletes them. Returns the number of keys removed.
func (c *Cleaner) Sweep(ctx context.Context) (int, error) {
	var removed int
	for _, prefix := range []string{"stream:", "delivered:", "cancel:"} {
		n, err := c.sweepPrefix(ctx, prefix)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (c *Cleaner) sweepPrefix(ctx context.Context, prefix string) (int, error) {
	var removed int
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		sessionID := strings.TrimPrefix(key, prefix)
		if sessionID == "" {
			continue
		}
		exists, err := c.rdb.Exists(ctx, "session:"+sessionID).Result()
		if err != nil {
			return removed, fmt.Errorf("gc check session %s: %w", sessionID, relayredis.Translate(err))
		}
		if exists > 0 {
			continue
		}
		if err := c.rdb.Del(ctx, key).Err(); err != nil {
			return removed, fmt.Errorf("gc delete %s: %w", key, relayredis.Translate(err))
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("gc scan %s: %w", prefix, relayredis.Translate(err))
	}
	return removed, nil
}
