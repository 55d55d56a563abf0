// Package redis hosts the Redis client shared by the relay components. It
// maintains two connection pools: one for regular commands and a dedicated one
// for blocking stream reads so slow consumers cannot starve command traffic.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var (
	// ErrUnavailable reports that the store could not be reached.
	ErrUnavailable = errors.New("store unavailable")
	// ErrTimeout reports that a store operation exceeded its deadline.
	ErrTimeout = errors.New("store timeout")
	// ErrBadReply reports an unexpected reply shape from the store.
	ErrBadReply = errors.New("bad store reply")
)

type (
	// Options configures the Redis client.
	Options struct {
		// URL is the Redis connection URL (redis://host:port/db). Required.
		URL string
		// MaxConnections bounds the command pool. The blocking pool is sized to
		// half of it. Defaults to 50.
		MaxConnections int
		// SocketTimeout bounds individual command reads/writes. Defaults to 5s.
		SocketTimeout time.Duration
	}

	// Client wraps the two Redis connection pools. Use Cmd for regular
	// commands and Blocking for XREADGROUP/XREAD calls that block server-side.
	Client struct {
		cmd      *goredis.Client
		blocking *goredis.Client
	}
)

// New builds a Client from the given options. The URL field is required.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("redis URL is required")
	}
	base, err := goredis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	maxConns := opts.MaxConnections
	if maxConns <= 0 {
		maxConns = 50
	}
	timeout := opts.SocketTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	cmdOpts := *base
	cmdOpts.PoolSize = maxConns
	cmdOpts.ReadTimeout = timeout
	cmdOpts.WriteTimeout = timeout
	cmdOpts.MaxRetries = 1

	// go-redis extends the read deadline for blocking commands automatically,
	// but the pool is kept separate so long XREADGROUP blocks cannot exhaust
	// the command pool. Blocking reads are never retried: the caller's loop
	// owns re-issue semantics.
	blockOpts := *base
	blockOpts.MaxRetries = -1
	blockOpts.PoolSize = maxConns / 2
	if blockOpts.PoolSize < 1 {
		blockOpts.PoolSize = 1
	}
	blockOpts.ReadTimeout = timeout
	blockOpts.WriteTimeout = timeout

	return &Client{
		cmd:      goredis.NewClient(&cmdOpts),
		blocking: goredis.NewClient(&blockOpts),
	}, nil
}

// Cmd returns the command pool.
func (c *Client) Cmd() *goredis.Client { return c.cmd }

// Blocking returns the pool reserved for blocking stream reads.
func (c *Client) Blocking() *goredis.Client { return c.blocking }

// Name implements health.Pinger.
func (c *Client) Name() string { return "redis" }

// Ping implements health.Pinger using the command pool.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.cmd.Ping(ctx).Err(); err != nil {
		return Translate(err)
	}
	return nil
}

// Close disconnects both pools.
func (c *Client) Close() error {
	cmdErr := c.cmd.Close()
	blockErr := c.blocking.Close()
	return errors.Join(cmdErr, blockErr)
}

// Translate maps go-redis errors onto the package sentinels so callers can
// branch with errors.Is without importing go-redis. redis.Nil passes through
// unchanged: absence is not a fault.
func Translate(err error) error {
	if err == nil || errors.Is(err, goredis.Nil) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if errors.Is(err, goredis.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
