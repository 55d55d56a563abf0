package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	"goa.design/relay/api"
	"goa.design/relay/auth"
	"goa.design/relay/backpressure"
	relayredis "goa.design/relay/clients/redis"
	"goa.design/relay/config"
	"goa.design/relay/dispatch"
	"goa.design/relay/eventlog"
	"goa.design/relay/metrics"
	"goa.design/relay/publish"
	"goa.design/relay/ratelimit"
	"goa.design/relay/session"
	"goa.design/relay/sse"
)

func main() {
	var (
		dbgF = flag.Bool("debug", false, "Log request and response details")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg := config.Load()

	// Connect to the store.
	client, err := relayredis.New(relayredis.Options{
		URL:            cfg.StoreURL,
		MaxConnections: cfg.StoreMaxConnections,
		SocketTimeout:  cfg.StoreSocketTimeout,
	})
	if err != nil {
		log.Fatalf(ctx, err, "configure store client")
	}
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		log.Fatalf(ctx, err, "connect to store at %s", cfg.StoreURL)
	}
	rdb := client.Cmd()

	// Assemble the domain components.
	m := metrics.New()
	sessions := session.NewStore(rdb, cfg.SessionTTL)
	events := eventlog.New(rdb, client.Blocking(), eventlog.Options{
		MaxLen:       cfg.StreamMaxLen,
		Block:        cfg.StreamBlockTimeout,
		ClaimMinIdle: cfg.StreamMaxPendingClaimAge,
	}, m)
	queue, err := dispatch.NewQueue(ctx, rdb, client.Blocking(), m)
	if err != nil {
		log.Fatalf(ctx, err, "initialize task queue")
	}
	pub := publish.New(events, sessions, rdb)
	buffers := backpressure.NewManager(cfg.SSEMaxQueueSize, cfg.SSEIdleTimeout, m)
	defer buffers.Close()
	streamer := sse.NewStreamer(sse.LogSource(events), sessions, buffers, sse.Options{
		HeartbeatInterval: cfg.SSEHeartbeatInterval,
		IdleTimeout:       cfg.SSEIdleTimeout,
	}, m)

	routes := ratelimit.DefaultRoutes()
	routes.Default = ratelimit.RouteLimit{
		Requests:      cfg.RateLimitRequests,
		WindowSeconds: int(cfg.RateLimitWindow.Seconds()),
	}
	if cfg.RateLimitRoutesFile != "" {
		fileRoutes, err := ratelimit.LoadRoutes(cfg.RateLimitRoutesFile)
		if err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "route limits file ignored"}, log.KV{K: "err", V: err})
		} else {
			routes = fileRoutes
		}
	}

	// Worker heartbeats feed readiness reporting.
	workers, err := rmap.Join(ctx, dispatch.WorkersMap, rdb)
	if err != nil {
		log.Fatalf(ctx, err, "join worker heartbeat map")
	}
	defer workers.Close()

	// One replica at a time sweeps keys orphaned by expired sessions.
	node, err := pool.AddNode(ctx, "relay-api", rdb)
	if err != nil {
		log.Fatalf(ctx, err, "join gc pool")
	}
	defer node.Close(ctx)
	gc, err := eventlog.NewCleaner(ctx, rdb, node, 0)
	if err != nil {
		log.Fatalf(ctx, err, "start gc sweep")
	}
	defer gc.Stop()

	srv := api.New(api.Options{
		Sessions: sessions,
		Events:   events,
		Queue:    queue,
		Pub:      pub,
		Streamer: streamer,
		Buffers:  buffers,
		Limiter:  ratelimit.New(rdb, m),
		Routes:   routes,
		Auth: auth.NewFilter(auth.Options{
			APIKeys:   cfg.APIKeys,
			JWTSecret: []byte(cfg.JWTSecret),
		}),
		Redis:   client,
		Workers: workers,
		Metrics: m,
	})

	var handler http.Handler = srv.Router()
	handler = log.HTTP(ctx)(handler)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Create channel used by both the signal handler and server goroutine
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Printf(ctx, "HTTP server listening on %s", cfg.Addr())
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "graceful shutdown failed"})
	}
	log.Printf(ctx, "exited")
}
