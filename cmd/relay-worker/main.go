package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"goa.design/relay/agent"
	relayredis "goa.design/relay/clients/redis"
	"goa.design/relay/config"
	"goa.design/relay/dispatch"
	"goa.design/relay/eventlog"
	"goa.design/relay/features/agent/anthropic"
	"goa.design/relay/metrics"
	"goa.design/relay/publish"
	"goa.design/relay/session"
)

func main() {
	var (
		dbgF = flag.Bool("debug", false, "Enable debug logs")
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

	// Run against the model when a key is configured, the scripted agent
	// otherwise so the full pipeline works without credentials.
	var ag agent.Agent
	if cfg.AnthropicAPIKey != "" {
		ag, err = anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, anthropic.Options{
			Model: cfg.AnthropicModel,
		})
		if err != nil {
			log.Fatalf(ctx, err, "configure model agent")
		}
	} else {
		log.Warn(ctx, log.KV{K: "msg", V: "ANTHROPIC_API_KEY not set, running scripted agent"})
		ag = agent.Scripted(0)
	}
	log.Print(ctx, log.KV{K: "agent", V: ag.Name()})

	dispatcher := dispatch.NewDispatcher(queue, ag, pub, sessions, rdb, dispatch.DispatcherOptions{
		TaskTimeout: cfg.AgentTaskTimeout,
		MaxRetries:  cfg.AgentMaxRetries,
	}, m)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	worker, err := dispatch.NewWorker(runCtx, queue, dispatcher, rdb, dispatch.WorkerOptions{
		Concurrency: cfg.Workers,
	})
	if err != nil {
		log.Fatalf(ctx, err, "join worker pool")
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	done := make(chan error, 1)
	go func() {
		done <- worker.Run(runCtx)
	}()

	select {
	case err := <-errc:
		// Cancel the run context and wait for in-flight jobs to drain.
		log.Printf(ctx, "exiting (%v)", err)
		cancel()
		if err := <-done; err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "worker shutdown"})
		}
	case err := <-done:
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "worker stopped"})
		}
	}
	log.Printf(ctx, "exited")
}
