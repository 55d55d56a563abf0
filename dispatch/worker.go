package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"
)

const (
	// WorkersMap is the replicated map where workers heartbeat. Readiness
	// probes use it to detect a cluster with no live workers.
	WorkersMap = "relay:workers"

	// HeartbeatInterval is how often a worker refreshes its map entry.
	HeartbeatInterval = 10 * time.Second

	// HeartbeatStale is the age past which a heartbeat no longer counts as
	// a live worker.
	HeartbeatStale = 3 * HeartbeatInterval

	// DefaultConcurrency is the number of jobs a worker runs at once.
	DefaultConcurrency = 4

	readBlock     = 5 * time.Second
	claimInterval = 30 * time.Second
)

type (
	// WorkerOptions configures a Worker.
	WorkerOptions struct {
		// Concurrency bounds simultaneous jobs; DefaultConcurrency when
		// zero.
		Concurrency int
	}

	// Worker consumes the task queue and runs jobs through the dispatcher.
	Worker struct {
		id         string
		queue      *Queue
		dispatcher *Dispatcher
		heartbeats *rmap.Map
		opts       WorkerOptions

		wg sync.WaitGroup
	}
)

// NewWorker builds a Worker with a unique consumer name and joins the
// heartbeat map.
func NewWorker(ctx context.Context, q *Queue, d *Dispatcher, rdb *goredis.Client, opts WorkerOptions) (*Worker, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	hb, err := rmap.Join(ctx, WorkersMap, rdb)
	if err != nil {
		return nil, fmt.Errorf("join worker heartbeat map: %w", err)
	}
	return &Worker{
		id:         "worker-" + uuid.New().String()[:8],
		queue:      q,
		dispatcher: d,
		heartbeats: hb,
		opts:       opts,
	}, nil
}

// ID returns the worker's consumer name.
func (w *Worker) ID() string { return w.id }

// Run consumes jobs until ctx is cancelled, then waits for in-flight jobs to
// finish and removes the worker's heartbeat.
func (w *Worker) Run(ctx context.Context) error {
	log.Info(ctx, log.KV{K: "msg", V: "worker starting"},
		log.KV{K: "worker_id", V: w.id}, log.KV{K: "concurrency", V: w.opts.Concurrency})

	w.wg.Add(2)
	go w.heartbeatLoop(ctx)
	go w.claimLoop(ctx)

	sem := make(chan struct{}, w.opts.Concurrency)
	for {
		select {
		case <-ctx.Done():
			return w.shutdown(ctx)
		case sem <- struct{}{}:
		}
		qj, err := w.queue.Read(ctx, w.id, readBlock)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				return w.shutdown(ctx)
			}
			log.Error(ctx, err, log.KV{K: "msg", V: "task read failed"})
			time.Sleep(time.Second)
			continue
		}
		if qj == nil {
			<-sem
			continue
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-sem }()
			w.dispatcher.Execute(ctx, *qj)
		}()
	}
}

func (w *Worker) shutdown(ctx context.Context) error {
	log.Info(ctx, log.KV{K: "msg", V: "worker draining"}, log.KV{K: "worker_id", V: w.id})
	w.wg.Wait()
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := w.heartbeats.Delete(cleanupCtx, w.id); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "heartbeat cleanup failed"}, log.KV{K: "err", V: err})
	}
	w.heartbeats.Close()
	log.Info(ctx, log.KV{K: "msg", V: "worker stopped"}, log.KV{K: "worker_id", V: w.id})
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()
	w.beat(ctx)
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if _, err := w.heartbeats.Set(ctx, w.id, ts); err != nil && ctx.Err() == nil {
		log.Warn(ctx, log.KV{K: "msg", V: "heartbeat failed"}, log.KV{K: "err", V: err})
	}
}

// claimLoop periodically rescues jobs pending on dead workers.
func (w *Worker) claimLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(claimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := w.queue.Claim(ctx, w.id)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn(ctx, log.KV{K: "msg", V: "stale task claim failed"}, log.KV{K: "err", V: err})
				}
				continue
			}
			for _, qj := range jobs {
				log.Info(ctx, log.KV{K: "msg", V: "rescued stale task"},
					log.KV{K: "task_id", V: qj.Job.TaskID}, log.KV{K: "session_id", V: qj.Job.SessionID})
				w.wg.Add(1)
				go func(qj QueuedJob) {
					defer w.wg.Done()
					w.dispatcher.Execute(ctx, qj)
				}(qj)
			}
		}
	}
}

// LiveWorkers counts heartbeats fresher than HeartbeatStale in the given
// map. Used by readiness probes.
func LiveWorkers(hb *rmap.Map) int {
	cutoff := time.Now().Add(-HeartbeatStale).UnixMilli()
	live := 0
	for _, key := range hb.Keys() {
		v, ok := hb.Get(key)
		if !ok {
			continue
		}
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		if ts >= cutoff {
			live++
		}
	}
	return live
}
