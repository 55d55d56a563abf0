// Package api exposes the HTTP request surface: chat submission, the SSE
// stream, the synchronous chat variant, session management and the
// operational endpoints. Handlers validate and translate; all domain logic
// lives in the packages they call into.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/health"
	"goa.design/pulse/rmap"

	"goa.design/relay/auth"
	"goa.design/relay/backpressure"
	relayredis "goa.design/relay/clients/redis"
	"goa.design/relay/dispatch"
	"goa.design/relay/eventlog"
	"goa.design/relay/metrics"
	"goa.design/relay/publish"
	"goa.design/relay/ratelimit"
	"goa.design/relay/session"
	"goa.design/relay/sse"
)

const (
	// MaxMessageLen bounds the chat message size.
	MaxMessageLen = 10000

	// DefaultSyncTimeout bounds a synchronous chat wait when the request
	// does not specify one.
	DefaultSyncTimeout = 60 * time.Second

	// MaxSyncTimeout caps the client-requested synchronous wait.
	MaxSyncTimeout = 5 * time.Minute
)

type (
	// Options carries the server's collaborators.
	Options struct {
		Sessions *session.Store
		Events   *eventlog.Log
		Queue    *dispatch.Queue
		Pub      *publish.Publisher
		Streamer *sse.Streamer
		Buffers  *backpressure.Manager
		Limiter  *ratelimit.Limiter
		Routes   ratelimit.RouteConfig
		Auth     *auth.Filter
		Redis    *relayredis.Client
		// Workers is the worker heartbeat map consulted by readiness.
		Workers *rmap.Map
		Metrics *metrics.Metrics
	}

	// Server is the HTTP request surface.
	Server struct {
		sessions *session.Store
		events   *eventlog.Log
		queue    *dispatch.Queue
		pub      *publish.Publisher
		streamer *sse.Streamer
		buffers  *backpressure.Manager
		limiter  *ratelimit.Limiter
		routes   ratelimit.RouteConfig
		auth     *auth.Filter
		redis    *relayredis.Client
		checker  health.Checker
		workers  *rmap.Map
		metrics  *metrics.Metrics
		started  time.Time
	}
)

// New builds a Server.
func New(opts Options) *Server {
	var checker health.Checker
	if opts.Redis != nil {
		checker = health.NewChecker(opts.Redis)
	}
	return &Server{
		checker:  checker,
		sessions: opts.Sessions,
		events:   opts.Events,
		queue:    opts.Queue,
		pub:      opts.Pub,
		streamer: opts.Streamer,
		buffers:  opts.Buffers,
		limiter:  opts.Limiter,
		routes:   opts.Routes,
		auth:     opts.Auth,
		redis:    opts.Redis,
		workers:  opts.Workers,
		metrics:  opts.Metrics,
		started:  time.Now(),
	}
}

// Router mounts the route table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(s.recordMetrics)

	// Operational endpoints bypass auth and rate limits.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/debug/buffers", s.handleBufferStats)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.With(s.limit("chat")).Post("/chat", s.handleChat)
		r.With(s.limit("chat_stream")).Get("/chat/stream", s.handleChatStream)
		r.With(s.limit("chat_sync")).Post("/chat/sync", s.handleChatSync)
		r.Route("/session/{id}", func(r chi.Router) {
			r.Use(s.limit("session"))
			r.Get("/", s.handleSessionGet)
			r.Delete("/", s.handleSessionDelete)
			r.Post("/cancel", s.handleSessionCancel)
		})
	})
	return r
}

func (s *Server) limit(routeKey string) func(next http.Handler) http.Handler {
	return ratelimit.Middleware(s.limiter, s.routes, routeKey, s.metrics)
}
