// Package config loads service configuration from the environment. Every
// knob has a default suited to local development; production deployments
// override through the process environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type (
	// Config is the full service configuration shared by the API server and
	// the worker.
	Config struct {
		// Host and Port bind the HTTP listener.
		Host string
		Port int

		// StoreURL is the Redis connection URL.
		StoreURL string
		// StoreMaxConnections sizes the command pool; the blocking pool is
		// half of it.
		StoreMaxConnections int
		// StoreSocketTimeout bounds individual Redis commands.
		StoreSocketTimeout time.Duration

		// SessionTTL is the session hash lifetime, refreshed on activity.
		SessionTTL time.Duration

		// SSEHeartbeatInterval paces keepalive frames.
		SSEHeartbeatInterval time.Duration
		// SSEIdleTimeout closes quiet connections.
		SSEIdleTimeout time.Duration
		// SSEMaxQueueSize bounds the per-connection frame queue.
		SSEMaxQueueSize int

		// StreamMaxLen caps each session stream.
		StreamMaxLen int64
		// StreamBlockTimeout bounds blocking stream reads.
		StreamBlockTimeout time.Duration
		// StreamMaxPendingClaimAge gates pending-entry claims.
		StreamMaxPendingClaimAge time.Duration

		// LockTTL is the distributed lock lifetime.
		LockTTL time.Duration

		// RateLimitRequests and RateLimitWindow are the default budget; the
		// route file overrides per endpoint.
		RateLimitRequests int
		RateLimitWindow   time.Duration
		// RateLimitRoutesFile optionally points at a YAML per-route budget
		// file.
		RateLimitRoutesFile string

		// AgentTaskTimeout bounds one agent execution.
		AgentTaskTimeout time.Duration
		// AgentMaxRetries bounds retryable re-enqueues.
		AgentMaxRetries int
		// Workers is the per-process worker concurrency.
		Workers int

		// APIKeys is the comma-separated API key allowlist; empty disables
		// key auth.
		APIKeys []string
		// JWTSecret enables HS256 bearer auth when non-empty.
		JWTSecret string

		// AnthropicAPIKey selects the model-backed agent when set; the
		// scripted agent runs otherwise.
		AnthropicAPIKey string
		// AnthropicModel is the Claude model identifier.
		AnthropicModel string
	}
)

// Load reads the configuration from the environment.
func Load() Config {
	return Config{
		Host:                     envOr("HOST", "0.0.0.0"),
		Port:                     envIntOr("PORT", 8000),
		StoreURL:                 envOr("STORE_URL", "redis://localhost:6379/0"),
		StoreMaxConnections:      envIntOr("STORE_MAX_CONNECTIONS", 50),
		StoreSocketTimeout:       envSecondsOr("STORE_SOCKET_TIMEOUT", 5*time.Second),
		SessionTTL:               envSecondsOr("SESSION_TTL_SECONDS", time.Hour),
		SSEHeartbeatInterval:     envSecondsOr("SSE_HEARTBEAT_INTERVAL", 15*time.Second),
		SSEIdleTimeout:           envSecondsOr("SSE_IDLE_TIMEOUT_SEC", 5*time.Minute),
		SSEMaxQueueSize:          envIntOr("SSE_MAX_QUEUE_SIZE", 100),
		StreamMaxLen:             int64(envIntOr("STREAM_MAXLEN", 1000)),
		StreamBlockTimeout:       envMillisOr("STREAM_BLOCK_TIMEOUT_MS", 5*time.Second),
		StreamMaxPendingClaimAge: envMillisOr("STREAM_MAX_PENDING_CLAIM_AGE_MS", 30*time.Second),
		LockTTL:                  envSecondsOr("LOCK_TTL_SECONDS", 30*time.Second),
		RateLimitRequests:        envIntOr("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:          envSecondsOr("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitRoutesFile:      os.Getenv("RATE_LIMIT_ROUTES_FILE"),
		AgentTaskTimeout:         envSecondsOr("AGENT_TASK_TIMEOUT", 2*time.Minute),
		AgentMaxRetries:          envIntOr("AGENT_MAX_RETRIES", 3),
		Workers:                  envIntOr("WORKERS", 4),
		APIKeys:                  splitList(os.Getenv("API_KEYS")),
		JWTSecret:                os.Getenv("JWT_SECRET"),
		AnthropicAPIKey:          os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:           envOr("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
	}
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envSecondsOr reads an integer number of seconds or a default.
func envSecondsOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultVal
}

// envMillisOr reads an integer number of milliseconds or a default.
func envMillisOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Millisecond
		}
	}
	return defaultVal
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
