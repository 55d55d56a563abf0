package ratelimit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// RouteLimit is the budget applied to one route key.
	RouteLimit struct {
		// Requests is the window capacity.
		Requests int `yaml:"requests"`
		// WindowSeconds is the sliding window length.
		WindowSeconds int `yaml:"window_seconds"`
	}

	// RouteConfig maps route keys to budgets and carries the default applied
	// to unlisted routes.
	RouteConfig struct {
		// Default applies to routes without an explicit entry.
		Default RouteLimit `yaml:"default"`
		// Routes holds per-route overrides keyed by route key
		// (e.g. "chat_stream").
		Routes map[string]RouteLimit `yaml:"routes"`
	}
)

// DefaultRoutes returns the built-in budgets: 30/60s for the SSE endpoint,
// 60/60s for chat, 120/60s elsewhere.
func DefaultRoutes() RouteConfig {
	return RouteConfig{
		Default: RouteLimit{Requests: 120, WindowSeconds: 60},
		Routes: map[string]RouteLimit{
			"chat_stream": {Requests: 30, WindowSeconds: 60},
			"chat":        {Requests: 60, WindowSeconds: 60},
			"chat_sync":   {Requests: 60, WindowSeconds: 60},
			"session":     {Requests: 120, WindowSeconds: 60},
		},
	}
}

// LoadRoutes reads per-route overrides from a YAML file and merges them over
// the built-in defaults. Missing file fields keep their defaults.
func LoadRoutes(path string) (RouteConfig, error) {
	cfg := DefaultRoutes()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read route limits %s: %w", path, err)
	}
	var file RouteConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return cfg, fmt.Errorf("parse route limits %s: %w", path, err)
	}
	if file.Default.Requests > 0 && file.Default.WindowSeconds > 0 {
		cfg.Default = file.Default
	}
	for key, rl := range file.Routes {
		if rl.Requests > 0 && rl.WindowSeconds > 0 {
			cfg.Routes[key] = rl
		}
	}
	return cfg, nil
}

// Limit returns the budget for a route key.
func (c RouteConfig) Limit(routeKey string) (int, time.Duration) {
	rl, ok := c.Routes[routeKey]
	if !ok {
		rl = c.Default
	}
	return rl.Requests, time.Duration(rl.WindowSeconds) * time.Second
}
