// Package agent defines the contract between the dispatcher and agent
// implementations. An agent receives one invocation, emits intermediate
// events through the supplied emitter and returns the final response; the
// dispatcher owns retries, timeouts and terminal-event publication.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/relay/event"
)

type (
	// Emitter is the subset of the event publisher agents may use for
	// intermediate events. Terminal events are emitted by the dispatcher.
	Emitter interface {
		Trace(ctx context.Context, sessionID, thinking, stage string) error
		ToolCall(ctx context.Context, sessionID, toolName, callID string, input json.RawMessage) error
		ToolResult(ctx context.Context, sessionID, toolName, callID string, result json.RawMessage, success bool, duration time.Duration) error
	}

	// Invocation carries one unit of agent work.
	Invocation struct {
		// SessionID scopes emitted events.
		SessionID string
		// Prompt is the user's request.
		Prompt string
		// UserID identifies the requester, empty for anonymous sessions.
		UserID string
		// Context is opaque session context supplied at creation.
		Context json.RawMessage
		// Events emits intermediate progress.
		Events Emitter
		// Cancelled reports whether cooperative cancellation was requested.
		// Agents should poll it between steps and return promptly when true.
		Cancelled func(ctx context.Context) bool
	}

	// Result is the agent's final answer.
	Result struct {
		Response string
		Usage    event.TokenUsage
	}

	// Agent executes invocations.
	Agent interface {
		// Name identifies the agent in logs and task metrics.
		Name() string
		// Run executes the invocation. A nil error with a nil result is
		// invalid; cancellation surfaces as context.Canceled.
		Run(ctx context.Context, inv Invocation) (*Result, error)
	}

	// Func adapts a function to the Agent interface.
	Func struct {
		AgentName string
		F         func(ctx context.Context, inv Invocation) (*Result, error)
	}
)

// Name implements Agent.
func (f Func) Name() string { return f.AgentName }

// Run implements Agent.
func (f Func) Run(ctx context.Context, inv Invocation) (*Result, error) { return f.F(ctx, inv) }
