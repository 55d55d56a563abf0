// Package publish is the worker-side event emitter. Every emit appends to
// the session stream, bumps the session message counter and refreshes the
// session TTL, so activity on the stream keeps the session alive. It also
// owns the cooperative cancel flag workers poll between steps.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	relayredis "goa.design/relay/clients/redis"
	"goa.design/relay/event"
	"goa.design/relay/eventlog"
	"goa.design/relay/session"
)

// CancelFlagTTL bounds how long a cancel flag lingers when no worker ever
// consumes it.
const CancelFlagTTL = time.Hour

// Publisher emits events for one worker process.
type Publisher struct {
	log      *eventlog.Log
	sessions *session.Store
	rdb      *goredis.Client
}

// New builds a Publisher.
func New(l *eventlog.Log, sessions *session.Store, rdb *goredis.Client) *Publisher {
	return &Publisher{log: l, sessions: sessions, rdb: rdb}
}

// CancelKey returns the cancel-flag key for a session.
func CancelKey(sessionID string) string { return "cancel:" + sessionID }

// Publish appends the event and records the session activity. Failures to
// bump the session counter are logged, not returned: the event is already
// durable and delivery must proceed.
func (p *Publisher) Publish(ctx context.Context, sessionID string, ev event.Event) (string, error) {
	streamID, err := p.log.Append(ctx, sessionID, ev)
	if err != nil {
		return "", err
	}
	if _, err := p.sessions.IncrementMessageCount(ctx, sessionID); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "message count bump failed"},
			log.KV{K: "session_id", V: sessionID}, log.KV{K: "err", V: err})
	}
	return streamID, nil
}

// Trace emits a trace event with the worker's current thinking and stage.
func (p *Publisher) Trace(ctx context.Context, sessionID, thinking, stage string) error {
	return p.emit(ctx, sessionID, event.TypeTrace, event.TracePayload{
		Thinking: thinking,
		Stage:    stage,
	})
}

// ToolCall emits a tool_call event announcing a tool invocation.
func (p *Publisher) ToolCall(ctx context.Context, sessionID, toolName, callID string, input json.RawMessage) error {
	return p.emit(ctx, sessionID, event.TypeToolCall, event.ToolCallPayload{
		ToolName:  toolName,
		ToolInput: input,
		CallID:    callID,
	})
}

// ToolResult emits a tool_result event for a completed tool invocation.
func (p *Publisher) ToolResult(ctx context.Context, sessionID, toolName, callID string, result json.RawMessage, success bool, duration time.Duration) error {
	return p.emit(ctx, sessionID, event.TypeToolResult, event.ToolResultPayload{
		ToolName:   toolName,
		Result:     result,
		CallID:     callID,
		Success:    success,
		DurationMS: float64(duration.Milliseconds()),
	})
}

// Final emits the terminal final event carrying the response. Zero usage is
// omitted from the payload.
func (p *Publisher) Final(ctx context.Context, sessionID, response string, total time.Duration, usage event.TokenUsage) error {
	payload := event.FinalPayload{
		Response:        response,
		TotalDurationMS: float64(total.Milliseconds()),
	}
	if usage != (event.TokenUsage{}) {
		payload.TokenUsage = &usage
	}
	return p.emit(ctx, sessionID, event.TypeFinal, payload)
}

// Error emits the terminal error event.
func (p *Publisher) Error(ctx context.Context, sessionID, message, errorType string, recoverable bool, details map[string]any) error {
	return p.emit(ctx, sessionID, event.TypeError, event.ErrorPayload{
		Message:     message,
		ErrorType:   errorType,
		Recoverable: recoverable,
		Details:     details,
	})
}

func (p *Publisher) emit(ctx context.Context, sessionID string, typ event.Type, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", typ, err)
	}
	ev, err := event.New(typ, data)
	if err != nil {
		return err
	}
	_, err = p.Publish(ctx, sessionID, ev)
	return err
}

// SetCancelFlag raises the cooperative cancel flag for a session.
func (p *Publisher) SetCancelFlag(ctx context.Context, sessionID string) error {
	if err := p.rdb.Set(ctx, CancelKey(sessionID), "1", CancelFlagTTL).Err(); err != nil {
		return fmt.Errorf("set cancel flag %s: %w", sessionID, relayredis.Translate(err))
	}
	return nil
}

// ClearCancelFlag removes the cancel flag, typically once the worker has
// honored it.
func (p *Publisher) ClearCancelFlag(ctx context.Context, sessionID string) error {
	if err := p.rdb.Del(ctx, CancelKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear cancel flag %s: %w", sessionID, relayredis.Translate(err))
	}
	return nil
}

// IsCancelled reports whether the cancel flag is raised. Errors count as not
// cancelled so a store blip cannot abort in-flight work.
func (p *Publisher) IsCancelled(ctx context.Context, sessionID string) bool {
	n, err := p.rdb.Exists(ctx, CancelKey(sessionID)).Result()
	if err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "cancel flag check failed"},
			log.KV{K: "session_id", V: sessionID}, log.KV{K: "err", V: err})
		return false
	}
	return n > 0
}
