// Package event defines the unit of streaming exchanged between workers and
// connected clients. Events are immutable once appended to a session's event
// log; their IDs are stable across retries and serve as the client-side
// deduplication key under at-least-once delivery.
package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Type enumerates event payload flavors.
type Type string

const (
	// TypeTrace carries intermediate reasoning emitted by an agent between
	// planning steps. Payload shape: TracePayload.
	TypeTrace Type = "trace"

	// TypeToolCall announces that the agent is about to invoke a tool.
	// Payload shape: ToolCallPayload.
	TypeToolCall Type = "tool_call"

	// TypeToolResult carries the outcome of a tool invocation, correlated to
	// the originating tool_call via CallID. Payload shape: ToolResultPayload.
	TypeToolResult Type = "tool_result"

	// TypeFinal carries the agent's final answer. Terminal: the streamer
	// closes the connection after delivering it. Payload shape: FinalPayload.
	TypeFinal Type = "final"

	// TypeError carries a terminal failure (cancellation, timeout, exhausted
	// retries). Terminal like TypeFinal. Payload shape: ErrorPayload.
	TypeError Type = "error"

	// TypeHeartbeat is synthesized by the streamer when the log is quiet to
	// keep intermediaries from closing the connection. Never stored.
	TypeHeartbeat Type = "heartbeat"

	// TypeConnected is synthesized by the streamer as the first frame of every
	// connection. Never stored. Payload shape: ConnectedPayload.
	TypeConnected Type = "connected"

	// TypeTimeout is synthesized by the streamer when the idle timeout
	// expires. Never stored.
	TypeTimeout Type = "timeout"
)

// Terminal reports whether delivering an event of this type must close the
// connection. No further frames follow a terminal event.
func (t Type) Terminal() bool {
	return t == TypeFinal || t == TypeError
}

// Synthetic reports whether events of this type are generated by the streamer
// and never written to the event log.
func (t Type) Synthetic() bool {
	return t == TypeHeartbeat || t == TypeConnected || t == TypeTimeout
}

type (
	// Event is the unit of streaming. ID is a UUID stable across retries and
	// is the deduplication key; Data is the type-specific JSON payload.
	Event struct {
		// ID uniquely identifies the event across retries and replays.
		ID string `json:"event_id"`
		// Type identifies the payload shape.
		Type Type `json:"type"`
		// Data is the type-specific JSON payload.
		Data json.RawMessage `json:"data"`
		// Timestamp is seconds since the Unix epoch at publish time.
		Timestamp float64 `json:"timestamp"`
		// SessionID links the event to its session when set.
		SessionID string `json:"session_id,omitempty"`
		// UserID is the authenticated user that initiated the session, if any.
		UserID string `json:"user_id,omitempty"`
		// TaskID is the worker task that produced the event, if any.
		TaskID string `json:"task_id,omitempty"`
		// Source names the producing component, if any.
		Source string `json:"source,omitempty"`
	}

	// TracePayload is the Data shape for trace events.
	TracePayload struct {
		Thinking string `json:"thinking"`
		Stage    string `json:"stage,omitempty"`
	}

	// ToolCallPayload is the Data shape for tool_call events.
	ToolCallPayload struct {
		ToolName  string `json:"tool_name"`
		ToolInput any    `json:"tool_input,omitempty"`
		CallID    string `json:"call_id"`
	}

	// ToolResultPayload is the Data shape for tool_result events.
	ToolResultPayload struct {
		ToolName   string  `json:"tool_name"`
		Result     any     `json:"result,omitempty"`
		CallID     string  `json:"call_id"`
		Success    bool    `json:"success"`
		DurationMS float64 `json:"duration_ms"`
	}

	// FinalPayload is the Data shape for final events.
	FinalPayload struct {
		Response        string      `json:"response"`
		TotalDurationMS float64     `json:"total_duration_ms"`
		TokenUsage      *TokenUsage `json:"token_usage,omitempty"`
	}

	// ErrorPayload is the Data shape for error events.
	ErrorPayload struct {
		Message     string         `json:"message"`
		ErrorType   string         `json:"error_type"`
		Recoverable bool           `json:"recoverable"`
		Details     map[string]any `json:"details,omitempty"`
	}

	// ConnectedPayload is the Data shape for the synthetic connected event.
	ConnectedPayload struct {
		SessionID string  `json:"session_id"`
		Consumer  string  `json:"consumer"`
		TS        float64 `json:"ts"`
	}

	// TokenUsage reports model token consumption for a completed run.
	TokenUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	}
)

// New builds an event of the given type, assigning a fresh UUID and the
// current timestamp. data is marshaled to JSON; a nil data yields "{}".
func New(typ Type, data any) (Event, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Data:      raw,
		Timestamp: Now(),
	}, nil
}

// Now returns the current time as seconds since the Unix epoch.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// StreamValues encodes the event as the field map stored in a stream entry.
func (e Event) StreamValues() map[string]any {
	values := map[string]any{
		"event_id":  e.ID,
		"type":      string(e.Type),
		"data":      string(e.Data),
		"timestamp": strconv.FormatFloat(e.Timestamp, 'f', -1, 64),
	}
	if e.SessionID != "" {
		values["session_id"] = e.SessionID
	}
	if e.UserID != "" {
		values["user_id"] = e.UserID
	}
	if e.TaskID != "" {
		values["task_id"] = e.TaskID
	}
	if e.Source != "" {
		values["source"] = e.Source
	}
	return values
}

// FromStreamValues decodes an event from the field map of a stream entry.
// Returns an error when required fields are missing or malformed.
func FromStreamValues(values map[string]any) (Event, error) {
	e := Event{
		ID:        stringField(values, "event_id"),
		Type:      Type(stringField(values, "type")),
		SessionID: stringField(values, "session_id"),
		UserID:    stringField(values, "user_id"),
		TaskID:    stringField(values, "task_id"),
		Source:    stringField(values, "source"),
	}
	if e.ID == "" {
		return Event{}, fmt.Errorf("stream entry missing event_id")
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("stream entry missing type")
	}
	if raw := stringField(values, "data"); raw != "" {
		e.Data = json.RawMessage(raw)
	} else {
		e.Data = json.RawMessage("{}")
	}
	if ts := stringField(values, "timestamp"); ts != "" {
		f, err := strconv.ParseFloat(ts, 64)
		if err != nil {
			return Event{}, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		e.Timestamp = f
	}
	return e, nil
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func stringField(values map[string]any, key string) string {
	v, ok := values[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v)
	}
	return s
}
