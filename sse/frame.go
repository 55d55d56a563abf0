// Package sse streams session events to clients over Server-Sent Events.
// Frames are encoded once and pushed through the per-connection backpressure
// buffer; the write loop only copies bytes to the socket.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"goa.design/relay/event"
)

// Frame is one SSE message before wire encoding.
type Frame struct {
	// ID becomes the id: field, the client's Last-Event-ID resume token.
	ID string
	// Event becomes the event: field.
	Event string
	// Data becomes one data: line per newline-separated segment.
	Data []byte
	// Retry, when positive, emits a retry: reconnection hint in
	// milliseconds.
	Retry time.Duration
}

// Encode renders the wire form: optional id/event/retry fields, data split
// into one data: line per segment, blank-line terminator.
func (f Frame) Encode() []byte {
	var buf bytes.Buffer
	if f.ID != "" {
		buf.WriteString("id: ")
		buf.WriteString(f.ID)
		buf.WriteByte('\n')
	}
	if f.Event != "" {
		buf.WriteString("event: ")
		buf.WriteString(f.Event)
		buf.WriteByte('\n')
	}
	if f.Retry > 0 {
		fmt.Fprintf(&buf, "retry: %d\n", f.Retry.Milliseconds())
	}
	for _, line := range strings.Split(string(f.Data), "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// EventFrame renders a logged event as a frame. The stream entry ID becomes
// the SSE id so reconnects can resume.
func EventFrame(streamID string, ev event.Event) Frame {
	payload, err := json.Marshal(ev)
	if err != nil {
		// Event came off the wire as valid JSON fields; re-encoding cannot
		// fail. Keep the stream alive regardless.
		payload = []byte(`{}`)
	}
	return Frame{ID: streamID, Event: string(ev.Type), Data: payload}
}

// HeartbeatFrame keeps intermediaries from timing out an idle connection.
func HeartbeatFrame() Frame {
	data, _ := json.Marshal(map[string]any{"ts": event.Now()})
	return Frame{Event: string(event.TypeHeartbeat), Data: data}
}

// TimeoutFrame tells the client the connection idled out and may be retried.
func TimeoutFrame(idle time.Duration) Frame {
	data, _ := json.Marshal(map[string]any{
		"message":      fmt.Sprintf("no events for %s, closing", idle),
		"idle_seconds": int(idle.Seconds()),
	})
	return Frame{Event: string(event.TypeTimeout), Data: data}
}

// ErrorFrame reports a server-side streaming failure to the client.
func ErrorFrame(message string, recoverable bool) Frame {
	data, _ := json.Marshal(event.ErrorPayload{
		Message:     message,
		ErrorType:   "stream_error",
		Recoverable: recoverable,
	})
	return Frame{Event: string(event.TypeError), Data: data}
}

// ConnectedFrame is the first frame on every connection. It carries the
// consumer name for diagnostics and the client reconnection hint.
func ConnectedFrame(sessionID, consumer string, retry time.Duration) Frame {
	data, _ := json.Marshal(event.ConnectedPayload{
		SessionID: sessionID,
		Consumer:  consumer,
		TS:        event.Now(),
	})
	return Frame{Event: string(event.TypeConnected), Data: data, Retry: retry}
}
