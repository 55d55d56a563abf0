package sse

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/relay/event"
)

func TestFrameEncode(t *testing.T) {
	f := Frame{ID: "123-0", Event: "trace", Data: []byte(`{"a":1}`)}
	got := string(f.Encode())
	assert.Equal(t, "id: 123-0\nevent: trace\ndata: {\"a\":1}\n\n", got)
}

func TestFrameEncodeMultilineData(t *testing.T) {
	f := Frame{Event: "final", Data: []byte("line one\nline two\nline three")}
	got := string(f.Encode())
	assert.Equal(t, "event: final\ndata: line one\ndata: line two\ndata: line three\n\n", got)
}

func TestFrameEncodeRetry(t *testing.T) {
	f := Frame{Event: "connected", Data: []byte(`{}`), Retry: 3 * time.Second}
	got := string(f.Encode())
	assert.Contains(t, got, "retry: 3000\n")
	assert.True(t, strings.HasSuffix(got, "\n\n"), "blank line terminates the frame")
}

func TestFrameEncodeOmitsEmptyFields(t *testing.T) {
	f := Frame{Data: []byte(`x`)}
	got := string(f.Encode())
	assert.NotContains(t, got, "id:")
	assert.NotContains(t, got, "event:")
	assert.NotContains(t, got, "retry:")
	assert.Equal(t, "data: x\n\n", got)
}

func TestEventFrame(t *testing.T) {
	ev, err := event.New(event.TypeTrace, json.RawMessage(`{"thinking":"hm"}`))
	require.NoError(t, err)
	ev.SessionID = "s1"

	f := EventFrame("42-0", ev)
	assert.Equal(t, "42-0", f.ID)
	assert.Equal(t, "trace", f.Event)

	var decoded event.Event
	require.NoError(t, json.Unmarshal(f.Data, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, "s1", decoded.SessionID)
}

func TestConnectedFrame(t *testing.T) {
	f := ConnectedFrame("s1", "sse-abc", 3*time.Second)
	assert.Equal(t, "connected", f.Event)
	assert.Equal(t, 3*time.Second, f.Retry)

	var payload event.ConnectedPayload
	require.NoError(t, json.Unmarshal(f.Data, &payload))
	assert.Equal(t, "s1", payload.SessionID)
	assert.Equal(t, "sse-abc", payload.Consumer)
	assert.Positive(t, payload.TS)
}

func TestTimeoutFrame(t *testing.T) {
	f := TimeoutFrame(5 * time.Minute)
	assert.Equal(t, "timeout", f.Event)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &payload))
	assert.EqualValues(t, 300, payload["idle_seconds"])
}
