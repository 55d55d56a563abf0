package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/relay/agent"
)

// fakeMessages scripts Messages.New responses.
type fakeMessages struct {
	msg  *sdk.Message
	err  error
	got  sdk.MessageNewParams
	call int
}

func (f *fakeMessages) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	f.call++
	f.got = body
	return f.msg, f.err
}

// nullEmitter satisfies agent.Emitter discarding all events.
type nullEmitter struct{}

func (nullEmitter) Trace(context.Context, string, string, string) error { return nil }
func (nullEmitter) ToolCall(context.Context, string, string, string, json.RawMessage) error {
	return nil
}
func (nullEmitter) ToolResult(context.Context, string, string, string, json.RawMessage, bool, time.Duration) error {
	return nil
}

func textMessage(texts ...string) *sdk.Message {
	msg := &sdk.Message{Usage: sdk.Usage{InputTokens: 12, OutputTokens: 34}}
	for _, t := range texts {
		msg.Content = append(msg.Content, sdk.ContentBlockUnion{Type: "text", Text: t})
	}
	return msg
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Options{Model: "m"})
	require.Error(t, err)
	_, err = New(&fakeMessages{}, Options{})
	require.Error(t, err)
	_, err = NewFromAPIKey("", Options{Model: "m"})
	require.Error(t, err)
}

func TestRunReturnsResponseAndUsage(t *testing.T) {
	fake := &fakeMessages{msg: textMessage("hello", "world")}
	a, err := New(fake, Options{Model: "claude-test", MaxTokens: 100})
	require.NoError(t, err)

	res, err := a.Run(context.Background(), agent.Invocation{
		SessionID: "s1",
		Prompt:    "say hello",
		Events:    nullEmitter{},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld", res.Response)
	assert.Equal(t, 12, res.Usage.PromptTokens)
	assert.Equal(t, 34, res.Usage.CompletionTokens)

	assert.Equal(t, sdk.Model("claude-test"), fake.got.Model)
	assert.EqualValues(t, 100, fake.got.MaxTokens)
	require.Len(t, fake.got.Messages, 1)
}

func TestRunDefaultsMaxTokens(t *testing.T) {
	fake := &fakeMessages{msg: textMessage("x")}
	a, err := New(fake, Options{Model: "m"})
	require.NoError(t, err)

	_, err = a.Run(context.Background(), agent.Invocation{Prompt: "p", Events: nullEmitter{}})
	require.NoError(t, err)
	assert.EqualValues(t, 4096, fake.got.MaxTokens)
}

func TestRunPropagatesAPIError(t *testing.T) {
	cause := errors.New("overloaded")
	fake := &fakeMessages{err: cause}
	a, err := New(fake, Options{Model: "m"})
	require.NoError(t, err)

	_, err = a.Run(context.Background(), agent.Invocation{Prompt: "p", Events: nullEmitter{}})
	require.ErrorIs(t, err, cause)
}

func TestRunRejectsEmptyPrompt(t *testing.T) {
	a, err := New(&fakeMessages{}, Options{Model: "m"})
	require.NoError(t, err)
	_, err = a.Run(context.Background(), agent.Invocation{Events: nullEmitter{}})
	require.Error(t, err)
}

func TestRunRejectsEmptyResponse(t *testing.T) {
	fake := &fakeMessages{msg: &sdk.Message{}}
	a, err := New(fake, Options{Model: "m"})
	require.NoError(t, err)
	_, err = a.Run(context.Background(), agent.Invocation{Prompt: "p", Events: nullEmitter{}})
	require.Error(t, err)
}

func TestRunChecksCancellationBeforeCall(t *testing.T) {
	fake := &fakeMessages{msg: textMessage("x")}
	a, err := New(fake, Options{Model: "m"})
	require.NoError(t, err)

	_, err = a.Run(context.Background(), agent.Invocation{
		Prompt:    "p",
		Events:    nullEmitter{},
		Cancelled: func(context.Context) bool { return true },
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fake.call, "model is never called for a cancelled task")
}
