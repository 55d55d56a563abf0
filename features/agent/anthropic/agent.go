// Package anthropic provides an agent.Agent backed by the Anthropic Claude
// Messages API. It issues a single non-streaming completion per invocation
// and maps the response text and token usage into the generic agent result.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/relay/agent"
	"goa.design/relay/event"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the agent. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the agent.
	Options struct {
		// Model is the Claude model identifier. Use the typed model
		// constants from github.com/anthropics/anthropic-sdk-go.
		Model string

		// MaxTokens caps the completion; defaults to 4096 when zero.
		MaxTokens int64
	}

	// Agent implements agent.Agent on top of Anthropic Claude Messages.
	Agent struct {
		msg       MessagesClient
		model     string
		maxTokens int64
	}
)

// New builds an Anthropic-backed agent from the provided Messages client.
func New(msg MessagesClient, opts Options) (*Agent, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Agent{msg: msg, model: opts.Model, maxTokens: opts.MaxTokens}, nil
}

// NewFromAPIKey constructs an agent using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Agent, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Name implements agent.Agent.
func (a *Agent) Name() string { return "anthropic" }

// Run implements agent.Agent. It emits a trace before the model call so
// streaming clients see progress while the completion is in flight.
func (a *Agent) Run(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
	if inv.Prompt == "" {
		return nil, errors.New("anthropic: prompt is required")
	}
	if err := inv.Events.Trace(ctx, inv.SessionID, "Sending request to the model", "model_call"); err != nil {
		return nil, err
	}
	if inv.Cancelled != nil && inv.Cancelled(ctx) {
		return nil, context.Canceled
	}
	msg, err := a.msg.New(ctx, sdk.MessageNewParams{
		MaxTokens: a.maxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(inv.Prompt))},
		Model:     sdk.Model(a.model),
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return nil, errors.New("anthropic: response contains no text")
	}
	return &agent.Result{
		Response: strings.Join(parts, "\n"),
		Usage: event.TokenUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}
