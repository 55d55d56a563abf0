package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Scripted returns a demo agent that walks a fixed plan-search-synthesize
// sequence with short pauses between steps. It exercises the full event
// surface without calling a model, which makes it the default agent for
// local runs and smoke tests.
func Scripted(stepDelay time.Duration) Agent {
	if stepDelay <= 0 {
		stepDelay = 500 * time.Millisecond
	}
	return Func{
		AgentName: "scripted",
		F: func(ctx context.Context, inv Invocation) (*Result, error) {
			steps := []func() error{
				func() error {
					return inv.Events.Trace(ctx, inv.SessionID,
						fmt.Sprintf("Breaking down the request: %q", truncate(inv.Prompt, 80)), "planning")
				},
				func() error {
					callID := uuid.New().String()[:8]
					input, _ := json.Marshal(map[string]string{"query": truncate(inv.Prompt, 120)})
					if err := inv.Events.ToolCall(ctx, inv.SessionID, "web_search", callID, input); err != nil {
						return err
					}
					result, _ := json.Marshal(map[string]any{"matches": 3, "top": "relevant article"})
					return inv.Events.ToolResult(ctx, inv.SessionID, "web_search", callID, result, true, stepDelay)
				},
				func() error {
					return inv.Events.Trace(ctx, inv.SessionID,
						"Combining search results into an answer", "synthesis")
				},
			}
			for _, step := range steps {
				if inv.Cancelled != nil && inv.Cancelled(ctx) {
					return nil, context.Canceled
				}
				if err := step(); err != nil {
					return nil, err
				}
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(stepDelay):
				}
			}
			return &Result{
				Response: fmt.Sprintf("Here is what I found for %q.", truncate(inv.Prompt, 120)),
			}, nil
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
