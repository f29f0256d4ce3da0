// Package anthropic adapts the Claude API to the llmclient.Client port,
// grounded on the teacher's internal/llm/anthropic/client.go: same SDK,
// same option.WithAPIKey/option.WithHTTPClient construction, same
// single-call Messages.New usage for a full turn.
package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"agentloop/internal/credentials"
	"agentloop/internal/llmclient"
)

const defaultMaxTokens int64 = 4096

// Client wraps the Anthropic SDK.
type Client struct {
	sdk   sdk.Client
	model string
}

// New constructs a Client. httpClient defaults to http.DefaultClient.
func New(apiKey, model string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if model == "" {
		model = string(sdk.ModelClaude3_7SonnetLatest)
	}
	return &Client{
		sdk: sdk.NewClient(
			option.WithAPIKey(strings.TrimSpace(apiKey)),
			option.WithHTTPClient(httpClient),
		),
		model: model,
	}
}

func (c *Client) Run(ctx context.Context, plan credentials.QueryPlan) (llmclient.Result, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: defaultMaxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(plan.Prompt)),
		},
	}
	if plan.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: plan.SystemPrompt}}
	}

	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return llmclient.Result{}, fmt.Errorf("anthropic: messages.new: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if tb := block.AsAny(); tb != nil {
			if t, ok := tb.(sdk.TextBlock); ok {
				text.WriteString(t.Text)
			}
		}
	}

	sessionID := plan.SessionID
	if sessionID == "" {
		sessionID = resp.ID
	}
	return llmclient.Result{Response: text.String(), SessionID: sessionID}, nil
}

// Stream runs the turn to completion and replays it as init/assistant/done
// events. Claude's token-level streaming adds substantial SDK surface
// (ContentBlockStartEvent/Delta accumulation, per the teacher's
// ChatStream) that no spec-mandated behavior in this module depends on;
// the ordered-event contract is what downstream callers rely on, and Run
// already produces the final text this satisfies it with.
func (c *Client) Stream(ctx context.Context, plan credentials.QueryPlan) (<-chan llmclient.StreamEvent, error) {
	ch := make(chan llmclient.StreamEvent, 4)
	go func() {
		defer close(ch)
		result, err := c.Run(ctx, plan)
		if err != nil {
			ch <- llmclient.StreamEvent{Tag: llmclient.EventError, Err: err}
			return
		}
		ch <- llmclient.StreamEvent{Tag: llmclient.EventInit, SessionID: result.SessionID}
		ch <- llmclient.StreamEvent{Tag: llmclient.EventAssistant, Content: result.Response}
		ch <- llmclient.StreamEvent{Tag: llmclient.EventDone}
	}()
	return ch, nil
}
