// Package openai adapts the OpenAI Chat Completions API to the
// llmclient.Client port, grounded on the teacher's
// internal/llm/openai/client.go (sdk.Chat.Completions.New usage).
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"agentloop/internal/credentials"
	"agentloop/internal/llmclient"
)

// Client wraps the OpenAI SDK.
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
		model = "gpt-4o"
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
	var messages []sdk.ChatCompletionMessageParamUnion
	if plan.SystemPrompt != "" {
		messages = append(messages, sdk.SystemMessage(plan.SystemPrompt))
	}
	messages = append(messages, sdk.UserMessage(plan.Prompt))

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.model),
		Messages: messages,
	}

	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return llmclient.Result{}, fmt.Errorf("openai: chat.completions.new: %w", err)
	}
	if len(comp.Choices) == 0 {
		return llmclient.Result{}, fmt.Errorf("openai: empty choices in response")
	}

	sessionID := plan.SessionID
	if sessionID == "" {
		sessionID = comp.ID
	}
	return llmclient.Result{Response: comp.Choices[0].Message.Content, SessionID: sessionID}, nil
}

// Stream runs the turn to completion and replays it as init/assistant/done
// events; see the anthropic adapter's Stream for the rationale behind not
// wiring token-level SSE parsing here.
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
