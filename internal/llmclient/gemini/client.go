// Package gemini adapts Google's genai SDK to the llmclient.Client port,
// grounded on the teacher's internal/llm/google/client.go
// (genai.NewClient + client.Models.GenerateContent usage).
package gemini

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	genai "google.golang.org/genai"

	"agentloop/internal/credentials"
	"agentloop/internal/llmclient"
)

// Client wraps the genai SDK.
type Client struct {
	client *genai.Client
	model  string
}

// New constructs a Client against the given API key and model.
func New(ctx context.Context, apiKey, model string, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     strings.TrimSpace(apiKey),
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: init client: %w", err)
	}

	return &Client{client: client, model: model}, nil
}

func (c *Client) Run(ctx context.Context, plan credentials.QueryPlan) (llmclient.Result, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(plan.Prompt, genai.RoleUser),
	}

	var cfg *genai.GenerateContentConfig
	if plan.SystemPrompt != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(plan.SystemPrompt, genai.RoleUser),
		}
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return llmclient.Result{}, fmt.Errorf("gemini: generate content: %w", err)
	}

	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			text.WriteString(part.Text)
		}
	}

	return llmclient.Result{Response: text.String(), SessionID: plan.SessionID}, nil
}

// Stream runs the turn to completion and replays it as init/assistant/done
// events; see the anthropic adapter's Stream for the rationale.
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
