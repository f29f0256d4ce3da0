package llmclient

import (
	"context"

	"agentloop/internal/credentials"
)

// Fake is an in-memory Client double for tests: each call to Run pops the
// next scripted response (or repeats the last one if the queue is
// exhausted) and records the QueryPlan it was invoked with.
type Fake struct {
	Responses []string
	Err       error

	Calls []credentials.QueryPlan
}

func (f *Fake) Run(_ context.Context, plan credentials.QueryPlan) (Result, error) {
	f.Calls = append(f.Calls, plan)
	if f.Err != nil {
		return Result{}, f.Err
	}

	idx := len(f.Calls) - 1
	var resp string
	switch {
	case idx < len(f.Responses):
		resp = f.Responses[idx]
	case len(f.Responses) > 0:
		resp = f.Responses[len(f.Responses)-1]
	}

	sessionID := plan.SessionID
	if sessionID == "" {
		sessionID = "fake-session"
	}
	return Result{Response: resp, SessionID: sessionID}, nil
}

func (f *Fake) Stream(ctx context.Context, plan credentials.QueryPlan) (<-chan StreamEvent, error) {
	result, err := f.Run(ctx, plan)
	ch := make(chan StreamEvent, 3)
	if err != nil {
		ch <- StreamEvent{Tag: EventError, Err: err}
		close(ch)
		return ch, nil
	}
	ch <- StreamEvent{Tag: EventInit, SessionID: result.SessionID}
	ch <- StreamEvent{Tag: EventAssistant, Content: result.Response}
	ch <- StreamEvent{Tag: EventDone}
	close(ch)
	return ch, nil
}
