package permission

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/opencode-ai/opencode/internal/event"
)

// validateAskUserInput checks the structured-question schema: an array of
// >=1 questions, each with prompt text, a header, >=2 options, and a
// multi-select flag.
func validateAskUserInput(input map[string]any) ([]event.AskUserQuestion, error) {
	raw, ok := input["questions"]
	if !ok {
		return nil, fmt.Errorf("ask-user: missing questions array")
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("ask-user: questions must be a non-empty array")
	}
	out := make([]event.AskUserQuestion, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("ask-user: question %d is not an object", i)
		}
		prompt, _ := m["prompt"].(string)
		header, _ := m["header"].(string)
		if prompt == "" {
			return nil, fmt.Errorf("ask-user: question %d missing prompt", i)
		}
		if header == "" {
			return nil, fmt.Errorf("ask-user: question %d missing header", i)
		}
		rawOpts, _ := m["options"].([]any)
		if len(rawOpts) < 2 {
			return nil, fmt.Errorf("ask-user: question %d needs at least 2 options", i)
		}
		opts := make([]string, 0, len(rawOpts))
		for _, o := range rawOpts {
			s, _ := o.(string)
			opts = append(opts, s)
		}
		multi, _ := m["multiSelect"].(bool)
		out = append(out, event.AskUserQuestion{Prompt: prompt, Header: header, Options: opts, MultiSelect: multi})
	}
	return out, nil
}

// runAskUser implements the AskUser protocol: validate, emit, wait up to
// RequestTimeout, and on response return the augmented input; on
// cancel/timeout, deny.
func (e *Engine) runAskUser(ctx context.Context, sessionID string, input map[string]any) (Decision, error) {
	questions, err := validateAskUserInput(input)
	if err != nil {
		return deny(err.Error()), nil
	}

	requestID := ulid.Make().String()
	respCh := make(chan *AskUserResponse, 1)
	timer := time.NewTimer(RequestTimeout)

	e.mu.Lock()
	e.pendingAsk[requestID] = &pendingAskUser{respCh: respCh, timer: timer}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pendingAsk, requestID)
		e.mu.Unlock()
	}()

	event.Publish(event.Event{
		Type: event.AskUserRequest,
		Data: event.AskUserRequestData{SessionID: sessionID, RequestID: requestID, Questions: questions},
	})

	select {
	case <-ctx.Done():
		timer.Stop()
		return deny("cancelled"), nil
	case <-timer.C:
		return deny("ask-user request timed out"), nil
	case resp := <-respCh:
		timer.Stop()
		if resp == nil {
			return deny("cancelled by user"), nil
		}
		augmented := make(map[string]any, len(input)+1)
		for k, v := range input {
			augmented[k] = v
		}
		augmented["answers"] = resp.Answers
		return Decision{Allow: true, AugmentedInput: augmented}, nil
	}
}

// RespondToAskUser resolves a pending ask-user request. Pass nil answers to
// cancel. Returns false if requestID is unknown.
func (e *Engine) RespondToAskUser(requestID string, answers map[string]any) bool {
	e.mu.Lock()
	p, ok := e.pendingAsk[requestID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	if answers == nil {
		p.respCh <- nil
	} else {
		p.respCh <- &AskUserResponse{Answers: answers}
	}
	return true
}

// PendingAskUserRequestIDs enumerates in-flight ask-user requests for replay.
func (e *Engine) PendingAskUserRequestIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.pendingAsk))
	for id := range e.pendingAsk {
		ids = append(ids, id)
	}
	return ids
}
