package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Step produces the response for one scripted model call.
type Step func(req *Request) (*Response, error)

// Scripted is a Client whose responses are scripted per call, in order.
// Orchestration tests use it to drive full builds without a provider.
type Scripted struct {
	mu    sync.Mutex
	steps []Step
	calls []*Request
}

// NewScripted builds a scripted client from the given steps.
func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// Append adds steps to the end of the script.
func (s *Scripted) Append(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Calls returns the requests received so far.
func (s *Scripted) Calls() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.calls...)
}

func (s *Scripted) Stream(ctx context.Context, req *Request, onDelta func(string)) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls = append(s.calls, req)
	if len(s.steps) == 0 {
		n := len(s.calls)
		s.mu.Unlock()
		return nil, fmt.Errorf("scripted client exhausted at call %d", n)
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()

	resp, err := step(req)
	if err != nil {
		return nil, err
	}
	if onDelta != nil {
		for _, b := range resp.Blocks {
			if b.Kind == BlockText && b.Text != "" {
				onDelta(b.Text)
			}
		}
	}
	return resp, nil
}

// RespondText scripts a plain end_turn text response.
func RespondText(text string) Step {
	return func(*Request) (*Response, error) {
		return &Response{
			Blocks:     []Block{{Kind: BlockText, Text: text}},
			StopReason: "end_turn",
		}, nil
	}
}

// RespondToolUse scripts a tool_use response. input is marshaled to JSON.
func RespondToolUse(id, name string, input any) Step {
	return func(*Request) (*Response, error) {
		data, err := json.Marshal(input)
		if err != nil {
			return nil, err
		}
		return &Response{
			Blocks:     []Block{{Kind: BlockToolUse, ID: id, Name: name, Input: data}},
			StopReason: "tool_use",
		}, nil
	}
}

// Fail scripts an error response.
func Fail(err error) Step {
	return func(*Request) (*Response, error) { return nil, err }
}
