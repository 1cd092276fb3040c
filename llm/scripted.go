package llm

import (
	"context"
	"sync"
	"time"

	"github.com/m4xw311/turnengine/conversation"
	"github.com/m4xw311/turnengine/errors"
)

// Step configures one call in a scripted sequence.
type Step struct {
	Response Response
	Err      error
	// Delay holds the reply back; a cancelled context ends the wait.
	Delay time.Duration
	// Block waits until the context is cancelled.
	Block bool
}

// Final is a step answering with text.
func Final(text string) Step {
	return Step{Response: Response{Text: text, StopReason: "end_turn"}}
}

// Call is a step selecting a tool.
func Call(id, name string, args map[string]any) Step {
	return Step{Response: Response{
		ToolCall:   &conversation.ToolInvocation{ID: id, Name: name, Args: args},
		StopReason: "tool_use",
	}}
}

// Fail is a step returning err.
func Fail(err error) Step {
	return Step{Err: err}
}

// Scripted is a deterministic provider that replays steps in order. It
// serves tests and offline runs.
type Scripted struct {
	mu       sync.Mutex
	index    int
	steps    []Step
	requests []Request
	repeat   bool
}

func NewScripted(steps ...Step) *Scripted {
	cloned := make([]Step, len(steps))
	copy(cloned, steps)
	return &Scripted{steps: cloned}
}

// Repeating makes the last step answer every call past the end of the
// script.
func (s *Scripted) Repeating() *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repeat = true
	return s
}

var _ Provider = (*Scripted)(nil)

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Send(ctx context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	req.Entries = append([]conversation.Entry(nil), req.Entries...)
	s.requests = append(s.requests, req)
	if s.index >= len(s.steps) && !(s.repeat && len(s.steps) > 0) {
		n := s.index + 1
		s.mu.Unlock()
		return nil, errors.New("script exhausted at step %d", n)
	}
	i := s.index
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	step := s.steps[i]
	s.index++
	s.mu.Unlock()

	if step.Block {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}
	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	resp := step.Response
	if resp.ToolCall != nil {
		call := *resp.ToolCall
		call.Args = conversation.CloneArgs(call.Args)
		resp.ToolCall = &call
	}
	return &resp, nil
}

// Calls reports how many requests were received.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns the requests received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}
