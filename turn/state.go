// Package turn runs one agent turn: the state machine that sequences
// model calls and tool executions, and the Driver that walks it.
package turn

import (
	"fmt"

	"github.com/m4xw311/turnengine/errors"
)

// ErrInvalidTransition is returned when an event cannot be handled in the
// current state. It indicates a driver bug.
var ErrInvalidTransition = errors.Sentinel("invalid turn transition")

// Phase is the coarse position of a turn.
type Phase string

const (
	PhaseIdle                 Phase = "IDLE"
	PhaseWaitingForModel      Phase = "WAITING_FOR_MODEL"
	PhaseWaitingForToolResult Phase = "WAITING_FOR_TOOL_RESULT"
	PhaseWaitingForModelFinal Phase = "WAITING_FOR_MODEL_FINAL"
	PhaseComplete             Phase = "COMPLETE"
	PhaseAborted              Phase = "ABORTED"
)

// State is a Phase plus, while waiting for a tool, the invocation id
// being waited on.
type State struct {
	Phase        Phase
	InvocationID string
}

// Idle is the state every turn starts in.
var Idle = State{Phase: PhaseIdle}

// Terminal reports whether no further events change s.
func (s State) Terminal() bool {
	return s.Phase == PhaseComplete || s.Phase == PhaseAborted
}

// WaitingForModel reports whether the next step is a model call.
func (s State) WaitingForModel() bool {
	return s.Phase == PhaseWaitingForModel || s.Phase == PhaseWaitingForModelFinal
}

func (s State) String() string {
	if s.Phase == PhaseWaitingForToolResult {
		return fmt.Sprintf("%s(%s)", s.Phase, s.InvocationID)
	}
	return string(s.Phase)
}

// EventKind names what happened.
type EventKind string

const (
	EventUserMessage    EventKind = "USER_MESSAGE"
	EventModelToolCall  EventKind = "MODEL_TOOL_CALL"
	EventModelFinal     EventKind = "MODEL_FINAL"
	EventToolFinished   EventKind = "TOOL_FINISHED"
	EventAbortRequested EventKind = "ABORT_REQUESTED"
)

// Event drives a transition. InvocationID is set for MODEL_TOOL_CALL and
// TOOL_FINISHED.
type Event struct {
	Kind         EventKind
	InvocationID string
}

func (e Event) String() string {
	if e.InvocationID != "" {
		return fmt.Sprintf("%s(%s)", e.Kind, e.InvocationID)
	}
	return string(e.Kind)
}

func UserMessage() Event            { return Event{Kind: EventUserMessage} }
func ModelToolCall(id string) Event { return Event{Kind: EventModelToolCall, InvocationID: id} }
func ModelFinal() Event             { return Event{Kind: EventModelFinal} }
func ToolFinished(id string) Event  { return Event{Kind: EventToolFinished, InvocationID: id} }
func AbortRequested() Event         { return Event{Kind: EventAbortRequested} }

// Transition returns the state after e. It is pure; terminal states
// absorb every event.
func Transition(s State, e Event) (State, error) {
	if s.Terminal() {
		return s, nil
	}
	if e.Kind == EventAbortRequested {
		return State{Phase: PhaseAborted}, nil
	}

	switch s.Phase {
	case PhaseIdle:
		if e.Kind == EventUserMessage {
			return State{Phase: PhaseWaitingForModel}, nil
		}
	case PhaseWaitingForModel, PhaseWaitingForModelFinal:
		switch e.Kind {
		case EventModelToolCall:
			if e.InvocationID != "" {
				return State{Phase: PhaseWaitingForToolResult, InvocationID: e.InvocationID}, nil
			}
		case EventModelFinal:
			return State{Phase: PhaseComplete}, nil
		}
	case PhaseWaitingForToolResult:
		if e.Kind == EventToolFinished && (e.InvocationID == "" || e.InvocationID == s.InvocationID) {
			return State{Phase: PhaseWaitingForModelFinal}, nil
		}
	}
	return s, fmt.Errorf("%w: state=%s event=%s", ErrInvalidTransition, s, e)
}
