// Package execution tracks the lifecycle of tool executions.
//
// Each tool invocation chosen by the model becomes a [Record] that moves
// through pending, optionally awaiting-permission, running, and one of
// the terminal states completed, error or aborted. Illegal transitions
// return [ErrInvalidStatus]. Every change is published as an [Event] to
// listeners registered with [Manager.On] or [WithListener].
package execution
