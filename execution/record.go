package execution

import (
	"time"

	"github.com/m4xw311/turnengine/conversation"
)

// Status is the lifecycle state of one tool execution.
type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusAwaitingPermission Status = "awaiting-permission"
	StatusCompleted          Status = "completed"
	StatusError              Status = "error"
	StatusAborted            Status = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusAborted:
		return true
	default:
		return false
	}
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning:            {},
		StatusAwaitingPermission: {},
		StatusError:              {},
		StatusAborted:            {},
	},
	StatusAwaitingPermission: {
		StatusRunning: {},
		StatusError:   {},
		StatusAborted: {},
	},
	StatusRunning: {
		StatusCompleted: {},
		StatusError:     {},
		StatusAborted:   {},
	},
	StatusCompleted: {},
	StatusError:     {},
	StatusAborted:   {},
}

// PermissionDeniedMessage is the error recorded when a gated tool is denied.
const PermissionDeniedMessage = "Permission denied"

// Record tracks one tool invocation from selection to its outcome.
type Record struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	ToolID       string         `json:"tool_id"`
	ToolName     string         `json:"tool_name"`
	Args         map[string]any `json:"args,omitempty"`
	Status       Status         `json:"status"`
	Result       string         `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	Preview      string         `json:"preview,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	Duration     time.Duration  `json:"duration,omitempty"`
	PermissionID string         `json:"permission_id,omitempty"`
}

func (r Record) clone() Record {
	out := r
	out.Args = conversation.CloneArgs(r.Args)
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return out
}

// PermissionRequest asks a human or policy to allow one execution.
type PermissionRequest struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	ToolID      string         `json:"tool_id"`
	Args        map[string]any `json:"args,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
	Resolved    bool           `json:"resolved"`
	Granted     bool           `json:"granted"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

func (p PermissionRequest) clone() PermissionRequest {
	out := p
	out.Args = conversation.CloneArgs(p.Args)
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

// Snapshot is the persisted form of a session's executions.
type Snapshot struct {
	Executions  []Record            `json:"executions"`
	Permissions []PermissionRequest `json:"permissions"`
}
