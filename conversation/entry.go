package conversation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Role identifies who authored an entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind identifies which payload an entry carries.
type Kind string

const (
	KindText           Kind = "text"
	KindToolInvocation Kind = "tool_invocation"
	KindToolResult     Kind = "tool_result"
)

// ToolInvocation is the model's request to run a tool.
type ToolInvocation struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult answers exactly one ToolInvocation.
type ToolResult struct {
	InvocationID string `json:"invocation_id"`
	Name         string `json:"name,omitempty"`
	Content      string `json:"content,omitempty"`
	Error        string `json:"error,omitempty"`
	Aborted      bool   `json:"aborted,omitempty"`
}

// IsError reports whether the result describes a failed or aborted tool.
func (r ToolResult) IsError() bool {
	return r.Error != "" || r.Aborted
}

// Payload renders the result as the text a model sees.
func (r ToolResult) Payload() string {
	switch {
	case r.Aborted:
		return `{"aborted":true,"error":"Tool execution was aborted"}`
	case r.Error != "":
		data, _ := json.Marshal(map[string]string{"error": r.Error})
		return string(data)
	default:
		return r.Content
	}
}

// Entry is one record in the context window.
type Entry struct {
	Role       Role            `json:"role"`
	Kind       Kind            `json:"kind"`
	Text       string          `json:"text,omitempty"`
	Invocation *ToolInvocation `json:"invocation,omitempty"`
	Result     *ToolResult     `json:"result,omitempty"`
}

// UserText builds a plain user entry.
func UserText(text string) Entry {
	return Entry{Role: RoleUser, Kind: KindText, Text: text}
}

// AssistantText builds a plain assistant entry.
func AssistantText(text string) Entry {
	return Entry{Role: RoleAssistant, Kind: KindText, Text: text}
}

// Invocation builds an assistant tool-invocation entry.
func Invocation(id, name string, args map[string]any) Entry {
	return Entry{
		Role:       RoleAssistant,
		Kind:       KindToolInvocation,
		Invocation: &ToolInvocation{ID: id, Name: name, Args: CloneArgs(args)},
	}
}

// Result builds a user tool-result entry.
func Result(result ToolResult) Entry {
	r := result
	return Entry{Role: RoleUser, Kind: KindToolResult, Result: &r}
}

// IsInvocation reports whether e is a tool invocation.
func (e Entry) IsInvocation() bool {
	return e.Kind == KindToolInvocation && e.Invocation != nil
}

// IsResult reports whether e is a tool result.
func (e Entry) IsResult() bool {
	return e.Kind == KindToolResult && e.Result != nil
}

// IsPlainUser reports whether e is user-authored text (not a tool result).
func (e Entry) IsPlainUser() bool {
	return e.Role == RoleUser && e.Kind == KindText
}

// Answers reports whether e is the tool result for invocation id.
func (e Entry) Answers(id string) bool {
	return e.IsResult() && e.Result.InvocationID == id
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	out := e
	if e.Invocation != nil {
		inv := *e.Invocation
		inv.Args = CloneArgs(e.Invocation.Args)
		out.Invocation = &inv
	}
	if e.Result != nil {
		res := *e.Result
		out.Result = &res
	}
	return out
}

// String renders e for logs and token estimation.
func (e Entry) String() string {
	switch {
	case e.IsInvocation():
		args, _ := json.Marshal(e.Invocation.Args)
		return fmt.Sprintf("%s:%s(%s)", e.Invocation.ID, e.Invocation.Name, args)
	case e.IsResult():
		return fmt.Sprintf("%s=>%s", e.Result.InvocationID, e.Result.Payload())
	default:
		return e.Text
	}
}

// CloneArgs deep-copies an argument map (nested maps and slices included).
func CloneArgs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneArgs(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// ArgKeys returns the argument names of an invocation in sorted order.
func (i ToolInvocation) ArgKeys() []string {
	keys := make([]string, 0, len(i.Args))
	for k := range i.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Summary is a one-line description used in logs and previews.
func (i ToolInvocation) Summary() string {
	return fmt.Sprintf("%s(%s)", i.Name, strings.Join(i.ArgKeys(), ", "))
}
