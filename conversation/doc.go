// Package conversation holds the history a model sees during a session.
//
// A [Window] is the ordered list of entries (user text, assistant text,
// tool invocations and tool results) together with the set of files the
// agent has read. Its one structural rule is that a tool invocation is
// immediately followed by the result that answers it; only the current
// tail may be an unanswered invocation. The window refuses any append or
// removal that would break the rule and reports [ErrStructural].
//
// A [Ledger] accounts the token cost of each window position. The
// [Compactor] uses it to remove history when the total exceeds a
// ceiling, oldest tool traffic first, keeping the most recent entries
// for as long as possible.
package conversation
