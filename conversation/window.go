package conversation

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/m4xw311/turnengine/errors"
)

// ErrStructural is returned when an operation would leave a tool
// invocation without its matching result. It always indicates a bug in
// the caller, never a user-facing condition.
var ErrStructural = errors.Sentinel("conversation structure violated")

// Window is the ordered conversation history of one session plus the set
// of files the agent has read during it.
//
// Entries are append-only except for compaction, which removes whole
// invocation/result pairs or plain entries. Every mutation keeps the
// pairing invariant: an invocation at position i is followed at i+1 by
// its result, unless the invocation is the current tail.
type Window struct {
	mu        sync.RWMutex
	entries   []Entry
	filesRead map[string]struct{}
}

// NewWindow returns a window seeded with entries. The seed must satisfy
// the pairing invariant (a dangling tail invocation is allowed).
func NewWindow(entries ...Entry) (*Window, error) {
	w := &Window{filesRead: make(map[string]struct{})}
	for i, e := range entries {
		if err := w.Append(e); err != nil {
			return nil, errors.Wrapf(err, "seed entry %d", i)
		}
	}
	return w, nil
}

// Append adds e at the tail.
func (w *Window) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := checkShape(e); err != nil {
		return err
	}
	if n := len(w.entries); n > 0 {
		tail := w.entries[n-1]
		if tail.IsInvocation() && !e.Answers(tail.Invocation.ID) {
			return fmt.Errorf("%w: position=%d reason=invocation_not_answered invocation_id=%q got_kind=%s",
				ErrStructural, n, tail.Invocation.ID, e.Kind)
		}
	}
	if e.IsResult() {
		n := len(w.entries)
		if n == 0 || !w.entries[n-1].IsInvocation() || w.entries[n-1].Invocation.ID != e.Result.InvocationID {
			return fmt.Errorf("%w: position=%d reason=orphan_result invocation_id=%q",
				ErrStructural, n, e.Result.InvocationID)
		}
	}
	if e.IsInvocation() {
		for i := range w.entries {
			if w.entries[i].IsInvocation() && w.entries[i].Invocation.ID == e.Invocation.ID {
				return fmt.Errorf("%w: position=%d reason=duplicate_invocation_id invocation_id=%q first_position=%d",
					ErrStructural, len(w.entries), e.Invocation.ID, i)
			}
		}
	}
	w.entries = append(w.entries, e.Clone())
	return nil
}

// Entries returns a deep copy of the history.
func (w *Window) Entries() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Entry, len(w.entries))
	for i := range w.entries {
		out[i] = w.entries[i].Clone()
	}
	return out
}

// Len returns the number of entries.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// Last returns the tail entry.
func (w *Window) Last() (Entry, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.entries) == 0 {
		return Entry{}, false
	}
	return w.entries[len(w.entries)-1].Clone(), true
}

// PendingInvocation returns the tail invocation when it has no result yet.
func (w *Window) PendingInvocation() (ToolInvocation, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if n := len(w.entries); n > 0 && w.entries[n-1].IsInvocation() {
		inv := *w.entries[n-1].Invocation
		inv.Args = CloneArgs(inv.Args)
		return inv, true
	}
	return ToolInvocation{}, false
}

// Validate re-checks the whole history. When complete is true the turn
// is over and a dangling tail invocation is an error as well.
func (w *Window) Validate(complete bool) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return validateEntries(w.entries, complete)
}

// Remove deletes the entries at the given positions and returns them.
// The removal is applied only if the remaining history still satisfies
// the pairing invariant.
func (w *Window) Remove(positions []int) ([]Entry, error) {
	if len(positions) == 0 {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	drop := make(map[int]struct{}, len(positions))
	for _, p := range positions {
		if p < 0 || p >= len(w.entries) {
			return nil, fmt.Errorf("%w: reason=remove_out_of_range position=%d len=%d", ErrStructural, p, len(w.entries))
		}
		drop[p] = struct{}{}
	}
	kept := make([]Entry, 0, len(w.entries)-len(drop))
	removed := make([]Entry, 0, len(drop))
	for i, e := range w.entries {
		if _, ok := drop[i]; ok {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	if err := validateEntries(kept, false); err != nil {
		return nil, errors.Wrapf(err, "remove %d entries", len(drop))
	}
	w.entries = kept
	return removed, nil
}

// MarkFileRead records that the agent has read path.
func (w *Window) MarkFileRead(path string) {
	if path == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filesRead == nil {
		w.filesRead = make(map[string]struct{})
	}
	w.filesRead[filepath.Clean(path)] = struct{}{}
}

// HasReadFile reports whether path was read during this conversation.
func (w *Window) HasReadFile(path string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.filesRead[filepath.Clean(path)]
	return ok
}

// FilesRead lists the read paths in sorted order.
func (w *Window) FilesRead() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.filesRead))
	for p := range w.filesRead {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type windowJSON struct {
	Entries   []Entry  `json:"entries"`
	FilesRead []string `json:"files_read,omitempty"`
}

// MarshalJSON encodes the history in order.
func (w *Window) MarshalJSON() ([]byte, error) {
	return json.Marshal(windowJSON{Entries: w.Entries(), FilesRead: w.FilesRead()})
}

// UnmarshalJSON decodes and re-validates a history.
func (w *Window) UnmarshalJSON(data []byte) error {
	var doc windowJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	for i, e := range doc.Entries {
		if err := checkShape(e); err != nil {
			return errors.Wrapf(err, "entry %d", i)
		}
	}
	if err := validateEntries(doc.Entries, false); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = doc.Entries
	w.filesRead = make(map[string]struct{}, len(doc.FilesRead))
	for _, p := range doc.FilesRead {
		w.filesRead[filepath.Clean(p)] = struct{}{}
	}
	return nil
}

func checkShape(e Entry) error {
	switch e.Kind {
	case KindText:
		if e.Role != RoleUser && e.Role != RoleAssistant {
			return fmt.Errorf("%w: reason=unknown_role role=%q", ErrStructural, e.Role)
		}
	case KindToolInvocation:
		if e.Role != RoleAssistant || e.Invocation == nil {
			return fmt.Errorf("%w: reason=malformed_invocation role=%q", ErrStructural, e.Role)
		}
		if e.Invocation.ID == "" || e.Invocation.Name == "" {
			return fmt.Errorf("%w: reason=invocation_missing_identity id=%q name=%q",
				ErrStructural, e.Invocation.ID, e.Invocation.Name)
		}
	case KindToolResult:
		if e.Role != RoleUser || e.Result == nil || e.Result.InvocationID == "" {
			return fmt.Errorf("%w: reason=malformed_result role=%q", ErrStructural, e.Role)
		}
	default:
		return fmt.Errorf("%w: reason=unknown_kind kind=%q", ErrStructural, e.Kind)
	}
	return nil
}

func validateEntries(entries []Entry, complete bool) error {
	seen := make(map[string]int)
	for i, e := range entries {
		switch {
		case e.IsInvocation():
			if first, dup := seen[e.Invocation.ID]; dup {
				return fmt.Errorf("%w: position=%d reason=duplicate_invocation_id invocation_id=%q first_position=%d",
					ErrStructural, i, e.Invocation.ID, first)
			}
			seen[e.Invocation.ID] = i
			if i+1 == len(entries) {
				if complete {
					return fmt.Errorf("%w: position=%d reason=dangling_invocation invocation_id=%q",
						ErrStructural, i, e.Invocation.ID)
				}
				continue
			}
			if !entries[i+1].Answers(e.Invocation.ID) {
				return fmt.Errorf("%w: position=%d reason=invocation_not_answered invocation_id=%q",
					ErrStructural, i, e.Invocation.ID)
			}
		case e.IsResult():
			if i == 0 || !entries[i-1].IsInvocation() || entries[i-1].Invocation.ID != e.Result.InvocationID {
				return fmt.Errorf("%w: position=%d reason=orphan_result invocation_id=%q",
					ErrStructural, i, e.Result.InvocationID)
			}
		}
	}
	return nil
}
