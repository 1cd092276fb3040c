package conversation

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/m4xw311/turnengine/errors"
)

const (
	// DefaultProtectedTail is how many of the most recent entries are kept
	// out of reach of every phase except the last-resort one.
	DefaultProtectedTail = 15
	// DefaultMinAssistantEntries is the assistant-entry floor below which
	// plain user entries become removable.
	DefaultMinAssistantEntries = 10
)

// ErrLedgerMismatch is returned when the ledger does not describe the
// window it is asked to compact.
var ErrLedgerMismatch = errors.Sentinel("ledger does not match window")

// Outcome summarizes one compaction.
type Outcome struct {
	Removed   int
	Reclaimed int
	// Remaining is the ledger total after compaction.
	Remaining int
	// Trimmed is true when at least one entry was removed.
	Trimmed bool
	// Satisfied is false when every candidate was removed and the total
	// is still above the ceiling.
	Satisfied bool

	Pairs            int
	AssistantEntries int
	UserEntries      int
	ProtectedEntries int
}

// Compactor removes history until the ledger fits a token ceiling.
//
// Phases run in order and stop as soon as enough tokens are reclaimed:
//  1. oldest invocation/result pairs outside the protected tail,
//  2. oldest assistant text entries before the most recent user text,
//  3. oldest plain user entries, once fewer than MinAssistantEntries
//     assistant entries remain,
//  4. entries inside the protected tail, assistant before user.
//
// Invocations and results are always removed together and the final
// entry is never removed.
type Compactor struct {
	ProtectedTail       int
	MinAssistantEntries int
	logger              *zap.Logger
}

// NewCompactor returns a compactor with the default thresholds.
func NewCompactor(logger *zap.Logger) *Compactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{
		ProtectedTail:       DefaultProtectedTail,
		MinAssistantEntries: DefaultMinAssistantEntries,
		logger:              logger,
	}
}

type compaction struct {
	entries   []Entry
	costs     []int
	removed   map[int]bool
	need      int
	reclaimed int
}

func (c *compaction) take(positions ...int) {
	for _, p := range positions {
		if c.removed[p] {
			continue
		}
		c.removed[p] = true
		c.reclaimed += c.costs[p]
	}
}

func (c *compaction) done() bool {
	return c.reclaimed >= c.need
}

func (c *compaction) remainingAssistant() int {
	count := 0
	for i, e := range c.entries {
		if e.Role == RoleAssistant && !c.removed[i] {
			count++
		}
	}
	return count
}

// Compact is a no-op when ledger.Total() <= ceiling.
func (c *Compactor) Compact(w *Window, l *Ledger, ceiling int) (Outcome, error) {
	total := l.Total()
	if total <= ceiling {
		return Outcome{Remaining: total, Satisfied: true}, nil
	}
	entries := w.Entries()
	costs := l.Costs()
	if len(costs) != len(entries) {
		return Outcome{}, fmt.Errorf("%w: ledger_len=%d window_len=%d", ErrLedgerMismatch, len(costs), len(entries))
	}

	protected := c.ProtectedTail
	if protected < 1 {
		protected = 1
	}
	n := len(entries)
	boundary := n - protected
	if boundary < 0 {
		boundary = 0
	}

	run := &compaction{
		entries: entries,
		costs:   costs,
		removed: make(map[int]bool),
		need:    total - ceiling,
	}
	var out Outcome

	// Phase 1: matched pairs, oldest first.
	for i := 0; i+1 < boundary && !run.done(); i++ {
		if entries[i].IsInvocation() && entries[i+1].Answers(entries[i].Invocation.ID) {
			run.take(i, i+1)
			out.Pairs++
			i++
		}
	}

	// Phase 2: assistant text preceding the most recent user text.
	lastUser := -1
	for i := n - 1; i >= 0; i-- {
		if entries[i].IsPlainUser() {
			lastUser = i
			break
		}
	}
	for i := 0; i < boundary && i < lastUser && !run.done(); i++ {
		if !run.removed[i] && entries[i].Role == RoleAssistant && entries[i].Kind == KindText {
			run.take(i)
			out.AssistantEntries++
		}
	}

	// Phase 3: plain user text once assistant history is thin.
	if !run.done() && run.remainingAssistant() < c.MinAssistantEntries {
		for i := 0; i < boundary && !run.done(); i++ {
			if !run.removed[i] && entries[i].IsPlainUser() {
				run.take(i)
				out.UserEntries++
			}
		}
	}

	// Phase 4: last resort inside the protected tail.
	for _, role := range []Role{RoleAssistant, RoleUser} {
		for i := boundary; i < n-1 && !run.done(); i++ {
			if run.removed[i] || entries[i].Role != role {
				continue
			}
			e := entries[i]
			switch {
			case e.IsInvocation():
				// The pair's result must exist and must not be the final entry.
				if i+1 < n-1 && entries[i+1].Answers(e.Invocation.ID) {
					run.take(i, i+1)
					out.ProtectedEntries += 2
				}
			case e.IsResult():
				if i > 0 && !run.removed[i-1] {
					run.take(i-1, i)
					out.ProtectedEntries += 2
				}
			default:
				run.take(i)
				out.ProtectedEntries++
			}
		}
	}

	positions := make([]int, 0, len(run.removed))
	for p := range run.removed {
		positions = append(positions, p)
	}
	sort.Ints(positions)

	if _, err := w.Remove(positions); err != nil {
		return Outcome{}, errors.Wrapf(err, "compact window")
	}
	l.Remove(positions)

	out.Removed = len(positions)
	out.Reclaimed = run.reclaimed
	out.Remaining = l.Total()
	out.Trimmed = out.Removed > 0
	out.Satisfied = out.Remaining <= ceiling

	fields := []zap.Field{
		zap.Int("ceiling", ceiling),
		zap.Int("before", total),
		zap.Int("after", out.Remaining),
		zap.Int("removed", out.Removed),
		zap.Int("pairs", out.Pairs),
		zap.Int("assistant", out.AssistantEntries),
		zap.Int("user", out.UserEntries),
		zap.Int("protected", out.ProtectedEntries),
	}
	if out.Satisfied {
		c.logger.Debug("history compacted", fields...)
	} else {
		c.logger.Warn("history still above ceiling after compaction", fields...)
	}
	return out, nil
}
