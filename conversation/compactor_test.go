package conversation

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// costed pairs an entry with its accounted token cost.
type costed struct {
	entry Entry
	cost  int
}

func build(t *testing.T, items ...costed) (*Window, *Ledger) {
	t.Helper()
	w, err := NewWindow()
	require.NoError(t, err)
	costs := make([]int, 0, len(items))
	for _, it := range items {
		require.NoError(t, w.Append(it.entry))
		costs = append(costs, it.cost)
	}
	return w, NewLedger(costs...)
}

func pair(id string, invocationCost, resultCost int) []costed {
	return []costed{
		{Invocation(id, "grep", map[string]any{"pattern": id}), invocationCost},
		{Result(ToolResult{InvocationID: id, Content: "matches for " + id}), resultCost},
	}
}

// tail returns n alternating user/assistant text entries starting with a
// user entry whose costs sum to total.
func tail(n, total int) []costed {
	out := make([]costed, n)
	each := total / n
	for i := range out {
		cost := each
		if i == n-1 {
			cost = total - each*(n-1)
		}
		if i%2 == 0 {
			out[i] = costed{UserText(fmt.Sprintf("user %d", i)), cost}
		} else {
			out[i] = costed{AssistantText(fmt.Sprintf("assistant %d", i)), cost}
		}
	}
	return out
}

func concat(parts ...[]costed) []costed {
	var out []costed
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func invocationIDs(entries []Entry) []string {
	var ids []string
	for _, e := range entries {
		if e.IsInvocation() {
			ids = append(ids, e.Invocation.ID)
		}
	}
	return ids
}

func TestCompactNoopUnderCeiling(t *testing.T) {
	w, l := build(t, concat([]costed{{UserText("q"), 10}}, pair("t1", 10, 10))...)

	out, err := NewCompactor(nil).Compact(w, l, 30)
	require.NoError(t, err)
	assert.False(t, out.Trimmed)
	assert.True(t, out.Satisfied)
	assert.Equal(t, 3, w.Len())
}

func TestCompactRemovesOnlyNeededPairsOldestFirst(t *testing.T) {
	items := concat(
		[]costed{{UserText("start"), 5_000}},
		pair("t1", 30_000, 30_000),
		pair("t2", 30_000, 30_000),
		pair("t3", 15_000, 15_000),
		tail(15, 65_000),
	)
	w, l := build(t, items...)
	require.Equal(t, 220_000, l.Total())

	out, err := NewCompactor(nil).Compact(w, l, 100_000)
	require.NoError(t, err)

	assert.True(t, out.Trimmed)
	assert.True(t, out.Satisfied)
	assert.Equal(t, 2, out.Pairs)
	assert.Equal(t, 4, out.Removed)
	assert.Equal(t, 120_000, out.Reclaimed)
	assert.Equal(t, 100_000, l.Total())
	assert.Equal(t, []string{"t3"}, invocationIDs(w.Entries()))
	assert.Equal(t, w.Len(), l.Len())
	require.NoError(t, w.Validate(true))
}

func TestCompactRemovesAllPairsWhenNeeded(t *testing.T) {
	items := concat(
		[]costed{{UserText("start"), 5_000}},
		pair("t1", 25_000, 25_000),
		pair("t2", 25_000, 25_000),
		pair("t3", 25_000, 25_000),
		tail(15, 65_000),
	)
	w, l := build(t, items...)
	require.Equal(t, 220_000, l.Total())

	out, err := NewCompactor(nil).Compact(w, l, 100_000)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Pairs)
	assert.Equal(t, 70_000, l.Total())
	assert.Empty(t, invocationIDs(w.Entries()))
	// The plain entries survive: pairs alone were enough.
	assert.Equal(t, 16, w.Len())
}

func TestCompactIsIdempotent(t *testing.T) {
	items := concat(
		[]costed{{UserText("start"), 5_000}},
		pair("t1", 30_000, 30_000),
		pair("t2", 30_000, 30_000),
		tail(15, 65_000),
	)
	w, l := build(t, items...)
	c := NewCompactor(nil)

	_, err := c.Compact(w, l, 100_000)
	require.NoError(t, err)
	before := w.Entries()

	out, err := c.Compact(w, l, 100_000)
	require.NoError(t, err)
	assert.False(t, out.Trimmed)
	assert.Equal(t, before, w.Entries())
}

func TestCompactAssistantTextBeforeLatestUser(t *testing.T) {
	w, l := build(t, concat(tail(10, 100), tail(15, 15))...)
	// Old region: u0 a1 u2 a3 u4 a5 u6 a7 u8 a9, 10 tokens each.

	out, err := NewCompactor(nil).Compact(w, l, l.Total()-20)
	require.NoError(t, err)
	assert.Equal(t, 2, out.AssistantEntries)
	assert.Zero(t, out.UserEntries)

	entries := w.Entries()
	assert.Equal(t, "user 0", entries[0].Text)
	assert.Equal(t, "user 2", entries[1].Text)
	assert.Equal(t, "user 4", entries[2].Text)
	assert.Equal(t, "assistant 5", entries[3].Text)
}

func TestCompactUserEntriesWhenAssistantHistoryIsThin(t *testing.T) {
	w, l := build(t, concat(tail(10, 100), tail(15, 15))...)

	// All 5 old assistant entries (50) are not enough; the tail holds 7
	// assistant entries which is below the floor of 10.
	out, err := NewCompactor(nil).Compact(w, l, l.Total()-60)
	require.NoError(t, err)
	assert.Equal(t, 5, out.AssistantEntries)
	assert.Equal(t, 1, out.UserEntries)
	assert.Zero(t, out.ProtectedEntries)
	assert.Equal(t, 19, w.Len())
	assert.Equal(t, "user 2", w.Entries()[0].Text)
}

func TestCompactNeverRemovesToolResultAsPlainUser(t *testing.T) {
	// The pair straddles the protected boundary so phase one skips it and
	// phase three only sees plain user entries.
	items := concat(
		[]costed{{UserText("q"), 1}, {UserText("again"), 1}},
		pair("t0", 1, 1),
		tail(14, 14),
	)
	w, l := build(t, items...)

	c := NewCompactor(nil)
	c.MinAssistantEntries = 100
	out, err := c.Compact(w, l, l.Total()-2)
	require.NoError(t, err)
	assert.Equal(t, 2, out.UserEntries)
	assert.Equal(t, []string{"t0"}, invocationIDs(w.Entries()))
	require.NoError(t, w.Validate(true))
}

func TestCompactLastResortKeepsFinalEntry(t *testing.T) {
	w, l := build(t,
		costed{UserText("first"), 100},
		pair("t1", 100, 100)[0], pair("t1", 100, 100)[1],
		costed{AssistantText("thinking"), 100},
		costed{UserText("current question"), 100},
	)

	out, err := NewCompactor(nil).Compact(w, l, 10)
	require.NoError(t, err)
	assert.False(t, out.Satisfied)
	assert.Equal(t, 4, out.ProtectedEntries)

	entries := w.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "current question", entries[0].Text)
	assert.Equal(t, 100, l.Total())
}

func TestCompactLastResortAssistantBeforeUser(t *testing.T) {
	w, l := build(t,
		costed{UserText("u1"), 10},
		costed{AssistantText("a1"), 10},
		costed{UserText("u2"), 10},
		costed{AssistantText("a2"), 10},
		costed{UserText("u3"), 10},
	)

	_, err := NewCompactor(nil).Compact(w, l, 30)
	require.NoError(t, err)

	var texts []string
	for _, e := range w.Entries() {
		texts = append(texts, e.Text)
	}
	assert.Equal(t, []string{"u1", "u2", "u3"}, texts)
}

func TestCompactKeepsDanglingTailInvocation(t *testing.T) {
	w, l := build(t,
		costed{UserText("u1"), 50},
		costed{Invocation("t9", "grep", nil), 50},
	)
	_, err := NewCompactor(nil).Compact(w, l, 1)
	require.NoError(t, err)
	pending, ok := w.PendingInvocation()
	require.True(t, ok)
	assert.Equal(t, "t9", pending.ID)
}

func TestCompactLedgerMismatch(t *testing.T) {
	w, _ := build(t, costed{UserText("q"), 1})
	_, err := NewCompactor(nil).Compact(w, NewLedger(5, 5), 1)
	assert.ErrorIs(t, err, ErrLedgerMismatch)
}

func TestCompactPreservesPairingRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	c := NewCompactor(nil)

	for round := 0; round < 200; round++ {
		var items []costed
		items = append(items, costed{UserText("start"), rng.Intn(500)})
		size := 5 + rng.Intn(40)
		for i := 0; i < size; i++ {
			switch rng.Intn(3) {
			case 0:
				items = append(items, costed{UserText(fmt.Sprintf("u%d", i)), rng.Intn(500)})
			case 1:
				items = append(items, costed{AssistantText(fmt.Sprintf("a%d", i)), rng.Intn(500)})
			default:
				items = append(items, pair(fmt.Sprintf("r%d-%d", round, i), rng.Intn(500), rng.Intn(2000))...)
			}
		}
		w, l := build(t, items...)
		last, _ := w.Last()
		ceiling := rng.Intn(l.Total() + 1)

		out, err := c.Compact(w, l, ceiling)
		require.NoError(t, err, "round %d", round)
		require.NoError(t, w.Validate(false), "round %d", round)
		require.Equal(t, w.Len(), l.Len(), "round %d", round)

		got, ok := w.Last()
		require.True(t, ok)
		assert.Equal(t, last, got, "round %d: final entry must survive", round)

		if out.Satisfied {
			again, err := c.Compact(w, l, ceiling)
			require.NoError(t, err)
			assert.False(t, again.Trimmed, "round %d: second compaction must be a no-op", round)
		}
	}
}

func TestLedgerSyncAndRemove(t *testing.T) {
	est := NewCharEstimator()
	entries := []Entry{UserText("hello world"), AssistantText("hi")}

	l := NewLedger()
	l.Sync(entries, est)
	require.Equal(t, 2, l.Len())
	first := l.Cost(0)
	assert.Positive(t, first)
	assert.Equal(t, l.Cost(0)+l.Cost(1), l.Total())

	entries = append(entries, UserText("more"))
	l.Sync(entries, est)
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, first, l.Cost(0), "sync must not recompute existing positions")

	removed := l.Remove([]int{0, 2})
	assert.Positive(t, removed)
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, l.Cost(0), l.Total())

	// A ledger longer than the window is rebuilt.
	l.Sync(entries[:0], est)
	assert.Zero(t, l.Len())
	assert.Zero(t, l.Total())
}

func TestCharEstimatorCalibrates(t *testing.T) {
	est := NewCharEstimator()
	entries := []Entry{UserText("0123456789012345678901234567890123456789")}
	before := est.EstimateEntry(entries[0])

	// Report far fewer tokens than estimated: the ratio grows and later
	// estimates shrink.
	est.RecordUsage(entries, 3)
	after := est.EstimateEntry(entries[0])
	assert.Less(t, after, before)
	assert.InDelta(t, 20.0, est.Ratio(), 0.01)

	est.RecordUsage(entries, 0)
	assert.InDelta(t, 20.0, est.Ratio(), 0.01)
}

func TestCharEstimatorConcurrentUse(t *testing.T) {
	est := NewCharEstimator()
	entries := []Entry{UserText("0123456789012345678901234567890123456789")}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				est.RecordUsage(entries, 3)
				assert.Positive(t, est.EstimateEntry(entries[0]))
			}
		}()
	}
	wg.Wait()

	// Every observation has the same ratio, so smoothing leaves it fixed.
	assert.InDelta(t, 20.0, est.Ratio(), 0.01)
}
