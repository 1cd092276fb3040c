package conversation

import (
	"encoding/json"
	"sort"
	"sync"
)

// Ledger tracks the token cost of every window position and their sum.
// Position i of the ledger always describes position i of the window it
// was synced against.
type Ledger struct {
	mu    sync.RWMutex
	costs []int
	total int
}

// NewLedger returns a ledger with explicit per-entry costs.
func NewLedger(costs ...int) *Ledger {
	l := &Ledger{}
	for _, c := range costs {
		l.costs = append(l.costs, c)
		l.total += c
	}
	return l
}

// Total returns the accounted token cost of the whole window.
func (l *Ledger) Total() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Len returns the number of accounted positions.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.costs)
}

// Costs returns a copy of the per-entry costs.
func (l *Ledger) Costs() []int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]int, len(l.costs))
	copy(out, l.costs)
	return out
}

// Cost returns the cost at position i, or zero when unaccounted.
func (l *Ledger) Cost(i int) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.costs) {
		return 0
	}
	return l.costs[i]
}

// Sync estimates costs for entries appended since the last sync. A ledger
// longer than the window (it was not told about a removal) is rebuilt.
func (l *Ledger) Sync(entries []Entry, est Estimator) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.costs) > len(entries) {
		l.rebuildLocked(entries, est)
		return
	}
	for i := len(l.costs); i < len(entries); i++ {
		c := est.EstimateEntry(entries[i])
		l.costs = append(l.costs, c)
		l.total += c
	}
}

func (l *Ledger) rebuildLocked(entries []Entry, est Estimator) {
	l.costs = make([]int, len(entries))
	l.total = 0
	for i := range entries {
		l.costs[i] = est.EstimateEntry(entries[i])
		l.total += l.costs[i]
	}
}

// Remove drops the given positions and re-indexes the remainder. It
// returns the cost that was removed.
func (l *Ledger) Remove(positions []int) int {
	if len(positions) == 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	sorted := append([]int(nil), positions...)
	sort.Ints(sorted)
	kept := l.costs[:0:0]
	removed := 0
	next := 0
	for i, c := range l.costs {
		if next < len(sorted) && sorted[next] == i {
			removed += c
			for next < len(sorted) && sorted[next] == i {
				next++
			}
			continue
		}
		kept = append(kept, c)
	}
	l.costs = kept
	l.total -= removed
	return removed
}

type ledgerJSON struct {
	Total    int   `json:"total"`
	PerEntry []int `json:"per_entry"`
}

// MarshalJSON encodes the running total and per-entry costs.
func (l *Ledger) MarshalJSON() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return json.Marshal(ledgerJSON{Total: l.total, PerEntry: l.costs})
}

// UnmarshalJSON restores a ledger; the total is recomputed from the costs.
func (l *Ledger) UnmarshalJSON(data []byte) error {
	var doc ledgerJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.costs = doc.PerEntry
	l.total = 0
	for _, c := range l.costs {
		l.total += c
	}
	return nil
}
