package execution

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// EventType names a lifecycle change.
type EventType string

const (
	EventCreated             EventType = "created"
	EventUpdated             EventType = "updated"
	EventCompleted           EventType = "completed"
	EventError               EventType = "error"
	EventAborted             EventType = "aborted"
	EventPermissionRequested EventType = "permission_requested"
	EventPermissionResolved  EventType = "permission_resolved"
)

// Event carries snapshots; listeners may keep them.
type Event struct {
	Type       EventType
	Execution  Record
	Permission *PermissionRequest
	At         time.Time
}

// Listener observes lifecycle events. Listeners run synchronously on the
// goroutine that caused the change, without any manager lock held, so
// they may call back into the manager (e.g. to resolve a permission).
type Listener func(Event)

type listenerSet struct {
	mu     sync.RWMutex
	nextID uint64
	byType map[EventType]map[uint64]Listener
}

func (s *listenerSet) add(t EventType, l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byType == nil {
		s.byType = make(map[EventType]map[uint64]Listener)
	}
	if s.byType[t] == nil {
		s.byType[t] = make(map[uint64]Listener)
	}
	s.nextID++
	id := s.nextID
	s.byType[t][id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.byType[t], id)
		})
	}
}

func (s *listenerSet) snapshot(t EventType) []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Registration order.
	ids := slices.Sorted(maps.Keys(s.byType[t]))
	out := make([]Listener, len(ids))
	for i, id := range ids {
		out[i] = s.byType[t][id]
	}
	return out
}
