package execution

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/m4xw311/turnengine/conversation"
	"github.com/m4xw311/turnengine/errors"
)

var (
	ErrNotFound        = errors.Sentinel("execution not found")
	ErrInvalidStatus   = errors.Sentinel("invalid execution status transition")
	ErrAlreadyResolved = errors.Sentinel("permission already resolved")
)

// Option configures a Manager.
type Option func(*Manager)

// WithListener registers l for events of type t at construction time.
func WithListener(t EventType, l Listener) Option {
	return func(m *Manager) { m.listeners.add(t, l) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

func WithPreviewer(p Previewer) Option {
	return func(m *Manager) { m.previewer = p }
}

// Manager tracks tool executions and permission requests for any number
// of sessions. It is safe for concurrent use.
type Manager struct {
	mu          sync.RWMutex
	records     map[string]*Record
	order       []string
	permissions map[string]*PermissionRequest
	waiters     map[string]chan struct{}

	listeners listenerSet
	previews  sync.WaitGroup

	now       func() time.Time
	newID     func() string
	previewer Previewer
	logger    *zap.Logger
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		records:     make(map[string]*Record),
		permissions: make(map[string]*PermissionRequest),
		waiters:     make(map[string]chan struct{}),
		now:         time.Now,
		newID:       uuid.NewString,
		previewer:   DefaultPreviewer(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// On subscribes l to events of type t and returns a function that
// removes the subscription.
func (m *Manager) On(t EventType, l Listener) func() {
	return m.listeners.add(t, l)
}

func (m *Manager) emit(t EventType, rec Record, perm *PermissionRequest) {
	ev := Event{Type: t, Execution: rec, Permission: perm, At: m.now()}
	for _, l := range m.listeners.snapshot(t) {
		l(ev)
	}
}

// Create records a new pending execution.
func (m *Manager) Create(sessionID, toolID, toolName string, args map[string]any) Record {
	rec := &Record{
		ID:        m.newID(),
		SessionID: sessionID,
		ToolID:    toolID,
		ToolName:  toolName,
		Args:      conversation.CloneArgs(args),
		Status:    StatusPending,
		CreatedAt: m.now(),
	}

	m.mu.Lock()
	m.records[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	snap := rec.clone()
	m.mu.Unlock()

	m.logger.Debug("execution created",
		zap.String("execution_id", rec.ID),
		zap.String("session_id", sessionID),
		zap.String("tool", toolID))
	m.emit(EventCreated, snap, nil)
	return snap
}

// transition moves the record to next. Callers hold m.mu.
func (m *Manager) transition(id string, next Status) (*Record, error) {
	rec, ok := m.records[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "execution %s", id)
	}
	if _, ok := allowedTransitions[rec.Status][next]; !ok {
		return nil, errors.Wrapf(ErrInvalidStatus, "execution %s: %s -> %s", id, rec.Status, next)
	}
	now := m.now()
	rec.Status = next
	switch {
	case next == StatusRunning:
		rec.StartedAt = &now
	case next.Terminal():
		rec.EndedAt = &now
		if rec.StartedAt != nil && rec.Duration == 0 {
			rec.Duration = now.Sub(*rec.StartedAt)
		}
	}
	return rec, nil
}

// Start marks an execution as running.
func (m *Manager) Start(id string) (Record, error) {
	m.mu.Lock()
	rec, err := m.transition(id, StatusRunning)
	if err != nil {
		m.mu.Unlock()
		return Record{}, err
	}
	snap := rec.clone()
	m.mu.Unlock()

	m.emit(EventUpdated, snap, nil)
	return snap, nil
}

// RequestPermission moves a pending execution to awaiting-permission and
// opens a permission request for it.
func (m *Manager) RequestPermission(id string) (PermissionRequest, error) {
	m.mu.Lock()
	rec, err := m.transition(id, StatusAwaitingPermission)
	if err != nil {
		m.mu.Unlock()
		return PermissionRequest{}, err
	}
	perm := &PermissionRequest{
		ID:          m.newID(),
		ExecutionID: rec.ID,
		ToolID:      rec.ToolID,
		Args:        conversation.CloneArgs(rec.Args),
		RequestedAt: m.now(),
	}
	rec.PermissionID = perm.ID
	m.permissions[perm.ID] = perm
	m.waiters[perm.ID] = make(chan struct{})
	snap, permSnap := rec.clone(), perm.clone()
	m.mu.Unlock()

	m.logger.Info("permission requested",
		zap.String("execution_id", id),
		zap.String("permission_id", perm.ID),
		zap.String("tool", rec.ToolID))
	m.emit(EventPermissionRequested, snap, &permSnap)
	return permSnap, nil
}

// AwaitPermission blocks until the request is resolved or ctx is done.
// It returns the decision; a cancelled context yields ctx's error.
func (m *Manager) AwaitPermission(ctx context.Context, permID string) (bool, error) {
	m.mu.RLock()
	perm, ok := m.permissions[permID]
	if !ok {
		m.mu.RUnlock()
		return false, errors.Wrapf(ErrNotFound, "permission %s", permID)
	}
	if perm.Resolved {
		granted := perm.Granted
		m.mu.RUnlock()
		return granted, nil
	}
	done := m.waiters[permID]
	m.mu.RUnlock()

	select {
	case <-done:
	case <-ctx.Done():
		return false, context.Cause(ctx)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return perm.Granted, nil
}

// ResolvePermission records the decision for a permission request. A
// grant moves the execution to running; a denial ends it with an error.
func (m *Manager) ResolvePermission(permID string, granted bool) (Record, error) {
	m.mu.Lock()
	perm, ok := m.permissions[permID]
	if !ok {
		m.mu.Unlock()
		return Record{}, errors.Wrapf(ErrNotFound, "permission %s", permID)
	}
	if perm.Resolved {
		m.mu.Unlock()
		return Record{}, errors.Wrapf(ErrAlreadyResolved, "permission %s", permID)
	}

	next := StatusRunning
	if !granted {
		next = StatusError
	}
	rec, err := m.transition(perm.ExecutionID, next)
	if err != nil {
		m.mu.Unlock()
		return Record{}, err
	}
	if !granted {
		rec.Error = PermissionDeniedMessage
	}
	m.resolveLocked(perm, granted)
	snap, permSnap := rec.clone(), perm.clone()
	m.mu.Unlock()

	m.logger.Info("permission resolved",
		zap.String("permission_id", permID),
		zap.Bool("granted", granted))
	m.emit(EventPermissionResolved, snap, &permSnap)
	if granted {
		m.emit(EventUpdated, snap, nil)
	} else {
		m.emit(EventError, snap, nil)
	}
	return snap, nil
}

func (m *Manager) resolveLocked(perm *PermissionRequest, granted bool) {
	now := m.now()
	perm.Resolved = true
	perm.Granted = granted
	perm.ResolvedAt = &now
	if ch, ok := m.waiters[perm.ID]; ok {
		close(ch)
		delete(m.waiters, perm.ID)
	}
}

// Complete records a successful result and schedules preview generation.
func (m *Manager) Complete(id, result string, duration time.Duration) (Record, error) {
	m.mu.Lock()
	rec, err := m.transition(id, StatusCompleted)
	if err != nil {
		m.mu.Unlock()
		return Record{}, err
	}
	rec.Result = result
	if duration > 0 {
		rec.Duration = duration
	}
	snap := rec.clone()
	m.mu.Unlock()

	m.emit(EventCompleted, snap, nil)
	m.schedulePreview(snap)
	return snap, nil
}

// Fail records a failed execution.
func (m *Manager) Fail(id string, cause error) (Record, error) {
	m.mu.Lock()
	rec, err := m.transition(id, StatusError)
	if err != nil {
		m.mu.Unlock()
		return Record{}, err
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	snap := rec.clone()
	m.mu.Unlock()

	m.emit(EventError, snap, nil)
	return snap, nil
}

// Abort ends an execution that was interrupted. An open permission
// request is resolved as denied and its waiters are released.
func (m *Manager) Abort(id string) (Record, error) {
	m.mu.Lock()
	rec, err := m.transition(id, StatusAborted)
	if err != nil {
		m.mu.Unlock()
		return Record{}, err
	}
	var permSnap *PermissionRequest
	if perm, ok := m.permissions[rec.PermissionID]; ok && !perm.Resolved {
		m.resolveLocked(perm, false)
		p := perm.clone()
		permSnap = &p
	}
	snap := rec.clone()
	m.mu.Unlock()

	if permSnap != nil {
		m.emit(EventPermissionResolved, snap, permSnap)
	}
	m.emit(EventAborted, snap, nil)
	return snap, nil
}

func (m *Manager) schedulePreview(rec Record) {
	if m.previewer == nil {
		return
	}
	m.previews.Add(1)
	go func() {
		defer m.previews.Done()
		preview, err := m.previewer.Preview(rec)
		if err != nil {
			m.logger.Warn("preview generation failed",
				zap.String("execution_id", rec.ID), zap.Error(err))
			return
		}
		m.mu.Lock()
		stored, ok := m.records[rec.ID]
		if !ok {
			m.mu.Unlock()
			return
		}
		stored.Preview = preview
		snap := stored.clone()
		m.mu.Unlock()
		m.emit(EventUpdated, snap, nil)
	}()
}

// Wait blocks until all scheduled previews have been generated.
func (m *Manager) Wait() {
	m.previews.Wait()
}

func (m *Manager) Get(id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, errors.Wrapf(ErrNotFound, "execution %s", id)
	}
	return rec.clone(), nil
}

func (m *Manager) Permission(id string) (PermissionRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	perm, ok := m.permissions[id]
	if !ok {
		return PermissionRequest{}, errors.Wrapf(ErrNotFound, "permission %s", id)
	}
	return perm.clone(), nil
}

// ListBySession returns a session's executions in creation order.
func (m *Manager) ListBySession(sessionID string) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, id := range m.order {
		if rec := m.records[id]; rec.SessionID == sessionID {
			out = append(out, rec.clone())
		}
	}
	return out
}

// PendingPermissions returns unresolved requests for a session.
func (m *Manager) PendingPermissions(sessionID string) []PermissionRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PermissionRequest
	for _, id := range m.order {
		rec := m.records[id]
		if rec.SessionID != sessionID || rec.PermissionID == "" {
			continue
		}
		if perm := m.permissions[rec.PermissionID]; perm != nil && !perm.Resolved {
			out = append(out, perm.clone())
		}
	}
	return out
}

// Snapshot captures a session's executions for persistence.
func (m *Manager) Snapshot(sessionID string) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := Snapshot{Executions: []Record{}, Permissions: []PermissionRequest{}}
	for _, id := range m.order {
		rec := m.records[id]
		if rec.SessionID != sessionID {
			continue
		}
		snap.Executions = append(snap.Executions, rec.clone())
		if perm := m.permissions[rec.PermissionID]; perm != nil {
			snap.Permissions = append(snap.Permissions, perm.clone())
		}
	}
	return snap
}

// Restore loads persisted executions. Records that were still in flight
// when they were saved cannot resume and are marked aborted; their open
// permission requests are resolved as denied.
func (m *Manager) Restore(snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range snap.Executions {
		if r.ID == "" {
			return errors.New("restore: execution without id")
		}
		if _, exists := m.records[r.ID]; exists {
			continue
		}
		rec := r.clone()
		if !rec.Status.Terminal() {
			now := m.now()
			rec.Status = StatusAborted
			rec.EndedAt = &now
		}
		m.records[rec.ID] = &rec
		m.order = append(m.order, rec.ID)
	}
	for _, p := range snap.Permissions {
		if _, exists := m.permissions[p.ID]; exists {
			continue
		}
		perm := p.clone()
		if !perm.Resolved {
			now := m.now()
			perm.Resolved = true
			perm.ResolvedAt = &now
		}
		m.permissions[perm.ID] = &perm
	}
	return nil
}
