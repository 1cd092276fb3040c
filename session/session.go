package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m4xw311/turnengine/conversation"
	"github.com/m4xw311/turnengine/errors"
)

var (
	// ErrTurnInProgress is returned by BeginTurn while another turn runs.
	ErrTurnInProgress = errors.Sentinel("a turn is already running for this session")
	// ErrCancelled is the default cause recorded by Cancel.
	ErrCancelled = errors.Sentinel("turn cancelled")
)

// Usage accumulates provider-reported token counts.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens"`
	CacheWriteTokens int64 `json:"cache_write_tokens"`
	Calls            int   `json:"calls"`
}

func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheReadTokens += o.CacheReadTokens
	u.CacheWriteTokens += o.CacheWriteTokens
	u.Calls += o.Calls
}

// Session is one conversation with the agent: its context window, the
// token ledger for that window and the bookkeeping of past turns.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Mode      string    `json:"mode,omitempty"`
	Toolset   string    `json:"toolset,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Window *conversation.Window `json:"window"`
	Ledger *conversation.Ledger `json:"ledger"`

	// HistoryTrimmed is set once compaction has removed any entry.
	HistoryTrimmed bool   `json:"history_trimmed"`
	Usage          Usage  `json:"usage"`
	LastError      string `json:"last_error,omitempty"`

	// Extensions holds data attached by embedding applications.
	Extensions map[string]any `json:"extensions,omitempty"`

	mu         sync.Mutex
	turnActive bool
	cancel     context.CancelCauseFunc
}

// New creates an empty session.
func New(name string) *Session {
	w, _ := conversation.NewWindow()
	now := time.Now()
	if name == "" {
		name = now.Format("20060102-150405")
	}
	return &Session{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		Window:    w,
		Ledger:    conversation.NewLedger(),
	}
}

// BeginTurn derives the context for a new turn. The returned end
// function must be called when the turn finishes; it releases the turn
// and the context's resources.
func (s *Session) BeginTurn(parent context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnActive {
		return nil, nil, ErrTurnInProgress
	}
	ctx, cancel := context.WithCancelCause(parent)
	s.turnActive = true
	s.cancel = cancel

	var once sync.Once
	end := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			cancel(nil)
			s.turnActive = false
			s.cancel = nil
			s.UpdatedAt = time.Now()
		})
	}
	return ctx, end, nil
}

// Cancel aborts the running turn with cause, or ErrCancelled when cause
// is nil. It reports whether a turn was running.
func (s *Session) Cancel(cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.turnActive {
		return false
	}
	if cause == nil {
		cause = ErrCancelled
	}
	s.cancel(cause)
	return true
}

func (s *Session) TurnActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnActive
}

// RecordUsage adds one model call's usage.
func (s *Session) RecordUsage(u Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Usage.Add(u)
}

func (s *Session) MarkTrimmed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.HistoryTrimmed = true
}

func (s *Session) SetLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.LastError = ""
		return
	}
	s.LastError = err.Error()
}

// GetMessages returns a copy of the window's entries.
func (s *Session) GetMessages() []conversation.Entry {
	return s.Window.Entries()
}

func (s *Session) GetLength() int {
	return s.Window.Len()
}

func (s *Session) HasReadFile(path string) bool {
	return s.Window.HasReadFile(path)
}

// SetExtension attaches a value under key.
func (s *Session) SetExtension(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Extensions == nil {
		s.Extensions = make(map[string]any)
	}
	s.Extensions[key] = value
}

func (s *Session) Extension(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Extensions[key]
	return v, ok
}
