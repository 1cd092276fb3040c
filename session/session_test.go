package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4xw311/turnengine/conversation"
	"github.com/m4xw311/turnengine/errors"
	"github.com/m4xw311/turnengine/execution"
)

func TestBeginTurnIsExclusive(t *testing.T) {
	s := New("demo")

	ctx, end, err := s.BeginTurn(context.Background())
	require.NoError(t, err)
	assert.True(t, s.TurnActive())

	_, _, err = s.BeginTurn(context.Background())
	assert.ErrorIs(t, err, ErrTurnInProgress)

	end()
	end()
	assert.False(t, s.TurnActive())
	assert.Error(t, ctx.Err(), "ending a turn releases its context")

	_, end2, err := s.BeginTurn(context.Background())
	require.NoError(t, err)
	end2()
}

func TestCancelCarriesCause(t *testing.T) {
	s := New("demo")
	assert.False(t, s.Cancel(nil), "nothing to cancel")

	ctx, end, err := s.BeginTurn(context.Background())
	require.NoError(t, err)
	defer end()

	cause := errors.New("interrupted by user")
	require.True(t, s.Cancel(cause))
	<-ctx.Done()
	assert.ErrorIs(t, context.Cause(ctx), cause)
}

func TestCancelDefaultCause(t *testing.T) {
	s := New("demo")
	ctx, end, err := s.BeginTurn(context.Background())
	require.NoError(t, err)
	defer end()

	s.Cancel(nil)
	assert.ErrorIs(t, context.Cause(ctx), ErrCancelled)
}

func TestUsageAndExtensions(t *testing.T) {
	s := New("demo")
	s.RecordUsage(Usage{InputTokens: 10, OutputTokens: 5, Calls: 1})
	s.RecordUsage(Usage{InputTokens: 1, CacheReadTokens: 7, Calls: 1})
	assert.Equal(t, Usage{InputTokens: 11, OutputTokens: 5, CacheReadTokens: 7, Calls: 2}, s.Usage)

	_, ok := s.Extension("ui")
	assert.False(t, ok)
	s.SetExtension("ui", "compact")
	v, ok := s.Extension("ui")
	require.True(t, ok)
	assert.Equal(t, "compact", v)

	s.SetLastError(errors.New("provider down"))
	assert.Contains(t, s.LastError, "provider down")
	s.SetLastError(nil)
	assert.Empty(t, s.LastError)
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)

	s := New("work")
	s.Mode = "code"
	require.NoError(t, s.Window.Append(conversation.UserText("find todos")))
	require.NoError(t, s.Window.Append(conversation.Invocation("t1", "grep", map[string]any{"pattern": "TODO"})))
	require.NoError(t, s.Window.Append(conversation.Result(conversation.ToolResult{InvocationID: "t1", Content: "a.go:1"})))
	require.NoError(t, s.Window.Append(conversation.AssistantText("one todo")))
	s.Window.MarkFileRead("a.go")
	s.Ledger.Sync(s.Window.Entries(), conversation.NewCharEstimator())
	s.HistoryTrimmed = true

	require.NoError(t, store.Save(s))
	assert.True(t, store.Exists("work"))

	loaded, err := store.Load("work")
	require.NoError(t, err)
	assert.Equal(t, s.ID, loaded.ID)
	assert.Equal(t, "code", loaded.Mode)
	assert.True(t, loaded.HistoryTrimmed)
	assert.Equal(t, s.GetMessages(), loaded.GetMessages())
	assert.True(t, loaded.HasReadFile("a.go"))
	assert.Equal(t, s.Ledger.Total(), loaded.Ledger.Total())
	require.NoError(t, loaded.Window.Validate(true))
}

func TestFileStoreLoadErrors(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = store.Load("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Load("../escape")
	assert.Error(t, err)

	broken := `{"name":"broken","window":{"entries":[
		{"role":"user","kind":"text","text":"q"},
		{"role":"assistant","kind":"tool_invocation","invocation":{"id":"t1","name":"grep"}},
		{"role":"assistant","kind":"text","text":"no result"}
	]}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(broken), 0644))
	_, err = store.Load("broken")
	assert.ErrorIs(t, err, conversation.ErrStructural)
}

func TestFileStoreExecutions(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	empty, err := store.LoadExecutions("fresh")
	require.NoError(t, err)
	assert.Empty(t, empty.Executions)

	m := execution.NewManager(execution.WithPreviewer(nil))
	rec := m.Create("sid", "grep", "Search", map[string]any{"pattern": "x"})
	_, err = m.Start(rec.ID)
	require.NoError(t, err)
	_, err = m.Complete(rec.ID, "done", 0)
	require.NoError(t, err)

	require.NoError(t, store.SaveExecutions("fresh", m.Snapshot("sid")))
	snap, err := store.LoadExecutions("fresh")
	require.NoError(t, err)
	require.Len(t, snap.Executions, 1)
	assert.Equal(t, rec.ID, snap.Executions[0].ID)
	assert.Equal(t, execution.StatusCompleted, snap.Executions[0].Status)
	assert.Equal(t, "done", snap.Executions[0].Result)
}
