package turn

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/m4xw311/turnengine/config"
	"github.com/m4xw311/turnengine/conversation"
	"github.com/m4xw311/turnengine/errors"
	"github.com/m4xw311/turnengine/execution"
	"github.com/m4xw311/turnengine/llm"
	"github.com/m4xw311/turnengine/permission"
	"github.com/m4xw311/turnengine/session"
	"github.com/m4xw311/turnengine/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTools struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, name string, args map[string]any) (string, error)
}

func (f *fakeTools) Describe() []tools.Description {
	return []tools.Description{{
		Name:        "grep",
		Description: "Search files",
		Schema:      map[string]any{"type": "object", "properties": map[string]any{"pattern": map[string]any{"type": "string"}}},
	}}
}

func (f *fakeTools) Execute(ctx context.Context, toolID, invocationID string, args map[string]any, ec tools.ExecContext) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, toolID+":"+invocationID)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return `{"ok":true}`, nil
	}
	return fn(ctx, toolID, args)
}

func (f *fakeTools) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// blockingTool never finishes on its own.
func blockingTool(ctx context.Context, _ string, _ map[string]any) (string, error) {
	<-ctx.Done()
	return "", context.Cause(ctx)
}

func newDriver(provider llm.Provider, runner ToolRunner, opts ...Option) *Driver {
	return NewDriver(llm.NewCallAdapter(provider), runner, opts...)
}

// resolvingManager answers every permission request with granted.
func resolvingManager(granted bool) *execution.Manager {
	var m *execution.Manager
	m = execution.NewManager(execution.WithListener(execution.EventPermissionRequested, func(ev execution.Event) {
		_, _ = m.ResolvePermission(ev.Permission.ID, granted)
	}))
	return m
}

func TestRunFinalAnswerOnly(t *testing.T) {
	provider := llm.NewScripted(llm.Final("It is 12:00."))
	d := newDriver(provider, &fakeTools{})
	sess := session.New("a")

	res, err := d.Run(context.Background(), "What time is it?", sess)
	require.NoError(t, err)

	assert.Equal(t, "It is 12:00.", res.ResponseText)
	assert.False(t, res.Aborted)
	assert.Empty(t, res.ToolResults)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, PhaseComplete, res.State.Phase)

	entries := sess.GetMessages()
	require.Len(t, entries, 2)
	assert.Equal(t, conversation.UserText("What time is it?"), entries[0])
	assert.Equal(t, conversation.AssistantText("It is 12:00."), entries[1])
	assert.Empty(t, d.Manager().ListBySession(sess.ID))
	assert.Empty(t, sess.LastError)
	assert.False(t, sess.TurnActive())
}

func TestRunToolCallThenFinal(t *testing.T) {
	provider := llm.NewScripted(
		llm.Call("t1", "grep", map[string]any{"pattern": "TODO"}),
		llm.Final("Found it."))
	runner := &fakeTools{}
	d := newDriver(provider, runner)
	sess := session.New("b")

	res, err := d.Run(context.Background(), "find the todo", sess)
	require.NoError(t, err)
	d.Manager().Wait()

	assert.Equal(t, "Found it.", res.ResponseText)
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, res.ToolResults, 1)
	assert.Equal(t, `{"ok":true}`, res.ToolResults[0].Content)

	entries := sess.GetMessages()
	require.Len(t, entries, 4)
	assert.True(t, entries[0].IsPlainUser())
	require.True(t, entries[1].IsInvocation())
	assert.Equal(t, "t1", entries[1].Invocation.ID)
	require.True(t, entries[2].Answers("t1"))
	assert.Equal(t, `{"ok":true}`, entries[2].Result.Content)
	assert.Equal(t, conversation.AssistantText("Found it."), entries[3])
	require.NoError(t, sess.Window.Validate(true))

	assert.Equal(t, []string{"grep:t1"}, runner.Calls())
	recs := d.Manager().ListBySession(sess.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, execution.StatusCompleted, recs[0].Status)
	assert.Equal(t, map[string]any{"pattern": "TODO"}, recs[0].Args)

	// The second model call sees the tool result.
	reqs := provider.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Entries, 3)
	require.Len(t, reqs[1].Tools, 1)
	assert.Equal(t, "grep", reqs[1].Tools[0].Name)
}

func TestRunCancelledDuringTool(t *testing.T) {
	provider := llm.NewScripted(llm.Call("t1", "grep", nil), llm.Final("never"))
	d := newDriver(provider, &fakeTools{fn: blockingTool})
	sess := session.New("c")

	timer := time.AfterFunc(30*time.Millisecond, func() { sess.Cancel(nil) })
	defer timer.Stop()

	res, err := d.Run(context.Background(), "search forever", sess)
	require.NoError(t, err)

	assert.True(t, res.Aborted)
	assert.Equal(t, AbortedResponse, res.ResponseText)
	assert.Equal(t, PhaseAborted, res.State.Phase)
	assert.Equal(t, 1, provider.Calls())

	last, ok := sess.Window.Last()
	require.True(t, ok)
	require.True(t, last.Answers("t1"))
	assert.True(t, last.Result.Aborted)
	assert.Contains(t, last.Result.Payload(), `"aborted":true`)
	require.NoError(t, sess.Window.Validate(true))

	recs := d.Manager().ListBySession(sess.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, execution.StatusAborted, recs[0].Status)
	assert.False(t, sess.TurnActive())
	assert.Empty(t, sess.LastError)
}

// cancelOnTransition returns a debug logger that cancels sess when the
// n-th state transition is logged.
func cancelOnTransition(sess *session.Session, n int32) *zap.Logger {
	var seen atomic.Int32
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(io.Discard), zap.DebugLevel)
	return zap.New(core, zap.Hooks(func(e zapcore.Entry) error {
		if e.Message == "turn transition" && seen.Add(1) == n {
			sess.Cancel(nil)
		}
		return nil
	}))
}

func TestRunCancelledBeforeToolDispatch(t *testing.T) {
	provider := llm.NewScripted(llm.Call("t1", "grep", nil), llm.Final("recovered"))
	runner := &fakeTools{}
	sess := session.New("p")
	// The second transition is MODEL_TOOL_CALL, logged after the
	// invocation entry is appended.
	d := newDriver(provider, runner, WithLogger(cancelOnTransition(sess, 2)))

	res, err := d.Run(context.Background(), "search", sess)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, AbortedResponse, res.ResponseText)
	assert.Equal(t, PhaseAborted, res.State.Phase)
	assert.Empty(t, runner.Calls())
	assert.Empty(t, d.Manager().ListBySession(sess.ID))
	require.Len(t, res.ToolResults, 1)
	assert.True(t, res.ToolResults[0].Aborted)

	last, ok := sess.Window.Last()
	require.True(t, ok)
	require.True(t, last.Answers("t1"))
	assert.True(t, last.Result.Aborted)
	require.NoError(t, sess.Window.Validate(true))
	assert.Empty(t, sess.LastError)

	res, err = d.Run(context.Background(), "try again", sess)
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.ResponseText)
	assert.Equal(t, 5, sess.GetLength())
}

func TestRunPreCancelled(t *testing.T) {
	provider := llm.NewScripted(llm.Call("t1", "grep", nil))
	runner := &fakeTools{}
	d := newDriver(provider, runner)
	sess := session.New("d")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := d.Run(ctx, "hello", sess)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, AbortedResponse, res.ResponseText)
	assert.Equal(t, 0, provider.Calls())
	assert.Empty(t, runner.Calls())
	assert.Empty(t, d.Manager().ListBySession(sess.ID))
	assert.Equal(t, 1, sess.GetLength())
}

func TestRunCancelledDuringModelCall(t *testing.T) {
	provider := llm.NewScripted(llm.Step{Block: true})
	d := newDriver(provider, &fakeTools{})
	sess := session.New("e")

	timer := time.AfterFunc(20*time.Millisecond, func() { sess.Cancel(nil) })
	defer timer.Stop()

	res, err := d.Run(context.Background(), "hello", sess)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, 1, sess.GetLength())
}

func TestRunPermissionDenied(t *testing.T) {
	provider := llm.NewScripted(
		llm.Call("t1", "grep", map[string]any{"pattern": "secret"}),
		llm.Final("I was not allowed to search."))
	runner := &fakeTools{}
	d := newDriver(provider, runner,
		WithPolicy(permission.AskAll),
		WithManager(resolvingManager(false)))
	sess := session.New("f")

	res, err := d.Run(context.Background(), "search", sess)
	require.NoError(t, err)

	assert.False(t, res.Aborted)
	assert.Equal(t, "I was not allowed to search.", res.ResponseText)
	require.Len(t, res.ToolResults, 1)
	assert.Equal(t, execution.PermissionDeniedMessage, res.ToolResults[0].Error)
	assert.Contains(t, res.ToolResults[0].Payload(), "Permission denied")
	assert.Empty(t, runner.Calls())

	recs := d.Manager().ListBySession(sess.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, execution.StatusError, recs[0].Status)
	assert.NotEmpty(t, recs[0].PermissionID)
	assert.Empty(t, d.Manager().PendingPermissions(sess.ID))
}

func TestRunPermissionGranted(t *testing.T) {
	provider := llm.NewScripted(llm.Call("t1", "grep", nil), llm.Final("done"))
	runner := &fakeTools{}
	d := newDriver(provider, runner,
		WithPolicy(permission.AskAll),
		WithManager(resolvingManager(true)))
	sess := session.New("g")

	res, err := d.Run(context.Background(), "search", sess)
	require.NoError(t, err)
	d.Manager().Wait()

	assert.Equal(t, "done", res.ResponseText)
	assert.Equal(t, []string{"grep:t1"}, runner.Calls())
	recs := d.Manager().ListBySession(sess.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, execution.StatusCompleted, recs[0].Status)
}

func TestRunCancelledWhileAwaitingPermission(t *testing.T) {
	provider := llm.NewScripted(llm.Call("t1", "grep", nil), llm.Final("never"))
	d := newDriver(provider, &fakeTools{}, WithPolicy(permission.AskAll))
	sess := session.New("h")

	requested := make(chan struct{}, 1)
	unsubscribe := d.Manager().On(execution.EventPermissionRequested, func(execution.Event) {
		requested <- struct{}{}
	})
	defer unsubscribe()
	go func() {
		<-requested
		sess.Cancel(nil)
	}()

	res, err := d.Run(context.Background(), "search", sess)
	require.NoError(t, err)
	assert.True(t, res.Aborted)

	recs := d.Manager().ListBySession(sess.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, execution.StatusAborted, recs[0].Status)
	perm, err := d.Manager().Permission(recs[0].PermissionID)
	require.NoError(t, err)
	assert.True(t, perm.Resolved)
	assert.False(t, perm.Granted)

	last, ok := sess.Window.Last()
	require.True(t, ok)
	assert.True(t, last.Result.Aborted)
}

func TestRunToolFailureIsModelVisible(t *testing.T) {
	provider := llm.NewScripted(llm.Call("t1", "grep", nil), llm.Final("The search failed."))
	runner := &fakeTools{fn: func(context.Context, string, map[string]any) (string, error) {
		return "", errors.New("pattern is empty")
	}}
	d := newDriver(provider, runner)
	sess := session.New("i")

	res, err := d.Run(context.Background(), "search", sess)
	require.NoError(t, err)
	assert.Equal(t, "The search failed.", res.ResponseText)
	require.Len(t, res.ToolResults, 1)
	assert.Contains(t, res.ToolResults[0].Error, "pattern is empty")

	recs := d.Manager().ListBySession(sess.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, execution.StatusError, recs[0].Status)
	assert.Contains(t, recs[0].Error, "pattern is empty")
}

func TestRunToolPanicIsModelVisible(t *testing.T) {
	provider := llm.NewScripted(llm.Call("t1", "grep", nil), llm.Final("ok"))
	runner := &fakeTools{fn: func(context.Context, string, map[string]any) (string, error) {
		panic("index out of range")
	}}
	d := newDriver(provider, runner)
	sess := session.New("j")

	res, err := d.Run(context.Background(), "search", sess)
	require.NoError(t, err)
	require.Len(t, res.ToolResults, 1)
	assert.Contains(t, res.ToolResults[0].Error, "panicked")
}

func TestRunMaxIterations(t *testing.T) {
	provider := llm.NewScripted(
		llm.Call("t1", "grep", nil),
		llm.Call("t2", "grep", nil),
		llm.Call("t3", "grep", nil))
	d := newDriver(provider, &fakeTools{}, WithMaxIterations(2))
	sess := session.New("k")

	res, err := d.Run(context.Background(), "loop", sess)
	require.Error(t, err)
	d.Manager().Wait()

	assert.True(t, errors.Is(err, ErrMaxIterations))
	assert.False(t, res.Aborted)
	assert.Equal(t, err.Error(), res.ResponseText)
	assert.Equal(t, 2, res.Iterations)
	assert.Len(t, res.ToolResults, 2)
	assert.Equal(t, 2, provider.Calls())
	assert.Equal(t, err.Error(), sess.LastError)
	require.NoError(t, sess.Window.Validate(true))
}

func TestRunProviderFailureIsFatal(t *testing.T) {
	provider := llm.NewScripted(llm.Fail(errors.New("invalid api key")))
	d := newDriver(provider, &fakeTools{})
	sess := session.New("l")

	res, err := d.Run(context.Background(), "hello", sess)
	require.Error(t, err)
	assert.False(t, res.Aborted)
	assert.Contains(t, res.ResponseText, "invalid api key")
	assert.Equal(t, err.Error(), sess.LastError)
	assert.False(t, sess.TurnActive())
}

func TestRunRejectsConcurrentTurn(t *testing.T) {
	provider := llm.NewScripted(llm.Step{Block: true})
	d := newDriver(provider, &fakeTools{})
	sess := session.New("m")

	done := make(chan Result, 1)
	go func() {
		res, _ := d.Run(context.Background(), "first", sess)
		done <- res
	}()
	require.Eventually(t, func() bool { return provider.Calls() == 1 }, time.Second, time.Millisecond)

	_, err := d.Run(context.Background(), "second", sess)
	assert.True(t, errors.Is(err, session.ErrTurnInProgress))

	require.True(t, sess.Cancel(nil))
	res := <-done
	assert.True(t, res.Aborted)
	assert.Equal(t, 1, sess.GetLength())
}

func TestRunSessionsInParallel(t *testing.T) {
	d := newDriver(llm.NewScripted(llm.Final("hi")).Repeating(), &fakeTools{})

	var wg sync.WaitGroup
	sessions := make([]*session.Session, 8)
	for i := range sessions {
		sessions[i] = session.New("")
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			_, err := d.Run(context.Background(), "hello", s)
			assert.NoError(t, err)
		}(sessions[i])
	}
	wg.Wait()
	for _, s := range sessions {
		assert.Equal(t, 2, s.GetLength())
	}
}

func TestRunSessionsInParallelWithUsage(t *testing.T) {
	answer := llm.Final("hi")
	answer.Response.Usage = llm.Usage{InputTokens: 7, OutputTokens: 1}
	d := newDriver(llm.NewScripted(answer).Repeating(), &fakeTools{})

	var wg sync.WaitGroup
	sessions := make([]*session.Session, 8)
	for i := range sessions {
		sessions[i] = session.New("")
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			for range 5 {
				_, err := d.Run(context.Background(), "hello", s)
				assert.NoError(t, err)
			}
		}(sessions[i])
	}
	wg.Wait()

	for _, s := range sessions {
		assert.Equal(t, 10, s.GetLength())
		assert.Equal(t, int64(35), s.Usage.InputTokens)
	}
}

func TestRunReadFileMarksFileRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("remember the milk"), 0o644))

	registry := tools.NewRegistry(nil)
	registry.Register(tools.NewReadFileTool(&config.FilesystemAccess{}))

	provider := llm.NewScripted(llm.Call("t1", "read_file", map[string]any{"path": path}), llm.Final("ok"))
	d := newDriver(provider, registry)
	sess := session.New("n")

	res, err := d.Run(context.Background(), "read my notes", sess)
	require.NoError(t, err)
	d.Manager().Wait()

	require.Len(t, res.ToolResults, 1)
	assert.Contains(t, res.ToolResults[0].Content, "remember the milk")
	assert.True(t, sess.HasReadFile(path))
}

func TestRunSecondTurnContinuesHistory(t *testing.T) {
	provider := llm.NewScripted(llm.Final("one"), llm.Call("t1", "grep", nil), llm.Final("two"))
	d := newDriver(provider, &fakeTools{})
	sess := session.New("o")

	_, err := d.Run(context.Background(), "first", sess)
	require.NoError(t, err)
	res, err := d.Run(context.Background(), "second", sess)
	require.NoError(t, err)
	d.Manager().Wait()

	assert.Equal(t, "two", res.ResponseText)
	assert.Equal(t, 6, sess.GetLength())
	assert.Len(t, provider.Requests()[1].Entries, 3)
}
