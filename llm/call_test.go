package llm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/m4xw311/turnengine/config"
	"github.com/m4xw311/turnengine/conversation"
	"github.com/m4xw311/turnengine/errors"
	"github.com/m4xw311/turnengine/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sleepRecorder struct {
	mu  sync.Mutex
	got []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.got = append(s.got, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.got...)
}

func newTestSession(t *testing.T, entries ...conversation.Entry) *session.Session {
	t.Helper()
	sess := session.New("test")
	for _, e := range entries {
		require.NoError(t, sess.Window.Append(e))
	}
	return sess
}

func noJitter() float64 { return 0 }

func testBackoff() Backoff {
	return Backoff{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 5}
}

func TestCallReturnsResponseAndRecordsUsage(t *testing.T) {
	provider := NewScripted(Step{Response: Response{
		Text:  "It is noon.",
		Usage: Usage{InputTokens: 120, OutputTokens: 8, CacheReadTokens: 4},
	}})
	adapter := NewCallAdapter(provider)
	sess := newTestSession(t, conversation.UserText("What time is it?"))

	resp, err := adapter.Call(context.Background(), sess, Request{System: "be brief"})
	require.NoError(t, err)
	assert.Equal(t, "It is noon.", resp.Text)
	assert.Nil(t, resp.ToolCall)

	assert.Equal(t, int64(120), sess.Usage.InputTokens)
	assert.Equal(t, int64(8), sess.Usage.OutputTokens)
	assert.Equal(t, int64(4), sess.Usage.CacheReadTokens)
	assert.Equal(t, 1, sess.Usage.Calls)

	reqs := provider.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "be brief", reqs[0].System)
	assert.Len(t, reqs[0].Entries, 1)
	assert.Equal(t, 1, sess.Ledger.Len())
}

func TestCallCompactsProactivelyAboveCeiling(t *testing.T) {
	// 220,000 tokens against a 100,000 ceiling with three pairs worth
	// 150,000 outside the protected tail.
	var entries []conversation.Entry
	var costs []int
	entries = append(entries, conversation.UserText("start"))
	costs = append(costs, 10_000)
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("t%d", i)
		entries = append(entries,
			conversation.Invocation(id, "grep", map[string]any{"pattern": id}),
			conversation.Result(conversation.ToolResult{InvocationID: id, Name: "grep", Content: "match"}))
		costs = append(costs, 25_000, 25_000)
	}
	for i := 0; i < conversation.DefaultProtectedTail; i++ {
		if i%2 == 0 {
			entries = append(entries, conversation.UserText(fmt.Sprintf("question %d", i)))
		} else {
			entries = append(entries, conversation.AssistantText(fmt.Sprintf("answer %d", i)))
		}
		costs = append(costs, 4_000)
	}
	sess := newTestSession(t, entries...)
	sess.Ledger = conversation.NewLedger(costs...)
	require.Equal(t, 220_000, sess.Ledger.Total())

	provider := NewScripted(Final("done"))
	adapter := NewCallAdapter(provider, WithMaxContextTokens(200_000))
	require.Equal(t, 100_000, adapter.Ceiling())

	_, err := adapter.Call(context.Background(), sess, Request{})
	require.NoError(t, err)

	assert.True(t, sess.HistoryTrimmed)
	assert.Equal(t, 70_000, sess.Ledger.Total())
	assert.Equal(t, 1+conversation.DefaultProtectedTail, sess.GetLength())
	for _, e := range sess.GetMessages() {
		assert.False(t, e.IsInvocation() || e.IsResult(), "pair left behind: %s", e)
	}
	assert.Len(t, provider.Requests()[0].Entries, 1+conversation.DefaultProtectedTail)
	require.NoError(t, sess.Window.Validate(true))
}

func TestCallSkipsCompactionForShortWindows(t *testing.T) {
	sess := newTestSession(t,
		conversation.UserText("a"),
		conversation.AssistantText("b"))
	sess.Ledger = conversation.NewLedger(900, 900)

	adapter := NewCallAdapter(NewScripted(Final("ok")), WithMaxContextTokens(1000))
	_, err := adapter.Call(context.Background(), sess, Request{})
	require.NoError(t, err)
	assert.False(t, sess.HistoryTrimmed)
	assert.Equal(t, 2, sess.GetLength())
}

func TestCallRetriesRateLimitedWithBackoff(t *testing.T) {
	limited := RateLimited(errors.New("429 too many requests"), 0)
	provider := NewScripted(Fail(limited), Fail(limited), Final("ok"))
	rec := &sleepRecorder{}
	adapter := NewCallAdapter(provider,
		WithBackoff(testBackoff()),
		WithSleep(rec.sleep),
		WithJitter(noJitter))
	sess := newTestSession(t, conversation.UserText("hi"))

	resp, err := adapter.Call(context.Background(), sess, Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 3, provider.Calls())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 150 * time.Millisecond}, rec.durations())
}

func TestCallGivesUpAfterMaxAttempts(t *testing.T) {
	limited := RateLimited(errors.New("529 overloaded"), 0)
	provider := NewScripted(Fail(limited)).Repeating()
	rec := &sleepRecorder{}
	b := testBackoff()
	b.MaxAttempts = 3
	adapter := NewCallAdapter(provider, WithBackoff(b), WithSleep(rec.sleep), WithJitter(noJitter))
	sess := newTestSession(t, conversation.UserText("hi"))

	_, err := adapter.Call(context.Background(), sess, Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
	assert.Equal(t, 3, provider.Calls())
	assert.Len(t, rec.durations(), 2)
	assert.Equal(t, 0, sess.Usage.Calls)
}

func TestCallHonoursLargerRetryAfter(t *testing.T) {
	provider := NewScripted(
		Fail(RateLimited(errors.New("slow down"), 5*time.Second)),
		Fail(RateLimited(errors.New("slow down"), time.Millisecond)),
		Final("ok"))
	rec := &sleepRecorder{}
	adapter := NewCallAdapter(provider, WithBackoff(testBackoff()), WithSleep(rec.sleep), WithJitter(noJitter))
	sess := newTestSession(t, conversation.UserText("hi"))

	_, err := adapter.Call(context.Background(), sess, Request{})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second, 150 * time.Millisecond}, rec.durations())
}

func TestCallPromptTooLongCompactsAndRetriesOnce(t *testing.T) {
	entries := []conversation.Entry{
		conversation.UserText("start"),
		conversation.Invocation("t1", "read_file", map[string]any{"path": "big.log"}),
		conversation.Result(conversation.ToolResult{InvocationID: "t1", Name: "read_file", Content: "lots of text"}),
	}
	costs := []int{10, 100, 100}
	for i := 0; i < conversation.DefaultProtectedTail; i++ {
		if i%2 == 0 {
			entries = append(entries, conversation.UserText(fmt.Sprintf("q%d", i)))
		} else {
			entries = append(entries, conversation.AssistantText(fmt.Sprintf("a%d", i)))
		}
		costs = append(costs, 15)
	}
	sess := newTestSession(t, entries...)
	sess.Ledger = conversation.NewLedger(costs...)
	before := sess.Ledger.Total()

	provider := NewScripted(Fail(PromptTooLong(errors.New("prompt is too long"))), Final("ok"))
	adapter := NewCallAdapter(provider, WithMaxContextTokens(2000))

	resp, err := adapter.Call(context.Background(), sess, Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 2, provider.Calls())
	assert.True(t, sess.HistoryTrimmed)
	assert.Less(t, sess.Ledger.Total(), before)

	reqs := provider.Requests()
	assert.Less(t, len(reqs[1].Entries), len(reqs[0].Entries))
	for _, e := range reqs[1].Entries {
		assert.False(t, e.IsInvocation(), "invocation survived reactive compaction")
	}
	require.NoError(t, sess.Window.Validate(true))
}

func TestCallPromptTooLongPropagatesAfterRetry(t *testing.T) {
	tooLong := PromptTooLong(errors.New("prompt is too long"))
	provider := NewScripted(Fail(tooLong)).Repeating()
	sess := newTestSession(t,
		conversation.UserText("a"),
		conversation.AssistantText("b"),
		conversation.UserText("c"),
		conversation.AssistantText("d"),
		conversation.UserText("e"))
	adapter := NewCallAdapter(provider)

	_, err := adapter.Call(context.Background(), sess, Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPromptTooLong))
	assert.Equal(t, 2, provider.Calls())
}

func TestCallPromptTooLongWithNothingToCompact(t *testing.T) {
	provider := NewScripted(Fail(PromptTooLong(errors.New("input is too long")))).Repeating()
	sess := newTestSession(t, conversation.UserText("one enormous question"))
	adapter := NewCallAdapter(provider)

	_, err := adapter.Call(context.Background(), sess, Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPromptTooLong))
	assert.Contains(t, err.Error(), "nothing left to compact")
	assert.Equal(t, 1, provider.Calls())
	assert.False(t, sess.HistoryTrimmed)
}

func TestCallOtherErrorsPropagateImmediately(t *testing.T) {
	provider := NewScripted(Fail(errors.New("invalid api key")), Final("never"))
	adapter := NewCallAdapter(provider)
	sess := newTestSession(t, conversation.UserText("hi"))

	_, err := adapter.Call(context.Background(), sess, Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scripted")
	assert.Contains(t, err.Error(), "invalid api key")
	assert.False(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, 1, provider.Calls())
}

func TestCallCancelledDuringSend(t *testing.T) {
	userAbort := errors.Sentinel("user pressed ctrl-c")
	provider := NewScripted(Step{Block: true}, Final("never"))
	adapter := NewCallAdapter(provider)
	sess := newTestSession(t, conversation.UserText("hi"))

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	time.AfterFunc(20*time.Millisecond, func() { cancel(userAbort) })

	start := time.Now()
	_, err := adapter.Call(ctx, sess, Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.True(t, errors.Is(err, userAbort))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, provider.Calls())
	assert.Equal(t, 0, sess.Usage.Calls)
}

func TestCallCancelledDuringBackoff(t *testing.T) {
	provider := NewScripted(Fail(RateLimited(errors.New("busy"), 0)), Final("never"))
	b := testBackoff()
	b.BaseDelay = time.Hour
	b.MaxDelay = time.Hour
	adapter := NewCallAdapter(provider, WithBackoff(b))
	sess := newTestSession(t, conversation.UserText("hi"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := adapter.Call(ctx, sess, Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, provider.Calls())
}

func TestCallWithCancelledContextNeverSends(t *testing.T) {
	provider := NewScripted(Final("never"))
	adapter := NewCallAdapter(provider)
	sess := newTestSession(t, conversation.UserText("hi"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := adapter.Call(ctx, sess, Request{})
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, provider.Calls())
}

func TestCallCalibratesEstimator(t *testing.T) {
	est := conversation.NewCharEstimator()
	provider := NewScripted(Step{Response: Response{Text: "ok", Usage: Usage{InputTokens: 5}}})
	adapter := NewCallAdapter(provider, WithEstimator(est))
	sess := newTestSession(t, conversation.UserText("a fairly long question about the weather"))

	_, err := adapter.Call(context.Background(), sess, Request{})
	require.NoError(t, err)
	assert.NotEqual(t, 4.0, est.Ratio())
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{BaseDelay: time.Second, MaxDelay: 3 * time.Second, MaxAttempts: 5}

	assert.Equal(t, time.Second, b.Delay(1, 0))
	assert.Equal(t, 1500*time.Millisecond, b.Delay(2, 0))
	assert.Equal(t, 2250*time.Millisecond, b.Delay(3, 0))
	assert.Equal(t, 3*time.Second, b.Delay(4, 0), "capped")
	assert.Equal(t, time.Second, b.Delay(0, 0), "attempts below one count as one")

	jittered := b.Delay(1, 0.5)
	assert.Equal(t, 1150*time.Millisecond, jittered)
	assert.Less(t, b.Delay(1, 0.999), 1300*time.Millisecond)
}

func TestBackoffFromConfigAndSleep(t *testing.T) {
	b := BackoffFromConfig(config.Retry{BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second, MaxAttempts: 4})
	assert.Equal(t, Backoff{BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second, MaxAttempts: 4}, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
}
