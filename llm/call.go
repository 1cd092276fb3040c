package llm

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/turnengine/conversation"
	"github.com/m4xw311/turnengine/errors"
	"github.com/m4xw311/turnengine/session"
)

// DefaultMaxContextTokens is used when no limit is configured.
const DefaultMaxContextTokens = 200_000

// CallAdapter sends requests for a session through a Provider. It keeps
// the session's ledger in step with its window, compacts history when
// the window outgrows the budget, retries rate-limited calls and records
// usage.
type CallAdapter struct {
	provider         Provider
	compactor        *conversation.Compactor
	estimator        conversation.Estimator
	backoff          Backoff
	maxContextTokens int
	logger           *zap.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

type AdapterOption func(*CallAdapter)

func WithCompactor(c *conversation.Compactor) AdapterOption {
	return func(a *CallAdapter) { a.compactor = c }
}

func WithEstimator(e conversation.Estimator) AdapterOption {
	return func(a *CallAdapter) { a.estimator = e }
}

func WithBackoff(b Backoff) AdapterOption {
	return func(a *CallAdapter) { a.backoff = b }
}

func WithMaxContextTokens(n int) AdapterOption {
	return func(a *CallAdapter) { a.maxContextTokens = n }
}

func WithLogger(logger *zap.Logger) AdapterOption {
	return func(a *CallAdapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithSleep replaces the backoff wait. The function must return early
// with the context's cause when ctx is done.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) AdapterOption {
	return func(a *CallAdapter) { a.sleep = sleep }
}

// WithJitter replaces the jitter source; it must return values in [0, 1).
func WithJitter(jitter func() float64) AdapterOption {
	return func(a *CallAdapter) { a.jitter = jitter }
}

func NewCallAdapter(provider Provider, opts ...AdapterOption) *CallAdapter {
	a := &CallAdapter{
		provider:         provider,
		estimator:        conversation.NewCharEstimator(),
		backoff:          Backoff{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 5},
		maxContextTokens: DefaultMaxContextTokens,
		logger:           zap.NewNop(),
		sleep:            sleepContext,
		jitter:           rand.Float64,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.compactor == nil {
		a.compactor = conversation.NewCompactor(a.logger)
	}
	return a
}

// Ceiling is the token budget history is compacted down to.
func (a *CallAdapter) Ceiling() int {
	return a.maxContextTokens / 2
}

// Call sends req with the session's current entries. Cancellation of
// ctx ends the call immediately with an error matching ErrCancelled and
// the context's cause; it is never retried.
func (a *CallAdapter) Call(ctx context.Context, sess *session.Session, req Request) (*Response, error) {
	if ctx.Err() != nil {
		return nil, cancelled(ctx)
	}

	sess.Ledger.Sync(sess.GetMessages(), a.estimator)
	if sess.GetLength() > 2 && sess.Ledger.Total() > a.Ceiling() {
		if _, err := a.compact(sess, "proactive", a.Ceiling()); err != nil {
			return nil, err
		}
	}

	compactedForLength := false
	rateLimited := 0
	for {
		req.Entries = sess.GetMessages()
		resp, err := a.send(ctx, req)
		if err == nil {
			a.record(sess, req.Entries, resp)
			return resp, nil
		}

		switch {
		case errors.Is(err, ErrCancelled):
			return nil, err

		case errors.Is(err, ErrPromptTooLong) && !compactedForLength:
			compactedForLength = true
			out, cerr := a.compact(sess, "reactive", a.reactiveCeiling(sess))
			if cerr != nil {
				return nil, cerr
			}
			if !out.Trimmed {
				return nil, errors.Wrapf(err, "%s: nothing left to compact", a.provider.Name())
			}
			continue

		case errors.Is(err, ErrRateLimited):
			rateLimited++
			if rateLimited >= a.backoff.MaxAttempts {
				return nil, errors.Wrapf(err, "%s: giving up after %d attempts", a.provider.Name(), rateLimited)
			}
			delay := a.backoff.Delay(rateLimited, a.jitter())
			if hint := RetryAfter(err); hint > delay {
				delay = hint
			}
			a.logger.Warn("model call rate limited",
				zap.String("provider", a.provider.Name()),
				zap.Int("attempt", rateLimited),
				zap.Duration("delay", delay))
			if serr := a.sleep(ctx, delay); serr != nil || ctx.Err() != nil {
				return nil, cancelled(ctx)
			}
			continue

		default:
			return nil, errors.Wrapf(err, "%s", a.provider.Name())
		}
	}
}

// send races the provider against ctx. The provider goroutine reports
// into a buffered channel so it can finish after Call has returned.
func (a *CallAdapter) send(ctx context.Context, req Request) (*Response, error) {
	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := a.provider.Send(ctx, req)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		if r.err == nil && r.resp == nil {
			return nil, errors.New("%s returned no response", a.provider.Name())
		}
		return r.resp, r.err
	case <-ctx.Done():
		return nil, cancelled(ctx)
	}
}

// reactiveCeiling is the budget after a provider rejected the prompt:
// the ceiling, or half the current total when history already fits it.
func (a *CallAdapter) reactiveCeiling(sess *session.Session) int {
	sess.Ledger.Sync(sess.GetMessages(), a.estimator)
	if half := sess.Ledger.Total() / 2; half < a.Ceiling() {
		return half
	}
	return a.Ceiling()
}

func (a *CallAdapter) compact(sess *session.Session, reason string, ceiling int) (conversation.Outcome, error) {
	sess.Ledger.Sync(sess.GetMessages(), a.estimator)
	out, err := a.compactor.Compact(sess.Window, sess.Ledger, ceiling)
	if err != nil {
		return out, errors.Wrapf(err, "%s compaction", reason)
	}
	if out.Trimmed {
		sess.MarkTrimmed()
		a.logger.Info("compacted history",
			zap.String("session", sess.ID),
			zap.String("reason", reason),
			zap.Int("removed", out.Removed),
			zap.Int("reclaimed", out.Reclaimed),
			zap.Int("remaining", out.Remaining),
			zap.Bool("satisfied", out.Satisfied))
	}
	return out, nil
}

func (a *CallAdapter) record(sess *session.Session, sent []conversation.Entry, resp *Response) {
	sess.RecordUsage(session.Usage{
		InputTokens:      resp.Usage.InputTokens,
		OutputTokens:     resp.Usage.OutputTokens,
		CacheReadTokens:  resp.Usage.CacheReadTokens,
		CacheWriteTokens: resp.Usage.CacheWriteTokens,
		Calls:            1,
	})
	if resp.Usage.InputTokens > 0 {
		a.estimator.RecordUsage(sent, resp.Usage.InputTokens)
	}
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}
