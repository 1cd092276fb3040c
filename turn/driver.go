package turn

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/m4xw311/turnengine/conversation"
	"github.com/m4xw311/turnengine/errors"
	"github.com/m4xw311/turnengine/execution"
	"github.com/m4xw311/turnengine/llm"
	"github.com/m4xw311/turnengine/permission"
	"github.com/m4xw311/turnengine/session"
	"github.com/m4xw311/turnengine/tools"
)

// AbortedResponse is the response text of every cancelled turn.
const AbortedResponse = "Request cancelled."

// DefaultMaxIterations bounds model calls per turn when none is configured.
const DefaultMaxIterations = 25

// ErrMaxIterations ends a turn whose model keeps selecting tools.
var ErrMaxIterations = errors.Sentinel("maximum iterations reached")

// ToolRunner is the part of tools.Registry the driver needs.
type ToolRunner interface {
	Describe() []tools.Description
	Execute(ctx context.Context, toolID, invocationID string, args map[string]any, ec tools.ExecContext) (string, error)
}

// Result is the outcome of one Run.
type Result struct {
	ResponseText string
	Aborted      bool
	ToolResults  []conversation.ToolResult
	Iterations   int
	State        State
}

// Driver runs turns against sessions. A Driver holds no per-turn state
// and may serve many sessions at once; each session runs one turn at a
// time.
type Driver struct {
	adapter       *llm.CallAdapter
	tools         ToolRunner
	manager       *execution.Manager
	policy        permission.Policy
	maxIterations int
	system        string
	temperature   float64
	maxTokens     int
	logger        *zap.Logger
}

type Option func(*Driver)

func WithManager(m *execution.Manager) Option {
	return func(d *Driver) { d.manager = m }
}

func WithPolicy(p permission.Policy) Option {
	return func(d *Driver) { d.policy = p }
}

func WithMaxIterations(n int) Option {
	return func(d *Driver) { d.maxIterations = n }
}

func WithSystemPrompt(system string) Option {
	return func(d *Driver) { d.system = system }
}

func WithTemperature(t float64) Option {
	return func(d *Driver) { d.temperature = t }
}

func WithMaxTokens(n int) Option {
	return func(d *Driver) { d.maxTokens = n }
}

func WithLogger(logger *zap.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDriver returns a driver that runs every tool without asking unless
// a policy is supplied.
func NewDriver(adapter *llm.CallAdapter, runner ToolRunner, opts ...Option) *Driver {
	d := &Driver{
		adapter:       adapter,
		tools:         runner,
		policy:        permission.AllowAll,
		maxIterations: DefaultMaxIterations,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.manager == nil {
		d.manager = execution.NewManager(execution.WithLogger(d.logger))
	}
	if d.maxIterations <= 0 {
		d.maxIterations = DefaultMaxIterations
	}
	return d
}

// Manager returns the execution manager recording this driver's tools.
func (d *Driver) Manager() *execution.Manager { return d.manager }

// Run executes one turn for query. A cancelled turn returns
// AbortedResponse with Aborted set and a nil error. A fatal failure
// returns the error and its message as the response text.
func (d *Driver) Run(ctx context.Context, query string, sess *session.Session) (res Result, err error) {
	turnCtx, end, err := sess.BeginTurn(ctx)
	if err != nil {
		return Result{ResponseText: err.Error(), State: Idle}, err
	}
	defer end()

	r := &run{
		Driver: d,
		sess:   sess,
		state:  Idle,
		logger: d.logger.With(zap.String("session", sess.ID)),
	}
	defer r.finish(&res, &err)

	if err := sess.Window.Append(conversation.UserText(query)); err != nil {
		return r.fail(err)
	}
	if err := r.dispatch(UserMessage()); err != nil {
		return r.fail(err)
	}

	for !r.state.Terminal() {
		if turnCtx.Err() != nil {
			return r.abort(turnCtx)
		}
		switch {
		case r.state.WaitingForModel():
			if err := r.callModel(turnCtx); err != nil {
				if turnCtx.Err() != nil {
					return r.abort(turnCtx)
				}
				return r.fail(err)
			}
		case r.state.Phase == PhaseWaitingForToolResult:
			if err := r.runTool(turnCtx); err != nil {
				return r.fail(err)
			}
		default:
			return r.fail(fmt.Errorf("%w: no step for state=%s", ErrInvalidTransition, r.state))
		}
	}
	return r.result(r.response, false), nil
}

// run is the state of one turn.
type run struct {
	*Driver
	sess   *session.Session
	state  State
	logger *zap.Logger

	pending    conversation.ToolInvocation
	response   string
	iterations int
	results    []conversation.ToolResult
	executions int
}

func (r *run) dispatch(e Event) error {
	next, err := Transition(r.state, e)
	if err != nil {
		return err
	}
	r.logger.Debug("turn transition",
		zap.Stringer("from", r.state),
		zap.Stringer("event", e),
		zap.Stringer("to", next))
	r.state = next
	return nil
}

func (r *run) callModel(ctx context.Context) error {
	if r.iterations >= r.maxIterations {
		return errors.Wrapf(ErrMaxIterations, "limit=%d", r.maxIterations)
	}
	r.iterations++

	resp, err := r.adapter.Call(ctx, r.sess, llm.Request{
		System:      r.system,
		Temperature: r.temperature,
		MaxTokens:   r.maxTokens,
		Tools:       r.tools.Describe(),
	})
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	if resp.ToolCall != nil {
		call := *resp.ToolCall
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		if err := r.sess.Window.Append(conversation.Invocation(call.ID, call.Name, call.Args)); err != nil {
			return err
		}
		r.pending = call
		return r.dispatch(ModelToolCall(call.ID))
	}

	if err := r.sess.Window.Append(conversation.AssistantText(resp.Text)); err != nil {
		return err
	}
	r.response = resp.Text
	return r.dispatch(ModelFinal())
}

// runTool executes the pending invocation. Whatever happens, a result
// entry answering it is appended before returning.
func (r *run) runTool(ctx context.Context) (err error) {
	call := r.pending
	result := conversation.ToolResult{InvocationID: call.ID, Name: call.Name, Aborted: true}

	defer func() {
		if aerr := r.sess.Window.Append(conversation.Result(result)); aerr != nil {
			err = errors.Join(err, aerr)
			return
		}
		r.results = append(r.results, result)
		if derr := r.dispatch(ToolFinished(call.ID)); derr != nil {
			err = errors.Join(err, derr)
		}
	}()

	rec := r.manager.Create(r.sess.ID, call.Name, call.Name, call.Args)
	r.executions++
	logger := r.logger.With(
		zap.String("tool", call.Name),
		zap.String("call", call.Summary()),
		zap.String("invocation_id", call.ID),
		zap.String("execution_id", rec.ID))

	outcome, err := r.execute(ctx, rec.ID, call, logger)
	if err != nil {
		return err
	}
	result = outcome
	return nil
}

type toolOutcome struct {
	output string
	err    error
}

func (r *run) execute(ctx context.Context, execID string, call conversation.ToolInvocation, logger *zap.Logger) (conversation.ToolResult, error) {
	result := conversation.ToolResult{InvocationID: call.ID, Name: call.Name}
	aborted := func() (conversation.ToolResult, error) {
		if _, err := r.manager.Abort(execID); err != nil {
			logger.Debug("abort after cancellation", zap.Error(err))
		}
		logger.Info("tool aborted", zap.Error(context.Cause(ctx)))
		result.Aborted = true
		return result, nil
	}

	if r.policy.ShouldRequirePermission(call.Name) {
		perm, err := r.manager.RequestPermission(execID)
		if err != nil {
			return result, err
		}
		granted, err := r.manager.AwaitPermission(ctx, perm.ID)
		if err != nil || ctx.Err() != nil {
			return aborted()
		}
		if !granted {
			logger.Info("permission denied")
			result.Error = execution.PermissionDeniedMessage
			return result, nil
		}
	} else if _, err := r.manager.Start(execID); err != nil {
		return result, err
	}

	if ctx.Err() != nil {
		return aborted()
	}

	start := time.Now()
	done := make(chan toolOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- toolOutcome{err: fmt.Errorf("tool %s panicked: %v", call.Name, p)}
			}
		}()
		out, err := r.tools.Execute(ctx, call.Name, call.ID, call.Args, tools.ExecContext{
			SessionID: r.sess.ID,
			Files:     r.sess.Window,
		})
		done <- toolOutcome{output: out, err: err}
	}()

	var o toolOutcome
	select {
	case o = <-done:
	case <-ctx.Done():
		return aborted()
	}
	if ctx.Err() != nil {
		return aborted()
	}

	if o.err != nil {
		logger.Info("tool failed", zap.Error(o.err))
		if _, err := r.manager.Fail(execID, o.err); err != nil {
			return result, err
		}
		result.Error = o.err.Error()
		return result, nil
	}
	if _, err := r.manager.Complete(execID, o.output, time.Since(start)); err != nil {
		return result, err
	}
	logger.Debug("tool completed", zap.Int("bytes", len(o.output)))
	result.Content = o.output
	return result, nil
}

// abort ends the turn. An invocation still waiting for its result gets
// an aborted one so the window stays paired.
func (r *run) abort(ctx context.Context) (Result, error) {
	if r.state.Phase == PhaseWaitingForToolResult {
		result := conversation.ToolResult{InvocationID: r.pending.ID, Name: r.pending.Name, Aborted: true}
		if err := r.sess.Window.Append(conversation.Result(result)); err != nil {
			return r.fail(err)
		}
		r.results = append(r.results, result)
	}
	if err := r.dispatch(AbortRequested()); err != nil {
		return r.fail(err)
	}
	r.logger.Info("turn aborted", zap.Error(context.Cause(ctx)))
	return r.result(AbortedResponse, true), nil
}

func (r *run) fail(err error) (Result, error) {
	return r.result(err.Error(), false), err
}

func (r *run) result(text string, aborted bool) Result {
	return Result{
		ResponseText: text,
		Aborted:      aborted,
		ToolResults:  append([]conversation.ToolResult(nil), r.results...),
		Iterations:   r.iterations,
		State:        r.state,
	}
}

// finish re-validates the window and records the turn's error on the
// session.
func (r *run) finish(res *Result, err *error) {
	if verr := r.sess.Window.Validate(r.state.Terminal()); verr != nil {
		*err = errors.Join(*err, verr)
		res.ResponseText = (*err).Error()
		res.Aborted = false
	}
	r.sess.SetLastError(*err)

	fields := []zap.Field{
		zap.Stringer("state", r.state),
		zap.Int("iterations", r.iterations),
		zap.Int("executions", r.executions),
		zap.Bool("aborted", res.Aborted),
	}
	if *err != nil {
		r.logger.Warn("turn failed", append(fields, zap.Error(*err))...)
		return
	}
	r.logger.Info("turn finished", fields...)
}
