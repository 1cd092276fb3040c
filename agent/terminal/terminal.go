package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/m4xw311/turnengine/agent"
	"github.com/m4xw311/turnengine/execution"
	"github.com/m4xw311/turnengine/session"
	"github.com/m4xw311/turnengine/turn"
)

// Terminal handles the terminal/CLI interaction mode for the agent
type Terminal struct {
	agent   *agent.Agent
	sess    *session.Session
	in      *bufio.Scanner
	prompts chan execution.PermissionRequest

	// lines carries input read by a separate goroutine so a permission
	// prompt can give way to a turn that ended while it was waiting.
	lines   chan string
	stop    chan struct{}
	readErr error

	mu  sync.Mutex
	out io.Writer
}

// New creates a terminal serving sess, reading user input from in and
// writing the conversation to out.
func New(a *agent.Agent, sess *session.Session, in io.Reader, out io.Writer) *Terminal {
	return &Terminal{
		agent:   a,
		sess:    sess,
		in:      bufio.NewScanner(in),
		out:     out,
		prompts: make(chan execution.PermissionRequest, 1),
		lines:   make(chan string),
		stop:    make(chan struct{}),
	}
}

// Run starts the interactive terminal session
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	defer t.subscribe()()
	go t.read()
	defer close(t.stop)

	if initialPrompt != "" {
		t.processTurn(ctx, initialPrompt)
	}

	for {
		t.printf("You: ")
		var line string
		var ok bool
		select {
		case line, ok = <-t.lines:
		case <-ctx.Done():
			return nil
		}
		if !ok {
			// read has finished, so readErr is settled.
			return t.readErr
		}

		userInput := strings.TrimSpace(line)
		if userInput == "" {
			continue
		}
		if userInput == "/quit" || userInput == "/exit" {
			return nil
		}
		t.processTurn(ctx, userInput)
	}
}

// read feeds input lines to t.lines until the input ends or Run returns.
func (t *Terminal) read() {
	defer close(t.lines)
	for t.in.Scan() {
		select {
		case t.lines <- t.in.Text():
		case <-t.stop:
			return
		}
	}
	t.readErr = t.in.Err()
}

// subscribe attaches the terminal to the execution manager and returns
// the function detaching it.
func (t *Terminal) subscribe() func() {
	m := t.agent.Manager()
	mine := func(e execution.Event) bool { return e.Execution.SessionID == t.sess.ID }

	offs := []func(){
		m.On(execution.EventPermissionRequested, func(e execution.Event) {
			if mine(e) && e.Permission != nil {
				t.prompts <- *e.Permission
			}
		}),
		m.On(execution.EventCreated, func(e execution.Event) {
			if !mine(e) {
				return
			}
			switch t.agent.Verbosity {
			case agent.ToolVerbosityAll:
				t.printf("Calling tool `%s` with args: %v\n", e.Execution.ToolID, e.Execution.Args)
			case agent.ToolVerbosityInfo:
				t.printf("Calling tool `%s`\n", e.Execution.ToolID)
			}
		}),
		m.On(execution.EventCompleted, func(e execution.Event) {
			if mine(e) && t.agent.Verbosity == agent.ToolVerbosityAll {
				t.printf("Tool `%s` output: %s\n", e.Execution.ToolID, e.Execution.Result)
			}
		}),
		m.On(execution.EventError, func(e execution.Event) {
			if mine(e) && t.agent.Verbosity != agent.ToolVerbosityNone {
				t.printf("Tool `%s` failed: %s\n", e.Execution.ToolID, e.Execution.Error)
			}
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

type outcome struct {
	res turn.Result
	err error
}

// processTurn runs one turn in the background and answers its permission
// requests from the terminal input until it finishes.
func (t *Terminal) processTurn(ctx context.Context, userInput string) {
	done := make(chan outcome, 1)
	go func() {
		res, err := t.agent.Run(ctx, t.sess, userInput)
		done <- outcome{res: res, err: err}
	}()

	for {
		select {
		case o := <-done:
			t.drainPrompts()
			t.report(o)
			return
		case perm := <-t.prompts:
			if o, ended := t.ask(perm, done); ended {
				t.printf("\n")
				t.drainPrompts()
				t.report(o)
				return
			}
		}
	}
}

// ask reads the answer to perm. It reports ended when the turn finished
// first, for example because it was cancelled; the question is then
// dropped unanswered.
func (t *Terminal) ask(perm execution.PermissionRequest, done <-chan outcome) (outcome, bool) {
	t.printf("Allow tool `%s`", perm.ToolID)
	if t.agent.Verbosity == agent.ToolVerbosityAll {
		t.printf(" with args %v", perm.Args)
	}
	t.printf("? (y/n): ")

	granted := false
	select {
	case line, ok := <-t.lines:
		if ok {
			answer := strings.ToLower(strings.TrimSpace(line))
			granted = answer == "y" || answer == "yes"
		}
	case o := <-done:
		return o, true
	}
	if _, err := t.agent.Manager().ResolvePermission(perm.ID, granted); err != nil {
		// The turn was cancelled while waiting for the answer.
		t.printf("Warning: %v\n", err)
	}
	return outcome{}, false
}

// drainPrompts drops requests left over by a turn that was cancelled
// before they were answered.
func (t *Terminal) drainPrompts() {
	for {
		select {
		case <-t.prompts:
		default:
			return
		}
	}
}

func (t *Terminal) report(o outcome) {
	if o.err != nil {
		t.printf("Error: %v\n", o.err)
		return
	}
	t.printf("Agent: %s\n", o.res.ResponseText)
}

// printf serializes output written from tool listeners and the input loop.
func (t *Terminal) printf(format string, a ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, a...)
}
