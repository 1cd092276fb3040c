// Package llm talks to language models. A [Provider] adapts one model API
// to the engine's request and response shape; the [CallAdapter] wraps a
// provider with context-window budgeting, retries and usage accounting.
package llm

import (
	"context"
	"time"

	"github.com/m4xw311/turnengine/conversation"
	"github.com/m4xw311/turnengine/errors"
	"github.com/m4xw311/turnengine/tools"
)

var (
	// ErrRateLimited classifies provider throttling.
	ErrRateLimited = errors.Sentinel("rate limited")
	// ErrPromptTooLong classifies requests that exceed the model context.
	ErrPromptTooLong = errors.Sentinel("prompt too long")
	// ErrCancelled wraps the cause of a cancelled model call.
	ErrCancelled = errors.Sentinel("model call cancelled")
)

// Request is everything a provider needs for one model call.
type Request struct {
	System      string
	Temperature float64
	MaxTokens   int
	Tools       []tools.Description
	Entries     []conversation.Entry
}

// Usage is the token accounting a provider reports for one call.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Response is either a tool selection or final text.
type Response struct {
	Text       string
	ToolCall   *conversation.ToolInvocation
	Usage      Usage
	StopReason string
}

// Provider sends one request to a model API.
type Provider interface {
	Name() string
	Send(ctx context.Context, req Request) (*Response, error)
}

// RetryAfterError carries a provider-supplied wait hint.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }

func (e *RetryAfterError) Unwrap() error { return e.Err }

// RateLimited classifies err as ErrRateLimited, keeping a retry-after
// hint when after is positive.
func RateLimited(err error, after time.Duration) error {
	if after > 0 {
		err = &RetryAfterError{After: after, Err: err}
	}
	return errors.Mark(err, ErrRateLimited)
}

// PromptTooLong classifies err as ErrPromptTooLong.
func PromptTooLong(err error) error {
	return errors.Mark(err, ErrPromptTooLong)
}

// RetryAfter returns the provider wait hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.After
	}
	return 0
}
