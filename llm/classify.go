package llm

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// classifyHTTP maps an HTTP status from a provider SDK error onto the
// engine's error kinds. Errors that fit neither kind are returned as is.
func classifyHTTP(err error, status int, header http.Header) error {
	switch {
	case status == http.StatusTooManyRequests, status == 529:
		return RateLimited(err, parseRetryAfter(header))
	case status == http.StatusRequestEntityTooLarge:
		return PromptTooLong(err)
	case isContextLimitMessage(err.Error()):
		return PromptTooLong(err)
	default:
		return err
	}
}

// isContextLimitMessage recognises the phrasing providers use when a
// request does not fit the context window.
func isContextLimitMessage(msg string) bool {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "prompt is too long"),
		strings.Contains(msg, "prompt too long"),
		strings.Contains(msg, "context_length_exceeded"),
		strings.Contains(msg, "maximum context length"),
		strings.Contains(msg, "context length exceeded"),
		strings.Contains(msg, "exceeds the context window"),
		strings.Contains(msg, "input is too long"),
		strings.Contains(msg, "too many tokens"),
		strings.Contains(msg, "input token count") && strings.Contains(msg, "exceeds"):
		return true
	}
	return false
}

func parseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	if ms := h.Get("retry-after-ms"); ms != "" {
		if v, err := strconv.ParseFloat(ms, 64); err == nil && v > 0 {
			return time.Duration(v * float64(time.Millisecond))
		}
	}
	ra := h.Get("retry-after")
	if ra == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(ra, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(ra); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
