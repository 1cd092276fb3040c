package execution

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Previewer renders a short human-readable summary of a finished
// execution for display.
type Previewer interface {
	Preview(rec Record) (string, error)
}

// PreviewFunc adapts a function to Previewer.
type PreviewFunc func(rec Record) (string, error)

func (f PreviewFunc) Preview(rec Record) (string, error) { return f(rec) }

// TruncatingPreviewer keeps the first lines of the result.
type TruncatingPreviewer struct {
	MaxLines int
	MaxBytes int
}

func DefaultPreviewer() TruncatingPreviewer {
	return TruncatingPreviewer{MaxLines: 8, MaxBytes: 1024}
}

func (p TruncatingPreviewer) Preview(rec Record) (string, error) {
	text := rec.Result
	if rec.Status == StatusError {
		text = rec.Error
	}
	text = strings.TrimSpace(text)

	lines := strings.Split(text, "\n")
	truncated := false
	if p.MaxLines > 0 && len(lines) > p.MaxLines {
		lines = lines[:p.MaxLines]
		truncated = true
	}
	out := strings.Join(lines, "\n")
	if p.MaxBytes > 0 && len(out) > p.MaxBytes {
		cut := p.MaxBytes
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
		truncated = true
	}
	if truncated {
		out += fmt.Sprintf("\n... (%s, %d bytes total)", rec.ToolName, len(text))
	}
	return out, nil
}
