package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/m4xw311/turnengine/config"
	"github.com/m4xw311/turnengine/errors"
)

const (
	grepMaxMatches  = 200
	grepMaxLineSize = 512
	grepMaxScanLine = 1024 * 1024
)

var errGrepLimit = errors.Sentinel("grep match limit reached")

// GrepTool searches file contents with a regular expression.
type GrepTool struct {
	fsAccess *config.FilesystemAccess
}

func NewGrepTool(fsAccess *config.FilesystemAccess) *GrepTool {
	return &GrepTool{fsAccess: fsAccess}
}

func (t *GrepTool) Name() string { return "grep" }
func (t *GrepTool) Description() string {
	return "Searches files for lines matching a regular expression. Returns path:line: text for each match."
}

func (t *GrepTool) Schema() map[string]any {
	return objectSchema([]string{"pattern"}, map[string]any{
		"pattern": map[string]any{"type": "string", "description": "Go regular expression to search for."},
		"path":    map[string]any{"type": "string", "description": "Directory to search. Defaults to the working directory."},
		"include": map[string]any{"type": "string", "description": "Glob of files to search, e.g. **/*.go. Defaults to all files."},
	})
}

func (t *GrepTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	pattern, ok := stringArg(args, "pattern")
	if !ok || pattern == "" {
		return "", errors.New("missing or invalid 'pattern' argument")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", errors.Wrapf(err, "invalid pattern '%s'", pattern)
	}
	root, _ := stringArg(args, "path")
	if root == "" {
		root = "."
	}
	root = filepath.Clean(root)
	include, _ := stringArg(args, "include")
	if include == "" {
		include = "**"
	}
	if !doublestar.ValidatePattern(include) {
		return "", errors.New("invalid include glob '%s'", include)
	}

	var matches []string
	truncated := false
	walkErr := doublestar.GlobWalk(os.DirFS(root), include, func(rel string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(root, rel)
		if hidden, err := isPathRestricted(path, t.fsAccess.Hidden); err != nil {
			return err
		} else if hidden {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		found, err := grepFile(path, re, grepMaxMatches-len(matches))
		if err != nil {
			// Unreadable files are skipped.
			return nil
		}
		matches = append(matches, found...)
		if len(matches) >= grepMaxMatches {
			truncated = true
			return errGrepLimit
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errGrepLimit) {
		if ctx.Err() != nil {
			return "", errors.Wrapf(context.Cause(ctx), "grep interrupted")
		}
		return "", errors.Wrapf(walkErr, "grep failed under '%s'", root)
	}

	if len(matches) == 0 {
		return "No matches found.", nil
	}
	out := strings.Join(matches, "\n")
	if truncated {
		out += fmt.Sprintf("\n(results truncated at %d matches)", grepMaxMatches)
	}
	return out, nil
}

func grepFile(path string, re *regexp.Regexp, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), grepMaxScanLine)
	line := 0
	for scanner.Scan() && len(out) < limit {
		line++
		text := scanner.Text()
		if strings.IndexByte(text, 0) >= 0 {
			// Binary file.
			return nil, nil
		}
		if !re.MatchString(text) {
			continue
		}
		out = append(out, fmt.Sprintf("%s:%d: %s", filepath.ToSlash(path), line, clipLine(text)))
	}
	if err := scanner.Err(); err != nil {
		if !errors.Is(err, bufio.ErrTooLong) {
			return out, err
		}
		// Matches before the oversized line are kept.
		out = append(out, fmt.Sprintf("%s:%d: (line longer than %d bytes, rest of file skipped)",
			filepath.ToSlash(path), line+1, grepMaxScanLine))
	}
	return out, nil
}

// clipLine shortens text to grepMaxLineSize bytes on a rune boundary.
func clipLine(text string) string {
	if len(text) <= grepMaxLineSize {
		return text
	}
	cut := grepMaxLineSize
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
