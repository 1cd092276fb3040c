package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/m4xw311/turnengine/config"
	"github.com/m4xw311/turnengine/errors"
)

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	fsAccess *config.FilesystemAccess
}

func NewReadFileTool(fsAccess *config.FilesystemAccess) *ReadFileTool {
	return &ReadFileTool{fsAccess: fsAccess}
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a file."
}

func (t *ReadFileTool) Schema() map[string]any {
	return objectSchema([]string{"path"}, map[string]any{
		"path": map[string]any{"type": "string", "description": "Path of the file to read."},
	})
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, ok := stringArg(args, "path")
	if !ok || path == "" {
		return "", errors.New("missing or invalid 'path' argument")
	}
	path = filepath.Clean(path)

	hidden, err := isPathRestricted(path, t.fsAccess.Hidden)
	if err != nil {
		return "", err
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	if ec, ok := ExecContextFrom(ctx); ok && ec.Files != nil {
		ec.Files.MarkFileRead(path)
	}
	return string(content), nil
}

// WriteFileTool implements the tool for writing to a file. An existing
// file may only be replaced after it was read in the same session.
type WriteFileTool struct {
	fsAccess *config.FilesystemAccess
}

func NewWriteFileTool(fsAccess *config.FilesystemAccess) *WriteFileTool {
	return &WriteFileTool{fsAccess: fsAccess}
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely. Existing files must be read first."
}

func (t *WriteFileTool) Schema() map[string]any {
	return objectSchema([]string{"path", "content"}, map[string]any{
		"path":    map[string]any{"type": "string", "description": "Path of the file to write."},
		"content": map[string]any{"type": "string", "description": "Full new content of the file."},
	})
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, pathOk := stringArg(args, "path")
	content, contentOk := stringArg(args, "content")
	if !pathOk || !contentOk || path == "" {
		return "", errors.New("missing or invalid 'path' or 'content' arguments")
	}
	path = filepath.Clean(path)

	hidden, err := isPathRestricted(path, t.fsAccess.Hidden)
	if err != nil {
		return "", err
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", path)
	}

	readOnly, err := isPathRestricted(path, t.fsAccess.ReadOnly)
	if err != nil {
		return "", err
	}
	if readOnly {
		return "", errors.New("access denied: path '%s' is read-only", path)
	}

	if _, err := os.Stat(path); err == nil {
		if ec, ok := ExecContextFrom(ctx); ok && ec.Files != nil && !ec.Files.HasReadFile(path) {
			return "", errors.New("file '%s' exists and has not been read in this session; read it before overwriting", path)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", errors.Wrapf(err, "failed to create directory '%s'", dir)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	if ec, ok := ExecContextFrom(ctx); ok && ec.Files != nil {
		ec.Files.MarkFileRead(path)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}
