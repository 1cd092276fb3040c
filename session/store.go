package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/m4xw311/turnengine/conversation"
	"github.com/m4xw311/turnengine/errors"
	"github.com/m4xw311/turnengine/execution"
)

// ErrNotFound is returned when no saved session has the given name.
var ErrNotFound = errors.Sentinel("session not found")

// FileStore saves sessions as JSON files in one directory: <name>.json
// for the session and <name>.executions.json for its tool executions.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "could not create session directory %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(name, suffix string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", errors.New("invalid session name %q", name)
	}
	return filepath.Join(f.dir, name+suffix), nil
}

// Save writes the session state to disk.
func (f *FileStore) Save(s *Session) error {
	path, err := f.path(s.Name, ".json")
	if err != nil {
		return err
	}
	s.mu.Lock()
	data, err := json.MarshalIndent(s, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session %s", s.Name)
	}
	return writeFile(path, data)
}

// Load reads a session saved under name. The window is re-validated.
func (f *FileStore) Load(name string) (*Session, error) {
	path, err := f.path(name, ".json")
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%s", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session file %s", path)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "could not parse session file %s", path)
	}
	if s.Window == nil {
		s.Window, _ = conversation.NewWindow()
	}
	if s.Ledger == nil || s.Ledger.Len() != s.Window.Len() {
		s.Ledger = conversation.NewLedger()
	}
	if s.Name == "" {
		s.Name = name
	}
	return &s, nil
}

func (f *FileStore) Exists(name string) bool {
	path, err := f.path(name, ".json")
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// SaveExecutions writes the execution records of a session.
func (f *FileStore) SaveExecutions(name string, snap execution.Snapshot) error {
	path, err := f.path(name, ".executions.json")
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize executions for %s", name)
	}
	return writeFile(path, data)
}

// LoadExecutions reads the execution records of a session. A session
// without saved executions yields an empty snapshot.
func (f *FileStore) LoadExecutions(name string) (execution.Snapshot, error) {
	path, err := f.path(name, ".executions.json")
	if err != nil {
		return execution.Snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return execution.Snapshot{}, nil
	}
	if err != nil {
		return execution.Snapshot{}, errors.Wrapf(err, "could not read executions file %s", path)
	}
	var snap execution.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return execution.Snapshot{}, errors.Wrapf(err, "could not parse executions file %s", path)
	}
	return snap, nil
}

// writeFile replaces path atomically.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "could not create temp file for %s", path)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "could not write %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "could not write %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "could not replace %s", path)
	}
	return nil
}
