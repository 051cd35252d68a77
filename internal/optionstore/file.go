package optionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrCorruptedState      = errors.New("state file is corrupted")
	ErrIncompatibleVersion = errors.New("state file schema version is incompatible")
)

const fileSchemaVer = 1

// fileState is the on-disk layout of the file backend.
type fileState struct {
	SchemaVer int                        `json:"schema_ver"`
	Options   map[string]json.RawMessage `json:"options"`
}

// File is a Store persisted to a single JSON file. Every mutation rewrites
// the file atomically (temp file + rename), so a killed process never leaves
// a half-written state behind; the next invocation resumes from the last
// fully persisted mutation.
type File struct {
	mu      sync.Mutex
	path    string
	options map[string]json.RawMessage
}

// OpenFile loads the state file at path, creating an empty store if the file
// does not exist yet.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("option store file path is empty")
	}
	f := &File{path: path, options: make(map[string]json.RawMessage)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state fileState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedState, err)
	}
	if state.SchemaVer != fileSchemaVer {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, state.SchemaVer, fileSchemaVer)
	}
	if state.Options != nil {
		f.options = state.Options
	}
	return f, nil
}

func (f *File) Get(_ context.Context, key string, out any) (bool, error) {
	f.mu.Lock()
	raw, ok := f.options[key]
	f.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode option %q: %w", key, err)
	}
	return true, nil
}

func (f *File) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode option %q: %w", key, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.options[key] = raw
	return f.persistLocked()
}

func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.options[key]; !ok {
		return nil
	}
	delete(f.options, key)
	return f.persistLocked()
}

func (f *File) DeletePrefix(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed := false
	for key := range f.options {
		if strings.HasPrefix(key, prefix) {
			delete(f.options, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return f.persistLocked()
}

func (f *File) Close() error { return nil }

// persistLocked rewrites the whole state file atomically. Callers hold f.mu.
func (f *File) persistLocked() error {
	state := fileState{SchemaVer: fileSchemaVer, Options: f.options}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	tmpPath := f.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0644); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}
