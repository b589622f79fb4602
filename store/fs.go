// ABOUTME: Filesystem-backed CheckpointStore: one directory per run with run.json and tasks/<id>.json.
// ABOUTME: Every file is written via temp file + rename so a crash never leaves a torn checkpoint.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/2389-research/pipewright/engine"
)

const (
	runFile  = "run.json"
	tasksDir = "tasks"
)

// FS is a filesystem-backed CheckpointStore rooted at a base directory.
type FS struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFS creates a store rooted at baseDir, creating the directory if needed.
func NewFS(baseDir string) (*FS, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &FS{baseDir: baseDir}, nil
}

// RunDir returns the directory holding a run's files.
func (s *FS) RunDir(runID string) string {
	return filepath.Join(s.baseDir, url.PathEscape(runID))
}

// SaveRun writes run.json, creating the run directory on first save.
func (s *FS) SaveRun(_ context.Context, h engine.RunHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runDir := s.RunDir(h.RunID)
	if err := os.MkdirAll(filepath.Join(runDir, tasksDir), 0755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(runDir, runFile), newHeaderRecord(h)); err != nil {
		return fmt.Errorf("write %s: %w", runFile, err)
	}
	return nil
}

// Save writes tasks/<taskID>.json. The run header must have been saved first.
func (s *FS) Save(_ context.Context, runID, taskID string, t engine.TaskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.RunDir(runID), tasksDir)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("save task %q: %w: %s", taskID, engine.ErrRunNotFound, runID)
	}
	path := filepath.Join(dir, url.PathEscape(taskID)+".json")
	if err := writeJSONAtomic(path, newTaskRecord(t)); err != nil {
		return fmt.Errorf("write task %q: %w", taskID, err)
	}
	return nil
}

// Load reads a run and all its task files.
func (s *FS) Load(_ context.Context, runID string) (*engine.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runDir := s.RunDir(runID)
	var hr headerRecord
	if err := readJSON(filepath.Join(runDir, runFile), &hr); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", engine.ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("read %s for %q: %w", runFile, runID, err)
	}

	entries, err := os.ReadDir(filepath.Join(runDir, tasksDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read tasks for %q: %w", runID, err)
	}

	rs := &engine.RunState{RunHeader: hr.header(), Tasks: make(map[string]*engine.TaskState, len(entries))}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		var tr taskRecord
		if err := readJSON(filepath.Join(runDir, tasksDir, name), &tr); err != nil {
			return nil, fmt.Errorf("read task file %s for %q: %w", name, runID, err)
		}
		t := tr.state()
		rs.Tasks[t.NodeID] = &t
	}
	return rs, nil
}

// List returns the headers of every stored run, most recently started first.
// Directories without a readable run.json are skipped.
func (s *FS) List(_ context.Context) ([]engine.RunHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read base dir: %w", err)
	}
	var out []engine.RunHeader
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var hr headerRecord
		if err := readJSON(filepath.Join(s.baseDir, entry.Name(), runFile), &hr); err != nil {
			continue
		}
		out = append(out, hr.header())
	}
	sortHeaders(out)
	return out, nil
}

// Delete removes a run and all its files.
func (s *FS) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	runDir := s.RunDir(runID)
	if _, err := os.Stat(runDir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", engine.ErrRunNotFound, runID)
	}
	return os.RemoveAll(runDir)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSONAtomic writes a JSON-encoded value to a file using a temp file + rename for atomicity.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
