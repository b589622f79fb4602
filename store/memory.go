// ABOUTME: In-memory CheckpointStore for tests and single-process hosts that do not need durability.
// ABOUTME: Stores deep copies so callers can never alias persisted state.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/2389-research/pipewright/engine"
)

// Compile-time interface checks.
var (
	_ engine.CheckpointStore = (*Memory)(nil)
	_ engine.CheckpointStore = (*FS)(nil)
	_ engine.CheckpointStore = (*SQLite)(nil)
	_ engine.ResultCache     = (*SQLite)(nil)
)

// Memory is a map-backed CheckpointStore.
type Memory struct {
	mu      sync.RWMutex
	headers map[string]engine.RunHeader
	tasks   map[string]map[string]engine.TaskState
}

// NewMemory creates an empty memory store.
func NewMemory() *Memory {
	return &Memory{
		headers: make(map[string]engine.RunHeader),
		tasks:   make(map[string]map[string]engine.TaskState),
	}
}

// SaveRun stores the run header.
func (m *Memory) SaveRun(_ context.Context, h engine.RunHeader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers[h.RunID] = h.Clone()
	return nil
}

// Save stores one task state.
func (m *Memory) Save(_ context.Context, runID, taskID string, t engine.TaskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.headers[runID]; !ok {
		return fmt.Errorf("save task %q: %w: %s", taskID, engine.ErrRunNotFound, runID)
	}
	if m.tasks[runID] == nil {
		m.tasks[runID] = make(map[string]engine.TaskState)
	}
	m.tasks[runID][taskID] = t.Clone()
	return nil
}

// Load returns a copy of the stored run.
func (m *Memory) Load(_ context.Context, runID string) (*engine.RunState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.headers[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrRunNotFound, runID)
	}
	rs := &engine.RunState{RunHeader: h.Clone(), Tasks: make(map[string]*engine.TaskState, len(m.tasks[runID]))}
	for id, t := range m.tasks[runID] {
		tc := t.Clone()
		rs.Tasks[id] = &tc
	}
	return rs, nil
}

// List returns all run headers, most recently started first.
func (m *Memory) List(_ context.Context) ([]engine.RunHeader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.RunHeader, 0, len(m.headers))
	for _, h := range m.headers {
		out = append(out, h.Clone())
	}
	sortHeaders(out)
	return out, nil
}

func sortHeaders(hs []engine.RunHeader) {
	sort.Slice(hs, func(i, j int) bool {
		if !hs[i].StartedAt.Equal(hs[j].StartedAt) {
			return hs[i].StartedAt.After(hs[j].StartedAt)
		}
		return hs[i].RunID > hs[j].RunID
	})
}
