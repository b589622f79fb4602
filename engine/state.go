// ABOUTME: Per-run and per-task state model: task statuses, run headers, and derived run status.
// ABOUTME: States are created after planning, transitioned only by the scheduler, and snapshotted by deep copy.
package engine

import (
	"sort"
	"time"
)

// TaskStatus is the lifecycle state of one node within one run.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskRetrying  TaskStatus = "retrying"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskSkipped   TaskStatus = "skipped"
)

// Terminal reports whether no further transitions happen from this status
// within the current run.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskSkipped:
		return true
	}
	return false
}

// RunStatus is the derived status of a whole run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Values maps port names to values.
type Values map[string]any

// Clone deep-copies nested maps and slices.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = cloneValue(val)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case Values:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}

// TaskState is the execution state of one node within one run.
type TaskState struct {
	NodeID         string     `json:"node_id"`
	Status         TaskStatus `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	LastError      string     `json:"last_error,omitempty"`
	ErrorKind      ErrorKind  `json:"error_kind,omitempty"`
	CacheKey       string     `json:"cache_key,omitempty"`
	CacheHit       bool       `json:"cache_hit,omitempty"`
	Checkpoint     []byte     `json:"checkpoint,omitempty"`
	StartedAt      time.Time  `json:"started_at,omitzero"`
	CompletedAt    time.Time  `json:"completed_at,omitzero"`
	Progress       float64    `json:"progress"`
	Layer          int        `json:"layer"`
	Outputs        Values     `json:"outputs,omitempty"`
	SkippedBecause string     `json:"skipped_because,omitempty"`
}

// Clone returns a deep copy of the task state.
func (t TaskState) Clone() TaskState {
	cp := t
	cp.Outputs = t.Outputs.Clone()
	if t.Checkpoint != nil {
		cp.Checkpoint = append([]byte(nil), t.Checkpoint...)
	}
	return cp
}

// FailureCause identifies the first task that failed terminally.
type FailureCause struct {
	NodeID  string    `json:"node_id"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// RunHeader is the run-level portion of a RunState, persisted separately from
// task states.
type RunHeader struct {
	RunID        string            `json:"run_id"`
	GraphID      string            `json:"graph_id"`
	GraphVersion int               `json:"graph_version"`
	Status       RunStatus         `json:"status"`
	Inputs       map[string]Values `json:"inputs,omitempty"`
	FirstError   *FailureCause     `json:"first_error,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  time.Time         `json:"completed_at,omitzero"`
}

// Clone returns a deep copy of the header.
func (h RunHeader) Clone() RunHeader {
	cp := h
	if h.Inputs != nil {
		cp.Inputs = make(map[string]Values, len(h.Inputs))
		for k, v := range h.Inputs {
			cp.Inputs[k] = v.Clone()
		}
	}
	if h.FirstError != nil {
		fe := *h.FirstError
		cp.FirstError = &fe
	}
	return cp
}

// RunState is the full state of one run: its header plus one TaskState per node.
type RunState struct {
	RunHeader
	Tasks map[string]*TaskState `json:"tasks"`
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (r *RunState) Snapshot() *RunState {
	cp := &RunState{
		RunHeader: r.RunHeader.Clone(),
		Tasks:     make(map[string]*TaskState, len(r.Tasks)),
	}
	for id, t := range r.Tasks {
		tc := t.Clone()
		cp.Tasks[id] = &tc
	}
	return cp
}

// Task returns a copy of the state of the given node.
func (r *RunState) Task(id string) (TaskState, bool) {
	t, ok := r.Tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return t.Clone(), true
}

// Outputs returns node id -> outputs for every Completed task.
func (r *RunState) Outputs() map[string]Values {
	out := make(map[string]Values)
	for id, t := range r.Tasks {
		if t.Status == TaskCompleted {
			out[id] = t.Outputs.Clone()
		}
	}
	return out
}

// Missing returns the sorted ids of nodes that produced no output.
func (r *RunState) Missing() []string {
	return r.filterIDs(func(t *TaskState) bool { return t.Status != TaskCompleted })
}

// Skipped returns the sorted ids of Skipped nodes.
func (r *RunState) Skipped() []string {
	return r.filterIDs(func(t *TaskState) bool { return t.Status == TaskSkipped })
}

// Failed returns the sorted ids of Failed nodes.
func (r *RunState) Failed() []string {
	return r.filterIDs(func(t *TaskState) bool { return t.Status == TaskFailed })
}

// Counts tallies tasks by status.
func (r *RunState) Counts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int)
	for _, t := range r.Tasks {
		counts[t.Status]++
	}
	return counts
}

func (r *RunState) filterIDs(keep func(*TaskState) bool) []string {
	var ids []string
	for id, t := range r.Tasks {
		if keep(t) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// deriveStatus computes the run status from task states. cancelled reports
// whether the run's context was cancelled by the caller.
func (r *RunState) deriveStatus(cancelled bool) RunStatus {
	counts := r.Counts()
	if cancelled && counts[TaskCancelled] > 0 {
		return RunCancelled
	}
	if counts[TaskFailed] > 0 {
		return RunFailed
	}
	for _, t := range r.Tasks {
		if t.Status != TaskCompleted && t.Status != TaskSkipped {
			return RunRunning
		}
	}
	return RunCompleted
}
