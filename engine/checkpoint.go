// ABOUTME: CheckpointStore interface for persisting run headers and task states, plus resume preparation.
// ABOUTME: Resuming resets interrupted tasks to pending while keeping their attempt counts and checkpoint blobs.
package engine

import (
	"context"
	"time"
)

// CheckpointStore persists run state so interrupted runs can be resumed.
// Load returns an error wrapping ErrRunNotFound for unknown runs.
type CheckpointStore interface {
	SaveRun(ctx context.Context, h RunHeader) error
	Save(ctx context.Context, runID, taskID string, t TaskState) error
	Load(ctx context.Context, runID string) (*RunState, error)
}

// prepareResume resets every task that did not finish in a terminal,
// run-independent status back to Pending. Completed, Failed, and Skipped
// tasks are kept; Cancelled tasks are rescheduled.
func prepareResume(state *RunState) []string {
	var reset []string
	for id, t := range state.Tasks {
		switch t.Status {
		case TaskCompleted, TaskFailed, TaskSkipped:
			continue
		}
		t.Status = TaskPending
		t.Progress = 0
		t.CompletedAt = time.Time{}
		if t.ErrorKind == KindCancelled {
			t.ErrorKind = ""
			t.LastError = ""
		}
		reset = append(reset, id)
	}
	state.Status = RunRunning
	state.CompletedAt = time.Time{}
	return reset
}
