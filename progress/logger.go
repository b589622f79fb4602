// ABOUTME: Append-only NDJSON event log plus a live.json status snapshot per run.
// ABOUTME: Implements engine.Emitter with a queued writer goroutine so file I/O stays off the engine's path.
package progress

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/2389-research/pipewright/engine"
)

const (
	logFile  = "progress.ndjson"
	liveFile = "live.json"
)

// Entry is one line of progress.ndjson.
type Entry struct {
	Timestamp string           `json:"timestamp"`
	Type      engine.EventType `json:"type"`
	NodeID    string           `json:"node_id,omitempty"`
	Attempt   int              `json:"attempt,omitempty"`
	Progress  float64          `json:"progress,omitempty"`
	CacheHit  bool             `json:"cache_hit,omitempty"`
	DelayMS   int64            `json:"delay_ms,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// LiveState is the snapshot written to live.json after every event so
// external tools can poll a run's status.
type LiveState struct {
	RunID      string             `json:"run_id"`
	Status     string             `json:"status"`
	Active     []string           `json:"active"`
	Progress   map[string]float64 `json:"progress"`
	Completed  []string           `json:"completed"`
	Failed     []string           `json:"failed"`
	Skipped    []string           `json:"skipped"`
	Cancelled  []string           `json:"cancelled"`
	CacheHits  int                `json:"cache_hits"`
	Retries    int                `json:"retries"`
	StartedAt  string             `json:"started_at"`
	UpdatedAt  string             `json:"updated_at"`
	EventCount int                `json:"event_count"`
}

type runLog struct {
	dir    string
	file   *os.File
	state  LiveState
	active map[string]bool
}

// queued is one unit of work for the writer goroutine. A non-nil ack marks a
// flush request.
type queued struct {
	event engine.Event
	ack   chan struct{}
}

// DefaultQueueSize is the number of events buffered ahead of the writer.
const DefaultQueueSize = 1024

// Logger writes each run's events under dir/<run id>/. Emit only enqueues;
// a single writer goroutine does the file I/O so a slow disk never stalls the
// engine.
type Logger struct {
	dir    string
	logger *zap.Logger

	sendMu sync.RWMutex // guards queue against close
	queue  chan queued
	closed bool
	done   chan struct{}

	dropped atomic.Int64

	mu          sync.Mutex // guards runs and writeErrors
	runs        map[string]*runLog
	writeErrors int
}

var _ engine.Emitter = (*Logger)(nil)

// NewLogger creates a progress logger rooted at dir and starts its writer.
// logger may be nil. Callers must Close the logger.
func NewLogger(dir string, logger *zap.Logger) (*Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create progress dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Logger{
		dir:    dir,
		logger: logger.Named("progress"),
		queue:  make(chan queued, DefaultQueueSize),
		done:   make(chan struct{}),
		runs:   make(map[string]*runLog),
	}
	go l.loop()
	return l, nil
}

// RunDir returns the directory holding a run's progress files.
func (l *Logger) RunDir(runID string) string {
	return filepath.Join(l.dir, url.PathEscape(runID))
}

// Emit queues the event for the writer. When the queue is full, non-terminal
// events are dropped and counted; run-terminal events wait for room.
func (l *Logger) Emit(e engine.Event) {
	l.sendMu.RLock()
	defer l.sendMu.RUnlock()
	if l.closed {
		return
	}
	if e.Type.Terminal() {
		l.queue <- queued{event: e}
		return
	}
	select {
	case l.queue <- queued{event: e}:
	default:
		l.dropped.Inc()
	}
}

// Flush blocks until every event queued before the call has been written.
func (l *Logger) Flush() {
	ack := make(chan struct{})
	l.sendMu.RLock()
	if l.closed {
		l.sendMu.RUnlock()
		return
	}
	l.queue <- queued{ack: ack}
	l.sendMu.RUnlock()
	<-ack
}

// Dropped reports how many events were discarded because the queue was full.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

func (l *Logger) loop() {
	defer close(l.done)
	for q := range l.queue {
		if q.ack != nil {
			close(q.ack)
			continue
		}
		l.write(q.event)
	}
}

// write appends the event to the run's NDJSON file and rewrites live.json.
// The run's file is closed once a terminal run event is recorded.
func (l *Logger) write(e engine.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rl, err := l.open(e.RunID)
	if err != nil {
		l.writeErrors++
		l.logger.Warn("open progress log", zap.String("run_id", e.RunID), zap.Error(err))
		return
	}

	entry := Entry{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Type:      e.Type,
		NodeID:    e.NodeID,
		Attempt:   e.Attempt,
		Progress:  e.Progress,
		CacheHit:  e.CacheHit,
		DelayMS:   e.Delay.Milliseconds(),
		Error:     e.Error,
	}
	// State is updated even when the append fails.
	if line, err := json.Marshal(entry); err != nil {
		l.writeErrors++
		l.logger.Warn("marshal progress entry", zap.Error(err))
	} else if _, err := rl.file.Write(append(line, '\n')); err != nil {
		l.writeErrors++
		l.logger.Warn("append progress entry", zap.String("run_id", e.RunID), zap.Error(err))
	}

	rl.apply(e)

	if err := writeJSONAtomic(filepath.Join(rl.dir, liveFile), rl.state); err != nil {
		l.writeErrors++
		l.logger.Warn("write live state", zap.String("run_id", e.RunID), zap.Error(err))
	}

	if e.Type.Terminal() {
		if err := rl.file.Close(); err != nil {
			l.logger.Warn("close progress log", zap.String("run_id", e.RunID), zap.Error(err))
		}
		rl.file = nil
	}
}

// open returns the run's log, creating or reopening the NDJSON file as needed.
// Caller must hold l.mu.
func (l *Logger) open(runID string) (*runLog, error) {
	rl, ok := l.runs[runID]
	if ok && rl.file != nil {
		return rl, nil
	}
	if !ok {
		rl = &runLog{
			dir:    l.RunDir(runID),
			active: make(map[string]bool),
			state:  newLiveState(runID),
		}
	}
	if err := os.MkdirAll(rl.dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(rl.dir, logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	rl.file = f
	l.runs[runID] = rl
	return rl, nil
}

func newLiveState(runID string) LiveState {
	return LiveState{
		RunID:     runID,
		Status:    "pending",
		Active:    []string{},
		Progress:  map[string]float64{},
		Completed: []string{},
		Failed:    []string{},
		Skipped:   []string{},
		Cancelled: []string{},
	}
}

func (rl *runLog) apply(e engine.Event) {
	s := &rl.state
	switch e.Type {
	case engine.EventRunStarted:
		s.Status = string(engine.RunRunning)
		if s.StartedAt == "" {
			s.StartedAt = e.Timestamp.UTC().Format(time.RFC3339)
		}
	case engine.EventTaskStarted:
		rl.active[e.NodeID] = true
		s.Progress[e.NodeID] = 0
	case engine.EventTaskProgress:
		s.Progress[e.NodeID] = e.Progress
	case engine.EventTaskRetrying:
		delete(rl.active, e.NodeID)
		s.Retries++
	case engine.EventTaskCompleted:
		delete(rl.active, e.NodeID)
		s.Progress[e.NodeID] = 1
		s.Completed = append(s.Completed, e.NodeID)
		if e.CacheHit {
			s.CacheHits++
		}
	case engine.EventTaskFailed:
		delete(rl.active, e.NodeID)
		s.Failed = append(s.Failed, e.NodeID)
	case engine.EventTaskSkipped:
		s.Skipped = append(s.Skipped, e.NodeID)
	case engine.EventTaskCancelled:
		delete(rl.active, e.NodeID)
		s.Cancelled = append(s.Cancelled, e.NodeID)
	case engine.EventRunCompleted:
		s.Status = string(engine.RunCompleted)
	case engine.EventRunFailed:
		s.Status = string(engine.RunFailed)
	case engine.EventRunCancelled:
		s.Status = string(engine.RunCancelled)
	}

	s.Active = s.Active[:0]
	for id := range rl.active {
		s.Active = append(s.Active, id)
	}
	sort.Strings(s.Active)
	s.EventCount++
	s.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// State returns a copy of a run's live state.
func (l *Logger) State(runID string) (LiveState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.runs[runID]
	if !ok {
		return LiveState{}, false
	}
	cp := rl.state
	cp.Active = append([]string{}, rl.state.Active...)
	cp.Completed = append([]string{}, rl.state.Completed...)
	cp.Failed = append([]string{}, rl.state.Failed...)
	cp.Skipped = append([]string{}, rl.state.Skipped...)
	cp.Cancelled = append([]string{}, rl.state.Cancelled...)
	cp.Progress = make(map[string]float64, len(rl.state.Progress))
	for k, v := range rl.state.Progress {
		cp.Progress[k] = v
	}
	return cp, true
}

// WriteErrors reports how many file writes have failed.
func (l *Logger) WriteErrors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeErrors
}

// Close writes every queued event, stops the writer, and closes open run
// logs. After Close, Emit is a no-op.
func (l *Logger) Close() error {
	l.sendMu.Lock()
	if l.closed {
		l.sendMu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.sendMu.Unlock()
	<-l.done

	if n := l.dropped.Load(); n > 0 {
		l.logger.Warn("progress events dropped", zap.Int64("count", n))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, rl := range l.runs {
		if rl.file == nil {
			continue
		}
		if err := rl.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		rl.file = nil
	}
	return firstErr
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
	return os.Rename(tmpPath, path)
}
