// ABOUTME: Per-run coordinator: dispatches ready tasks to bounded workers, applies retry, cache, and skip rules.
// ABOUTME: The coordinator goroutine is the only writer of RunState; workers report back over a channel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/2389-research/pipewright/pipeline"
)

type msgKind int

const (
	msgResult msgKind = iota
	msgProgress
	msgRetryDue
)

// message is sent from workers and retry timers to the coordinator.
type message struct {
	kind     msgKind
	nodeID   string
	attempt  int
	cacheKey string
	cacheHit bool
	outputs  Values
	ckpt     []byte
	err      error
	fraction float64
	duration time.Duration
}

// job is one dispatched attempt.
type job struct {
	nodeID   string
	nodeType string
	config   map[string]any
	inputs   Values
	attempt  int
	ckpt     []byte
	cacheKey string
	timeout  time.Duration
	exec     Executor
}

type scheduler struct {
	e       *Engine
	g       *pipeline.Graph
	plan    *pipeline.ExecutionPlan
	log     *zap.Logger
	mu      *sync.RWMutex
	state   *RunState
	runID   string
	maxConc int
	timeout time.Duration

	// coordinator-owned bookkeeping
	unmet     map[string]int
	ready     []string
	inFlight  int
	timers    map[string]*time.Timer
	cancelled bool
	msgs      chan message
	grp       errgroup.Group

	// events raised under mu, emitted by unlock once mu is released
	pending []Event
}

func newScheduler(e *Engine, g *pipeline.Graph, plan *pipeline.ExecutionPlan, state *RunState, mu *sync.RWMutex, opts RunOptions) *scheduler {
	maxConc := opts.MaxConcurrency
	if maxConc <= 0 {
		maxConc = e.cfg.MaxConcurrency
	}
	if maxConc <= 0 {
		maxConc = defaultMaxConcurrency
	}
	timeout := opts.TaskTimeout
	if timeout <= 0 {
		timeout = e.cfg.TaskTimeout
	}

	return &scheduler{
		e:       e,
		g:       g,
		plan:    plan,
		log:     e.log.With(zap.String("run_id", state.RunID), zap.String("graph_id", g.ID())),
		mu:      mu,
		state:   state,
		runID:   state.RunID,
		maxConc: maxConc,
		timeout: timeout,
		unmet:   make(map[string]int),
		timers:  make(map[string]*time.Timer),
		msgs:    make(chan message, len(state.Tasks)+maxConc+16),
	}
}

// run drives the run to completion. It returns once every worker and retry
// timer has been joined.
func (s *scheduler) run(ctx context.Context) {
	s.lock()
	s.begin()
	s.unlock()

	done := ctx.Done()
	for {
		s.lock()
		if done != nil && ctx.Err() != nil {
			done = nil
			s.cancel(ctx)
		}
		s.dispatch(ctx)
		idle := s.inFlight == 0 && len(s.timers) == 0 && (s.cancelled || len(s.ready) == 0)
		s.unlock()
		if idle {
			break
		}

		select {
		case <-done:
			done = nil
			s.lock()
			s.cancel(ctx)
			s.unlock()
		case m := <-s.msgs:
			s.lock()
			s.handle(ctx, m)
			s.unlock()
		}
	}

	_ = s.grp.Wait()

	s.lock()
	s.finish(ctx)
	s.unlock()
}

func (s *scheduler) lock() { s.mu.Lock() }

// unlock releases the run lock and then delivers the events raised while it
// was held, so emitters may call back into the engine.
func (s *scheduler) unlock() {
	events := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, ev := range events {
		s.e.emitter.Emit(ev)
	}
}

// begin saves the initial state, skips tasks whose ancestors already failed,
// and queues every task with no unmet dependencies.
func (s *scheduler) begin() {
	s.emit(newEvent(EventRunStarted, s.state.RunID, ""))
	s.saveRun()

	// Plan order visits every predecessor first, so a skip reaches all descendants.
	order := s.planOrder()
	for _, id := range order {
		t := s.state.Tasks[id]
		if t.Status.Terminal() {
			continue
		}
		s.unmet[id] = 0
		for _, pred := range s.g.Predecessors(id) {
			pt, ok := s.state.Tasks[pred]
			if !ok {
				continue
			}
			switch pt.Status {
			case TaskCompleted:
			case TaskFailed, TaskSkipped:
				if t.Status != TaskSkipped {
					s.skip(t, pred)
				}
			default:
				s.unmet[id]++
			}
		}
	}

	for _, id := range order {
		t := s.state.Tasks[id]
		s.saveTask(t)
		if t.Status == TaskPending && s.unmet[id] == 0 {
			s.markReady(t)
		}
	}
}

// planOrder lists node IDs layer by layer. Nodes a caller-supplied plan
// leaves out follow in declaration order.
func (s *scheduler) planOrder() []string {
	ids := make([]string, 0, s.g.Len())
	seen := make(map[string]bool, s.g.Len())
	for _, layer := range s.plan.Layers {
		for _, id := range layer {
			if _, ok := s.state.Tasks[id]; ok && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	for _, id := range s.g.NodeIDs() {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// dispatch launches ready tasks while worker slots are free.
func (s *scheduler) dispatch(ctx context.Context) {
	for !s.cancelled && s.inFlight < s.maxConc && len(s.ready) > 0 {
		id := s.ready[0]
		s.ready = s.ready[1:]
		s.launch(ctx, id)
	}
}

func (s *scheduler) markReady(t *TaskState) {
	t.Status = TaskReady
	s.ready = append(s.ready, t.NodeID)
	sort.Slice(s.ready, func(i, j int) bool {
		li, lj := s.state.Tasks[s.ready[i]].Layer, s.state.Tasks[s.ready[j]].Layer
		if li != lj {
			return li < lj
		}
		return s.ready[i] < s.ready[j]
	})
	s.emit(newEvent(EventTaskQueued, s.state.RunID, t.NodeID))
}

func (s *scheduler) launch(ctx context.Context, id string) {
	t := s.state.Tasks[id]
	node, _ := s.g.Node(id)

	inputs, err := s.resolveInputs(id)
	if err != nil {
		s.fail(t, KindFatal, err)
		return
	}
	exec, ok := s.e.registry.Get(node.Type)
	if !ok {
		s.fail(t, KindFatal, fmt.Errorf("%w: %q", ErrNoExecutor, node.Type))
		return
	}

	var key string
	if s.e.cfg.Cache != nil {
		key, err = CacheKey(node.Type, node.Config, inputs)
		if err != nil {
			s.log.Debug("task not cacheable", zap.String("node_id", id), zap.Error(err))
			s.e.metrics.cacheLookup("uncacheable")
			key = ""
		}
	}

	timeout := s.timeout
	if node.Timeout > 0 {
		timeout = node.Timeout
	}

	j := job{
		nodeID:   id,
		nodeType: node.Type,
		config:   node.Config,
		inputs:   inputs,
		attempt:  t.Attempts + 1,
		cacheKey: key,
		timeout:  timeout,
		exec:     exec,
	}
	if t.Checkpoint != nil {
		j.ckpt = append([]byte(nil), t.Checkpoint...)
	}

	t.Status = TaskRunning
	t.CacheKey = key
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}
	ev := newEvent(EventTaskStarted, s.state.RunID, id)
	ev.Attempt = j.attempt
	s.emit(ev)

	s.inFlight++
	s.grp.Go(func() error {
		s.msgs <- s.work(ctx, j)
		return nil
	})
}

// resolveInputs merges initial inputs with upstream outputs; connection values
// win over initial values for the same port.
func (s *scheduler) resolveInputs(id string) (Values, error) {
	in := s.state.Inputs[id].Clone()
	if in == nil {
		in = make(Values)
	}
	for _, c := range s.g.Incoming(id) {
		up, ok := s.state.Tasks[c.Source.Node]
		if !ok {
			return nil, fmt.Errorf("%w: unknown upstream node %q", ErrMissingUpstreamOutput, c.Source.Node)
		}
		v, ok := up.Outputs[c.Source.Port]
		if !ok {
			return nil, fmt.Errorf("%w: %s produced no value", ErrMissingUpstreamOutput, c.Source)
		}
		in[c.Target.Port] = cloneValue(v)
	}
	return in, nil
}

// work runs on a worker goroutine. It never touches RunState.
func (s *scheduler) work(ctx context.Context, j job) message {
	m := message{kind: msgResult, nodeID: j.nodeID, attempt: j.attempt, cacheKey: j.cacheKey}
	cache := s.e.cfg.Cache

	if j.cacheKey != "" {
		vals, ok, err := cache.Get(ctx, j.cacheKey)
		switch {
		case err != nil:
			s.log.Warn("cache get failed", zap.String("node_id", j.nodeID), zap.Error(err))
			s.e.metrics.cacheLookup("error")
		case ok:
			s.e.metrics.cacheLookup("hit")
			m.cacheHit = true
			m.outputs = vals
			return m
		default:
			s.e.metrics.cacheLookup("miss")
		}
	}

	var (
		taskCtx context.Context
		cancel  context.CancelFunc
	)
	if j.timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, j.timeout)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	req := Request{
		RunID:      s.runID,
		NodeID:     j.nodeID,
		NodeType:   j.nodeType,
		Config:     j.config,
		Inputs:     j.inputs,
		Attempt:    j.attempt,
		Checkpoint: j.ckpt,
		Progress: func(f float64) {
			if f < 0 {
				f = 0
			} else if f > 1 {
				f = 1
			}
			select {
			case s.msgs <- message{kind: msgProgress, nodeID: j.nodeID, attempt: j.attempt, fraction: f}:
			default:
			}
		},
	}

	s.e.metrics.attemptStarted()
	start := time.Now()
	res, err := safeExecute(taskCtx, j.exec, req)
	m.duration = time.Since(start)
	s.e.metrics.observeAttempt(j.nodeType, m.duration)

	if err != nil && ctx.Err() == nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %v", ErrTaskTimeout, j.timeout, err)
	}
	m.err = err
	m.ckpt = res.Checkpoint
	if err == nil {
		m.outputs = res.Outputs.Clone()
		if j.cacheKey != "" {
			if perr := cache.Put(context.WithoutCancel(ctx), j.cacheKey, m.outputs, s.e.cfg.CacheTTL); perr != nil {
				s.log.Warn("cache put failed", zap.String("node_id", j.nodeID), zap.Error(perr))
			}
		}
	}
	return m
}

// safeExecute calls the executor, converting a panic into an ErrExecutorPanic error.
func safeExecute(ctx context.Context, exec Executor, req Request) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w in node %q: %v\n%s", ErrExecutorPanic, req.NodeID, r, debug.Stack())
			res = Result{}
		}
	}()
	return exec.Execute(ctx, req)
}

func (s *scheduler) handle(ctx context.Context, m message) {
	t, ok := s.state.Tasks[m.nodeID]
	if !ok {
		return
	}

	switch m.kind {
	case msgProgress:
		if t.Status != TaskRunning || m.attempt != t.Attempts+1 {
			return
		}
		t.Progress = m.fraction
		ev := newEvent(EventTaskProgress, s.state.RunID, m.nodeID)
		ev.Attempt = m.attempt
		ev.Progress = m.fraction
		s.emit(ev)

	case msgRetryDue:
		delete(s.timers, m.nodeID)
		if s.cancelled {
			s.cancelTask(t, nil)
			return
		}
		t.Status = TaskReady
		s.ready = append(s.ready, t.NodeID)
		sort.Slice(s.ready, func(i, j int) bool {
			li, lj := s.state.Tasks[s.ready[i]].Layer, s.state.Tasks[s.ready[j]].Layer
			if li != lj {
				return li < lj
			}
			return s.ready[i] < s.ready[j]
		})

	case msgResult:
		s.inFlight--
		s.complete(ctx, t, m)
	}
}

func (s *scheduler) complete(ctx context.Context, t *TaskState, m message) {
	if m.ckpt != nil {
		t.Checkpoint = m.ckpt
	}
	if !m.cacheHit {
		t.Attempts = m.attempt
	}

	if m.err == nil {
		t.Status = TaskCompleted
		t.Outputs = m.outputs
		t.CacheHit = m.cacheHit
		t.Progress = 1
		t.LastError = ""
		t.ErrorKind = ""
		t.CompletedAt = time.Now()
		ev := newEvent(EventTaskCompleted, s.state.RunID, t.NodeID)
		ev.Attempt = m.attempt
		ev.CacheHit = m.cacheHit
		ev.Progress = 1
		s.emit(ev)
		s.saveTask(t)
		s.e.metrics.taskFinished(TaskCompleted)
		s.log.Debug("task completed",
			zap.String("node_id", t.NodeID),
			zap.Int("attempt", m.attempt),
			zap.Bool("cache_hit", m.cacheHit),
			zap.Duration("duration", m.duration))

		if s.cancelled {
			return
		}
		for _, succ := range s.g.Successors(t.NodeID) {
			if _, tracked := s.unmet[succ]; !tracked {
				continue
			}
			s.unmet[succ]--
			st := s.state.Tasks[succ]
			if s.unmet[succ] == 0 && st.Status == TaskPending {
				s.markReady(st)
			}
		}
		return
	}

	classify := s.e.cfg.Classifier
	if classify == nil {
		classify = Classify
	}
	kind := classify(m.err)

	if s.cancelled || ctx.Err() != nil {
		s.cancelTask(t, m.err)
		return
	}

	t.LastError = m.err.Error()
	t.ErrorKind = kind
	if !kind.Retryable() {
		s.fail(t, kind, m.err)
		return
	}
	d := s.e.retry.ShouldRetry(t.Clone(), m.err)
	if !d.Retry {
		s.fail(t, kind, m.err)
		return
	}

	t.Status = TaskRetrying
	t.Progress = 0
	ev := newEvent(EventTaskRetrying, s.state.RunID, t.NodeID)
	ev.Attempt = m.attempt
	ev.Delay = d.Delay
	ev.Error = t.LastError
	s.emit(ev)
	s.saveTask(t)
	s.e.metrics.retryScheduled()
	s.log.Info("task retrying",
		zap.String("node_id", t.NodeID),
		zap.Int("attempt", m.attempt),
		zap.Duration("delay", d.Delay),
		zap.String("error_kind", string(kind)),
		zap.Error(m.err))

	id := t.NodeID
	s.timers[id] = time.AfterFunc(d.Delay, func() {
		s.msgs <- message{kind: msgRetryDue, nodeID: id}
	})
}

// fail marks t Failed and skips every task downstream of it.
func (s *scheduler) fail(t *TaskState, kind ErrorKind, err error) {
	t.Status = TaskFailed
	t.ErrorKind = kind
	t.LastError = err.Error()
	t.CompletedAt = time.Now()
	if s.state.FirstError == nil {
		s.state.FirstError = &FailureCause{NodeID: t.NodeID, Kind: kind, Message: t.LastError}
	}

	ev := newEvent(EventTaskFailed, s.state.RunID, t.NodeID)
	ev.Attempt = t.Attempts
	ev.Error = t.LastError
	s.emit(ev)
	s.saveTask(t)
	s.e.metrics.taskFinished(TaskFailed)
	s.log.Warn("task failed",
		zap.String("node_id", t.NodeID),
		zap.Int("attempts", t.Attempts),
		zap.String("error_kind", string(kind)),
		zap.Error(err))

	for _, id := range s.g.Descendants(t.NodeID) {
		dt, ok := s.state.Tasks[id]
		if !ok || dt.Status.Terminal() || dt.Status == TaskRunning || dt.Status == TaskRetrying {
			continue
		}
		s.skip(dt, t.NodeID)
		s.saveTask(dt)
	}
}

func (s *scheduler) skip(t *TaskState, because string) {
	if t.Status == TaskReady {
		s.removeReady(t.NodeID)
	}
	t.Status = TaskSkipped
	t.ErrorKind = KindUpstream
	t.SkippedBecause = because
	t.CompletedAt = time.Now()
	ev := newEvent(EventTaskSkipped, s.state.RunID, t.NodeID)
	ev.Error = fmt.Sprintf("upstream task %q failed", because)
	s.emit(ev)
	s.e.metrics.taskFinished(TaskSkipped)
}

func (s *scheduler) removeReady(id string) {
	for i, r := range s.ready {
		if r == id {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

// cancel stops new dispatch and cancels every task that is not running.
// Running tasks are cancelled as their workers report back.
func (s *scheduler) cancel(ctx context.Context) {
	s.cancelled = true
	s.log.Info("run cancelled", zap.Error(context.Cause(ctx)))

	for id, tm := range s.timers {
		if tm.Stop() {
			delete(s.timers, id)
			s.cancelTask(s.state.Tasks[id], nil)
		}
	}
	s.ready = nil
	for _, id := range s.planOrder() {
		t := s.state.Tasks[id]
		if t.Status == TaskPending || t.Status == TaskReady {
			s.cancelTask(t, nil)
		}
	}
}

func (s *scheduler) cancelTask(t *TaskState, err error) {
	t.Status = TaskCancelled
	t.ErrorKind = KindCancelled
	if err != nil {
		t.LastError = err.Error()
	}
	t.CompletedAt = time.Now()
	s.emit(newEvent(EventTaskCancelled, s.state.RunID, t.NodeID))
	s.saveTask(t)
	s.e.metrics.taskFinished(TaskCancelled)
}

func (s *scheduler) finish(ctx context.Context) {
	status := s.state.deriveStatus(s.cancelled)
	if status == RunRunning {
		// Leftover pending tasks mean dependencies could never be met.
		status = RunFailed
		if s.cancelled {
			status = RunCancelled
		}
		s.log.Error("run ended with unschedulable tasks", zap.Strings("missing", s.state.Missing()))
	}
	s.state.Status = status
	s.state.CompletedAt = time.Now()
	s.saveRun()

	var ev Event
	switch status {
	case RunCompleted:
		ev = newEvent(EventRunCompleted, s.state.RunID, "")
	case RunCancelled:
		ev = newEvent(EventRunCancelled, s.state.RunID, "")
		if cause := context.Cause(ctx); cause != nil {
			ev.Error = cause.Error()
		}
	default:
		ev = newEvent(EventRunFailed, s.state.RunID, "")
		if fe := s.state.FirstError; fe != nil {
			ev.NodeID = fe.NodeID
			ev.Error = fe.Message
		}
	}
	s.emit(ev)
	s.e.metrics.runFinished(status)

	counts := s.state.Counts()
	s.log.Info("run finished",
		zap.String("status", string(status)),
		zap.Int("completed", counts[TaskCompleted]),
		zap.Int("failed", counts[TaskFailed]),
		zap.Int("skipped", counts[TaskSkipped]),
		zap.Int("cancelled", counts[TaskCancelled]),
		zap.Duration("elapsed", s.state.CompletedAt.Sub(s.state.StartedAt)))
}

// emit queues e for delivery when the run lock is released.
func (s *scheduler) emit(e Event) {
	s.pending = append(s.pending, e)
}

func (s *scheduler) saveRun() {
	store := s.e.cfg.Checkpoints
	if store == nil {
		return
	}
	if err := store.SaveRun(context.Background(), s.state.RunHeader.Clone()); err != nil {
		s.e.metrics.checkpointFailed()
		s.log.Warn("checkpoint run header failed", zap.Error(err))
	}
}

func (s *scheduler) saveTask(t *TaskState) {
	store := s.e.cfg.Checkpoints
	if store == nil {
		return
	}
	if err := store.Save(context.Background(), s.state.RunID, t.NodeID, t.Clone()); err != nil {
		s.e.metrics.checkpointFailed()
		s.log.Warn("checkpoint task failed", zap.String("node_id", t.NodeID), zap.Error(err))
	}
}
