// ABOUTME: Engine entry points: graph arena, validation with executor-aware rules, and Run/Start/Resume.
// ABOUTME: Each run gets its own coordinator; the arena tracks graphs and run handles behind an RWMutex.
package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/2389-research/pipewright/pipeline"
)

const defaultMaxConcurrency = 4

// ErrRunExists is returned when a caller-supplied run id is already in use.
var ErrRunExists = errors.New("run already exists")

// Config holds configuration for the engine. Only Registry is required.
type Config struct {
	Registry    *Registry
	RetryPolicy RetryPolicy // nil = standard preset
	Classifier  Classifier  // nil = Classify
	Cache       ResultCache // nil = no caching
	CacheTTL    time.Duration
	Checkpoints CheckpointStore // nil = no persistence
	Emitter     Emitter         // nil = discard events
	Logger      *zap.Logger     // nil = no logging
	Metrics     *Metrics        // nil = no metrics

	Compatibility pipeline.Compatibility

	// DefaultMaxAttempts is the attempt budget for nodes without an override.
	// 0 uses the retry policy's budget when it has one, else 1.
	DefaultMaxAttempts int
	TaskTimeout        time.Duration // 0 = no per-task timeout
	MaxConcurrency     int           // 0 = 4
}

// RunOptions tune a single run.
type RunOptions struct {
	RunID          string // empty = new ULID
	MaxConcurrency int
	TaskTimeout    time.Duration
}

// Engine executes pipeline graphs.
type Engine struct {
	cfg      Config
	log      *zap.Logger
	registry *Registry
	retry    RetryPolicy
	emitter  Emitter
	metrics  *Metrics

	mu     sync.RWMutex
	graphs map[string]*pipeline.Graph
	runs   map[string]*RunHandle
}

// New creates an engine.
func New(cfg Config) *Engine {
	e := &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		registry: cfg.Registry,
		retry:    cfg.RetryPolicy,
		emitter:  cfg.Emitter,
		metrics:  cfg.Metrics,
		graphs:   make(map[string]*pipeline.Graph),
		runs:     make(map[string]*RunHandle),
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	e.log = e.log.Named("engine")
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	if e.retry == nil {
		p, _ := RetryPreset("standard")
		p.Classifier = cfg.Classifier
		e.retry = p
	}
	if e.emitter == nil {
		e.emitter = nopEmitter{}
	}
	return e
}

// Registry returns the engine's executor registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// RegisterGraph adds g to the arena. Registering the same id and version again
// is a no-op; a different version under an existing id is ErrGraphConflict.
func (e *Engine) RegisterGraph(g *pipeline.Graph) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.graphs[g.ID()]; ok {
		if existing.Version() != g.Version() {
			return fmt.Errorf("%w: %q registered at version %d, got %d",
				ErrGraphConflict, g.ID(), existing.Version(), g.Version())
		}
		return nil
	}
	e.graphs[g.ID()] = g
	return nil
}

// Graph returns a registered graph.
func (e *Engine) Graph(id string) (*pipeline.Graph, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.graphs[id]
	return g, ok
}

// Graphs returns the registered graphs sorted by id.
func (e *Engine) Graphs() []*pipeline.Graph {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*pipeline.Graph, 0, len(e.graphs))
	for _, g := range e.graphs {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// knownTypesRule flags nodes whose type has no registered executor.
type knownTypesRule struct {
	registry *Registry
}

func (r knownTypesRule) Name() string { return "known_node_types" }

func (r knownTypesRule) Apply(g *pipeline.Graph) []pipeline.Diagnostic {
	var diags []pipeline.Diagnostic
	for _, n := range g.Nodes() {
		if _, ok := r.registry.Get(n.Type); ok {
			continue
		}
		diags = append(diags, pipeline.Diagnostic{
			Kind:     pipeline.KindUnknownNodeType,
			Severity: pipeline.SeverityError,
			Message:  fmt.Sprintf("node %q has type %q with no registered executor (known: %v)", n.ID, n.Type, r.registry.Types()),
			NodeID:   n.ID,
		})
	}
	return diags
}

// Validate checks g structurally and against the registered executors.
// inputs are the initial inputs that will be bound to the run.
func (e *Engine) Validate(g *pipeline.Graph, inputs map[string]Values) pipeline.Result {
	return pipeline.Validate(g,
		pipeline.WithCompatibility(e.cfg.Compatibility),
		pipeline.WithBoundInputs(boundInputs(inputs)),
		pipeline.WithRules(knownTypesRule{registry: e.registry}),
	)
}

func boundInputs(inputs map[string]Values) map[string]map[string]any {
	out := make(map[string]map[string]any, len(inputs))
	for id, v := range inputs {
		out[id] = map[string]any(v)
	}
	return out
}

// RunHandle tracks one in-progress or finished run.
type RunHandle struct {
	runID  string
	graph  *pipeline.Graph
	mu     sync.RWMutex
	state  *RunState
	cancel context.CancelFunc
	done   chan struct{}
}

// RunID returns the run identifier.
func (h *RunHandle) RunID() string { return h.runID }

// GraphID returns the id of the graph being executed.
func (h *RunHandle) GraphID() string { return h.graph.ID() }

// Done is closed when the run has finished and all its goroutines exited.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Cancel requests cancellation of the run.
func (h *RunHandle) Cancel() { h.cancel() }

// Wait blocks until the run finishes or ctx is done, then returns a snapshot.
func (h *RunHandle) Wait(ctx context.Context) (*RunState, error) {
	select {
	case <-h.done:
		return h.Snapshot(), nil
	case <-ctx.Done():
		return h.Snapshot(), ctx.Err()
	}
}

// Snapshot returns a deep copy of the current run state.
func (h *RunHandle) Snapshot() *RunState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Snapshot()
}

// Run validates, plans, and executes g, blocking until the run finishes.
// A failed or cancelled run is reported through RunState.Status, not the error;
// the error is non-nil only when the run could not start.
func (e *Engine) Run(ctx context.Context, g *pipeline.Graph, inputs map[string]Values, opts RunOptions) (*RunState, error) {
	h, err := e.Start(ctx, g, inputs, opts)
	if err != nil {
		return nil, err
	}
	<-h.done
	return h.Snapshot(), nil
}

// Start validates and plans g, then executes it in the background.
func (e *Engine) Start(ctx context.Context, g *pipeline.Graph, inputs map[string]Values, opts RunOptions) (*RunHandle, error) {
	if res := e.Validate(g, inputs); !res.Valid {
		return nil, &pipeline.ValidationError{GraphID: g.ID(), Diagnostics: res.Errors()}
	}
	plan, err := pipeline.Plan(g)
	if err != nil {
		return nil, err
	}
	return e.start(ctx, g, plan, inputs, opts)
}

// Execute runs an already validated graph according to plan, blocking until
// the run finishes. ctx is the run's cancellation token.
func (e *Engine) Execute(ctx context.Context, g *pipeline.Graph, plan *pipeline.ExecutionPlan, inputs map[string]Values, opts RunOptions) (*RunState, error) {
	h, err := e.start(ctx, g, plan, inputs, opts)
	if err != nil {
		return nil, err
	}
	<-h.done
	return h.Snapshot(), nil
}

func (e *Engine) start(ctx context.Context, g *pipeline.Graph, plan *pipeline.ExecutionPlan, inputs map[string]Values, opts RunOptions) (*RunHandle, error) {
	if err := e.RegisterGraph(g); err != nil {
		return nil, err
	}
	if opts.RunID == "" {
		opts.RunID = ulid.MustNew(ulid.Now(), rand.Reader).String()
	}

	state := &RunState{
		RunHeader: RunHeader{
			RunID:        opts.RunID,
			GraphID:      g.ID(),
			GraphVersion: g.Version(),
			Status:       RunRunning,
			Inputs:       make(map[string]Values, len(inputs)),
			StartedAt:    time.Now(),
		},
		Tasks: make(map[string]*TaskState, g.Len()),
	}
	for id, v := range inputs {
		state.Inputs[id] = v.Clone()
	}
	for _, n := range g.Nodes() {
		if _, dup := state.Tasks[n.ID]; dup {
			continue
		}
		layer, _ := plan.LayerOf(n.ID)
		state.Tasks[n.ID] = &TaskState{
			NodeID:      n.ID,
			Status:      TaskPending,
			MaxAttempts: e.attemptBudget(n),
			Layer:       layer,
		}
	}

	e.log.Info("run starting",
		zap.String("run_id", state.RunID),
		zap.String("graph_id", g.ID()),
		zap.Int("graph_version", g.Version()),
		zap.Int("tasks", len(state.Tasks)),
		zap.Int("layers", len(plan.Layers)))

	return e.launch(ctx, g, plan, state, opts)
}

// attemptBudget resolves a node's attempt budget: node override, engine
// default, then the retry policy's own budget.
func (e *Engine) attemptBudget(n pipeline.Node) int {
	if n.MaxAttempts > 0 {
		return n.MaxAttempts
	}
	if e.cfg.DefaultMaxAttempts > 0 {
		return e.cfg.DefaultMaxAttempts
	}
	if b, ok := e.retry.(interface{ Attempts() int }); ok {
		return b.Attempts()
	}
	return 1
}

func (e *Engine) launch(ctx context.Context, g *pipeline.Graph, plan *pipeline.ExecutionPlan, state *RunState, opts RunOptions) (*RunHandle, error) {
	runCtx, cancel := context.WithCancel(ctx)
	h := &RunHandle{
		runID:  state.RunID,
		graph:  g,
		state:  state,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	if prev, ok := e.runs[h.runID]; ok {
		select {
		case <-prev.done:
		default:
			e.mu.Unlock()
			cancel()
			return nil, fmt.Errorf("%w: %s", ErrRunExists, h.runID)
		}
	}
	e.runs[h.runID] = h
	e.mu.Unlock()

	sched := newScheduler(e, g, plan, state, &h.mu, opts)
	go func() {
		defer close(h.done)
		defer cancel()
		sched.run(runCtx)
	}()
	return h, nil
}

// Resume continues a checkpointed run, blocking until it finishes. The run's
// graph must be registered.
func (e *Engine) Resume(ctx context.Context, runID string, opts RunOptions) (*RunState, error) {
	h, err := e.StartResume(ctx, runID, opts)
	if err != nil {
		return nil, err
	}
	<-h.done
	return h.Snapshot(), nil
}

// StartResume loads a run from the checkpoint store and continues it in the
// background. Completed, Failed, and Skipped tasks are kept; all other tasks
// are rescheduled with their attempt counts and checkpoint blobs.
func (e *Engine) StartResume(ctx context.Context, runID string, opts RunOptions) (*RunHandle, error) {
	if e.cfg.Checkpoints == nil {
		return nil, fmt.Errorf("resume %s: no checkpoint store configured", runID)
	}
	state, err := e.cfg.Checkpoints.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", runID, err)
	}
	g, ok := e.Graph(state.GraphID)
	if !ok {
		return nil, fmt.Errorf("resume %s: %w: %q", runID, ErrUnknownGraph, state.GraphID)
	}
	if g.Version() != state.GraphVersion {
		return nil, fmt.Errorf("resume %s: %w: run used version %d, registered version is %d",
			runID, ErrGraphConflict, state.GraphVersion, g.Version())
	}
	plan, err := pipeline.Plan(g)
	if err != nil {
		return nil, err
	}

	for _, n := range g.Nodes() {
		if _, ok := state.Tasks[n.ID]; ok {
			continue
		}
		layer, _ := plan.LayerOf(n.ID)
		state.Tasks[n.ID] = &TaskState{NodeID: n.ID, Status: TaskPending, MaxAttempts: e.attemptBudget(n), Layer: layer}
	}
	reset := prepareResume(state)

	e.log.Info("run resuming",
		zap.String("run_id", runID),
		zap.String("graph_id", g.ID()),
		zap.Strings("rescheduled", reset))

	opts.RunID = runID
	return e.launch(ctx, g, plan, state, opts)
}

// Handle returns the handle of a run started by this engine.
func (e *Engine) Handle(runID string) (*RunHandle, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.runs[runID]
	return h, ok
}

// Snapshot returns the state of a run, from memory when the run was started
// by this engine, otherwise from the checkpoint store.
func (e *Engine) Snapshot(ctx context.Context, runID string) (*RunState, error) {
	if h, ok := e.Handle(runID); ok {
		return h.Snapshot(), nil
	}
	if e.cfg.Checkpoints == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return e.cfg.Checkpoints.Load(ctx, runID)
}

// Cancel requests cancellation of an active run.
func (e *Engine) Cancel(runID string) error {
	h, ok := e.Handle(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	h.Cancel()
	return nil
}

// Runs returns the ids of runs started by this engine, sorted.
func (e *Engine) Runs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
