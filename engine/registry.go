// ABOUTME: Executor interface, request/result types, and the type-keyed executor registry.
// ABOUTME: The scheduler resolves each node's type to an Executor through the Registry at dispatch time.
package engine

import (
	"context"
	"sort"
	"sync"
)

// Request is everything an executor receives for one attempt of one task.
type Request struct {
	RunID    string
	NodeID   string
	NodeType string
	Config   map[string]any
	Inputs   Values
	// Attempt is 1-based.
	Attempt int
	// Checkpoint is the blob returned by a previous attempt, possibly from an
	// earlier process when the run was resumed. Nil on first attempt.
	Checkpoint []byte
	// Progress reports a completion fraction in [0,1]. Never blocks; updates
	// may be dropped under load.
	Progress func(fraction float64)
}

// Result is what an executor returns for one attempt.
type Result struct {
	Outputs Values
	// Checkpoint is persisted with the task state even when Execute returns
	// an error, so the next attempt can resume from it.
	Checkpoint []byte
}

// Executor runs nodes of one type.
type Executor interface {
	// Type returns the node type this executor handles (e.g. "template", "openai.chat").
	Type() string

	// Execute runs one attempt. It must honour ctx cancellation.
	Execute(ctx context.Context, req Request) (Result, error)
}

// ExecutorFunc adapts a plain function to the Execute half of Executor.
// Register it with Registry.RegisterFunc to give it a type.
type ExecutorFunc func(ctx context.Context, req Request) (Result, error)

type funcExecutor struct {
	typ string
	fn  ExecutorFunc
}

func (f funcExecutor) Type() string { return f.typ }

func (f funcExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	return f.fn(ctx, req)
}

// Registry maps node type strings to executors. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates a registry holding the given executors.
func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	for _, e := range executors {
		r.Register(e)
	}
	return r
}

// Register adds an executor keyed by its Type(). Registering an
// already-registered type replaces the previous executor.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Type()] = e
}

// RegisterFunc registers fn as the executor for typ.
func (r *Registry) RegisterFunc(typ string, fn ExecutorFunc) {
	r.Register(funcExecutor{typ: typ, fn: fn})
}

// Get returns the executor registered for typ.
func (r *Registry) Get(typ string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[typ]
	return e, ok
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
