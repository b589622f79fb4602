// ABOUTME: Sentinel errors, the ClassifiedError wrapper, and the default executor error classifier.
// ABOUTME: Classification decides whether a failed attempt is retried (retryable, timeout) or fails the task (fatal).
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389-research/pipewright/pipeline"
)

var (
	// ErrRunNotFound is returned when a run id is unknown to the engine or checkpoint store.
	ErrRunNotFound = errors.New("run not found")
	// ErrGraphConflict is returned when a different graph version is registered under an existing id.
	ErrGraphConflict = errors.New("graph id already registered with a different version")
	// ErrUnknownGraph is returned when resuming a run whose graph is not registered.
	ErrUnknownGraph = errors.New("graph not registered")
	// ErrCyclicGraph aliases the planner's cycle error so callers need only this package.
	ErrCyclicGraph = pipeline.ErrCyclicGraph
	// ErrTaskTimeout marks an attempt that exceeded its per-task timeout.
	ErrTaskTimeout = errors.New("task timed out")
	// ErrExecutorPanic marks an attempt whose executor panicked.
	ErrExecutorPanic = errors.New("executor panicked")
	// ErrNoExecutor is returned when a node type has no registered executor.
	ErrNoExecutor = errors.New("no executor registered for node type")
	// ErrMissingUpstreamOutput marks a task whose predecessor did not produce a connected port.
	ErrMissingUpstreamOutput = errors.New("upstream output missing")
)

// ErrorKind classifies a task error.
type ErrorKind string

const (
	KindRetryable ErrorKind = "retryable"
	KindFatal     ErrorKind = "fatal"
	KindTimeout   ErrorKind = "timeout"
	KindCancelled ErrorKind = "cancelled"
	KindUpstream  ErrorKind = "upstream"
)

// Retryable reports whether an error of this kind may be retried.
func (k ErrorKind) Retryable() bool {
	return k == KindRetryable || k == KindTimeout
}

// ClassifiedError attaches an explicit ErrorKind to an executor error.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Retryable marks err as transient. Returns nil for a nil error.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: KindRetryable, Err: err}
}

// Fatal marks err as permanent; the task fails without retry. Returns nil for a nil error.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: KindFatal, Err: err}
}

// Classifier maps an executor error to an ErrorKind.
type Classifier func(error) ErrorKind

// Classify is the default Classifier. Explicit ClassifiedErrors win; timeouts
// are retryable; cancellation, panics, and wiring errors are not; anything
// else is treated as retryable.
func Classify(err error) ErrorKind {
	var ce *ClassifiedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return ce.Kind
	case errors.Is(err, ErrTaskTimeout):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrExecutorPanic),
		errors.Is(err, ErrNoExecutor),
		errors.Is(err, ErrMissingUpstreamOutput):
		return KindFatal
	default:
		return KindRetryable
	}
}
