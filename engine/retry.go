// ABOUTME: Retry policy interface and the exponential BackoffPolicy built on cenkalti/backoff.
// ABOUTME: Provides named presets (none, standard, aggressive, linear, patient) selectable from configuration.
package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultMaxDelay = 60 * time.Second

// Decision is a RetryPolicy verdict for one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// RetryPolicy decides whether a failed attempt is retried and after how long.
// task reflects the state after the failed attempt (Attempts already counted).
type RetryPolicy interface {
	ShouldRetry(task TaskState, err error) Decision
}

// BackoffPolicy retries retryable errors while attempts remain, waiting
// BaseDelay * Multiplier^(attempt-1) between attempts, capped at MaxDelay.
type BackoffPolicy struct {
	// MaxAttempts is the attempt budget used when the task carries none.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // default 60s
	Multiplier  float64       // default 2.0
	// Jitter is the randomization factor in [0,1]; 0 gives deterministic delays.
	Jitter float64
	// Classifier overrides the default error classification.
	Classifier Classifier
}

// Attempts returns the policy's default attempt budget.
func (p BackoffPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// ShouldRetry implements RetryPolicy.
func (p BackoffPolicy) ShouldRetry(task TaskState, err error) Decision {
	budget := task.MaxAttempts
	if budget <= 0 {
		budget = p.Attempts()
	}
	if task.Attempts >= budget {
		return Decision{}
	}

	classify := p.Classifier
	if classify == nil {
		classify = Classify
	}
	if !classify(err).Retryable() {
		return Decision{}
	}

	return Decision{Retry: true, Delay: p.DelayForAttempt(task.Attempts)}
}

// DelayForAttempt returns the wait after the given failed attempt (1-based).
func (p BackoffPolicy) DelayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = maxDelay
	b.Multiplier = mult
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	// The first interval is not bounded by MaxInterval, and jitter can push
	// any interval past it.
	if d > maxDelay {
		d = maxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

var retryPresets = map[string]BackoffPolicy{
	"none": {
		MaxAttempts: 1,
		BaseDelay:   200 * time.Millisecond,
	},
	"standard": {
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		Jitter:      0.5,
	},
	"aggressive": {
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		Jitter:      0.5,
	},
	"linear": {
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  1.0,
	},
	"patient": {
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Multiplier:  3.0,
		Jitter:      0.5,
	},
}

// RetryPreset returns the named preset policy.
func RetryPreset(name string) (BackoffPolicy, error) {
	p, ok := retryPresets[name]
	if !ok {
		return BackoffPolicy{}, fmt.Errorf("unknown retry preset %q (known: %v)", name, RetryPresetNames())
	}
	p.MaxDelay = defaultMaxDelay
	return p, nil
}

// RetryPresetNames lists the preset names, sorted.
func RetryPresetNames() []string {
	names := make([]string, 0, len(retryPresets))
	for n := range retryPresets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
