// ABOUTME: Built-in node executors: const, template, concat, delay, and fail.
// ABOUTME: Each reads its settings from the node config and its data from the resolved input ports.
package executors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/2389-research/pipewright/engine"
)

// Builtins returns one instance of every executor that needs no external service.
func Builtins() []engine.Executor {
	return []engine.Executor{Const{}, Template{}, Concat{}, Delay{}, Fail{}}
}

// Const emits the values in config["values"] unchanged. A scalar
// config["value"] is emitted on the "value" port.
type Const struct{}

// Type implements engine.Executor.
func (Const) Type() string { return "const" }

// Execute implements engine.Executor.
func (Const) Execute(_ context.Context, req engine.Request) (engine.Result, error) {
	out := engine.Values{}
	if vals, ok := req.Config["values"].(map[string]any); ok {
		for k, v := range vals {
			out[k] = v
		}
	}
	if v, ok := req.Config["value"]; ok {
		out["value"] = v
	}
	if len(out) == 0 {
		return engine.Result{}, engine.Fatal(fmt.Errorf("const node %q has no values", req.NodeID))
	}
	return engine.Result{Outputs: out.Clone()}, nil
}

// Template renders config["template"] with text/template against the node's
// inputs. The result goes to config["output"], default "text". Missing
// input keys are a fatal error.
type Template struct{}

// Type implements engine.Executor.
func (Template) Type() string { return "template" }

// Execute implements engine.Executor.
func (Template) Execute(_ context.Context, req engine.Request) (engine.Result, error) {
	src, ok := req.Config["template"].(string)
	if !ok {
		return engine.Result{}, engine.Fatal(fmt.Errorf("template node %q: config.template must be a string", req.NodeID))
	}
	tmpl, err := template.New(req.NodeID).Option("missingkey=error").Funcs(template.FuncMap{
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"trim":  strings.TrimSpace,
	}).Parse(src)
	if err != nil {
		return engine.Result{}, engine.Fatal(fmt.Errorf("parse template: %w", err))
	}

	data := map[string]any(req.Inputs)
	if data == nil {
		data = map[string]any{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return engine.Result{}, engine.Fatal(fmt.Errorf("render template: %w", err))
	}
	return engine.Result{Outputs: engine.Values{stringConfig(req.Config, "output", "text"): buf.String()}}, nil
}

// Concat joins its inputs into one string on the "text" port. Inputs are
// taken in config["order"] if given, otherwise sorted by port name.
type Concat struct{}

// Type implements engine.Executor.
func (Concat) Type() string { return "concat" }

// Execute implements engine.Executor.
func (Concat) Execute(_ context.Context, req engine.Request) (engine.Result, error) {
	sep := stringConfig(req.Config, "separator", "")

	var order []string
	if raw, ok := req.Config["order"].([]any); ok {
		for _, v := range raw {
			order = append(order, fmt.Sprint(v))
		}
	} else {
		for k := range req.Inputs {
			order = append(order, k)
		}
		sort.Strings(order)
	}

	parts := make([]string, 0, len(order))
	for _, port := range order {
		v, ok := req.Inputs[port]
		if !ok {
			return engine.Result{}, engine.Fatal(fmt.Errorf("concat node %q: input %q not provided", req.NodeID, port))
		}
		parts = append(parts, fmt.Sprint(v))
	}
	return engine.Result{Outputs: engine.Values{"text": strings.Join(parts, sep)}}, nil
}

// Delay waits for config["duration"] and passes its inputs through. It
// reports progress in config["steps"] increments (default 10) and records the
// last finished step as its checkpoint, so a retried or resumed attempt
// only waits for the remainder.
type Delay struct{}

// Type implements engine.Executor.
func (Delay) Type() string { return "delay" }

// Execute implements engine.Executor.
func (Delay) Execute(ctx context.Context, req engine.Request) (engine.Result, error) {
	d, err := durationConfig(req.Config, "duration", time.Second)
	if err != nil {
		return engine.Result{}, engine.Fatal(fmt.Errorf("delay node %q: %w", req.NodeID, err))
	}
	steps := intConfig(req.Config, "steps", 10)
	if steps < 1 {
		steps = 1
	}

	done := 0
	if len(req.Checkpoint) > 0 {
		if n, err := strconv.Atoi(string(req.Checkpoint)); err == nil && n >= 0 && n <= steps {
			done = n
		}
	}

	step := d / time.Duration(steps)
	timer := time.NewTimer(step)
	defer timer.Stop()
	for done < steps {
		select {
		case <-ctx.Done():
			return engine.Result{Checkpoint: []byte(strconv.Itoa(done))}, ctx.Err()
		case <-timer.C:
		}
		done++
		if req.Progress != nil {
			req.Progress(float64(done) / float64(steps))
		}
		timer.Reset(step)
	}
	return engine.Result{Outputs: req.Inputs.Clone(), Checkpoint: []byte(strconv.Itoa(done))}, nil
}

// Fail returns an error for the first config["times"] attempts (all
// attempts when unset) and then passes its inputs through. config["fatal"]
// marks the error as not retryable.
type Fail struct{}

// Type implements engine.Executor.
func (Fail) Type() string { return "fail" }

// Execute implements engine.Executor.
func (Fail) Execute(_ context.Context, req engine.Request) (engine.Result, error) {
	times := intConfig(req.Config, "times", -1)
	if times >= 0 && req.Attempt > times {
		return engine.Result{Outputs: req.Inputs.Clone()}, nil
	}
	err := errors.New(stringConfig(req.Config, "message", "induced failure"))
	if fatal, _ := req.Config["fatal"].(bool); fatal {
		return engine.Result{}, engine.Fatal(err)
	}
	return engine.Result{}, engine.Retryable(err)
}

func stringConfig(cfg map[string]any, key, def string) string {
	if s, ok := cfg[key].(string); ok && s != "" {
		return s
	}
	return def
}

func intConfig(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func durationConfig(cfg map[string]any, key string, def time.Duration) (time.Duration, error) {
	switch v := cfg[key].(type) {
	case nil:
		return def, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("config.%s: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	}
	return 0, fmt.Errorf("config.%s: unsupported value %v", key, cfg[key])
}
