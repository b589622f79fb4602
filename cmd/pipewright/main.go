// ABOUTME: CLI entrypoint for pipewright with run, validate, plan, resume, and serve modes.
// ABOUTME: Loads YAML pipelines and inputs, wires the engine, and reports run outcomes with exit codes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/2389-research/pipewright/engine"
	"github.com/2389-research/pipewright/pipeline"
	"github.com/2389-research/pipewright/server"
)

var version = "dev"

func main() {
	loadDotEnv(".env")

	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Printf("pipewright %s\n", version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run dispatches to the selected mode and returns the process exit code:
// 0 on success, 1 on a failed or cancelled run or runtime error, 2 on usage errors.
func run(ctx context.Context, cfg config, stdout, stderr io.Writer) int {
	if cfg.serve {
		return runServe(ctx, cfg, stderr)
	}
	if len(cfg.pipelineFiles) != 1 {
		printHelp(stderr, version)
		return 2
	}

	g, err := pipeline.LoadYAML(cfg.pipelineFiles[0])
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	inputs, err := loadInputs(cfg.inputsFile)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	switch {
	case cfg.planOnly:
		return runPlan(g, stdout, stderr)
	case cfg.validateOnly:
		return runValidate(cfg, g, inputs, stdout, stderr)
	}

	log, err := newLogger(cfg.verbose)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	rt, err := build(cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer rt.Close()

	opts := engine.RunOptions{RunID: cfg.runID}
	var state *engine.RunState
	if cfg.resumeRunID != "" {
		if err := rt.engine.RegisterGraph(g); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		state, err = rt.engine.Resume(ctx, cfg.resumeRunID, opts)
	} else {
		state, err = rt.engine.Run(ctx, g, inputs, opts)
	}
	if err != nil {
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			printDiagnostics(stderr, verr.Diagnostics)
			fmt.Fprintln(stderr, "Validation failed.")
			return 1
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	printReport(stdout, g, state)
	if state.Status != engine.RunCompleted {
		return 1
	}
	return 0
}

func loadInputs(path string) (map[string]engine.Values, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := pipeline.LoadInputs(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]engine.Values, len(raw))
	for id, v := range raw {
		out[id] = engine.Values(v)
	}
	return out, nil
}

// runValidate checks structure and node types without touching any store.
func runValidate(cfg config, g *pipeline.Graph, inputs map[string]engine.Values, stdout, stderr io.Writer) int {
	eng := engine.New(engine.Config{Registry: newRegistry(cfg)})
	res := eng.Validate(g, inputs)
	printDiagnostics(stderr, res.Diagnostics)
	if !res.Valid {
		fmt.Fprintln(stderr, "Validation failed.")
		return 1
	}
	fmt.Fprintln(stdout, "Pipeline is valid.")
	return 0
}

func runPlan(g *pipeline.Graph, stdout, stderr io.Writer) int {
	plan, err := pipeline.Plan(g)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprint(stdout, plan.String())
	return 0
}

func runServe(ctx context.Context, cfg config, stderr io.Writer) int {
	log, err := newLogger(cfg.verbose)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	rt, err := build(cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer rt.Close()

	for _, path := range cfg.pipelineFiles {
		g, err := pipeline.LoadYAML(path)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		if err := rt.engine.RegisterGraph(g); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		log.Info("registered pipeline", zap.String("graph_id", g.ID()), zap.String("path", path))
	}

	srv, err := server.New(server.Config{
		Addr:        cfg.addr,
		Engine:      rt.engine,
		Events:      rt.events,
		Runs:        rt.runs,
		Gatherer:    rt.gatherer,
		Logger:      log,
		BaseContext: ctx,
	})
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stderr, "listening on %s\n", cfg.addr)
	if err := srv.ListenAndServe(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func printDiagnostics(w io.Writer, diags []pipeline.Diagnostic) {
	for _, d := range diags {
		fmt.Fprintln(w, d.String())
	}
}

// printReport writes a per-task table followed by the outputs of sink nodes.
func printReport(w io.Writer, g *pipeline.Graph, state *engine.RunState) {
	fmt.Fprintf(w, "run %s (%s v%d): %s\n", state.RunID, state.GraphID, state.GraphVersion, state.Status)
	if fe := state.FirstError; fe != nil {
		fmt.Fprintf(w, "first failure: %s (%s): %s\n", fe.NodeID, fe.Kind, fe.Message)
	}

	ids := make([]string, 0, len(state.Tasks))
	for id := range state.Tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := state.Tasks[ids[i]], state.Tasks[ids[j]]
		if a.Layer != b.Layer {
			return a.Layer < b.Layer
		}
		return ids[i] < ids[j]
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tATTEMPTS\tNOTE")
	for _, id := range ids {
		t := state.Tasks[id]
		note := t.LastError
		switch {
		case t.CacheHit:
			note = "cache hit"
		case t.SkippedBecause != "":
			note = "upstream " + t.SkippedBecause + " failed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\n", id, t.Status, t.Attempts, t.MaxAttempts, note)
	}
	_ = tw.Flush()

	sinks := make(map[string]engine.Values)
	for _, id := range ids {
		t := state.Tasks[id]
		if t.Status == engine.TaskCompleted && len(g.Successors(id)) == 0 {
			sinks[id] = t.Outputs
		}
	}
	if len(sinks) == 0 {
		return
	}
	out, err := yaml.Marshal(sinks)
	if err != nil {
		return
	}
	fmt.Fprintln(w, "outputs:")
	fmt.Fprint(w, indent(string(out), "  "))
}

func indent(s, prefix string) string {
	lines := strings.SplitAfter(s, "\n")
	var b strings.Builder
	for _, l := range lines {
		if l != "" && l != "\n" {
			b.WriteString(prefix)
		}
		b.WriteString(l)
	}
	return b.String()
}
