// ABOUTME: Interrupt-and-resume runs through the durable stores compared against an uninterrupted run.
// ABOUTME: Outputs reloaded from disk must feed downstream tasks exactly as the in-memory originals did.
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/2389-research/pipewright/engine"
	"github.com/2389-research/pipewright/pipeline"
)

func port(name string) pipeline.Port {
	return pipeline.Port{Name: name, Type: pipeline.TypeAny}
}

// resumeGraph is src -> mid -> sink. src emits typed values, mid and sink
// describe the Go types they receive.
func resumeGraph() *pipeline.Graph {
	return pipeline.New("resume-equivalence", 1,
		[]pipeline.Node{
			{ID: "src", Type: "src", Outputs: []pipeline.Port{port("raw"), port("n")}},
			{ID: "mid", Type: "mid", Inputs: []pipeline.Port{port("raw"), port("n")}, Outputs: []pipeline.Port{port("out")}},
			{ID: "sink", Type: "sink", Inputs: []pipeline.Port{port("in"), port("seed")}, Outputs: []pipeline.Port{port("out")}},
		},
		[]pipeline.Connection{
			{Source: pipeline.Endpoint{Node: "src", Port: "raw"}, Target: pipeline.Endpoint{Node: "mid", Port: "raw"}},
			{Source: pipeline.Endpoint{Node: "src", Port: "n"}, Target: pipeline.Endpoint{Node: "mid", Port: "n"}},
			{Source: pipeline.Endpoint{Node: "mid", Port: "out"}, Target: pipeline.Endpoint{Node: "sink", Port: "in"}},
		},
	)
}

func describe(v any) string { return fmt.Sprintf("%T(%v)", v, v) }

// resumeRegistry builds the executors; block makes mid wait for cancellation.
func resumeRegistry(block chan struct{}) *engine.Registry {
	reg := engine.NewRegistry()
	reg.RegisterFunc("src", func(ctx context.Context, req engine.Request) (engine.Result, error) {
		return engine.Result{Outputs: engine.Values{"raw": []byte("payload"), "n": 42}}, nil
	})
	reg.RegisterFunc("mid", func(ctx context.Context, req engine.Request) (engine.Result, error) {
		if block != nil {
			close(block)
			<-ctx.Done()
			return engine.Result{}, ctx.Err()
		}
		return engine.Result{Outputs: engine.Values{
			"out": describe(req.Inputs["raw"]) + " " + describe(req.Inputs["n"]),
		}}, nil
	})
	reg.RegisterFunc("sink", func(ctx context.Context, req engine.Request) (engine.Result, error) {
		return engine.Result{Outputs: engine.Values{
			"out": fmt.Sprint(req.Inputs["in"]) + " | " + describe(req.Inputs["seed"]),
		}}, nil
	})
	return reg
}

var resumeInputs = map[string]engine.Values{"sink": {"seed": []byte{9}}}

func TestResume_MatchesUninterruptedRun(t *testing.T) {
	policy := engine.BackoffPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	baseline, err := engine.New(engine.Config{Registry: resumeRegistry(nil), RetryPolicy: policy}).
		Run(context.Background(), resumeGraph(), resumeInputs, engine.RunOptions{})
	if err != nil || baseline.Status != engine.RunCompleted {
		t.Fatalf("baseline run: %v %+v", err, baseline)
	}

	stores := map[string]func(t *testing.T) engine.CheckpointStore{
		"fs": func(t *testing.T) engine.CheckpointStore {
			s, err := NewFS(t.TempDir())
			if err != nil {
				t.Fatalf("NewFS: %v", err)
			}
			return s
		},
		"sqlite": func(t *testing.T) engine.CheckpointStore {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "resume.db"))
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ckpt := open(t)

			block := make(chan struct{})
			first := engine.New(engine.Config{Registry: resumeRegistry(block), Checkpoints: ckpt, RetryPolicy: policy})
			h, err := first.Start(context.Background(), resumeGraph(), resumeInputs, engine.RunOptions{})
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			<-block
			h.Cancel()
			interrupted, _ := h.Wait(context.Background())
			if interrupted.Status != engine.RunCancelled {
				t.Fatalf("interrupted status = %s", interrupted.Status)
			}

			second := engine.New(engine.Config{Registry: resumeRegistry(nil), Checkpoints: ckpt, RetryPolicy: policy})
			if err := second.RegisterGraph(resumeGraph()); err != nil {
				t.Fatalf("RegisterGraph: %v", err)
			}
			resumed, err := second.Resume(context.Background(), h.RunID(), engine.RunOptions{})
			if err != nil {
				t.Fatalf("Resume: %v", err)
			}
			if resumed.Status != engine.RunCompleted {
				t.Fatalf("resumed status = %s", resumed.Status)
			}

			for _, id := range []string{"src", "mid", "sink"} {
				want, _ := baseline.Task(id)
				got, _ := resumed.Task(id)
				if !reflect.DeepEqual(got.Outputs, want.Outputs) {
					t.Errorf("%s outputs = %#v, want %#v", id, got.Outputs, want.Outputs)
				}
			}
		})
	}
}
