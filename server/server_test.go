// ABOUTME: Tests for the HTTP API using httptest: run lifecycle, validation errors, SSE streaming, and metrics.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/2389-research/pipewright/engine"
	"github.com/2389-research/pipewright/pipeline"
	"github.com/2389-research/pipewright/store"
)

type fixture struct {
	srv    *httptest.Server
	eng    *engine.Engine
	events *engine.Broadcaster
	store  *store.Memory
	gate   chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{gate: make(chan struct{}), store: store.NewMemory()}
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)
	f.events = engine.NewBroadcaster(64, metrics)

	registry := engine.NewRegistry()
	registry.RegisterFunc("echo", func(_ context.Context, req engine.Request) (engine.Result, error) {
		return engine.Result{Outputs: engine.Values{"out": req.NodeID}}, nil
	})
	registry.RegisterFunc("gate", func(ctx context.Context, req engine.Request) (engine.Result, error) {
		select {
		case <-f.gate:
			return engine.Result{Outputs: engine.Values{"out": req.NodeID}}, nil
		case <-ctx.Done():
			return engine.Result{}, ctx.Err()
		}
	})

	f.eng = engine.New(engine.Config{
		Registry:    registry,
		Checkpoints: f.store,
		Emitter:     f.events,
		Metrics:     metrics,
	})

	s, err := New(Config{Engine: f.eng, Events: f.events, Runs: f.store, Gatherer: reg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.srv = httptest.NewServer(s)
	t.Cleanup(func() {
		f.srv.Close()
		f.events.Close()
	})
	return f
}

func twoStep(id, second string) *pipeline.Graph {
	out := []pipeline.Port{{Name: "out", Type: pipeline.TypeAny}}
	return pipeline.New(id, 1,
		[]pipeline.Node{
			{ID: "first", Type: "echo", Outputs: out},
			{ID: "second", Type: second, Inputs: []pipeline.Port{{Name: "in", Type: pipeline.TypeAny, Required: true}}, Outputs: out},
		},
		[]pipeline.Connection{{
			Source: pipeline.Endpoint{Node: "first", Port: "out"},
			Target: pipeline.Endpoint{Node: "second", Port: "in"},
		}})
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *fixture) get(t *testing.T, path string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		_ = json.NewDecoder(resp.Body).Decode(v)
	}
	return resp
}

func (f *fixture) wait(t *testing.T, runID string) *engine.RunState {
	t.Helper()
	h, ok := f.eng.Handle(runID)
	if !ok {
		t.Fatalf("run %s not found", runID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return state
}

func TestHealthAndGraphs(t *testing.T) {
	f := newFixture(t)
	if err := f.eng.RegisterGraph(twoStep("pipe", "echo")); err != nil {
		t.Fatal(err)
	}

	var health map[string]string
	if resp := f.get(t, "/health", &health); resp.StatusCode != http.StatusOK || health["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, health)
	}

	var graphs []graphSummary
	f.get(t, "/graphs", &graphs)
	if len(graphs) != 1 || graphs[0].ID != "pipe" || len(graphs[0].Nodes) != 2 {
		t.Errorf("graphs = %+v", graphs)
	}
}

func TestStartRunAndFetchState(t *testing.T) {
	f := newFixture(t)
	_ = f.eng.RegisterGraph(twoStep("pipe", "echo"))

	resp, body := f.post(t, "/runs", `{"graph_id": "pipe", "run_id": "r-1"}`)
	if resp.StatusCode != http.StatusAccepted || body["run_id"] != "r-1" {
		t.Fatalf("start = %d %v", resp.StatusCode, body)
	}
	f.wait(t, "r-1")

	var state engine.RunState
	if resp := f.get(t, "/runs/r-1", &state); resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if state.Status != engine.RunCompleted || state.Tasks["second"].Status != engine.TaskCompleted {
		t.Errorf("state = %+v", state)
	}

	resp, _ = f.post(t, "/runs", `{"graph_id": "pipe", "run_id": "r-1"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("reusing a finished run id = %d", resp.StatusCode)
	}
	f.wait(t, "r-1")
}

func TestStartRunErrors(t *testing.T) {
	f := newFixture(t)
	needsInput := pipeline.New("needs-input", 1, []pipeline.Node{{
		ID:     "greet",
		Type:   "echo",
		Inputs: []pipeline.Port{{Name: "name", Type: pipeline.TypeAny, Required: true}},
	}}, nil)
	_ = f.eng.RegisterGraph(needsInput)

	resp, body := f.post(t, "/runs", `{"graph_id": "needs-input"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	diags, _ := body["diagnostics"].([]any)
	if len(diags) == 0 {
		t.Errorf("no diagnostics in %v", body)
	}

	if resp, _ := f.post(t, "/runs", `{"graph_id": "ghost"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown graph = %d", resp.StatusCode)
	}
	if resp, _ := f.post(t, "/runs", `{not json`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body = %d", resp.StatusCode)
	}
	if resp, _ := f.post(t, "/runs", `{"graph_id": "needs-input", "task_timeout": "soon"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad timeout = %d", resp.StatusCode)
	}
	if resp := f.get(t, "/runs/nope", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown run = %d", resp.StatusCode)
	}
	if resp, _ := f.post(t, "/runs/nope/cancel", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("cancel unknown = %d", resp.StatusCode)
	}
}

func TestCancelAndResume(t *testing.T) {
	f := newFixture(t)
	_ = f.eng.RegisterGraph(twoStep("pipe", "gate"))

	if resp, _ := f.post(t, "/runs", `{"graph_id": "pipe", "run_id": "r-2"}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start = %d", resp.StatusCode)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		h, _ := f.eng.Handle("r-2")
		if task, _ := h.Snapshot().Task("second"); task.Status == engine.TaskRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second task never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if resp, _ := f.post(t, "/runs/r-2/cancel", ""); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel = %d", resp.StatusCode)
	}
	if state := f.wait(t, "r-2"); state.Status != engine.RunCancelled {
		t.Fatalf("status after cancel = %s", state.Status)
	}

	close(f.gate)
	if resp, body := f.post(t, "/runs/r-2/resume", ""); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("resume = %d %v", resp.StatusCode, body)
	}
	state := f.wait(t, "r-2")
	if state.Status != engine.RunCompleted {
		t.Errorf("status after resume = %s", state.Status)
	}
	if resp, _ := f.post(t, "/runs/unknown/resume", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("resume unknown = %d", resp.StatusCode)
	}
}

func TestRunListMergesStoredRuns(t *testing.T) {
	f := newFixture(t)
	_ = f.eng.RegisterGraph(twoStep("pipe", "echo"))
	_ = f.store.SaveRun(context.Background(), engine.RunHeader{
		RunID: "old", GraphID: "pipe", Status: engine.RunFailed, StartedAt: time.Now().Add(-time.Hour),
	})

	f.post(t, "/runs", `{"graph_id": "pipe", "run_id": "new"}`)
	f.wait(t, "new")

	var runs []runSummary
	f.get(t, "/runs", &runs)
	if len(runs) != 2 {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].RunID != "new" || runs[0].Status != engine.RunCompleted || runs[0].Active {
		t.Errorf("first = %+v", runs[0])
	}
	if runs[1].RunID != "old" || runs[1].Status != engine.RunFailed {
		t.Errorf("second = %+v", runs[1])
	}
}

func readSSE(t *testing.T, body io.Reader) []string {
	t.Helper()
	var events []string
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	return events
}

func TestEventStream_Live(t *testing.T) {
	f := newFixture(t)
	_ = f.eng.RegisterGraph(twoStep("pipe", "gate"))
	f.post(t, "/runs", `{"graph_id": "pipe", "run_id": "live"}`)

	resp, err := http.Get(f.srv.URL + "/runs/live/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	close(f.gate)
	events := readSSE(t, resp.Body)
	if len(events) < 2 || events[0] != "snapshot" {
		t.Fatalf("events = %v", events)
	}
	if last := events[len(events)-1]; last != string(engine.EventRunCompleted) {
		t.Errorf("last event = %s, want run.completed", last)
	}
}

func TestEventStream_FinishedRun(t *testing.T) {
	f := newFixture(t)
	_ = f.eng.RegisterGraph(twoStep("pipe", "echo"))
	f.post(t, "/runs", `{"graph_id": "pipe", "run_id": "done"}`)
	f.wait(t, "done")

	resp, err := http.Get(f.srv.URL + "/runs/done/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if events := readSSE(t, resp.Body); len(events) != 1 || events[0] != "snapshot" {
		t.Errorf("events = %v, want a single snapshot", events)
	}

	if resp := f.get(t, "/runs/ghost/events", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown run stream = %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	_ = f.eng.RegisterGraph(twoStep("pipe", "echo"))
	f.post(t, "/runs", `{"graph_id": "pipe", "run_id": "m"}`)
	f.wait(t, "m")

	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "pipewright_engine_") {
		t.Errorf("metrics output missing engine metrics:\n%s", data)
	}
}
