// ABOUTME: Tests for the pipewright CLI covering flag parsing, config file merging,
// ABOUTME: plan and validate modes, end-to-end runs against the fs store, and resume.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const greetYAML = `id: greet
version: 1
nodes:
  - id: who
    type: const
    config:
      values: {name: world}
    outputs:
      - {name: name, type: string}
  - id: greeting
    type: template
    config:
      template: '{{with index . "salutation"}}{{.}}{{else}}Hello{{end}}, {{.name}}!'
    inputs:
      - {name: name, type: string, required: true}
      - {name: salutation, type: string}
    outputs:
      - {name: text, type: string}
connections:
  - {from: who.name, to: greeting.name}
`

const brokenYAML = `id: broken
version: 1
nodes:
  - id: a
    type: const
    config:
      values: {out: 1}
    outputs:
      - {name: out, type: int}
  - id: b
    type: template
    config:
      template: '{{.in}}'
    inputs:
      - {name: in, type: string, required: true}
connections:
  - {from: a.out, to: b.in}
  - {from: b.text, to: a.missing}
`

const failingYAML = `id: failing
version: 1
nodes:
  - id: src
    type: const
    config:
      values: {text: hi}
    outputs:
      - {name: text, type: string}
  - id: boom
    type: fail
    config:
      message: boom
      fatal: true
    inputs:
      - {name: text, type: string, required: true}
    outputs:
      - {name: text, type: string}
  - id: after
    type: template
    config:
      template: '{{.text}}'
    inputs:
      - {name: text, type: string, required: true}
connections:
  - {from: src.text, to: boom.text}
  - {from: boom.text, to: after.text}
`

// testConfig parses args the way main does and points state at a temp dir.
func testConfig(t *testing.T, args ...string) config {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	full := append([]string{"-data-dir", t.TempDir()}, args...)
	cfg, err := parseFlags(full, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags(%v): %v", full, err)
	}
	return cfg
}

func runCLI(t *testing.T, cfg config) (int, string, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	code := run(ctx, cfg, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// --- parseFlags ---

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags([]string{"pipeline.yaml"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.addr != "127.0.0.1:2389" {
		t.Errorf("addr = %q", cfg.addr)
	}
	if cfg.storeKind != "fs" || cfg.cacheKind != "memory" {
		t.Errorf("store/cache = %q/%q, want fs/memory", cfg.storeKind, cfg.cacheKind)
	}
	if cfg.cacheSize != 1024 {
		t.Errorf("cacheSize = %d, want 1024", cfg.cacheSize)
	}
	if cfg.concurrency != 4 {
		t.Errorf("concurrency = %d, want 4", cfg.concurrency)
	}
	if cfg.retryPolicy != "standard" {
		t.Errorf("retryPolicy = %q, want standard", cfg.retryPolicy)
	}
	if cfg.validateOnly || cfg.planOnly || cfg.serve || cfg.verbose {
		t.Error("expected mode flags off by default")
	}
	if len(cfg.pipelineFiles) != 1 || cfg.pipelineFiles[0] != "pipeline.yaml" {
		t.Errorf("pipelineFiles = %v", cfg.pipelineFiles)
	}
}

func TestParseFlagsOverrides(t *testing.T) {
	cfg, err := parseFlags([]string{
		"-store", "sqlite", "-cache", "none", "-concurrency", "9",
		"-task-timeout", "45s", "-retry", "aggressive", "-max-attempts", "7",
		"-run-id", "r-1", "-serve", "a.yaml", "b.yaml",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.storeKind != "sqlite" || cfg.cacheKind != "none" {
		t.Errorf("store/cache = %q/%q", cfg.storeKind, cfg.cacheKind)
	}
	if cfg.concurrency != 9 || cfg.maxAttempts != 7 {
		t.Errorf("concurrency/maxAttempts = %d/%d", cfg.concurrency, cfg.maxAttempts)
	}
	if cfg.taskTimeout != 45*time.Second {
		t.Errorf("taskTimeout = %v", cfg.taskTimeout)
	}
	if cfg.retryPolicy != "aggressive" || cfg.runID != "r-1" || !cfg.serve {
		t.Errorf("unexpected cfg %+v", cfg)
	}
	if len(cfg.pipelineFiles) != 2 {
		t.Errorf("pipelineFiles = %v", cfg.pipelineFiles)
	}
}

func TestParseFlagsHelp(t *testing.T) {
	var stderr bytes.Buffer
	_, err := parseFlags([]string{"-h"}, &stderr)
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
	if !strings.Contains(stderr.String(), "Usage:") {
		t.Errorf("expected help text, got %q", stderr.String())
	}
}

func TestParseFlagsConfigFile(t *testing.T) {
	path := writeTempFile(t, "pipewright.yaml", `store: sqlite
max_concurrency: 12
task_timeout: 2m
retry: patient
cache:
  backend: sqlite
  size: 50
  ttl: 1h
openai:
  model: local-model
`)

	cfg, err := parseFlags([]string{"-config", path, "-concurrency", "3", "p.yaml"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.concurrency != 3 {
		t.Errorf("explicit flag should win: concurrency = %d", cfg.concurrency)
	}
	if cfg.storeKind != "sqlite" || cfg.cacheKind != "sqlite" {
		t.Errorf("store/cache = %q/%q, want sqlite/sqlite", cfg.storeKind, cfg.cacheKind)
	}
	if cfg.taskTimeout != 2*time.Minute || cfg.cacheTTL != time.Hour {
		t.Errorf("taskTimeout/cacheTTL = %v/%v", cfg.taskTimeout, cfg.cacheTTL)
	}
	if cfg.cacheSize != 50 || cfg.retryPolicy != "patient" || cfg.openAIModel != "local-model" {
		t.Errorf("unexpected cfg %+v", cfg)
	}
}

func TestParseFlagsConfigFileErrors(t *testing.T) {
	bad := writeTempFile(t, "bad.yaml", "task_timeout: soon\ncache:\n  ttl: later\n")
	_, err := parseFlags([]string{"-config", bad}, io.Discard)
	if err == nil {
		t.Fatal("expected error for unparseable durations")
	}
	if !strings.Contains(err.Error(), "task-timeout") || !strings.Contains(err.Error(), "cache-ttl") {
		t.Errorf("expected both durations reported, got %v", err)
	}

	if _, err := parseFlags([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, io.Discard); err == nil {
		t.Error("expected error for a missing config file")
	}
}

// --- modes ---

func TestRunWithoutPipelineIsUsageError(t *testing.T) {
	code, _, stderr := runCLI(t, testConfig(t))
	if code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr, "Usage:") {
		t.Errorf("expected help on stderr, got %q", stderr)
	}
}

func TestRunPlan(t *testing.T) {
	path := writeTempFile(t, "greet.yaml", greetYAML)
	code, stdout, _ := runCLI(t, testConfig(t, "-plan", path))
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	want := "layer 0: who\nlayer 1: greeting\n"
	if stdout != want {
		t.Errorf("plan output = %q, want %q", stdout, want)
	}
}

func TestRunValidate(t *testing.T) {
	good := writeTempFile(t, "greet.yaml", greetYAML)
	code, stdout, _ := runCLI(t, testConfig(t, "-validate", good))
	if code != 0 || !strings.Contains(stdout, "Pipeline is valid.") {
		t.Errorf("valid pipeline: code=%d stdout=%q", code, stdout)
	}

	bad := writeTempFile(t, "broken.yaml", brokenYAML)
	code, _, stderr := runCLI(t, testConfig(t, "-validate", bad))
	if code != 1 {
		t.Errorf("broken pipeline: exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Validation failed.") {
		t.Errorf("expected failure message, got %q", stderr)
	}
}

func TestRunRejectsInvalidPipeline(t *testing.T) {
	bad := writeTempFile(t, "broken.yaml", brokenYAML)
	code, stdout, stderr := runCLI(t, testConfig(t, bad))
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if stdout != "" {
		t.Errorf("expected no report for a pipeline that never started, got %q", stdout)
	}
	if !strings.Contains(stderr, "Validation failed.") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRunPipelineEndToEnd(t *testing.T) {
	path := writeTempFile(t, "greet.yaml", greetYAML)
	inputs := writeTempFile(t, "inputs.yaml", "greeting:\n  salutation: Howdy\n")

	code, stdout, stderr := runCLI(t, testConfig(t, "-run-id", "r1", path))
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%q", code, stderr)
	}
	for _, want := range []string{"run r1 (greet v1): completed", "greeting", "Hello, world!"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("report missing %q:\n%s", want, stdout)
		}
	}

	code, stdout, _ = runCLI(t, testConfig(t, "-inputs", inputs, path))
	if code != 0 {
		t.Fatalf("exit code with inputs = %d", code)
	}
	if !strings.Contains(stdout, "Howdy, world!") {
		t.Errorf("expected initial input to be used:\n%s", stdout)
	}
}

func TestRunFailedPipelineExitsNonZero(t *testing.T) {
	path := writeTempFile(t, "failing.yaml", failingYAML)
	code, stdout, _ := runCLI(t, testConfig(t, "-store", "memory", path))
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	for _, want := range []string{"failed", "first failure: boom (fatal)", "upstream boom failed"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("report missing %q:\n%s", want, stdout)
		}
	}
}

func TestRunResumeFromFSStore(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	dataDir := t.TempDir()
	path := writeTempFile(t, "greet.yaml", greetYAML)

	cfg, err := parseFlags([]string{"-data-dir", dataDir, "-run-id", "keep", path}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if code, _, stderr := runCLI(t, cfg); code != 0 {
		t.Fatalf("first run exit code = %d, stderr=%q", code, stderr)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "runs", "keep", "run.json")); err != nil {
		t.Fatalf("expected run checkpoint on disk: %v", err)
	}

	cfg, err = parseFlags([]string{"-data-dir", dataDir, "-resume", "keep", path}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	code, stdout, stderr := runCLI(t, cfg)
	if code != 0 {
		t.Fatalf("resume exit code = %d, stderr=%q", code, stderr)
	}
	if !strings.Contains(stdout, "run keep (greet v1): completed") || !strings.Contains(stdout, "Hello, world!") {
		t.Errorf("unexpected resume report:\n%s", stdout)
	}
}

func TestRunResumeUnknownRun(t *testing.T) {
	path := writeTempFile(t, "greet.yaml", greetYAML)
	code, _, stderr := runCLI(t, testConfig(t, "-resume", "ghost", path))
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "ghost") {
		t.Errorf("expected run id in error, got %q", stderr)
	}
}

func TestRunUnknownStoreKind(t *testing.T) {
	path := writeTempFile(t, "greet.yaml", greetYAML)
	code, _, stderr := runCLI(t, testConfig(t, "-store", "postgres", path))
	if code != 1 || !strings.Contains(stderr, "unknown store") {
		t.Errorf("code=%d stderr=%q", code, stderr)
	}
}

func TestRunWritesProgressFiles(t *testing.T) {
	path := writeTempFile(t, "greet.yaml", greetYAML)
	progressDir := t.TempDir()
	code, _, stderr := runCLI(t, testConfig(t, "-store", "none", "-progress-dir", progressDir, "-run-id", "p1", path))
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%q", code, stderr)
	}
	for _, name := range []string{"progress.ndjson", "live.json"} {
		if _, err := os.Stat(filepath.Join(progressDir, "p1", name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
}

func TestRunSQLiteStoreAndCache(t *testing.T) {
	path := writeTempFile(t, "greet.yaml", greetYAML)
	code, stdout, stderr := runCLI(t, testConfig(t, "-store", "sqlite", "-cache", "sqlite", path))
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%q", code, stderr)
	}
	if !strings.Contains(stdout, "Hello, world!") {
		t.Errorf("unexpected report:\n%s", stdout)
	}
}

func TestIndent(t *testing.T) {
	got := indent("a: 1\nb:\n\n  c: 2\n", "  ")
	want := "  a: 1\n  b:\n\n    c: 2\n"
	if got != want {
		t.Errorf("indent = %q, want %q", got, want)
	}
}
