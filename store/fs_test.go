// ABOUTME: Tests for filesystem-specific store behaviour: layout on disk, escaping, and deletion.
package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/2389-research/pipewright/engine"
)

func TestFS_Layout(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	ctx := context.Background()
	if err := s.SaveRun(ctx, sampleHeader("run-1", time.Now())); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if err := s.Save(ctx, "run-1", "fetch/page", engine.TaskState{NodeID: "fetch/page", Status: engine.TaskReady}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "run-1", "run.json")); err != nil {
		t.Errorf("run.json missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "run-1", "tasks", "fetch%2Fpage.json")); err != nil {
		t.Errorf("escaped task file missing: %v", err)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "run-1", "tasks"))
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			t.Errorf("unexpected leftover file %s", e.Name())
		}
	}

	rs, err := s.Load(ctx, "run-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := rs.Tasks["fetch/page"]; !ok {
		t.Errorf("task ids = %v, want fetch/page", rs.Tasks)
	}
}

func TestFS_SaveWithoutRun(t *testing.T) {
	s, _ := NewFS(t.TempDir())
	err := s.Save(context.Background(), "ghost", "a", engine.TaskState{NodeID: "a"})
	if !errors.Is(err, engine.ErrRunNotFound) {
		t.Errorf("err = %v, want ErrRunNotFound", err)
	}
}

func TestFS_IgnoresTempFilesAndStrayDirs(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFS(dir)
	ctx := context.Background()
	_ = s.SaveRun(ctx, sampleHeader("run-1", time.Now()))
	_ = s.Save(ctx, "run-1", "a", engine.TaskState{NodeID: "a", Status: engine.TaskCompleted})

	if err := os.WriteFile(filepath.Join(dir, "run-1", "tasks", ".tmp-123.json"), []byte("{torn"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "not-a-run"), 0755); err != nil {
		t.Fatal(err)
	}

	rs, err := s.Load(ctx, "run-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rs.Tasks) != 1 {
		t.Errorf("loaded %d tasks, want 1", len(rs.Tasks))
	}
	hs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(hs) != 1 {
		t.Errorf("List returned %d runs, want 1", len(hs))
	}
}

func TestFS_Delete(t *testing.T) {
	s, _ := NewFS(t.TempDir())
	ctx := context.Background()
	_ = s.SaveRun(ctx, sampleHeader("run-1", time.Now()))

	if err := s.Delete(ctx, "run-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, "run-1"); !errors.Is(err, engine.ErrRunNotFound) {
		t.Errorf("Load after delete err = %v", err)
	}
	if err := s.Delete(ctx, "run-1"); !errors.Is(err, engine.ErrRunNotFound) {
		t.Errorf("second Delete err = %v", err)
	}
}
