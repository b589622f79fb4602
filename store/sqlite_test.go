// ABOUTME: Tests for the SQLite result cache: hits, misses, TTL expiry, overwrite, and purge.
package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/2389-research/pipewright/engine"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteCache_GetPut(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("empty Get = %v, %v", ok, err)
	}
	if err := s.Put(ctx, "k", engine.Values{"text": "hi", "n": 2, "raw": []byte("hi")}, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if v["text"] != "hi" || v["n"] != 2 {
		t.Errorf("cached = %v", v)
	}
	if raw, ok := v["raw"].([]byte); !ok || string(raw) != "hi" {
		t.Errorf("raw = %#v, want []byte", v["raw"])
	}

	if err := s.Put(ctx, "k", engine.Values{"text": "bye"}, 0); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	v, _, _ = s.Get(ctx, "k")
	if v["text"] != "bye" {
		t.Errorf("overwrite not applied: %v", v)
	}
}

func TestSQLiteCache_TTL(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.Put(ctx, "short", engine.Values{"x": 1}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "forever", engine.Values{"x": 2}, 0); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "short"); !ok {
		t.Error("entry should be live before its ttl")
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := s.Get(ctx, "short"); ok {
		t.Error("entry should have expired")
	}
	if _, ok, _ := s.Get(ctx, "forever"); !ok {
		t.Error("entry without ttl should not expire")
	}

	n, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d rows, want 1", n)
	}
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.SaveRun(ctx, sampleHeader("run-1", time.Now()))
	_ = s.Save(ctx, "run-1", "a", engine.TaskState{NodeID: "a", Status: engine.TaskCompleted})
	_ = s.Put(ctx, "key", engine.Values{"ok": true}, 0)
	s.Close()

	s2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	rs, err := s2.Load(ctx, "run-1")
	if err != nil || rs.Tasks["a"].Status != engine.TaskCompleted {
		t.Errorf("Load after reopen = %+v, %v", rs, err)
	}
	if v, ok, _ := s2.Get(ctx, "key"); !ok || v["ok"] != true {
		t.Errorf("cache after reopen = %v, %v", v, ok)
	}
}
