// ABOUTME: Tests for data directory resolution used by the pipewright CLI.
// ABOUTME: Covers the env override, XDG_DATA_HOME, the home fallback, ~ expansion, and directory creation.
package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultDataDirUsesXDGDataHome(t *testing.T) {
	custom := t.TempDir()
	t.Setenv(dataDirEnv, "")
	t.Setenv("XDG_DATA_HOME", custom)

	got, err := defaultDataDir()
	if err != nil {
		t.Fatalf("defaultDataDir failed: %v", err)
	}
	if want := filepath.Join(custom, "pipewright"); got != want {
		t.Errorf("defaultDataDir() = %q, want %q", got, want)
	}
}

func TestDefaultDataDirFallsBackToHome(t *testing.T) {
	t.Setenv(dataDirEnv, "")
	t.Setenv("XDG_DATA_HOME", "")

	got, err := defaultDataDir()
	if err != nil {
		t.Fatalf("defaultDataDir failed: %v", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("UserHomeDir failed: %v", err)
	}
	if want := filepath.Join(home, ".local", "share", "pipewright"); got != want {
		t.Errorf("defaultDataDir() = %q, want %q", got, want)
	}
}

func TestDefaultDataDirPrefersEnvOverride(t *testing.T) {
	env := t.TempDir()
	t.Setenv(dataDirEnv, env)
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	got, err := defaultDataDir()
	if err != nil {
		t.Fatalf("defaultDataDir failed: %v", err)
	}
	if got != env {
		t.Errorf("defaultDataDir() = %q, want %q", got, env)
	}
}

func TestResolveDataDirPrefersFlag(t *testing.T) {
	t.Setenv(dataDirEnv, t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	got, err := resolveDataDir("/srv/pipewright")
	if err != nil {
		t.Fatalf("resolveDataDir failed: %v", err)
	}
	if got != "/srv/pipewright" {
		t.Errorf("resolveDataDir() = %q, want flag value", got)
	}
}

func TestResolveDataDirExpandsHomeAndRelative(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	got, err := resolveDataDir("~/pw-state")
	if err != nil {
		t.Fatalf("resolveDataDir failed: %v", err)
	}
	if want := filepath.Join(home, "pw-state"); got != want {
		t.Errorf("resolveDataDir(~/pw-state) = %q, want %q", got, want)
	}

	rel, err := resolveDataDir("state")
	if err != nil {
		t.Fatalf("resolveDataDir failed: %v", err)
	}
	if !filepath.IsAbs(rel) || filepath.Base(rel) != "state" {
		t.Errorf("resolveDataDir(state) = %q, want absolute path", rel)
	}
}

func TestPrepareDataDirCreatesDirectory(t *testing.T) {
	want := filepath.Join(t.TempDir(), "nested", "data")
	t.Setenv(dataDirEnv, want)

	got, err := prepareDataDir("")
	if err != nil {
		t.Fatalf("prepareDataDir failed: %v", err)
	}
	if got != want {
		t.Errorf("prepareDataDir() = %q, want %q", got, want)
	}
	if info, err := os.Stat(got); err != nil || !info.IsDir() {
		t.Errorf("data dir not created: %v", err)
	}
}
