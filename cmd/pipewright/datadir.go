// ABOUTME: Data directory resolution for the pipewright CLI: flag, PIPEWRIGHT_DATA_DIR, then XDG.
// ABOUTME: Expands a leading ~ in overrides and creates the directory before stores open it.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// dataDirEnv overrides the XDG default without a flag.
const dataDirEnv = "PIPEWRIGHT_DATA_DIR"

// defaultDataDir returns $PIPEWRIGHT_DATA_DIR, else $XDG_DATA_HOME/pipewright,
// else ~/.local/share/pipewright.
func defaultDataDir() (string, error) {
	if dir := os.Getenv(dataDirEnv); dir != "" {
		return expandHome(dir)
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "pipewright"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "pipewright"), nil
}

// resolveDataDir prefers an explicit override over the environment defaults
// and returns an absolute path.
func resolveDataDir(override string) (string, error) {
	dir := override
	if dir == "" {
		var err error
		if dir, err = defaultDataDir(); err != nil {
			return "", err
		}
	} else {
		var err error
		if dir, err = expandHome(dir); err != nil {
			return "", err
		}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve data dir %q: %w", dir, err)
	}
	return abs, nil
}

// prepareDataDir resolves the data directory and creates it.
func prepareDataDir(override string) (string, error) {
	dir, err := resolveDataDir(override)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return dir, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
