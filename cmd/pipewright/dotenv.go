// ABOUTME: Loads OPENAI_API_KEY and friends from a .env file at startup.
// ABOUTME: Never overrides a variable that is already present in the environment.
package main

import (
	"bufio"
	"os"
	"strings"
)

// loadDotEnv applies KEY=VALUE lines from path to the environment and returns
// the keys it set. A missing file is not an error. Blank lines, # comments,
// an optional "export " prefix, and matching single or double quotes are
// handled.
func loadDotEnv(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var set []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		// Values may contain '='.
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = unquote(strings.TrimSpace(value))

		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err == nil {
			set = append(set, key)
		}
	}
	return set
}

func unquote(v string) string {
	if len(v) < 2 {
		return v
	}
	first, last := v[0], v[len(v)-1]
	if first == last && (first == '"' || first == '\'') {
		return v[1 : len(v)-1]
	}
	return v
}
