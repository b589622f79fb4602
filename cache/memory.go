// ABOUTME: Bounded in-process ResultCache backed by hashicorp/golang-lru with per-entry expiry.
// ABOUTME: Values are deep-copied on the way in and out so cached outputs cannot be mutated by callers.
package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/2389-research/pipewright/engine"
)

// DefaultSize is the entry bound used when NewMemory is given a non-positive size.
const DefaultSize = 1024

var _ engine.ResultCache = (*Memory)(nil)

type entry struct {
	outputs engine.Values
	expires time.Time
}

// Memory is an LRU result cache. The zero time in an entry means it never expires.
type Memory struct {
	lru *lru.Cache
	now func() time.Time
}

// NewMemory creates a cache that holds at most size entries.
func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = DefaultSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Memory{lru: c, now: time.Now}, nil
}

// Get returns a copy of the outputs stored under key. Expired entries are
// evicted on read and reported as misses.
func (m *Memory) Get(_ context.Context, key string) (engine.Values, bool, error) {
	raw, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	e := raw.(entry)
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		m.lru.Remove(key)
		return nil, false, nil
	}
	return e.outputs.Clone(), true, nil
}

// Put stores a copy of v under key. ttl <= 0 means no expiry.
func (m *Memory) Put(_ context.Context, key string, v engine.Values, ttl time.Duration) error {
	e := entry{outputs: v.Clone()}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.lru.Add(key, e)
	return nil
}

// Len reports the number of entries, including ones that have expired but
// not yet been read.
func (m *Memory) Len() int {
	return m.lru.Len()
}

// Purge drops every entry.
func (m *Memory) Purge() {
	m.lru.Purge()
}
