// Package cache keys expensive fetch/pipeline results by the full input
// tuple of a run. Single-process, process-lifetime only: no TTL, no disk.
//
// Concurrency policy: block-and-share. The first caller missing a key
// computes; concurrent callers for the same key wait on an in-flight latch
// and share the outcome. Chosen over duplicate-compute because a miss here
// usually means a network fetch.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

// Key is a deterministic hash over every input that can change a run's
// outcome; two runs with different parameters never share an entry.
type Key string

// NewKey derives the cache key from (source identity, user agent, headers,
// tag filters, mode). Map/slice inputs are canonicalized by sorting.
func NewKey(source model.SubscriptionSource, tagFilters []string, mode model.Mode) Key {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	write(source.URL, source.DeclaredType, source.UserAgent, string(mode))

	headerKeys := make([]string, 0, len(source.Headers))
	for k := range source.Headers {
		headerKeys = append(headerKeys, k)
	}
	sort.Strings(headerKeys)
	for _, k := range headerKeys {
		write(strings.ToLower(k), source.Headers[k])
	}

	filters := append([]string(nil), tagFilters...)
	sort.Strings(filters)
	write(filters...)

	return Key(hex.EncodeToString(h.Sum(nil)))
}

type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Manager is safe under concurrent callers. Only successful computations are
// stored; an error result is never cached.
type Manager[V any] struct {
	mu       sync.Mutex
	entries  map[Key]V
	inflight map[Key]*call[V]
}

func NewManager[V any]() *Manager[V] {
	return &Manager[V]{
		entries:  make(map[Key]V),
		inflight: make(map[Key]*call[V]),
	}
}

// GetOrCompute returns the cached value for key or runs compute exactly once
// for all concurrent callers of that key. forceReload bypasses the read path
// entirely, always recomputes, and overwrites the entry on success.
// Waiters that latched onto a computation that failed receive the same
// error; they do not retry.
func (m *Manager[V]) GetOrCompute(key Key, forceReload bool, compute func() (V, error)) (V, error) {
	m.mu.Lock()
	if !forceReload {
		if v, ok := m.entries[key]; ok {
			m.mu.Unlock()
			return v, nil
		}
		if c, ok := m.inflight[key]; ok {
			m.mu.Unlock()
			<-c.done
			return c.val, c.err
		}
	}

	c := &call[V]{done: make(chan struct{})}
	m.inflight[key] = c
	m.mu.Unlock()

	c.val, c.err = compute()

	m.mu.Lock()
	delete(m.inflight, key)
	if c.err == nil {
		m.entries[key] = c.val
	}
	m.mu.Unlock()
	close(c.done)

	return c.val, c.err
}

// Get reads without computing.
func (m *Manager[V]) Get(key Key) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	return v, ok
}

func (m *Manager[V]) Invalidate(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *Manager[V]) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[Key]V)
}

func (m *Manager[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
