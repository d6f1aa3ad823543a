package source

import (
	"os"
	"sync"
)

// Index is a process-wide cache of classifications keyed by file path and
// content fingerprint. It is an explicit, injectable component rather than
// a package global so sessions can be tested against a private instance.
//
// Invalidation is whole-file: a single byte change can move a heredoc or
// POD boundary arbitrarily far, so partial reuse is never attempted.
// Classification is pure, so two goroutines racing on the same uncached
// file may both compute it; they agree, and the second store wins.
type Index struct {
	mu      sync.RWMutex
	entries map[string]*indexEntry
}

type indexEntry struct {
	fingerprint uint64
	c           *Classification
}

// NewIndex creates an empty classification cache.
func NewIndex() *Index {
	return &Index{entries: map[string]*indexEntry{}}
}

// Get returns the classification for src, reusing the cached entry for
// path when the content fingerprint still matches.
func (ix *Index) Get(path string, src []byte) *Classification {
	fp := Fingerprint(src)

	ix.mu.RLock()
	e := ix.entries[path]
	ix.mu.RUnlock()
	if e != nil && e.fingerprint == fp {
		return e.c
	}

	c := Classify(src)
	ix.mu.Lock()
	ix.entries[path] = &indexEntry{fingerprint: fp, c: c}
	ix.mu.Unlock()
	return c
}

// Load reads path from disk and classifies it through the cache. An I/O
// failure is request-scoped: the caller reports it on the one breakpoint
// request, the cache is untouched.
func (ix *Index) Load(path string) (*Classification, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ix.Get(path, src), nil
}

// Invalidate drops the cached classification for path.
func (ix *Index) Invalidate(path string) {
	ix.mu.Lock()
	delete(ix.entries, path)
	ix.mu.Unlock()
}

// Len reports the number of cached files.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}
