// Package isolate caches the isolates produced by completed builds so
// that jobs testing the same change never build it twice, and tracks
// the builds currently in flight so that simultaneous requests for the
// same change share one build.
package isolate

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Cache.Get when no isolate is recorded for
// the requested key.
var ErrNotFound = errors.New("no isolate found")

// ErrNoPendingBuild is returned by BuildIndex.Get when no build is in
// flight for the requested key.
var ErrNoPendingBuild = errors.New("no pending build")

// Entry records where the isolate for one (builder, change, target)
// triple lives.
type Entry struct {
	Builder       string
	ChangeID      string
	Target        string
	IsolateServer string
	IsolateHash   string
}

// Cache maps (builder, change, target) to an isolate location.
type Cache interface {
	// Get returns the isolate server and hash for the given key, or
	// ErrNotFound.
	Get(ctx context.Context, builder, changeID, target string) (server, hash string, err error)

	// Put records the given entries. An entry for a key that is already
	// present is ignored, so the first build to complete wins.
	Put(ctx context.Context, entries []Entry) error
}

// BuildIndex tracks builds in flight, so that a second request for the
// same (builder, change, target) can attach to the running build
// instead of starting another.
type BuildIndex interface {
	// PutIfAbsent records buildID for the key and returns it, unless a
	// build is already recorded, in which case the existing id is
	// returned instead.
	PutIfAbsent(ctx context.Context, builder, changeID, target string, buildID int64) (int64, error)

	// Get returns the build in flight for the key, or ErrNoPendingBuild.
	Get(ctx context.Context, builder, changeID, target string) (int64, error)

	// Delete removes the key once the build reaches a terminal state.
	Delete(ctx context.Context, builder, changeID, target string) error
}

func cacheKey(builder, changeID, target string) string {
	return fmt.Sprintf("%s/%s/%s", builder, changeID, target)
}

// MemoryCache is an in-memory Cache for tests and local runs.
type MemoryCache struct {
	mtx     sync.Mutex
	entries map[string]Entry
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]Entry{}}
}

// Get implements Cache.
func (m *MemoryCache) Get(ctx context.Context, builder, changeID, target string) (string, string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	e, ok := m.entries[cacheKey(builder, changeID, target)]
	if !ok {
		return "", "", ErrNotFound
	}
	return e.IsolateServer, e.IsolateHash, nil
}

// Put implements Cache.
func (m *MemoryCache) Put(ctx context.Context, entries []Entry) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, e := range entries {
		key := cacheKey(e.Builder, e.ChangeID, e.Target)
		if _, ok := m.entries[key]; ok {
			continue
		}
		m.entries[key] = e
	}
	return nil
}

var _ Cache = (*MemoryCache)(nil)

// MemoryBuildIndex is an in-memory BuildIndex for tests and local runs.
type MemoryBuildIndex struct {
	mtx    sync.Mutex
	builds map[string]int64
}

// NewMemoryBuildIndex returns an empty MemoryBuildIndex.
func NewMemoryBuildIndex() *MemoryBuildIndex {
	return &MemoryBuildIndex{builds: map[string]int64{}}
}

// PutIfAbsent implements BuildIndex.
func (m *MemoryBuildIndex) PutIfAbsent(ctx context.Context, builder, changeID, target string, buildID int64) (int64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	key := cacheKey(builder, changeID, target)
	if existing, ok := m.builds[key]; ok {
		return existing, nil
	}
	m.builds[key] = buildID
	return buildID, nil
}

// Get implements BuildIndex.
func (m *MemoryBuildIndex) Get(ctx context.Context, builder, changeID, target string) (int64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	id, ok := m.builds[cacheKey(builder, changeID, target)]
	if !ok {
		return 0, ErrNoPendingBuild
	}
	return id, nil
}

// Delete implements BuildIndex.
func (m *MemoryBuildIndex) Delete(ctx context.Context, builder, changeID, target string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.builds, cacheKey(builder, changeID, target))
	return nil
}

var _ BuildIndex = (*MemoryBuildIndex)(nil)
