package isolate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_FirstWriteWins(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	_, _, err := c.Get(ctx, "Mac Builder", "chromium@aaa", "telemetry_perf_tests")
	assert.Equal(t, ErrNotFound, err)

	require.NoError(t, c.Put(ctx, []Entry{{
		Builder:       "Mac Builder",
		ChangeID:      "chromium@aaa",
		Target:        "telemetry_perf_tests",
		IsolateServer: "https://isolate.server",
		IsolateHash:   "7c7e90be",
	}}))

	// A later write for the same key is ignored.
	require.NoError(t, c.Put(ctx, []Entry{{
		Builder:       "Mac Builder",
		ChangeID:      "chromium@aaa",
		Target:        "telemetry_perf_tests",
		IsolateServer: "https://other.server",
		IsolateHash:   "deadbeef",
	}}))

	server, hash, err := c.Get(ctx, "Mac Builder", "chromium@aaa", "telemetry_perf_tests")
	require.NoError(t, err)
	assert.Equal(t, "https://isolate.server", server)
	assert.Equal(t, "7c7e90be", hash)
}

func TestMemoryCache_KeysAreDistinct(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	require.NoError(t, c.Put(ctx, []Entry{{
		Builder:       "Mac Builder",
		ChangeID:      "chromium@aaa",
		Target:        "telemetry_perf_tests",
		IsolateServer: "https://isolate.server",
		IsolateHash:   "7c7e90be",
	}}))

	_, _, err := c.Get(ctx, "Mac Builder", "chromium@bbb", "telemetry_perf_tests")
	assert.Equal(t, ErrNotFound, err)
	_, _, err = c.Get(ctx, "Linux Builder", "chromium@aaa", "telemetry_perf_tests")
	assert.Equal(t, ErrNotFound, err)
	_, _, err = c.Get(ctx, "Mac Builder", "chromium@aaa", "performance_test_suite")
	assert.Equal(t, ErrNotFound, err)
}

func TestMemoryBuildIndex_PutIfAbsentCoalesces(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBuildIndex()

	_, err := b.Get(ctx, "Mac Builder", "chromium@aaa", "telemetry_perf_tests")
	assert.Equal(t, ErrNoPendingBuild, err)

	id, err := b.PutIfAbsent(ctx, "Mac Builder", "chromium@aaa", "telemetry_perf_tests", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), id)

	// A second caller attaches to the existing build.
	id, err = b.PutIfAbsent(ctx, "Mac Builder", "chromium@aaa", "telemetry_perf_tests", 200)
	require.NoError(t, err)
	assert.Equal(t, int64(100), id)

	require.NoError(t, b.Delete(ctx, "Mac Builder", "chromium@aaa", "telemetry_perf_tests"))
	_, err = b.Get(ctx, "Mac Builder", "chromium@aaa", "telemetry_perf_tests")
	assert.Equal(t, ErrNoPendingBuild, err)
}
