package quest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	buildbucketpb "go.chromium.org/luci/buildbucket/proto"

	"go.chromeperf.org/pinpoint/go/backends"
	"go.chromeperf.org/pinpoint/go/backends/mocks"
	"go.chromeperf.org/pinpoint/go/change"
	"go.chromeperf.org/pinpoint/go/isolate"
)

func testDeps() (*Deps, *mocks.BuildClient, *mocks.SwarmingClient, *mocks.IsolateClient) {
	builds := &mocks.BuildClient{}
	swarming := &mocks.SwarmingClient{}
	isolates := &mocks.IsolateClient{}
	deps := &Deps{
		Builds:       builds,
		Swarming:     swarming,
		Isolates:     isolates,
		IsolateCache: isolate.NewMemoryCache(),
		BuildIndex:   isolate.NewMemoryBuildIndex(),
	}
	return deps, builds, swarming, isolates
}

func assertExecutionSuccess(t *testing.T, e Execution) {
	t.Helper()
	assert.True(t, e.Completed())
	assert.False(t, e.Failed())
	assert.Empty(t, e.Exception())
}

func assertExecutionFailure(t *testing.T, e Execution, fragment string) {
	t.Helper()
	assert.True(t, e.Completed())
	assert.True(t, e.Failed())
	assert.Contains(t, e.Exception(), fragment)
	assert.Empty(t, e.ResultArguments())
}

func TestNewFindIsolate_MissingArguments(t *testing.T) {
	deps, _, _, _ := testDeps()
	_, err := NewFindIsolateFromArgs(deps, map[string]string{"target": "telemetry_perf_tests"})
	assert.Error(t, err)
	_, err = NewFindIsolateFromArgs(deps, map[string]string{"builder": "Mac Builder"})
	assert.Error(t, err)
}

func TestFindIsolate_Equal(t *testing.T) {
	deps, _, _, _ := testDeps()
	a, err := NewFindIsolate(deps, "Mac Builder", "telemetry_perf_tests")
	require.NoError(t, err)
	b, err := NewFindIsolate(deps, "Mac Builder", "telemetry_perf_tests")
	require.NoError(t, err)
	c, err := NewFindIsolate(deps, "Linux Builder", "telemetry_perf_tests")
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestFindIsolate_CacheHit_CompletesWithoutBuilding(t *testing.T) {
	ctx := context.Background()
	deps, builds, _, _ := testDeps()

	c := change.Change{Commits: []change.Commit{{Repository: "chromium", GitHash: "f9f2b720"}}}
	require.NoError(t, deps.IsolateCache.Put(ctx, []isolate.Entry{{
		Builder:       "Mac Builder",
		ChangeID:      c.ID(),
		Target:        "telemetry_perf_tests",
		IsolateServer: "https://isolate.server",
		IsolateHash:   "7c7e90be",
	}}))

	q, err := NewFindIsolate(deps, "Mac Builder", "telemetry_perf_tests")
	require.NoError(t, err)
	e, err := q.Start(c, nil)
	require.NoError(t, err)
	e.Poll(ctx)

	assertExecutionSuccess(t, e)
	assert.Empty(t, e.ResultValues())
	assert.Equal(t, map[string]string{
		"isolate_server": "https://isolate.server",
		"isolate_hash":   "7c7e90be",
	}, e.ResultArguments())
	assert.Equal(t, map[string]interface{}{
		"completed": true,
		"exception": nil,
		"details": []map[string]interface{}{
			{"key": "builder", "value": "Mac Builder"},
			{
				"key":   "isolate",
				"value": "7c7e90be",
				"url":   "https://isolate.server/browse?digest=7c7e90be",
			},
		},
	}, e.AsDict())
	builds.AssertNotCalled(t, "StartBuild")
}

func TestFindIsolate_BuildLifecycle(t *testing.T) {
	ctx := context.Background()
	deps, builds, _, _ := testDeps()

	c := change.Change{
		Commits: []change.Commit{
			{Repository: "chromium", GitHash: "base git hash"},
			{Repository: "catapult", GitHash: "dep git hash"},
		},
		Patch: &change.GerritPatch{
			Server:   "https://example.org",
			Change:   "672011",
			Revision: "2f0d",
		},
	}
	q, err := NewFindIsolate(deps, "Mac Builder", "telemetry_perf_tests")
	require.NoError(t, err)
	e, err := q.Start(c, nil)
	require.NoError(t, err)

	// Request a build.
	builds.On("StartBuild", ctx, "Mac Builder", map[string]interface{}{
		"clobber":             true,
		"parent_got_revision": "base git hash",
		"deps_revision_overrides": map[string]interface{}{
			"https://chromium.googlesource.com/catapult": "dep git hash",
		},
		"patch_storage":    "gerrit",
		"patch_gerrit_url": "https://example.org",
		"patch_change":     "672011",
		"patch_set":        "2f0d",
	}).Return(&backends.Build{ID: 9123, Status: buildbucketpb.Status_SCHEDULED}, nil).Once()
	e.Poll(ctx)
	assert.False(t, e.Completed())
	builds.AssertExpectations(t)

	// The build is running.
	builds.On("GetBuild", ctx, int64(9123)).
		Return(&backends.Build{ID: 9123, Status: buildbucketpb.Status_STARTED, URL: "build_url"}, nil).Once()
	e.Poll(ctx)
	assert.False(t, e.Completed())

	// The build succeeded and uploaded its isolate.
	require.NoError(t, deps.IsolateCache.Put(ctx, []isolate.Entry{{
		Builder:       "Mac Builder",
		ChangeID:      c.ID(),
		Target:        "telemetry_perf_tests",
		IsolateServer: "https://isolate.server",
		IsolateHash:   "isolate git hash",
	}}))
	builds.On("GetBuild", ctx, int64(9123)).
		Return(&backends.Build{ID: 9123, Status: buildbucketpb.Status_SUCCESS, URL: "build_url"}, nil).Once()
	e.Poll(ctx)

	assertExecutionSuccess(t, e)
	assert.Equal(t, map[string]string{
		"isolate_server": "https://isolate.server",
		"isolate_hash":   "isolate git hash",
	}, e.ResultArguments())
	builds.AssertExpectations(t)
}

func TestFindIsolate_SimultaneousBuildsCoalesce(t *testing.T) {
	ctx := context.Background()
	deps, builds, _, _ := testDeps()

	c := change.Change{Commits: []change.Commit{{Repository: "chromium", GitHash: "base git hash"}}}
	q, err := NewFindIsolate(deps, "Mac Builder", "telemetry_perf_tests")
	require.NoError(t, err)
	e1, err := q.Start(c, nil)
	require.NoError(t, err)
	e2, err := q.Start(c, nil)
	require.NoError(t, err)

	// Only the first execution requests a build.
	builds.On("StartBuild", ctx, "Mac Builder", mock.Anything).
		Return(&backends.Build{ID: 9123, Status: buildbucketpb.Status_SCHEDULED}, nil).Once()
	e1.Poll(ctx)
	e2.Poll(ctx)
	assert.False(t, e1.Completed())
	assert.False(t, e2.Completed())
	builds.AssertNumberOfCalls(t, "StartBuild", 1)

	// Both executions watch the same build.
	builds.On("GetBuild", ctx, int64(9123)).
		Return(&backends.Build{ID: 9123, Status: buildbucketpb.Status_STARTED}, nil).Twice()
	e1.Poll(ctx)
	e2.Poll(ctx)
	builds.AssertNumberOfCalls(t, "GetBuild", 2)

	require.NoError(t, deps.IsolateCache.Put(ctx, []isolate.Entry{{
		Builder:       "Mac Builder",
		ChangeID:      c.ID(),
		Target:        "telemetry_perf_tests",
		IsolateServer: "https://isolate.server",
		IsolateHash:   "isolate git hash",
	}}))
	builds.On("GetBuild", ctx, int64(9123)).
		Return(&backends.Build{ID: 9123, Status: buildbucketpb.Status_SUCCESS}, nil).Twice()
	e1.Poll(ctx)
	e2.Poll(ctx)
	assertExecutionSuccess(t, e1)
	assertExecutionSuccess(t, e2)
}

func TestFindIsolate_BuildFailure(t *testing.T) {
	ctx := context.Background()
	deps, builds, _, _ := testDeps()

	c := change.Change{Commits: []change.Commit{{Repository: "chromium", GitHash: "base git hash"}}}
	q, err := NewFindIsolate(deps, "Mac Builder", "telemetry_perf_tests")
	require.NoError(t, err)
	e, err := q.Start(c, nil)
	require.NoError(t, err)

	builds.On("StartBuild", ctx, "Mac Builder", mock.Anything).
		Return(&backends.Build{ID: 9123, Status: buildbucketpb.Status_SCHEDULED}, nil).Once()
	e.Poll(ctx)

	builds.On("GetBuild", ctx, int64(9123)).
		Return(&backends.Build{ID: 9123, Status: buildbucketpb.Status_FAILURE}, nil).Once()
	e.Poll(ctx)
	assertExecutionFailure(t, e, "completed with status FAILURE")
}

func TestFindIsolate_BuildCanceled(t *testing.T) {
	ctx := context.Background()
	deps, builds, _, _ := testDeps()

	c := change.Change{Commits: []change.Commit{{Repository: "chromium", GitHash: "base git hash"}}}
	q, err := NewFindIsolate(deps, "Mac Builder", "telemetry_perf_tests")
	require.NoError(t, err)
	e, err := q.Start(c, nil)
	require.NoError(t, err)

	builds.On("StartBuild", ctx, "Mac Builder", mock.Anything).
		Return(&backends.Build{ID: 9123, Status: buildbucketpb.Status_SCHEDULED}, nil).Once()
	e.Poll(ctx)

	builds.On("GetBuild", ctx, int64(9123)).
		Return(&backends.Build{ID: 9123, Status: buildbucketpb.Status_CANCELED}, nil).Once()
	e.Poll(ctx)
	assertExecutionFailure(t, e, "completed with status CANCELED")
}

func TestFindIsolate_BuildSucceededButIsolateMissing(t *testing.T) {
	ctx := context.Background()
	deps, builds, _, _ := testDeps()

	c := change.Change{Commits: []change.Commit{{Repository: "chromium", GitHash: "base git hash"}}}
	q, err := NewFindIsolate(deps, "Mac Builder", "telemetry_perf_tests")
	require.NoError(t, err)
	e, err := q.Start(c, nil)
	require.NoError(t, err)

	builds.On("StartBuild", ctx, "Mac Builder", mock.Anything).
		Return(&backends.Build{ID: 9123, Status: buildbucketpb.Status_SCHEDULED}, nil).Once()
	e.Poll(ctx)

	builds.On("GetBuild", ctx, int64(9123)).
		Return(&backends.Build{ID: 9123, Status: buildbucketpb.Status_SUCCESS}, nil).Once()
	e.Poll(ctx)
	assertExecutionFailure(t, e, "never uploaded")
}
