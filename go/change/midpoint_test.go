package change

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.chromeperf.org/pinpoint/go/backends"
	"go.chromeperf.org/pinpoint/go/backends/mocks"
)

const chromiumURL = "https://chromium.googlesource.com/chromium/src"

// rangeOf builds the revision service's answer for a commit range:
// everything after start up to and including end, oldest first.
func rangeOf(hashes ...string) []*backends.CommitInfo {
	infos := make([]*backends.CommitInfo, 0, len(hashes))
	for _, h := range hashes {
		infos = append(infos, &backends.CommitInfo{Hash: h})
	}
	return infos
}

func chromiumChange(hash string) Change {
	return Change{Commits: []Commit{{Repository: "chromium", GitHash: hash}}}
}

func TestMidpoint_OddGap_ReturnsCentralCommit(t *testing.T) {
	ctx := context.Background()
	rc := &mocks.RevisionClient{}
	rc.On("CommitRange", ctx, chromiumURL, "commit_0", "commit_4").
		Return(rangeOf("commit_1", "commit_2", "commit_3", "commit_4"), nil)

	mid, err := Midpoint(ctx, rc, chromiumChange("commit_0"), chromiumChange("commit_4"))
	require.NoError(t, err)
	assert.Equal(t, "commit_2", mid.LastCommit().GitHash)
}

func TestMidpoint_EvenGap_ReturnsOlderCentralCommit(t *testing.T) {
	ctx := context.Background()
	rc := &mocks.RevisionClient{}
	rc.On("CommitRange", ctx, chromiumURL, "commit_0", "commit_3").
		Return(rangeOf("commit_1", "commit_2", "commit_3"), nil)

	mid, err := Midpoint(ctx, rc, chromiumChange("commit_0"), chromiumChange("commit_3"))
	require.NoError(t, err)
	assert.Equal(t, "commit_1", mid.LastCommit().GitHash)
}

func TestMidpoint_AdjacentCommits_ReturnsNonLinearError(t *testing.T) {
	ctx := context.Background()
	rc := &mocks.RevisionClient{}
	rc.On("CommitRange", ctx, chromiumURL, "commit_0", "commit_1").
		Return(rangeOf("commit_1"), nil)

	_, err := Midpoint(ctx, rc, chromiumChange("commit_0"), chromiumChange("commit_1"))
	assert.True(t, IsNonLinear(err))
}

func TestMidpoint_NotAnAncestor_ReturnsNonLinearError(t *testing.T) {
	ctx := context.Background()
	rc := &mocks.RevisionClient{}
	rc.On("CommitRange", ctx, chromiumURL, "commit_9", "commit_1").
		Return(rangeOf(), nil)

	_, err := Midpoint(ctx, rc, chromiumChange("commit_9"), chromiumChange("commit_1"))
	assert.True(t, IsNonLinear(err))
}

func TestMidpoint_PatchedBase_ReturnsNonLinearError(t *testing.T) {
	ctx := context.Background()
	rc := &mocks.RevisionClient{}

	a := chromiumChange("commit_0")
	a.Patch = &GerritPatch{Server: "https://chromium-review.googlesource.com", Change: "658277", Revision: "5"}
	_, err := Midpoint(ctx, rc, a, chromiumChange("commit_4"))
	assert.True(t, IsNonLinear(err))
	rc.AssertNotCalled(t, "CommitRange")
}

func TestMidpoint_SameLastCommitDifferentDeps_ReturnsNonLinearError(t *testing.T) {
	ctx := context.Background()
	rc := &mocks.RevisionClient{}

	a := Change{Commits: []Commit{
		{Repository: "v8", GitHash: "dep_a"},
		{Repository: "chromium", GitHash: "commit_0"},
	}}
	b := Change{Commits: []Commit{
		{Repository: "v8", GitHash: "dep_b"},
		{Repository: "chromium", GitHash: "commit_0"},
	}}
	_, err := Midpoint(ctx, rc, a, b)
	assert.True(t, IsNonLinear(err))
	rc.AssertNotCalled(t, "CommitRange")
}

func TestMidpoint_DifferentRepositories_ReturnsNonLinearError(t *testing.T) {
	ctx := context.Background()
	rc := &mocks.RevisionClient{}

	a := Change{Commits: []Commit{{Repository: "chromium", GitHash: "commit_0"}}}
	b := Change{Commits: []Commit{{Repository: "v8", GitHash: "commit_4"}}}
	_, err := Midpoint(ctx, rc, a, b)
	assert.True(t, IsNonLinear(err))
}

func TestMidpoint_CarriesForwardDepsAndDropsPatch(t *testing.T) {
	ctx := context.Background()
	rc := &mocks.RevisionClient{}
	rc.On("CommitRange", ctx, chromiumURL, "commit_0", "commit_4").
		Return(rangeOf("commit_1", "commit_2", "commit_3", "commit_4"), nil)

	a := Change{Commits: []Commit{
		{Repository: "v8", GitHash: "dep_old"},
		{Repository: "chromium", GitHash: "commit_0"},
	}}
	b := Change{
		Commits: []Commit{
			{Repository: "v8", GitHash: "dep_new"},
			{Repository: "chromium", GitHash: "commit_4"},
		},
		Patch: &GerritPatch{Server: "https://chromium-review.googlesource.com", Change: "658277", Revision: "5"},
	}
	mid, err := Midpoint(ctx, rc, a, b)
	require.NoError(t, err)
	assert.Equal(t, []Commit{
		{Repository: "v8", GitHash: "dep_new"},
		{Repository: "chromium", GitHash: "commit_2"},
	}, mid.Commits)
	assert.Nil(t, mid.Patch)
}

func TestCommitRange_ExcludesStartIncludesEnd(t *testing.T) {
	ctx := context.Background()
	rc := &mocks.RevisionClient{}
	rc.On("CommitRange", ctx, chromiumURL, "commit_0", "commit_2").
		Return(rangeOf("commit_1", "commit_2"), nil)

	a := Commit{Repository: "chromium", GitHash: "commit_0"}
	b := Commit{Repository: "chromium", GitHash: "commit_2"}
	commits, err := CommitRange(ctx, rc, a, b)
	require.NoError(t, err)
	assert.Equal(t, []Commit{
		{Repository: "chromium", GitHash: "commit_1"},
		{Repository: "chromium", GitHash: "commit_2"},
	}, commits)
}
