package change

import (
	"context"

	"go.chromeperf.org/pinpoint/go/backends"
)

// Midpoint returns the change halfway between a and b along the
// first-parent history of their last commits, carrying forward b's
// dependency commits and dropping any patch. It fails with
// NonLinearError when a carries a patch, when the two changes share a
// last commit but pin different dependencies, or when the commits are
// already adjacent.
func Midpoint(ctx context.Context, rc backends.RevisionClient, a, b Change) (Change, error) {
	if a.Patch != nil {
		return Change{}, nonLinearf("change %s carries a patch; cannot bisect by revision", a)
	}
	lastA, lastB := a.LastCommit(), b.LastCommit()
	if lastA == lastB {
		// Same bisectable commit with differing dependency pins.
		return Change{}, nonLinearf("changes %s and %s differ only in dependencies", a, b)
	}
	commits, err := CommitRange(ctx, rc, lastA, lastB)
	if err != nil {
		return Change{}, err
	}
	// The range is (a, b]; adjacent commits leave nothing between them.
	if len(commits) <= 1 {
		return Change{}, nonLinearf("changes %s and %s are adjacent", a, b)
	}
	between := commits[:len(commits)-1]
	// Even-length gaps take the older of the two central commits.
	mid := between[(len(between)-1)/2]

	midCommits := make([]Commit, len(b.Commits))
	copy(midCommits, b.Commits)
	midCommits[len(midCommits)-1] = mid
	return Change{Commits: midCommits}, nil
}
