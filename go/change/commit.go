// Package change models the source states a bisection measures: a
// Commit pins one repository to one revision, and a Change is an
// ordered tuple of Commits plus an optional patch. The midpoint
// operation over two Changes drives the bisection itself.
package change

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"go.chromeperf.org/pinpoint/go/backends"
)

// NonLinearError reports that no midpoint exists between two changes:
// the revisions are not on one linear first-parent history, or they are
// already adjacent. Explore skips the pair; it is not a failure.
type NonLinearError struct {
	msg string
}

func (e *NonLinearError) Error() string {
	return e.msg
}

func nonLinearf(format string, args ...interface{}) error {
	return &NonLinearError{msg: fmt.Sprintf(format, args...)}
}

// IsNonLinear reports whether err is a NonLinearError.
func IsNonLinear(err error) bool {
	var nle *NonLinearError
	return errors.As(err, &nle)
}

// repositories maps the short names used in job arguments to the
// canonical repository URLs.
var repositories = map[string]string{
	"chromium": "https://chromium.googlesource.com/chromium/src",
	"v8":       "https://chromium.googlesource.com/v8/v8",
	"catapult": "https://chromium.googlesource.com/catapult",
	"angle":    "https://chromium.googlesource.com/angle/angle",
	"skia":     "https://skia.googlesource.com/skia",
}

// RepositoryURL returns the canonical URL for a known repository name.
func RepositoryURL(name string) (string, error) {
	url, ok := repositories[name]
	if !ok {
		return "", errors.Errorf("unknown repository %q", name)
	}
	return url, nil
}

// Commit pins one repository to one revision.
type Commit struct {
	Repository string `json:"repository"`
	GitHash    string `json:"git_hash"`
}

// NewCommit validates the repository name and returns a Commit.
func NewCommit(repository, gitHash string) (Commit, error) {
	if _, err := RepositoryURL(repository); err != nil {
		return Commit{}, err
	}
	if gitHash == "" {
		return Commit{}, errors.New("a commit needs a git hash")
	}
	return Commit{Repository: repository, GitHash: gitHash}, nil
}

// RepositoryURL returns the canonical URL of the commit's repository.
func (c Commit) RepositoryURL() string {
	return repositories[c.Repository]
}

// ID returns the full-fidelity identity of the commit.
func (c Commit) ID() string {
	return fmt.Sprintf("%s@%s", c.Repository, c.GitHash)
}

// String returns the short human form, abbreviating the hash.
func (c Commit) String() string {
	hash := c.GitHash
	if len(hash) > 7 {
		hash = hash[:7]
	}
	return fmt.Sprintf("%s@%s", c.Repository, hash)
}

// AsDict returns the commit's JSON projection.
func (c Commit) AsDict() map[string]interface{} {
	return map[string]interface{}{
		"repository": c.Repository,
		"git_hash":   c.GitHash,
		"url":        fmt.Sprintf("%s/+/%s", c.RepositoryURL(), c.GitHash),
	}
}

// CommitRange returns the commits strictly after a up to and including
// b along the first-parent history, oldest first. It fails with
// NonLinearError when the commits are in different repositories or a is
// not an ancestor of b.
func CommitRange(ctx context.Context, rc backends.RevisionClient, a, b Commit) ([]Commit, error) {
	if a.Repository != b.Repository {
		return nil, nonLinearf("commits %s and %s are in different repositories", a, b)
	}
	infos, err := rc.CommitRange(ctx, a.RepositoryURL(), a.GitHash, b.GitHash)
	if err != nil {
		return nil, errors.Wrapf(err, "listing commits between %s and %s", a, b)
	}
	if len(infos) == 0 {
		return nil, nonLinearf("commit %s is not an ancestor of %s", a, b)
	}
	commits := make([]Commit, 0, len(infos))
	for _, info := range infos {
		commits = append(commits, Commit{Repository: a.Repository, GitHash: info.Hash})
	}
	return commits, nil
}
