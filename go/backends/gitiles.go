// Package backends holds the clients for the external services the
// bisection engine drives: the gitiles revision service, the
// buildbucket build service, the swarming task service, the isolate
// artifact store and the monorail issue tracker.
//
// Each capability is a small interface so that quests and the job
// scheduler can be tested against mocks; the production
// implementations live next to them.
package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const (
	commitURL    = "%s/+/%s?format=JSON"
	logURL       = "%s/+log/%s..%s?format=JSON"
	logPagedURL  = "%s/+log/%s..%s?format=JSON&s=%s"
	dateFormatTZ = "Mon Jan 02 15:04:05 2006 -0700"
	dateFormat   = "Mon Jan 02 15:04:05 2006"
)

// CommitInfo describes a single commit as reported by the revision
// service.
type CommitInfo struct {
	Hash    string
	Author  string
	Subject string
	Time    string
	Parents []string
}

// RevisionClient answers questions about the commit history of a
// repository.
type RevisionClient interface {
	// CommitInfo returns the details of a single commit.
	CommitInfo(ctx context.Context, repoURL, gitHash string) (*CommitInfo, error)

	// CommitRange returns the commits after startGitHash up to and
	// including endGitHash, in chronological order, along the
	// first-parent history. The result is empty when startGitHash is
	// not an ancestor of endGitHash.
	CommitRange(ctx context.Context, repoURL, startGitHash, endGitHash string) ([]*CommitInfo, error)
}

// GitilesClient implements RevisionClient against a Gitiles server.
type GitilesClient struct {
	client *http.Client
}

// NewGitilesClient returns a RevisionClient backed by Gitiles.
func NewGitilesClient(c *http.Client) *GitilesClient {
	if c == nil {
		c = &http.Client{Timeout: time.Minute}
	}
	return &GitilesClient{client: c}
}

type gitilesAuthor struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Time  string `json:"time"`
}

type gitilesCommit struct {
	Commit    string         `json:"commit"`
	Parents   []string       `json:"parents"`
	Author    *gitilesAuthor `json:"author"`
	Committer *gitilesAuthor `json:"committer"`
	Message   string         `json:"message"`
}

type gitilesLog struct {
	Log  []*gitilesCommit `json:"log"`
	Next string           `json:"next"`
}

// get fetches a Gitiles JSON document, stripping the XSSI prefix line.
func (g *GitilesClient) get(ctx context.Context, url string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "creating gitiles request")
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "requesting %s", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("gitiles request for %s got status %q", url, resp.Status)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading gitiles response")
	}
	// The response is prefixed with )]}' to defeat XSSI.
	if len(b) < 5 {
		return errors.Errorf("truncated gitiles response from %s", url)
	}
	if err := json.Unmarshal(b[4:], dst); err != nil {
		return errors.Wrapf(err, "decoding gitiles response from %s", url)
	}
	return nil
}

func commitInfoFromGitiles(c *gitilesCommit) *CommitInfo {
	subject := c.Message
	for i := 0; i < len(c.Message); i++ {
		if c.Message[i] == '\n' {
			subject = c.Message[:i]
			break
		}
	}
	info := &CommitInfo{
		Hash:    c.Commit,
		Subject: subject,
		Parents: c.Parents,
	}
	if c.Author != nil {
		info.Author = c.Author.Email
	}
	if c.Committer != nil {
		info.Time = c.Committer.Time
	}
	return info
}

// CommitInfo implements RevisionClient.
func (g *GitilesClient) CommitInfo(ctx context.Context, repoURL, gitHash string) (*CommitInfo, error) {
	var c gitilesCommit
	if err := g.get(ctx, fmt.Sprintf(commitURL, repoURL, gitHash), &c); err != nil {
		return nil, err
	}
	return commitInfoFromGitiles(&c), nil
}

// CommitRange implements RevisionClient. Gitiles returns the log in
// reverse chronological order and paginates long ranges; the pages are
// stitched together and reversed so callers see oldest-first.
func (g *GitilesClient) CommitRange(ctx context.Context, repoURL, startGitHash, endGitHash string) ([]*CommitInfo, error) {
	var commits []*CommitInfo
	next := ""
	for {
		url := fmt.Sprintf(logURL, repoURL, startGitHash, endGitHash)
		if next != "" {
			url = fmt.Sprintf(logPagedURL, repoURL, startGitHash, endGitHash, next)
		}
		var l gitilesLog
		if err := g.get(ctx, url, &l); err != nil {
			return nil, err
		}
		for _, c := range l.Log {
			commits = append(commits, commitInfoFromGitiles(c))
		}
		if l.Next == "" {
			break
		}
		next = l.Next
	}
	// Reverse to chronological order.
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
	return commits, nil
}

var _ RevisionClient = (*GitilesClient)(nil)
