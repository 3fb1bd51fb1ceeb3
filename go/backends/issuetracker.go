package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// DefaultIssueTrackerHost is the production monorail instance that
// tracks performance regressions.
const DefaultIssueTrackerHost = "https://api-dot-monorail-prod.appspot.com/_ah/api/monorail/v1"

// IssueTracker posts updates on bugs associated with bisection jobs.
type IssueTracker interface {
	// AddComment appends a comment to the given bug.
	AddComment(ctx context.Context, bugID int64, comment string, sendEmail bool) error
}

// MonorailIssueTracker implements IssueTracker against the monorail
// REST API.
type MonorailIssueTracker struct {
	client  *http.Client
	host    string
	project string
}

// NewMonorailIssueTracker returns an IssueTracker for the given
// authenticated HTTP client.
func NewMonorailIssueTracker(c *http.Client, project string) *MonorailIssueTracker {
	if c == nil {
		c = &http.Client{Timeout: time.Minute}
	}
	if project == "" {
		project = "chromium"
	}
	return &MonorailIssueTracker{
		client:  c,
		host:    DefaultIssueTrackerHost,
		project: project,
	}
}

type monorailComment struct {
	Content   string   `json:"content"`
	Updates   struct{} `json:"updates"`
	SendEmail bool     `json:"sendEmail"`
}

// AddComment implements IssueTracker.
func (m *MonorailIssueTracker) AddComment(ctx context.Context, bugID int64, comment string, sendEmail bool) error {
	body := monorailComment{Content: comment, SendEmail: sendEmail}
	encoded, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encoding bug comment")
	}
	url := fmt.Sprintf("%s/projects/%s/issues/%d/comments", m.host, m.project, bugID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return errors.Wrap(err, "creating bug comment request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "commenting on bug %d", bugID)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("comment on bug %d got status %q", bugID, resp.Status)
	}
	return nil
}

var _ IssueTracker = (*MonorailIssueTracker)(nil)
