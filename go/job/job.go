package job

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"go.chromeperf.org/pinpoint/go/backends"
	"go.chromeperf.org/pinpoint/go/change"
	"go.chromeperf.org/pinpoint/go/quest"
)

// tickInterval spaces ticks out to keep polling overhead low while a
// job waits on builds and tests.
const tickInterval = 10 * time.Second

const (
	roundPushpin  = "\U0001F4CD"
	cryingCatFace = "\U0001F63F"
	middleDot     = "·"
)

// Status of a job, derived from its persisted fields.
type Status string

const (
	StatusRunning   Status = "Running"
	StatusFailed    Status = "Failed"
	StatusCompleted Status = "Completed"
)

// ComparisonMode selects what kind of difference the job is hunting.
type ComparisonMode string

const (
	ComparisonModeFunctional  ComparisonMode = "functional"
	ComparisonModePerformance ComparisonMode = "performance"
)

// Job is one bisection. Everything here is persisted; the State is
// serialised as an opaque versioned blob.
type Job struct {
	ID      int64
	Created time.Time
	Updated time.Time

	// TaskName names the queue task the job is running on. While it is
	// set, the job is running.
	TaskName string

	// Exception is the trace of the error that stopped the job, if any.
	Exception string

	Arguments      map[string]string
	RepeatCount    int
	AutoExplore    bool
	BugID          int64
	ComparisonMode ComparisonMode
	Tags           map[string]string
	User           string

	State *State
}

// JobID returns the job's external id, its key as a hex string.
func (j *Job) JobID() string {
	return fmt.Sprintf("%x", j.ID)
}

// Status derives the job's status from its persisted fields.
func (j *Job) Status() Status {
	if j.TaskName != "" {
		return StatusRunning
	}
	if j.Exception != "" {
		return StatusFailed
	}
	return StatusCompleted
}

// Store persists jobs. Each job is a single entity; reads after a
// write of the same key are strongly consistent.
type Store interface {
	// AllocateID reserves a fresh job id.
	AllocateID(ctx context.Context) (int64, error)

	// Get loads a job.
	Get(ctx context.Context, id int64) (*Job, error)

	// Put saves a job.
	Put(ctx context.Context, j *Job) error
}

// Service owns the collaborators a job needs to run. Jobs themselves
// are plain data; the service drives them.
type Service struct {
	Store     Store
	Queue     taskQueue
	Issues    backends.IssueTracker
	Revisions backends.RevisionClient

	// BaseURL is the public prefix of this service, used in bug
	// comments and job URLs.
	BaseURL string
}

// taskQueue is the slice of the queue the service uses.
type taskQueue interface {
	Enqueue(ctx context.Context, name, relativePath string, countdown time.Duration) error
}

// NewJobArgs carries the validated inputs of a new job.
type NewJobArgs struct {
	Quests         []quest.Quest
	Changes        []change.Change
	Arguments      map[string]string
	AutoExplore    bool
	BugID          int64
	ComparisonMode ComparisonMode
	Tags           map[string]string
	User           string
	RepeatCount    int
}

// NewJob creates and persists a job with its initial changes.
func (s *Service) NewJob(ctx context.Context, args NewJobArgs) (*Job, error) {
	id, err := s.Store.AllocateID(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	j := &Job{
		ID:             id,
		Created:        now,
		Updated:        now,
		Arguments:      args.Arguments,
		RepeatCount:    args.RepeatCount,
		AutoExplore:    args.AutoExplore,
		BugID:          args.BugID,
		ComparisonMode: args.ComparisonMode,
		Tags:           args.Tags,
		User:           args.User,
		State:          NewState(args.Quests, args.RepeatCount),
	}
	if j.RepeatCount <= 0 {
		j.RepeatCount = DefaultRepeatCount
	}
	for _, c := range args.Changes {
		j.State.AddChange(c, -1)
	}
	if err := s.Store.Put(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// URL returns the job's public page.
func (s *Service) URL(j *Job) string {
	return fmt.Sprintf("%s/job/%s", s.BaseURL, j.JobID())
}

// Start schedules the job's first tick and announces it on the bug.
func (s *Service) Start(ctx context.Context, j *Job) error {
	if err := s.schedule(ctx, j); err != nil {
		return err
	}
	comment := fmt.Sprintf("%s Pinpoint job started.\n%s", roundPushpin, s.URL(j))
	s.postBugComment(ctx, j, comment, false)
	return s.Store.Put(ctx, j)
}

// schedule enqueues the next tick under a fresh UUID name. The queue
// rejects duplicate names, so a redelivered tick can never fan out
// into concurrent ticks of the same job. A deadline on the enqueue is
// retried once.
func (s *Service) schedule(ctx context.Context, j *Job) error {
	taskName := uuid.New().String()
	path := "/api/run/" + j.JobID()
	enqueue := func() error {
		return s.Queue.Enqueue(ctx, taskName, path, tickInterval)
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 1)
	if err := backoff.Retry(enqueue, backoff.WithContext(policy, ctx)); err != nil {
		return errors.Wrapf(err, "scheduling job %s", j.JobID())
	}
	j.TaskName = taskName
	return nil
}

// Run performs one tick of the job: explore, poll everything once,
// then either re-enqueue or complete. The tick is idempotent at the
// execution level; a redelivery re-polls but never re-dispatches.
func (s *Service) Run(ctx context.Context, j *Job) (err error) {
	// Clear the failure in case this tick is a successful retry, and
	// the task in case this tick throws.
	j.Exception = ""
	j.TaskName = ""

	defer func() {
		j.Updated = time.Now().UTC()
		if putErr := s.Store.Put(ctx, j); putErr != nil && err == nil {
			err = putErr
		}
	}()

	if err := s.tick(ctx, j); err != nil {
		s.fail(ctx, j, err)
		return err
	}
	return nil
}

func (s *Service) tick(ctx context.Context, j *Job) error {
	if j.AutoExplore {
		if err := j.State.Explore(ctx, s.Revisions); err != nil {
			return err
		}
	}
	workLeft, err := j.State.ScheduleWork(ctx)
	if err != nil {
		return err
	}
	if workLeft {
		return s.schedule(ctx, j)
	}
	s.complete(ctx, j)
	return nil
}

// complete posts the job's findings to the bug.
func (s *Service) complete(ctx context.Context, j *Job) {
	differences := j.State.Differences()

	var status string
	switch len(differences) {
	case 0:
		status = "Couldn't reproduce a difference."
	case 1:
		status = "Found a significant difference after 1 commit."
	default:
		status = fmt.Sprintf("Found significant differences after each of %d commits.", len(differences))
	}
	comment := fmt.Sprintf("<b>%s %s</b>\n%s", roundPushpin, status, s.URL(j))

	for _, d := range differences {
		comment += "\n\n" + s.formatChangeForBug(ctx, d.Change)
	}
	if len(differences) > 0 {
		comment += "\n\nUnderstanding performance regressions:\n" +
			"  http://g.co/ChromePerformanceRegressions"
	}
	s.postBugComment(ctx, j, comment, true)
}

// formatChangeForBug renders one culprit: subject, author, time and a
// link to the commit.
func (s *Service) formatChangeForBug(ctx context.Context, c change.Change) string {
	commit := c.LastCommit()
	gitLink := commit.Repository + " @ " + commit.GitHash

	info, err := s.Revisions.CommitInfo(ctx, commit.RepositoryURL(), commit.GitHash)
	if err != nil {
		logrus.WithError(err).Warnf("Could not look up commit %s for the bug comment.", commit)
		return gitLink
	}
	return fmt.Sprintf("<b>%s</b>\nBy %s %s %s\n%s",
		info.Subject, info.Author, middleDot, info.Time, gitLink)
}

// fail records the error that stopped the job and announces it.
func (s *Service) fail(ctx context.Context, j *Job, cause error) {
	j.Exception = fmt.Sprintf("%+v", cause)
	logrus.WithError(cause).Errorf("Job %s stopped with an error.", j.JobID())

	comment := fmt.Sprintf("%s Pinpoint job stopped with an error.\n%s", cryingCatFace, s.URL(j))
	s.postBugComment(ctx, j, comment, true)
}

// postBugComment best-effort posts to the job's bug, if it has one.
func (s *Service) postBugComment(ctx context.Context, j *Job, comment string, sendEmail bool) {
	if j.BugID == 0 || s.Issues == nil {
		return
	}
	if err := s.Issues.AddComment(ctx, j.BugID, comment, sendEmail); err != nil {
		logrus.WithError(err).Warnf("Could not comment on bug %d.", j.BugID)
	}
}

// AsDict returns the job's JSON projection.
func (j *Job) AsDict(url string, includeState bool) map[string]interface{} {
	d := map[string]interface{}{
		"job_id":       j.JobID(),
		"job_url":      url,
		"arguments":    j.Arguments,
		"auto_explore": j.AutoExplore,
		"user":         j.User,
		"created":      j.Created.Format(time.RFC3339),
		"updated":      j.Updated.Format(time.RFC3339),
		"exception":    nil,
		"status":       string(j.Status()),
	}
	if j.Exception != "" {
		d["exception"] = j.Exception
	}
	if j.BugID != 0 {
		d["bug_id"] = j.BugID
	}
	if j.ComparisonMode != "" {
		d["comparison_mode"] = string(j.ComparisonMode)
	}
	if len(j.Tags) > 0 {
		d["tags"] = j.Tags
	}
	if includeState {
		for k, v := range j.State.AsDict() {
			d[k] = v
		}
	}
	return d
}
