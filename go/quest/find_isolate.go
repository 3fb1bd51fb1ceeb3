package quest

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	buildbucketpb "go.chromium.org/luci/buildbucket/proto"

	"go.chromeperf.org/pinpoint/go/change"
	"go.chromeperf.org/pinpoint/go/isolate"
)

// BuildError means the build failed or was canceled. The attempt
// fails; the job continues with its other changes.
type BuildError struct {
	msg string
}

func (e *BuildError) Error() string { return e.msg }

// IsolateNotFoundError means the build succeeded but never uploaded
// the isolate the test stage needs.
type IsolateNotFoundError struct {
	msg string
}

func (e *IsolateNotFoundError) Error() string { return e.msg }

// FindIsolate builds the change and locates the resulting isolate. It
// completes immediately when an earlier build of the same change
// already populated the isolate cache.
type FindIsolate struct {
	Builder string `json:"builder"`
	Target  string `json:"target"`

	deps *Deps
}

// NewFindIsolate returns the build stage for the given builder and
// target.
func NewFindIsolate(deps *Deps, builder, target string) (*FindIsolate, error) {
	if builder == "" {
		return nil, errors.New("missing required argument: builder")
	}
	if target == "" {
		return nil, errors.New("missing required argument: target")
	}
	return &FindIsolate{Builder: builder, Target: target, deps: deps}, nil
}

// NewFindIsolateFromArgs builds the quest from job creation arguments.
func NewFindIsolateFromArgs(deps *Deps, args map[string]string) (*FindIsolate, error) {
	return NewFindIsolate(deps, args["builder"], args["target"])
}

// Name implements Quest.
func (q *FindIsolate) Name() string { return "Build" }

// Kind implements Quest.
func (q *FindIsolate) Kind() string { return kindFindIsolate }

// Equal implements Quest.
func (q *FindIsolate) Equal(other Quest) bool {
	o, ok := other.(*FindIsolate)
	return ok && q.Builder == o.Builder && q.Target == o.Target
}

func (q *FindIsolate) bind(deps *Deps) { q.deps = deps }

// Start implements Quest.
func (q *FindIsolate) Start(c change.Change, args map[string]string) (Execution, error) {
	return &FindIsolateExecution{
		Change: c,
		quest:  q,
	}, nil
}

// FindIsolateExecution drives one build of one change.
type FindIsolateExecution struct {
	executionState

	Change   change.Change `json:"change"`
	BuildID  int64         `json:"build_id,omitempty"`
	BuildURL string        `json:"build_url,omitempty"`

	quest *FindIsolate
}

// Kind implements Execution.
func (e *FindIsolateExecution) Kind() string { return kindFindIsolate }

func (e *FindIsolateExecution) bind(q Quest, deps *Deps) error {
	fi, ok := q.(*FindIsolate)
	if !ok {
		return errors.Errorf("execution kind %q bound to quest kind %q", e.Kind(), q.Kind())
	}
	e.quest = fi
	return nil
}

// Poll implements Execution.
func (e *FindIsolateExecution) Poll(ctx context.Context) {
	if e.Done {
		return
	}
	if err := e.poll(ctx); err != nil {
		e.completeFailed(err)
	}
}

func (e *FindIsolateExecution) poll(ctx context.Context) error {
	q := e.quest
	if e.BuildID == 0 {
		// A completed build for this change may already be cached.
		if done, err := e.checkCache(ctx); done || err != nil {
			return err
		}
		return e.requestBuild(ctx)
	}

	build, err := q.deps.Builds.GetBuild(ctx, e.BuildID)
	if err != nil {
		return err
	}
	if build.URL != "" {
		e.BuildURL = build.URL
	}
	if !build.Completed() {
		return nil
	}
	_ = q.deps.BuildIndex.Delete(ctx, q.Builder, e.Change.ID(), q.Target)
	if build.Status != buildbucketpb.Status_SUCCESS {
		return &BuildError{msg: fmt.Sprintf(
			"build %d completed with status %s", e.BuildID, build.Status)}
	}

	done, err := e.checkCache(ctx)
	if err != nil {
		return err
	}
	if !done {
		return &IsolateNotFoundError{msg: fmt.Sprintf(
			"build %d succeeded but the isolate for %s was never uploaded", e.BuildID, q.Target)}
	}
	return nil
}

// checkCache completes the execution if the isolate is already known.
func (e *FindIsolateExecution) checkCache(ctx context.Context) (bool, error) {
	q := e.quest
	server, hash, err := q.deps.IsolateCache.Get(ctx, q.Builder, e.Change.ID(), q.Target)
	if err == isolate.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.complete(nil, map[string]string{
		"isolate_server": server,
		"isolate_hash":   hash,
	})
	return true, nil
}

// requestBuild attaches to a build already in flight for this change,
// or dispatches a new one.
func (e *FindIsolateExecution) requestBuild(ctx context.Context) error {
	q := e.quest
	if id, err := q.deps.BuildIndex.Get(ctx, q.Builder, e.Change.ID(), q.Target); err == nil {
		e.BuildID = id
		return nil
	} else if err != isolate.ErrNoPendingBuild {
		return err
	}

	properties := map[string]interface{}{
		"clobber":             true,
		"parent_got_revision": e.Change.BaseCommit().GitHash,
	}
	deps := map[string]interface{}{}
	for _, commit := range e.Change.Commits[1:] {
		deps[commit.RepositoryURL()] = commit.GitHash
	}
	if len(deps) > 0 {
		properties["deps_revision_overrides"] = deps
	}
	if e.Change.Patch != nil {
		for k, v := range e.Change.Patch.BuildParameters() {
			properties[k] = v
		}
	}

	build, err := q.deps.Builds.StartBuild(ctx, q.Builder, properties)
	if err != nil {
		return err
	}
	// If another attempt won the race, adopt its build instead.
	winner, err := q.deps.BuildIndex.PutIfAbsent(ctx, q.Builder, e.Change.ID(), q.Target, build.ID)
	if err != nil {
		return err
	}
	e.BuildID = winner
	if build.URL != "" && winner == build.ID {
		e.BuildURL = build.URL
	}
	return nil
}

// AsDict implements Execution.
func (e *FindIsolateExecution) AsDict() map[string]interface{} {
	details := []map[string]interface{}{
		{"key": "builder", "value": e.quest.Builder},
	}
	if e.BuildID != 0 {
		row := map[string]interface{}{
			"key":   "build",
			"value": fmt.Sprintf("%d", e.BuildID),
		}
		if e.BuildURL != "" {
			row["url"] = e.BuildURL
		}
		details = append(details, row)
	}
	args := e.ResultArguments()
	if hash, ok := args["isolate_hash"]; ok {
		details = append(details, map[string]interface{}{
			"key":   "isolate",
			"value": hash,
			"url":   fmt.Sprintf("%s/browse?digest=%s", args["isolate_server"], hash),
		})
	}
	return e.asDict(details)
}

var (
	_ Quest     = (*FindIsolate)(nil)
	_ Execution = (*FindIsolateExecution)(nil)
)
