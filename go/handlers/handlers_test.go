package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go.chromeperf.org/pinpoint/go/backends/mocks"
	"go.chromeperf.org/pinpoint/go/isolate"
	"go.chromeperf.org/pinpoint/go/job"
	"go.chromeperf.org/pinpoint/go/jobstore"
	"go.chromeperf.org/pinpoint/go/quest"
	"go.chromeperf.org/pinpoint/go/taskqueue"
)

type apiFixture struct {
	api    *API
	router *chi.Mux
	store  *jobstore.MemoryStore
	queue  *taskqueue.MemoryQueue
	issues *mocks.IssueTracker
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	deps := &quest.Deps{
		Builds:       &mocks.BuildClient{},
		Swarming:     &mocks.SwarmingClient{},
		Isolates:     &mocks.IsolateClient{},
		IsolateCache: isolate.NewMemoryCache(),
		BuildIndex:   isolate.NewMemoryBuildIndex(),
	}
	store := jobstore.NewMemoryStore(deps)
	queue := taskqueue.NewMemoryQueue()
	issues := &mocks.IssueTracker{}
	issues.On("AddComment", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	api := &API{
		Jobs: &job.Service{
			Store:     store,
			Queue:     queue,
			Issues:    issues,
			Revisions: &mocks.RevisionClient{},
			BaseURL:   "https://pinpoint.example.com",
		},
		Deps: deps,
	}
	router := chi.NewRouter()
	api.RegisterHandlers(router)
	return &apiFixture{api: api, router: router, store: store, queue: queue, issues: issues}
}

func (f *apiFixture) postForm(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) postJSON(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func validNewForm() url.Values {
	return url.Values{
		"configuration":   {"mac-11-perf"},
		"target":          {"telemetry_perf_tests"},
		"builder":         {"Mac Builder"},
		"benchmark":       {"speedometer"},
		"browser":         {"release"},
		"chart":           {"Total"},
		"dimensions":      {`[{"key": "os", "value": "Mac-11"}]`},
		"repository":      {"chromium"},
		"start_git_hash":  {"commit_0"},
		"end_git_hash":    {"commit_2"},
		"auto_explore":    {"1"},
		"bug_id":          {"10000"},
		"comparison_mode": {"performance"},
		"tags":            {`{"origin": "test"}`},
		"user":            {"user@example.com"},
	}
}

func TestNewHandler_StartsAJob(t *testing.T) {
	f := newAPIFixture(t)

	w := f.postForm(t, "/api/new", validNewForm())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	jobID, ok := body["jobId"].(string)
	require.True(t, ok)
	assert.Equal(t, "https://pinpoint.example.com/job/"+jobID, body["jobUrl"])

	// The job is persisted, running, and carries the full pipeline.
	require.Len(t, f.queue.Tasks(), 1)
	w = f.get(t, "/api/job/"+jobID)
	require.Equal(t, http.StatusOK, w.Code)
	d := decodeBody(t, w)
	assert.Equal(t, "Running", d["status"])
	assert.Equal(t, true, d["auto_explore"])
	assert.Equal(t, float64(10000), d["bug_id"])
	assert.Equal(t, "performance", d["comparison_mode"])
	assert.Equal(t, []interface{}{"Build", "Test", "Values"}, d["quests"])
	assert.Len(t, d["changes"], 2)
	assert.Equal(t, []interface{}{"pending"}, d["comparisons"])

	f.issues.AssertCalled(t, "AddComment",
		mock.Anything, int64(10000), mock.MatchedBy(func(comment string) bool {
			return strings.Contains(comment, "Pinpoint job started.")
		}), false)
}

func TestNewHandler_ExplicitChanges(t *testing.T) {
	f := newAPIFixture(t)
	form := validNewForm()
	form.Del("repository")
	form.Del("start_git_hash")
	form.Del("end_git_hash")
	form.Set("changes", `[
		{"commits": [{"repository": "chromium", "git_hash": "aaa"}]},
		{"commits": [{"repository": "chromium", "git_hash": "bbb"}],
		 "patch": {"server": "https://chromium-review.googlesource.com", "change": "123", "revision": "4"}}
	]`)

	w := f.postForm(t, "/api/new", form)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	jobID := decodeBody(t, w)["jobId"].(string)
	d := decodeBody(t, f.get(t, "/api/job/"+jobID))
	changes, ok := d["changes"].([]interface{})
	require.True(t, ok)
	require.Len(t, changes, 2)
}

func TestNewHandler_PatchGoesOnTheEndChange(t *testing.T) {
	f := newAPIFixture(t)
	form := validNewForm()
	form.Set("patch_server", "https://chromium-review.googlesource.com")
	form.Set("patch_change", "123")
	form.Set("patch_revision", "4")

	w := f.postForm(t, "/api/new", form)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestNewHandler_Validation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(url.Values)
		fragment string
	}{
		{
			name:     "bug id must be an integer",
			mutate:   func(form url.Values) { form.Set("bug_id", "not-a-number") },
			fragment: "bug_id must be an integer",
		},
		{
			name:     "tags must be a string dict",
			mutate:   func(form url.Values) { form.Set("tags", `["a", "b"]`) },
			fragment: "tags must be a JSON object",
		},
		{
			name:     "comparison mode is constrained",
			mutate:   func(form url.Values) { form.Set("comparison_mode", "magic") },
			fragment: "comparison_mode must be",
		},
		{
			name:     "unknown repository",
			mutate:   func(form url.Values) { form.Set("repository", "unknown") },
			fragment: "repository",
		},
		{
			name:     "partial patch",
			mutate:   func(form url.Values) { form.Set("patch_change", "123") },
			fragment: "patch_server, patch_change and patch_revision",
		},
		{
			name:     "changes must be a list",
			mutate:   func(form url.Values) { form.Set("changes", `{"not": "a list"}`) },
			fragment: "changes must be a JSON list",
		},
		{
			name:     "changes need commits",
			mutate:   func(form url.Values) { form.Set("changes", `[{"commits": []}]`) },
			fragment: "at least one commit",
		},
		{
			name:     "telemetry needs a benchmark",
			mutate:   func(form url.Values) { form.Del("benchmark") },
			fragment: "benchmark",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			form := validNewForm()
			tt.mutate(form)

			w := f.postForm(t, "/api/new", form)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Contains(t, decodeBody(t, w)["error"], tt.fragment)

			// Nothing was scheduled.
			assert.Empty(t, f.queue.Tasks())
		})
	}
}

func TestRunHandler_TicksTheJob(t *testing.T) {
	f := newAPIFixture(t)
	form := validNewForm()
	// A build-only pipeline; the first tick only creates executions.
	form.Del("dimensions")
	form.Del("chart")

	w := f.postForm(t, "/api/new", form)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	jobID := decodeBody(t, w)["jobId"].(string)

	w = f.postJSON(t, "/api/run/"+jobID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The tick left work behind, so it re-enqueued under a new name.
	tasks := f.queue.Tasks()
	require.Len(t, tasks, 2)
	assert.NotEqual(t, tasks[0].Name, tasks[1].Name)
	assert.Equal(t, "/api/run/"+jobID, tasks[1].Path)

	d := decodeBody(t, f.get(t, "/api/job/"+jobID))
	assert.Equal(t, "Running", d["status"])
}

// flakyQueue rejects the next failures enqueues before recovering.
type flakyQueue struct {
	*taskqueue.MemoryQueue
	failures int
}

func (q *flakyQueue) Enqueue(ctx context.Context, name, relativePath string, countdown time.Duration) error {
	if q.failures > 0 {
		q.failures--
		return errors.New("the task queue is unavailable")
	}
	return q.MemoryQueue.Enqueue(ctx, name, relativePath, countdown)
}

func TestRunHandler_FailedTickRetriesOnRedelivery(t *testing.T) {
	f := newAPIFixture(t)
	flaky := &flakyQueue{MemoryQueue: f.queue}
	f.api.Jobs.Queue = flaky

	// Both endpoints are already built, so the recovered tick advances
	// on the cache alone.
	for _, hash := range []string{"commit_0", "commit_2"} {
		require.NoError(t, f.api.Deps.IsolateCache.Put(context.Background(), []isolate.Entry{{
			Builder:       "Mac Builder",
			ChangeID:      "chromium@" + hash,
			Target:        "telemetry_perf_tests",
			IsolateServer: "https://isolate.server",
			IsolateHash:   "isolate:" + hash,
		}}))
	}

	form := validNewForm()
	form.Del("dimensions")
	form.Del("chart")
	w := f.postForm(t, "/api/new", form)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	jobID := decodeBody(t, w)["jobId"].(string)

	// The queue goes down for the whole of the next tick's re-enqueue,
	// including the enqueue's own retry, so the tick errors out.
	flaky.failures = 2
	w = f.postJSON(t, "/api/run/"+jobID, "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	d := decodeBody(t, f.get(t, "/api/job/"+jobID))
	require.Equal(t, "Failed", d["status"])
	require.NotNil(t, d["exception"])

	// The queue redelivers the failed tick once the outage clears; the
	// job shakes off the failure and keeps running.
	w = f.postJSON(t, "/api/run/"+jobID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	d = decodeBody(t, f.get(t, "/api/job/"+jobID))
	assert.Equal(t, "Running", d["status"])
	assert.Nil(t, d["exception"])

	tasks := f.queue.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "/api/run/"+jobID, tasks[1].Path)
}

func TestRunHandler_IgnoresTicksForFinishedJobs(t *testing.T) {
	f := newAPIFixture(t)

	// A job that was never started is not running.
	j, err := f.api.Jobs.NewJob(context.Background(), job.NewJobArgs{})
	require.NoError(t, err)

	w := f.postJSON(t, "/api/run/"+j.JobID(), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.queue.Tasks())
}

func TestJobHandler_Errors(t *testing.T) {
	f := newAPIFixture(t)

	w := f.get(t, "/api/job/zzz")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.get(t, "/api/job/ff")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIsolateHandler_PopulatesTheCache(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	w := f.postJSON(t, "/api/isolate", `{
		"builder_name": "Mac Builder",
		"change": {"commits": [{"repository": "chromium", "git_hash": "aaa"}]},
		"isolate_server": "https://isolate.server",
		"isolate_map": {"telemetry_perf_tests": "deadbeef"}
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	server, hash, err := f.api.Deps.IsolateCache.Get(ctx, "Mac Builder", "chromium@aaa", "telemetry_perf_tests")
	require.NoError(t, err)
	assert.Equal(t, "https://isolate.server", server)
	assert.Equal(t, "deadbeef", hash)
}

func TestIsolateHandler_RejectsIncompleteRequests(t *testing.T) {
	f := newAPIFixture(t)

	w := f.postJSON(t, "/api/isolate", `{"builder_name": "Mac Builder"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.postJSON(t, "/api/isolate", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
