// Package handlers exposes the service's HTTP API: creating jobs,
// ticking them from the task queue, reading their status and
// registering built isolates.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"go.chromeperf.org/pinpoint/go/change"
	"go.chromeperf.org/pinpoint/go/isolate"
	"go.chromeperf.org/pinpoint/go/job"
	"go.chromeperf.org/pinpoint/go/jobstore"
	"go.chromeperf.org/pinpoint/go/quest"
)

// API routes requests into the job service.
type API struct {
	Jobs *job.Service
	Deps *quest.Deps
}

// RegisterHandlers attaches the API's routes to the router.
func (a *API) RegisterHandlers(router *chi.Mux) {
	router.Post("/api/new", a.newHandler)
	router.Post("/api/run/{id}", a.runHandler)
	router.Get("/api/job/{id}", a.jobHandler)
	router.Post("/api/isolate", a.isolateHandler)
}

// newHandler validates the request arguments, generates the quest
// pipeline and starts a new job.
func (a *API) newHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, errors.Wrap(err, "parsing the request"))
		return
	}
	arguments := map[string]string{}
	for key := range r.Form {
		arguments[key] = r.Form.Get(key)
	}

	bugID, err := parseBugID(arguments["bug_id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	tags, err := parseTags(arguments["tags"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	comparisonMode := job.ComparisonMode(arguments["comparison_mode"])
	switch comparisonMode {
	case "", job.ComparisonModeFunctional, job.ComparisonModePerformance:
	default:
		respondError(w, http.StatusBadRequest,
			errors.Errorf("comparison_mode must be functional or performance, got %q", comparisonMode))
		return
	}

	changes, err := parseChanges(arguments)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	quests, err := quest.GenerateQuests(a.Deps, arguments)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	j, err := a.Jobs.NewJob(ctx, job.NewJobArgs{
		Quests:         quests,
		Changes:        changes,
		Arguments:      arguments,
		AutoExplore:    arguments["auto_explore"] == "1" || arguments["auto_explore"] == "true",
		BugID:          bugID,
		ComparisonMode: comparisonMode,
		Tags:           tags,
		User:           arguments["user"],
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if err := a.Jobs.Start(ctx, j); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, map[string]string{
		"jobId":  j.JobID(),
		"jobUrl": a.Jobs.URL(j),
	})
}

// runHandler performs one tick of a job. The task queue redelivers on
// error, so a failed tick comes back here until it sticks or the job
// fails for good.
func (a *API) runHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	j, ok := a.loadJob(w, r)
	if !ok {
		return
	}
	if j.Status() == job.StatusCompleted {
		// A tick outlived its job; nothing to do. Failed jobs stay
		// eligible: the queue redelivers an errored tick, and the retry
		// may succeed.
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := a.Jobs.Run(ctx, j); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// jobHandler returns the job's full status, state included.
func (a *API) jobHandler(w http.ResponseWriter, r *http.Request) {
	j, ok := a.loadJob(w, r)
	if !ok {
		return
	}
	respondJSON(w, j.AsDict(a.Jobs.URL(j), true))
}

// isolateRequest registers the isolates one build produced, one entry
// per target.
type isolateRequest struct {
	BuilderName   string            `json:"builder_name"`
	Change        change.Change     `json:"change"`
	IsolateServer string            `json:"isolate_server"`
	IsolateMap    map[string]string `json:"isolate_map"`
}

// isolateHandler records built isolates in the cache so jobs can skip
// the build stage for changes already built.
func (a *API) isolateHandler(w http.ResponseWriter, r *http.Request) {
	var req isolateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errors.Wrap(err, "decoding the request"))
		return
	}
	if req.BuilderName == "" || req.IsolateServer == "" || len(req.Change.Commits) == 0 || len(req.IsolateMap) == 0 {
		respondError(w, http.StatusBadRequest,
			errors.New("builder_name, change, isolate_server and isolate_map are all required"))
		return
	}

	entries := make([]isolate.Entry, 0, len(req.IsolateMap))
	for target, hash := range req.IsolateMap {
		entries = append(entries, isolate.Entry{
			Builder:       req.BuilderName,
			ChangeID:      req.Change.ID(),
			Target:        target,
			IsolateServer: req.IsolateServer,
			IsolateHash:   hash,
		})
	}
	if err := a.Deps.IsolateCache.Put(r.Context(), entries); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// loadJob resolves the {id} route parameter, a hex job id.
func (a *API) loadJob(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 16, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("the job id must be a hex integer"))
		return nil, false
	}
	j, err := a.Jobs.Store.Get(r.Context(), id)
	if err != nil {
		if err == jobstore.ErrNotFound {
			respondError(w, http.StatusNotFound, err)
		} else {
			respondError(w, http.StatusInternalServerError, err)
		}
		return nil, false
	}
	return j, true
}

func parseBugID(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	bugID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.New("bug_id must be an integer")
	}
	return bugID, nil
}

func parseTags(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var tags map[string]string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, errors.New("tags must be a JSON object of string pairs")
	}
	return tags, nil
}

// parseChanges builds the job's initial change list. An explicit
// changes list wins; otherwise the endpoints come from the repository
// and the start and end git hashes, with an optional gerrit patch on
// the end change only.
func parseChanges(arguments map[string]string) ([]change.Change, error) {
	if raw := arguments["changes"]; raw != "" {
		var changes []change.Change
		if err := json.Unmarshal([]byte(raw), &changes); err != nil {
			return nil, errors.New("changes must be a JSON list of changes")
		}
		if len(changes) == 0 {
			return nil, errors.New("changes must not be empty")
		}
		for _, c := range changes {
			if len(c.Commits) == 0 {
				return nil, errors.New("every change needs at least one commit")
			}
		}
		return changes, nil
	}

	startCommit, err := change.NewCommit(arguments["repository"], arguments["start_git_hash"])
	if err != nil {
		return nil, err
	}
	endCommit, err := change.NewCommit(arguments["repository"], arguments["end_git_hash"])
	if err != nil {
		return nil, err
	}

	patch, err := parsePatch(arguments)
	if err != nil {
		return nil, err
	}

	start, err := change.New([]change.Commit{startCommit}, nil)
	if err != nil {
		return nil, err
	}
	end, err := change.New([]change.Commit{endCommit}, patch)
	if err != nil {
		return nil, err
	}
	return []change.Change{start, end}, nil
}

func parsePatch(arguments map[string]string) (*change.GerritPatch, error) {
	server := arguments["patch_server"]
	patchChange := arguments["patch_change"]
	revision := arguments["patch_revision"]
	if server == "" && patchChange == "" && revision == "" {
		return nil, nil
	}
	if server == "" || patchChange == "" || revision == "" {
		return nil, errors.New("a patch needs patch_server, patch_change and patch_revision")
	}
	return &change.GerritPatch{Server: server, Change: patchChange, Revision: revision}, nil
}

func respondJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Error("Could not write the JSON response.")
	}
}

func respondError(w http.ResponseWriter, code int, err error) {
	logrus.WithError(err).Warn("Request failed.")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}); err != nil {
		logrus.WithError(err).Error("Could not write the error response.")
	}
}
