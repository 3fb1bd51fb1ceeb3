package quest

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	apipb "go.chromium.org/luci/swarming/proto/api_v2"

	"go.chromeperf.org/pinpoint/go/backends"
	"go.chromeperf.org/pinpoint/go/change"
)

const (
	swarmingPool = "Chrome-perf-pinpoint"

	// Task timeouts, in seconds: ten hours queued, two hours running,
	// one hour without i/o.
	taskExpirationSecs = 36000
	taskExecutionSecs  = 7200
	taskIOSecs         = 3600
)

// RunTestError means a test task could not be dispatched at all.
type RunTestError struct {
	msg string
}

func (e *RunTestError) Error() string { return e.msg }

// SwarmingTaskError means the task infrastructure failed: the task
// expired, was canceled or the bot died.
type SwarmingTaskError struct {
	TaskID string
	State  string
}

func (e *SwarmingTaskError) Error() string {
	return fmt.Sprintf("the swarming task %s failed with state %q", e.TaskID, e.State)
}

// SwarmingTestError means the test program itself exited non-zero.
type SwarmingTestError struct {
	TaskID   string
	ExitCode int64
}

func (e *SwarmingTestError) Error() string {
	return fmt.Sprintf("the swarming task %s failed; the test exited with code %d", e.TaskID, e.ExitCode)
}

// Dimension is one swarming bot dimension.
type Dimension struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// CanonicalRecord is the persisted state of the first execution at one
// index position, consulted by the executions at the same position on
// other changes for device affinity.
type CanonicalRecord struct {
	TaskID string `json:"task_id,omitempty"`
	BotID  string `json:"bot_id,omitempty"`
	Failed bool   `json:"failed,omitempty"`
}

// RunTest runs the test on swarming. The i-th execution on every
// change is pinned to the bot the i-th execution on the first change
// landed on, so that sample i is always measured on the same device.
//
// This is the only quest its executions mutate: the canonical records
// live on the quest so that they survive serialisation as one arena.
type RunTest struct {
	Dimensions []Dimension        `json:"dimensions"`
	ExtraArgs  []string           `json:"extra_args"`
	Canonical  []*CanonicalRecord `json:"canonical_executions,omitempty"`
	Counts     map[string]int     `json:"execution_counts,omitempty"`

	deps *Deps
}

// NewRunTest returns the test stage for the given bot dimensions and
// test arguments.
func NewRunTest(deps *Deps, dimensions []Dimension, extraArgs []string) (*RunTest, error) {
	if len(dimensions) == 0 {
		return nil, errors.New("missing required argument: dimensions")
	}
	return &RunTest{
		Dimensions: dimensions,
		ExtraArgs:  extraArgs,
		Counts:     map[string]int{},
		deps:       deps,
	}, nil
}

// Name implements Quest.
func (q *RunTest) Name() string { return "Test" }

// Kind implements Quest.
func (q *RunTest) Kind() string { return kindRunTest }

// Equal implements Quest. Only the parameters count; the canonical
// arena is runtime state.
func (q *RunTest) Equal(other Quest) bool {
	o, ok := other.(*RunTest)
	if !ok || len(q.Dimensions) != len(o.Dimensions) || len(q.ExtraArgs) != len(o.ExtraArgs) {
		return false
	}
	for i := range q.Dimensions {
		if q.Dimensions[i] != o.Dimensions[i] {
			return false
		}
	}
	for i := range q.ExtraArgs {
		if q.ExtraArgs[i] != o.ExtraArgs[i] {
			return false
		}
	}
	return true
}

func (q *RunTest) bind(deps *Deps) { q.deps = deps }

// Start implements Quest.
func (q *RunTest) Start(c change.Change, args map[string]string) (Execution, error) {
	server, ok := args["isolate_server"]
	if !ok {
		return nil, errors.New("the test stage needs an isolate_server from the build stage")
	}
	hash, ok := args["isolate_hash"]
	if !ok {
		return nil, errors.New("the test stage needs an isolate_hash from the build stage")
	}

	if q.Counts == nil {
		q.Counts = map[string]int{}
	}
	index := q.Counts[c.ID()]
	q.Counts[c.ID()]++

	// Results from different changes run through the same dashboard;
	// label them so they can be told apart.
	extraArgs := make([]string, len(q.ExtraArgs))
	copy(extraArgs, q.ExtraArgs)
	for i := 0; i+1 < len(extraArgs); i++ {
		if extraArgs[i] == "--results-label" {
			extraArgs[i+1] = c.String()
			break
		}
	}

	canonical := false
	if len(q.Canonical) <= index {
		q.Canonical = append(q.Canonical, &CanonicalRecord{})
		canonical = true
	}
	return &RunTestExecution{
		Index:         index,
		Canonical:     canonical,
		ExtraArgs:     extraArgs,
		IsolateServer: server,
		IsolateHash:   hash,
		quest:         q,
	}, nil
}

// RunTestExecution drives one swarming task.
type RunTestExecution struct {
	executionState

	Index         int      `json:"index"`
	Canonical     bool     `json:"canonical,omitempty"`
	ExtraArgs     []string `json:"extra_args"`
	IsolateServer string   `json:"isolate_server"`
	IsolateHash   string   `json:"isolate_hash"`
	TaskID        string   `json:"task_id,omitempty"`
	BotID         string   `json:"bot_id,omitempty"`

	quest *RunTest
}

// Kind implements Execution.
func (e *RunTestExecution) Kind() string { return kindRunTest }

func (e *RunTestExecution) bind(q Quest, deps *Deps) error {
	rt, ok := q.(*RunTest)
	if !ok {
		return errors.Errorf("execution kind %q bound to quest kind %q", e.Kind(), q.Kind())
	}
	e.quest = rt
	if e.Index >= len(rt.Canonical) {
		return errors.Errorf("execution index %d has no canonical record", e.Index)
	}
	return nil
}

func (e *RunTestExecution) record() *CanonicalRecord {
	return e.quest.Canonical[e.Index]
}

// Poll implements Execution.
func (e *RunTestExecution) Poll(ctx context.Context) {
	if e.Done {
		return
	}
	if err := e.poll(ctx); err != nil {
		if e.Canonical {
			e.record().Failed = true
		}
		e.completeFailed(err)
	}
}

func (e *RunTestExecution) poll(ctx context.Context) error {
	if e.TaskID == "" {
		return e.startTask(ctx)
	}

	result, err := e.quest.deps.Swarming.GetResult(ctx, e.TaskID)
	if err != nil {
		return err
	}
	if result.BotId != "" {
		e.BotID = result.BotId
		if e.Canonical {
			e.record().BotID = result.BotId
		}
	}

	switch result.State {
	case apipb.TaskState_PENDING, apipb.TaskState_RUNNING:
		return nil
	case apipb.TaskState_COMPLETED:
		if result.Failure {
			return &SwarmingTestError{TaskID: e.TaskID, ExitCode: result.ExitCode}
		}
		out := result.CasOutputRoot
		if out.GetDigest().GetHash() == "" {
			return &SwarmingTaskError{TaskID: e.TaskID, State: "NO_OUTPUT"}
		}
		e.complete(nil, map[string]string{
			"isolate_server": out.GetCasInstance(),
			"isolate_hash":   out.GetDigest().GetHash(),
		})
		return nil
	default:
		return &SwarmingTaskError{TaskID: e.TaskID, State: result.State.String()}
	}
}

func (e *RunTestExecution) startTask(ctx context.Context) error {
	rec := e.record()
	if !e.Canonical && rec.BotID == "" {
		if rec.Failed {
			// The canonical execution never found a bot; this one
			// would not fare better.
			return &RunTestError{msg: "there are no bots available to run the test"}
		}
		// Wait for the canonical execution to land on a bot.
		return nil
	}

	dimensions := []*apipb.StringPair{{Key: "pool", Value: swarmingPool}}
	if e.Canonical {
		for _, d := range e.quest.Dimensions {
			dimensions = append(dimensions, &apipb.StringPair{Key: d.Key, Value: d.Value})
		}
	} else {
		dimensions = append(dimensions, &apipb.StringPair{Key: "id", Value: rec.BotID})
	}

	req := &apipb.NewTaskRequest{
		Name:           "Pinpoint job",
		User:           "Pinpoint",
		Priority:       100,
		ExpirationSecs: taskExpirationSecs,
		Properties: &apipb.TaskProperties{
			CasInputRoot: &apipb.CASReference{
				CasInstance: e.IsolateServer,
				Digest:      &apipb.Digest{Hash: e.IsolateHash},
			},
			Command:              e.ExtraArgs,
			Dimensions:           dimensions,
			ExecutionTimeoutSecs: taskExecutionSecs,
			IoTimeoutSecs:        taskIOSecs,
		},
	}
	resp, err := e.quest.deps.Swarming.NewTask(ctx, req)
	if err != nil {
		return err
	}
	e.TaskID = resp.TaskId
	if e.Canonical {
		rec.TaskID = resp.TaskId
	}
	return nil
}

// AsDict implements Execution.
func (e *RunTestExecution) AsDict() map[string]interface{} {
	var details []map[string]interface{}
	if e.TaskID != "" {
		details = append(details, map[string]interface{}{
			"key":   "task",
			"value": e.TaskID,
			"url":   fmt.Sprintf("https://%s/task?id=%s", backends.DefaultSwarmingHost, e.TaskID),
		})
	}
	if e.BotID != "" {
		details = append(details, map[string]interface{}{
			"key":   "bot",
			"value": e.BotID,
		})
	}
	return e.asDict(details)
}

var (
	_ Quest     = (*RunTest)(nil)
	_ Execution = (*RunTestExecution)(nil)
)
