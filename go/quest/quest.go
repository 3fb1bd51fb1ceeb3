// Package quest implements the stages of a bisection attempt. A Quest
// is an immutable stage description; starting it on a change yields an
// Execution, which the scheduler polls one step at a time until it
// completes or fails. The three production quests build an isolate,
// run the test on swarming and read the measured values back out of
// the output artifact.
package quest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"go.chromeperf.org/pinpoint/go/backends"
	"go.chromeperf.org/pinpoint/go/change"
	"go.chromeperf.org/pinpoint/go/isolate"
)

// Deps carries the external service clients the quests use. Quests and
// executions are serialised without their clients, so the same Deps is
// re-bound after decoding.
type Deps struct {
	Builds       backends.BuildClient
	Swarming     backends.SwarmingClient
	Isolates     backends.IsolateClient
	IsolateCache isolate.Cache
	BuildIndex   isolate.BuildIndex
}

// Quest is a named, immutable stage description. Two quests compare
// equal iff their parameters match; the arena a RunTest quest keeps for
// device affinity is mutable runtime state, not identity.
type Quest interface {
	// Name is the short human label shown in job results.
	Name() string

	// Kind tags the quest's serialised form.
	Kind() string

	// Start constructs an Execution of this quest for the given change.
	// args carries the previous stage's result arguments; it is empty
	// for the first stage. Start makes no external calls.
	Start(c change.Change, args map[string]string) (Execution, error)

	// Equal reports whether the other quest has the same parameters.
	Equal(other Quest) bool

	bind(deps *Deps)
}

// Execution is the runtime instance of a Quest for a specific change.
// All of its state survives serialisation; any remote id is recorded
// before Poll returns so that a re-delivered tick never dispatches the
// same work twice.
type Execution interface {
	// Poll performs one step of progress, making at most one external
	// call. Polling a completed execution is a no-op. Errors are
	// captured as a failure trace rather than returned.
	Poll(ctx context.Context)

	Completed() bool
	Failed() bool

	// Exception returns the failure trace, or "" if the execution has
	// not failed.
	Exception() string

	// ResultValues returns the measured samples, empty unless this is a
	// value-reading stage that completed successfully.
	ResultValues() []float64

	// ResultArguments returns the outputs handed to the next stage.
	ResultArguments() map[string]string

	// AsDict returns the human-readable detail of the execution.
	AsDict() map[string]interface{}

	// Kind tags the execution's serialised form.
	Kind() string

	bind(q Quest, deps *Deps) error
}

// executionState is the serialised core every execution embeds.
type executionState struct {
	Done      bool              `json:"completed"`
	Failure   bool              `json:"failed,omitempty"`
	Trace     string            `json:"exception,omitempty"`
	Values    []float64         `json:"result_values,omitempty"`
	Arguments map[string]string `json:"result_arguments,omitempty"`
}

func (s *executionState) Completed() bool    { return s.Done }
func (s *executionState) Failed() bool       { return s.Failure }
func (s *executionState) Exception() string  { return s.Trace }
func (s *executionState) ResultValues() []float64 {
	return s.Values
}

func (s *executionState) ResultArguments() map[string]string {
	if s.Arguments == nil {
		return map[string]string{}
	}
	return s.Arguments
}

func (s *executionState) complete(values []float64, arguments map[string]string) {
	s.Done = true
	s.Values = values
	s.Arguments = arguments
}

func (s *executionState) completeFailed(err error) {
	s.Done = true
	s.Failure = true
	s.Trace = fmt.Sprintf("%+v", err)
}

func (s *executionState) asDict(details []map[string]interface{}) map[string]interface{} {
	d := map[string]interface{}{
		"completed": s.Done,
		"exception": nil,
		"details":   details,
	}
	if s.Trace != "" {
		d["exception"] = s.Trace
	}
	return d
}

// The serialised form of quests and executions is a tagged envelope so
// that the decoder knows which concrete type to produce.
type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

const (
	kindFindIsolate        = "find_isolate"
	kindRunTest            = "run_test"
	kindReadChartJSONValue = "read_chart_json_value"
	kindReadGraphJSONValue = "read_graph_json_value"
)

// MarshalQuest encodes a quest into its tagged envelope.
func MarshalQuest(q Quest) (json.RawMessage, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s quest", q.Kind())
	}
	return json.Marshal(envelope{Kind: q.Kind(), Data: data})
}

// UnmarshalQuest decodes a quest from its tagged envelope and re-binds
// the service clients.
func UnmarshalQuest(b json.RawMessage, deps *Deps) (Quest, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(err, "decoding quest envelope")
	}
	var q Quest
	switch env.Kind {
	case kindFindIsolate:
		q = &FindIsolate{}
	case kindRunTest:
		q = &RunTest{}
	case kindReadChartJSONValue:
		q = &ReadChartJSONValue{}
	case kindReadGraphJSONValue:
		q = &ReadGraphJSONValue{}
	default:
		return nil, errors.Errorf("unknown quest kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Data, q); err != nil {
		return nil, errors.Wrapf(err, "decoding %s quest", env.Kind)
	}
	q.bind(deps)
	return q, nil
}

// MarshalExecution encodes an execution into its tagged envelope.
func MarshalExecution(e Execution) (json.RawMessage, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s execution", e.Kind())
	}
	return json.Marshal(envelope{Kind: e.Kind(), Data: data})
}

// UnmarshalExecution decodes an execution from its tagged envelope and
// re-binds it to its quest and the service clients.
func UnmarshalExecution(b json.RawMessage, q Quest, deps *Deps) (Execution, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(err, "decoding execution envelope")
	}
	var e Execution
	switch env.Kind {
	case kindFindIsolate:
		e = &FindIsolateExecution{}
	case kindRunTest:
		e = &RunTestExecution{}
	case kindReadChartJSONValue:
		e = &ReadChartJSONValueExecution{}
	case kindReadGraphJSONValue:
		e = &ReadGraphJSONValueExecution{}
	default:
		return nil, errors.Errorf("unknown execution kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Data, e); err != nil {
		return nil, errors.Wrapf(err, "decoding %s execution", env.Kind)
	}
	if err := e.bind(q, deps); err != nil {
		return nil, err
	}
	return e, nil
}
