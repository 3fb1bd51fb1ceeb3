package quest

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/Jeffail/gabs/v2"
	"github.com/pkg/errors"

	"go.chromeperf.org/pinpoint/go/change"
)

// chartJSONFilename is the output file telemetry and gtest perf runs
// leave in the task's isolate.
const chartJSONFilename = "chartjson-output.json"

// ReadValueError means the output artifact is missing the requested
// data or is malformed.
type ReadValueError struct {
	msg string
}

func (e *ReadValueError) Error() string { return e.msg }

func readValueErrorf(format string, args ...interface{}) error {
	return &ReadValueError{msg: fmt.Sprintf(format, args...)}
}

// ReadChartJSONValue extracts the measured samples for one chart and
// trace from a chartjson output file.
type ReadChartJSONValue struct {
	Chart    string `json:"chart"`
	TIRLabel string `json:"tir_label,omitempty"`
	Trace    string `json:"trace,omitempty"`

	deps *Deps
}

// NewReadChartJSONValue returns the value stage for the given chart.
func NewReadChartJSONValue(deps *Deps, chart, tirLabel, trace string) (*ReadChartJSONValue, error) {
	if chart == "" {
		return nil, errors.New("missing required argument: chart")
	}
	return &ReadChartJSONValue{Chart: chart, TIRLabel: tirLabel, Trace: trace, deps: deps}, nil
}

// Name implements Quest.
func (q *ReadChartJSONValue) Name() string { return "Values" }

// Kind implements Quest.
func (q *ReadChartJSONValue) Kind() string { return kindReadChartJSONValue }

// Equal implements Quest.
func (q *ReadChartJSONValue) Equal(other Quest) bool {
	o, ok := other.(*ReadChartJSONValue)
	return ok && q.Chart == o.Chart && q.TIRLabel == o.TIRLabel && q.Trace == o.Trace
}

func (q *ReadChartJSONValue) bind(deps *Deps) { q.deps = deps }

// Start implements Quest.
func (q *ReadChartJSONValue) Start(c change.Change, args map[string]string) (Execution, error) {
	server, hash, err := isolateArguments(args)
	if err != nil {
		return nil, err
	}
	return &ReadChartJSONValueExecution{
		IsolateServer: server,
		IsolateHash:   hash,
		quest:         q,
	}, nil
}

// TraceURL is a link to one captured trace, kept for observability.
type TraceURL struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ReadChartJSONValueExecution parses one task's chartjson output.
type ReadChartJSONValueExecution struct {
	executionState

	IsolateServer string     `json:"isolate_server"`
	IsolateHash   string     `json:"isolate_hash"`
	TraceURLs     []TraceURL `json:"trace_urls,omitempty"`

	quest *ReadChartJSONValue
}

// Kind implements Execution.
func (e *ReadChartJSONValueExecution) Kind() string { return kindReadChartJSONValue }

func (e *ReadChartJSONValueExecution) bind(q Quest, deps *Deps) error {
	rv, ok := q.(*ReadChartJSONValue)
	if !ok {
		return errors.Errorf("execution kind %q bound to quest kind %q", e.Kind(), q.Kind())
	}
	e.quest = rv
	return nil
}

// Poll implements Execution.
func (e *ReadChartJSONValueExecution) Poll(ctx context.Context) {
	if e.Done {
		return
	}
	if err := e.poll(ctx); err != nil {
		e.completeFailed(err)
	}
}

func (e *ReadChartJSONValueExecution) poll(ctx context.Context) error {
	q := e.quest
	raw, err := q.deps.Isolates.RetrieveFile(ctx, e.IsolateServer, e.IsolateHash, chartJSONFilename)
	if err != nil {
		return err
	}
	chartjson, err := gabs.ParseJSON(raw)
	if err != nil {
		return readValueErrorf("the output file is not valid JSON: %s", err)
	}

	e.captureTraceURLs(chartjson)

	chartName := q.Chart
	if q.TIRLabel != "" {
		chartName = q.TIRLabel + "@@" + q.Chart
	}
	chart := chartjson.Search("charts", chartName)
	if chart == nil {
		return readValueErrorf("the chart %q is not in the results", chartName)
	}

	traceName := q.Trace
	if traceName == "" {
		traceName = "summary"
	}
	trace := chart.Search(traceName)
	if trace == nil {
		return readValueErrorf("the trace %q is not in the results", traceName)
	}

	values, err := resultValuesFromTrace(trace)
	if err != nil {
		return err
	}
	e.complete(values, nil)
	return nil
}

// captureTraceURLs collects links to any traces the run recorded,
// ordered by page id so reruns list them stably.
func (e *ReadChartJSONValueExecution) captureTraceURLs(chartjson *gabs.Container) {
	traces := chartjson.Search("charts", "trace")
	if traces == nil {
		return
	}
	type pagedTrace struct {
		name   string
		url    string
		pageID float64
	}
	var found []pagedTrace
	for name, details := range traces.ChildrenMap() {
		url, _ := details.Search("cloud_url").Data().(string)
		pageID, _ := details.Search("page_id").Data().(float64)
		found = append(found, pagedTrace{name: name, url: url, pageID: pageID})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].pageID < found[j].pageID })
	e.TraceURLs = nil
	for _, t := range found {
		e.TraceURLs = append(e.TraceURLs, TraceURL{Name: t.name, URL: t.url})
	}
}

func resultValuesFromTrace(trace *gabs.Container) ([]float64, error) {
	traceType, _ := trace.Search("type").Data().(string)
	switch traceType {
	case "list_of_scalar_values":
		children := trace.Search("values").Children()
		values := make([]float64, 0, len(children))
		for _, child := range children {
			v, ok := child.Data().(float64)
			if !ok {
				return nil, readValueErrorf("the trace contains a non-numeric value %v", child.Data())
			}
			values = append(values, v)
		}
		return values, nil
	case "scalar":
		v, ok := trace.Search("value").Data().(float64)
		if !ok {
			return nil, readValueErrorf("the scalar trace has no numeric value")
		}
		return []float64{v}, nil
	case "histogram":
		return resultValuesFromHistogram(trace.Search("buckets").Children())
	default:
		return nil, readValueErrorf("unknown trace type %q", traceType)
	}
}

// resultValuesFromHistogram expands each bucket into count copies of
// its midpoint, capping the total at 10000 samples by scaling the
// bucket counts down proportionally.
func resultValuesFromHistogram(buckets []*gabs.Container) ([]float64, error) {
	totalCount := int64(0)
	for _, bucket := range buckets {
		count, ok := bucket.Search("count").Data().(float64)
		if !ok {
			return nil, readValueErrorf("a histogram bucket has no count")
		}
		totalCount += int64(count)
	}

	var values []float64
	for _, bucket := range buckets {
		count := int64(bucket.Search("count").Data().(float64))
		low, ok := bucket.Search("low").Data().(float64)
		if !ok {
			return nil, readValueErrorf("a histogram bucket has no low bound")
		}
		high := low
		if h, ok := bucket.Search("high").Data().(float64); ok {
			high = h
		}
		mean := (low + high) / 2
		if totalCount > 10000 {
			count = 10000 * count / totalCount
		}
		for i := int64(0); i < count; i++ {
			values = append(values, mean)
		}
	}
	return values, nil
}

// AsDict implements Execution.
func (e *ReadChartJSONValueExecution) AsDict() map[string]interface{} {
	var details []map[string]interface{}
	for _, t := range e.TraceURLs {
		details = append(details, map[string]interface{}{
			"key":   "trace",
			"value": t.Name,
			"url":   t.URL,
		})
	}
	return e.asDict(details)
}

// ReadGraphJSONValue extracts a single sample from a graphjson output
// file, as produced by gtest perf tests.
type ReadGraphJSONValue struct {
	Chart string `json:"chart"`
	Trace string `json:"trace"`

	deps *Deps
}

// NewReadGraphJSONValue returns the value stage for the given chart
// and trace.
func NewReadGraphJSONValue(deps *Deps, chart, trace string) (*ReadGraphJSONValue, error) {
	if chart == "" {
		return nil, errors.New("missing required argument: chart")
	}
	if trace == "" {
		return nil, errors.New("missing required argument: trace")
	}
	return &ReadGraphJSONValue{Chart: chart, Trace: trace, deps: deps}, nil
}

// Name implements Quest.
func (q *ReadGraphJSONValue) Name() string { return "Values" }

// Kind implements Quest.
func (q *ReadGraphJSONValue) Kind() string { return kindReadGraphJSONValue }

// Equal implements Quest.
func (q *ReadGraphJSONValue) Equal(other Quest) bool {
	o, ok := other.(*ReadGraphJSONValue)
	return ok && q.Chart == o.Chart && q.Trace == o.Trace
}

func (q *ReadGraphJSONValue) bind(deps *Deps) { q.deps = deps }

// Start implements Quest.
func (q *ReadGraphJSONValue) Start(c change.Change, args map[string]string) (Execution, error) {
	server, hash, err := isolateArguments(args)
	if err != nil {
		return nil, err
	}
	return &ReadGraphJSONValueExecution{
		IsolateServer: server,
		IsolateHash:   hash,
		quest:         q,
	}, nil
}

// ReadGraphJSONValueExecution parses one task's graphjson output.
type ReadGraphJSONValueExecution struct {
	executionState

	IsolateServer string `json:"isolate_server"`
	IsolateHash   string `json:"isolate_hash"`

	quest *ReadGraphJSONValue
}

// Kind implements Execution.
func (e *ReadGraphJSONValueExecution) Kind() string { return kindReadGraphJSONValue }

func (e *ReadGraphJSONValueExecution) bind(q Quest, deps *Deps) error {
	rv, ok := q.(*ReadGraphJSONValue)
	if !ok {
		return errors.Errorf("execution kind %q bound to quest kind %q", e.Kind(), q.Kind())
	}
	e.quest = rv
	return nil
}

// Poll implements Execution.
func (e *ReadGraphJSONValueExecution) Poll(ctx context.Context) {
	if e.Done {
		return
	}
	if err := e.poll(ctx); err != nil {
		e.completeFailed(err)
	}
}

func (e *ReadGraphJSONValueExecution) poll(ctx context.Context) error {
	q := e.quest
	raw, err := q.deps.Isolates.RetrieveFile(ctx, e.IsolateServer, e.IsolateHash, chartJSONFilename)
	if err != nil {
		return err
	}
	graphjson, err := gabs.ParseJSON(raw)
	if err != nil {
		return readValueErrorf("the output file is not valid JSON: %s", err)
	}

	if graphjson.Search(q.Chart) == nil {
		return readValueErrorf("the chart %q is not in the results", q.Chart)
	}
	trace := graphjson.Search(q.Chart, "traces", q.Trace)
	if trace == nil {
		return readValueErrorf("the trace %q is not in the results", q.Trace)
	}
	children := trace.Children()
	if len(children) == 0 {
		return readValueErrorf("the trace %q is empty", q.Trace)
	}

	// graphjson stores values as strings.
	var value float64
	switch v := children[0].Data().(type) {
	case string:
		value, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return readValueErrorf("the trace %q holds a non-numeric value %q", q.Trace, v)
		}
	case float64:
		value = v
	default:
		return readValueErrorf("the trace %q holds a non-numeric value %v", q.Trace, v)
	}

	e.complete([]float64{value}, nil)
	return nil
}

// AsDict implements Execution.
func (e *ReadGraphJSONValueExecution) AsDict() map[string]interface{} {
	return e.asDict(nil)
}

func isolateArguments(args map[string]string) (string, string, error) {
	server, ok := args["isolate_server"]
	if !ok {
		return "", "", errors.New("the value stage needs an isolate_server from the test stage")
	}
	hash, ok := args["isolate_hash"]
	if !ok {
		return "", "", errors.New("the value stage needs an isolate_hash from the test stage")
	}
	return server, hash, nil
}

var (
	_ Quest     = (*ReadChartJSONValue)(nil)
	_ Execution = (*ReadChartJSONValueExecution)(nil)
	_ Quest     = (*ReadGraphJSONValue)(nil)
	_ Execution = (*ReadGraphJSONValueExecution)(nil)
)
