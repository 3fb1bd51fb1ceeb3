package quest

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// telemetryTargets are the isolate targets run through telemetry; all
// other targets are assumed to be gtests.
var telemetryTargets = map[string]bool{
	"telemetry_perf_tests":         true,
	"telemetry_perf_webview_tests": true,
}

// GenerateQuests infers the stage pipeline from job creation
// arguments. The pipeline always starts with a build stage; the test
// and value stages are appended as long as the arguments describe
// them, so a job can stop after any stage.
func GenerateQuests(deps *Deps, args map[string]string) ([]Quest, error) {
	findIsolate, err := NewFindIsolateFromArgs(deps, args)
	if err != nil {
		return nil, err
	}
	quests := []Quest{findIsolate}

	dimensions, err := parseDimensions(args["dimensions"])
	if err != nil {
		return nil, err
	}
	if len(dimensions) == 0 {
		return quests, nil
	}

	telemetry := telemetryTargets[args["target"]]
	var extraArgs []string
	if telemetry {
		extraArgs, err = telemetryArgs(args)
		if err != nil {
			return nil, err
		}
	} else {
		extraArgs = gtestArgs(args)
	}
	runTest, err := NewRunTest(deps, dimensions, extraArgs)
	if err != nil {
		return nil, err
	}
	quests = append(quests, runTest)

	if telemetry {
		if args["chart"] == "" {
			return quests, nil
		}
		readValue, err := NewReadChartJSONValue(deps, args["chart"], args["tir_label"], args["trace"])
		if err != nil {
			return nil, err
		}
		quests = append(quests, readValue)
	} else {
		if args["chart"] == "" || args["trace"] == "" {
			return quests, nil
		}
		readValue, err := NewReadGraphJSONValue(deps, args["chart"], args["trace"])
		if err != nil {
			return nil, err
		}
		quests = append(quests, readValue)
	}
	return quests, nil
}

func parseDimensions(raw string) ([]Dimension, error) {
	if raw == "" {
		return nil, nil
	}
	var dimensions []Dimension
	if err := json.Unmarshal([]byte(raw), &dimensions); err != nil {
		return nil, errors.Wrap(err, "dimensions must be a JSON list of key/value pairs")
	}
	return dimensions, nil
}

// telemetryArgs builds the telemetry command line. The value after
// --results-label is a placeholder filled with the change being run.
func telemetryArgs(args map[string]string) ([]string, error) {
	benchmark := args["benchmark"]
	if benchmark == "" {
		return nil, errors.New("missing required argument: benchmark")
	}
	browser := args["browser"]
	if browser == "" {
		return nil, errors.New("missing required argument: browser")
	}
	cmd := []string{benchmark}
	if story := args["story"]; story != "" {
		cmd = append(cmd, "--story-filter", story)
	}
	cmd = append(cmd,
		"--pageset-repeat", "1",
		"--browser", browser,
		"-v", "--upload-results",
		"--output-format", "chartjson",
		"--results-label", "",
	)
	return cmd, nil
}

func gtestArgs(args map[string]string) []string {
	var cmd []string
	if test := args["test"]; test != "" {
		cmd = append(cmd, "--gtest_filter="+test)
	}
	cmd = append(cmd, "--gtest_repeat=1")
	return cmd
}
