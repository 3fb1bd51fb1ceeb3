// Package job holds the bisection job: its state machine over changes
// and attempts, the cooperative tick scheduler and the persisted form
// of all of it. A job advances one tick at a time; each tick polls
// every live execution once, explores new midpoints when the results
// of adjacent changes differ, and either re-enqueues itself or
// completes.
package job

import (
	"context"

	"go.chromeperf.org/pinpoint/go/change"
	"go.chromeperf.org/pinpoint/go/quest"
)

// Attempt is one full pipeline run for a change: one execution per
// quest, created lazily as the previous stage completes.
type Attempt struct {
	Executions []quest.Execution

	quests []quest.Quest
	change change.Change
}

// NewAttempt returns an attempt over the shared quest list. The quest
// list is referenced, not copied; it never changes after the job is
// created.
func NewAttempt(quests []quest.Quest, c change.Change) *Attempt {
	return &Attempt{quests: quests, change: c}
}

// Completed reports whether the attempt is done: its last execution
// failed, or the final quest's execution succeeded.
func (a *Attempt) Completed() bool {
	if len(a.Executions) == 0 {
		return len(a.quests) == 0
	}
	last := a.Executions[len(a.Executions)-1]
	if last.Failed() {
		return true
	}
	return len(a.Executions) == len(a.quests) && last.Completed()
}

// Failed reports whether any execution failed.
func (a *Attempt) Failed() bool {
	return a.Exception() != ""
}

// Exception returns the failure trace of the failed execution, or "".
func (a *Attempt) Exception() string {
	for _, e := range a.Executions {
		if e.Failed() {
			return e.Exception()
		}
	}
	return ""
}

// ResultValues returns the samples the execution of the given quest
// produced, or nil if that stage has not run.
func (a *Attempt) ResultValues(questIndex int) []float64 {
	if questIndex >= len(a.Executions) {
		return nil
	}
	return a.Executions[questIndex].ResultValues()
}

// ScheduleWork advances the attempt by one step: start the first
// execution if none exists, otherwise poll the last one and start the
// next stage if it just finished.
func (a *Attempt) ScheduleWork(ctx context.Context) error {
	if len(a.Executions) == 0 {
		return a.startNext(ctx, map[string]string{})
	}

	last := a.Executions[len(a.Executions)-1]
	last.Poll(ctx)

	if last.Completed() && !last.Failed() && len(a.Executions) < len(a.quests) {
		return a.startNext(ctx, last.ResultArguments())
	}
	return nil
}

func (a *Attempt) startNext(ctx context.Context, args map[string]string) error {
	e, err := a.quests[len(a.Executions)].Start(a.change, args)
	if err != nil {
		return err
	}
	a.Executions = append(a.Executions, e)
	return nil
}

// AsDict returns the human-readable detail of the attempt.
func (a *Attempt) AsDict() map[string]interface{} {
	executions := make([]map[string]interface{}, 0, len(a.Executions))
	for _, e := range a.Executions {
		executions = append(executions, e.AsDict())
	}
	return map[string]interface{}{
		"executions": executions,
	}
}
