package job

import (
	"context"

	"github.com/sirupsen/logrus"

	"go.chromeperf.org/pinpoint/go/backends"
	"go.chromeperf.org/pinpoint/go/change"
	"go.chromeperf.org/pinpoint/go/compare"
	"go.chromeperf.org/pinpoint/go/quest"
)

// DefaultRepeatCount is how many attempts each change gets.
const DefaultRepeatCount = 15

// Comparison is the outcome of comparing two adjacent changes.
type Comparison string

const (
	ComparisonDifferent Comparison = "different"
	ComparisonPending   Comparison = "pending"
	ComparisonSame      Comparison = "same"
	ComparisonUnknown   Comparison = "unknown"
)

// State is the internal state of a job: the immutable quest list, the
// ordered change list and the attempts per change.
type State struct {
	quests      []quest.Quest
	changes     []change.Change
	attempts    map[string][]*Attempt
	repeatCount int
}

// NewState returns a state running the given quests on every change.
func NewState(quests []quest.Quest, repeatCount int) *State {
	if repeatCount <= 0 {
		repeatCount = DefaultRepeatCount
	}
	return &State{
		quests:      quests,
		attempts:    map[string][]*Attempt{},
		repeatCount: repeatCount,
	}
}

// Changes returns the current change list in bisection order.
func (s *State) Changes() []change.Change {
	return s.changes
}

// AddChange inserts a change at the given index, or appends it when
// index < 0, and allocates its attempts.
func (s *State) AddChange(c change.Change, index int) {
	if index < 0 || index >= len(s.changes) {
		s.changes = append(s.changes, c)
	} else {
		s.changes = append(s.changes, change.Change{})
		copy(s.changes[index+1:], s.changes[index:])
		s.changes[index] = c
	}
	for i := 0; i < s.repeatCount; i++ {
		s.attempts[c.ID()] = append(s.attempts[c.ID()], NewAttempt(s.quests, c))
	}
}

// ScheduleWork polls every incomplete attempt exactly once and reports
// whether any work remains.
func (s *State) ScheduleWork(ctx context.Context) (bool, error) {
	workLeft := false
	for _, c := range s.changes {
		for _, a := range s.attempts[c.ID()] {
			if a.Completed() {
				continue
			}
			if err := a.ScheduleWork(ctx); err != nil {
				return false, err
			}
			workLeft = true
		}
	}
	return workLeft, nil
}

// Difference is one adjacent pair of changes with statistically
// different results; the later change is assumed to have caused it.
type Difference struct {
	Index  int
	Change change.Change
}

// Differences returns every adjacent pair whose results differ.
func (s *State) Differences() []Difference {
	var diffs []Difference
	for index := 1; index < len(s.changes); index++ {
		if s.Compare(s.changes[index-1], s.changes[index]) == ComparisonDifferent {
			diffs = append(diffs, Difference{Index: index, Change: s.changes[index]})
		}
	}
	return diffs
}

// Explore bisects: for every adjacent pair with different results, the
// midpoint change is inserted between them. The pairs are visited in
// reverse index order so insertions never shift a pair still to be
// visited.
func (s *State) Explore(ctx context.Context, rc backends.RevisionClient) error {
	diffs := s.Differences()
	for i := len(diffs) - 1; i >= 0; i-- {
		index := diffs[i].Index
		changeA := s.changes[index-1]
		changeB := s.changes[index]

		midpoint, err := change.Midpoint(ctx, rc, changeA, changeB)
		if err != nil {
			if change.IsNonLinear(err) {
				continue
			}
			return err
		}
		logrus.Infof("Adding change %s.", midpoint)
		s.AddChange(midpoint, index)
	}
	return nil
}

// Compare compares the results of two changes.
//
// An attempt still in flight on either side makes the answer pending.
// Divergent failure rates count as a real difference: a test that
// breaks on one side and not the other is a regression even though it
// produced no values. Otherwise each quest's concatenated samples are
// compared; only after both sides have spent their full attempt budget
// without a detectable difference do they count as the same.
func (s *State) Compare(changeA, changeB change.Change) Comparison {
	attemptsA := s.attempts[changeA.ID()]
	attemptsB := s.attempts[changeB.ID()]

	for _, a := range append(append([]*Attempt{}, attemptsA...), attemptsB...) {
		if !a.Completed() {
			return ComparisonPending
		}
	}

	if compare.Compare(exceptionVector(attemptsA), exceptionVector(attemptsB)) == compare.Different {
		return ComparisonDifferent
	}

	for questIndex := range s.quests {
		valuesA := combineResultValues(attemptsA, questIndex)
		valuesB := combineResultValues(attemptsB, questIndex)
		if compare.Compare(valuesA, valuesB) == compare.Different {
			return ComparisonDifferent
		}
	}

	// We can never be sure the two changes behave the same, but we ran
	// everything we planned to and saw no difference.
	if len(attemptsA) >= s.repeatCount && len(attemptsB) >= s.repeatCount {
		return ComparisonSame
	}
	return ComparisonUnknown
}

// exceptionVector encodes each attempt's failure as 0 or 1 so failure
// rates can be compared like any other sample.
func exceptionVector(attempts []*Attempt) []float64 {
	v := make([]float64, 0, len(attempts))
	for _, a := range attempts {
		if a.Failed() {
			v = append(v, 1)
		} else {
			v = append(v, 0)
		}
	}
	return v
}

// combineResultValues concatenates the samples every completed attempt
// produced at one quest.
func combineResultValues(attempts []*Attempt, questIndex int) []float64 {
	var values []float64
	for _, a := range attempts {
		if !a.Completed() {
			continue
		}
		values = append(values, a.ResultValues(questIndex)...)
	}
	return values
}

// AsDict returns the state's JSON projection: the quest names, the
// changes, the comparison of each adjacent pair, the per-change
// per-quest samples and the attempt details.
func (s *State) AsDict() map[string]interface{} {
	quests := make([]string, 0, len(s.quests))
	for _, q := range s.quests {
		quests = append(quests, q.Name())
	}

	changes := make([]map[string]interface{}, 0, len(s.changes))
	for _, c := range s.changes {
		changes = append(changes, c.AsDict())
	}

	comparisons := make([]string, 0)
	for index := 1; index < len(s.changes); index++ {
		comparisons = append(comparisons, string(s.Compare(s.changes[index-1], s.changes[index])))
	}

	resultValues := make([][][]float64, 0, len(s.changes))
	attempts := make([][]map[string]interface{}, 0, len(s.changes))
	for _, c := range s.changes {
		changeValues := make([][]float64, 0, len(s.quests))
		for questIndex := range s.quests {
			changeValues = append(changeValues, combineResultValues(s.attempts[c.ID()], questIndex))
		}
		resultValues = append(resultValues, changeValues)

		attemptDicts := make([]map[string]interface{}, 0, s.repeatCount)
		for _, a := range s.attempts[c.ID()] {
			attemptDicts = append(attemptDicts, a.AsDict())
		}
		attempts = append(attempts, attemptDicts)
	}

	return map[string]interface{}{
		"quests":        quests,
		"changes":       changes,
		"comparisons":   comparisons,
		"result_values": resultValues,
		"attempts":      attempts,
	}
}
