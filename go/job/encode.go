package job

import (
	"encoding/json"

	"github.com/pkg/errors"

	"go.chromeperf.org/pinpoint/go/change"
	"go.chromeperf.org/pinpoint/go/quest"
)

// stateVersion tags the persisted form of a job's state. Decoding an
// unknown version fails loudly rather than guessing.
const stateVersion = 1

type encodedAttempt struct {
	Executions []json.RawMessage `json:"executions"`
}

type encodedState struct {
	Version     int                `json:"version"`
	RepeatCount int                `json:"repeat_count"`
	Quests      []json.RawMessage  `json:"quests"`
	Changes     []change.Change    `json:"changes"`
	Attempts    [][]encodedAttempt `json:"attempts"`
}

// Encode serialises the state into its versioned opaque blob.
func (s *State) Encode() ([]byte, error) {
	enc := encodedState{
		Version:     stateVersion,
		RepeatCount: s.repeatCount,
		Changes:     s.changes,
	}
	for _, q := range s.quests {
		raw, err := quest.MarshalQuest(q)
		if err != nil {
			return nil, err
		}
		enc.Quests = append(enc.Quests, raw)
	}
	for _, c := range s.changes {
		attempts := make([]encodedAttempt, 0, len(s.attempts[c.ID()]))
		for _, a := range s.attempts[c.ID()] {
			var ea encodedAttempt
			for _, e := range a.Executions {
				raw, err := quest.MarshalExecution(e)
				if err != nil {
					return nil, err
				}
				ea.Executions = append(ea.Executions, raw)
			}
			attempts = append(attempts, ea)
		}
		enc.Attempts = append(enc.Attempts, attempts)
	}
	return json.Marshal(enc)
}

// DecodeState rebuilds a state from its blob, re-binding the service
// clients the quests and executions were serialised without.
func DecodeState(b []byte, deps *quest.Deps) (*State, error) {
	var enc encodedState
	if err := json.Unmarshal(b, &enc); err != nil {
		return nil, errors.Wrap(err, "decoding job state")
	}
	if enc.Version != stateVersion {
		return nil, errors.Errorf("unsupported job state version %d", enc.Version)
	}
	if len(enc.Attempts) != len(enc.Changes) {
		return nil, errors.Errorf("job state has %d changes but %d attempt lists",
			len(enc.Changes), len(enc.Attempts))
	}

	s := NewState(nil, enc.RepeatCount)
	for _, raw := range enc.Quests {
		q, err := quest.UnmarshalQuest(raw, deps)
		if err != nil {
			return nil, err
		}
		s.quests = append(s.quests, q)
	}
	s.changes = enc.Changes

	for i, c := range enc.Changes {
		attempts := make([]*Attempt, 0, len(enc.Attempts[i]))
		for _, ea := range enc.Attempts[i] {
			a := NewAttempt(s.quests, c)
			for executionIndex, raw := range ea.Executions {
				if executionIndex >= len(s.quests) {
					return nil, errors.Errorf("attempt has more executions than quests")
				}
				e, err := quest.UnmarshalExecution(raw, s.quests[executionIndex], deps)
				if err != nil {
					return nil, err
				}
				a.Executions = append(a.Executions, e)
			}
			attempts = append(attempts, a)
		}
		s.attempts[c.ID()] = attempts
	}
	return s, nil
}
