package change

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// GerritPatch identifies one patchset of a Gerrit change.
type GerritPatch struct {
	Server   string `json:"server"`
	Change   string `json:"change"`
	Revision string `json:"revision"`
}

// ID returns the full-fidelity identity of the patch.
func (p GerritPatch) ID() string {
	return fmt.Sprintf("%s/%s/%s", p.Server, p.Change, p.Revision)
}

// String returns the short human form.
func (p GerritPatch) String() string {
	return fmt.Sprintf("%s/%s", p.Change, p.Revision)
}

// BuildParameters returns the input properties a build needs to apply
// this patch.
func (p GerritPatch) BuildParameters() map[string]interface{} {
	return map[string]interface{}{
		"patch_storage":    "gerrit",
		"patch_gerrit_url": p.Server,
		"patch_change":     p.Change,
		"patch_set":        p.Revision,
	}
}

// AsDict returns the patch's JSON projection.
func (p GerritPatch) AsDict() map[string]interface{} {
	return map[string]interface{}{
		"server":   p.Server,
		"change":   p.Change,
		"revision": p.Revision,
		"url":      fmt.Sprintf("%s/c/%s/%s", p.Server, p.Change, p.Revision),
	}
}

// Change is a fully-specified source state: an ordered tuple of
// commits, the first pinning the base repository and later entries
// pinning dependencies, plus an optional patch.
type Change struct {
	Commits []Commit     `json:"commits"`
	Patch   *GerritPatch `json:"patch,omitempty"`
}

// New returns a Change over the given commits. At least one commit is
// required.
func New(commits []Commit, patch *GerritPatch) (Change, error) {
	if len(commits) == 0 {
		return Change{}, errors.New("a change needs at least one commit")
	}
	return Change{Commits: commits, Patch: patch}, nil
}

// LastCommit returns the commit bisection operates on.
func (c Change) LastCommit() Commit {
	return c.Commits[len(c.Commits)-1]
}

// BaseCommit returns the commit pinning the base repository.
func (c Change) BaseCommit() Commit {
	return c.Commits[0]
}

// Deps returns the commits other than the last one.
func (c Change) Deps() []Commit {
	return c.Commits[:len(c.Commits)-1]
}

// ID returns the full-fidelity identity of the change, suitable as a
// map key. Two changes are the same state iff their IDs match.
func (c Change) ID() string {
	ids := make([]string, 0, len(c.Commits))
	for _, commit := range c.Commits {
		ids = append(ids, commit.ID())
	}
	s := strings.Join(ids, " ")
	if c.Patch != nil {
		s += " + " + c.Patch.ID()
	}
	return s
}

// String returns the short human form, used for labelling results.
func (c Change) String() string {
	parts := make([]string, 0, len(c.Commits))
	for _, commit := range c.Commits {
		parts = append(parts, commit.String())
	}
	s := strings.Join(parts, ", ")
	if c.Patch != nil {
		s += " + " + c.Patch.String()
	}
	return s
}

// Equal reports whether two changes denote the same source state.
func (c Change) Equal(other Change) bool {
	return c.ID() == other.ID()
}

// AsDict returns the change's JSON projection.
func (c Change) AsDict() map[string]interface{} {
	commits := make([]map[string]interface{}, 0, len(c.Commits))
	for _, commit := range c.Commits {
		commits = append(commits, commit.AsDict())
	}
	d := map[string]interface{}{
		"commits": commits,
	}
	if c.Patch != nil {
		d["patch"] = c.Patch.AsDict()
	}
	return d
}
