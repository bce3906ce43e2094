package models

import "time"

// RefKind distinguishes movable refs from fixed ones.
type RefKind string

const (
	RefBranch   RefKind = "branch"
	RefTag      RefKind = "tag"
	RefCommit   RefKind = "commit"
	RefSymbolic RefKind = "symbolic"
)

// HeadRef is the symbolic ref naming the default branch.
const HeadRef = "HEAD"

// Ref is a named pointer to a commit. Symbolic refs point at another ref
// through Target instead of a commit.
type Ref struct {
	Name      string    `json:"name"`
	Kind      RefKind   `json:"kind"`
	CommitID  string    `json:"commit_id,omitempty"`
	Target    string    `json:"target,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Mutable reports whether content can be written through this ref.
// Only branches move; HEAD is read-only even though it follows a branch.
func (r *Ref) Mutable() bool {
	return r.Kind == RefBranch
}
