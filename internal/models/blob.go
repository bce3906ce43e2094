// Package models holds the value types shared by the loader, the upload gate,
// and the development blob host.
package models

import (
	"fmt"
	"regexp"
	"strings"
)

// commitSHA matches a full SHA-1 or SHA-256 hex object name.
var commitSHA = regexp.MustCompile(`^([0-9a-f]{40}|[0-9a-f]{64})$`)

// BlobReference identifies a file at a ref in a repository.
// IsRefMutable is computed once per reference and is authoritative for uploads.
// ResolvedCommit is the commit Ref named when it was resolved, if known;
// uploads only succeed while the branch still points there.
type BlobReference struct {
	RepositoryID   string `json:"repository_id"`
	Ref            string `json:"ref"`
	Path           string `json:"path"`
	IsRefMutable   bool   `json:"is_ref_mutable"`
	ResolvedCommit string `json:"resolved_commit,omitempty"`
}

// Validate checks that the reference can be fetched.
func (r BlobReference) Validate() error {
	if r.RepositoryID == "" {
		return fmt.Errorf("repository is required")
	}
	if r.Ref == "" {
		return fmt.Errorf("ref is required")
	}
	if strings.Trim(r.Path, "/") == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// CleanPath returns the path without leading or trailing slashes.
func (r BlobReference) CleanPath() string {
	return strings.Trim(r.Path, "/")
}

// String renders the reference the way the blob page URL does.
func (r BlobReference) String() string {
	return fmt.Sprintf("%s/blob/%s/%s", r.RepositoryID, r.Ref, r.CleanPath())
}

// LooksImmutable reports whether ref is a full commit SHA, which can never move.
// Branch and tag names need a server lookup to classify.
func LooksImmutable(ref string) bool {
	return commitSHA.MatchString(ref)
}

// BlobContent is one fetched representation of a blob. It is built by the
// fetcher and never mutated; a new fetch produces a new value.
type BlobContent struct {
	Reference    BlobReference
	CommitID     string
	MimeTypeHint string
	SizeBytes    int64 // declared size of the whole blob, not len(Data)
	IsBinary     bool
	IsTruncated  bool
	Data         []byte
}

// Text returns the content as a string. Meaningful only when !IsBinary.
func (c *BlobContent) Text() string {
	return string(c.Data)
}
