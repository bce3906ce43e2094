package models

import (
	"sort"
	"time"
)

// TreeEntry maps a path in a snapshot to a content-addressed blob.
type TreeEntry struct {
	Path   string `json:"path"`
	BlobID string `json:"blob_id"`
	Size   int64  `json:"size"`
}

// Commit is a full snapshot of a repository tree.
type Commit struct {
	ID        string       `json:"id"`
	ParentID  string       `json:"parent_id,omitempty"`
	Message   string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
	Tree      []*TreeEntry `json:"tree"`
}

// ShortID returns a shortened commit ID (first 7 characters)
func (c *Commit) ShortID() string {
	if len(c.ID) > 7 {
		return c.ID[:7]
	}
	return c.ID
}

// Entry returns the tree entry for path, or nil.
func (c *Commit) Entry(path string) *TreeEntry {
	for _, e := range c.Tree {
		if e.Path == path {
			return e
		}
	}
	return nil
}

// WithEntry returns a copy of the tree with entry added or replaced, sorted by path.
func (c *Commit) WithEntry(entry *TreeEntry) []*TreeEntry {
	tree := make([]*TreeEntry, 0, len(c.Tree)+1)
	for _, e := range c.Tree {
		if e.Path != entry.Path {
			tree = append(tree, e)
		}
	}
	tree = append(tree, entry)
	SortTree(tree)
	return tree
}

// SortTree orders entries by path.
func SortTree(tree []*TreeEntry) {
	sort.Slice(tree, func(i, j int) bool {
		return tree[i].Path < tree[j].Path
	})
}
