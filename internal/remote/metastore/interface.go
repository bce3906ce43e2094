// Package metastore persists the refs and commit snapshots of a hosted repository.
package metastore

import (
	"context"
	"errors"

	"github.com/kilupskalvis/blobview/internal/models"
)

// Sentinel errors for expected conditions.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrExists   = errors.New("already exists")
)

// MetaStore defines the contract for repository metadata persistence.
// BboltStore and SQLiteStore implement it.
type MetaStore interface {
	// Commits
	HasCommit(ctx context.Context, id string) (bool, error)
	GetCommit(ctx context.Context, id string) (*models.Commit, error)
	InsertCommit(ctx context.Context, c *models.Commit) error
	GetCommitCount(ctx context.Context) (int, error)

	// Refs
	ListRefs(ctx context.Context) ([]*models.Ref, error)
	GetRef(ctx context.Context, name string) (*models.Ref, error)
	CreateRef(ctx context.Context, ref *models.Ref) error
	UpdateBranchCAS(ctx context.Context, name, newCommitID, expectedCommitID string) error
	DeleteRef(ctx context.Context, name string) error

	// SetHead points the symbolic HEAD ref at an existing branch.
	SetHead(ctx context.Context, branch string) error

	// GetAllBlobIDs returns every blob ID referenced by any commit tree.
	GetAllBlobIDs(ctx context.Context) (map[string]bool, error)

	// Close releases resources.
	Close() error
}

func validateNewRef(ref *models.Ref) error {
	if ref == nil || ref.Name == "" {
		return errors.New("ref name is required")
	}
	switch ref.Kind {
	case models.RefBranch, models.RefTag:
		if ref.CommitID == "" {
			return errors.New("ref commit is required")
		}
	case models.RefSymbolic:
		if ref.Target == "" {
			return errors.New("symbolic ref target is required")
		}
	default:
		return errors.New("unsupported ref kind " + string(ref.Kind))
	}
	return nil
}
