package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kilupskalvis/blobview/internal/models"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketCommits = []byte("commits")
	bucketRefs    = []byte("refs")
)

// BboltStore implements MetaStore using bbolt. Commits and refs are stored
// as JSON values keyed by ID and name.
type BboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens or creates a bbolt database at the given path.
func NewBboltStore(dbPath string) (*BboltStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create meta directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open meta database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCommits, bucketRefs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{db: db}, nil
}

// Close releases the bbolt database.
func (s *BboltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// HasCommit checks if a commit exists.
func (s *BboltStore) HasCommit(_ context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketCommits).Get([]byte(id)) != nil
		return nil
	})
	return exists, err
}

// GetCommit retrieves a commit by ID. Returns ErrNotFound if missing.
func (s *BboltStore) GetCommit(_ context.Context, id string) (*models.Commit, error) {
	var commit *models.Commit
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCommits).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		commit = &models.Commit{}
		return json.Unmarshal(data, commit)
	})
	if err != nil {
		return nil, err
	}
	return commit, nil
}

// InsertCommit stores a commit with its tree. Inserting an existing commit is a no-op.
func (s *BboltStore) InsertCommit(_ context.Context, c *models.Commit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommits)
		if b.Get([]byte(c.ID)) != nil {
			return nil
		}
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal commit: %w", err)
		}
		return b.Put([]byte(c.ID), data)
	})
}

// GetCommitCount returns the total number of commits.
func (s *BboltStore) GetCommitCount(_ context.Context) (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketCommits).Stats().KeyN
		return nil
	})
	return count, err
}

// ListRefs returns all refs sorted by name.
func (s *BboltStore) ListRefs(_ context.Context) ([]*models.Ref, error) {
	var refs []*models.Ref
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRefs).ForEach(func(_, v []byte) error {
			var ref models.Ref
			if err := json.Unmarshal(v, &ref); err != nil {
				return fmt.Errorf("unmarshal ref: %w", err)
			}
			refs = append(refs, &ref)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].Name < refs[j].Name
	})
	return refs, nil
}

// GetRef retrieves a ref by name. Returns ErrNotFound if missing.
func (s *BboltStore) GetRef(_ context.Context, name string) (*models.Ref, error) {
	var ref *models.Ref
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		ref, err = getRef(tx.Bucket(bucketRefs), name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

func getRef(b *bolt.Bucket, name string) (*models.Ref, error) {
	data := b.Get([]byte(name))
	if data == nil {
		return nil, ErrNotFound
	}
	ref := &models.Ref{}
	if err := json.Unmarshal(data, ref); err != nil {
		return nil, fmt.Errorf("unmarshal ref: %w", err)
	}
	return ref, nil
}

func putRef(b *bolt.Bucket, ref *models.Ref) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal ref: %w", err)
	}
	return b.Put([]byte(ref.Name), data)
}

// CreateRef stores a new ref. Returns ErrExists if the name is taken.
func (s *BboltStore) CreateRef(_ context.Context, ref *models.Ref) error {
	if err := validateNewRef(ref); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefs)
		if b.Get([]byte(ref.Name)) != nil {
			return fmt.Errorf("ref '%s': %w", ref.Name, ErrExists)
		}
		r := *ref
		r.UpdatedAt = time.Now().UTC()
		return putRef(b, &r)
	})
}

// UpdateBranchCAS performs a compare-and-swap update on a branch pointer.
// If the branch doesn't exist and expectedCommitID is empty, it creates the branch.
// Returns ErrConflict if the current tip doesn't match expectedCommitID, or if
// name is not a branch.
func (s *BboltStore) UpdateBranchCAS(_ context.Context, name, newCommitID, expectedCommitID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefs)

		ref, err := getRef(b, name)
		if errors.Is(err, ErrNotFound) {
			if expectedCommitID != "" {
				return ErrConflict
			}
			return putRef(b, &models.Ref{
				Name:      name,
				Kind:      models.RefBranch,
				CommitID:  newCommitID,
				UpdatedAt: time.Now().UTC(),
			})
		}
		if err != nil {
			return err
		}

		if ref.Kind != models.RefBranch {
			return fmt.Errorf("ref '%s' is a %s: %w", name, ref.Kind, ErrConflict)
		}
		if expectedCommitID != "" && ref.CommitID != expectedCommitID {
			return ErrConflict
		}

		ref.CommitID = newCommitID
		ref.UpdatedAt = time.Now().UTC()
		return putRef(b, ref)
	})
}

// DeleteRef removes a ref. Returns ErrNotFound if it doesn't exist.
func (s *BboltStore) DeleteRef(_ context.Context, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefs)
		if b.Get([]byte(name)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(name))
	})
}

// SetHead points HEAD at branch. Returns ErrNotFound if branch does not exist.
func (s *BboltStore) SetHead(_ context.Context, branch string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefs)
		target, err := getRef(b, branch)
		if err != nil {
			return fmt.Errorf("branch '%s': %w", branch, err)
		}
		if target.Kind != models.RefBranch {
			return fmt.Errorf("HEAD must point at a branch, '%s' is a %s", branch, target.Kind)
		}
		return putRef(b, &models.Ref{
			Name:      models.HeadRef,
			Kind:      models.RefSymbolic,
			Target:    branch,
			UpdatedAt: time.Now().UTC(),
		})
	})
}

// GetAllBlobIDs scans every commit tree and returns the blob IDs it references.
func (s *BboltStore) GetAllBlobIDs(_ context.Context) (map[string]bool, error) {
	ids := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommits).ForEach(func(_, v []byte) error {
			var c models.Commit
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("unmarshal commit: %w", err)
			}
			for _, e := range c.Tree {
				ids[e.BlobID] = true
			}
			return nil
		})
	})
	return ids, err
}
