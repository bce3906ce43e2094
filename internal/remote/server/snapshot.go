package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/kilupskalvis/blobview/internal/models"
	"github.com/kilupskalvis/blobview/internal/remote/blobstore"
	"github.com/kilupskalvis/blobview/internal/remote/metastore"
)

// errNotBranch is returned when writing through a ref that cannot move.
var errNotBranch = errors.New("ref is not a branch")

// resolvedRef is a ref name looked up to the commit it currently names.
type resolvedRef struct {
	Ref      *models.Ref
	CommitID string
}

// resolveRef looks up name as a ref, following HEAD to its branch, or as a
// full commit ID. Returns metastore.ErrNotFound if neither matches.
func resolveRef(ctx context.Context, meta metastore.MetaStore, name string) (*resolvedRef, error) {
	ref, err := meta.GetRef(ctx, name)
	switch {
	case err == nil:
	case errors.Is(err, metastore.ErrNotFound):
		if !models.LooksImmutable(name) {
			return nil, err
		}
		has, err := meta.HasCommit(ctx, name)
		if err != nil {
			return nil, err
		}
		if !has {
			return nil, metastore.ErrNotFound
		}
		return &resolvedRef{
			Ref:      &models.Ref{Name: name, Kind: models.RefCommit, CommitID: name},
			CommitID: name,
		}, nil
	default:
		return nil, err
	}

	if ref.Kind != models.RefSymbolic {
		return &resolvedRef{Ref: ref, CommitID: ref.CommitID}, nil
	}

	target, err := meta.GetRef(ctx, ref.Target)
	if err != nil {
		return nil, fmt.Errorf("follow %s to %s: %w", ref.Name, ref.Target, err)
	}
	if target.Kind == models.RefSymbolic {
		return nil, fmt.Errorf("%s points at symbolic ref %s", ref.Name, target.Name)
	}
	return &resolvedRef{Ref: ref, CommitID: target.CommitID}, nil
}

// cleanRepoPath normalizes a path inside a repository tree.
func cleanRepoPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("invalid path %q", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid path %q", p)
	}
	return clean, nil
}

// commitFile stores data at filePath on branch as a new commit and moves the
// branch with compare-and-swap. expected, when set, must match the branch tip.
func commitFile(ctx context.Context, meta metastore.MetaStore, blobs blobstore.BlobStore, branch, filePath string, data []byte, message, expected string) (*models.UploadResult, error) {
	ref, err := meta.GetRef(ctx, branch)
	if err != nil {
		return nil, err
	}
	if ref.Kind != models.RefBranch {
		return nil, fmt.Errorf("%s is a %s: %w", branch, ref.Kind, errNotBranch)
	}
	if expected != "" && expected != ref.CommitID {
		return nil, metastore.ErrConflict
	}

	parent, err := meta.GetCommit(ctx, ref.CommitID)
	if err != nil {
		return nil, fmt.Errorf("load tip %s: %w", ref.CommitID, err)
	}

	blobID := blobstore.Hash(data)
	if err := blobs.Put(ctx, blobID, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("store blob: %w", err)
	}

	if message == "" {
		message = "Update " + filePath
	}
	commit := &models.Commit{
		ParentID:  parent.ID,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Tree:      parent.WithEntry(&models.TreeEntry{Path: filePath, BlobID: blobID, Size: int64(len(data))}),
	}
	commit.ID = models.GenerateCommitID(commit.Message, commit.Timestamp, commit.ParentID, commit.Tree)

	if err := meta.InsertCommit(ctx, commit); err != nil {
		return nil, fmt.Errorf("insert commit: %w", err)
	}
	if err := meta.UpdateBranchCAS(ctx, branch, commit.ID, parent.ID); err != nil {
		return nil, err
	}
	return &models.UploadResult{CommitID: commit.ID, BlobID: blobID}, nil
}

// ImportResult describes a directory snapshot.
type ImportResult struct {
	CommitID string `json:"commit_id"`
	Files    int    `json:"files"`
	Bytes    int64  `json:"bytes"`
}

// ImportDir snapshots every regular file under dir into one commit on
// branch and points HEAD at branch. Dot-directories such as .git are skipped.
func ImportDir(ctx context.Context, meta metastore.MetaStore, blobs blobstore.BlobStore, dir, branch, message string, logger *slog.Logger) (*ImportResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		tree   []*models.TreeEntry
		result ImportResult
	)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		id := blobstore.Hash(data)
		if err := blobs.Put(ctx, id, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("store %s: %w", rel, err)
		}
		tree = append(tree, &models.TreeEntry{Path: filepath.ToSlash(rel), BlobID: id, Size: int64(len(data))})
		result.Files++
		result.Bytes += int64(len(data))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	models.SortTree(tree)

	var parentID string
	if ref, err := meta.GetRef(ctx, branch); err == nil {
		if ref.Kind != models.RefBranch {
			return nil, fmt.Errorf("%s is a %s: %w", branch, ref.Kind, errNotBranch)
		}
		parentID = ref.CommitID
	} else if !errors.Is(err, metastore.ErrNotFound) {
		return nil, err
	}

	if message == "" {
		message = "Import " + filepath.Base(dir)
	}
	commit := &models.Commit{
		ParentID:  parentID,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Tree:      tree,
	}
	commit.ID = models.GenerateCommitID(commit.Message, commit.Timestamp, commit.ParentID, commit.Tree)

	if err := meta.InsertCommit(ctx, commit); err != nil {
		return nil, fmt.Errorf("insert commit: %w", err)
	}
	if err := meta.UpdateBranchCAS(ctx, branch, commit.ID, parentID); err != nil {
		return nil, fmt.Errorf("update branch %s: %w", branch, err)
	}
	if err := meta.SetHead(ctx, branch); err != nil {
		return nil, fmt.Errorf("set HEAD: %w", err)
	}

	result.CommitID = commit.ID
	logger.Info("imported directory", "dir", dir, "branch", branch, "commit", commit.ShortID(), "files", result.Files)
	return &result, nil
}
