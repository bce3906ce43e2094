package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var validHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

// FSStore keeps blobs on the local filesystem under root/<hash[:2]>/<hash[2:]>.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed blob store rooted at root.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Has checks whether a blob exists.
func (s *FSStore) Has(_ context.Context, hash string) (bool, error) {
	if !validHash.MatchString(hash) {
		return false, nil
	}
	_, err := os.Stat(s.blobPath(hash))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob %s: %w", hash, err)
	}
	return true, nil
}

// Get opens a blob for reading.
func (s *FSStore) Get(_ context.Context, hash string) (io.ReadCloser, int64, error) {
	if !validHash.MatchString(hash) {
		return nil, 0, ErrBlobNotFound
	}
	f, err := os.Open(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrBlobNotFound
		}
		return nil, 0, fmt.Errorf("open blob %s: %w", hash, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat blob %s: %w", hash, err)
	}
	return f, info.Size(), nil
}

// Put writes r to a temp file, checks its hash, and renames it into place.
func (s *FSStore) Put(_ context.Context, hash string, r io.Reader) error {
	if !validHash.MatchString(hash) {
		return fmt.Errorf("invalid blob hash: %q", hash)
	}
	blobPath := s.blobPath(hash)
	if _, err := os.Stat(blobPath); err == nil {
		return nil
	}

	dir := filepath.Dir(blobPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmpFile, hasher), r); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write blob data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if got := hex.EncodeToString(hasher.Sum(nil)); got != hash {
		os.Remove(tmpPath)
		return fmt.Errorf("expected %s, got %s: %w", hash, got, ErrHashMismatch)
	}

	if err := os.Rename(tmpPath, blobPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename blob: %w", err)
	}
	return nil
}

// Delete removes a blob.
func (s *FSStore) Delete(_ context.Context, hash string) error {
	if !validHash.MatchString(hash) {
		return nil
	}
	if err := os.Remove(s.blobPath(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", hash, err)
	}
	return nil
}

// TotalCount returns the number of stored blobs.
func (s *FSStore) TotalCount(ctx context.Context) (int, error) {
	hashes, err := s.ListHashes(ctx)
	return len(hashes), err
}

// ListHashes returns every stored hash by walking the directory tree.
// Leftover temp files are skipped.
func (s *FSStore) ListHashes(_ context.Context) ([]string, error) {
	var hashes []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) == 2 && validHash.MatchString(parts[0]+parts[1]) {
			hashes = append(hashes, parts[0]+parts[1])
		}
		return nil
	})
	return hashes, err
}

func (s *FSStore) blobPath(hash string) string {
	return filepath.Join(s.root, hash[:2], hash[2:])
}
