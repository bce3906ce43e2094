package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/kilupskalvis/blobview/internal/remote/blobstore"
	"github.com/kilupskalvis/blobview/internal/remote/metastore"
)

// ErrRepoNotFound is returned by RepoOpener.Open for unknown repositories.
var ErrRepoNotFound = errors.New("repository not found")

// Metadata backends for DiskRepos.
const (
	BackendBbolt  = "bbolt"
	BackendSQLite = "sqlite"
)

// RepoOpener returns the MetaStore and BlobStore for a given repo name.
type RepoOpener interface {
	Open(name string) (metastore.MetaStore, blobstore.BlobStore, error)
}

var validRepoName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// DiskRepos keeps each repository in <root>/<name>/ with a metadata database
// and a blobs/ directory. Opened stores are cached until CloseAll.
type DiskRepos struct {
	root    string
	backend string
	logger  *slog.Logger

	mu     sync.RWMutex
	stores map[string]*repoEntry
}

type repoEntry struct {
	meta  metastore.MetaStore
	blobs blobstore.BlobStore
}

// NewDiskRepos creates the repos root if needed. backend selects the
// metadata store for new repositories; existing ones keep theirs.
func NewDiskRepos(root, backend string, logger *slog.Logger) (*DiskRepos, error) {
	switch backend {
	case "":
		backend = BackendBbolt
	case BackendBbolt, BackendSQLite:
	default:
		return nil, fmt.Errorf("unknown meta backend %q (want %s or %s)", backend, BackendBbolt, BackendSQLite)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create repos directory: %w", err)
	}
	return &DiskRepos{
		root:    root,
		backend: backend,
		logger:  logger,
		stores:  make(map[string]*repoEntry),
	}, nil
}

// Ready reports whether the repos root is usable.
func (d *DiskRepos) Ready() error {
	info, err := os.Stat(d.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", d.root)
	}
	return nil
}

// Open returns the stores of an existing repository.
func (d *DiskRepos) Open(name string) (metastore.MetaStore, blobstore.BlobStore, error) {
	return d.open(name, false)
}

// Create opens a repository, creating it if it does not exist.
func (d *DiskRepos) Create(name string) (metastore.MetaStore, blobstore.BlobStore, error) {
	return d.open(name, true)
}

func (d *DiskRepos) open(name string, create bool) (metastore.MetaStore, blobstore.BlobStore, error) {
	d.mu.RLock()
	entry, ok := d.stores[name]
	d.mu.RUnlock()
	if ok {
		return entry.meta, entry.blobs, nil
	}

	if !validRepoName.MatchString(name) {
		return nil, nil, fmt.Errorf("invalid repository name %q: %w", name, ErrRepoNotFound)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if entry, ok := d.stores[name]; ok {
		return entry.meta, entry.blobs, nil
	}

	repoDir := filepath.Join(d.root, name)
	if _, err := os.Stat(repoDir); os.IsNotExist(err) {
		if !create {
			return nil, nil, fmt.Errorf("repository '%s': %w", name, ErrRepoNotFound)
		}
		if err := os.MkdirAll(repoDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("create repository %s: %w", name, err)
		}
	}

	meta, err := d.openMeta(repoDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open metastore for %s: %w", name, err)
	}

	blobs, err := blobstore.NewFSStore(filepath.Join(repoDir, "blobs"))
	if err != nil {
		meta.Close()
		return nil, nil, fmt.Errorf("open blobstore for %s: %w", name, err)
	}

	d.stores[name] = &repoEntry{meta: meta, blobs: blobs}
	d.logger.Info("opened repository", "name", name)
	return meta, blobs, nil
}

// openMeta uses whichever database already exists in repoDir, falling back
// to the configured backend.
func (d *DiskRepos) openMeta(repoDir string) (metastore.MetaStore, error) {
	sqlitePath := filepath.Join(repoDir, "meta.sqlite")
	boltPath := filepath.Join(repoDir, "meta.db")

	backend := d.backend
	if _, err := os.Stat(sqlitePath); err == nil {
		backend = BackendSQLite
	} else if _, err := os.Stat(boltPath); err == nil {
		backend = BackendBbolt
	}

	if backend == BackendSQLite {
		return metastore.NewSQLiteStore(sqlitePath)
	}
	return metastore.NewBboltStore(boltPath)
}

// CloseAll closes every opened repository.
func (d *DiskRepos) CloseAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for name, entry := range d.stores {
		if err := entry.meta.Close(); err != nil {
			d.logger.Error("close metastore", "repo", name, "error", err)
		}
	}
	d.stores = make(map[string]*repoEntry)
}
