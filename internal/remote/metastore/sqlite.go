package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kilupskalvis/blobview/internal/models"
	_ "modernc.org/sqlite"
)

const sqliteSchemaVersion = 1

// SQLiteStore implements MetaStore on SQLite. Trees are kept in their own
// table so blob IDs can be queried without decoding commits.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create meta directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(2000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open meta database: %w", err)
	}
	// One writer keeps CAS transactions from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commits (
		id TEXT PRIMARY KEY,
		parent_id TEXT,
		message TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tree_entries (
		commit_id TEXT NOT NULL,
		path TEXT NOT NULL,
		blob_id TEXT NOT NULL,
		size INTEGER NOT NULL,
		PRIMARY KEY (commit_id, path),
		FOREIGN KEY (commit_id) REFERENCES commits(id)
	);

	CREATE TABLE IF NOT EXISTS refs (
		name TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		commit_id TEXT,
		target TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta_schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE INDEX IF NOT EXISTS idx_tree_entries_blob ON tree_entries(blob_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.db.Exec("INSERT OR REPLACE INTO meta_schema_version (version) VALUES (?)", sqliteSchemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HasCommit checks if a commit exists.
func (s *SQLiteStore) HasCommit(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM commits WHERE id = ?", id).Scan(&n)
	return n > 0, err
}

// GetCommit retrieves a commit and its tree. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetCommit(ctx context.Context, id string) (*models.Commit, error) {
	var (
		c        models.Commit
		parentID sql.NullString
		ts       string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, parent_id, message, timestamp FROM commits WHERE id = ?", id,
	).Scan(&c.ID, &parentID, &c.Message, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get commit: %w", err)
	}
	c.ParentID = parentID.String
	c.Timestamp = parseTimestamp(ts)

	rows, err := s.db.QueryContext(ctx,
		"SELECT path, blob_id, size FROM tree_entries WHERE commit_id = ? ORDER BY path", id)
	if err != nil {
		return nil, fmt.Errorf("get tree: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e := &models.TreeEntry{}
		if err := rows.Scan(&e.Path, &e.BlobID, &e.Size); err != nil {
			return nil, fmt.Errorf("scan tree entry: %w", err)
		}
		c.Tree = append(c.Tree, e)
	}
	return &c, rows.Err()
}

// InsertCommit stores a commit with its tree in one transaction.
// Inserting an existing commit is a no-op.
func (s *SQLiteStore) InsertCommit(ctx context.Context, c *models.Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO commits (id, parent_id, message, timestamp) VALUES (?, ?, ?, ?)",
		c.ID, nullString(c.ParentID), c.Message, c.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert commit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	for _, e := range c.Tree {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO tree_entries (commit_id, path, blob_id, size) VALUES (?, ?, ?, ?)",
			c.ID, e.Path, e.BlobID, e.Size,
		); err != nil {
			return fmt.Errorf("insert tree entry %s: %w", e.Path, err)
		}
	}
	return tx.Commit()
}

// GetCommitCount returns the total number of commits.
func (s *SQLiteStore) GetCommitCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM commits").Scan(&n)
	return n, err
}

// ListRefs returns all refs sorted by name.
func (s *SQLiteStore) ListRefs(ctx context.Context) ([]*models.Ref, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, kind, commit_id, target, updated_at FROM refs ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	defer rows.Close()

	var refs []*models.Ref
	for rows.Next() {
		ref, err := scanRef(rows)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRef(row rowScanner) (*models.Ref, error) {
	var (
		ref              models.Ref
		kind, updated    string
		commitID, target sql.NullString
	)
	if err := row.Scan(&ref.Name, &kind, &commitID, &target, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan ref: %w", err)
	}
	ref.Kind = models.RefKind(kind)
	ref.CommitID = commitID.String
	ref.Target = target.String
	ref.UpdatedAt = parseTimestamp(updated)
	return &ref, nil
}

// GetRef retrieves a ref by name. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetRef(ctx context.Context, name string) (*models.Ref, error) {
	return scanRef(s.db.QueryRowContext(ctx,
		"SELECT name, kind, commit_id, target, updated_at FROM refs WHERE name = ?", name))
}

// CreateRef stores a new ref. Returns ErrExists if the name is taken.
func (s *SQLiteStore) CreateRef(ctx context.Context, ref *models.Ref) error {
	if err := validateNewRef(ref); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO refs (name, kind, commit_id, target, updated_at) VALUES (?, ?, ?, ?, ?)",
		ref.Name, string(ref.Kind), nullString(ref.CommitID), nullString(ref.Target), now(),
	)
	if err != nil {
		return fmt.Errorf("create ref: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ref '%s': %w", ref.Name, ErrExists)
	}
	return nil
}

// UpdateBranchCAS performs a compare-and-swap update on a branch pointer.
// Semantics match BboltStore.UpdateBranchCAS.
func (s *SQLiteStore) UpdateBranchCAS(ctx context.Context, name, newCommitID, expectedCommitID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ref, err := scanRef(tx.QueryRowContext(ctx,
		"SELECT name, kind, commit_id, target, updated_at FROM refs WHERE name = ?", name))
	switch {
	case errors.Is(err, ErrNotFound):
		if expectedCommitID != "" {
			return ErrConflict
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO refs (name, kind, commit_id, updated_at) VALUES (?, ?, ?, ?)",
			name, string(models.RefBranch), newCommitID, now(),
		); err != nil {
			return fmt.Errorf("create branch: %w", err)
		}
		return tx.Commit()
	case err != nil:
		return err
	}

	if ref.Kind != models.RefBranch {
		return fmt.Errorf("ref '%s' is a %s: %w", name, ref.Kind, ErrConflict)
	}
	if expectedCommitID != "" && ref.CommitID != expectedCommitID {
		return ErrConflict
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE refs SET commit_id = ?, updated_at = ? WHERE name = ?",
		newCommitID, now(), name,
	); err != nil {
		return fmt.Errorf("update branch: %w", err)
	}
	return tx.Commit()
}

// DeleteRef removes a ref. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteRef(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM refs WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete ref: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetHead points HEAD at branch. Returns ErrNotFound if branch does not exist.
func (s *SQLiteStore) SetHead(ctx context.Context, branch string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	target, err := scanRef(tx.QueryRowContext(ctx,
		"SELECT name, kind, commit_id, target, updated_at FROM refs WHERE name = ?", branch))
	if err != nil {
		return fmt.Errorf("branch '%s': %w", branch, err)
	}
	if target.Kind != models.RefBranch {
		return fmt.Errorf("HEAD must point at a branch, '%s' is a %s", branch, target.Kind)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO refs (name, kind, target, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET kind = excluded.kind, commit_id = NULL,
			target = excluded.target, updated_at = excluded.updated_at`,
		models.HeadRef, string(models.RefSymbolic), branch, now(),
	); err != nil {
		return fmt.Errorf("set HEAD: %w", err)
	}
	return tx.Commit()
}

// GetAllBlobIDs returns every blob ID referenced by any commit tree.
func (s *SQLiteStore) GetAllBlobIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT blob_id FROM tree_entries")
	if err != nil {
		return nil, fmt.Errorf("list blob ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan blob id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// parseTimestamp parses timestamps written by this store or by SQLite itself.
func parseTimestamp(s string) time.Time {
	for _, f := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
