// Package store keeps a local bbolt database of blobs fetched at fixed commits,
// so repeated loads of the same commit survive across runs without a request.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names used by the content store.
var (
	bucketBlobs = []byte("blobs")  // key -> record
	bucketOrder = []byte("order")  // sequence -> key, oldest first
	bucketKV    = []byte("kv")
)

const schemaVersion = "2"

// record is the stored form of one blob.
type record struct {
	Seq       uint64    `json:"seq"`
	CommitID  string    `json:"commit_id"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	Binary    bool      `json:"binary"`
	Truncated bool      `json:"truncated"`
	Ceiling   int64     `json:"ceiling"` // fetch ceiling the blob was stored under
	Data      []byte    `json:"data"`
	StoredAt  time.Time `json:"stored_at"`
}

// Store represents the bbolt database store.
type Store struct {
	db         *bolt.DB
	maxEntries int
}

// New opens or creates a bbolt database at the given path holding at most
// maxEntries blobs. maxEntries <= 0 means unbounded.
func New(dbPath string, maxEntries int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, maxEntries: maxEntries}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// initialize creates all buckets and drops the contents of a database
// written with a different schema.
func (s *Store) initialize() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		kv, err := tx.CreateBucketIfNotExists(bucketKV)
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketKV, err)
		}
		if v := kv.Get([]byte("schema_version")); v != nil && string(v) != schemaVersion {
			for _, name := range [][]byte{bucketBlobs, bucketOrder} {
				if tx.Bucket(name) == nil {
					continue
				}
				if err := tx.DeleteBucket(name); err != nil {
					return fmt.Errorf("reset bucket %s: %w", name, err)
				}
			}
			if err := kv.Put(keyCount, encodeCount(0)); err != nil {
				return err
			}
		}
		for _, name := range [][]byte{bucketBlobs, bucketOrder} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return kv.Put([]byte("schema_version"), []byte(schemaVersion))
	})
}

var keyCount = []byte("count")

func encodeCount(n int) []byte {
	return seqKey(uint64(n))
}

func readCount(kv *bolt.Bucket) int {
	v := kv.Get(keyCount)
	if len(v) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(v))
}

// Len returns the number of stored blobs.
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = readCount(tx.Bucket(bucketKV))
		return nil
	})
	return n, err
}

func seqKey(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

func getRecord(b *bolt.Bucket, key []byte) (*record, error) {
	v := b.Get(key)
	if v == nil {
		return nil, nil
	}
	var r record
	if err := json.Unmarshal(v, &r); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &r, nil
}
