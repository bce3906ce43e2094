package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/kilupskalvis/blobview/internal/models"
	bolt "go.etcd.io/bbolt"
)

// Get returns the blob stored for ref as seen under ceiling, or nil when
// there is none. A copy cut under a smaller ceiling counts as missing; a copy
// holding more than ceiling bytes is cut down. ceiling <= 0 means no limit.
func (s *Store) Get(ref models.BlobReference, ceiling int64) (*models.BlobContent, error) {
	ceiling = effectiveCeiling(ceiling)

	var content *models.BlobContent
	err := s.db.View(func(tx *bolt.Tx) error {
		r, err := getRecord(tx.Bucket(bucketBlobs), key(ref))
		if err != nil || r == nil {
			return err
		}
		if r.stale(ceiling) {
			return nil
		}
		content = &models.BlobContent{
			Reference:    ref,
			CommitID:     r.CommitID,
			MimeTypeHint: r.MimeType,
			SizeBytes:    r.Size,
			IsBinary:     r.Binary,
			IsTruncated:  r.Truncated,
			Data:         r.Data,
		}
		if int64(len(content.Data)) > ceiling {
			content.Data = content.Data[:ceiling]
			content.IsTruncated = true
		}
		return nil
	})
	return content, err
}

// Put stores content fetched under ceiling, evicting the oldest blobs when
// the store is full. Storing a reference twice keeps the first copy, unless
// that copy was cut under a smaller ceiling.
func (s *Store) Put(content *models.BlobContent, ceiling int64) error {
	ceiling = effectiveCeiling(ceiling)

	return s.db.Update(func(tx *bolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		order := tx.Bucket(bucketOrder)
		kv := tx.Bucket(bucketKV)

		k := key(content.Reference)
		existing, err := getRecord(blobs, k)
		if err != nil {
			return err
		}
		if existing != nil && !existing.stale(ceiling) {
			return nil
		}

		r := &record{
			CommitID:  content.CommitID,
			MimeType:  content.MimeTypeHint,
			Size:      content.SizeBytes,
			Binary:    content.IsBinary,
			Truncated: content.IsTruncated,
			Ceiling:   ceiling,
			Data:      content.Data,
			StoredAt:  time.Now().UTC(),
		}
		if existing != nil {
			// Replaced in place: keeps its age and the count is unchanged.
			r.Seq = existing.Seq
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal record: %w", err)
			}
			return blobs.Put(k, data)
		}

		seq, err := order.NextSequence()
		if err != nil {
			return err
		}
		r.Seq = seq
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if err := blobs.Put(k, data); err != nil {
			return err
		}
		if err := order.Put(seqKey(seq), k); err != nil {
			return err
		}

		count := readCount(kv) + 1
		if s.maxEntries > 0 {
			c := order.Cursor()
			for sk, bk := c.First(); sk != nil && count > s.maxEntries; sk, bk = c.First() {
				if err := blobs.Delete(bk); err != nil {
					return err
				}
				if err := c.Delete(); err != nil {
					return err
				}
				count--
			}
		}
		return kv.Put(keyCount, encodeCount(count))
	})
}

// stale reports whether r was cut short under a smaller ceiling than the
// given one, so that more of the blob is now wanted.
func (r *record) stale(ceiling int64) bool {
	return r.Truncated && r.Ceiling < ceiling && int64(len(r.Data)) < r.Size
}

func effectiveCeiling(ceiling int64) int64 {
	if ceiling <= 0 {
		return math.MaxInt64
	}
	return ceiling
}

// key identifies a blob by repository, commit and path.
func key(ref models.BlobReference) []byte {
	return []byte(ref.RepositoryID + "\x00" + ref.Ref + "\x00" + ref.CleanPath())
}

// ContentFetcher is anything that can load a blob.
type ContentFetcher interface {
	Fetch(ctx context.Context, ref models.BlobReference) (*models.BlobContent, error)
}

// Fetcher serves blobs at full commit SHAs from the store and fills it from
// inner on a miss. Other references go straight to inner. Store failures are
// logged and never fail a load.
type Fetcher struct {
	inner   ContentFetcher
	store   *Store
	ceiling int64
	logger  *slog.Logger
}

// NewFetcher wraps inner with the persistent store. ceiling must be the
// fetch ceiling inner applies; stored blobs are served under it.
func NewFetcher(inner ContentFetcher, store *Store, ceiling int64, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{inner: inner, store: store, ceiling: ceiling, logger: logger}
}

// Fetch implements ContentFetcher.
func (f *Fetcher) Fetch(ctx context.Context, ref models.BlobReference) (*models.BlobContent, error) {
	if !models.LooksImmutable(ref.Ref) {
		return f.inner.Fetch(ctx, ref)
	}

	content, err := f.store.Get(ref, f.ceiling)
	if err != nil {
		f.logger.Warn("read content store", "ref", ref.String(), "error", err)
	} else if content != nil {
		f.logger.Debug("content store hit", "ref", ref.String())
		return content, nil
	}

	content, err = f.inner.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := f.store.Put(content, f.ceiling); err != nil {
		f.logger.Warn("write content store", "ref", ref.String(), "error", err)
	}
	return content, nil
}
