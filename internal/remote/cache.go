package remote

import (
	"context"
	"sync"

	"github.com/kilupskalvis/blobview/internal/models"
	"golang.org/x/sync/singleflight"
)

// ContentFetcher is anything that can load a blob.
type ContentFetcher interface {
	Fetch(ctx context.Context, ref models.BlobReference) (*models.BlobContent, error)
}

// CachedFetcher caches blobs addressed by a full commit SHA and collapses
// concurrent fetches of the same blob. Branch, tag, and HEAD references are
// passed straight through because they can move.
type CachedFetcher struct {
	inner      ContentFetcher
	maxEntries int

	mu      sync.Mutex
	entries map[string]*models.BlobContent
	order   []string // insertion order for FIFO eviction

	group singleflight.Group
}

// NewCachedFetcher wraps inner with a cache of at most maxEntries blobs.
func NewCachedFetcher(inner ContentFetcher, maxEntries int) *CachedFetcher {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &CachedFetcher{
		inner:      inner,
		maxEntries: maxEntries,
		entries:    make(map[string]*models.BlobContent),
	}
}

func cacheKey(ref models.BlobReference) string {
	return ref.RepositoryID + "\x00" + ref.Ref + "\x00" + ref.CleanPath()
}

// Fetch returns a cached blob when possible.
func (c *CachedFetcher) Fetch(ctx context.Context, ref models.BlobReference) (*models.BlobContent, error) {
	if !models.LooksImmutable(ref.Ref) {
		return c.inner.Fetch(ctx, ref)
	}

	key := cacheKey(ref)
	if content, ok := c.get(key); ok {
		return withRef(content, ref), nil
	}

	// The shared fetch outlives a cancelled caller; it is bounded by the
	// client's attempt timeouts.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		content, err := c.inner.Fetch(shared, ref)
		if err != nil {
			return nil, err
		}
		c.put(key, content)
		return content, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return withRef(res.Val.(*models.BlobContent), ref), nil
	case <-ctx.Done():
		return nil, &models.BlobError{Kind: models.KindNetwork, Op: "fetch blob", Err: ctx.Err()}
	}
}

// withRef returns a shallow copy carrying the caller's reference. Data is
// shared; BlobContent is never mutated after construction.
func withRef(content *models.BlobContent, ref models.BlobReference) *models.BlobContent {
	c := *content
	c.Reference = ref
	return &c
}

// Len returns the number of cached blobs.
func (c *CachedFetcher) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *CachedFetcher) get(key string) (*models.BlobContent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	content, ok := c.entries[key]
	return content, ok
}

func (c *CachedFetcher) put(key string, content *models.BlobContent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return
	}
	for len(c.order) >= c.maxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = content
	c.order = append(c.order, key)
}
