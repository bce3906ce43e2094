package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kilupskalvis/blobview/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore creates a new bbolt store in a temp directory for testing.
func newTestStore(t *testing.T, maxEntries int) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "cache", "blobs.db"), maxEntries)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

var commit = strings.Repeat("d", 40)

func refAt(p string) models.BlobReference {
	return models.BlobReference{RepositoryID: "u-boot", Ref: commit, Path: p}
}

func content(p, text string) *models.BlobContent {
	return &models.BlobContent{
		Reference:    refAt(p),
		CommitID:     commit,
		MimeTypeHint: "text/x-c-header",
		SizeBytes:    int64(len(text)),
		Data:         []byte(text),
	}
}

func TestStore_PutGet(t *testing.T) {
	st := newTestStore(t, 0)

	got, err := st.Get(refAt("include/configs/smdk5250.h"), 0)
	require.NoError(t, err)
	assert.Nil(t, got)

	want := content("include/configs/smdk5250.h", "#define CONFIG_SMDK5250\n")
	require.NoError(t, st.Put(want, 0))

	got, err = st.Get(refAt("/include/configs/smdk5250.h"), 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Data, got.Data)
	assert.Equal(t, want.MimeTypeHint, got.MimeTypeHint)
	assert.Equal(t, want.SizeBytes, got.SizeBytes)
	assert.Equal(t, commit, got.CommitID)

	n, err := st.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_PutKeepsFirstCopy(t *testing.T) {
	st := newTestStore(t, 0)

	require.NoError(t, st.Put(content("a.h", "first"), 0))
	require.NoError(t, st.Put(content("a.h", "second"), 0))

	got, err := st.Get(refAt("a.h"), 0)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Text())

	n, err := st.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_EvictsOldest(t *testing.T) {
	st := newTestStore(t, 2)

	require.NoError(t, st.Put(content("a.h", "a"), 0))
	require.NoError(t, st.Put(content("b.h", "b"), 0))
	require.NoError(t, st.Put(content("c.h", "c"), 0))

	got, err := st.Get(refAt("a.h"), 0)
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, p := range []string{"b.h", "c.h"} {
		got, err := st.Get(refAt(p), 0)
		require.NoError(t, err)
		assert.NotNil(t, got, p)
	}

	n, err := st.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobs.db")

	st, err := New(path, 10)
	require.NoError(t, err)
	require.NoError(t, st.Put(content("a.h", "persisted"), 0))
	require.NoError(t, st.Close())

	st, err = New(path, 10)
	require.NoError(t, err)
	defer st.Close()

	got, err := st.Get(refAt("a.h"), 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "persisted", got.Text())
}

// countingFetcher serves text, cut to ceiling when one is set.
type countingFetcher struct {
	calls   atomic.Int32
	err     error
	text    string
	ceiling int64
}

func (f *countingFetcher) Fetch(_ context.Context, ref models.BlobReference) (*models.BlobContent, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	text := f.text
	if text == "" {
		text = "fetched"
	}
	c := content(ref.CleanPath(), text)
	c.Reference = ref
	if f.ceiling > 0 && int64(len(c.Data)) > f.ceiling {
		c.Data = c.Data[:f.ceiling]
		c.IsTruncated = true
	}
	return c, nil
}

func TestFetcher_ServesCommitRefsFromStore(t *testing.T) {
	inner := &countingFetcher{}
	f := NewFetcher(inner, newTestStore(t, 0), 0, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := f.Fetch(ctx, refAt("a.h"))
		require.NoError(t, err)
		assert.Equal(t, "fetched", got.Text())
	}
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestFetcher_PassesThroughBranches(t *testing.T) {
	inner := &countingFetcher{}
	st := newTestStore(t, 0)
	f := NewFetcher(inner, st, 0, nil)

	ref := models.BlobReference{RepositoryID: "u-boot", Ref: "main", Path: "a.h"}
	for i := 0; i < 2; i++ {
		_, err := f.Fetch(context.Background(), ref)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), inner.calls.Load())

	n, err := st.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFetcher_DoesNotStoreErrors(t *testing.T) {
	inner := &countingFetcher{err: &models.BlobError{Kind: models.KindNetwork}}
	st := newTestStore(t, 0)
	f := NewFetcher(inner, st, 0, nil)

	_, err := f.Fetch(context.Background(), refAt("a.h"))
	assert.True(t, errors.Is(err, models.ErrNetwork))

	n, err := st.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

const smdkLine = "#define CONFIG_SYS_SDRAM_BASE 0x40000000\n"

func TestFetcher_RefetchesWhenCeilingGrows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobs.db")
	ctx := context.Background()

	st, err := New(path, 10)
	require.NoError(t, err)
	small := &countingFetcher{text: smdkLine, ceiling: 8}
	got, err := NewFetcher(small, st, 8, nil).Fetch(ctx, refAt("smdk5250.h"))
	require.NoError(t, err)
	assert.True(t, got.IsTruncated)
	assert.Len(t, got.Data, 8)
	require.NoError(t, st.Close())

	st, err = New(path, 10)
	require.NoError(t, err)
	defer st.Close()

	large := &countingFetcher{text: smdkLine, ceiling: 1 << 20}
	f := NewFetcher(large, st, 1<<20, nil)
	for i := 0; i < 2; i++ {
		got, err = f.Fetch(ctx, refAt("smdk5250.h"))
		require.NoError(t, err)
		assert.False(t, got.IsTruncated)
		assert.Equal(t, smdkLine, got.Text())
	}
	assert.Equal(t, int32(1), large.calls.Load(), "the full copy replaces the cut one")

	n, err := st.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFetcher_CutsStoredBlobToSmallerCeiling(t *testing.T) {
	st := newTestStore(t, 0)
	ctx := context.Background()

	large := &countingFetcher{text: smdkLine}
	_, err := NewFetcher(large, st, 1<<20, nil).Fetch(ctx, refAt("smdk5250.h"))
	require.NoError(t, err)

	small := &countingFetcher{text: smdkLine, ceiling: 8}
	got, err := NewFetcher(small, st, 8, nil).Fetch(ctx, refAt("smdk5250.h"))
	require.NoError(t, err)
	assert.Equal(t, int32(0), small.calls.Load())
	assert.True(t, got.IsTruncated)
	assert.Equal(t, smdkLine[:8], got.Text())
	assert.Equal(t, int64(len(smdkLine)), got.SizeBytes)

	// The stored copy is untouched for larger ceilings.
	full, err := st.Get(refAt("smdk5250.h"), 0)
	require.NoError(t, err)
	assert.Equal(t, smdkLine, full.Text())
}
