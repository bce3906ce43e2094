package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/kilupskalvis/blobview/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedFetch is the canned outcome of fetching one path.
type scriptedFetch struct {
	content *models.BlobContent
	err     error
	// release, when set, holds the fetch until closed. The fetch ignores
	// cancellation so it can finish after a newer load.
	release chan struct{}
	// honorCancel makes a held fetch return early when its context ends.
	honorCancel bool
}

type scriptedFetcher struct {
	mu      sync.Mutex
	script  map[string]scriptedFetch
	calls   map[string]int
	started chan string
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		script:  make(map[string]scriptedFetch),
		calls:   make(map[string]int),
		started: make(chan string, 16),
	}
}

func (f *scriptedFetcher) on(path string, s scriptedFetch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[path] = s
}

func (f *scriptedFetcher) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *scriptedFetcher) Fetch(ctx context.Context, ref models.BlobReference) (*models.BlobContent, error) {
	f.mu.Lock()
	f.calls[ref.Path]++
	s, ok := f.script[ref.Path]
	f.mu.Unlock()
	f.started <- ref.Path

	if !ok {
		return nil, &models.BlobError{Kind: models.KindNotFound, Op: "fetch blob"}
	}
	if s.release != nil {
		if s.honorCancel {
			select {
			case <-s.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-s.release
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	c := *s.content
	c.Reference = ref
	return &c, nil
}

// stateRecorder collects every transition delivered to an observer.
type stateRecorder struct {
	mu     sync.Mutex
	states []models.LoadState
}

func (r *stateRecorder) observe(s models.LoadState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) phases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.states))
	for i, s := range r.states {
		out[i] = s.Phase.String() + ":" + s.Reference.Path
	}
	return out
}

var smdkRef = models.BlobReference{
	RepositoryID: "u-boot",
	Ref:          "HEAD",
	Path:         "include/configs/smdk5250.h",
}

func waitTerminal(t *testing.T, v *BlobViewer) models.LoadState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := v.Wait(ctx)
	require.NoError(t, err)
	return s
}

func TestBlobViewer_InitialStateIsIdle(t *testing.T) {
	v := NewBlobViewer(newScriptedFetcher(), nil)
	defer v.Close()

	s := v.CurrentState()
	assert.Equal(t, models.PhaseIdle, s.Phase)
	assert.False(t, s.Terminal())

	// Nothing to wait for
	got, err := v.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.PhaseIdle, got.Phase)
	assert.False(t, v.Reload(context.Background()))
}

func TestBlobViewer_LoadsCHeaderAsSimple(t *testing.T) {
	f := newScriptedFetcher()
	f.on(smdkRef.Path, scriptedFetch{content: &models.BlobContent{
		SizeBytes:    507,
		MimeTypeHint: "text/x-c-header",
		Data:         make([]byte, 507),
	}})

	v := NewBlobViewer(f, newTestResolver())
	defer v.Close()

	v.Load(context.Background(), smdkRef)
	s := waitTerminal(t, v)

	require.Equal(t, models.PhaseLoaded, s.Phase)
	assert.Equal(t, models.ViewerSimple, s.Decision.Kind)
	assert.Equal(t, int64(507), s.Content.SizeBytes)
	assert.Equal(t, smdkRef, s.Reference)
	assert.Nil(t, s.Err)
	assert.Equal(t, uint64(1), s.Generation)
}

func TestBlobViewer_NotFoundFails(t *testing.T) {
	f := newScriptedFetcher()
	v := NewBlobViewer(f, newTestResolver())
	defer v.Close()

	v.Load(context.Background(), smdkRef)
	s := waitTerminal(t, v)

	require.Equal(t, models.PhaseFailed, s.Phase)
	assert.Equal(t, models.KindNotFound, s.ErrorKind())
	assert.False(t, s.CanRetry())
	assert.Nil(t, s.Content)
	assert.Equal(t, 1, f.callCount(smdkRef.Path))
}

func TestBlobViewer_RetryableFailureCanReload(t *testing.T) {
	f := newScriptedFetcher()
	f.on("a.txt", scriptedFetch{err: &models.BlobError{Kind: models.KindServer, Status: 503}})

	v := NewBlobViewer(f, newTestResolver())
	defer v.Close()

	ref := models.BlobReference{RepositoryID: "r", Ref: "main", Path: "a.txt"}
	v.Load(context.Background(), ref)
	s := waitTerminal(t, v)
	require.Equal(t, models.PhaseFailed, s.Phase)
	assert.True(t, s.CanRetry())

	f.on("a.txt", scriptedFetch{content: &models.BlobContent{SizeBytes: 2, Data: []byte("ok")}})
	require.True(t, v.Reload(context.Background()))
	s = waitTerminal(t, v)

	assert.Equal(t, models.PhaseLoaded, s.Phase)
	assert.Equal(t, uint64(2), s.Generation)
	assert.Equal(t, 2, f.callCount("a.txt"))
}

func TestBlobViewer_UnclassifiedErrorIsUnknown(t *testing.T) {
	f := newScriptedFetcher()
	f.on("a.txt", scriptedFetch{err: errors.New("boom")})

	v := NewBlobViewer(f, nil)
	defer v.Close()

	v.Load(context.Background(), models.BlobReference{RepositoryID: "r", Ref: "main", Path: "a.txt"})
	s := waitTerminal(t, v)
	assert.Equal(t, models.KindUnknown, s.ErrorKind())
	assert.False(t, s.CanRetry())
}

func TestBlobViewer_LaterLoadSupersedesSlowEarlierLoad(t *testing.T) {
	f := newScriptedFetcher()
	releaseA := make(chan struct{})
	f.on("a.md", scriptedFetch{
		content: &models.BlobContent{SizeBytes: 1, MimeTypeHint: "text/markdown", Data: []byte("a")},
		release: releaseA,
	})
	f.on("b.c", scriptedFetch{
		content: &models.BlobContent{SizeBytes: 1, MimeTypeHint: "text/x-csrc", Data: []byte("b")},
	})

	rec := &stateRecorder{}
	v := NewBlobViewer(f, newTestResolver(), WithObserver(rec.observe))

	refA := models.BlobReference{RepositoryID: "r", Ref: "main", Path: "a.md"}
	refB := models.BlobReference{RepositoryID: "r", Ref: "main", Path: "b.c"}

	v.Load(context.Background(), refA)
	<-f.started // A is in flight
	v.Load(context.Background(), refB)

	s := waitTerminal(t, v)
	require.Equal(t, models.PhaseLoaded, s.Phase)
	assert.Equal(t, "b.c", s.Reference.Path)

	// A finishes last; its result must be dropped
	close(releaseA)
	v.Close()

	final := v.CurrentState()
	assert.Equal(t, "b.c", final.Reference.Path)
	assert.Equal(t, models.ViewerSimple, final.Decision.Kind)
	assert.Equal(t, uint64(2), final.Generation)

	want := []string{"loading:a.md", "loading:b.c", "loaded:b.c"}
	if diff := cmp.Diff(want, rec.phases()); diff != "" {
		t.Errorf("transitions (-want +got):\n%s", diff)
	}
}

func TestBlobViewer_SupersededFetchIsCancelled(t *testing.T) {
	f := newScriptedFetcher()
	f.on("slow", scriptedFetch{
		content:     &models.BlobContent{SizeBytes: 1, Data: []byte("s")},
		release:     make(chan struct{}), // never closed
		honorCancel: true,
	})
	f.on("fast", scriptedFetch{content: &models.BlobContent{SizeBytes: 1, Data: []byte("f")}})

	v := NewBlobViewer(f, nil)

	v.Load(context.Background(), models.BlobReference{RepositoryID: "r", Ref: "main", Path: "slow"})
	<-f.started
	v.Load(context.Background(), models.BlobReference{RepositoryID: "r", Ref: "main", Path: "fast"})

	s := waitTerminal(t, v)
	assert.Equal(t, "fast", s.Reference.Path)

	// Close returns only once the cancelled fetch has exited
	v.Close()
	assert.Equal(t, "fast", v.CurrentState().Reference.Path)
}

func TestBlobViewer_RapidLoadsApplyOnlyTheLast(t *testing.T) {
	f := newScriptedFetcher()
	for _, p := range []string{"1", "2", "3", "4", "5"} {
		f.on(p, scriptedFetch{content: &models.BlobContent{SizeBytes: 1, Data: []byte(p)}})
	}

	rec := &stateRecorder{}
	v := NewBlobViewer(f, nil, WithObserver(rec.observe))
	for _, p := range []string{"1", "2", "3", "4", "5"} {
		v.Load(context.Background(), models.BlobReference{RepositoryID: "r", Ref: "main", Path: p})
	}
	s := waitTerminal(t, v)
	v.Close()

	assert.Equal(t, "5", s.Reference.Path)
	assert.Equal(t, uint64(5), s.Generation)

	// Never more than one terminal state per generation, and never for a superseded one
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var lastGen uint64
	for _, st := range rec.states {
		assert.GreaterOrEqual(t, st.Generation, lastGen, "transitions out of order")
		lastGen = st.Generation
		if st.Terminal() {
			assert.Equal(t, "5", st.Reference.Path)
		}
	}
}

func TestBlobViewer_ObserverMayReadState(t *testing.T) {
	f := newScriptedFetcher()
	f.on("a", scriptedFetch{content: &models.BlobContent{SizeBytes: 1, Data: []byte("a")}})

	var v *BlobViewer
	var seen []models.LoadPhase
	v = NewBlobViewer(f, nil, WithObserver(func(s models.LoadState) {
		seen = append(seen, v.CurrentState().Phase)
	}))

	v.Load(context.Background(), models.BlobReference{RepositoryID: "r", Ref: "main", Path: "a"})
	waitTerminal(t, v)
	v.Close()

	require.NotEmpty(t, seen)
	assert.Equal(t, models.PhaseLoaded, seen[len(seen)-1])
}

func TestBlobViewer_ObserversRunOneAtATimeInOrder(t *testing.T) {
	f := newScriptedFetcher()
	f.on("a", scriptedFetch{content: &models.BlobContent{SizeBytes: 1, Data: []byte("a")}})
	f.on("b", scriptedFetch{content: &models.BlobContent{SizeBytes: 1, Data: []byte("b")}})

	var (
		active  atomic.Int32
		overlap atomic.Bool
		v       *BlobViewer
	)
	rec := &stateRecorder{}
	v = NewBlobViewer(f, nil, WithObserver(func(s models.LoadState) {
		if active.Add(1) > 1 {
			overlap.Store(true)
		}
		defer active.Add(-1)
		rec.observe(s)
		// Loading from inside an observer queues the new transitions
		// behind this one.
		if s.Phase == models.PhaseLoaded && s.Reference.Path == "a" {
			v.Load(context.Background(), models.BlobReference{RepositoryID: "r", Ref: "main", Path: "b"})
		}
		time.Sleep(time.Millisecond)
	}))

	v.Load(context.Background(), models.BlobReference{RepositoryID: "r", Ref: "main", Path: "a"})
	require.Eventually(t, func() bool {
		return len(rec.phases()) == 4
	}, 5*time.Second, 5*time.Millisecond)
	v.Close()

	assert.False(t, overlap.Load(), "observers ran concurrently")
	want := []string{"loading:a", "loaded:a", "loading:b", "loaded:b"}
	if diff := cmp.Diff(want, rec.phases()); diff != "" {
		t.Errorf("observed transitions (-want +got):\n%s", diff)
	}
}

func TestBlobViewer_WaitHonorsContext(t *testing.T) {
	f := newScriptedFetcher()
	release := make(chan struct{})
	f.on("a", scriptedFetch{content: &models.BlobContent{SizeBytes: 1, Data: []byte("a")}, release: release})

	v := NewBlobViewer(f, nil)
	v.Load(context.Background(), models.BlobReference{RepositoryID: "r", Ref: "main", Path: "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s, err := v.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, models.PhaseLoading, s.Phase)

	close(release)
	v.Close()
}

func TestBlobViewer_LoadAfterCloseIsIgnored(t *testing.T) {
	f := newScriptedFetcher()
	v := NewBlobViewer(f, nil)
	v.Close()

	v.Load(context.Background(), smdkRef)
	assert.Equal(t, models.PhaseIdle, v.CurrentState().Phase)
	assert.Equal(t, 0, f.callCount(smdkRef.Path))
}

func TestBlobViewer_CancelledParentFailsAsNetwork(t *testing.T) {
	f := newScriptedFetcher()
	f.on("a", scriptedFetch{
		content:     &models.BlobContent{SizeBytes: 1, Data: []byte("a")},
		release:     make(chan struct{}),
		honorCancel: true,
	})

	v := NewBlobViewer(f, nil)
	defer v.Close()

	ctx, cancel := context.WithCancel(context.Background())
	v.Load(ctx, models.BlobReference{RepositoryID: "r", Ref: "main", Path: "a"})
	<-f.started
	cancel()

	s := waitTerminal(t, v)
	assert.Equal(t, models.PhaseFailed, s.Phase)
	assert.Equal(t, models.KindNetwork, s.ErrorKind())
}
