package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kilupskalvis/blobview/internal/models"
)

// Fetcher loads blob content. remote.Fetcher and remote.CachedFetcher satisfy it.
type Fetcher interface {
	Fetch(ctx context.Context, ref models.BlobReference) (*models.BlobContent, error)
}

// Observer is called with every state transition, in the order the
// transitions were applied. Delivery happens on one goroutine at a time,
// whichever is draining the queue, never under the viewer's lock, so
// observers may call back into the viewer.
type Observer func(models.LoadState)

// ViewerOption configures a BlobViewer.
type ViewerOption func(*BlobViewer)

// WithLogger sets the viewer's logger.
func WithLogger(logger *slog.Logger) ViewerOption {
	return func(v *BlobViewer) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithObserver registers fn to receive state transitions.
func WithObserver(fn Observer) ViewerOption {
	return func(v *BlobViewer) {
		if fn != nil {
			v.observers = append(v.observers, fn)
		}
	}
}

// BlobViewer drives one blob page: it fetches content, picks a viewer, and
// exposes the result as a LoadState. A newer Load always supersedes an older
// one, whatever order the fetches finish in.
type BlobViewer struct {
	fetcher   Fetcher
	resolver  *Resolver
	logger    *slog.Logger
	observers []Observer

	mu      sync.Mutex
	state   models.LoadState
	cancel  context.CancelFunc
	changed chan struct{} // closed and replaced on every transition
	closed  bool

	// Transitions waiting for delivery to observers. Only one goroutine
	// drains the queue at a time.
	pending  []models.LoadState
	draining bool

	wg sync.WaitGroup
}

// NewBlobViewer creates an idle viewer.
func NewBlobViewer(fetcher Fetcher, resolver *Resolver, opts ...ViewerOption) *BlobViewer {
	if resolver == nil {
		resolver = NewResolver(DefaultRenderCeiling, nil)
	}
	v := &BlobViewer{
		fetcher:  fetcher,
		resolver: resolver,
		logger:   slog.Default(),
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Load starts loading ref and returns immediately. Any load still in flight is
// cancelled and its result discarded. Load on a closed viewer does nothing.
func (v *BlobViewer) Load(ctx context.Context, ref models.BlobReference) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	if v.cancel != nil {
		v.cancel()
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	gen := v.state.Generation + 1
	v.transitionLocked(models.LoadState{
		Phase:      models.PhaseLoading,
		Generation: gen,
		Reference:  ref,
	})
	v.wg.Add(1)
	v.publishAndUnlock()

	go v.run(fetchCtx, gen, ref)
}

// Reload loads the current reference again, typically after a retryable
// failure. It reports false when nothing has been loaded yet.
func (v *BlobViewer) Reload(ctx context.Context) bool {
	v.mu.Lock()
	s := v.state
	v.mu.Unlock()
	if s.Phase == models.PhaseIdle {
		return false
	}
	v.Load(ctx, s.Reference)
	return true
}

func (v *BlobViewer) run(ctx context.Context, gen uint64, ref models.BlobReference) {
	defer v.wg.Done()

	content, err := v.fetcher.Fetch(ctx, ref)
	var decision models.ViewerDecision
	if err == nil {
		decision = v.resolver.Resolve(content)
	}

	v.mu.Lock()
	if v.state.Generation != gen {
		latest := v.state.Generation
		v.mu.Unlock()
		v.logger.Debug("dropping superseded blob load",
			"ref", ref.String(),
			"generation", gen,
			"latest", latest,
		)
		return
	}
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}

	next := models.LoadState{Generation: gen, Reference: ref}
	if err != nil {
		next.Phase = models.PhaseFailed
		next.Err = asBlobError(err)
		v.logger.Debug("blob load failed", "ref", ref.String(), "kind", next.Err.Kind.String(), "error", err)
	} else {
		next.Phase = models.PhaseLoaded
		next.Content = content
		next.Decision = decision
		v.logger.Debug("blob loaded", "ref", ref.String(), "viewer", decision.Kind.String(), "reason", decision.Reason)
	}
	v.transitionLocked(next)
	v.publishAndUnlock()
}

// transitionLocked replaces the state, wakes waiters and queues the state for
// observers. Caller holds mu.
func (v *BlobViewer) transitionLocked(s models.LoadState) {
	v.state = s
	close(v.changed)
	v.changed = make(chan struct{})
	if len(v.observers) > 0 {
		v.pending = append(v.pending, s)
	}
}

// publishAndUnlock releases mu and delivers queued transitions to observers,
// unless another goroutine is already delivering them.
func (v *BlobViewer) publishAndUnlock() {
	if v.draining || len(v.pending) == 0 {
		v.mu.Unlock()
		return
	}
	v.draining = true
	for {
		if len(v.pending) == 0 {
			v.draining = false
			v.mu.Unlock()
			return
		}
		s := v.pending[0]
		v.pending = v.pending[1:]
		v.mu.Unlock()

		for _, fn := range v.observers {
			fn(s)
		}
		v.mu.Lock()
	}
}

// CurrentState returns a snapshot of the viewer's state.
func (v *BlobViewer) CurrentState() models.LoadState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Wait blocks until the latest load reaches a terminal state, or ctx is done.
// An idle viewer returns immediately.
func (v *BlobViewer) Wait(ctx context.Context) (models.LoadState, error) {
	for {
		v.mu.Lock()
		s := v.state
		changed := v.changed
		v.mu.Unlock()

		if s.Phase != models.PhaseLoading {
			return s, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

// Close cancels any in-flight load and waits for it to finish.
func (v *BlobViewer) Close() {
	v.mu.Lock()
	v.closed = true
	if v.cancel != nil {
		v.cancel()
	}
	v.mu.Unlock()
	v.wg.Wait()
}

// asBlobError classifies errors from fetchers that do not return *models.BlobError.
func asBlobError(err error) *models.BlobError {
	var be *models.BlobError
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &models.BlobError{Kind: models.KindNetwork, Op: "fetch blob", Err: err}
	}
	return &models.BlobError{Kind: models.KindUnknown, Op: "fetch blob", Err: err}
}
