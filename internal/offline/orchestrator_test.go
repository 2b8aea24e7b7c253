package offline

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/abelbrown/photoframe/internal/health"
	"github.com/abelbrown/photoframe/internal/media"
	"github.com/abelbrown/photoframe/internal/store"
	"github.com/abelbrown/photoframe/internal/work"
)

type fakeFetcher struct {
	mu    sync.Mutex
	data  map[string][]byte
	err   error
	calls atomic.Int64
	block chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.data[uri], nil
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type appErr struct{}

func (appErr) Error() string   { return "source: 500 Internal Server Error" }
func (appErr) HTTPStatus() int { return 500 }

var refused = &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

type fixture struct {
	orch    *Orchestrator
	tracker *health.Tracker
	store   *store.Store
	fetcher *fakeFetcher
	pool    *work.Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:", 10<<20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	pool := work.NewPool(2, 0)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	tracker := health.NewTracker(nil)
	tracker.Register("S")
	f := &fakeFetcher{data: map[string][]byte{"uri/X": []byte("x-bytes"), "uri/Y": []byte("y-bytes")}}

	orch := New(tracker, st, pool, Options{FetchTimeout: time.Second})
	orch.SetSources([]Source{{ID: "S", Name: "Living room Immich", Enabled: true, Fetcher: f}})
	return &fixture{orch: orch, tracker: tracker, store: st, fetcher: f, pool: pool}
}

func img(id string) media.Item {
	return media.Item{ID: id, SourceID: "S", RemoteURI: "uri/" + id, Kind: media.KindImage}
}

func TestResolveSuccessCachesAsync(t *testing.T) {
	fx := newFixture(t)
	res, err := fx.orch.Resolve(context.Background(), img("X"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(res.Bytes) != "x-bytes" || res.FromCache {
		t.Errorf("unexpected result %+v", res)
	}

	fx.pool.Drain()
	e, err := fx.store.Get(context.Background(), "X")
	if err != nil || string(e.Blob) != "x-bytes" {
		t.Errorf("write-behind did not cache X: %v", err)
	}
}

func TestResolveOfflineServesCache(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if _, err := fx.orch.Resolve(ctx, img("X")); err != nil {
		t.Fatal(err)
	}
	fx.pool.Drain()

	fx.fetcher.setErr(refused)

	res, err := fx.orch.Resolve(ctx, img("X"))
	if err != nil {
		t.Fatalf("expected cached fallback, got %v", err)
	}
	if !res.FromCache || string(res.Bytes) != "x-bytes" {
		t.Errorf("unexpected result %+v", res)
	}
	if fx.tracker.IsOnline("S") {
		t.Error("refused connection should mark S offline")
	}

	_, err = fx.orch.Resolve(ctx, img("Y"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for uncached Y, got %v", err)
	}
	var ue *UnavailableError
	if !errors.As(err, &ue) || ue.ItemID != "Y" || ue.Class != health.ClassRefused {
		t.Errorf("unexpected error detail %+v", ue)
	}
}

func TestResolveApplicationErrorKeepsOnline(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.setErr(appErr{})

	_, err := fx.orch.Resolve(context.Background(), img("Y"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if !fx.tracker.IsOnline("S") {
		t.Error("application error must not flip source offline")
	}
	if fx.orch.Status().Offline {
		t.Error("status should stay online")
	}
}

func TestResolveVideoBypasses(t *testing.T) {
	fx := newFixture(t)
	v := media.Item{ID: "V", SourceID: "S", RemoteURI: "uri/V/video/playback", Kind: media.KindVideo}
	res, err := fx.orch.Resolve(context.Background(), v)
	if err != nil {
		t.Fatal(err)
	}
	if res.StreamURL != v.RemoteURI || res.Bytes != nil {
		t.Errorf("unexpected video result %+v", res)
	}
	if fx.fetcher.calls.Load() != 0 {
		t.Error("video bytes must not be fetched")
	}
}

func TestResolveTimeoutIsNetworkFailure(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.block = make(chan struct{})
	fx.orch.timeout = 20 * time.Millisecond

	_, err := fx.orch.Resolve(context.Background(), img("X"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if fx.tracker.IsOnline("S") {
		t.Error("timeout should mark S offline")
	}
}

func TestResolveCallerCancelDoesNotTouchHealth(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fx.orch.Resolve(ctx, img("X"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h, _ := fx.tracker.Health("S"); !h.IsOnline || h.ConsecutiveFailures != 0 {
		t.Errorf("caller cancellation recorded as failure: %+v", h)
	}
}

func TestResolveUnknownSource(t *testing.T) {
	fx := newFixture(t)
	item := img("Z")
	item.SourceID = "gone"
	_, err := fx.orch.Resolve(context.Background(), item)
	if !errors.Is(err, ErrUnknownSource) || !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected unknown source + unavailable, got %v", err)
	}
}

func TestStatusAggregation(t *testing.T) {
	tracker := health.NewTracker(nil)
	for _, id := range []string{"a", "b", "c"} {
		tracker.Register(id)
	}
	orch := New(tracker, nil, nil, Options{})
	orch.SetSources([]Source{
		{ID: "a", Name: "Alpha", Enabled: true, Fetcher: &fakeFetcher{}},
		{ID: "b", Name: "Beta", Enabled: false, Fetcher: &fakeFetcher{}},
		{ID: "c", Enabled: true, Fetcher: &fakeFetcher{}},
	})

	if st := orch.Status(); st.Offline || len(st.OfflineSources) != 0 {
		t.Fatalf("expected online, got %+v", st)
	}

	tracker.RecordOutcome("b", health.Failure(health.ClassTimeout, "t"))
	if st := orch.Status(); st.Offline {
		t.Errorf("disabled source should not count: %+v", st)
	}

	tracker.RecordOutcome("c", health.Failure(health.ClassDNS, "d"))
	tracker.RecordOutcome("a", health.Failure(health.ClassTimeout, "t"))
	st := orch.Status()
	if !st.Offline || len(st.OfflineSources) != 2 || st.OfflineSources[0] != "Alpha" || st.OfflineSources[1] != "c" {
		t.Errorf("unexpected status %+v", st)
	}
}

type failingCache struct{}

func (failingCache) Lookup(context.Context, string, string) (store.Entry, error) {
	return store.Entry{}, store.ErrNotFound
}
func (failingCache) Put(context.Context, media.Item, []byte) error {
	return errors.New("disk quota exceeded")
}

func TestStoreFailures(t *testing.T) {
	tracker := health.NewTracker(nil)
	tracker.Register("S")
	f := &fakeFetcher{data: map[string][]byte{"uri/X": []byte("x")}}
	pool := work.NewPool(1, 0)
	pool.Start(context.Background())
	defer pool.Stop()

	orch := New(tracker, failingCache{}, pool, Options{})
	orch.SetSources([]Source{{ID: "S", Enabled: true, Fetcher: f}})

	// Write-behind failure never fails the display path.
	if _, err := orch.Resolve(context.Background(), img("X")); err != nil {
		t.Fatalf("Resolve should ignore store failure: %v", err)
	}
	pool.Drain()
	if pool.Stats().TotalFailed != 1 {
		t.Errorf("expected the background write to fail once, got %s", pool.Stats())
	}

	// An explicit recache surfaces it.
	if err := orch.Recache(context.Background(), img("X")); err == nil {
		t.Error("Recache should return the store error")
	}
}

func TestRecache(t *testing.T) {
	fx := newFixture(t)
	if err := fx.orch.Recache(context.Background(), img("Y")); err != nil {
		t.Fatalf("Recache: %v", err)
	}
	if _, err := fx.store.Get(context.Background(), "Y"); err != nil {
		t.Errorf("Y not stored synchronously: %v", err)
	}
	v := img("V")
	v.Kind = media.KindVideo
	if err := fx.orch.Recache(context.Background(), v); err == nil {
		t.Error("recaching a video should fail")
	}
}

func TestInvalidateDiscardsInFlightWrite(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.fetcher.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := fx.orch.Resolve(ctx, img("X"))
		done <- err
	}()
	for fx.fetcher.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	// The quality changed while X was downloading.
	if err := fx.orch.Invalidate(func() error { return fx.store.Clear(ctx) }); err != nil {
		t.Fatal(err)
	}
	close(fx.fetcher.block)
	if err := <-done; err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	fx.pool.Drain()

	if _, err := fx.store.Get(ctx, "X"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stale bytes written after invalidation: %v", err)
	}
	if st := fx.pool.Stats(); st.TotalFailed != 0 {
		t.Errorf("discarded write counted as failure: %s", st)
	}

	// Fetches started after the invalidation are cached as usual.
	if _, err := fx.orch.Resolve(ctx, img("Y")); err != nil {
		t.Fatal(err)
	}
	fx.pool.Drain()
	if _, err := fx.store.Get(ctx, "Y"); err != nil {
		t.Errorf("fresh write dropped: %v", err)
	}
}
