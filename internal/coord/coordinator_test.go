package coord

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/abelbrown/photoframe/internal/config"
	"github.com/abelbrown/photoframe/internal/media"
	"github.com/abelbrown/photoframe/internal/source"
	"github.com/abelbrown/photoframe/internal/store"
)

// mockAdapter implements source.Adapter for testing.
type mockAdapter struct {
	id        string
	mu        sync.Mutex
	items     []media.Item
	listErr   error
	fetchErr  error
	pingErr   error
	gate      chan struct{}
	listCount atomic.Int32
	fetched   atomic.Int32
}

func (m *mockAdapter) List(ctx context.Context) ([]media.Item, error) {
	m.listCount.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]media.Item(nil), m.items...), nil
}

func (m *mockAdapter) Item(ctx context.Context, id string) (media.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.ID == id {
			return it, nil
		}
	}
	return media.Item{}, &source.StatusError{Code: 404, Status: "404 Not Found"}
}

func (m *mockAdapter) Fetch(ctx context.Context, uri string) ([]byte, error) {
	m.fetched.Add(1)
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return []byte("bytes:" + uri), nil
}

func (m *mockAdapter) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *mockAdapter) set(items []media.Item, listErr, fetchErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if items != nil {
		m.items = items
	}
	m.listErr = listErr
	m.fetchErr = fetchErr
}

var refused = &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

type harness struct {
	coord    *Coordinator
	store    *store.Store
	adapters map[string]*mockAdapter
	built    atomic.Int32
}

func itemsFor(src string, n int) []media.Item {
	out := make([]media.Item, n)
	for i := range out {
		id := fmt.Sprintf("%s-%d", src, i)
		out[i] = media.Item{ID: id, SourceID: src, RemoteURI: "uri/" + id, Kind: media.KindImage}
	}
	return out
}

func testConfig(ids ...string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Slideshow.IntervalSeconds = 0
	for _, id := range ids {
		cfg.Sources = append(cfg.Sources, config.SourceConfig{
			ID:      id,
			Name:    strings.ToUpper(id),
			Type:    config.SourceImmich,
			Enabled: true,
			Immich:  &config.ImmichSource{ServerURL: "http://" + id + ".local", AlbumIDs: []string{"album"}},
		})
	}
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	st, err := store.Open(":memory:", cfg.Cache.MaxBytes())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{store: st, adapters: make(map[string]*mockAdapter)}
	h.coord = h.newCoord(t, cfg)
	return h
}

func (h *harness) newCoord(t *testing.T, cfg *config.Config) *Coordinator {
	t.Helper()
	factory := func(sc config.SourceConfig, opts source.Options) (source.Adapter, error) {
		h.built.Add(1)
		a, ok := h.adapters[sc.ID]
		if !ok {
			a = &mockAdapter{id: sc.ID, items: itemsFor(sc.ID, 3)}
			h.adapters[sc.ID] = a
		}
		return a, nil
	}

	c, err := New(cfg, Deps{Store: h.store, Factory: factory, Reach: func(context.Context) error { return nil }})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(c.Dispose)
	return c
}

func TestRefreshCombinesSourcesInOrder(t *testing.T) {
	h := newHarness(t, testConfig("a", "b"))
	if err := h.coord.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	var ids []string
	for _, it := range h.coord.Items() {
		ids = append(ids, it.ID)
	}
	if got := strings.Join(ids, ","); got != "a-0,a-1,a-2,b-0,b-1,b-2" {
		t.Errorf("items = %s", got)
	}

	h.coord.Pipeline().Wait()
	for _, id := range []string{"a-0", "a-1", "a-2"} {
		if _, ok := h.coord.Handle(id); !ok {
			t.Errorf("window item %s not prefetched", id)
		}
	}
}

func TestRefreshKeepsPreviousItemsOnFailure(t *testing.T) {
	h := newHarness(t, testConfig("a", "b"))
	ctx := context.Background()
	if err := h.coord.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	h.coord.Pipeline().Wait()

	h.adapters["a"].set(nil, refused, nil)
	err := h.coord.Refresh(ctx)
	if err == nil || !strings.Contains(err.Error(), "a:") {
		t.Fatalf("expected listing error for a, got %v", err)
	}
	if n := len(h.coord.Items()); n != 6 {
		t.Errorf("items = %d, want 6 (a's previous items kept)", n)
	}
	if h.coord.Tracker().IsOnline("a") {
		t.Error("refused listing should mark a offline")
	}
	st := h.coord.Status(ctx)
	if !st.Offline || len(st.OfflineSources) != 1 || st.OfflineSources[0] != "A" {
		t.Errorf("unexpected status %+v", st.Status)
	}
}

func TestAdvanceWrapsAndKeepsCurrentAcrossRefresh(t *testing.T) {
	h := newHarness(t, testConfig("a"))
	ctx := context.Background()
	h.coord.Refresh(ctx)

	h.coord.Advance()
	h.coord.Advance()
	cur, idx, _ := h.coord.Current()
	if cur.ID != "a-2" || idx != 2 {
		t.Fatalf("current = %s@%d", cur.ID, idx)
	}
	if next, _ := h.coord.Advance(); next.ID != "a-0" {
		t.Errorf("advance should wrap, got %s", next.ID)
	}

	h.coord.SetIndex(1)
	// New item prepended: a-1 must stay on screen.
	h.adapters["a"].set(append([]media.Item{{ID: "new", SourceID: "a", RemoteURI: "uri/new", Kind: media.KindImage}}, itemsFor("a", 3)...), nil, nil)
	h.coord.Refresh(ctx)
	cur, idx, _ = h.coord.Current()
	if cur.ID != "a-1" || idx != 2 {
		t.Errorf("current after refresh = %s@%d, want a-1@2", cur.ID, idx)
	}
}

func TestMediaPrefersHandleThenResolves(t *testing.T) {
	h := newHarness(t, testConfig("a"))
	ctx := context.Background()
	h.coord.Refresh(ctx)
	h.coord.Pipeline().Wait()
	before := h.adapters["a"].fetched.Load()

	res, err := h.coord.Media(ctx, "a-0")
	if err != nil || string(res.Bytes) != "bytes:uri/a-0" {
		t.Fatalf("Media(a-0) = %q, %v", res.Bytes, err)
	}
	if h.adapters["a"].fetched.Load() != before {
		t.Error("prefetched item should not be fetched again")
	}

	if _, err := h.coord.Media(ctx, "nope"); !errors.Is(err, ErrUnknownItem) {
		t.Errorf("expected ErrUnknownItem, got %v", err)
	}
}

func TestOfflineContinuityFromCache(t *testing.T) {
	h := newHarness(t, testConfig("a"))
	ctx := context.Background()
	h.coord.Refresh(ctx)
	h.coord.Pipeline().Wait()
	h.coord.pool.Drain()

	// Everything in the window was written behind; now the server goes away.
	h.adapters["a"].set(nil, refused, refused)
	h.coord.Pipeline().Close()

	res, err := h.coord.Media(ctx, "a-1")
	if err != nil {
		t.Fatalf("expected cached fallback, got %v", err)
	}
	if !res.FromCache || string(res.Bytes) != "bytes:uri/a-1" {
		t.Errorf("unexpected result %+v", res)
	}
	if !h.coord.Status(ctx).Offline {
		t.Error("status should report offline")
	}
}

func TestApplyConfigTriggers(t *testing.T) {
	cfg := testConfig("a", "b")
	h := newHarness(t, cfg)
	ctx := context.Background()
	h.coord.Refresh(ctx)
	h.coord.Pipeline().Wait()
	h.coord.pool.Drain()

	for _, src := range []string{"a", "b"} {
		if err := h.store.Put(ctx, itemsFor(src, 1)[0], []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	// Disable b, shrink the window, change capacity.
	next := cfg.Clone()
	next.Sources[1].Enabled = false
	next.Prefetch.WindowSize = 1
	next.Cache.MaxMB = 50
	if err := h.coord.ApplyConfig(ctx, next); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	if _, err := h.store.Get(ctx, "b-0"); !errors.Is(err, store.ErrNotFound) {
		t.Error("disabled source's cache should be invalidated")
	}
	if _, err := h.store.Get(ctx, "a-0"); err != nil {
		t.Errorf("unaffected source's cache was dropped: %v", err)
	}
	if _, ok := h.coord.Tracker().Health("b"); ok {
		t.Error("disabled source should be unregistered")
	}
	for _, it := range h.coord.Items() {
		if it.SourceID == "b" {
			t.Fatalf("items still include disabled source: %s", it.ID)
		}
	}
	st := h.coord.Status(ctx)
	if st.Cache.CapacityBytes != 50<<20 {
		t.Errorf("capacity = %d", st.Cache.CapacityBytes)
	}
	h.coord.Pipeline().Wait()
	if got := len(h.coord.Pipeline().WindowIDs()); got != 1 {
		t.Errorf("window size = %d, want 1", got)
	}

	// Quality change invalidates everything.
	next2 := next.Clone()
	next2.Quality = config.QualityOriginal
	if err := h.coord.ApplyConfig(ctx, next2); err != nil {
		t.Fatal(err)
	}
	if st := h.coord.Status(ctx); st.Cache.EntryCount != 0 {
		t.Errorf("quality change left %d entries", st.Cache.EntryCount)
	}
}

func TestApplyConfigRegistersNewSource(t *testing.T) {
	cfg := testConfig("a")
	h := newHarness(t, cfg)

	next := testConfig("a", "c")
	if err := h.coord.ApplyConfig(context.Background(), next); err != nil {
		t.Fatal(err)
	}
	if !h.coord.Tracker().IsOnline("c") {
		t.Error("new source should be registered optimistically online")
	}
	if err := h.coord.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(h.coord.Items()); n != 6 {
		t.Errorf("items = %d, want 6", n)
	}
}

func TestApplyConfigRejectsInvalid(t *testing.T) {
	h := newHarness(t, testConfig("a"))
	bad := testConfig("a")
	bad.Prefetch.WindowSize = 0
	if err := h.coord.ApplyConfig(context.Background(), bad); err == nil {
		t.Error("expected validation error")
	}
}

func TestRecache(t *testing.T) {
	h := newHarness(t, testConfig("a"))
	ctx := context.Background()

	if err := h.coord.Recache(ctx, "a", "a-2"); err != nil {
		t.Fatalf("Recache: %v", err)
	}
	if _, err := h.store.Get(ctx, "a-2"); err != nil {
		t.Errorf("a-2 not cached: %v", err)
	}
	if err := h.coord.Recache(ctx, "zzz", "a-2"); err == nil {
		t.Error("unknown source should fail")
	}
	if err := h.coord.Recache(ctx, "a", "missing"); err == nil {
		t.Error("unknown asset should fail")
	}
}

func TestStartRefreshesAndStops(t *testing.T) {
	h := newHarness(t, testConfig("a"))
	ctx, cancel := context.WithCancel(context.Background())
	h.coord.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for len(h.coord.Items()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(h.coord.Items()) != 3 {
		t.Errorf("initial refresh did not run")
	}

	cancel()
	done := make(chan struct{})
	go func() {
		h.coord.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("background loops did not stop on cancel")
	}
}

func TestRefreshRespectsContextCancellation(t *testing.T) {
	h := newHarness(t, testConfig("a", "b"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.coord.Refresh(ctx)
	for id, a := range h.adapters {
		if a.listCount.Load() != 0 {
			t.Errorf("source %s listed after cancellation", id)
		}
	}
	if !h.coord.Tracker().IsOnline("a") {
		t.Error("cancelled refresh must not affect health")
	}
}

func openFileStore(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.Open(path, 100<<20)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return st
}

func TestNewReconcilesCacheWithLastRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	// First run fills the cache for a and b at preview quality.
	h := &harness{store: openFileStore(t, path), adapters: make(map[string]*mockAdapter)}
	first := h.newCoord(t, testConfig("a", "b"))
	for _, src := range []string{"a", "b"} {
		if err := h.store.Put(ctx, itemsFor(src, 1)[0], []byte("preview-bytes")); err != nil {
			t.Fatal(err)
		}
	}
	first.Dispose()
	h.store.Close()

	// b was removed from the config between runs.
	h.store = openFileStore(t, path)
	h.newCoord(t, testConfig("a"))
	if _, err := h.store.Get(ctx, "b-0"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("removed source's cache survived restart: %v", err)
	}
	if _, err := h.store.Get(ctx, "a-0"); err != nil {
		t.Errorf("kept source's cache dropped: %v", err)
	}
	h.store.Close()

	// Then the quality changed.
	h.store = openFileStore(t, path)
	t.Cleanup(func() { h.store.Close() })
	cfg := testConfig("a")
	cfg.Quality = config.QualityOriginal
	c := h.newCoord(t, cfg)

	h.adapters["a"].set(nil, refused, refused)
	if _, err := c.Media(ctx, "a-0"); !errors.Is(err, ErrUnknownItem) {
		t.Errorf("old-quality bytes still served after restart: %v", err)
	}
	if st, _ := h.store.Stats(ctx); st.EntryCount != 0 {
		t.Errorf("entries = %d after quality change, want 0", st.EntryCount)
	}
}

func TestNewClearsCacheWithoutRecordedConfig(t *testing.T) {
	st, err := store.Open(":memory:", 100<<20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	if err := st.Put(ctx, itemsFor("a", 1)[0], []byte("unknown-quality")); err != nil {
		t.Fatal(err)
	}

	h := &harness{store: st, adapters: make(map[string]*mockAdapter)}
	h.newCoord(t, testConfig("a"))
	if stats, _ := st.Stats(ctx); stats.EntryCount != 0 {
		t.Errorf("entries = %d, want cache of unknown provenance cleared", stats.EntryCount)
	}
	if _, ok, _ := st.Meta(ctx, appliedKey); !ok {
		t.Error("applied configuration not recorded")
	}
}

func TestApplyConfigDiscardsFetchInFlight(t *testing.T) {
	cfg := testConfig("a")
	h := newHarness(t, cfg)
	ctx := context.Background()

	a := h.adapters["a"]
	a.gate = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := h.coord.orch.Resolve(ctx, itemsFor("a", 1)[0])
		done <- err
	}()
	for a.fetched.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	next := cfg.Clone()
	next.Quality = config.QualityOriginal
	if err := h.coord.ApplyConfig(ctx, next); err != nil {
		t.Fatal(err)
	}
	close(a.gate)
	if err := <-done; err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	h.coord.pool.Drain()

	if st := h.coord.Status(ctx); st.Cache.EntryCount != 0 {
		t.Errorf("preview bytes fetched before the quality change were cached: %d entries", st.Cache.EntryCount)
	}
}

func TestLeaseForPrefetchedItem(t *testing.T) {
	h := newHarness(t, testConfig("a"))
	ctx := context.Background()
	h.coord.Refresh(ctx)
	h.coord.Pipeline().Wait()

	lease, ok := h.coord.LeaseFor("a-1")
	if !ok {
		t.Fatal("a-1 is in the window but has no lease")
	}
	res, ok := h.coord.LeaseMedia(lease)
	if !ok || string(res.Bytes) != "bytes:uri/a-1" {
		t.Errorf("LeaseMedia = %q, %v", res.Bytes, ok)
	}
	if _, ok := h.coord.LeaseFor("nope"); ok {
		t.Error("unknown item has a lease")
	}
}

func TestPingSources(t *testing.T) {
	h := newHarness(t, testConfig("a", "b"))
	ctx := context.Background()

	if err := h.coord.pingSources(ctx); err != nil {
		t.Errorf("answering sources: %v", err)
	}
	h.adapters["a"].pingErr = refused
	h.adapters["b"].pingErr = refused
	if err := h.coord.pingSources(ctx); err == nil {
		t.Error("expected error when no source answers")
	}
	// A 500 still proves the host is reachable.
	h.adapters["b"].pingErr = &source.StatusError{Code: 500, Status: "500 Internal Server Error"}
	if err := h.coord.pingSources(ctx); err != nil {
		t.Errorf("application error should count as reachable: %v", err)
	}
}

func TestSlideIntervalChangeTakesEffect(t *testing.T) {
	cfg := testConfig("a")
	h := newHarness(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.coord.Wait()
	}()
	h.coord.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for len(h.coord.Items()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	next := cfg.Clone()
	next.Slideshow.IntervalSeconds = 1
	if err := h.coord.ApplyConfig(ctx, next); err != nil {
		t.Fatal(err)
	}
	for time.Now().Before(deadline) {
		if _, idx, _ := h.coord.Current(); idx != 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("slideshow did not start after the interval was set")
}
