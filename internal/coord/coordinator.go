// Package coord wires the caching core into a running photo frame service.
package coord

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/photoframe/internal/config"
	"github.com/abelbrown/photoframe/internal/health"
	"github.com/abelbrown/photoframe/internal/logging"
	"github.com/abelbrown/photoframe/internal/media"
	"github.com/abelbrown/photoframe/internal/offline"
	"github.com/abelbrown/photoframe/internal/otel"
	"github.com/abelbrown/photoframe/internal/prefetch"
	"github.com/abelbrown/photoframe/internal/source"
	"github.com/abelbrown/photoframe/internal/store"
	"github.com/abelbrown/photoframe/internal/work"
)

// maxConcurrentLists limits parallel album listings.
const maxConcurrentLists = 4

// ErrUnknownItem is returned for ids that are neither listed nor cached.
var ErrUnknownItem = errors.New("unknown item")

// AdapterFactory builds a source adapter. source.New is the default.
type AdapterFactory func(sc config.SourceConfig, opts source.Options) (source.Adapter, error)

// Deps are the collaborators a Coordinator does not own.
type Deps struct {
	Store   *store.Store
	Logger  *otel.Logger
	Factory AdapterFactory
	// Client is handed to adapters; nil uses a default client.
	Client *http.Client
	// Reach overrides the source liveness check.
	Reach health.ReachFunc
	// Workers sizes the background write pool. Zero means 2.
	Workers int
}

// Coordinator owns the tracker, orchestrator, prefetch pipeline and work pool,
// refreshes the item list, and turns configuration edits into cache actions.
// Uses context cancellation as the ONLY stop mechanism for background loops.
type Coordinator struct {
	store    *store.Store
	tracker  *health.Tracker
	orch     *offline.Orchestrator
	pipeline *prefetch.Pipeline
	pool     *work.Pool
	factory  AdapterFactory
	client   *http.Client
	reach    health.ReachFunc
	logger   *otel.Logger

	mu          sync.RWMutex
	cfg         *config.Config
	adapters    map[string]source.Adapter
	lists       map[string][]media.Item // last successful listing per source
	items       []media.Item
	index       int
	lastRefresh time.Time

	refreshNow chan struct{}
	resetTick  chan struct{}
	resetSlide chan struct{}
	wg         sync.WaitGroup
}

// New builds a Coordinator for cfg and reconciles the cache with the
// configuration it was filled under. The write pool runs from New until
// Dispose; the refresh, network and slideshow loops start with Start.
func New(cfg *config.Config, deps Deps) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, errors.New("coord: store is required")
	}
	factory := deps.Factory
	if factory == nil {
		factory = source.New
	}
	workers := deps.Workers
	if workers <= 0 {
		workers = 2
	}
	logger := otel.OrNull(deps.Logger)

	c := &Coordinator{
		store:      deps.Store,
		tracker:    health.NewTracker(logger),
		pool:       work.NewPool(workers, 0),
		factory:    factory,
		client:     deps.Client,
		logger:     logger,
		cfg:        cfg.Clone(),
		adapters:   make(map[string]source.Adapter),
		lists:      make(map[string][]media.Item),
		refreshNow: make(chan struct{}, 1),
		resetTick:  make(chan struct{}, 1),
		resetSlide: make(chan struct{}, 1),
	}
	c.reach = deps.Reach
	if c.reach == nil {
		c.reach = c.pingSources
	}
	c.orch = offline.New(c.tracker, c.store, c.pool, offline.Options{
		FetchTimeout: cfg.FetchTimeout(),
		Logger:       logger,
	})
	c.pipeline = prefetch.New(c.orch, cfg.Prefetch.WindowSize, prefetch.Options{Logger: logger})

	if err := c.rebuildSources(c.cfg); err != nil {
		return nil, err
	}
	if err := c.reconcileCache(context.Background()); err != nil {
		return nil, fmt.Errorf("coord: reconcile cache: %w", err)
	}
	for _, s := range c.cfg.EnabledSources() {
		c.tracker.Register(s.ID)
	}
	c.pool.Start(context.Background())
	return c, nil
}

// Tracker exposes the health tracker for subscribers.
func (c *Coordinator) Tracker() *health.Tracker { return c.tracker }

// Pipeline exposes the prefetch pipeline.
func (c *Coordinator) Pipeline() *prefetch.Pipeline { return c.pipeline }

// Start launches the refresh loop, the network watcher and the slideshow
// timer. Call with a cancellable context.
func (c *Coordinator) Start(ctx context.Context) {
	c.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindStartup, Comp: "coord", Count: len(c.Config().EnabledSources())})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.refreshLoop(ctx)
	}()

	watcher := health.NewNetworkWatcher(c.tracker, c.reach, c.Config().CheckInterval())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		watcher.Run(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.slideLoop(ctx)
	}()
}

// slideLoop advances the slideshow. A zero interval leaves it idle until a
// configuration change sets one.
func (c *Coordinator) slideLoop(ctx context.Context) {
	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	arm := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
		if d := c.Config().SlideInterval(); d > 0 {
			ticker = time.NewTicker(d)
			tick = ticker.C
		}
	}
	arm()
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.resetSlide:
			arm()
		case <-tick:
			c.Advance()
		}
	}
}

func (c *Coordinator) refreshLoop(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		logging.Warn("initial refresh incomplete", "err", err)
	}

	ticker := time.NewTicker(c.refreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.resetTick:
			ticker.Reset(c.refreshInterval())
		case <-c.refreshNow:
			c.Refresh(ctx)
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				logging.Warn("refresh incomplete", "err", err)
			}
		}
	}
}

func (c *Coordinator) refreshInterval() time.Duration {
	if d := c.Config().RefreshInterval(); d > 0 {
		return d
	}
	return time.Hour
}

// Wait blocks until background goroutines exit.
// Call after cancelling the context passed to Start.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Dispose releases every prefetched handle and flushes pending cache writes.
// The store stays open; its owner closes it.
func (c *Coordinator) Dispose() {
	c.pipeline.Close()
	c.pool.Stop()
	c.tracker.Clear()
	c.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindShutdown, Comp: "coord"})
}

// Config returns a copy of the active configuration.
func (c *Coordinator) Config() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Clone()
}

// rebuildSources recreates adapters for cfg and republishes them to the
// orchestrator. Caller must not hold c.mu.
func (c *Coordinator) rebuildSources(cfg *config.Config) error {
	opts := source.Options{
		Quality:           cfg.Quality,
		RequestsPerSecond: cfg.Network.RequestsPerSecond,
		Client:            c.client,
	}
	adapters := make(map[string]source.Adapter, len(cfg.Sources))
	srcs := make([]offline.Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		a, err := c.factory(sc, opts)
		if err != nil {
			return fmt.Errorf("coord: %w", err)
		}
		adapters[sc.ID] = a
		srcs = append(srcs, offline.Source{ID: sc.ID, Name: sc.DisplayName(), Enabled: sc.Enabled, Fetcher: a})
	}

	c.mu.Lock()
	c.adapters = adapters
	c.mu.Unlock()
	c.orch.SetSources(srcs)
	return nil
}

// Refresh re-lists every enabled source in parallel and swaps the item list.
// A source whose listing fails keeps its previous items so the slideshow can
// continue from the cache. The returned error joins per-source failures.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.RLock()
	cfg := c.cfg
	enabled := cfg.EnabledSources()
	adapters := make([]source.Adapter, len(enabled))
	for i, s := range enabled {
		adapters[i] = c.adapters[s.ID]
	}
	c.mu.RUnlock()

	start := time.Now()
	results := make([][]media.Item, len(enabled))
	errs := make([]error, len(enabled))

	var g errgroup.Group
	g.SetLimit(maxConcurrentLists)
	for i, sc := range enabled {
		g.Go(func() error {
			if ctx.Err() != nil || adapters[i] == nil {
				return nil
			}
			lctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout())
			defer cancel()

			items, err := adapters[i].List(lctx)
			if err != nil {
				if ctx.Err() == nil {
					c.tracker.RecordOutcome(sc.ID, health.FailureFromError(err))
				}
				errs[i] = fmt.Errorf("%s: %w", sc.ID, err)
				return nil
			}
			c.tracker.RecordOutcome(sc.ID, health.Success())
			results[i] = items
			return nil // never fail the group - errors reported per-source
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	for i, sc := range enabled {
		if errs[i] == nil && results[i] != nil {
			c.lists[sc.ID] = results[i]
		} else if errs[i] == nil && ctx.Err() == nil {
			c.lists[sc.ID] = []media.Item{}
		}
	}
	c.lastRefresh = time.Now()
	items, index := c.recombineLocked()
	c.mu.Unlock()

	c.pipeline.Update(items, index)
	c.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindRefreshComplete, Comp: "coord", Count: len(items), Dur: time.Since(start)})
	logging.Info("item list refreshed", "items", len(items), "sources", len(enabled), "took", time.Since(start))
	return errors.Join(errs...)
}

// recombineLocked rebuilds c.items from per-source lists in configuration
// order, keeping the current item on screen when it survives. Caller holds c.mu.
func (c *Coordinator) recombineLocked() ([]media.Item, int) {
	var current string
	if len(c.items) > 0 {
		current = c.items[c.index].ID
	}

	var items []media.Item
	for _, s := range c.cfg.EnabledSources() {
		items = append(items, c.lists[s.ID]...)
	}
	if c.cfg.Slideshow.Shuffle {
		rand.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
	}

	index := 0
	for i, it := range items {
		if it.ID == current {
			index = i
			break
		}
	}
	c.items = items
	c.index = index
	return append([]media.Item(nil), items...), index
}

// RequestRefresh asks the refresh loop to run soon. Never blocks.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refreshNow <- struct{}{}:
	default:
	}
}

// Items returns a copy of the current item list.
func (c *Coordinator) Items() []media.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]media.Item(nil), c.items...)
}

// Current returns the item on screen and its index.
func (c *Coordinator) Current() (media.Item, int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.items) == 0 {
		return media.Item{}, 0, false
	}
	return c.items[c.index], c.index, true
}

// Advance moves to the next item, wrapping, and returns it.
func (c *Coordinator) Advance() (media.Item, bool) {
	c.mu.Lock()
	if len(c.items) == 0 {
		c.mu.Unlock()
		return media.Item{}, false
	}
	c.index = (c.index + 1) % len(c.items)
	item, index := c.items[c.index], c.index
	c.mu.Unlock()

	c.pipeline.SetIndex(index)
	return item, true
}

// SetIndex jumps to index, wrapping into range.
func (c *Coordinator) SetIndex(index int) (media.Item, bool) {
	c.mu.Lock()
	n := len(c.items)
	if n == 0 {
		c.mu.Unlock()
		return media.Item{}, false
	}
	c.index = ((index % n) + n) % n
	item, idx := c.items[c.index], c.index
	c.mu.Unlock()

	c.pipeline.SetIndex(idx)
	return item, true
}

// Handle returns the prefetched handle for itemID, if ready.
func (c *Coordinator) Handle(itemID string) (*prefetch.Handle, bool) {
	return c.pipeline.Handle(itemID)
}

// LeaseFor returns the lease of itemID's prefetched handle, if ready.
func (c *Coordinator) LeaseFor(itemID string) (uuid.UUID, bool) {
	h, ok := c.pipeline.Handle(itemID)
	if !ok {
		return uuid.Nil, false
	}
	return h.Lease, true
}

// Media returns displayable content for itemID: the prefetched handle when
// ready, otherwise a direct resolve. Ids no longer listed are served from the
// cache entry's stored item.
func (c *Coordinator) Media(ctx context.Context, itemID string) (offline.Result, error) {
	if h, ok := c.pipeline.Handle(itemID); ok {
		if data := h.Bytes(); data != nil {
			return offline.Result{Item: h.Item, Bytes: data, FromCache: h.FromCache}, nil
		}
	}

	item, ok := c.lookup(itemID)
	if !ok {
		entry, err := c.store.Get(ctx, itemID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return offline.Result{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
			}
			return offline.Result{}, err
		}
		item = entry.Item()
	}
	return c.orch.Resolve(ctx, item)
}

// LeaseMedia returns the bytes behind a live prefetch lease.
func (c *Coordinator) LeaseMedia(lease uuid.UUID) (offline.Result, bool) {
	h, ok := c.pipeline.Lease(lease)
	if !ok {
		return offline.Result{}, false
	}
	data := h.Bytes()
	if data == nil {
		return offline.Result{}, false
	}
	return offline.Result{Item: h.Item, Bytes: data, FromCache: h.FromCache}, true
}

func (c *Coordinator) lookup(itemID string) (media.Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, it := range c.items {
		if it.ID == itemID {
			return it, true
		}
	}
	return media.Item{}, false
}

// CacheEntries lists cached entries, most recently shown first.
func (c *Coordinator) CacheEntries(ctx context.Context, limit int) ([]store.Entry, error) {
	return c.store.Entries(ctx, limit)
}

// ClearCache deletes every cached blob.
func (c *Coordinator) ClearCache(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// Recache looks up assetID on sourceID and stores it before returning.
// The work runs on the write pool ahead of queued write-behinds.
func (c *Coordinator) Recache(ctx context.Context, sourceID, assetID string) error {
	c.mu.RLock()
	a, ok := c.adapters[sourceID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("recache: %w: %s", offline.ErrUnknownSource, sourceID)
	}
	timeout := c.Config().FetchTimeout()

	done := make(chan error, 1)
	job := func(context.Context) error {
		lctx, cancel := context.WithTimeout(ctx, timeout)
		item, err := a.Item(lctx, assetID)
		cancel()
		if err != nil {
			err = fmt.Errorf("recache: %w", err)
		} else {
			err = c.orch.Recache(ctx, item)
		}
		done <- err
		return err
	}
	if !c.pool.SubmitWithPriority(work.TypeRecache, "recache "+sourceID+"/"+assetID, work.PriorityHigh, job) {
		return fmt.Errorf("recache %s: write queue full or stopped", assetID)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("recache %s: %w", assetID, ctx.Err())
	}
}

// ApplyConfig switches to next and fires the cache and health triggers
// implied by the difference from the active configuration.
func (c *Coordinator) ApplyConfig(ctx context.Context, next *config.Config) error {
	if err := next.Validate(); err != nil {
		return err
	}
	next = next.Clone()

	c.mu.Lock()
	prev := c.cfg
	c.mu.Unlock()
	ch := config.Diff(prev, next)

	if err := c.rebuildSources(next); err != nil {
		return err
	}

	// Swap the item lists first so every fetch started after the
	// invalidation below uses the new configuration.
	c.mu.Lock()
	c.cfg = next
	for _, id := range ch.Invalidated {
		delete(c.lists, id)
	}
	if ch.QualityChanged {
		// Remote URIs embed the quality.
		c.lists = make(map[string][]media.Item)
	}
	items, index := c.recombineLocked()
	c.mu.Unlock()

	c.pipeline.Update(items, index)

	var errs []error
	if ch.QualityChanged || len(ch.Invalidated) > 0 {
		err := c.orch.Invalidate(func() error {
			if ch.QualityChanged {
				return c.store.Clear(ctx)
			}
			var errs []error
			for _, id := range ch.Invalidated {
				if _, err := c.store.RemoveBySource(ctx, id); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range ch.Unregistered {
		c.tracker.Unregister(id)
	}
	for _, id := range ch.Registered {
		c.tracker.Register(id)
	}
	if err := c.saveStamp(ctx, next); err != nil {
		errs = append(errs, err)
	}
	if ch.CapacityChanged {
		if err := c.store.SetCapacity(ctx, next.Cache.MaxBytes()); err != nil {
			errs = append(errs, err)
		}
	}

	if ch.WindowChanged {
		c.pipeline.SetWindowSize(next.Prefetch.WindowSize)
	}
	if ch.RefreshChanged {
		select {
		case c.resetTick <- struct{}{}:
		default:
		}
	}
	if ch.SlideChanged {
		select {
		case c.resetSlide <- struct{}{}:
		default:
		}
	}
	if ch.ItemsAffected() {
		c.RequestRefresh()
	}

	c.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindConfigApplied, Comp: "coord",
		Extra: map[string]any{
			"registered":   ch.Registered,
			"unregistered": ch.Unregistered,
			"invalidated":  ch.Invalidated,
			"quality":      ch.QualityChanged,
			"capacity":     ch.CapacityChanged,
		}})
	logging.Info("configuration applied",
		"registered", len(ch.Registered),
		"unregistered", len(ch.Unregistered),
		"invalidated", len(ch.Invalidated),
		"quality_changed", ch.QualityChanged)
	return errors.Join(errs...)
}

// pingSources reports the network up when any enabled source answers its
// liveness endpoint. An application-level answer still proves the host is
// reachable. With no sources the network is assumed up.
func (c *Coordinator) pingSources(ctx context.Context) error {
	c.mu.RLock()
	var adapters []source.Adapter
	for _, s := range c.cfg.EnabledSources() {
		if a, ok := c.adapters[s.ID]; ok {
			adapters = append(adapters, a)
		}
	}
	timeout := c.cfg.FetchTimeout()
	c.mu.RUnlock()

	var lastErr error
	for _, a := range adapters {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := a.Ping(pctx)
		cancel()
		if err == nil || !health.Classify(err).IsNetwork() {
			return nil
		}
		lastErr = err
	}
	return lastErr
}
