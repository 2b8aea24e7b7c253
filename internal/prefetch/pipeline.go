// Package prefetch keeps the upcoming slideshow items resolved in memory.
//
// A Pipeline holds one Handle per image in the window (the current item and
// the next N-1, wrapping). Passes run in the background, never overlap, and
// coalesce: triggers that arrive while a pass runs cause exactly one more pass
// against the latest window. Moving the window releases handles that left it
// at once; results that land after their item has left the window are
// released instead of installed.
package prefetch

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/photoframe/internal/logging"
	"github.com/abelbrown/photoframe/internal/media"
	"github.com/abelbrown/photoframe/internal/offline"
	"github.com/abelbrown/photoframe/internal/otel"
)

// DefaultWindowSize is used when a non-positive size is given.
const DefaultWindowSize = 3

// Resolver supplies bytes for an item. *offline.Orchestrator satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, item media.Item) (offline.Result, error)
}

// Stats counts pipeline activity since creation.
type Stats struct {
	Passes   int64 `json:"passes"`
	Fetched  int64 `json:"fetched"`
	Failed   int64 `json:"failed"`
	Stale    int64 `json:"stale"`
	Released int64 `json:"released"`
	Live     int   `json:"live"`
}

// Options tune a Pipeline.
type Options struct {
	// Concurrency caps parallel fetches within a pass. Zero means the window size.
	Concurrency int
	Logger      *otel.Logger
}

// Pipeline owns the prefetch map. Safe for concurrent use.
type Pipeline struct {
	resolver    Resolver
	concurrency int
	logger      *otel.Logger

	mu      sync.Mutex
	idle    *sync.Cond
	items   []media.Item
	index   int
	size    int
	handles map[string]*Handle
	leases  map[uuid.UUID]*Handle
	running bool
	pending bool
	closed  bool
	stats   Stats

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty Pipeline with the given window size.
func New(resolver Resolver, size int, opts Options) *Pipeline {
	if size < 1 {
		size = DefaultWindowSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		resolver:    resolver,
		concurrency: opts.Concurrency,
		logger:      otel.OrNull(opts.Logger),
		size:        size,
		handles:     make(map[string]*Handle),
		leases:      make(map[uuid.UUID]*Handle),
		ctx:         ctx,
		cancel:      cancel,
	}
	p.idle = sync.NewCond(&p.mu)
	return p
}

// Window returns the size items starting at index, wrapping circularly,
// without repeating an id. An empty list yields nil.
func Window(items []media.Item, index, size int) []media.Item {
	n := len(items)
	if n == 0 || size < 1 {
		return nil
	}
	start := ((index % n) + n) % n
	seen := make(map[string]bool, size)
	out := make([]media.Item, 0, min(size, n))
	for k := 0; k < n && len(out) < size; k++ {
		it := items[(start+k)%n]
		if seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		out = append(out, it)
	}
	return out
}

// SetItems replaces the item list and triggers a pass.
func (p *Pipeline) SetItems(items []media.Item) {
	p.mu.Lock()
	p.items = append([]media.Item(nil), items...)
	if n := len(p.items); n > 0 {
		p.index = ((p.index % n) + n) % n
	} else {
		p.index = 0
	}
	p.pruneLocked()
	p.mu.Unlock()
	p.Trigger()
}

// SetIndex moves the current position and triggers a pass.
func (p *Pipeline) SetIndex(index int) {
	p.mu.Lock()
	p.index = index
	p.pruneLocked()
	p.mu.Unlock()
	p.Trigger()
}

// SetWindowSize changes N and triggers a pass.
func (p *Pipeline) SetWindowSize(size int) {
	if size < 1 {
		size = 1
	}
	p.mu.Lock()
	p.size = size
	p.pruneLocked()
	p.mu.Unlock()
	p.Trigger()
}

// Update sets list and index together and triggers a single pass.
func (p *Pipeline) Update(items []media.Item, index int) {
	p.mu.Lock()
	p.items = append([]media.Item(nil), items...)
	p.index = index
	p.pruneLocked()
	p.mu.Unlock()
	p.Trigger()
}

// Trigger starts a pass, or marks one pending if a pass is running.
func (p *Pipeline) Trigger() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.running {
		p.pending = true
		return
	}
	p.running = true
	go p.loop()
}

func (p *Pipeline) loop() {
	for {
		p.pass()

		p.mu.Lock()
		if p.pending && !p.closed {
			p.pending = false
			p.mu.Unlock()
			continue
		}
		p.pending = false
		p.running = false
		p.idle.Broadcast()
		p.mu.Unlock()
		return
	}
}

// Wait blocks until no pass is running or pending.
func (p *Pipeline) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.running {
		p.idle.Wait()
	}
}

// windowLocked returns the current window ids. Caller holds p.mu.
func (p *Pipeline) windowLocked() (map[string]bool, []media.Item) {
	win := Window(p.items, p.index, p.size)
	ids := make(map[string]bool, len(win))
	for _, it := range win {
		ids[it.ID] = true
	}
	return ids, win
}

// dropLocked releases and removes a handle. Caller holds p.mu.
func (p *Pipeline) dropLocked(id string) {
	h, ok := p.handles[id]
	if !ok {
		return
	}
	delete(p.handles, id)
	delete(p.leases, h.Lease)
	if h.Release() {
		p.stats.Released++
	}
}

// pruneLocked releases handles outside the current window. Caller holds p.mu.
func (p *Pipeline) pruneLocked() {
	inWindow, _ := p.windowLocked()
	for id := range p.handles {
		if !inWindow[id] {
			p.dropLocked(id)
		}
	}
}

func (p *Pipeline) pass() {
	start := time.Now()

	p.mu.Lock()
	p.pruneLocked()
	_, win := p.windowLocked()
	var missing []media.Item
	for _, it := range win {
		if it.IsVideo() {
			continue
		}
		if _, ok := p.handles[it.ID]; !ok {
			missing = append(missing, it)
		}
	}
	limit := p.concurrency
	if limit <= 0 {
		limit = len(win)
	}
	ctx := p.ctx
	p.mu.Unlock()

	g := new(errgroup.Group)
	g.SetLimit(max(limit, 1))
	for _, item := range missing {
		g.Go(func() error {
			p.fetch(ctx, item)
			return nil
		})
	}
	g.Wait()

	p.mu.Lock()
	p.stats.Passes++
	live := len(p.handles)
	p.mu.Unlock()

	p.logger.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindPrefetchPass, Comp: "prefetch", Dur: time.Since(start), Count: len(missing), Msg: "live=" + strconv.Itoa(live)})
}

// fetch resolves one item and installs it if it is still wanted.
// Per-item failures are logged and otherwise ignored.
func (p *Pipeline) fetch(ctx context.Context, item media.Item) {
	res, err := p.resolver.Resolve(ctx, item)
	if err != nil {
		p.mu.Lock()
		p.stats.Failed++
		p.mu.Unlock()
		logging.Debug("prefetch failed", "item", item.ID, "err", err)
		return
	}

	h := newHandle(item, res.Bytes, res.FromCache)

	p.mu.Lock()
	defer p.mu.Unlock()
	inWindow, _ := p.windowLocked()
	_, dup := p.handles[item.ID]
	if p.closed || !inWindow[item.ID] || dup {
		h.Release()
		p.stats.Stale++
		p.logger.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindPrefetchStale, Comp: "prefetch", ItemID: item.ID})
		return
	}
	p.handles[item.ID] = h
	p.leases[h.Lease] = h
	p.stats.Fetched++
	if otel.TraceEnabled() {
		p.logger.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindPrefetchItem, Comp: "prefetch", ItemID: item.ID, Source: item.SourceID, Bytes: int64(len(res.Bytes))})
	}
}

// Handle returns the ready handle for itemID. A miss means the caller should
// resolve directly.
func (p *Pipeline) Handle(itemID string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[itemID]
	return h, ok
}

// Lease returns the live handle with the given lease id.
func (p *Pipeline) Lease(id uuid.UUID) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.leases[id]
	return h, ok
}

// WindowIDs returns the ids of the current window, in display order.
func (p *Pipeline) WindowIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, win := p.windowLocked()
	ids := make([]string, len(win))
	for i, it := range win {
		ids[i] = it.ID
	}
	return ids
}

// Stats returns activity counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	st.Live = len(p.handles)
	return st
}

// Close cancels in-flight fetches, waits for the running pass, and releases
// every handle.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cancel()
	p.mu.Unlock()

	p.Wait()

	p.mu.Lock()
	for id := range p.handles {
		p.dropLocked(id)
	}
	p.mu.Unlock()
}
