// Package offline resolves media bytes with transparent cache fallback.
//
// The Orchestrator is the only path from the display and prefetch layers to
// image bytes. Every fetch outcome it sees is reported to the health Tracker
// exactly once, which keeps the aggregate offline signal accurate.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abelbrown/photoframe/internal/health"
	"github.com/abelbrown/photoframe/internal/logging"
	"github.com/abelbrown/photoframe/internal/media"
	"github.com/abelbrown/photoframe/internal/otel"
	"github.com/abelbrown/photoframe/internal/store"
	"github.com/abelbrown/photoframe/internal/work"
)

var (
	// ErrUnavailable means neither the source nor the cache could supply an item.
	ErrUnavailable = errors.New("item unavailable")
	// ErrUnknownSource means the item names a source that is not configured.
	ErrUnknownSource = errors.New("unknown source")
)

// UnavailableError reports a resolution failure. errors.Is(err, ErrUnavailable) holds.
type UnavailableError struct {
	ItemID string
	Class  health.Classification
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("item %s unavailable (%s): %v", e.ItemID, e.Class, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Fetcher downloads bytes from a source. source.Adapter satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, remoteURI string) ([]byte, error)
}

// Cache is the subset of *store.Store the orchestrator needs.
type Cache interface {
	Lookup(ctx context.Context, sourceID, itemID string) (store.Entry, error)
	Put(ctx context.Context, item media.Item, blob []byte) error
}

// Submitter runs background jobs. *work.Pool satisfies it.
type Submitter interface {
	Submit(typ work.Type, desc string, fn func(ctx context.Context) error) bool
}

// Source is a configured source as seen by the orchestrator.
type Source struct {
	ID      string
	Name    string
	Enabled bool
	Fetcher Fetcher
}

// Result is a resolved item.
type Result struct {
	Item media.Item
	// Bytes is nil for videos.
	Bytes []byte
	// StreamURL is set for videos, which are never fetched.
	StreamURL string
	// FromCache is true when the source failed and the store supplied Bytes.
	FromCache bool
}

// Status is the aggregate signal shown by the UI.
type Status struct {
	Offline        bool     `json:"offline"`
	OfflineSources []string `json:"offline_sources"`
	NetworkOnline  bool     `json:"network_online"`
}

// Options tune an Orchestrator.
type Options struct {
	// FetchTimeout bounds every source fetch. Zero means 10s.
	FetchTimeout time.Duration
	Logger       *otel.Logger
}

// Orchestrator composes sources, the health tracker and the media store.
type Orchestrator struct {
	mu      sync.RWMutex
	sources map[string]Source
	order   []string

	// gen counts invalidations. Bytes fetched under an older generation are
	// never written. invMu makes the check and the write atomic with respect
	// to Invalidate.
	invMu sync.RWMutex
	gen   atomic.Uint64

	tracker *health.Tracker
	cache   Cache
	writes  Submitter
	timeout time.Duration
	logger  *otel.Logger
}

// New creates an Orchestrator. writes may be nil, in which case cache writes
// run on their own goroutine.
func New(tracker *health.Tracker, cache Cache, writes Submitter, opts Options) *Orchestrator {
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Orchestrator{
		sources: make(map[string]Source),
		tracker: tracker,
		cache:   cache,
		writes:  writes,
		timeout: timeout,
		logger:  otel.OrNull(opts.Logger),
	}
}

// SetSources replaces the configured sources, preserving their order.
// Health registration is the caller's responsibility.
func (o *Orchestrator) SetSources(sources []Source) {
	m := make(map[string]Source, len(sources))
	order := make([]string, 0, len(sources))
	for _, s := range sources {
		if _, dup := m[s.ID]; !dup {
			order = append(order, s.ID)
		}
		m[s.ID] = s
	}
	o.mu.Lock()
	o.sources = m
	o.order = order
	o.mu.Unlock()
}

func (o *Orchestrator) source(id string) (Source, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sources[id]
	return s, ok && s.Fetcher != nil
}

// Resolve returns displayable content for item. Videos are returned as a
// stream reference. Images are fetched from their source; on any failure the
// store is consulted before the item is declared unavailable.
func (o *Orchestrator) Resolve(ctx context.Context, item media.Item) (Result, error) {
	if item.IsVideo() {
		return Result{Item: item, StreamURL: item.RemoteURI}, nil
	}

	src, ok := o.source(item.SourceID)
	if !ok {
		return o.fallback(ctx, item, health.ClassApplication, fmt.Errorf("%w: %s", ErrUnknownSource, item.SourceID))
	}

	start := time.Now()
	gen := o.gen.Load()
	data, err := o.fetch(ctx, src, item)
	if err == nil {
		o.tracker.RecordOutcome(item.SourceID, health.Success())
		o.logger.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindFetchComplete, Comp: "offline", ItemID: item.ID, Source: item.SourceID, Dur: time.Since(start), Bytes: int64(len(data))})
		o.writeBehind(item, data, gen)
		return Result{Item: item, Bytes: data}, nil
	}

	// The caller gave up; that says nothing about the source.
	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("resolve %s: %w", item.ID, ctx.Err())
	}

	class := health.Classify(err)
	o.tracker.RecordOutcome(item.SourceID, health.Failure(class, err.Error()))
	o.logger.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindFetchError, Comp: "offline", ItemID: item.ID, Source: item.SourceID, Dur: time.Since(start), Err: err.Error(), Msg: class.String()})
	return o.fallback(ctx, item, class, err)
}

func (o *Orchestrator) fetch(ctx context.Context, src Source, item media.Item) ([]byte, error) {
	fctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return src.Fetcher.Fetch(fctx, item.RemoteURI)
}

func (o *Orchestrator) fallback(ctx context.Context, item media.Item, class health.Classification, cause error) (Result, error) {
	entry, err := o.cache.Lookup(ctx, item.SourceID, item.ID)
	if err == nil {
		o.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindResolveFallback, Comp: "offline", ItemID: item.ID, Source: item.SourceID, Bytes: entry.ByteSize})
		return Result{Item: item, Bytes: entry.Blob, FromCache: true}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		logging.Warn("cache read failed during fallback", "item", item.ID, "err", err)
	}
	o.logger.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindResolveFailed, Comp: "offline", ItemID: item.ID, Source: item.SourceID, Err: cause.Error()})
	return Result{}, &UnavailableError{ItemID: item.ID, Class: class, Err: cause}
}

// writeBehind stores data off the caller's path. Failures are logged only.
func (o *Orchestrator) writeBehind(item media.Item, data []byte, gen uint64) {
	put := func(ctx context.Context) error {
		err := o.putIfCurrent(ctx, item, data, gen)
		if errors.Is(err, errInvalidated) {
			logging.Debug("cache write discarded after invalidation", "item", item.ID)
			return nil
		}
		if err != nil {
			o.logger.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindCacheError, Comp: "offline", ItemID: item.ID, Err: err.Error()})
			return err
		}
		return nil
	}
	if o.writes == nil {
		go put(context.Background())
		return
	}
	if !o.writes.Submit(work.TypeCacheWrite, "cache "+item.ID, put) {
		logging.Debug("cache write skipped", "item", item.ID)
	}
}

var errInvalidated = errors.New("cache invalidated since fetch")

// putIfCurrent writes data unless Invalidate ran after gen was read.
func (o *Orchestrator) putIfCurrent(ctx context.Context, item media.Item, data []byte, gen uint64) error {
	o.invMu.RLock()
	defer o.invMu.RUnlock()
	if o.gen.Load() != gen {
		return errInvalidated
	}
	return o.cache.Put(ctx, item, data)
}

// Invalidate runs drop, typically a store Clear or RemoveBySource, and
// discards every cache write whose fetch started before it. Writes already
// under way finish first.
func (o *Orchestrator) Invalidate(drop func() error) error {
	o.invMu.Lock()
	defer o.invMu.Unlock()
	o.gen.Add(1)
	return drop()
}

// Recache fetches item and stores it synchronously. Unlike Resolve, a store
// failure is returned because storing is the point of the call.
func (o *Orchestrator) Recache(ctx context.Context, item media.Item) error {
	if item.IsVideo() {
		return fmt.Errorf("recache %s: videos are not cached", item.ID)
	}
	src, ok := o.source(item.SourceID)
	if !ok {
		return fmt.Errorf("recache %s: %w: %s", item.ID, ErrUnknownSource, item.SourceID)
	}
	gen := o.gen.Load()
	data, err := o.fetch(ctx, src, item)
	if err != nil {
		if ctx.Err() == nil {
			o.tracker.RecordOutcome(item.SourceID, health.FailureFromError(err))
		}
		return fmt.Errorf("recache %s: %w", item.ID, err)
	}
	o.tracker.RecordOutcome(item.SourceID, health.Success())
	if err := o.putIfCurrent(ctx, item, data, gen); err != nil {
		return fmt.Errorf("recache %s: %w", item.ID, err)
	}
	return nil
}

// Status aggregates health over enabled sources, in configuration order.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	st := Status{OfflineSources: []string{}, NetworkOnline: o.tracker.NetworkOnline()}
	for _, id := range o.order {
		s := o.sources[id]
		if !s.Enabled {
			continue
		}
		if !o.tracker.IsOnline(id) {
			name := s.Name
			if name == "" {
				name = s.ID
			}
			st.OfflineSources = append(st.OfflineSources, name)
		}
	}
	st.Offline = len(st.OfflineSources) > 0
	return st
}
