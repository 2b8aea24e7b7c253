// Package store provides the size-bounded SQLite media cache.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/prometheus/client_golang/prometheus"
	_ "modernc.org/sqlite"

	"github.com/abelbrown/photoframe/internal/media"
	"github.com/abelbrown/photoframe/internal/otel"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound is returned by Get when no entry exists for the id.
	ErrNotFound = errors.New("cache entry not found")
	// ErrEntryTooLarge is returned by Put when a blob alone exceeds capacity.
	ErrEntryTooLarge = errors.New("cache entry larger than capacity")
	// ErrInvalidCapacity is returned for a non-positive capacity.
	ErrInvalidCapacity = errors.New("cache capacity must be positive")
)

// memSeq gives every in-memory store its own shared-cache database.
var memSeq atomic.Int64

// Entry is one cached blob with the item it belongs to.
type Entry struct {
	ItemID         string
	SourceID       string
	RemoteURI      string
	Kind           media.Kind
	Metadata       media.Metadata
	Blob           []byte
	ByteSize       int64
	CachedAt       time.Time
	LastAccessedAt time.Time
}

// Item rebuilds the media item the entry was cached for.
func (e Entry) Item() media.Item {
	return media.Item{
		ID:        e.ItemID,
		RemoteURI: e.RemoteURI,
		SourceID:  e.SourceID,
		Kind:      e.Kind,
		Metadata:  e.Metadata,
	}
}

// Stats summarizes occupancy.
type Stats struct {
	TotalBytes    int64 `json:"total_bytes"`
	EntryCount    int   `json:"entry_count"`
	CapacityBytes int64 `json:"capacity_bytes"`
}

// Store handles SQLite persistence of media blobs. NOT an interface - concrete type.
// Thread-safety: every statement runs under one mutex, so a Put's
// check-evict-insert sequence is atomic with respect to all other calls.
type Store struct {
	db       *sql.DB
	mu       sync.Mutex
	capacity int64

	now     func() time.Time
	logger  *otel.Logger
	metrics *storeMetrics
}

// Option configures a Store.
type Option func(*options)

type options struct {
	now      func() time.Time
	logger   *otel.Logger
	registry prometheus.Registerer
}

// WithClock overrides time.Now for cached/accessed timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger attaches a structured event logger.
func WithLogger(l *otel.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics registers cache metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// Open creates a Store at dbPath with the given capacity in bytes.
// ":memory:" opens a private in-memory database.
// Uses WAL mode for file-based DBs.
func Open(dbPath string, capacity int64, opts ...Option) (*Store, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	connStr := dbPath
	memory := dbPath == ":memory:"
	if memory {
		// Shared cache so every pooled connection sees the same database.
		connStr = fmt.Sprintf("file:photoframe_mem%d?mode=memory&cache=shared", memSeq.Add(1))
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if !memory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{
		db:       db,
		capacity: capacity,
		now:      o.now,
		logger:   otel.OrNull(o.logger),
	}
	if o.registry != nil {
		m, err := newStoreMetrics(o.registry)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		s.metrics = m
	}

	// A smaller capacity than the last run leaves the file over budget.
	if err := s.SetCapacity(context.Background(), capacity); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrateUp applies the embedded schema migrations.
// The migrate instance is not closed: that would close db.
func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	defer src.Close()

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Get returns the entry for itemID and touches its last access time. When
// several sources cached the same id, the most recently shown one wins.
func (s *Store) Get(ctx context.Context, itemID string) (Entry, error) {
	return s.get(ctx, itemID, `WHERE item_id = ? ORDER BY last_accessed_at DESC LIMIT 1`, itemID)
}

// Lookup returns the entry sourceID cached for itemID and touches it.
func (s *Store) Lookup(ctx context.Context, sourceID, itemID string) (Entry, error) {
	return s.get(ctx, itemID, `WHERE source_id = ? AND item_id = ?`, sourceID, itemID)
}

func (s *Store) get(ctx context.Context, itemID, where string, args ...any) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT item_id, source_id, remote_uri, kind, metadata, blob, byte_size, cached_at, last_accessed_at
		FROM media_cache `+where, args...)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		s.metrics.miss()
		if otel.TraceEnabled() {
			s.logger.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindCacheMiss, Comp: "store", ItemID: itemID})
		}
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get %s: %w", itemID, err)
	}

	now := s.now()
	if _, err := s.db.ExecContext(ctx, `UPDATE media_cache SET last_accessed_at = ? WHERE source_id = ? AND item_id = ?`,
		now.UnixNano(), e.SourceID, e.ItemID); err != nil {
		return Entry{}, fmt.Errorf("touch %s: %w", itemID, err)
	}
	e.LastAccessedAt = now

	s.metrics.hit()
	if otel.TraceEnabled() {
		s.logger.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindCacheHit, Comp: "store", ItemID: itemID, Source: e.SourceID, Bytes: e.ByteSize})
	}
	return e, nil
}

// Put caches blob for item, evicting least recently accessed entries first
// so occupancy never exceeds capacity. Videos are ignored. Entries are keyed
// by source and id; re-caching replaces the blob and resets both timestamps.
func (s *Store) Put(ctx context.Context, item media.Item, blob []byte) error {
	if item.IsVideo() {
		return nil
	}
	size := int64(len(blob))
	md, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if size > s.capacity {
		return fmt.Errorf("put %s (%d bytes): %w", item.ID, size, ErrEntryTooLarge)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT byte_size FROM media_cache WHERE source_id = ? AND item_id = ?`,
		item.SourceID, item.ID).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read existing %s: %w", item.ID, err)
	}

	total, err := totalBytes(ctx, tx)
	if err != nil {
		return err
	}

	evicted, err := evict(ctx, tx, total-existing+size, s.capacity, entryKey{source: item.SourceID, id: item.ID})
	if err != nil {
		return err
	}

	now := s.now().UnixNano()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO media_cache (item_id, source_id, remote_uri, kind, metadata, blob, byte_size, cached_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, item_id) DO UPDATE SET
			remote_uri = excluded.remote_uri,
			kind = excluded.kind,
			metadata = excluded.metadata,
			blob = excluded.blob,
			byte_size = excluded.byte_size,
			cached_at = excluded.cached_at,
			last_accessed_at = excluded.last_accessed_at`,
		item.ID, item.SourceID, item.RemoteURI, string(item.Kind), string(md), blob, size, now, now)
	if err != nil {
		return fmt.Errorf("insert %s: %w", item.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}

	s.afterEvict(evicted)
	s.metrics.put()
	s.logger.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindCachePut, Comp: "store", ItemID: item.ID, Source: item.SourceID, Bytes: size})
	return s.refreshGauges(ctx)
}

// Remove deletes itemID from every source. Missing ids are not an error.
func (s *Store) Remove(ctx context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM media_cache WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("remove %s: %w", itemID, err)
	}
	return s.refreshGauges(ctx)
}

// RemoveBySource deletes every entry cached for sourceID.
func (s *Store) RemoveBySource(ctx context.Context, sourceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM media_cache WHERE source_id = ?`, sourceID)
	if err != nil {
		return 0, fmt.Errorf("remove source %s: %w", sourceID, err)
	}
	n, _ := res.RowsAffected()
	s.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindCacheClear, Comp: "store", Source: sourceID, Count: int(n)})
	return n, s.refreshGauges(ctx)
}

// Clear deletes every entry.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM media_cache`)
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindCacheClear, Comp: "store", Count: int(n)})
	return s.refreshGauges(ctx)
}

// SetCapacity changes the ceiling and evicts immediately if occupancy exceeds it.
func (s *Store) SetCapacity(ctx context.Context, maxBytes int64) error {
	if maxBytes <= 0 {
		return ErrInvalidCapacity
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = maxBytes

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set capacity: %w", err)
	}
	defer tx.Rollback()

	total, err := totalBytes(ctx, tx)
	if err != nil {
		return err
	}
	evicted, err := evict(ctx, tx, total, maxBytes, entryKey{})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set capacity: %w", err)
	}

	s.afterEvict(evicted)
	return s.refreshGauges(ctx)
}

// Meta returns the value recorded under key. ok is false when none is.
func (s *Store) Meta(ctx context.Context, key string) (value string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.QueryRowContext(ctx, `SELECT value FROM cache_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta records value under key, replacing any previous value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

// Stats reports current occupancy.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats(ctx)
}

// Entries lists cached entries without blobs, most recently accessed first.
func (s *Store) Entries(ctx context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, source_id, remote_uri, kind, metadata, x'', byte_size, cached_at, last_accessed_at
		FROM media_cache
		ORDER BY last_accessed_at DESC, source_id, item_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		e.Blob = nil
		out = append(out, e)
	}
	return out, rows.Err()
}

// stats is called with s.mu held.
func (s *Store) stats(ctx context.Context) (Stats, error) {
	st := Stats{CapacityBytes: s.capacity}
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(byte_size), 0), COUNT(*) FROM media_cache`).Scan(&st.TotalBytes, &st.EntryCount)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// refreshGauges is called with s.mu held.
func (s *Store) refreshGauges(ctx context.Context) error {
	if s.metrics == nil {
		return nil
	}
	st, err := s.stats(ctx)
	if err != nil {
		return err
	}
	s.metrics.set(st)
	return nil
}

func (s *Store) afterEvict(evicted []evictedEntry) {
	for _, e := range evicted {
		s.metrics.evict()
		s.logger.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindCacheEvict, Comp: "store", ItemID: e.id, Source: e.source, Bytes: e.size})
	}
}

type entryKey struct {
	source string
	id     string
}

type evictedEntry struct {
	entryKey
	size int64
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func totalBytes(ctx context.Context, q queryer) (int64, error) {
	var total int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(SUM(byte_size), 0) FROM media_cache`).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum occupancy: %w", err)
	}
	return total, nil
}

// evict deletes the least recently accessed entries, one at a time, until
// projected <= capacity. keep is never chosen.
func evict(ctx context.Context, q queryer, projected, capacity int64, keep entryKey) ([]evictedEntry, error) {
	var evicted []evictedEntry
	for projected > capacity {
		var e evictedEntry
		err := q.QueryRowContext(ctx, `
			SELECT source_id, item_id, byte_size FROM media_cache
			WHERE NOT (source_id = ? AND item_id = ?)
			ORDER BY last_accessed_at ASC, source_id ASC, item_id ASC
			LIMIT 1`, keep.source, keep.id).Scan(&e.source, &e.id, &e.size)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("select eviction victim: %w", err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM media_cache WHERE source_id = ? AND item_id = ?`, e.source, e.id); err != nil {
			return nil, fmt.Errorf("evict %s: %w", e.id, err)
		}
		projected -= e.size
		evicted = append(evicted, e)
	}
	return evicted, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e              Entry
		kind, md       string
		cached, access int64
	)
	if err := sc.Scan(&e.ItemID, &e.SourceID, &e.RemoteURI, &kind, &md, &e.Blob, &e.ByteSize, &cached, &access); err != nil {
		return Entry{}, err
	}
	e.Kind = media.Kind(kind)
	if md != "" {
		if err := json.Unmarshal([]byte(md), &e.Metadata); err != nil {
			return Entry{}, fmt.Errorf("decode metadata for %s: %w", e.ItemID, err)
		}
	}
	e.CachedAt = time.Unix(0, cached)
	e.LastAccessedAt = time.Unix(0, access)
	return e, nil
}
