// Package httpapi serves the display client: status, slide control, media
// bytes and cache management, plus Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abelbrown/photoframe/internal/coord"
	"github.com/abelbrown/photoframe/internal/logging"
	"github.com/abelbrown/photoframe/internal/media"
	"github.com/abelbrown/photoframe/internal/offline"
	"github.com/abelbrown/photoframe/internal/source"
	"github.com/abelbrown/photoframe/internal/store"
)

// defaultEntryLimit caps GET /api/cache when no limit is given.
const defaultEntryLimit = 100

// Frame is the part of the coordinator the API drives.
// *coord.Coordinator satisfies it.
type Frame interface {
	Status(ctx context.Context) coord.Status
	Current() (media.Item, int, bool)
	Advance() (media.Item, bool)
	SetIndex(index int) (media.Item, bool)
	Media(ctx context.Context, itemID string) (offline.Result, error)
	LeaseFor(itemID string) (uuid.UUID, bool)
	LeaseMedia(lease uuid.UUID) (offline.Result, bool)
	CacheEntries(ctx context.Context, limit int) ([]store.Entry, error)
	ClearCache(ctx context.Context) error
	Recache(ctx context.Context, sourceID, assetID string) error
	RequestRefresh()
}

// Server is the display API listener.
type Server struct {
	frame    Frame
	gatherer prometheus.Gatherer
	handler  http.Handler

	mu  sync.Mutex
	srv *http.Server
}

// New builds the handler tree. A nil gatherer disables /metrics.
func New(frame Frame, gatherer prometheus.Gatherer) *Server {
	s := &Server{frame: frame, gatherer: gatherer}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/slides/current", s.handleCurrent)
	mux.HandleFunc("POST /api/slides/next", s.handleNext)
	mux.HandleFunc("POST /api/slides/{index}", s.handleJump)
	mux.HandleFunc("GET /api/media/{id}", s.handleMedia)
	mux.HandleFunc("GET /api/handles/{lease}", s.handleLease)
	mux.HandleFunc("GET /api/cache", s.handleEntries)
	mux.HandleFunc("POST /api/cache/clear", s.handleClear)
	mux.HandleFunc("POST /api/cache/recache/{source}/{asset}", s.handleRecache)
	mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.handler = requestLogger(mux)
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on addr in the background. Calling Start twice is a no-op.
func (s *Server) Start(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	srv := s.srv
	go func() {
		logging.Info("Display API starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Display API error", "error", err)
		}
	}()
}

// Stop shuts the listener down, waiting up to five seconds for requests.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		logging.Error("Display API shutdown error", "error", err)
	}
	s.srv = nil
}

type slideResponse struct {
	Item  media.Item `json:"item"`
	Index int        `json:"index"`
	// Lease is set when the item is already prefetched; the display can
	// fetch it from /api/handles/{lease} without touching the source.
	Lease string `json:"lease,omitempty"`
}

func (s *Server) slide(item media.Item, index int) slideResponse {
	resp := slideResponse{Item: item, Index: index}
	if lease, ok := s.frame.LeaseFor(item.ID); ok {
		resp.Lease = lease.String()
	}
	return resp
}

type entryResponse struct {
	ItemID         string    `json:"item_id"`
	SourceID       string    `json:"source_id"`
	ByteSize       int64     `json:"byte_size"`
	CachedAt       time.Time `json:"cached_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.frame.Status(r.Context()))
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	item, index, ok := s.frame.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "no items")
		return
	}
	writeJSON(w, http.StatusOK, s.slide(item, index))
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	item, ok := s.frame.Advance()
	if !ok {
		writeError(w, http.StatusNotFound, "no items")
		return
	}
	_, index, _ := s.frame.Current()
	writeJSON(w, http.StatusOK, s.slide(item, index))
}

func (s *Server) handleJump(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "index must be an integer")
		return
	}
	item, ok := s.frame.SetIndex(index)
	if !ok {
		writeError(w, http.StatusNotFound, "no items")
		return
	}
	_, cur, _ := s.frame.Current()
	writeJSON(w, http.StatusOK, s.slide(item, cur))
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	res, err := s.frame.Media(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeMedia(w, res)
}

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	lease, err := uuid.Parse(r.PathValue("lease"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed lease")
		return
	}
	res, ok := s.frame.LeaseMedia(lease)
	if !ok {
		writeError(w, http.StatusGone, "lease released")
		return
	}
	writeMedia(w, res)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	limit := defaultEntryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.frame.CacheEntries(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			ItemID:         e.ItemID,
			SourceID:       e.SourceID,
			ByteSize:       e.ByteSize,
			CachedAt:       e.CachedAt,
			LastAccessedAt: e.LastAccessedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.frame.ClearCache(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecache(w http.ResponseWriter, r *http.Request) {
	err := s.frame.Recache(r.Context(), r.PathValue("source"), r.PathValue("asset"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	s.frame.RequestRefresh()
	w.WriteHeader(http.StatusAccepted)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var se *source.StatusError
	switch {
	case errors.Is(err, coord.ErrUnknownItem), errors.Is(err, offline.ErrUnknownSource):
		return http.StatusNotFound
	case errors.Is(err, offline.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &se):
		if se.Code == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeMedia sends image bytes, or a JSON stream reference for videos.
func writeMedia(w http.ResponseWriter, res offline.Result) {
	if res.Item.IsVideo() {
		writeJSON(w, http.StatusOK, map[string]string{"id": res.Item.ID, "stream_url": res.StreamURL})
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(res.Bytes))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Bytes)))
	if res.FromCache {
		w.Header().Set("X-Photoframe-Cache", "hit")
	} else {
		w.Header().Set("X-Photoframe-Cache", "miss")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Bytes)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
