// Package source defines the boundary to remote media providers.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/abelbrown/photoframe/internal/config"
	"github.com/abelbrown/photoframe/internal/media"
)

// ErrUnsupportedType is returned by New for unknown source types.
var ErrUnsupportedType = errors.New("unsupported source type")

// Adapter lists and fetches media for one configured source.
type Adapter interface {
	// List returns the ordered items of every selected album.
	List(ctx context.Context) ([]media.Item, error)
	// Item looks up a single item by id.
	Item(ctx context.Context, id string) (media.Item, error)
	// Fetch downloads the bytes behind remoteURI.
	Fetch(ctx context.Context, remoteURI string) ([]byte, error)
	// Ping checks that the server is reachable and answering. The network
	// watcher checks connectivity with it.
	Ping(ctx context.Context) error
}

// StatusError is a non-2xx answer from a reachable server.
type StatusError struct {
	Code   int
	Status string
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("source: %s returned %s", e.URL, e.Status)
}

// HTTPStatus returns the response code.
func (e *StatusError) HTTPStatus() int {
	return e.Code
}

// Options tune adapters built by New.
type Options struct {
	Quality           config.Quality
	RequestsPerSecond float64
	Client            *http.Client
}

// New builds the adapter for sc.
func New(sc config.SourceConfig, opts Options) (Adapter, error) {
	switch sc.Type {
	case config.SourceImmich:
		if sc.Immich == nil {
			return nil, fmt.Errorf("source %q: missing immich settings", sc.ID)
		}
		return NewImmich(sc.ID, *sc.Immich, opts), nil
	default:
		return nil, fmt.Errorf("source %q: %w: %s", sc.ID, ErrUnsupportedType, sc.Type)
	}
}
