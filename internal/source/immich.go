package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/abelbrown/photoframe/internal/config"
	"github.com/abelbrown/photoframe/internal/media"
)

// maxBodyBytes caps a single media download.
const maxBodyBytes = 200 << 20

// Immich talks to an Immich server's REST API.
type Immich struct {
	id       string
	baseURL  string
	apiKey   string
	albumIDs []string
	quality  config.Quality
	client   *http.Client
	limiter  *rate.Limiter
}

type immichAlbum struct {
	ID        string        `json:"id"`
	AlbumName string        `json:"albumName"`
	Assets    []immichAsset `json:"assets"`
}

type immichAsset struct {
	ID               string      `json:"id"`
	Type             string      `json:"type"`
	OriginalFileName string      `json:"originalFileName"`
	FileCreatedAt    time.Time   `json:"fileCreatedAt"`
	ExifInfo         *immichExif `json:"exifInfo"`
}

type immichExif struct {
	DateTimeOriginal *time.Time `json:"dateTimeOriginal"`
	ExifImageWidth   int        `json:"exifImageWidth"`
	ExifImageHeight  int        `json:"exifImageHeight"`
	City             string     `json:"city"`
	Country          string     `json:"country"`
	Description      string     `json:"description"`
}

// NewImmich creates an adapter for one Immich server.
func NewImmich(id string, cfg config.ImmichSource, opts Options) *Immich {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 8
	}
	quality := opts.Quality
	if quality == "" {
		quality = config.QualityPreview
	}
	return &Immich{
		id:       id,
		baseURL:  strings.TrimRight(cfg.ServerURL, "/"),
		apiKey:   cfg.APIKey,
		albumIDs: append([]string(nil), cfg.AlbumIDs...),
		quality:  quality,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// List fetches every selected album in order. Assets that appear in more
// than one album are returned once, at their first position.
func (c *Immich) List(ctx context.Context) ([]media.Item, error) {
	seen := make(map[string]bool)
	var items []media.Item
	for _, albumID := range c.albumIDs {
		var album immichAlbum
		if err := c.getJSON(ctx, "/api/albums/"+url.PathEscape(albumID), &album); err != nil {
			return nil, fmt.Errorf("immich: album %s: %w", albumID, err)
		}
		for _, a := range album.Assets {
			if seen[a.ID] {
				continue
			}
			item, ok := c.toItem(a)
			if !ok {
				continue
			}
			seen[a.ID] = true
			items = append(items, item)
		}
	}
	return items, nil
}

// Item fetches a single asset's description.
func (c *Immich) Item(ctx context.Context, id string) (media.Item, error) {
	var a immichAsset
	if err := c.getJSON(ctx, "/api/assets/"+url.PathEscape(id), &a); err != nil {
		return media.Item{}, fmt.Errorf("immich: asset %s: %w", id, err)
	}
	item, ok := c.toItem(a)
	if !ok {
		return media.Item{}, fmt.Errorf("immich: asset %s: unsupported type %q", id, a.Type)
	}
	return item, nil
}

// Fetch downloads remoteURI, which must point at this server.
func (c *Immich) Fetch(ctx context.Context, remoteURI string) ([]byte, error) {
	resp, err := c.do(ctx, remoteURI)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("immich: read %s: %w", remoteURI, err)
	}
	return body, nil
}

// Ping calls the unauthenticated liveness endpoint.
func (c *Immich) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, c.baseURL+"/api/server/ping")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// assetURI picks the variant to fetch for an asset.
func (c *Immich) assetURI(id string, kind media.Kind) string {
	base := c.baseURL + "/api/assets/" + url.PathEscape(id)
	if kind == media.KindVideo {
		return base + "/video/playback"
	}
	switch c.quality {
	case config.QualityOriginal:
		return base + "/original"
	case config.QualityFullsize:
		return base + "/thumbnail?size=fullsize"
	default:
		return base + "/thumbnail?size=preview"
	}
}

func (c *Immich) toItem(a immichAsset) (media.Item, bool) {
	var kind media.Kind
	switch strings.ToUpper(a.Type) {
	case "IMAGE":
		kind = media.KindImage
	case "VIDEO":
		kind = media.KindVideo
	default:
		return media.Item{}, false
	}

	md := media.Metadata{
		TakenAt:  a.FileCreatedAt,
		FileName: a.OriginalFileName,
	}
	if e := a.ExifInfo; e != nil {
		if e.DateTimeOriginal != nil {
			md.TakenAt = *e.DateTimeOriginal
		}
		md.Width = e.ExifImageWidth
		md.Height = e.ExifImageHeight
		md.City = e.City
		md.Country = e.Country
		md.Description = e.Description
	}

	return media.Item{
		ID:        a.ID,
		RemoteURI: c.assetURI(a.ID, kind),
		SourceID:  c.id,
		Kind:      kind,
		Metadata:  md,
	}, true
}

func (c *Immich) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, c.baseURL+path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do issues an authenticated GET. Non-2xx responses become *StatusError.
func (c *Immich) do(ctx context.Context, rawURL string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("immich: rate limiter wait failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("immich: failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json, image/*, video/*")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("immich: request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status, URL: rawURL}
	}
	return resp, nil
}
