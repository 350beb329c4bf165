// Package archive downloads a content's media, transcodes images to WebP
// and stores them in the blob store under content-addressed keys.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"github.com/vaultstream/vaultstream/internal/apperr"
	"github.com/vaultstream/vaultstream/internal/blob"
)

// StoredImage is what gets recorded into raw_metadata.archive.stored_images.
type StoredImage struct {
	OriginalURL string `json:"original_url"`
	Key         string `json:"key"`
	URL         string `json:"url"`
	SHA256      string `json:"sha256"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Size        int64  `json:"size"`
}

// Options control the pipeline.
type Options struct {
	WebPQuality int // 1..100, default 80
	MaxImages   int // 0 = unlimited
	Timeout     time.Duration
}

// Archiver downloads and stores media.
type Archiver struct {
	store  blob.Store
	client *http.Client
	opts   Options
}

// New builds an archiver. client may be nil for a default one.
func New(store blob.Store, client *http.Client, opts Options) *Archiver {
	if opts.WebPQuality <= 0 || opts.WebPQuality > 100 {
		opts.WebPQuality = 80
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Archiver{store: store, client: client, opts: opts}
}

// Images fetches each URL, transcodes to WebP and stores the result.
// Individual failures are logged and skipped; an empty result with no
// error means nothing was archivable.
func (a *Archiver) Images(ctx context.Context, urls []string) ([]StoredImage, error) {
	if a.opts.MaxImages > 0 && len(urls) > a.opts.MaxImages {
		urls = urls[:a.opts.MaxImages]
	}
	var out []StoredImage
	for _, u := range urls {
		img, err := a.archiveOne(ctx, u)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindTransient {
				return out, err
			}
			slog.Warn("image archive skipped", "url", u, "error", err)
			continue
		}
		out = append(out, *img)
	}
	return out, nil
}

func (a *Archiver) archiveOne(ctx context.Context, url string) (*StoredImage, error) {
	data, err := a.download(ctx, url)
	if err != nil {
		return nil, err
	}
	// Transcode before hashing so the stored key is the key of the WebP
	// bytes, not the source bytes.
	decoded, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	var buf bytes.Buffer
	if err := webp.Encode(&buf, decoded, &webp.Options{Quality: float32(a.opts.WebPQuality)}); err != nil {
		return nil, fmt.Errorf("encode webp: %w", err)
	}
	encoded := buf.Bytes()

	key, digest := blob.Key(encoded, "image/webp")
	if ok, err := a.store.Exists(ctx, key); err == nil && ok {
		bounds := decoded.Bounds()
		return &StoredImage{
			OriginalURL: url,
			Key:         key,
			URL:         a.store.URL(key),
			SHA256:      digest,
			Width:       bounds.Dx(),
			Height:      bounds.Dy(),
			Size:        int64(len(encoded)),
		}, nil
	}

	res, err := a.store.Put(ctx, encoded, "image/webp")
	if err != nil {
		return nil, err
	}
	bounds := decoded.Bounds()
	return &StoredImage{
		OriginalURL: url,
		Key:         res.Key,
		URL:         a.store.URL(res.Key),
		SHA256:      res.SHA256,
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		Size:        res.Size,
	}, nil
}

func (a *Archiver) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "build media request")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, err, "fetch media")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, apperr.New(apperr.KindNotFound, "media %s: status %d", url, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, apperr.New(apperr.KindTransient, "media %s: status %d", url, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, apperr.New(apperr.KindValidation, "media %s: status %d", url, resp.StatusCode)
	}
	const maxMediaBytes = 50 << 20
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, err, "read media body")
	}
	return data, nil
}
