// Package adapters routes URLs to platform parsers and defines the
// normalized ParsedContent every parser must produce.
package adapters

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vaultstream/vaultstream/internal/apperr"
	"github.com/vaultstream/vaultstream/internal/store"
)

// ParsedContent is the normalized parse result. LayoutType is mandatory.
type ParsedContent struct {
	Platform        string            `json:"platform"`
	ContentType     string            `json:"content_type"`
	ContentID       string            `json:"content_id"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	AuthorName      string            `json:"author_name"`
	AuthorID        string            `json:"author_id"`
	AuthorAvatarURL string            `json:"author_avatar_url,omitempty"`
	AuthorURL       string            `json:"author_url,omitempty"`
	CoverURL        string            `json:"cover_url"`
	MediaURLs       []string          `json:"media_urls"`
	PublishedAt     *time.Time        `json:"published_at,omitempty"`
	Stats           map[string]any    `json:"stats,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	RawMetadata     json.RawMessage   `json:"raw_metadata,omitempty"`
	LayoutType      string            `json:"layout_type"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Validate enforces the contract; an adapter result without a valid
// layout_type is rejected outright.
func (p *ParsedContent) Validate() error {
	if p.Platform == "" {
		return apperr.New(apperr.KindValidation, "parsed content missing platform")
	}
	if !store.ValidLayoutType(p.LayoutType) {
		return apperr.New(apperr.KindValidation, "parsed content has invalid layout_type %q", p.LayoutType)
	}
	return nil
}

// Config carries the per-call knobs an adapter may need.
type Config struct {
	Cookies string
	Proxy   string
	Timeout time.Duration
}

// Adapter parses one platform's URLs.
type Adapter interface {
	// Name is the platform identifier ("bilibili", "twitter", ...).
	Name() string
	Parse(ctx context.Context, url string, cfg Config) (*ParsedContent, error)
}
