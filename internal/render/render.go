// Package render turns a content plus a render config into the outgoing
// message payload. Configs are normalized to one flat keyset; the legacy
// nested {"structure": {...}} form is accepted and flattened on ingress.
package render

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vaultstream/vaultstream/internal/store"
)

// Mode values for the flat keys.
const (
	AuthorNone = "none"
	AuthorName = "name"
	AuthorFull = "full"

	ContentHidden  = "hidden"
	ContentSummary = "summary"
	ContentFull    = "full"

	MediaNone = "none"
	MediaAuto = "auto"
	MediaAll  = "all"

	LinkNone     = "none"
	LinkClean    = "clean"
	LinkOriginal = "original"
)

// Config is the canonical flat render config.
type Config struct {
	ShowPlatformID bool   `json:"show_platform_id"`
	ShowTitle      bool   `json:"show_title"`
	ShowTags       bool   `json:"show_tags"`
	AuthorMode     string `json:"author_mode"`
	ContentMode    string `json:"content_mode"`
	MediaMode      string `json:"media_mode"`
	LinkMode       string `json:"link_mode"`
	HeaderText     string `json:"header_text"`
	FooterText     string `json:"footer_text"`
}

// Defaults is the system baseline applied under rule and target configs.
func Defaults() Config {
	return Config{
		ShowTitle:   true,
		AuthorMode:  AuthorName,
		ContentMode: ContentSummary,
		MediaMode:   MediaAuto,
		LinkMode:    LinkClean,
	}
}

// Normalize decodes a stored render config blob into flat form. The legacy
// nested shape {"structure": {...flat keys...}} is unwrapped. Unknown keys
// are ignored; a nil or broken blob yields an empty config.
func Normalize(raw json.RawMessage) Config {
	var cfg Config
	if len(raw) == 0 {
		return cfg
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return cfg
	}
	if nested, ok := probe["structure"]; ok {
		raw = nested
	}
	_ = json.Unmarshal(raw, &cfg)
	return cfg
}

// rawFields mirrors Config with pointers so merge layers only override
// keys they actually set.
type rawFields struct {
	ShowPlatformID *bool   `json:"show_platform_id"`
	ShowTitle      *bool   `json:"show_title"`
	ShowTags       *bool   `json:"show_tags"`
	AuthorMode     *string `json:"author_mode"`
	ContentMode    *string `json:"content_mode"`
	MediaMode      *string `json:"media_mode"`
	LinkMode       *string `json:"link_mode"`
	HeaderText     *string `json:"header_text"`
	FooterText     *string `json:"footer_text"`
}

// Effective merges target override > rule config > system defaults.
func Effective(targetOverride, ruleConfig json.RawMessage) Config {
	cfg := Defaults()
	applyRaw(&cfg, ruleConfig)
	applyRaw(&cfg, targetOverride)
	return cfg
}

func applyRaw(cfg *Config, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}
	if nested, ok := probe["structure"]; ok {
		raw = nested
	}
	var f rawFields
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}
	if f.ShowPlatformID != nil {
		cfg.ShowPlatformID = *f.ShowPlatformID
	}
	if f.ShowTitle != nil {
		cfg.ShowTitle = *f.ShowTitle
	}
	if f.ShowTags != nil {
		cfg.ShowTags = *f.ShowTags
	}
	if f.AuthorMode != nil {
		cfg.AuthorMode = *f.AuthorMode
	}
	if f.ContentMode != nil {
		cfg.ContentMode = *f.ContentMode
	}
	if f.MediaMode != nil {
		cfg.MediaMode = *f.MediaMode
	}
	if f.LinkMode != nil {
		cfg.LinkMode = *f.LinkMode
	}
	if f.HeaderText != nil {
		cfg.HeaderText = *f.HeaderText
	}
	if f.FooterText != nil {
		cfg.FooterText = *f.FooterText
	}
}

// Payload is the rendered message handed to a transport.
type Payload struct {
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty"`
	LinkURL   string   `json:"link_url,omitempty"`
}

// Render builds the payload for one content under cfg.
func Render(c *store.Content, cfg Config) *Payload {
	var b strings.Builder
	if cfg.HeaderText != "" {
		b.WriteString(expandTemplate(cfg.HeaderText, c))
		b.WriteString("\n")
	}
	if cfg.ShowTitle && c.Title != "" {
		b.WriteString(c.Title)
		b.WriteString("\n")
	}
	if cfg.ShowPlatformID && c.PlatformID != "" {
		fmt.Fprintf(&b, "[%s] %s\n", c.Platform, c.PlatformID)
	}
	switch cfg.AuthorMode {
	case AuthorName:
		if c.AuthorName != "" {
			fmt.Fprintf(&b, "by %s\n", c.AuthorName)
		}
	case AuthorFull:
		if c.AuthorName != "" {
			if c.AuthorURL != "" {
				fmt.Fprintf(&b, "by %s (%s)\n", c.AuthorName, c.AuthorURL)
			} else {
				fmt.Fprintf(&b, "by %s\n", c.AuthorName)
			}
		}
	}
	switch cfg.ContentMode {
	case ContentSummary:
		if s := summarize(c.Description, 200); s != "" {
			b.WriteString(s)
			b.WriteString("\n")
		}
	case ContentFull:
		if c.Description != "" {
			b.WriteString(c.Description)
			b.WriteString("\n")
		}
	}
	if cfg.ShowTags && len(c.Tags) > 0 {
		for i, t := range c.Tags {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString("#" + t)
		}
		b.WriteString("\n")
	}

	link := ""
	switch cfg.LinkMode {
	case LinkClean:
		link = c.CleanURL
		if link == "" {
			link = c.CanonicalURL
		}
	case LinkOriginal:
		link = c.URL
	}
	if link != "" {
		b.WriteString(link)
		b.WriteString("\n")
	}
	if cfg.FooterText != "" {
		b.WriteString(expandTemplate(cfg.FooterText, c))
		b.WriteString("\n")
	}

	var media []string
	switch cfg.MediaMode {
	case MediaAll:
		media = c.MediaURLs
	case MediaAuto:
		// Galleries carry their media; everything else leads with the cover.
		if c.EffectiveLayoutType() == store.LayoutGallery {
			media = c.MediaURLs
		} else if c.CoverURL != "" {
			media = []string{c.CoverURL}
		}
	}

	return &Payload{
		Text:      strings.TrimRight(b.String(), "\n"),
		MediaURLs: media,
		LinkURL:   link,
	}
}

// expandTemplate substitutes the documented placeholders; unknown
// placeholders render as empty.
func expandTemplate(tmpl string, c *store.Content) string {
	replacer := map[string]string{
		"title":   c.Title,
		"author":  c.AuthorName,
		"url":     c.CanonicalURL,
		"date":    formatDate(c.PublishedAt),
		"tags":    strings.Join(c.Tags, ", "),
		"summary": summarize(c.Description, 200),
	}
	re := strings.Builder{}
	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			re.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			re.WriteString(rest)
			break
		}
		re.WriteString(rest[:start])
		name := strings.TrimSpace(rest[start+2 : start+end])
		re.WriteString(replacer[name])
		rest = rest[start+end+2:]
	}
	return re.String()
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}

func summarize(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	// Back up to a word boundary unless that loses more than half the cut.
	cut := n
	for i := n - 1; i > n/2; i-- {
		if r[i] == ' ' {
			cut = i
			break
		}
	}
	return string(r[:cut]) + "…"
}
