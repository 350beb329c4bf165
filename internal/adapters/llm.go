package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/vaultstream/vaultstream/internal/apperr"
	"github.com/vaultstream/vaultstream/internal/store"
)

// LLMAdapter is the generic fallback parser: it fetches the page, asks a
// text model to extract structured fields as Markdown, and infers the
// layout type heuristically when the model doesn't say.
type LLMAdapter struct {
	client *openai.Client
	model  string
	http   *http.Client
}

// LLMConfig selects the model endpoint.
type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewLLMAdapter builds the fallback adapter. A missing API key is allowed;
// Parse then degrades to metadata scraping without model assistance.
func NewLLMAdapter(cfg LLMConfig, httpClient *http.Client) *LLMAdapter {
	var client *openai.Client
	if cfg.APIKey != "" {
		oc := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = cfg.BaseURL
		}
		client = openai.NewClientWithConfig(oc)
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &LLMAdapter{client: client, model: cfg.Model, http: httpClient}
}

func (a *LLMAdapter) Name() string { return "web" }

type llmExtraction struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	AuthorName  string   `json:"author_name"`
	CoverURL    string   `json:"cover_url"`
	ImageURLs   []string `json:"image_urls"`
	VideoURL    string   `json:"video_url"`
	AudioURL    string   `json:"audio_url"`
	Tags        []string `json:"tags"`
	LayoutHint  string   `json:"layout_hint"`
	BodyText    string   `json:"body_text"`
}

func (a *LLMAdapter) Parse(ctx context.Context, rawURL string, cfg Config) (*ParsedContent, error) {
	html, err := a.fetch(ctx, rawURL, cfg)
	if err != nil {
		return nil, err
	}

	ext := scrapeMeta(html)
	if a.client != nil {
		if modelExt, err := a.extractWithModel(ctx, rawURL, html); err == nil {
			mergeExtraction(&ext, modelExt)
		}
	}

	layout := InferLayoutType(ext.VideoURL, ext.AudioURL, len(ext.ImageURLs), len(ext.BodyText), ext.LayoutHint)
	raw, _ := json.Marshal(map[string]any{"extraction": ext})

	pc := &ParsedContent{
		Platform:    a.Name(),
		ContentType: "web_page",
		ContentID:   rawURL,
		Title:       ext.Title,
		Description: firstN(ext.BodyText, 2000),
		AuthorName:  ext.AuthorName,
		CoverURL:    ext.CoverURL,
		MediaURLs:   ext.ImageURLs,
		Tags:        ext.Tags,
		RawMetadata: raw,
		LayoutType:  layout,
	}
	if pc.Description == "" {
		pc.Description = ext.Description
	}
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	return pc, nil
}

// InferLayoutType applies the layout heuristics: explicit media wins, then
// the gallery/article thresholds, then the model hint, then article.
func InferLayoutType(videoURL, audioURL string, imageCount, bodyLen int, hint string) string {
	switch {
	case videoURL != "":
		return store.LayoutVideo
	case audioURL != "":
		return store.LayoutAudio
	case imageCount >= 2 && bodyLen < 500:
		return store.LayoutGallery
	case bodyLen > 1000:
		return store.LayoutArticle
	case store.ValidLayoutType(hint):
		return hint
	default:
		return store.LayoutArticle
	}
}

func (a *LLMAdapter) fetch(ctx context.Context, rawURL string, cfg Config) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, err, "build page request")
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; VaultStream/1.0)")
	if cfg.Cookies != "" {
		req.Header.Set("Cookie", cfg.Cookies)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.KindTransient, err, "fetch page")
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", apperr.New(apperr.KindAuth, "page %s: status %d", rawURL, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return "", apperr.New(apperr.KindNotFound, "page %s: status %d", rawURL, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", apperr.New(apperr.KindTransient, "page %s: status %d", rawURL, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", apperr.New(apperr.KindValidation, "page %s: status %d", rawURL, resp.StatusCode)
	}
	const maxPageBytes = 4 << 20
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", apperr.Wrap(apperr.KindTransient, err, "read page body")
	}
	return string(body), nil
}

func (a *LLMAdapter) extractWithModel(ctx context.Context, rawURL, html string) (*llmExtraction, error) {
	text := stripTags(html)
	if len(text) > 12000 {
		text = text[:12000]
	}
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: "Extract structured metadata from a web page. Reply with a single JSON object " +
					"with keys: title, description, author_name, cover_url, image_urls, video_url, " +
					"audio_url, tags, layout_hint (one of article, video, gallery, audio, link), body_text.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("URL: %s\n\nPage text:\n%s", rawURL, text),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, err, "llm extraction")
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.New(apperr.KindTransient, "llm extraction returned no choices")
	}
	var ext llmExtraction
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &ext); err != nil {
		return nil, fmt.Errorf("decode llm extraction: %w", err)
	}
	return &ext, nil
}

var (
	reTitle   = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	reOGProp  = regexp.MustCompile(`(?is)<meta[^>]+property=["']og:(\w+)["'][^>]+content=["']([^"']*)["']`)
	reMetaTag = regexp.MustCompile(`(?is)<meta[^>]+name=["'](description|author)["'][^>]+content=["']([^"']*)["']`)
	reTags    = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	reAnyTag  = regexp.MustCompile(`(?s)<[^>]+>`)
	reSpace   = regexp.MustCompile(`\s+`)
)

// scrapeMeta pulls OpenGraph and basic meta fields without the model.
func scrapeMeta(html string) llmExtraction {
	var ext llmExtraction
	if m := reTitle.FindStringSubmatch(html); m != nil {
		ext.Title = strings.TrimSpace(m[1])
	}
	for _, m := range reOGProp.FindAllStringSubmatch(html, -1) {
		switch m[1] {
		case "title":
			ext.Title = m[2]
		case "description":
			ext.Description = m[2]
		case "image":
			ext.CoverURL = m[2]
		case "video":
			ext.VideoURL = m[2]
		case "audio":
			ext.AudioURL = m[2]
		}
	}
	for _, m := range reMetaTag.FindAllStringSubmatch(html, -1) {
		switch strings.ToLower(m[1]) {
		case "description":
			if ext.Description == "" {
				ext.Description = m[2]
			}
		case "author":
			ext.AuthorName = m[2]
		}
	}
	ext.BodyText = stripTags(html)
	return ext
}

func stripTags(html string) string {
	s := reTags.ReplaceAllString(html, " ")
	s = reAnyTag.ReplaceAllString(s, " ")
	return strings.TrimSpace(reSpace.ReplaceAllString(s, " "))
}

func mergeExtraction(dst *llmExtraction, src *llmExtraction) {
	if src == nil {
		return
	}
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Description != "" {
		dst.Description = src.Description
	}
	if src.AuthorName != "" {
		dst.AuthorName = src.AuthorName
	}
	if src.CoverURL != "" {
		dst.CoverURL = src.CoverURL
	}
	if len(src.ImageURLs) > 0 {
		dst.ImageURLs = src.ImageURLs
	}
	if src.VideoURL != "" {
		dst.VideoURL = src.VideoURL
	}
	if src.AudioURL != "" {
		dst.AudioURL = src.AudioURL
	}
	if len(src.Tags) > 0 {
		dst.Tags = src.Tags
	}
	if src.LayoutHint != "" {
		dst.LayoutHint = src.LayoutHint
	}
	if src.BodyText != "" {
		dst.BodyText = src.BodyText
	}
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
