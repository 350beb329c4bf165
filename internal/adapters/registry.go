package adapters

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/vaultstream/vaultstream/internal/apperr"
)

// Pattern binds a URL regex to a platform and an optional canonicalizer
// that rewrites the matched URL into its dedup form.
type Pattern struct {
	Platform     string
	Regex        *regexp.Regexp
	Canonicalize func(matched string, groups []string) string
}

// Route is the result of URL routing.
type Route struct {
	Platform     string
	CanonicalURL string
	Adapter      Adapter
}

// Registry routes URLs to adapters: per-platform regex patterns first,
// short-link expansion when nothing matches directly, and a generic
// fallback adapter last.
type Registry struct {
	patterns  []Pattern
	adapters  map[string]Adapter
	fallback  Adapter
	shortHost map[string]bool
	client    *http.Client
}

// NewRegistry builds a registry with the built-in URL patterns.
func NewRegistry(client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	r := &Registry{
		adapters: make(map[string]Adapter),
		shortHost: map[string]bool{
			"b23.tv":  true,
			"t.co":    true,
			"xhslink.com": true,
		},
		client: client,
	}
	r.patterns = builtinPatterns()
	return r
}

// Register installs an adapter for its platform. Later registrations
// replace earlier ones.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// SetFallback installs the generic adapter used when no pattern matches.
func (r *Registry) SetFallback(a Adapter) {
	r.fallback = a
}

// AddPattern appends a routing pattern.
func (r *Registry) AddPattern(p Pattern) {
	r.patterns = append(r.patterns, p)
}

// Resolve routes a URL: pattern match, then one short-link expansion and a
// second pattern pass, then the fallback adapter with the URL as its own
// canonical form.
func (r *Registry) Resolve(ctx context.Context, rawURL string) (*Route, error) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperr.New(apperr.KindValidation, "invalid url %q", rawURL)
	}

	if rt := r.match(rawURL); rt != nil {
		return rt, nil
	}
	if r.shortHost[strings.ToLower(u.Host)] {
		expanded, err := r.expandShortLink(ctx, rawURL)
		if err == nil && expanded != rawURL {
			if rt := r.match(expanded); rt != nil {
				return rt, nil
			}
			rawURL = expanded
		}
	}
	if r.fallback == nil {
		return nil, apperr.New(apperr.KindNotFound, "no adapter for %q", rawURL)
	}
	return &Route{
		Platform:     r.fallback.Name(),
		CanonicalURL: stripTrackingParams(rawURL),
		Adapter:      r.fallback,
	}, nil
}

func (r *Registry) match(rawURL string) *Route {
	for _, p := range r.patterns {
		m := p.Regex.FindStringSubmatch(rawURL)
		if m == nil {
			continue
		}
		canonical := rawURL
		if p.Canonicalize != nil {
			canonical = p.Canonicalize(rawURL, m)
		}
		a := r.adapters[p.Platform]
		if a == nil {
			a = r.fallback
		}
		if a == nil {
			continue
		}
		return &Route{Platform: p.Platform, CanonicalURL: canonical, Adapter: a}
	}
	return nil
}

// expandShortLink follows redirects with a HEAD request and returns the
// final location.
func (r *Registry) expandShortLink(ctx context.Context, shortURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, shortURL, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, err, "build short-link request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.KindTransient, err, "resolve short link")
	}
	resp.Body.Close()
	final := resp.Request.URL.String()
	return final, nil
}

// stripTrackingParams removes common tracking query parameters so the
// canonical URL is stable across shares.
func stripTrackingParams(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") || lower == "spm_id_from" || lower == "share_source" ||
			lower == "share_medium" || lower == "share_plat" || lower == "vd_source" || lower == "ref" {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String()
}

func builtinPatterns() []Pattern {
	return []Pattern{
		{
			Platform: "bilibili",
			Regex:    regexp.MustCompile(`(?i)bilibili\.com/video/(BV[0-9A-Za-z]+|av\d+)`),
			Canonicalize: func(_ string, groups []string) string {
				return "https://www.bilibili.com/video/" + groups[1]
			},
		},
		{
			Platform: "twitter",
			Regex:    regexp.MustCompile(`(?i)(?:twitter|x)\.com/([^/]+)/status/(\d+)`),
			Canonicalize: func(_ string, groups []string) string {
				return "https://x.com/" + groups[1] + "/status/" + groups[2]
			},
		},
		{
			Platform: "xiaohongshu",
			Regex:    regexp.MustCompile(`(?i)xiaohongshu\.com/(?:explore|discovery/item)/([0-9a-f]+)`),
			Canonicalize: func(_ string, groups []string) string {
				return "https://www.xiaohongshu.com/explore/" + groups[1]
			},
		},
		{
			Platform: "weibo",
			Regex:    regexp.MustCompile(`(?i)weibo\.(?:com|cn)/(?:\d+/)?([0-9A-Za-z]+)`),
			Canonicalize: func(matched string, _ []string) string {
				return stripTrackingParams(matched)
			},
		},
		{
			Platform: "youtube",
			Regex:    regexp.MustCompile(`(?i)(?:youtube\.com/watch\?v=|youtu\.be/)([0-9A-Za-z_-]{6,})`),
			Canonicalize: func(_ string, groups []string) string {
				return "https://www.youtube.com/watch?v=" + groups[1]
			},
		},
	}
}
