package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"testing"

	"github.com/vaultstream/vaultstream/internal/apperr"
	"github.com/vaultstream/vaultstream/internal/store"
)

// stubAdapter satisfies Adapter for routing tests.
type stubAdapter struct {
	name string
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Parse(ctx context.Context, url string, cfg Config) (*ParsedContent, error) {
	return &ParsedContent{Platform: s.name, LayoutType: store.LayoutArticle}, nil
}

func newTestRegistry() *Registry {
	r := NewRegistry(&http.Client{})
	for _, name := range []string{"bilibili", "twitter", "xiaohongshu", "weibo", "youtube"} {
		r.Register(&stubAdapter{name: name})
	}
	r.SetFallback(&stubAdapter{name: "generic"})
	return r
}

// --- routing tests ---

// TestResolveCanonicalization verifies the built-in patterns route to the
// right platform and produce a stable canonical URL.
func TestResolveCanonicalization(t *testing.T) {
	r := newTestRegistry()
	tests := []struct {
		name          string
		url           string
		wantPlatform  string
		wantCanonical string
	}{
		{
			"bilibili bv with tracking",
			"https://www.bilibili.com/video/BV1xx411c7mD?spm_id_from=333.999&vd_source=abc",
			"bilibili",
			"https://www.bilibili.com/video/BV1xx411c7mD",
		},
		{
			"bilibili av id",
			"https://www.bilibili.com/video/av170001",
			"bilibili",
			"https://www.bilibili.com/video/av170001",
		},
		{
			"twitter to x form",
			"https://twitter.com/alice/status/123456789",
			"twitter",
			"https://x.com/alice/status/123456789",
		},
		{
			"x stays x",
			"https://x.com/bob/status/42?s=20",
			"twitter",
			"https://x.com/bob/status/42",
		},
		{
			"xiaohongshu discovery to explore",
			"https://www.xiaohongshu.com/discovery/item/65a1b2c3d4e5f6",
			"xiaohongshu",
			"https://www.xiaohongshu.com/explore/65a1b2c3d4e5f6",
		},
		{
			"youtube watch",
			"https://www.youtube.com/watch?v=dQw4w9WgXcQ",
			"youtube",
			"https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		},
		{
			"youtu.be short form",
			"https://youtu.be/dQw4w9WgXcQ",
			"youtube",
			"https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, err := r.Resolve(context.Background(), tt.url)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.url, err)
			}
			if rt.Platform != tt.wantPlatform {
				t.Errorf("platform = %q, want %q", rt.Platform, tt.wantPlatform)
			}
			if rt.CanonicalURL != tt.wantCanonical {
				t.Errorf("canonical = %q, want %q", rt.CanonicalURL, tt.wantCanonical)
			}
		})
	}
}

// TestResolveFallback verifies unmatched URLs land on the generic adapter
// with tracking parameters stripped.
func TestResolveFallback(t *testing.T) {
	r := newTestRegistry()
	rt, err := r.Resolve(context.Background(), "https://example.com/post/1?utm_source=feed&utm_medium=rss&id=7#frag")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rt.Platform != "generic" {
		t.Errorf("platform = %q, want generic", rt.Platform)
	}
	if want := "https://example.com/post/1?id=7"; rt.CanonicalURL != want {
		t.Errorf("canonical = %q, want %q", rt.CanonicalURL, want)
	}
}

// TestResolveInvalidURL verifies garbage is rejected as a validation error.
func TestResolveInvalidURL(t *testing.T) {
	r := newTestRegistry()
	for _, bad := range []string{"", "not a url", "/relative/only", "example.com/no-scheme"} {
		_, err := r.Resolve(context.Background(), bad)
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Errorf("Resolve(%q) kind = %v, want validation", bad, apperr.KindOf(err))
		}
	}
}

// TestResolveShortLink verifies a known short host is expanded by following
// redirects and the expanded URL re-enters pattern matching.
func TestResolveShortLink(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/s/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/video/BV1xx411c7mD", http.StatusFound)
	})
	mux.HandleFunc("/video/", func(w http.ResponseWriter, req *http.Request) {})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := newTestRegistry()
	r.client = srv.Client()
	u, _ := url.Parse(srv.URL)
	r.shortHost[u.Host] = true
	r.AddPattern(Pattern{
		Platform: "bilibili",
		Regex:    regexp.MustCompile(regexp.QuoteMeta(srv.URL) + `/video/(BV[0-9A-Za-z]+)`),
		Canonicalize: func(_ string, groups []string) string {
			return "https://www.bilibili.com/video/" + groups[1]
		},
	})

	rt, err := r.Resolve(context.Background(), srv.URL+"/s/abc")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rt.Platform != "bilibili" {
		t.Errorf("platform = %q, want bilibili", rt.Platform)
	}
	if want := "https://www.bilibili.com/video/BV1xx411c7mD"; rt.CanonicalURL != want {
		t.Errorf("canonical = %q, want %q", rt.CanonicalURL, want)
	}
}

// TestStripTrackingParams verifies the parameter blocklist.
func TestStripTrackingParams(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"utm family",
			"https://a.com/p?utm_source=x&utm_campaign=y&keep=1",
			"https://a.com/p?keep=1",
		},
		{
			"bilibili share params",
			"https://a.com/p?share_source=weixin&share_medium=android&vd_source=z",
			"https://a.com/p",
		},
		{
			"fragment dropped",
			"https://a.com/p?id=1#section",
			"https://a.com/p?id=1",
		},
		{
			"nothing to strip",
			"https://a.com/p?id=1",
			"https://a.com/p?id=1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripTrackingParams(tt.in); got != tt.want {
				t.Errorf("stripTrackingParams(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// --- layout inference tests ---

// TestInferLayoutType verifies the precedence: video, audio, gallery,
// long-form article, hint, default.
func TestInferLayoutType(t *testing.T) {
	tests := []struct {
		name    string
		video   string
		audio   string
		images  int
		bodyLen int
		hint    string
		want    string
	}{
		{"video wins", "v.mp4", "a.mp3", 5, 2000, store.LayoutLink, store.LayoutVideo},
		{"audio next", "", "a.mp3", 5, 2000, "", store.LayoutAudio},
		{"gallery on images with little text", "", "", 3, 100, "", store.LayoutGallery},
		{"many images but long text is article", "", "", 3, 2000, "", store.LayoutArticle},
		{"long body is article", "", "", 0, 1500, store.LayoutLink, store.LayoutArticle},
		{"hint honored", "", "", 0, 200, store.LayoutLink, store.LayoutLink},
		{"bogus hint defaults to article", "", "", 0, 200, "banner", store.LayoutArticle},
		{"nothing defaults to article", "", "", 0, 0, "", store.LayoutArticle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InferLayoutType(tt.video, tt.audio, tt.images, tt.bodyLen, tt.hint)
			if got != tt.want {
				t.Errorf("InferLayoutType() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestParsedContentValidate verifies the adapter output contract.
func TestParsedContentValidate(t *testing.T) {
	tests := []struct {
		name    string
		pc      ParsedContent
		wantErr bool
	}{
		{"valid", ParsedContent{Platform: "weibo", LayoutType: store.LayoutArticle}, false},
		{"missing platform", ParsedContent{LayoutType: store.LayoutArticle}, true},
		{"bad layout", ParsedContent{Platform: "weibo", LayoutType: "poster"}, true},
		{"empty layout", ParsedContent{Platform: "weibo"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
