// Package settings is the DB-backed key-value configuration with a
// read-through fallback chain: database row, then process environment,
// then compile-time default. Reads are memoized briefly; writes invalidate.
package settings

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vaultstream/vaultstream/internal/store"
)

// Well-known keys.
const (
	KeyAPIToken            = "API_TOKEN"
	KeyHTTPProxy           = "HTTP_PROXY"
	KeyStorageBackend      = "STORAGE_BACKEND"
	KeyStorageLocalRoot    = "STORAGE_LOCAL_ROOT"
	KeyStoragePublicBase   = "STORAGE_PUBLIC_BASE_URL"
	KeyArchiveEnabled      = "ENABLE_ARCHIVE_MEDIA_PROCESSING"
	KeyArchiveWebPQuality  = "ARCHIVE_IMAGE_WEBP_QUALITY"
	KeyArchiveImageMax     = "ARCHIVE_IMAGE_MAX_COUNT"
	KeyTelegramAdminIDs    = "TELEGRAM_ADMIN_IDS"
	KeyTextLLMAPIKey       = "TEXT_LLM_API_KEY"
	KeyTextLLMAPIBase      = "TEXT_LLM_API_BASE"
	KeyTextLLMModel        = "TEXT_LLM_MODEL"
	KeyVisionLLMAPIKey     = "VISION_LLM_API_KEY"
	KeyVisionLLMAPIBase    = "VISION_LLM_API_BASE"
	KeyVisionLLMModel      = "VISION_LLM_MODEL"
	KeyBotSyncCron         = "BOT_SYNC_CRON"
)

// defaults are the compile-time fallbacks.
var defaults = map[string]string{
	KeyStorageBackend:     "local",
	KeyStorageLocalRoot:   "data/media",
	KeyArchiveEnabled:     "true",
	KeyArchiveWebPQuality: "80",
	KeyArchiveImageMax:    "9",
}

// secretKeys are masked on enumeration.
var secretKeys = map[string]bool{
	KeyAPIToken:        true,
	KeyTextLLMAPIKey:   true,
	KeyVisionLLMAPIKey: true,
}

const cacheTTL = 30 * time.Second

type cached struct {
	value   string
	found   bool
	expires time.Time
}

// Service resolves settings with memoization.
type Service struct {
	store store.SettingStore

	mu    sync.Mutex
	cache map[string]cached
	now   func() time.Time
}

func New(st store.SettingStore) *Service {
	return &Service{
		store: st,
		cache: make(map[string]cached),
		now:   func() time.Time { return time.Now() },
	}
}

// SetClock overrides time for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Get resolves key through DB, env, default. Missing everywhere returns "".
func (s *Service) Get(ctx context.Context, key string) string {
	v, _ := s.Lookup(ctx, key)
	return v
}

// Lookup is Get plus whether any layer had the key.
func (s *Service) Lookup(ctx context.Context, key string) (string, bool) {
	s.mu.Lock()
	if c, ok := s.cache[key]; ok && s.now().Before(c.expires) {
		s.mu.Unlock()
		return c.value, c.found
	}
	s.mu.Unlock()

	value, found := s.resolve(ctx, key)
	s.mu.Lock()
	s.cache[key] = cached{value: value, found: found, expires: s.now().Add(cacheTTL)}
	s.mu.Unlock()
	return value, found
}

func (s *Service) resolve(ctx context.Context, key string) (string, bool) {
	if s.store != nil {
		row, err := s.store.Get(ctx, key)
		if err == nil {
			return row.Value, true
		}
		if !errors.Is(err, store.ErrNotFound) {
			// A broken DB falls through to env rather than failing reads.
			_ = err
		}
	}
	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	if v, ok := defaults[key]; ok {
		return v, true
	}
	return "", false
}

// GetBool parses boolean-ish values ("1", "true", "yes", "on").
func (s *Service) GetBool(ctx context.Context, key string) bool {
	switch strings.ToLower(s.Get(ctx, key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// GetInt parses an integer, returning fallback on absence or garbage.
func (s *Service) GetInt(ctx context.Context, key string, fallback int) int {
	v := s.Get(ctx, key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Set writes to the DB and invalidates the memo for that key.
func (s *Service) Set(ctx context.Context, key, value string) error {
	if err := s.store.Set(ctx, key, value, secretKeys[key]); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

// Delete removes the DB row and invalidates the memo.
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := s.store.Delete(ctx, key); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

// Entry is one enumerated setting, with secrets masked.
type Entry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	IsSecret  bool      `json:"is_secret"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// List enumerates DB-backed settings, masking secret values.
func (s *Service) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		secret := r.IsSecret || secretKeys[r.Key]
		v := r.Value
		if secret {
			v = Mask(v)
		}
		out = append(out, Entry{Key: r.Key, Value: v, IsSecret: secret, UpdatedAt: r.UpdatedAt})
	}
	return out, nil
}

// Mask hides all but a short prefix and suffix of a secret.
func Mask(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:3] + "****" + v[len(v)-4:]
}
