package settings

import (
	"context"
	"testing"
	"time"

	"github.com/vaultstream/vaultstream/internal/store"
)

// fakeSettingStore is an in-memory SettingStore.
type fakeSettingStore struct {
	rows map[string]store.Setting
	gets int
}

func newFakeSettingStore() *fakeSettingStore {
	return &fakeSettingStore{rows: map[string]store.Setting{}}
}

func (f *fakeSettingStore) Get(ctx context.Context, key string) (*store.Setting, error) {
	f.gets++
	if row, ok := f.rows[key]; ok {
		return &row, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeSettingStore) Set(ctx context.Context, key, value string, secret bool) error {
	f.rows[key] = store.Setting{Key: key, Value: value, IsSecret: secret}
	return nil
}

func (f *fakeSettingStore) Delete(ctx context.Context, key string) error {
	if _, ok := f.rows[key]; !ok {
		return store.ErrNotFound
	}
	delete(f.rows, key)
	return nil
}

func (f *fakeSettingStore) List(ctx context.Context) ([]store.Setting, error) {
	var out []store.Setting
	for _, r := range f.rows {
		out = append(out, r)
	}
	return out, nil
}

// TestLookupChain verifies the DB beats env beats default beats empty.
func TestLookupChain(t *testing.T) {
	ctx := context.Background()

	t.Run("db wins", func(t *testing.T) {
		fs := newFakeSettingStore()
		fs.Set(ctx, KeyArchiveWebPQuality, "50", false)
		t.Setenv(KeyArchiveWebPQuality, "60")
		s := New(fs)
		if got := s.Get(ctx, KeyArchiveWebPQuality); got != "50" {
			t.Errorf("Get() = %q, want db value 50", got)
		}
	})

	t.Run("env beats default", func(t *testing.T) {
		t.Setenv(KeyArchiveWebPQuality, "60")
		s := New(newFakeSettingStore())
		if got := s.Get(ctx, KeyArchiveWebPQuality); got != "60" {
			t.Errorf("Get() = %q, want env value 60", got)
		}
	})

	t.Run("default as last resort", func(t *testing.T) {
		s := New(newFakeSettingStore())
		if got := s.Get(ctx, KeyArchiveWebPQuality); got != "80" {
			t.Errorf("Get() = %q, want default 80", got)
		}
	})

	t.Run("missing everywhere", func(t *testing.T) {
		s := New(newFakeSettingStore())
		v, found := s.Lookup(ctx, "NO_SUCH_KEY")
		if v != "" || found {
			t.Errorf("Lookup() = %q, %v, want empty, false", v, found)
		}
	})
}

// TestCacheTTL verifies reads memoize until the TTL passes and writes
// invalidate immediately.
func TestCacheTTL(t *testing.T) {
	ctx := context.Background()
	fs := newFakeSettingStore()
	fs.Set(ctx, KeyHTTPProxy, "http://p1", false)
	s := New(fs)
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	if got := s.Get(ctx, KeyHTTPProxy); got != "http://p1" {
		t.Fatalf("Get() = %q, want http://p1", got)
	}
	hits := fs.gets

	// A direct store write is invisible while the memo is fresh.
	fs.rows[KeyHTTPProxy] = store.Setting{Key: KeyHTTPProxy, Value: "http://p2"}
	if got := s.Get(ctx, KeyHTTPProxy); got != "http://p1" {
		t.Errorf("Get() within TTL = %q, want cached http://p1", got)
	}
	if fs.gets != hits {
		t.Errorf("store queried %d times within TTL, want %d", fs.gets, hits)
	}

	now = now.Add(cacheTTL + time.Second)
	if got := s.Get(ctx, KeyHTTPProxy); got != "http://p2" {
		t.Errorf("Get() after TTL = %q, want http://p2", got)
	}

	// Writing through the service invalidates without waiting.
	if err := s.Set(ctx, KeyHTTPProxy, "http://p3"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := s.Get(ctx, KeyHTTPProxy); got != "http://p3" {
		t.Errorf("Get() after Set = %q, want http://p3", got)
	}
}

// TestSetMarksSecrets verifies well-known secret keys persist flagged.
func TestSetMarksSecrets(t *testing.T) {
	ctx := context.Background()
	fs := newFakeSettingStore()
	s := New(fs)

	if err := s.Set(ctx, KeyAPIToken, "tok"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !fs.rows[KeyAPIToken].IsSecret {
		t.Error("api token stored unflagged, want is_secret")
	}
	if err := s.Set(ctx, KeyBotSyncCron, "@hourly"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if fs.rows[KeyBotSyncCron].IsSecret {
		t.Error("cron stored flagged secret, want plain")
	}
}

// TestListMasksSecrets verifies enumeration never leaks secret values.
func TestListMasksSecrets(t *testing.T) {
	ctx := context.Background()
	fs := newFakeSettingStore()
	s := New(fs)
	s.Set(ctx, KeyAPIToken, "a-very-long-token-value")
	s.Set(ctx, KeyBotSyncCron, "@hourly")

	entries, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, e := range entries {
		switch e.Key {
		case KeyAPIToken:
			if e.Value == "a-very-long-token-value" {
				t.Error("secret listed in clear")
			}
			if !e.IsSecret {
				t.Error("secret entry unflagged")
			}
		case KeyBotSyncCron:
			if e.Value != "@hourly" {
				t.Errorf("plain value = %q, want @hourly", e.Value)
			}
		}
	}
}

// TestGetBoolAndInt verifies the typed accessors.
func TestGetBoolAndInt(t *testing.T) {
	ctx := context.Background()
	fs := newFakeSettingStore()
	fs.Set(ctx, "B1", "yes", false)
	fs.Set(ctx, "B2", "0", false)
	fs.Set(ctx, "N1", "42", false)
	fs.Set(ctx, "N2", "garbage", false)
	s := New(fs)

	if !s.GetBool(ctx, "B1") {
		t.Error(`GetBool("yes") = false, want true`)
	}
	if s.GetBool(ctx, "B2") {
		t.Error(`GetBool("0") = true, want false`)
	}
	if got := s.GetInt(ctx, "N1", 7); got != 42 {
		t.Errorf("GetInt = %d, want 42", got)
	}
	if got := s.GetInt(ctx, "N2", 7); got != 7 {
		t.Errorf("GetInt on garbage = %d, want fallback 7", got)
	}
	if got := s.GetInt(ctx, "N3", 7); got != 7 {
		t.Errorf("GetInt on missing = %d, want fallback 7", got)
	}
}

// TestMask verifies the masking shape for short and long secrets.
func TestMask(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"short", "****"},
		{"12345678", "****"},
		{"sk-abcdefghijklmnop", "sk-****mnop"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
