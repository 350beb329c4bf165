package archive

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vaultstream/vaultstream/internal/blob"
)

// fakeStore is an in-memory blob.Store counting writes.
type fakeStore struct {
	blobs map[string][]byte
	puts  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{blobs: map[string][]byte{}}
}

func (f *fakeStore) Put(ctx context.Context, data []byte, contentType string) (*blob.PutResult, error) {
	key, digest := blob.Key(data, contentType)
	f.blobs[key] = data
	f.puts++
	return &blob.PutResult{Key: key, SHA256: digest, Size: int64(len(data))}, nil
}

func (f *fakeStore) Get(ctx context.Context, key string) ([]byte, error) {
	return f.blobs[key], nil
}

func (f *fakeStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := f.blobs[key]
	return ok, nil
}

func (f *fakeStore) URL(key string) string { return "/media/" + key }

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for x := 0; x < 8; x++ {
		for y := 0; y < 6; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 40), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// TestImagesDedup verifies re-archiving identical bytes skips the second
// write and still reports the full metadata, digest included.
func TestImagesDedup(t *testing.T) {
	pic := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pic)
	}))
	defer srv.Close()

	fs := newFakeStore()
	a := New(fs, srv.Client(), Options{})
	ctx := context.Background()

	first, err := a.Images(ctx, []string{srv.URL + "/a.png"})
	if err != nil {
		t.Fatalf("first archive: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("stored %d images, want 1", len(first))
	}
	if first[0].SHA256 == "" {
		t.Fatal("first store has empty sha256")
	}
	if first[0].Width != 8 || first[0].Height != 6 {
		t.Errorf("dimensions = %dx%d, want 8x6", first[0].Width, first[0].Height)
	}

	second, err := a.Images(ctx, []string{srv.URL + "/b.png"})
	if err != nil {
		t.Fatalf("second archive: %v", err)
	}
	if fs.puts != 1 {
		t.Errorf("store written %d times, want the duplicate skipped", fs.puts)
	}
	if second[0].SHA256 != first[0].SHA256 {
		t.Errorf("dedup sha256 = %q, want %q", second[0].SHA256, first[0].SHA256)
	}
	if second[0].Key != first[0].Key || second[0].Size != first[0].Size {
		t.Errorf("dedup metadata = %+v, want matching %+v", second[0], first[0])
	}
}
