// Package blob is the content-addressed media store. Keys are derived from
// the SHA-256 of the bytes, sharded two levels deep, so writes are
// idempotent: putting the same bytes twice yields the same key.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/vaultstream/vaultstream/internal/apperr"
)

// PutResult describes a stored blob.
type PutResult struct {
	Key    string `json:"key"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Store is the storage contract. Callers must not assume a fresh key per
// write; identical bytes map to one key.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (*PutResult, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	URL(key string) string
}

// Key computes the content-addressed key for data: two-level sharding on
// the first four hex characters of the digest.
func Key(data []byte, contentType string) (key, digest string) {
	sum := sha256.Sum256(data)
	digest = hex.EncodeToString(sum[:])
	ext := extFromMIME(contentType)
	return path.Join("blobs", "sha256", digest[:2], digest[2:4], digest+ext), digest
}

func extFromMIME(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])) {
	case "image/webp":
		return ".webp"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "audio/mpeg":
		return ".mp3"
	case "application/json":
		return ".json"
	default:
		return ".bin"
	}
}

// LocalStore keeps blobs under a filesystem root (data/media by default)
// and serves URLs by joining a configured public base.
type LocalStore struct {
	root    string
	baseURL string
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root, baseURL string) (*LocalStore, error) {
	if root == "" {
		return nil, apperr.New(apperr.KindFatal, "storage local root not configured")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, err, "create storage root")
	}
	return &LocalStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *LocalStore) pathFor(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", apperr.New(apperr.KindValidation, "invalid blob key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *LocalStore) Put(ctx context.Context, data []byte, contentType string) (*PutResult, error) {
	key, digest := Key(data, contentType)
	p, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	res := &PutResult{Key: key, SHA256: digest, Size: int64(len(data))}

	if _, err := os.Stat(p); err == nil {
		return res, nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, err, "create blob shard dir")
	}
	// Write-then-rename so a crashed write never leaves a partial blob
	// under its final key.
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, err, "create blob temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, apperr.Wrap(apperr.KindTransient, err, "write blob")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, apperr.Wrap(apperr.KindTransient, err, "close blob")
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return nil, apperr.Wrap(apperr.KindTransient, err, "finalize blob")
	}
	return res, nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, apperr.New(apperr.KindNotFound, "blob %s not found", key)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, err, "open blob")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, err, "read blob")
	}
	return data, nil
}

// Exists stats the file; it never reads the body.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.KindTransient, err, "stat blob")
	}
	return true, nil
}

func (s *LocalStore) URL(key string) string {
	if s.baseURL == "" {
		return "/media/" + key
	}
	return s.baseURL + "/" + key
}

var _ Store = (*LocalStore)(nil)

// Root exposes the filesystem root for the doctor checks.
func (s *LocalStore) Root() string { return s.root }
