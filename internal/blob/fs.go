package blob

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
)

// FSStore is the local filesystem backend. Keys map directly to paths
// under the root directory; single-machine deployments need nothing more.
type FSStore struct {
	root string
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates a filesystem store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pipeerr.Newf(pipeerr.ErrCodeBlobStore, err, "create blob root %s", dir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, pipeerr.Newf(pipeerr.ErrCodeBlobStore, err, "resolve blob root %s", dir)
	}
	return &FSStore{root: abs}, nil
}

func (s *FSStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", pipeerr.Newf(pipeerr.ErrCodeInvalidInput, nil, "invalid blob key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes data atomically: a temp file in the target directory, then
// rename.
func (s *FSStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", pipeerr.Newf(pipeerr.ErrCodeBlobStore, err, "create blob dir for %s", key)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", pipeerr.Newf(pipeerr.ErrCodeBlobStore, err, "stage blob %s", key)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", pipeerr.Newf(pipeerr.ErrCodeBlobStore, err, "write blob %s", key)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", pipeerr.Newf(pipeerr.ErrCodeBlobStore, err, "close blob %s", key)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", pipeerr.Newf(pipeerr.ErrCodeBlobStore, err, "commit blob %s", key)
	}
	return "file://" + path, nil
}

// Get returns the stored bytes for key.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pipeerr.Newf(pipeerr.ErrCodeFileNotFound, err, "blob %s not found", key)
		}
		return nil, pipeerr.Newf(pipeerr.ErrCodeBlobStore, err, "read blob %s", key)
	}
	return data, nil
}

// Delete removes key; absent keys are a no-op.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return pipeerr.Newf(pipeerr.ErrCodeBlobStore, err, "delete blob %s", key)
	}
	return nil
}

// Exists reports whether key is stored.
func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, pipeerr.Newf(pipeerr.ErrCodeBlobStore, err, "stat blob %s", key)
	}
	return true, nil
}

// SignedURL returns a file URL. Local files need no signing; the TTL is
// ignored.
func (s *FSStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", pipeerr.Newf(pipeerr.ErrCodeFileNotFound, err, "blob %s not found", key)
		}
		return "", pipeerr.Newf(pipeerr.ErrCodeBlobStore, err, "stat blob %s", key)
	}
	return "file://" + path, nil
}

// Walk visits every stored key. Used by the consistency check.
func (s *FSStore) Walk(fn func(key string, size int64) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), info.Size())
	})
}
