package blob

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFSStore_PutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	url, err := s.Put(ctx, ImageKey("abc123", "png"), []byte("png-bytes"), "image/png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"))
	assert.Contains(t, url, "images/abc123.png")

	data, err := s.Get(ctx, "images/abc123.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
}

func TestFSStore_GetMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "images/missing.png")
	require.Error(t, err)

	var perr *pipeerr.PipeError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, pipeerr.ErrCodeFileNotFound, perr.Code)
}

func TestFSStore_ExistsAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := DocumentKey("doc-1", "manual.pdf")

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Put(ctx, key, []byte("pdf"), "application/pdf")
	require.NoError(t, err)

	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, key))
	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting again is a no-op
	require.NoError(t, s.Delete(ctx, key))
}

func TestFSStore_OverwriteIsAtomicReplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "documents/doc-1/file.pdf", []byte("v1"), "application/pdf")
	require.NoError(t, err)
	_, err = s.Put(ctx, "documents/doc-1/file.pdf", []byte("v2"), "application/pdf")
	require.NoError(t, err)

	data, err := s.Get(ctx, "documents/doc-1/file.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
}

func TestFSStore_RejectsTraversalKeys(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put(context.Background(), "../escape.txt", []byte("x"), "text/plain")
	assert.Error(t, err)

	_, err = s.Get(context.Background(), "/etc/passwd")
	assert.Error(t, err)
}

func TestFSStore_SignedURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "images/h.png", []byte("x"), "image/png")
	require.NoError(t, err)

	url, err := s.SignedURL(ctx, "images/h.png", time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"))

	_, err = s.SignedURL(ctx, "images/missing.png", time.Hour)
	assert.Error(t, err)
}

func TestFSStore_WalkListsKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "images/a.png", []byte("aa"), "image/png")
	require.NoError(t, err)
	_, err = s.Put(ctx, "documents/doc-1/m.pdf", []byte("bbb"), "application/pdf")
	require.NoError(t, err)

	seen := map[string]int64{}
	require.NoError(t, s.Walk(func(key string, size int64) error {
		seen[key] = size
		return nil
	}))
	assert.Equal(t, map[string]int64{
		"images/a.png":        2,
		"documents/doc-1/m.pdf": 3,
	}, seen)
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "images/deadbeef.png", ImageKey("deadbeef", "png"))
	assert.Equal(t, "documents/doc-9/manual.pdf", DocumentKey("doc-9", "manual.pdf"))
}
