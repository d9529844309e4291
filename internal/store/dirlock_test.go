package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
)

func TestDirLock_AcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	l := NewDirLock(dir)

	require.NoError(t, l.TryAcquire())
	assert.True(t, l.Held())

	require.NoError(t, l.Release())
	assert.False(t, l.Held())

	// Releasing twice is a no-op.
	require.NoError(t, l.Release())
}

func TestDirLock_SecondWorkerIsRejected(t *testing.T) {
	dir := t.TempDir()

	first := NewDirLock(dir)
	require.NoError(t, first.TryAcquire())
	t.Cleanup(func() { _ = first.Release() })

	second := NewDirLock(dir)
	err := second.TryAcquire()
	require.Error(t, err)
	var pe *pipeerr.PipeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, pipeerr.ErrCodeAlreadyInProgress, pe.Code)
	assert.False(t, second.Held())
}

func TestDirLock_ReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()

	first := NewDirLock(dir)
	require.NoError(t, first.TryAcquire())
	require.NoError(t, first.Release())

	second := NewDirLock(dir)
	require.NoError(t, second.TryAcquire())
	t.Cleanup(func() { _ = second.Release() })
	assert.True(t, second.Held())
}

func TestDirLock_CreatesMissingDirectory(t *testing.T) {
	dir := t.TempDir() + "/nested/data"
	l := NewDirLock(dir)

	require.NoError(t, l.TryAcquire())
	t.Cleanup(func() { _ = l.Release() })
	assert.FileExists(t, l.Path())
}
