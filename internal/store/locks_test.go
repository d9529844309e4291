package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockSession_TryAcquireIsExclusive(t *testing.T) {
	mgr := NewLockManager()
	a := mgr.NewSession()
	b := mgr.NewSession()
	defer a.Close()
	defer b.Close()

	key := StageLockKey("doc-1", "embedding")

	assert.True(t, a.TryAcquire(key))
	assert.False(t, b.TryAcquire(key))

	// Re-acquiring a held key succeeds for the holder
	assert.True(t, a.TryAcquire(key))

	a.Release(key)
	assert.True(t, b.TryAcquire(key))
}

func TestLockSession_CloseReleasesEverything(t *testing.T) {
	mgr := NewLockManager()
	a := mgr.NewSession()

	k1 := StageLockKey("doc-1", "embedding")
	k2 := DocumentLockKey("doc-1")
	assert.True(t, a.TryAcquire(k1))
	assert.True(t, a.TryAcquire(k2))

	// Session end (worker crash path) frees all held keys
	a.Close()
	assert.False(t, mgr.Held(k1))
	assert.False(t, mgr.Held(k2))

	b := mgr.NewSession()
	defer b.Close()
	assert.True(t, b.TryAcquire(k1))
	assert.True(t, b.TryAcquire(k2))

	// A closed session acquires nothing
	assert.False(t, a.TryAcquire(StageLockKey("doc-2", "upload")))
}

func TestLockKeys_StableAndDistinct(t *testing.T) {
	assert.Equal(t, StageLockKey("d", "s"), StageLockKey("d", "s"))
	assert.NotEqual(t, StageLockKey("d", "s"), StageLockKey("d", "s2"))
	assert.NotEqual(t, StageLockKey("d", "s"), DocumentLockKey("d"))
}

func TestLockSession_ReleaseForeignKeyIsNoop(t *testing.T) {
	mgr := NewLockManager()
	a := mgr.NewSession()
	b := mgr.NewSession()
	defer a.Close()
	defer b.Close()

	key := DocumentLockKey("doc-9")
	assert.True(t, a.TryAcquire(key))

	// b never held it; releasing must not free a's lock
	b.Release(key)
	assert.True(t, mgr.Held(key))
}
