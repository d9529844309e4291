package store

import (
	"fmt"
	"hash/fnv"
	"sync"
)

// LockKey is a 64-bit advisory lock key derived from a stable string.
type LockKey uint64

// StageLockKey derives the advisory key for one (document, stage) pair.
func StageLockKey(documentID, stage string) LockKey {
	return HashLockKey(fmt.Sprintf("doc:%s:stage:%s", documentID, stage))
}

// DocumentLockKey derives the advisory key for whole-document exclusion.
func DocumentLockKey(documentID string) LockKey {
	return HashLockKey("doc:" + documentID)
}

// HashLockKey hashes an arbitrary string to a lock key with FNV-64a.
func HashLockKey(s string) LockKey {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return LockKey(h.Sum64())
}

// LockManager hands out try-acquire advisory locks keyed by 64-bit
// integers. Locks are session-scoped: closing a session releases everything
// it still holds, so a crashed worker's deferred Close never leaves a key
// stuck. The embedded store keeps the table in process memory; the
// semantics mirror database advisory locks.
type LockManager struct {
	mu   sync.Mutex
	held map[LockKey]*LockSession
}

// NewLockManager returns an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[LockKey]*LockSession)}
}

// NewSession opens a lock session. The caller must Close it.
func (m *LockManager) NewSession() *LockSession {
	return &LockSession{mgr: m, keys: make(map[LockKey]struct{})}
}

// Held reports whether any session currently holds the key.
func (m *LockManager) Held(key LockKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[key]
	return ok
}

// LockSession is one holder's view of the lock table. Not safe for
// concurrent use by multiple goroutines; each worker goroutine opens its own.
type LockSession struct {
	mgr    *LockManager
	mu     sync.Mutex
	keys   map[LockKey]struct{}
	closed bool
}

// TryAcquire attempts to take the key without blocking. Re-acquiring a key
// the session already holds succeeds.
func (s *LockSession) TryAcquire(key LockKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()
	if owner, ok := s.mgr.held[key]; ok {
		return owner == s
	}
	s.mgr.held[key] = s
	s.keys[key] = struct{}{}
	return true
}

// Release drops one key. Releasing a key the session does not hold is a
// no-op.
func (s *LockSession) Release(key LockKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; !ok {
		return
	}
	delete(s.keys, key)
	s.mgr.mu.Lock()
	delete(s.mgr.held, key)
	s.mgr.mu.Unlock()
}

// Close releases every key the session still holds. Idempotent.
func (s *LockSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.mgr.mu.Lock()
	for key := range s.keys {
		delete(s.mgr.held, key)
	}
	s.mgr.mu.Unlock()
	s.keys = nil
}
