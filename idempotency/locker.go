package idempotency

import (
	"strings"
	"sync"
)

// KeyLocker hands out one mutex per key, dropping it once no caller holds or
// waits on it.
type KeyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLockRef
}

type keyLockRef struct {
	mu   sync.Mutex
	refs int
}

func NewKeyLocker() *KeyLocker {
	return &KeyLocker{
		locks: make(map[string]*keyLockRef),
	}
}

// Lock blocks until key is free and returns the matching unlock func.
// An empty key is never locked.
func (l *KeyLocker) Lock(key string) func() {
	if l == nil {
		return func() {}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return func() {}
	}
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*keyLockRef)
	}
	ref, ok := l.locks[key]
	if !ok || ref == nil {
		ref = &keyLockRef{}
		l.locks[key] = ref
	}
	ref.refs++
	l.mu.Unlock()

	ref.mu.Lock()
	return func() {
		ref.mu.Unlock()
		l.mu.Lock()
		ref.refs--
		if ref.refs <= 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Held returns the number of keys currently tracked.
func (l *KeyLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
