package concurrency

import "sync"

// KeyedMutex serializes work per int64 key. The dispatcher and the
// reconciler share one instance keyed by account id, so RPC-driven exchange
// calls and background reconciliation never interleave on the same account.
// Mutexes are created lazily and kept for the process lifetime; the key
// space (accounts) is small.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewKeyedMutex creates an empty registry.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[int64]*sync.Mutex)}
}

// Lock acquires the key's mutex and returns its unlock func.
func (k *KeyedMutex) Lock(key int64) func() {
	k.mu.Lock()
	mu, ok := k.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		k.locks[key] = mu
	}
	k.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}
