package lifecycle

import "sync"

// KeyMutex serializes work per alert id. Entries are created on first use
// and kept; alert ids are short-lived and the per-entry cost is one mutex.
type KeyMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyMutex() *KeyMutex {
	return &KeyMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *KeyMutex) Lock(key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
}

func (k *KeyMutex) Unlock(key string) {
	k.mu.Lock()
	m := k.locks[key]
	k.mu.Unlock()
	if m != nil {
		m.Unlock()
	}
}
