package dispatch

import "sync"

// keyedMutex serializes work per resource id. Entries are never removed,
// the number of resources is small and fixed.
type keyedMutex struct {
	locks map[string]*sync.Mutex
	lock  sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.lock.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.lock.Unlock()

	m.Lock()
	return m.Unlock
}
