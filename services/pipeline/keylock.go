package pipeline

import (
	"sync"

	"github.com/google/uuid"
)

type refMutex struct {
	mu   sync.Mutex
	refs int
}

// keyLock is a mutex per tenant. Entries live only while someone holds or waits
// on them, so idle tenants cost nothing.
type keyLock struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*refMutex
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[uuid.UUID]*refMutex)}
}

// Lock blocks until id's mutex is held and returns its release function
func (k *keyLock) Lock(id uuid.UUID) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
