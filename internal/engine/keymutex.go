package engine

import "sync"

// keyMutex serializes portfolio mutation per (model, symbol, side). Locks
// are created on first use and kept for the process lifetime; the key space
// is bounded by the number of tracked positions.
type keyMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[string]*sync.Mutex)}
}

func (km *keyMutex) lock(modelID, symbol, side string) *sync.Mutex {
	key := modelID + "|" + symbol + "|" + side
	km.mu.Lock()
	m, ok := km.locks[key]
	if !ok {
		m = &sync.Mutex{}
		km.locks[key] = m
	}
	km.mu.Unlock()
	m.Lock()
	return m
}
