// Package keylock provides an arena of mutexes keyed by string so that
// independent streams, pairs and billing windows never share a lock.
package keylock

import (
	"strconv"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Arena hands out one mutex per key and frees it once nobody holds or waits on it.
type Arena struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Arena {
	return &Arena{locks: make(map[string]*entry)}
}

// Lock blocks until the key is held and returns the matching unlock func.
func (a *Arena) Lock(key string) func() {
	a.mu.Lock()
	e, ok := a.locks[key]
	if !ok {
		e = &entry{}
		a.locks[key] = e
	}
	e.refs++
	a.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		a.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(a.locks, key)
		}
		a.mu.Unlock()
	}
}

// Len reports how many keys are currently held or awaited.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}

// PairKey orders two ids so (a, b) and (b, a) share a lock. The first id is length
// prefixed, so no choice of ids makes two different pairs collide.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return strconv.Itoa(len(a)) + ":" + a + b
}
