// Package lock provides per-user mutual exclusion, in process and across
// processes.
package lock

import (
	"context"
	"sync"
)

// Local is an in-process keyed mutex. Entries are dropped once no goroutine
// holds or waits for a key.
type Local struct {
	mu   sync.Mutex
	keys map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{keys: make(map[string]*keyLock)}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	k := l.acquireRef(key)
	select {
	case k.ch <- struct{}{}:
		return l.unlocker(key, k), nil
	case <-ctx.Done():
		l.releaseRef(key, k)
		return nil, ctx.Err()
	}
}

// TryLock takes key only if it is free right now.
func (l *Local) TryLock(_ context.Context, key string) (func(), bool, error) {
	k := l.acquireRef(key)
	select {
	case k.ch <- struct{}{}:
		return l.unlocker(key, k), true, nil
	default:
		l.releaseRef(key, k)
		return nil, false, nil
	}
}

func (l *Local) unlocker(key string, k *keyLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-k.ch
			l.releaseRef(key, k)
		})
	}
}

func (l *Local) acquireRef(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	k, ok := l.keys[key]
	if !ok {
		k = &keyLock{ch: make(chan struct{}, 1)}
		l.keys[key] = k
	}
	k.refs++
	return k
}

func (l *Local) releaseRef(key string, k *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(l.keys, key)
	}
}
