package table

import "sync"

// keyLocks hands out one mutex per key, dropping it once nobody holds it.
type keyLocks struct {
	mu    sync.Mutex
	locks map[uint64]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (l *keyLocks) lock(key uint64) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[uint64]*keyLock)
	}
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// held returns the number of keys with a live lock entry (for testing).
func (l *keyLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
