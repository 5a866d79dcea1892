package engine

import "sync"

// queueLocks hands out one mutex per queue id and forgets it once nobody
// holds or waits on it.
type queueLocks struct {
	mu    sync.Mutex
	locks map[string]*queueLock
}

type queueLock struct {
	mu   sync.Mutex
	refs int
}

func newQueueLocks() *queueLocks {
	return &queueLocks{locks: make(map[string]*queueLock)}
}

func (l *queueLocks) lock(queueID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[queueID]
	if !ok {
		entry = &queueLock{}
		l.locks[queueID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, queueID)
		}
		l.mu.Unlock()
	}
}

func (l *queueLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
