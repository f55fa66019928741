package backup

import "sync"

// KeyedQueue serializes operations per key while letting different keys
// proceed independently. Acquire returns once every earlier Acquire for the
// same key has released, in strict FIFO order; the caller must call the
// returned release function exactly once.
//
// The ledger store funnels all metadata updates for one patch identifier
// through a KeyedQueue so that rapid successive file backups can never lose
// an entry to a read-merge-write race.
type KeyedQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewKeyedQueue creates an empty queue.
func NewKeyedQueue() *KeyedQueue {
	return &KeyedQueue{tails: make(map[string]chan struct{})}
}

// Acquire blocks until the key is free and returns the release function.
func (q *KeyedQueue) Acquire(key string) (release func()) {
	done := make(chan struct{})

	q.mu.Lock()
	prev := q.tails[key]
	q.tails[key] = done
	q.mu.Unlock()

	if prev != nil {
		<-prev
	}

	return func() {
		q.mu.Lock()
		// Drop the map entry only if no later waiter has replaced us.
		if q.tails[key] == done {
			delete(q.tails, key)
		}
		q.mu.Unlock()
		close(done)
	}
}
