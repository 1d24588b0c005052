package ledger

import (
	"context"
	"sync"
)

// clientLocks serializes allocations per client. Different clients never
// share a lock. Entries are reference counted and removed when idle.
type clientLocks struct {
	mu    sync.Mutex
	locks map[ClientID]*clientLock
}

type clientLock struct {
	sem  chan struct{}
	refs int
}

func newClientLocks() *clientLocks {
	return &clientLocks{locks: make(map[ClientID]*clientLock)}
}

// acquire blocks until the client's lock is held or ctx is done.
// The returned release must be called exactly once.
func (l *clientLocks) acquire(ctx context.Context, id ClientID) (func(), error) {
	l.mu.Lock()
	cl, ok := l.locks[id]
	if !ok {
		cl = &clientLock{sem: make(chan struct{}, 1)}
		l.locks[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	select {
	case cl.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(id, cl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-cl.sem
			l.unref(id, cl)
		})
	}, nil
}

func (l *clientLocks) unref(id ClientID, cl *clientLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl.refs--
	if cl.refs == 0 {
		delete(l.locks, id)
	}
}

// size is the number of clients with a held or awaited lock.
func (l *clientLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
