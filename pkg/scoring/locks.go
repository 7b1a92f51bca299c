package scoring

import "sync"

// entityLocks hands out one mutex per entity ID and drops it when unused.
type entityLocks struct {
	mu sync.Mutex
	m  map[string]*entityLock
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

func (l *entityLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*entityLock)
	}
	e, ok := l.m[id]
	if !ok {
		e = &entityLock{}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()

		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
