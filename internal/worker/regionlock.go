package worker

import "sync"

// RegionLocks serialises work per region across every worker that shares it.
// Entries are dropped once no goroutine holds or waits on them.
type RegionLocks struct {
	mu    sync.Mutex
	locks map[string]*regionLock
}

type regionLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegionLocks creates an empty lock table.
func NewRegionLocks() *RegionLocks {
	return &RegionLocks{locks: make(map[string]*regionLock)}
}

// Lock blocks until region is free and returns the matching unlock func.
func (l *RegionLocks) Lock(region string) func() {
	l.mu.Lock()
	rl, ok := l.locks[region]
	if !ok {
		rl = &regionLock{}
		l.locks[region] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, region)
		}
		l.mu.Unlock()
	}
}

func (l *RegionLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
