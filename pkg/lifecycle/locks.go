package lifecycle

import (
	"sync"

	"github.com/google/uuid"
)

// projectLocks serializes operations per project while letting
// different projects proceed in parallel. Entries are reference
// counted so the map does not grow with dead projects.
type projectLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newProjectLocks() *projectLocks {
	return &projectLocks{locks: make(map[uuid.UUID]*lockEntry)}
}

// acquire blocks until the project's lock is held.
func (p *projectLocks) acquire(id uuid.UUID) {
	p.mu.Lock()
	entry, ok := p.locks[id]
	if !ok {
		entry = &lockEntry{}
		p.locks[id] = entry
	}
	entry.refs++
	p.mu.Unlock()

	entry.mu.Lock()
}

// release unlocks and drops the entry once nobody is waiting.
func (p *projectLocks) release(id uuid.UUID) {
	p.mu.Lock()
	entry := p.locks[id]
	entry.refs--
	if entry.refs == 0 {
		delete(p.locks, id)
	}
	p.mu.Unlock()

	entry.mu.Unlock()
}
