package relay

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/zulandar/tgrelay/internal/transport"
)

// LiveSession is a connected identity. It exists only in memory.
type LiveSession struct {
	ID          string
	Session     transport.Session
	ConnectedAt time.Time
}

// Pool is the registry of live sessions keyed by identity id.
type Pool struct {
	mu   sync.RWMutex
	live map[string]*LiveSession
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{live: make(map[string]*LiveSession)}
}

// Add registers ls. It returns false, leaving the pool unchanged, when the
// id is already live.
func (p *Pool) Add(ls *LiveSession) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.live[ls.ID]; ok {
		return false
	}
	p.live[ls.ID] = ls
	return true
}

// Remove unregisters id and returns the session that was live.
func (p *Pool) Remove(id string) (*LiveSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ls, ok := p.live[id]
	if ok {
		delete(p.live, id)
	}
	return ls, ok
}

// Get returns the live session for id.
func (p *Pool) Get(id string) (*LiveSession, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ls, ok := p.live[id]
	return ls, ok
}

// Has reports whether id is live.
func (p *Pool) Has(id string) bool {
	_, ok := p.Get(id)
	return ok
}

// IDs returns the live ids in sorted order.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Sorted(maps.Keys(p.live))
}

// Len returns the number of live sessions.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.live)
}

// Drain empties the pool and returns everything that was live.
func (p *Pool) Drain() []*LiveSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*LiveSession, 0, len(p.live))
	for _, id := range slices.Sorted(maps.Keys(p.live)) {
		out = append(out, p.live[id])
	}
	p.live = make(map[string]*LiveSession)
	return out
}
