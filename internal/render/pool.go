package render

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Lease after Close
var ErrPoolClosed = errors.New("render pool is closed")

// PoolStats is a snapshot of pool usage
type PoolStats struct {
	Size      int `json:"size"`
	Idle      int `json:"idle"`
	Leased    int `json:"leased"`
	Created   int `json:"created"`
	Discarded int `json:"discarded"`
}

// Pool bounds the number of engines in use system-wide. Engines are created
// lazily and reused; a crashed engine is discarded and its slot is refilled by
// the next lease.
type Pool struct {
	size    int
	factory Factory
	sem     *semaphore.Weighted

	mu        sync.Mutex
	idle      []Engine
	leased    int
	created   int
	discarded int
	closed    bool
}

func NewPool(size int, factory Factory) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		size:    size,
		factory: factory,
		sem:     semaphore.NewWeighted(int64(size)),
	}
}

// Lease blocks until an engine is free or ctx is done
func (p *Pool) Lease(ctx context.Context) (*Lease, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	var engine Engine
	if n := len(p.idle); n > 0 {
		engine = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.leased++
	p.mu.Unlock()

	if engine == nil {
		var err error
		engine, err = p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.leased--
			p.mu.Unlock()
			p.sem.Release(1)
			return nil, fmt.Errorf("failed to create render engine: %w", err)
		}
		p.mu.Lock()
		p.created++
		p.mu.Unlock()
	}

	return &Lease{pool: p, engine: engine}, nil
}

func (p *Pool) put(engine Engine, discard bool) {
	p.mu.Lock()
	p.leased--
	if discard || p.closed {
		if discard {
			p.discarded++
		}
		p.mu.Unlock()
		_ = engine.Close()
	} else {
		p.idle = append(p.idle, engine)
		p.mu.Unlock()
	}
	p.sem.Release(1)
}

// Close closes idle engines. Leased engines are closed when returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, e := range idle {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Size:      p.size,
		Idle:      len(p.idle),
		Leased:    p.leased,
		Created:   p.created,
		Discarded: p.discarded,
	}
}

// Lease is exclusive ownership of one engine. Exactly one of Release or
// Discard takes effect; later calls are no-ops.
type Lease struct {
	pool   *Pool
	engine Engine
	once   sync.Once
}

func (l *Lease) Engine() Engine {
	return l.engine
}

// Release returns the engine to the pool for reuse
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.put(l.engine, false) })
}

// Discard closes the engine instead of returning it
func (l *Lease) Discard() {
	l.once.Do(func() { l.pool.put(l.engine, true) })
}
