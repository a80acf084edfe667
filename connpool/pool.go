package connpool

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPoolExhausted is returned by Acquire when no connection becomes
// available before ctx is done.
var ErrPoolExhausted = errors.New("connpool: pool exhausted")

// Stats is a snapshot of pool occupancy, in the spirit of go-redis's
// internal pool Stats: enough for an operator to tell a starved pool
// from an idle one without exposing internal plumbing.
type Stats struct {
	TotalConns int
	IdleConns  int
	InUseConns int
}

// TargetConnectionPool is a bounded pool of Connections dialing a single
// upstream address. Acquire blocks on an admission semaphore up to the
// pool's capacity; a reused connection is validated (Broken()) before
// being handed back, and transparently replaced if broken.
type TargetConnectionPool struct {
	addr        string
	uri         string
	dialTimeout time.Duration

	sem  chan struct{}
	mu   sync.Mutex
	idle []*Connection

	mu2      sync.Mutex
	inUse    int
	capacity int
}

// NewTargetConnectionPool builds a pool bounded at capacity connections
// to addr. uri is the target's configured URI segment, carried alongside
// the pool so callers can look it up once per selection rather than
// threading it through separately.
func NewTargetConnectionPool(addr, uri string, capacity int, dialTimeout time.Duration) *TargetConnectionPool {
	if capacity <= 0 {
		capacity = 1
	}
	return &TargetConnectionPool{
		addr:        addr,
		uri:         uri,
		dialTimeout: dialTimeout,
		sem:         make(chan struct{}, capacity),
		capacity:    capacity,
	}
}

// Addr returns the pool's dial target.
func (p *TargetConnectionPool) Addr() string { return p.addr }

// URI returns the target's configured URI segment.
func (p *TargetConnectionPool) URI() string { return p.uri }

// Acquire reserves a pool slot and returns a connection, dialing lazily
// if none is idle. It blocks until a slot is free or ctx is done.
func (p *TargetConnectionPool) Acquire(ctx context.Context) (*Connection, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ErrPoolExhausted
	}

	p.mu2.Lock()
	p.inUse++
	p.mu2.Unlock()

	p.mu.Lock()
	var conn *Connection
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if !c.Broken() {
			conn = c
			break
		}
		c.Close()
	}
	p.mu.Unlock()

	if conn == nil {
		conn = newConnection(p.addr, p.dialTimeout)
	}
	return conn, nil
}

// Release returns a connection to the pool. A broken connection is
// discarded (and its socket closed) rather than returned to the idle
// list, freeing its slot for a fresh dial on the next Acquire.
func (p *TargetConnectionPool) Release(c *Connection) {
	p.mu2.Lock()
	p.inUse--
	p.mu2.Unlock()

	if c.Broken() {
		c.Close()
	} else {
		p.mu.Lock()
		p.idle = append(p.idle, c)
		p.mu.Unlock()
	}
	<-p.sem
}

// Stats returns a snapshot of current pool occupancy.
func (p *TargetConnectionPool) Stats() Stats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()

	p.mu2.Lock()
	inUse := p.inUse
	p.mu2.Unlock()

	return Stats{TotalConns: idle + inUse, IdleConns: idle, InUseConns: inUse}
}

// Close closes every idle connection in the pool.
func (p *TargetConnectionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		c.Close()
	}
	p.idle = nil
}

// CreateHealthCheckPool clones this pool's dial target into an
// independent max-size-1 pool, isolating health-probe traffic from the
// data plane's capacity.
func (p *TargetConnectionPool) CreateHealthCheckPool() *TargetConnectionPool {
	return NewTargetConnectionPool(p.addr, p.uri, 1, p.dialTimeout)
}
