package broker

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPoolExhausted is returned when every port in the range is leased.
var ErrPoolExhausted = errors.New("port pool exhausted")

// PortPool leases unique TCP ports from a closed range [start, end].
// One port per session, never double-leased; the registry is the only
// caller, always from within its own guarded operations.
type PortPool struct {
	mu     sync.Mutex
	start  int
	end    int
	leased map[int]bool
}

func NewPortPool(start, end int) *PortPool {
	return &PortPool{start: start, end: end, leased: make(map[int]bool)}
}

// Allocate leases the lowest free port in the range.
func (p *PortPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.start; port <= p.end; port++ {
		if !p.leased[port] {
			p.leased[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: range %d-%d", ErrPoolExhausted, p.start, p.end)
}

// Claim leases a specific port, used when restoring persisted sessions.
func (p *PortPool) Claim(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port < p.start || port > p.end {
		return fmt.Errorf("port %d outside range %d-%d", port, p.start, p.end)
	}
	if p.leased[port] {
		return fmt.Errorf("port %d already leased", port)
	}
	p.leased[port] = true
	return nil
}

// Release returns a port to the pool. Releasing an unleased port is a
// no-op so termination paths can be idempotent.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.leased, port)
}

// Leased reports how many ports are currently out.
func (p *PortPool) Leased() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased)
}
