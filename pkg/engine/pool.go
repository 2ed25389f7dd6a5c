package engine

import (
	"fmt"
	"sync"
)

// PoolToken is an exclusive-use handle for one backend endpoint.
type PoolToken struct {
	// ID is the index of the token within its pool.
	ID int `json:"id"`

	// Port is the backend port this token grants access to.
	Port int `json:"port"`

	pool *ResourcePool
}

// ResourcePool hands out a fixed set of exclusive tokens.
// Outstanding tokens never exceed the pool size.
type ResourcePool struct {
	// mu guards free and held.
	mu sync.Mutex

	// tokens is the full inventory, fixed at construction.
	tokens []*PoolToken

	// free is a LIFO stack of available token indexes.
	free []int

	// held marks token indexes currently handed out.
	held map[int]bool

	// metrics receives the in-use gauge.
	metrics MetricsRecorder
}

// NewResourcePool creates a pool with one token per port.
func NewResourcePool(ports []int) *ResourcePool {
	p := &ResourcePool{
		tokens:  make([]*PoolToken, len(ports)),
		free:    make([]int, 0, len(ports)),
		held:    make(map[int]bool, len(ports)),
		metrics: nopMetrics{},
	}
	for i, port := range ports {
		p.tokens[i] = &PoolToken{ID: i, Port: port, pool: p}
	}
	// Push in reverse so the first port is handed out first.
	for i := len(ports) - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p
}

// SetMetrics attaches a metrics recorder to the pool.
func (p *ResourcePool) SetMetrics(m MetricsRecorder) {
	if m == nil {
		m = nopMetrics{}
	}
	p.mu.Lock()
	p.metrics = m
	p.mu.Unlock()
}

// Acquire takes a token without blocking. It returns false when the pool is exhausted.
func (p *ResourcePool) Acquire() (*PoolToken, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.held[idx] = true
	p.metrics.SetPoolInUse(len(p.held))
	return p.tokens[idx], true
}

// Release returns a token to the pool. Releasing a token that is not held,
// or that belongs to another pool, is rejected.
func (p *ResourcePool) Release(tok *PoolToken) error {
	if tok == nil || tok.pool != p {
		return NewConflictError("token does not belong to this pool", nil).WithCode(ErrCodeTokenNotHeld)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.held[tok.ID] {
		return NewConflictError(fmt.Sprintf("token %d (port %d) is not held", tok.ID, tok.Port), nil).
			WithCode(ErrCodeTokenNotHeld)
	}
	delete(p.held, tok.ID)
	p.free = append(p.free, tok.ID)
	p.metrics.SetPoolInUse(len(p.held))
	return nil
}

// Size returns the total number of tokens.
func (p *ResourcePool) Size() int {
	return len(p.tokens)
}

// Available returns the number of tokens that can be acquired right now.
func (p *ResourcePool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// InUse returns the number of outstanding tokens.
func (p *ResourcePool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}

// Ports returns the ports managed by the pool.
func (p *ResourcePool) Ports() []int {
	ports := make([]int, len(p.tokens))
	for i, t := range p.tokens {
		ports[i] = t.Port
	}
	return ports
}
