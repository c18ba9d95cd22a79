package transport

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"

	"portrpc/loadbalance"
	"portrpc/registry"
)

var errPoolClosed = errors.New("transport: pool closed")

// Pool shares one live Conn per address. A Conn multiplexes any number of
// channels, so callers never need exclusive use of one; a Conn that has shut
// down is replaced on the next Get.
type Pool struct {
	opts []Option
	dial func(ctx context.Context, addr string, opts ...Option) (*Conn, error)

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
}

// NewPool creates an empty pool. opts apply to every connection it dials.
func NewPool(opts ...Option) *Pool {
	return &Pool{
		opts:  opts,
		dial:  Dial,
		conns: make(map[string]*Conn),
	}
}

// Get returns the live connection to addr, dialing one when there is none.
// opts are appended to the pool's when a new connection is dialed.
func (p *Pool) Get(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errPoolClosed
	}
	if c, ok := p.conns[addr]; ok {
		select {
		case <-c.Done():
		default:
			return c, nil
		}
	}

	c, err := p.dial(ctx, addr, append(append([]Option(nil), p.opts...), opts...)...)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = c
	return c, nil
}

// Service picks an instance of service and returns the pooled connection to it.
func (p *Pool) Service(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, service string) (*Conn, error) {
	addr, opts, err := Pick(ctx, reg, bal, service, nil)
	if err != nil {
		return nil, err
	}
	return p.Get(ctx, addr, opts...)
}

// Close shuts the pool and all its connections down.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var err error
	for addr, c := range p.conns {
		err = multierr.Append(err, c.Close())
		delete(p.conns, addr)
	}
	return err
}
