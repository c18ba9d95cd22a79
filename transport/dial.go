package transport

import (
	"context"
	"net"
	"sync"

	"go.uber.org/multierr"

	"portrpc/codec"
	"portrpc/loadbalance"
	"portrpc/registry"
)

// Dial connects to addr over TCP as the initiating side.
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, err := NewConn(nc, true, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// Serve accepts connections on ln and hands each one to accept in its own
// goroutine. It returns nil once ctx is done, after closing the listener and
// every connection it accepted.
func Serve(ctx context.Context, ln net.Listener, accept func(*Conn), opts ...Option) error {
	var (
		mu    sync.Mutex
		conns = make(map[*Conn]struct{})
	)
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			var errs error
			for c := range conns {
				errs = multierr.Append(errs, c.Close())
			}
			return errs
		}

		c, err := NewConn(nc, false, opts...)
		if err != nil {
			nc.Close()
			return err
		}
		mu.Lock()
		conns[c] = struct{}{}
		mu.Unlock()
		go func() {
			<-c.Done()
			mu.Lock()
			delete(conns, c)
			mu.Unlock()
		}()
		go accept(c)
	}
}

// Pick discovers service and selects one instance with bal. The instance's
// codec, when advertised, is appended to opts.
func Pick(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, service string, opts []Option) (string, []Option, error) {
	instances, err := reg.Discover(ctx, service)
	if err != nil {
		return "", nil, err
	}
	inst, err := bal.Pick(instances)
	if err != nil {
		return "", nil, err
	}
	opts = append([]Option(nil), opts...)
	if inst.Codec != "" {
		t, err := codec.ParseType(inst.Codec)
		if err != nil {
			return "", nil, err
		}
		opts = append(opts, WithCodec(t))
	}
	return inst.Addr, opts, nil
}

// DialService discovers service in reg, lets bal pick an instance and dials it.
func DialService(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, service string, opts ...Option) (*Conn, error) {
	addr, opts, err := Pick(ctx, reg, bal, service, opts)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, addr, opts...)
}
