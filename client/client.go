// Package client implements the call engine: it turns typed calls into
// envelopes, posts them on a channel endpoint, and resolves each call with the
// single reply that arrives on its private reply channel.
//
// A client starts by sending a handshake and holds every call until the
// server's handshake arrives, so either side may start first:
//
//	c, _ := client.New(ep)
//	sum, err := client.Call[int](ctx, c, "add", 2, 3)
//
// Calls are correlated only through their reply channels. Any number of calls
// may be in flight, and replies may arrive in any order.
package client

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"portrpc/message"
	"portrpc/port"
	"portrpc/rpcerr"
)

// Config holds the client settings.
type Config struct {
	// ChannelFactory creates the reply channel of each call.
	ChannelFactory port.Factory
	// HandshakeRetry re-sends the handshake at this interval until the
	// server answers. Zero sends it once.
	HandshakeRetry time.Duration
	Logger         *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		ChannelFactory: port.NewChannel,
		Logger:         zap.NewNop(),
	}
}

type Option func(*Config)

func WithChannelFactory(f port.Factory) Option {
	return func(c *Config) { c.ChannelFactory = f }
}

func WithHandshakeRetry(d time.Duration) Option {
	return func(c *Config) { c.HandshakeRetry = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// Client is the call engine bound to one endpoint. The endpoint is borrowed:
// the client installs its receive handler but never closes it.
type Client struct {
	ep  port.Endpoint
	cfg Config
	log *zap.Logger

	mu      sync.Mutex // guards the fields below; never held across user code
	ready   bool
	closed  bool
	waiters list.List // of chan struct{}
	stop    chan struct{}
}

// New binds a client to ep and sends the handshake.
func New(ep port.Endpoint, opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	c := &Client{
		ep:   ep,
		cfg:  cfg,
		log:  cfg.Logger.Named("client"),
		stop: make(chan struct{}),
	}
	ep.SetReceiveHandler(c.receive)

	c.log.Debug("sending handshake")
	if err := ep.Send([]any{message.Handshake}, nil); err != nil {
		ep.SetReceiveHandler(nil)
		return nil, rpcerr.PostFailed(err)
	}
	if cfg.HandshakeRetry > 0 {
		go c.retryHandshake(cfg.HandshakeRetry)
	}
	return c, nil
}

func (c *Client) receive(m port.Message) {
	if len(m.Data) == 1 && m.Data[0] == message.Handshake {
		c.log.Debug("received handshake")
		c.markReady()
		return
	}
	c.log.Warn("dropping unsolicited message", zap.Int("fields", len(m.Data)))
	closePorts(m.Ports)
}

func (c *Client) markReady() {
	c.mu.Lock()
	if c.ready || c.closed {
		c.mu.Unlock()
		return
	}
	c.ready = true
	woken := c.takeWaiters()
	c.mu.Unlock()

	for _, w := range woken {
		close(w)
	}
}

// takeWaiters empties the waiter queue in FIFO order. Called with mu held.
func (c *Client) takeWaiters() []chan struct{} {
	woken := make([]chan struct{}, 0, c.waiters.Len())
	for e := c.waiters.Front(); e != nil; e = c.waiters.Front() {
		woken = append(woken, c.waiters.Remove(e).(chan struct{}))
	}
	return woken
}

func (c *Client) retryHandshake(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		if c.Ready() {
			return
		}
		if err := c.ep.Send([]any{message.Handshake}, nil); err != nil {
			c.log.Warn("handshake retry failed", zap.Error(err))
			return
		}
	}
}

// Ready reports whether the server's handshake has arrived.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// WaitReady blocks until the client is ready, ctx is done, or the client is
// closed.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return rpcerr.ErrClientUnavailable
	}
	if c.ready {
		c.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	el := c.waiters.PushBack(w)
	c.mu.Unlock()

	select {
	case <-w:
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return rpcerr.ErrClientUnavailable
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		// Remove is a no-op if the waiter was woken meanwhile.
		c.waiters.Remove(el)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Invoke waits for readiness and performs one round trip of env. The
// envelope is consumed in every case.
func (c *Client) Invoke(ctx context.Context, env *message.Envelope) (any, error) {
	if err := c.WaitReady(ctx); err != nil {
		env.Discard()
		return nil, err
	}
	return Roundtrip(ctx, c.cfg.ChannelFactory, env, c.ep.Send)
}

// Close detaches the client from its endpoint. Waiting and future calls fail
// with rpcerr.ErrClientUnavailable; calls already sent still get their reply.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	woken := c.takeWaiters()
	c.mu.Unlock()

	c.ep.SetReceiveHandler(nil)
	for _, w := range woken {
		close(w)
	}
	return nil
}
