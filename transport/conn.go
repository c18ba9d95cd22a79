// Package transport carries ports over a byte stream, so a client and a
// server can sit in different processes.
//
// A Conn exposes one root port. Every message sent on it is framed and
// written to the stream; the peer Conn delivers it on its own root port.
// Ports transferred inside a message become numbered sub-channels of the
// same stream, so reply ports and callbacks work across the wire:
//
//	user ──Send──► root ─┐                             ┌─► root ──► server
//	                     ├─ frames (channel id) ──────┤
//	reply port ──► #1 ───┘      single TCP conn        └─► #1 ──► reply port
//
// The dialing side allocates odd channel ids and the accepting side even
// ones, so both may open channels without coordination. Closing either end of
// a bridged channel sends a Close frame; losing the stream closes every
// bridged channel, so no caller waits forever.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"portrpc/codec"
	"portrpc/port"
	"portrpc/protocol"
)

var (
	ErrClosed   = errors.New("transport: connection closed")
	errTooLarge = errors.New("transport: message exceeds the frame size limit")
)

type Config struct {
	Codec codec.Type
	// HeartbeatInterval is how often an empty frame is written; 0 disables.
	HeartbeatInterval time.Duration
	// IdleTimeout fails the connection when nothing arrives for that long;
	// 0 disables. Only honored when the stream supports read deadlines.
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		Codec:             codec.TypeJSON,
		HeartbeatInterval: 30 * time.Second,
		Logger:            zap.NewNop(),
	}
}

type Option func(*Config)

func WithCodec(t codec.Type) Option {
	return func(c *Config) { c.Codec = t }
}

func WithHeartbeat(interval time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = interval }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) { c.IdleTimeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// bridge is the transport's end of one channel. The other end belongs to the
// user (the root port) or travelled inside a message.
type bridge struct {
	id           uint32
	port         *port.Port
	remoteClosed atomic.Bool
}

// Conn multiplexes bridged channels over one stream.
type Conn struct {
	rwc    io.ReadWriteCloser
	cfg    Config
	log    *zap.Logger
	cdc    codec.Codec
	root   *port.Port
	peerID uint32 // parity of the ids the peer allocates

	sending sync.Mutex // one frame at a time on the stream

	mu      sync.Mutex
	bridges map[uint32]*bridge
	nextID  uint32
	closed  bool

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	groupErr error
	failErr  error // guarded by mu
}

// NewConn starts serving rwc. initiator must be true on exactly one side,
// conventionally the dialer.
func NewConn(rwc io.ReadWriteCloser, initiator bool, opts ...Option) (*Conn, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	cdc, err := codec.GetCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	root, inner, err := port.NewChannel()
	if err != nil {
		return nil, err
	}

	c := &Conn{
		rwc:     rwc,
		cfg:     cfg,
		log:     cfg.Logger.Named("transport").With(zap.Bool("initiator", initiator)),
		cdc:     cdc,
		root:    root,
		bridges: make(map[uint32]*bridge),
		nextID:  2,
		peerID:  1,
		done:    make(chan struct{}),
	}
	if initiator {
		c.nextID, c.peerID = 1, 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	c.ctx, c.cancel = ctx, cancel

	c.start(c.open(0, inner))
	g.Go(c.recvLoop)
	if cfg.HeartbeatInterval > 0 {
		g.Go(c.heartbeatLoop)
	}
	g.Go(func() error {
		<-ctx.Done()
		return c.teardown()
	})
	go func() {
		c.groupErr = g.Wait()
		close(c.done)
	}()
	return c, nil
}

// Port is the root port. Whatever is sent on it arrives on the peer's root
// port.
func (c *Conn) Port() *port.Port { return c.root }

func (c *Conn) Codec() codec.Type { return c.cdc.Type() }

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended; nil while it runs or after a clean
// close.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return multierr.Append(c.groupErr, c.failErr)
	default:
		return nil
	}
}

// Close shuts the connection down, closes every bridged channel and waits
// for the background goroutines.
func (c *Conn) Close() error {
	c.cancel()
	<-c.done
	return c.Err()
}

// open registers a bridge. Called with mu held, or before the loops start.
func (c *Conn) open(id uint32, p *port.Port) *bridge {
	b := &bridge{id: id, port: p}
	c.bridges[id] = b
	return b
}

// start begins forwarding what the bridge receives and watching it close.
func (c *Conn) start(b *bridge) {
	b.port.SetReceiveHandler(func(m port.Message) { c.forward(b, m) })
	go c.watch(b)
}

func (c *Conn) allocID() uint32 {
	id := c.nextID
	c.nextID += 2
	return id
}

// forward writes one message received by a bridge. Ports inside it become new
// bridges; they start forwarding only after the frame announcing them is
// written, so the peer never sees traffic for an unknown channel.
func (c *Conn) forward(b *bridge, m port.Message) {
	data, fresh, err := c.lowerPorts(m)
	if err != nil {
		c.log.Debug("dropping outgoing message", zap.Uint32("channel", b.id), zap.Error(err))
		closePorts(m.Ports)
		return
	}
	body, err := c.cdc.Encode(data)
	if err == nil && len(body) > protocol.MaxBodyLen {
		err = errTooLarge
	}
	if err != nil {
		c.log.Error("cannot encode outgoing message", zap.Uint32("channel", b.id), zap.Error(err))
		c.discard(fresh)
		return
	}
	if err := c.write(protocol.MsgTypeData, b.id, body); err != nil {
		c.discard(fresh)
		return
	}
	if ce := c.log.Check(zap.DebugLevel, "forwarded"); ce != nil {
		ce.Write(zap.Uint32("channel", b.id), zap.Int("bytes", len(body)), zap.Int("ports", len(fresh)))
	}
	for _, nb := range fresh {
		c.start(nb)
	}
}

// lowerPorts swaps the ports of m for PortRefs, registering a bridge for
// each. Transferred ports that data does not reference are closed.
func (c *Conn) lowerPorts(m port.Message) ([]any, []*bridge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrClosed
	}

	refs := make(map[*port.Port]*bridge, len(m.Ports))
	var fresh []*bridge
	out, err := walk(m.Data, func(v any) (any, error) {
		p, ok := v.(*port.Port)
		if !ok {
			return v, nil
		}
		nb, ok := refs[p]
		if !ok {
			nb = c.open(c.allocID(), p)
			refs[p] = nb
			fresh = append(fresh, nb)
		}
		return codec.PortRef(nb.id), nil
	})
	if err != nil {
		for _, nb := range fresh {
			delete(c.bridges, nb.id)
		}
		return nil, nil, err
	}
	for _, p := range m.Ports {
		if refs[p] == nil {
			p.Close()
		}
	}
	return out.([]any), fresh, nil
}

// discard drops bridges that were never announced to the peer.
func (c *Conn) discard(fresh []*bridge) {
	c.mu.Lock()
	for _, nb := range fresh {
		delete(c.bridges, nb.id)
	}
	c.mu.Unlock()
	for _, nb := range fresh {
		nb.port.Close()
	}
}

// watch sends a Close frame once the user side of the bridge is gone.
func (c *Conn) watch(b *bridge) {
	<-b.port.Done()
	c.mu.Lock()
	if c.bridges[b.id] == b {
		delete(c.bridges, b.id)
	}
	closed := c.closed
	c.mu.Unlock()
	if closed || b.remoteClosed.Load() {
		return
	}
	if err := c.write(protocol.MsgTypeClose, b.id, nil); err != nil {
		c.log.Debug("close frame not sent", zap.Uint32("channel", b.id), zap.Error(err))
	}
}

func (c *Conn) write(mt protocol.MsgType, channel uint32, body []byte) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	h := &protocol.Header{Codec: c.cdc.Type(), MsgType: mt, Channel: channel}
	if err := protocol.Encode(c.rwc, h, body); err != nil {
		c.fail(fmt.Errorf("transport: write %s frame: %w", mt, err))
		return err
	}
	return nil
}

// fail records the first write error of a live connection and shuts it
// down. Errors caused by the shutdown itself are not recorded.
func (c *Conn) fail(err error) {
	if c.ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	if c.failErr == nil {
		c.log.Warn("connection failed", zap.Error(err))
		c.failErr = err
	}
	c.mu.Unlock()
	c.cancel()
}

// recvLoop is the only reader of the stream; frame boundaries can only be
// parsed sequentially.
func (c *Conn) recvLoop() error {
	defer c.cancel()
	deadline, _ := c.rwc.(interface{ SetReadDeadline(time.Time) error })
	for {
		if deadline != nil && c.cfg.IdleTimeout > 0 {
			if err := deadline.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout)); err != nil {
				return fmt.Errorf("transport: set read deadline: %w", err)
			}
		}
		h, body, err := protocol.Decode(c.rwc)
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("transport: read frame: %w", err)
		}

		switch h.MsgType {
		case protocol.MsgTypeHeartbeat:
		case protocol.MsgTypeClose:
			c.remoteClose(h.Channel)
		case protocol.MsgTypeData:
			if err := c.deliver(h, body); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) remoteClose(id uint32) {
	c.mu.Lock()
	b := c.bridges[id]
	delete(c.bridges, id)
	c.mu.Unlock()
	if b == nil {
		return
	}
	b.remoteClosed.Store(true)
	b.port.Close()
}

// deliver hands one incoming message to its channel, raising its PortRefs
// into fresh local channels.
func (c *Conn) deliver(h *protocol.Header, body []byte) error {
	cdc := c.cdc
	if h.Codec != cdc.Type() {
		var err error
		if cdc, err = codec.GetCodec(h.Codec); err != nil {
			return err
		}
	}
	data, err := cdc.Decode(body)
	if err != nil {
		// the framing is intact, so only this message is lost
		c.log.Error("dropping undecodable message", zap.Uint32("channel", h.Channel), zap.Error(err))
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	b := c.bridges[h.Channel]
	raised, outers, fresh, err := c.raisePorts(data)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	for _, nb := range fresh {
		c.start(nb)
	}

	if b == nil {
		c.log.Debug("data for a closed channel", zap.Uint32("channel", h.Channel))
		closePorts(outers)
		return nil
	}
	if err := b.port.Send(raised, outers); err != nil {
		c.log.Debug("cannot deliver", zap.Uint32("channel", h.Channel), zap.Error(err))
		closePorts(outers)
	}
	return nil
}

// raisePorts swaps PortRefs for the user ends of new channels. Called with mu
// held.
func (c *Conn) raisePorts(data []any) ([]any, []*port.Port, []*bridge, error) {
	outer := make(map[codec.PortRef]*port.Port)
	var (
		outers []*port.Port
		fresh  []*bridge
	)
	out, err := walk(data, func(v any) (any, error) {
		ref, ok := v.(codec.PortRef)
		if !ok {
			return v, nil
		}
		if p, ok := outer[ref]; ok {
			return p, nil
		}
		id := uint32(ref)
		if id == 0 || id%2 != c.peerID {
			return nil, fmt.Errorf("transport: peer announced channel %d it may not allocate", id)
		}
		if _, dup := c.bridges[id]; dup {
			return nil, fmt.Errorf("transport: peer reused channel %d", id)
		}
		p, inner, err := port.NewChannel()
		if err != nil {
			return nil, err
		}
		fresh = append(fresh, c.open(id, inner))
		outer[ref] = p
		outers = append(outers, p)
		return p, nil
	})
	if err != nil {
		for _, nb := range fresh {
			delete(c.bridges, nb.id)
			nb.port.Close()
		}
		return nil, nil, nil, err
	}
	return out.([]any), outers, fresh, nil
}

func (c *Conn) heartbeatLoop() error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-ticker.C:
			// a failed write has already failed the connection
			if err := c.write(protocol.MsgTypeHeartbeat, 0, nil); err != nil {
				return nil
			}
		}
	}
}

// teardown runs once the context ends: every bridged channel is closed and
// the stream released.
func (c *Conn) teardown() error {
	c.mu.Lock()
	c.closed = true
	bridges := c.bridges
	c.bridges = make(map[uint32]*bridge)
	c.mu.Unlock()

	for _, b := range bridges {
		b.remoteClosed.Store(true)
		b.port.Close()
	}
	if err := c.rwc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("transport: close stream: %w", err)
	}
	return nil
}

// walk rebuilds a payload tree, passing every leaf through f.
func walk(v any, f func(any) (any, error)) (any, error) {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			w, err := walk(e, f)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			w, err := walk(e, f)
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	}
	return f(v)
}

func closePorts(ports []*port.Port) {
	for _, p := range ports {
		p.Close()
	}
}
