// Package port provides the asynchronous, ordered, duplex message channel that
// every portrpc component is built on.
//
// A channel is a pair of entangled ports. Whatever is sent on one port is
// delivered, in send order and one message at a time, to the receive handler
// of the other:
//
//	a, b, _ := port.NewChannel()
//	b.SetReceiveHandler(func(m port.Message) { ... })
//	a.Send([]any{"ping", int64(1)}, nil)
//
// Payloads are cloned on send. Ports themselves may travel inside a payload,
// but only when they are also listed in the transfer list: the sender's handle
// is then detached and the receiver gets a fresh handle to the same channel end.
package port

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrDataClone is returned when a payload holds a value that cannot be
	// cloned, or a port that is missing from (or invalid in) the transfer list.
	ErrDataClone = errors.New("port: data could not be cloned")
	// ErrClosed is returned when sending on a closed channel.
	ErrClosed = errors.New("port: channel closed")
	// ErrDetached is returned when using a handle whose port was transferred.
	ErrDetached = errors.New("port: handle detached by transfer")
)

// Message is one delivery. Ports lists the transferred handles in
// transfer-list order; the same handles appear inside Data.
type Message struct {
	Data  []any
	Ports []*Port
}

// Handler receives the messages of a port, sequentially.
type Handler func(Message)

// Endpoint is the channel contract consumed by the call and dispatch engines.
type Endpoint interface {
	SetReceiveHandler(h Handler)
	Send(data []any, transfer []*Port) error
}

// Factory creates a fresh entangled pair.
type Factory func() (*Port, *Port, error)

// mu guards the state of every endpoint. A transfer touches the sending
// channel and each transferred channel at once, so a single lock keeps the
// bookkeeping simple; handlers never run under it.
var (
	mu     sync.Mutex
	nextID atomic.Uint64
)

type link struct {
	closed bool
}

type endpoint struct {
	id       uint64
	link     *link
	peer     *endpoint
	handle   *Port // live handle, replaced on transfer
	handler  Handler
	queue    []Message
	running  bool
	done     chan struct{}
	finished bool
}

// Port is a handle to one end of a channel.
type Port struct {
	ep *endpoint
}

var _ Endpoint = (*Port)(nil)

// NewChannel creates an entangled pair of ports. It never fails; the error
// return lets it serve as a Factory.
func NewChannel() (*Port, *Port, error) {
	l := &link{}
	a := &endpoint{id: nextID.Add(1), link: l, done: make(chan struct{})}
	b := &endpoint{id: nextID.Add(1), link: l, done: make(chan struct{})}
	a.peer, b.peer = b, a
	pa, pb := &Port{ep: a}, &Port{ep: b}
	a.handle, b.handle = pa, pb
	return pa, pb, nil
}

func (p *Port) String() string {
	if p == nil {
		return "port#nil"
	}
	return fmt.Sprintf("port#%d", p.ep.id)
}

// SetReceiveHandler installs h and starts delivering queued messages to it.
// A nil handler pauses delivery. Calls on a detached handle are ignored.
func (p *Port) SetReceiveHandler(h Handler) {
	mu.Lock()
	defer mu.Unlock()
	if p.ep.handle != p {
		return
	}
	p.ep.handler = h
	p.ep.kick()
}

// Send clones data and queues it for the peer. Every port reachable from data
// must appear in transfer; transferred ports are moved to the peer.
func (p *Port) Send(data []any, transfer []*Port) error {
	mu.Lock()
	defer mu.Unlock()

	ep := p.ep
	if ep.handle != p {
		return ErrDetached
	}
	if ep.link.closed {
		return ErrClosed
	}

	moved := make(map[*Port]*Port, len(transfer))
	for _, t := range transfer {
		switch {
		case t == nil:
			return fmt.Errorf("%w: nil port in transfer list", ErrDataClone)
		case moved[t] != nil:
			return fmt.Errorf("%w: %s listed twice", ErrDataClone, t)
		case t.ep.handle != t:
			return fmt.Errorf("%w: %s was already transferred", ErrDataClone, t)
		case t.ep.link == ep.link:
			return fmt.Errorf("%w: %s cannot be sent through its own channel", ErrDataClone, t)
		}
		moved[t] = &Port{ep: t.ep}
	}

	cloned := make([]any, len(data))
	for i, v := range data {
		c, err := clone(v, moved)
		if err != nil {
			return err
		}
		cloned[i] = c
	}

	ports := make([]*Port, len(transfer))
	for i, t := range transfer {
		n := moved[t]
		t.ep.handle = n
		t.ep.handler = nil
		ports[i] = n
	}

	ep.peer.queue = append(ep.peer.queue, Message{Data: cloned, Ports: ports})
	ep.peer.kick()
	return nil
}

// Close closes the channel for both ends. Messages not yet delivered to this
// end are dropped, along with any ports they carry; messages already queued
// for the peer are still delivered. Closing twice, or through a detached
// handle, does nothing.
func (p *Port) Close() {
	mu.Lock()
	defer mu.Unlock()
	p.closeLocked()
}

func (p *Port) closeLocked() {
	ep := p.ep
	if ep.handle != p || ep.link.closed {
		return
	}
	ep.link.closed = true
	dropped := ep.queue
	ep.queue = nil
	ep.maybeFinish()
	ep.peer.maybeFinish()
	for _, m := range dropped {
		for _, q := range m.Ports {
			q.closeLocked()
		}
	}
}

// Done is closed once the channel is closed and this end has nothing left to
// deliver.
func (p *Port) Done() <-chan struct{} {
	return p.ep.done
}

// Closed reports whether the channel has been closed by either end.
func (p *Port) Closed() bool {
	mu.Lock()
	defer mu.Unlock()
	return p.ep.link.closed
}

// kick starts a drain goroutine when there is something to deliver.
// Called with mu held.
func (ep *endpoint) kick() {
	if ep.handler != nil && !ep.running && len(ep.queue) > 0 {
		ep.running = true
		go ep.drain()
	}
}

// maybeFinish closes done when the channel is closed and drained.
// Called with mu held.
func (ep *endpoint) maybeFinish() {
	if ep.finished || !ep.link.closed || ep.running || len(ep.queue) > 0 {
		return
	}
	ep.finished = true
	close(ep.done)
}

func (ep *endpoint) drain() {
	for {
		mu.Lock()
		if ep.handler == nil || len(ep.queue) == 0 {
			ep.running = false
			ep.maybeFinish()
			mu.Unlock()
			return
		}
		m := ep.queue[0]
		ep.queue[0] = Message{}
		ep.queue = ep.queue[1:]
		h, handle := ep.handler, ep.handle
		mu.Unlock()

		deliver(h, handle, m)
	}
}

func deliver(h Handler, p *Port, m Message) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("receive handler panicked",
				zap.Stringer("port", p),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	h(m)
}
