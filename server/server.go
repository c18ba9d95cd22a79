// Package server implements the dispatch engine: it serves the exported
// methods of an implementation value over one channel endpoint.
//
// Request processing pipeline:
//
//	port delivery (one message at a time)
//	  → handshake / release answered inline
//	  → ParseRequest → one goroutine per request
//	  → Middleware Chain → dispatch (borrow, decode args, reflect.Call)
//	  → reply on the request's reply port
//	  → asynchronous procedures: tail completes in the same goroutine
//
// The implementation is borrowed for the synchronous part of each call only,
// one section at a time. An asynchronous procedure returns a
// channel and releases the implementation immediately; its result is posted
// when the channel yields. A section blocked on an outgoing call made with
// its context turns requests arriving meanwhile away with
// rpcerr.ErrClientUnavailable, since serving them could deadlock.
package server

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"portrpc/message"
	"portrpc/middleware"
	"portrpc/port"
	"portrpc/rpcerr"
)

// Config holds the server settings.
type Config struct {
	Logger *zap.Logger
	// Naming maps a method name to its procedure name.
	Naming      func(string) string
	Middlewares []middleware.Middleware
	// Release makes the server shut down and close its endpoint when a
	// release message arrives or the endpoint's channel closes.
	Release bool
	// ErrorReplies reports returned errors as CallbackFailed error replies
	// rather than Err results.
	ErrorReplies bool

	procedures []namedFunc
}

type namedFunc struct {
	name string
	fn   any
}

func DefaultConfig() Config {
	return Config{
		Logger: zap.NewNop(),
		Naming: LowerFirst,
	}
}

type Option func(*Config)

func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func WithNaming(f func(string) string) Option {
	return func(c *Config) { c.Naming = f }
}

// WithMiddleware appends middlewares; they are applied in the order given.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Config) { c.Middlewares = append(c.Middlewares, mws...) }
}

// WithProcedure serves fn under name alongside the implementation's methods.
func WithProcedure(name string, fn any) Option {
	return func(c *Config) { c.procedures = append(c.procedures, namedFunc{name, fn}) }
}

func WithRelease() Option {
	return func(c *Config) { c.Release = true }
}

func WithErrorReplies() Option {
	return func(c *Config) { c.ErrorReplies = true }
}

// Server is the dispatch engine bound to one endpoint.
type Server struct {
	ep      port.Endpoint
	cfg     Config
	log     *zap.Logger
	procs   map[string]*Procedure // immutable after New
	handler middleware.HandlerFunc

	borrow   borrow
	wg       sync.WaitGroup // requests in progress
	ctx      context.Context
	cancel   context.CancelFunc
	shutdown atomic.Bool
}

// New builds the dispatch table from impl's exported methods (impl may be nil
// when only WithProcedure is used) and starts serving ep.
func New(ep port.Endpoint, impl any, opts ...Option) (*Server, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	procs := make(map[string]*Procedure)
	if impl != nil {
		var err error
		procs, err = methodProcedures(reflect.ValueOf(impl), cfg.Naming)
		if err != nil {
			return nil, err
		}
	}
	for _, nf := range cfg.procedures {
		p, err := NewProcedure(nf.name, reflect.ValueOf(nf.fn))
		if err != nil {
			return nil, err
		}
		if _, dup := procs[nf.name]; dup {
			return nil, fmt.Errorf("rpc: duplicate procedure name %q", nf.name)
		}
		procs[nf.name] = p
	}

	s := &Server{
		ep:    ep,
		cfg:   cfg,
		log:   cfg.Logger.Named("server"),
		procs: procs,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.handler = middleware.Chain(cfg.Middlewares...)(s.dispatch)

	ep.SetReceiveHandler(s.receive)
	if cfg.Release {
		if d, ok := ep.(interface{ Done() <-chan struct{} }); ok {
			go s.watch(d.Done())
		}
	}
	return s, nil
}

// Procedures lists the served procedure names, sorted.
func (s *Server) Procedures() []string {
	names := make([]string, 0, len(s.procs))
	for name := range s.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) receive(m port.Message) {
	if s.shutdown.Load() {
		closePorts(m.Ports)
		return
	}
	if len(m.Data) == 1 {
		switch m.Data[0] {
		case message.Handshake:
			s.log.Debug("answering handshake")
			if err := s.ep.Send([]any{message.Handshake}, nil); err != nil {
				s.log.Error("failed to answer handshake", zap.Error(err))
			}
			return
		case message.Release:
			if s.cfg.Release {
				s.log.Debug("released")
				s.release()
				return
			}
		}
	}

	req, err := message.ParseRequest(m)
	if err != nil {
		s.log.Error("dropping malformed message", zap.Error(err))
		closePorts(m.Ports)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		resp := s.handler(s.ctx, req)
		if resp.Tail != nil {
			resp = resp.Tail(s.ctx)
		}
		s.reply(req, resp)
	}()
}

// dispatch is the innermost handler of the middleware chain.
func (s *Server) dispatch(ctx context.Context, req *message.Request) *message.Response {
	proc, ok := s.procs[req.Name]
	if !ok {
		return &message.Response{Err: rpcerr.UnknownProcedure(req.Name)}
	}

	section, err := s.borrow.acquire()
	if err != nil {
		s.log.Error("implementation is busy", zap.String("procedure", req.Name))
		return &message.Response{Err: err}
	}
	ctx = message.WithSuspend(ctx, func() func() { return s.borrow.suspend(section) })
	in, err := proc.decodeArgs(ctx, req.Args)
	if err != nil {
		s.borrow.release()
		return &message.Response{Err: err}
	}
	req.Claim()
	out, err := proc.call(in)
	s.borrow.release()
	if err != nil {
		s.log.Error("procedure failed", zap.String("procedure", req.Name), zap.Error(err))
		return &message.Response{Err: err}
	}
	return proc.respond(out, s.cfg.ErrorReplies)
}

func (s *Server) reply(req *message.Request, resp *message.Response) {
	defer req.Reply.Close()
	req.DiscardArgs()

	var err error
	if resp.Err != nil {
		err = message.ReplyError(req.Reply, resp.Err)
	} else {
		err = message.Reply(req.Reply, resp.Value, resp.Transfer)
	}
	if err != nil {
		s.log.Error("failed to post reply", zap.String("procedure", req.Name), zap.Error(err))
	}
}

func (s *Server) watch(done <-chan struct{}) {
	select {
	case <-done:
		s.log.Debug("endpoint closed")
		s.release()
	case <-s.ctx.Done():
	}
}

// release stops the server without waiting for tails and closes its endpoint.
func (s *Server) release() {
	if s.shutdown.Swap(true) {
		return
	}
	s.ep.SetReceiveHandler(nil)
	s.cancel()
	if c, ok := s.ep.(interface{ Close() }); ok {
		c.Close()
	}
}

// Shutdown stops receiving, cancels running asynchronous procedures and waits
// for the replies of requests in progress, up to timeout. The endpoint is left open.
func (s *Server) Shutdown(timeout time.Duration) error {
	if !s.shutdown.Swap(true) {
		s.ep.SetReceiveHandler(nil)
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}

// Done is closed once the server has shut down.
func (s *Server) Done() <-chan struct{} { return s.ctx.Done() }

func closePorts(ports []*port.Port) {
	for _, q := range ports {
		q.Close()
	}
}
