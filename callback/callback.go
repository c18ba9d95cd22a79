// Package callback lets function values cross a channel and be called
// repeatedly from the other side.
//
// On the owning side a Func wraps a local Go function. Marshalling it opens a
// fresh conduit, serves the function on one end and sends the other end in
// its place. The receiving side gets a Func backed by a proxy client on that
// conduit:
//
//	onProgress := callback.MustNew[string](func(pct int) string { ... })
//	client.Call[int](ctx, c, "download", url, onProgress)
//
//	// server side
//	func (s *Svc) Download(url string, onProgress callback.Func[string]) int {
//		defer onProgress.Release()
//		onProgress.Call(ctx, 50)
//		...
//	}
//
// A received Func sends exactly one release message to its owner, when its
// reference count drops to zero or when the runtime collects it, whichever
// comes first. The owner then tears its conduit down.
package callback

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"portrpc/client"
	"portrpc/marshal"
	"portrpc/message"
	"portrpc/port"
	"portrpc/rpcerr"
	"portrpc/server"
)

// MaxArity bounds the number of arguments of a callback.
const MaxArity = 7

var (
	errNoHandler = errors.New("callback has neither a local nor a remote handler")
	errReleased  = errors.New("callback was released")
)

// Func is a callable value producing an R. The zero Func has no handler and
// fails every call.
type Func[R any] struct {
	local  *owner
	remote *proxyClient
}

// owner holds a validated local function.
type owner struct {
	fn   any
	proc *server.Procedure
}

// New wraps fn, a function taking 1..MaxArity arguments after an optional
// leading context.Context and returning nothing, T, error, (T, error) or
// <-chan T, with T assignable to R.
func New[R any](fn any) (Func[R], error) {
	proc, err := server.NewProcedure(message.Invoke, reflect.ValueOf(fn))
	if err != nil {
		return Func[R]{}, err
	}
	if n := proc.NumArgs(); n < 1 || n > MaxArity {
		return Func[R]{}, fmt.Errorf("callback: %d arguments, want 1 to %d", n, MaxArity)
	}
	rt := reflect.TypeFor[R]()
	if res := proc.Result(); res != nil && !res.AssignableTo(rt) {
		return Func[R]{}, fmt.Errorf("callback: result %s is not assignable to %s", res, rt)
	}
	if err := marshal.Check(rt); err != nil {
		return Func[R]{}, err
	}
	return Func[R]{local: &owner{fn: fn, proc: proc}}, nil
}

// MustNew is New that panics on error.
func MustNew[R any](fn any) Func[R] {
	f, err := New[R](fn)
	if err != nil {
		panic(err)
	}
	return f
}

// IsRemote reports whether f calls across a channel.
func (f Func[R]) IsRemote() bool { return f.remote != nil }

// Call invokes the function with args. Remote failures to reach the owner,
// a released proxy, a zero Func and errors returned by the function all
// surface as rpcerr.ErrCallbackFailed.
func (f Func[R]) Call(ctx context.Context, args ...any) (R, error) {
	var zero R
	var (
		p   any
		err error
	)
	switch {
	case f.local != nil:
		p, err = f.local.call(ctx, args)
	case f.remote != nil:
		p, err = f.remote.call(ctx, args)
	default:
		err = rpcerr.CallbackFailed(errNoHandler)
	}
	if err != nil {
		return zero, err
	}
	v, err := marshal.FromPayload[R](p)
	if err != nil {
		for _, q := range marshal.Ports(p) {
			q.Close()
		}
		return zero, err
	}
	return v, nil
}

// Retain adds a reference to a received Func.
func (f Func[R]) Retain() {
	if f.remote != nil {
		f.remote.refs.Add(1)
	}
}

// Release drops a reference to a received Func; the last one releases the
// owner's conduit. Local Funcs need no release.
func (f Func[R]) Release() {
	if f.remote != nil && f.remote.refs.Add(-1) == 0 {
		f.remote.rel.release()
	}
}

func (f Func[R]) MarshalPayload() (any, error) {
	switch {
	case f.local != nil:
		return f.local.serve()
	case f.remote != nil:
		return nil, errors.New("a received callback cannot be forwarded")
	default:
		return nil, errNoHandler
	}
}

func (f *Func[R]) UnmarshalPayload(p any) error {
	q, ok := p.(*port.Port)
	if !ok || q == nil {
		return fmt.Errorf("expected a callback port, got %T", p)
	}
	*f = Func[R]{remote: newProxyClient(q)}
	return nil
}

func (Func[R]) NeedsTransfer() bool { return true }

func (Func[R]) CheckPayload() error {
	return marshal.Check(reflect.TypeFor[R]())
}

func (o *owner) call(ctx context.Context, args []any) (any, error) {
	payloads := make([]any, len(args))
	for i, a := range args {
		p, err := marshal.ToPayload(a)
		if err != nil {
			return nil, err
		}
		payloads[i] = p
	}
	resp := o.proc.Invoke(ctx, payloads, true)
	for resp.Tail != nil {
		resp = resp.Tail(ctx)
	}
	if resp.Err != nil {
		if rpcerr.KindOf(resp.Err) == rpcerr.KindUnknown {
			return nil, rpcerr.CallbackFailed(resp.Err)
		}
		return nil, resp.Err
	}
	return resp.Value, nil
}

// serve opens a conduit and anchors a proxy server on one end of it.
func (o *owner) serve() (any, error) {
	a, b, err := port.NewChannel()
	if err != nil {
		return nil, rpcerr.CreationFailed("callback conduit", err)
	}
	srv, err := server.New(a, nil,
		server.WithProcedure(message.Invoke, o.fn),
		server.WithRelease(),
		server.WithErrorReplies(),
		server.WithLogger(zap.L().Named("callback")))
	if err != nil {
		a.Close()
		return nil, err
	}
	anchor(srv)
	return b, nil
}

// anchors keeps proxy servers reachable until they are released.
var anchors sync.Map // *server.Server -> struct{}

var live atomic.Int64

func anchor(srv *server.Server) {
	anchors.Store(srv, struct{}{})
	live.Add(1)
	go func() {
		<-srv.Done()
		anchors.Delete(srv)
		live.Add(-1)
	}()
}

// Live reports how many proxy servers are still anchored.
func Live() int { return int(live.Load()) }

// proxyClient is the consuming half of a callback.
type proxyClient struct {
	port *port.Port
	refs atomic.Int32
	rel  *releaser
}

// releaser is separate from proxyClient so the runtime cleanup does not keep
// the client reachable.
type releaser struct {
	once sync.Once
	port *port.Port
}

func newProxyClient(q *port.Port) *proxyClient {
	c := &proxyClient{port: q, rel: &releaser{port: q}}
	c.refs.Store(1)
	runtime.AddCleanup(c, func(r *releaser) { r.release() }, c.rel)
	return c
}

func (r *releaser) release() {
	r.once.Do(func() {
		if err := r.port.Send([]any{message.Release}, nil); err != nil {
			zap.L().Named("callback").Debug("release not delivered", zap.Error(err))
		}
		r.port.Close()
	})
}

func (c *proxyClient) call(ctx context.Context, args []any) (any, error) {
	if c.refs.Load() <= 0 {
		return nil, rpcerr.CallbackFailed(errReleased)
	}
	env := message.New(message.Invoke)
	if err := env.PostAll(args...); err != nil {
		env.Discard()
		return nil, err
	}
	p, err := client.Roundtrip(ctx, port.NewChannel, env, c.port.Send)
	switch rpcerr.KindOf(err) {
	case rpcerr.KindPostFailed, rpcerr.KindReceiveFailed, rpcerr.KindCreationFailed:
		return nil, rpcerr.CallbackFailed(err)
	}
	return p, err
}
