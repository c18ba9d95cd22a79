package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portrpc/client"
	"portrpc/marshal"
	"portrpc/message"
	"portrpc/middleware"
	"portrpc/port"
	"portrpc/rpcerr"
)

type Arith struct {
	resets int
}

func (a *Arith) Add(x, y int) int { return x + y }

func (a *Arith) Fail() (int, error) { return 0, errors.New("boom") }

func (a *Arith) Div(x, y float64) (float64, error) {
	if y == 0 {
		return 0, errors.New("divide by zero")
	}
	return x / y, nil
}

func (a *Arith) Reset() { a.resets++ }

func (a *Arith) Check(ok bool) error {
	if !ok {
		return errors.New("not ok")
	}
	return nil
}

// Later answers after d, without holding the implementation meanwhile.
func (a *Arith) Later(ctx context.Context, d time.Duration, s string) <-chan string {
	ch := make(chan string, 1)
	go func() {
		select {
		case <-time.After(d):
			ch <- s
		case <-ctx.Done():
		}
	}()
	return ch
}

func setup(t *testing.T, impl any, opts ...Option) (*Server, *client.Client) {
	t.Helper()
	a, b, _ := port.NewChannel()
	s, err := New(b, impl, opts...)
	require.NoError(t, err)
	c, err := client.New(a)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		s.Shutdown(time.Second)
	})
	return s, c
}

func TestCall(t *testing.T) {
	ctx := context.Background()
	_, c := setup(t, &Arith{})

	sum, err := client.Call[int](ctx, c, "add", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, sum)

	q, err := client.Call[marshal.Result[float64, string]](ctx, c, "div", 1, 4)
	require.NoError(t, err)
	assert.True(t, q.IsOk())
	assert.Equal(t, 0.25, q.Value())
}

func TestApplicationErrorIsASuccessfulCall(t *testing.T) {
	_, c := setup(t, &Arith{})

	r, err := client.Call[marshal.Result[int, string]](context.Background(), c, "fail")
	require.NoError(t, err)
	assert.False(t, r.IsOk())
	assert.Equal(t, "boom", r.ErrValue())

	r2, err := client.Call[marshal.Result[struct{}, string]](context.Background(), c, "check", false)
	require.NoError(t, err)
	assert.Equal(t, "not ok", r2.ErrValue())
}

func TestProcedureWithoutResult(t *testing.T) {
	impl := &Arith{}
	_, c := setup(t, impl)

	require.NoError(t, client.Exec(context.Background(), c, "reset"))
	assert.Equal(t, 1, impl.resets)
}

func TestUnknownProcedure(t *testing.T) {
	ctx := context.Background()
	_, c := setup(t, &Arith{})

	_, err := client.Call[int](ctx, c, "mul", 2, 3)
	assert.ErrorIs(t, err, rpcerr.ErrUnknownProcedure)
	var e *rpcerr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "mul", e.Name)

	sum, err := client.Call[int](ctx, c, "add", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, sum)
}

func TestBadArguments(t *testing.T) {
	ctx := context.Background()
	_, c := setup(t, &Arith{})

	_, err := client.Call[int](ctx, c, "add", 1)
	assert.ErrorIs(t, err, rpcerr.ErrDeserializeFailed)

	_, err = client.Call[int](ctx, c, "add", "one", 2)
	assert.ErrorIs(t, err, rpcerr.ErrDeserializeFailed)

	_, err = client.Call[int](ctx, c, "add", 1.5, 2)
	assert.ErrorIs(t, err, rpcerr.ErrDeserializeFailed)
}

func TestAsyncProcedureDoesNotHoldImplementation(t *testing.T) {
	ctx := context.Background()
	_, c := setup(t, &Arith{})

	later := client.Go[string](ctx, c, "later", 100*time.Millisecond, "done")

	sum, err := client.Call[int](ctx, c, "add", 20, 22)
	require.NoError(t, err)
	assert.Equal(t, 42, sum)
	select {
	case <-later.Done():
		t.Fatal("async call finished too early")
	default:
	}

	v, err := later.Result()
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

// Relay calls back into the server it is served by.
type Relay struct {
	c      *client.Client
	nested error
	kept   *port.Port
}

func (r *Relay) Add(x, y int) int { return x + y }

func (r *Relay) Nested(ctx context.Context) int {
	_, r.nested = client.Call[int](ctx, r.c, "add", 1, 2)
	return 0
}

func (r *Relay) Nap(d time.Duration) string {
	time.Sleep(d)
	return "rested"
}

func (r *Relay) Keep(p *port.Port) { r.kept = p }

func TestReentrantCallIsRefused(t *testing.T) {
	relay := &Relay{}
	_, c := setup(t, relay)
	relay.c = c

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Call[int](ctx, c, "nested")
	require.NoError(t, err)
	assert.ErrorIs(t, relay.nested, rpcerr.ErrClientUnavailable)

	sum, err := client.Call[int](ctx, c, "add", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, sum)
}

func TestSynchronousCallsWaitTheirTurn(t *testing.T) {
	ctx := context.Background()
	_, c := setup(t, &Relay{})
	require.NoError(t, c.WaitReady(ctx))

	nap := client.Go[string](ctx, c, "nap", 50*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	sum, err := client.Call[int](ctx, c, "add", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, sum)

	v, err := nap.Result()
	require.NoError(t, err)
	assert.Equal(t, "rested", v)
}

func TestFailedRequestsClosePassedPorts(t *testing.T) {
	ctx := context.Background()
	relay := &Relay{}
	_, c := setup(t, relay, WithMiddleware(middleware.RateLimitMiddleware(0.001, 3)))

	closedWith := func(call func(p *port.Port) error) error {
		t.Helper()
		x, y, _ := port.NewChannel()
		err := call(x)
		select {
		case <-y.Done():
		case <-time.After(time.Second):
			t.Fatal("port passed to a failed call should be closed")
		}
		return err
	}

	err := closedWith(func(p *port.Port) error {
		return client.Exec(ctx, c, "nope", p)
	})
	assert.ErrorIs(t, err, rpcerr.ErrUnknownProcedure)

	err = closedWith(func(p *port.Port) error {
		return client.Exec(ctx, c, "add", p, 2)
	})
	assert.ErrorIs(t, err, rpcerr.ErrDeserializeFailed)

	x, y, _ := port.NewChannel()
	require.NoError(t, client.Exec(ctx, c, "keep", x))
	assert.False(t, y.Closed(), "a procedure owns the ports it received")
	require.NotNil(t, relay.kept)
	relay.kept.Close()

	err = closedWith(func(p *port.Port) error {
		return client.Exec(ctx, c, "keep", p)
	})
	assert.ErrorIs(t, err, rpcerr.ErrRejected)
}

func TestEveryHandshakeIsAnswered(t *testing.T) {
	a, b, _ := port.NewChannel()
	_, err := New(b, &Arith{})
	require.NoError(t, err)

	acks := make(chan port.Message, 4)
	a.SetReceiveHandler(func(m port.Message) { acks <- m })
	require.NoError(t, a.Send([]any{message.Handshake}, nil))
	require.NoError(t, a.Send([]any{message.Handshake}, nil))

	for i := 0; i < 2; i++ {
		select {
		case m := <-acks:
			assert.Equal(t, []any{message.Handshake}, m.Data)
		case <-time.After(time.Second):
			t.Fatalf("handshake %d was not answered", i+1)
		}
	}
}

func TestClientStartsBeforeServer(t *testing.T) {
	a, b, _ := port.NewChannel()
	c, err := client.New(a)
	require.NoError(t, err)
	defer c.Close()

	f := client.Go[int](context.Background(), c, "add", 4, 5)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.Ready())

	s, err := New(b, &Arith{})
	require.NoError(t, err)
	defer s.Shutdown(time.Second)

	v, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, 9, v)
	assert.True(t, c.Ready())
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	a, b, _ := port.NewChannel()
	_, err := New(b, &Arith{})
	require.NoError(t, err)

	x, y, _ := port.NewChannel()
	require.NoError(t, a.Send([]any{int64(1), x}, []*port.Port{x}))
	require.NoError(t, a.Send([]any{"add", int64(1), int64(2)}, nil))

	select {
	case <-y.Done():
	case <-time.After(time.Second):
		t.Fatal("ports of a malformed message should be closed")
	}

	c, err := client.New(a)
	require.NoError(t, err)
	sum, err := client.Call[int](context.Background(), c, "add", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, sum)
}

func TestUnsupportedSignature(t *testing.T) {
	a, _, _ := port.NewChannel()

	_, err := New(a, nil, WithProcedure("send", func(ch chan int) {}))
	assert.ErrorIs(t, err, rpcerr.ErrUnsupportedType)

	_, err = New(a, nil, WithProcedure("pair", func() (int, int) { return 1, 2 }))
	assert.Error(t, err)

	_, err = New(a, nil, WithProcedure("many", func(...int) {}))
	assert.Error(t, err)
}

func TestFreeProceduresAndNaming(t *testing.T) {
	ctx := context.Background()
	s, c := setup(t, &Arith{},
		WithNaming(strings.ToUpper),
		WithProcedure("echo", func(s string) string { return s }))

	assert.Equal(t, []string{"ADD", "CHECK", "DIV", "FAIL", "LATER", "RESET", "echo"}, s.Procedures())

	v, err := client.Call[string](ctx, c, "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", v)

	sum, err := client.Call[int](ctx, c, "ADD", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, sum)
}

func TestMiddlewareRejection(t *testing.T) {
	_, c := setup(t, &Arith{}, WithMiddleware(middleware.RateLimitMiddleware(0.001, 1)))

	_, err := client.Call[int](context.Background(), c, "add", 1, 2)
	require.NoError(t, err)

	_, err = client.Call[int](context.Background(), c, "add", 1, 2)
	assert.ErrorIs(t, err, rpcerr.ErrRejected)
}

func TestShutdownCancelsAsyncTails(t *testing.T) {
	s, c := setup(t, &Arith{})
	require.NoError(t, c.WaitReady(context.Background()))

	f := client.Go[string](context.Background(), c, "later", time.Hour, "never")
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.Shutdown(time.Second))
	_, err := f.Result()
	assert.ErrorIs(t, err, rpcerr.ErrReceiveFailed)
}

func TestRelease(t *testing.T) {
	a, b, _ := port.NewChannel()
	s, err := New(b, &Arith{}, WithRelease())
	require.NoError(t, err)

	require.NoError(t, a.Send([]any{"release"}, nil))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("server should shut down on release")
	}
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("released server should close its endpoint")
	}
}

func TestReleaseIgnoredWithoutOption(t *testing.T) {
	a, b, _ := port.NewChannel()
	s, err := New(b, &Arith{})
	require.NoError(t, err)

	require.NoError(t, a.Send([]any{"release"}, nil))
	time.Sleep(20 * time.Millisecond)

	select {
	case <-s.Done():
		t.Fatal("server without release should keep running")
	default:
	}
	assert.False(t, a.Closed())
}

func TestLowerFirst(t *testing.T) {
	assert.Equal(t, "add", LowerFirst("Add"))
	assert.Equal(t, "hTTPGet", LowerFirst("HTTPGet"))
	assert.Equal(t, "éclair", LowerFirst("Éclair"))
}
