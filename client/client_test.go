package client

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portrpc/message"
	"portrpc/port"
	"portrpc/rpcerr"
)

type sent struct {
	data     []any
	transfer []*port.Port
}

// fakeEndpoint records sends and lets the test deliver messages by hand.
type fakeEndpoint struct {
	mu      sync.Mutex
	handler port.Handler
	sent    chan sent
	fail    error // returned for everything but handshakes
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{sent: make(chan sent, 64)}
}

func (f *fakeEndpoint) SetReceiveHandler(h port.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeEndpoint) Send(data []any, transfer []*port.Port) error {
	if f.fail != nil && data[0] != message.Handshake {
		return f.fail
	}
	f.sent <- sent{data, transfer}
	return nil
}

func (f *fakeEndpoint) deliver(data ...any) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(port.Message{Data: data})
	}
}

func (f *fakeEndpoint) next(t *testing.T) sent {
	t.Helper()
	select {
	case s := <-f.sent:
		return s
	case <-time.After(time.Second):
		t.Fatal("nothing sent")
		return sent{}
	}
}

func (f *fakeEndpoint) quiet(t *testing.T) {
	t.Helper()
	select {
	case s := <-f.sent:
		t.Fatalf("unexpected send %v", s.data)
	case <-time.After(50 * time.Millisecond):
	}
}

// echoServer answers handshakes and replies to every call with twice its
// integer argument, in shuffled batches of n.
func echoServer(t *testing.T, ep *port.Port, n int) {
	reqs := make(chan *message.Request, n)
	ep.SetReceiveHandler(func(m port.Message) {
		if m.Data[0] == message.Handshake {
			_ = ep.Send([]any{message.Handshake}, nil)
			return
		}
		req, err := message.ParseRequest(m)
		if !assert.NoError(t, err) {
			return
		}
		reqs <- req
	})
	go func() {
		batch := make([]*message.Request, 0, n)
		for req := range reqs {
			batch = append(batch, req)
			if len(batch) < n {
				continue
			}
			rand.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
			for _, r := range batch {
				_ = message.Reply(r.Reply, r.Args[0].(int64)*2, false)
				r.Reply.Close()
			}
			batch = batch[:0]
		}
	}()
}

func TestCallsWaitForHandshake(t *testing.T) {
	ep := newFakeEndpoint()
	c, err := New(ep)
	require.NoError(t, err)

	assert.Equal(t, []any{message.Handshake}, ep.next(t).data)
	assert.False(t, c.Ready())

	f := Go[int](context.Background(), c, "double", 21)
	ep.quiet(t)

	ep.deliver(message.Handshake)
	assert.True(t, c.Ready())

	call := ep.next(t)
	require.Len(t, call.data, 3)
	assert.Equal(t, "double", call.data[0])
	assert.Equal(t, int64(21), call.data[1])
	reply := call.data[2].(*port.Port)
	assert.Equal(t, []*port.Port{reply}, call.transfer)

	require.NoError(t, reply.Send([]any{int64(42)}, nil))
	v, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestCallAfterReadyIsSentImmediately(t *testing.T) {
	ep := newFakeEndpoint()
	c, err := New(ep)
	require.NoError(t, err)
	ep.next(t)
	ep.deliver(message.Handshake)

	f := Go[string](context.Background(), c, "name")
	call := ep.next(t)
	require.NoError(t, call.data[1].(*port.Port).Send([]any{"portrpc"}, nil))

	v, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, "portrpc", v)
}

func TestShuffledRepliesArePaired(t *testing.T) {
	const n = 32
	a, b, _ := port.NewChannel()
	echoServer(t, b, n)

	c, err := New(a)
	require.NoError(t, err)

	futures := make([]*Future[int64], n)
	for i := range futures {
		futures[i] = Go[int64](context.Background(), c, "double", i)
	}
	for i, f := range futures {
		v, err := f.Result()
		require.NoError(t, err)
		assert.Equal(t, int64(2*i), v)
	}
}

func TestRemoteErrorReply(t *testing.T) {
	ep := newFakeEndpoint()
	c, _ := New(ep)
	ep.next(t)
	ep.deliver(message.Handshake)

	f := Go[int](context.Background(), c, "nope")
	call := ep.next(t)
	require.NoError(t, message.ReplyError(call.data[1].(*port.Port), rpcerr.UnknownProcedure("nope")))

	_, err := f.Result()
	assert.ErrorIs(t, err, rpcerr.ErrUnknownProcedure)
}

func TestReplyChannelClosedWithoutReply(t *testing.T) {
	ep := newFakeEndpoint()
	c, _ := New(ep)
	ep.next(t)
	ep.deliver(message.Handshake)

	f := Go[int](context.Background(), c, "drop")
	ep.next(t).data[1].(*port.Port).Close()

	_, err := f.Result()
	assert.ErrorIs(t, err, rpcerr.ErrReceiveFailed)
}

func TestSendFailure(t *testing.T) {
	ep := newFakeEndpoint()
	ep.fail = errors.New("wire cut")
	c, _ := New(ep)
	ep.next(t)
	ep.deliver(message.Handshake)

	_, err := Call[int](context.Background(), c, "add", 1, 2)
	assert.ErrorIs(t, err, rpcerr.ErrPostFailed)
}

func TestReplyChannelCreationFailure(t *testing.T) {
	ep := newFakeEndpoint()
	c, _ := New(ep, WithChannelFactory(func() (*port.Port, *port.Port, error) {
		return nil, nil, errors.New("no channels left")
	}))
	ep.next(t)
	ep.deliver(message.Handshake)

	_, err := Call[int](context.Background(), c, "add", 1, 2)
	assert.ErrorIs(t, err, rpcerr.ErrCreationFailed)
	ep.quiet(t)
}

func TestUnsupportedTypesFailBeforeSending(t *testing.T) {
	ep := newFakeEndpoint()
	c, _ := New(ep)
	ep.next(t)
	ep.deliver(message.Handshake)

	_, err := Call[chan int](context.Background(), c, "add")
	assert.ErrorIs(t, err, rpcerr.ErrUnsupportedType)

	_, err = Call[int](context.Background(), c, "add", func() {})
	assert.ErrorIs(t, err, rpcerr.ErrUnsupportedType)

	ep.quiet(t)
}

func TestCancelRemovesWaiter(t *testing.T) {
	ep := newFakeEndpoint()
	c, _ := New(ep)
	ep.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Call[int](ctx, c, "add", 1, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.mu.Lock()
	assert.Zero(t, c.waiters.Len())
	c.mu.Unlock()

	ep.deliver(message.Handshake)
	ep.quiet(t)
}

func TestCancelAbandonsInFlightCall(t *testing.T) {
	ep := newFakeEndpoint()
	c, _ := New(ep)
	ep.next(t)
	ep.deliver(message.Handshake)

	f := Go[int](context.Background(), c, "slow")
	reply := ep.next(t).data[1].(*port.Port)
	f.Cancel()

	_, err := f.Result()
	assert.ErrorIs(t, err, context.Canceled)
	select {
	case <-reply.Done():
	case <-time.After(time.Second):
		t.Fatal("reply channel should be closed")
	}
}

func TestCloseFailsWaitingCalls(t *testing.T) {
	ep := newFakeEndpoint()
	c, _ := New(ep)
	ep.next(t)

	f := Go[int](context.Background(), c, "add", 1, 2)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	_, err := f.Result()
	assert.ErrorIs(t, err, rpcerr.ErrClientUnavailable)

	_, err = Call[int](context.Background(), c, "add", 1, 2)
	assert.ErrorIs(t, err, rpcerr.ErrClientUnavailable)
}

func TestHandshakeRetry(t *testing.T) {
	ep := newFakeEndpoint()
	c, err := New(ep, WithHandshakeRetry(10*time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, []any{message.Handshake}, ep.next(t).data)
	assert.Equal(t, []any{message.Handshake}, ep.next(t).data)

	ep.deliver(message.Handshake)
	require.NoError(t, c.WaitReady(context.Background()))
	require.NoError(t, c.Close())
}

func TestTakeWaitersIsFIFO(t *testing.T) {
	var c Client
	w1, w2, w3 := make(chan struct{}), make(chan struct{}), make(chan struct{})
	c.waiters.PushBack(w1)
	c.waiters.PushBack(w2)
	c.waiters.PushBack(w3)

	assert.Equal(t, []chan struct{}{w1, w2, w3}, c.takeWaiters())
	assert.Zero(t, c.waiters.Len())
}

func TestReadyWakesOnlyPresentWaiters(t *testing.T) {
	ep := newFakeEndpoint()
	c, err := New(ep)
	require.NoError(t, err)
	ep.next(t)

	waiting := func() int {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.waiters.Len()
	}
	errs := make(chan error, 3)
	for i := 1; i <= 3; i++ {
		go func() { errs <- c.WaitReady(context.Background()) }()
		require.Eventually(t, func() bool { return waiting() == i }, time.Second, time.Millisecond)
	}

	ep.deliver(message.Handshake)
	for i := 0; i < 3; i++ {
		require.NoError(t, <-errs)
	}
	assert.Zero(t, waiting())

	require.NoError(t, c.WaitReady(context.Background()))
	assert.Zero(t, waiting(), "a ready client registers no waiters")

	ep.deliver(message.Handshake)
	assert.True(t, c.Ready())
	ep.quiet(t)
}
