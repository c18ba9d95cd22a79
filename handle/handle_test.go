package handle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"portrpc/client"
	"portrpc/marshal"
	"portrpc/port"
	"portrpc/rpcerr"
	"portrpc/server"
)

type Counter struct {
	mu sync.Mutex
	n  int
}

func (c *Counter) Incr(by int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += by
	return c.n
}

type Directory struct {
	counters map[string]*Counter
}

func (d *Directory) Open(name string) Handle {
	c, ok := d.counters[name]
	if !ok {
		c = &Counter{}
		d.counters[name] = c
	}
	return New(c)
}

func TestHandleThroughService(t *testing.T) {
	ctx := context.Background()
	dir := &Directory{counters: map[string]*Counter{}}

	a, b, _ := port.NewChannel()
	_, err := server.New(b, dir)
	require.NoError(t, err)
	c, err := client.New(a)
	require.NoError(t, err)
	defer c.Close()

	h, err := client.Call[Handle](ctx, c, "open", "hits")
	require.NoError(t, err)
	require.True(t, h.IsRemote())

	hc, err := h.Client()
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		n, err := client.Call[int](ctx, hc, "incr", 1)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	assert.Equal(t, 3, dir.counters["hits"].n)

	h.Release()
	h.Release()
	_, err = client.Call[int](ctx, hc, "incr", 1)
	assert.Error(t, err)
}

func TestReleaseStopsOwner(t *testing.T) {
	p, err := marshal.ToPayload(New(&Counter{}))
	require.NoError(t, err)
	q, ok := p.(*port.Port)
	require.True(t, ok)

	require.NoError(t, q.Send([]any{"release"}, nil))
	select {
	case <-q.Done():
	case <-time.After(time.Second):
		t.Fatal("owner should close its end on release")
	}
}

func TestLocalHandle(t *testing.T) {
	h := New(&Counter{})
	assert.False(t, h.IsRemote())
	_, err := h.Client()
	assert.ErrorIs(t, err, rpcerr.ErrClientUnavailable)
	h.Release()

	_, err = marshal.ToPayload(Handle{})
	assert.ErrorIs(t, err, rpcerr.ErrSerializeFailed)

	var remote Handle
	require.NoError(t, remote.UnmarshalPayload(mustPort(t)))
	_, err = marshal.ToPayload(remote)
	assert.ErrorIs(t, err, rpcerr.ErrSerializeFailed)

	assert.Error(t, remote.UnmarshalPayload("not a port"))
}

func TestUndeliveredReleaseIsLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	defer zap.ReplaceGlobals(zap.New(core))()

	a, b, _ := port.NewChannel()
	var h Handle
	require.NoError(t, h.UnmarshalPayload(b))
	a.Close()

	h.Release()
	h.Release()
	assert.Equal(t, 1, logs.FilterMessage("release not delivered").Len())
}

func mustPort(t *testing.T) *port.Port {
	t.Helper()
	a, b, err := port.NewChannel()
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return b
}
