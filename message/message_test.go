package message

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portrpc/port"
	"portrpc/rpcerr"
)

type sent struct {
	data     []any
	transfer []*port.Port
}

func recorder(out *[]sent) SendFunc {
	return func(data []any, transfer []*port.Port) error {
		*out = append(*out, sent{data, transfer})
		return nil
	}
}

func TestEnvelopeFieldOrder(t *testing.T) {
	env := New("add")
	require.NoError(t, env.PostAll(2, int8(3), "x"))

	assert.Equal(t, "add", env.Name())
	assert.Equal(t, []any{"add", int64(2), int64(3), "x"}, env.Fields())
	assert.Empty(t, env.Transfer())
}

func TestEnvelopeTransferIdentity(t *testing.T) {
	a, _, _ := port.NewChannel()
	b, _, _ := port.NewChannel()

	env := New("take")
	require.NoError(t, env.Post(a))
	require.NoError(t, env.Post([]*port.Port{b, a}))

	fields := env.Fields()
	transfer := env.Transfer()
	require.Len(t, transfer, 2)
	assert.Same(t, a, fields[1])
	assert.Same(t, a, transfer[0])
	assert.Same(t, b, transfer[1])
	assert.Same(t, b, fields[2].([]any)[0])
}

func TestEnvelopeSendOnce(t *testing.T) {
	var out []sent
	env := New("ping")

	require.NoError(t, env.Send(recorder(&out)))
	assert.ErrorIs(t, env.Send(recorder(&out)), ErrConsumed)
	assert.ErrorIs(t, env.Post(1), ErrConsumed)
	assert.Len(t, out, 1)
}

func TestEnvelopeSendFailureConsumes(t *testing.T) {
	env := New("ping")
	boom := errors.New("boom")

	err := env.Send(func([]any, []*port.Port) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, env.Send(func([]any, []*port.Port) error { return nil }), ErrConsumed)
}

func TestEnvelopeDiscardClosesTransfers(t *testing.T) {
	a, b, _ := port.NewChannel()
	env := New("take")
	require.NoError(t, env.Post(a))

	env.Discard()
	assert.True(t, b.Closed())
}

func TestEnvelopeRejectsUnsupported(t *testing.T) {
	env := New("bad")
	err := env.Post(make(chan int))
	assert.ErrorIs(t, err, rpcerr.ErrUnsupportedType)
}

func TestParseRequest(t *testing.T) {
	reply, _, _ := port.NewChannel()

	req, err := ParseRequest(port.Message{Data: []any{"add", int64(2), int64(3), reply}})
	require.NoError(t, err)
	assert.Equal(t, "add", req.Name)
	assert.Equal(t, []any{int64(2), int64(3)}, req.Args)
	assert.Same(t, reply, req.Reply)

	for _, data := range [][]any{
		nil,
		{"add"},
		{int64(1), reply},
		{"add", int64(2)},
	} {
		_, err := ParseRequest(port.Message{Data: data})
		assert.Error(t, err)
	}
}

func TestReplies(t *testing.T) {
	a, b, _ := port.NewChannel()
	got := make(chan port.Message, 2)
	b.SetReceiveHandler(func(m port.Message) { got <- m })

	require.NoError(t, Reply(a, int64(5), false))
	require.NoError(t, ReplyError(a, rpcerr.UnknownProcedure("nope")))

	v, err := ParseReply((<-got).Data)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	_, err = ParseReply((<-got).Data)
	assert.ErrorIs(t, err, rpcerr.ErrUnknownProcedure)
	assert.Equal(t, "unknown procedure nope", err.Error())

	_, err = ParseReply([]any{"a", "b", "c"})
	assert.ErrorIs(t, err, rpcerr.ErrReceiveFailed)
}

func TestReplyTransfersPorts(t *testing.T) {
	a, b, _ := port.NewChannel()
	x, _, _ := port.NewChannel()
	got := make(chan port.Message, 1)
	b.SetReceiveHandler(func(m port.Message) { got <- m })

	require.NoError(t, Reply(a, []any{x}, true))
	m := <-got
	require.Len(t, m.Ports, 1)
	assert.Same(t, m.Ports[0], m.Data[0].([]any)[0])
}

func TestDiscardArgs(t *testing.T) {
	reply, _, _ := port.NewChannel()
	x, y, _ := port.NewChannel()
	m := port.Message{Data: []any{"keep", x, reply}, Ports: []*port.Port{x, reply}}

	claimed, err := ParseRequest(m)
	require.NoError(t, err)
	claimed.Claim()
	claimed.DiscardArgs()
	assert.False(t, y.Closed(), "claimed arguments belong to the procedure")

	req, err := ParseRequest(m)
	require.NoError(t, err)
	req.DiscardArgs()
	assert.True(t, y.Closed())
	assert.False(t, reply.Closed(), "the reply port is left for the answer")
}

func TestSuspend(t *testing.T) {
	Suspend(context.Background())()

	var suspended, resumed int
	ctx := WithSuspend(context.Background(), func() func() {
		suspended++
		return func() { resumed++ }
	})
	resume := Suspend(ctx)
	assert.Equal(t, 1, suspended)
	resume()
	assert.Equal(t, 1, resumed)
}
