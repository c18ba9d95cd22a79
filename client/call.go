package client

import (
	"context"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"portrpc/marshal"
	"portrpc/message"
	"portrpc/port"
	"portrpc/rpcerr"
)

// Roundtrip sends env with a fresh reply channel appended and waits for the
// one reply. It does not wait for any handshake, which lets callback proxies
// reuse it on their own conduits.
//
// Failures: the reply channel cannot be made (CreationFailed), the send
// fails (PostFailed, nothing is awaited), or the reply channel dies before a
// reply arrives (ReceiveFailed). Cancelling ctx abandons the call and closes
// its reply channel; nothing further is sent.
func Roundtrip(ctx context.Context, factory port.Factory, env *message.Envelope, send message.SendFunc) (any, error) {
	local, remote, err := factory()
	if err != nil {
		env.Discard()
		return nil, rpcerr.CreationFailed("reply channel", err)
	}
	defer local.Close()

	var (
		mu        sync.Mutex
		abandoned bool
	)
	replies := make(chan port.Message, 1)
	local.SetReceiveHandler(func(m port.Message) {
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			closePorts(m.Ports)
			return
		}
		select {
		case replies <- m:
		default:
			// only the first reply counts
			closePorts(m.Ports)
		}
	})

	if err := env.PostPayload(remote, true); err != nil {
		remote.Close()
		return nil, rpcerr.PostFailed(err)
	}
	if err := env.Send(send); err != nil {
		remote.Close()
		return nil, rpcerr.PostFailed(err)
	}

	resume := message.Suspend(ctx)
	defer resume()

	select {
	case m := <-replies:
		return message.ParseReply(m.Data)
	case <-local.Done():
		select {
		case m := <-replies:
			return message.ParseReply(m.Data)
		default:
		}
		return nil, rpcerr.ReceiveFailed(port.ErrClosed)
	case <-ctx.Done():
		mu.Lock()
		abandoned = true
		select {
		case m := <-replies:
			closePorts(m.Ports)
		default:
		}
		mu.Unlock()
		return nil, ctx.Err()
	}
}

// Call invokes the remote procedure name with args and decodes its result as
// an R. R and the arguments are checked before anything is sent.
func Call[R any](ctx context.Context, c *Client, name string, args ...any) (R, error) {
	var zero R
	if err := marshal.Check(reflect.TypeFor[R]()); err != nil {
		return zero, err
	}
	env := message.New(name)
	if err := env.PostAll(args...); err != nil {
		env.Discard()
		return zero, err
	}

	if ce := c.log.Check(zap.DebugLevel, "calling procedure"); ce != nil {
		ce.Write(zap.String("call_id", uuid.NewString()), zap.String("procedure", name), zap.Int("args", len(args)))
	}

	p, err := c.Invoke(ctx, env)
	if err != nil {
		return zero, err
	}
	v, err := marshal.FromPayload[R](p)
	if err != nil {
		closePorts(marshal.Ports(p))
		return zero, err
	}
	return v, nil
}

// Exec invokes a procedure whose result is not needed. Ports carried by the
// result are closed.
func Exec(ctx context.Context, c *Client, name string, args ...any) error {
	env := message.New(name)
	if err := env.PostAll(args...); err != nil {
		env.Discard()
		return err
	}
	p, err := c.Invoke(ctx, env)
	if err != nil {
		return err
	}
	closePorts(marshal.Ports(p))
	return nil
}

func closePorts(ports []*port.Port) {
	for _, q := range ports {
		q.Close()
	}
}
