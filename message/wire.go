package message

import (
	"context"
	"fmt"
	"sync/atomic"

	"portrpc/marshal"
	"portrpc/port"
	"portrpc/rpcerr"
)

// Request is a parsed call message.
type Request struct {
	Name  string
	Args  []any
	Reply *port.Port
	// Ports are the handles transferred with the request, Reply included.
	Ports []*port.Port

	claimed atomic.Bool
}

// Claim records that the arguments were handed to a procedure, which from
// then on owns the ports they carry.
func (r *Request) Claim() { r.claimed.Store(true) }

// DiscardArgs closes the ports carried by the arguments unless a procedure
// claimed them. The reply port is left alone.
func (r *Request) DiscardArgs() {
	if r.claimed.Load() {
		return
	}
	for _, q := range r.Ports {
		if q != r.Reply {
			q.Close()
		}
	}
}

// ParseRequest splits a call message into name, arguments and reply port.
func ParseRequest(m port.Message) (*Request, error) {
	if len(m.Data) < 2 {
		return nil, fmt.Errorf("message: malformed request of %d fields", len(m.Data))
	}
	name, ok := m.Data[0].(string)
	if !ok {
		return nil, fmt.Errorf("message: request name is %T, not a string", m.Data[0])
	}
	reply, ok := m.Data[len(m.Data)-1].(*port.Port)
	if !ok || reply == nil {
		return nil, fmt.Errorf("message: request %q carries no reply port", name)
	}
	return &Request{
		Name:  name,
		Args:  m.Data[1 : len(m.Data)-1],
		Reply: reply,
		Ports: m.Ports,
	}, nil
}

// Response is what a dispatch handler produces for one request.
//
// Exactly one of Err or Value is meaningful. Tail is set for asynchronous
// procedures: the call completes with whatever Tail returns, and the handler
// that produced the response has already released the implementation.
type Response struct {
	Value    any
	Transfer bool
	Err      error
	Tail     func(ctx context.Context) *Response
}

// Reply posts a success reply of an already marshalled payload.
func Reply(ep port.Endpoint, p any, transfer bool) error {
	var transferList []*port.Port
	if transfer {
		transferList = marshal.Ports(p)
	}
	return ep.Send([]any{p}, transferList)
}

// ReplyError posts an error reply.
func ReplyError(ep port.Endpoint, err error) error {
	return ep.Send([]any{ErrorTag, rpcerr.Payload(err)}, nil)
}

// ParseReply returns the value of a success reply, or the *rpcerr.Error of an
// error reply.
func ParseReply(data []any) (any, error) {
	switch {
	case len(data) == 1:
		return data[0], nil
	case len(data) == 2 && data[0] == ErrorTag:
		e, err := rpcerr.FromPayload(data[1])
		if err != nil {
			return nil, rpcerr.ReceiveFailed(err)
		}
		return nil, e
	}
	return nil, rpcerr.ReceiveFailed(fmt.Errorf("malformed reply of %d fields", len(data)))
}
