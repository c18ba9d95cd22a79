// Package handle passes a whole service by reference. Marshalling a Handle
// serves its implementation on a fresh conduit and sends the other end; the
// receiver opens a client on it and releases it when done.
package handle

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"portrpc/client"
	"portrpc/message"
	"portrpc/port"
	"portrpc/rpcerr"
	"portrpc/server"
)

var errNoService = errors.New("handle carries no service")

// Handle refers to a service object, either locally or across a channel.
type Handle struct {
	impl any
	opts []server.Option

	remote *remote
}

type remote struct {
	port *port.Port
	once sync.Once
}

// New wraps impl. opts configure the server started each time the handle is
// marshalled.
func New(impl any, opts ...server.Option) Handle {
	return Handle{impl: impl, opts: opts}
}

// IsRemote reports whether h was received over a channel.
func (h Handle) IsRemote() bool { return h.remote != nil }

// Client opens a call engine on a received handle.
func (h Handle) Client(opts ...client.Option) (*client.Client, error) {
	if h.remote == nil {
		return nil, rpcerr.ErrClientUnavailable
	}
	return client.New(h.remote.port, opts...)
}

// Release tells the owner to stop serving and closes the conduit. It is safe
// to call more than once.
func (h Handle) Release() {
	if h.remote == nil {
		return
	}
	h.remote.once.Do(func() {
		if err := h.remote.port.Send([]any{message.Release}, nil); err != nil {
			zap.L().Named("handle").Debug("release not delivered", zap.Error(err))
		}
		h.remote.port.Close()
	})
}

func (h Handle) MarshalPayload() (any, error) {
	if h.remote != nil {
		return nil, errors.New("a received handle cannot be forwarded")
	}
	if h.impl == nil {
		return nil, errNoService
	}
	a, b, err := port.NewChannel()
	if err != nil {
		return nil, rpcerr.CreationFailed("service conduit", err)
	}
	opts := append([]server.Option{server.WithRelease()}, h.opts...)
	if _, err := server.New(a, h.impl, opts...); err != nil {
		a.Close()
		return nil, err
	}
	return b, nil
}

func (h *Handle) UnmarshalPayload(p any) error {
	q, ok := p.(*port.Port)
	if !ok || q == nil {
		return fmt.Errorf("expected a service port, got %T", p)
	}
	*h = Handle{remote: &remote{port: q}}
	return nil
}

func (Handle) NeedsTransfer() bool { return true }
