package message

import "context"

type suspendKey struct{}

// WithSuspend returns a context whose outgoing calls announce, through
// suspend, that they are blocked waiting for a remote reply. suspend returns
// the function ending that state.
func WithSuspend(ctx context.Context, suspend func() (resume func())) context.Context {
	return context.WithValue(ctx, suspendKey{}, suspend)
}

// Suspend announces that the caller holding ctx is about to block on a
// remote reply. Call the returned function once the reply is in.
func Suspend(ctx context.Context) (resume func()) {
	if s, ok := ctx.Value(suspendKey{}).(func() func()); ok {
		return s()
	}
	return func() {}
}
