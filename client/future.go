package client

import "context"

// Future is the pending result of an asynchronous call.
type Future[R any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	val    R
	err    error
}

// Go starts Call in the background.
func Go[R any](ctx context.Context, c *Client, name string, args ...any) *Future[R] {
	ctx, cancel := context.WithCancel(ctx)
	f := &Future[R]{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer cancel()
		f.val, f.err = Call[R](ctx, c, name, args...)
		close(f.done)
	}()
	return f
}

// Done is closed when the result is available.
func (f *Future[R]) Done() <-chan struct{} { return f.done }

// Result blocks until the call completes.
func (f *Future[R]) Result() (R, error) {
	<-f.done
	return f.val, f.err
}

// Wait is Result bounded by ctx. Giving up on the wait does not cancel the
// call.
func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Cancel abandons the call.
func (f *Future[R]) Cancel() { f.cancel() }
