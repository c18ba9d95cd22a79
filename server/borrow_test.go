package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portrpc/rpcerr"
)

func TestBorrowQueuesInOrder(t *testing.T) {
	var b borrow
	first, err := b.acquire()
	require.NoError(t, err)

	granted := make(chan int, 2)
	for i := 1; i <= 2; i++ {
		go func() {
			if _, err := b.acquire(); err == nil {
				granted <- i
				b.release()
			}
		}()
		require.Eventually(t, func() bool {
			b.mu.Lock()
			defer b.mu.Unlock()
			return len(b.waiters) == i
		}, time.Second, time.Millisecond)
	}

	b.release()
	assert.Equal(t, 1, <-granted)
	assert.Equal(t, 2, <-granted)

	second, err := b.acquire()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	b.release()
}

func TestSuspendedBorrowRefusesRequests(t *testing.T) {
	var b borrow
	section, err := b.acquire()
	require.NoError(t, err)

	waiter := make(chan error, 1)
	go func() {
		_, err := b.acquire()
		waiter <- err
	}()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.waiters) == 1
	}, time.Second, time.Millisecond)

	resume := b.suspend(section)
	assert.ErrorIs(t, <-waiter, rpcerr.ErrClientUnavailable)
	_, err = b.acquire()
	assert.ErrorIs(t, err, rpcerr.ErrClientUnavailable)

	resume()
	resume()
	b.release()

	_, err = b.acquire()
	require.NoError(t, err)
	b.suspend(section)()
	b.mu.Lock()
	assert.Zero(t, b.suspended, "a finished section cannot suspend the next one")
	b.mu.Unlock()
	b.release()
}
