package server

import (
	"sync"

	"portrpc/rpcerr"
)

// borrow grants exclusive use of the implementation to one synchronous
// dispatch section at a time, in the order they ask for it.
//
// A section that blocks on an outgoing call is suspended: any request served
// meanwhile could only be one its own call led back here, so requests
// waiting or arriving while the holder is suspended fail with
// rpcerr.ErrClientUnavailable instead of deadlocking.
type borrow struct {
	mu        sync.Mutex
	held      bool
	section   uint64 // current holder
	suspended int
	waiters   []chan bool // true grants the borrow, false reports a conflict
}

// acquire waits for the borrow and returns the section it was granted to.
func (b *borrow) acquire() (uint64, error) {
	b.mu.Lock()
	if b.suspended > 0 {
		b.mu.Unlock()
		return 0, rpcerr.ErrClientUnavailable
	}
	if !b.held {
		b.held = true
		b.section++
		id := b.section
		b.mu.Unlock()
		return id, nil
	}
	w := make(chan bool, 1)
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	if !<-w {
		return 0, rpcerr.ErrClientUnavailable
	}
	b.mu.Lock()
	id := b.section
	b.mu.Unlock()
	return id, nil
}

// release ends the current section and hands the borrow to the next waiter.
func (b *borrow) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suspended = 0
	if len(b.waiters) > 0 {
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		b.section++
		w <- true
		return
	}
	b.held = false
}

// suspend marks section as blocked on an outgoing call and fails every
// waiter. It does nothing once section has ended.
func (b *borrow) suspend(section uint64) (resume func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.held || b.section != section {
		return func() {}
	}
	b.suspended++
	for _, w := range b.waiters {
		w <- false
	}
	b.waiters = nil

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.held && b.section == section && b.suspended > 0 {
				b.suspended--
			}
		})
	}
}
