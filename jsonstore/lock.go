package jsonstore

import (
	"time"
)

// fifoLock is a mutex that grants the lock in the order callers asked for it.
// Goroutines blocked sending on a channel are woken in FIFO order,
// sync.Mutex makes no such promise.
type fifoLock chan struct{}

func newFIFOLock() fifoLock {
	return make(fifoLock, 1)
}

// lock waits up to timeout for the lock. timeout <= 0 waits forever.
// Returns false on timeout.
func (l fifoLock) lock(timeout time.Duration) bool {
	if timeout <= 0 {
		l <- struct{}{}
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (l fifoLock) unlock() {
	<-l
}
