//go:build unix

package jsonstore

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const flockSupported = true

// how often we retry a non-blocking flock when waiting with a deadline
const flockPollInterval = 5 * time.Millisecond

// lockFile takes an exclusive advisory lock on f.
// With zero deadline it blocks until the lock is available.
func lockFile(f *os.File, deadline time.Time) error {
	fd := int(f.Fd())
	if deadline.IsZero() {
		for {
			err := unix.Flock(fd, unix.LOCK_EX)
			if err != unix.EINTR {
				return err
			}
		}
	}
	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			return err
		}
		if time.Now().After(deadline) {
			return errLockBusy
		}
		time.Sleep(flockPollInterval)
	}
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
