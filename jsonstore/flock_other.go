//go:build !unix

package jsonstore

import (
	"os"
	"time"
)

// TODO: use LockFileEx on windows
const flockSupported = false

func lockFile(f *os.File, deadline time.Time) error {
	return nil
}

func unlockFile(f *os.File) error {
	return nil
}
