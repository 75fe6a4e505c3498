package jsonstore

import (
	"fmt"
)

type ErrorKind int

const (
	// CorruptStore means the existing file is not a valid JSON array of records.
	// It's never repaired automatically.
	CorruptStore ErrorKind = iota + 1
	// CommitFailed means writing, syncing or renaming the new file failed.
	// The store file still has its previous content.
	CommitFailed
	// LockTimeout means exclusive access wasn't acquired within Options.LockTimeout
	LockTimeout
	// LoadFailed means the existing file couldn't be read
	LoadFailed
	// EncodeFailed means the records couldn't be serialized, e.g. because
	// a record has invalid JSON in Data
	EncodeFailed
	// LockFailed means the OS-level file lock returned an error
	LockFailed
)

var kindNames = map[ErrorKind]string{
	CorruptStore: "corrupt store",
	CommitFailed: "commit failed",
	LockTimeout:  "lock timeout",
	LoadFailed:   "load failed",
	EncodeFailed: "encode failed",
	LockFailed:   "lock failed",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// StorageError is returned by all Store operations
type StorageError struct {
	Kind ErrorKind
	Path string
	Err  error
}

// sentinels for errors.Is(err, ErrCorruptStore) etc.
var (
	ErrCorruptStore = &StorageError{Kind: CorruptStore}
	ErrCommitFailed = &StorageError{Kind: CommitFailed}
	ErrLockTimeout  = &StorageError{Kind: LockTimeout}
	ErrLoadFailed   = &StorageError{Kind: LoadFailed}
	ErrEncodeFailed = &StorageError{Kind: EncodeFailed}
	ErrLockFailed   = &StorageError{Kind: LockFailed}
)

func newError(kind ErrorKind, path string, err error) *StorageError {
	return &StorageError{
		Kind: kind,
		Path: path,
		Err:  err,
	}
}

func (e *StorageError) Error() string {
	s := "jsonstore: " + e.Kind.String()
	if e.Path != "" {
		s += " '" + e.Path + "'"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is matches any *StorageError of the same Kind
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	return ok && t.Kind == e.Kind
}

// KindOf returns the ErrorKind of err or 0 if err is not a *StorageError
func KindOf(err error) ErrorKind {
	for err != nil {
		if se, ok := err.(*StorageError); ok {
			return se.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0
		}
		err = u.Unwrap()
	}
	return 0
}
