package atomicfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

// Some references:
// - https://www.slideshare.net/nan1nan1/eat-my-data
// - https://lwn.net/Articles/457667/

var (
	// ErrCancelled is returned by calls subsequent to RemoveIfNotClosed()
	ErrCancelled = errors.New("cancelled")

	_ io.WriteCloser = &File{}
)

// TempSuffix is appended to the random part of the temporary file name.
// For "data_store.json" the temp file is "data_store.json.<random>.tmp"
const TempSuffix = ".tmp"

// File writes to a temporary file in the destination directory and
// renames it over the destination on Close(). Until then the destination
// is not touched. On any error the temporary file is deleted.
type File struct {
	dstPath string
	dir     string
	tmpFile *os.File
	tmpPath string
	perm    os.FileMode
	err     error

	// renameFn is os.Rename, swapped in tests to simulate failures
	renameFn func(oldpath, newpath string) error
}

// New creates a temporary file next to path. The temporary file
// must be on the same volume as path for the final rename to be atomic,
// which is why it's created in the same directory.
func New(path string) (*File, error) {
	return NewWithPerm(path, 0644)
}

// NewWithPerm is like New but sets permissions of the final file
func NewWithPerm(path string, perm os.FileMode) (*File, error) {
	dir, name := filepath.Split(path)
	if name == "" {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrInvalid}
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	tmpFile, err := os.CreateTemp(dir, name+".*"+TempSuffix)
	if err != nil {
		return nil, err
	}
	return &File{
		dstPath:  path,
		dir:      dir,
		tmpFile:  tmpFile,
		tmpPath:  tmpFile.Name(),
		perm:     perm,
		renameFn: os.Rename,
	}, nil
}

// TempPath returns path of the temporary file
func (f *File) TempPath() string {
	return f.tmpPath
}

// remember the first error and clean up
func (f *File) fail(err error) error {
	if err == nil {
		return nil
	}
	if f.err == nil {
		f.err = err
	}
	_ = f.Close()
	return err
}

func (f *File) Write(d []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	n, err := f.tmpFile.Write(d)
	return n, f.fail(err)
}

func (f *File) Sync() error {
	if f.err != nil {
		return f.err
	}
	return f.fail(f.tmpFile.Sync())
}

func (f *File) closed() bool {
	return f.tmpFile == nil
}

// RemoveIfNotClosed deletes the temp file if Close() wasn't called yet.
// The destination is left as is. Meant to be used with defer so that
// a panic or early return doesn't leave temp files behind.
func (f *File) RemoveIfNotClosed() {
	if f == nil || f.closed() {
		return
	}
	f.err = ErrCancelled
	_ = f.Close()
}

// Close commits the write: sync, close, rename over destination.
// Can be called multiple times, subsequent calls return the first error.
func (f *File) Close() error {
	if f.closed() {
		return f.err
	}
	tmpFile := f.tmpFile
	f.tmpFile = nil

	// https://www.joeshaw.org/dont-defer-close-on-writable-files/
	errSync := tmpFile.Sync()
	errClose := tmpFile.Close()

	didRename := false
	defer func() {
		if !didRename {
			_ = os.Remove(f.tmpPath)
		}
	}()

	if f.err != nil {
		return f.err
	}
	err := errSync
	if err == nil {
		err = errClose
	}
	if err == nil {
		// CreateTemp always uses 0600
		err = os.Chmod(f.tmpPath, f.perm)
	}
	if err == nil {
		err = f.renameFn(f.tmpPath, f.dstPath)
		didRename = err == nil
	}
	if didRename {
		syncDir(f.dir)
	}
	f.err = err
	return err
}

// make the rename itself durable. errors are ignored because
// not all systems support syncing a directory
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// WriteFile atomically replaces path with data
func WriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := NewWithPerm(path, perm)
	if err != nil {
		return err
	}
	defer f.RemoveIfNotClosed()
	if _, err = f.Write(data); err != nil {
		return err
	}
	return f.Close()
}
