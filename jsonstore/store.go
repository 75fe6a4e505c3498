package jsonstore

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kjk/datareceiver/atomicfile"
	"github.com/kjk/datareceiver/entry"
	"github.com/pkg/errors"
	"github.com/tidwall/pretty"
)

var (
	errLockBusy = errors.New("file is locked by another process")
	errNotArray = errors.New("not a JSON array")
	errNotUTF8  = errors.New("data is not valid UTF-8")

	// swapped in tests to simulate failures during commit
	writeFileAtomic = atomicfile.WriteFile
)

type Options struct {
	// how long Append waits for exclusive access. 0 means forever
	LockTimeout time.Duration
	// if true, also take an OS-level lock on "<path>.lock" during Append
	// so that multiple processes can share the store file
	FileLock bool
	// if true, writes the JSON array without indentation
	Compact bool
	// permissions of the store file, 0644 if not set
	Perm os.FileMode
}

type Store struct {
	// absolute path of the store file
	Path string

	opts     Options
	mu       fifoLock
	lockPath string
	lockFile *os.File

	// called with the record being appended right after the lock is acquired.
	// Tests use it to record the order in which appends got the lock
	afterLock func(rec *entry.Record)
}

// Open creates a Store for path. It creates the parent directory
// if needed but doesn't create the store file, that happens
// on first Append.
func Open(path string, opts *Options) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "filepath.Abs('%s')", path)
	}
	if err = os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, err
	}
	if st, err := os.Stat(absPath); err == nil && !st.Mode().IsRegular() {
		return nil, errors.Errorf("'%s' exists but is not a regular file", absPath)
	}

	s := &Store{
		Path: absPath,
		mu:   newFIFOLock(),
	}
	if opts != nil {
		s.opts = *opts
	}
	if s.opts.Perm == 0 {
		s.opts.Perm = 0644
	}
	if s.opts.FileLock && flockSupported {
		s.lockPath = absPath + ".lock"
		s.lockFile, err = os.OpenFile(s.lockPath, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open lock file")
		}
		s.removeStaleTempFiles()
	}
	return s, nil
}

// isStaleTempName returns true for names atomicfile gives temp files of
// the store, i.e. "data_store.json.123456.tmp"
func isStaleTempName(name, base string) bool {
	prefix := base + "."
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, atomicfile.TempSuffix) {
		return false
	}
	rnd := strings.TrimSuffix(strings.TrimPrefix(name, prefix), atomicfile.TempSuffix)
	if rnd == "" {
		return false
	}
	for _, c := range rnd {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// removeStaleTempFiles deletes temp files left by a writer that crashed
// before rename. Only done when we get the file lock right away: while
// another process holds it, its temp file is not stale.
func (s *Store) removeStaleTempFiles() int {
	if err := lockFile(s.lockFile, time.Now()); err != nil {
		return 0
	}
	defer unlockFile(s.lockFile)

	dir, base := filepath.Split(s.Path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !isStaleTempName(e.Name(), base) {
			continue
		}
		if os.Remove(filepath.Join(dir, e.Name())) == nil {
			n++
		}
	}
	return n
}

// Close releases the lock file. It waits for in-flight Append and Count.
// After Close the store still works but without the OS-level lock.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.lock(0)
	defer s.mu.unlock()
	if s.lockFile == nil {
		return nil
	}
	err := s.lockFile.Close()
	s.lockFile = nil
	return err
}

// acquire returns a function that releases both locks
func (s *Store) acquire() (func(), error) {
	timeout := s.opts.LockTimeout
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if !s.mu.lock(timeout) {
		return nil, newError(LockTimeout, s.Path, errors.Errorf("waited %s", timeout))
	}
	if s.lockFile == nil {
		return s.mu.unlock, nil
	}

	f := s.lockFile
	if err := lockFile(f, deadline); err != nil {
		s.mu.unlock()
		if err == errLockBusy {
			return nil, newError(LockTimeout, s.Path, errors.Wrapf(err, "waited %s", timeout))
		}
		return nil, newError(LockFailed, s.Path, errors.Wrapf(err, "flock('%s')", s.lockPath))
	}
	release := func() {
		// closing the file would also release it
		_ = unlockFile(f)
		s.mu.unlock()
	}
	return release, nil
}

// Append adds rec at the end of the store. On error the store file
// has the same content as before the call.
func (s *Store) Append(rec *entry.Record) error {
	if rec == nil {
		return errors.New("rec is nil")
	}
	// the store file is UTF-8 and json.Encoder copies RawMessage bytes as is
	if !utf8.Valid(rec.Data) {
		return newError(EncodeFailed, s.Path, errNotUTF8)
	}
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	if s.afterLock != nil {
		s.afterLock(rec)
	}

	records, err := s.load()
	if err != nil {
		return err
	}
	records = append(records, rec)
	d, err := encodeRecords(records, s.opts.Compact)
	if err != nil {
		return newError(EncodeFailed, s.Path, err)
	}
	if err = writeFileAtomic(s.Path, d, s.opts.Perm); err != nil {
		return newError(CommitFailed, s.Path, err)
	}
	return nil
}

// Count returns number of records in the store
func (s *Store) Count() (int, error) {
	release, err := s.acquire()
	if err != nil {
		return 0, err
	}
	defer release()
	records, err := s.load()
	return len(records), err
}

// load must be called with the lock held.
// Missing file is an empty store.
func (s *Store) load() ([]*entry.Record, error) {
	d, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newError(LoadFailed, s.Path, err)
	}
	records, err := decodeRecords(d)
	if err != nil {
		return nil, newError(CorruptStore, s.Path, err)
	}
	return records, nil
}

func decodeRecords(d []byte) ([]*entry.Record, error) {
	d = bytes.TrimSpace(d)
	if len(d) == 0 || d[0] != '[' {
		return nil, errNotArray
	}
	var records []*entry.Record
	if err := json.Unmarshal(d, &records); err != nil {
		return nil, errors.Wrap(err, "json.Unmarshal")
	}
	for i, rec := range records {
		if rec == nil {
			return nil, errors.Errorf("record %d is null", i)
		}
	}
	return records, nil
}

func encodeRecords(records []*entry.Record, compact bool) ([]byte, error) {
	if records == nil {
		records = []*entry.Record{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// payloads are stored as sent, no need to escape <, > and &
	enc.SetEscapeHTML(false)
	if err := enc.Encode(records); err != nil {
		return nil, err
	}
	if compact {
		return buf.Bytes(), nil
	}
	return pretty.Pretty(buf.Bytes()), nil
}
