package jsonstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alecthomas/assert"
	"github.com/kjk/datareceiver/atomicfile"
	"github.com/kjk/datareceiver/entry"
	"github.com/kjk/datareceiver/u"
	"github.com/pkg/errors"
)

func openTestStore(t *testing.T, opts *Options) *Store {
	path := filepath.Join(t.TempDir(), "data_store.json")
	s, err := Open(path, opts)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func readStore(t *testing.T, s *Store) []*entry.Record {
	d, err := os.ReadFile(s.Path)
	assert.NoError(t, err)
	records, err := decodeRecords(d)
	assert.NoError(t, err)
	return records
}

func mustAppend(t *testing.T, s *Store, payload string) *entry.Record {
	rec := entry.New(json.RawMessage(payload))
	assert.NoError(t, s.Append(rec))
	return rec
}

// files in the store directory other than the store and its lock file
func leftoverFiles(t *testing.T, s *Store) []string {
	entries, err := os.ReadDir(filepath.Dir(s.Path))
	assert.NoError(t, err)
	var res []string
	for _, e := range entries {
		name := e.Name()
		if name == filepath.Base(s.Path) || name == filepath.Base(s.Path)+".lock" {
			continue
		}
		res = append(res, name)
	}
	return res
}

func TestOpenDoesNotCreateFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "dir", "store.json")
	s, err := Open(path, nil)
	assert.NoError(t, err)
	defer s.Close()
	assert.True(t, filepath.IsAbs(s.Path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	n, err := s.Count()
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open("", nil)
	assert.Error(t, err)

	dir := t.TempDir()
	_, err = Open(dir, nil)
	assert.Error(t, err)
}

func TestAppendTwo(t *testing.T) {
	s := openTestStore(t, nil)
	rec1 := mustAppend(t, s, `{"x":1}`)

	records := readStore(t, s)
	assert.Equal(t, 1, len(records))
	assert.Equal(t, rec1.ID, records[0].ID)
	assert.Equal(t, rec1.Timestamp, records[0].Timestamp)
	assertSameJSON(t, rec1.Data, records[0].Data)
	first, err := os.ReadFile(s.Path)
	assert.NoError(t, err)

	rec2 := mustAppend(t, s, `{"y":2}`)
	records = readStore(t, s)
	assert.Equal(t, 2, len(records))
	assert.Equal(t, rec1.ID, records[0].ID)
	assert.Equal(t, rec1.Timestamp, records[0].Timestamp)
	assertSameJSON(t, rec1.Data, records[0].Data)
	assert.Equal(t, rec2.ID, records[1].ID)
	assertSameJSON(t, rec2.Data, records[1].Data)

	// first element is untouched, byte for byte
	second, err := os.ReadFile(s.Path)
	assert.NoError(t, err)
	firstElem := strings.TrimSuffix(strings.TrimSpace(string(first)), "]")
	firstElem = strings.TrimSpace(firstElem)
	assert.True(t, strings.HasPrefix(string(second), firstElem+","), string(second))

	assert.Equal(t, 0, len(leftoverFiles(t, s)))
}

func TestDurability(t *testing.T) {
	s := openTestStore(t, &Options{Compact: true})
	for i := 0; i < 20; i++ {
		before := len(readStoreOrEmpty(t, s))
		rec := mustAppend(t, s, fmt.Sprintf(`{"i":%d}`, i))

		// a fresh Store sees the same data, as after a restart
		s2, err := Open(s.Path, nil)
		assert.NoError(t, err)
		records, err := s2.load()
		assert.NoError(t, err)
		assert.Equal(t, before+1, len(records))
		last := records[len(records)-1]
		assert.Equal(t, rec.ID, last.ID)
		assert.Equal(t, rec.Timestamp, last.Timestamp)
		assert.Equal(t, string(rec.Data), string(last.Data))
	}
}

func readStoreOrEmpty(t *testing.T, s *Store) []*entry.Record {
	if _, err := os.Stat(s.Path); os.IsNotExist(err) {
		return nil
	}
	return readStore(t, s)
}

func TestPrettyAndCompact(t *testing.T) {
	pretty := openTestStore(t, nil)
	mustAppend(t, pretty, `{"a":"<b>"}`)
	d, err := os.ReadFile(pretty.Path)
	assert.NoError(t, err)
	s := string(d)
	assert.True(t, strings.HasPrefix(s, "[\n  {\n    \"id\": "), s)
	// payload is not html-escaped
	assert.True(t, strings.Contains(s, `"<b>"`), s)

	compact := openTestStore(t, &Options{Compact: true})
	mustAppend(t, compact, `{"a": 1}`)
	d, err = os.ReadFile(compact.Path)
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(d), `[{"id":"`), string(d))
	assert.True(t, strings.Contains(string(d), `"data":{"a":1}}]`), string(d))
}

func TestRoundTrip(t *testing.T) {
	records := []*entry.Record{
		{ID: "1", Timestamp: "2024-01-01T00:00:00+00:00", Data: json.RawMessage(`{"nested":{"arr":[1,2.5,"x",null,true]}}`)},
		{ID: "2", Timestamp: "2024-01-01T00:00:01.5+00:00", Data: json.RawMessage(`"just a string é"`)},
		{ID: "3", Timestamp: "2024-01-01T00:00:02+00:00", Data: json.RawMessage(`[{"a":{}},[]]`)},
		{ID: "4", Timestamp: "2024-01-01T00:00:03+00:00", Data: json.RawMessage(`12345678901234567890`)},
	}
	for _, compact := range []bool{false, true} {
		d, err := encodeRecords(records, compact)
		assert.NoError(t, err)
		got, err := decodeRecords(d)
		assert.NoError(t, err)
		assert.Equal(t, len(records), len(got))
		for i, rec := range records {
			assert.Equal(t, rec.ID, got[i].ID)
			assert.Equal(t, rec.Timestamp, got[i].Timestamp)
			assertSameJSON(t, rec.Data, got[i].Data)
		}
	}
}

func assertSameJSON(t *testing.T, exp, got json.RawMessage) {
	var v1, v2 any
	d1 := json.NewDecoder(strings.NewReader(string(exp)))
	d1.UseNumber()
	assert.NoError(t, d1.Decode(&v1))
	d2 := json.NewDecoder(strings.NewReader(string(got)))
	d2.UseNumber()
	assert.NoError(t, d2.Decode(&v2))
	assert.Equal(t, v1, v2)
}

func TestEncodeEmpty(t *testing.T) {
	d, err := encodeRecords(nil, true)
	assert.NoError(t, err)
	assert.Equal(t, "[]\n", string(d))
}

func TestCorruptStore(t *testing.T) {
	tests := []string{
		"not json",
		"",
		"   ",
		"null",
		`{"id":"1"}`,
		`[{"id":"1"}`,
		`[1,2]`,
		`[null]`,
	}
	for _, content := range tests {
		s := openTestStore(t, nil)
		assert.NoError(t, os.WriteFile(s.Path, []byte(content), 0644))

		err := s.Append(entry.New(json.RawMessage(`{"x":1}`)))
		assert.Error(t, err, "content: %q", content)
		assert.True(t, errors.Is(err, ErrCorruptStore), "content: %q, err: %v", content, err)
		assert.False(t, errors.Is(err, ErrCommitFailed))
		assert.Equal(t, CorruptStore, KindOf(err))

		d, err := os.ReadFile(s.Path)
		assert.NoError(t, err)
		assert.Equal(t, content, string(d))
		assert.Equal(t, 0, len(leftoverFiles(t, s)))
	}
}

func TestEncodeFailed(t *testing.T) {
	s := openTestStore(t, nil)
	mustAppend(t, s, `{"x":1}`)
	before, err := os.ReadFile(s.Path)
	assert.NoError(t, err)

	bad := &entry.Record{ID: "bad", Timestamp: "t", Data: json.RawMessage(`{not json`)}
	err = s.Append(bad)
	assert.True(t, errors.Is(err, ErrEncodeFailed), "%v", err)

	after, err := os.ReadFile(s.Path)
	assert.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func withWriteFile(t *testing.T, fn func(path string, data []byte, perm os.FileMode) error) {
	orig := writeFileAtomic
	writeFileAtomic = fn
	t.Cleanup(func() { writeFileAtomic = orig })
}

func TestCommitFailedKeepsPreviousContent(t *testing.T) {
	s := openTestStore(t, nil)
	mustAppend(t, s, `{"x":1}`)
	before, err := os.ReadFile(s.Path)
	assert.NoError(t, err)

	// write half of the new content to the temp file and fail before rename
	errDiskFull := errors.New("simulated disk full")
	withWriteFile(t, func(path string, data []byte, perm os.FileMode) error {
		f, err := atomicfile.NewWithPerm(path, perm)
		if err != nil {
			return err
		}
		defer f.RemoveIfNotClosed()
		if _, err = f.Write(data[:len(data)/2]); err != nil {
			return err
		}
		return errDiskFull
	})

	err = s.Append(entry.New(json.RawMessage(`{"y":2}`)))
	assert.True(t, errors.Is(err, ErrCommitFailed), "%v", err)
	assert.True(t, errors.Is(err, errDiskFull), "%v", err)

	after, err := os.ReadFile(s.Path)
	assert.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	assert.Equal(t, 0, len(leftoverFiles(t, s)))
}

func TestCrashBeforeRename(t *testing.T) {
	s := openTestStore(t, nil)
	rec := mustAppend(t, s, `{"x":1}`)

	// process dies after writing the temp file, nothing cleans it up
	withWriteFile(t, func(path string, data []byte, perm os.FileMode) error {
		tmp := path + ".crash" + atomicfile.TempSuffix
		if err := os.WriteFile(tmp, data[:len(data)/3], perm); err != nil {
			return err
		}
		return errors.New("killed")
	})
	err := s.Append(entry.New(json.RawMessage(`{"y":2}`)))
	assert.Error(t, err)

	// "restart": a new Store over the same path sees the old array
	s2, err := Open(s.Path, nil)
	assert.NoError(t, err)
	records, err := s2.load()
	assert.NoError(t, err)
	assert.Equal(t, 1, len(records))
	assert.Equal(t, rec.ID, records[0].ID)
}

func TestConcurrentAppendOrder(t *testing.T) {
	for _, fileLock := range []bool{false, true} {
		s := openTestStore(t, &Options{FileLock: fileLock, Compact: true})

		var acquired []string
		s.afterLock = func(rec *entry.Record) {
			// called with the lock held
			acquired = append(acquired, rec.ID)
		}

		const n = 50
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec := entry.New(json.RawMessage(fmt.Sprintf(`{"marker":%d}`, i)))
				errs <- s.Append(rec)
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}

		records := readStore(t, s)
		assert.Equal(t, n, len(records))
		assert.Equal(t, n, len(acquired))

		seenMarker := map[string]bool{}
		seenID := map[string]bool{}
		for i, rec := range records {
			assert.Equal(t, acquired[i], rec.ID)
			assert.False(t, seenID[rec.ID])
			seenID[rec.ID] = true
			seenMarker[string(rec.Data)] = true
		}
		for i := 0; i < n; i++ {
			assert.True(t, seenMarker[fmt.Sprintf(`{"marker":%d}`, i)])
		}
		assert.Equal(t, 0, len(leftoverFiles(t, s)))
	}
}

func TestFIFOLockOrder(t *testing.T) {
	l := newFIFOLock()
	assert.True(t, l.lock(0))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.lock(0)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.unlock()
		}(i)
		// give the goroutine time to queue up before starting the next one
		time.Sleep(20 * time.Millisecond)
	}
	l.unlock()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLockTimeout(t *testing.T) {
	s := openTestStore(t, &Options{LockTimeout: 50 * time.Millisecond})
	assert.True(t, s.mu.lock(0))

	start := time.Now()
	err := s.Append(entry.New(json.RawMessage(`1`)))
	assert.True(t, errors.Is(err, ErrLockTimeout), "%v", err)
	assert.True(t, time.Since(start) >= 50*time.Millisecond)
	s.mu.unlock()

	_, err = os.Stat(s.Path)
	assert.True(t, os.IsNotExist(err))

	mustAppend(t, s, `1`)
	n, err := s.Count()
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFileLockAcrossStores(t *testing.T) {
	if !flockSupported {
		t.Skip("flock not supported")
	}
	// two Stores on the same path behave like two processes
	s1 := openTestStore(t, &Options{FileLock: true})
	s2, err := Open(s1.Path, &Options{FileLock: true, LockTimeout: 50 * time.Millisecond})
	assert.NoError(t, err)
	defer s2.Close()

	release, err := s1.acquire()
	assert.NoError(t, err)

	err = s2.Append(entry.New(json.RawMessage(`1`)))
	assert.True(t, errors.Is(err, ErrLockTimeout), "%v", err)

	release()
	mustAppend(t, s2, `2`)
	mustAppend(t, s1, `3`)
	assert.Equal(t, 2, len(readStore(t, s1)))
}

func TestStorageErrorMessage(t *testing.T) {
	err := newError(CommitFailed, "/tmp/x.json", errors.New("disk full"))
	assert.Equal(t, "jsonstore: commit failed '/tmp/x.json': disk full", err.Error())
	assert.Equal(t, "ErrorKind(42)", ErrorKind(42).String())
	assert.Equal(t, ErrorKind(0), KindOf(errors.New("other")))
	assert.Equal(t, CommitFailed, KindOf(errors.Wrap(err, "wrapped")))
}

func TestAppendRejectsInvalidUTF8(t *testing.T) {
	s := openTestStore(t, &Options{Compact: true})
	mustAppend(t, s, `{"x":1}`)
	before, err := os.ReadFile(s.Path)
	assert.NoError(t, err)

	bad := entry.New(json.RawMessage("{\"a\":\"\xff\xfe\"}"))
	err = s.Append(bad)
	assert.True(t, errors.Is(err, ErrEncodeFailed), "%v", err)

	after, err := os.ReadFile(s.Path)
	assert.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	mustAppend(t, s, `{"a":"żółw 🐢"}`)
	d, err := os.ReadFile(s.Path)
	assert.NoError(t, err)
	assert.True(t, utf8.Valid(d))
	assert.Equal(t, 2, len(readStore(t, s)))
}

func TestIsStaleTempName(t *testing.T) {
	base := "data_store.json"
	tests := []struct {
		name string
		exp  bool
	}{
		{"data_store.json.123456.tmp", true},
		{"data_store.json.1.tmp", true},
		{"data_store.json..tmp", false},
		{"data_store.json.backup.tmp", false},
		{"data_store.json.tmp", false},
		{"data_store.json.lock", false},
		{"other.json.123.tmp", false},
		{"data_store.json", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.exp, isStaleTempName(tc.name, base), "name: %s", tc.name)
	}
}

func TestOpenRemovesStaleTempFiles(t *testing.T) {
	if !flockSupported {
		t.Skip("flock not supported")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "data_store.json")
	for _, name := range []string{"data_store.json.4242.tmp", "data_store.json.notes.tmp"} {
		assert.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("[{"), 0644))
	}

	s, err := Open(path, &Options{FileLock: true})
	assert.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []string{"data_store.json.notes.tmp"}, leftoverFiles(t, s))

	// without the file lock we can't tell a crashed writer from a live one
	name := filepath.Join(dir, "data_store.json.777.tmp")
	assert.NoError(t, os.WriteFile(name, []byte("[{"), 0644))
	s2, err := Open(path, &Options{FileLock: false})
	assert.NoError(t, err)
	defer s2.Close()
	assert.True(t, u.FileExists(name))
}

func TestOpenKeepsTempFilesWhileLocked(t *testing.T) {
	if !flockSupported {
		t.Skip("flock not supported")
	}
	s1 := openTestStore(t, &Options{FileLock: true})
	release, err := s1.acquire()
	assert.NoError(t, err)

	// another writer is between creating its temp file and the rename
	name := s1.Path + ".31337" + atomicfile.TempSuffix
	assert.NoError(t, os.WriteFile(name, []byte("[]"), 0644))
	s2, err := Open(s1.Path, &Options{FileLock: true})
	assert.NoError(t, err)
	defer s2.Close()
	assert.True(t, u.FileExists(name))

	release()
	s3, err := Open(s1.Path, &Options{FileLock: true})
	assert.NoError(t, err)
	defer s3.Close()
	assert.False(t, u.FileExists(name))
}

func TestCloseWhileAppending(t *testing.T) {
	s := openTestStore(t, &Options{FileLock: true})
	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Append(entry.New(json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))))
		}(i)
	}
	assert.NoError(t, s.Close())
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, n, len(readStore(t, s)))
	// Close is idempotent
	assert.NoError(t, s.Close())
}
