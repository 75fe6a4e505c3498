// Package jsonstore is an append-only log of entry.Record kept as a single
// JSON array in one file.
//
// Every Append re-reads the whole file, adds the record at the end and
// atomically replaces the file (see package atomicfile). Readers, including
// the process itself after a crash, see either the old or the new array.
//
// # Concurrency
//
// Appends are serialized by a FIFO lock owned by the Store, so the order
// of records in the file is the order in which callers acquired the lock.
// With Options.FileLock an exclusive flock(2) on "<path>.lock" is also held
// during the append, which serializes writers from different processes
// sharing the same file.
//
// # Usage
//
//	s, err := jsonstore.Open("data_store.json", &jsonstore.Options{FileLock: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	rec := entry.New(json.RawMessage(`{"x":1}`))
//	err = s.Append(rec)
//
// Appending costs O(size of the file). It's meant for low-volume logs.
package jsonstore
