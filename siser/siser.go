// Package siser frames blocks of data in a line-oriented, human-readable way.
//
// Each block starts with a header line:
//
//	--- ${size} ${timestamp_unix_ms} ${name}\n
//
// followed by ${size} bytes of data. If data doesn't end with a newline,
// one is added for readability. It's used for the events log, where
// data is a toon-encoded map.
package siser

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"
)

var hdrPrefix = []byte("--- ")

// TimeToUnixMillisecond converts t into Unix epoch time in milliseconds
func TimeToUnixMillisecond(t time.Time) int64 {
	return t.UnixNano() / 1e6
}

// TimeFromUnixMillisecond is the reverse of TimeToUnixMillisecond
func TimeFromUnixMillisecond(unixMs int64) time.Time {
	return time.Unix(0, unixMs*1e6)
}

// MarshalLine frames d. If t is zero it's not written.
// If wb is not nil it's reset and used as the buffer, so the result
// is only valid until next use of wb.
func MarshalLine(name string, t time.Time, d []byte, wb *bytes.Buffer) []byte {
	if wb == nil {
		wb = &bytes.Buffer{}
	} else {
		wb.Reset()
	}
	wb.Grow(len(hdrPrefix) + len(name) + len(d) + 32)

	wb.Write(hdrPrefix)
	n := len(d)
	wb.WriteString(strconv.Itoa(n))
	if !t.IsZero() {
		wb.WriteByte(' ')
		wb.WriteString(strconv.FormatInt(TimeToUnixMillisecond(t), 10))
	}
	if name != "" {
		wb.WriteByte(' ')
		wb.WriteString(name)
	}
	wb.WriteByte('\n')
	if n > 0 {
		wb.Write(d)
		if d[n-1] != '\n' {
			wb.WriteByte('\n')
		}
	}
	return wb.Bytes()
}

// Reader reads blocks written with MarshalLine (with timestamp)
type Reader struct {
	r *bufio.Reader

	// valid after ReadNext() returns true, over-written by next ReadNext()
	Data      []byte
	Name      string
	Timestamp time.Time

	err  error
	done bool
}

func NewReader(r io.Reader) *Reader {
	return &Reader{
		r: bufio.NewReader(r),
	}
}

// ReadNext reads next block. Returns false at the end or on error,
// check Err() to tell them apart.
func (r *Reader) ReadNext() bool {
	if r.err != nil || r.done {
		return false
	}
	hdr, err := r.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(hdr) == 0 {
			r.done = true
		} else {
			r.err = err
		}
		return false
	}
	if !bytes.HasPrefix(hdr, hdrPrefix) {
		r.err = fmt.Errorf("unexpected header '%s'", string(hdr))
		return false
	}
	// "${size} ${timestamp} ${name}", name is optional
	parts := bytes.SplitN(hdr[len(hdrPrefix):len(hdr)-1], []byte{' '}, 3)
	if len(parts) < 2 {
		r.err = fmt.Errorf("unexpected header '%s'", string(hdr))
		return false
	}
	size, err := strconv.Atoi(string(parts[0]))
	if err != nil || size < 0 {
		r.err = fmt.Errorf("invalid size in header '%s'", string(hdr))
		return false
	}
	ms, err := strconv.ParseInt(string(parts[1]), 10, 64)
	if err != nil {
		r.err = fmt.Errorf("invalid timestamp in header '%s'", string(hdr))
		return false
	}
	r.Timestamp = TimeFromUnixMillisecond(ms)
	r.Name = ""
	if len(parts) == 3 {
		r.Name = string(parts[2])
	}

	r.Data = make([]byte, size)
	if _, err = io.ReadFull(r.r, r.Data); err != nil {
		r.err = err
		return false
	}
	if size > 0 && r.Data[size-1] != '\n' {
		// skip padding newline
		if _, err = r.r.Discard(1); err != nil {
			r.err = err
			return false
		}
	}
	return true
}

func (r *Reader) Err() error {
	return r.err
}
