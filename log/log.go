package log

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kjk/datareceiver/httputil"
	"github.com/kjk/datareceiver/siser"
	"github.com/kjk/datareceiver/u"

	"github.com/toon-format/toon-go"
)

var (
	log       *WriteDaily
	httpLog   *WriteDaily
	errorsLog *WriteDaily
	eventsLog *WriteDaily

	// stdout by default, swapped in tests
	out io.Writer = os.Stdout
	// protects out and the package-level loggers
	mu sync.Mutex

	// if true, Verbosef() will log messages
	Verbose bool
)

// WriteDaily appends to a file named after the current UTC day
// i.e. <Dir>/2024-05-01.txt. Methods are safe to call on nil receiver.
type WriteDaily struct {
	Dir         string
	currentDate int // YYYYMMDD
	file        *os.File
	mu          sync.Mutex
}

func NewWriteDaily(dir string) *WriteDaily {
	return &WriteDaily{
		Dir: dir,
	}
}

func dayFromTime(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// PathForTime returns path of the log file for day t
func (w *WriteDaily) PathForTime(t time.Time) string {
	return filepath.Join(w.Dir, t.UTC().Format("2006-01-02")+".txt")
}

// must be called with w.mu held
func (w *WriteDaily) writer() (io.Writer, error) {
	now := time.Now().UTC()
	today := dayFromTime(now)
	if w.file != nil && w.currentDate != today {
		if err := w.close(); err != nil {
			return nil, err
		}
	}
	if w.file == nil {
		if err := os.MkdirAll(w.Dir, 0755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(w.PathForTime(now), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		w.file = f
		w.currentDate = today
	}
	return w.file, nil
}

func (w *WriteDaily) Write(d []byte) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	wr, err := w.writer()
	if err != nil {
		return err
	}
	_, err = wr.Write(d)
	return err
}

func (w *WriteDaily) WriteString(s string) error {
	return w.Write([]byte(s))
}

func (w *WriteDaily) close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.currentDate = 0
	return err
}

func (w *WriteDaily) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		_ = w.file.Sync()
	}
	return w.close()
}

type Config struct {
	// directory where log files are stored, each log type
	// (log, errors, http, events) has its own subdirectory.
	// if empty we only log to stdout
	Dir     string
	Verbose bool
}

// Init sets up logging. Files are only created on first write,
// so an app that doesn't log events doesn't get an events dir.
func Init(config *Config) {
	Close()
	mu.Lock()
	defer mu.Unlock()
	Verbose = config.Verbose
	dir := config.Dir
	if dir == "" {
		return
	}
	log = NewWriteDaily(filepath.Join(dir, "log"))
	errorsLog = NewWriteDaily(filepath.Join(dir, "errors"))
	httpLog = NewWriteDaily(filepath.Join(dir, "http"))
	eventsLog = NewWriteDaily(filepath.Join(dir, "events"))
}

// Close flushes and closes all log files
func Close() {
	mu.Lock()
	defer mu.Unlock()
	for _, wd := range []**WriteDaily{&log, &httpLog, &errorsLog, &eventsLog} {
		_ = (*wd).Close()
		*wd = nil
	}
}

func Logf(s string, args ...any) {
	if len(args) > 0 {
		s = fmt.Sprintf(s, args...)
	}
	mu.Lock()
	fmt.Fprint(out, s)
	l := log
	mu.Unlock()
	l.WriteString(s)
}

func Verbosef(format string, args ...any) {
	if !Verbose {
		return
	}
	Logf(format, args...)
}

func GetCallstackFrames(skip int) []string {
	var callers [32]uintptr
	n := runtime.Callers(skip+1, callers[:])
	frames := runtime.CallersFrames(callers[:n])
	var cs []string
	for {
		frame, more := frames.Next()
		if !more {
			break
		}
		cs = append(cs, frame.File+":"+strconv.Itoa(frame.Line))
	}
	return cs
}

func GetCallstack(skip int) string {
	return strings.Join(GetCallstackFrames(skip+1), "\n")
}

// Errorf logs an error message along with the callstack.
// It goes to the regular log and to the errors log.
func Errorf(s string, args ...any) {
	if len(args) > 0 {
		s = fmt.Sprintf(s, args...)
	}
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	s = s + GetCallstack(2) + "\n"
	Logf("%s", s)
	mu.Lock()
	el := errorsLog
	mu.Unlock()
	el.WriteString(s)
}

// if err != nil, log and return true
// IfErrf(err) => logs err.Error()
// IfErrf(err, "error is: %v", err) => logs message formatted
func IfErrf(err error, a ...any) bool {
	if err == nil {
		return false
	}
	if len(a) == 0 {
		Errorf("%s", err.Error())
		return true
	}
	s, ok := a[0].(string)
	if !ok {
		s = fmt.Sprintf("%s", a[0])
	}
	if len(a) > 1 {
		s = fmt.Sprintf(s, a[1:]...)
	}
	Errorf("%s", s)
	return true
}

// simple types only, keys of events must be printable on one line
func simpleTypeToStr(v any) string {
	switch reflect.TypeOf(v).Kind() {
	case reflect.Array, reflect.Slice, reflect.Struct, reflect.Map, reflect.Chan, reflect.Interface, reflect.Pointer:
		panic(fmt.Sprintf("simpleTypeToStr: value is of kind %v", reflect.TypeOf(v).Kind()))
	case reflect.String:
		return v.(string)
	}
	return fmt.Sprintf("%v", v)
}

// EventData encodes key/value pairs of an event in toon format
func EventData(vals ...any) ([]byte, error) {
	n := len(vals)
	u.PanicIf(n%2 != 0, "EventData: odd number of values (%d)", n)
	if n == 0 {
		return nil, nil
	}
	m := map[string]any{}
	for i := 0; i < n; i += 2 {
		m[simpleTypeToStr(vals[i])] = vals[i+1]
	}
	return toon.Marshal(m)
}

// Event logs a named event with key/value pairs to the events log
func Event(name string, vals ...any) {
	d, err := EventData(vals...)
	if err != nil {
		Errorf("Event('%s'): toon.Marshal() failed with '%s'", name, err)
		return
	}
	line := siser.MarshalLine(name, time.Now().UTC(), d, nil)
	mu.Lock()
	el := eventsLog
	mu.Unlock()
	el.Write(line)
}

func EventWithDuration(name string, dur time.Duration, vals ...any) {
	vals = append(vals, "durmicro", dur.Microseconds())
	Event(name, vals...)
}

// EventFromRequest is like Event but adds ip of the client
func EventFromRequest(r *http.Request, name string, vals ...any) {
	if r != nil {
		vals = append(vals, "ip", httputil.GetBestRemoteAddress(r))
	}
	Event(name, vals...)
}

// HTTPRequestToWriteDaily writes a JSON line describing a finished request
func HTTPRequestToWriteDaily(w *WriteDaily, r *http.Request, code int, nWritten int64, dur time.Duration) error {
	rawQuery := r.URL.RawQuery
	if len(rawQuery) > 128 {
		rawQuery = rawQuery[:128]
	}
	entry := map[string]any{
		"ts":     time.Now().UTC().Unix(),
		"method": r.Method,
		"url":    r.URL.Path,
		"query":  rawQuery,
		"host":   r.Host,
		"ip":     httputil.GetBestRemoteAddress(r),
		"code":   code,
		"size":   nWritten,
		"dur":    float64(dur.Microseconds()) / 1000.0, // milliseconds
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		entry["ua"] = ua
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		entry["content_type"] = ct
	}
	if r.ContentLength > 0 {
		entry["req_size"] = r.ContentLength
	}

	buf := &strings.Builder{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entry); err != nil {
		return err
	}
	return w.WriteString(buf.String())
}

func HTTPRequest(r *http.Request, code int, nWritten int64, dur time.Duration) error {
	mu.Lock()
	hl := httpLog
	mu.Unlock()
	return HTTPRequestToWriteDaily(hl, r, code, nWritten, dur)
}
