package httputil

import "net/http"

// CapturingResponseWriter remembers status code and number of bytes
// written so that they can be logged after the handler returns
type CapturingResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Size       int64
	// true once status and headers went out
	WroteHeader bool
}

func NewCapturingResponseWriter(w http.ResponseWriter) *CapturingResponseWriter {
	return &CapturingResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

func (w *CapturingResponseWriter) WriteHeader(statusCode int) {
	if !w.WroteHeader {
		w.StatusCode = statusCode
		w.WroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *CapturingResponseWriter) Write(d []byte) (int, error) {
	w.WroteHeader = true
	n, err := w.ResponseWriter.Write(d)
	w.Size += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer
func (w *CapturingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
