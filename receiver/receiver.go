// Package receiver is the HTTP front of the store: it accepts JSON
// payloads on POST /api/v1/store and appends them to a jsonstore.Store.
package receiver

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/kjk/datareceiver/entry"
	"github.com/kjk/datareceiver/httputil"
	"github.com/kjk/datareceiver/jsonstore"
	"github.com/kjk/datareceiver/log"
	"github.com/tidwall/gjson"
)

const StorePath = "/api/v1/store"

const (
	msgNoData        = "No data received"
	msgTooLarge      = "Payload too large"
	msgInternalError = "Internal server error"
)

// Appender is implemented by *jsonstore.Store
type Appender interface {
	Append(rec *entry.Record) error
}

type Server struct {
	Store Appender
	// nil means random UUIDs and current time
	Builder *entry.Builder
	// 0 means no limit
	MaxBodyBytes int64
}

// StoreResponse is the body of a successful POST /api/v1/store
type StoreResponse struct {
	Status  string `json:"status"`
	EntryID string `json:"entry_id"`
}

// ErrorResponse is the body of a failed request
type ErrorResponse struct {
	Message string `json:"message"`
}

func serveError(w http.ResponseWriter, msg string, code int) {
	_ = httputil.ServeJSONStatus(w, ErrorResponse{Message: msg}, code)
}

// NewRouter returns handler with all the routes
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(logRequests)
	r.Use(recoverPanic)
	r.Post(StorePath, s.handleStore)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		serveError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		serveError(w, "Not found", http.StatusNotFound)
	})
	return r
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		cw := httputil.NewCapturingResponseWriter(w)
		next.ServeHTTP(cw, r)
		dur := time.Since(start)
		log.Verbosef("%s %s %d %s\n", r.Method, r.URL.Path, cw.StatusCode, dur)
		log.IfErrf(log.HTTPRequest(r, cw.StatusCode, cw.Size, dur))
	})
}

func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cw := httputil.NewCapturingResponseWriter(w)
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			log.Errorf("panic in %s %s: %v", r.Method, r.URL.Path, v)
			// too late to change the status
			if cw.WroteHeader {
				return
			}
			serveError(cw, msgInternalError, http.StatusInternalServerError)
		}()
		next.ServeHTTP(cw, r)
	})
}

// isEmptyPayload is true for values that mean "nothing was sent":
// null, false, 0, "", {} and []
func isEmptyPayload(res gjson.Result) bool {
	switch res.Type {
	case gjson.Null, gjson.False:
		return true
	case gjson.Number:
		return res.Num == 0
	case gjson.String:
		return res.Str == ""
	case gjson.JSON:
		empty := true
		res.ForEach(func(_, _ gjson.Result) bool {
			empty = false
			return false
		})
		return empty
	}
	return false
}

// POST /api/v1/store
func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body := r.Body
	if s.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.MaxBodyBytes)
	}
	d, err := io.ReadAll(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			serveError(w, msgTooLarge, http.StatusRequestEntityTooLarge)
			return
		}
		log.Logf("handleStore: reading body failed with '%s'\n", err)
		serveError(w, msgNoData, http.StatusBadRequest)
		return
	}

	d = bytes.TrimSpace(d)
	if len(d) == 0 {
		serveError(w, msgNoData, http.StatusBadRequest)
		return
	}
	// a body we can't parse is a server error, same as any other failure
	// before the append. gjson doesn't check encoding of strings
	if !gjson.ValidBytes(d) || !utf8.Valid(d) {
		log.Logf("handleStore: body of %d bytes is not valid UTF-8 JSON\n", len(d))
		log.EventFromRequest(r, "invalid_json", "size", len(d))
		serveError(w, msgInternalError, http.StatusInternalServerError)
		return
	}
	if isEmptyPayload(gjson.ParseBytes(d)) {
		serveError(w, msgNoData, http.StatusBadRequest)
		return
	}

	rec := s.Builder.Build(d)
	if err = s.Store.Append(rec); err != nil {
		kind := jsonstore.KindOf(err)
		log.Errorf("handleStore: Append() of entry '%s' failed with '%s'", rec.ID, err)
		log.EventFromRequest(r, "append_failed", "id", rec.ID, "kind", kind.String())
		serveError(w, msgInternalError, http.StatusInternalServerError)
		return
	}
	log.EventWithDuration("append", time.Since(start), "id", rec.ID, "size", len(d))
	res := StoreResponse{
		Status:  "success",
		EntryID: rec.ID,
	}
	_ = httputil.ServeJSONStatus(w, res, http.StatusCreated)
}
