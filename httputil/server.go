package httputil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// ServerOptions configures RunServer
type ServerOptions struct {
	Addr    string // e.g. ":5001" or "0.0.0.0:5001"
	Handler http.Handler
	// how long to wait for in-flight requests on shutdown, 5 secs if not set
	ShutdownTimeout time.Duration
	// called with the actual address once the server listens, useful with ":0"
	OnListen func(addr string)
}

// NewServer returns http.Server with timeouts that are better than the defaults
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// RunServer serves until ctx is cancelled, then shuts down gracefully.
// In-flight requests get ShutdownTimeout to finish, so that appends
// already in progress complete.
func RunServer(ctx context.Context, opts ServerOptions) error {
	if opts.Addr == "" {
		return errors.New("need to provide opts.Addr")
	}
	if opts.Handler == nil {
		return errors.New("need to provide opts.Handler")
	}
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return err
	}
	if opts.OnListen != nil {
		opts.OnListen(ln.Addr().String())
	}
	srv := NewServer(opts.Addr, opts.Handler)
	chServeErr := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		// mute error caused by Shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		chServeErr <- err
	}()

	select {
	case err = <-chServeErr:
		return err
	case <-ctx.Done():
	}

	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if serveErr := <-chServeErr; serveErr != nil {
		return serveErr
	}
	return err
}
