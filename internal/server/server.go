// Package server holds the HTTP plumbing shared by the bookshelf binaries:
// the base router with health and metrics endpoints, the middleware chain
// and graceful shutdown.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/bookshelf/internal/httputil"
	"github.com/dreamware/bookshelf/internal/logging"
	"github.com/dreamware/bookshelf/internal/metrics"
)

// ShutdownTimeout bounds how long in-flight requests may take to drain.
const ShutdownTimeout = 5 * time.Second

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Metrics     *metrics.Metrics
	Ping        func(ctx context.Context) error
	HealthExtra func(ctx context.Context) map[string]any
}

// NewRouter returns a router with JSON 404/405 handlers, GET /health and,
// when metrics are configured, GET /metrics plus the metrics middleware.
func NewRouter(opts RouterOptions) *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = httputil.NotFoundHandler()
	r.MethodNotAllowedHandler = httputil.MethodNotAllowedHandler()

	ping := opts.Ping
	if ping == nil {
		ping = func(context.Context) error { return nil }
	}
	r.Handle("/health", httputil.Health(ping, opts.HealthExtra)).Methods(http.MethodGet)

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
		r.Use(opts.Metrics.Middleware)
	}
	return r
}

// Wrap applies request logging, panic recovery and the request timeout.
// Logging sits outermost so 404 and 405 answers are logged too.
func Wrap(h http.Handler, log *logrus.Entry, timeout time.Duration) http.Handler {
	return logging.Middleware(log)(httputil.Recover(log)(httputil.Timeout(timeout)(h)))
}

// Run listens on addr and serves h until ctx is canceled.
func Run(ctx context.Context, addr string, h http.Handler, log *logrus.Entry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, h, log)
}

// Serve serves h on ln until ctx is canceled, then drains in-flight
// requests for up to ShutdownTimeout.
func Serve(ctx context.Context, ln net.Listener, h http.Handler, log *logrus.Entry) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", ln.Addr().String()).Info("listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}
