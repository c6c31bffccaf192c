package httpserver

import (
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	// loan submissions carry small JSON bodies; headers never need the 1MB default
	defaultMaxHeaderBytes = 64 << 10
)

type Option func(*http.Server)

// WithLogger routes the server's own errors (TLS handshakes, hijack
// failures, panics outside middleware) to logger at warn level.
func WithLogger(logger *slog.Logger) Option {
	return func(s *http.Server) {
		s.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelWarn)
	}
}

func WithReadHeaderTimeout(d time.Duration) Option {
	return func(s *http.Server) { s.ReadHeaderTimeout = d }
}

// New builds the HTTP server. There is no ReadTimeout or WriteTimeout:
// websocket connections stay open for the life of a loan, and per-request
// deadlines come from the timeout middleware.
func New(addr string, handler http.Handler, opts ...Option) *http.Server {
	s := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}
