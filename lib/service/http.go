// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// Timeouts applied when HTTPServerConfig leaves them zero.
const (
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
)

// HTTPServerConfig configures an HTTPServer. Address, Handler and
// Logger are required.
type HTTPServerConfig struct {
	// Address is the TCP listen address, e.g. "127.0.0.1:8080". Port 0
	// picks a free port; read it back from Addr once Ready is closed.
	Address string

	Handler http.Handler

	// ReadTimeout bounds reading one whole request.
	ReadTimeout time.Duration

	// WriteTimeout bounds writing one response. Snapshot downloads of
	// large session stores are the slowest responses the API has.
	WriteTimeout time.Duration

	// ShutdownTimeout is how long in-flight requests may drain after
	// the serve context ends. Connections still open after it are
	// closed forcibly.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// HTTPServer owns the API listener. A panicking handler produces a 500
// and a log line instead of a dropped connection.
type HTTPServer struct {
	address         string
	handler         http.Handler
	logger          *slog.Logger
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration

	started atomic.Bool
	ready   chan struct{}
	addr    net.Addr
}

// NewHTTPServer panics on a missing required field: that is a wiring
// bug in main, not a runtime condition.
func NewHTTPServer(config HTTPServerConfig) *HTTPServer {
	switch {
	case config.Address == "":
		panic("service.HTTPServer: Address is required")
	case config.Handler == nil:
		panic("service.HTTPServer: Handler is required")
	case config.Logger == nil:
		panic("service.HTTPServer: Logger is required")
	}

	return &HTTPServer{
		address:         config.Address,
		handler:         config.Handler,
		logger:          config.Logger,
		readTimeout:     orDefault(config.ReadTimeout, DefaultReadTimeout),
		writeTimeout:    orDefault(config.WriteTimeout, DefaultWriteTimeout),
		shutdownTimeout: orDefault(config.ShutdownTimeout, DefaultShutdownTimeout),
		ready:           make(chan struct{}),
	}
}

func orDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// Ready is closed once the listener is bound.
func (s *HTTPServer) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the bound address. Valid after Ready is closed.
func (s *HTTPServer) Addr() net.Addr {
	return s.addr
}

// Serve binds the listener and serves until ctx ends. It then stops
// accepting connections and lets in-flight requests drain for up to
// ShutdownTimeout; a drain that overruns closes the remaining
// connections and returns an error wrapping context.DeadlineExceeded.
// Serve may be called once.
func (s *HTTPServer) Serve(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("service: HTTPServer.Serve called twice")
	}

	var listenConfig net.ListenConfig
	listener, err := listenConfig.Listen(ctx, "tcp", s.address)
	if err != nil {
		return fmt.Errorf("service: listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler:           s.recoverPanics(s.handler),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       idleTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.logger.Info("http server listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveDone <- err
	}()

	select {
	case err := <-serveDone:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("http server draining", "shutdown_timeout", s.shutdownTimeout)
	drainCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(drainCtx); err != nil {
		s.logger.Warn("http server drain overran, closing connections", "error", err)
		server.Close()
		<-serveDone
		return fmt.Errorf("service: draining http server: %w", err)
	}
	if err := <-serveDone; err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

// recoverPanics turns a handler panic into a 500. http.ErrAbortHandler
// keeps its meaning of aborting the response silently.
func (s *HTTPServer) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}
			s.logger.Error("http handler panicked",
				"method", request.Method,
				"path", request.URL.Path,
				"panic", fmt.Sprint(recovered),
			)
			http.Error(writer, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}()
		next.ServeHTTP(writer, request)
	})
}
