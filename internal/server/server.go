package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/vinkius-labs/speedgate/internal/config"
)

const drainGrace = 5 * time.Second

// Server binds the gateway handler to a TCP listener and drains in-flight
// requests on shutdown.
type Server struct {
	logger  *slog.Logger
	addr    string
	httpSrv *http.Server
	drained sync.Once
}

// New validates the listener settings against the handler.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	return &Server{
		logger: logger.With(slog.String("agent", "lifecycle")),
		addr:   net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port)),
		httpSrv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}, nil
}

// Run serves until the context is cancelled, then drains and surfaces the
// cancellation. A listener failure is returned as-is.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: bind %s: %w", s.addr, err)
	}
	s.logger.Info("http listener started", slog.String("address", listener.Addr().String()))

	serveErr := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		if err := s.drain(); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-serveErr:
		return err
	}
}

// drain runs at most once so a cancellation racing a listener error cannot
// shut down twice.
func (s *Server) drain() error {
	var err error
	s.drained.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), drainGrace)
		defer cancel()
		s.logger.Info("http listener draining")
		err = s.httpSrv.Shutdown(ctx)
	})
	return err
}
