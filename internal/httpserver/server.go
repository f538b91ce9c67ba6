package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Server bundles the echo router with its listen address.
type Server struct {
	e    *echo.Echo
	addr string
	log  zerolog.Logger
}

// New constructs the HTTP server with routes.
func New(addr string, opts Options) *Server {
	return &Server{
		e:    NewRouter(opts),
		addr: addr,
		log:  opts.Logger.With().Str("component", "http").Logger(),
	}
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo { return s.e }

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.addr).Msg("http listening")
	if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
