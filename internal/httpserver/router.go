// Package httpserver exposes health, status, metrics and the Brain's IPC
// websocket over echo.
package httpserver

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/ipc"
)

// Options select the routes a process serves.
type Options struct {
	// Status providers keyed by section name, e.g. "core" or "brain".
	Status map[string]func() any
	// Pipe enables /ipc. Only one Core may be connected at a time.
	Pipe *ipc.Pipe
	// Token guards /ipc when non-empty.
	Token func() string
	// BaseContext bounds bridged IPC connections.
	BaseContext context.Context
	Logger      zerolog.Logger
}

// NewRouter creates a configured Echo instance.
func NewRouter(opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(opts.Logger))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/status", func(c echo.Context) error {
		out := make(map[string]any, len(opts.Status)+1)
		for name, fn := range opts.Status {
			out[name] = fn()
		}
		out["time"] = time.Now().UTC().Format(time.RFC3339)
		return c.JSON(http.StatusOK, out)
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if opts.Pipe != nil {
		token := opts.Token
		if token == nil {
			token = func() string { return "" }
		}
		base := opts.BaseContext
		if base == nil {
			base = context.Background()
		}
		e.GET("/ipc", ipcHandler(base, opts.Pipe, opts.Logger), TokenAuth(token))
	}
	return e
}

func ipcHandler(base context.Context, pipe *ipc.Pipe, logger zerolog.Logger) echo.HandlerFunc {
	var connected atomic.Bool
	log := logger.With().Str("component", "ipc").Logger()
	return func(c echo.Context) error {
		if !connected.CompareAndSwap(false, true) {
			return c.String(http.StatusConflict, "core already connected")
		}
		defer connected.Store(false)

		conn, err := ipc.Upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return nil
		}
		log.Info().Str("remote", c.RealIP()).Msg("core connected")
		err = ipc.ServeBrain(base, conn, pipe, logger)
		log.Info().Err(err).Msg("core disconnected")
		return nil
	}
}

func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	log := logger.With().Str("component", "http").Logger()
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			lvl := zerolog.DebugLevel
			if v.Error != nil || v.Status >= 500 {
				lvl = zerolog.WarnLevel
			}
			log.WithLevel(lvl).Err(v.Error).Str("method", v.Method).Str("uri", v.URI).Int("status", v.Status).Dur("latency", v.Latency).Msg("request")
			return nil
		},
	})
}
