package ipc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Upgrader accepts the Core connection on the Brain side.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// Core connects from the same host; browsers never speak this protocol.
		return true
	},
}

// jsonConn is the subset of *websocket.Conn the bridge needs.
type jsonConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// ServeBrain bridges one Core connection onto the Brain's pipe: incoming
// requests are queued for Brain and Brain's results are written back.
// It returns when the connection fails or ctx ends.
func ServeBrain(ctx context.Context, conn *websocket.Conn, pipe *Pipe, logger zerolog.Logger) error {
	return bridge(ctx, conn, pipe.Results, pipe.Requests, logger)
}

// DialBrain connects Core's local pipe to a Brain websocket endpoint and runs
// the bridge in the background. A non-empty token is sent as a bearer token.
// The returned channel yields the bridge's exit error.
func DialBrain(ctx context.Context, url, token string, pipe *Pipe, logger zerolog.Logger) (<-chan error, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	var header http.Header
	if token != "" {
		header = http.Header{"Authorization": {"Bearer " + token}}
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial brain %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial brain %s: %w", url, err)
	}
	done := make(chan error, 1)
	go func() {
		done <- bridge(ctx, conn, pipe.Requests, pipe.Results, logger)
	}()
	return done, nil
}

// bridge writes everything from out to the connection and queues everything read into in.
func bridge[Out, In any](ctx context.Context, conn jsonConn, out *Queue[Out], in *Queue[In], logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = conn.Close() }()

	readErr := make(chan error, 1)
	go func() {
		for {
			var msg In
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- fmt.Errorf("read: %w", err)
				return
			}
			if err := in.Send(ctx, msg); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case err := <-readErr:
			logger.Debug().Err(err).Str("queue", in.Name()).Msg("ipc bridge reader stopped")
			return err
		default:
		}

		// Poll out with a short deadline so reader failures are noticed promptly.
		waitCtx, waitCancel := context.WithTimeout(ctx, 250*time.Millisecond)
		msg, err := out.Recv(waitCtx)
		waitCancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
}
