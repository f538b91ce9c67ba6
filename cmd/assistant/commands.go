package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/httpserver"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/ipc"
)

func newRunCmd(a *app) *cobra.Command {
	var text bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run Core and Brain in one process over in-memory queues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runLocal(cmd.Context(), text, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&text, "text", false, "read utterances from stdin instead of audio")
	return cmd
}

func newBrainCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "brain",
		Short: "Run the Brain and wait for a Core over websocket or redis",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runBrain(cmd.Context())
		},
	}
}

func newCoreCmd(a *app) *cobra.Command {
	var statusAddr string
	cmd := &cobra.Command{
		Use:   "core",
		Short: "Run the Core audio loop against a remote Brain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runCore(cmd.Context(), statusAddr)
		},
	}
	cmd.Flags().StringVar(&statusAddr, "http", "", "serve core status on this address")
	return cmd
}

func newSayCmd(a *app) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "say [utterance]",
		Short: "Send text requests to a remote Brain and print the replies",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) > 0 {
				in = strings.NewReader(strings.Join(args, " ") + "\n")
			}
			return a.say(cmd.Context(), in, cmd.OutOrStdout(), wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for each reply")
	return cmd
}

func (a *app) runLocal(parent context.Context, text bool, in io.Reader, out io.Writer) error {
	ctx, stop := signalContext(parent)
	defer stop()

	pipe := ipc.NewPipe(a.cfg.IPC.QueueSize)
	parts, err := buildBrain(a.cfg, pipe, a.log)
	if err != nil {
		return err
	}
	defer parts.Close()

	status := map[string]func() any{"brain": func() any { return parts.brain.Status() }}

	// Brain outlives ctx so Core's shutdown request can reach it.
	brainCtx, cancelBrain := context.WithCancel(context.Background())
	defer cancelBrain()
	brainDone := make(chan struct{})
	go func() {
		defer close(brainDone)
		if err := parts.brain.Run(brainCtx); err != nil {
			a.log.Error().Err(err).Msg("brain exited")
		}
	}()

	var wg sync.WaitGroup
	var shutdownCore func() bool
	if text {
		// the reader may stay blocked on stdin, so it is not waited for
		go func() {
			converse(ctx, pipe, in, out, 0, a.log)
			stop()
		}()
		shutdownCore = func() bool { return pipe.Requests.TrySend(ipc.NewShutdown()) }
	} else {
		c, closeSrc, err := buildCore(a.cfg, pipe, a.log)
		if err != nil {
			return err
		}
		defer closeSrc()
		status["core"] = func() any { return c.Status() }
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error().Err(err).Msg("core exited")
			}
		}()
		shutdownCore = c.Shutdown
	}

	srv := httpserver.New(a.cfg.HTTP.Address, httpserver.Options{Status: status, Logger: a.log})
	go func() {
		if err := srv.Start(); err != nil {
			a.log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	a.log.Info().Msg("shutting down")
	wg.Wait()
	if !shutdownCore() {
		cancelBrain()
	}
	a.waitAll(brainDone)
	cancelBrain()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func (a *app) runBrain(parent context.Context) error {
	ctx, stop := signalContext(parent)
	defer stop()

	pipe := ipc.NewPipe(a.cfg.IPC.QueueSize)
	parts, err := buildBrain(a.cfg, pipe, a.log)
	if err != nil {
		return err
	}
	defer parts.Close()

	opts := httpserver.Options{
		Status:      map[string]func() any{"brain": func() any { return parts.brain.Status() }},
		Logger:      a.log,
		BaseContext: ctx,
	}
	switch a.cfg.IPC.Transport {
	case "websocket":
		opts.Pipe = pipe
		opts.Token = func() string { return a.cfg.IPC.Token }
	case "redis":
		rt, err := ipc.NewRedisTransport(ctx, a.cfg.IPC.RedisAddr, a.cfg.IPC.RedisPrefix, a.cfg.IPC.QueueSize, a.log)
		if err != nil {
			return err
		}
		defer rt.Close()
		go func() {
			if err := rt.RunBrain(ctx, pipe); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error().Err(err).Msg("redis transport exited")
				stop()
			}
		}()
	default:
		return fmt.Errorf("transport %q is only usable with the run command", a.cfg.IPC.Transport)
	}

	srv := httpserver.New(a.cfg.HTTP.Address, opts)
	go func() {
		if err := srv.Start(); err != nil {
			a.log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	err = parts.brain.Run(ctx)
	stop()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(sctx); serr != nil {
		a.log.Warn().Err(serr).Msg("http shutdown")
	}
	return err
}

func (a *app) runCore(parent context.Context, statusAddr string) error {
	ctx, stop := signalContext(parent)
	defer stop()

	pipe := ipc.NewPipe(a.cfg.IPC.QueueSize)
	c, closeSrc, err := buildCore(a.cfg, pipe, a.log)
	if err != nil {
		return err
	}
	defer closeSrc()

	// The transport outlives ctx long enough to deliver the shutdown request.
	tctx, cancelTransport := context.WithCancel(context.Background())
	defer cancelTransport()
	linkDone, closeLink, err := connectCore(tctx, a.cfg, pipe, a.log)
	if err != nil {
		return err
	}
	defer closeLink()
	go func() {
		select {
		case err := <-linkDone:
			if err != nil {
				a.log.Error().Err(err).Msg("brain link lost")
			}
			stop()
		case <-tctx.Done():
		}
	}()

	var srv *httpserver.Server
	if statusAddr != "" {
		srv = httpserver.New(statusAddr, httpserver.Options{
			Status: map[string]func() any{"core": func() any { return c.Status() }},
			Logger: a.log,
		})
		go func() {
			if err := srv.Start(); err != nil {
				a.log.Error().Err(err).Msg("http server failed")
			}
		}()
	}

	err = c.Run(ctx)
	c.Shutdown()
	flush(pipe, time.Second)
	cancelTransport()

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) say(parent context.Context, in io.Reader, out io.Writer, wait time.Duration) error {
	ctx, stop := signalContext(parent)
	defer stop()

	pipe := ipc.NewPipe(a.cfg.IPC.QueueSize)
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	_, closeLink, err := connectCore(tctx, a.cfg, pipe, a.log)
	if err != nil {
		return err
	}
	defer closeLink()

	converse(ctx, pipe, in, out, wait, a.log)
	flush(pipe, time.Second)
	return nil
}

// converse sends each non-empty line of in as a text request and prints the
// reply. A zero wait blocks until ctx is done.
func converse(ctx context.Context, pipe *ipc.Pipe, in io.Reader, out io.Writer, wait time.Duration, logger zerolog.Logger) {
	session := uuid.NewString()
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		req := ipc.NewTextRequest(line, ipc.RequestMeta{Session: session})
		if err := pipe.Requests.Send(ctx, req); err != nil {
			return
		}
		res, err := awaitResult(ctx, pipe, req.ID, wait)
		if err != nil {
			logger.Warn().Err(err).Str("id", req.ID).Msg("no reply")
			if ctx.Err() != nil {
				return
			}
			continue
		}
		fmt.Fprintln(out, replyLine(res))
	}
}

func awaitResult(ctx context.Context, pipe *ipc.Pipe, id string, wait time.Duration) (ipc.ResultEnvelope, error) {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	for {
		res, err := pipe.Results.Recv(ctx)
		if err != nil {
			return ipc.ResultEnvelope{}, err
		}
		if res.Type == ipc.TypeResult && res.ID == id {
			return res, nil
		}
	}
}

func replyLine(res ipc.ResultEnvelope) string {
	reply := res.ReplyText
	if reply == "" {
		reply = res.SpeechText
	}
	if res.Meta.ConfirmationState != "" {
		return fmt.Sprintf("%s [%s]", reply, res.Meta.ConfirmationState)
	}
	return reply
}

// flush gives queued requests a chance to leave before the transport closes.
func flush(pipe *ipc.Pipe, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for pipe.Requests.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
}
