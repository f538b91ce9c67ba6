package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/config"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/logging"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

// app carries what PersistentPreRunE prepares for every subcommand.
type app struct {
	cfgPath string
	loader  *config.Loader
	cfg     *config.Config
	log     zerolog.Logger
	closer  io.Closer
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:           "assistant",
		Short:         "Voice command assistant: a Core audio loop and a Brain request pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup(cmd.Name())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.closer != nil {
				_ = a.closer.Close()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "config file (default ./assistant.yaml)")

	root.AddCommand(
		newRunCmd(a),
		newBrainCmd(a),
		newCoreCmd(a),
		newSayCmd(a),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (a *app) setup(role string) error {
	a.loader = config.NewLoader(a.cfgPath)
	cfg, err := a.loader.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, closer, err := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File:    cfg.Log.File,
		Role:    role,
	})
	if err != nil {
		return err
	}
	a.log, a.closer = logger, closer

	if f := a.loader.UsedFile(); f != "" {
		a.log.Info().Str("file", f).Msg("config loaded")
		a.loader.Watch(func(c *config.Config, err error) {
			if err != nil {
				a.log.Warn().Err(err).Msg("config reload failed")
				return
			}
			logging.SetLevel(c.Log.Level)
			a.log.Info().Str("level", c.Log.Level).Msg("config reloaded")
		})
	}
	for _, w := range cfg.Warnings() {
		a.log.Warn().Msg(w)
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// waitAll waits for done to close, giving up after the shutdown timeout.
func (a *app) waitAll(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		a.log.Warn().Dur("timeout", shutdownTimeout).Msg("graceful shutdown timed out")
	}
}
