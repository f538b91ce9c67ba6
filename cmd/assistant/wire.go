package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/archive"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/audio"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/brain"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/config"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/confirm"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/core"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/ipc"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/llm"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/pool"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/router"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/speech"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/transcript"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/tts"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/tools"
)

// brainParts is a Brain with the resources it owns.
type brainParts struct {
	brain   *brain.Brain
	pool    *pool.Pool
	closers []io.Closer
}

func (p *brainParts) Close() {
	p.pool.Stop()
	for _, c := range p.closers {
		_ = c.Close()
	}
}

func buildRegistry(cfg *config.Config, logger zerolog.Logger) *tools.Registry {
	reg := tools.NewRegistry(tools.GetTime(nil))
	for _, ct := range cfg.Tools.Commands {
		t := tools.Command(ct.Name, ct.Description, ct.Command, ct.Args, ct.RequiresConfirmation)
		if err := reg.Register(t); err != nil {
			logger.Warn().Err(err).Str("tool", ct.Name).Msg("command tool skipped")
			continue
		}
		logger.Info().Str("tool", ct.Name).Str("command", ct.Command).Bool("confirm", ct.RequiresConfirmation).Msg("command tool registered")
	}
	return reg
}

func buildBrain(cfg *config.Config, pipe *ipc.Pipe, logger zerolog.Logger) (*brainParts, error) {
	parts := &brainParts{}
	reg := buildRegistry(cfg, logger)

	rules, err := router.LoadRules(cfg.Router.RulesFile)
	if err != nil {
		return nil, err
	}
	tie := make([]router.TieBreak, 0, len(cfg.Router.TieBreak))
	for _, t := range cfg.Router.TieBreak {
		tie = append(tie, router.TieBreak(t))
	}

	parts.pool = pool.New(pool.Config{
		Workers:     cfg.Pool.Workers,
		TaskQueue:   cfg.Pool.TaskQueue,
		ResultQueue: cfg.Pool.ResultQueue,
		Timeout:     cfg.Pool.Timeout,
	}, reg, logger)
	parts.pool.Start()

	deps := brain.Deps{
		Router:  router.New(rules, reg, router.Options{Threshold: cfg.Router.Threshold, TieBreak: tie}),
		Engine:  tools.NewEngine(reg, parts.pool, logger),
		Confirm: confirm.NewManager(cfg.Confirmation.Timeout, nil, logger),
		Pool:    parts.pool,
	}
	if cfg.STT.AssemblyAIKey != "" {
		deps.STT = transcript.NewAssemblyAI(cfg.STT.AssemblyAIKey, logger)
	}
	if cfg.LLM.BaseURL != "" {
		deps.LLM = llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout)
	}
	if cfg.Brain.SpeechEnabled {
		deps.Synthesizer = buildSynthesizer(cfg, logger)
		var out io.Writer
		if cfg.TTS.Output != "" {
			f, err := os.OpenFile(cfg.TTS.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				parts.pool.Stop()
				return nil, fmt.Errorf("open tts output: %w", err)
			}
			parts.closers = append(parts.closers, f)
			out = f
		}
		deps.Player = speech.NewPacedPlayer(out)
	}
	if a := cfg.Archive; a.SupabaseURL != "" && a.SupabaseKey != "" {
		store, err := archive.NewSupabaseStore(a.SupabaseURL, a.SupabaseKey, a.Bucket)
		if err != nil {
			logger.Warn().Err(err).Msg("capture archive disabled")
		} else {
			deps.Archive = archive.New(store, logger)
		}
	}

	parts.brain = brain.New(brain.ConfigFrom(*cfg), deps, pipe, logger)
	return parts, nil
}

func buildSynthesizer(cfg *config.Config, logger zerolog.Logger) speech.Synthesizer {
	switch cfg.TTS.Provider {
	case "deepgram":
		if cfg.TTS.DeepgramKey != "" {
			return tts.NewDeepgramClient(cfg.TTS.DeepgramKey, cfg.TTS.DeepgramModel, logger)
		}
	case "elevenlabs":
		if cfg.TTS.ElevenLabsKey != "" && cfg.TTS.ElevenLabsVoiceID != "" {
			return tts.NewElevenLabsClient(cfg.TTS.ElevenLabsKey, cfg.TTS.ElevenLabsVoiceID, logger)
		}
	case "none", "":
		return speech.Silent{}
	default:
		logger.Warn().Str("provider", cfg.TTS.Provider).Msg("unknown tts provider")
		return speech.Silent{}
	}
	logger.Warn().Str("provider", cfg.TTS.Provider).Msg("tts credentials missing; speaking silently")
	return speech.Silent{}
}

// frameSource opens the configured PCM source. An empty source never yields
// frames, which suits text-only runs.
func frameSource(cfg *config.Config) (audio.FrameSource, func(), error) {
	format := audio.Format{SampleRate: cfg.Audio.SampleRate, Chunk: cfg.Audio.Chunk}
	switch cfg.Audio.Source {
	case "":
		src := audio.NewChannelSource(cfg.Audio.QueueMax)
		return src, src.Close, nil
	case "-":
		src := audio.NewReaderSource(os.Stdin, format, format.Chunk)
		return src, src.Close, nil
	default:
		f, err := os.Open(cfg.Audio.Source)
		if err != nil {
			return nil, nil, fmt.Errorf("open audio source: %w", err)
		}
		src := audio.NewReaderSource(f, format, format.Chunk)
		return src, func() { src.Close(); _ = f.Close() }, nil
	}
}

func buildCore(cfg *config.Config, pipe *ipc.Pipe, logger zerolog.Logger) (*core.Core, func(), error) {
	src, closeSrc, err := frameSource(cfg)
	if err != nil {
		return nil, nil, err
	}
	c := core.New(core.ConfigFrom(*cfg), src,
		audio.NewEnergyWakeDetector(cfg.Audio.WakeThreshold),
		audio.NewEnergyVAD(cfg.Audio.VADThreshold, 0),
		pipe, logger)
	return c, closeSrc, nil
}

// connectCore attaches Core's pipe to a remote Brain. The returned channel
// yields the transport's exit error.
func connectCore(ctx context.Context, cfg *config.Config, pipe *ipc.Pipe, logger zerolog.Logger) (<-chan error, func(), error) {
	switch cfg.IPC.Transport {
	case "websocket":
		done, err := ipc.DialBrain(ctx, cfg.IPC.BrainURL, cfg.IPC.Token, pipe, logger)
		return done, func() {}, err
	case "redis":
		rt, err := ipc.NewRedisTransport(ctx, cfg.IPC.RedisAddr, cfg.IPC.RedisPrefix, cfg.IPC.QueueSize, logger)
		if err != nil {
			return nil, nil, err
		}
		done := make(chan error, 1)
		go func() { done <- rt.RunCore(ctx, pipe) }()
		return done, func() { _ = rt.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("transport %q cannot reach a separate brain process", cfg.IPC.Transport)
	}
}
