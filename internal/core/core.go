// Package core drives the assistant state machine from the audio stream and
// exchanges envelopes with Brain. It never blocks on Brain.
package core

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/audio"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/config"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/followup"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/ipc"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/metrics"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/state"
)

// Config holds Core's capture and barge-in timings.
type Config struct {
	Format                   audio.Format
	MaxRecord                time.Duration
	VADSilenceTimeout        time.Duration
	NoSpeechStartTimeout     time.Duration
	PostBargeinWaitForSpeech time.Duration
	PostIdleDrain            time.Duration
	PostSpeakDrain           time.Duration
	TranscribingTimeout      time.Duration
	HeartbeatInterval        time.Duration
	Gate                     GateConfig
	Followup                 followup.Config
}

// ConfigFrom maps the application configuration onto Core.
func ConfigFrom(c config.Config) Config {
	return Config{
		Format:                   audio.Format{SampleRate: c.Audio.SampleRate, Chunk: c.Audio.Chunk},
		MaxRecord:                c.Core.MaxRecord,
		VADSilenceTimeout:        c.Core.VADSilenceTimeout,
		NoSpeechStartTimeout:     c.Core.NoSpeechStartTimeout,
		PostBargeinWaitForSpeech: c.Core.PostBargeinWaitForSpeech,
		PostIdleDrain:            c.Core.PostIdleDrain,
		PostSpeakDrain:           c.Core.PostSpeakDrain,
		TranscribingTimeout:      c.Core.TranscribingTimeout,
		HeartbeatInterval:        c.Core.HeartbeatInterval,
		Gate: GateConfig{
			Streak:             c.Core.HotwordTriggerStreak,
			Cooldown:           c.Core.HotwordCooldown,
			SpeakStartCooldown: c.Core.SpeakStartCooldown,
			PostBargeinIgnore:  c.Core.PostBargeinIgnore,
		},
		Followup: followup.Config{
			Enabled:  c.Followup.Enabled,
			Timeout:  c.Followup.Timeout,
			MaxChain: c.Followup.MaxChain,
		},
	}
}

// DefaultTranscribingTimeout bounds the wait for Brain to acknowledge a
// capture. It covers the transcriber's own timeout plus a margin.
const DefaultTranscribingTimeout = 25 * time.Second

// Status is a point-in-time view of Core for heartbeats and the status endpoint.
type Status struct {
	Session        string  `json:"session"`
	State          string  `json:"state"`
	TimeInStateSec float64 `json:"time_in_state_sec"`
	Generation     uint64  `json:"generation"`
	FollowupActive bool    `json:"followup_active"`
	FollowupChain  int     `json:"followup_chain"`
	Inflight       string  `json:"inflight,omitempty"`
	QueueOut       int     `json:"q_out"`
	QueueIn        int     `json:"q_in"`
}

type resetter interface{ Reset() }

// Core is the CoreProcess. HandleFrame and HandleResult are serialized by an
// internal lock; Run calls them from a single loop.
type Core struct {
	cfg    Config
	source audio.FrameSource
	wake   audio.WakeWordDetector
	vad    audio.VoiceActivityDetector
	pipe   *ipc.Pipe
	log    zerolog.Logger
	now    func() time.Time

	session string // stamped on every request so Brain can tell restarts apart

	mu         sync.Mutex
	sm         *state.Machine
	gate       *Gate
	window     *followup.Window
	generation uint64
	capture    []byte
	skip       int
	bargein    bool   // waiting for speech after an interrupt
	inflight   string // request sent and not yet finished speaking
	noFollowup map[string]bool
}

// New builds a Core in Idle.
func New(cfg Config, source audio.FrameSource, wake audio.WakeWordDetector, vad audio.VoiceActivityDetector, pipe *ipc.Pipe, logger zerolog.Logger) *Core {
	if cfg.Format.SampleRate <= 0 || cfg.Format.Chunk <= 0 {
		cfg.Format = audio.DefaultFormat()
	}
	if cfg.TranscribingTimeout <= 0 {
		cfg.TranscribingTimeout = DefaultTranscribingTimeout
	}
	c := &Core{
		cfg:        cfg,
		session:    uuid.NewString(),
		source:     source,
		wake:       wake,
		vad:        vad,
		pipe:       pipe,
		log:        logger.With().Str("component", "core").Logger(),
		now:        time.Now,
		gate:       NewGate(cfg.Gate),
		window:     followup.NewWindow(cfg.Followup),
		noFollowup: make(map[string]bool),
	}
	c.sm = state.New(c.now())
	c.sm.OnTransition(func(from, to state.AssistantState) {
		metrics.StateTransitions.WithLabelValues(from.String(), to.String()).Inc()
		c.log.Info().Str("from", from.String()).Str("to", to.String()).Msg("state transition")
	})
	return c
}

// Run processes frames and Brain messages until ctx is done or the result
// queue closes. An exhausted audio source leaves Core serving results.
func (c *Core) Run(ctx context.Context) error {
	frames := make(chan audio.Frame, 1)
	results := make(chan ipc.ResultEnvelope, 1)
	go c.readFrames(ctx, frames)
	go c.readResults(ctx, results)

	hb := ipc.Heartbeat{
		Role:     "core",
		Interval: c.cfg.HeartbeatInterval,
		Snapshot: c.heartbeatFields,
		Emit: func(fields map[string]any) {
			c.log.Info().Fields(fields).Msg("heartbeat")
		},
	}
	go hb.Run(ctx)

	c.log.Info().Msg("core started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				frames = nil
				c.log.Info().Msg("audio source exhausted")
				continue
			}
			c.HandleFrame(f)
		case r, ok := <-results:
			if !ok {
				c.log.Warn().Msg("brain channel closed")
				return nil
			}
			c.HandleResult(r)
		}
	}
}

// Shutdown asks Brain to exit.
func (c *Core) Shutdown() bool {
	return c.pipe.Requests.TrySend(ipc.NewShutdown())
}

func (c *Core) readFrames(ctx context.Context, out chan<- audio.Frame) {
	defer close(out)
	for {
		f, err := c.source.ReadFrame(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, audio.ErrSourceClosed) && ctx.Err() == nil {
				c.log.Error().Err(err).Msg("audio source failed")
			}
			return
		}
		select {
		case out <- f:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Core) readResults(ctx context.Context, out chan<- ipc.ResultEnvelope) {
	defer close(out)
	for {
		r, err := c.pipe.Results.Recv(ctx)
		if err != nil {
			return
		}
		select {
		case out <- r:
		case <-ctx.Done():
			return
		}
	}
}

// HandleFrame advances the state machine by one audio frame.
func (c *Core) HandleFrame(f audio.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	switch st := c.sm.Current(); st {
	case state.Idle:
		if c.consumeSkip() {
			return
		}
		triggered, score := c.wake.Detect(f)
		if !c.gate.Observe(triggered, now, false) {
			return
		}
		c.log.Info().Float64("score", score).Msg("wake word accepted")
		if c.inflight != "" {
			// the previous request has not spoken yet; its reply is now stale
			c.interruptLocked(now)
		}
		c.window.Close()
		c.startListening(now, false)

	case state.Speaking:
		triggered, score := c.wake.Detect(f)
		if !c.gate.Observe(triggered, now, true) {
			return
		}
		c.log.Info().Float64("score", score).Msg("barge-in")
		c.interruptLocked(now)
		c.window.Close()
		c.startListening(now, true)

	case state.Listening, state.Followup:
		if c.consumeSkip() {
			return
		}
		c.captureFrame(f, st, now)

	default:
		// Transcribing and Thinking discard audio until Brain answers or
		// the wait times out.
		c.gate.Reset()
		c.sm.RecordFrame(false)
		if c.sm.TotalFrames >= c.frames(c.cfg.TranscribingTimeout) {
			c.log.Warn().
				Str("request_id", c.inflight).
				Dur("timeout", c.cfg.TranscribingTimeout).
				Msg("no answer from brain; abandoning request")
			metrics.DroppedMessages.WithLabelValues("brain_timeout").Inc()
			c.interruptLocked(now)
			c.window.Close()
			c.toIdle(now)
		}
	}
}

func (c *Core) consumeSkip() bool {
	if c.skip > 0 {
		c.skip--
		return true
	}
	return false
}

func (c *Core) captureFrame(f audio.Frame, st state.AssistantState, now time.Time) {
	isSpeech := c.vad.IsSpeech(f)
	c.capture = append(c.capture, f.Bytes()...)
	c.sm.RecordFrame(isSpeech)
	if isSpeech && st == state.Followup {
		c.window.Touch(now)
	}

	total := c.sm.TotalFrames
	if !c.sm.SpeechDetected {
		switch {
		case st == state.Followup:
			if c.window.Expired(now) {
				c.log.Info().Int("chain", c.window.Chain()).Msg("follow-up window expired")
				c.window.Close()
				c.toIdle(now)
			}
		case c.bargein:
			// no-speech timing starts once the grace after the interrupt is over
			if total >= c.frames(c.cfg.PostBargeinWaitForSpeech)+c.frames(c.cfg.NoSpeechStartTimeout) {
				c.log.Info().Msg("no speech after barge-in; back to idle")
				c.toIdle(now)
			}
		case total >= c.frames(c.cfg.NoSpeechStartTimeout):
			c.log.Info().Int("frames", total).Msg("no speech started; capture aborted")
			c.toIdle(now)
		}
		if c.sm.Current().Capturing() && total >= c.frames(c.cfg.MaxRecord) {
			c.toIdle(now)
		}
		return
	}

	c.bargein = false
	if c.sm.SilenceFrames >= c.frames(c.cfg.VADSilenceTimeout) || total >= c.frames(c.cfg.MaxRecord) {
		c.finishCapture(st, now)
	}
}

func (c *Core) finishCapture(from state.AssistantState, now time.Time) {
	pcm := c.capture
	c.capture = nil
	if err := c.sm.TransitionTo(state.Transcribing, now); err != nil {
		c.log.Error().Err(err).Msg("transition failed")
		c.toIdle(now)
		return
	}
	meta := ipc.RequestMeta{Generation: c.generation, Session: c.session}
	if from == state.Followup {
		meta.IsFollowup = true
		meta.FollowupChain = c.window.Chain()
	}
	req := ipc.NewAudioRequest(pcm, c.cfg.Format.SampleRate, meta)
	if !c.pipe.Requests.TrySend(req) {
		c.log.Warn().Str("request_id", req.ID).Msg("brain queue full; utterance dropped")
		c.window.Close()
		c.toIdle(now)
		return
	}
	c.inflight = req.ID
	c.log.Info().
		Str("request_id", req.ID).
		Int("bytes", len(pcm)).
		Bool("followup", meta.IsFollowup).
		Uint64("generation", meta.Generation).
		Msg("utterance sent")
}

func (c *Core) interruptLocked(now time.Time) {
	c.generation++
	c.inflight = ""
	clear(c.noFollowup)
	c.gate.BargedIn(now)
	metrics.Interrupts.Inc()
	if !c.pipe.Requests.TrySend(ipc.NewInterrupt(c.session, c.generation)) {
		c.log.Warn().Uint64("generation", c.generation).Msg("interrupt not delivered; brain queue full")
	}
}

func (c *Core) startListening(now time.Time, bargein bool) {
	if err := c.sm.TransitionTo(state.Listening, now); err != nil {
		c.log.Error().Err(err).Msg("transition failed")
		return
	}
	drained := 0
	if d, ok := c.source.(audio.Drainer); ok {
		drained = d.Drain()
	}
	if bargein {
		c.skip = c.frames(c.cfg.PostSpeakDrain)
	} else {
		c.skip = c.frames(c.cfg.PostIdleDrain)
	}
	c.bargein = bargein
	c.capture = c.capture[:0]
	if r, ok := c.vad.(resetter); ok {
		r.Reset()
	}
	c.log.Debug().Int("drained", drained).Int("skip", c.skip).Bool("bargein", bargein).Msg("listening")
}

func (c *Core) startFollowup(now time.Time) {
	if err := c.sm.TransitionTo(state.Followup, now); err != nil {
		c.log.Error().Err(err).Msg("transition failed")
		c.toIdle(now)
		return
	}
	if d, ok := c.source.(audio.Drainer); ok {
		d.Drain()
	}
	c.skip = c.frames(c.cfg.PostSpeakDrain)
	c.bargein = false
	c.capture = c.capture[:0]
	if r, ok := c.vad.(resetter); ok {
		r.Reset()
	}
}

func (c *Core) toIdle(now time.Time) {
	c.capture = nil
	c.bargein = false
	c.skip = 0
	c.gate.Reset()
	_ = c.sm.TransitionTo(state.Idle, now)
}

func (c *Core) frames(d time.Duration) int {
	n := c.cfg.Format.Frames(d)
	if n < 1 {
		n = 1
	}
	return n
}

// HandleResult applies one Brain message.
func (c *Core) HandleResult(r ipc.ResultEnvelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	if r.Type == ipc.TypeLog {
		c.handleLog(r, now)
		return
	}
	if r.Type != ipc.TypeResult {
		c.log.Warn().Str("type", string(r.Type)).Msg("unexpected message from brain")
		return
	}
	if r.Meta.Generation != c.generation {
		metrics.DroppedMessages.WithLabelValues("stale_result").Inc()
		c.log.Debug().Str("request_id", r.ID).Uint64("generation", r.Meta.Generation).Msg("stale result dropped")
		return
	}

	c.log.Info().
		Str("request_id", r.ID).
		Str("user", r.Meta.UserText).
		Str("reply", r.ReplyText).
		Str("route", r.Meta.Route).
		Bool("capture_valid", r.Meta.CaptureValid).
		Int64("total_ms", r.Meta.Timings.TotalMs).
		Msg("result")

	if r.Meta.ExitSentinel != "" {
		c.log.Info().Str("phrase", r.Meta.ExitSentinel).Msg("follow-up ended by user")
		c.window.Close()
	}
	if !r.Meta.CaptureValid || r.Meta.ExitSentinel != "" {
		c.noFollowup[r.ID] = true
	}

	silent := r.SpeechText == "" || r.Meta.SpeechSuppressed
	switch c.sm.Current() {
	case state.Transcribing, state.Thinking:
		c.toIdle(now)
	}
	if silent && c.inflight == r.ID {
		c.inflight = ""
		delete(c.noFollowup, r.ID)
		if c.sm.Current() == state.Idle && !r.Meta.ShowFollowupPrompt {
			c.window.Close()
		}
	}
}

func (c *Core) handleLog(r ipc.ResultEnvelope, now time.Time) {
	ev := c.log.WithLevel(levelOf(r.Level)).Str("event", r.Event)
	if r.ID != "" {
		ev = ev.Str("request_id", r.ID)
	}
	ev.Fields(r.Fields).Msg("brain")

	switch r.Event {
	case ipc.EventTranscribed, ipc.EventTTSStarted, ipc.EventTTSFinished, ipc.EventTTSInterrupted:
		if r.Meta.Generation != c.generation {
			metrics.DroppedMessages.WithLabelValues("stale_event").Inc()
			return
		}
	default:
		return
	}

	cur := c.sm.Current()
	switch r.Event {
	case ipc.EventTranscribed:
		if cur == state.Transcribing {
			c.toIdle(now)
		}
	case ipc.EventTTSStarted:
		switch cur {
		case state.Idle, state.Transcribing, state.Thinking:
			if err := c.sm.TransitionTo(state.Speaking, now); err == nil {
				c.gate.SpeechStarted(now)
				c.gate.Reset()
			}
		}
	case ipc.EventTTSFinished:
		if r.ID == c.inflight {
			c.inflight = ""
		}
		blocked := c.noFollowup[r.ID]
		delete(c.noFollowup, r.ID)
		if cur != state.Speaking {
			return
		}
		if r.Meta.ShowFollowupPrompt && !blocked && c.window.Enter(now) {
			c.log.Info().Int("chain", c.window.Chain()).Dur("timeout", c.window.Remaining(now)).Msg("follow-up window open")
			c.startFollowup(now)
			return
		}
		c.window.Close()
		c.toIdle(now)
	case ipc.EventTTSInterrupted:
		if r.ID == c.inflight {
			c.inflight = ""
		}
		delete(c.noFollowup, r.ID)
		if cur == state.Speaking {
			c.toIdle(now)
		}
	}
}

func levelOf(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	l, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}

// Status returns a snapshot safe to call from any goroutine.
func (c *Core) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	return Status{
		Session:        c.session,
		State:          c.sm.Current().String(),
		TimeInStateSec: c.sm.TimeInState(now).Seconds(),
		Generation:     c.generation,
		FollowupActive: c.window.Active(),
		FollowupChain:  c.window.Chain(),
		Inflight:       c.inflight,
		QueueOut:       c.pipe.Requests.Len(),
		QueueIn:        c.pipe.Results.Len(),
	}
}

// State returns the current state.
func (c *Core) State() state.AssistantState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sm.Current()
}

// Generation returns the current interrupt generation.
func (c *Core) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Core) heartbeatFields() map[string]any {
	s := c.Status()
	return map[string]any{
		"state":          s.State,
		"time_in_state":  s.TimeInStateSec,
		"interrupt_gen":  s.Generation,
		"q_in":           s.QueueIn,
		"q_out":          s.QueueOut,
		"followup_chain": s.FollowupChain,
	}
}
