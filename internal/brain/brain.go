// Package brain runs the request side of the assistant: it consumes Audio and
// Text envelopes, routes them to tools or the language model, speaks the
// reply and sends a Result back to Core.
package brain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/config"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/confirm"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/ipc"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/llm"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/metrics"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/pool"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/router"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/speech"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/tools"
)

// Transcriber turns a finished capture into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// LanguageModel answers free-form requests.
type LanguageModel interface {
	Generate(ctx context.Context, prompt string, opts llm.Options) (string, error)
	Stream(ctx context.Context, prompt string, opts llm.Options, onDelta func(string) error) (string, error)
}

// Archiver keeps a copy of valid captures.
type Archiver interface {
	SaveCapture(ctx context.Context, id string, pcm []byte, sampleRate int) (string, error)
}

// PoolStatus reports tool worker liveness for heartbeats.
type PoolStatus interface {
	Status() pool.Status
}

type Config struct {
	HeartbeatInterval time.Duration
	StreamReplies     bool
	ChunkMinChars     int
	HistoryTurns      int
	WorkQueue         int
	ResultTimeout     time.Duration
	ArchiveTimeout    time.Duration
}

func ConfigFrom(c config.Config) Config {
	return Config{
		HeartbeatInterval: c.Brain.HeartbeatInterval,
		StreamReplies:     c.Brain.StreamReplies,
		ChunkMinChars:     c.Brain.ChunkMinChars,
	}
}

func (c Config) withDefaults() Config {
	if c.ChunkMinChars <= 0 {
		c.ChunkMinChars = speech.DefaultMinChars
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 6
	}
	if c.WorkQueue <= 0 {
		c.WorkQueue = 8
	}
	if c.ResultTimeout <= 0 {
		c.ResultTimeout = 2 * time.Second
	}
	if c.ArchiveTimeout <= 0 {
		c.ArchiveTimeout = 30 * time.Second
	}
	return c
}

// Deps are the collaborators of a Brain. STT, LLM, Synthesizer and Archive
// may be nil; the corresponding stage is then skipped or degraded.
type Deps struct {
	STT         Transcriber
	LLM         LanguageModel
	Synthesizer speech.Synthesizer
	Player      speech.Player
	Router      *router.Router
	Engine      *tools.Engine
	Confirm     *confirm.Manager
	Pool        PoolStatus
	Archive     Archiver
}

// Brain is the BrainProcess. Interrupts are handled on the reader goroutine
// so they are never stuck behind a slow request.
type Brain struct {
	cfg     Config
	pipe    *ipc.Pipe
	stt     Transcriber
	lm      LanguageModel
	router  *router.Router
	engine  *tools.Engine
	confirm *confirm.Manager
	pool    PoolStatus
	archive Archiver
	speech  *speech.Controller
	log     zerolog.Logger
	now     func() time.Time

	work       chan ipc.RequestEnvelope
	generation atomic.Uint64
	lastJob    atomic.Value
	bg         sync.WaitGroup

	mu        sync.Mutex
	session   string // Core session the generation belongs to
	history   []llm.Message
	streamGen map[string]uint64
}

func New(cfg Config, deps Deps, pipe *ipc.Pipe, logger zerolog.Logger) *Brain {
	cfg = cfg.withDefaults()
	b := &Brain{
		cfg:       cfg,
		pipe:      pipe,
		stt:       deps.STT,
		lm:        deps.LLM,
		router:    deps.Router,
		engine:    deps.Engine,
		confirm:   deps.Confirm,
		pool:      deps.Pool,
		archive:   deps.Archive,
		log:       logger.With().Str("component", "brain").Logger(),
		now:       time.Now,
		work:      make(chan ipc.RequestEnvelope, cfg.WorkQueue),
		streamGen: make(map[string]uint64),
	}
	if b.engine == nil {
		b.engine = tools.NewEngine(tools.NewRegistry(), nil, logger)
	}
	if b.router == nil {
		b.router = router.New(nil, b.engine.Registry(), router.Options{})
	}
	if b.confirm == nil {
		b.confirm = confirm.NewManager(0, nil, logger)
	}
	if deps.Synthesizer != nil && deps.Player != nil {
		b.speech = speech.New(deps.Synthesizer, deps.Player, speech.Events{
			OnStarted:     func(id string) { b.speechEvent(ipc.EventTTSStarted, id, false, false) },
			OnFinished:    func(id string, show bool) { b.speechEvent(ipc.EventTTSFinished, id, show, true) },
			OnInterrupted: func(id string) { b.speechEvent(ipc.EventTTSInterrupted, id, false, true) },
		}, logger)
	}
	b.lastJob.Store("")
	return b
}

// Run serves requests until Shutdown, a closed request queue or ctx is done.
func (b *Brain) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if b.speech != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.speech.Run(ctx)
		}()
	}
	hb := ipc.Heartbeat{
		Role:     "brain",
		Interval: b.cfg.HeartbeatInterval,
		Snapshot: b.heartbeatFields,
		Emit: func(fields map[string]any) {
			b.log.Debug().Fields(fields).Msg("heartbeat")
			b.sendLog("debug", ipc.EventHeartbeat, "", 0, fields)
		},
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		hb.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		b.process(ctx)
	}()

	b.log.Info().Bool("speech", b.speech != nil).Bool("llm", b.lm != nil).Bool("stt", b.stt != nil).Msg("brain started")
	err := b.readLoop(ctx)
	cancel()
	wg.Wait()
	b.bg.Wait()
	b.log.Info().Msg("brain stopped")
	return err
}

func (b *Brain) readLoop(ctx context.Context) error {
	for {
		req, err := b.pipe.Requests.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ipc.ErrClosed) {
				return nil
			}
			return err
		}
		switch req.Type {
		case ipc.TypeInterrupt:
			b.interrupt(req)
		case ipc.TypeShutdown:
			b.log.Info().Str("request_id", req.ID).Msg("shutdown requested")
			return nil
		case ipc.TypeAudio, ipc.TypeText:
			select {
			case b.work <- req:
			default:
				metrics.DroppedMessages.WithLabelValues("brain_busy").Inc()
				b.log.Warn().Str("request_id", req.ID).Msg("request queue full")
				res := newResult(req)
				res.ReplyText = "I'm still working on something, try again in a moment."
				res.Meta.Error = true
				b.sendResult(ctx, res)
			}
		default:
			b.log.Warn().Str("type", string(req.Type)).Str("request_id", req.ID).Msg("unknown message type")
			b.sendLog("warn", ipc.EventUnknownType, req.ID, 0, map[string]any{"type": string(req.Type)})
		}
	}
}

func (b *Brain) process(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-b.work:
			b.handle(ctx, req)
		}
	}
}

// interrupt moves Brain to the interrupt's generation and silences speech.
// In-flight work keeps running; its Result is tagged with the old generation.
func (b *Brain) interrupt(req ipc.RequestEnvelope) {
	gen := b.advance(req.Meta)
	if b.speech != nil {
		b.speech.Interrupt()
	}
	b.log.Info().Uint64("generation", gen).Str("session", req.Meta.Session).Msg("interrupt")
	b.sendLog("info", ipc.EventInterruptAck, req.ID, gen, map[string]any{"generation": gen})
}

// advance raises the current generation to at least meta.Generation and
// returns it. A request from another session starts over at its own
// generation and silences whatever the previous session was hearing.
func (b *Brain) advance(meta ipc.RequestMeta) uint64 {
	b.mu.Lock()
	prev := b.session
	switched := meta.Session != prev
	gen := b.generation.Load()
	if switched || meta.Generation > gen {
		gen = meta.Generation
		b.generation.Store(gen)
	}
	b.session = meta.Session
	b.mu.Unlock()

	if switched {
		b.log.Info().Str("from", prev).Str("to", meta.Session).Uint64("generation", gen).Msg("core session changed")
		if b.speech != nil {
			b.speech.Interrupt()
		}
	}
	return gen
}

// current reports whether meta still belongs to the live session and generation.
func (b *Brain) current(meta ipc.RequestMeta) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return meta.Session == b.session && meta.Generation == b.generation.Load()
}

// Generation returns the latest interrupt generation seen.
func (b *Brain) Generation() uint64 { return b.generation.Load() }

func (b *Brain) trackStream(id string, gen uint64) {
	b.mu.Lock()
	b.streamGen[id] = gen
	b.mu.Unlock()
}

func (b *Brain) speechEvent(event, id string, show, done bool) {
	b.mu.Lock()
	gen, ok := b.streamGen[id]
	if done {
		delete(b.streamGen, id)
	}
	b.mu.Unlock()
	if !ok {
		gen = b.generation.Load()
	}
	env := ipc.NewLog("info", event, id, nil)
	env.Meta.Generation = gen
	env.Meta.ShowFollowupPrompt = show
	if !b.pipe.Results.TrySend(env) {
		metrics.DroppedMessages.WithLabelValues("brain_log").Inc()
		b.log.Warn().Str("event", event).Str("request_id", id).Msg("result queue full; speech event dropped")
	}
}

func (b *Brain) sendLog(level, event, id string, gen uint64, fields map[string]any) {
	env := ipc.NewLog(level, event, id, fields)
	env.Meta.Generation = gen
	if !b.pipe.Results.TrySend(env) {
		metrics.DroppedMessages.WithLabelValues("brain_log").Inc()
	}
}

func (b *Brain) sendResult(ctx context.Context, res ipc.ResultEnvelope) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ResultTimeout)
	defer cancel()
	if err := b.pipe.Results.Send(ctx, res); err != nil {
		metrics.DroppedMessages.WithLabelValues("results_full").Inc()
		b.log.Error().Err(err).Str("request_id", res.ID).Msg("result dropped")
	}
}

func (b *Brain) heartbeatFields() map[string]any {
	last, _ := b.lastJob.Load().(string)
	fields := map[string]any{
		"q_in":          b.pipe.Requests.Len(),
		"q_out":         b.pipe.Results.Len(),
		"q_work":        len(b.work),
		"last_job":      last,
		"interrupt_gen": b.generation.Load(),
	}
	if b.pool != nil {
		fields["workers"] = b.pool.Status().Worker
	}
	if b.speech != nil {
		fields["speaking"] = b.speech.Busy()
	}
	return fields
}

// Status is the Brain view served on /status.
type Status struct {
	Session    string       `json:"session,omitempty"`
	Generation uint64       `json:"generation"`
	LastJob    string       `json:"last_job"`
	QueueIn    int          `json:"q_in"`
	QueueOut   int          `json:"q_out"`
	Speaking   bool         `json:"speaking"`
	Pending    string       `json:"pending_confirmation,omitempty"`
	Pool       *pool.Status `json:"pool,omitempty"`
}

func (b *Brain) Status() Status {
	last, _ := b.lastJob.Load().(string)
	b.mu.Lock()
	session := b.session
	b.mu.Unlock()
	st := Status{
		Session:    session,
		Generation: b.generation.Load(),
		LastJob:    last,
		QueueIn:    b.pipe.Requests.Len(),
		QueueOut:   b.pipe.Results.Len(),
	}
	if b.speech != nil {
		st.Speaking = b.speech.Busy()
	}
	if p, ok := b.confirm.Current(); ok {
		st.Pending = p.Prompt
	}
	if b.pool != nil {
		ps := b.pool.Status()
		st.Pool = &ps
	}
	return st
}
