package brain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/confirm"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/ipc"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/llm"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/router"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/speech"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/tools"
)

type fakeSTT struct {
	text  string
	err   error
	panic bool
}

func (f *fakeSTT) Transcribe(context.Context, []byte, int) (string, error) {
	if f.panic {
		panic("decoder exploded")
	}
	return f.text, f.err
}

type fakeLM struct {
	mu       sync.Mutex
	reply    string
	deltas   []string
	err      error
	calls    int
	opts     []llm.Options
	started  chan struct{}
	release  chan struct{}
	streamed int
}

func (f *fakeLM) record(opts llm.Options) {
	f.mu.Lock()
	f.calls++
	f.opts = append(f.opts, opts)
	started := f.started
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
}

func (f *fakeLM) Generate(_ context.Context, _ string, opts llm.Options) (string, error) {
	f.record(opts)
	return f.reply, f.err
}

func (f *fakeLM) Stream(_ context.Context, _ string, opts llm.Options, onDelta func(string) error) (string, error) {
	f.record(opts)
	f.mu.Lock()
	f.streamed++
	f.mu.Unlock()
	var full strings.Builder
	for _, d := range f.deltas {
		full.WriteString(d)
		if err := onDelta(d); err != nil {
			return full.String(), err
		}
	}
	return strings.TrimSpace(full.String()), f.err
}

func (f *fakeLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSynth struct{}

func (fakeSynth) Synthesize(_ context.Context, text string) (speech.Audio, error) {
	return speech.Audio{PCM: []byte(text), SampleRate: 16000}, nil
}

type fakePlayer struct {
	mu     sync.Mutex
	played []string
}

func (p *fakePlayer) Play(_ context.Context, a speech.Audio) (bool, error) {
	p.mu.Lock()
	p.played = append(p.played, string(a.PCM))
	p.mu.Unlock()
	return true, nil
}

func (p *fakePlayer) Played() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}

type harness struct {
	b        *Brain
	pipe     *ipc.Pipe
	stt      *fakeSTT
	lm       *fakeLM
	player   *fakePlayer
	media    atomic.Int32
	shutdown atomic.Int32
	seen     []ipc.ResultEnvelope
	cancel   context.CancelFunc
	done     chan error
}

func newHarness(t *testing.T, tweak func(*Config)) *harness {
	t.Helper()
	h := &harness{
		pipe:   ipc.NewPipe(64),
		stt:    &fakeSTT{},
		lm:     &fakeLM{},
		player: &fakePlayer{},
		done:   make(chan error, 1),
	}
	reg := tools.NewRegistry(
		tools.GetTime(func() time.Time { return time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC) }),
		tools.Tool{
			Name:        "media_play_pause",
			Description: "toggle media playback",
			Run: func(context.Context, map[string]any) (map[string]any, error) {
				h.media.Add(1)
				return map[string]any{"reply": "Toggled playback."}, nil
			},
		},
		tools.Tool{
			Name:                 "shutdown_pc",
			Description:          "shut down the computer",
			RequiresConfirmation: true,
			Run: func(context.Context, map[string]any) (map[string]any, error) {
				h.shutdown.Add(1)
				return map[string]any{}, nil
			},
		},
	)
	logger := zerolog.Nop()
	engine := tools.NewEngine(reg, nil, logger)
	cfg := Config{ChunkMinChars: 10}
	if tweak != nil {
		tweak(&cfg)
	}
	h.b = New(cfg, Deps{
		STT:         h.stt,
		LLM:         h.lm,
		Synthesizer: fakeSynth{},
		Player:      h.player,
		Router:      router.New(router.DefaultRules(), reg, router.Options{Threshold: 0.75}),
		Engine:      engine,
		Confirm:     confirm.NewManager(time.Minute, nil, logger),
	}, h.pipe, logger)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Errorf("brain did not stop")
		}
	})
	return h
}

func (h *harness) send(t *testing.T, req ipc.RequestEnvelope) ipc.RequestEnvelope {
	t.Helper()
	require.True(t, h.pipe.Requests.TrySend(req))
	return req
}

// await reads results until match returns true, remembering everything seen.
func (h *harness) await(t *testing.T, what string, match func(ipc.ResultEnvelope) bool) ipc.ResultEnvelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		env, err := h.pipe.Results.Recv(ctx)
		require.NoError(t, err, "waiting for %s", what)
		h.seen = append(h.seen, env)
		if match(env) {
			return env
		}
	}
}

func (h *harness) result(t *testing.T, id string) ipc.ResultEnvelope {
	t.Helper()
	return h.await(t, "result "+id, func(e ipc.ResultEnvelope) bool {
		return e.Type == ipc.TypeResult && e.ID == id
	})
}

func (h *harness) event(t *testing.T, event, id string) ipc.ResultEnvelope {
	t.Helper()
	return h.await(t, event, func(e ipc.ResultEnvelope) bool {
		return e.Type == ipc.TypeLog && e.Event == event && (id == "" || e.ID == id)
	})
}

func (h *harness) index(typ ipc.MessageType, event, id string) int {
	for i, e := range h.seen {
		if e.Type == typ && e.Event == event && e.ID == id {
			return i
		}
	}
	return -1
}

func TestPauseMusicRunsWithoutModel(t *testing.T) {
	h := newHarness(t, nil)
	req := h.send(t, ipc.NewTextRequest("pause music", ipc.RequestMeta{}))

	res := h.result(t, req.ID)
	assert.Equal(t, string(router.ModeToolPlan), res.Meta.Route)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "media_play_pause", res.ToolCalls[0].Tool)
	assert.True(t, res.ToolCalls[0].OK)
	assert.Equal(t, "Toggled playback.", res.ReplyText)
	assert.Equal(t, "Toggled playback.", res.SpeechText)
	assert.False(t, res.Meta.ShowFollowupPrompt)
	assert.Zero(t, h.lm.Calls())
	assert.Equal(t, int32(1), h.media.Load())

	fin := h.event(t, ipc.EventTTSFinished, req.ID)
	assert.False(t, fin.Meta.ShowFollowupPrompt)
	assert.Equal(t, []string{"Toggled playback."}, h.player.Played())
}

func TestQuestionUsesModelWithToolCatalog(t *testing.T) {
	h := newHarness(t, nil)
	h.lm.reply = "A VPN is an encrypted tunnel for your traffic."
	req := h.send(t, ipc.NewTextRequest("what's a VPN", ipc.RequestMeta{}))

	res := h.result(t, req.ID)
	assert.Equal(t, string(router.ModeLanguageModel), res.Meta.Route)
	assert.Equal(t, h.lm.reply, res.ReplyText)
	assert.Equal(t, 1, h.lm.Calls())
	assert.Contains(t, h.lm.opts[0].System, "media_play_pause")
	assert.Empty(t, res.ToolCalls)
}

func TestQuestionReplyOpensFollowupAfterResult(t *testing.T) {
	h := newHarness(t, nil)
	h.lm.reply = "Do you want the long version?"
	req := h.send(t, ipc.NewTextRequest("what's a VPN", ipc.RequestMeta{}))

	fin := h.event(t, ipc.EventTTSFinished, req.ID)
	assert.True(t, fin.Meta.ShowFollowupPrompt)
	resAt := h.index(ipc.TypeResult, "", req.ID)
	require.GreaterOrEqual(t, resAt, 0, "result must precede tts_finished")
	assert.True(t, h.seen[resAt].Meta.ShowFollowupPrompt)
	assert.GreaterOrEqual(t, h.index(ipc.TypeLog, ipc.EventTTSStarted, req.ID), 0)
}

func TestInvalidCaptureIsNotSpoken(t *testing.T) {
	h := newHarness(t, nil)
	h.stt.text = "Um."
	req := h.send(t, ipc.NewAudioRequest(make([]byte, 3200), 16000, ipc.RequestMeta{}))

	tr := h.event(t, ipc.EventTranscribed, req.ID)
	assert.Equal(t, "Um.", tr.Fields["text"])

	res := h.result(t, req.ID)
	assert.Equal(t, NotCaughtReply, res.ReplyText)
	assert.False(t, res.Meta.CaptureValid)
	assert.False(t, res.Meta.ShowFollowupPrompt)
	assert.Empty(t, res.SpeechText)
	assert.Zero(t, h.lm.Calls())
	assert.Empty(t, h.player.Played())
}

func TestTranscriptionFailureDegrades(t *testing.T) {
	h := newHarness(t, nil)
	h.stt.err = errors.New("stt offline")
	req := h.send(t, ipc.NewAudioRequest(make([]byte, 3200), 16000, ipc.RequestMeta{}))

	res := h.result(t, req.ID)
	assert.True(t, res.Meta.Error)
	assert.False(t, res.Meta.CaptureValid)
	assert.Empty(t, res.SpeechText)
}

func TestExitPhraseEndsSilently(t *testing.T) {
	h := newHarness(t, nil)
	req := h.send(t, ipc.NewTextRequest("that's all", ipc.RequestMeta{IsFollowup: true, FollowupChain: 1}))

	res := h.result(t, req.ID)
	assert.Equal(t, "that's all", res.Meta.ExitSentinel)
	assert.Empty(t, res.ReplyText)
	assert.Empty(t, res.SpeechText)
	assert.False(t, res.Meta.ShowFollowupPrompt)
	assert.True(t, res.Meta.IsFollowup)
	assert.Equal(t, 1, res.Meta.FollowupChain)
	assert.Zero(t, h.lm.Calls())
}

func TestConfirmationFlow(t *testing.T) {
	h := newHarness(t, nil)
	h.lm.reply = `{"reply":"Shutting down.","intents":[{"tool":"shutdown_pc"}]}`

	ask := h.send(t, ipc.NewTextRequest("turn the computer off", ipc.RequestMeta{}))
	res := h.result(t, ask.ID)
	assert.Equal(t, "Are you sure you want to shut down the computer?", res.ReplyText)
	assert.Equal(t, "pending", res.Meta.ConfirmationState)
	assert.True(t, res.Meta.ShowFollowupPrompt)
	assert.Zero(t, h.shutdown.Load())

	yes := h.send(t, ipc.NewTextRequest("yes", ipc.RequestMeta{IsFollowup: true, FollowupChain: 1}))
	res = h.result(t, yes.ID)
	assert.Equal(t, string(confirm.Executed), res.Meta.ConfirmationState)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "shutdown_pc", res.ToolCalls[0].Tool)
	assert.Equal(t, "Shutting down.", res.ReplyText)
	assert.Equal(t, int32(1), h.shutdown.Load())

	again := h.send(t, ipc.NewTextRequest("turn the computer off", ipc.RequestMeta{}))
	h.result(t, again.ID)
	no := h.send(t, ipc.NewTextRequest("no", ipc.RequestMeta{}))
	res = h.result(t, no.ID)
	assert.Equal(t, string(confirm.Cancelled), res.Meta.ConfirmationState)
	assert.Equal(t, confirm.CancelledReply, res.ReplyText)
	assert.Empty(t, res.Meta.ExitSentinel)
	assert.Equal(t, int32(1), h.shutdown.Load())
}

func TestInterruptAcknowledgesGeneration(t *testing.T) {
	h := newHarness(t, nil)
	h.send(t, ipc.NewInterrupt("", 3))

	ack := h.event(t, ipc.EventInterruptAck, "")
	assert.Equal(t, uint64(3), ack.Meta.Generation)
	assert.Equal(t, uint64(3), h.b.Generation())
}

func TestNewCoreSessionResetsGeneration(t *testing.T) {
	h := newHarness(t, nil)
	h.send(t, ipc.NewInterrupt("core-a", 5))
	h.event(t, ipc.EventInterruptAck, "")
	require.Equal(t, uint64(5), h.b.Generation())

	h.lm.reply = "A VPN is a tunnel."
	req := h.send(t, ipc.NewTextRequest("what's a VPN", ipc.RequestMeta{Session: "core-b"}))
	res := h.result(t, req.ID)
	assert.Equal(t, h.lm.reply, res.SpeechText)
	assert.False(t, res.Meta.SpeechSuppressed)

	h.event(t, ipc.EventTTSFinished, req.ID)
	assert.Equal(t, []string{h.lm.reply}, h.player.Played())
	assert.Equal(t, uint64(0), h.b.Generation())
	assert.Equal(t, "core-b", h.b.Status().Session)
}

func TestStaleRequestSuppressesSpeech(t *testing.T) {
	h := newHarness(t, nil)
	h.lm.reply = "A VPN is a tunnel."
	h.lm.started = make(chan struct{}, 1)
	h.lm.release = make(chan struct{})

	req := h.send(t, ipc.NewTextRequest("what's a VPN", ipc.RequestMeta{Generation: 0}))
	select {
	case <-h.lm.started:
	case <-time.After(2 * time.Second):
		t.Fatal("model never called")
	}
	h.send(t, ipc.NewInterrupt("", 1))
	h.event(t, ipc.EventInterruptAck, "")
	close(h.lm.release)

	res := h.result(t, req.ID)
	assert.Equal(t, uint64(0), res.Meta.Generation)
	assert.True(t, res.Meta.SpeechSuppressed)
	assert.Empty(t, res.SpeechText)
	assert.Equal(t, "A VPN is a tunnel.", res.ReplyText)
	assert.Empty(t, h.player.Played())
}

func TestPanicBecomesErrorResult(t *testing.T) {
	h := newHarness(t, nil)
	h.stt.panic = true
	req := h.send(t, ipc.NewAudioRequest(make([]byte, 3200), 16000, ipc.RequestMeta{}))

	logEnv := h.event(t, ipc.EventRequestError, req.ID)
	assert.Equal(t, "decoder exploded", logEnv.Fields["error"])
	res := h.result(t, req.ID)
	assert.True(t, res.Meta.Error)
	assert.Equal(t, requestFailReply, res.ReplyText)

	// the loop survives
	h.stt.panic = false
	next := h.send(t, ipc.NewTextRequest("pause music", ipc.RequestMeta{}))
	res = h.result(t, next.ID)
	assert.False(t, res.Meta.Error)
}

func TestStreamedPlanIsNotSpokenAsJSON(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StreamReplies = true })
	h.lm.deltas = []string{"  {\"reply\":\"Pausing.\",", "\"intents\":[{\"tool\":\"media_play_pause\"}]}"}
	req := h.send(t, ipc.NewTextRequest("could you hush the song", ipc.RequestMeta{}))

	res := h.result(t, req.ID)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "Pausing.", res.ReplyText)
	assert.Equal(t, "Pausing.", res.SpeechText)
	h.event(t, ipc.EventTTSFinished, req.ID)
	assert.Equal(t, []string{"Pausing."}, h.player.Played())
}

func TestStreamedProseIsSpokenInSegments(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StreamReplies = true })
	h.lm.deltas = []string{"A VPN hides your traffic. ", "It encrypts ", "everything you send."}
	req := h.send(t, ipc.NewTextRequest("what's a VPN", ipc.RequestMeta{}))

	res := h.result(t, req.ID)
	assert.Equal(t, "A VPN hides your traffic. It encrypts everything you send.", res.ReplyText)
	assert.Equal(t, res.ReplyText, res.SpeechText)
	h.event(t, ipc.EventTTSFinished, req.ID)

	played := h.player.Played()
	assert.GreaterOrEqual(t, len(played), 2)
	assert.Equal(t, res.ReplyText, strings.Join(played, " "))
}

func TestHistoryIsPassedToModel(t *testing.T) {
	h := newHarness(t, nil)
	h.lm.reply = "It is a tunnel."
	first := h.send(t, ipc.NewTextRequest("what's a VPN", ipc.RequestMeta{}))
	h.result(t, first.ID)
	second := h.send(t, ipc.NewTextRequest("who invented it", ipc.RequestMeta{}))
	h.result(t, second.ID)

	require.Len(t, h.lm.opts, 2)
	assert.Empty(t, h.lm.opts[0].History)
	assert.Equal(t, []llm.Message{
		{Role: "user", Content: "what's a VPN"},
		{Role: "assistant", Content: "It is a tunnel."},
	}, h.lm.opts[1].History)
}

func TestUnknownTypeIsReported(t *testing.T) {
	h := newHarness(t, nil)
	h.send(t, ipc.RequestEnvelope{Type: "BOGUS", ID: "x"})
	env := h.event(t, ipc.EventUnknownType, "x")
	assert.Equal(t, "BOGUS", env.Fields["type"])
}

func TestShutdownStopsRun(t *testing.T) {
	h := newHarness(t, nil)
	h.send(t, ipc.NewShutdown())
	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("brain did not stop on shutdown")
	}
}

func TestValidCapture(t *testing.T) {
	cases := map[string]bool{
		"":            false,
		"   ":         false,
		"um":          false,
		"Hmm...":      false,
		"and":         false,
		"pause music": true,
		"so what":     true,
		"yes":         true,
	}
	for text, want := range cases {
		assert.Equal(t, want, ValidCapture(text), text)
	}
}

func TestParsePlan(t *testing.T) {
	mp, ok := parsePlan("```json\n{\"reply\":\"ok\",\"intents\":[{\"tool\":\"get_time\"}]}\n```")
	require.True(t, ok)
	assert.Equal(t, "ok", mp.Reply)
	require.Len(t, mp.Intents, 1)
	assert.Equal(t, "get_time", mp.Intents[0].Tool)

	_, ok = parsePlan("Just text.")
	assert.False(t, ok)
	_, ok = parsePlan("{not json")
	assert.False(t, ok)
}
