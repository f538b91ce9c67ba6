package brain

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/confirm"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/followup"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/ipc"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/llm"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/metrics"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/pool"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/router"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/speech"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/tools"
)

const (
	NotCaughtReply   = "(I didn't catch that.)"
	sttFailedReply   = "Sorry, I couldn't make out the audio."
	modelDownReply   = "Sorry, I can't answer that right now."
	requestFailReply = "Sorry, something went wrong."
)

var errStaleStream = errors.New("speech stream interrupted")

// turn accumulates the state of one request.
type turn struct {
	req      ipc.RequestEnvelope
	start    time.Time
	res      ipc.ResultEnvelope
	silent   bool
	stream   *speech.Stream
	streamed bool
}

func newResult(req ipc.RequestEnvelope) ipc.ResultEnvelope {
	return ipc.ResultEnvelope{
		Type: ipc.TypeResult,
		ID:   req.ID,
		Meta: ipc.ResultMeta{
			Generation:    req.Meta.Generation,
			CaptureValid:  true,
			IsFollowup:    req.Meta.IsFollowup,
			FollowupChain: req.Meta.FollowupChain,
		},
	}
}

// handle runs one request and always sends exactly one Result for it.
func (b *Brain) handle(ctx context.Context, req ipc.RequestEnvelope) {
	b.lastJob.Store(req.ID)
	b.advance(req.Meta)
	t := &turn{req: req, start: b.now(), res: newResult(req)}

	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("request_id", req.ID).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("request panicked")
			b.sendLog("error", ipc.EventRequestError, req.ID, req.Meta.Generation, map[string]any{"error": fmt.Sprint(r)})
			res := newResult(req)
			res.ReplyText = requestFailReply
			res.Meta.Error = true
			res.Meta.CaptureValid = false
			res.Meta.Timings.TotalMs = b.now().Sub(t.start).Milliseconds()
			b.sendResult(ctx, res)
		}
	}()

	ctx = pool.WithRequestID(ctx, req.ID)
	if text, ok := b.utterance(ctx, t); ok {
		t.res.Meta.UserText = text
		b.interpret(ctx, t, text)
	}
	b.finish(ctx, t)
}

// utterance returns the user's text, transcribing audio when needed. It
// reports false when the capture produced nothing worth interpreting.
func (b *Brain) utterance(ctx context.Context, t *turn) (string, bool) {
	req := t.req
	text := req.Text
	if req.Type == ipc.TypeAudio {
		if req.Audio == nil || b.stt == nil {
			t.invalid()
			return "", false
		}
		start := b.now()
		var err error
		text, err = b.stt.Transcribe(ctx, req.Audio.PCM, req.Audio.SampleRate)
		took := b.now().Sub(start)
		t.res.Meta.Timings.STTMs = took.Milliseconds()
		metrics.StageLatency.WithLabelValues("stt").Observe(took.Seconds())
		if err != nil {
			b.log.Warn().Err(err).Str("request_id", req.ID).Msg("transcription failed")
			t.res.ReplyText = sttFailedReply
			t.res.Meta.Error = true
			t.res.Meta.CaptureValid = false
			t.silent = true
			return "", false
		}
		b.sendLog("info", ipc.EventTranscribed, req.ID, req.Meta.Generation, map[string]any{"text": text, "stt_ms": took.Milliseconds()})
	}

	if !ValidCapture(text) {
		b.log.Info().Str("request_id", req.ID).Str("text", text).Msg("capture rejected")
		t.invalid()
		return "", false
	}
	if req.Type == ipc.TypeAudio {
		b.archiveCapture(ctx, req)
	}
	return strings.TrimSpace(text), true
}

func (t *turn) invalid() {
	t.res.ReplyText = NotCaughtReply
	t.res.Meta.CaptureValid = false
	t.silent = true
}

func (b *Brain) archiveCapture(ctx context.Context, req ipc.RequestEnvelope) {
	if b.archive == nil {
		return
	}
	b.bg.Add(1)
	go func() {
		defer b.bg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.ArchiveTimeout)
		defer cancel()
		key, err := b.archive.SaveCapture(ctx, req.ID, req.Audio.PCM, req.Audio.SampleRate)
		if err != nil {
			b.log.Warn().Err(err).Str("request_id", req.ID).Msg("capture archive failed")
			return
		}
		b.sendLog("debug", ipc.EventCaptureArchived, req.ID, req.Meta.Generation, map[string]any{"key": key})
	}()
}

// interpret runs confirmation, exit phrases, routing and execution in that order.
func (b *Brain) interpret(ctx context.Context, t *turn, text string) {
	res := b.confirm.Resolve(text)
	if res.Outcome != confirm.None {
		t.res.Meta.ConfirmationState = string(res.Outcome)
		t.res.Meta.Route = "confirmation"
		if res.Outcome == confirm.Executed {
			b.runPlan(ctx, t, res.Pending.Plan, res.Pending.Reply)
			return
		}
		t.res.ReplyText = res.Reply
		return
	}

	if phrase, ok := followup.MatchExitPhrase(text); ok {
		t.res.Meta.ExitSentinel = phrase
		t.res.Meta.Route = "exit"
		t.silent = true
		return
	}

	d := b.router.Decide(text)
	metrics.RouterDecisions.WithLabelValues(string(d.Mode)).Inc()
	t.res.Meta.Route = string(d.Mode)
	b.log.Info().
		Str("request_id", t.req.ID).
		Str("mode", string(d.Mode)).
		Float64("confidence", d.Confidence).
		Str("rule", d.Rule).
		Str("reason", d.Reason).
		Msg("routed")

	if d.Mode == router.ModeToolPlan {
		b.plan(ctx, t, d.Intents, d.Reply)
		return
	}
	b.askModel(ctx, t, text)
}

// plan executes intents, or parks them behind a confirmation when a tool asks for one.
func (b *Brain) plan(ctx context.Context, t *turn, intents []tools.Intent, template string) {
	if tool, ok := b.engine.Registry().ConfirmationTool(intents); ok {
		prompt := confirm.Prompt(tool.Description)
		if _, err := b.confirm.Request(prompt, intents, template); err != nil {
			b.log.Warn().Err(err).Str("request_id", t.req.ID).Msg("confirmation refused")
			t.res.ReplyText = "Please answer the earlier question first."
			return
		}
		t.res.Meta.ConfirmationState = "pending"
		t.res.ReplyText = prompt
		return
	}
	b.runPlan(ctx, t, intents, template)
}

func (b *Brain) runPlan(ctx context.Context, t *turn, intents []tools.Intent, template string) {
	start := b.now()
	sum := b.engine.ExecuteIntents(ctx, intents)
	took := b.now().Sub(start)
	t.res.Meta.Timings.ToolMs += took.Milliseconds()
	metrics.StageLatency.WithLabelValues("tools").Observe(took.Seconds())

	for _, r := range sum.Ran {
		call := ipc.ToolCall{Tool: r.Tool, OK: r.OK, Result: r.Result}
		if r.Error != nil {
			call.Error = &ipc.ToolError{Type: r.Error.Type, Message: r.Error.Message}
		}
		t.res.ToolCalls = append(t.res.ToolCalls, call)
	}
	if sum.OK() && len(sum.Ran) > 0 && strings.TrimSpace(template) != "" {
		t.res.ReplyText = strings.TrimSpace(template)
		return
	}
	t.res.ReplyText = sum.Reply()
}

// askModel asks the language model. A JSON plan in the answer is executed
// like a routed plan; anything else is the reply.
func (b *Brain) askModel(ctx context.Context, t *turn, text string) {
	if b.lm == nil {
		t.res.ReplyText = modelDownReply
		return
	}
	opts := llm.Options{System: b.systemPrompt(), History: b.recentHistory()}
	start := b.now()
	var out string
	var err error
	if b.cfg.StreamReplies && b.speech != nil {
		out, err = b.streamModel(ctx, t, text, opts)
	} else {
		out, err = b.lm.Generate(ctx, text, opts)
	}
	took := b.now().Sub(start)
	t.res.Meta.Timings.LLMMs = took.Milliseconds()
	metrics.StageLatency.WithLabelValues("llm").Observe(took.Seconds())

	if err != nil {
		b.log.Warn().Err(err).Str("request_id", t.req.ID).Msg("language model failed")
		if t.streamed && strings.TrimSpace(out) != "" {
			t.res.ReplyText = strings.TrimSpace(out)
			return
		}
		t.res.ReplyText = modelDownReply
		t.res.Meta.Error = true
		return
	}

	if mp, ok := parsePlan(out); ok {
		kept, dropped := tools.FilterPlan(mp.Intents, b.engine.Registry())
		if len(dropped) > 0 {
			b.log.Warn().Str("request_id", t.req.ID).Strs("dropped", dropped).Msg("plan intents dropped")
		}
		if len(kept) > 0 {
			b.plan(ctx, t, kept, mp.Reply)
			return
		}
		if mp.Reply != "" {
			t.res.ReplyText = strings.TrimSpace(mp.Reply)
			return
		}
		t.res.ReplyText = tools.ExecutionSummary{}.Reply()
		return
	}
	t.res.ReplyText = strings.TrimSpace(out)
}

// streamModel speaks the answer while it is generated. Output starting with
// '{' is buffered instead, since it is a plan rather than prose.
func (b *Brain) streamModel(ctx context.Context, t *turn, text string, opts llm.Options) (string, error) {
	stream := b.openStream(t)
	buf := speech.NewChunkBuffer(b.cfg.ChunkMinChars)
	var head strings.Builder
	const (
		undecided = iota
		speaking
		buffering
	)
	mode := undecided

	say := func(delta string) {
		for _, seg := range buf.Add(delta) {
			if stream.Say(seg) {
				t.streamed = true
			}
		}
	}
	out, err := b.lm.Stream(ctx, text, opts, func(delta string) error {
		if stream.Stale() {
			return errStaleStream
		}
		switch mode {
		case undecided:
			head.WriteString(delta)
			lead := strings.TrimLeft(head.String(), " \t\r\n")
			if lead == "" {
				return nil
			}
			if lead[0] == '{' {
				mode = buffering
				return nil
			}
			mode = speaking
			say(lead)
		case speaking:
			say(delta)
		}
		return nil
	})
	if mode == speaking {
		if rest := buf.Flush(); rest != "" && stream.Say(rest) {
			t.streamed = true
		}
	}
	if errors.Is(err, errStaleStream) {
		b.log.Info().Str("request_id", t.req.ID).Msg("stream abandoned after interrupt")
		return strings.TrimSpace(out), nil
	}
	return out, err
}

func (b *Brain) openStream(t *turn) *speech.Stream {
	if t.stream == nil {
		t.stream = b.speech.Open(t.req.ID)
		b.trackStream(t.req.ID, t.req.Meta.Generation)
	}
	return t.stream
}

// finish queues speech, sends the Result and then closes the speech stream,
// so Core always sees the Result before tts_finished.
func (b *Brain) finish(ctx context.Context, t *turn) {
	reply := strings.TrimSpace(t.res.ReplyText)
	t.res.ReplyText = reply
	show := !t.silent && strings.HasSuffix(reply, "?")
	t.res.Meta.ShowFollowupPrompt = show

	stale := !b.current(t.req.Meta) || (t.stream != nil && t.stream.Stale())
	var closeStream *speech.Stream
	switch {
	case b.speech == nil || t.silent || reply == "":
	case stale:
		t.res.Meta.SpeechSuppressed = true
		b.log.Info().Str("request_id", t.req.ID).Uint64("generation", t.req.Meta.Generation).Msg("speech suppressed for stale request")
	default:
		s := b.openStream(t)
		if t.streamed || s.Say(reply) {
			t.res.SpeechText = reply
			closeStream = s
		} else {
			t.res.Meta.SpeechSuppressed = true
		}
	}
	if closeStream == nil && t.stream != nil {
		b.mu.Lock()
		delete(b.streamGen, t.req.ID)
		b.mu.Unlock()
	}

	if t.res.ReplyText != "" && t.res.Meta.CaptureValid && !t.res.Meta.Error {
		b.remember(t.res.Meta.UserText, t.res.ReplyText)
	}

	total := b.now().Sub(t.start)
	t.res.Meta.Timings.TotalMs = total.Milliseconds()
	metrics.StageLatency.WithLabelValues("total").Observe(total.Seconds())
	b.log.Info().
		Str("request_id", t.req.ID).
		Str("route", t.res.Meta.Route).
		Int("tools", len(t.res.ToolCalls)).
		Bool("speech", t.res.SpeechText != "").
		Int64("total_ms", t.res.Meta.Timings.TotalMs).
		Msg("request done")
	b.sendResult(ctx, t.res)

	if closeStream != nil {
		closeStream.Close(show)
	}
}
