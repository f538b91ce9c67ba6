// Package speech plays reply segments one at a time, synthesizing the next
// segment while the current one plays, with immediate barge-in cancellation.
package speech

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/metrics"
)

// Audio is mono PCM16LE.
type Audio struct {
	PCM        []byte
	SampleRate int
}

// Duration returns the playback length.
func (a Audio) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(a.PCM)/2) * time.Second / time.Duration(a.SampleRate)
}

// Synthesizer turns text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// Player plays audio until it finishes or ctx is cancelled. completed is false
// when playback was cut short.
type Player interface {
	Play(ctx context.Context, audio Audio) (completed bool, err error)
}

// Events receive lifecycle notifications from the playback goroutine.
type Events struct {
	OnStarted     func(streamID string)
	OnFinished    func(streamID string, showFollowupPrompt bool)
	OnInterrupted func(streamID string)
}

type item struct {
	epoch        uint64
	stream       string
	text         string
	end          bool
	showFollowup bool
}

type prefetch struct {
	it     item
	done   chan struct{}
	audio  Audio
	err    error
	cancel context.CancelFunc
}

// Controller is a StreamingSpeechController. Run must be running for queued
// segments to play.
type Controller struct {
	synth  Synthesizer
	player Player
	events Events
	log    zerolog.Logger

	mu         sync.Mutex
	queue      []item
	wake       chan struct{}
	epoch      uint64
	pre        *prefetch
	playCancel context.CancelFunc
	playing    bool
	current    string // stream that has started and not finished
	started    map[string]bool
	prefetches int
	runCtx     context.Context
}

// New builds a controller.
func New(synth Synthesizer, player Player, events Events, logger zerolog.Logger) *Controller {
	return &Controller{
		synth:   synth,
		player:  player,
		events:  events,
		log:     logger.With().Str("component", "speech").Logger(),
		wake:    make(chan struct{}, 1),
		started: make(map[string]bool),
	}
}

// Stream is a handle for one reply. Segments said after an Interrupt are dropped.
type Stream struct {
	c     *Controller
	id    string
	epoch uint64
}

// Open starts a stream bound to the current epoch.
func (c *Controller) Open(id string) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Stream{c: c, id: id, epoch: c.epoch}
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.id }

// Say queues a segment. It reports false if the stream is stale.
func (s *Stream) Say(text string) bool {
	if text == "" {
		return !s.Stale()
	}
	return s.c.enqueue(item{epoch: s.epoch, stream: s.id, text: text})
}

// Close queues the end-of-stream marker carrying the follow-up flag.
func (s *Stream) Close(showFollowupPrompt bool) bool {
	return s.c.enqueue(item{epoch: s.epoch, stream: s.id, end: true, showFollowup: showFollowupPrompt})
}

// Stale reports whether an Interrupt happened since Open.
func (s *Stream) Stale() bool {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.epoch != s.c.epoch
}

func (c *Controller) enqueue(it item) bool {
	c.mu.Lock()
	if it.epoch != c.epoch {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, it)
	c.startPrefetchLocked()
	c.mu.Unlock()
	c.signal()
	return true
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Interrupt stops playback, discards queued and prefetched segments and
// invalidates open streams. It is safe to call from any goroutine.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	c.epoch++
	dropped := len(c.queue)
	c.queue = nil
	if c.pre != nil {
		c.pre.cancel()
		c.pre = nil
	}
	if c.playCancel != nil {
		c.playCancel()
	}
	interrupted := c.current
	c.current = ""
	c.started = make(map[string]bool)
	c.mu.Unlock()

	c.signal()
	if dropped > 0 {
		metrics.SpeechSegments.WithLabelValues("discarded").Add(float64(dropped))
	}
	if interrupted != "" {
		c.log.Info().Str("stream", interrupted).Int("discarded", dropped).Msg("speech interrupted")
		if c.events.OnInterrupted != nil {
			c.events.OnInterrupted(interrupted)
		}
	}
}

// Busy reports whether anything is playing or queued.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing || len(c.queue) > 0
}

// Prefetches returns how many background syntheses have been started.
func (c *Controller) Prefetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetches
}

// Run plays queued segments until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()
	for {
		it, ok := c.pop()
		if !ok {
			select {
			case <-ctx.Done():
				c.Interrupt()
				return
			case <-c.wake:
			}
			continue
		}
		if it.end {
			c.finish(it)
			continue
		}
		c.playSegment(ctx, it)
	}
}

func (c *Controller) pop() (item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return item{}, false
	}
	it := c.queue[0]
	c.queue = c.queue[1:]
	return it, true
}

func (c *Controller) finish(it item) {
	c.mu.Lock()
	if it.epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	played := c.started[it.stream]
	delete(c.started, it.stream)
	if c.current == it.stream {
		c.current = ""
	}
	c.mu.Unlock()

	if c.events.OnFinished != nil {
		c.events.OnFinished(it.stream, played && it.showFollowup)
	}
}

func (c *Controller) playSegment(ctx context.Context, it item) {
	c.mu.Lock()
	if it.epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	segCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.playCancel = cancel
	c.mu.Unlock()

	audio, err := c.audioFor(segCtx, it)
	if err != nil {
		if segCtx.Err() == nil {
			metrics.SpeechSegments.WithLabelValues("synth_failed").Inc()
			c.log.Warn().Err(err).Str("stream", it.stream).Msg("synthesis failed; segment skipped")
		}
		c.clearPlayback()
		return
	}

	c.mu.Lock()
	if it.epoch != c.epoch {
		c.playCancel = nil
		c.mu.Unlock()
		return
	}
	c.playing = true
	first := !c.started[it.stream]
	c.started[it.stream] = true
	c.current = it.stream
	c.startPrefetchLocked()
	c.mu.Unlock()

	if first && c.events.OnStarted != nil {
		c.events.OnStarted(it.stream)
	}

	completed, err := c.player.Play(segCtx, audio)
	interrupted := segCtx.Err() != nil
	c.clearPlayback()

	switch {
	case err != nil && !interrupted:
		metrics.SpeechSegments.WithLabelValues("play_failed").Inc()
		c.log.Warn().Err(err).Str("stream", it.stream).Msg("playback failed")
	case completed:
		metrics.SpeechSegments.WithLabelValues("played").Inc()
	default:
		metrics.SpeechSegments.WithLabelValues("cut").Inc()
	}
}

func (c *Controller) clearPlayback() {
	c.mu.Lock()
	c.playing = false
	c.playCancel = nil
	c.mu.Unlock()
}

// audioFor returns prefetched audio for it when available, waiting for an
// in-flight prefetch, and otherwise synthesizes inline.
func (c *Controller) audioFor(ctx context.Context, it item) (Audio, error) {
	c.mu.Lock()
	pre := c.pre
	if pre != nil && pre.it == it {
		c.pre = nil
	} else {
		pre = nil
	}
	c.mu.Unlock()

	if pre != nil {
		defer pre.cancel()
		select {
		case <-pre.done:
			return pre.audio, pre.err
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		}
	}
	return c.synth.Synthesize(ctx, it.text)
}

// startPrefetchLocked begins synthesizing the next queued segment of the
// current epoch while a segment is playing. Callers hold c.mu.
func (c *Controller) startPrefetchLocked() {
	if !c.playing || c.pre != nil || len(c.queue) == 0 || c.runCtx == nil {
		return
	}
	next := c.queue[0]
	if next.end || next.epoch != c.epoch {
		return
	}
	pctx, cancel := context.WithCancel(c.runCtx)
	p := &prefetch{it: next, done: make(chan struct{}), cancel: cancel}
	c.pre = p
	c.prefetches++
	go func() {
		defer close(p.done)
		p.audio, p.err = c.synth.Synthesize(pctx, next.text)
	}()
}
