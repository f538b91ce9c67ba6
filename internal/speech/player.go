package speech

import (
	"context"
	"io"
	"time"
)

// PacedPlayer writes PCM to a sink in real-time chunks so that a cancel takes
// effect within one chunk.
type PacedPlayer struct {
	out   io.Writer
	chunk time.Duration
	tick  func(d time.Duration) (<-chan time.Time, func())
}

// NewPacedPlayer plays into out with 20ms chunks. A nil out discards audio
// but still paces it.
func NewPacedPlayer(out io.Writer) *PacedPlayer {
	if out == nil {
		out = io.Discard
	}
	return &PacedPlayer{out: out, chunk: 20 * time.Millisecond, tick: newTicker}
}

func newTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Play implements Player.
func (p *PacedPlayer) Play(ctx context.Context, a Audio) (bool, error) {
	if len(a.PCM) == 0 {
		return true, nil
	}
	rate := a.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	step := int(int64(rate)*int64(p.chunk)/int64(time.Second)) * 2
	if step <= 0 {
		step = 2
	}

	ticks, stop := p.tick(p.chunk)
	defer stop()
	for off := 0; off < len(a.PCM); off += step {
		if ctx.Err() != nil {
			return false, nil
		}
		end := off + step
		if end > len(a.PCM) {
			end = len(a.PCM)
		}
		if _, err := p.out.Write(a.PCM[off:end]); err != nil {
			return false, err
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-ticks:
		}
	}
	return true, nil
}

// Silent synthesizes empty audio. It keeps the speech lifecycle events flowing
// when no voice provider is configured.
type Silent struct{}

func (Silent) Synthesize(context.Context, string) (Audio, error) {
	return Audio{SampleRate: 16000}, nil
}
