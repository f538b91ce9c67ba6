package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var ErrSourceClosed = errors.New("audio: source closed")

// ChannelSource is a bounded frame queue fed by a capture callback. When full,
// the oldest frame is dropped so Core always sees the most recent audio.
type ChannelSource struct {
	frames  chan Frame
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewChannelSource creates a source holding at most size frames.
func NewChannelSource(size int) *ChannelSource {
	if size <= 0 {
		size = 100
	}
	return &ChannelSource{frames: make(chan Frame, size), done: make(chan struct{})}
}

// Push enqueues a frame, evicting the oldest one when the queue is full.
func (s *ChannelSource) Push(f Frame) {
	for {
		select {
		case <-s.done:
			return
		case s.frames <- f:
			return
		default:
		}
		select {
		case <-s.frames:
			s.dropped.Add(1)
		default:
		}
	}
}

// ReadFrame implements FrameSource.
func (s *ChannelSource) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		return nil, ErrSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Drain implements Drainer.
func (s *ChannelSource) Drain() int {
	n := 0
	for {
		select {
		case <-s.frames:
			n++
		default:
			return n
		}
	}
}

// Len returns the number of queued frames.
func (s *ChannelSource) Len() int { return len(s.frames) }

// Dropped returns how many frames were evicted because the queue was full.
func (s *ChannelSource) Dropped() int64 { return s.dropped.Load() }

// Close wakes readers; queued frames are abandoned.
func (s *ChannelSource) Close() { s.once.Do(func() { close(s.done) }) }

// ReaderSource reads raw PCM16LE mono frames from a stream such as a file or stdin.
// With Pace set, frames are released at real-time rate.
type ReaderSource struct {
	r            io.Reader
	frameSamples int
	buf          []byte
	ticker       *time.Ticker
}

// NewReaderSource wraps r. pace <= 0 reads as fast as the reader allows.
func NewReaderSource(r io.Reader, format Format, pace time.Duration) *ReaderSource {
	s := &ReaderSource{r: r, frameSamples: format.FrameSamples()}
	s.buf = make([]byte, s.frameSamples*2)
	if pace > 0 {
		s.ticker = time.NewTicker(pace)
	}
	return s
}

// ReadFrame implements FrameSource. It returns io.EOF once the stream is exhausted.
func (s *ReaderSource) ReadFrame(ctx context.Context) (Frame, error) {
	if s.ticker != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ticker.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(s.r, s.buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return FrameFromBytes(s.buf), nil
}

// Close stops the pacing ticker.
func (s *ReaderSource) Close() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
}
