package audio

import (
	"context"
	"encoding/binary"
	"math"
	"time"
)

// Frame is one fixed-size mono PCM16 frame. At 16kHz with 20ms chunks this is 320 samples.
type Frame []int16

// FrameFromBytes decodes PCM16LE bytes. A trailing odd byte is ignored.
func FrameFromBytes(pcm []byte) Frame {
	out := make(Frame, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return out
}

// Bytes encodes the frame as PCM16LE.
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f)*2)
	for i, s := range f {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}

// RMS returns the root-mean-square amplitude of the frame.
func (f Frame) RMS() float64 {
	if len(f) == 0 {
		return 0
	}
	var sum float64
	for _, s := range f {
		x := float64(s)
		sum += x * x
	}
	return math.Sqrt(sum / float64(len(f)))
}

// Format describes the fixed frame layout shared by Core and its detectors.
type Format struct {
	SampleRate int
	Chunk      time.Duration
}

// DefaultFormat is 16kHz mono with 20ms frames.
func DefaultFormat() Format { return Format{SampleRate: 16000, Chunk: 20 * time.Millisecond} }

// FrameSamples returns the number of samples in one frame.
func (f Format) FrameSamples() int {
	return int(int64(f.SampleRate) * int64(f.Chunk) / int64(time.Second))
}

// Frames converts a duration to a whole number of frames.
func (f Format) Frames(d time.Duration) int {
	if f.Chunk <= 0 {
		return 0
	}
	return int(d / f.Chunk)
}

// VoiceActivityDetector classifies a frame as speech or silence.
type VoiceActivityDetector interface {
	IsSpeech(frame Frame) bool
}

// WakeWordDetector reports whether a frame completes a wake phrase, with a score in [0,1].
type WakeWordDetector interface {
	Detect(frame Frame) (triggered bool, score float64)
}

// FrameSource supplies frames at a fixed rate. ReadFrame blocks until a frame is available.
type FrameSource interface {
	ReadFrame(ctx context.Context) (Frame, error)
}

// Drainer is implemented by sources that buffer frames and can discard them on demand.
type Drainer interface {
	Drain() int
}
