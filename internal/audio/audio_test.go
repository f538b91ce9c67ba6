package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sineFrame(n int, amp float64) Frame {
	f := make(Frame, n)
	for i := range f {
		f[i] = int16(amp * math.Sin(2*math.Pi*220*float64(i)/16000))
	}
	return f
}

func TestFrame_BytesRoundTrip(t *testing.T) {
	f := Frame{0, 1, -1, 32767, -32768}
	assert.Equal(t, f, FrameFromBytes(f.Bytes()))
}

func TestFormat_FrameMath(t *testing.T) {
	f := DefaultFormat()
	assert.Equal(t, 320, f.FrameSamples())
	assert.Equal(t, 125, f.Frames(2500*time.Millisecond))
	assert.Equal(t, 500, f.Frames(10*time.Second))
}

func TestEnergyVAD_SpeechAndSilence(t *testing.T) {
	v := NewEnergyVAD(300, 4)
	for i := 0; i < 4; i++ {
		assert.False(t, v.IsSpeech(make(Frame, 320)))
	}
	speech := 0
	for i := 0; i < 8; i++ {
		if v.IsSpeech(sineFrame(320, 8000)) {
			speech++
		}
	}
	assert.GreaterOrEqual(t, speech, 6)

	v.Reset()
	assert.False(t, v.IsSpeech(Frame{}))
}

func TestEnergyWakeDetector(t *testing.T) {
	d := NewEnergyWakeDetector(4000)
	hit, score := d.Detect(sineFrame(320, 12000))
	assert.True(t, hit)
	assert.Equal(t, 1.0, score)

	hit, score = d.Detect(make(Frame, 320))
	assert.False(t, hit)
	assert.Zero(t, score)
}

func TestChannelSource_DropsOldestWhenFull(t *testing.T) {
	s := NewChannelSource(2)
	s.Push(Frame{1})
	s.Push(Frame{2})
	s.Push(Frame{3})
	assert.Equal(t, int64(1), s.Dropped())

	ctx := context.Background()
	f, err := s.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, Frame{2}, f)

	s.Push(Frame{4})
	assert.Equal(t, 2, s.Drain())
	assert.Zero(t, s.Len())

	s.Close()
	_, err = s.ReadFrame(ctx)
	assert.ErrorIs(t, err, ErrSourceClosed)
}

func TestReaderSource_SplitsFramesAndEOF(t *testing.T) {
	format := Format{SampleRate: 16000, Chunk: 10 * time.Millisecond}
	pcm := sineFrame(160*2+10, 1000).Bytes()
	src := NewReaderSource(bytes.NewReader(pcm), format, 0)
	defer src.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		f, err := src.ReadFrame(ctx)
		require.NoError(t, err)
		assert.Len(t, f, 160)
	}
	_, err := src.ReadFrame(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestEncodeWAV_Header(t *testing.T) {
	pcm := make([]byte, 640)
	wav := EncodeWAV(pcm, 16000)
	require.Len(t, wav, 44+640)
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(640), binary.LittleEndian.Uint32(wav[40:44]))
}
