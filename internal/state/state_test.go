package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_TransitionResetsCounters(t *testing.T) {
	now := time.Unix(100, 0)
	m := New(now)
	require.NoError(t, m.TransitionTo(Listening, now))

	m.RecordFrame(false)
	m.RecordFrame(true)
	m.RecordFrame(false)
	m.RecordFrame(false)
	assert.True(t, m.SpeechDetected)
	assert.Equal(t, 1, m.SpeechFrames)
	assert.Equal(t, 2, m.SilenceFrames)
	assert.Equal(t, 4, m.TotalFrames)

	require.NoError(t, m.TransitionTo(Transcribing, now.Add(time.Second)))
	assert.False(t, m.SpeechDetected)
	assert.Zero(t, m.SpeechFrames)
	assert.Zero(t, m.SilenceFrames)
	assert.Zero(t, m.TotalFrames)
	assert.Equal(t, 2*time.Second, m.TimeInState(now.Add(3*time.Second)))
}

func TestMachine_SilenceOnlyCountsAfterSpeech(t *testing.T) {
	m := New(time.Now())
	m.RecordFrame(false)
	m.RecordFrame(false)
	assert.Zero(t, m.SilenceFrames)
	assert.False(t, m.SpeechDetected)
}

func TestMachine_RejectsIllegalTransition(t *testing.T) {
	now := time.Now()
	m := New(now)
	err := m.TransitionTo(Followup, now)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, Idle, m.Current())
}

func TestMachine_TransitionHook(t *testing.T) {
	now := time.Now()
	m := New(now)
	var seen []string
	m.OnTransition(func(from, to AssistantState) { seen = append(seen, from.String()+">"+to.String()) })

	require.NoError(t, m.TransitionTo(Listening, now))
	require.NoError(t, m.TransitionTo(Listening, now))
	require.NoError(t, m.TransitionTo(Idle, now))
	assert.Equal(t, []string{"idle>listening", "listening>idle"}, seen)
}

func TestCanTransition_EveryStateReturnsToIdle(t *testing.T) {
	for _, s := range []AssistantState{Idle, Listening, Transcribing, Thinking, Speaking, Followup} {
		assert.True(t, CanTransition(s, Idle), s.String())
	}
	assert.True(t, CanTransition(Speaking, Listening))
	assert.False(t, CanTransition(Thinking, Followup))
}
