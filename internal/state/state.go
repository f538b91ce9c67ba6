package state

import (
	"errors"
	"fmt"
	"time"
)

// AssistantState is the mode Core is currently in.
type AssistantState int

const (
	Idle AssistantState = iota
	Listening
	Transcribing
	Thinking
	Speaking
	Followup
)

var ErrInvalidTransition = errors.New("invalid state transition")

func (s AssistantState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Transcribing:
		return "transcribing"
	case Thinking:
		return "thinking"
	case Speaking:
		return "speaking"
	case Followup:
		return "followup"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Capturing reports whether frames in this state are recorded into an utterance.
func (s AssistantState) Capturing() bool { return s == Listening || s == Followup }

// allowed lists the non-Idle targets reachable from each state. Every state may return to Idle.
var allowed = map[AssistantState][]AssistantState{
	Idle:         {Listening, Thinking, Speaking},
	Listening:    {Transcribing},
	Transcribing: {Thinking, Speaking},
	Thinking:     {Speaking},
	Speaking:     {Listening, Followup},
	Followup:     {Transcribing, Speaking},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to AssistantState) bool {
	if to == Idle || from == to {
		return true
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine owns the current state and its frame counters. It is not safe for
// concurrent use; Core is its only writer.
type Machine struct {
	current   AssistantState
	enteredAt time.Time

	SpeechDetected bool
	SpeechFrames   int
	SilenceFrames  int
	TotalFrames    int

	onTransition func(from, to AssistantState)
}

// New returns a machine in Idle.
func New(now time.Time) *Machine {
	return &Machine{current: Idle, enteredAt: now}
}

// OnTransition registers a hook called after every state change.
func (m *Machine) OnTransition(fn func(from, to AssistantState)) { m.onTransition = fn }

func (m *Machine) Current() AssistantState { return m.current }

// TimeInState returns how long the current state has been active.
func (m *Machine) TimeInState(now time.Time) time.Duration { return now.Sub(m.enteredAt) }

// TransitionTo moves to the target state and resets the per-state counters.
// Re-entering the current state only resets counters.
func (m *Machine) TransitionTo(to AssistantState, now time.Time) error {
	from := m.current
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.current = to
	m.enteredAt = now
	m.resetCounters()
	if from != to && m.onTransition != nil {
		m.onTransition(from, to)
	}
	return nil
}

// RecordFrame updates the capture counters for one frame.
func (m *Machine) RecordFrame(isSpeech bool) {
	m.TotalFrames++
	if isSpeech {
		m.SpeechDetected = true
		m.SpeechFrames++
		m.SilenceFrames = 0
		return
	}
	if m.SpeechDetected {
		m.SilenceFrames++
	}
}

func (m *Machine) resetCounters() {
	m.SpeechDetected = false
	m.SpeechFrames = 0
	m.SilenceFrames = 0
	m.TotalFrames = 0
}
