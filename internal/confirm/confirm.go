// Package confirm holds the single pending confirmation for risky tool plans.
package confirm

import (
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/tools"
)

var ErrAlreadyPending = errors.New("confirm: a confirmation is already pending")

const (
	DefaultTimeout = 45 * time.Second

	CancelledReply = "Okay, cancelled."
	ExpiredReply   = "That confirmation expired."
)

// Outcome is the result of resolving an utterance against the pending confirmation.
type Outcome string

const (
	None      Outcome = "none"
	Executed  Outcome = "executed"
	Cancelled Outcome = "cancelled"
	Expired   Outcome = "expired"
	Ignored   Outcome = "ignored"
)

var (
	yesRE = regexp.MustCompile(`^(?:yes|yeah|yep|yup|do\s+it|proceed|confirm|go\s+ahead|sure|ok|okay|absolutely|affirmative)(?:\b|$)`)
	noRE  = regexp.MustCompile(`^(?:no|nope|nah|cancel|stop|don'?t|do\s+not|nevermind|never\s+mind|abort|negative)(?:\b|$)`)
	wsRE  = regexp.MustCompile(`\s+`)
)

func normalize(s string) string {
	return wsRE.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
}

// IsYes reports whether the utterance starts with an affirmative.
func IsYes(s string) bool { return yesRE.MatchString(normalize(s)) }

// IsNo reports whether the utterance starts with a refusal.
func IsNo(s string) bool { return noRE.MatchString(normalize(s)) }

// Prompt phrases the confirmation question for a tool description.
func Prompt(description string) string {
	return "Are you sure you want to " + strings.TrimSuffix(strings.TrimSpace(description), ".") + "?"
}

// Pending is a plan waiting for a yes or no.
type Pending struct {
	Prompt    string
	Plan      []tools.Intent
	Reply     string
	CreatedAt time.Time
	Deadline  time.Time
}

// Resolution is what Resolve decided. Pending is set for Executed (the plan to
// run, already cleared from the manager) and for Ignored.
type Resolution struct {
	Outcome Outcome
	Pending *Pending
	Reply   string
}

// Manager owns at most one pending confirmation. Expiry is checked lazily on
// the next Resolve.
type Manager struct {
	mu      sync.Mutex
	pending *Pending
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// NewManager builds a manager. now may be nil.
func NewManager(timeout time.Duration, now func() time.Time, logger zerolog.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{timeout: timeout, now: now, log: logger.With().Str("component", "confirm").Logger()}
}

// Request stores a new pending plan. It fails with ErrAlreadyPending while
// another one is outstanding, even if that one has expired but not been resolved.
func (m *Manager) Request(prompt string, plan []tools.Intent, reply string) (Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		return Pending{}, ErrAlreadyPending
	}
	now := m.now()
	p := &Pending{Prompt: prompt, Plan: plan, Reply: reply, CreatedAt: now, Deadline: now.Add(m.timeout)}
	m.pending = p
	m.log.Info().Str("prompt", prompt).Time("deadline", p.Deadline).Msg("confirmation pending")
	return *p, nil
}

// Current returns the pending confirmation, if any.
func (m *Manager) Current() (Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return Pending{}, false
	}
	return *m.pending, true
}

// Clear drops any pending confirmation.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()
}

// Resolve interprets an utterance. It must run before any other interpretation.
func (m *Manager) Resolve(utterance string) Resolution {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.pending
	if p == nil {
		return Resolution{Outcome: None}
	}
	now := m.now()
	age := now.Sub(p.CreatedAt)

	switch {
	case now.After(p.Deadline):
		m.pending = nil
		m.log.Info().Dur("age", age).Msg("confirmation expired")
		return Resolution{Outcome: Expired, Reply: ExpiredReply}
	case IsYes(utterance):
		// cleared before the caller executes so a retry cannot run the plan twice
		m.pending = nil
		m.log.Info().Dur("age", age).Int("intents", len(p.Plan)).Msg("confirmation accepted")
		return Resolution{Outcome: Executed, Pending: p}
	case IsNo(utterance):
		m.pending = nil
		m.log.Info().Dur("age", age).Msg("confirmation cancelled")
		return Resolution{Outcome: Cancelled, Reply: CancelledReply}
	default:
		cp := *p
		return Resolution{Outcome: Ignored, Pending: &cp, Reply: p.Prompt}
	}
}
