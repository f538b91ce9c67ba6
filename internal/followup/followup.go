// Package followup tracks the hotword-free listening window that opens after
// the assistant asks a question, and recognises phrases that end it.
package followup

import (
	"regexp"
	"strings"
	"time"
)

// ExitPhrases end a follow-up conversation.
var ExitPhrases = []string{
	"no",
	"nope",
	"nothing",
	"that's all",
	"thats all",
	"stop",
	"cancel",
	"never mind",
	"nevermind",
	"nothing else",
	"all good",
}

var (
	punctRE = regexp.MustCompile(`[^a-z0-9\s]`)
	spaceRE = regexp.MustCompile(`\s+`)
)

func normalize(s string) string {
	s = punctRE.ReplaceAllString(strings.ToLower(s), "")
	return strings.TrimSpace(spaceRE.ReplaceAllString(s, " "))
}

// MatchExitPhrase reports the exit phrase found in text. A phrase matches when
// it is the whole utterance, its first words or its last words.
func MatchExitPhrase(text string) (string, bool) {
	words := strings.Fields(normalize(text))
	if len(words) == 0 {
		return "", false
	}
	for _, phrase := range ExitPhrases {
		pw := strings.Fields(normalize(phrase))
		n := len(pw)
		if n == 0 || len(words) < n {
			continue
		}
		if equalWords(words[:n], pw) || equalWords(words[len(words)-n:], pw) {
			return phrase, true
		}
	}
	return "", false
}

func equalWords(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Config tunes the window.
type Config struct {
	Enabled  bool
	Timeout  time.Duration
	MaxChain int
}

// Window is the follow-up state owned by Core.
type Window struct {
	cfg      Config
	active   bool
	deadline time.Time
	chain    int
}

// NewWindow builds a closed window.
func NewWindow(cfg Config) *Window {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxChain <= 0 {
		cfg.MaxChain = 3
	}
	return &Window{cfg: cfg}
}

// Enter opens the window, or extends an open one by one link of the chain.
// It returns false when follow-ups are disabled or the chain limit is exceeded;
// the window is closed in that case.
func (w *Window) Enter(now time.Time) bool {
	if !w.cfg.Enabled {
		return false
	}
	if w.active {
		w.chain++
		if w.chain > w.cfg.MaxChain {
			w.Close()
			return false
		}
	} else {
		w.active = true
		w.chain = 0
	}
	w.deadline = now.Add(w.cfg.Timeout)
	return true
}

// Touch pushes the deadline out after detected speech.
func (w *Window) Touch(now time.Time) {
	if w.active {
		w.deadline = now.Add(w.cfg.Timeout)
	}
}

// Expired reports whether the window is open but past its deadline.
func (w *Window) Expired(now time.Time) bool {
	return w.active && !now.Before(w.deadline)
}

// Remaining returns the time left before the window closes.
func (w *Window) Remaining(now time.Time) time.Duration {
	if !w.active {
		return 0
	}
	if d := w.deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Close ends the window and resets the chain.
func (w *Window) Close() {
	w.active = false
	w.chain = 0
	w.deadline = time.Time{}
}

func (w *Window) Active() bool { return w.active }
func (w *Window) Chain() int   { return w.chain }
