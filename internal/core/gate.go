package core

import (
	"time"

	"golang.org/x/time/rate"
)

// GateConfig tunes wake-word acceptance.
type GateConfig struct {
	Streak             int
	Cooldown           time.Duration
	SpeakStartCooldown time.Duration
	PostBargeinIgnore  time.Duration
}

// Gate turns raw per-frame wake detections into accepted triggers. A trigger
// needs Streak consecutive positive frames and is refused during the cooldown,
// shortly after speech starts and shortly after a barge-in.
type Gate struct {
	cfg     GateConfig
	limiter *rate.Limiter
	run     int

	speakStartedAt time.Time
	bargeinAt      time.Time
}

func NewGate(cfg GateConfig) *Gate {
	if cfg.Streak <= 0 {
		cfg.Streak = 1
	}
	limit := rate.Inf
	if cfg.Cooldown > 0 {
		limit = rate.Every(cfg.Cooldown)
	}
	return &Gate{cfg: cfg, limiter: rate.NewLimiter(limit, 1)}
}

// Observe feeds one detector result. speaking selects the barge-in rules.
func (g *Gate) Observe(triggered bool, now time.Time, speaking bool) bool {
	if !triggered {
		g.run = 0
		return false
	}
	g.run++
	if g.run < g.cfg.Streak {
		return false
	}
	if speaking && !g.speakStartedAt.IsZero() && now.Sub(g.speakStartedAt) < g.cfg.SpeakStartCooldown {
		g.run = 0
		return false
	}
	if !g.bargeinAt.IsZero() && now.Sub(g.bargeinAt) < g.cfg.PostBargeinIgnore {
		g.run = 0
		return false
	}
	if !g.limiter.AllowN(now, 1) {
		g.run = 0
		return false
	}
	g.run = 0
	return true
}

// SpeechStarted records when the assistant began speaking.
func (g *Gate) SpeechStarted(now time.Time) { g.speakStartedAt = now }

// BargedIn records an accepted interrupt.
func (g *Gate) BargedIn(now time.Time) { g.bargeinAt = now }

// Reset clears the positive-frame streak.
func (g *Gate) Reset() { g.run = 0 }
