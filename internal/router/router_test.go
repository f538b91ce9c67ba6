package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type catalog map[string]bool

func (c catalog) HasTool(name string) bool { return c[name] }

func allTools() catalog {
	return catalog{
		"get_time": true, "open_target": true, "volume_mute_toggle": true,
		"volume_up": true, "volume_down": true, "media_play_pause": true,
	}
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	return New(DefaultRules(), allTools(), Options{Threshold: 0.75})
}

func TestDecide_PauseMusicIsToolPlan(t *testing.T) {
	d := newTestRouter(t).Decide("Pause music")
	assert.Equal(t, ModeToolPlan, d.Mode)
	assert.GreaterOrEqual(t, d.Confidence, 0.75)
	require.Len(t, d.Intents, 1)
	assert.Equal(t, "media_play_pause", d.Intents[0].Tool)
}

func TestDecide_QuestionGoesToLanguageModel(t *testing.T) {
	d := newTestRouter(t).Decide("what's a VPN")
	assert.Equal(t, ModeLanguageModel, d.Mode)
	assert.Zero(t, d.Confidence)
	assert.Empty(t, d.Intents)
}

func TestDecide_Deterministic(t *testing.T) {
	r := newTestRouter(t)
	inputs := []string{"open spotify", "what time is it?", "turn up", "play", "hello there", "mute"}
	for _, in := range inputs {
		first := r.Decide(in)
		for i := 0; i < 20; i++ {
			assert.Equal(t, first, r.Decide(in), in)
		}
	}
}

func TestDecide_Routes(t *testing.T) {
	r := newTestRouter(t)
	cases := []struct {
		in    string
		mode  Mode
		tool  string
		reply string
	}{
		{"What time is it?", ModeToolPlan, "get_time", ""},
		{"what's the time", ModeToolPlan, "get_time", ""},
		{"open Spotify", ModeToolPlan, "open_target", "Opening spotify."},
		{"launch \"notepad\"", ModeToolPlan, "open_target", "Opening notepad."},
		{"unmute", ModeToolPlan, "volume_mute_toggle", ""},
		{"make it louder", ModeToolPlan, "volume_up", ""},
		{"volume down please", ModeToolPlan, "volume_down", ""},
		{"resume", ModeToolPlan, "media_play_pause", ""},
		{"open it", ModeLanguageModel, "", ""},
		{"open that", ModeLanguageModel, "", ""},
		{"open play something", ModeLanguageModel, "", ""},
		{"open github.com", ModeLanguageModel, "", ""},
		{"go to https://example.org", ModeLanguageModel, "", ""},
		{"", ModeLanguageModel, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			d := r.Decide(tc.in)
			assert.Equal(t, tc.mode, d.Mode)
			if tc.tool != "" {
				require.Len(t, d.Intents, 1)
				assert.Equal(t, tc.tool, d.Intents[0].Tool)
				assert.Equal(t, tc.reply, d.Reply)
			}
		})
	}
}

func TestDecide_OpenTargetArgs(t *testing.T) {
	d := newTestRouter(t).Decide("start the calculator")
	require.Len(t, d.Intents, 1)
	assert.Equal(t, map[string]any{"query": "the calculator"}, d.Intents[0].Args)
}

func TestDecide_MultiIntentAlwaysLanguageModel(t *testing.T) {
	r := newTestRouter(t)
	for _, in := range []string{"pause music and open spotify", "mute, then play", "open notes; louder"} {
		d := r.Decide(in)
		assert.Equal(t, ModeLanguageModel, d.Mode, in)
		assert.Equal(t, ReasonMultiIntent, d.Reason, in)
		assert.Zero(t, d.Confidence, in)
	}
}

func TestDecide_SkipsUnregisteredTools(t *testing.T) {
	r := New(DefaultRules(), catalog{"get_time": true}, Options{})
	d := r.Decide("pause music")
	assert.Equal(t, ModeLanguageModel, d.Mode)
	assert.Equal(t, ReasonNoMatch, d.Reason)
}

func TestDecide_BelowThresholdNeverGuesses(t *testing.T) {
	r := New(DefaultRules(), allTools(), Options{Threshold: 0.82})
	d := r.Decide("pause")
	assert.Equal(t, ModeLanguageModel, d.Mode)
	assert.Equal(t, ReasonBelowThreshold, d.Reason)
	assert.InDelta(t, 0.8, d.Confidence, 1e-9)
	assert.Equal(t, "media_play_pause", d.Rule)
	assert.Empty(t, d.Intents)
}

const tieRules = `
rules:
  - name: short_high
    tool: a
    confidence: 0.99
    patterns: ['\bplay\b']
  - name: long_low
    tool: b
    confidence: 0.8
    patterns: ['\bplay the radio\b']
  - name: exact
    tool: c
    confidence: 0.76
    phrases: [play the radio]
`

func TestDecide_TieBreakOrder(t *testing.T) {
	rs, err := ParseRules([]byte(tieRules))
	require.NoError(t, err)
	cat := catalog{"a": true, "b": true, "c": true}

	d := New(rs, cat, Options{}).Decide("play the radio")
	assert.Equal(t, "exact", d.Rule)

	d = New(rs, cat, Options{}).Decide("please play the radio now")
	assert.Equal(t, "long_low", d.Rule)

	d = New(rs, cat, Options{TieBreak: []TieBreak{TieBreakConfidence}}).Decide("please play the radio now")
	assert.Equal(t, "short_high", d.Rule)
}

func TestParseRules_Errors(t *testing.T) {
	_, err := ParseRules([]byte("rules:\n  - name: x\n    confidence: 0.9\n"))
	assert.Error(t, err)

	_, err = ParseRules([]byte("rules:\n  - tool: x\n    confidence: 1.5\n"))
	assert.Error(t, err)

	_, err = ParseRules([]byte("rules:\n  - tool: x\n    patterns: ['(']\n"))
	assert.Error(t, err)
}

func TestLoadRules_DefaultWhenEmpty(t *testing.T) {
	rs, err := LoadRules("")
	require.NoError(t, err)
	assert.NotEmpty(t, rs.Rules)
	assert.Contains(t, rs.MultiIntentMarkers, " and ")

	d := New(rs, nil, Options{}).Decide("mute")
	require.Len(t, d.Intents, 1)
	assert.Equal(t, "volume_mute_toggle", d.Intents[0].Tool)
}
