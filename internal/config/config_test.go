package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, 16000, cfg.Audio.SampleRate)
	assert.Equal(t, 20*time.Millisecond, cfg.Audio.Chunk)
	assert.Equal(t, 2500*time.Millisecond, cfg.Core.NoSpeechStartTimeout)
	assert.Equal(t, 3, cfg.Core.HotwordTriggerStreak)
	assert.Equal(t, 25*time.Second, cfg.Core.TranscribingTimeout)
	assert.Equal(t, 0.75, cfg.Router.Threshold)
	assert.Equal(t, 3, cfg.Pool.Workers)
	assert.Equal(t, 45*time.Second, cfg.Confirmation.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Followup.Timeout)
	assert.Equal(t, "llama3.1:latest", cfg.LLM.Model)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assistant.yaml")
	body := `
core:
  max_record: 6s
router:
  threshold: 0.8
tools:
  commands:
    - name: media_play_pause
      description: toggle playback
      command: playerctl
      args: [play-pause]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("ASSISTANT_POOL_WORKERS", "5")
	t.Setenv("ASSISTANT_HTTP_ADDRESS", ":9090")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6*time.Second, cfg.Core.MaxRecord)
	assert.Equal(t, 0.8, cfg.Router.Threshold)
	assert.Equal(t, 5, cfg.Pool.Workers)
	assert.Equal(t, ":9090", cfg.HTTP.Address)
	require.Len(t, cfg.Tools.Commands, 1)
	assert.Equal(t, "playerctl", cfg.Tools.Commands[0].Command)
	assert.Equal(t, []string{"play-pause"}, cfg.Tools.Commands[0].Args)
}

func TestWarnings_MissingKeys(t *testing.T) {
	cfg := Default()
	w := cfg.Warnings()
	assert.NotEmpty(t, w)

	cfg.STT.AssemblyAIKey = "k"
	cfg.TTS.DeepgramKey = "k"
	assert.Empty(t, cfg.Warnings())
}
