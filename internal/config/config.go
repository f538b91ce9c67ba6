package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	IPC          IPCConfig          `mapstructure:"ipc"`
	Audio        AudioConfig        `mapstructure:"audio"`
	Core         CoreConfig         `mapstructure:"core"`
	Followup     FollowupConfig     `mapstructure:"followup"`
	Router       RouterConfig       `mapstructure:"router"`
	Pool         PoolConfig         `mapstructure:"pool"`
	Confirmation ConfirmationConfig `mapstructure:"confirmation"`
	Brain        BrainConfig        `mapstructure:"brain"`
	LLM          LLMConfig          `mapstructure:"llm"`
	STT          STTConfig          `mapstructure:"stt"`
	TTS          TTSConfig          `mapstructure:"tts"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	Tools        ToolsConfig        `mapstructure:"tools"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
	File    string `mapstructure:"file"`
}

type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

// IPCConfig selects how Core and Brain exchange envelopes.
type IPCConfig struct {
	Transport   string `mapstructure:"transport"` // memory, websocket, redis
	BrainURL    string `mapstructure:"brain_url"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPrefix string `mapstructure:"redis_prefix"`
	QueueSize   int    `mapstructure:"queue_size"`
	Token       string `mapstructure:"token"` // shared secret for the /ipc websocket; empty disables auth
}

type AudioConfig struct {
	SampleRate    int           `mapstructure:"sample_rate"`
	Chunk         time.Duration `mapstructure:"chunk"`
	QueueMax      int           `mapstructure:"queue_max"`
	VADThreshold  float64       `mapstructure:"vad_threshold"`
	WakeThreshold float64       `mapstructure:"wake_threshold"`
	Source        string        `mapstructure:"source"` // raw PCM16LE file, "-" for stdin
}

// CoreConfig holds the capture and barge-in timings.
type CoreConfig struct {
	MaxRecord                time.Duration `mapstructure:"max_record"`
	VADSilenceTimeout        time.Duration `mapstructure:"vad_silence_timeout"`
	NoSpeechStartTimeout     time.Duration `mapstructure:"no_speech_start_timeout"`
	PostBargeinWaitForSpeech time.Duration `mapstructure:"post_bargein_wait_for_speech"`
	HotwordCooldown          time.Duration `mapstructure:"hotword_cooldown"`
	HotwordTriggerStreak     int           `mapstructure:"hotword_trigger_streak"`
	PostIdleDrain            time.Duration `mapstructure:"post_idle_drain"`
	PostSpeakDrain           time.Duration `mapstructure:"post_speak_drain"`
	SpeakStartCooldown       time.Duration `mapstructure:"speak_start_cooldown"`
	PostBargeinIgnore        time.Duration `mapstructure:"post_bargein_ignore"`
	TranscribingTimeout      time.Duration `mapstructure:"transcribing_timeout"`
	HeartbeatInterval        time.Duration `mapstructure:"heartbeat_interval"`
}

type FollowupConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxChain int           `mapstructure:"max_chain"`
}

type RouterConfig struct {
	Threshold float64  `mapstructure:"threshold"`
	RulesFile string   `mapstructure:"rules_file"`
	TieBreak  []string `mapstructure:"tie_break"` // exact, length, confidence
}

type PoolConfig struct {
	Workers     int           `mapstructure:"workers"`
	TaskQueue   int           `mapstructure:"task_queue"`
	ResultQueue int           `mapstructure:"result_queue"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type ConfirmationConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type BrainConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StreamReplies     bool          `mapstructure:"stream_replies"`
	ChunkMinChars     int           `mapstructure:"chunk_min_chars"`
	SpeechEnabled     bool          `mapstructure:"speech_enabled"`
}

type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type STTConfig struct {
	AssemblyAIKey string `mapstructure:"assemblyai_api_key"`
}

type TTSConfig struct {
	Provider          string `mapstructure:"provider"` // deepgram, elevenlabs, none
	DeepgramKey       string `mapstructure:"deepgram_api_key"`
	DeepgramModel     string `mapstructure:"deepgram_model"`
	ElevenLabsKey     string `mapstructure:"elevenlabs_api_key"`
	ElevenLabsVoiceID string `mapstructure:"elevenlabs_voice_id"`
	Output            string `mapstructure:"output"` // raw PCM sink path; empty discards audio
}

type ArchiveConfig struct {
	SupabaseURL string `mapstructure:"supabase_url"`
	SupabaseKey string `mapstructure:"supabase_key"`
	Bucket      string `mapstructure:"bucket"`
}

// CommandTool declares a tool backed by an external executable.
type CommandTool struct {
	Name                 string   `mapstructure:"name"`
	Description          string   `mapstructure:"description"`
	Command              string   `mapstructure:"command"`
	Args                 []string `mapstructure:"args"`
	RequiresConfirmation bool     `mapstructure:"requires_confirmation"`
}

type ToolsConfig struct {
	Commands []CommandTool `mapstructure:"commands"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log:  LogConfig{Level: "info", Console: true},
		HTTP: HTTPConfig{Address: ":8080"},
		IPC: IPCConfig{
			Transport:   "memory",
			BrainURL:    "ws://127.0.0.1:8080/ipc",
			RedisAddr:   "127.0.0.1:6379",
			RedisPrefix: "assistant",
			QueueSize:   64,
		},
		Audio: AudioConfig{
			SampleRate:    16000,
			Chunk:         20 * time.Millisecond,
			QueueMax:      100,
			VADThreshold:  500,
			WakeThreshold: 6000,
		},
		Core: CoreConfig{
			MaxRecord:                10 * time.Second,
			VADSilenceTimeout:        1200 * time.Millisecond,
			NoSpeechStartTimeout:     2500 * time.Millisecond,
			PostBargeinWaitForSpeech: 2 * time.Second,
			HotwordCooldown:          1500 * time.Millisecond,
			HotwordTriggerStreak:     3,
			PostIdleDrain:            500 * time.Millisecond,
			PostSpeakDrain:           350 * time.Millisecond,
			SpeakStartCooldown:       1800 * time.Millisecond,
			PostBargeinIgnore:        3 * time.Second,
			TranscribingTimeout:      25 * time.Second,
			HeartbeatInterval:        10 * time.Second,
		},
		Followup:     FollowupConfig{Enabled: true, Timeout: 2 * time.Second, MaxChain: 3},
		Router:       RouterConfig{Threshold: 0.75, TieBreak: []string{"exact", "length", "confidence"}},
		Pool:         PoolConfig{Workers: 3, TaskQueue: 50, ResultQueue: 100, Timeout: 15 * time.Second},
		Confirmation: ConfirmationConfig{Timeout: 45 * time.Second},
		Brain: BrainConfig{
			HeartbeatInterval: 10 * time.Second,
			StreamReplies:     true,
			ChunkMinChars:     150,
			SpeechEnabled:     true,
		},
		LLM: LLMConfig{
			BaseURL: "http://127.0.0.1:11434/v1",
			Model:   "llama3.1:latest",
			Timeout: 30 * time.Second,
		},
		TTS:     TTSConfig{Provider: "deepgram", DeepgramModel: "aura-2-thalia-en"},
		Archive: ArchiveConfig{Bucket: "captures"},
	}
}

// Loader reads configuration from defaults, an optional YAML file, .env and ASSISTANT_* variables.
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a loader. An empty path searches ./assistant.yaml and ~/.assistant/assistant.yaml.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("assistant")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".assistant"))
		}
	}
	v.SetEnvPrefix("ASSISTANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())
	return &Loader{v: v}
}

// Load is shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Load reads and decodes the configuration. A missing config file is not an error.
func (l *Loader) Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg := Default()
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyProviderEnv(&cfg)
	return &cfg, nil
}

// Watch reloads the file on change and hands the new configuration to fn.
func (l *Loader) Watch(fn func(*Config, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg := Default()
		if err := l.v.Unmarshal(&cfg); err != nil {
			fn(nil, fmt.Errorf("decode config %s: %w", e.Name, err))
			return
		}
		applyProviderEnv(&cfg)
		fn(&cfg, nil)
	})
	l.v.WatchConfig()
}

// UsedFile returns the config file in use, if any.
func (l *Loader) UsedFile() string { return l.v.ConfigFileUsed() }

// Warnings lists missing settings that disable optional integrations.
func (c *Config) Warnings() []string {
	var out []string
	if c.STT.AssemblyAIKey == "" {
		out = append(out, "ASSEMBLYAI_API_KEY not set - audio transcription will not work")
	}
	switch c.TTS.Provider {
	case "deepgram":
		if c.TTS.DeepgramKey == "" {
			out = append(out, "DEEPGRAM_API_KEY not set - speech output disabled")
		}
	case "elevenlabs":
		if c.TTS.ElevenLabsKey == "" || c.TTS.ElevenLabsVoiceID == "" {
			out = append(out, "ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set - speech output disabled")
		}
	}
	if c.Archive.SupabaseURL != "" && c.Archive.SupabaseKey == "" {
		out = append(out, "SUPABASE_SERVICE_ROLE_KEY not set - capture archive disabled")
	}
	return out
}

// applyProviderEnv honours the provider's conventional variable names when the
// ASSISTANT_* form is not set.
func applyProviderEnv(cfg *Config) {
	fill := func(dst *string, name string) {
		if *dst == "" {
			*dst = os.Getenv(name)
		}
	}
	fill(&cfg.STT.AssemblyAIKey, "ASSEMBLYAI_API_KEY")
	fill(&cfg.TTS.DeepgramKey, "DEEPGRAM_API_KEY")
	fill(&cfg.TTS.ElevenLabsKey, "ELEVENLABS_API_KEY")
	fill(&cfg.TTS.ElevenLabsVoiceID, "ELEVENLABS_VOICE_ID")
	fill(&cfg.LLM.APIKey, "LLM_API_KEY")
	fill(&cfg.Archive.SupabaseURL, "SUPABASE_URL")
	fill(&cfg.Archive.SupabaseKey, "SUPABASE_SERVICE_ROLE_KEY")
}

func setDefaults(v *viper.Viper, d Config) {
	defaults := map[string]any{
		"log.level":   d.Log.Level,
		"log.console": d.Log.Console,
		"log.file":    d.Log.File,

		"http.address": d.HTTP.Address,

		"ipc.transport":    d.IPC.Transport,
		"ipc.brain_url":    d.IPC.BrainURL,
		"ipc.redis_addr":   d.IPC.RedisAddr,
		"ipc.redis_prefix": d.IPC.RedisPrefix,
		"ipc.queue_size":   d.IPC.QueueSize,
		"ipc.token":        d.IPC.Token,

		"audio.sample_rate":    d.Audio.SampleRate,
		"audio.chunk":          d.Audio.Chunk,
		"audio.queue_max":      d.Audio.QueueMax,
		"audio.vad_threshold":  d.Audio.VADThreshold,
		"audio.wake_threshold": d.Audio.WakeThreshold,
		"audio.source":         d.Audio.Source,

		"core.max_record":                   d.Core.MaxRecord,
		"core.vad_silence_timeout":          d.Core.VADSilenceTimeout,
		"core.no_speech_start_timeout":      d.Core.NoSpeechStartTimeout,
		"core.post_bargein_wait_for_speech": d.Core.PostBargeinWaitForSpeech,
		"core.hotword_cooldown":             d.Core.HotwordCooldown,
		"core.hotword_trigger_streak":       d.Core.HotwordTriggerStreak,
		"core.post_idle_drain":              d.Core.PostIdleDrain,
		"core.post_speak_drain":             d.Core.PostSpeakDrain,
		"core.speak_start_cooldown":         d.Core.SpeakStartCooldown,
		"core.post_bargein_ignore":          d.Core.PostBargeinIgnore,
		"core.transcribing_timeout":         d.Core.TranscribingTimeout,
		"core.heartbeat_interval":           d.Core.HeartbeatInterval,

		"followup.enabled":   d.Followup.Enabled,
		"followup.timeout":   d.Followup.Timeout,
		"followup.max_chain": d.Followup.MaxChain,

		"router.threshold":  d.Router.Threshold,
		"router.rules_file": d.Router.RulesFile,
		"router.tie_break":  d.Router.TieBreak,

		"pool.workers":      d.Pool.Workers,
		"pool.task_queue":   d.Pool.TaskQueue,
		"pool.result_queue": d.Pool.ResultQueue,
		"pool.timeout":      d.Pool.Timeout,

		"confirmation.timeout": d.Confirmation.Timeout,

		"brain.heartbeat_interval": d.Brain.HeartbeatInterval,
		"brain.stream_replies":     d.Brain.StreamReplies,
		"brain.chunk_min_chars":    d.Brain.ChunkMinChars,
		"brain.speech_enabled":     d.Brain.SpeechEnabled,

		"llm.base_url": d.LLM.BaseURL,
		"llm.api_key":  d.LLM.APIKey,
		"llm.model":    d.LLM.Model,
		"llm.timeout":  d.LLM.Timeout,

		"stt.assemblyai_api_key": d.STT.AssemblyAIKey,

		"tts.provider":            d.TTS.Provider,
		"tts.deepgram_api_key":    d.TTS.DeepgramKey,
		"tts.deepgram_model":      d.TTS.DeepgramModel,
		"tts.elevenlabs_api_key":  d.TTS.ElevenLabsKey,
		"tts.elevenlabs_voice_id": d.TTS.ElevenLabsVoiceID,
		"tts.output":              d.TTS.Output,

		"archive.supabase_url": d.Archive.SupabaseURL,
		"archive.supabase_key": d.Archive.SupabaseKey,
		"archive.bucket":       d.Archive.Bucket,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}
