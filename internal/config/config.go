// Package config loads the companion configuration from an optional TOML
// file, a .env file and COMPANION_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	configName = "companion"
	configType = "toml"
	envPrefix  = "COMPANION"

	// FileName is the configuration file written by Init.
	FileName = configName + "." + configType

	// MaxAnalysisWorkers bounds analysis.workers.
	MaxAnalysisWorkers = 2
)

// Wake modes.
const (
	WakeKeyboard = "keyboard"
	WakeAcoustic = "acoustic"
	WakeRemote   = "remote"
)

// Store backends.
const (
	StoreFS     = "fs"
	StoreSQLite = "sqlite"
)

// Provider names shared by the collaborator sections.
const (
	ProviderOpenAI  = "openai"
	ProviderLocal   = "local"
	ProviderWhisper = "whisper-server"
	ProviderCommand = "command"
	ProviderMock    = "mock"
)

// Config is the full companion configuration.
type Config struct {
	Session  SessionConfig  `mapstructure:"session"`
	Context  ContextConfig  `mapstructure:"context"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Wake     WakeConfig     `mapstructure:"wake"`
	Store    StoreConfig    `mapstructure:"store"`
	Audio    AudioConfig    `mapstructure:"audio"`
	STT      STTConfig      `mapstructure:"stt"`
	LLM      LLMConfig      `mapstructure:"llm"`
	TTS      TTSConfig      `mapstructure:"tts"`
	Emotion  EmotionConfig  `mapstructure:"emotion"`
	Web      WebConfig      `mapstructure:"web"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Log      LogConfig      `mapstructure:"log"`
	Profile  ProfileConfig  `mapstructure:"profile"`

	// File is the configuration file that was read, if any.
	File string `mapstructure:"-"`
}

// SessionConfig tunes a single turn.
type SessionConfig struct {
	RecordWindow       time.Duration `mapstructure:"record_window"`
	MinTranscriptChars int           `mapstructure:"min_transcript_chars"`
	FallbackReply      string        `mapstructure:"fallback_reply"`
	UnheardReply       string        `mapstructure:"unheard_reply"`
}

// ContextConfig sizes the memory snapshot given to the generator.
type ContextConfig struct {
	Window         int `mapstructure:"window"`
	ScanLimit      int `mapstructure:"scan_limit"`
	TrendThreshold int `mapstructure:"trend_threshold"`
	MaxChars       int `mapstructure:"max_chars"`
}

// AnalysisConfig controls background insight extraction.
type AnalysisConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	Timeout       time.Duration `mapstructure:"timeout"`
	WatchInterval time.Duration `mapstructure:"watch_interval"`
}

// WakeConfig selects the wake source.
type WakeConfig struct {
	Mode    string `mapstructure:"mode"`
	Command string `mapstructure:"command"`
}

// StoreConfig selects where turns are kept.
type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	Dir        string `mapstructure:"dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// AudioConfig configures capture and playback.
type AudioConfig struct {
	SampleRate       int           `mapstructure:"sample_rate"`
	CaptureCommand   string        `mapstructure:"capture_command"`
	PlayCommand      string        `mapstructure:"play_command"`
	SilenceThreshold float64       `mapstructure:"silence_threshold"`
	SilenceTimeout   time.Duration `mapstructure:"silence_timeout"`
}

// STTConfig selects the speech-to-text provider.
type STTConfig struct {
	Provider string        `mapstructure:"provider"`
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Language string        `mapstructure:"language"`
	Fallback string        `mapstructure:"fallback"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LLMConfig selects the chat provider used for replies and analysis.
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Temperature  float64       `mapstructure:"temperature"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// TTSConfig selects the speech synthesizer.
type TTSConfig struct {
	Provider string        `mapstructure:"provider"`
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Voice    string        `mapstructure:"voice"`
	Model    string        `mapstructure:"model"`
	Speed    float64       `mapstructure:"speed"`
	Command  string        `mapstructure:"command"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// EmotionConfig configures speech emotion classification.
type EmotionConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// WebConfig configures the HTTP API.
type WebConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// RemoteConfig configures the /ws/control channel on the web server.
type RemoteConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ProfileConfig attributes turns to a household member.
type ProfileConfig struct {
	UserID  string `mapstructure:"user_id"`
	ChildID string `mapstructure:"child_id"`
}

// apiKeyEnv is read when no COMPANION_*_API_KEY is set.
const apiKeyEnv = "OPENAI_API_KEY"

func setDefaults(v *viper.Viper) {
	v.SetDefault("session.record_window", "8s")
	v.SetDefault("session.min_transcript_chars", 3)
	v.SetDefault("session.fallback_reply", "Sorry, I'm having trouble thinking right now. Can you ask me again?")
	v.SetDefault("session.unheard_reply", "Sorry, I didn't hear anything. Try again.")

	v.SetDefault("context.window", 5)
	v.SetDefault("context.scan_limit", 50)
	v.SetDefault("context.trend_threshold", 10)
	v.SetDefault("context.max_chars", 1200)

	v.SetDefault("analysis.enabled", true)
	v.SetDefault("analysis.workers", 1)
	v.SetDefault("analysis.queue_size", 64)
	v.SetDefault("analysis.timeout", "60s")
	v.SetDefault("analysis.watch_interval", "0s")

	v.SetDefault("wake.mode", WakeKeyboard)
	v.SetDefault("wake.command", "")

	v.SetDefault("store.backend", StoreFS)
	v.SetDefault("store.dir", "conversations")
	v.SetDefault("store.sqlite_path", filepath.Join("conversations", "companion.db"))

	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.capture_command", "")
	v.SetDefault("audio.play_command", "")
	v.SetDefault("audio.silence_threshold", 0.0)
	v.SetDefault("audio.silence_timeout", "1.5s")

	v.SetDefault("stt.provider", ProviderOpenAI)
	v.SetDefault("stt.base_url", "")
	v.SetDefault("stt.api_key", "")
	v.SetDefault("stt.model", "whisper-1")
	v.SetDefault("stt.language", "en")
	v.SetDefault("stt.fallback", "")
	v.SetDefault("stt.timeout", "60s")

	v.SetDefault("llm.provider", ProviderOpenAI)
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 80)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("llm.timeout", "60s")

	v.SetDefault("tts.provider", ProviderOpenAI)
	v.SetDefault("tts.base_url", "")
	v.SetDefault("tts.api_key", "")
	v.SetDefault("tts.voice", "nova")
	v.SetDefault("tts.model", "tts-1")
	v.SetDefault("tts.speed", 1.0)
	v.SetDefault("tts.command", "")
	v.SetDefault("tts.timeout", "30s")

	v.SetDefault("emotion.enabled", false)
	v.SetDefault("emotion.base_url", "http://localhost:8090")
	v.SetDefault("emotion.timeout", "5s")

	v.SetDefault("web.enabled", true)
	v.SetDefault("web.addr", ":8080")

	v.SetDefault("remote.enabled", true)

	v.SetDefault("log.level", "info")

	v.SetDefault("profile.user_id", "")
	v.SetDefault("profile.child_id", "")
}

// Options controls where Load looks.
type Options struct {
	// File is an explicit configuration file. When empty, companion.toml
	// is searched in the working directory and the user config dir.
	File string

	// EnvFile is loaded before the environment is read. Empty means
	// ".env"; a missing file is not an error.
	EnvFile string
}

// Load reads the configuration. A missing configuration file is not an
// error; an unreadable or malformed one is.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"llm.api_key", "stt.api_key", "tts.api_key"} {
		envKey := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, apiKeyEnv); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, configName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with no file and no environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not decode: %v", err))
	}
	return &cfg
}

// Validate rejects unknown enum values and out-of-range sizes.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Session.RecordWindow > 0, "session.record_window must be positive, got %v", c.Session.RecordWindow)
	check(c.Session.MinTranscriptChars >= 1, "session.min_transcript_chars must be at least 1, got %d", c.Session.MinTranscriptChars)
	check(c.Context.Window >= 1, "context.window must be at least 1, got %d", c.Context.Window)
	check(c.Context.ScanLimit >= 1, "context.scan_limit must be at least 1, got %d", c.Context.ScanLimit)
	check(c.Context.MaxChars >= 0, "context.max_chars must not be negative, got %d", c.Context.MaxChars)
	check(c.Analysis.Workers >= 1 && c.Analysis.Workers <= MaxAnalysisWorkers,
		"analysis.workers must be between 1 and %d, got %d", MaxAnalysisWorkers, c.Analysis.Workers)
	check(c.Analysis.QueueSize >= 1, "analysis.queue_size must be at least 1, got %d", c.Analysis.QueueSize)
	check(c.Analysis.Timeout > 0, "analysis.timeout must be positive, got %v", c.Analysis.Timeout)
	check(c.Analysis.WatchInterval >= 0, "analysis.watch_interval must not be negative, got %v", c.Analysis.WatchInterval)
	check(c.Audio.SampleRate > 0, "audio.sample_rate must be positive, got %d", c.Audio.SampleRate)
	check(c.Audio.SilenceThreshold >= 0 && c.Audio.SilenceThreshold <= 1,
		"audio.silence_threshold must be between 0 and 1, got %v", c.Audio.SilenceThreshold)

	check(oneOf(c.Wake.Mode, WakeKeyboard, WakeAcoustic, WakeRemote), "unknown wake.mode %q", c.Wake.Mode)
	check(oneOf(c.Store.Backend, StoreFS, StoreSQLite), "unknown store.backend %q", c.Store.Backend)
	check(oneOf(c.STT.Provider, ProviderOpenAI, ProviderWhisper, ProviderMock), "unknown stt.provider %q", c.STT.Provider)
	check(c.STT.Fallback == "" || oneOf(c.STT.Fallback, ProviderOpenAI, ProviderWhisper),
		"unknown stt.fallback %q", c.STT.Fallback)
	check(oneOf(c.LLM.Provider, ProviderOpenAI, ProviderLocal, ProviderMock), "unknown llm.provider %q", c.LLM.Provider)
	check(oneOf(c.TTS.Provider, ProviderOpenAI, ProviderCommand, ProviderMock), "unknown tts.provider %q", c.TTS.Provider)

	if c.STT.Provider == ProviderWhisper || c.STT.Fallback == ProviderWhisper {
		check(c.STT.BaseURL != "", "stt.base_url is required for %s", ProviderWhisper)
	}
	if c.TTS.Provider == ProviderCommand {
		check(strings.TrimSpace(c.TTS.Command) != "", "tts.command is required for the command provider")
	}
	if c.Wake.Mode == WakeRemote {
		check(c.Web.Enabled && c.Remote.Enabled, "wake.mode remote needs web.enabled and remote.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// DefaultTOML renders the default configuration as a TOML document.
func DefaultTOML() ([]byte, error) {
	v := viper.New()
	setDefaults(v)
	return toml.Marshal(v.AllSettings())
}

// Init writes the default configuration to dir/companion.toml. It refuses
// to overwrite an existing file unless force is set.
func Init(dir string, force bool) (string, error) {
	path := filepath.Join(dir, FileName)
	if !force {
		if _, err := os.Stat(path); err == nil {
			return path, fmt.Errorf("config: %s already exists", path)
		}
	}
	data, err := DefaultTOML()
	if err != nil {
		return path, fmt.Errorf("config: render defaults: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return path, fmt.Errorf("config: create %s: %w", dir, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return path, fmt.Errorf("config: write %s: %w", path, err)
	}
	return path, nil
}
