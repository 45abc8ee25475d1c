// Package config provides the configuration schema, loader, file watcher and
// transport registry for the cuecall server.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/cuecall/internal/trigger"
)

// LogLevel controls log verbosity for the cuecall server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the slog level it names. Unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default values applied by [Default] before a file is decoded over them.
const (
	DefaultListenAddr          = ":8080"
	DefaultRealtimeProvider    = "openai"
	DefaultShortHintPhrase     = "good question"
	DefaultShortHintSeconds    = 10
	DefaultFullGuidancePhrase  = "walk me through"
	DefaultFullGuidanceSeconds = 45
	DefaultModalitySwitchDelay = 150 * time.Millisecond
	DefaultPlaybackGrace       = 5 * time.Second
	DefaultResponseTimeout     = 10 * time.Second
	DefaultReconnectInitial    = time.Second
	DefaultReconnectMax        = 30 * time.Second
	DefaultSampleRate          = 24000
	DefaultChannels            = 1
)

// DefaultInterruptPhrases are the spoken phrases that stop the agent when no
// interrupt section is configured.
var DefaultInterruptPhrases = []string{"stop", "that's enough", "cancel"}

// Config is the root configuration structure for cuecall.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Triggers  TriggersConfig  `yaml:"triggers"`
	Interrupt InterruptConfig `yaml:"interrupt"`
	Timing    TimingConfig    `yaml:"timing"`
	Audio     AudioConfig     `yaml:"audio"`
}

// ServerConfig holds network and logging settings for the control server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RealtimeConfig selects and configures the realtime backend.
type RealtimeConfig struct {
	// Provider selects the registered transport implementation. Default: "openai".
	Provider string `yaml:"provider"`

	// APIKey is the bearer credential for the backend.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's WebSocket endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects the realtime model.
	Model string `yaml:"model"`

	// Voice is the provider voice id used whenever the agent speaks.
	Voice string `yaml:"voice"`

	// TranscriptionModel selects the model that transcribes user audio.
	TranscriptionModel string `yaml:"transcription_model"`

	// Instructions are the session-wide system instructions.
	Instructions string `yaml:"instructions"`

	// Fallbacks are tried in order when the primary endpoint keeps failing.
	// Empty fields inherit the primary's values.
	Fallbacks []EndpointConfig `yaml:"fallbacks"`
}

// EndpointConfig is an alternative backend endpoint.
type EndpointConfig struct {
	// Name identifies the endpoint in logs and metrics.
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// Endpoint returns the primary endpoint of r.
func (r RealtimeConfig) Endpoint() EndpointConfig {
	return EndpointConfig{Name: "primary", APIKey: r.APIKey, BaseURL: r.BaseURL, Model: r.Model}
}

// Resolve fills the empty fields of e from the primary endpoint of r.
func (r RealtimeConfig) Resolve(e EndpointConfig) EndpointConfig {
	if e.APIKey == "" {
		e.APIKey = r.APIKey
	}
	if e.BaseURL == "" {
		e.BaseURL = r.BaseURL
	}
	if e.Model == "" {
		e.Model = r.Model
	}
	return e
}

// TriggersConfig holds the two speak-now phrases.
type TriggersConfig struct {
	ShortHint    TriggerConfig `yaml:"short_hint"`
	FullGuidance TriggerConfig `yaml:"full_guidance"`

	// MatchMode selects substring or phonetic matching. Default: substring.
	MatchMode trigger.MatchMode `yaml:"match_mode"`
}

// TriggerConfig configures one trigger phrase.
type TriggerConfig struct {
	// Phrase fires the trigger when it appears in a resolved user transcript.
	Phrase string `yaml:"phrase"`

	// DurationSeconds is the advisory length of the spoken answer.
	DurationSeconds int `yaml:"duration_seconds"`

	// Instructions overrides the response instruction template. The
	// placeholder {seconds} is replaced with DurationSeconds.
	Instructions string `yaml:"instructions"`
}

// Trigger converts t into its detector form.
func (t TriggerConfig) Trigger() trigger.Trigger {
	return trigger.Trigger{
		Phrase:       t.Phrase,
		Duration:     time.Duration(t.DurationSeconds) * time.Second,
		Instructions: t.Instructions,
	}
}

// InterruptConfig holds the spoken interrupt phrases.
type InterruptConfig struct {
	Phrases []string `yaml:"phrases"`
}

// TimingConfig tunes session and reconnect timers. Values are Go duration
// strings ("150ms", "5s").
type TimingConfig struct {
	// ModalitySwitchDelay separates the switch to audio output from the
	// response request. Default: 150ms.
	ModalitySwitchDelay time.Duration `yaml:"modality_switch_delay"`

	// PlaybackGrace is how long agent audio counts as audible after a
	// response finished. Default: 5s.
	PlaybackGrace time.Duration `yaml:"playback_grace"`

	// ResponseTimeout is how long a response request may go unanswered
	// before the session gives up on it. Default: 10s.
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	// ReconnectInitial is the first reconnect delay. Default: 1s.
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`

	// ReconnectMax caps the reconnect delay. Default: 30s.
	ReconnectMax time.Duration `yaml:"reconnect_max"`
}

// AudioConfig describes the PCM16 format spoken by control stream clients.
// Audio is converted to and from the backend's format at the stream edge.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: DefaultListenAddr,
			LogLevel:   LogInfo,
		},
		Realtime: RealtimeConfig{
			Provider: DefaultRealtimeProvider,
		},
		Triggers: TriggersConfig{
			ShortHint: TriggerConfig{
				Phrase:          DefaultShortHintPhrase,
				DurationSeconds: DefaultShortHintSeconds,
			},
			FullGuidance: TriggerConfig{
				Phrase:          DefaultFullGuidancePhrase,
				DurationSeconds: DefaultFullGuidanceSeconds,
			},
			MatchMode: trigger.MatchSubstring,
		},
		Interrupt: InterruptConfig{
			Phrases: append([]string(nil), DefaultInterruptPhrases...),
		},
		Timing: TimingConfig{
			ModalitySwitchDelay: DefaultModalitySwitchDelay,
			PlaybackGrace:       DefaultPlaybackGrace,
			ResponseTimeout:     DefaultResponseTimeout,
			ReconnectInitial:    DefaultReconnectInitial,
			ReconnectMax:        DefaultReconnectMax,
		},
		Audio: AudioConfig{
			SampleRate: DefaultSampleRate,
			Channels:   DefaultChannels,
		},
	}
}

// TriggerConfig returns the phrase set a session matches against.
func (c *Config) TriggerConfig() trigger.Config {
	return trigger.Config{
		ShortHint:        c.Triggers.ShortHint.Trigger(),
		FullGuidance:     c.Triggers.FullGuidance.Trigger(),
		InterruptPhrases: append([]string(nil), c.Interrupt.Phrases...),
		Mode:             c.Triggers.MatchMode,
	}
}
