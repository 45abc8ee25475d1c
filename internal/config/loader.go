package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/cuecall/internal/trigger"
)

// KnownRealtimeProviders lists the transport implementations shipped with
// cuecall. Used by [Validate] to warn about unrecognised provider names.
var KnownRealtimeProviders = []string{"openai"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Realtime
	rt := cfg.Realtime
	if rt.Provider == "" {
		errs = append(errs, errors.New("realtime.provider is required"))
	} else if !slices.Contains(KnownRealtimeProviders, rt.Provider) {
		slog.Warn("unknown realtime provider; it must be registered before use",
			"name", rt.Provider,
			"known", KnownRealtimeProviders,
		)
	}
	if rt.APIKey == "" {
		errs = append(errs, errors.New("realtime.api_key is required"))
	}
	if err := validateEndpointURL("realtime.base_url", rt.BaseURL); err != nil {
		errs = append(errs, err)
	}
	fallbackNames := make(map[string]int, len(rt.Fallbacks))
	for i, fb := range rt.Fallbacks {
		prefix := fmt.Sprintf("realtime.fallbacks[%d]", i)
		switch prev, seen := fallbackNames[fb.Name]; {
		case fb.Name == "":
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		case fb.Name == "primary":
			errs = append(errs, fmt.Errorf("%s.name %q is reserved", prefix, fb.Name))
		case seen:
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of realtime.fallbacks[%d]", prefix, fb.Name, prev))
		default:
			fallbackNames[fb.Name] = i
		}
		if err := validateEndpointURL(prefix+".base_url", fb.BaseURL); err != nil {
			errs = append(errs, err)
		}
	}

	// Triggers
	tr := cfg.Triggers
	errs = append(errs, validateTrigger("triggers.short_hint", tr.ShortHint)...)
	errs = append(errs, validateTrigger("triggers.full_guidance", tr.FullGuidance)...)
	short, full := trigger.Normalize(tr.ShortHint.Phrase), trigger.Normalize(tr.FullGuidance.Phrase)
	if short != "" && short == full {
		errs = append(errs, fmt.Errorf("triggers.short_hint and triggers.full_guidance share the phrase %q", tr.ShortHint.Phrase))
	}
	if tr.MatchMode != "" && !tr.MatchMode.IsValid() {
		errs = append(errs, fmt.Errorf("triggers.match_mode %q is invalid; valid values: substring, phonetic", tr.MatchMode))
	}

	// Interrupt
	for i, p := range cfg.Interrupt.Phrases {
		norm := trigger.Normalize(p)
		if norm == "" {
			errs = append(errs, fmt.Errorf("interrupt.phrases[%d] is empty", i))
			continue
		}
		if norm == short || norm == full {
			slog.Warn("interrupt phrase equals a trigger phrase; the interrupt wins while the agent speaks",
				"phrase", p,
			)
		}
	}
	if len(cfg.Interrupt.Phrases) == 0 {
		slog.Warn("interrupt.phrases is empty; the agent can only be stopped by barge-in or the control API")
	}

	// Timing
	t := cfg.Timing
	if t.ModalitySwitchDelay < 0 {
		errs = append(errs, fmt.Errorf("timing.modality_switch_delay %s must not be negative", t.ModalitySwitchDelay))
	}
	if t.PlaybackGrace < 0 {
		errs = append(errs, fmt.Errorf("timing.playback_grace %s must not be negative", t.PlaybackGrace))
	}
	if t.ResponseTimeout < 0 {
		errs = append(errs, fmt.Errorf("timing.response_timeout %s must not be negative", t.ResponseTimeout))
	}
	if t.ReconnectInitial < 0 {
		errs = append(errs, fmt.Errorf("timing.reconnect_initial %s must not be negative", t.ReconnectInitial))
	}
	if t.ReconnectMax > 0 && t.ReconnectMax < t.ReconnectInitial {
		errs = append(errs, fmt.Errorf("timing.reconnect_max %s is below timing.reconnect_initial %s", t.ReconnectMax, t.ReconnectInitial))
	}

	// Audio
	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 48000]", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", cfg.Audio.Channels))
	}

	return errors.Join(errs...)
}

func validateTrigger(prefix string, t TriggerConfig) []error {
	var errs []error
	if trigger.Normalize(t.Phrase) == "" {
		errs = append(errs, fmt.Errorf("%s.phrase is required", prefix))
	}
	if t.DurationSeconds < 0 {
		errs = append(errs, fmt.Errorf("%s.duration_seconds %d must not be negative", prefix, t.DurationSeconds))
	}
	return errs
}

// validateEndpointURL accepts an empty value or an absolute ws/wss URL.
func validateEndpointURL(field, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q is not a valid URL: %w", field, raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s %q must use the ws or wss scheme", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s %q has no host", field, raw)
	}
	return nil
}
