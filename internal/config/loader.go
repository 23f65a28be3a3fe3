package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [LoadFromReader] when the config omits a value.
const (
	DefaultProvider       = "gemini"
	DefaultCredentialEnv  = "GEMINI_API_KEY"
	DefaultListenAddr     = ":8080"
	DefaultConnectTimeout = 30 * time.Second
)

// KnownVoices lists the synthesis voice names the default provider accepts.
// Used by [Validate] to warn about likely typos; unknown names are not
// rejected because the upstream voice list grows over time.
var KnownVoices = []string{
	"Aoede", "Charon", "Fenrir", "Kore", "Leda", "Orus", "Puck", "Zephyr",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values with the package defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Live.Provider == "" {
		cfg.Live.Provider = DefaultProvider
	}
	if cfg.Live.CredentialEnv == "" {
		cfg.Live.CredentialEnv = DefaultCredentialEnv
	}
	if cfg.Live.ConnectTimeout == 0 {
		cfg.Live.ConnectTimeout = Duration(DefaultConnectTimeout)
	}
	if cfg.Audio.LevelGain == 0 {
		cfg.Audio.LevelGain = 5
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Live
	if cfg.Live.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("live.connect_timeout %s must not be negative", cfg.Live.ConnectTimeout.Std()))
	}
	validateVoice("live.voice", cfg.Live.Voice)

	// Audio
	if cfg.Audio.LevelGain < 0 {
		errs = append(errs, fmt.Errorf("audio.level_gain %.2f must not be negative", cfg.Audio.LevelGain))
	}

	// Scenario duplicate name detection
	namesSeen := make(map[string]int, len(cfg.Scenarios))

	for i, sc := range cfg.Scenarios {
		prefix := fmt.Sprintf("scenarios[%d]", i)
		if sc.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[sc.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of scenarios[%d]", prefix, sc.Name, prev))
			}
			namesSeen[sc.Name] = i
		}
		if sc.Instruction == "" {
			errs = append(errs, fmt.Errorf("%s.instruction is required", prefix))
		}
		validateVoice(prefix+".voice", sc.Voice)
	}

	return errors.Join(errs...)
}

// Scenario returns the scenario with the given name, or false if no such
// scenario is configured.
func (c *Config) Scenario(name string) (ScenarioConfig, bool) {
	for _, sc := range c.Scenarios {
		if sc.Name == name {
			return sc, true
		}
	}
	return ScenarioConfig{}, false
}

// validateVoice logs a warning if name is non-empty and not found in
// [KnownVoices].
func validateVoice(field, name string) {
	if name == "" || slices.Contains(KnownVoices, name) {
		return
	}
	slog.Warn("unknown voice name, may be a typo or a newly added voice",
		"field", field,
		"name", name,
		"known", KnownVoices,
	)
}
