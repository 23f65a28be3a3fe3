// Package config provides the configuration schema, loader, file watcher,
// and provider registry for the Voclaria voice tutor.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
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

// Duration wraps [time.Duration] so YAML configs can use strings like "30s".
type Duration time.Duration

// UnmarshalYAML decodes a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration structure for Voclaria.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Live      LiveConfig       `yaml:"live"`
	Audio     AudioConfig      `yaml:"audio"`
	Scenarios []ScenarioConfig `yaml:"scenarios"`
}

// ServerConfig holds settings for the diagnostics HTTP server and logging.
type ServerConfig struct {
	// ListenAddr is the TCP address the diagnostics server (metrics, health)
	// listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// LiveConfig configures the realtime speech provider connection.
type LiveConfig struct {
	// Provider selects the registered live provider implementation.
	// Default: "gemini".
	Provider string `yaml:"provider"`

	// CredentialEnv names the environment variable holding the API key.
	// Default: "GEMINI_API_KEY". The key itself never appears in the config
	// file.
	CredentialEnv string `yaml:"credential_env"`

	// Model overrides the provider's default model identifier.
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default endpoint. Leave empty to use
	// the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Voice is the default synthesis voice when a scenario does not set one.
	Voice string `yaml:"voice"`

	// ConnectTimeout bounds session establishment. Default: 30s.
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// AudioConfig holds local audio pipeline settings.
type AudioConfig struct {
	// LevelGain scales the RMS loudness shown on the level meter.
	// Default: 5.
	LevelGain float64 `yaml:"level_gain"`
}

// ScenarioConfig describes one selectable practice scenario: the tutor
// persona the agent adopts for a session.
type ScenarioConfig struct {
	// Name is a unique identifier for this scenario (used for selection and
	// in logs).
	Name string `yaml:"name"`

	// Instruction is the free-text system instruction establishing the
	// tutor's persona and task.
	Instruction string `yaml:"instruction"`

	// Voice overrides the default synthesis voice for this scenario.
	Voice string `yaml:"voice"`
}
