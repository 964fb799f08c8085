// Package config loads console configuration. Layering is defaults,
// then an optional YAML file, then DECK_* environment overrides, then
// validation. Invalid configuration fails startup; nothing is silently
// corrected.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// ChannelConfig declares one servo channel the console may address.
type ChannelConfig struct {
	Name    string `yaml:"name"`
	Maestro int    `yaml:"maestro"`
	Index   int    `yaml:"index"`
	Min     int    `yaml:"min"`
	Max     int    `yaml:"max"`
	Home    int    `yaml:"home"`
}

// AuthConfig controls the bearer token minted for the backend handshake.
// An empty secret disables authentication entirely.
type AuthConfig struct {
	Secret  string        `yaml:"secret"`
	Subject string        `yaml:"subject"`
	Role    string        `yaml:"role"`
	TTL     time.Duration `yaml:"-"`
	RawTTL  string        `yaml:"ttl"`
}

// MQTTConfig controls the optional telemetry mirror. An empty broker
// disables the bridge.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// LogConfig controls file logging rotation. An empty file logs to
// stderr only.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// InputConfig binds the local game controller. AxisMap and ButtonMap
// translate device indices to control identifiers.
type InputConfig struct {
	Device    int               `yaml:"device"`
	PollHz    int               `yaml:"poll_hz"`
	AxisMap   map[string]string `yaml:"axis_map"`
	ButtonMap map[string]string `yaml:"button_map"`
}

// Config is the complete console configuration.
type Config struct {
	Endpoint     string          `yaml:"endpoint"`
	MappingsFile string          `yaml:"mappings_file"`
	Channels     []ChannelConfig `yaml:"channels"`
	Auth         AuthConfig      `yaml:"auth"`
	MQTT         MQTTConfig      `yaml:"mqtt"`
	Log          LogConfig       `yaml:"log"`
	Input        InputConfig     `yaml:"input"`
	Timing       TimingConfig    `yaml:"timing"`
}

// Default returns the baseline configuration before file and
// environment layering.
func Default() Config {
	return Config{
		Endpoint: "ws://127.0.0.1:8766",
		Auth: AuthConfig{
			Subject: "droiddeck-console",
			Role:    "operator",
			TTL:     12 * time.Hour,
		},
		MQTT: MQTTConfig{
			ClientID:    "droiddeck-console",
			TopicPrefix: "droiddeck/telemetry",
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
		Input: InputConfig{
			Device: 0,
			PollHz: 60,
			AxisMap: map[string]string{
				"0": "left_stick_x",
				"1": "left_stick_y",
				"2": "right_stick_x",
				"3": "right_stick_y",
				"4": "left_trigger",
				"5": "right_trigger",
			},
			ButtonMap: map[string]string{
				"0": "btn_a",
				"1": "btn_b",
				"2": "btn_x",
				"3": "btn_y",
				"4": "btn_lb",
				"5": "btn_rb",
			},
		},
		Timing: DefaultTiming(),
	}
}

// Load builds the effective configuration. path may be empty, in which
// case only defaults and environment overrides apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if cfg.Auth.RawTTL != "" {
		ttl, err := time.ParseDuration(cfg.Auth.RawTTL)
		if err != nil {
			return Config{}, fmt.Errorf("auth.ttl: %w", err)
		}
		cfg.Auth.TTL = ttl
	}

	applyEnvOverrides(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DECK_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("DECK_MAPPINGS_FILE"); v != "" {
		cfg.MappingsFile = v
	}
	if v := os.Getenv("DECK_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("DECK_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("DECK_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
}

// NormalizeEndpoint fills in a websocket scheme when the configured
// endpoint is a bare host:port. Endpoints that already carry a scheme
// pass through for the session to validate.
func NormalizeEndpoint(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "ws://" + endpoint
}

// Validate rejects configurations the console cannot run with.
func Validate(cfg Config) error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	seen := make(map[string]bool, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channel with empty name")
		}
		if seen[ch.Name] {
			return fmt.Errorf("channel %q declared more than once", ch.Name)
		}
		seen[ch.Name] = true
		if ch.Min >= ch.Max {
			return fmt.Errorf("channel %q: min %d not below max %d", ch.Name, ch.Min, ch.Max)
		}
		if ch.Home < ch.Min || ch.Home > ch.Max {
			return fmt.Errorf("channel %q: home %d outside [%d, %d]", ch.Name, ch.Home, ch.Min, ch.Max)
		}
	}
	if cfg.Input.PollHz <= 0 {
		return fmt.Errorf("input.poll_hz must be positive, got %d", cfg.Input.PollHz)
	}
	if cfg.Auth.Secret != "" && cfg.Auth.TTL <= 0 {
		return fmt.Errorf("auth.ttl must be positive when a secret is set")
	}
	return ValidateTiming(cfg.Timing)
}
