// Package config provides configuration loading and validation for the
// hubstream pipeline. Files may be JSON or YAML, selected by extension.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/hubstream/errors"
	"github.com/c360/hubstream/protocol"
)

// Config represents the complete application configuration.
type Config struct {
	Version   string          `json:"version" yaml:"version"`
	Stream    StreamConfig    `json:"stream" yaml:"stream"`
	Commands  CommandConfig   `json:"commands" yaml:"commands"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Ops       OpsConfig       `json:"ops,omitempty" yaml:"ops,omitempty"`

	// Mappings are operator-defined sensor schemas registered after the
	// built-in ones. Each mapping is validated on registration so one bad
	// entry never blocks the rest; they are also the unit of hot reload.
	Mappings []protocol.Mapping `json:"mappings,omitempty" yaml:"mappings,omitempty"`
}

// StreamConfig configures the websocket stream session.
type StreamConfig struct {
	// URL is the websocket endpoint, e.g. "wss://hub.example.com/stream".
	URL string `json:"url" yaml:"url"`

	// TokenEnv names the environment variable holding the session credential.
	// Credentials never live in the config file itself.
	TokenEnv string `json:"token_env,omitempty" yaml:"token_env,omitempty"`

	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout Duration `json:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty"`

	Reconnect ReconnectConfig `json:"reconnect,omitempty" yaml:"reconnect,omitempty"`
}

// ReconnectConfig tunes the backoff schedule applied after unintentional
// closes. Defaults implement min(1s * 2^attempt, 30s) with ten attempts.
type ReconnectConfig struct {
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	MaxRetries      int      `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	InitialInterval Duration `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty"`
	MaxInterval     Duration `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`
	Multiplier      float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

// CommandConfig configures the companion HTTP command API.
type CommandConfig struct {
	// BaseURL is the command API root, e.g. "https://hub.example.com/api".
	BaseURL string `json:"base_url" yaml:"base_url"`

	// RequestTimeout bounds each command POST.
	RequestTimeout Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`

	// TaskTimeout is the default wall-clock bound on a submitted task when the
	// caller does not specify one.
	TaskTimeout Duration `json:"task_timeout,omitempty" yaml:"task_timeout,omitempty"`
}

// TelemetryConfig tunes the in-memory telemetry store.
type TelemetryConfig struct {
	// Retention is the series horizon; points older than this are pruned on
	// every insertion.
	Retention Duration `json:"retention,omitempty" yaml:"retention,omitempty"`

	// RawLineCap bounds the per-device rolling raw-text buffer.
	RawLineCap int `json:"raw_line_cap,omitempty" yaml:"raw_line_cap,omitempty"`

	// NotifyInterval is the coalescing window for change notifications.
	NotifyInterval Duration `json:"notify_interval,omitempty" yaml:"notify_interval,omitempty"`
}

// OpsConfig configures the operational HTTP listener (metrics, health).
type OpsConfig struct {
	Port        int    `json:"port,omitempty" yaml:"port,omitempty"`
	MetricsPath string `json:"metrics_path,omitempty" yaml:"metrics_path,omitempty"`
}

// Default values applied by ApplyDefaults.
const (
	DefaultHandshakeTimeout  = 45 * time.Second
	DefaultReconnectRetries  = 10
	DefaultReconnectInitial  = 1 * time.Second
	DefaultReconnectMax      = 30 * time.Second
	DefaultReconnectMultiply = 2.0
	DefaultRequestTimeout    = 10 * time.Second
	DefaultTaskTimeout       = 30 * time.Second
	DefaultRetention         = 1 * time.Hour
	DefaultRawLineCap        = 1000
	DefaultNotifyInterval    = 250 * time.Millisecond
	DefaultOpsPort           = 9100
	DefaultMetricsPath       = "/metrics"
)

// ApplyDefaults fills unset fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Stream.HandshakeTimeout == 0 {
		c.Stream.HandshakeTimeout = Duration(DefaultHandshakeTimeout)
	}
	if c.Stream.Reconnect.MaxRetries == 0 {
		c.Stream.Reconnect.MaxRetries = DefaultReconnectRetries
	}
	if c.Stream.Reconnect.InitialInterval == 0 {
		c.Stream.Reconnect.InitialInterval = Duration(DefaultReconnectInitial)
	}
	if c.Stream.Reconnect.MaxInterval == 0 {
		c.Stream.Reconnect.MaxInterval = Duration(DefaultReconnectMax)
	}
	if c.Stream.Reconnect.Multiplier == 0 {
		c.Stream.Reconnect.Multiplier = DefaultReconnectMultiply
	}
	if c.Commands.RequestTimeout == 0 {
		c.Commands.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if c.Commands.TaskTimeout == 0 {
		c.Commands.TaskTimeout = Duration(DefaultTaskTimeout)
	}
	if c.Telemetry.Retention == 0 {
		c.Telemetry.Retention = Duration(DefaultRetention)
	}
	if c.Telemetry.RawLineCap == 0 {
		c.Telemetry.RawLineCap = DefaultRawLineCap
	}
	if c.Telemetry.NotifyInterval == 0 {
		c.Telemetry.NotifyInterval = Duration(DefaultNotifyInterval)
	}
	if c.Ops.Port == 0 {
		c.Ops.Port = DefaultOpsPort
	}
	if c.Ops.MetricsPath == "" {
		c.Ops.MetricsPath = DefaultMetricsPath
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Stream.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "stream.url")
	}
	if c.Commands.BaseURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "commands.base_url")
	}
	if c.Stream.Reconnect.MaxRetries < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("stream.reconnect.max_retries must be >= 0, got %d", c.Stream.Reconnect.MaxRetries),
			"Config", "Validate", "reconnect policy")
	}
	if c.Stream.Reconnect.MaxInterval < c.Stream.Reconnect.InitialInterval {
		return errors.WrapInvalid(
			fmt.Errorf("stream.reconnect.max_interval %s < initial_interval %s",
				time.Duration(c.Stream.Reconnect.MaxInterval), time.Duration(c.Stream.Reconnect.InitialInterval)),
			"Config", "Validate", "reconnect policy")
	}
	if c.Telemetry.RawLineCap < 1 {
		return errors.WrapInvalid(
			fmt.Errorf("telemetry.raw_line_cap must be >= 1, got %d", c.Telemetry.RawLineCap),
			"Config", "Validate", "telemetry tuning")
	}
	if c.Telemetry.Retention <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("telemetry.retention must be positive"),
			"Config", "Validate", "telemetry tuning")
	}
	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically updates the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Duration wraps time.Duration with human-readable JSON and YAML encoding
// ("30s", "1h"), accepting integer nanoseconds for backward compatibility.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(val))
		return nil
	case int:
		*d = Duration(time.Duration(val))
		return nil
	case int64:
		*d = Duration(time.Duration(val))
		return nil
	default:
		return fmt.Errorf("invalid duration value of type %T", v)
	}
}
