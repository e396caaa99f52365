// Package config provides the configuration schema, loader, and hot-reload
// watcher for ccdscope.
package config

import (
	"time"

	"github.com/MrWong99/ccdscope/pkg/recording"
	"github.com/MrWong99/ccdscope/pkg/recording/archive"
	"github.com/MrWong99/ccdscope/pkg/serial"
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

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
// Keys missing from the file keep their [Default] values.
type Config struct {
	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level" toml:"log_level"`

	Serial    SerialConfig    `yaml:"serial" toml:"serial"`
	Display   DisplayConfig   `yaml:"display" toml:"display"`
	Recording RecordingConfig `yaml:"recording" toml:"recording"`
	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	Observe   ObserveConfig   `yaml:"observe" toml:"observe"`
}

// SerialConfig selects and configures the sensor device.
type SerialConfig struct {
	// Port is the device name (COM3, /dev/ttyACM0). Empty means auto-detect.
	Port string `yaml:"port" toml:"port"`

	// BaudRate is passed to the OS driver. USB CDC ignores it.
	BaudRate int `yaml:"baud_rate" toml:"baud_rate"`

	// ReadTimeout bounds every read. Stop and idle detection take at most
	// this long.
	ReadTimeout time.Duration `yaml:"read_timeout" toml:"read_timeout"`

	// Simulate replaces the device with a synthetic frame source.
	Simulate bool `yaml:"simulate" toml:"simulate"`
}

// DisplayConfig controls the transforms applied to frames before they are
// handed to the consumer.
type DisplayConfig struct {
	// Invert maps each sample x to 65535-x. The sensor output is inverted,
	// so this is on by default.
	Invert bool `yaml:"invert" toml:"invert"`

	// Align rotates each frame so the active region starts at a fixed index.
	Align bool `yaml:"align" toml:"align"`

	// UsefulOnly trims the dark lead-in and the trailing dummy elements.
	UsefulOnly bool `yaml:"useful_only" toml:"useful_only"`

	// PollInterval is how often the consumer polls for a new frame.
	PollInterval time.Duration `yaml:"poll_interval" toml:"poll_interval"`
}

// RecordingConfig configures session capture.
type RecordingConfig struct {
	// Dir receives the session archives. Created on demand.
	Dir string `yaml:"dir" toml:"dir"`

	// FallbackDir receives archives while Dir is failing (disk full,
	// unmounted). Empty disables the fallback.
	FallbackDir string `yaml:"fallback_dir" toml:"fallback_dir"`

	// Mode is "all" or "running". Used when a recording is started without
	// an explicit mode.
	Mode string `yaml:"mode" toml:"mode"`

	// Duration stops an automatic recording started by `run --record` after
	// this long. Zero records until shutdown.
	Duration time.Duration `yaml:"duration" toml:"duration"`
}

// ReconnectConfig controls automatic reconnection after the device stream
// fails.
type ReconnectConfig struct {
	Enabled    bool          `yaml:"enabled" toml:"enabled"`
	MaxRetries int           `yaml:"max_retries" toml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff" toml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff" toml:"max_backoff"`
}

// ObserveConfig configures the status HTTP server.
type ObserveConfig struct {
	// ListenAddr serves /metrics, /healthz, /readyz and /status. Empty
	// disables the server.
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`

	// ServiceName is reported in telemetry. Default: ccdscope.
	ServiceName string `yaml:"service_name" toml:"service_name"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: LogInfo,
		Serial: SerialConfig{
			BaudRate:    serial.DefaultBaudRate,
			ReadTimeout: serial.DefaultReadTimeout,
		},
		Display: DisplayConfig{
			Invert:       true,
			Align:        true,
			PollInterval: 16 * time.Millisecond,
		},
		Recording: RecordingConfig{
			Dir:  archive.DefaultDir,
			Mode: recording.All.String(),
		},
		Reconnect: ReconnectConfig{
			Enabled:    true,
			MaxRetries: 10,
			Backoff:    500 * time.Millisecond,
			MaxBackoff: 10 * time.Second,
		},
		Observe: ObserveConfig{
			ServiceName: "ccdscope",
		},
	}
}
