package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/ccdscope/pkg/recording"
)

// Load reads the configuration file at path and returns a validated [Config].
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decoderFor(path)(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is [Load], except that a missing file yields [Default].
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("config file not found, using defaults", "path", path)
		return Default(), nil
	}
	return cfg, err
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. An empty document yields the defaults.
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

// LoadTOMLFromReader is [LoadFromReader] for TOML documents. Keys that do not
// map to a field are rejected.
func LoadTOMLFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	md, err := toml.NewDecoder(r).Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode toml: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config: decode toml: unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decoderFor(path string) func(io.Reader) (*Config, error) {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return LoadTOMLFromReader
	}
	return LoadFromReader
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Serial
	if cfg.Serial.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud_rate %d must be positive", cfg.Serial.BaudRate))
	}
	if cfg.Serial.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("serial.read_timeout %v must be positive", cfg.Serial.ReadTimeout))
	}
	if cfg.Serial.Simulate && cfg.Serial.Port != "" {
		slog.Warn("serial.port is ignored while serial.simulate is on", "port", cfg.Serial.Port)
	}

	// Display
	if cfg.Display.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("display.poll_interval %v must be positive", cfg.Display.PollInterval))
	}

	// Recording
	if cfg.Recording.Dir == "" {
		errs = append(errs, errors.New("recording.dir is required"))
	}
	if fb := cfg.Recording.FallbackDir; fb != "" && filepath.Clean(fb) == filepath.Clean(cfg.Recording.Dir) {
		errs = append(errs, fmt.Errorf("recording.fallback_dir %q must differ from recording.dir", fb))
	}
	if _, err := recording.ParseMode(cfg.Recording.Mode); err != nil {
		errs = append(errs, fmt.Errorf("recording.mode %q is invalid; valid values: all, running", cfg.Recording.Mode))
	}
	if cfg.Recording.Duration < 0 {
		errs = append(errs, fmt.Errorf("recording.duration %v must not be negative", cfg.Recording.Duration))
	}

	// Reconnect
	if cfg.Reconnect.Enabled {
		if cfg.Reconnect.MaxRetries <= 0 {
			errs = append(errs, fmt.Errorf("reconnect.max_retries %d must be positive", cfg.Reconnect.MaxRetries))
		}
		if cfg.Reconnect.Backoff <= 0 {
			errs = append(errs, fmt.Errorf("reconnect.backoff %v must be positive", cfg.Reconnect.Backoff))
		}
		if cfg.Reconnect.MaxBackoff < cfg.Reconnect.Backoff {
			errs = append(errs, fmt.Errorf("reconnect.max_backoff %v is below reconnect.backoff %v", cfg.Reconnect.MaxBackoff, cfg.Reconnect.Backoff))
		}
	}

	// Observe
	if addr := cfg.Observe.ListenAddr; addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("observe.listen_addr %q: %w", addr, err))
		}
	}

	return errors.Join(errs...)
}
