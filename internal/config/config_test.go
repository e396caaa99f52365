package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/ccdscope/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
log_level: debug

serial:
  port: /dev/ttyACM0
  baud_rate: 921600
  read_timeout: 250ms

display:
  invert: false
  useful_only: true
  poll_interval: 20ms

recording:
  dir: /var/lib/ccdscope
  mode: running
  duration: 30s

reconnect:
  enabled: true
  max_retries: 3
  backoff: 1s
  max_backoff: 4s

observe:
  listen_addr: "127.0.0.1:9464"
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q, want %q", cfg.LogLevel, config.LogDebug)
	}
	if cfg.Serial.Port != "/dev/ttyACM0" {
		t.Errorf("serial.port: got %q", cfg.Serial.Port)
	}
	if cfg.Serial.BaudRate != 921600 {
		t.Errorf("serial.baud_rate: got %d, want 921600", cfg.Serial.BaudRate)
	}
	if cfg.Serial.ReadTimeout != 250*time.Millisecond {
		t.Errorf("serial.read_timeout: got %v, want 250ms", cfg.Serial.ReadTimeout)
	}
	if cfg.Display.Invert {
		t.Error("display.invert: got true, want false")
	}
	if !cfg.Display.Align {
		t.Error("display.align: got false, want default true")
	}
	if !cfg.Display.UsefulOnly {
		t.Error("display.useful_only: got false, want true")
	}
	if cfg.Display.PollInterval != 20*time.Millisecond {
		t.Errorf("display.poll_interval: got %v", cfg.Display.PollInterval)
	}
	if cfg.Recording.Dir != "/var/lib/ccdscope" || cfg.Recording.Mode != "running" {
		t.Errorf("recording: got %+v", cfg.Recording)
	}
	if cfg.Recording.Duration != 30*time.Second {
		t.Errorf("recording.duration: got %v, want 30s", cfg.Recording.Duration)
	}
	if cfg.Reconnect.MaxRetries != 3 || cfg.Reconnect.Backoff != time.Second || cfg.Reconnect.MaxBackoff != 4*time.Second {
		t.Errorf("reconnect: got %+v", cfg.Reconnect)
	}
	if cfg.Observe.ListenAddr != "127.0.0.1:9464" {
		t.Errorf("observe.listen_addr: got %q", cfg.Observe.ListenAddr)
	}
	if cfg.Observe.ServiceName != "ccdscope" {
		t.Errorf("observe.service_name: got %q, want default ccdscope", cfg.Observe.ServiceName)
	}
}

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()

	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("LoadFromReader(%q): %v", doc, err)
		}
		want := config.Default()
		if *cfg != *want {
			t.Errorf("LoadFromReader(%q) = %+v, want defaults %+v", doc, cfg, want)
		}
	}
}

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	if !cfg.Display.Invert || !cfg.Display.Align || cfg.Display.UsefulOnly {
		t.Errorf("display defaults: got %+v, want invert+align without useful_only", cfg.Display)
	}
	if cfg.Serial.BaudRate != 115200 {
		t.Errorf("baud_rate: got %d, want 115200", cfg.Serial.BaudRate)
	}
	if cfg.Serial.ReadTimeout != 500*time.Millisecond {
		t.Errorf("read_timeout: got %v, want 500ms", cfg.Serial.ReadTimeout)
	}
	if cfg.Recording.Dir != "recordings" || cfg.Recording.Mode != "all" {
		t.Errorf("recording defaults: got %+v", cfg.Recording)
	}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("serial:\n  speed: 9600\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "speed") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestLoadFromReader_BadDuration(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("serial:\n  read_timeout: soon\n"))
	if err == nil {
		t.Fatal("expected error for unparsable duration, got nil")
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ccdscope.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Serial.Port != "/dev/ttyACM0" {
		t.Errorf("serial.port: got %q", cfg.Serial.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := config.Load(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing): got %v, want os.ErrNotExist", err)
	}

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		t.Fatalf("LoadOrDefault(missing): %v", err)
	}
	if *cfg != *config.Default() {
		t.Errorf("LoadOrDefault(missing) = %+v, want defaults", cfg)
	}

	cfg, err = config.LoadOrDefault("")
	if err != nil || *cfg != *config.Default() {
		t.Errorf("LoadOrDefault(\"\") = %+v, %v", cfg, err)
	}
}

func TestLoadOrDefault_InvalidFileIsAnError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("log_level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.LoadOrDefault(path); err == nil {
		t.Fatal("expected error for invalid file, got nil")
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()

	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	for _, l := range []config.LogLevel{"", "trace", "INFO"} {
		if l.IsValid() {
			t.Errorf("%q should be invalid", l)
		}
	}
}

const sampleTOML = `
log_level = "warn"

[serial]
port = "COM4"
read_timeout = "250ms"

[display]
invert = false
useful_only = true

[recording]
mode = "running"
duration = "30s"
`

func TestLoadTOMLFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadTOMLFromReader(strings.NewReader(sampleTOML))
	if err != nil {
		t.Fatalf("LoadTOMLFromReader: %v", err)
	}
	if cfg.LogLevel != config.LogWarn {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if cfg.Serial.Port != "COM4" || cfg.Serial.ReadTimeout != 250*time.Millisecond {
		t.Errorf("Serial = %+v", cfg.Serial)
	}
	if cfg.Serial.BaudRate != 115200 {
		t.Errorf("BaudRate = %d, want default 115200", cfg.Serial.BaudRate)
	}
	if cfg.Display.Invert || !cfg.Display.UsefulOnly || !cfg.Display.Align {
		t.Errorf("Display = %+v", cfg.Display)
	}
	if cfg.Recording.Mode != "running" || cfg.Recording.Duration != 30*time.Second {
		t.Errorf("Recording = %+v", cfg.Recording)
	}
}

func TestLoadTOMLFromReader_UnknownKey(t *testing.T) {
	t.Parallel()

	_, err := config.LoadTOMLFromReader(strings.NewReader("[serial]\nbaud = 9600\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	if !strings.Contains(err.Error(), "serial.baud") {
		t.Errorf("error %q does not name the key", err)
	}
}

func TestLoad_TOMLFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ccdscope.toml")
	if err := os.WriteFile(path, []byte(sampleTOML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Serial.Port != "COM4" {
		t.Errorf("Port = %q, want COM4", cfg.Serial.Port)
	}
}
