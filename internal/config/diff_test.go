package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/ccdscope/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, config.Default())
	if d.Changed() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level is hot-reloadable, got RestartRequired=%v", d.RestartRequired)
	}
}

func TestDiff_DisplayChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Display.UsefulOnly = true
	new.Display.PollInterval = 40 * time.Millisecond

	d := config.Diff(old, new)
	if !d.DisplayChanged {
		t.Fatal("expected DisplayChanged=true")
	}
	if !d.NewDisplay.UsefulOnly || d.NewDisplay.PollInterval != 40*time.Millisecond {
		t.Errorf("NewDisplay = %+v", d.NewDisplay)
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false")
	}
}

func TestDiff_RecordingDirChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Recording.Dir = "/tmp/captures"

	d := config.Diff(old, new)
	if !d.RecordingDirChanged || d.NewRecordingDir != "/tmp/captures" {
		t.Errorf("got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("recording dir is hot-reloadable, got RestartRequired=%v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Serial.Port = "COM7"
	new.Recording.Mode = "running"
	new.Reconnect.MaxRetries = 2
	new.Observe.ListenAddr = ":9464"

	d := config.Diff(old, new)
	want := []string{"serial", "recording", "reconnect", "observe"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if !d.Changed() {
		t.Error("Changed() = false")
	}
}
