package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/ccdscope/pkg/recording"
)

func TestFallbackGroup_Execute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failing  map[string]bool
		wantUsed string
		wantErr  error
	}{
		{name: "primary healthy", wantUsed: "primary"},
		{name: "primary fails", failing: map[string]bool{"primary": true}, wantUsed: "secondary"},
		{name: "all fail", failing: map[string]bool{"primary": true, "secondary": true}, wantErr: ErrAllFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
			fg.AddFallback("secondary", "secondary")

			var used string
			err := fg.Execute(func(v string) error {
				if tt.failing[v] {
					return errTest
				}
				used = v
				return nil
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) || !errors.Is(err, errTest) {
					t.Fatalf("err = %v, want %v wrapping the last failure", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if used != tt.wantUsed {
				t.Errorf("used %q, want %q", used, tt.wantUsed)
			}
		})
	}
}

func TestFallbackGroup_OpenBreakerSkipsTarget(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")

	var primaryCalls int
	write := func(v string) error {
		if v == "primary" {
			primaryCalls++
			return errTest
		}
		return nil
	}
	for range 4 {
		if err := fg.Execute(write); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if primaryCalls != 2 {
		t.Errorf("primary called %d times, want 2 before its breaker opened", primaryCalls)
	}
	if fg.Len() != 2 {
		t.Errorf("Len = %d, want 2", fg.Len())
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)

	got, err := ExecuteWithResult(fg, func(v int) (string, error) {
		if v == 10 {
			return "", errTest
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "from-twenty" {
		t.Errorf("result = %q, want from-twenty", got)
	}
}

// stubArchive records writes and fails while err is set.
type stubArchive struct {
	path string

	mu    sync.Mutex
	err   error
	calls int
}

func (s *stubArchive) Write(_ context.Context, _ *recording.Snapshot, _ *recording.Report) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.path, nil
}

func TestArchiveFallback_Write(t *testing.T) {
	t.Parallel()

	diskFull := errors.New("no space left on device")
	primary := &stubArchive{path: "recordings/a.db", err: diskFull}
	backup := &stubArchive{path: "/tmp/a.db"}

	af := NewArchiveFallback(primary, "recordings", FallbackConfig{})
	af.AddFallback("tmp", backup)

	path, err := af.Write(t.Context(), &recording.Snapshot{}, &recording.Report{})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if path != "/tmp/a.db" {
		t.Errorf("path = %q, want fallback", path)
	}

	primary.mu.Lock()
	primary.err = nil
	primary.mu.Unlock()
	if path, err = af.Write(t.Context(), &recording.Snapshot{}, &recording.Report{}); err != nil || path != "recordings/a.db" {
		t.Errorf("Write after recovery = (%q, %v), want primary", path, err)
	}
}

func TestArchiveFallback_AllTargetsFail(t *testing.T) {
	t.Parallel()

	af := NewArchiveFallback(&stubArchive{err: errTest}, "only", FallbackConfig{})
	_, err := af.Write(t.Context(), &recording.Snapshot{}, &recording.Report{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestArchiveFallback_CancelledContext(t *testing.T) {
	t.Parallel()

	primary := &stubArchive{path: "x"}
	af := NewArchiveFallback(primary, "only", FallbackConfig{})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := af.Write(ctx, &recording.Snapshot{}, &recording.Report{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if primary.calls != 0 {
		t.Errorf("target called %d times, want 0", primary.calls)
	}
}
