// Package recording buffers a session of decoded frames and derives loss and
// timing diagnostics from it when the session is finalized.
//
// A [Recorder] holds at most one active session. Frames are appended by the
// receiver goroutine through [Recorder.Ingest]; the consumer starts and
// finalizes sessions. [Recorder.Finalize] hands back an immutable
// [Snapshot], from which [Snapshot.Report] computes the diagnostics and which
// an archive writer persists.
package recording

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/ccdscope/pkg/frame"
)

// ErrInvalidMode is returned by [Recorder.Start] for [Inactive] or unknown modes.
var ErrInvalidMode = errors.New("recording: invalid mode")

// Mode selects which frames a session keeps.
type Mode int

const (
	// Inactive means no session is running.
	Inactive Mode = iota

	// All keeps every decoded frame.
	All

	// WhileRunning keeps only frames decoded while the view is not frozen.
	WhileRunning
)

// String returns the human-readable name of the mode.
func (m Mode) String() string {
	switch m {
	case Inactive:
		return "inactive"
	case All:
		return "all"
	case WhileRunning:
		return "running"
	default:
		return "unknown"
	}
}

// ParseMode parses "all" or "running" (also "while_running").
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all":
		return All, nil
	case "running", "while_running", "while-running":
		return WhileRunning, nil
	default:
		return Inactive, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithClock overrides the clock used for session start and finalize times.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// Recorder accumulates frames for the active session. All methods are safe
// for concurrent use.
type Recorder struct {
	now func() time.Time

	mu        sync.Mutex
	mode      Mode
	id        uuid.UUID
	startedAt time.Time
	frames    []frame.Frame
}

// NewRecorder returns an idle Recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start begins a new session in mode, discarding any frames of a session
// that was never finalized.
func (r *Recorder) Start(mode Mode) error {
	if mode != All && mode != WhileRunning {
		return fmt.Errorf("%w: %v", ErrInvalidMode, mode)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = mode
	r.id = uuid.New()
	r.startedAt = r.now()
	r.frames = nil
	return nil
}

// Ingest appends f to the active session if the session mode accepts it.
// frozen is the view state at the time f was decoded. It reports whether f
// was kept.
func (r *Recorder) Ingest(f frame.Frame, frozen bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.mode == All, r.mode == WhileRunning && !frozen:
		r.frames = append(r.frames, f)
		return true
	default:
		return false
	}
}

// Mode returns the mode of the active session, or [Inactive].
func (r *Recorder) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Len returns the number of frames buffered in the active session.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// Finalize ends the active session and returns its frames. It returns nil
// when no session is active or the session captured no frames; the
// recorder is [Inactive] afterwards either way.
func (r *Recorder) Finalize() *Snapshot {
	r.mu.Lock()
	mode, id, startedAt, frames := r.mode, r.id, r.startedAt, r.frames
	r.mode = Inactive
	r.frames = nil
	r.mu.Unlock()

	if mode == Inactive || len(frames) == 0 {
		return nil
	}
	return &Snapshot{
		SessionID:   id,
		Mode:        mode,
		StartedAt:   startedAt,
		FinalizedAt: r.now(),
		Frames:      frames,
	}
}

// Snapshot is the frozen content of a finalized session.
type Snapshot struct {
	SessionID   uuid.UUID
	Mode        Mode
	StartedAt   time.Time
	FinalizedAt time.Time

	// Frames are in decode order.
	Frames []frame.Frame
}

// Sequences returns the frame numbers in decode order.
func (s *Snapshot) Sequences() []uint16 {
	out := make([]uint16, len(s.Frames))
	for i, f := range s.Frames {
		out[i] = f.Seq
	}
	return out
}

// Timestamps returns the capture times in decode order.
func (s *Snapshot) Timestamps() []time.Time {
	out := make([]time.Time, len(s.Frames))
	for i, f := range s.Frames {
		out[i] = f.CapturedAt
	}
	return out
}

// Report computes the session diagnostics.
func (s *Snapshot) Report() *Report {
	dropped := DroppedSequences(s.Sequences())
	return &Report{
		SessionID:    s.SessionID,
		Mode:         s.Mode,
		StartedAt:    s.StartedAt,
		FinalizedAt:  s.FinalizedAt,
		FrameCount:   len(s.Frames),
		Dropped:      dropped,
		DroppedCount: len(dropped),
		Timing:       IntervalStats(s.Timestamps()),
	}
}
