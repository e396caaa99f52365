// Package slot implements the single-slot hand-off of the latest decoded
// frame between the receiver goroutine and a polling consumer.
//
// The slot keeps only the newest frame. Publishing over a frame that was
// never consumed overwrites it; the consumer may skip frames but never sees
// a frame twice and never sees frames out of order.
//
// The view control flags (frozen, single-shot pending) live under the same
// lock as the frame, so every read and write of them is race-free. How the
// flags are sequenced is up to the consumer.
package slot

import (
	"sync"

	"github.com/MrWong99/ccdscope/pkg/frame"
)

// Slot holds the latest frame, its freshness, and the view control flags.
// The zero value is ready to use. All methods are safe for concurrent use.
type Slot struct {
	mu sync.Mutex

	latest    frame.Frame
	hasLatest bool
	fresh     bool

	frozen            bool
	singleShotPending bool

	published  uint64
	overwrites uint64
}

// New returns an empty Slot.
func New() *Slot {
	return &Slot{}
}

// Publish stores f as the latest frame and marks it fresh. Frames keep
// arriving while the view is frozen.
func (s *Slot) Publish(f frame.Frame) {
	s.mu.Lock()
	if s.fresh {
		s.overwrites++
	}
	s.latest = f
	s.hasLatest = true
	s.fresh = true
	s.published++
	s.mu.Unlock()
}

// Consume returns a copy of the latest frame if it has not been consumed
// yet, clearing its freshness. It never blocks; ok is false when no new
// frame has been published since the last Consume.
func (s *Slot) Consume() (f frame.Frame, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fresh {
		return frame.Frame{}, false
	}
	s.fresh = false
	return s.latest, true
}

// Peek returns the latest frame without affecting freshness. ok is false
// before the first Publish.
func (s *Slot) Peek() (f frame.Frame, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.hasLatest
}

// SetFrozen sets the frozen flag.
func (s *Slot) SetFrozen(frozen bool) {
	s.mu.Lock()
	s.frozen = frozen
	s.mu.Unlock()
}

// Frozen reports whether the view is frozen.
func (s *Slot) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// RequestSingleShot unfreezes the view and arms the single-shot flag in one
// step, so the next consumed frame can freeze it again.
func (s *Slot) RequestSingleShot() {
	s.mu.Lock()
	s.frozen = false
	s.singleShotPending = true
	s.mu.Unlock()
}

// SingleShotPending reports whether a single shot is armed.
func (s *Slot) SingleShotPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.singleShotPending
}

// CompleteSingleShot clears a pending single shot and freezes the view. It
// reports whether a single shot was pending; when it was not, nothing
// changes.
func (s *Slot) CompleteSingleShot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.singleShotPending {
		return false
	}
	s.singleShotPending = false
	s.frozen = true
	return true
}

// Stats is a point-in-time view of slot counters.
type Stats struct {
	// Published counts every Publish call.
	Published uint64

	// Overwrites counts frames replaced before anyone consumed them.
	Overwrites uint64
}

// Stats returns the slot counters.
func (s *Slot) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Published: s.published, Overwrites: s.overwrites}
}
