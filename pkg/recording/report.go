package recording

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// seqModulus is the period of the device frame counter.
const seqModulus = 1 << 16

// Report summarizes a finalized session.
type Report struct {
	SessionID   uuid.UUID
	Mode        Mode
	StartedAt   time.Time
	FinalizedAt time.Time

	// FrameCount is the number of frames recorded.
	FrameCount int

	// Dropped lists the frame numbers missing from the session, in the
	// order the gaps were found.
	Dropped      []uint16
	DroppedCount int

	// Timing describes the intervals between consecutive frames.
	Timing TimingStats

	// Filename is where the session archive was written. Empty until the
	// archive write succeeds.
	Filename string
}

// String returns a one-line status summary.
func (r *Report) String() string {
	gaps := "no gaps"
	if r.DroppedCount > 0 {
		gaps = fmt.Sprintf("%d DROPPED", r.DroppedCount)
	}
	return fmt.Sprintf("%d frames | %s | %.1fms/frame", r.FrameCount, gaps, r.Timing.MeanMs)
}

// TimingStats holds inter-frame interval statistics in milliseconds.
type TimingStats struct {
	MeanMs float64
	StdMs  float64
	MinMs  float64
	MaxMs  float64
}

// DroppedSequences returns the frame numbers missing between consecutive
// entries of seqs.
//
// Frame numbers are a 16-bit counter that wraps from 65535 to 0, so the gap
// between two entries is their forward distance modulo 65536. A distance of
// one is contiguous and a distance of zero is a repeated frame; any other
// distance d contributes the d-1 numbers strictly between the two entries.
// Each missing number is reported once.
func DroppedSequences(seqs []uint16) []uint16 {
	var dropped []uint16
	seen := make(map[uint16]struct{})
	for i := 1; i < len(seqs); i++ {
		prev, cur := seqs[i-1], seqs[i]
		dist := (int(cur) - int(prev) + seqModulus) % seqModulus
		for k := 1; k < dist; k++ {
			missing := prev + uint16(k)
			if _, ok := seen[missing]; ok {
				continue
			}
			seen[missing] = struct{}{}
			dropped = append(dropped, missing)
		}
	}
	return dropped
}

// IntervalStats returns statistics over the intervals between consecutive
// timestamps. Fewer than two timestamps yield all zeros.
func IntervalStats(ts []time.Time) TimingStats {
	if len(ts) < 2 {
		return TimingStats{}
	}
	dt := make([]float64, len(ts)-1)
	for i := range dt {
		dt[i] = float64(ts[i+1].Sub(ts[i])) / float64(time.Millisecond)
	}
	mean, std := stat.PopMeanStdDev(dt, nil)
	return TimingStats{
		MeanMs: mean,
		StdMs:  std,
		MinMs:  floats.Min(dt),
		MaxMs:  floats.Max(dt),
	}
}
