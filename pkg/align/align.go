// Package align re-phases sensor frames so the start of the active pixel
// region lands at a fixed index, and provides the display transforms that
// are applied to a frame before it is shown.
//
// The sensor clocks out about 32 dark elements before the light-sensitive
// region. Trigger jitter shifts that boundary from frame to frame; [Align]
// finds it and circularly rotates the frame so it sits at
// [frame.UsefulStart]. Because the signal may saturate, the boundary is
// located by its steepest rising edge rather than by an absolute level.
package align

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/MrWong99/ccdscope/pkg/frame"
)

const (
	// gradientWindow is the number of leading samples differentiated when
	// searching for the rising edge.
	gradientWindow = 300

	// edgeFactor is how far the steepest rise must exceed the median
	// absolute gradient to count as an edge.
	edgeFactor = 3

	// thresholdPercentile is the fallback level used when no edge stands
	// out of the noise.
	thresholdPercentile = 30

	// crossingWindow bounds the search for a threshold crossing.
	crossingWindow = 200

	// minimumWindow bounds the last-resort search for the darkest sample.
	minimumWindow = 100
)

// Align returns samples circularly rotated so the detected start of the
// active region lands at [frame.UsefulStart]. It is pure: equal inputs give
// equal outputs.
func Align(samples frame.Samples) frame.Samples {
	shift := Shift(samples)
	if shift == 0 {
		return samples
	}
	return Rotate(samples, shift)
}

// Shift returns the rotation [Align] would apply to samples.
func Shift(samples frame.Samples) int {
	return frame.UsefulStart - Transition(samples)
}

// Transition returns the index of the first active sample.
//
// The steepest rising edge in the first 300 samples wins when it exceeds
// three times the median absolute gradient over that window. Ties resolve to
// the first index. Otherwise the first upward crossing of the 30th
// percentile within the first 200 samples is used, and failing that the
// index of the minimum within the first 100 samples.
func Transition(samples frame.Samples) int {
	gradient := make([]float64, gradientWindow-1)
	for i := range gradient {
		gradient[i] = float64(samples[i+1]) - float64(samples[i])
	}

	peak := floats.MaxIdx(gradient)
	abs := make([]float64, len(gradient))
	for i, g := range gradient {
		abs[i] = math.Abs(g)
	}
	if gradient[peak] > median(abs)*edgeFactor {
		return peak + 1
	}

	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = float64(s)
	}
	threshold := percentile(values, thresholdPercentile)
	for i := 1; i < crossingWindow; i++ {
		if values[i-1] <= threshold && values[i] > threshold {
			return i
		}
	}

	return floats.MinIdx(values[:minimumWindow])
}

// Rotate returns samples circularly shifted right by shift positions; a
// negative shift rotates left. Elements that fall off one end reappear at
// the other.
func Rotate(samples frame.Samples, shift int) frame.Samples {
	n := len(samples)
	shift %= n
	if shift < 0 {
		shift += n
	}
	var out frame.Samples
	copy(out[shift:], samples[:n-shift])
	copy(out[:shift], samples[n-shift:])
	return out
}

// median sorts a copy of v and returns its middle value, averaging the two
// middle values when len(v) is even.
func median(v []float64) float64 {
	s := slices.Clone(v)
	slices.Sort(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// percentile returns the p-th percentile of v using linear interpolation
// between closest ranks (the "linear" method, R type 7).
func percentile(v []float64, p float64) float64 {
	s := slices.Clone(v)
	slices.Sort(s)
	rank := p / 100 * float64(len(s)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return s[lo]
	}
	frac := rank - float64(lo)
	return s[lo] + (s[hi]-s[lo])*frac
}
