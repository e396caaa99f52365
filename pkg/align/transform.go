package align

import (
	"math"

	"github.com/MrWong99/ccdscope/pkg/frame"
)

// Invert flips every sample around the 16-bit full scale. The sensor output
// falls with light intensity, so inverted data reads as intensity.
func Invert(samples frame.Samples) frame.Samples {
	for i, s := range samples {
		samples[i] = math.MaxUint16 - s
	}
	return samples
}

// Useful returns the light-sensitive region of samples, indices
// [frame.UsefulStart, frame.UsefulEnd), as a freshly allocated slice.
func Useful(samples frame.Samples) []uint16 {
	out := make([]uint16, frame.UsefulEnd-frame.UsefulStart)
	copy(out, samples[frame.UsefulStart:frame.UsefulEnd])
	return out
}

// Pipeline holds the user-toggled display options.
type Pipeline struct {
	// Invert flips samples before alignment.
	Invert bool

	// Align re-phases the frame with [Align].
	Align bool

	// UsefulOnly restricts the output to the light-sensitive region.
	UsefulOnly bool
}

// View is a frame prepared for display.
type View struct {
	// Seq is the source frame's sequence number.
	Seq uint16

	// Offset is the sensor index of Values[0].
	Offset int

	// Values holds the transformed samples.
	Values []uint16
}

// Apply transforms f in the order invert, align, region of interest.
func (p Pipeline) Apply(f frame.Frame) View {
	s := f.Samples
	if p.Invert {
		s = Invert(s)
	}
	if p.Align {
		s = Align(s)
	}
	if p.UsefulOnly {
		return View{Seq: f.Seq, Offset: frame.UsefulStart, Values: Useful(s)}
	}
	return View{Seq: f.Seq, Values: s[:]}
}
