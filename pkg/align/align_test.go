package align_test

import (
	"testing"

	"github.com/MrWong99/ccdscope/pkg/align"
	"github.com/MrWong99/ccdscope/pkg/frame"
)

// stepSignal returns a frame with a flat dark level before edge and a
// slightly rippled bright level from edge on.
func stepSignal(edge int) frame.Samples {
	var s frame.Samples
	for i := range s {
		if i < edge {
			s[i] = 1000
			continue
		}
		s[i] = 40000 + uint16(i*37%101)
	}
	return s
}

func TestTransition_SteepestEdge(t *testing.T) {
	t.Parallel()

	for _, edge := range []int{1, 20, 32, 45, 150, 299} {
		if got := align.Transition(stepSignal(edge)); got != edge {
			t.Errorf("edge %d: Transition = %d", edge, got)
		}
	}
}

func TestAlign_IdempotentAtCanonicalPosition(t *testing.T) {
	t.Parallel()

	in := stepSignal(frame.UsefulStart)
	if shift := align.Shift(in); shift != 0 {
		t.Fatalf("Shift = %d, want 0", shift)
	}
	if out := align.Align(in); out != in {
		t.Fatal("aligned canonical frame changed")
	}
	if again := align.Align(align.Align(in)); again != in {
		t.Fatal("aligning twice changed the frame")
	}
}

func TestAlign_RecoversPhaseAfterRotation(t *testing.T) {
	t.Parallel()

	canonical := stepSignal(frame.UsefulStart)

	// Every rotation that keeps the rising edge inside the gradient window
	// is undone exactly.
	for k := 0; k < frame.PixelCount; k++ {
		edge := (frame.UsefulStart + k) % frame.PixelCount
		if edge < 1 || edge > 299 {
			continue
		}
		rotated := align.Rotate(canonical, k)
		if got := align.Transition(rotated); got != edge {
			t.Fatalf("k=%d: Transition = %d, want %d", k, got, edge)
		}
		if out := align.Align(rotated); out != canonical {
			t.Fatalf("k=%d: alignment did not recover the canonical phase", k)
		}
	}
}

func TestTransition_FirstOfEqualEdges(t *testing.T) {
	t.Parallel()

	var s frame.Samples
	for i := range s {
		switch {
		case i < 32:
			s[i] = 500
		case i < 100:
			s[i] = 30000
		case i < 150:
			s[i] = 500
		default:
			s[i] = 30000
		}
	}
	if got := align.Transition(s); got != 32 {
		t.Fatalf("Transition = %d, want first edge at 32", got)
	}
}

func TestTransition_PercentileFallback(t *testing.T) {
	t.Parallel()

	// A sawtooth has no edge standing out of the gradient noise; the first
	// crossing of its 30th percentile (290) is at index 30.
	var s frame.Samples
	for i := range s {
		s[i] = uint16(i%100) * 10
	}
	if got := align.Transition(s); got != 30 {
		t.Fatalf("Transition = %d, want 30", got)
	}
	if got := align.Shift(s); got != 2 {
		t.Fatalf("Shift = %d, want 2", got)
	}
}

func TestTransition_MinimumFallback(t *testing.T) {
	t.Parallel()

	// A uniform ramp has constant gradient and crosses its 30th percentile
	// far outside the crossing window, leaving the darkest early sample.
	var s frame.Samples
	for i := range s {
		s[i] = uint16(i * 10)
	}
	if got := align.Transition(s); got != 0 {
		t.Fatalf("Transition = %d, want 0", got)
	}
	out := align.Align(s)
	if out[frame.UsefulStart] != 0 {
		t.Errorf("out[%d] = %d, want minimum moved to canonical index", frame.UsefulStart, out[frame.UsefulStart])
	}
}

func TestRotate_WrapsAround(t *testing.T) {
	t.Parallel()

	var s frame.Samples
	for i := range s {
		s[i] = uint16(i)
	}

	tests := []struct {
		name  string
		shift int
		index int
		want  uint16
	}{
		{name: "right", shift: 5, index: 5, want: 0},
		{name: "right wraps tail", shift: 5, index: 0, want: frame.PixelCount - 5},
		{name: "left", shift: -3, index: 0, want: 3},
		{name: "left wraps head", shift: -3, index: frame.PixelCount - 1, want: 2},
		{name: "full turn", shift: frame.PixelCount, index: 17, want: 17},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := align.Rotate(s, tc.shift)
			if out[tc.index] != tc.want {
				t.Errorf("out[%d] = %d, want %d", tc.index, out[tc.index], tc.want)
			}
		})
	}
}

func TestAlign_LeavesInputUntouched(t *testing.T) {
	t.Parallel()

	in := stepSignal(60)
	before := in
	_ = align.Align(in)
	if in != before {
		t.Fatal("Align modified its argument")
	}
}
