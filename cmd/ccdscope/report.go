package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MrWong99/ccdscope/pkg/recording"
)

// maxListedDrops bounds how many dropped frame numbers are printed.
const maxListedDrops = 20

// Report headings.
const (
	headingSaved   = "Recording Saved"
	headingArchive = "Recording Archive"
)

// printReport writes the recording diagnostics in human-readable form under
// the given heading.
func printReport(w io.Writer, heading string, rep *recording.Report) {
	fmt.Fprintf(w, "\n=== %s: %s ===\n", heading, rep.Filename)
	fmt.Fprintf(w, "Session: %s (%s)\n", rep.SessionID, rep.Mode)
	fmt.Fprintf(w, "Frames: %d, Duration: %s\n", rep.FrameCount, rep.FinalizedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "Frame timing: %.2f ± %.2f ms (min %.2f, max %.2f)\n",
		rep.Timing.MeanMs, rep.Timing.StdMs, rep.Timing.MinMs, rep.Timing.MaxMs)
	if rep.DroppedCount == 0 {
		fmt.Fprintln(w, "Frame continuity: OK (no gaps)")
		return
	}
	fmt.Fprintf(w, "WARNING: %d dropped frames detected!\n", rep.DroppedCount)
	fmt.Fprintf(w, "Dropped: %s\n", formatSeqs(rep.Dropped, maxListedDrops))
}

func formatSeqs(seqs []uint16, limit int) string {
	var b strings.Builder
	for i, s := range seqs {
		if i == limit {
			fmt.Fprintf(&b, " ... (+%d more)", len(seqs)-limit)
			break
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d", s)
	}
	return b.String()
}
