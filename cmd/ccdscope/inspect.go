package main

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/MrWong99/ccdscope/pkg/recording"
	"github.com/MrWong99/ccdscope/pkg/recording/archive"
)

// errDropMismatch is returned by inspect --verify when the stored drop list
// disagrees with the stored frame numbers.
var errDropMismatch = errors.New("inspect: drop list does not match frame numbers")

func newInspectCmd(_ *rootOptions) *cobra.Command {
	var verifyDrops bool
	cmd := &cobra.Command{
		Use:   "inspect <archive.db>",
		Short: "Print the diagnostics stored in a recording archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := archive.Read(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			mode, err := recording.ParseMode(s.Mode)
			if err != nil {
				return fmt.Errorf("inspect: %s: %w", args[0], err)
			}
			id, err := uuid.Parse(s.ID)
			if err != nil {
				return fmt.Errorf("inspect: %s: session id: %w", args[0], err)
			}
			rep := &recording.Report{
				SessionID:    id,
				Mode:         mode,
				StartedAt:    s.StartedAt,
				FinalizedAt:  s.FinalizedAt,
				FrameCount:   len(s.Sequences),
				Dropped:      s.Dropped,
				DroppedCount: len(s.Dropped),
				Timing:       s.Timing,
				Filename:     args[0],
			}
			printReport(cmd.OutOrStdout(), headingArchive, rep)

			if verifyDrops {
				recomputed := recording.DroppedSequences(s.Sequences)
				if !slices.Equal(recomputed, s.Dropped) {
					return fmt.Errorf("%w: stored [%s], frame numbers imply [%s]", errDropMismatch,
						formatSeqs(s.Dropped, maxListedDrops), formatSeqs(recomputed, maxListedDrops))
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Drop list verified against frame numbers")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verifyDrops, "verify", false, "recompute dropped frames from the stored frame numbers")
	return cmd
}
