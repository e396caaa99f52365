package resilience

import (
	"context"

	"github.com/MrWong99/ccdscope/pkg/recording"
)

// ArchiveWriter persists a finished recording session and returns where it
// was written.
type ArchiveWriter interface {
	Write(ctx context.Context, snap *recording.Snapshot, rep *recording.Report) (string, error)
}

// ArchiveFallback writes each session to the first healthy target of a
// [FallbackGroup]. It satisfies app.ArchiveWriter.
type ArchiveFallback struct {
	group *FallbackGroup[ArchiveWriter]
}

var _ ArchiveWriter = (*ArchiveFallback)(nil)

// NewArchiveFallback creates an [ArchiveFallback] writing to primary while its
// breaker is closed.
func NewArchiveFallback(primary ArchiveWriter, name string, cfg FallbackConfig) *ArchiveFallback {
	return &ArchiveFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback registers another target.
func (a *ArchiveFallback) AddFallback(name string, w ArchiveWriter) {
	a.group.AddFallback(name, w)
}

// Write implements [ArchiveWriter]. A cancelled context is returned as is
// instead of being counted against the targets.
func (a *ArchiveFallback) Write(ctx context.Context, snap *recording.Snapshot, rep *recording.Report) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return ExecuteWithResult(a.group, func(w ArchiveWriter) (string, error) {
		return w.Write(ctx, snap, rep)
	})
}
