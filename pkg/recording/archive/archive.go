// Package archive persists finalized recording sessions as self-describing
// SQLite files, one file per session.
//
// Each archive contains three tables:
//
//	session         one row: id, mode, start/finalize times, frame and pixel
//	                counts, and the timing summary (mean, std, min, max ms)
//	frames          one row per frame in decode order: frame number, capture
//	                time as Unix seconds, and the samples as a little-endian
//	                uint16 blob of pixel_count values
//	dropped_frames  the missing frame numbers
//
// Together the frames table is the frames × pixels sample matrix.
package archive

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MrWong99/ccdscope/pkg/frame"
	"github.com/MrWong99/ccdscope/pkg/recording"

	_ "modernc.org/sqlite" // SQLite driver.
)

// DefaultDir is where archives are written when no directory is configured.
const DefaultDir = "recordings"

// Archive names are the prefix, the finalize time, and the extension.
const (
	filePrefix   = "ccd_recording_"
	fileExt      = ".db"
	fileTimeForm = "20060102_150405"
)

// ErrCorrupt is returned by [Read] when an archive's content is inconsistent.
var ErrCorrupt = errors.New("archive: corrupt archive")

var schema = []string{
	`CREATE TABLE session (
		id TEXT NOT NULL,
		mode TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finalized_at TEXT NOT NULL,
		frame_count INTEGER NOT NULL,
		pixel_count INTEGER NOT NULL,
		timing_mean_ms REAL NOT NULL,
		timing_std_ms REAL NOT NULL,
		timing_min_ms REAL NOT NULL,
		timing_max_ms REAL NOT NULL
	);`,
	`CREATE TABLE frames (
		idx INTEGER PRIMARY KEY,
		frame_number INTEGER NOT NULL,
		timestamp REAL NOT NULL,
		pixels BLOB NOT NULL
	);`,
	`CREATE TABLE dropped_frames (
		frame_number INTEGER NOT NULL
	);`,
}

// Writer writes session archives into Dir.
type Writer struct {
	// Dir is created on first write. Defaults to [DefaultDir].
	Dir string
}

// Filename returns the archive name for a session finalized at t.
func Filename(t time.Time) string {
	return filePrefix + t.Format(fileTimeForm) + fileExt
}

// Write persists snap and rep and returns the archive path. The archive is
// assembled under a temporary name and renamed into place, so a failed write
// never leaves a partial archive behind. snap is not modified and may be
// written again after a failure.
func (w *Writer) Write(ctx context.Context, snap *recording.Snapshot, rep *recording.Report) (path string, err error) {
	dir := w.Dir
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("archive: create dir: %w", err)
	}

	path, err = availablePath(dir, snap.FinalizedAt)
	if err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	_ = os.Remove(tmp)

	if err := writeDB(ctx, tmp, snap, rep); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("archive: rename: %w", err)
	}
	return path, nil
}

// availablePath picks a file name for t that does not exist yet.
func availablePath(dir string, t time.Time) (string, error) {
	base := filepath.Join(dir, Filename(t))
	path := base
	for i := 1; ; i++ {
		_, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
		if err != nil {
			return "", fmt.Errorf("archive: stat %q: %w", path, err)
		}
		path = fmt.Sprintf("%s_%d%s", base[:len(base)-len(fileExt)], i, fileExt)
	}
}

func writeDB(ctx context.Context, path string, snap *recording.Snapshot, rep *recording.Report) (err error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("archive: open: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("archive: close: %w", cerr)
		}
	}()

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("archive: create schema: %w", err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO session (id, mode, started_at, finalized_at, frame_count, pixel_count,
			timing_mean_ms, timing_std_ms, timing_min_ms, timing_max_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.SessionID.String(),
		snap.Mode.String(),
		snap.StartedAt.Format(time.RFC3339Nano),
		snap.FinalizedAt.Format(time.RFC3339Nano),
		len(snap.Frames),
		frame.PixelCount,
		rep.Timing.MeanMs,
		rep.Timing.StdMs,
		rep.Timing.MinMs,
		rep.Timing.MaxMs,
	); err != nil {
		return fmt.Errorf("archive: insert session: %w", err)
	}

	frameStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO frames (idx, frame_number, timestamp, pixels) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("archive: prepare frames: %w", err)
	}
	defer frameStmt.Close()

	for i := range snap.Frames {
		f := &snap.Frames[i]
		blob := encodeSamples(make([]byte, 0, frame.PixelCount*2), &f.Samples)
		if _, err = frameStmt.ExecContext(ctx, i, int(f.Seq), unixSeconds(f.CapturedAt), blob); err != nil {
			return fmt.Errorf("archive: insert frame %d: %w", i, err)
		}
	}

	for _, seq := range rep.Dropped {
		if _, err = tx.ExecContext(ctx, `INSERT INTO dropped_frames (frame_number) VALUES (?)`, int(seq)); err != nil {
			return fmt.Errorf("archive: insert dropped frame: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}
	return nil
}

func encodeSamples(b []byte, s *frame.Samples) []byte {
	for _, v := range s {
		b = binary.LittleEndian.AppendUint16(b, v)
	}
	return b
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
