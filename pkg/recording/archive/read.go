package archive

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/MrWong99/ccdscope/pkg/frame"
	"github.com/MrWong99/ccdscope/pkg/recording"
)

// Session is the content of an archive file.
type Session struct {
	ID          string
	Mode        string
	StartedAt   time.Time
	FinalizedAt time.Time

	// Sequences, Timestamps and Pixels are parallel, in decode order.
	Sequences  []uint16
	Timestamps []time.Time
	Pixels     []frame.Samples

	Dropped []uint16
	Timing  recording.TimingStats
}

// Read loads the archive at path.
func Read(ctx context.Context, path string) (*Session, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	defer db.Close()

	s := &Session{}
	var (
		started, finalized     string
		frameCount, pixelCount int
	)
	err = db.QueryRowContext(ctx,
		`SELECT id, mode, started_at, finalized_at, frame_count, pixel_count,
			timing_mean_ms, timing_std_ms, timing_min_ms, timing_max_ms
		 FROM session`).Scan(
		&s.ID, &s.Mode, &started, &finalized, &frameCount, &pixelCount,
		&s.Timing.MeanMs, &s.Timing.StdMs, &s.Timing.MinMs, &s.Timing.MaxMs,
	)
	if err != nil {
		if notArchive(err) {
			return nil, fmt.Errorf("%w: read session: %v", ErrCorrupt, err)
		}
		return nil, fmt.Errorf("archive: read session: %w", err)
	}
	if pixelCount != frame.PixelCount {
		return nil, fmt.Errorf("%w: pixel_count %d, want %d", ErrCorrupt, pixelCount, frame.PixelCount)
	}
	if s.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, fmt.Errorf("%w: started_at: %v", ErrCorrupt, err)
	}
	if s.FinalizedAt, err = time.Parse(time.RFC3339Nano, finalized); err != nil {
		return nil, fmt.Errorf("%w: finalized_at: %v", ErrCorrupt, err)
	}

	if err := readFrames(ctx, db, s, frameCount); err != nil {
		return nil, err
	}
	if err := readDropped(ctx, db, s); err != nil {
		return nil, err
	}
	return s, nil
}

func readFrames(ctx context.Context, db *sql.DB, s *Session, frameCount int) error {
	rows, err := db.QueryContext(ctx, `SELECT frame_number, timestamp, pixels FROM frames ORDER BY idx`)
	if err != nil {
		return fmt.Errorf("archive: read frames: %w", err)
	}
	defer rows.Close()

	s.Sequences = make([]uint16, 0, frameCount)
	s.Timestamps = make([]time.Time, 0, frameCount)
	s.Pixels = make([]frame.Samples, 0, frameCount)
	for rows.Next() {
		var (
			seq  int
			ts   float64
			blob []byte
		)
		if err := rows.Scan(&seq, &ts, &blob); err != nil {
			return fmt.Errorf("archive: scan frame: %w", err)
		}
		if len(blob) != frame.PixelCount*2 {
			return fmt.Errorf("%w: frame %d has %d pixel bytes", ErrCorrupt, len(s.Sequences), len(blob))
		}
		var px frame.Samples
		for i := range px {
			px[i] = binary.LittleEndian.Uint16(blob[2*i:])
		}
		s.Sequences = append(s.Sequences, uint16(seq))
		s.Timestamps = append(s.Timestamps, fromUnixSeconds(ts))
		s.Pixels = append(s.Pixels, px)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("archive: read frames: %w", err)
	}
	if len(s.Sequences) != frameCount {
		return fmt.Errorf("%w: %d frames, session says %d", ErrCorrupt, len(s.Sequences), frameCount)
	}
	return nil
}

func readDropped(ctx context.Context, db *sql.DB, s *Session) error {
	rows, err := db.QueryContext(ctx, `SELECT frame_number FROM dropped_frames ORDER BY rowid`)
	if err != nil {
		return fmt.Errorf("archive: read dropped frames: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var seq int
		if err := rows.Scan(&seq); err != nil {
			return fmt.Errorf("archive: scan dropped frame: %w", err)
		}
		s.Dropped = append(s.Dropped, uint16(seq))
	}
	return rows.Err()
}

func fromUnixSeconds(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(math.Round(frac*float64(time.Second))))
}

// notArchive reports whether err means the file is not a usable session
// archive. SQLite reports garbage and a missing schema the same way.
func notArchive(err error) bool {
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_ERROR:
		return true
	}
	return false
}
