package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/ccdscope/internal/observe"
	"github.com/MrWong99/ccdscope/pkg/recording"
)

// ErrNoPendingArchive is returned by [SessionManager.Retry] when every
// finalized session has been written.
var ErrNoPendingArchive = errors.New("app: no pending archive")

// ArchiveWriter persists a finalized recording session and returns where it
// went. *archive.Writer implements it.
type ArchiveWriter interface {
	Write(ctx context.Context, snap *recording.Snapshot, rep *recording.Report) (string, error)
}

// SessionInfo describes the recording state.
type SessionInfo struct {
	// Mode is [recording.Inactive] when no session is running.
	Mode recording.Mode

	// StartedAt is when the running session started.
	StartedAt time.Time

	// Frames is the number of frames captured so far.
	Frames int

	// Pending is the report of a finalized session that has not been
	// written yet (write in progress or failed), or nil.
	Pending *recording.Report
}

// pendingArchive is a finalized session waiting to be written.
type pendingArchive struct {
	snap *recording.Snapshot
	rep  *recording.Report

	// saved is set once written. Guarded by SessionManager.writeMu.
	saved *recording.Report
}

// SessionManager manages the lifecycle of recording sessions: starting one,
// finalizing it into a report, and archiving it. Only one session runs at a
// time; starting another discards the frames of the running one.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	recorder *recording.Recorder
	writer   ArchiveWriter
	metrics  *observe.Metrics
	now      func() time.Time

	mu        sync.Mutex
	startedAt time.Time
	pending   *pendingArchive

	// writeMu serializes archive writes. Never acquired while holding mu.
	writeMu sync.Mutex
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Recorder is fed by the receiver. Required.
	Recorder *recording.Recorder

	// Writer persists finalized sessions. Required.
	Writer ArchiveWriter

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now defaults to [time.Now].
	Now func() time.Time
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SessionManager{
		recorder: cfg.Recorder,
		writer:   cfg.Writer,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
}

// Start begins a new session in mode, clearing any frames captured by a
// session that was still running.
func (sm *SessionManager) Start(mode recording.Mode) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	prev, prevFrames := sm.recorder.Mode(), sm.recorder.Len()
	if err := sm.recorder.Start(mode); err != nil {
		return err
	}
	sm.startedAt = sm.now()

	if prev != recording.Inactive {
		slog.Warn("recording restarted, previous frames discarded", "mode", mode, "discarded", prevFrames)
	} else {
		slog.Info("recording started", "mode", mode)
	}
	return nil
}

// Stop finalizes the running session, computes its report and writes the
// archive. It returns nil, nil when there was nothing to record.
//
// When the archive write fails the error is returned and the session is kept
// as pending; [SessionManager.Retry] writes it again. The write runs without
// blocking [SessionManager.Info] or [SessionManager.Start].
func (sm *SessionManager) Stop(ctx context.Context) (*recording.Report, error) {
	sm.mu.Lock()
	snap := sm.recorder.Finalize()
	sm.startedAt = time.Time{}
	if snap == nil {
		sm.mu.Unlock()
		slog.Info("recording stopped, no frames captured")
		return nil, nil
	}

	rep := snap.Report()
	if sm.pending != nil {
		slog.Warn("replacing unwritten recording", "session_id", sm.pending.rep.SessionID)
	}
	p := &pendingArchive{snap: snap, rep: rep}
	sm.pending = p
	sm.mu.Unlock()

	sm.metrics.DroppedFrames.Add(ctx, int64(rep.DroppedCount))
	slog.Info("recording finalized",
		"session_id", rep.SessionID,
		"frames", rep.FrameCount,
		"dropped", rep.DroppedCount,
		"mean_interval_ms", rep.Timing.MeanMs,
	)
	return sm.write(ctx, p)
}

// Retry writes the pending session again.
func (sm *SessionManager) Retry(ctx context.Context) (*recording.Report, error) {
	sm.mu.Lock()
	p := sm.pending
	sm.mu.Unlock()

	if p == nil {
		return nil, ErrNoPendingArchive
	}
	return sm.write(ctx, p)
}

// Info returns the current recording state.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	info := SessionInfo{
		Mode:   sm.recorder.Mode(),
		Frames: sm.recorder.Len(),
	}
	if info.Mode != recording.Inactive {
		info.StartedAt = sm.startedAt
	}
	if sm.pending != nil {
		rep := *sm.pending.rep
		info.Pending = &rep
	}
	return info
}

// write persists p. Writes are serialized; a session that a concurrent call
// already wrote is not written twice. sm.mu must not be held.
func (sm *SessionManager) write(ctx context.Context, p *pendingArchive) (_ *recording.Report, err error) {
	sm.writeMu.Lock()
	defer sm.writeMu.Unlock()

	if p.saved != nil {
		rep := *p.saved
		return &rep, nil
	}

	ctx, span := observe.StartSpan(ctx, "recording.archive")
	defer func() { observe.EndSpan(span, err) }()

	start := time.Now()
	path, err := sm.writer.Write(ctx, p.snap, p.rep)
	sm.metrics.RecordArchiveWrite(ctx, time.Since(start).Seconds(), err)
	if err != nil {
		observe.Logger(ctx).Error("recording archive failed", "session_id", p.rep.SessionID, "err", err)
		return nil, fmt.Errorf("app: write recording: %w", err)
	}

	saved := *p.rep
	saved.Filename = path
	p.saved = &saved

	sm.mu.Lock()
	if sm.pending == p {
		sm.pending = nil
	}
	sm.mu.Unlock()

	observe.Logger(ctx).Info("recording saved", "path", path, "frames", saved.FrameCount)
	rep := saved
	return &rep, nil
}
