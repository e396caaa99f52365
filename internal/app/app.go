// Package app wires the ccdscope subsystems into one engine instance.
//
// An [Engine] owns the shared frame slot, the recorder, the recording session
// manager and at most one device receiver. It is the surface a consumer (the
// CLI's render loop, an HTTP status handler, a reconnector) talks to; nothing
// in the process is global.
//
// For testing, inject doubles via functional options (WithDriver,
// WithArchiveWriter, etc.). When an option is not provided, New uses the
// hardware serial driver and an archive writer in the default directory.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/ccdscope/internal/observe"
	"github.com/MrWong99/ccdscope/internal/receiver"
	"github.com/MrWong99/ccdscope/pkg/frame"
	"github.com/MrWong99/ccdscope/pkg/recording"
	"github.com/MrWong99/ccdscope/pkg/recording/archive"
	"github.com/MrWong99/ccdscope/pkg/serial"
	"github.com/MrWong99/ccdscope/pkg/slot"
)

// ErrShutdown is returned by [Engine.Connect] after [Engine.Shutdown].
var ErrShutdown = errors.New("app: engine shut down")

// Engine owns the acquisition pipeline. All exported methods are safe for
// concurrent use.
type Engine struct {
	driver       serial.Driver
	writer       ArchiveWriter
	metrics      *observe.Metrics
	now          func() time.Time
	onDisconnect func(error)

	slot     *slot.Slot
	recorder *recording.Recorder
	sessions *SessionManager

	// connMu serialises Connect, Disconnect and Shutdown.
	connMu sync.Mutex

	mu       sync.Mutex
	rx       *receiver.Receiver
	shutdown bool
	closers  []func() error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*Engine)

// WithDriver sets the device driver. Defaults to [serial.Hardware].
func WithDriver(d serial.Driver) Option {
	return func(e *Engine) { e.driver = d }
}

// WithArchiveWriter sets where finalized recordings go. Defaults to an
// [archive.Writer] in [archive.DefaultDir].
func WithArchiveWriter(w ArchiveWriter) Option {
	return func(e *Engine) { e.writer = w }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the time source for frame stamps, the frame rate window and
// session start times.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDisconnectHandler sets a function called when a streaming device fails
// with an I/O error. It is not called for explicit disconnects or failed
// connect attempts. It runs on the receiver goroutine and must not block;
// handing the event to a [reconnect.Reconnector] is the intended use.
func WithDisconnectHandler(fn func(error)) Option {
	return func(e *Engine) { e.onDisconnect = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an idle, disconnected Engine.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, o := range opts {
		o(e)
	}
	if e.driver == nil {
		e.driver = serial.Hardware{}
	}
	if e.writer == nil {
		e.writer = &archive.Writer{Dir: archive.DefaultDir}
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.now == nil {
		e.now = time.Now
	}

	e.slot = slot.New()
	e.recorder = recording.NewRecorder(recording.WithClock(e.now))
	e.sessions = NewSessionManager(SessionManagerConfig{
		Recorder: e.recorder,
		Writer:   e.writer,
		Metrics:  e.metrics,
		Now:      e.now,
	})
	return e
}

// AddCloser registers fn to run during [Engine.Shutdown], after the device
// is closed. Closers run in registration order.
func (e *Engine) AddCloser(fn func() error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closers = append(e.closers, fn)
}

// ─── Connection ──────────────────────────────────────────────────────────────

// Connect opens port and starts streaming frames from it. An empty port
// auto-detects the device. Any existing connection is closed first. It
// returns the name of the port that was opened.
//
// A failed attempt leaves the engine disconnected; Connect may be called
// again at any time.
func (e *Engine) Connect(ctx context.Context, port string) (_ string, err error) {
	ctx, span := observe.StartSpan(ctx, "engine.connect")
	defer func() { observe.EndSpan(span, err) }()

	e.connMu.Lock()
	defer e.connMu.Unlock()

	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return "", ErrShutdown
	}
	old := e.rx
	e.rx = nil
	e.mu.Unlock()

	if old != nil {
		if err := old.Stop(); err != nil {
			slog.Warn("closing previous connection", "port", old.Port(), "err", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	if port == "" {
		port, err = serial.Detect(ctx, e.driver)
		if err != nil {
			e.metrics.RecordConnectionError(ctx, "detect")
			return "", fmt.Errorf("app: connect: %w", err)
		}
		observe.Logger(ctx).Info("auto-detected device", "port", port)
	}

	rx := receiver.New(receiver.Config{
		Slot:          e.slot,
		Recorder:      e.recorder,
		Metrics:       e.metrics,
		Now:           e.now,
		OnStateChange: e.stateHandler(),
	})
	// The receiver outlives this call; it is ended by Disconnect or Shutdown.
	if err := rx.Open(context.WithoutCancel(ctx), e.driver, port); err != nil {
		return "", fmt.Errorf("app: connect: %w", err)
	}

	e.mu.Lock()
	e.rx = rx
	e.mu.Unlock()
	return port, nil
}

// stateHandler returns the OnStateChange callback for one receiver. A
// receiver that reached Streaming and then drops to Disconnected with an
// error has lost its device.
func (e *Engine) stateHandler() func(receiver.State, error) {
	var streamed bool
	return func(s receiver.State, err error) {
		switch {
		case s == receiver.Streaming:
			streamed = true
		case s == receiver.Disconnected && streamed && err != nil:
			if e.onDisconnect != nil {
				e.onDisconnect(err)
			}
		}
	}
}

// Disconnect stops streaming and closes the device. Calling it while
// disconnected is a no-op.
func (e *Engine) Disconnect() error {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return e.disconnect()
}

func (e *Engine) disconnect() error {
	e.mu.Lock()
	rx := e.rx
	e.rx = nil
	e.mu.Unlock()
	if rx == nil {
		return nil
	}
	if err := rx.Stop(); err != nil {
		return fmt.Errorf("app: disconnect %s: %w", rx.Port(), err)
	}
	return nil
}

// State returns the connection state.
func (e *Engine) State() receiver.State {
	if rx := e.receiver(); rx != nil {
		return rx.State()
	}
	return receiver.Disconnected
}

// Ports lists the serial ports of the configured driver.
func (e *Engine) Ports(ctx context.Context) ([]serial.PortInfo, error) {
	return e.driver.Ports(ctx)
}

func (e *Engine) receiver() *receiver.Receiver {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rx
}

// ─── View control ────────────────────────────────────────────────────────────

// PollLatestFrame returns the newest frame if one arrived since the last
// poll. It never blocks. Nothing is returned while disconnected or frozen. A
// pending single shot completes with the frame returned here, freezing the
// view.
func (e *Engine) PollLatestFrame() (frame.Frame, bool) {
	if e.State() != receiver.Streaming || e.slot.Frozen() {
		return frame.Frame{}, false
	}
	f, ok := e.slot.Consume()
	if !ok {
		return frame.Frame{}, false
	}
	if e.slot.CompleteSingleShot() {
		slog.Debug("single shot captured", "seq", f.Seq)
	}
	return f, true
}

// SetFrozen freezes or resumes the view. Frames keep streaming and, in
// [recording.All] mode, keep being recorded while frozen.
func (e *Engine) SetFrozen(frozen bool) {
	e.slot.SetFrozen(frozen)
}

// IsFrozen reports whether the view is frozen.
func (e *Engine) IsFrozen() bool {
	return e.slot.Frozen()
}

// RequestSingleShot resumes the view until the next frame is polled, then
// freezes it.
func (e *Engine) RequestSingleShot() {
	e.slot.RequestSingleShot()
}

// ─── Recording ───────────────────────────────────────────────────────────────

// StartRecording starts a session in mode, discarding frames of a session
// that was still running.
func (e *Engine) StartRecording(mode recording.Mode) error {
	return e.sessions.Start(mode)
}

// StopRecording finalizes the session and writes its archive. It returns
// nil, nil when no frames were captured. On a write failure the session is
// kept and [Engine.RetryArchive] can write it later.
func (e *Engine) StopRecording(ctx context.Context) (*recording.Report, error) {
	return e.sessions.Stop(ctx)
}

// RetryArchive writes a session whose archive write failed.
func (e *Engine) RetryArchive(ctx context.Context) (*recording.Report, error) {
	return e.sessions.Retry(ctx)
}

// ─── Status ──────────────────────────────────────────────────────────────────

// Status is a point-in-time summary of the engine.
type Status struct {
	State             string    `json:"state"`
	Port              string    `json:"port,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	Frame             uint16    `json:"frame"`
	Frames            uint64    `json:"frames"`
	FPS               int       `json:"fps"`
	SyncLosses        uint64    `json:"sync_losses"`
	DiscardedBytes    uint64    `json:"discarded_bytes"`
	SlotOverwrites    uint64    `json:"slot_overwrites"`
	LastFrameAt       time.Time `json:"last_frame_at,omitzero"`
	Frozen            bool      `json:"frozen"`
	SingleShotPending bool      `json:"single_shot_pending"`
	Recording         string    `json:"recording"`
	RecordedFrames    int       `json:"recorded_frames"`
	PendingArchive    bool      `json:"pending_archive"`
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	st := Status{
		State:             receiver.Disconnected.String(),
		SlotOverwrites:    e.slot.Stats().Overwrites,
		Frozen:            e.slot.Frozen(),
		SingleShotPending: e.slot.SingleShotPending(),
	}
	if rx := e.receiver(); rx != nil {
		rs := rx.Stats()
		st.State = rx.State().String()
		st.Port = rx.Port()
		if err := rx.Err(); err != nil {
			st.LastError = err.Error()
		}
		st.Frame = rs.LastSeq
		st.Frames = rs.Frames
		st.FPS = rs.FPS
		st.SyncLosses = rs.SyncLosses
		st.DiscardedBytes = rs.Discarded
		st.LastFrameAt = rs.LastFrameAt
	}
	info := e.sessions.Info()
	st.Recording = info.Mode.String()
	st.RecordedFrames = info.Frames
	st.PendingArchive = info.Pending != nil
	return st
}

// String renders the status line: frame number, frame rate and recording
// progress.
func (s Status) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Frame: %d | FPS: %d", s.Frame, s.FPS)
	switch s.Recording {
	case recording.All.String():
		fmt.Fprintf(&b, " | REC: ALL (%d frames)", s.RecordedFrames)
	case recording.WhileRunning.String():
		fmt.Fprintf(&b, " | REC: RUN (%d frames)", s.RecordedFrames)
	}
	if s.Frozen {
		b.WriteString(" | FROZEN")
	}
	if s.State != receiver.Streaming.String() {
		fmt.Fprintf(&b, " | %s", strings.ToUpper(s.State))
	}
	return b.String()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown finalizes a running recording, closes the device and runs the
// registered closers. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned. Safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.connMu.Lock()
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		e.connMu.Unlock()
		return nil
	}
	e.shutdown = true
	closers := e.closers
	e.closers = nil
	e.mu.Unlock()

	slog.Info("shutting down", "closers", len(closers))

	var errs []error
	if e.recorder.Mode() != recording.Inactive {
		if _, err := e.sessions.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.disconnect(); err != nil {
		errs = append(errs, err)
	}
	// Released before the closers: a closer may wait on a Connect in flight.
	e.connMu.Unlock()

	for i, closer := range closers {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
			return errors.Join(append(errs, ctx.Err())...)
		default:
		}
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}

	slog.Info("shutdown complete")
	return errors.Join(errs...)
}
