// Package receiver owns a device connection and the decode loop that turns
// its byte stream into frames.
//
// A [Receiver] opens one port, decodes frames on a dedicated goroutine,
// publishes each frame to the shared slot and offers it to the recorder. Decode
// failures caused by an idle or corrupted stream are absorbed by the loop;
// only [Receiver.Stop] or a fatal I/O error ends it.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/ccdscope/internal/observe"
	"github.com/MrWong99/ccdscope/pkg/frame"
	"github.com/MrWong99/ccdscope/pkg/recording"
	"github.com/MrWong99/ccdscope/pkg/serial"
	"github.com/MrWong99/ccdscope/pkg/slot"
)

// State is the connection lifecycle state.
type State int

const (
	// Disconnected has no open port. Initial and terminal state.
	Disconnected State = iota

	// Connecting is opening the port.
	Connecting

	// Streaming has an open port and a running decode loop.
	Streaming
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// ErrAlreadyOpen is returned by [Receiver.Open] on a receiver that has been
// opened before. Receivers are single use.
var ErrAlreadyOpen = errors.New("receiver: already opened")

// rateWindow is the wall-time span of one frame rate sample.
const rateWindow = time.Second

// Config configures a [Receiver].
type Config struct {
	// Slot receives every decoded frame. Required.
	Slot *slot.Slot

	// Recorder is offered every decoded frame. May be nil.
	Recorder *recording.Recorder

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnStateChange is called after every state transition. err is the open
	// error when returning to Disconnected from Connecting, the fatal stream
	// error when the loop dies, and nil otherwise. It is called on the
	// receiver's goroutines and must not block or call back into the
	// receiver.
	OnStateChange func(State, error)

	// Now stamps frames and drives the frame rate window. Defaults to
	// [time.Now].
	Now func() time.Time
}

// Stats is a point-in-time view of the receiver's counters.
type Stats struct {
	// Frames counts decoded frames.
	Frames uint64

	// SyncLosses counts decode attempts that produced no frame.
	SyncLosses uint64

	// Discarded counts stream bytes skipped while searching for a marker.
	Discarded uint64

	// FPS is the number of frames decoded during the last full second.
	FPS int

	// LastSeq is the frame number of the newest frame; valid when Frames > 0.
	LastSeq uint16

	// LastFrameAt is when the newest frame was decoded. Zero before the
	// first frame.
	LastFrameAt time.Time
}

// Receiver is the single writer of a [slot.Slot]. Create one per connection
// with [New]; all methods are safe for concurrent use.
type Receiver struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	portName string
	err      error
	stats    Stats
	winStart time.Time
	winCount int

	port      serial.Port
	opened    bool
	stopped   bool
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates a [Receiver] in the [Disconnected] state.
func New(cfg Config) *Receiver {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Receiver{
		cfg:  cfg,
		now:  now,
		done: make(chan struct{}),
	}
}

// Open opens the named port on d and starts the decode loop. The stream is
// considered live as soon as the port opens. On failure the receiver stays
// [Disconnected] and the error is returned.
//
// ctx governs the open attempt and the loop; cancelling it has the same
// effect as [Receiver.Stop] without waiting.
func (r *Receiver) Open(ctx context.Context, d serial.Driver, name string) error {
	r.mu.Lock()
	if r.opened {
		r.mu.Unlock()
		return ErrAlreadyOpen
	}
	r.opened = true
	r.portName = name
	r.mu.Unlock()

	r.setState(Connecting, nil)

	port, err := d.Open(ctx, name)
	if err != nil {
		r.cfg.Metrics.RecordConnectionError(ctx, "open")
		r.setState(Disconnected, err)
		close(r.done)
		return fmt.Errorf("receiver: open %s: %w", name, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		cancel()
		_ = port.Close()
		r.setState(Disconnected, nil)
		close(r.done)
		return fmt.Errorf("receiver: open %s: %w", name, context.Canceled)
	}
	r.port = port
	r.cancel = cancel
	r.winStart = r.now()
	r.mu.Unlock()

	r.cfg.Metrics.ActiveConnections.Add(ctx, 1)
	r.setState(Streaming, nil)
	slog.Info("device streaming", "port", name)

	go r.run(loopCtx, port)
	return nil
}

// Stop ends the decode loop, closes the port exactly once, and waits for the
// loop to exit. The pending read returns as soon as the port closes, and at
// the latest after one read timeout. Returns the port's close error, if
// any. Safe to call more than once and on a receiver that never opened.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	r.stopped = true
	opened, cancel := r.opened, r.cancel
	r.mu.Unlock()
	if !opened {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	err := r.closePort()
	<-r.done
	return err
}

// Done is closed when the decode loop has exited (or the open failed).
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

// Err returns the fatal error that ended the loop, if any.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// State returns the current state.
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Port returns the name of the port passed to Open.
func (r *Receiver) Port() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.portName
}

// Stats returns the receiver counters.
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Receiver) closePort() error {
	r.mu.Lock()
	port := r.port
	r.mu.Unlock()
	if port == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		r.closeErr = port.Close()
	})
	return r.closeErr
}

func (r *Receiver) setState(s State, err error) {
	r.mu.Lock()
	r.state = s
	if s == Disconnected && err != nil {
		r.err = err
	}
	cb := r.cfg.OnStateChange
	r.mu.Unlock()
	if cb != nil {
		cb(s, err)
	}
}

func (r *Receiver) run(ctx context.Context, port serial.Port) {
	m := r.cfg.Metrics
	dec := frame.NewDecoder(port, frame.WithClock(r.now))
	var (
		discarded  uint64
		overwrites = r.cfg.Slot.Stats().Overwrites
		fatal      error
	)

	for {
		f, err := dec.Next(ctx)

		if d := dec.Discarded(); d > discarded {
			m.DiscardedBytes.Add(ctx, int64(d-discarded))
			discarded = d
		}

		if err == nil {
			r.cfg.Slot.Publish(f)
			if ow := r.cfg.Slot.Stats().Overwrites; ow > overwrites {
				m.SlotOverwrites.Add(ctx, int64(ow-overwrites))
				overwrites = ow
			}
			if r.cfg.Recorder != nil && r.cfg.Recorder.Ingest(f, r.cfg.Slot.Frozen()) {
				m.RecordedFrames.Add(ctx, 1)
			}
			m.FramesDecoded.Add(ctx, 1)
			r.observe(ctx, &f, discarded)
			continue
		}

		if ctx.Err() != nil {
			break
		}
		if frame.IsSyncLoss(err) {
			reason := observe.ReasonShortBody
			if errors.Is(err, frame.ErrReadTimeout) {
				reason = observe.ReasonTimeout
			}
			m.RecordSyncLoss(ctx, reason)
			r.observe(ctx, nil, discarded)
			slog.Debug("sync lost", "port", r.Port(), "reason", reason)
			continue
		}

		fatal = err
		break
	}

	// Use a fresh context: ctx may already be cancelled.
	bg := context.Background()
	_ = r.closePort()
	m.ActiveConnections.Add(bg, -1)
	if fatal != nil {
		m.RecordConnectionError(bg, "io")
		slog.Error("device stream failed", "port", r.Port(), "err", fatal)
	} else {
		slog.Info("device stopped", "port", r.Port())
	}
	r.setState(Disconnected, fatal)
	close(r.done)
}

// observe updates the counters after one decode attempt; f is nil when the
// attempt produced no frame.
func (r *Receiver) observe(ctx context.Context, f *frame.Frame, discarded uint64) {
	now := r.now()

	r.mu.Lock()
	if f != nil {
		r.stats.Frames++
		r.stats.LastSeq = f.Seq
		r.stats.LastFrameAt = now
		r.winCount++
	} else {
		r.stats.SyncLosses++
	}
	r.stats.Discarded = discarded

	var (
		rate    int
		sampled bool
	)
	if now.Sub(r.winStart) >= rateWindow {
		r.stats.FPS = r.winCount
		rate, sampled = r.winCount, true
		r.winCount = 0
		r.winStart = now
	}
	r.mu.Unlock()

	if sampled {
		r.cfg.Metrics.FrameRate.Record(ctx, float64(rate))
	}
}
