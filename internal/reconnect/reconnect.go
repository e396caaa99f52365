// Package reconnect re-establishes a device connection after the stream dies.
//
// Unplugging the sensor board ends the decode loop with an I/O error and
// leaves the engine disconnected. A [Reconnector] waits for that signal and
// calls Connect again with exponential backoff until the board is back or
// the retry budget runs out. Explicit disconnects are not reported to it, so
// they stay disconnected.
package reconnect

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
)

// Connector opens a device connection. port "" requests auto-detection;
// the chosen port name is returned. app.Engine implements it.
type Connector interface {
	Connect(ctx context.Context, port string) (string, error)
}

// Config configures a [Reconnector].
type Config struct {
	// Connector is used for every attempt. Required.
	Connector Connector

	// Port is passed to every attempt. Leave empty to re-run auto-detection,
	// which also finds a board that came back under a different name.
	Port string

	// MaxRetries is the number of attempts per outage. Defaults to 10.
	MaxRetries int

	// Backoff is the delay after the first failed attempt. Doubles each
	// attempt up to MaxBackoff. Defaults to 500ms.
	Backoff time.Duration

	// MaxBackoff defaults to 10s.
	MaxBackoff time.Duration

	// OnReconnect is called with the port name after a successful attempt.
	// May be nil.
	OnReconnect func(port string)

	// OnGiveUp is called when all attempts of an outage failed, with the last
	// error. May be nil.
	OnGiveUp func(err error)
}

// Reconnector watches for lost connections and restores them. All methods
// are safe for concurrent use.
type Reconnector struct {
	connector   Connector
	port        string
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(string)
	onGiveUp    func(error)

	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{}
	wg           sync.WaitGroup
}

// New creates a [Reconnector]. Call [Reconnector.Monitor] to start it.
func New(cfg Config) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reconnector{
		connector:    cfg.Connector,
		port:         cfg.Port,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onReconnect:  cfg.OnReconnect,
		onGiveUp:     cfg.OnGiveUp,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Monitor starts the watch loop in a background goroutine. It ends when ctx
// is cancelled or [Reconnector.Stop] is called.
func (r *Reconnector) Monitor(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.monitorLoop(ctx)
	}()
}

// NotifyDisconnect reports a lost connection. Notifications that arrive
// while one is already queued are merged.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop halts monitoring, abandons any reconnection in progress, and waits
// for the loop to exit. Safe to call multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

func (r *Reconnector) attemptReconnect(ctx context.Context) {
	currentBackoff := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		slog.Info("attempting reconnection",
			"port", r.port,
			"attempt", attempt,
			"max_retries", r.maxRetries,
		)

		port, err := r.connector.Connect(ctx, r.port)
		if err == nil {
			slog.Info("reconnection successful", "port", port, "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect(port)
			}
			return
		}
		lastErr = err

		slog.Warn("reconnection attempt failed",
			"port", r.port,
			"attempt", attempt,
			"err", err,
			"backoff", currentBackoff,
		)

		t := time.NewTimer(currentBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-r.done:
			t.Stop()
			return
		case <-t.C:
		}

		currentBackoff = min(currentBackoff*2, r.maxBackoff)
	}

	slog.Error("reconnection failed after max retries",
		"port", r.port,
		"max_retries", r.maxRetries,
		"err", lastErr,
	)
	if r.onGiveUp != nil {
		r.onGiveUp(lastErr)
	}
}
