package app

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/ccdscope/internal/observe"
	"github.com/MrWong99/ccdscope/internal/receiver"
	"github.com/MrWong99/ccdscope/internal/reconnect"
	"github.com/MrWong99/ccdscope/pkg/frame"
	"github.com/MrWong99/ccdscope/pkg/recording"
	"github.com/MrWong99/ccdscope/pkg/serial"
	"github.com/MrWong99/ccdscope/pkg/serial/mock"
)

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithMetrics(newTestMetrics(t))}, opts...)
	e := New(opts...)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

func encoded(seqs ...uint16) []byte {
	var b []byte
	for _, s := range seqs {
		b = frame.AppendEncoded(b, frame.Frame{Seq: s})
	}
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEngine_ConnectAutoDetect(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{
		OpenResult: mock.NewPort(),
		PortsResult: []serial.PortInfo{
			{Name: "/dev/ttyS0"},
			{Name: "/dev/ttyACM0", Description: "STM32 Virtual ComPort", IsUSB: true, VID: "0483"},
		},
	}
	e := newTestEngine(t, WithDriver(drv))

	port, err := e.Connect(context.Background(), "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if port != "/dev/ttyACM0" {
		t.Errorf("port = %q, want /dev/ttyACM0", port)
	}
	if calls := drv.Calls(); len(calls) != 1 || calls[0].Name != "/dev/ttyACM0" {
		t.Errorf("Open calls = %+v", calls)
	}
	if e.State() != receiver.Streaming {
		t.Errorf("State = %v, want streaming", e.State())
	}
}

func TestEngine_ConnectNoPort(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, WithDriver(&mock.Driver{}))
	if _, err := e.Connect(context.Background(), ""); !errors.Is(err, serial.ErrNoPort) {
		t.Errorf("Connect = %v, want ErrNoPort", err)
	}
	if e.State() != receiver.Disconnected {
		t.Errorf("State = %v, want disconnected", e.State())
	}
}

func TestEngine_ConnectFailureThenRetry(t *testing.T) {
	t.Parallel()

	busy := errors.New("resource busy")
	drv := &mock.Driver{OpenError: busy}
	e := newTestEngine(t, WithDriver(drv))

	if _, err := e.Connect(context.Background(), "COM3"); !errors.Is(err, busy) {
		t.Fatalf("Connect = %v, want %v", err, busy)
	}
	if e.State() != receiver.Disconnected {
		t.Fatalf("State = %v after failed connect", e.State())
	}
	if _, ok := e.PollLatestFrame(); ok {
		t.Error("PollLatestFrame returned a frame while disconnected")
	}

	drv.OpenError = nil
	drv.OpenResult = mock.NewPort()
	if _, err := e.Connect(context.Background(), "COM3"); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if e.State() != receiver.Streaming {
		t.Errorf("State = %v, want streaming", e.State())
	}
}

func TestEngine_ConnectReplacesConnection(t *testing.T) {
	t.Parallel()

	first, second := mock.NewPort(), mock.NewPort()
	drv := &mock.Driver{OpenResults: []serial.Port{first, second}}
	e := newTestEngine(t, WithDriver(drv))

	if _, err := e.Connect(context.Background(), "COM3"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Connect(context.Background(), "COM4"); err != nil {
		t.Fatal(err)
	}
	if first.Closes() != 1 {
		t.Errorf("first port closed %d times, want 1", first.Closes())
	}
	if second.Closes() != 0 {
		t.Errorf("second port closed while in use")
	}
	if st := e.Status(); st.Port != "COM4" {
		t.Errorf("Status.Port = %q, want COM4", st.Port)
	}

	if err := e.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := e.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if second.Closes() != 1 || e.State() != receiver.Disconnected {
		t.Errorf("after Disconnect: closes %d, state %v", second.Closes(), e.State())
	}
}

func TestEngine_PollLatestFrame(t *testing.T) {
	t.Parallel()

	port := mock.NewPort(encoded(1, 2))
	e := newTestEngine(t, WithDriver(&mock.Driver{OpenResult: port}))
	if _, err := e.Connect(context.Background(), "COM3"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "two frames", func() bool { return e.Status().Frames == 2 })

	f, ok := e.PollLatestFrame()
	if !ok || f.Seq != 2 {
		t.Fatalf("PollLatestFrame = %d (ok=%v), want 2", f.Seq, ok)
	}
	if _, ok := e.PollLatestFrame(); ok {
		t.Error("second poll returned a stale frame")
	}

	e.SetFrozen(true)
	port.Feed(encoded(3))
	waitFor(t, "frame 3", func() bool { return e.Status().Frames == 3 })
	if _, ok := e.PollLatestFrame(); ok {
		t.Error("poll returned a frame while frozen")
	}

	e.SetFrozen(false)
	if f, ok := e.PollLatestFrame(); !ok || f.Seq != 3 {
		t.Errorf("poll after unfreeze = %d (ok=%v), want 3", f.Seq, ok)
	}
}

func TestEngine_SingleShot(t *testing.T) {
	t.Parallel()

	port := mock.NewPort()
	e := newTestEngine(t, WithDriver(&mock.Driver{OpenResult: port}))
	if _, err := e.Connect(context.Background(), "COM3"); err != nil {
		t.Fatal(err)
	}
	e.SetFrozen(true)
	e.RequestSingleShot()
	if e.IsFrozen() {
		t.Fatal("RequestSingleShot did not unfreeze")
	}
	if st := e.Status(); !st.SingleShotPending {
		t.Error("single shot not pending")
	}

	port.Feed(encoded(7))
	waitFor(t, "frame", func() bool { return e.Status().Frames == 1 })
	if f, ok := e.PollLatestFrame(); !ok || f.Seq != 7 {
		t.Fatalf("poll = %d (ok=%v), want 7", f.Seq, ok)
	}
	if !e.IsFrozen() {
		t.Error("view not frozen after single shot")
	}
	if e.Status().SingleShotPending {
		t.Error("single shot still pending")
	}

	port.Feed(encoded(8))
	waitFor(t, "frame", func() bool { return e.Status().Frames == 2 })
	if _, ok := e.PollLatestFrame(); ok {
		t.Error("poll returned a frame after single shot froze the view")
	}
}

func TestEngine_Recording(t *testing.T) {
	t.Parallel()

	w := &stubWriter{}
	port := mock.NewPort()
	e := newTestEngine(t, WithDriver(&mock.Driver{OpenResult: port}), WithArchiveWriter(w))
	if _, err := e.Connect(context.Background(), "COM3"); err != nil {
		t.Fatal(err)
	}
	if err := e.StartRecording(recording.WhileRunning); err != nil {
		t.Fatal(err)
	}

	port.Feed(encoded(1, 2))
	waitFor(t, "two frames", func() bool { return e.Status().Frames == 2 })
	e.SetFrozen(true)
	port.Feed(encoded(3))
	waitFor(t, "frozen frame", func() bool { return e.Status().Frames == 3 })
	e.SetFrozen(false)
	port.Feed(encoded(5))
	waitFor(t, "frame 5", func() bool { return e.Status().Frames == 4 })

	st := e.Status()
	if st.Recording != "running" || st.RecordedFrames != 3 {
		t.Errorf("status = %+v, want 3 frames recording while running", st)
	}

	rep, err := e.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	// Frame 3 arrived while frozen, so it is reported missing.
	if rep.FrameCount != 3 || !slices.Equal(rep.Dropped, []uint16{3, 4}) {
		t.Errorf("report = %+v", rep)
	}
	if rep.Filename == "" {
		t.Error("report has no filename")
	}
	if st := e.Status(); st.Recording != "inactive" || st.RecordedFrames != 0 {
		t.Errorf("status after stop = %+v", st)
	}
}

func TestEngine_RetryArchive(t *testing.T) {
	t.Parallel()

	readOnly := errors.New("read-only file system")
	w := &stubWriter{errs: []error{readOnly}}
	port := mock.NewPort()
	e := newTestEngine(t, WithDriver(&mock.Driver{OpenResult: port}), WithArchiveWriter(w))
	if _, err := e.Connect(context.Background(), "COM3"); err != nil {
		t.Fatal(err)
	}
	_ = e.StartRecording(recording.All)
	port.Feed(encoded(1))
	waitFor(t, "recorded frame", func() bool { return e.Status().RecordedFrames == 1 })

	if _, err := e.StopRecording(context.Background()); !errors.Is(err, readOnly) {
		t.Fatalf("StopRecording = %v, want %v", err, readOnly)
	}
	if !e.Status().PendingArchive {
		t.Error("PendingArchive = false after failed write")
	}
	rep, err := e.RetryArchive(context.Background())
	if err != nil || rep.FrameCount != 1 {
		t.Fatalf("RetryArchive = %+v, %v", rep, err)
	}
	if e.Status().PendingArchive {
		t.Error("PendingArchive = true after successful retry")
	}
}

func TestEngine_DeviceLossNotifiesHandler(t *testing.T) {
	t.Parallel()

	removed := errors.New("device removed")
	port := mock.NewPort(encoded(1))
	port.ReadError = removed
	lost := make(chan error, 1)
	e := newTestEngine(t,
		WithDriver(&mock.Driver{OpenResult: port}),
		WithDisconnectHandler(func(err error) { lost <- err }),
	)
	if _, err := e.Connect(context.Background(), "COM3"); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-lost:
		if !errors.Is(err, removed) {
			t.Errorf("handler error = %v, want %v", err, removed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect handler not called")
	}
	st := e.Status()
	if st.State != "disconnected" || !strings.Contains(st.LastError, "device removed") {
		t.Errorf("status = %+v", st)
	}
}

func TestEngine_ExplicitDisconnectDoesNotNotify(t *testing.T) {
	t.Parallel()

	var notified atomic.Bool
	e := newTestEngine(t,
		WithDriver(&mock.Driver{OpenResult: mock.NewPort()}),
		WithDisconnectHandler(func(error) { notified.Store(true) }),
	)
	if _, err := e.Connect(context.Background(), "COM3"); err != nil {
		t.Fatal(err)
	}
	if err := e.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if notified.Load() {
		t.Error("explicit disconnect reported as device loss")
	}
}

func TestEngine_ReconnectsAfterDeviceLoss(t *testing.T) {
	t.Parallel()

	flaky := mock.NewPort(encoded(1))
	flaky.ReadError = errors.New("device removed")
	healthy := mock.NewPort()
	drv := &mock.Driver{OpenResults: []serial.Port{flaky, healthy}}

	var rc *reconnect.Reconnector
	e := newTestEngine(t,
		WithDriver(drv),
		WithDisconnectHandler(func(error) { rc.NotifyDisconnect() }),
	)
	reconnected := make(chan string, 1)
	rc = reconnect.New(reconnect.Config{
		Connector:   e,
		Port:        "COM3",
		Backoff:     time.Millisecond,
		OnReconnect: func(port string) { reconnected <- port },
	})
	rc.Monitor(context.Background())
	e.AddCloser(func() error { rc.Stop(); return nil })

	if _, err := e.Connect(context.Background(), "COM3"); err != nil {
		t.Fatal(err)
	}
	select {
	case port := <-reconnected:
		if port != "COM3" {
			t.Errorf("reconnected to %q", port)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect")
	}
	if e.State() != receiver.Streaming {
		t.Errorf("State = %v, want streaming", e.State())
	}
	if n := len(drv.Calls()); n != 2 {
		t.Errorf("Open calls = %d, want 2", n)
	}
	if flaky.Closes() != 1 {
		t.Errorf("failed port closed %d times, want 1", flaky.Closes())
	}
}

func TestEngine_Shutdown(t *testing.T) {
	t.Parallel()

	w := &stubWriter{}
	port := mock.NewPort()
	var closed atomic.Int32
	e := New(
		WithMetrics(newTestMetrics(t)),
		WithDriver(&mock.Driver{OpenResult: port}),
		WithArchiveWriter(w),
	)
	e.AddCloser(func() error { closed.Add(1); return nil })
	if _, err := e.Connect(context.Background(), "COM3"); err != nil {
		t.Fatal(err)
	}
	_ = e.StartRecording(recording.All)
	port.Feed(encoded(1, 2))
	waitFor(t, "recorded frames", func() bool { return e.Status().RecordedFrames == 2 })

	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if w.callCount() != 1 {
		t.Errorf("running recording archived %d times, want 1", w.callCount())
	}
	if port.Closes() != 1 {
		t.Errorf("port closed %d times, want 1", port.Closes())
	}
	if closed.Load() != 1 {
		t.Errorf("closer ran %d times, want 1", closed.Load())
	}
	if _, err := e.Connect(context.Background(), "COM3"); !errors.Is(err, ErrShutdown) {
		t.Errorf("Connect after Shutdown = %v, want ErrShutdown", err)
	}
}

func TestStatus_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		st   Status
		want string
	}{
		{
			name: "streaming",
			st:   Status{State: "streaming", Frame: 1234, FPS: 98, Recording: "inactive"},
			want: "Frame: 1234 | FPS: 98",
		},
		{
			name: "recording all",
			st:   Status{State: "streaming", Frame: 5, FPS: 100, Recording: "all", RecordedFrames: 42},
			want: "Frame: 5 | FPS: 100 | REC: ALL (42 frames)",
		},
		{
			name: "recording while running, frozen",
			st:   Status{State: "streaming", Frame: 5, FPS: 100, Recording: "running", RecordedFrames: 7, Frozen: true},
			want: "Frame: 5 | FPS: 100 | REC: RUN (7 frames) | FROZEN",
		},
		{
			name: "disconnected",
			st:   Status{State: "disconnected", Recording: "inactive"},
			want: "Frame: 0 | FPS: 0 | DISCONNECTED",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.st.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}
