package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/ccdscope/internal/app"
	"github.com/MrWong99/ccdscope/internal/config"
	"github.com/MrWong99/ccdscope/internal/health"
	"github.com/MrWong99/ccdscope/internal/observe"
	"github.com/MrWong99/ccdscope/internal/reconnect"
	"github.com/MrWong99/ccdscope/internal/resilience"
	"github.com/MrWong99/ccdscope/pkg/align"
	"github.com/MrWong99/ccdscope/pkg/recording"
	"github.com/MrWong99/ccdscope/pkg/recording/archive"
	"github.com/MrWong99/ccdscope/pkg/serial"
)

const (
	// statusInterval is how often the status line is logged.
	statusInterval = 5 * time.Second

	// staleAfter fails the frames readiness check.
	staleAfter = 2 * time.Second

	shutdownTimeout = 15 * time.Second
)

type runOptions struct {
	port       string
	simulate   bool
	record     bool
	recordMode string
	duration   time.Duration
	listen     string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the sensor and stream frames",
		Long: `Connect to the sensor board and stream frames until interrupted.

Frames are polled at display.poll_interval and passed through the display
pipeline (invert, align, useful pixels). With --record a recording session
starts immediately and is saved on exit, or after --duration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScope(cmd, root, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.port, "port", "", "serial port; empty auto-detects")
	f.BoolVar(&opts.simulate, "simulate", false, "stream from the built-in simulator instead of hardware")
	f.BoolVar(&opts.record, "record", false, "start recording at startup")
	f.StringVar(&opts.recordMode, "record-mode", "", `recording mode: "all" or "running" (default from config)`)
	f.DurationVar(&opts.duration, "duration", 0, "with --record: save the recording and exit after this long")
	f.StringVar(&opts.listen, "listen", "", "address for /metrics, /healthz, /readyz and /status")
	return cmd
}

// applyFlags copies explicitly set flags over cfg.
func (o *runOptions) applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Serial.Port = o.port
	}
	if flags.Changed("simulate") {
		cfg.Serial.Simulate = o.simulate
	}
	if flags.Changed("record-mode") {
		cfg.Recording.Mode = o.recordMode
	}
	if flags.Changed("duration") {
		cfg.Recording.Duration = o.duration
	}
	if flags.Changed("listen") {
		cfg.Observe.ListenAddr = o.listen
	}
	return config.Validate(cfg)
}

func runScope(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	if err := opts.applyFlags(cmd, cfg); err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.LogLevel))
	slog.SetDefault(newLogger(&level))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observe.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Engine ────────────────────────────────────────────────────────────────
	var driver serial.Driver = serial.Hardware{
		BaudRate:    cfg.Serial.BaudRate,
		ReadTimeout: cfg.Serial.ReadTimeout,
	}
	port := cfg.Serial.Port
	if cfg.Serial.Simulate {
		driver = &serial.Simulator{}
		port = serial.SimulatorPort
	}

	writer := newArchiveWriter(cfg.Recording.Dir)
	var sink app.ArchiveWriter = writer
	if fb := cfg.Recording.FallbackDir; fb != "" {
		af := resilience.NewArchiveFallback(writer, "recording.dir", resilience.FallbackConfig{})
		af.AddFallback("recording.fallback_dir", &archive.Writer{Dir: fb})
		sink = af
	}
	engineOpts := []app.Option{
		app.WithDriver(driver),
		app.WithMetrics(metrics),
		app.WithArchiveWriter(sink),
	}

	var rc *reconnect.Reconnector
	if cfg.Reconnect.Enabled {
		engineOpts = append(engineOpts, app.WithDisconnectHandler(func(err error) {
			rc.NotifyDisconnect()
		}))
	}
	eng := app.New(engineOpts...)
	if cfg.Reconnect.Enabled {
		rc = reconnect.New(reconnect.Config{
			Connector:  eng,
			Port:       port,
			MaxRetries: cfg.Reconnect.MaxRetries,
			Backoff:    cfg.Reconnect.Backoff,
			MaxBackoff: cfg.Reconnect.MaxBackoff,
			OnGiveUp: func(err error) {
				slog.Error("device unavailable, giving up", "err", err)
			},
		})
		rc.Monitor(ctx)
		eng.AddCloser(func() error { rc.Stop(); return nil })
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := eng.Shutdown(sctx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	// ── Config hot reload ─────────────────────────────────────────────────────
	var display atomic.Pointer[config.DisplayConfig]
	display.Store(&cfg.Display)
	if _, err := os.Stat(root.configPath); err == nil {
		w, err := config.NewWatcher(root.configPath, func(d config.ConfigDiff) {
			applyReload(d, &level, &display, writer)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "path", root.configPath, "err", err)
		} else {
			eng.AddCloser(func() error { w.Stop(); return nil })
		}
	}

	// ── Recording ─────────────────────────────────────────────────────────────
	if opts.record {
		mode, err := recording.ParseMode(cfg.Recording.Mode)
		if err != nil {
			return err
		}
		if err := eng.StartRecording(mode); err != nil {
			return err
		}
	}

	// ── Connect ───────────────────────────────────────────────────────────────
	slog.Info("ccdscope starting",
		"version", version,
		"port", displayPort(port),
		"simulate", cfg.Serial.Simulate,
		"listen_addr", cfg.Observe.ListenAddr,
	)
	if name, err := eng.Connect(ctx, port); err != nil {
		if rc == nil {
			return err
		}
		slog.Error("connect failed, retrying in background", "port", displayPort(port), "err", err)
		rc.NotifyDisconnect()
	} else {
		slog.Info("connected", "port", name)
	}

	// ── Run loops ─────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consume(gctx, eng, &display)
	})

	if addr := cfg.Observe.ListenAddr; addr != "" {
		srv := newStatusServer(addr, eng, tel, metrics)
		g.Go(func() error {
			slog.Info("status server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if opts.record && cfg.Recording.Duration > 0 {
		g.Go(func() error {
			t := time.NewTimer(cfg.Recording.Duration)
			defer t.Stop()
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
			}
			slog.Info("recording duration reached", "duration", cfg.Recording.Duration)
			stop()
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return err
	}

	slog.Info("stopping")
	return finishRecording(eng, cmd.OutOrStdout())
}

// finishRecording saves a running recording and prints its report.
func finishRecording(eng *app.Engine, out io.Writer) error {
	if eng.Status().Recording == recording.Inactive.String() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	rep, err := eng.StopRecording(ctx)
	if err != nil {
		// One retry: the snapshot survives a failed write.
		slog.Warn("saving recording failed, retrying", "err", err)
		if rep, err = eng.RetryArchive(ctx); err != nil {
			return err
		}
	}
	if rep == nil {
		fmt.Fprintln(out, "Recording stopped: no frames captured")
		return nil
	}
	printReport(out, headingSaved, rep)
	return nil
}

// consume is the display loop: it polls the engine once per tick and runs
// new frames through the display pipeline.
func consume(ctx context.Context, eng *app.Engine, display *atomic.Pointer[config.DisplayConfig]) error {
	interval := display.Load().PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastStatus := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		d := display.Load()
		if d.PollInterval != interval {
			interval = d.PollInterval
			ticker.Reset(interval)
		}

		if f, ok := eng.PollLatestFrame(); ok {
			pipeline := align.Pipeline{Invert: d.Invert, Align: d.Align, UsefulOnly: d.UsefulOnly}
			view := pipeline.Apply(f)
			peak, value := peakOf(view.Values)
			slog.Debug("frame",
				"seq", view.Seq,
				"peak_pixel", view.Offset+peak,
				"peak_value", value,
			)
		}

		if now := time.Now(); now.Sub(lastStatus) >= statusInterval {
			lastStatus = now
			slog.Info(eng.Status().String())
		}
	}
}

// peakOf returns the index and value of the largest sample, first on ties.
func peakOf(values []uint16) (int, uint16) {
	idx, peak := 0, uint16(0)
	for i, v := range values {
		if v > peak {
			idx, peak = i, v
		}
	}
	return idx, peak
}

func newStatusServer(addr string, eng *app.Engine, tel *observe.Provider, m *observe.Metrics) *http.Server {
	h := health.New(
		health.StreamingCheck(func() string { return eng.State().String() }),
		health.FreshnessCheck(staleAfter, func() time.Time { return eng.Status().LastFrameAt }, nil),
	).WithStatus(func(context.Context) any { return eng.Status() })

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", tel.MetricsHandler())

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// applyReload applies the hot-reloadable part of a config change.
func applyReload(d config.ConfigDiff, level *slog.LevelVar, display *atomic.Pointer[config.DisplayConfig], w *archiveWriter) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DisplayChanged {
		nd := d.NewDisplay
		display.Store(&nd)
		slog.Info("display settings changed",
			"invert", nd.Invert,
			"align", nd.Align,
			"useful_only", nd.UsefulOnly,
			"poll_interval", nd.PollInterval,
		)
	}
	if d.RecordingDirChanged {
		w.SetDir(d.NewRecordingDir)
		slog.Info("recording directory changed", "dir", d.NewRecordingDir)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config change needs a restart to take effect", "sections", d.RestartRequired)
	}
}

func displayPort(port string) string {
	if port == "" {
		return "auto"
	}
	return port
}

// archiveWriter writes session archives into a directory that can change
// while running.
type archiveWriter struct {
	dir atomic.Pointer[string]
}

var _ app.ArchiveWriter = (*archiveWriter)(nil)

func newArchiveWriter(dir string) *archiveWriter {
	w := &archiveWriter{}
	w.SetDir(dir)
	return w
}

// SetDir changes the directory used by later writes.
func (w *archiveWriter) SetDir(dir string) {
	w.dir.Store(&dir)
}

// Write implements [app.ArchiveWriter].
func (w *archiveWriter) Write(ctx context.Context, snap *recording.Snapshot, rep *recording.Report) (string, error) {
	aw := archive.Writer{Dir: *w.dir.Load()}
	return aw.Write(ctx, snap, rep)
}
