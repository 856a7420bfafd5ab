// Package app wires the micvad subsystems into the long-running serve mode.
//
// The App owns one capture worker on one backend. Run starts the HTTP
// server, the optional config watcher and the capture supervisor together;
// the supervisor picks the preferred device, restarts capture after device
// failures behind a circuit breaker, and stops the worker on shutdown.
//
// For testing, inject doubles via functional options (WithVADEngine,
// WithMetrics, etc.). When an option is not provided, New builds the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/micvad/internal/config"
	"github.com/MrWong99/micvad/internal/observe"
	"github.com/MrWong99/micvad/internal/resilience"
	"github.com/MrWong99/micvad/pkg/audio"
	"github.com/MrWong99/micvad/pkg/audio/capture"
	"github.com/MrWong99/micvad/pkg/provider/vad"
	"github.com/MrWong99/micvad/pkg/provider/vad/energy"
)

const (
	defaultRestartBackoff = time.Second
	defaultLevelInterval  = 200 * time.Millisecond
	shutdownTimeout       = 5 * time.Second
	vadFrameDuration      = 20 * time.Millisecond
)

// tuner is implemented by VAD engines whose constants can change at runtime.
type tuner interface {
	Tuning() energy.Tuning
	SetTuning(energy.Tuning) error
}

// App owns the capture worker, the VAD session fed from it, and the HTTP
// surface exposing both.
type App struct {
	backend audio.Backend
	format  audio.Format
	worker  *capture.Worker
	engine  vad.Engine
	metrics *observe.Metrics
	breaker *resilience.CircuitBreaker

	watcher        *config.Watcher
	watchPath      string
	watchOpts      []config.WatcherOption
	levelVar       *slog.LevelVar
	metricsHandler http.Handler
	restartBackoff time.Duration
	levelInterval  time.Duration

	// failures receives read failures from the producer goroutine; restart
	// receives preferred-device changes. Both are buffered by one so senders
	// never block.
	failures chan error
	restart  chan struct{}

	mu        sync.Mutex
	cfg       *config.Config
	preferred string
	exportDir string
	tuning    energy.Tuning

	// sessMu guards the VAD session and its derived state. The tap holds it
	// for one frame at a time.
	sessMu    sync.Mutex
	session   vad.SessionHandle
	pending   []byte
	speaking  bool
	lastEvent vad.VADEventType

	closeOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithVADEngine injects a VAD engine instead of creating an energy engine
// from the config.
func WithVADEngine(e vad.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithMetrics injects the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served on /metrics. When unset the
// route is not registered.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets config reloads change the log level of the handler
// built around v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithConfigWatch hot-reloads the config file at path while Run is active.
func WithConfigWatch(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchOpts = opts
	}
}

// WithRestartBackoff sets the pause between capture restarts. Default: 1s.
func WithRestartBackoff(d time.Duration) Option {
	return func(a *App) { a.restartBackoff = d }
}

// WithLevelInterval sets how often /ws/levels pushes a level frame.
// Default: 200ms.
func WithLevelInterval(d time.Duration) Option {
	return func(a *App) { a.levelInterval = d }
}

// WithBreaker replaces the circuit breaker guarding capture starts.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(a *App) { a.breaker = cb }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App for backend from cfg. The backend is owned by the
// caller and is not closed by [App.Close].
func New(cfg *config.Config, backend audio.Backend, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if backend == nil {
		return nil, errors.New("app: backend must not be nil")
	}
	a := &App{
		backend:        backend,
		format:         audio.PCM16Mono16k(),
		cfg:            cfg,
		preferred:      cfg.Audio.PreferredDevice,
		exportDir:      cfg.Export.Dir,
		tuning:         cfg.VAD.Tuning(),
		restartBackoff: defaultRestartBackoff,
		levelInterval:  defaultLevelInterval,
		failures:       make(chan error, 1),
		restart:        make(chan struct{}, 1),
		lastEvent:      vad.VADSilence,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.breaker == nil {
		a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "capture",
			MaxFailures:  3,
			ResetTimeout: 10 * time.Second,
		})
	}

	if a.engine == nil {
		eng, err := energy.NewEngine(a.tuning)
		if err != nil {
			return nil, fmt.Errorf("app: vad engine: %w", err)
		}
		a.engine = eng
	}
	sess, err := a.newSession()
	if err != nil {
		return nil, err
	}
	a.session = sess

	worker, err := capture.New(backend, a.format,
		capture.WithBufferDuration(cfg.Audio.BufferDuration()),
		capture.WithChunkDuration(cfg.Audio.ChunkDuration()),
		capture.WithJoinTimeout(cfg.Audio.JoinTimeout()),
		capture.WithObserver(a.metrics),
		capture.WithTap(a.tap),
		capture.WithErrorHandler(a.onCaptureError),
	)
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.worker = worker

	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.OnConfigChange, a.watchOpts...)
		if err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}
	return a, nil
}

// Worker returns the capture worker.
func (a *App) Worker() *capture.Worker { return a.worker }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on cfg.Server.ListenAddr and supervises capture until ctx
// is cancelled. The worker is stopped before Run returns.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.currentConfig().Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("http server listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error { return a.supervise(gctx) })
	return g.Wait()
}

// Close stops capture and releases the VAD session. Safe to call more than
// once.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.watcher != nil {
			a.watcher.Stop()
		}
		if err := a.worker.Stop(); err != nil {
			errs = append(errs, err)
		}
		a.sessMu.Lock()
		if err := a.session.Close(); err != nil {
			errs = append(errs, err)
		}
		a.sessMu.Unlock()
	})
	return errors.Join(errs...)
}

// supervise keeps one capture running on the preferred device. Start
// failures go through the breaker; read failures and preference changes
// trigger a restart.
func (a *App) supervise(ctx context.Context) error {
	defer func() {
		if err := a.worker.Stop(); err != nil {
			slog.Warn("capture stop on shutdown", "err", err)
		}
	}()

	for {
		wait := a.restartBackoff
		err := a.breaker.Execute(a.startCapture)
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			wait = max(wait, a.breaker.RetryIn())
			slog.Warn("capture restarts suspended", "retry_in", wait)
		case err != nil:
			slog.Error("capture start failed", "err", err, "retry_in", wait)
		default:
			select {
			case <-ctx.Done():
				return nil
			case err := <-a.failures:
				slog.Error("capture failed, restarting", "err", err, "retry_in", wait)
			case <-a.restart:
				wait = 0
			}
			if err := a.worker.Stop(); err != nil {
				slog.Warn("capture stop before restart", "err", err)
			}
		}

		if wait <= 0 {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// startCapture selects the preferred device from a fresh enumeration and
// starts the worker on it.
func (a *App) startCapture() error {
	devices, err := audio.ListInputDevices(a.backend)
	if err != nil {
		return err
	}
	pref := a.preferredDevice()
	idx := audio.SelectPreferredIndex(devices, pref)
	if pref != "" && !audio.PreferenceMatched(devices, pref) {
		closest, score := audio.ClosestName(devices, pref)
		slog.Warn("preferred device not found", "preference", pref, "closest", closest, "score", score)
	}

	// Drop a failure left over from the previous run.
	select {
	case <-a.failures:
	default:
	}
	a.resetSession()
	return a.worker.Start(idx)
}

// onCaptureError runs on the producer goroutine, so it only signals.
func (a *App) onCaptureError(index int, err error) {
	select {
	case a.failures <- fmt.Errorf("device %d: %w", index, err):
	default:
	}
}

// ─── VAD tap ─────────────────────────────────────────────────────────────────

func (a *App) newSession() (vad.SessionHandle, error) {
	sess, err := a.engine.NewSession(vad.Config{
		SampleRate:  a.format.SampleRate,
		FrameSizeMs: int(vadFrameDuration / time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("app: vad session: %w", err)
	}
	return sess, nil
}

// resetSession recalibrates the session for a new capture.
func (a *App) resetSession() {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	a.session.Reset()
	a.pending = a.pending[:0]
	a.speaking = false
	a.lastEvent = vad.VADSilence
}

// replaceSession swaps in a session built with the engine's current tuning.
func (a *App) replaceSession() error {
	sess, err := a.newSession()
	if err != nil {
		return err
	}
	a.sessMu.Lock()
	old := a.session
	a.session = sess
	a.pending = a.pending[:0]
	a.speaking = false
	a.lastEvent = vad.VADSilence
	a.sessMu.Unlock()
	return old.Close()
}

// tap feeds each captured chunk to the VAD session in 20ms frames.
func (a *App) tap(chunk []byte) {
	frameLen := a.format.BytesFor(vadFrameDuration)

	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	a.pending = append(a.pending, chunk...)
	off := 0
	for ; off+frameLen <= len(a.pending); off += frameLen {
		ev, err := a.session.ProcessFrame(a.pending[off : off+frameLen])
		if err != nil {
			slog.Debug("vad frame rejected", "err", err)
			continue
		}
		a.lastEvent = ev.Type
		switch ev.Type {
		case vad.VADSpeechStart:
			a.speaking = true
			slog.Info("speech started", "probability", ev.Probability)
		case vad.VADSpeechEnd:
			a.speaking = false
			slog.Info("speech ended")
		}
	}
	a.pending = append(a.pending[:0], a.pending[off:]...)
}

// Speaking reports whether the live VAD session is inside a speech segment,
// and the last event it produced.
func (a *App) Speaking() (bool, vad.VADEventType) {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	return a.speaking, a.lastEvent
}

// ─── Config reload ───────────────────────────────────────────────────────────

// OnConfigChange applies the hot-reloadable parts of next. Settings that need
// a restart are logged and otherwise ignored.
func (a *App) OnConfigChange(old, next *config.Config) {
	d := config.Diff(old, next)
	if !d.Changed() {
		return
	}

	a.mu.Lock()
	a.cfg = next
	a.exportDir = next.Export.Dir
	if d.PreferredDeviceChanged {
		a.preferred = d.NewPreferredDevice
	}
	if d.TuningChanged {
		a.tuning = next.VAD.Tuning()
	}
	tuning := a.tuning
	a.mu.Unlock()

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TuningChanged {
		if t, ok := a.engine.(tuner); ok {
			if err := t.SetTuning(tuning); err != nil {
				slog.Warn("vad tuning rejected", "err", err)
			}
		}
		if err := a.replaceSession(); err != nil {
			slog.Warn("vad session not replaced", "err", err)
		} else {
			slog.Info("vad tuning applied", "sensitivity", tuning.SensitivityFactor)
		}
	}
	if d.PreferredDeviceChanged {
		slog.Info("preferred device changed", "preference", d.NewPreferredDevice)
		select {
		case a.restart <- struct{}{}:
		default:
		}
	}
	for _, key := range d.RestartRequired {
		slog.Warn("config change requires restart", "key", key)
	}
}

func (a *App) currentConfig() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

func (a *App) preferredDevice() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.preferred
}

func (a *App) currentTuning() energy.Tuning {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tuning
}

func (a *App) currentExportDir() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exportDir
}
