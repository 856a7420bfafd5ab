package energy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/micvad/internal/resilience"
	"github.com/MrWong99/micvad/pkg/audio"
)

const tracerName = "github.com/MrWong99/micvad/pkg/provider/vad/energy"

// defaultBlockSamples is the read size used while checking a live device.
const defaultBlockSamples = 1024

// DefaultDeviceName labels results read from the system default line.
const DefaultDeviceName = "system default"

// Observer receives check telemetry. [*observe.Metrics] implements it.
type Observer interface {
	RecordVADCheck(ctx context.Context, decision string, d time.Duration, above, below, dead int)
}

// CheckOption configures [Check].
type CheckOption func(*checkConfig)

type checkConfig struct {
	format          audio.Format
	tuning          Tuning
	observer        Observer
	blockSamples    int
	defaultFallback bool
}

// WithTuning overrides the detector constants.
func WithTuning(t Tuning) CheckOption {
	return func(c *checkConfig) { c.tuning = t }
}

// WithObserver attaches a telemetry observer.
func WithObserver(o Observer) CheckOption {
	return func(c *checkConfig) { c.observer = o }
}

// WithBlockSamples sets the number of samples requested per read.
// Default: 1024.
func WithBlockSamples(n int) CheckOption {
	return func(c *checkConfig) { c.blockSamples = n }
}

// WithoutDefaultFallback disables retrying on the system default line when
// the chosen device cannot be opened.
func WithoutDefaultFallback() CheckOption {
	return func(c *checkConfig) { c.defaultFallback = false }
}

// lineOpener opens one candidate capture line and reports its label.
type lineOpener func() (audio.Line, string, error)

type openedLine struct {
	line  audio.Line
	label string
}

// Check listens to device index for a normalised number of seconds (see
// [NormalizeSeconds]) and returns the detector verdict.
//
// The index is validated before anything is opened. If the device cannot be
// opened the system default line is tried instead; when both fail the error
// wraps [audio.ErrLineUnavailable]. Reading stops once exactly
// seconds*SampleRate samples were analysed, when the line ends (the partial
// audio is still judged), or when ctx is done (the line is closed and ctx's
// error returned). The line is always closed before Check returns.
func Check(ctx context.Context, b audio.Backend, index, seconds int, opts ...CheckOption) (Result, error) {
	cfg := checkConfig{
		format:          audio.PCM16Mono16k(),
		tuning:          DefaultTuning(),
		blockSamples:    defaultBlockSamples,
		defaultFallback: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.blockSamples <= 0 {
		cfg.blockSamples = defaultBlockSamples
	}
	secs := NormalizeSeconds(seconds)

	analyzer, err := NewAnalyzer(cfg.format, cfg.tuning)
	if err != nil {
		return Result{}, err
	}
	devices, err := audio.ListInputDevices(b)
	if err != nil {
		return Result{}, fmt.Errorf("energy: check: %w", err)
	}
	dev, err := audio.CheckIndex(devices, index)
	if err != nil {
		return Result{}, err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "vad.check", trace.WithAttributes(
		attribute.String("device", dev.Name),
		attribute.Int("device.index", index),
		attribute.Int("seconds", secs),
	))
	defer span.End()

	opened, err := openWithFallback(b, index, dev.Name, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		return Result{}, err
	}
	line := opened.line
	defer line.Close()
	stopWatch := context.AfterFunc(ctx, func() { _ = line.Close() })
	defer stopWatch()

	start := time.Now()
	remaining := secs * cfg.format.SampleRate * cfg.format.FrameSize()
	buf := make([]byte, cfg.blockSamples*cfg.format.FrameSize())
	for remaining > 0 {
		n, rerr := line.Read(buf[:min(len(buf), remaining)])
		if n > 0 {
			analyzer.Write(buf[:n])
			remaining -= n
		}
		if rerr == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetStatus(codes.Error, "cancelled")
			return Result{}, fmt.Errorf("energy: check %q: %w", opened.label, ctxErr)
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, audio.ErrLineClosed) {
			slog.Warn("vad check source ended early",
				"device", opened.label,
				"analyzed", cfg.format.DurationOf(analyzer.Samples()*cfg.format.FrameSize()),
				"requested", time.Duration(secs)*time.Second,
			)
			break
		}
		err := &audio.DeviceError{Op: "read", Index: index, Device: opened.label, Err: rerr}
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return Result{}, err
	}

	res := analyzer.Result(opened.label)
	res.Duration = time.Duration(secs) * time.Second
	elapsed := time.Since(start)

	if cfg.observer != nil {
		cfg.observer.RecordVADCheck(ctx, res.Decision, elapsed, res.FramesAbove, res.FramesBelow, res.FramesDeadZone)
	}
	span.SetAttributes(
		attribute.String("decision", res.Decision),
		attribute.Float64("threshold", res.Threshold),
		attribute.Int("max_run_above", res.MaxRunAbove),
	)
	slog.Info("vad check complete",
		"device", res.Device,
		"decision", res.Decision,
		"avg_rms", res.AverageRMS,
		"peak", res.Peak,
		"threshold", res.Threshold,
		"ambient_rms", res.AmbientRMS,
		"max_run_above", res.MaxRunAbove,
		"elapsed", elapsed,
	)
	return res, nil
}

// openWithFallback opens the chosen device, falling back to the system default
// line.
func openWithFallback(b audio.Backend, index int, name string, cfg checkConfig) (openedLine, error) {
	primary := lineOpener(func() (audio.Line, string, error) {
		line, err := b.Open(index, cfg.format)
		return line, name, err
	})
	group := resilience.NewFallbackGroup(primary, name, resilience.FallbackConfig{})
	if cfg.defaultFallback {
		group.AddFallback(DefaultDeviceName, func() (audio.Line, string, error) {
			line, err := b.OpenDefault(cfg.format)
			return line, DefaultDeviceName, err
		})
	}

	opened, err := resilience.ExecuteWithResult(group, func(open lineOpener) (openedLine, error) {
		line, label, err := open()
		if err != nil {
			return openedLine{}, err
		}
		return openedLine{line: line, label: label}, nil
	})
	if err != nil {
		return openedLine{}, &audio.DeviceError{
			Op:     "open",
			Index:  index,
			Device: name,
			Err:    fmt.Errorf("%w: %w", audio.ErrLineUnavailable, err),
		}
	}
	if opened.label != name {
		slog.Warn("vad check using fallback line", "requested", name, "using", opened.label)
	}
	return opened, nil
}
