// Package malgo implements [audio.Backend] on miniaudio through
// github.com/gen2brain/malgo.
//
// miniaudio delivers capture data on its own audio thread. Each line queues
// those chunks in a bounded channel that Read drains, so the callback never
// blocks on a slow consumer.
package malgo

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/micvad/pkg/audio"
)

// Name is the backend name used in configuration.
const Name = "malgo"

// queueDepth bounds the queued callback chunks per line. At the 20 ms period
// this holds about two seconds of audio.
const queueDepth = 100

// Backend is a miniaudio [audio.Backend].
type Backend struct {
	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

// New initialises a miniaudio context on the platform's default host APIs.
func New() (*Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Backend{ctx: ctx}, nil
}

// Name implements [audio.Backend].
func (b *Backend) Name() string { return Name }

func (b *Backend) context() (*malgo.AllocatedContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil, fmt.Errorf("%w: backend closed", audio.ErrLineUnavailable)
	}
	return b.ctx, nil
}

// Devices implements [audio.Backend].
func (b *Backend) Devices() ([]audio.Device, error) {
	ctx, err := b.context()
	if err != nil {
		return nil, err
	}
	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo: enumerate: %w", err)
	}
	f := audio.PCM16Mono16k()
	devices := make([]audio.Device, len(infos))
	for i, info := range infos {
		full, err := ctx.DeviceInfo(malgo.Capture, info.ID, malgo.Shared)
		if err != nil {
			slog.Debug("malgo: device info unavailable", "device", info.Name(), "err", err)
			full = info
		}
		exact, supported := supportsPipelineFormat(formatsOf(full), f)
		desc := "capture"
		if info.IsDefault != 0 {
			desc = "capture, system default"
		}
		devices[i] = audio.Device{
			Index:          i,
			Name:           info.Name(),
			Description:    desc,
			Exact:          exact,
			SupportsFormat: supported,
		}
	}
	return devices, nil
}

// format is the subset of a native data format the catalog cares about.
type format struct {
	s16      bool
	channels int
	rate     int
}

func formatsOf(info malgo.DeviceInfo) []format {
	n := min(int(info.FormatCount), len(info.Formats))
	out := make([]format, 0, n)
	for _, df := range info.Formats[:n] {
		out = append(out, format{
			s16:      df.Format == malgo.FormatS16,
			channels: int(df.Channels),
			rate:     int(df.SampleRate),
		})
	}
	return out
}

// supportsPipelineFormat reports whether one of the native formats matches f
// exactly. Zero channels or rate means the device accepts any. miniaudio
// converts between formats, so a device with any or unreported native
// formats is still a generic match.
func supportsPipelineFormat(formats []format, f audio.Format) (exact, supported bool) {
	for _, nf := range formats {
		if nf.s16 && (nf.channels == 0 || nf.channels == f.Channels) && (nf.rate == 0 || nf.rate == f.SampleRate) {
			return true, true
		}
	}
	return false, true
}

// Open implements [audio.Backend].
func (b *Backend) Open(index int, f audio.Format) (audio.Line, error) {
	ctx, err := b.context()
	if err != nil {
		return nil, err
	}
	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo: enumerate: %w", err)
	}
	if index < 0 || index >= len(infos) {
		return nil, fmt.Errorf("%w: %d (catalog has %d devices)", audio.ErrInvalidDeviceIndex, index, len(infos))
	}
	return b.open(ctx, &infos[index], f)
}

// OpenDefault implements [audio.Backend].
func (b *Backend) OpenDefault(f audio.Format) (audio.Line, error) {
	ctx, err := b.context()
	if err != nil {
		return nil, err
	}
	return b.open(ctx, nil, f)
}

func (b *Backend) open(ctx *malgo.AllocatedContext, info *malgo.DeviceInfo, f audio.Format) (audio.Line, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.BitDepth != 16 {
		return nil, fmt.Errorf("%w: %s supports 16-bit only", audio.ErrLineUnavailable, Name)
	}
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.PeriodSizeInMilliseconds = 20
	name := "system default"
	if info != nil {
		cfg.Capture.DeviceID = info.ID.Pointer()
		name = info.Name()
	}

	q := newQueue(queueDepth)
	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) { q.push(input) },
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", audio.ErrLineUnavailable, name, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("%w: start %s: %w", audio.ErrLineUnavailable, name, err)
	}
	slog.Debug("malgo: line opened", "device", name, "rate", f.SampleRate)
	return &line{dev: dev, q: q, name: name}, nil
}

// Close uninitialises the miniaudio context.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	b.ctx = nil
	if err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	return nil
}

var _ audio.Backend = (*Backend)(nil)

type line struct {
	dev  *malgo.Device
	q    *queue
	name string
	once sync.Once
}

func (l *line) Read(p []byte) (int, error) { return l.q.read(p) }

func (l *line) Close() error {
	l.once.Do(func() {
		l.q.close()
		_ = l.dev.Stop()
		l.dev.Uninit()
		if n := l.q.dropped.Load(); n > 0 {
			slog.Warn("malgo: capture chunks dropped", "device", l.name, "bytes", n)
		}
	})
	return nil
}
