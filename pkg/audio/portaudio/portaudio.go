// Package portaudio implements [audio.Backend] on PortAudio using blocking
// input streams.
//
// Devices with at least one input channel make up the catalog. A device is
// Exact when PortAudio accepts a mono 16-bit stream at the pipeline rate. A
// device that only opens at its native rate is captured there and resampled
// to the pipeline rate before it reaches the caller.
package portaudio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/micvad/pkg/audio"
)

// Name is the backend name used in configuration.
const Name = "portaudio"

// framesPerBuffer is the number of samples per blocking read.
const framesPerBuffer = 320

// Backend is a PortAudio [audio.Backend]. Create it with [New] and Close it
// once every line is closed.
type Backend struct {
	mu     sync.Mutex
	closed bool
}

// New initialises PortAudio.
func New() (*Backend, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Backend{}, nil
}

// Name implements [audio.Backend].
func (b *Backend) Name() string { return Name }

// inputs returns the PortAudio devices that can capture.
func inputs() ([]*pa.DeviceInfo, error) {
	all, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: enumerate: %w", err)
	}
	out := make([]*pa.DeviceInfo, 0, len(all))
	for _, d := range all {
		if d.MaxInputChannels > 0 {
			out = append(out, d)
		}
	}
	return out, nil
}

// Devices implements [audio.Backend].
func (b *Backend) Devices() ([]audio.Device, error) {
	infos, err := inputs()
	if err != nil {
		return nil, err
	}
	f := audio.PCM16Mono16k()
	devices := make([]audio.Device, len(infos))
	for i, info := range infos {
		devices[i] = audio.Device{
			Index:          i,
			Name:           info.Name,
			Description:    describe(info),
			Exact:          pa.IsFormatSupported(streamParams(info, f.SampleRate), make([]int16, framesPerBuffer)) == nil,
			SupportsFormat: info.MaxInputChannels >= f.Channels,
		}
	}
	return devices, nil
}

func describe(info *pa.DeviceInfo) string {
	api := "unknown host API"
	if info.HostApi != nil {
		api = info.HostApi.Name
	}
	return fmt.Sprintf("%s, %d ch, %.0f Hz native", api, info.MaxInputChannels, info.DefaultSampleRate)
}

func streamParams(info *pa.DeviceInfo, rate int) pa.StreamParameters {
	p := pa.LowLatencyParameters(info, nil)
	p.Input.Channels = 1
	p.Output.Device = nil
	p.Output.Channels = 0
	p.SampleRate = float64(rate)
	p.FramesPerBuffer = framesPerBuffer
	return p
}

// Open implements [audio.Backend].
func (b *Backend) Open(index int, f audio.Format) (audio.Line, error) {
	infos, err := inputs()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(infos) {
		return nil, fmt.Errorf("%w: %d (catalog has %d devices)", audio.ErrInvalidDeviceIndex, index, len(infos))
	}
	return b.open(infos[index], f)
}

// OpenDefault implements [audio.Backend].
func (b *Backend) OpenDefault(f audio.Format) (audio.Line, error) {
	info, err := pa.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: no default input: %w", audio.ErrLineUnavailable, err)
	}
	return b.open(info, f)
}

func (b *Backend) open(info *pa.DeviceInfo, f audio.Format) (audio.Line, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.Channels != 1 || f.BitDepth != 16 {
		return nil, fmt.Errorf("%w: %s supports mono 16-bit only", audio.ErrLineUnavailable, Name)
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: backend closed", audio.ErrLineUnavailable)
	}

	buf := make([]int16, framesPerBuffer)
	rate := f.SampleRate
	stream, err := pa.OpenStream(streamParams(info, rate), buf)
	if err != nil && int(info.DefaultSampleRate) != f.SampleRate && info.DefaultSampleRate > 0 {
		slog.Debug("portaudio: pipeline rate rejected, trying native rate",
			"device", info.Name, "native_rate", info.DefaultSampleRate, "err", err)
		rate = int(info.DefaultSampleRate)
		stream, err = pa.OpenStream(streamParams(info, rate), buf)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", audio.ErrLineUnavailable, info.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: start %s: %w", audio.ErrLineUnavailable, info.Name, err)
	}
	slog.Debug("portaudio: line opened", "device", info.Name, "rate", rate)
	return &line{stream: stream, buf: buf, rs: audio.NewResampler(rate, f.SampleRate)}, nil
}

// Close terminates PortAudio.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := pa.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

var _ audio.Backend = (*Backend)(nil)

// line is a blocking PortAudio input stream.
//
// Close aborts the stream so a pending Read returns. The stream itself is
// closed by whichever of Close or Read holds readMu last, so Close never
// waits on a stuck Read.
type line struct {
	stream *pa.Stream
	buf    []int16
	rs     *audio.Resampler

	readMu  sync.Mutex
	pending []byte
	raw     []byte
	out     []byte

	closed      atomic.Bool
	closeOnce   sync.Once
	releaseOnce sync.Once
	abortErr    error
}

func (l *line) Read(p []byte) (int, error) {
	l.readMu.Lock()
	defer l.readMu.Unlock()
	if l.closed.Load() {
		l.release()
		return 0, audio.ErrLineClosed
	}
	for len(l.pending) == 0 {
		err := l.stream.Read()
		if l.closed.Load() {
			l.release()
			return 0, audio.ErrLineClosed
		}
		if err != nil && err != pa.InputOverflowed {
			return 0, fmt.Errorf("portaudio: read: %w", err)
		}
		l.raw = audio.Int16ToBytes(l.raw, l.buf)
		l.out = l.rs.Resample(l.out, l.raw)
		l.pending = l.out
	}
	n := copy(p, l.pending)
	l.pending = l.pending[n:]
	return n, nil
}

func (l *line) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.abortErr = l.stream.Abort()
		if l.readMu.TryLock() {
			l.release()
			l.readMu.Unlock()
		}
	})
	return l.abortErr
}

func (l *line) release() {
	l.releaseOnce.Do(func() {
		if err := l.stream.Close(); err != nil {
			slog.Debug("portaudio: close stream", "err", err)
		}
	})
}
