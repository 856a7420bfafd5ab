// Package audio provides the capture-side building blocks of micvad: the fixed
// PCM format, device enumeration and selection, a bounded ring buffer, and PCM
// level helpers.
//
// Every component in the pipeline agrees on a single wire format (16 kHz,
// 16-bit signed little-endian mono). The format is modelled as an explicit
// [Format] value passed to constructors instead of package-level state, so that
// tests can reason about sizes without touching a live device.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// Format describes a linear PCM stream.
type Format struct {
	// SampleRate in Hz.
	SampleRate int

	// BitDepth is the number of bits per sample. Only 16 is supported.
	BitDepth int

	// Channels is the number of interleaved channels. Only mono is supported.
	Channels int

	// Signed reports whether samples are two's-complement integers.
	Signed bool

	// LittleEndian reports the byte order of each sample.
	LittleEndian bool
}

// PCM16Mono16k returns the pipeline format: 16 kHz, 16-bit, mono, signed,
// little-endian. One second of audio is 32000 bytes.
func PCM16Mono16k() Format {
	return Format{
		SampleRate:   16000,
		BitDepth:     16,
		Channels:     1,
		Signed:       true,
		LittleEndian: true,
	}
}

// Validate reports whether f is a format this package can process.
func (f Format) Validate() error {
	var errs []error
	if f.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate))
	}
	if f.BitDepth != 16 {
		errs = append(errs, fmt.Errorf("audio: bit depth must be 16, got %d", f.BitDepth))
	}
	if f.Channels != 1 {
		errs = append(errs, fmt.Errorf("audio: channels must be 1, got %d", f.Channels))
	}
	if !f.Signed || !f.LittleEndian {
		errs = append(errs, errors.New("audio: only signed little-endian PCM is supported"))
	}
	return errors.Join(errs...)
}

// BytesPerSample is the size of one sample of one channel.
func (f Format) BytesPerSample() int { return f.BitDepth / 8 }

// FrameSize is the size of one sample frame across all channels.
func (f Format) FrameSize() int { return f.BytesPerSample() * f.Channels }

// BytesPerSecond is the byte rate of the stream.
func (f Format) BytesPerSecond() int { return f.SampleRate * f.FrameSize() }

// SamplesFor returns the number of sample frames covering d.
func (f Format) SamplesFor(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// BytesFor returns the number of bytes covering d, rounded down to a whole
// sample frame.
func (f Format) BytesFor(d time.Duration) int {
	return f.SamplesFor(d) * f.FrameSize()
}

// DurationOf returns the playback duration of n bytes.
func (f Format) DurationOf(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// MillisOf returns the playback duration of n bytes in milliseconds, rounded
// to the nearest millisecond.
func (f Format) MillisOf(n int) int {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return int((int64(n)*1000 + int64(bps)/2) / int64(bps))
}

// String returns a human-readable description, e.g. "16000Hz 16bit mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %dbit %s", f.SampleRate, f.BitDepth, ch)
}
