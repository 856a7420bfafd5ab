package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	defaultProbeDuration = 5 * time.Second
	defaultProbeInterval = 200 * time.Millisecond
)

// Probe opens device index and reports the level of each interval of audio
// to fn until d of audio was read, the source ends, or ctx is done. Zero
// durations select 5s and 200ms.
//
// A cancelled ctx is not an error: the probe simply ends early.
func Probe(ctx context.Context, b Backend, index int, f Format, d, interval time.Duration, fn func(Level)) error {
	if d <= 0 {
		d = defaultProbeDuration
	}
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	devices, err := ListInputDevices(b)
	if err != nil {
		return err
	}
	dev, err := CheckIndex(devices, index)
	if err != nil {
		return err
	}
	line, err := b.Open(index, f)
	if err != nil {
		return &DeviceError{Op: "open", Index: index, Device: dev.Name, Err: err}
	}
	defer line.Close()
	stop := context.AfterFunc(ctx, func() { _ = line.Close() })
	defer stop()

	block := make([]byte, f.BytesFor(interval))
	if len(block) == 0 {
		return fmt.Errorf("audio: probe interval %v is shorter than one sample", interval)
	}
	blocks := max(1, int(d/interval))
	for range blocks {
		n, err := io.ReadFull(line, block)
		if n >= f.FrameSize() {
			fn(Levels(block[:n]))
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrLineClosed) {
			return nil
		}
		return &DeviceError{Op: "read", Index: index, Device: dev.Name, Err: err}
	}
	return nil
}
