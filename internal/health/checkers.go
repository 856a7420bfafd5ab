package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/micvad/pkg/audio"
	"github.com/MrWong99/micvad/pkg/audio/capture"
)

// AudioBackend returns the "audio_backend" checker. It passes when b
// enumerates at least one input device.
func AudioBackend(b audio.Backend) Checker {
	return Checker{
		Name: "audio_backend",
		Check: func(ctx context.Context) error {
			type listing struct {
				n   int
				err error
			}
			ch := make(chan listing, 1)
			go func() {
				devices, err := b.Devices()
				ch <- listing{len(devices), err}
			}()
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", b.Name(), ctx.Err())
			case l := <-ch:
				if l.err != nil {
					return fmt.Errorf("%s: %w", b.Name(), l.err)
				}
				if l.n == 0 {
					return fmt.Errorf("%s: no input devices", b.Name())
				}
				return nil
			}
		},
	}
}

// StatusSource reports capture worker status. [*capture.Worker] implements it.
type StatusSource interface {
	Status() capture.Status
}

// Capture returns the "capture" checker. It fails while the worker is in
// the error state and passes when it is idle or capturing.
func Capture(src StatusSource) Checker {
	return Checker{
		Name: "capture",
		Check: func(context.Context) error {
			st := src.Status()
			if st.State != capture.StateError {
				return nil
			}
			if st.Err != nil {
				return fmt.Errorf("capture failed on %q: %w", st.Device, st.Err)
			}
			return errors.New("capture failed")
		},
	}
}
