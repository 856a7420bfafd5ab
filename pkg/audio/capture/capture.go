// Package capture runs a single background producer that reads PCM chunks from
// an [audio.Line] into a bounded [audio.RingBuffer].
//
// The producer is the only writer of the ring. Any number of goroutines may
// call [Worker.Snapshot], [Worker.BufferedBytes] and [Worker.Status]
// concurrently with it; each takes the ring lock for a single copy and never
// blocks the producer for longer than that.
//
// Lifecycle:
//
//	Idle ──Start──▶ Capturing ──Stop──▶ Idle
//	                    │
//	               read failure
//	                    ▼
//	                  Error ──Stop──▶ Idle
//
// Stop sets an atomic flag, closes the line so a blocked read returns, and
// waits a bounded time for the producer to exit. If the producer has not
// exited by then Stop returns [audio.ErrCaptureTimeout]; the line is closed
// and the worker is Idle either way, and the abandoned producer exits without
// touching the ring when its read eventually returns.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/micvad/pkg/audio"
)

// ErrAlreadyRunning is returned by [Worker.Start] while a capture is active.
var ErrAlreadyRunning = errors.New("capture: already running")

const (
	defaultBufferDuration = 2 * time.Second
	defaultChunkDuration  = 20 * time.Millisecond
	defaultJoinTimeout    = 500 * time.Millisecond
)

// State is the lifecycle state of a [Worker].
type State int32

const (
	// StateIdle means no line is open.
	StateIdle State = iota

	// StateCapturing means the producer is reading from an open line.
	StateCapturing

	// StateError means the producer stopped after a read failure. The
	// buffered audio is kept until the next Start; call Stop to return to
	// Idle.
	StateError
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Status is a point-in-time view of a [Worker].
type Status struct {
	State State

	// DeviceIndex is the 0-based device of the current or last capture, -1
	// when nothing was ever started.
	DeviceIndex int

	// Device is the device name of the current or last capture.
	Device string

	// Err is the failure that moved the worker to [StateError], if any.
	Err error

	// StartedAt is when the current or last capture started.
	StartedAt time.Time

	BufferedBytes  int
	BufferedMillis int
}

// Observer receives capture telemetry. [*observe.Metrics] implements it.
type Observer interface {
	RecordCaptureRead(ctx context.Context, device string, n int)
	RecordCaptureReadError(ctx context.Context, device string)
	RecordCaptureStop(ctx context.Context, d time.Duration, timedOut bool)
	RecordCaptureActive(ctx context.Context, delta int)
	RecordRingOverwritten(ctx context.Context, n int)
}

// Option configures a [Worker].
type Option func(*Worker)

// WithBufferDuration sets how much audio the ring keeps. Default: 2s. The
// ring never holds less than half a second.
func WithBufferDuration(d time.Duration) Option {
	return func(w *Worker) { w.bufferDuration = d }
}

// WithChunkDuration sets the size of each read. Default: 20ms (640 bytes).
func WithChunkDuration(d time.Duration) Option {
	return func(w *Worker) { w.chunkDuration = d }
}

// WithJoinTimeout bounds how long Stop waits for the producer. Default: 500ms.
func WithJoinTimeout(d time.Duration) Option {
	return func(w *Worker) { w.joinTimeout = d }
}

// WithObserver attaches a telemetry observer.
func WithObserver(o Observer) Option {
	return func(w *Worker) { w.observer = o }
}

// WithTap registers fn to receive every chunk after it was written to the
// ring. fn runs on the producer goroutine, must not block, and must not
// retain the slice.
func WithTap(fn func(chunk []byte)) Option {
	return func(w *Worker) { w.taps = append(w.taps, fn) }
}

// WithErrorHandler registers fn to be called once, from the producer
// goroutine, when a read failure moves the worker to [StateError]. fn must
// not call [Worker.Stop] synchronously; Stop waits for that goroutine.
func WithErrorHandler(fn func(index int, err error)) Option {
	return func(w *Worker) { w.onError = fn }
}

// Worker captures audio from one device at a time into a ring buffer.
//
// All methods are safe for concurrent use.
type Worker struct {
	backend audio.Backend
	format  audio.Format
	ring    *audio.RingBuffer

	bufferDuration time.Duration
	chunkDuration  time.Duration
	chunkSize      int
	joinTimeout    time.Duration
	observer       Observer
	taps           []func([]byte)
	onError        func(int, error)

	mu        sync.Mutex
	state     State
	cur       *run
	index     int
	device    string
	lastErr   error
	startedAt time.Time
}

// run is the state owned by one Start/Stop cycle.
type run struct {
	line      audio.Line
	index     int
	device    string
	stop      atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (r *run) closeLine() error {
	r.closeOnce.Do(func() { r.closeErr = r.line.Close() })
	return r.closeErr
}

// New returns an idle Worker reading from backend in format f.
func New(backend audio.Backend, f audio.Format, opts ...Option) (*Worker, error) {
	if backend == nil {
		return nil, errors.New("capture: backend must not be nil")
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	w := &Worker{
		backend:        backend,
		format:         f,
		bufferDuration: defaultBufferDuration,
		chunkDuration:  defaultChunkDuration,
		joinTimeout:    defaultJoinTimeout,
		index:          -1,
	}
	for _, o := range opts {
		o(w)
	}
	if w.joinTimeout <= 0 {
		w.joinTimeout = defaultJoinTimeout
	}
	w.chunkSize = f.BytesFor(w.chunkDuration)
	if w.chunkSize <= 0 {
		return nil, fmt.Errorf("capture: chunk duration %v is shorter than one sample", w.chunkDuration)
	}
	ring, err := audio.NewRingBufferFor(f, w.bufferDuration)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	w.ring = ring
	return w, nil
}

// Start opens device index and begins capturing into a freshly cleared ring.
// The index is validated against a fresh enumeration first; an out-of-range
// index fails with [audio.ErrInvalidDeviceIndex] without opening anything.
func (w *Worker) Start(index int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cur != nil {
		if w.state == StateCapturing {
			return fmt.Errorf("%w on device %d", ErrAlreadyRunning, w.cur.index)
		}
		// The producer already exited after a failure; finish the cleanup.
		_ = w.cur.closeLine()
		w.cur = nil
		w.emitActive(-1)
	}

	devices, err := audio.ListInputDevices(w.backend)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	dev, err := audio.CheckIndex(devices, index)
	if err != nil {
		return err
	}
	line, err := w.backend.Open(index, w.format)
	if err != nil {
		var de *audio.DeviceError
		if errors.As(err, &de) {
			return err
		}
		return &audio.DeviceError{Op: "open", Index: index, Device: dev.Name, Err: err}
	}

	w.ring.Clear()
	r := &run{line: line, index: index, device: dev.Name, done: make(chan struct{})}
	w.cur = r
	w.state = StateCapturing
	w.index = index
	w.device = dev.Name
	w.lastErr = nil
	w.startedAt = time.Now()
	w.emitActive(1)

	slog.Info("capture started",
		"device", dev.Name,
		"index", index,
		"format", w.format.String(),
		"chunk_bytes", w.chunkSize,
		"ring_bytes", w.ring.Cap(),
	)

	go w.produce(r)
	return nil
}

// Stop ends the current capture. It is a no-op when Idle. The buffered audio
// stays available to [Worker.Snapshot] until the next Start.
func (w *Worker) Stop() error {
	w.mu.Lock()
	r := w.cur
	if r == nil {
		w.mu.Unlock()
		return nil
	}
	w.cur = nil
	w.state = StateIdle
	w.mu.Unlock()

	r.stop.Store(true)
	if err := r.closeLine(); err != nil {
		slog.Debug("capture line close failed", "device", r.device, "err", err)
	}

	start := time.Now()
	timer := time.NewTimer(w.joinTimeout)
	defer timer.Stop()

	timedOut := false
	select {
	case <-r.done:
	case <-timer.C:
		timedOut = true
	}
	waited := time.Since(start)

	w.emitActive(-1)
	if w.observer != nil {
		w.observer.RecordCaptureStop(context.Background(), waited, timedOut)
	}

	if timedOut {
		slog.Warn("capture producer did not exit in time; abandoning it",
			"device", r.device,
			"index", r.index,
			"timeout", w.joinTimeout,
		)
		return fmt.Errorf("capture: stop device %d after %v: %w", r.index, w.joinTimeout, audio.ErrCaptureTimeout)
	}
	slog.Info("capture stopped", "device", r.device, "index", r.index, "buffered_ms", w.BufferedMillis())
	return nil
}

// Status returns the current state and buffer occupancy.
func (w *Worker) Status() Status {
	w.mu.Lock()
	st := Status{
		State:       w.state,
		DeviceIndex: w.index,
		Device:      w.device,
		Err:         w.lastErr,
		StartedAt:   w.startedAt,
	}
	w.mu.Unlock()
	st.BufferedBytes = w.ring.Len()
	st.BufferedMillis = w.format.MillisOf(st.BufferedBytes)
	return st
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// BufferedBytes returns the number of bytes in the ring.
func (w *Worker) BufferedBytes() int { return w.ring.Len() }

// BufferedMillis returns the buffered audio duration, rounded to the nearest
// millisecond.
func (w *Worker) BufferedMillis() int { return w.format.MillisOf(w.ring.Len()) }

// Snapshot returns a chronological copy of the buffered audio.
func (w *Worker) Snapshot() []byte { return w.ring.Snapshot() }

// Clear discards the buffered audio.
func (w *Worker) Clear() { w.ring.Clear() }

// Format returns the capture format.
func (w *Worker) Format() audio.Format { return w.format }

// BufferCapacity returns the ring capacity in bytes.
func (w *Worker) BufferCapacity() int { return w.ring.Cap() }

// produce is the single producer loop of run r.
func (w *Worker) produce(r *run) {
	defer close(r.done)

	ctx := context.Background()
	buf := make([]byte, w.chunkSize)
	frame := w.format.FrameSize()

	for !r.stop.Load() {
		n, err := io.ReadFull(r.line, buf)
		if r.stop.Load() {
			return
		}
		// Partial reads only happen at end of stream; keep whole samples.
		n -= n % frame
		if n > 0 {
			w.deliver(ctx, r, buf[:n])
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			w.finish(r)
			return
		}
		w.fail(ctx, r, err)
		return
	}
}

func (w *Worker) deliver(ctx context.Context, r *run, chunk []byte) {
	before := w.ring.Overwritten()
	w.ring.Write(chunk)
	if w.observer != nil {
		w.observer.RecordCaptureRead(ctx, r.device, len(chunk))
		if over := w.ring.Overwritten() - before; over > 0 {
			w.observer.RecordRingOverwritten(ctx, int(over))
		}
	}
	for _, tap := range w.taps {
		tap(chunk)
	}
}

// finish handles a finite source running dry: the capture ends as if stopped.
func (w *Worker) finish(r *run) {
	w.mu.Lock()
	owned := w.cur == r
	if owned {
		w.cur = nil
		w.state = StateIdle
	}
	w.mu.Unlock()
	if !owned {
		return
	}
	_ = r.closeLine()
	w.emitActive(-1)
	slog.Info("capture source ended", "device", r.device, "index", r.index)
}

func (w *Worker) fail(ctx context.Context, r *run, err error) {
	w.mu.Lock()
	owned := w.cur == r
	if owned {
		w.state = StateError
		w.lastErr = &audio.DeviceError{Op: "read", Index: r.index, Device: r.device, Err: err}
	}
	w.mu.Unlock()
	if !owned {
		return
	}
	_ = r.closeLine()
	if w.observer != nil {
		w.observer.RecordCaptureReadError(ctx, r.device)
	}
	slog.Error("capture read failed", "device", r.device, "index", r.index, "err", err)
	if w.onError != nil {
		w.onError(r.index, err)
	}
}

func (w *Worker) emitActive(delta int) {
	if w.observer != nil {
		w.observer.RecordCaptureActive(context.Background(), delta)
	}
}
