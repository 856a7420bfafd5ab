// Package mock provides in-memory implementations of [audio.Backend] and
// [audio.Line] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	b := &mock.Backend{
//	    DevicesResult: []audio.Device{{Name: "USB Mic", SupportsFormat: true}},
//	    LineFactory: func(int) *mock.Line {
//	        return mock.NewLine(pcm, mock.WithEOF())
//	    },
//	}
//	line, err := b.Open(0, audio.PCM16Mono16k())
package mock

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/micvad/pkg/audio"
)

// ─── Line ─────────────────────────────────────────────────────────────────────

// LineOption configures a [Line].
type LineOption func(*Line)

// WithEOF makes Read return io.EOF once the scripted data is drained instead
// of blocking until Close.
func WithEOF() LineOption {
	return func(l *Line) { l.eof = true }
}

// WithLoop replays the scripted data forever.
func WithLoop() LineOption {
	return func(l *Line) { l.loop = true }
}

// WithReadError makes Read return err once the scripted data is drained.
func WithReadError(err error) LineOption {
	return func(l *Line) { l.readErr = err }
}

// WithChunk limits each Read to at most n bytes.
func WithChunk(n int) LineOption {
	return func(l *Line) { l.chunk = n }
}

// WithPace sleeps d before each Read returns data, approximating a real-time
// device.
func WithPace(d time.Duration) LineOption {
	return func(l *Line) { l.pace = d }
}

// WithStuckRead makes a Read that is waiting for data ignore Close, simulating
// a driver that never returns. Call [Line.Unblock] to release it.
func WithStuckRead() LineOption {
	return func(l *Line) { l.stuck = true }
}

// Line is a scripted [audio.Line]. By default it serves its data once and then
// blocks until Close.
type Line struct {
	mu      sync.Mutex
	data    []byte
	off     int
	eof     bool
	loop    bool
	stuck   bool
	readErr error
	chunk   int
	pace    time.Duration

	closed    chan struct{}
	unblock   chan struct{}
	closeOnce sync.Once
	unblockMu sync.Once

	// ReadCalls counts calls to Read.
	ReadCalls int

	// CloseCalls counts calls to Close.
	CloseCalls int

	// BytesRead is the total number of bytes delivered.
	BytesRead int
}

// NewLine returns a line serving data.
func NewLine(data []byte, opts ...LineOption) *Line {
	l := &Line{
		data:    data,
		closed:  make(chan struct{}),
		unblock: make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Read implements [audio.Line].
func (l *Line) Read(p []byte) (int, error) {
	if l.pace > 0 {
		select {
		case <-time.After(l.pace):
		case <-l.closed:
		}
	}

	l.mu.Lock()
	l.ReadCalls++
	select {
	case <-l.closed:
		l.mu.Unlock()
		return 0, audio.ErrLineClosed
	default:
	}
	if l.loop && len(l.data) > 0 && l.off >= len(l.data) {
		l.off = 0
	}
	if l.off < len(l.data) {
		n := len(p)
		if l.chunk > 0 && n > l.chunk {
			n = l.chunk
		}
		n = copy(p[:n], l.data[l.off:])
		l.off += n
		l.BytesRead += n
		l.mu.Unlock()
		return n, nil
	}
	readErr, eof, stuck := l.readErr, l.eof, l.stuck
	l.mu.Unlock()

	switch {
	case readErr != nil:
		return 0, readErr
	case eof:
		return 0, io.EOF
	case stuck:
		<-l.unblock
		return 0, audio.ErrLineClosed
	default:
		<-l.closed
		return 0, audio.ErrLineClosed
	}
}

// Close implements [audio.Line]. It is idempotent.
func (l *Line) Close() error {
	l.mu.Lock()
	l.CloseCalls++
	l.mu.Unlock()
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (l *Line) Closed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// Unblock releases a Read stuck by [WithStuckRead].
func (l *Line) Unblock() {
	l.unblockMu.Do(func() { close(l.unblock) })
}

// Stats returns ReadCalls, CloseCalls and BytesRead under the lock.
func (l *Line) Stats() (reads, closes, bytesRead int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ReadCalls, l.CloseCalls, l.BytesRead
}

var _ audio.Line = (*Line)(nil)

// ─── Backend ──────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Backend.Open] invocation.
type OpenCall struct {
	// Index is the device index passed to Open.
	Index int

	// Format is the format passed to Open.
	Format audio.Format
}

// Backend is a mock implementation of [audio.Backend].
// Set the exported Result fields before use; inspect the Call* fields after.
type Backend struct {
	mu sync.Mutex

	// NameResult is returned by Name. Defaults to "mock".
	NameResult string

	// DevicesResult is returned by Devices.
	DevicesResult []audio.Device

	// DevicesErr is returned by Devices.
	DevicesErr error

	// OpenErrs maps a device index to the error returned by Open.
	OpenErrs map[int]error

	// OpenDefaultErr is returned by OpenDefault.
	OpenDefaultErr error

	// LineFactory builds the line returned by a successful Open (index >= 0)
	// or OpenDefault (index -1). Defaults to a silent line that blocks until
	// Close.
	LineFactory func(index int) *Line

	// CloseErr is returned by Close.
	CloseErr error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	// CallCountDevices records how many times Devices was called.
	CallCountDevices int

	// CallCountOpenDefault records how many times OpenDefault was called.
	CallCountOpenDefault int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Lines holds every line handed out, in order.
	Lines []*Line
}

// Name implements [audio.Backend].
func (b *Backend) Name() string {
	if b.NameResult == "" {
		return "mock"
	}
	return b.NameResult
}

// Devices implements [audio.Backend]. It returns a copy of DevicesResult.
func (b *Backend) Devices() ([]audio.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountDevices++
	if b.DevicesErr != nil {
		return nil, b.DevicesErr
	}
	out := make([]audio.Device, len(b.DevicesResult))
	copy(out, b.DevicesResult)
	return out, nil
}

// Open implements [audio.Backend].
func (b *Backend) Open(index int, f audio.Format) (audio.Line, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenCalls = append(b.OpenCalls, OpenCall{Index: index, Format: f})
	if index < 0 || index >= len(b.DevicesResult) {
		return nil, fmt.Errorf("%w: %d", audio.ErrInvalidDeviceIndex, index)
	}
	if err := b.OpenErrs[index]; err != nil {
		return nil, err
	}
	return b.newLine(index), nil
}

// OpenDefault implements [audio.Backend].
func (b *Backend) OpenDefault(audio.Format) (audio.Line, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountOpenDefault++
	if b.OpenDefaultErr != nil {
		return nil, b.OpenDefaultErr
	}
	return b.newLine(-1), nil
}

// Close implements [audio.Backend].
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountClose++
	return b.CloseErr
}

// OpenCallCount returns len(OpenCalls) under the lock.
func (b *Backend) OpenCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.OpenCalls)
}

// LastLine returns the most recently opened line, or nil.
func (b *Backend) LastLine() *Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Lines) == 0 {
		return nil
	}
	return b.Lines[len(b.Lines)-1]
}

// newLine must be called with b.mu held.
func (b *Backend) newLine(index int) *Line {
	var l *Line
	if b.LineFactory != nil {
		l = b.LineFactory(index)
	}
	if l == nil {
		l = NewLine(nil)
	}
	b.Lines = append(b.Lines, l)
	return l
}

var _ audio.Backend = (*Backend)(nil)
