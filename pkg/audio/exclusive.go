package audio

import (
	"sync"
)

// defaultLineKey tracks the system default line in Exclusive.
const defaultLineKey = -1

// Exclusive wraps a Backend so that each device (and the default line) is open
// at most once at a time through it. A second Open of a device that is still
// open fails with [ErrDeviceBusy].
type Exclusive struct {
	Backend

	mu   sync.Mutex
	open map[int]bool
}

// NewExclusive wraps b.
func NewExclusive(b Backend) *Exclusive {
	return &Exclusive{Backend: b, open: make(map[int]bool)}
}

// Open implements [Backend].
func (e *Exclusive) Open(index int, f Format) (Line, error) {
	if err := e.acquire(index); err != nil {
		return nil, err
	}
	line, err := e.Backend.Open(index, f)
	if err != nil {
		e.release(index)
		return nil, err
	}
	return &exclusiveLine{Line: line, release: func() { e.release(index) }}, nil
}

// OpenDefault implements [Backend].
func (e *Exclusive) OpenDefault(f Format) (Line, error) {
	if err := e.acquire(defaultLineKey); err != nil {
		return nil, err
	}
	line, err := e.Backend.OpenDefault(f)
	if err != nil {
		e.release(defaultLineKey)
		return nil, err
	}
	return &exclusiveLine{Line: line, release: func() { e.release(defaultLineKey) }}, nil
}

// Busy reports whether device index is currently open.
func (e *Exclusive) Busy(index int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open[index]
}

func (e *Exclusive) acquire(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open[index] {
		return &DeviceError{Op: "open", Index: index, Err: ErrDeviceBusy}
	}
	e.open[index] = true
	return nil
}

func (e *Exclusive) release(index int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.open, index)
}

type exclusiveLine struct {
	Line
	once    sync.Once
	release func()
}

func (l *exclusiveLine) Close() error {
	err := l.Line.Close()
	l.once.Do(l.release)
	return err
}

var _ Backend = (*Exclusive)(nil)
