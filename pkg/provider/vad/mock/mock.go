// Package mock provides scripted test doubles for the vad interfaces.
//
// Session replays Script one event per frame and then repeats EventResult,
// which lets tests drive a speech segment without real audio:
//
//	sess := &mock.Session{Script: []vad.VADEvent{
//	    {Type: vad.VADSpeechStart, Probability: 0.9},
//	    {Type: vad.VADSpeechEnd},
//	}, EventResult: vad.VADEvent{Type: vad.VADSilence}}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/micvad/pkg/provider/vad"
)

// ErrClosed is returned by Session.ProcessFrame after Close.
var ErrClosed = errors.New("mock: session closed")

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, each call returns a fresh
	// silent Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned from NewSession.
	NewSessionErr error

	// Configs records the Config of every NewSession call in order.
	Configs []vad.Config
}

// NewSession records cfg and returns Session or NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{EventResult: vad.VADEvent{Type: vad.VADSilence}}, nil
}

// SessionCount returns the number of NewSession calls.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Configs)
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle. All methods are
// safe for concurrent use.
type Session struct {
	mu sync.Mutex

	// Script is consumed one event per ProcessFrame call.
	Script []vad.VADEvent

	// EventResult is returned once Script is exhausted.
	EventResult vad.VADEvent

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// FrameSize, if non-zero, makes ProcessFrame reject frames of any other
	// length.
	FrameSize int

	Frames     int
	FrameBytes int
	Resets     int
	Closes     int

	pos int
}

// ProcessFrame returns the next scripted event.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Closes > 0 {
		return vad.VADEvent{}, ErrClosed
	}
	if s.ProcessFrameErr != nil {
		return vad.VADEvent{}, s.ProcessFrameErr
	}
	if s.FrameSize > 0 && len(frame) != s.FrameSize {
		return vad.VADEvent{}, errors.New("mock: wrong frame size")
	}
	s.Frames++
	s.FrameBytes += len(frame)
	if s.pos < len(s.Script) {
		ev := s.Script[s.pos]
		s.pos++
		return ev, nil
	}
	return s.EventResult, nil
}

// Reset rewinds the script and counts the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = 0
	s.Resets++
}

// Close counts the call. It always returns nil.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closes++
	return nil
}

// Counts returns the processed frame count and the Reset and Close counts.
func (s *Session) Counts() (frames, resets, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Frames, s.Resets, s.Closes
}

var _ vad.SessionHandle = (*Session)(nil)
