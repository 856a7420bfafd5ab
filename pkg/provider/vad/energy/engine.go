package energy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/micvad/pkg/audio"
	"github.com/MrWong99/micvad/pkg/provider/vad"
)

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("energy: session closed")

// Engine creates streaming energy VAD sessions. It implements [vad.Engine].
type Engine struct {
	format audio.Format

	mu     sync.RWMutex
	tuning Tuning
}

// NewEngine returns an Engine using t for new sessions.
func NewEngine(t Tuning) (*Engine, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Engine{format: audio.PCM16Mono16k(), tuning: t}, nil
}

// Tuning returns the constants applied to new sessions.
func (e *Engine) Tuning() Tuning {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tuning
}

// SetTuning replaces the constants for sessions created afterwards. Running
// sessions keep the tuning they were created with.
func (e *Engine) SetTuning(t Tuning) error {
	if err := t.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tuning = t
	return nil
}

// NewSession implements [vad.Engine].
//
// cfg.SampleRate must match the pipeline rate and cfg.FrameSizeMs the tuning
// frame length (zero selects it). The probability thresholds are checked for
// range but otherwise unused: the energy detector decides on amplitude runs
// and reports Probability as frame RMS over the "on" threshold.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	t := e.Tuning()
	frameMs := int(t.FrameDuration / time.Millisecond)
	if cfg.SampleRate != e.format.SampleRate {
		return nil, fmt.Errorf("energy: sample rate %d not supported (want %d)", cfg.SampleRate, e.format.SampleRate)
	}
	if cfg.FrameSizeMs == 0 {
		cfg.FrameSizeMs = frameMs
	}
	if cfg.FrameSizeMs != frameMs {
		return nil, fmt.Errorf("energy: frame size %dms does not match tuning frame %dms", cfg.FrameSizeMs, frameMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 || cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > 1 {
		return nil, errors.New("energy: thresholds must be within [0, 1]")
	}
	if cfg.SpeechThreshold > 0 && cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, errors.New("energy: silence threshold must not exceed speech threshold")
	}
	return newSession(e.format, t)
}

var _ vad.Engine = (*Engine)(nil)

// Session is a streaming detector over fixed-size frames. It implements
// [vad.SessionHandle].
//
// The first ambient window of frames is calibration and reports VADSilence.
// Afterwards a speech segment starts once the above-run reaches OnMinFrames
// and ends once the below-run reaches OffMinFrames.
type Session struct {
	format    audio.Format
	tuning    Tuning
	frameSize int

	mu       sync.Mutex
	an       *Analyzer
	lastKind FrameKind
	lastRMS  float64
	speaking bool
	closed   bool
}

func newSession(f audio.Format, t Tuning) (*Session, error) {
	s := &Session{format: f, tuning: t, frameSize: f.BytesFor(t.FrameDuration)}
	if err := s.reset(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) reset() error {
	an, err := NewAnalyzer(s.format, s.tuning)
	if err != nil {
		return err
	}
	an.onFrame = func(kind FrameKind, rms float64) {
		s.lastKind = kind
		s.lastRMS = rms
	}
	s.an = an
	s.lastKind = FrameCalibrating
	s.lastRMS = 0
	s.speaking = false
	return nil
}

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, ErrSessionClosed
	}
	if len(frame) != s.frameSize {
		return vad.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameSize)
	}
	s.an.Write(frame)

	if !s.an.Calibrated() || s.lastKind == FrameCalibrating {
		return vad.VADEvent{Type: vad.VADSilence}, nil
	}
	on, _ := s.an.Thresholds()
	prob := min(1, s.lastRMS/on)
	above, below := s.an.Runs()

	switch {
	case !s.speaking && above >= s.tuning.OnMinFrames:
		s.speaking = true
		return vad.VADEvent{Type: vad.VADSpeechStart, Probability: prob}, nil
	case s.speaking && below >= s.tuning.OffMinFrames:
		s.speaking = false
		return vad.VADEvent{Type: vad.VADSpeechEnd, Probability: prob}, nil
	case s.speaking:
		return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: prob}, nil
	default:
		return vad.VADEvent{Type: vad.VADSilence, Probability: prob}, nil
	}
}

// Result returns the cumulative verdict for the frames seen since the last
// Reset.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.an.Result("")
}

// Speaking reports whether a speech segment is open.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Reset implements [vad.SessionHandle]. It also restarts calibration.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.reset()
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*Session)(nil)
