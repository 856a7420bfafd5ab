// Package vad defines the streaming voice activity detection contract used by
// the capture pipeline.
//
// An Engine hands out one SessionHandle per audio stream. A session keeps its
// own detection state (calibration, run counters) so several streams can be
// judged independently. The energy subpackage is the built-in engine; the mock
// subpackage provides a scripted one for tests.
//
// ProcessFrame is synchronous and must not block: serve mode calls it from the
// capture tap for every 20 ms chunk.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the rate in Hz of the PCM frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each frame in milliseconds. Zero lets
	// the engine pick its native frame. ProcessFrame rejects frames of any
	// other size.
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a frame counts as
	// speech. Range [0, 1]. Engines that decide on amplitude runs only check
	// the range.
	SpeechThreshold float64

	// SilenceThreshold is the probability at or below which a frame counts as
	// silence. Range [0, 1], not above SpeechThreshold.
	SilenceThreshold float64
}

// SessionHandle is a VAD session over a single audio stream.
//
// A SessionHandle is not safe for concurrent use unless the implementation
// says so.
type SessionHandle interface {
	// ProcessFrame classifies one frame of raw little-endian PCM. It returns
	// an error when the frame has the wrong size or the session is closed.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset drops all detection state without closing the session. Call it
	// when the stream restarts so stale runs do not leak into the new one.
	Reset()

	// Close releases the session. Calling Close more than once returns nil.
	Close() error
}

// Engine creates VAD sessions. Implementations must allow concurrent calls
// to NewSession.
type Engine interface {
	// NewSession returns a session ready for frames, or an error when cfg
	// names a rate, frame size or threshold the engine cannot serve.
	NewSession(cfg Config) (SessionHandle, error)
}
