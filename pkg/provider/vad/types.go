package vad

// VADEvent is the detection result for one frame.
type VADEvent struct {
	Type VADEventType

	// Probability is the speech likelihood in [0, 1].
	Probability float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart marks the frame that confirmed a speech segment.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue marks a frame inside an open speech segment.
	VADSpeechContinue

	// VADSpeechEnd marks the frame that closed a speech segment.
	VADSpeechEnd

	// VADSilence marks a frame outside any speech segment.
	VADSilence
)

// String returns the lower-case event name used in logs and JSON.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}

// Speaking reports whether the event belongs to an open speech segment.
func (t VADEventType) Speaking() bool {
	return t == VADSpeechStart || t == VADSpeechContinue
}
