package energy_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/micvad/pkg/audio"
	"github.com/MrWong99/micvad/pkg/provider/vad/energy"
)

const frameSamples = 320

// signal builds little-endian PCM from segments of square waves.
type signal struct {
	samples []int16
}

// square appends n samples alternating +amp/-amp, whose RMS is exactly amp.
func (s *signal) square(amp int16, n int) *signal {
	for i := range n {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		s.samples = append(s.samples, v)
	}
	return s
}

func (s *signal) zeros(n int) *signal { return s.square(0, n) }

// frames appends one 20ms square frame per amplitude.
func (s *signal) frames(amps ...int16) *signal {
	for _, a := range amps {
		s.square(a, frameSamples)
	}
	return s
}

func (s *signal) click(amp int16) *signal {
	s.samples = append(s.samples, amp)
	return s
}

func (s *signal) pcm() []byte {
	b := make([]byte, len(s.samples)*2)
	for i, v := range s.samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

// calibrated returns a signal whose first analysis frame starts right after
// it: the ambient window is 6400 samples and its last sample opens frame one,
// so 6399 leading zeros align frames to the appended segments.
func calibrated() *signal {
	return (&signal{}).zeros(6399)
}

func analyze(t *testing.T, pcm []byte) energy.Result {
	t.Helper()
	res, err := energy.Analyze(pcm, audio.PCM16Mono16k(), energy.DefaultTuning(), "test")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	return res
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestAnalyze_Silence(t *testing.T) {
	t.Parallel()
	res := analyze(t, make([]byte, 3*32000))

	if res.VoiceDetected || res.Decision != energy.DecisionOff {
		t.Errorf("silence detected as voice: %+v", res)
	}
	if res.AverageRMS != 0 || res.Peak != 0 {
		t.Errorf("avg=%f peak=%d, want 0/0", res.AverageRMS, res.Peak)
	}
	if !approx(res.Threshold, 600) || !approx(res.OffThreshold, 420) {
		t.Errorf("thresholds = %f/%f, want 600/420", res.Threshold, res.OffThreshold)
	}
	// 48000 - 6399 samples after calibration make 130 whole frames.
	if res.FramesBelow != 130 || res.FramesAbove != 0 {
		t.Errorf("frames below/above = %d/%d, want 130/0", res.FramesBelow, res.FramesAbove)
	}
	if !res.SilenceConfirmed || !res.Calibrated {
		t.Errorf("silence confirmed=%t calibrated=%t, want both", res.SilenceConfirmed, res.Calibrated)
	}
	if res.Duration != 3*time.Second {
		t.Errorf("duration = %v, want 3s", res.Duration)
	}
}

func TestAnalyze_ToneAfterSilence(t *testing.T) {
	t.Parallel()
	s := (&signal{}).zeros(6400).square(3000, 16000).zeros(16000 + 9600)
	res := analyze(t, s.pcm())

	if !res.VoiceDetected || res.Decision != energy.DecisionOn {
		t.Fatalf("tone not detected: %s", res)
	}
	if res.MaxRunAbove < 49 {
		t.Errorf("maxRunAbove = %d, want about 50", res.MaxRunAbove)
	}
	if res.Peak != 3000 {
		t.Errorf("peak = %d, want 3000", res.Peak)
	}
	if res.PeakTriggered {
		t.Error("run criterion should decide, not the peak fallback")
	}
}

func TestAnalyze_OnMinFramesBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		frames    int
		wantVoice bool
	}{
		{name: "five frames is not enough", frames: 5, wantVoice: false},
		{name: "six frames confirms voice", frames: 6, wantVoice: true},
		{name: "seven frames", frames: 7, wantVoice: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := calibrated()
			for range tt.frames {
				s.frames(700)
			}
			s.frames(0, 0, 0, 0, 0)
			res := analyze(t, s.pcm())
			if res.VoiceDetected != tt.wantVoice {
				t.Errorf("voice = %t, want %t (%s)", res.VoiceDetected, tt.wantVoice, res)
			}
			if res.MaxRunAbove != tt.frames {
				t.Errorf("maxRunAbove = %d, want %d", res.MaxRunAbove, tt.frames)
			}
			// Only five quiet frames follow, short of OffMinFrames, yet the
			// six-frame cases still report voice: OffMinFrames does not gate
			// the decision.
			if res.SilenceConfirmed || res.MaxRunBelow != 5 {
				t.Errorf("silenceConfirmed=%t maxRunBelow=%d, want false and 5", res.SilenceConfirmed, res.MaxRunBelow)
			}
		})
	}
}

// A single loud sample fires the peak fallback even though no frame is
// above threshold. This asymmetry is deliberate: short plosives count.
func TestAnalyze_PeakFallback(t *testing.T) {
	t.Parallel()
	s := calibrated().zeros(1000).click(2000).zeros(20000)
	res := analyze(t, s.pcm())

	if !res.VoiceDetected {
		t.Fatalf("click not detected: %s", res)
	}
	if res.MaxRunAbove != 0 || res.FramesAbove != 0 {
		t.Errorf("maxRunAbove=%d framesAbove=%d, want 0/0", res.MaxRunAbove, res.FramesAbove)
	}
	if !res.PeakTriggered {
		t.Error("PeakTriggered = false, want true")
	}
	if res.Decision != energy.DecisionOn {
		t.Errorf("decision = %q, want ON", res.Decision)
	}

	// Just below 1.5 x 600 stays silent.
	quiet := calibrated().zeros(1000).click(899).zeros(20000)
	if res := analyze(t, quiet.pcm()); res.VoiceDetected {
		t.Errorf("899 click detected: %s", res)
	}
}

func TestAnalyze_Hysteresis(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		amps         []int16
		wantMaxAbove int
		wantDeadZone int
		wantVoice    bool
		wantMaxBelow int
	}{
		{
			name:         "dead zone keeps the above run",
			amps:         []int16{700, 700, 700, 500, 500, 500, 500, 500, 700, 700, 700},
			wantMaxAbove: 6,
			wantDeadZone: 5,
			wantVoice:    true,
		},
		{
			name:         "a quiet frame breaks the run",
			amps:         []int16{700, 700, 700, 300, 700, 700, 700},
			wantMaxAbove: 3,
			wantMaxBelow: 1,
			wantVoice:    false,
		},
		{
			name:         "dead zone alone is silent",
			amps:         []int16{500, 500, 500, 500, 500, 500, 500, 500},
			wantDeadZone: 8,
			wantVoice:    false,
		},
		{
			name:         "exact on threshold counts as above",
			amps:         []int16{600, 600, 600, 600, 600, 600},
			wantMaxAbove: 6,
			wantVoice:    true,
		},
		{
			name:         "exact off threshold counts as below",
			amps:         []int16{420, 420},
			wantMaxBelow: 2,
			wantVoice:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := analyze(t, calibrated().frames(tt.amps...).pcm())
			if res.MaxRunAbove != tt.wantMaxAbove {
				t.Errorf("maxRunAbove = %d, want %d", res.MaxRunAbove, tt.wantMaxAbove)
			}
			if res.FramesDeadZone != tt.wantDeadZone {
				t.Errorf("dead zone frames = %d, want %d", res.FramesDeadZone, tt.wantDeadZone)
			}
			if res.MaxRunBelow != tt.wantMaxBelow {
				t.Errorf("maxRunBelow = %d, want %d", res.MaxRunBelow, tt.wantMaxBelow)
			}
			if res.VoiceDetected != tt.wantVoice {
				t.Errorf("voice = %t, want %t", res.VoiceDetected, tt.wantVoice)
			}
		})
	}
}

func TestAnalyze_AmbientCalibration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ambient int16
		wantOn  float64
	}{
		{name: "quiet room clamps to min", ambient: 50, wantOn: 600},
		{name: "scaled", ambient: 200, wantOn: 700},
		{name: "loud room clamps to max", ambient: 1000, wantOn: 2500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := (&signal{}).square(tt.ambient, 6400).square(tt.ambient, 3200)
			res := analyze(t, s.pcm())
			if !approx(res.AmbientRMS, float64(tt.ambient)) {
				t.Errorf("ambient = %f, want %d", res.AmbientRMS, tt.ambient)
			}
			if !approx(res.Threshold, tt.wantOn) {
				t.Errorf("threshold = %f, want %f", res.Threshold, tt.wantOn)
			}
			if !approx(res.OffThreshold, tt.wantOn*0.7) {
				t.Errorf("off threshold = %f, want %f", res.OffThreshold, tt.wantOn*0.7)
			}
		})
	}
}

func TestAnalyze_NeverCalibrated(t *testing.T) {
	t.Parallel()
	// 0.2 s is shorter than the 0.4 s ambient window.
	res := analyze(t, (&signal{}).square(300, 3200).pcm())
	if res.Calibrated {
		t.Error("Calibrated = true for a short buffer")
	}
	if !approx(res.AmbientRMS, 300) || !approx(res.Threshold, 1050) {
		t.Errorf("ambient/threshold = %f/%f, want 300/1050", res.AmbientRMS, res.Threshold)
	}
	if res.FramesAbove+res.FramesBelow+res.FramesDeadZone != 0 {
		t.Error("frames were classified before calibration")
	}
	if res.VoiceDetected {
		t.Error("voice detected without calibration or peak")
	}
}

func TestAnalyzer_EmptyResult(t *testing.T) {
	t.Parallel()
	a, err := energy.NewAnalyzer(audio.PCM16Mono16k(), energy.DefaultTuning())
	if err != nil {
		t.Fatal(err)
	}
	res := a.Result("")
	if res.AmbientRMS != 1 || !approx(res.Threshold, 600) || res.VoiceDetected {
		t.Errorf("empty result = %+v", res)
	}

	if _, err := energy.Analyze(nil, audio.PCM16Mono16k(), energy.DefaultTuning(), ""); !errors.Is(err, audio.ErrEmptySnapshot) {
		t.Errorf("Analyze(nil) = %v, want ErrEmptySnapshot", err)
	}
}

func TestAnalyzer_OddChunking(t *testing.T) {
	t.Parallel()
	pcm := calibrated().frames(700, 700, 700, 700, 700, 700, 0, 0).click(1234).pcm()
	whole := analyze(t, pcm)

	a, err := energy.NewAnalyzer(audio.PCM16Mono16k(), energy.DefaultTuning())
	if err != nil {
		t.Fatal(err)
	}
	for off := 0; off < len(pcm); off += 333 {
		a.Write(pcm[off:min(off+333, len(pcm))])
	}
	split := a.Result("test")
	if split != whole {
		t.Errorf("chunked result differs:\n got %+v\nwant %+v", split, whole)
	}
}

func TestTuning_Validate(t *testing.T) {
	t.Parallel()
	if err := energy.DefaultTuning().Validate(); err != nil {
		t.Fatalf("default tuning invalid: %v", err)
	}
	bad := energy.DefaultTuning()
	bad.ThresholdMax = 100
	bad.OffFactor = 1.5
	bad.OnMinFrames = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected validation errors")
	}
}

func TestNormalizeSeconds(t *testing.T) {
	t.Parallel()
	for in, want := range map[int]int{-5: 3, 0: 3, 1: 1, 3: 3, 7: 7, 15: 15, 16: 15, 100: 15} {
		if got := energy.NormalizeSeconds(in); got != want {
			t.Errorf("NormalizeSeconds(%d) = %d, want %d", in, got, want)
		}
	}
}
