package energy

import (
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/micvad/pkg/audio"
)

// Decision labels.
const (
	DecisionOn  = "ON"
	DecisionOff = "OFF"
)

// Result is the immutable outcome of one analysis.
type Result struct {
	VoiceDetected bool   `json:"voice_detected"`
	Decision      string `json:"decision"`

	AverageRMS   float64 `json:"average_rms"`
	AmbientRMS   float64 `json:"ambient_rms"`
	Peak         int     `json:"peak"`
	Threshold    float64 `json:"threshold"`
	OffThreshold float64 `json:"off_threshold"`

	// Duration is the requested length; Analyzed is the audio actually
	// consumed, which is shorter when the source ended early.
	Duration time.Duration `json:"duration"`
	Analyzed time.Duration `json:"analyzed"`

	Device string `json:"device"`

	FramesAbove    int `json:"frames_above"`
	FramesBelow    int `json:"frames_below"`
	FramesDeadZone int `json:"frames_dead_zone"`
	MaxRunAbove    int `json:"max_run_above"`
	MaxRunBelow    int `json:"max_run_below"`

	// Calibrated reports that the full ambient window was observed.
	Calibrated bool `json:"calibrated"`

	// SilenceConfirmed reports a below-run of at least OffMinFrames.
	SilenceConfirmed bool `json:"silence_confirmed"`

	// PeakTriggered reports that the peak fallback alone decided voice.
	PeakTriggered bool `json:"peak_triggered"`
}

// String formats r for terminal output.
func (r Result) String() string {
	return fmt.Sprintf("decision=%s voice=%t avgRms=%.1f peak=%d thr=%.1f offThr=%.1f ambient=%.1f framesAbove=%d framesBelow=%d maxRunAbove=%d duration=%s",
		r.Decision, r.VoiceDetected, r.AverageRMS, r.Peak, r.Threshold, r.OffThreshold, r.AmbientRMS,
		r.FramesAbove, r.FramesBelow, r.MaxRunAbove, r.Duration)
}

// FrameKind classifies one analysis frame.
type FrameKind int

const (
	// FrameCalibrating means the ambient window is not complete yet.
	FrameCalibrating FrameKind = iota

	// FrameAbove means the frame RMS reached the "on" threshold.
	FrameAbove

	// FrameBelow means the frame RMS was at or below the "off" threshold.
	FrameBelow

	// FrameDeadZone means the frame RMS fell between the thresholds.
	FrameDeadZone
)

// Analyzer accumulates the detector state over a PCM stream. Feed it with
// [Analyzer.Write] in chunks of any size and read the verdict with
// [Analyzer.Result].
//
// An Analyzer is not safe for concurrent use.
type Analyzer struct {
	format audio.Format
	tuning Tuning

	ambientTarget int
	frameSamples  int

	samples int
	sumSq   float64
	peak    int

	ambientCount int
	ambientSumSq float64
	ready        bool
	onThr        float64
	offThr       float64

	frameCount int
	frameSumSq float64

	framesAbove, framesBelow, framesDead int
	runAbove, runBelow                   int
	maxRunAbove, maxRunBelow             int

	pending    byte
	hasPending bool

	onFrame func(kind FrameKind, rms float64)
}

// NewAnalyzer returns an Analyzer for PCM in f.
func NewAnalyzer(f audio.Format, t Tuning) (*Analyzer, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	a := &Analyzer{
		format:        f,
		tuning:        t,
		ambientTarget: f.SamplesFor(t.AmbientWindow),
		frameSamples:  f.SamplesFor(t.FrameDuration),
	}
	if a.ambientTarget < 1 || a.frameSamples < 1 {
		return nil, fmt.Errorf("energy: ambient window %v and frame %v must each cover at least one sample", t.AmbientWindow, t.FrameDuration)
	}
	return a, nil
}

// Write consumes pcm. An odd trailing byte is held until the next call.
func (a *Analyzer) Write(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	if a.hasPending {
		a.sample(int16(a.pending) | int16(pcm[0])<<8)
		a.hasPending = false
		pcm = pcm[1:]
	}
	n := len(pcm) / 2
	for i := range n {
		a.sample(audio.Sample(pcm, i))
	}
	if len(pcm)%2 == 1 {
		a.pending = pcm[len(pcm)-1]
		a.hasPending = true
	}
}

// Samples returns the number of samples consumed.
func (a *Analyzer) Samples() int { return a.samples }

// Calibrated reports whether the ambient window is complete.
func (a *Analyzer) Calibrated() bool { return a.ready }

// Thresholds returns the calibrated "on" and "off" thresholds. Both are zero
// before calibration completes.
func (a *Analyzer) Thresholds() (on, off float64) { return a.onThr, a.offThr }

// Runs returns the current above-run and below-run lengths.
func (a *Analyzer) Runs() (above, below int) { return a.runAbove, a.runBelow }

func (a *Analyzer) sample(s int16) {
	v := float64(s)
	sq := v * v
	a.samples++
	a.sumSq += sq
	if p := audio.Abs16(s); p > a.peak {
		a.peak = p
	}

	if !a.ready {
		a.ambientCount++
		a.ambientSumSq += sq
		if a.ambientCount >= a.ambientTarget {
			ambient := math.Sqrt(a.ambientSumSq / float64(a.ambientCount))
			a.onThr = a.tuning.OnThreshold(ambient)
			a.offThr = a.tuning.OffThreshold(a.onThr)
			a.ready = true
		}
	}
	// The sample that completes calibration also opens the first frame.
	if !a.ready {
		return
	}

	a.frameCount++
	a.frameSumSq += sq
	if a.frameCount < a.frameSamples {
		return
	}
	rms := math.Sqrt(a.frameSumSq / float64(a.frameCount))
	a.frameCount = 0
	a.frameSumSq = 0
	a.classify(rms)
}

func (a *Analyzer) classify(rms float64) {
	kind := FrameDeadZone
	switch {
	case rms >= a.onThr:
		kind = FrameAbove
		a.framesAbove++
		a.runAbove++
		a.runBelow = 0
		a.maxRunAbove = max(a.maxRunAbove, a.runAbove)
	case rms <= a.offThr:
		kind = FrameBelow
		a.framesBelow++
		a.runBelow++
		a.runAbove = 0
		a.maxRunBelow = max(a.maxRunBelow, a.runBelow)
	default:
		a.framesDead++
	}
	if a.onFrame != nil {
		a.onFrame(kind, rms)
	}
}

// Result returns the verdict for everything written so far. device labels the
// result and may be empty.
func (a *Analyzer) Result(device string) Result {
	var avg float64
	if a.samples > 0 {
		avg = math.Sqrt(a.sumSq / float64(a.samples))
	}

	var ambient float64
	if a.ambientCount > 0 {
		ambient = math.Sqrt(a.ambientSumSq / float64(a.ambientCount))
	} else {
		ambient = max(1, avg*0.6)
	}

	thr := a.tuning.OnThreshold(ambient)
	offThr := a.tuning.OffThreshold(thr)

	byRun := a.maxRunAbove >= a.tuning.OnMinFrames
	byPeak := float64(a.peak) >= thr*a.tuning.PeakFactor
	voice := byRun || byPeak

	decision := DecisionOff
	if voice {
		decision = DecisionOn
	}

	analyzed := a.format.DurationOf(a.samples * a.format.FrameSize())
	return Result{
		VoiceDetected:    voice,
		Decision:         decision,
		AverageRMS:       avg,
		AmbientRMS:       ambient,
		Peak:             a.peak,
		Threshold:        thr,
		OffThreshold:     offThr,
		Duration:         analyzed,
		Analyzed:         analyzed,
		Device:           device,
		FramesAbove:      a.framesAbove,
		FramesBelow:      a.framesBelow,
		FramesDeadZone:   a.framesDead,
		MaxRunAbove:      a.maxRunAbove,
		MaxRunBelow:      a.maxRunBelow,
		Calibrated:       a.ready,
		SilenceConfirmed: a.maxRunBelow >= a.tuning.OffMinFrames,
		PeakTriggered:    byPeak && !byRun,
	}
}

// Analyze runs the detector over a complete PCM buffer, such as a ring
// snapshot. An empty buffer fails with [audio.ErrEmptySnapshot].
func Analyze(pcm []byte, f audio.Format, t Tuning, device string) (Result, error) {
	if len(pcm) == 0 {
		return Result{}, fmt.Errorf("energy: analyze: %w", audio.ErrEmptySnapshot)
	}
	a, err := NewAnalyzer(f, t)
	if err != nil {
		return Result{}, err
	}
	a.Write(pcm)
	return a.Result(device), nil
}
