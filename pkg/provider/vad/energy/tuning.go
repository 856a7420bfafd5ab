// Package energy implements an amplitude-based voice activity detector with
// ambient-noise calibration and hysteresis.
//
// Every verdict starts by measuring the room: the first AmbientWindow of audio
// yields an ambient RMS that is scaled by SensitivityFactor and clamped to
// [ThresholdMin, ThresholdMax] to give the "on" threshold. The "off"
// threshold is OffFactor times the "on" threshold. After calibration the
// audio is cut into FrameDuration frames; a frame at or above the "on"
// threshold extends the current above-run, a frame at or below the "off"
// threshold extends the below-run, and frames in between change neither run.
// Voice is reported when the longest above-run reaches OnMinFrames, or when
// the single loudest sample reaches PeakFactor times the threshold.
//
// Amplitudes are on the linear int16 scale (0 to 32768), not dBFS.
package energy

import (
	"errors"
	"fmt"
	"time"
)

// Tuning holds the detector constants.
type Tuning struct {
	// SensitivityFactor scales the ambient RMS into the "on" threshold.
	SensitivityFactor float64

	// ThresholdMin and ThresholdMax clamp the "on" threshold.
	ThresholdMin float64
	ThresholdMax float64

	// OffFactor scales the "on" threshold into the "off" threshold.
	OffFactor float64

	// FrameDuration is the analysis frame length.
	FrameDuration time.Duration

	// AmbientWindow is the calibration prefix.
	AmbientWindow time.Duration

	// OnMinFrames is the above-run length that confirms voice.
	OnMinFrames int

	// OffMinFrames is the below-run length that confirms silence. It is
	// reported in results and ends inline speech segments, but never gates a
	// check's decision.
	OffMinFrames int

	// PeakFactor scales the threshold into the single-sample peak fallback.
	PeakFactor float64
}

// DefaultTuning returns the stock constants.
func DefaultTuning() Tuning {
	return Tuning{
		SensitivityFactor: 3.5,
		ThresholdMin:      600,
		ThresholdMax:      2500,
		OffFactor:         0.7,
		FrameDuration:     20 * time.Millisecond,
		AmbientWindow:     400 * time.Millisecond,
		OnMinFrames:       6,
		OffMinFrames:      10,
		PeakFactor:        1.5,
	}
}

// Validate reports every invalid field.
func (t Tuning) Validate() error {
	var errs []error
	if t.SensitivityFactor <= 0 {
		errs = append(errs, fmt.Errorf("energy: sensitivity factor must be positive, got %v", t.SensitivityFactor))
	}
	if t.ThresholdMin <= 0 {
		errs = append(errs, fmt.Errorf("energy: threshold min must be positive, got %v", t.ThresholdMin))
	}
	if t.ThresholdMax < t.ThresholdMin {
		errs = append(errs, fmt.Errorf("energy: threshold max %v is below min %v", t.ThresholdMax, t.ThresholdMin))
	}
	if t.OffFactor <= 0 || t.OffFactor > 1 {
		errs = append(errs, fmt.Errorf("energy: off factor must be in (0, 1], got %v", t.OffFactor))
	}
	if t.FrameDuration <= 0 {
		errs = append(errs, errors.New("energy: frame duration must be positive"))
	}
	if t.AmbientWindow <= 0 {
		errs = append(errs, errors.New("energy: ambient window must be positive"))
	}
	if t.OnMinFrames < 1 {
		errs = append(errs, fmt.Errorf("energy: on min frames must be at least 1, got %d", t.OnMinFrames))
	}
	if t.OffMinFrames < 1 {
		errs = append(errs, fmt.Errorf("energy: off min frames must be at least 1, got %d", t.OffMinFrames))
	}
	if t.PeakFactor <= 0 {
		errs = append(errs, fmt.Errorf("energy: peak factor must be positive, got %v", t.PeakFactor))
	}
	return errors.Join(errs...)
}

// Clamp limits an "on" threshold to [ThresholdMin, ThresholdMax].
func (t Tuning) Clamp(v float64) float64 {
	return min(max(v, t.ThresholdMin), t.ThresholdMax)
}

// OnThreshold returns the clamped "on" threshold for ambientRMS.
func (t Tuning) OnThreshold(ambientRMS float64) float64 {
	return t.Clamp(ambientRMS * t.SensitivityFactor)
}

// OffThreshold returns the "off" threshold paired with onThreshold.
func (t Tuning) OffThreshold(onThreshold float64) float64 {
	return onThreshold * t.OffFactor
}

const (
	defaultSeconds = 3
	minSeconds     = 1
	maxSeconds     = 15
)

// NormalizeSeconds maps a requested check length to [1, 15] seconds. Zero or
// negative requests use the 3 second default.
func NormalizeSeconds(seconds int) int {
	if seconds <= 0 {
		return defaultSeconds
	}
	return min(max(seconds, minSeconds), maxSeconds)
}
