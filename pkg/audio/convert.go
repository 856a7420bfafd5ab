package audio

import (
	"math"
)

// Level summarises the loudness of a block of PCM samples.
type Level struct {
	// RMS is the root-mean-square amplitude on the linear int16 scale.
	RMS float64

	// Peak is the largest absolute sample value.
	Peak int

	// Samples is the number of whole samples measured.
	Samples int
}

// RMSDBFS returns RMS relative to full scale in decibels.
func (l Level) RMSDBFS() float64 { return dbfs(l.RMS) }

// PeakDBFS returns Peak relative to full scale in decibels.
func (l Level) PeakDBFS() float64 { return dbfs(float64(l.Peak)) }

func dbfs(v float64) float64 {
	return 20 * math.Log10(v/32768.0+1e-12)
}

// Sample decodes the i-th little-endian int16 sample of pcm.
func Sample(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

// Abs16 returns |s| as an int so that -32768 does not overflow.
func Abs16(s int16) int {
	v := int(s)
	if v < 0 {
		return -v
	}
	return v
}

// Levels measures pcm. A trailing odd byte is ignored.
func Levels(pcm []byte) Level {
	n := len(pcm) / 2
	if n == 0 {
		return Level{}
	}
	var sum float64
	peak := 0
	for i := range n {
		s := Sample(pcm, i)
		v := float64(s)
		sum += v * v
		if a := Abs16(s); a > peak {
			peak = a
		}
	}
	return Level{RMS: math.Sqrt(sum / float64(n)), Peak: peak, Samples: n}
}

// Int16ToBytes encodes samples as little-endian PCM into dst, growing it as
// needed, and returns the filled slice.
func Int16ToBytes(dst []byte, samples []int16) []byte {
	need := len(samples) * 2
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]
	for i, s := range samples {
		dst[i*2] = byte(s)
		dst[i*2+1] = byte(s >> 8)
	}
	return dst
}

// Resampler converts a stream of 16-bit mono PCM chunks from one rate to
// another with linear interpolation. The source position is tracked exactly
// across chunks and the last sample of each chunk is kept for the next one, so
// splitting a stream into chunks changes neither the sample count nor the
// values at chunk boundaries.
//
// Backends use one per line when a device only opens at its native rate;
// downstream stages always see the pipeline rate. A Resampler is not safe for
// concurrent use.
type Resampler struct {
	src, dst int64
	emitted  int64 // output samples produced so far
	consumed int64 // source samples in earlier chunks
	prev     int16 // last sample of the previous chunk
}

// NewResampler returns a Resampler from srcRate to dstRate. Non-positive or
// equal rates make it a pass-through.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{src: int64(srcRate), dst: int64(dstRate)}
}

// Resample appends the output for the next chunk pcm to dst[:0] and returns
// it. An output sample that needs the first sample of the following chunk is
// held back until that chunk arrives. A pass-through returns pcm itself.
func (r *Resampler) Resample(dst, pcm []byte) []byte {
	if r.src <= 0 || r.dst <= 0 || r.src == r.dst {
		return pcm
	}
	dst = dst[:0]
	n := int64(len(pcm) / 2)
	if n == 0 {
		return dst
	}
	at := func(i int64) int16 {
		if i < 0 {
			return r.prev
		}
		return Sample(pcm, int(i))
	}
	for {
		pos := r.emitted * r.src
		idx := pos/r.dst - r.consumed
		if idx+1 >= n {
			break
		}
		frac := float64(pos%r.dst) / float64(r.dst)
		v := int16(float64(at(idx))*(1-frac) + float64(at(idx+1))*frac)
		dst = append(dst, byte(v), byte(v>>8))
		r.emitted++
	}
	r.prev = Sample(pcm, int(n-1))
	r.consumed += n
	return dst
}
