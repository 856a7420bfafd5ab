package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/MrWong99/micvad/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestSample(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{0, 1, -1, 32767, -32768})
	want := []int16{0, 1, -1, 32767, -32768}
	for i, w := range want {
		if got := audio.Sample(pcm, i); got != w {
			t.Errorf("Sample(%d) = %d, want %d", i, got, w)
		}
	}
}

func TestLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		pcm      []byte
		wantRMS  float64
		wantPeak int
	}{
		{name: "empty", pcm: nil, wantRMS: 0, wantPeak: 0},
		{name: "silence", pcm: make([]byte, 640), wantRMS: 0, wantPeak: 0},
		{name: "constant", pcm: samplesToBytes([]int16{1000, 1000, 1000, 1000}), wantRMS: 1000, wantPeak: 1000},
		{name: "square", pcm: samplesToBytes([]int16{700, -700, 700, -700}), wantRMS: 700, wantPeak: 700},
		{name: "min sample", pcm: samplesToBytes([]int16{-32768}), wantRMS: 32768, wantPeak: 32768},
		{name: "odd trailing byte", pcm: append(samplesToBytes([]int16{300}), 0x7f), wantRMS: 300, wantPeak: 300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.Levels(tt.pcm)
			if math.Abs(got.RMS-tt.wantRMS) > 1e-9 {
				t.Errorf("RMS = %f, want %f", got.RMS, tt.wantRMS)
			}
			if got.Peak != tt.wantPeak {
				t.Errorf("Peak = %d, want %d", got.Peak, tt.wantPeak)
			}
		})
	}
}

func TestLevel_DBFS(t *testing.T) {
	t.Parallel()
	full := audio.Level{RMS: 32768, Peak: 32768}
	if got := full.RMSDBFS(); math.Abs(got) > 1e-6 {
		t.Errorf("full scale RMSDBFS = %f, want 0", got)
	}
	half := audio.Level{Peak: 16384}
	if got := half.PeakDBFS(); math.Abs(got-(-6.0206)) > 1e-3 {
		t.Errorf("half scale PeakDBFS = %f, want about -6.02", got)
	}
	silent := audio.Level{}
	if got := silent.RMSDBFS(); got > -200 {
		t.Errorf("silence RMSDBFS = %f, want a large negative value", got)
	}
}

func TestInt16ToBytes(t *testing.T) {
	t.Parallel()
	got := audio.Int16ToBytes(nil, []int16{1, -2, 256})
	want := samplesToBytes([]int16{1, -2, 256})
	if string(got) != string(want) {
		t.Errorf("Int16ToBytes = %v, want %v", got, want)
	}
}

func TestResampler_PassThrough(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{100, 200, 300})
	for _, rates := range [][2]int{{16000, 16000}, {0, 16000}, {44100, -1}} {
		out := audio.NewResampler(rates[0], rates[1]).Resample(nil, pcm)
		if string(out) != string(pcm) {
			t.Errorf("rates %v changed the input", rates)
		}
	}
}

func TestResampler_Downsample(t *testing.T) {
	t.Parallel()
	// 48 kHz to 16 kHz keeps every third sample for a ramp.
	samples := make([]int16, 48)
	for i := range samples {
		samples[i] = int16(i * 10)
	}
	out := audio.NewResampler(48000, 16000).Resample(nil, samplesToBytes(samples))
	if len(out) != 16*2 {
		t.Fatalf("length = %d, want %d", len(out), 16*2)
	}
	for i := range 16 {
		if got, want := audio.Sample(out, i), int16(i*30); got != want {
			t.Errorf("sample %d = %d, want %d", i, got, want)
		}
	}
}

// A 44.1 kHz device read in 320-sample buffers yields 116.1 output samples
// per buffer. The fraction must carry over instead of being dropped.
func TestResampler_ChunkedStreamKeepsRate(t *testing.T) {
	t.Parallel()
	const chunk = 320
	total := 44100 * 2
	ramp := make([]int16, total)
	for i := range ramp {
		ramp[i] = int16(i % 30000)
	}
	whole := audio.NewResampler(44100, 16000).Resample(nil, samplesToBytes(ramp))

	r := audio.NewResampler(44100, 16000)
	var streamed, buf []byte
	for off := 0; off < total; off += chunk {
		end := min(off+chunk, total)
		buf = r.Resample(buf, samplesToBytes(ramp[off:end]))
		streamed = append(streamed, buf...)
	}

	if got := len(streamed) / 2; got < 31999 || got > 32000 {
		t.Fatalf("streamed %d samples for 2s at 16 kHz, want 32000 (-1 held back)", got)
	}
	if len(streamed) != len(whole) {
		t.Fatalf("streamed %d bytes, single call %d", len(streamed), len(whole))
	}
	for i := range len(streamed) / 2 {
		if a, b := audio.Sample(streamed, i), audio.Sample(whole, i); a != b {
			t.Fatalf("sample %d = %d streamed, %d in one call", i, a, b)
		}
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	f := audio.PCM16Mono16k()
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := f.BytesPerSecond(); got != 32000 {
		t.Errorf("BytesPerSecond = %d, want 32000", got)
	}
	if got := f.BytesFor(20_000_000); got != 640 {
		t.Errorf("BytesFor(20ms) = %d, want 640", got)
	}
	if got := f.MillisOf(3200); got != 100 {
		t.Errorf("MillisOf(3200) = %d, want 100", got)
	}
	if got := f.MillisOf(47); got != 1 {
		t.Errorf("MillisOf(47) = %d, want 1 (rounded)", got)
	}
	if got := f.String(); got != "16000Hz 16bit mono" {
		t.Errorf("String = %q", got)
	}

	bad := audio.Format{SampleRate: 0, BitDepth: 8, Channels: 2}
	if err := bad.Validate(); err == nil {
		t.Error("expected validation error for bad format")
	}
}
