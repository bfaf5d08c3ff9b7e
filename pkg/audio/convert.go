package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// PCMMIMEType returns the MIME label used on the wire for raw PCM16 at rate.
func PCMMIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// Duration returns the playback length of mono PCM16 data at sampleRate.
// A non-positive rate yields zero.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := int64(len(pcm) / bytesPerSample)
	return time.Duration(samples * int64(time.Second) / int64(sampleRate))
}

// SamplesFor returns how many samples span d at sampleRate.
func SamplesFor(d time.Duration, sampleRate int) int {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}

// Quantize converts float samples in [-1, 1] to little-endian PCM16 using a
// scale factor of 32768. Out-of-range input is clamped rather than wrapped
// and NaN becomes silence.
func Quantize(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		v := float64(s) * 32768
		if math.IsNaN(v) {
			v = 0
		} else if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// Level returns the root-mean-square amplitude of samples, clamped to
// [0, 1]. Empty input has level 0.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if math.IsNaN(rms) {
		return 0
	}
	return min(rms, 1)
}

// DecodeFloat32 interprets b as little-endian IEEE-754 float32 samples.
// Trailing bytes that do not form a whole sample are ignored.
func DecodeFloat32(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := range n {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := sampleAt(pcm, srcIdx)
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = sampleAt(pcm, srcIdx+1)
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(interpolated))
	}
	return out
}

// MixInto adds src into dst sample-by-sample starting at sample offset,
// saturating at the int16 range. Samples of src that fall past the end of dst
// are dropped. Both buffers are PCM16.
func MixInto(dst []byte, offset int, src []byte) {
	if offset < 0 {
		skip := -offset * 2
		if skip >= len(src) {
			return
		}
		src = src[skip:]
		offset = 0
	}
	dstSamples := len(dst) / 2
	for i := 0; i+1 < len(src); i += 2 {
		j := offset + i/2
		if j >= dstSamples {
			return
		}
		sum := int32(sampleAt(dst, j)) + int32(int16(binary.LittleEndian.Uint16(src[i:])))
		if sum > math.MaxInt16 {
			sum = math.MaxInt16
		} else if sum < math.MinInt16 {
			sum = math.MinInt16
		}
		binary.LittleEndian.PutUint16(dst[j*2:], uint16(int16(sum)))
	}
}

func sampleAt(pcm []byte, idx int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[idx*2:]))
}
