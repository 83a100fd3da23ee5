package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// WireSampleRate is the sample rate the live service expects for input audio.
const WireSampleRate = 16000

// ErrUpsampleUnsupported is returned by [Downsample] when the target rate is
// higher than the source rate.
var ErrUpsampleUnsupported = errors.New("audio: upsampling is not supported")

// Downsample reduces samples from srcRate to dstRate by box-car averaging:
// each output sample is the mean of every source sample that falls inside
// its window. When the rates are equal the input is returned unchanged.
func Downsample(samples []float32, srcRate, dstRate int) ([]float32, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rates %d -> %d", srcRate, dstRate)
	}
	if srcRate == dstRate {
		return samples, nil
	}
	if dstRate > srcRate {
		return nil, fmt.Errorf("%w: %d -> %d", ErrUpsampleUnsupported, srcRate, dstRate)
	}

	ratio := float64(srcRate) / float64(dstRate)
	n := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float32, n)

	offset := 0
	for i := range n {
		next := int(math.Round(float64(i+1) * ratio))
		if next > len(samples) {
			next = len(samples)
		}
		var sum float64
		count := 0
		for j := offset; j < next; j++ {
			sum += float64(samples[j])
			count++
		}
		if count > 0 {
			out[i] = float32(sum / float64(count))
		}
		offset = next
	}
	return out, nil
}

// Resample converts mono float samples between arbitrary rates using linear
// interpolation. It is used on the playback side, where model audio (24 kHz)
// usually needs upsampling to the output device rate.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Downmix averages interleaved multi-channel float samples into mono.
// A channel count of one or less returns the input unchanged.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// EncodePCM16 converts float samples to 16-bit little-endian PCM. Samples are
// clamped to [-1, 1]; negative values scale by 32768 and non-negative values
// by 32767 so both extremes map onto the full int16 range. NaN encodes as 0.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(max(-1, min(1, s)))
		var q int16
		switch {
		case math.IsNaN(v):
		case v < 0:
			q = int16(math.Round(v * 32768))
		default:
			q = int16(math.Round(v * 32767))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(q))
	}
	return out
}

// DecodePCM16 converts 16-bit little-endian PCM to float samples using the
// inverse of [EncodePCM16]. A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		q := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if q < 0 {
			out[i] = float32(q) / 32768
		} else {
			out[i] = float32(q) / 32767
		}
	}
	return out
}

// EncodeBase64 renders PCM bytes in the standard base64 alphabet used by the
// wire protocol.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64 is the inverse of [EncodeBase64].
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	return b, nil
}

// RMS returns the root-mean-square level of samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Encoder turns captured frames into wire-ready PCM16 at a fixed target rate.
// The zero value targets [WireSampleRate].
type Encoder struct {
	TargetRate int
}

// Encode downsamples frame to the target rate and quantises it to PCM16.
func (e Encoder) Encode(frame Frame) ([]byte, error) {
	target := e.TargetRate
	if target == 0 {
		target = WireSampleRate
	}
	samples, err := Downsample(frame.Samples, frame.SampleRate, target)
	if err != nil {
		return nil, err
	}
	return EncodePCM16(samples), nil
}
