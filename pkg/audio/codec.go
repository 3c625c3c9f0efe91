package audio

import (
	"encoding/binary"
	"math"
)

// quantScale maps the float range [-1.0, 1.0] onto signed 16-bit integers.
const quantScale = 32768.0

// QuantStep is the size of one quantization step in the float domain. A
// float sample that goes through [Encode] and [Decode] comes back within one
// QuantStep of its original value; the conversion is lossy by design of the
// 16-bit wire format.
const QuantStep = 1.0 / quantScale

// Quantize converts a float sample to int16 using
// clamp(round(s*32768), -32768, 32767). NaN maps to 0.
func Quantize(s float32) int16 {
	v := math.Round(float64(s) * quantScale)
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// Dequantize converts an int16 sample back to the float domain as v/32768.
func Dequantize(v int16) float32 {
	return float32(v) / quantScale
}

// EncodePCM16 serialises int16 samples into their little-endian memory layout
// (2 bytes per sample). It is the exact inverse of [DecodePCM16].
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16 parses little-endian int16 PCM. A byte string whose length is
// not a multiple of two is malformed and yields an empty frame.
func DecodePCM16(pcm []byte) []int16 {
	if len(pcm)%2 != 0 {
		return []int16{}
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Encode quantizes float samples in [-1.0, 1.0] and serialises them as 16-bit
// little-endian PCM ready for the wire.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(Quantize(s)))
	}
	return out
}

// Decode parses 16-bit little-endian PCM into float samples in [-1.0, 1.0).
// Malformed input (odd length) yields an empty, non-nil frame; Decode never
// panics, so callers can treat a zero-length result as "drop this chunk".
func Decode(pcm []byte) []float32 {
	if len(pcm)%2 != 0 {
		return []float32{}
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = Dequantize(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}
