package dequant

import (
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// halfToFloat32 widens an IEEE 754 half-precision (float16) lane to
// float32, used for the Q4K block's d/dmin scale fields (§4.4).
func halfToFloat32(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

// DecodeF16 widens a float16 tensor payload to float32 using the same
// lane-expansion x448/float16 performs above, exposed as the CPU
// reference decoder for F16 tensors (§4.4 requires one for every decoder).
func DecodeF16(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		bits := uint16(data[2*i]) | uint16(data[2*i+1])<<8
		out[i] = float16.Frombits(bits).Float32()
	}
	return out
}

// DecodeBF16 widens a bfloat16 tensor payload to float32. The on-device
// path is a mandatory shift-left-by-16 of the 16-bit lane into the
// 32-bit lane (§4.4); this CPU reference uses the same pack's decoder
// that widens ollama's own BF16 tensors, for cross-checking against the
// bit-shift form in tests.
func DecodeBF16(data []byte) []float32 {
	return bfloat16.DecodeFloat32(data)
}

// WidenBF16Lane performs the mandatory on-device conversion: a single
// bfloat16 lane shifted into the high half of a float32 lane.
func WidenBF16Lane(lane uint16) float32 {
	return math.Float32frombits(uint32(lane) << 16)
}
