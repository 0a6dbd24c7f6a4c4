package materialize

import (
	"math"

	"github.com/rdrr/loader/fs/rdrr"
	"github.com/x448/float16"
)

// EncodeFloat32 packs float32 elements into the on-device byte
// representation for dtype: either 32-bit float untouched, or 16-bit
// float via x448/float16 (the downcast path of §4.8.6, and the decode
// output dtype of §4.4). Also used by the norm-offset (+1) transform to
// write its result back.
func EncodeFloat32(values []float32, dtype rdrr.Dtype) []byte {
	switch dtype {
	case rdrr.DtypeF16:
		out := make([]byte, len(values)*2)
		for i, v := range values {
			bits := float16.Fromfloat32(v).Bits()
			out[2*i] = byte(bits)
			out[2*i+1] = byte(bits >> 8)
		}
		return out
	default:
		out := make([]byte, len(values)*4)
		for i, v := range values {
			bits := math.Float32bits(v)
			out[4*i] = byte(bits)
			out[4*i+1] = byte(bits >> 8)
			out[4*i+2] = byte(bits >> 16)
			out[4*i+3] = byte(bits >> 24)
		}
		return out
	}
}

// DecodeF32Bytes is the inverse of the F32 branch of EncodeFloat32, used
// by the norm-offset (+1) transform to read a device buffer back as
// float32 elements (§4.8.5).
func DecodeF32Bytes(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		bits := uint32(data[4*i]) | uint32(data[4*i+1])<<8 | uint32(data[4*i+2])<<16 | uint32(data[4*i+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}
