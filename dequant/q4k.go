// Package dequant implements the CPU-reference decoders for every dtype
// TensorMaterializer may need to widen or dequantize: block-quantized-4bit
// (Q4_K-shaped), bfloat16, and float16 (§4.4).
//
// The teacher's own K-quant handling (x/ml/backend/mlx/quant.go) is cgo
// bound to libmlx's extraction kernels and has no pure-Go equivalent to
// adapt; the block layout and per-element formula here are implemented
// directly from the format definition, the way a from-scratch decoder for
// a block-quantized scheme has to be.
package dequant

import "fmt"

// BlockElements and BlockBytes are the fixed Q4K block layout: 256
// elements packed into 144 bytes.
const (
	BlockElements = 256
	BlockBytes    = 144

	scalesOffset = 4   // after d (2 bytes) and dmin (2 bytes)
	scalesBytes  = 12
	qsOffset     = scalesOffset + scalesBytes // 16
)

// subBlockScaleMin returns the 6-bit scale and min for sub-block j (0-7)
// of a Q4K block's 12-byte packed scales table, per §4.4:
//
//	sub-blocks 0-3: sc = scales[j] & 0x3F,            mn = scales[j+4] & 0x3F
//	sub-blocks 4-7: sc = (scales[j+4] & 0x0F) | ((scales[j-4] >> 6) << 4)
//	                mn = (scales[j+4] >> 4)  | ((scales[j]   >> 6) << 4)
func subBlockScaleMin(scales [scalesBytes]byte, j int) (sc, mn uint8) {
	if j < 4 {
		return scales[j] & 0x3F, scales[j+4] & 0x3F
	}
	sc = (scales[j+4] & 0x0F) | ((scales[j-4] >> 6) << 4)
	mn = (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
	return sc, mn
}

// nibble returns the 4-bit value for element i (0-255) within a block's
// 128-byte quantized payload, using the chunked nibble order from §4.4:
// within each 64-element chunk, the first 32 elements are the low nibbles
// of 32 consecutive bytes, the next 32 are the high nibbles of the same 32
// bytes, then the chunk advances by 32 bytes.
func nibble(qs [128]byte, i int) uint8 {
	chunk := i / 64
	within := i % 64
	base := chunk * 32
	if within < 32 {
		return qs[base+within] & 0x0F
	}
	return qs[base+(within-32)] >> 4
}

// DecodeQ4KBlock decodes one 144-byte block into 256 float32 elements.
func DecodeQ4KBlock(block []byte, out []float32) error {
	if len(block) != BlockBytes {
		return fmt.Errorf("rdrr: dequant: block is %d bytes, want %d", len(block), BlockBytes)
	}
	if len(out) != BlockElements {
		return fmt.Errorf("rdrr: dequant: output buffer is %d elements, want %d", len(out), BlockElements)
	}

	d := halfToFloat32(uint16(block[0]) | uint16(block[1])<<8)
	dmin := halfToFloat32(uint16(block[2]) | uint16(block[3])<<8)

	var scales [scalesBytes]byte
	copy(scales[:], block[scalesOffset:scalesOffset+scalesBytes])

	var qs [128]byte
	copy(qs[:], block[qsOffset:qsOffset+128])

	for i := 0; i < BlockElements; i++ {
		j := i / 32 // sub-block index, 0-7
		sc, mn := subBlockScaleMin(scales, j)
		q := nibble(qs, i)
		out[i] = d*float32(sc)*float32(q) - dmin*float32(mn)
	}
	return nil
}

// DecodeQ4K decodes a full Q4K tensor payload (an integer number of
// 144-byte blocks) into float32 elements.
func DecodeQ4K(data []byte) ([]float32, error) {
	if len(data)%BlockBytes != 0 {
		return nil, fmt.Errorf("rdrr: dequant: payload size %d is not a multiple of %d", len(data), BlockBytes)
	}
	numBlocks := len(data) / BlockBytes
	out := make([]float32, numBlocks*BlockElements)
	for b := 0; b < numBlocks; b++ {
		block := data[b*BlockBytes : (b+1)*BlockBytes]
		if err := DecodeQ4KBlock(block, out[b*BlockElements:(b+1)*BlockElements]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
