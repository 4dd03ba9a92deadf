package dtype

import (
	"fmt"
	"math"
)

// ErrUnsupported is returned by Convert for dtype pairs with no defined
// conversion, the DtypeUnsupported failure mode of spec.md §4.1.
var ErrUnsupported = fmt.Errorf("dtype conversion unsupported")

// Convert decodes raw bytes of dtype `from` into a []float32, the
// universal interchange format used once data reaches a tensor.LocalTensor
// or the NN block library. Quantised sources are dequantised block by
// block.
func Convert(from Type, raw []byte, nElements int) ([]float32, error) {
	switch from {
	case F32:
		return bytesToF32(raw, nElements), nil
	case F16:
		return f16BytesToF32(raw, nElements), nil
	case BF16:
		return bf16BytesToF32(raw, nElements), nil
	case F64:
		return f64BytesToF32(raw, nElements), nil
	case Q8_0:
		return dequantQ8_0(raw, nElements), nil
	case Q4_1:
		return dequantQ4_1(raw, nElements), nil
	default:
		return nil, fmt.Errorf("dtype: no conversion from %s to F32: %w", from, ErrUnsupported)
	}
}

// EncodeF32 converts a []float32 into the target dtype's raw bytes. Used
// by the tensor store write path and by quantising conversions requested
// through tensor_data_get's target-dtype argument.
func EncodeF32(to Type, data []float32) ([]byte, error) {
	switch to {
	case F32:
		return f32ToBytes(data), nil
	case F16:
		return f32ToF16Bytes(data), nil
	case Q8_0:
		return quantQ8_0(data), nil
	case Q4_1:
		return quantQ4_1(data), nil
	default:
		return nil, fmt.Errorf("dtype: no conversion from F32 to %s: %w", to, ErrUnsupported)
	}
}

func bytesToF32(raw []byte, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := le32(raw[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func f32ToBytes(data []float32) []byte {
	out := make([]byte, len(data)*4)
	for i, v := range data {
		putLE32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func f64BytesToF32(raw []byte, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := le64(raw[i*8:])
		out[i] = float32(math.Float64frombits(bits))
	}
	return out
}

// F16ToF32 converts a single IEEE-754 binary16 value, bit-exact for all
// finite inputs (and Inf/NaN propagated).
func F16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h) & 0x3FF
	var bits uint32
	switch {
	case exp == 0 && frac == 0:
		bits = sign << 31
	case exp == 0: // subnormal
		// normalize
		e := 0
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3FF
		exp32 := uint32(127 - 15 + e + 1)
		bits = (sign << 31) | (exp32 << 23) | (frac << 13)
	case exp == 0x1F: // Inf/NaN
		bits = (sign << 31) | (0xFF << 23) | (frac << 13)
	default:
		exp32 := exp - 15 + 127
		bits = (sign << 31) | (exp32 << 23) | (frac << 13)
	}
	return math.Float32frombits(bits)
}

// F32ToF16 converts with round-to-nearest-even, saturating to Inf on
// overflow.
func F32ToF16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int32((bits>>23)&0xFF) - 127 + 15
	frac := bits & 0x7FFFFF

	switch {
	case (bits&0x7FFFFFFF) == 0:
		return sign
	case ((bits >> 23) & 0xFF) == 0xFF: // Inf/NaN
		if frac != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case exp >= 0x1F:
		return sign | 0x7C00 // overflow -> Inf
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		frac |= 0x800000
		shift := uint(14 - exp)
		rounded := frac >> shift
		half := uint32(1) << (shift - 1)
		if frac&half != 0 && (frac&(half-1) != 0 || rounded&1 != 0) {
			rounded++
		}
		return sign | uint16(rounded)
	default:
		rounded := frac >> 13
		if frac&0x1000 != 0 && (frac&0xFFF != 0 || rounded&1 != 0) {
			rounded++
			if rounded&0x400 != 0 {
				rounded = 0
				exp++
				if exp >= 0x1F {
					return sign | 0x7C00
				}
			}
		}
		return sign | uint16(exp<<10) | uint16(rounded)
	}
}

func f16BytesToF32(raw []byte, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		h := uint16(raw[i*2]) | uint16(raw[i*2+1])<<8
		out[i] = F16ToF32(h)
	}
	return out
}

func f32ToF16Bytes(data []float32) []byte {
	out := make([]byte, len(data)*2)
	for i, v := range data {
		h := F32ToF16(v)
		out[i*2] = byte(h)
		out[i*2+1] = byte(h >> 8)
	}
	return out
}

// BF16ToF32 is exact: bfloat16 is simply the top 16 bits of a float32.
func BF16ToF32(h uint16) float32 {
	return math.Float32frombits(uint32(h) << 16)
}

// F32ToBF16 truncates with round-to-nearest-even on the dropped mantissa
// bits.
func F32ToBF16(f float32) uint16 {
	bits := math.Float32bits(f)
	rounded := bits + 0x7FFF + ((bits >> 16) & 1)
	return uint16(rounded >> 16)
}

func bf16BytesToF32(raw []byte, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		h := uint16(raw[i*2]) | uint16(raw[i*2+1])<<8
		out[i] = BF16ToF32(h)
	}
	return out
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// --- block-quantised formats ---
// Each block computes a per-block scale (and, for Q4_1, a minimum) so that
// original values can be approximately reconstructed; this is the "compute
// per-block scale/min" step spec.md §4.1 calls for on the write side.

const blockSize = 32

func quantQ8_0(data []float32) []byte {
	nBlocks := (len(data) + blockSize - 1) / blockSize
	out := make([]byte, nBlocks*34)
	for b := 0; b < nBlocks; b++ {
		start := b * blockSize
		end := start + blockSize
		if end > len(data) {
			end = len(data)
		}
		var amax float32
		for _, v := range data[start:end] {
			if a := abs32(v); a > amax {
				amax = a
			}
		}
		scale := amax / 127.0
		if scale == 0 {
			scale = 1
		}
		off := b * 34
		h := F32ToF16(scale)
		out[off] = byte(h)
		out[off+1] = byte(h >> 8)
		for i := start; i < end; i++ {
			q := int32(math.Round(float64(data[i] / scale)))
			if q > 127 {
				q = 127
			}
			if q < -127 {
				q = -127
			}
			out[off+2+(i-start)] = byte(int8(q))
		}
	}
	return out
}

func dequantQ8_0(raw []byte, n int) []float32 {
	out := make([]float32, n)
	nBlocks := (n + blockSize - 1) / blockSize
	for b := 0; b < nBlocks; b++ {
		off := b * 34
		h := uint16(raw[off]) | uint16(raw[off+1])<<8
		scale := F16ToF32(h)
		start := b * blockSize
		end := start + blockSize
		if end > n {
			end = n
		}
		for i := start; i < end; i++ {
			q := int8(raw[off+2+(i-start)])
			out[i] = float32(q) * scale
		}
	}
	return out
}

func quantQ4_1(data []float32) []byte {
	nBlocks := (len(data) + blockSize - 1) / blockSize
	out := make([]byte, nBlocks*24)
	for b := 0; b < nBlocks; b++ {
		start := b * blockSize
		end := start + blockSize
		if end > len(data) {
			end = len(data)
		}
		min, max := data[start], data[start]
		for _, v := range data[start:end] {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		scale := (max - min) / 15.0
		if scale == 0 {
			scale = 1
		}
		off := b * 24
		hs := F32ToF16(scale)
		hm := F32ToF16(min)
		out[off] = byte(hs)
		out[off+1] = byte(hs >> 8)
		out[off+2] = byte(hm)
		out[off+3] = byte(hm >> 8)
		for i := start; i < end; i += 2 {
			q0 := quantizeNibble(data[i], min, scale)
			var q1 byte
			if i+1 < end {
				q1 = quantizeNibble(data[i+1], min, scale)
			}
			out[off+4+(i-start)/2] = q0 | (q1 << 4)
		}
	}
	return out
}

func quantizeNibble(v, min, scale float32) byte {
	q := int32(math.Round(float64((v - min) / scale)))
	if q < 0 {
		q = 0
	}
	if q > 15 {
		q = 15
	}
	return byte(q)
}

func dequantQ4_1(raw []byte, n int) []float32 {
	out := make([]float32, n)
	nBlocks := (n + blockSize - 1) / blockSize
	for b := 0; b < nBlocks; b++ {
		off := b * 24
		hs := uint16(raw[off]) | uint16(raw[off+1])<<8
		hm := uint16(raw[off+2]) | uint16(raw[off+3])<<8
		scale := F16ToF32(hs)
		min := F16ToF32(hm)
		start := b * blockSize
		end := start + blockSize
		if end > n {
			end = n
		}
		for i := start; i < end; i += 2 {
			packed := raw[off+4+(i-start)/2]
			out[i] = float32(packed&0xF)*scale + min
			if i+1 < end {
				out[i+1] = float32(packed>>4)*scale + min
			}
		}
	}
	return out
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
