package dtype

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestF32RoundTripIdempotent(t *testing.T) {
	data := []float32{0, 1, -1, 3.25, -7.5, 1e-3}
	raw := f32ToBytes(data)
	back, err := Convert(F32, raw, len(data))
	require.NoError(t, err)
	require.Equal(t, data, back)
}

func TestF16RoundTripIdempotent(t *testing.T) {
	for _, v := range []float32{0, 1, -1, 2.5, -0.5, 100} {
		h := F32ToF16(v)
		back := F16ToF32(h)
		h2 := F32ToF16(back)
		require.Equal(t, h, h2, "F16 round trip must be idempotent for %v", v)
	}
}

func TestF32F16F32WithinRelativeError(t *testing.T) {
	for f := -10.0; f <= 10.0; f += 0.37 {
		v := float32(f)
		h := F32ToF16(v)
		back := F16ToF32(h)
		if v == 0 {
			require.InDelta(t, 0, back, 1e-3)
			continue
		}
		rel := math.Abs(float64(back-v)) / math.Abs(float64(v))
		require.LessOrEqualf(t, rel, 1e-3, "value %v converted to %v", v, back)
	}
}

func TestBF16ExactTruncation(t *testing.T) {
	v := float32(3.14159)
	h := F32ToBF16(v)
	back := BF16ToF32(h)
	// bf16 keeps the top 8 mantissa bits; relative error is coarse but bounded.
	require.InEpsilon(t, float64(v), float64(back), 0.01)
}

func TestUnsupportedConversion(t *testing.T) {
	_, err := Convert(I64, []byte{1, 2, 3, 4, 5, 6, 7, 8}, 1)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestByteSizeQuantized(t *testing.T) {
	sz, err := Q8_0.ByteSize(32)
	require.NoError(t, err)
	require.Equal(t, 34, sz)

	sz, err = Q8_0.ByteSize(33) // spills into a second block
	require.NoError(t, err)
	require.Equal(t, 68, sz)
}

func TestFromStringCaseInsensitive(t *testing.T) {
	ty, err := FromString("f32")
	require.NoError(t, err)
	require.Equal(t, F32, ty)

	ty, err = FromString("BF16")
	require.NoError(t, err)
	require.Equal(t, BF16, ty)

	_, err = FromString("nope")
	require.ErrorIs(t, err, ErrUnknown)
}

func TestQ8_0DequantApproximatesOriginal(t *testing.T) {
	data := make([]float32, 32)
	for i := range data {
		data[i] = float32(i) - 16
	}
	raw := quantQ8_0(data)
	back := dequantQ8_0(raw, len(data))
	for i := range data {
		require.InDelta(t, data[i], back[i], 0.2)
	}
}
