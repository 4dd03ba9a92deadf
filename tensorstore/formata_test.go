package tensorstore

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"imgsynth-go/dtype"
)

// buildFormatA assembles a minimal safetensors-style stream by hand: one
// F32 tensor of shape [2,3] (outer-first in the header, as the real format
// stores it) plus one metadata key.
func buildFormatA(t *testing.T) []byte {
	t.Helper()
	header := `{"__metadata__":{"format":"pt"},"x":{"dtype":"F32","shape":[2,3],"data_offsets":[0,24]}}`
	padded := header
	for len(padded)%32 != 0 {
		padded += " "
	}
	buf := make([]byte, 8+len(padded)+24)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(padded)))
	copy(buf[8:], padded)
	dataStart := 8 + len(padded)
	for i := 0; i < 6; i++ {
		binary.LittleEndian.PutUint32(buf[dataStart+i*4:], float32Bits(float32(i)))
	}
	return buf
}

func float32Bits(f float32) uint32 {
	// Avoid importing math in the test body twice; use the production
	// encoder instead to keep the fixture self-consistent.
	b, _ := dtype.EncodeF32(dtype.F32, []float32{f})
	return binary.LittleEndian.Uint32(b)
}

func TestReadFormatA(t *testing.T) {
	buf := buildFormatA(t)
	src := &memSource{buf: buf}
	s := NewStore()
	require.NoError(t, ReadFormatA(s, src, int64(len(buf))))

	v, ok := s.GetMeta("format")
	require.True(t, ok)
	require.Equal(t, "pt", v)

	e := s.GetTensor("x")
	require.NotNil(t, e)
	require.Equal(t, dtype.F32, e.Dtype)
	// outer-first [2,3] reverses to inner-first [3,2,1,1]
	require.Equal(t, [4]int{3, 2, 1, 1}, e.Shape)
	require.Equal(t, 6, e.NElements())

	data, err := e.DataAs(dtype.F32)
	require.NoError(t, err)
	require.Equal(t, []float32{0, 1, 2, 3, 4, 5}, data)
}

func TestReadFormatARejectsOversizedHeader(t *testing.T) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(MaxHeaderSize)+1)
	src := &memSource{buf: buf}
	s := NewStore()
	err := ReadFormatA(s, src, int64(len(buf)))
	require.ErrorIs(t, err, ErrOverflow)
}

func TestWriteFormatAThenReadBack(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.AddTensor("a", Entry{Dtype: dtype.F32, Shape: [4]int{2, 1, 1, 1}}))
	data := map[string][]byte{
		"a": mustEncodeF32(t, []float32{1, 2}),
	}

	w := &memWriteSeeker{}
	require.NoError(t, WriteFormatA(s, w, data))

	readBack := NewStore()
	src := &memSource{buf: w.buf}
	require.NoError(t, ReadFormatA(readBack, src, int64(len(w.buf))))

	e := readBack.GetTensor("a")
	require.NotNil(t, e)
	got, err := e.DataAs(dtype.F32)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2}, got)
}

func mustEncodeF32(t *testing.T, v []float32) []byte {
	t.Helper()
	b, err := dtype.EncodeF32(dtype.F32, v)
	require.NoError(t, err)
	return b
}
