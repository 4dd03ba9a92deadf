package tensorstore

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"imgsynth-go/dtype"
)

type ggufBuilder struct {
	buf []byte
}

func (b *ggufBuilder) u32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *ggufBuilder) u64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *ggufBuilder) str(s string) {
	b.u64(uint64(len(s)))
	b.buf = append(b.buf, s...)
}

// buildGGUF assembles a minimal GGUF stream: magic, version 3, one string
// metadata entry, one F16 tensor named "w" of shape [4,2] (inner-first,
// as format B stores it natively).
func buildGGUF(t *testing.T) ([]byte, []float32) {
	t.Helper()
	b := &ggufBuilder{}
	b.buf = append(b.buf, []byte(ggufMagic)...)
	b.u32(3)
	b.u64(1) // tensor count
	b.u64(1) // metadata count

	b.str("general.architecture")
	b.u32(ggufTypeString)
	b.str("sdxl")

	b.str("w")
	b.u32(2) // rank
	b.u64(4)
	b.u64(2)
	b.u32(1) // ggml type 1 -> F16

	headerEndBeforeOffset := len(b.buf) + 8 // offset field itself is 8 bytes
	dataStart := alignUp(int64(headerEndBeforeOffset), formatAAlign)
	b.u64(0) // data offset 0, relative to aligned data start

	for int64(len(b.buf)) < dataStart {
		b.buf = append(b.buf, 0)
	}

	values := []float32{1, -2, 3, -4, 5, -6, 7, -8}
	raw, err := dtype.EncodeF32(dtype.F16, values)
	require.NoError(t, err)
	b.buf = append(b.buf, raw...)

	return b.buf, values
}

func TestDetectFormatB(t *testing.T) {
	require.True(t, DetectFormatB([]byte("GGUF")))
	require.False(t, DetectFormatB([]byte("xxxx")))
	require.False(t, DetectFormatB([]byte("GG")))
}

func TestReadFormatB(t *testing.T) {
	buf, want := buildGGUF(t)
	src := &memSource{buf: buf}
	s := NewStore()
	require.NoError(t, ReadFormatB(s, src))

	v, ok := s.GetMeta("general.architecture")
	require.True(t, ok)
	require.Equal(t, "sdxl", v)

	e := s.GetTensor("w")
	require.NotNil(t, e)
	require.Equal(t, dtype.F16, e.Dtype)
	require.Equal(t, [4]int{4, 2, 1, 1}, e.Shape)

	got, err := e.DataAs(dtype.F16)
	require.NoError(t, err)
	require.InDeltaSlice(t, want, got, 1e-2)
}

func TestReadFormatBRejectsBadMagic(t *testing.T) {
	src := &memSource{buf: []byte("XXXX" + "\x03\x00\x00\x00")}
	s := NewStore()
	err := ReadFormatB(s, src)
	require.ErrorIs(t, err, ErrFormat)
}

func TestReadFormatBRejectsUnsupportedVersion(t *testing.T) {
	b := &ggufBuilder{}
	b.buf = append(b.buf, []byte(ggufMagic)...)
	b.u32(99)
	src := &memSource{buf: b.buf}
	s := NewStore()
	err := ReadFormatB(s, src)
	require.ErrorIs(t, err, ErrFormat)
}
