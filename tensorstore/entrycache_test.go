package tensorstore

import (
	"testing"

	"github.com/stretchr/testify/require"
	"imgsynth-go/dtype"
)

// countingSource counts how many times ReadAt is invoked, so tests can
// confirm a second DataAs call for the same target dtype is served from
// cache rather than re-reading.
type countingSource struct {
	buf   []byte
	reads int
}

func (c *countingSource) ReadAt(p []byte, off int64) (int, error) {
	c.reads++
	n := copy(p, c.buf[off:])
	return n, nil
}

func TestEntryDataAsCachesConversion(t *testing.T) {
	raw, err := dtype.EncodeF32(dtype.F32, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	src := &countingSource{buf: raw}

	e := &Entry{Dtype: dtype.F32, Shape: [4]int{4, 1, 1, 1}, Offset: 0, Size: int64(len(raw)), Source: src}

	v1, err := e.DataAs(dtype.F32)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 4}, v1)
	require.Equal(t, 1, src.reads)

	v2, err := e.DataAs(dtype.F32)
	require.NoError(t, err)
	require.Equal(t, v1, v2)
	require.Equal(t, 1, src.reads, "second request for same target dtype must hit the cache")
}

func TestEntryInvalidateForcesReread(t *testing.T) {
	raw, err := dtype.EncodeF32(dtype.F32, []float32{1, 2})
	require.NoError(t, err)
	src := &countingSource{buf: raw}
	e := &Entry{Dtype: dtype.F32, Shape: [4]int{2, 1, 1, 1}, Offset: 0, Size: int64(len(raw)), Source: src}

	_, err = e.DataAs(dtype.F32)
	require.NoError(t, err)
	require.Equal(t, 1, src.reads)

	e.Invalidate()

	_, err = e.DataAs(dtype.F32)
	require.NoError(t, err)
	require.Equal(t, 2, src.reads)
}

func TestEntryDataAsDistinctTargetsCachedSeparately(t *testing.T) {
	raw, err := dtype.EncodeF32(dtype.F32, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	src := &countingSource{buf: raw}
	e := &Entry{Dtype: dtype.F32, Shape: [4]int{4, 1, 1, 1}, Offset: 0, Size: int64(len(raw)), Source: src}

	_, err = e.DataAs(dtype.F32)
	require.NoError(t, err)
	_, err = e.DataAs(dtype.F16)
	require.NoError(t, err)
	require.Equal(t, 2, src.reads, "a different target dtype must re-read, not reuse the F32 cache entry")
}
