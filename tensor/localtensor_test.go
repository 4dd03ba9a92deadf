package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalTensorResize(t *testing.T) {
	lt := NewLocalTensor(2, 3, 1, 1)
	require.Equal(t, 6, lt.NElements())
	require.Equal(t, 24, lt.NBytes())

	lt.Resize(4, 4, 1, 1)
	require.Equal(t, 16, lt.NElements())
}

func TestLocalTensorCopyAndClone(t *testing.T) {
	src := NewLocalTensor(2, 2, 1, 1)
	for i := range src.Data {
		src.Data[i] = float32(i + 1)
	}
	dst := &LocalTensor{}
	dst.CopyFrom(src)
	require.Equal(t, src.Data, dst.Data)

	clone := src.Clone()
	clone.Data[0] = 99
	require.NotEqual(t, src.Data[0], clone.Data[0])
}

func TestLocalTensorFiniteCheck(t *testing.T) {
	lt := NewLocalTensor(2, 1, 1, 1)
	lt.Data[0], lt.Data[1] = 1, 2
	require.True(t, lt.FiniteCheck())

	lt.Data[1] = float32(math.NaN())
	require.False(t, lt.FiniteCheck())
}

func TestLocalTensorShapeCheck(t *testing.T) {
	lt := NewLocalTensor(2, 3, 1, 1)
	require.NoError(t, lt.ShapeCheck(2, 0, 0, 0))
	require.Error(t, lt.ShapeCheck(3, 0, 0, 0))
}

func TestLocalTensorDownsize(t *testing.T) {
	src := NewLocalTensor(4, 4, 1, 1)
	for i := range src.Data {
		src.Data[i] = float32(i)
	}
	dst := &LocalTensor{}
	dst.Downsize(src, 2, 2, 1, 1)
	require.Equal(t, [4]int{2, 2, 1, 1}, dst.Shape)
}

func TestLocalTensorStat(t *testing.T) {
	lt := NewLocalTensor(3, 1, 1, 1)
	lt.Data[0], lt.Data[1], lt.Data[2] = -2, 1, 3
	s := lt.Stat()
	require.True(t, s.Valid)
	require.Equal(t, float32(-2), s.Min)
	require.Equal(t, float32(3), s.Max)
	require.Equal(t, float32(6), s.ASum)
}
