// Package tensor holds two tensor representations: a generic dense
// array, Tensor[T], which no other package of the engine currently uses,
// and LocalTensor, the host-resident float32 interchange type that
// carries data between pipeline stages (CLIP -> sampler -> VAE).
package tensor

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// TensorDataType bounds the element types a generic Tensor can hold.
type TensorDataType interface {
	FloatDataType | ~int32 | ~int64 | ~uint32 | ~uint64
}

type FloatDataType interface {
	~float32 | ~float64
}

// Tensor is a dense, row-major, shape-tagged array. The tokenizer hands
// CLIP plain []int32 token ids rather than a Tensor, and float data
// between stages uses LocalTensor, whose fixed 4-dim shape and flags
// match the engine's graph/compute boundary.
type Tensor[T TensorDataType] struct {
	data   []T
	shape  []uint32
	length uint32
}

func NewTensor[T TensorDataType](data []T, shape []uint32) *Tensor[T] {
	total := calculateSize(shape)
	if len(data) != int(total) {
		panic("data length does not match the total number of elements in the tensor")
	}
	return &Tensor[T]{data: data, shape: shape, length: total}
}

func EmptyTensor[T TensorDataType](shape []uint32) *Tensor[T] {
	total := calculateSize(shape)
	return &Tensor[T]{data: make([]T, int(total)), shape: shape, length: total}
}

func (t *Tensor[T]) Data() []T       { return t.data }
func (t *Tensor[T]) Shape() []uint32 { return t.shape }
func (t *Tensor[T]) Size() uint32    { return t.length }

func (t *Tensor[T]) Reshape(newShape []uint32) *Tensor[T] {
	newSize := calculateSize(newShape)
	if newSize != t.length {
		panic("new shape does not match the length of the tensor")
	}
	t.shape = newShape
	return t
}

func (t *Tensor[T]) At(index ...uint32) *T {
	if len(index) != len(t.shape) {
		panic("index length does not match the number of dimensions in the tensor")
	}
	offset := uint32(0)
	for i := 0; i < len(t.shape); i++ {
		if index[i] >= t.shape[i] {
			panic(fmt.Sprintf("index %d out of range", index[i]))
		}
		offset = offset*t.shape[i] + index[i]
	}
	return &t.data[offset]
}

func (t *Tensor[T]) Slice(offset uint32, shape []uint32) *Tensor[T] {
	newSize := calculateSize(shape)
	if offset+newSize > t.length {
		panic("slice out of range")
	}
	return &Tensor[T]{data: t.data[offset : offset+newSize], shape: shape, length: newSize}
}

func (t *Tensor[T]) CloseTo(other *Tensor[T], rel float32) (bool, error) {
	if len(t.shape) != len(other.shape) {
		return false, fmt.Errorf("tensors must have the same number of dimensions, "+
			"dimensions: %d != %d", len(t.shape), len(other.shape))
	}
	for i, dim := range t.shape {
		if dim != other.shape[i] {
			return false, errors.New("tensors must have the same shape")
		}
	}
	for i := range t.data {
		if !FloatEq(float32(t.data[i]), float32(other.data[i]), rel) {
			return false, nil
		}
	}
	return true, nil
}

func FloatEq(a, b, rel float32) bool {
	absDiff := math.Abs(float64(a - b))
	return absDiff <= float64(rel)*(math.Abs(float64(a))+math.Abs(float64(b)))/2.0
}

func calculateSize(shape []uint32) uint32 {
	if len(shape) == 0 {
		return 0
	}
	length := uint32(1)
	for _, dim := range shape {
		length *= dim
	}
	return length
}

// String renders a compact, truncated view, mainly used in debug logs.
func (t *Tensor[T]) String() string {
	if len(t.shape) == 0 || len(t.data) == 0 {
		return "[]"
	}
	var sb strings.Builder
	sb.WriteString("[")
	for i, v := range t.data {
		if i > 0 {
			sb.WriteString(" ")
		}
		if i >= 20 {
			sb.WriteString("...")
			break
		}
		sb.WriteString(fmt.Sprintf("%v", v))
	}
	sb.WriteString("]")
	return sb.String()
}
