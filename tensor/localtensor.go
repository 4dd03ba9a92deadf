package tensor

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
)

// LocalTensor flags, mirroring original_source/src/localtensor.h's
// LT_F_OWNMEM / LT_F_READY.
const (
	FlagOwnMem = 1 << iota
	FlagReady
)

// LocalTensor is the host-resident, dense float32 interchange type that
// moves between pipeline stages: CLIP's conditioning feeds the sampler, the sampler's final latent feeds the
// VAE. Shape is always 4 dims, innermost-first, unused trailing dims set
// to 1 — this is deliberately simpler than tensor.Tensor[T]'s arbitrary
// rank, matching the fixed-rank contract every NN block in this engine
// expects.
type LocalTensor struct {
	Data  []float32
	Shape [4]int
	Flags int
}

// NewLocalTensor allocates a zeroed tensor of the given shape.
func NewLocalTensor(n0, n1, n2, n3 int) *LocalTensor {
	t := &LocalTensor{Shape: [4]int{n0, n1, n2, n3}}
	t.Data = make([]float32, t.NElements())
	t.Flags |= FlagOwnMem
	return t
}

// Good reports whether the tensor has backing data, mirroring
// ltensor_good in localtensor.h.
func (t *LocalTensor) Good() bool { return t != nil && t.Data != nil }

func (t *LocalTensor) NElements() int {
	return t.Shape[0] * t.Shape[1] * t.Shape[2] * t.Shape[3]
}

func (t *LocalTensor) NBytes() int { return t.NElements() * 4 }

// Resize grows or shrinks the tensor in place, matching ltensor_resize's
// semantics of reusing owned memory when possible.
func (t *LocalTensor) Resize(n0, n1, n2, n3 int) {
	t.Shape = [4]int{n0, n1, n2, n3}
	n := t.NElements()
	if cap(t.Data) < n {
		t.Data = make([]float32, n)
	} else {
		t.Data = t.Data[:n]
	}
	t.Flags |= FlagOwnMem
}

// ResizeLike matches ltensor_resize_like.
func (t *LocalTensor) ResizeLike(o *LocalTensor) {
	t.Resize(o.Shape[0], o.Shape[1], o.Shape[2], o.Shape[3])
}

// CopyFrom resizes t to src's shape and copies its data.
func (t *LocalTensor) CopyFrom(src *LocalTensor) {
	t.ResizeLike(src)
	copy(t.Data, src.Data)
}

// Clone returns an independent copy.
func (t *LocalTensor) Clone() *LocalTensor {
	c := NewLocalTensor(t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3])
	copy(c.Data, t.Data)
	return c
}

// ShapeEqual matches ltensor_shape_equal.
func (t *LocalTensor) ShapeEqual(o *LocalTensor) bool {
	return t.Shape == o.Shape
}

// ShapeCheck validates each non-zero dimension against the tensor's
// actual shape, mirroring ltensor_shape_check (0 means "don't care").
func (t *LocalTensor) ShapeCheck(n0, n1, n2, n3 int) error {
	want := [4]int{n0, n1, n2, n3}
	for i, w := range want {
		if w > 0 && w != t.Shape[i] {
			return fmt.Errorf("tensor: wrong shape %v, expected dim %d = %d", t.Shape, i, w)
		}
	}
	return nil
}

// FiniteCheck reports whether every element is finite (not NaN/Inf), used
// after every U-Net call per spec.md §7 ("NaN detection after any U-Net
// call aborts the generation").
func (t *LocalTensor) FiniteCheck() bool {
	for _, v := range t.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

// Stats mirrors LocalTensorStats: cheap summary statistics used for
// logging and for the engine's `check` end-to-end reproducibility
// vectors (spec.md §8 property 10).
type Stats struct {
	ASum, First, Min, Max float32
	Hash                  string
	Valid                 bool
}

func (t *LocalTensor) Stat() Stats {
	if !t.Good() || len(t.Data) == 0 {
		return Stats{}
	}
	s := Stats{First: t.Data[0], Min: t.Data[0], Max: t.Data[0], Valid: true}
	for _, v := range t.Data {
		s.ASum += float32(math.Abs(float64(v)))
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	h := sha1.New()
	for _, v := range t.Data {
		bits := math.Float32bits(v)
		h.Write([]byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)})
	}
	s.Hash = hex.EncodeToString(h.Sum(nil))[:8]
	return s
}

func (t *LocalTensor) Sum() float32 {
	var sum float32
	for _, v := range t.Data {
		sum += v
	}
	return sum
}

func (t *LocalTensor) Mean() float32 {
	if len(t.Data) == 0 {
		return 0
	}
	return t.Sum() / float32(len(t.Data))
}

// Downsize reduces each dimension by the given integer factors, used by
// spec.md §4.10's alpha-mask block-max downsampling (f2,f3 = VAE factor).
// dst may alias src.
func (t *LocalTensor) Downsize(src *LocalTensor, f0, f1, f2, f3 int) {
	n0, n1, n2, n3 := src.Shape[0]/f0, src.Shape[1]/f1, src.Shape[2]/f2, src.Shape[3]/f3
	out := make([]float32, n0*n1*n2*n3)
	srcAt := func(i0, i1, i2, i3 int) float32 {
		idx := ((i3*src.Shape[2]+i2)*src.Shape[1]+i1)*src.Shape[0] + i0
		return src.Data[idx]
	}
	idx := 0
	for i3 := 0; i3 < n3; i3++ {
		for i2 := 0; i2 < n2; i2++ {
			for i1 := 0; i1 < n1; i1++ {
				for i0 := 0; i0 < n0; i0++ {
					max := float32(math.Inf(-1))
					for b3 := 0; b3 < f3; b3++ {
						for b2 := 0; b2 < f2; b2++ {
							for b1 := 0; b1 < f1; b1++ {
								for b0 := 0; b0 < f0; b0++ {
									v := srcAt(i0*f0+b0, i1*f1+b1, i2*f2+b2, i3*f3+b3)
									if v > max {
										max = v
									}
								}
							}
						}
					}
					out[idx] = max
					idx++
				}
			}
		}
	}
	t.Shape = [4]int{n0, n1, n2, n3}
	t.Data = out
	t.Flags |= FlagOwnMem
}
