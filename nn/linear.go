package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"imgsynth-go/tensor"
)

// Linear applies spec.md §4.4's y = W x + b to every token of a
// [D, T, B, 1] tensor. Weight is stored row-major (n_out, n_in) — the
// engine's inner-first convention already lays a weight tensor with
// Shape[0]=n_in out as contiguous rows of n_in values, which is exactly
// the row-major layout gonum.mat.Dense expects for an (n_out, n_in)
// matrix, so no repacking is needed before handing it to gonum.
type Linear struct {
	NIn, NOut int
	Weight    *mat.Dense // n_out x n_in
	Bias      []float32  // nil if the weight has no paired bias
}

// NewLinear loads "weight" (and, if present, "bias") under w.
func NewLinear(w Weights, nIn, nOut int, bias bool) (*Linear, error) {
	wd, shape, err := w.F32("weight")
	if err != nil {
		return nil, err
	}
	if shape[0] != nIn || shape[1] != nOut {
		return nil, fmt.Errorf("nn: linear weight shape %v, want (%d,%d)", shape, nIn, nOut)
	}
	l := &Linear{NIn: nIn, NOut: nOut, Weight: mat.NewDense(nOut, nIn, toFloat64(wd))}
	if bias {
		bd, bshape, err := w.F32("bias")
		if err != nil {
			return nil, err
		}
		if bshape[0] != nOut {
			return nil, fmt.Errorf("nn: linear bias shape %v, want (%d)", bshape, nOut)
		}
		l.Bias = bd
	}
	return l, nil
}

// Forward applies the layer to x ([NIn, T, B, 1]), returning [NOut, T, B, 1].
func (l *Linear) Forward(x *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	if err := x.ShapeCheck(l.NIn, 0, 0, 0); err != nil {
		return nil, fmt.Errorf("nn: Linear.Forward: %w", err)
	}
	tb := x.Shape[1] * x.Shape[2] * x.Shape[3]
	out := tensor.NewLocalTensor(l.NOut, x.Shape[1], x.Shape[2], x.Shape[3])

	xvec := make([]float64, l.NIn)
	yvec := mat.NewVecDense(l.NOut, nil)
	for i := 0; i < tb; i++ {
		for j := 0; j < l.NIn; j++ {
			xvec[j] = float64(x.Data[i*l.NIn+j])
		}
		yvec.MulVec(l.Weight, mat.NewVecDense(l.NIn, xvec))
		base := i * l.NOut
		for j := 0; j < l.NOut; j++ {
			v := float32(yvec.AtVec(j))
			if l.Bias != nil {
				v += l.Bias[j]
			}
			out.Data[base+j] = v
		}
	}
	return out, nil
}

func toFloat64(xs []float32) []float64 {
	out := make([]float64, len(xs))
	for i, v := range xs {
		out[i] = float64(v)
	}
	return out
}
