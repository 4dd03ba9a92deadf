package nn

import (
	"fmt"
	"math"

	"imgsynth-go/tensor"
)

// GroupNorm implements spec.md §4.4's group normalization over image
// tensors laid out [W, H, C, N]: channels are split into NGroups
// contiguous groups, each normalized over (channels-in-group x H x W)
// independently per batch element, then scaled/shifted per channel.
// The inner-first flat-index arithmetic matches
// tensor.LocalTensor.Downsize's srcAt convention exactly, so this stays
// consistent with every other 4D tensor walk in the engine.
type GroupNorm struct {
	NGroups int
	C       int
	Eps     float32
	Weight  []float32
	Bias    []float32
}

const defaultGroupNormGroups = 32

// NewGroupNorm loads "weight"/"bias" (each length C) under w.
func NewGroupNorm(w Weights, c int) (*GroupNorm, error) {
	wd, wshape, err := w.F32("weight")
	if err != nil {
		return nil, err
	}
	if wshape[0] != c {
		return nil, fmt.Errorf("nn: group_norm weight shape %v, want (%d)", wshape, c)
	}
	bd, bshape, err := w.F32("bias")
	if err != nil {
		return nil, err
	}
	if bshape[0] != c {
		return nil, fmt.Errorf("nn: group_norm bias shape %v, want (%d)", bshape, c)
	}
	groups := defaultGroupNormGroups
	if c < groups {
		groups = c
	}
	return &GroupNorm{NGroups: groups, C: c, Eps: 1e-6, Weight: wd, Bias: bd}, nil
}

// Forward normalizes x ([W, H, C, N]) in place semantics (a fresh tensor
// is returned; x is not mutated).
func (g *GroupNorm) Forward(x *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	if err := x.ShapeCheck(0, 0, g.C, 0); err != nil {
		return nil, fmt.Errorf("nn: GroupNorm.Forward: %w", err)
	}
	W, H, C, N := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	chPerGroup := C / g.NGroups
	out := tensor.NewLocalTensor(W, H, C, N)

	idxOf := func(n, c, h, w int) int {
		return ((n*C+c)*H+h)*W + w
	}

	for n := 0; n < N; n++ {
		for grp := 0; grp < g.NGroups; grp++ {
			c0 := grp * chPerGroup
			c1 := c0 + chPerGroup
			var sum, sumSq float64
			count := 0
			for c := c0; c < c1; c++ {
				for h := 0; h < H; h++ {
					for w := 0; w < W; w++ {
						v := float64(x.Data[idxOf(n, c, h, w)])
						sum += v
						sumSq += v * v
						count++
					}
				}
			}
			mean := sum / float64(count)
			variance := sumSq/float64(count) - mean*mean
			inv := 1.0 / math.Sqrt(variance+float64(g.Eps))
			for c := c0; c < c1; c++ {
				scale := float32(inv) * g.Weight[c]
				shift := g.Bias[c] - float32(mean)*scale
				for h := 0; h < H; h++ {
					for w := 0; w < W; w++ {
						i := idxOf(n, c, h, w)
						out.Data[i] = x.Data[i]*scale + shift
					}
				}
			}
		}
	}
	return out, nil
}

// LayerNorm implements spec.md §4.4's layer normalization over sequence
// tensors laid out [D, T, B, 1]: each token's D-wide feature vector
// (the tensor's fastest-varying, contiguous run) is normalized
// independently.
type LayerNorm struct {
	D      int
	Eps    float32
	Weight []float32
	Bias   []float32 // nil if affine-but-bias-free (not used currently, kept for symmetry)
}

// NewLayerNorm loads "weight" (and, if affine, "bias") of length d under w.
func NewLayerNorm(w Weights, d int, affine bool, eps float32) (*LayerNorm, error) {
	ln := &LayerNorm{D: d, Eps: eps}
	if !affine {
		return ln, nil
	}
	wd, wshape, err := w.F32("weight")
	if err != nil {
		return nil, err
	}
	if wshape[0] != d {
		return nil, fmt.Errorf("nn: layer_norm weight shape %v, want (%d)", wshape, d)
	}
	ln.Weight = wd
	bd, bshape, err := w.F32("bias")
	if err != nil {
		return nil, err
	}
	if bshape[0] != d {
		return nil, fmt.Errorf("nn: layer_norm bias shape %v, want (%d)", bshape, d)
	}
	ln.Bias = bd
	return ln, nil
}

// Forward normalizes x ([D, T, B, 1]) per token.
func (ln *LayerNorm) Forward(x *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	if err := x.ShapeCheck(ln.D, 0, 0, 0); err != nil {
		return nil, fmt.Errorf("nn: LayerNorm.Forward: %w", err)
	}
	tb := x.Shape[1] * x.Shape[2] * x.Shape[3]
	out := tensor.NewLocalTensor(x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3])
	d := ln.D
	for i := 0; i < tb; i++ {
		base := i * d
		var sum, sumSq float64
		for j := 0; j < d; j++ {
			v := float64(x.Data[base+j])
			sum += v
			sumSq += v * v
		}
		mean := sum / float64(d)
		variance := sumSq/float64(d) - mean*mean
		inv := 1.0 / math.Sqrt(variance+float64(ln.Eps))
		for j := 0; j < d; j++ {
			v := (float32(float64(x.Data[base+j])-mean) * float32(inv))
			if ln.Weight != nil {
				v = v*ln.Weight[j] + ln.Bias[j]
			}
			out.Data[base+j] = v
		}
	}
	return out, nil
}
