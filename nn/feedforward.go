package nn

import (
	"fmt"

	"imgsynth-go/tensor"
)

// GEGLU implements spec.md §4.4's gated-GELU projection: a single linear
// layer projects to 2*dOut, split in half, the second half gated
// through GELU and multiplied elementwise into the first.
type GEGLU struct {
	DOut  int
	Proj  *Linear
}

func NewGEGLU(w Weights, dIn, dOut int) (*GEGLU, error) {
	proj, err := NewLinear(w.Sub("proj"), dIn, dOut*2, true)
	if err != nil {
		return nil, err
	}
	return &GEGLU{DOut: dOut, Proj: proj}, nil
}

func (g *GEGLU) Forward(x *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	proj, err := g.Proj.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("nn: geglu proj: %w", err)
	}
	tb := proj.Shape[1] * proj.Shape[2] * proj.Shape[3]
	out := tensor.NewLocalTensor(g.DOut, proj.Shape[1], proj.Shape[2], proj.Shape[3])
	width := g.DOut * 2
	for i := 0; i < tb; i++ {
		src := proj.Data[i*width : (i+1)*width]
		dst := out.Data[i*g.DOut : (i+1)*g.DOut]
		for j := 0; j < g.DOut; j++ {
			dst[j] = src[j] * geluTanh(src[g.DOut+j])
		}
	}
	return out, nil
}

// FeedForward is the transformer block's MLP: GEGLU up-projection
// followed by a plain linear back down to d_embed (spec.md §4.4).
type FeedForward struct {
	Gate *GEGLU
	Out  *Linear
}

func NewFeedForward(w Weights, dEmbed, dInterm int) (*FeedForward, error) {
	gate, err := NewGEGLU(w.Sub("net.0"), dEmbed, dInterm)
	if err != nil {
		return nil, err
	}
	out, err := NewLinear(w.Sub("net.2"), dInterm, dEmbed, true)
	if err != nil {
		return nil, err
	}
	return &FeedForward{Gate: gate, Out: out}, nil
}

func (f *FeedForward) Forward(x *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	h, err := f.Gate.Forward(x)
	if err != nil {
		return nil, err
	}
	return f.Out.Forward(h)
}
