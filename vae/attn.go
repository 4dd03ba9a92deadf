package vae

import (
	"fmt"

	"imgsynth-go/nn"
	"imgsynth-go/tensor"
)

// attnBlock is the VAE mid-block's single self-attention layer: norm,
// flatten spatial positions to tokens, one-head self-attention,
// unflatten, residual add. Grounded on original_source/src/vae.c's
// mid-block attention (a plain non-causal self-attention over all
// spatial locations, not the windowed/transformer-block attention
// U-Net's spatial transformer uses).
type attnBlock struct {
	Norm *nn.GroupNorm
	Attn *nn.Attention
}

func newAttnBlock(w nn.Weights, c int) (*attnBlock, error) {
	norm, err := nn.NewGroupNorm(w.Sub("norm"), c)
	if err != nil {
		return nil, err
	}
	attn, err := nn.NewAttentionVAE(w, c)
	if err != nil {
		return nil, err
	}
	return &attnBlock{Norm: norm, Attn: attn}, nil
}

func (b *attnBlock) forward(x *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	h, err := b.Norm.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("vae: attn block norm: %w", err)
	}
	seq := imageToSeq(h)
	seq, err = b.Attn.Forward(seq, nil)
	if err != nil {
		return nil, fmt.Errorf("vae: attn block attention: %w", err)
	}
	h = seqToImage(seq, x.Shape[0], x.Shape[1])
	return addImage(x, h)
}

// imageToSeq/seqToImage mirror nn's unexported flatten helpers for the
// same [W,H,C,N] <-> [C,W*H,N,1] reinterpretation, needed here too
// since vae composes attention directly rather than through
// nn.SpatialTransformer (which also carries a proj_in/proj_out 1x1
// conv pair U-Net's blocks have but the VAE's attention block does
// not).
func imageToSeq(img *tensor.LocalTensor) *tensor.LocalTensor {
	W, H, C, N := img.Shape[0], img.Shape[1], img.Shape[2], img.Shape[3]
	out := tensor.NewLocalTensor(C, W*H, N, 1)
	for n := 0; n < N; n++ {
		for c := 0; c < C; c++ {
			base := (n*C + c) * H * W
			for p := 0; p < H*W; p++ {
				out.Data[(n*(W*H)+p)*C+c] = img.Data[base+p]
			}
		}
	}
	return out
}

func seqToImage(seq *tensor.LocalTensor, w, h int) *tensor.LocalTensor {
	C, _, N := seq.Shape[0], seq.Shape[1], seq.Shape[2]
	out := tensor.NewLocalTensor(w, h, C, N)
	for n := 0; n < N; n++ {
		for c := 0; c < C; c++ {
			base := (n*C + c) * h * w
			for p := 0; p < h*w; p++ {
				out.Data[base+p] = seq.Data[(n*(w*h)+p)*C+c]
			}
		}
	}
	return out
}

func addImage(a, b *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	if !a.ShapeEqual(b) {
		return nil, fmt.Errorf("vae: shape mismatch %v vs %v", a.Shape, b.Shape)
	}
	out := tensor.NewLocalTensor(a.Shape[0], a.Shape[1], a.Shape[2], a.Shape[3])
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out, nil
}
