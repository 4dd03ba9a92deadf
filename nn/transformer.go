package nn

import (
	"fmt"

	"imgsynth-go/tensor"
)

// BasicTransformerBlock implements spec.md §4.4's spatial transformer
// inner block: self-attention over the flattened spatial tokens,
// cross-attention against the text conditioning, then a GEGLU
// feed-forward, each pre-normalized and residual.
type BasicTransformerBlock struct {
	Norm1, Norm2, Norm3 *LayerNorm
	Attn1               *Attention // self-attention
	Attn2               *Attention // cross-attention against context
	FF                  *FeedForward
}

func NewBasicTransformerBlock(w Weights, dEmbed, nHead, dCross int) (*BasicTransformerBlock, error) {
	norm1, err := NewLayerNorm(w.Sub("norm1"), dEmbed, true, 1e-5)
	if err != nil {
		return nil, err
	}
	attn1, err := NewAttention(w.Sub("attn1"), dEmbed, dEmbed, nHead, false)
	if err != nil {
		return nil, err
	}
	norm2, err := NewLayerNorm(w.Sub("norm2"), dEmbed, true, 1e-5)
	if err != nil {
		return nil, err
	}
	attn2, err := NewAttention(w.Sub("attn2"), dEmbed, dCross, nHead, false)
	if err != nil {
		return nil, err
	}
	norm3, err := NewLayerNorm(w.Sub("norm3"), dEmbed, true, 1e-5)
	if err != nil {
		return nil, err
	}
	ff, err := NewFeedForward(w.Sub("ff"), dEmbed, dEmbed*4)
	if err != nil {
		return nil, err
	}
	return &BasicTransformerBlock{Norm1: norm1, Norm2: norm2, Norm3: norm3, Attn1: attn1, Attn2: attn2, FF: ff}, nil
}

// Forward applies the block to x ([DEmbed, T, B, 1]) against text
// conditioning ctx ([DCross, Tc, B, 1]).
func (b *BasicTransformerBlock) Forward(x, ctx *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	n1, err := b.Norm1.Forward(x)
	if err != nil {
		return nil, err
	}
	a1, err := b.Attn1.Forward(n1, nil)
	if err != nil {
		return nil, fmt.Errorf("nn: transformer block self-attn: %w", err)
	}
	x, err = addTensors(x, a1)
	if err != nil {
		return nil, err
	}

	n2, err := b.Norm2.Forward(x)
	if err != nil {
		return nil, err
	}
	a2, err := b.Attn2.Forward(n2, ctx)
	if err != nil {
		return nil, fmt.Errorf("nn: transformer block cross-attn: %w", err)
	}
	x, err = addTensors(x, a2)
	if err != nil {
		return nil, err
	}

	n3, err := b.Norm3.Forward(x)
	if err != nil {
		return nil, err
	}
	ff, err := b.FF.Forward(n3)
	if err != nil {
		return nil, fmt.Errorf("nn: transformer block feed-forward: %w", err)
	}
	return addTensors(x, ff)
}

// SpatialTransformer wraps a stack of BasicTransformerBlocks with the
// surrounding GroupNorm + 1x1 projection in/out that U-Net's topology
// places them behind (spec.md §4.7): project the image into token
// space, run the blocks, project back, residual-add onto the
// untouched input.
type SpatialTransformer struct {
	Norm    *GroupNorm
	ProjIn  *Conv2d
	Blocks  []*BasicTransformerBlock
	ProjOut *Conv2d
}

func NewSpatialTransformer(w Weights, cin, nHead, dHead, depth, dCross int) (*SpatialTransformer, error) {
	dEmbed := nHead * dHead
	norm, err := NewGroupNorm(w.Sub("norm"), cin)
	if err != nil {
		return nil, err
	}
	projIn, err := NewConv2d(w.Sub("proj_in"), cin, dEmbed, 1, 1, 0)
	if err != nil {
		return nil, err
	}
	blocks := make([]*BasicTransformerBlock, depth)
	for i := range blocks {
		b, err := NewBasicTransformerBlock(w.Sub("transformer_blocks").SubIndex(i), dEmbed, nHead, dCross)
		if err != nil {
			return nil, fmt.Errorf("nn: spatial transformer block %d: %w", i, err)
		}
		blocks[i] = b
	}
	projOut, err := NewConv2d(w.Sub("proj_out"), dEmbed, cin, 1, 1, 0)
	if err != nil {
		return nil, err
	}
	return &SpatialTransformer{Norm: norm, ProjIn: projIn, Blocks: blocks, ProjOut: projOut}, nil
}

func (s *SpatialTransformer) Forward(x, ctx *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	h, err := s.Norm.Forward(x)
	if err != nil {
		return nil, err
	}
	h, err = s.ProjIn.Forward(h)
	if err != nil {
		return nil, err
	}
	w, ht := h.Shape[0], h.Shape[1]
	seq := flattenImageToSeq(h)
	for i, b := range s.Blocks {
		seq, err = b.Forward(seq, ctx)
		if err != nil {
			return nil, fmt.Errorf("nn: spatial transformer block %d: %w", i, err)
		}
	}
	h = unflattenSeqToImage(seq, w, ht)
	h, err = s.ProjOut.Forward(h)
	if err != nil {
		return nil, err
	}
	return addTensors(x, h)
}
