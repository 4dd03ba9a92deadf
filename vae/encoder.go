package vae

import (
	"fmt"

	"imgsynth-go/nn"
	"imgsynth-go/tensor"
)

type level struct {
	resnets    []*nn.Resnet
	downsample *nn.Downsample // nil at the lowest resolution level
}

// Encoder implements spec.md §4.6's
// "conv_in -> (downsample block x 4) -> mid(resnet, attn, resnet) ->
// norm -> silu -> conv_out", producing 2*ChZ channels (mean and
// log-variance stacked along the channel axis).
type Encoder struct {
	P        Params
	ConvIn   *nn.Conv2d
	Levels   []level
	MidRes1  *nn.Resnet
	MidAttn  *attnBlock
	MidRes2  *nn.Resnet
	NormOut  *nn.GroupNorm
	ConvOut  *nn.Conv2d
}

func NewEncoder(w nn.Weights, p Params) (*Encoder, error) {
	enc := &Encoder{P: p}
	convIn, err := nn.NewConv2d(w.Sub("conv_in"), p.ChX, p.ChBase, 3, 1, 1)
	if err != nil {
		return nil, fmt.Errorf("vae: encoder conv_in: %w", err)
	}
	enc.ConvIn = convIn

	downW := w.Sub("down")
	cin := p.ChBase
	for li, mult := range p.ChMult {
		cout := p.ChBase * mult
		lw := downW.SubIndex(li)
		var lvl level
		for r := 0; r < p.NumResBlocks; r++ {
			res, err := nn.NewResnetVAE(lw.Sub("block").SubIndex(r), cin, cout)
			if err != nil {
				return nil, fmt.Errorf("vae: encoder level %d resnet %d: %w", li, r, err)
			}
			lvl.resnets = append(lvl.resnets, res)
			cin = cout
		}
		if li != len(p.ChMult)-1 {
			down, err := nn.NewDownsample(lw.Sub("downsample"), cout)
			if err != nil {
				return nil, fmt.Errorf("vae: encoder level %d downsample: %w", li, err)
			}
			lvl.downsample = down
		}
		enc.Levels = append(enc.Levels, lvl)
	}

	midW := w.Sub("mid")
	res1, err := nn.NewResnetVAE(midW.Sub("block_1"), cin, cin)
	if err != nil {
		return nil, fmt.Errorf("vae: encoder mid resnet 1: %w", err)
	}
	attn, err := newAttnBlock(midW.Sub("attn_1"), cin)
	if err != nil {
		return nil, fmt.Errorf("vae: encoder mid attn: %w", err)
	}
	res2, err := nn.NewResnetVAE(midW.Sub("block_2"), cin, cin)
	if err != nil {
		return nil, fmt.Errorf("vae: encoder mid resnet 2: %w", err)
	}
	enc.MidRes1, enc.MidAttn, enc.MidRes2 = res1, attn, res2

	normOut, err := nn.NewGroupNorm(w.Sub("norm_out"), cin)
	if err != nil {
		return nil, fmt.Errorf("vae: encoder norm_out: %w", err)
	}
	enc.NormOut = normOut
	convOut, err := nn.NewConv2d(w.Sub("conv_out"), cin, 2*p.ChZ, 3, 1, 1)
	if err != nil {
		return nil, fmt.Errorf("vae: encoder conv_out: %w", err)
	}
	enc.ConvOut = convOut
	return enc, nil
}

// Forward maps a pixel tensor [W, H, ChX, N] (already in [-1,1], per
// spec.md §4.6's pixel convention) to [W/8, H/8, 2*ChZ, N]: the first
// ChZ channels are the latent mean, the second ChZ the log-variance.
func (e *Encoder) Forward(x *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	h, err := e.ConvIn.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("vae: conv_in: %w", err)
	}
	for li, lvl := range e.Levels {
		for ri, res := range lvl.resnets {
			h, err = res.Forward(h, nil)
			if err != nil {
				return nil, fmt.Errorf("vae: encoder level %d resnet %d: %w", li, ri, err)
			}
		}
		if lvl.downsample != nil {
			h, err = lvl.downsample.Forward(h)
			if err != nil {
				return nil, fmt.Errorf("vae: encoder level %d downsample: %w", li, err)
			}
		}
	}
	h, err = e.MidRes1.Forward(h, nil)
	if err != nil {
		return nil, fmt.Errorf("vae: mid resnet 1: %w", err)
	}
	h, err = e.MidAttn.forward(h)
	if err != nil {
		return nil, fmt.Errorf("vae: mid attn: %w", err)
	}
	h, err = e.MidRes2.Forward(h, nil)
	if err != nil {
		return nil, fmt.Errorf("vae: mid resnet 2: %w", err)
	}
	h, err = e.NormOut.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("vae: norm_out: %w", err)
	}
	siluInPlace(h.Data)
	h, err = e.ConvOut.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("vae: conv_out: %w", err)
	}
	return h, nil
}

func siluInPlace(xs []float32) {
	for i, v := range xs {
		xs[i] = v / (1 + expNeg(v))
	}
}
