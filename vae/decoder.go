package vae

import (
	"fmt"

	"imgsynth-go/nn"
	"imgsynth-go/tensor"
)

type upLevel struct {
	resnets  []*nn.Resnet
	upsample *nn.Upsample // nil at the highest resolution level
}

// Decoder mirrors Encoder: conv_in -> mid -> (upsample block x 4) ->
// norm -> silu -> conv_out, producing ChX (3) pixel channels.
type Decoder struct {
	P       Params
	ConvIn  *nn.Conv2d
	MidRes1 *nn.Resnet
	MidAttn *attnBlock
	MidRes2 *nn.Resnet
	Levels  []upLevel // lowest resolution first: Encoder.Levels order reversed at build time
	NormOut *nn.GroupNorm
	ConvOut *nn.Conv2d
}

func NewDecoder(w nn.Weights, p Params) (*Decoder, error) {
	dec := &Decoder{P: p}
	chLast := p.ChBase * p.ChMult[len(p.ChMult)-1]

	convIn, err := nn.NewConv2d(w.Sub("conv_in"), p.ChZ, chLast, 3, 1, 1)
	if err != nil {
		return nil, fmt.Errorf("vae: decoder conv_in: %w", err)
	}
	dec.ConvIn = convIn

	midW := w.Sub("mid")
	res1, err := nn.NewResnetVAE(midW.Sub("block_1"), chLast, chLast)
	if err != nil {
		return nil, fmt.Errorf("vae: decoder mid resnet 1: %w", err)
	}
	attn, err := newAttnBlock(midW.Sub("attn_1"), chLast)
	if err != nil {
		return nil, fmt.Errorf("vae: decoder mid attn: %w", err)
	}
	res2, err := nn.NewResnetVAE(midW.Sub("block_2"), chLast, chLast)
	if err != nil {
		return nil, fmt.Errorf("vae: decoder mid resnet 2: %w", err)
	}
	dec.MidRes1, dec.MidAttn, dec.MidRes2 = res1, attn, res2

	upW := w.Sub("up")
	cin := chLast
	// Build in checkpoint declaration order (coarsest resolution first,
	// matching the encoder's reversed level index) then walk it forward.
	nLevels := len(p.ChMult)
	for li := nLevels - 1; li >= 0; li-- {
		cout := p.ChBase * p.ChMult[li]
		lw := upW.SubIndex(li)
		var lvl upLevel
		for r := 0; r < p.NumResBlocks+1; r++ {
			res, err := nn.NewResnetVAE(lw.Sub("block").SubIndex(r), cin, cout)
			if err != nil {
				return nil, fmt.Errorf("vae: decoder level %d resnet %d: %w", li, r, err)
			}
			lvl.resnets = append(lvl.resnets, res)
			cin = cout
		}
		if li != 0 {
			up, err := nn.NewUpsample(lw.Sub("upsample"), cout)
			if err != nil {
				return nil, fmt.Errorf("vae: decoder level %d upsample: %w", li, err)
			}
			lvl.upsample = up
		}
		dec.Levels = append(dec.Levels, lvl)
	}

	normOut, err := nn.NewGroupNorm(w.Sub("norm_out"), cin)
	if err != nil {
		return nil, fmt.Errorf("vae: decoder norm_out: %w", err)
	}
	dec.NormOut = normOut
	convOut, err := nn.NewConv2d(w.Sub("conv_out"), cin, p.ChX, 3, 1, 1)
	if err != nil {
		return nil, fmt.Errorf("vae: decoder conv_out: %w", err)
	}
	dec.ConvOut = convOut
	return dec, nil
}

// Forward maps a latent [W, H, ChZ, N] to pixels [W*8, H*8, ChX, N] in
// [-1, 1] (caller applies (x+1)/2 per spec.md §4.6's pixel convention).
func (d *Decoder) Forward(z *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	h, err := d.ConvIn.Forward(z)
	if err != nil {
		return nil, fmt.Errorf("vae: decoder conv_in: %w", err)
	}
	h, err = d.MidRes1.Forward(h, nil)
	if err != nil {
		return nil, fmt.Errorf("vae: decoder mid resnet 1: %w", err)
	}
	h, err = d.MidAttn.forward(h)
	if err != nil {
		return nil, fmt.Errorf("vae: decoder mid attn: %w", err)
	}
	h, err = d.MidRes2.Forward(h, nil)
	if err != nil {
		return nil, fmt.Errorf("vae: decoder mid resnet 2: %w", err)
	}
	for li, lvl := range d.Levels {
		for ri, res := range lvl.resnets {
			h, err = res.Forward(h, nil)
			if err != nil {
				return nil, fmt.Errorf("vae: decoder level %d resnet %d: %w", li, ri, err)
			}
		}
		if lvl.upsample != nil {
			h, err = lvl.upsample.Forward(h)
			if err != nil {
				return nil, fmt.Errorf("vae: decoder level %d upsample: %w", li, err)
			}
		}
	}
	h, err = d.NormOut.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("vae: decoder norm_out: %w", err)
	}
	siluInPlace(h.Data)
	h, err = d.ConvOut.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("vae: decoder conv_out: %w", err)
	}
	return h, nil
}
