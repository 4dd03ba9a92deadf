package nn

import (
	"fmt"

	"imgsynth-go/tensor"
)

// Resnet implements spec.md §4.4's residual block: GroupNorm -> SiLU ->
// Conv2d(3x3), optionally add a projected time embedding, GroupNorm ->
// SiLU -> Conv2d(3x3), add a skip connection (a 1x1 conv when the
// channel count changes, identity otherwise).
type Resnet struct {
	Norm1, Norm2   *GroupNorm
	Conv1, Conv2   *Conv2d
	TimeEmbProj    *Linear // nil when this block has no time-conditioning input
	SkipConv       *Conv2d // nil when Cin == Cout
}

// NewResnet loads in_layers.0/in_layers.2/out_layers.0/out_layers.3 as
// Norm1/Conv1/Norm2/Conv2 (and, if dTimeEmb > 0, emb_layers.1; and, if
// cin != cout, skip_connection) under w.
func NewResnet(w Weights, cin, cout, dTimeEmb int) (*Resnet, error) {
	norm1, err := NewGroupNorm(w.Sub("in_layers.0"), cin)
	if err != nil {
		return nil, err
	}
	conv1, err := NewConv2d(w.Sub("in_layers.2"), cin, cout, 3, 1, 1)
	if err != nil {
		return nil, err
	}
	norm2, err := NewGroupNorm(w.Sub("out_layers.0"), cout)
	if err != nil {
		return nil, err
	}
	conv2, err := NewConv2d(w.Sub("out_layers.3"), cout, cout, 3, 1, 1)
	if err != nil {
		return nil, err
	}
	r := &Resnet{Norm1: norm1, Conv1: conv1, Norm2: norm2, Conv2: conv2}
	if dTimeEmb > 0 {
		proj, err := NewLinear(w.Sub("emb_layers.1"), dTimeEmb, cout, true)
		if err != nil {
			return nil, err
		}
		r.TimeEmbProj = proj
	}
	if cin != cout {
		skip, err := NewConv2d(w.Sub("skip_connection"), cin, cout, 1, 1, 0)
		if err != nil {
			return nil, err
		}
		r.SkipConv = skip
	}
	return r, nil
}

// NewResnetVAE loads the same shape of block as NewResnet but under the
// VAE's own native checkpoint naming (norm1/conv1/norm2/conv2/skip_conv
// rather than the U-Net ResBlock's in_layers/out_layers/skip_connection
// convention) — grounded on original_source/src/vae.c, which builds its
// resnets with the same mlb_resnet helper as the U-Net but the VAE's own
// on-disk tensors never used the LDM UNet's historical in_layers naming.
// VAE resnets never carry a time-embedding input.
func NewResnetVAE(w Weights, cin, cout int) (*Resnet, error) {
	norm1, err := NewGroupNorm(w.Sub("norm1"), cin)
	if err != nil {
		return nil, err
	}
	conv1, err := NewConv2d(w.Sub("conv1"), cin, cout, 3, 1, 1)
	if err != nil {
		return nil, err
	}
	norm2, err := NewGroupNorm(w.Sub("norm2"), cout)
	if err != nil {
		return nil, err
	}
	conv2, err := NewConv2d(w.Sub("conv2"), cout, cout, 3, 1, 1)
	if err != nil {
		return nil, err
	}
	r := &Resnet{Norm1: norm1, Conv1: conv1, Norm2: norm2, Conv2: conv2}
	if cin != cout {
		skip, err := NewConv2d(w.Sub("skip_conv"), cin, cout, 1, 1, 0)
		if err != nil {
			return nil, err
		}
		r.SkipConv = skip
	}
	return r, nil
}

// Forward applies the block to x ([W, H, Cin, N]). timeEmb, when the
// block was built with dTimeEmb > 0, is [DTimeEmb, N, 1, 1].
func (r *Resnet) Forward(x, timeEmb *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	h, err := r.Norm1.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("nn: resnet norm1: %w", err)
	}
	siluInPlace(h.Data)
	h, err = r.Conv1.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("nn: resnet conv1: %w", err)
	}

	if r.TimeEmbProj != nil {
		if timeEmb == nil {
			return nil, fmt.Errorf("nn: resnet built with time embedding but Forward got none")
		}
		embSilu := timeEmb.Clone()
		siluInPlace(embSilu.Data)
		proj, err := r.TimeEmbProj.Forward(embSilu)
		if err != nil {
			return nil, fmt.Errorf("nn: resnet time emb proj: %w", err)
		}
		h, err = addChannelBroadcast(h, proj)
		if err != nil {
			return nil, fmt.Errorf("nn: resnet time emb add: %w", err)
		}
	}

	h, err = r.Norm2.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("nn: resnet norm2: %w", err)
	}
	siluInPlace(h.Data)
	h, err = r.Conv2.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("nn: resnet conv2: %w", err)
	}

	skip := x
	if r.SkipConv != nil {
		skip, err = r.SkipConv.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("nn: resnet skip conv: %w", err)
		}
	}
	return addTensors(skip, h)
}
