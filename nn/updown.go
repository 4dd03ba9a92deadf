package nn

import (
	"fmt"

	"imgsynth-go/tensor"
)

// Upsample implements spec.md §4.4's nearest-neighbor 2x spatial
// upsample followed by a 3x3 conv.
type Upsample struct {
	Conv *Conv2d
}

func NewUpsample(w Weights, c int) (*Upsample, error) {
	conv, err := NewConv2d(w.Sub("conv"), c, c, 3, 1, 1)
	if err != nil {
		return nil, err
	}
	return &Upsample{Conv: conv}, nil
}

func (u *Upsample) Forward(x *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	W, H, C, N := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	up := tensor.NewLocalTensor(W*2, H*2, C, N)
	for n := 0; n < N; n++ {
		for c := 0; c < C; c++ {
			srcBase := (n*C + c) * H * W
			dstBase := (n*C + c) * (H * 2) * (W * 2)
			for h := 0; h < H; h++ {
				for w := 0; w < W; w++ {
					v := x.Data[srcBase+h*W+w]
					for dh := 0; dh < 2; dh++ {
						rowBase := dstBase + (h*2+dh)*(W*2)
						up.Data[rowBase+w*2] = v
						up.Data[rowBase+w*2+1] = v
					}
				}
			}
		}
	}
	out, err := u.Conv.Forward(up)
	if err != nil {
		return nil, fmt.Errorf("nn: upsample conv: %w", err)
	}
	return out, nil
}

// Downsample implements spec.md §4.4's stride-2 3x3 conv spatial
// downsample.
type Downsample struct {
	Conv *Conv2d
}

func NewDownsample(w Weights, c int) (*Downsample, error) {
	conv, err := NewConv2d(w.Sub("op"), c, c, 3, 2, 1)
	if err != nil {
		return nil, err
	}
	return &Downsample{Conv: conv}, nil
}

func (d *Downsample) Forward(x *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	out, err := d.Conv.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("nn: downsample conv: %w", err)
	}
	return out, nil
}
