package nn

import (
	"fmt"

	"imgsynth-go/tensor"
)

// Conv2d implements spec.md §4.4's 2D convolution over image tensors
// laid out [W, H, C, N]. The sliding window with stride and symmetric
// padding doesn't reduce to a single 2D matrix the way Linear's y=Wx+b
// does, so it is hand-rolled rather than routed through gonum (an
// im2col repacking would buy gonum a matmul here at the cost of a full
// extra buffer copy per call, for no accuracy or clarity benefit at
// this engine's image sizes).
//
// Weight is stored [KW, KH, Cin, Cout] — Shape[3]=Cout plays the same
// "outermost" role Shape[3]=N plays for an image tensor, keeping every
// 4D tensor in the engine on one inner-first convention.
type Conv2d struct {
	Cin, Cout      int
	KW, KH         int
	StrideX, StrideY int
	PadX, PadY     int
	Weight         []float32
	Bias           []float32
}

// NewConv2d loads "weight" (always F16-rounded per spec.md §4.4) and
// "bias" under w.
func NewConv2d(w Weights, cin, cout, k, stride, pad int) (*Conv2d, error) {
	wd, shape, err := w.F16Rounded("weight")
	if err != nil {
		return nil, err
	}
	if shape[0] != k || shape[1] != k || shape[2] != cin || shape[3] != cout {
		return nil, fmt.Errorf("nn: conv2d weight shape %v, want (%d,%d,%d,%d)", shape, k, k, cin, cout)
	}
	bd, bshape, err := w.F32("bias")
	if err != nil {
		return nil, err
	}
	if bshape[0] != cout {
		return nil, fmt.Errorf("nn: conv2d bias shape %v, want (%d)", bshape, cout)
	}
	return &Conv2d{
		Cin: cin, Cout: cout, KW: k, KH: k,
		StrideX: stride, StrideY: stride, PadX: pad, PadY: pad,
		Weight: wd, Bias: bd,
	}, nil
}

// Forward convolves x ([W, H, Cin, N]) into a [W', H', Cout, N] output.
func (c *Conv2d) Forward(x *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	if err := x.ShapeCheck(0, 0, c.Cin, 0); err != nil {
		return nil, fmt.Errorf("nn: Conv2d.Forward: %w", err)
	}
	W, H, _, N := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outW := (W+2*c.PadX-c.KW)/c.StrideX + 1
	outH := (H+2*c.PadY-c.KH)/c.StrideY + 1
	out := tensor.NewLocalTensor(outW, outH, c.Cout, N)

	xAt := func(n, ci, h, w int) float32 {
		if h < 0 || h >= H || w < 0 || w >= W {
			return 0
		}
		return x.Data[((n*c.Cin+ci)*H+h)*W+w]
	}
	wAt := func(co, ci, kh, kw int) float32 {
		return c.Weight[((co*c.Cin+ci)*c.KH+kh)*c.KW+kw]
	}
	outIdx := func(n, co, h, w int) int {
		return ((n*c.Cout+co)*outH+h)*outW + w
	}

	for n := 0; n < N; n++ {
		for co := 0; co < c.Cout; co++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					var acc float32
					for ci := 0; ci < c.Cin; ci++ {
						for kh := 0; kh < c.KH; kh++ {
							ih := oh*c.StrideY - c.PadY + kh
							for kw := 0; kw < c.KW; kw++ {
								iw := ow*c.StrideX - c.PadX + kw
								acc += xAt(n, ci, ih, iw) * wAt(co, ci, kh, kw)
							}
						}
					}
					out.Data[outIdx(n, co, oh, ow)] = acc + c.Bias[co]
				}
			}
		}
	}
	return out, nil
}
