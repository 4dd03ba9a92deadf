package vae

import (
	"fmt"
	"math"

	"imgsynth-go/rng"
	"imgsynth-go/tensor"
)

// SampleLatent implements spec.md §4.6's latent sampling formula:
// latent_i = mean_i + exp(clamp(logvar_i, -30, 20) * 0.5) * N(0,1),
// scaled by p.ScaleFactor. moments is the encoder's raw [W, H, 2*ChZ,
// N] output (mean then log-variance stacked along the channel axis).
// When deterministic is true the noise draw is skipped and only the
// mean (still scaled) is returned, per spec.md §4.6's "deterministic
// mean path."
func SampleLatent(p Params, moments *tensor.LocalTensor, deterministic bool, r *rng.Philox) (*tensor.LocalTensor, error) {
	if moments.Shape[2] != 2*p.ChZ {
		return nil, fmt.Errorf("vae: SampleLatent: moments has %d channels, want %d", moments.Shape[2], 2*p.ChZ)
	}
	W, H, N := moments.Shape[0], moments.Shape[1], moments.Shape[3]
	out := tensor.NewLocalTensor(W, H, p.ChZ, N)

	var noise []float32
	if !deterministic {
		noise = r.Randn(W * H * p.ChZ * N)
	}

	meanBase := func(n, c int) int { return ((n*(2*p.ChZ) + c) * H) * W }
	logvarBase := func(n, c int) int { return ((n*(2*p.ChZ) + p.ChZ + c) * H) * W }
	outBase := func(n, c int) int { return ((n*p.ChZ + c) * H) * W }

	idx := 0
	for n := 0; n < N; n++ {
		for c := 0; c < p.ChZ; c++ {
			mb, lb, ob := meanBase(n, c), logvarBase(n, c), outBase(n, c)
			for i := 0; i < H*W; i++ {
				mean := moments.Data[mb+i]
				v := mean
				if !deterministic {
					logvar := moments.Data[lb+i]
					logvar = clampF32(logvar, -30, 20)
					std := float32(math.Exp(float64(logvar) * 0.5))
					v = mean + std*noise[idx]
					idx++
				}
				out.Data[ob+i] = v * p.ScaleFactor
			}
		}
	}
	return out, nil
}

func clampF32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PixelToEncoderInput maps pixel values in [0,1] to the encoder's
// [-1,1] input convention (spec.md §4.6): x = 2*pixel - 1.
func PixelToEncoderInput(pixels *tensor.LocalTensor) *tensor.LocalTensor {
	out := tensor.NewLocalTensor(pixels.Shape[0], pixels.Shape[1], pixels.Shape[2], pixels.Shape[3])
	for i, v := range pixels.Data {
		out.Data[i] = 2*v - 1
	}
	return out
}

// DecoderOutputToPixel maps the decoder's [-1,1] output back to [0,1]
// pixel values: (x+1)/2.
func DecoderOutputToPixel(x *tensor.LocalTensor) *tensor.LocalTensor {
	out := tensor.NewLocalTensor(x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3])
	for i, v := range x.Data {
		out.Data[i] = (v + 1) / 2
	}
	return out
}
