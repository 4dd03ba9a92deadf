package unet

import (
	"fmt"
	"math"

	"imgsynth-go/tensor"
)

// DenoiseWrapper turns the raw network output of UNet.Forward into a
// latent derivative dx, applying the input/output scaling
// original_source/src/unet.c's unet_denoise_run performs around the
// graph evaluation: scale the input by c_in = 1/sqrt(sigma^2+1) before
// the network sees it, convert sigma to a fractional training
// timestep via the schedule's bisection inverse, and — for
// v-parameterised models only — recombine the output with the
// unscaled input via c_skip/c_out. Eps-parameterised models (SD1)
// return the network's raw output unchanged: since denoised = x -
// sigma*out by definition, dx = (x-denoised)/sigma = out directly.
type DenoiseWrapper struct {
	Net      *UNet
	Schedule *Schedule
}

func NewDenoiseWrapper(net *UNet, sched *Schedule) *DenoiseWrapper {
	return &DenoiseWrapper{Net: net, Schedule: sched}
}

// Denoise computes dx for one sampler step: x is the current latent,
// sigma the noise level, ctx/label the (already CFG-selected)
// conditioning. skip is the caller-owned SkipStack the U-Net graph
// reuses across steps.
func (d *DenoiseWrapper) Denoise(x *tensor.LocalTensor, sigma float64, ctx *tensor.LocalTensor, label []float32, skip *SkipStack) (*tensor.LocalTensor, error) {
	if sigma <= 0 {
		return nil, fmt.Errorf("unet: denoise sigma must be positive, got %v", sigma)
	}
	t := d.Schedule.SigmaToT(sigma)
	cIn := 1.0 / math.Sqrt(sigma*sigma+1)

	scaled := x.Clone()
	for i, v := range scaled.Data {
		scaled.Data[i] = v * float32(cIn)
	}

	out, err := d.Net.Forward(scaled, t, ctx, label, skip)
	if err != nil {
		return nil, fmt.Errorf("unet: denoise forward: %w", err)
	}
	if !out.FiniteCheck() {
		return nil, fmt.Errorf("unet: denoise produced a non-finite value")
	}

	if !d.Net.Params.VParam {
		return out, nil
	}

	cSkip := sigma / (sigma*sigma + 1)
	cOut := 1.0 / math.Sqrt(sigma*sigma+1)
	dx := tensor.NewLocalTensor(out.Shape[0], out.Shape[1], out.Shape[2], out.Shape[3])
	for i := range dx.Data {
		dx.Data[i] = out.Data[i]*float32(cOut) + x.Data[i]*float32(cSkip)
	}
	return dx, nil
}
