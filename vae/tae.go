package vae

import (
	"fmt"

	"imgsynth-go/nn"
	"imgsynth-go/tensor"
)

// TAEParams describes the lighter, attention-free symmetric codec
// spec.md §4.6 calls TAE: a fixed stack of residual blocks with
// stride-2 convs (encoder) and nn.Upsample (decoder) as the spatial
// resize steps (no attention,
// no variable channel multiplier schedule), grounded on
// original_source/src/tae.h.
type TAEParams struct {
	ChX, ChZ, ChBase int
	NumResBlocks     int // per resolution stage
	NumStages        int // number of stride-2 halvings/doublings
}

// TAEStandard matches the original's fixed TAE topology.
var TAEStandard = TAEParams{ChX: 3, ChZ: 4, ChBase: 64, NumResBlocks: 3, NumStages: 3}

type taeStage struct {
	resnets []*nn.Resnet
	resize  *nn.Conv2d // stride-2 downsample in every encoder stage; nil in decoder stages, which upsample via nn.Upsample instead
	upsample *nn.Upsample
}

// TAEEncoder is a stack of residual blocks interleaved with stride-2
// downsampling convs, ending in a 3x3 conv projection to ChZ channels.
type TAEEncoder struct {
	P       TAEParams
	ConvIn  *nn.Conv2d
	Stages  []taeStage
	ConvOut *nn.Conv2d
}

func NewTAEEncoder(w nn.Weights, p TAEParams) (*TAEEncoder, error) {
	e := &TAEEncoder{P: p}
	convIn, err := nn.NewConv2d(w.Sub("conv_in"), p.ChX, p.ChBase, 3, 1, 1)
	if err != nil {
		return nil, fmt.Errorf("vae/tae: encoder conv_in: %w", err)
	}
	e.ConvIn = convIn
	c := p.ChBase
	for s := 0; s < p.NumStages; s++ {
		sw := w.Sub("stages").SubIndex(s)
		var stage taeStage
		for r := 0; r < p.NumResBlocks; r++ {
			res, err := nn.NewResnet(sw.Sub("block").SubIndex(r), c, c, 0)
			if err != nil {
				return nil, fmt.Errorf("vae/tae: encoder stage %d resnet %d: %w", s, r, err)
			}
			stage.resnets = append(stage.resnets, res)
		}
		resize, err := nn.NewConv2d(sw.Sub("downsample"), c, c, 3, 2, 1)
		if err != nil {
			return nil, fmt.Errorf("vae/tae: encoder stage %d downsample: %w", s, err)
		}
		stage.resize = resize
		e.Stages = append(e.Stages, stage)
	}
	convOut, err := nn.NewConv2d(w.Sub("conv_out"), c, p.ChZ, 3, 1, 1)
	if err != nil {
		return nil, fmt.Errorf("vae/tae: encoder conv_out: %w", err)
	}
	e.ConvOut = convOut
	return e, nil
}

func (e *TAEEncoder) Forward(x *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	h, err := e.ConvIn.Forward(x)
	if err != nil {
		return nil, err
	}
	for si, stage := range e.Stages {
		for ri, res := range stage.resnets {
			h, err = res.Forward(h, nil)
			if err != nil {
				return nil, fmt.Errorf("vae/tae: encoder stage %d resnet %d: %w", si, ri, err)
			}
		}
		h, err = stage.resize.Forward(h)
		if err != nil {
			return nil, fmt.Errorf("vae/tae: encoder stage %d downsample: %w", si, err)
		}
	}
	return e.ConvOut.Forward(h)
}

// TAEDecoder mirrors TAEEncoder with nn.Upsample in place of the
// encoder's stride-2 convs, and spec.md §4.6's "decoder prelude clamps
// via 3*tanh(x/3)" applied to the latent before the first conv.
type TAEDecoder struct {
	P       TAEParams
	ConvIn  *nn.Conv2d
	Stages  []taeStage
	ConvOut *nn.Conv2d
}

func NewTAEDecoder(w nn.Weights, p TAEParams) (*TAEDecoder, error) {
	d := &TAEDecoder{P: p}
	convIn, err := nn.NewConv2d(w.Sub("conv_in"), p.ChZ, p.ChBase, 3, 1, 1)
	if err != nil {
		return nil, fmt.Errorf("vae/tae: decoder conv_in: %w", err)
	}
	d.ConvIn = convIn
	c := p.ChBase
	for s := 0; s < p.NumStages; s++ {
		sw := w.Sub("stages").SubIndex(s)
		var stage taeStage
		for r := 0; r < p.NumResBlocks; r++ {
			res, err := nn.NewResnet(sw.Sub("block").SubIndex(r), c, c, 0)
			if err != nil {
				return nil, fmt.Errorf("vae/tae: decoder stage %d resnet %d: %w", s, r, err)
			}
			stage.resnets = append(stage.resnets, res)
		}
		up, err := nn.NewUpsample(sw.Sub("upsample"), c)
		if err != nil {
			return nil, fmt.Errorf("vae/tae: decoder stage %d upsample: %w", s, err)
		}
		stage.upsample = up
		d.Stages = append(d.Stages, stage)
	}
	convOut, err := nn.NewConv2d(w.Sub("conv_out"), c, p.ChX, 3, 1, 1)
	if err != nil {
		return nil, fmt.Errorf("vae/tae: decoder conv_out: %w", err)
	}
	d.ConvOut = convOut
	return d, nil
}

func (d *TAEDecoder) Forward(z *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	clamped := z.Clone()
	for i, v := range clamped.Data {
		clamped.Data[i] = 3 * tanhF32(v/3)
	}
	h, err := d.ConvIn.Forward(clamped)
	if err != nil {
		return nil, err
	}
	for si, stage := range d.Stages {
		for ri, res := range stage.resnets {
			h, err = res.Forward(h, nil)
			if err != nil {
				return nil, fmt.Errorf("vae/tae: decoder stage %d resnet %d: %w", si, ri, err)
			}
		}
		h, err = stage.upsample.Forward(h)
		if err != nil {
			return nil, fmt.Errorf("vae/tae: decoder stage %d upsample: %w", si, err)
		}
	}
	return d.ConvOut.Forward(h)
}

func tanhF32(x float32) float32 {
	return float32(tanh64(float64(x)))
}
