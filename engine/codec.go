package engine

import (
	"fmt"

	"imgsynth-go/tensor"
	"imgsynth-go/vae"
)

// VaeDownFactor is the fixed 8x spatial reduction every current SD/SDXL
// VAE and TAE share (three stride-2 halvings); pipeline.Generate uses
// it to size a fresh zero latent from the requested pixel dimensions.
const VaeDownFactor = 8

// ImageEncode is the direct entry point spec.md §6 lists
// (`image_encode`): pixel-space image to latent, via the TAE when the
// `tae` option is set, else the full VAE with its optional
// quant_conv and Gaussian-posterior sampling.
func (c *Ctx) ImageEncode(pixels *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	if err := c.Setup(); err != nil {
		return nil, err
	}
	x := vae.PixelToEncoderInput(pixels)

	if c.TaeEnc != nil {
		z, err := c.TaeEnc.Forward(x)
		if err != nil {
			return nil, c.fail(fmt.Errorf("engine: tae encode: %w", err))
		}
		return z, nil
	}

	moments, err := c.VaeEnc.Forward(x)
	if err != nil {
		return nil, c.fail(fmt.Errorf("engine: vae encode: %w", err))
	}
	if c.QuantConv != nil {
		moments, err = c.QuantConv.Forward(moments)
		if err != nil {
			return nil, c.fail(fmt.Errorf("engine: vae quant_conv: %w", err))
		}
	}
	latent, err := vae.SampleLatent(c.VaeParams, moments, false, c.RNG)
	if err != nil {
		return nil, c.fail(fmt.Errorf("engine: vae sample latent: %w", err))
	}
	return latent, nil
}

// ImageDecode is the direct entry point spec.md §6 lists
// (`image_decode`): latent to pixel-space image.
func (c *Ctx) ImageDecode(latent *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	if err := c.Setup(); err != nil {
		return nil, err
	}

	if c.TaeDec != nil {
		px, err := c.TaeDec.Forward(latent)
		if err != nil {
			return nil, c.fail(fmt.Errorf("engine: tae decode: %w", err))
		}
		return vae.DecoderOutputToPixel(px), nil
	}

	z := latent
	var err error
	if c.PostQuantConv != nil {
		z, err = c.PostQuantConv.Forward(latent)
		if err != nil {
			return nil, c.fail(fmt.Errorf("engine: vae post_quant_conv: %w", err))
		}
	}
	px, err := c.VaeDec.Forward(z)
	if err != nil {
		return nil, c.fail(fmt.Errorf("engine: vae decode: %w", err))
	}
	if !px.FiniteCheck() {
		return nil, c.fail(wrapf(ErrNaN, "engine: vae decode produced a non-finite value"))
	}
	return vae.DecoderOutputToPixel(px), nil
}

// MaskEncode is the direct entry point spec.md §6 lists
// (`mask_encode`): block-max downsample a pixel-space alpha mask by
// the active codec's spatial factor, per spec.md §4.10 step 2.
func (c *Ctx) MaskEncode(mask *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	if err := c.Setup(); err != nil {
		return nil, err
	}
	out := &tensor.LocalTensor{}
	out.Downsize(mask, VaeDownFactor, VaeDownFactor, 1, 1)
	return out, nil
}
