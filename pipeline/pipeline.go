// Package pipeline implements spec.md §4.10's generate() orchestration:
// the single call that composes setup, conditioning, the sampler loop
// and decoding behind engine.Ctx's option surface. Grounded on
// original_source/src/mlimgsynth.c's mlis_generate, mlis_denoise_dxdt
// and mlis_infotext_update.
package pipeline

import (
	"fmt"
	"strings"
	"time"

	"imgsynth-go/engine"
	"imgsynth-go/sampler"
	"imgsynth-go/tensor"
	"imgsynth-go/unet"
)

// CancelError reports that the progress callback requested
// cancellation (a non-zero return). Per spec.md §7, "a progress-
// callback cancellation is not logged as error" — Generate returns
// this directly rather than routing it through engine.Ctx.Fail.
type CancelError struct {
	Stage engine.Stage
	Code  int
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("pipeline: cancelled during %s (callback returned %d)", e.Stage, e.Code)
}

// notify invokes opts.Callback, if any, and turns a non-zero return
// into a *CancelError. stepStart/wallStart are used to fill the
// callback's step_time/wall_time arguments.
func notify(opts engine.Opts, stage engine.Stage, step, nStep, nfe int, stepStart, wallStart time.Time) error {
	if opts.Callback == nil {
		return nil
	}
	now := time.Now()
	r := opts.Callback(stage, step, nStep, nfe, now.Sub(stepStart).Seconds(), now.Sub(wallStart).Seconds())
	if r != 0 {
		return &CancelError{Stage: stage, Code: r}
	}
	return nil
}

// Generate runs one full image synthesis on ctx, implementing spec.md
// §4.10's eight steps. It returns the decoded pixel tensor (nil if
// no_decode is set) and leaves ctx.Latent/Cond/NCond/Label/NLabel
// populated with the generation's final state for introspection.
func Generate(ctx *engine.Ctx) (*tensor.LocalTensor, error) {
	wallStart := time.Now()

	// Step 1: lazy setup (backend, weights, LoRA fusion, model probe).
	if err := ctx.Setup(); err != nil {
		return nil, err
	}
	opts := ctx.OptsSnapshot()
	if opts.BatchSize > 1 {
		return nil, ctx.Fail(fmt.Errorf("pipeline: batch size > 1 not supported yet"))
	}

	w, h := opts.ImageW/engine.VaeDownFactor, opts.ImageH/engine.VaeDownFactor

	// Step 2: initial latent, from an input image or zeroed.
	var initLatent *tensor.LocalTensor
	mode := "txt2img"
	if ctx.Image != nil {
		latent, err := ctx.ImageEncode(ctx.Image)
		if err != nil {
			return nil, err
		}
		if err := notify(opts, engine.StageImageEncode, 1, 1, 0, wallStart, wallStart); err != nil {
			return nil, err
		}
		ctx.Latent = latent
		initLatent = latent.Clone()
		mode = "img2img"

		if ctx.Mask != nil {
			lmask, err := ctx.MaskEncode(ctx.Mask)
			if err != nil {
				return nil, err
			}
			ctx.LMask = lmask
			mode = "inpaint"
		} else {
			ctx.LMask = nil
		}
	} else {
		ctx.Latent = tensor.NewLocalTensor(w, h, ctx.UnetParams.ChIn, 1)
		ctx.LMask = nil
	}

	// Step 3: text conditioning.
	cond, label, err := ctx.ClipTextEncode(opts.Prompt)
	if err != nil {
		return nil, err
	}
	var ncond *tensor.LocalTensor
	var nlabel []float32
	if opts.CFGScale > 1 {
		if opts.NPrompt == "" && opts.UncondEmptyZero {
			ncond = tensor.NewLocalTensor(cond.Shape[0], cond.Shape[1], cond.Shape[2], cond.Shape[3])
			if label != nil {
				nlabel = make([]float32, len(label))
			}
		} else {
			ncond, nlabel, err = ctx.ClipTextEncode(opts.NPrompt)
			if err != nil {
				return nil, err
			}
		}
	}
	ctx.Cond, ctx.NCond, ctx.Label, ctx.NLabel = cond, ncond, label, nlabel
	if err := notify(opts, engine.StageCondEncode, 1, 1, 0, wallStart, wallStart); err != nil {
		return nil, err
	}

	// Step 4: configure the sampler, its dxdt wrapping the U-Net call
	// with optional classifier-free guidance.
	skip, err := unet.NewSkipStack(ctx.UnetParams.SkipDepth())
	if err != nil {
		return nil, ctx.Fail(err)
	}
	denoise := unet.NewDenoiseWrapper(ctx.UNet, ctx.Schedule)
	nfe := 0
	useCFG := opts.CFGScale > 1 && ncond != nil
	dxdt := func(t float64, x, dx *tensor.LocalTensor) error {
		dxCond, err := denoise.Denoise(x, t, cond, label, skip)
		if err != nil {
			return err
		}
		nfe++
		if !useCFG {
			dx.CopyFrom(dxCond)
			return nil
		}
		dxUncond, err := denoise.Denoise(x, t, ncond, nlabel, skip)
		if err != nil {
			return err
		}
		nfe++
		f := float32(opts.CFGScale)
		for i := range dx.Data {
			dx.Data[i] = dxCond.Data[i]*f + dxUncond.Data[i]*(1-f)
		}
		return nil
	}

	samp, err := sampler.NewSampler(sampler.Config{
		Method:     sampler.Method(opts.Method),
		Scheduler:  sampler.Scheduler(opts.Scheduler),
		NStep:      opts.Steps,
		SNoise:     opts.SNoise,
		SAncestral: opts.SAncestral,
		FTIni:      opts.FTIni,
		FTEnd:      opts.FTEnd,
	}, ctx.Schedule.SigmaMin(), ctx.Schedule.SigmaMax(), ctx.Schedule.SigmaToT, ctx.Schedule.TToSigma, dxdt, opts.Seed)
	if err != nil {
		return nil, ctx.Fail(err)
	}

	// Step 5+6: run the sampler loop, blending in the latent mask
	// (inpainting) after every step, cancelling on a non-zero callback.
	nStep := samp.NSteps()
	for step := 0; step < nStep; step++ {
		stepStart := time.Now()
		if err := samp.Step(ctx.Latent); err != nil {
			return nil, ctx.Fail(fmt.Errorf("pipeline: sampler step %d: %w", step, err))
		}
		if ctx.LMask != nil {
			blendMask(ctx.Latent, initLatent, ctx.LMask)
		}
		if err := notify(opts, engine.StageDenoise, step+1, nStep, nfe, stepStart, wallStart); err != nil {
			return nil, err
		}
	}

	// Step 7: decode, unless no_decode.
	var pixels *tensor.LocalTensor
	if !opts.NoDecode {
		pixels, err = ctx.ImageDecode(ctx.Latent)
		if err != nil {
			return nil, err
		}
		if err := notify(opts, engine.StageImageDecode, 1, 1, nfe, wallStart, wallStart); err != nil {
			return nil, err
		}
	}

	// Step 8: info-text, then clear the per-generation prompt state.
	ctx.SetInfotext(buildInfotext(ctx, opts, mode, nStep, nfe, opts.ImageW, opts.ImageH))
	ctx.ResetPromptState()

	return pixels, nil
}

// blendMask implements spec.md §4.10 step 6's inpainting blend: at
// every mask pixel the current latent is pulled back toward the
// reference (pre-denoise) latent, weighted by the mask's coverage
// (1 = fully masked-in, keep denoising; 0 = fully masked-out, restore
// the reference). mask has 1 channel, broadcast across x's channels.
func blendMask(x, ref, mask *tensor.LocalTensor) {
	nPix := x.Shape[0] * x.Shape[1]
	nCh := x.Shape[2] * x.Shape[3]
	for c := 0; c < nCh; c++ {
		base := c * nPix
		for i := 0; i < nPix; i++ {
			m := mask.Data[i]
			x.Data[base+i] = x.Data[base+i]*m + ref.Data[base+i]*(1-m)
		}
	}
}

// buildInfotext mirrors mlis_infotext_update's field order and
// omission rules exactly (spec.md §6's "Infotext format").
func buildInfotext(ctx *engine.Ctx, opts engine.Opts, mode string, nStep, nfe, w, h int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", opts.Prompt)
	if opts.NPrompt != "" {
		fmt.Fprintf(&b, "Negative prompt: %s\n", opts.NPrompt)
	}
	fmt.Fprintf(&b, "Seed: %d", opts.Seed)
	fmt.Fprintf(&b, ", Sampler: %s", opts.Method)
	fmt.Fprintf(&b, ", Schedule type: %s", opts.Scheduler)
	if opts.SAncestral > 0 {
		fmt.Fprintf(&b, ", Ancestral: %g", opts.SAncestral)
	}
	if opts.SNoise > 0 {
		fmt.Fprintf(&b, ", SNoise: %g", opts.SNoise)
	}
	if opts.CFGScale > 1 {
		fmt.Fprintf(&b, ", CFG scale: %g", opts.CFGScale)
	}
	if opts.FTIni < 1 {
		fmt.Fprintf(&b, ", Mode: %s, f_t_ini: %g", mode, opts.FTIni)
	}
	fmt.Fprintf(&b, ", Steps: %d", nStep)
	fmt.Fprintf(&b, ", NFE: %d", nfe)
	fmt.Fprintf(&b, ", Size: %dx%d", w, h)
	fmt.Fprintf(&b, ", Clip skip: %d", opts.ClipSkip)
	fmt.Fprintf(&b, ", Model: %s", modelBasename(opts.ModelFilename))
	if ctx.TaeDec != nil {
		fmt.Fprintf(&b, ", VAE: tae")
	}
	fmt.Fprintf(&b, ", Version: imgsynth-go v%s", engine.Version)
	return b.String()
}

// modelBasename strips directory and extension, matching
// mlis_infotext_update's path_tail/path_ext handling.
func modelBasename(path string) string {
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
		path = path[i+1:]
	}
	if i := strings.LastIndex(path, "."); i > 0 {
		path = path[:i]
	}
	return path
}
