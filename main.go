package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"runtime"

	"imgsynth-go/engine"
	"imgsynth-go/pipeline"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
)

func SetUpLogger() {
	logrus.SetLevel(logrus.DebugLevel)

	logrus.SetReportCaller(true)

	logrus.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		FieldsOrder:     []string{"component", "category"},
		TimestampFormat: "2006-01-02 15:04:05.000",
		ShowFullLevel:   true,
		NoColors:        false,

		CallerFirst: true,
		CustomCallerFormatter: func(frame *runtime.Frame) string {
			return fmt.Sprintf(" [%s:%d]", filepath.Base(frame.File), frame.Line)
		},
	})
}

// setOpt calls ctx.OptionSetStr and fatally logs (without panicking the
// backend state) on a rejected value, mirroring
// original_source/src/main_mlimgsynth.c's argv-to-option_set_str loop.
func setOpt(ctx *engine.Ctx, name, value string) {
	if value == "" {
		return
	}
	if err := ctx.OptionSetStr(name, value); err != nil {
		logrus.Fatalf("option %s=%q rejected: %v", name, value, err)
	}
}

func main() {
	SetUpLogger()

	model := flag.String("model", "", "path to the checkpoint (safetensors/gguf)")
	tae := flag.String("tae", "", "path to a tiny-autoencoder checkpoint, replacing the full VAE")
	loraDir := flag.String("lora-dir", "", "directory LoRA names resolve against")
	lora := flag.String("lora", "", "LoRA path[,multiplier] to fuse before generating")
	auxDir := flag.String("aux-dir", "", "directory holding clip_merges.txt")
	prompt := flag.String("prompt", "", "positive prompt")
	nprompt := flag.String("nprompt", "", "negative prompt")
	width := flag.Int("width", 512, "output width in pixels")
	height := flag.Int("height", 512, "output height in pixels")
	steps := flag.Int("steps", 20, "sampler step count")
	cfgScale := flag.Float64("cfg", 7, "classifier-free guidance scale")
	clipSkip := flag.Int("clip-skip", 1, "CLIP layers to skip from the end")
	method := flag.String("method", "", "sampler method (euler/heun/taylor3/dpm++2m/dpm++2s[_a])")
	scheduler := flag.String("scheduler", "", "sigma schedule (uniform/karras)")
	seed := flag.Uint64("seed", 0, "RNG seed")

	flag.Parse()

	if *model == "" || *prompt == "" {
		logrus.Fatal("usage: imgsynth-go -model <path> -prompt <text> [options]")
	}

	ctx := engine.NewCtx()
	setOpt(ctx, "model", *model)
	setOpt(ctx, "tae", *tae)
	setOpt(ctx, "lora_dir", *loraDir)
	setOpt(ctx, "lora", *lora)
	setOpt(ctx, "aux_dir", *auxDir)
	setOpt(ctx, "prompt", *prompt)
	setOpt(ctx, "nprompt", *nprompt)
	setOpt(ctx, "image_dim", fmt.Sprintf("%d,%d", *width, *height))
	setOpt(ctx, "steps", fmt.Sprintf("%d", *steps))
	setOpt(ctx, "cfg_scale", fmt.Sprintf("%g", *cfgScale))
	setOpt(ctx, "clip_skip", fmt.Sprintf("%d", *clipSkip))
	setOpt(ctx, "method", *method)
	setOpt(ctx, "scheduler", *scheduler)
	if *seed != 0 {
		setOpt(ctx, "seed", fmt.Sprintf("%d", *seed))
	}

	pixels, err := pipeline.Generate(ctx)
	if err != nil {
		logrus.Fatal("generate failed: ", err)
	}

	logrus.Info(ctx.Infotext())
	if pixels != nil {
		stat := pixels.Stat()
		logrus.Infof("output tensor %dx%dx%d, min=%g max=%g mean_abs=%g",
			pixels.Shape[0], pixels.Shape[1], pixels.Shape[2], stat.Min, stat.Max, stat.ASum/float32(len(pixels.Data)))
	}
}
