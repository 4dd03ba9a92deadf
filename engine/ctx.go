package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"imgsynth-go/clip"
	"imgsynth-go/lora"
	"imgsynth-go/nn"
	"imgsynth-go/promptpreproc"
	"imgsynth-go/rng"
	"imgsynth-go/tensor"
	"imgsynth-go/tensorstore"
	"imgsynth-go/unet"
	"imgsynth-go/vae"
)

// Readiness bitmask bits, spec.md §3's "Context" paragraph
// ("a readiness bitmask {backend, model, loras, rng}"): Setup only
// redoes the work a bit's absence demands, the dirty-flag-driven lazy
// re-initialisation discipline spec.md line 28 names.
const (
	readyBackend = 1 << iota
	readyModel
	readyLoras
	readyRNG
)

// PendingLora is one `lora` option not yet folded into the loaded
// model's tensor store: a checkpoint path and its blend multiplier.
// FromPrompt marks a LoRA extracted from a `<lora:NAME:MULT>` prompt
// directive (spec.md §4.8): these are removed and re-extracted every
// time the prompt option changes, distinct from LoRAs added via the
// `lora` option directly, which persist across prompt changes.
type PendingLora struct {
	Path       string
	Mult       float32
	FromPrompt bool
}

// CallbackFunc is the progress callback spec.md §6 describes:
// `progress(user, ctx, {stage, step, step_end, nfe, step_time, time})
// -> int`; a non-zero return aborts the generation and becomes its
// result. The Go port folds "user" into the closure the caller builds
// the func from, rather than threading an opaque pointer through.
type CallbackFunc func(stage Stage, step, nStep, nfe int, stepTime, wallTime float64) int

// ErrorHandlerFunc receives every negative-result *Error synchronously,
// per spec.md §7's "if an error handler is installed it is invoked
// synchronously with {code, desc}."
type ErrorHandlerFunc func(*Error)

// options holds every OptionID's current typed value. Recovery policy
// (spec.md §7: "out-of-range option values leave the old value in
// place") falls out naturally: a rejected OptionSet/OptionSetStr simply
// returns before assigning.
type options struct {
	backend string
	model   string
	tae     string

	loraDir      string
	pendingLoras []PendingLora

	prompt, nprompt string
	imageW, imageH  int
	batchSize       int
	clipSkip        int
	cfgScale        float64
	method          Method
	scheduler       Scheduler
	steps           int
	fTIni, fTEnd    float64
	sNoise          float64
	sAncestral      float64
	image           string
	imageMask       string
	noDecode        bool
	tensorUseFlags  int
	seed            uint64
	vaeTile         int
	unetSplit       bool
	threads         int
	dumpFlags       int
	auxDir          string
	callback        CallbackFunc
	errorHandler    ErrorHandlerFunc
	logLevel        logrus.Level
	modelTypeForced ModelType
	weightType      string
	noPromptParse   bool
}

// defaultOptions mirrors the original's option_set defaults: single
// image, full denoise strength, CFG on at a conservative scale, no
// ancestral/churn noise.
func defaultOptions() options {
	return options{
		batchSize: 1,
		clipSkip:  1,
		cfgScale:  7,
		steps:     20,
		fTIni:     1,
		logLevel:  logrus.InfoLevel,
	}
}

// Ctx is the engine's public-facing context: spec.md §3's "Context"
// paragraph realised as a single mutable struct carrying config
// options, the active model's normalised tensor store, the detected
// model type and its selected sub-model parameters/instances, LoRA
// state, and the current generation's tensor slots.
type Ctx struct {
	opts  options
	ready int

	log *logrus.Entry

	store     *tensorstore.Store
	modelType ModelType

	UnetParams unet.Params
	VaeParams  vae.Params
	ClipParams [2]clip.ClipParams // [1] unused outside SDXL

	UNet          *unet.UNet
	Schedule      *unet.Schedule
	VaeEnc        *vae.Encoder
	VaeDec        *vae.Decoder
	QuantConv     *nn.Conv2d // nil when the checkpoint carries none
	PostQuantConv *nn.Conv2d

	TaeEnc *vae.TAEEncoder
	TaeDec *vae.TAEDecoder

	Clip  *clip.TextEncoder
	Clip2 *clip.TextEncoder // SDXL's second tower, nil otherwise
	Vocab *clip.Vocab

	RNG *rng.Philox

	// Current-generation tensors, spec.md §3's list.
	Image, Mask   *tensor.LocalTensor
	Latent, LMask *tensor.LocalTensor
	Cond, NCond   *tensor.LocalTensor
	Label, NLabel []float32

	lastInfotext string
}

// NewCtx returns a Ctx with every option at its spec-default value,
// the Go equivalent of ctx_create.
func NewCtx() *Ctx {
	return &Ctx{
		opts: defaultOptions(),
		log:  logrus.WithField("component", "engine"),
	}
}

// fail normalizes err into an *Error, invokes the installed error
// handler if any, and returns it — the shared tail of every operation
// that can produce spec.md §7's negative result.
func (c *Ctx) fail(err error) error {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Code: classify(err), Desc: err.Error(), Err: err}
	}
	c.log.WithField("category", e.Code.String()).Error(e.Desc)
	if c.opts.errorHandler != nil {
		c.opts.errorHandler(e)
	}
	return e
}

// Setup lazily (re-)initialises whatever the readiness bitmask marks
// as stale: reload+renormalize+re-fuse-LoRAs the model when readyModel
// is unset, then seed the RNG when readyRNG is unset. Called
// automatically by pipeline.Generate, and safe to call repeatedly —
// a fully-ready Ctx is a no-op.
func (c *Ctx) Setup() error {
	if c.ready&readyModel == 0 {
		if err := c.setupModel(); err != nil {
			return c.fail(err)
		}
		c.ready |= readyModel | readyLoras
	}
	if c.ready&readyRNG == 0 {
		c.RNG = rng.New(c.opts.seed)
		c.ready |= readyRNG
	}
	c.ready |= readyBackend
	return nil
}

func (c *Ctx) setupModel() error {
	if c.opts.model == "" {
		return wrapf(ErrOptionValue, "engine: no model path set")
	}
	c.log.WithField("category", "load").Infof("loading model %s", c.opts.model)

	raw, err := loadRawStore(c.opts.model)
	if err != nil {
		return fmt.Errorf("engine: loading %s: %w", c.opts.model, err)
	}
	store, err := normalizeStore(raw)
	if err != nil {
		return fmt.Errorf("engine: normalizing %s: %w", c.opts.model, err)
	}

	for _, pl := range c.opts.pendingLoras {
		c.log.WithField("category", "lora").Infof("applying lora %s (mult %v)", pl.Path, pl.Mult)
		lraw, err := loadRawStore(pl.Path)
		if err != nil {
			return fmt.Errorf("engine: loading lora %s: %w", pl.Path, err)
		}
		if err := lora.Apply(store, lraw, pl.Mult); err != nil {
			return fmt.Errorf("engine: applying lora %s: %w", pl.Path, err)
		}
	}

	mt := c.opts.modelTypeForced
	if mt == ModelNone {
		mt, err = probeModelType(store)
		if err != nil {
			return err
		}
	}
	c.log.WithField("category", "load").Infof("detected model type %s", mt)

	if err := c.buildSubModels(store, mt); err != nil {
		return err
	}
	if c.opts.tae != "" {
		if err := c.buildTAE(); err != nil {
			return err
		}
	}
	if err := c.loadVocabIfNeeded(); err != nil {
		return err
	}

	c.store = store
	c.modelType = mt
	return nil
}

// buildSubModels selects the Params constants for mt and constructs
// every weight-bearing component spec.md §4.10 step 1's "set sub-model
// parameter pointers" calls for.
func (c *Ctx) buildSubModels(store *tensorstore.Store, mt ModelType) error {
	w := nn.NewWeights(store)

	switch mt {
	case ModelSD1:
		c.UnetParams, c.VaeParams = unet.SD1, vae.SD1
		c.ClipParams[0], c.ClipParams[1] = clip.ViTL14, clip.ClipParams{}
	case ModelSD2:
		c.UnetParams, c.VaeParams = unet.SD2, vae.SD1
		c.ClipParams[0], c.ClipParams[1] = clip.ViTH14, clip.ClipParams{}
	case ModelSDXL:
		c.UnetParams, c.VaeParams = unet.SDXLBase, vae.SDXL
		c.ClipParams[0], c.ClipParams[1] = clip.ViTL14, clip.ViTBigG14
	default:
		return wrapf(ErrUnknown, "engine: unhandled model type %v", mt)
	}

	u, err := unet.New(w.Sub("unet"), c.UnetParams)
	if err != nil {
		return fmt.Errorf("engine: building unet: %w", err)
	}
	c.UNet = u
	c.Schedule = unet.NewSchedule()

	vaeW := w.Sub("vae")
	venc, err := vae.NewEncoder(vaeW.Sub("encoder"), c.VaeParams)
	if err != nil {
		return fmt.Errorf("engine: building vae encoder: %w", err)
	}
	c.VaeEnc = venc
	vdec, err := vae.NewDecoder(vaeW.Sub("decoder"), c.VaeParams)
	if err != nil {
		return fmt.Errorf("engine: building vae decoder: %w", err)
	}
	c.VaeDec = vdec

	if vaeW.Has("quant_conv.weight") {
		qc, err := nn.NewConv2d(vaeW.Sub("quant_conv"), 2*c.VaeParams.ChZ, 2*c.VaeParams.ChZ, 1, 1, 0)
		if err != nil {
			return fmt.Errorf("engine: building vae quant_conv: %w", err)
		}
		c.QuantConv = qc
	}
	if vaeW.Has("post_quant_conv.weight") {
		pqc, err := nn.NewConv2d(vaeW.Sub("post_quant_conv"), c.VaeParams.ChZ, c.VaeParams.ChZ, 1, 1, 0)
		if err != nil {
			return fmt.Errorf("engine: building vae post_quant_conv: %w", err)
		}
		c.PostQuantConv = pqc
	}

	ce, err := clip.NewTextEncoder(w.Sub("clip"), c.ClipParams[0])
	if err != nil {
		return fmt.Errorf("engine: building clip text encoder: %w", err)
	}
	c.Clip = ce

	if mt == ModelSDXL {
		ce2, err := clip.NewTextEncoder(w.Sub("clip2"), c.ClipParams[1])
		if err != nil {
			return fmt.Errorf("engine: building clip2 text encoder: %w", err)
		}
		c.Clip2 = ce2
	} else {
		c.Clip2 = nil
	}
	return nil
}

// buildTAE loads the lighter codec from its own checkpoint file
// (opts.tae), a single store carrying both towers under "encoder."/
// "decoder." prefixes, mirroring the "vae." split above.
func (c *Ctx) buildTAE() error {
	raw, err := loadRawStore(c.opts.tae)
	if err != nil {
		return fmt.Errorf("engine: loading tae %s: %w", c.opts.tae, err)
	}
	w := nn.NewWeights(raw)
	enc, err := vae.NewTAEEncoder(w.Sub("encoder"), vae.TAEStandard)
	if err != nil {
		return fmt.Errorf("engine: building tae encoder: %w", err)
	}
	dec, err := vae.NewTAEDecoder(w.Sub("decoder"), vae.TAEStandard)
	if err != nil {
		return fmt.Errorf("engine: building tae decoder: %w", err)
	}
	c.TaeEnc, c.TaeDec = enc, dec
	return nil
}

// loadVocabIfNeeded reads the BPE merge file spec.md §6 calls an
// auxiliary plain-text file ("one merge per line"), from aux_dir/
// clip_merges.txt, shared across every model type since the
// byte<->token mapping itself never varies (clip.Vocab.NVocab is the
// same for ViTL14/ViTH14/ViTBigG14).
func (c *Ctx) loadVocabIfNeeded() error {
	if c.Vocab != nil || c.opts.auxDir == "" {
		return nil
	}
	path := filepath.Join(c.opts.auxDir, "clip_merges.txt")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("engine: %s: %w", path, ErrInternalNotFound)
		}
		return fmt.Errorf("engine: reading %s: %w", path, ErrInternalIO)
	}
	defer f.Close()
	v, err := clip.LoadVocab(f)
	if err != nil {
		return fmt.Errorf("engine: parsing %s: %w", path, err)
	}
	c.Vocab = v
	return nil
}

// ModelType reports the last-detected model family (zero value
// ModelNone before the first successful Setup).
func (c *Ctx) ModelType() ModelType { return c.modelType }

// Store exposes the normalized tensor store for read-only
// introspection (backend_info_get/tensor_get style callers).
func (c *Ctx) Store() *tensorstore.Store { return c.store }

// Infotext returns the last generation's info-text (spec.md §6), empty
// before the first successful generate.
func (c *Ctx) Infotext() string { return c.lastInfotext }

// SetInfotext records generate's built info-text; exported for
// pipeline.Generate, which assembles the string from Ctx's option and
// tensor state.
func (c *Ctx) SetInfotext(s string) { c.lastInfotext = s }

// Fail routes err through the same classification and error-handler
// dispatch Ctx's own operations use, for pipeline.Generate's negative
// results (spec.md §7). Progress-callback cancellation should NOT be
// routed here — "A progress-callback cancellation is not logged as
// error" — pipeline.Generate returns the callback's value directly.
func (c *Ctx) Fail(err error) error { return c.fail(err) }

// Log exposes the component-scoped logger for pipeline.Generate's own
// stage logging.
func (c *Ctx) Log() *logrus.Entry { return c.log }

// ResetPromptState implements original_source/src/mlimgsynth.c's
// mlis_prompt_clear, called by pipeline.Generate once a generation
// completes (spec.md §4.10 step 8's "clear the per-generation prompt
// state"): the prompt/negative-prompt text, the img2img schedule
// fraction, and the pixel-space Image/Mask slots all reset so the next
// generate() call defaults back to a fresh txt2img unless the caller
// repopulates them.
func (c *Ctx) ResetPromptState() {
	c.opts.prompt = ""
	c.opts.nprompt = ""
	c.opts.fTIni = 1
	c.opts.fTEnd = 0
	c.Image = nil
	c.Mask = nil
}

// Version is this engine's release string, reported in Infotext's
// trailing "Version: imgsynth-go vX" field.
const Version = "0.1.0"

// Opts is the read-only view of Ctx's current option values pipeline
// needs to drive a generation (sampler config, dims, callback, etc).
type Opts struct {
	Prompt, NPrompt                          string
	ImageW, ImageH                           int
	BatchSize, ClipSkip                      int
	CFGScale                                 float64
	Method                                   Method
	Scheduler                                Scheduler
	Steps                                    int
	FTIni, FTEnd, SNoise, SAncestral         float64
	Image, ImageMask                         string
	NoDecode                                 bool
	VaeTile                                  int
	Seed                                     uint64
	Callback                                 CallbackFunc
	UncondEmptyZero                          bool
	ModelFilename                            string
}

// OptsSnapshot snapshots the options pipeline.Generate reads, so pipeline
// never reaches into engine's unexported options struct directly.
func (c *Ctx) OptsSnapshot() Opts {
	return Opts{
		Prompt: c.opts.prompt, NPrompt: c.opts.nprompt,
		ImageW: c.opts.imageW, ImageH: c.opts.imageH,
		BatchSize: c.opts.batchSize, ClipSkip: c.opts.clipSkip,
		CFGScale: c.opts.cfgScale, Method: c.opts.method, Scheduler: c.opts.scheduler,
		Steps: c.opts.steps, FTIni: c.opts.fTIni, FTEnd: c.opts.fTEnd,
		SNoise: c.opts.sNoise, SAncestral: c.opts.sAncestral,
		Image: c.opts.image, ImageMask: c.opts.imageMask, NoDecode: c.opts.noDecode,
		VaeTile: c.opts.vaeTile, Seed: c.opts.seed, Callback: c.opts.callback,
		UncondEmptyZero: c.UnetParams.UncondEmptyZero, ModelFilename: c.opts.model,
	}
}

// ---- option setting ----

func optArg1(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected exactly one argument, got %d", len(args))
	}
	return args[0], nil
}

func optString(args []any) (string, error) {
	a, err := optArg1(args)
	if err != nil {
		return "", err
	}
	s, ok := a.(string)
	if !ok {
		return "", fmt.Errorf("expected a string argument, got %T", a)
	}
	return s, nil
}

func optFloat64(args []any) (float64, error) {
	a, err := optArg1(args)
	if err != nil {
		return 0, err
	}
	switch v := a.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expected a numeric argument, got %T", a)
	}
}

func optInt(args []any) (int, error) {
	a, err := optArg1(args)
	if err != nil {
		return 0, err
	}
	switch v := a.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("expected an integer argument, got %T", a)
	}
}

func optBool(args []any) (bool, error) {
	a, err := optArg1(args)
	if err != nil {
		return false, err
	}
	b, ok := a.(bool)
	if !ok {
		return false, fmt.Errorf("expected a bool argument, got %T", a)
	}
	return b, nil
}

func optUint64(args []any) (uint64, error) {
	a, err := optArg1(args)
	if err != nil {
		return 0, err
	}
	switch v := a.(type) {
	case uint64:
		return v, nil
	case int:
		return uint64(v), nil
	case int64:
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("expected an unsigned integer argument, got %T", a)
	}
}

// OptionSet implements spec.md §6's `option_set(ctx, id, …)`: a
// variadic typed argument list, one case per OptionID. A mismatched
// argument type or count is an OptionValue error; per spec.md §7's
// recovery policy, the previous value is left untouched.
func (c *Ctx) OptionSet(id OptionID, args ...any) error {
	switch id {
	case OptBackend:
		return c.setStr(&c.opts.backend, args, false)
	case OptModel:
		return c.setStr(&c.opts.model, args, true)
	case OptTAE:
		return c.setStr(&c.opts.tae, args, true)
	case OptLoraDir:
		return c.setStr(&c.opts.loraDir, args, false)
	case OptLora:
		return c.addLora(args)
	case OptLoraClear:
		c.opts.pendingLoras = nil
		c.ready &^= readyModel
		return nil
	case OptPrompt:
		s, err := optString(args)
		if err != nil {
			return c.fail(wrapf(ErrOptionValue, "engine: %v", err))
		}
		return c.setPrompt(s)
	case OptNPrompt:
		return c.setStr(&c.opts.nprompt, args, false)
	case OptImageDim:
		return c.setImageDim(args)
	case OptBatchSize:
		return c.setInt(&c.opts.batchSize, args)
	case OptClipSkip:
		return c.setInt(&c.opts.clipSkip, args)
	case OptCFGScale:
		return c.setFloat(&c.opts.cfgScale, args)
	case OptMethod:
		m, err := optArg1(args)
		if err != nil {
			return c.fail(wrapf(ErrOptionValue, "engine: method: %v", err))
		}
		mv, ok := m.(Method)
		if !ok {
			return c.fail(wrapf(ErrOptionValue, "engine: method: expected Method, got %T", m))
		}
		c.opts.method = mv
		return nil
	case OptScheduler:
		s, err := optArg1(args)
		if err != nil {
			return c.fail(wrapf(ErrOptionValue, "engine: scheduler: %v", err))
		}
		sv, ok := s.(Scheduler)
		if !ok {
			return c.fail(wrapf(ErrOptionValue, "engine: scheduler: expected Scheduler, got %T", s))
		}
		c.opts.scheduler = sv
		return nil
	case OptSteps:
		return c.setInt(&c.opts.steps, args)
	case OptFTIni:
		return c.setFloat(&c.opts.fTIni, args)
	case OptFTEnd:
		return c.setFloat(&c.opts.fTEnd, args)
	case OptSNoise:
		return c.setFloat(&c.opts.sNoise, args)
	case OptSAncestral:
		return c.setFloat(&c.opts.sAncestral, args)
	case OptImage:
		return c.setStr(&c.opts.image, args, false)
	case OptImageMask:
		return c.setStr(&c.opts.imageMask, args, false)
	case OptNoDecode:
		return c.setBool(&c.opts.noDecode, args)
	case OptTensorUseFlags:
		return c.setInt(&c.opts.tensorUseFlags, args)
	case OptSeed:
		v, err := optUint64(args)
		if err != nil {
			return c.fail(wrapf(ErrOptionValue, "engine: seed: %v", err))
		}
		c.opts.seed = v
		c.ready &^= readyRNG
		return nil
	case OptVaeTile:
		return c.setInt(&c.opts.vaeTile, args)
	case OptUnetSplit:
		return c.setBool(&c.opts.unetSplit, args)
	case OptThreads:
		return c.setInt(&c.opts.threads, args)
	case OptDumpFlags:
		return c.setInt(&c.opts.dumpFlags, args)
	case OptAuxDir:
		return c.setStr(&c.opts.auxDir, args, false)
	case OptCallback:
		a, err := optArg1(args)
		if err != nil {
			return c.fail(wrapf(ErrOptionValue, "engine: callback: %v", err))
		}
		cb, ok := a.(CallbackFunc)
		if !ok {
			return c.fail(wrapf(ErrOptionValue, "engine: callback: expected CallbackFunc, got %T", a))
		}
		c.opts.callback = cb
		return nil
	case OptErrorHandler:
		a, err := optArg1(args)
		if err != nil {
			return c.fail(wrapf(ErrOptionValue, "engine: error_handler: %v", err))
		}
		eh, ok := a.(ErrorHandlerFunc)
		if !ok {
			return c.fail(wrapf(ErrOptionValue, "engine: error_handler: expected ErrorHandlerFunc, got %T", a))
		}
		c.opts.errorHandler = eh
		return nil
	case OptLogLevel:
		return c.setLogLevel(args)
	case OptModelType:
		a, err := optArg1(args)
		if err != nil {
			return c.fail(wrapf(ErrOptionValue, "engine: model_type: %v", err))
		}
		mv, ok := a.(ModelType)
		if !ok {
			return c.fail(wrapf(ErrOptionValue, "engine: model_type: expected ModelType, got %T", a))
		}
		c.opts.modelTypeForced = mv
		c.ready &^= readyModel
		return nil
	case OptWeightType:
		return c.setStr(&c.opts.weightType, args, false)
	case OptNoPromptParse:
		return c.setBool(&c.opts.noPromptParse, args)
	default:
		return c.fail(wrapf(ErrUnknownOption, "engine: unknown option id %v", id))
	}
}

// setStr assigns a string option, optionally invalidating readyModel
// when the model/tae/lora path changes.
func (c *Ctx) setStr(dst *string, args []any, invalidatesModel bool) error {
	v, err := optString(args)
	if err != nil {
		return c.fail(wrapf(ErrOptionValue, "engine: %v", err))
	}
	*dst = v
	if invalidatesModel {
		c.ready &^= readyModel
	}
	return nil
}

func (c *Ctx) setInt(dst *int, args []any) error {
	v, err := optInt(args)
	if err != nil {
		return c.fail(wrapf(ErrOptionValue, "engine: %v", err))
	}
	*dst = v
	return nil
}

func (c *Ctx) setFloat(dst *float64, args []any) error {
	v, err := optFloat64(args)
	if err != nil {
		return c.fail(wrapf(ErrOptionValue, "engine: %v", err))
	}
	*dst = v
	return nil
}

func (c *Ctx) setBool(dst *bool, args []any) error {
	v, err := optBool(args)
	if err != nil {
		return c.fail(wrapf(ErrOptionValue, "engine: %v", err))
	}
	*dst = v
	return nil
}

func (c *Ctx) setImageDim(args []any) error {
	if len(args) != 2 {
		return c.fail(wrapf(ErrOptionValue, "engine: image_dim wants (w, h), got %d args", len(args)))
	}
	w, err := optInt(args[:1])
	if err != nil {
		return c.fail(wrapf(ErrOptionValue, "engine: image_dim width: %v", err))
	}
	h, err := optInt(args[1:])
	if err != nil {
		return c.fail(wrapf(ErrOptionValue, "engine: image_dim height: %v", err))
	}
	c.opts.imageW, c.opts.imageH = w, h
	return nil
}

// addLora registers a pending LoRA and marks the model dirty: since
// fusion mutates the loaded store's bytes in place (lora.Apply writes
// through MutableSource), there is no way to "un-fuse" one in place —
// so every lora/lora_clear change simply invalidates readyModel, and
// the next Setup reloads the base checkpoint fresh and re-fuses every
// entry in opts.pendingLoras from scratch.
func (c *Ctx) addLora(args []any) error {
	if len(args) < 1 || len(args) > 2 {
		return c.fail(wrapf(ErrOptionValue, "engine: lora wants (path[, mult]), got %d args", len(args)))
	}
	path, err := optString(args[:1])
	if err != nil {
		return c.fail(wrapf(ErrOptionValue, "engine: lora path: %v", err))
	}
	mult := float32(1)
	if len(args) == 2 {
		m, err := optFloat64(args[1:])
		if err != nil {
			return c.fail(wrapf(ErrOptionValue, "engine: lora mult: %v", err))
		}
		mult = float32(m)
	}
	c.opts.pendingLoras = append(c.opts.pendingLoras, PendingLora{Path: c.resolveLoraPath(path), Mult: mult})
	c.ready &^= readyModel
	return nil
}

// setPrompt implements spec.md §4.8's prompt-embedded LoRA directives
// and §8 property 4's attention-weight chunking, both via
// promptpreproc.Parse: every previously prompt-derived LoRA is first
// dropped (mirroring the original's mlis_cfg_loras_prompt_remove,
// generalized from its bare `<lora:...>` scan to the full parser), the
// stripped chunk text becomes the stored prompt — chunk weights are
// parsed and retained on Chunks but, matching
// original_source/src/mlimgsynth.c's mlis_text_cond_encode (which
// passes the bare prompt straight to clip_text_encode with no
// per-chunk reweighting), are not applied to the CLIP embedding.
func (c *Ctx) setPrompt(raw string) error {
	kept := c.opts.pendingLoras[:0:0]
	removedAny := false
	for _, pl := range c.opts.pendingLoras {
		if pl.FromPrompt {
			removedAny = true
			continue
		}
		kept = append(kept, pl)
	}
	c.opts.pendingLoras = kept

	text := raw
	if !c.opts.noPromptParse {
		p, err := promptpreproc.Parse(raw)
		if err != nil {
			return c.fail(wrapf(ErrPromptParse, "engine: parsing prompt: %v", err))
		}
		var b strings.Builder
		for _, ch := range p.Chunks {
			b.WriteString(ch.Text)
		}
		text = b.String()
		for _, l := range p.Loras {
			c.opts.pendingLoras = append(c.opts.pendingLoras, PendingLora{
				Path: c.resolveLoraPath(l.Name), Mult: l.Weight, FromPrompt: true,
			})
			removedAny = true
		}
	}
	c.opts.prompt = text
	if removedAny {
		c.ready &^= readyModel
	}
	return nil
}

func (c *Ctx) resolveLoraPath(name string) string {
	if c.opts.loraDir == "" || filepath.IsAbs(name) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	return filepath.Join(c.opts.loraDir, name)
}

func (c *Ctx) setLogLevel(args []any) error {
	a, err := optArg1(args)
	if err != nil {
		return c.fail(wrapf(ErrOptionValue, "engine: log_level: %v", err))
	}
	lv, ok := a.(logrus.Level)
	if !ok {
		return c.fail(wrapf(ErrOptionValue, "engine: log_level: expected logrus.Level, got %T", a))
	}
	c.opts.logLevel = lv
	logrus.SetLevel(lv)
	return nil
}

// OptionGet returns the current value of id, boxed as `any` the same
// way OptionSet's variadic argument accepts it.
func (c *Ctx) OptionGet(id OptionID) (any, error) {
	switch id {
	case OptBackend:
		return c.opts.backend, nil
	case OptModel:
		return c.opts.model, nil
	case OptTAE:
		return c.opts.tae, nil
	case OptLoraDir:
		return c.opts.loraDir, nil
	case OptPrompt:
		return c.opts.prompt, nil
	case OptNPrompt:
		return c.opts.nprompt, nil
	case OptImageDim:
		return [2]int{c.opts.imageW, c.opts.imageH}, nil
	case OptBatchSize:
		return c.opts.batchSize, nil
	case OptClipSkip:
		return c.opts.clipSkip, nil
	case OptCFGScale:
		return c.opts.cfgScale, nil
	case OptMethod:
		return c.opts.method, nil
	case OptScheduler:
		return c.opts.scheduler, nil
	case OptSteps:
		return c.opts.steps, nil
	case OptFTIni:
		return c.opts.fTIni, nil
	case OptFTEnd:
		return c.opts.fTEnd, nil
	case OptSNoise:
		return c.opts.sNoise, nil
	case OptSAncestral:
		return c.opts.sAncestral, nil
	case OptImage:
		return c.opts.image, nil
	case OptImageMask:
		return c.opts.imageMask, nil
	case OptNoDecode:
		return c.opts.noDecode, nil
	case OptTensorUseFlags:
		return c.opts.tensorUseFlags, nil
	case OptSeed:
		return c.opts.seed, nil
	case OptVaeTile:
		return c.opts.vaeTile, nil
	case OptUnetSplit:
		return c.opts.unetSplit, nil
	case OptThreads:
		return c.opts.threads, nil
	case OptDumpFlags:
		return c.opts.dumpFlags, nil
	case OptAuxDir:
		return c.opts.auxDir, nil
	case OptLogLevel:
		return c.opts.logLevel, nil
	case OptModelType:
		if c.opts.modelTypeForced != ModelNone {
			return c.opts.modelTypeForced, nil
		}
		return c.modelType, nil
	case OptWeightType:
		return c.opts.weightType, nil
	case OptNoPromptParse:
		return c.opts.noPromptParse, nil
	default:
		return nil, wrapf(ErrUnknownOption, "engine: unknown or write-only option id %v", id)
	}
}

// ---- string-table-driven config ----

// OptionSetStr implements spec.md §6's `option_set_str(ctx, name,
// value)` and its string-valued option convention: `,`-separated
// positional arguments, `_`/`-` interchangeable and case-insensitive
// names, a `_a` method-name suffix shorthand for ancestral sampling,
// and log_level's numeric overlay scheme.
func (c *Ctx) OptionSetStr(name, value string) error {
	id, ok := OptionIDFromString(name)
	if !ok {
		return c.fail(wrapf(ErrUnknownOption, "engine: unknown option %q", name))
	}
	parts := strings.Split(value, ",")

	switch id {
	case OptModel, OptTAE, OptLoraDir, OptPrompt, OptNPrompt, OptImage, OptImageMask, OptAuxDir, OptWeightType:
		return c.OptionSet(id, value)
	case OptLoraClear:
		return c.OptionSet(id)
	case OptLora:
		args := []any{parts[0]}
		if len(parts) > 1 {
			m, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
			if err != nil {
				return c.fail(wrapf(ErrOptionValue, "engine: lora multiplier %q: %v", parts[1], err))
			}
			args = append(args, m)
		}
		return c.OptionSet(id, args...)
	case OptImageDim:
		if len(parts) != 2 {
			return c.fail(wrapf(ErrOptionValue, "engine: image_dim wants \"W,H\", got %q", value))
		}
		w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil {
			return c.fail(wrapf(ErrOptionValue, "engine: image_dim: invalid dimensions in %q", value))
		}
		return c.OptionSet(id, w, h)
	case OptBatchSize, OptSteps, OptTensorUseFlags, OptVaeTile, OptThreads, OptDumpFlags:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return c.fail(wrapf(ErrOptionValue, "engine: %s: invalid integer %q", name, value))
		}
		return c.OptionSet(id, n)
	case OptClipSkip:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return c.fail(wrapf(ErrOptionValue, "engine: clip_skip: invalid integer %q", value))
		}
		return c.OptionSet(id, n)
	case OptCFGScale, OptFTIni, OptFTEnd, OptSNoise, OptSAncestral:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return c.fail(wrapf(ErrOptionValue, "engine: %s: invalid number %q", name, value))
		}
		return c.OptionSet(id, f)
	case OptNoDecode, OptUnetSplit, OptNoPromptParse:
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return c.fail(wrapf(ErrOptionValue, "engine: %s: invalid bool %q", name, value))
		}
		return c.OptionSet(id, b)
	case OptSeed:
		n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return c.fail(wrapf(ErrOptionValue, "engine: seed: invalid integer %q", value))
		}
		return c.OptionSet(id, n)
	case OptMethod:
		return c.setMethodStr(value)
	case OptScheduler:
		s, ok := schedulerFromName[normalizeOptionName(value)]
		if !ok {
			return c.fail(wrapf(ErrOptionValue, "engine: unknown scheduler %q", value))
		}
		return c.OptionSet(id, s)
	case OptModelType:
		mt, ok := modelTypeFromName[normalizeOptionName(value)]
		if !ok {
			return c.fail(wrapf(ErrOptionValue, "engine: unknown model_type %q", value))
		}
		return c.OptionSet(id, mt)
	case OptLogLevel:
		return c.setLogLevelStr(value)
	case OptCallback, OptErrorHandler, OptBackend:
		return c.fail(wrapf(ErrOptionValue, "engine: %s cannot be set from a string value", name))
	default:
		return c.fail(wrapf(ErrUnknownOption, "engine: unknown option %q", name))
	}
}

var methodFromName = map[string]Method{
	"euler": MethodEuler, "heun": MethodHeun, "taylor3": MethodTaylor3,
	"dpm++2m": MethodDPMPP2M, "dpm_2m": MethodDPMPP2M,
	"dpm++2s": MethodDPMPP2S, "dpm_2s": MethodDPMPP2S,
}

var schedulerFromName = map[string]Scheduler{
	"uniform": SchedulerUniform, "karras": SchedulerKarras,
}

var modelTypeFromName = map[string]ModelType{
	"sd1": ModelSD1, "sd2": ModelSD2, "sdxl": ModelSDXL, "none": ModelNone,
}

// setMethodStr resolves a method name, honoring the "_a" ancestral
// shorthand spec.md §6 describes: "euler_a" means method=euler plus
// s_ancestral=1 (only applied when s_ancestral hasn't already been set
// to something else by the caller).
func (c *Ctx) setMethodStr(value string) error {
	name := normalizeOptionName(value)
	ancestral := strings.HasSuffix(name, "_a")
	if ancestral {
		name = strings.TrimSuffix(name, "_a")
	}
	m, ok := methodFromName[name]
	if !ok {
		return c.fail(wrapf(ErrOptionValue, "engine: unknown method %q", value))
	}
	if err := c.OptionSet(OptMethod, m); err != nil {
		return err
	}
	if ancestral && c.opts.sAncestral == 0 {
		return c.OptionSet(OptSAncestral, 1.0)
	}
	return nil
}

// setLogLevelStr implements spec.md §6's "log_level accepts both enum
// names and numeric overlays 0x100|delta (increase) / 0x200|delta
// (decrease)": a bare name sets the level directly; a number with the
// 0x100 or 0x200 bit set is relative to the current level.
func (c *Ctx) setLogLevelStr(value string) error {
	value = strings.TrimSpace(value)
	if n, err := strconv.ParseInt(value, 0, 64); err == nil {
		switch {
		case n&0x200 != 0:
			return c.OptionSet(OptLogLevel, clampLevel(int64(c.opts.logLevel)+(n&0xff)))
		case n&0x100 != 0:
			return c.OptionSet(OptLogLevel, clampLevel(int64(c.opts.logLevel)-(n&0xff)))
		default:
			return c.OptionSet(OptLogLevel, clampLevel(n))
		}
	}
	lv, err := logrus.ParseLevel(value)
	if err != nil {
		return c.fail(wrapf(ErrOptionValue, "engine: unknown log_level %q", value))
	}
	return c.OptionSet(OptLogLevel, lv)
}

func clampLevel(n int64) logrus.Level {
	if n < int64(logrus.PanicLevel) {
		return logrus.PanicLevel
	}
	if n > int64(logrus.TraceLevel) {
		return logrus.TraceLevel
	}
	return logrus.Level(n)
}
