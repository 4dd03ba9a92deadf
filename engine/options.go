// Package engine implements the public-facing context spec.md §6
// describes: a single mutable Ctx carrying config options, the active
// model's tensor store, selected sub-models, LoRA state, sampler
// configuration and the current generation's tensors, plus the
// readiness-bitmask lazy-setup discipline spec.md §3's "Context" and
// "Lifecycles" paragraphs call for.
//
// Grounded on original_source/src/mlimgsynth.h's option_set/option_get
// surface (a closed, typed option-id set rather than a generic config
// file) and on the teacher's SetUpLogger for the ambient logging
// convention engine.Ctx reuses (component-scoped logrus.Entry fields
// formatted with nested-logrus-formatter).
package engine

import "strings"

// OptionID is the closed set of ~35 engine options spec.md §6 names.
type OptionID int

const (
	OptNone OptionID = iota
	OptBackend
	OptModel
	OptTAE
	OptLoraDir
	OptLora
	OptLoraClear
	OptPrompt
	OptNPrompt
	OptImageDim
	OptBatchSize
	OptClipSkip
	OptCFGScale
	OptMethod
	OptScheduler
	OptSteps
	OptFTIni
	OptFTEnd
	OptSNoise
	OptSAncestral
	OptImage
	OptImageMask
	OptNoDecode
	OptTensorUseFlags
	OptSeed
	OptVaeTile
	OptUnetSplit
	OptThreads
	OptDumpFlags
	OptAuxDir
	OptCallback
	OptErrorHandler
	OptLogLevel
	OptModelType
	OptWeightType
	OptNoPromptParse
)

var optionNames = map[OptionID]string{
	OptBackend:        "backend",
	OptModel:          "model",
	OptTAE:            "tae",
	OptLoraDir:        "lora_dir",
	OptLora:           "lora",
	OptLoraClear:      "lora_clear",
	OptPrompt:         "prompt",
	OptNPrompt:        "nprompt",
	OptImageDim:       "image_dim",
	OptBatchSize:      "batch_size",
	OptClipSkip:       "clip_skip",
	OptCFGScale:       "cfg_scale",
	OptMethod:         "method",
	OptScheduler:      "scheduler",
	OptSteps:          "steps",
	OptFTIni:          "f_t_ini",
	OptFTEnd:          "f_t_end",
	OptSNoise:         "s_noise",
	OptSAncestral:     "s_ancestral",
	OptImage:          "image",
	OptImageMask:      "image_mask",
	OptNoDecode:       "no_decode",
	OptTensorUseFlags: "tensor_use_flags",
	OptSeed:           "seed",
	OptVaeTile:        "vae_tile",
	OptUnetSplit:      "unet_split",
	OptThreads:        "threads",
	OptDumpFlags:      "dump_flags",
	OptAuxDir:         "aux_dir",
	OptCallback:       "callback",
	OptErrorHandler:   "error_handler",
	OptLogLevel:       "log_level",
	OptModelType:      "model_type",
	OptWeightType:     "weight_type",
	OptNoPromptParse:  "no_prompt_parse",
}

func (o OptionID) String() string {
	if n, ok := optionNames[o]; ok {
		return n
	}
	return "none"
}

// normalizeOptionName applies spec.md §6's string-valued option
// convention: "_" == "-", case-insensitive.
func normalizeOptionName(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "-", "_"))
}

// OptionIDFromString resolves a name (after the "_"/"-" and case
// normalization spec.md §6 specifies) to its OptionID.
func OptionIDFromString(name string) (OptionID, bool) {
	name = normalizeOptionName(name)
	for id, n := range optionNames {
		if n == name {
			return id, true
		}
	}
	return OptNone, false
}

// Stage is the engine's current activity, reported to the progress
// callback and usable for logging/UI.
type Stage int

const (
	StageIdle Stage = iota
	StageCondEncode
	StageImageEncode
	StageImageDecode
	StageDenoise
)

func (s Stage) String() string {
	switch s {
	case StageCondEncode:
		return "cond_encode"
	case StageImageEncode:
		return "image_encode"
	case StageImageDecode:
		return "image_decode"
	case StageDenoise:
		return "denoise"
	default:
		return "idle"
	}
}

// Method names the sampler solvers spec.md §6 lists, mirrored from
// sampler.Method's own closed set (duplicated here as the public enum
// so the engine boundary doesn't leak the sampler package's type into
// the option-setting surface).
type Method int

const (
	MethodNone Method = iota
	MethodEuler
	MethodHeun
	MethodTaylor3
	MethodDPMPP2M
	MethodDPMPP2S
)

var methodNames = map[Method]string{
	MethodNone: "none", MethodEuler: "euler", MethodHeun: "heun",
	MethodTaylor3: "taylor3", MethodDPMPP2M: "dpm++2m", MethodDPMPP2S: "dpm++2s",
}

func (m Method) String() string { return methodNames[m] }

// Scheduler names the sigma-schedule shapes spec.md §6 lists.
type Scheduler int

const (
	SchedulerNone Scheduler = iota
	SchedulerUniform
	SchedulerKarras
)

var schedulerNames = map[Scheduler]string{
	SchedulerNone: "none", SchedulerUniform: "uniform", SchedulerKarras: "karras",
}

func (s Scheduler) String() string { return schedulerNames[s] }

// ModelType is the detected checkpoint family.
type ModelType int

const (
	ModelNone ModelType = iota
	ModelSD1
	ModelSD2
	ModelSDXL
)

var modelTypeNames = map[ModelType]string{
	ModelNone: "none", ModelSD1: "sd1", ModelSD2: "sd2", ModelSDXL: "sdxl",
}

func (m ModelType) String() string { return modelTypeNames[m] }

// SubModel names one of the loadable model components, used by
// tensor_use_flags / backend_info_get-style introspection.
type SubModel int

const (
	SubModelNone SubModel = iota
	SubModelUNet
	SubModelVAE
	SubModelTAE
	SubModelClip
	SubModelClip2
)

var subModelNames = map[SubModel]string{
	SubModelNone: "none", SubModelUNet: "unet", SubModelVAE: "vae",
	SubModelTAE: "tae", SubModelClip: "clip", SubModelClip2: "clip2",
}

func (s SubModel) String() string { return subModelNames[s] }
