package unet

// Params describes one U-Net checkpoint's topology and the
// per-model flags spec.md §4.7 calls out: four model constants differ
// by depth, attention resolutions, channel multipliers, transformer
// depths, head count/dim, and n_ctx; plus a v-parameterisation flag
// and an "uncond_empty_zero" flag.
type Params struct {
	Name string

	ChIn, ChOut    int // latent channels in/out, 4 for every current model
	ModelChannels  int // base channel width before ChannelMult
	ChannelMult    []int
	NumResBlocks   int
	// AttentionAt[i] reports whether resolution level i carries a
	// spatial transformer block after its resnets (levels without
	// attention are plain resnet-only, e.g. SD1's first level).
	AttentionAt []bool
	// TransformerDepth[i] is the number of BasicTransformerBlocks inside
	// the spatial transformer at level i (ignored where AttentionAt[i]
	// is false).
	TransformerDepth []int

	// NHeadFixed, when > 0, is a fixed head count used at every
	// attention level (SD1's convention). HeadDim, when > 0, is a fixed
	// per-head width from which the head count is derived per level as
	// channels/HeadDim (SD2/SDXL's convention). Exactly one is set.
	NHeadFixed int
	HeadDim    int

	ContextDim int // CLIP conditioning width the cross-attention layers consume
	NCtx       int // number of conditioning tokens (n_token)

	VParam          bool
	UncondEmptyZero bool

	ChAdmIn int // SDXL label-embedding input width, 0 when the model has no label embedding
}

// headsFor resolves the (nHead, headDim) pair for a resolution level
// with the given channel count.
func (p Params) headsFor(channels int) (nHead, headDim int) {
	if p.NHeadFixed > 0 {
		return p.NHeadFixed, channels / p.NHeadFixed
	}
	return channels / p.HeadDim, p.HeadDim
}

// SkipDepth reports how many tensors UNet.Forward pushes onto its
// SkipStack in one pass: conv_in's output, plus one per downsample
// (every level but the coarsest) plus one per resnet at every level —
// the exact count New's down-path loop pushes, so callers can size
// NewSkipStack correctly for whichever Params they load.
func (p Params) SkipDepth() int {
	nLevels := len(p.ChannelMult)
	return 1 + (nLevels - 1) + nLevels*p.NumResBlocks
}

// SD1 is Stable Diffusion 1.x's U-Net: eps-parameterised, no label
// embedding, fixed 8-head attention, context width 768 (CLIP-L alone).
var SD1 = Params{
	Name: "sd1",
	ChIn: 4, ChOut: 4, ModelChannels: 320,
	ChannelMult:      []int{1, 2, 4, 4},
	NumResBlocks:     2,
	AttentionAt:      []bool{true, true, true, false},
	TransformerDepth: []int{1, 1, 1, 1},
	NHeadFixed:       8,
	ContextDim:       768,
	NCtx:             77,
}

// SD2 is Stable Diffusion 2.x's U-Net: OpenCLIP-ViT-H conditioning
// (context width 1024), fixed head-dim attention instead of a fixed
// head count.
var SD2 = Params{
	Name: "sd2",
	ChIn: 4, ChOut: 4, ModelChannels: 320,
	ChannelMult:      []int{1, 2, 4, 4},
	NumResBlocks:     2,
	AttentionAt:      []bool{true, true, true, false},
	TransformerDepth: []int{1, 1, 1, 1},
	HeadDim:          64,
	ContextDim:       1024,
	NCtx:             77,
}

// SDXLBase is SDXL's base U-Net: v-parameterisation is off by default
// for the base checkpoint (matches the released weights), dual-CLIP
// conditioning (context width 2048), a deeper transformer stack at
// the lower-resolution levels, and the zero-empty-unconditional-
// embedding convention.
var SDXLBase = Params{
	Name: "sdxl_base",
	ChIn: 4, ChOut: 4, ModelChannels: 320,
	ChannelMult:      []int{1, 2, 4},
	NumResBlocks:     2,
	AttentionAt:      []bool{false, true, true},
	TransformerDepth: []int{1, 2, 10},
	HeadDim:          64,
	ContextDim:       2048,
	NCtx:             77,
	UncondEmptyZero:  true,
	ChAdmIn:          2816,
}

// SDXLRefiner is SDXL's refiner U-Net: same label-embedding and
// uncond_empty_zero conventions as the base, a shallower transformer
// stack, and CLIP-bigG-only conditioning (context width 1280).
var SDXLRefiner = Params{
	Name: "sdxl_refiner",
	ChIn: 4, ChOut: 4, ModelChannels: 384,
	ChannelMult:      []int{1, 2, 4, 4},
	NumResBlocks:     2,
	AttentionAt:      []bool{false, true, true, true},
	TransformerDepth: []int{4, 4, 4, 4},
	HeadDim:          64,
	ContextDim:       1280,
	NCtx:             77,
	UncondEmptyZero:  true,
	ChAdmIn:          2560,
}
