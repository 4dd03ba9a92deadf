package unet

import (
	"fmt"
	"math"

	"imgsynth-go/clip"
	"imgsynth-go/nn"
	"imgsynth-go/tensor"
)

// downLevel/upLevel are one down-path/up-path resolution stage: a run of resnets,
// each optionally followed by a spatial transformer, grounded on
// original_source/src/unet.c's mlb_unet__in/mlb_unet__out loops.
type downLevel struct {
	resnets      []*nn.Resnet
	transformers []*nn.SpatialTransformer // nil entries where AttentionAt is false
	downsample   *nn.Downsample           // nil at the coarsest level
}

type upLevel struct {
	resnets      []*nn.Resnet
	transformers []*nn.SpatialTransformer
	upsample     *nn.Upsample // nil at the finest level
}

// Embed is the time (+ SDXL label) embedding MLP: sinusoidal timestep
// embedding -> Linear -> SiLU -> Linear, optionally summed with a
// second Linear-SiLU-Linear MLP over the label vector. Grounded on
// original_source/src/unet.c's mlb_unet__embed.
type Embed struct {
	Time0, Time2 *nn.Linear
	Label0, Label2 *nn.Linear // nil unless Params.ChAdmIn > 0
}

// UNet is the denoising network topology spec.md §4.7 describes:
// conv_in, a down path pushing skip tensors onto a SkipStack, a middle
// block, and an up path popping and channel-concatenating them back
// in, conv_out. Weight names under w follow the engine's normalised
// dotted schema ("in.N.M", "mid.N", "out.N.M") per spec.md §5.
type UNet struct {
	Params Params

	Embed  *Embed
	ConvIn *nn.Conv2d

	Down []downLevel
	MidRes1, MidRes2 *nn.Resnet
	MidTransf        *nn.SpatialTransformer

	Up []upLevel

	NormOut *nn.GroupNorm
	ConvOut *nn.Conv2d
}

// New builds the full topology for p under w, mirroring
// mlb_unet__embed / mlb_unet__in / mlb_unet__mid / mlb_unet__out's
// block-naming convention exactly ("time_embed.{0,2}", "label_emb.0.{0,2}",
// "in.0.0" (conv_in), "in.<blk>.0" (resnet)/"in.<blk>.1" (transformer),
// "in.<blk>.0" (downsample when it's the level's first block),
// "mid.{0,1,2}", "out.<blk>.<sub>").
func New(w nn.Weights, p Params) (*UNet, error) {
	u := &UNet{Params: p}

	dTimeEmb := p.ModelChannels * 4
	time0, err := nn.NewLinear(w.Sub("time_embed.0"), p.ModelChannels, dTimeEmb, true)
	if err != nil {
		return nil, fmt.Errorf("unet: time_embed.0: %w", err)
	}
	time2, err := nn.NewLinear(w.Sub("time_embed.2"), dTimeEmb, dTimeEmb, true)
	if err != nil {
		return nil, fmt.Errorf("unet: time_embed.2: %w", err)
	}
	u.Embed = &Embed{Time0: time0, Time2: time2}
	if p.ChAdmIn > 0 {
		l0, err := nn.NewLinear(w.Sub("label_emb.0.0"), p.ChAdmIn, dTimeEmb, true)
		if err != nil {
			return nil, fmt.Errorf("unet: label_emb.0.0: %w", err)
		}
		l2, err := nn.NewLinear(w.Sub("label_emb.0.2"), dTimeEmb, dTimeEmb, true)
		if err != nil {
			return nil, fmt.Errorf("unet: label_emb.0.2: %w", err)
		}
		u.Embed.Label0, u.Embed.Label2 = l0, l2
	}

	convIn, err := nn.NewConv2d(w.Sub("in.0.0"), p.ChIn, p.ModelChannels, 3, 1, 1)
	if err != nil {
		return nil, fmt.Errorf("unet: in.0.0: %w", err)
	}
	u.ConvIn = convIn

	nLevels := len(p.ChannelMult)
	iBlk := 0
	ch := p.ModelChannels
	for im := 0; im < nLevels; im++ {
		var lvl downLevel
		if im > 0 {
			iBlk++
			down, err := nn.NewDownsample(w.Sub("in").SubIndex(iBlk).Sub("0"), ch)
			if err != nil {
				return nil, fmt.Errorf("unet: in.%d.0 (downsample): %w", iBlk, err)
			}
			lvl.downsample = down
		}
		levelCh := p.ModelChannels * p.ChannelMult[im]
		for j := 0; j < p.NumResBlocks; j++ {
			iBlk++
			blockPrefix := w.Sub("in").SubIndex(iBlk)
			res, err := nn.NewResnet(blockPrefix.Sub("0"), ch, levelCh, dTimeEmb)
			if err != nil {
				return nil, fmt.Errorf("unet: in.%d.0 (resnet): %w", iBlk, err)
			}
			ch = levelCh
			lvl.resnets = append(lvl.resnets, res)
			var transf *nn.SpatialTransformer
			if p.AttentionAt[im] {
				nHead, dHead := p.headsFor(ch)
				transf, err = nn.NewSpatialTransformer(blockPrefix.Sub("1"), ch, nHead, dHead, p.TransformerDepth[im], p.ContextDim)
				if err != nil {
					return nil, fmt.Errorf("unet: in.%d.1 (transformer): %w", iBlk, err)
				}
			}
			lvl.transformers = append(lvl.transformers, transf)
		}
		u.Down = append(u.Down, lvl)
	}

	midCh := p.ModelChannels * p.ChannelMult[nLevels-1]
	u.MidRes1, err = nn.NewResnet(w.Sub("mid.0"), midCh, midCh, dTimeEmb)
	if err != nil {
		return nil, fmt.Errorf("unet: mid.0: %w", err)
	}
	nHead, dHead := p.headsFor(midCh)
	u.MidTransf, err = nn.NewSpatialTransformer(w.Sub("mid.1"), midCh, nHead, dHead, p.TransformerDepth[nLevels-1], p.ContextDim)
	if err != nil {
		return nil, fmt.Errorf("unet: mid.1: %w", err)
	}
	u.MidRes2, err = nn.NewResnet(w.Sub("mid.2"), midCh, midCh, dTimeEmb)
	if err != nil {
		return nil, fmt.Errorf("unet: mid.2: %w", err)
	}

	ch = midCh
	oBlk := 0
	for im := nLevels - 1; im >= 0; im-- {
		levelCh := p.ModelChannels * p.ChannelMult[im]
		var lvl upLevel
		for j := 0; j < p.NumResBlocks+1; j++ {
			blockPrefix := w.Sub("out").SubIndex(oBlk)
			oBlk++
			iSub := 0
			// Input channels are the current running width plus the
			// matching skip tensor's width: levelCh for the skips the
			// level's resnets pushed, and for the level's last block the
			// width of the downsample (or conv_in) output, which is the
			// previous level's width.
			skipCh := levelCh
			if j == p.NumResBlocks {
				skipCh = p.ModelChannels
				if im > 0 {
					skipCh = p.ModelChannels * p.ChannelMult[im-1]
				}
			}
			res, err := nn.NewResnet(blockPrefix.SubIndex(iSub), ch+skipCh, levelCh, dTimeEmb)
			if err != nil {
				return nil, fmt.Errorf("unet: out.%d.%d (resnet): %w", oBlk-1, iSub, err)
			}
			iSub++
			ch = levelCh
			lvl.resnets = append(lvl.resnets, res)

			var transf *nn.SpatialTransformer
			if p.AttentionAt[im] {
				nHead, dHead := p.headsFor(ch)
				transf, err = nn.NewSpatialTransformer(blockPrefix.SubIndex(iSub), ch, nHead, dHead, p.TransformerDepth[im], p.ContextDim)
				if err != nil {
					return nil, fmt.Errorf("unet: out.%d.%d (transformer): %w", oBlk-1, iSub, err)
				}
				iSub++
			}
			lvl.transformers = append(lvl.transformers, transf)

			if im != 0 && j == p.NumResBlocks {
				up, err := nn.NewUpsample(blockPrefix.SubIndex(iSub), ch)
				if err != nil {
					return nil, fmt.Errorf("unet: out.%d.%d (upsample): %w", oBlk-1, iSub, err)
				}
				lvl.upsample = up
			}
		}
		u.Up = append(u.Up, lvl)
	}

	normOut, err := nn.NewGroupNorm(w.Sub("out.0"), ch)
	if err != nil {
		return nil, fmt.Errorf("unet: out.0 (norm): %w", err)
	}
	u.NormOut = normOut
	convOut, err := nn.NewConv2d(w.Sub("out.2"), ch, p.ChOut, 3, 1, 1)
	if err != nil {
		return nil, fmt.Errorf("unet: out.2 (conv): %w", err)
	}
	u.ConvOut = convOut

	return u, nil
}

// timestepEmbed builds the sinusoidal embedding for a scalar timestep,
// reusing clip.SinusoidalEmbedding's formula (the same transformer
// timestep-embedding construction, just applied to t instead of a
// geometry scalar).
func timestepEmbed(t float64, dim int) []float32 {
	return clip.SinusoidalEmbedding(t, dim, 10000)
}

func vecTensor(v []float32) *tensor.LocalTensor {
	out := tensor.NewLocalTensor(len(v), 1, 1, 1)
	copy(out.Data, v)
	return out
}

// embed computes the combined time(+label) embedding for one batch
// element, [DTimeEmb, 1, 1, 1].
func (u *UNet) embed(t float64, label []float32) (*tensor.LocalTensor, error) {
	dTimeEmb := u.Params.ModelChannels * 4
	temb := vecTensor(timestepEmbed(t, u.Params.ModelChannels))
	e, err := u.Embed.Time0.Forward(temb)
	if err != nil {
		return nil, fmt.Errorf("unet: time_embed.0: %w", err)
	}
	siluInPlace(e.Data)
	e, err = u.Embed.Time2.Forward(e)
	if err != nil {
		return nil, fmt.Errorf("unet: time_embed.2: %w", err)
	}
	if u.Params.ChAdmIn > 0 {
		if len(label) != u.Params.ChAdmIn {
			return nil, fmt.Errorf("unet: label vector length %d, want %d", len(label), u.Params.ChAdmIn)
		}
		le := vecTensor(label)
		le, err = u.Embed.Label0.Forward(le)
		if err != nil {
			return nil, fmt.Errorf("unet: label_emb.0.0: %w", err)
		}
		siluInPlace(le.Data)
		le, err = u.Embed.Label2.Forward(le)
		if err != nil {
			return nil, fmt.Errorf("unet: label_emb.0.2: %w", err)
		}
		for i := 0; i < dTimeEmb; i++ {
			e.Data[i] += le.Data[i]
		}
	}
	return e, nil
}

// Forward runs the full U-Net over a single-batch latent x ([W, H,
// ChIn, 1]), producing the raw network output ([W, H, ChOut, 1]) —
// callers apply DenoiseWrapper's input/output scaling around this.
func (u *UNet) Forward(x *tensor.LocalTensor, t float64, ctx *tensor.LocalTensor, label []float32, skip *SkipStack) (*tensor.LocalTensor, error) {
	emb, err := u.embed(t, label)
	if err != nil {
		return nil, err
	}

	skip.Reset()
	h, err := u.ConvIn.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("unet: conv_in: %w", err)
	}
	if err := skip.Push(h); err != nil {
		return nil, err
	}

	for _, lvl := range u.Down {
		if lvl.downsample != nil {
			h, err = lvl.downsample.Forward(h)
			if err != nil {
				return nil, fmt.Errorf("unet: downsample: %w", err)
			}
			if err := skip.Push(h); err != nil {
				return nil, err
			}
		}
		for i, res := range lvl.resnets {
			h, err = res.Forward(h, emb)
			if err != nil {
				return nil, fmt.Errorf("unet: down resnet: %w", err)
			}
			if tr := lvl.transformers[i]; tr != nil {
				h, err = tr.Forward(h, ctx)
				if err != nil {
					return nil, fmt.Errorf("unet: down transformer: %w", err)
				}
			}
			if err := skip.Push(h); err != nil {
				return nil, err
			}
		}
	}

	h, err = u.MidRes1.Forward(h, emb)
	if err != nil {
		return nil, fmt.Errorf("unet: mid res1: %w", err)
	}
	h, err = u.MidTransf.Forward(h, ctx)
	if err != nil {
		return nil, fmt.Errorf("unet: mid transformer: %w", err)
	}
	h, err = u.MidRes2.Forward(h, emb)
	if err != nil {
		return nil, fmt.Errorf("unet: mid res2: %w", err)
	}

	for _, lvl := range u.Up {
		for i, res := range lvl.resnets {
			skipT, err := skip.Pop()
			if err != nil {
				return nil, err
			}
			h, err = channelConcat(h, skipT)
			if err != nil {
				return nil, fmt.Errorf("unet: up concat: %w", err)
			}
			h, err = res.Forward(h, emb)
			if err != nil {
				return nil, fmt.Errorf("unet: up resnet: %w", err)
			}
			if tr := lvl.transformers[i]; tr != nil {
				h, err = tr.Forward(h, ctx)
				if err != nil {
					return nil, fmt.Errorf("unet: up transformer: %w", err)
				}
			}
		}
		if lvl.upsample != nil {
			h, err = lvl.upsample.Forward(h)
			if err != nil {
				return nil, fmt.Errorf("unet: upsample: %w", err)
			}
		}
	}

	h, err = u.NormOut.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("unet: out norm: %w", err)
	}
	siluInPlace(h.Data)
	h, err = u.ConvOut.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("unet: out conv: %w", err)
	}
	return h, nil
}

// channelConcat concatenates two image tensors ([W, H, C1, N] and
// [W, H, C2, N]) along the channel axis, the skip-connection join
// mlb_unet__out's ggml_concat(..., 2) performs.
func channelConcat(a, b *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	if a.Shape[0] != b.Shape[0] || a.Shape[1] != b.Shape[1] || a.Shape[3] != b.Shape[3] {
		return nil, fmt.Errorf("unet: channelConcat shape mismatch %v vs %v", a.Shape, b.Shape)
	}
	W, H, Ca, N := a.Shape[0], a.Shape[1], a.Shape[2], a.Shape[3]
	Cb := b.Shape[2]
	out := tensor.NewLocalTensor(W, H, Ca+Cb, N)
	spatial := H * W
	for n := 0; n < N; n++ {
		copy(out.Data[n*(Ca+Cb)*spatial:n*(Ca+Cb)*spatial+Ca*spatial], a.Data[n*Ca*spatial:(n+1)*Ca*spatial])
		copy(out.Data[n*(Ca+Cb)*spatial+Ca*spatial:(n+1)*(Ca+Cb)*spatial], b.Data[n*Cb*spatial:(n+1)*Cb*spatial])
	}
	return out, nil
}

func siluInPlace(xs []float32) {
	for i, v := range xs {
		xs[i] = v / (1 + float32(math.Exp(float64(-v))))
	}
}
