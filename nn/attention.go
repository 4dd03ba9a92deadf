package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"imgsynth-go/tensor"
)

// Attention implements spec.md §4.4's scaled dot-product multi-head
// attention: query always comes from x ([D, T, B, 1]); key/value come
// from ctx when given (cross-attention, U-Net's image-to-text
// attention) or from x itself (self-attention, CLIP's text encoder and
// U-Net's image self-attention). Heads are contiguous DHead-sized runs
// within the fastest-varying embedding dimension, so slicing a head out
// of a token's feature vector is a plain sub-slice — no reshape/
// transpose bookkeeping needed beyond that.
type Attention struct {
	DEmbed, DCross, NHead, DHead int
	Causal                       bool
	ToQ, ToK, ToV, ToOut         *Linear
}

// NewAttention loads to_q/to_k/to_v/to_out under w. dCross is the
// key/value source width; pass dEmbed for self-attention.
func NewAttention(w Weights, dEmbed, dCross, nHead int, causal bool) (*Attention, error) {
	if dEmbed%nHead != 0 {
		return nil, fmt.Errorf("nn: attention d_embed %d not divisible by n_head %d", dEmbed, nHead)
	}
	toQ, err := NewLinear(w.Sub("to_q"), dEmbed, dEmbed, false)
	if err != nil {
		return nil, err
	}
	toK, err := NewLinear(w.Sub("to_k"), dCross, dEmbed, false)
	if err != nil {
		return nil, err
	}
	toV, err := NewLinear(w.Sub("to_v"), dCross, dEmbed, false)
	if err != nil {
		return nil, err
	}
	toOut, err := NewLinear(w.Sub("to_out"), dEmbed, dEmbed, true)
	if err != nil {
		return nil, err
	}
	return &Attention{
		DEmbed: dEmbed, DCross: dCross, NHead: nHead, DHead: dEmbed / nHead, Causal: causal,
		ToQ: toQ, ToK: toK, ToV: toV, ToOut: toOut,
	}, nil
}

// NewAttentionVAE loads a single-head self-attention block under the
// VAE mid-block's own native naming (q/k/v/proj_out, no to_* wrapper),
// grounded on original_source/src/vae.c's mlb_attn_2d_self.
func NewAttentionVAE(w Weights, c int) (*Attention, error) {
	toQ, err := NewLinear(w.Sub("q"), c, c, true)
	if err != nil {
		return nil, err
	}
	toK, err := NewLinear(w.Sub("k"), c, c, true)
	if err != nil {
		return nil, err
	}
	toV, err := NewLinear(w.Sub("v"), c, c, true)
	if err != nil {
		return nil, err
	}
	toOut, err := NewLinear(w.Sub("proj_out"), c, c, true)
	if err != nil {
		return nil, err
	}
	return &Attention{
		DEmbed: c, DCross: c, NHead: 1, DHead: c, Causal: false,
		ToQ: toQ, ToK: toK, ToV: toV, ToOut: toOut,
	}, nil
}

// Forward computes attention over x ([DEmbed, T, B, 1]) with keys/values
// from ctx ([DCross, Tc, B, 1]); pass ctx=nil for self-attention.
func (a *Attention) Forward(x, ctx *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	if ctx == nil {
		ctx = x
	}
	q, err := a.ToQ.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("nn: attention to_q: %w", err)
	}
	k, err := a.ToK.Forward(ctx)
	if err != nil {
		return nil, fmt.Errorf("nn: attention to_k: %w", err)
	}
	v, err := a.ToV.Forward(ctx)
	if err != nil {
		return nil, fmt.Errorf("nn: attention to_v: %w", err)
	}

	T, B := x.Shape[1], x.Shape[2]
	Tc := ctx.Shape[1]
	out := tensor.NewLocalTensor(a.DEmbed, T, B, 1)
	scale := 1.0 / math.Sqrt(float64(a.DHead))

	extract := func(src *tensor.LocalTensor, b, h, tn int) []float64 {
		base := (b*src.Shape[1]+tn)*a.DEmbed + h*a.DHead
		vec := make([]float64, a.DHead)
		for i := range vec {
			vec[i] = float64(src.Data[base+i])
		}
		return vec
	}

	for b := 0; b < B; b++ {
		for h := 0; h < a.NHead; h++ {
			// Assemble per-head Q ([T,DHead]) and K,V ([Tc,DHead]) matrices.
			qd := make([]float64, T*a.DHead)
			for t := 0; t < T; t++ {
				copy(qd[t*a.DHead:(t+1)*a.DHead], extract(q, b, h, t))
			}
			kd := make([]float64, Tc*a.DHead)
			vd := make([]float64, Tc*a.DHead)
			for tc := 0; tc < Tc; tc++ {
				copy(kd[tc*a.DHead:(tc+1)*a.DHead], extract(k, b, h, tc))
				copy(vd[tc*a.DHead:(tc+1)*a.DHead], extract(v, b, h, tc))
			}
			qm := mat.NewDense(T, a.DHead, qd)
			km := mat.NewDense(Tc, a.DHead, kd)
			vm := mat.NewDense(Tc, a.DHead, vd)

			var scores mat.Dense
			scores.Mul(qm, km.T()) // [T, Tc]
			scores.Scale(scale, &scores)

			for t := 0; t < T; t++ {
				row := make([]float64, Tc)
				for tc := 0; tc < Tc; tc++ {
					if a.Causal && tc > t {
						row[tc] = math.Inf(-1)
						continue
					}
					row[tc] = scores.At(t, tc)
				}
				softmaxInPlace(row)
				for i := range row {
					scores.Set(t, i, row[i])
				}
			}

			var headOut mat.Dense
			headOut.Mul(&scores, vm) // [T, DHead]

			for t := 0; t < T; t++ {
				base := (b*T+t)*a.DEmbed + h*a.DHead
				for i := 0; i < a.DHead; i++ {
					out.Data[base+i] = float32(headOut.At(t, i))
				}
			}
		}
	}

	return a.ToOut.Forward(out)
}

func softmaxInPlace(xs []float64) {
	max := xs[0]
	for _, v := range xs {
		if v > max {
			max = v
		}
	}
	var sum float64
	for i, v := range xs {
		e := math.Exp(v - max)
		xs[i] = e
		sum += e
	}
	for i := range xs {
		xs[i] /= sum
	}
}
