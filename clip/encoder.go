package clip

import (
	"fmt"
	"math"

	"imgsynth-go/nn"
	"imgsynth-go/tensor"
)

// layer is one CLIP transformer encoder layer: pre-norm causal
// self-attention, pre-norm MLP (plain Linear-GELU-Linear, not the
// GEGLU gate U-Net's transformer blocks use — CLIP's reference
// implementation uses a quick-GELU MLP, grounded on
// original_source/src/clip.c's mlb_clip_layer).
type layer struct {
	ln1, ln2 *nn.LayerNorm
	attn     *nn.Attention
	fc1, fc2 *nn.Linear
}

func newLayer(w nn.Weights, dEmbed, nHead, nInterm int) (*layer, error) {
	ln1, err := nn.NewLayerNorm(w.Sub("layer_norm1"), dEmbed, true, 1e-5)
	if err != nil {
		return nil, err
	}
	attn, err := nn.NewAttention(w.Sub("self_attn"), dEmbed, dEmbed, nHead, true)
	if err != nil {
		return nil, err
	}
	ln2, err := nn.NewLayerNorm(w.Sub("layer_norm2"), dEmbed, true, 1e-5)
	if err != nil {
		return nil, err
	}
	fc1, err := nn.NewLinear(w.Sub("mlp.fc1"), dEmbed, nInterm, true)
	if err != nil {
		return nil, err
	}
	fc2, err := nn.NewLinear(w.Sub("mlp.fc2"), nInterm, dEmbed, true)
	if err != nil {
		return nil, err
	}
	return &layer{ln1: ln1, ln2: ln2, attn: attn, fc1: fc1, fc2: fc2}, nil
}

func (l *layer) forward(x *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	n1, err := l.ln1.Forward(x)
	if err != nil {
		return nil, err
	}
	a, err := l.attn.Forward(n1, nil)
	if err != nil {
		return nil, fmt.Errorf("clip: layer self-attn: %w", err)
	}
	x, err = addResidual(x, a)
	if err != nil {
		return nil, err
	}

	n2, err := l.ln2.Forward(x)
	if err != nil {
		return nil, err
	}
	h, err := l.fc1.Forward(n2)
	if err != nil {
		return nil, err
	}
	quickGELUInPlace(h.Data)
	h, err = l.fc2.Forward(h)
	if err != nil {
		return nil, err
	}
	return addResidual(x, h)
}

// quickGELUInPlace applies x*sigmoid(1.702*x), the "quick GELU" CLIP's
// reference MLP activation uses in place of the tanh-approximate GELU
// the diffusion U-Net's GEGLU blocks use.
func quickGELUInPlace(xs []float32) {
	for i, x := range xs {
		sig := float32(1) / (1 + float32(math.Exp(float64(-1.702*x))))
		xs[i] = x * sig
	}
}

func addResidual(a, b *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	out := tensor.NewLocalTensor(a.Shape[0], a.Shape[1], a.Shape[2], a.Shape[3])
	if !a.ShapeEqual(b) {
		return nil, fmt.Errorf("clip: residual shape mismatch %v vs %v", a.Shape, b.Shape)
	}
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out, nil
}

// TextEncoder is a single CLIP text tower: token + position embedding,
// NLayer causal transformer layers, an optional final layer norm, and
// an optional pooled text projection (grounded on
// original_source/src/clip.c's mlb_clip_text/mlb_clip_text_proj).
type TextEncoder struct {
	Params     ClipParams
	TokenEmb   []float32 // [DEmbed * NVocab]
	PosEmb     []float32 // [DEmbed * NToken]
	Layers     []*layer
	FinalNorm  *nn.LayerNorm
	TextProj   *nn.Linear // nil if the checkpoint carries no text_projection
}

// NewTextEncoder loads every sub-weight of p under w.
func NewTextEncoder(w nn.Weights, p ClipParams) (*TextEncoder, error) {
	tokEmb, shape, err := w.Sub("token_embedding").F32("weight")
	if err != nil {
		return nil, err
	}
	if shape[0] != p.DEmbed || shape[1] != p.NVocab {
		return nil, fmt.Errorf("clip: token_embedding shape %v, want (%d,%d)", shape, p.DEmbed, p.NVocab)
	}
	posEmb, pshape, err := w.Sub("position_embedding").F32("weight")
	if err != nil {
		return nil, err
	}
	if pshape[0] != p.DEmbed || pshape[1] != p.NToken {
		return nil, fmt.Errorf("clip: position_embedding shape %v, want (%d,%d)", pshape, p.DEmbed, p.NToken)
	}

	layers := make([]*layer, p.NLayer)
	for i := range layers {
		l, err := newLayer(w.Sub("encoder.layers").SubIndex(i), p.DEmbed, p.NHead, p.NInterm)
		if err != nil {
			return nil, fmt.Errorf("clip: layer %d: %w", i, err)
		}
		layers[i] = l
	}

	finalNorm, err := nn.NewLayerNorm(w.Sub("final_layer_norm"), p.DEmbed, true, 1e-5)
	if err != nil {
		return nil, fmt.Errorf("clip: final_layer_norm: %w", err)
	}

	te := &TextEncoder{Params: p, TokenEmb: tokEmb, PosEmb: posEmb, Layers: layers, FinalNorm: finalNorm}
	if w.Has("text_projection.weight") {
		proj, err := nn.NewLinear(w.Sub("text_projection"), p.DEmbed, p.DEmbed, false)
		if err != nil {
			return nil, err
		}
		te.TextProj = proj
	}
	return te, nil
}

// Encode runs the tower over a single fixed-length token sequence
// (length p.NToken, as produced by WrapForEncoder), honoring clip_skip
// the way Automatic1111/ComfyUI-family implementations do: clipSkip<=1
// runs every layer and the final norm; clipSkip>1 stops clipSkip-1
// layers before the end and skips the final norm, returning that
// earlier hidden state as the conditioning (spec.md §4.5).
//
// endTokenPos is the index of the tok_end token in tokens, used to
// locate the pooled feature for TextProj.
func (te *TextEncoder) Encode(tokens []int32, clipSkip int, endTokenPos int) (hidden *tensor.LocalTensor, pooled []float32, err error) {
	p := te.Params
	if len(tokens) != p.NToken {
		return nil, nil, fmt.Errorf("clip: Encode got %d tokens, want %d", len(tokens), p.NToken)
	}
	x := tensor.NewLocalTensor(p.DEmbed, p.NToken, 1, 1)
	for t, tok := range tokens {
		base := t * p.DEmbed
		tokBase := int(tok) * p.DEmbed
		posBase := t * p.DEmbed
		for d := 0; d < p.DEmbed; d++ {
			x.Data[base+d] = te.TokenEmb[tokBase+d] + te.PosEmb[posBase+d]
		}
	}

	stopAt := p.NLayer
	if clipSkip > 1 {
		stopAt = p.NLayer - (clipSkip - 1)
		if stopAt < 0 {
			stopAt = 0
		}
	}
	for i := 0; i < stopAt; i++ {
		x, err = te.Layers[i].forward(x)
		if err != nil {
			return nil, nil, fmt.Errorf("clip: layer %d: %w", i, err)
		}
	}
	if clipSkip <= 1 {
		x, err = te.FinalNorm.Forward(x)
		if err != nil {
			return nil, nil, err
		}
	}

	if te.TextProj != nil && endTokenPos >= 0 && endTokenPos < p.NToken {
		pooledTok := tensor.NewLocalTensor(p.DEmbed, 1, 1, 1)
		copy(pooledTok.Data, x.Data[endTokenPos*p.DEmbed:(endTokenPos+1)*p.DEmbed])
		projected, err := te.TextProj.Forward(pooledTok)
		if err != nil {
			return nil, nil, fmt.Errorf("clip: text_projection: %w", err)
		}
		pooled = projected.Data
	}
	return x, pooled, nil
}
