package clip

import (
	"fmt"
	"math"

	"imgsynth-go/tensor"
)

// SDXLEncoder wires SDXL's two text towers and its additional
// conditioning vector, per spec.md §4.5/§4.7: CLIP-L and OpenCLIP-bigG
// run over the same prompt, their per-token hidden states concatenate
// along the embedding axis (768+1280=2048) to form the U-Net's
// cross-attention context, and bigG's pooled feature combines with six
// sinusoidally-embedded geometry scalars (original size, crop offset,
// target size) into the 2816-wide vector SDXL's label embedding MLP
// consumes (ch_adm_in, grounded on original_source/src/unet.c's SDXL
// label-embedding path).
type SDXLEncoder struct {
	L    *TextEncoder
	BigG *TextEncoder
}

// Encode returns the concatenated per-token hidden state
// ([2048, NToken, 1, 1]) and bigG's pooled feature (length 1280).
func (s *SDXLEncoder) Encode(tokensL, tokensBigG []int32, clipSkip int, endPos int) (*tensor.LocalTensor, []float32, error) {
	hL, _, err := s.L.Encode(tokensL, clipSkip, endPos)
	if err != nil {
		return nil, nil, fmt.Errorf("clip: sdxl clip-l: %w", err)
	}
	hG, pooledG, err := s.BigG.Encode(tokensBigG, clipSkip, endPos)
	if err != nil {
		return nil, nil, fmt.Errorf("clip: sdxl clip-bigg: %w", err)
	}
	if hL.Shape[1] != hG.Shape[1] {
		return nil, nil, fmt.Errorf("clip: sdxl token count mismatch %d vs %d", hL.Shape[1], hG.Shape[1])
	}
	dL, dG, T := hL.Shape[0], hG.Shape[0], hL.Shape[1]
	out := tensor.NewLocalTensor(dL+dG, T, 1, 1)
	for t := 0; t < T; t++ {
		copy(out.Data[t*(dL+dG):t*(dL+dG)+dL], hL.Data[t*dL:(t+1)*dL])
		copy(out.Data[t*(dL+dG)+dL:(t+1)*(dL+dG)], hG.Data[t*dG:(t+1)*dG])
	}
	return out, pooledG, nil
}

// SinusoidalEmbedding implements the standard transformer timestep
// embedding (half cos, then half sin, over exponentially spaced frequencies)
// SDXL reuses for each of its six conditioning scalars, grounded on
// original_source/src/unet.c's timestep_embedding.
func SinusoidalEmbedding(value float64, dim int, maxPeriod float64) []float32 {
	half := dim / 2
	out := make([]float32, dim)
	for i := 0; i < half; i++ {
		freq := math.Exp(-math.Log(maxPeriod) * float64(i) / float64(half))
		arg := value * freq
		out[i] = float32(math.Cos(arg))
		out[half+i] = float32(math.Sin(arg))
	}
	if dim%2 == 1 {
		out[dim-1] = 0
	}
	return out
}

// AdmVector assembles SDXL's 2816-wide additional-conditioning vector:
// six 256-wide sinusoidal geometry embeddings (original size, crop
// top-left, target size) concatenated with bigG's 1280-wide pooled
// text feature.
func AdmVector(origH, origW, cropTop, cropLeft, targetH, targetW int, pooled []float32) []float32 {
	const geomDim = 256
	const maxPeriod = 10000.0
	geom := []float64{float64(origH), float64(origW), float64(cropTop), float64(cropLeft), float64(targetH), float64(targetW)}
	out := make([]float32, 0, geomDim*len(geom)+len(pooled))
	for _, g := range geom {
		out = append(out, SinusoidalEmbedding(g, geomDim, maxPeriod)...)
	}
	out = append(out, pooled...)
	return out
}
