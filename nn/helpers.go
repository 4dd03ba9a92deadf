package nn

import (
	"fmt"

	"imgsynth-go/tensor"
)

// addTensors returns a+b elementwise; both must share the same shape.
func addTensors(a, b *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	if !a.ShapeEqual(b) {
		return nil, fmt.Errorf("nn: addTensors shape mismatch %v vs %v", a.Shape, b.Shape)
	}
	out := tensor.NewLocalTensor(a.Shape[0], a.Shape[1], a.Shape[2], a.Shape[3])
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out, nil
}

// addChannelBroadcast adds a per-channel, per-batch vector (shape
// [C, N, 1, 1], as produced by a time-embedding projection) to every
// spatial location of an image tensor (shape [W, H, C, N]).
func addChannelBroadcast(img *tensor.LocalTensor, vec *tensor.LocalTensor) (*tensor.LocalTensor, error) {
	W, H, C, N := img.Shape[0], img.Shape[1], img.Shape[2], img.Shape[3]
	if vec.Shape[0] != C || vec.Shape[1] != N {
		return nil, fmt.Errorf("nn: addChannelBroadcast: vec shape %v, want (%d,%d,1,1)", vec.Shape, C, N)
	}
	out := tensor.NewLocalTensor(W, H, C, N)
	for n := 0; n < N; n++ {
		for c := 0; c < C; c++ {
			bias := vec.Data[n*C+c]
			base := (n*C + c) * H * W
			for i := 0; i < H*W; i++ {
				out.Data[base+i] = img.Data[base+i] + bias
			}
		}
	}
	return out, nil
}

// flattenImageToSeq reinterprets an image tensor [W, H, C, N] as a
// sequence tensor [C, W*H, N, 1] (channels-as-features, one token per
// pixel), the layout the spatial transformer block's attention needs.
// This is a real transpose, not a reshape: the image layout's fastest
// axis is W, the sequence layout's fastest axis must be C.
func flattenImageToSeq(img *tensor.LocalTensor) *tensor.LocalTensor {
	W, H, C, N := img.Shape[0], img.Shape[1], img.Shape[2], img.Shape[3]
	out := tensor.NewLocalTensor(C, W*H, N, 1)
	for n := 0; n < N; n++ {
		for c := 0; c < C; c++ {
			base := (n*C + c) * H * W
			for p := 0; p < H*W; p++ {
				out.Data[(n*(W*H)+p)*C+c] = img.Data[base+p]
			}
		}
	}
	return out
}

// unflattenSeqToImage is flattenImageToSeq's inverse.
func unflattenSeqToImage(seq *tensor.LocalTensor, w, h int) *tensor.LocalTensor {
	C, _, N := seq.Shape[0], seq.Shape[1], seq.Shape[2]
	out := tensor.NewLocalTensor(w, h, C, N)
	for n := 0; n < N; n++ {
		for c := 0; c < C; c++ {
			base := (n*C + c) * h * w
			for p := 0; p < h*w; p++ {
				out.Data[base+p] = seq.Data[(n*(w*h)+p)*C+c]
			}
		}
	}
	return out
}
