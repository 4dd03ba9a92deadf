package lora

import (
	"fmt"
	"math"
	"testing"

	"imgsynth-go/dtype"
	"imgsynth-go/tensorstore"
)

// mutableMemSource is a growable in-memory Source that also supports
// WriteAt, satisfying MutableSource for destination tensors under test.
type mutableMemSource struct {
	buf []byte
}

func (m *mutableMemSource) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	return n, nil
}

func (m *mutableMemSource) WriteAt(p []byte, off int64) (int, error) {
	need := int(off) + len(p)
	if need > len(m.buf) {
		return 0, fmt.Errorf("mutableMemSource: write past end")
	}
	return copy(m.buf[off:], p), nil
}

func addF32Tensor(t *testing.T, s *tensorstore.Store, name string, shape [4]int, data []float32, mutable bool) *mutableMemSource {
	t.Helper()
	raw, err := dtype.EncodeF32(dtype.F32, data)
	if err != nil {
		t.Fatal(err)
	}
	src := &mutableMemSource{buf: raw}
	if err := s.AddTensor(name, tensorstore.Entry{
		Dtype: dtype.F32, Shape: shape, Offset: 0, Size: int64(len(raw)), Source: src,
	}); err != nil {
		t.Fatal(err)
	}
	return src
}

func TestApplyFusesLowRankDeltaIntoDestination(t *testing.T) {
	dst := tensorstore.NewStore()
	dstSrc := addF32Tensor(t, dst, "unet.block.weight", [4]int{4, 3, 1, 1}, make([]float32, 12), true)

	loraStore := tensorstore.NewStore()
	addF32Tensor(t, loraStore, "unet.block.lora_down.weight", [4]int{2, 3, 1, 1},
		[]float32{1, 0, 0, 1, 1, 1}, false)
	addF32Tensor(t, loraStore, "unet.block.lora_up.weight", [4]int{2, 4, 1, 1},
		[]float32{1, 0, 0, 1, 1, 1, 2, 3}, false)

	if err := Apply(dst, loraStore, 1.0); err != nil {
		t.Fatal(err)
	}

	want := []float32{1, 0, 1, 2, 0, 1, 1, 3, 1, 1, 2, 5}
	got, err := dtype.Convert(dtype.F32, dstSrc.buf, 12)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-5 {
			t.Fatalf("fused[%d] = %v, want %v (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestApplyScalesByExplicitScaleTensor(t *testing.T) {
	dst := tensorstore.NewStore()
	dstSrc := addF32Tensor(t, dst, "unet.block.weight", [4]int{4, 3, 1, 1}, make([]float32, 12), true)

	loraStore := tensorstore.NewStore()
	addF32Tensor(t, loraStore, "unet.block.lora_down.weight", [4]int{2, 3, 1, 1},
		[]float32{1, 0, 0, 1, 1, 1}, false)
	addF32Tensor(t, loraStore, "unet.block.lora_up.weight", [4]int{2, 4, 1, 1},
		[]float32{1, 0, 0, 1, 1, 1, 2, 3}, false)
	addF32Tensor(t, loraStore, "unet.block.scale", [4]int{1, 1, 1, 1}, []float32{2}, false)

	if err := Apply(dst, loraStore, 1.0); err != nil {
		t.Fatal(err)
	}

	want := []float32{2, 0, 2, 4, 0, 2, 2, 6, 2, 2, 4, 10}
	got, err := dtype.Convert(dtype.F32, dstSrc.buf, 12)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-5 {
			t.Fatalf("fused[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestApplyScalesByAlphaOverRank(t *testing.T) {
	dst := tensorstore.NewStore()
	dstSrc := addF32Tensor(t, dst, "unet.block.weight", [4]int{4, 3, 1, 1}, make([]float32, 12), true)

	loraStore := tensorstore.NewStore()
	addF32Tensor(t, loraStore, "unet.block.lora_down.weight", [4]int{2, 3, 1, 1},
		[]float32{1, 0, 0, 1, 1, 1}, false)
	addF32Tensor(t, loraStore, "unet.block.lora_up.weight", [4]int{2, 4, 1, 1},
		[]float32{1, 0, 0, 1, 1, 1, 2, 3}, false)
	// alpha=4, rank(nInner)=2 -> scale = 4/2 = 2, same expected result as the explicit-scale case.
	addF32Tensor(t, loraStore, "unet.block.alpha", [4]int{1, 1, 1, 1}, []float32{4}, false)

	if err := Apply(dst, loraStore, 1.0); err != nil {
		t.Fatal(err)
	}

	want := []float32{2, 0, 2, 4, 0, 2, 2, 6, 2, 2, 4, 10}
	got, err := dtype.Convert(dtype.F32, dstSrc.buf, 12)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-5 {
			t.Fatalf("fused[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestApplyMultiplierScalesResult(t *testing.T) {
	dst := tensorstore.NewStore()
	dstSrc := addF32Tensor(t, dst, "unet.block.weight", [4]int{4, 3, 1, 1}, make([]float32, 12), true)

	loraStore := tensorstore.NewStore()
	addF32Tensor(t, loraStore, "unet.block.lora_down.weight", [4]int{2, 3, 1, 1},
		[]float32{1, 0, 0, 1, 1, 1}, false)
	addF32Tensor(t, loraStore, "unet.block.lora_up.weight", [4]int{2, 4, 1, 1},
		[]float32{1, 0, 0, 1, 1, 1, 2, 3}, false)

	if err := Apply(dst, loraStore, 0.5); err != nil {
		t.Fatal(err)
	}

	want := []float32{0.5, 0, 0.5, 1, 0, 0.5, 0.5, 1.5, 0.5, 0.5, 1, 2.5}
	got, err := dtype.Convert(dtype.F32, dstSrc.buf, 12)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-5 {
			t.Fatalf("fused[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestApplyMissingUpTensorErrors(t *testing.T) {
	dst := tensorstore.NewStore()
	addF32Tensor(t, dst, "unet.block.weight", [4]int{4, 3, 1, 1}, make([]float32, 12), true)

	loraStore := tensorstore.NewStore()
	addF32Tensor(t, loraStore, "unet.block.lora_down.weight", [4]int{2, 3, 1, 1},
		[]float32{1, 0, 0, 1, 1, 1}, false)

	if err := Apply(dst, loraStore, 1.0); err == nil {
		t.Fatal("expected an error when lora_up.weight is missing")
	}
}

func TestApplyMissingDestinationTensorErrors(t *testing.T) {
	dst := tensorstore.NewStore()

	loraStore := tensorstore.NewStore()
	addF32Tensor(t, loraStore, "unet.block.lora_down.weight", [4]int{2, 3, 1, 1},
		[]float32{1, 0, 0, 1, 1, 1}, false)
	addF32Tensor(t, loraStore, "unet.block.lora_up.weight", [4]int{2, 4, 1, 1},
		[]float32{1, 0, 0, 1, 1, 1, 2, 3}, false)

	if err := Apply(dst, loraStore, 1.0); err == nil {
		t.Fatal("expected an error when the destination tensor is absent")
	}
}
