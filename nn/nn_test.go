package nn

import (
	"math"
	"testing"

	"imgsynth-go/dtype"
	"imgsynth-go/tensor"
	"imgsynth-go/tensorstore"
)

type memSource struct{ buf []byte }

func (m *memSource) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	return n, nil
}

func addTensor(t *testing.T, s *tensorstore.Store, name string, dt dtype.Type, shape [4]int, data []float32) {
	t.Helper()
	raw, err := dtype.EncodeF32(dt, data)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddTensor(name, tensorstore.Entry{
		Dtype: dt, Shape: shape, Offset: 0, Size: int64(len(raw)), Source: &memSource{buf: raw},
	}); err != nil {
		t.Fatal(err)
	}
}

func almostEqual(a, b, tol float32) bool {
	return math.Abs(float64(a-b)) <= float64(tol)
}

func TestLinearForwardAppliesWeightAndBias(t *testing.T) {
	store := tensorstore.NewStore()
	// weight row-major (n_out=2, n_in=3): [[1,0,1],[0,1,1]]
	addTensor(t, store, "weight", dtype.F32, [4]int{3, 2, 1, 1}, []float32{1, 0, 1, 0, 1, 1})
	addTensor(t, store, "bias", dtype.F32, [4]int{2, 1, 1, 1}, []float32{10, 20})

	lin, err := NewLinear(NewWeights(store), 3, 2, true)
	if err != nil {
		t.Fatal(err)
	}
	x := tensor.NewLocalTensor(3, 1, 1, 1)
	copy(x.Data, []float32{1, 2, 3})

	y, err := lin.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{1*1 + 0*2 + 1*3 + 10, 0*1 + 1*2 + 1*3 + 20}
	for i, w := range want {
		if !almostEqual(y.Data[i], w, 1e-4) {
			t.Fatalf("y[%d] = %v, want %v", i, y.Data[i], w)
		}
	}
}

func TestLayerNormNormalizesPerToken(t *testing.T) {
	store := tensorstore.NewStore()
	addTensor(t, store, "weight", dtype.F32, [4]int{4, 1, 1, 1}, []float32{1, 1, 1, 1})
	addTensor(t, store, "bias", dtype.F32, [4]int{4, 1, 1, 1}, []float32{0, 0, 0, 0})

	ln, err := NewLayerNorm(NewWeights(store), 4, true, 1e-5)
	if err != nil {
		t.Fatal(err)
	}
	x := tensor.NewLocalTensor(4, 1, 1, 1)
	copy(x.Data, []float32{1, 2, 3, 4})

	y, err := ln.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	var sum, sumSq float32
	for _, v := range y.Data {
		sum += v
		sumSq += v * v
	}
	if !almostEqual(sum, 0, 1e-3) {
		t.Fatalf("normalized mean not ~0: sum=%v", sum)
	}
	variance := sumSq / float32(len(y.Data))
	if !almostEqual(variance, 1, 1e-2) {
		t.Fatalf("normalized variance not ~1: %v", variance)
	}
}

func TestGroupNormSingleGroupMatchesGlobalNormalization(t *testing.T) {
	store := tensorstore.NewStore()
	addTensor(t, store, "weight", dtype.F32, [4]int{2, 1, 1, 1}, []float32{1, 1})
	addTensor(t, store, "bias", dtype.F32, [4]int{2, 1, 1, 1}, []float32{0, 0})

	gn, err := NewGroupNorm(NewWeights(store), 2)
	if err != nil {
		t.Fatal(err)
	}
	gn.NGroups = 1 // force a single group spanning both channels for a simple check

	x := tensor.NewLocalTensor(2, 2, 2, 1) // W=2,H=2,C=2,N=1
	for i := range x.Data {
		x.Data[i] = float32(i + 1)
	}
	y, err := gn.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	var sum, sumSq float32
	for _, v := range y.Data {
		sum += v
		sumSq += v * v
	}
	if !almostEqual(sum, 0, 1e-2) {
		t.Fatalf("group-normalized mean not ~0: %v", sum)
	}
	variance := sumSq / float32(len(y.Data))
	if !almostEqual(variance, 1, 5e-2) {
		t.Fatalf("group-normalized variance not ~1: %v", variance)
	}
}

func TestConv2dIdentityKernelPassesThrough(t *testing.T) {
	store := tensorstore.NewStore()
	// 1x1 conv, Cin=Cout=1, weight=[1], bias=[0]: must be an identity map.
	addTensor(t, store, "weight", dtype.F32, [4]int{1, 1, 1, 1}, []float32{1})
	addTensor(t, store, "bias", dtype.F32, [4]int{1, 1, 1, 1}, []float32{0})

	conv, err := NewConv2d(NewWeights(store), 1, 1, 1, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	x := tensor.NewLocalTensor(3, 3, 1, 1)
	for i := range x.Data {
		x.Data[i] = float32(i)
	}
	y, err := conv.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if !y.ShapeEqual(x) {
		t.Fatalf("shape changed: %v vs %v", y.Shape, x.Shape)
	}
	for i := range x.Data {
		if !almostEqual(y.Data[i], x.Data[i], 1e-2) {
			t.Fatalf("y[%d] = %v, want %v", i, y.Data[i], x.Data[i])
		}
	}
}

func TestAttentionSelfAttentionPreservesShape(t *testing.T) {
	store := tensorstore.NewStore()
	d := 4
	identity := func(n, m int) []float32 {
		out := make([]float32, n*m)
		for i := 0; i < n && i < m; i++ {
			out[i*m+i] = 1
		}
		return out
	}
	for _, name := range []string{"to_q", "to_k", "to_v"} {
		addTensor(t, store, name+".weight", dtype.F32, [4]int{d, d, 1, 1}, identity(d, d))
	}
	addTensor(t, store, "to_out.weight", dtype.F32, [4]int{d, d, 1, 1}, identity(d, d))
	addTensor(t, store, "to_out.bias", dtype.F32, [4]int{d, 1, 1, 1}, make([]float32, d))

	attn, err := NewAttention(NewWeights(store), d, d, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	x := tensor.NewLocalTensor(d, 3, 1, 1)
	for i := range x.Data {
		x.Data[i] = float32(i) * 0.1
	}
	y, err := attn.Forward(x, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !y.ShapeEqual(x) {
		t.Fatalf("attention changed shape: %v vs %v", y.Shape, x.Shape)
	}
	if !y.FiniteCheck() {
		t.Fatal("attention output has non-finite values")
	}
}
