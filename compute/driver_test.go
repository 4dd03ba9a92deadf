package compute

import (
	"context"
	"testing"

	"imgsynth-go/backend"
	"imgsynth-go/dtype"
	"imgsynth-go/graph"
	"imgsynth-go/tensorstore"
)

type memSrc struct{ buf []byte }

func (m *memSrc) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	return n, nil
}

func TestDriverRunLoadsWeightsAndExecutes(t *testing.T) {
	s := tensorstore.NewStore()
	raw, err := dtype.EncodeF32(dtype.F32, []float32{2, 0, 0, 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddTensor("net.w", tensorstore.Entry{
		Dtype: dtype.F32, Shape: [4]int{2, 2, 1, 1}, Offset: 0, Size: int64(len(raw)),
		Source: &memSrc{buf: raw},
	}); err != nil {
		t.Fatal(err)
	}

	g := graph.New()
	g.Begin("net.")
	x := g.AddInput("x", [4]int{2, 2, 1, 1})
	w := g.AddParam("w", "F32", [4]int{2, 2, 1, 1})
	out := g.AddOp("y", "matmul", x, w)
	g.End()
	g.SetResult(out)

	d := New(backend.NewCPU(), 4)
	result, stats, err := d.Run(context.Background(), g, s, map[int][]float32{x: {1, 2, 3, 4}}, false)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{2, 4, 6, 8}
	for i, v := range want {
		if result[i] != v {
			t.Fatalf("result[%d] = %v, want %v", i, result[i], v)
		}
	}
	if stats.ParamsBytes == 0 {
		t.Fatal("expected non-zero ParamsBytes")
	}
}

func TestDriverRunMissingWeightErrors(t *testing.T) {
	s := tensorstore.NewStore()
	g := graph.New()
	x := g.AddInput("x", [4]int{1, 1, 1, 1})
	w := g.AddParam("missing", "F32", [4]int{1, 1, 1, 1})
	out := g.AddOp("y", "matmul", x, w)
	g.SetResult(out)

	d := New(backend.NewCPU(), 1)
	if _, _, err := d.Run(context.Background(), g, s, map[int][]float32{x: {1}}, false); err == nil {
		t.Fatal("expected an error for an unresolved weight")
	}
}
