package backend

import (
	"testing"

	"imgsynth-go/graph"
)

func TestCPUExecuteMatmulAndAdd(t *testing.T) {
	g := graph.New()
	x := g.AddInput("x", [4]int{2, 2, 1, 1}) // 2x2, inner-first cols=2
	w := g.AddParam("w", "F32", [4]int{2, 2, 1, 1})
	mm := g.AddOp("mm", "matmul", x, w)
	bias := g.AddParam("b", "F32", [4]int{2, 1, 1, 1})
	out := g.AddOp("out", "add", mm, bias)
	g.SetResult(out)

	c := NewCPU()
	bufs, err := c.Allocate(g, false)
	if err != nil {
		t.Fatal(err)
	}
	bufs[w].Data = []float32{1, 0, 0, 1} // identity
	bufs[bias].Data = []float32{10, 20}

	result, stats, err := c.Execute(g, bufs, map[int][]float32{x: {1, 2, 3, 4}})
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{11, 22, 13, 24}
	for i, v := range want {
		if result[i] != v {
			t.Fatalf("result[%d] = %v, want %v (full: %v)", i, result[i], v, result)
		}
	}
	if stats.ComputeCount != 2 {
		t.Fatalf("ComputeCount = %d, want 2", stats.ComputeCount)
	}
}

func TestCPUExecuteSilu(t *testing.T) {
	g := graph.New()
	x := g.AddInput("x", [4]int{1, 1, 1, 1})
	y := g.AddOp("y", "silu", x)
	g.SetResult(y)

	c := NewCPU()
	bufs, _ := c.Allocate(g, false)
	result, _, err := c.Execute(g, bufs, map[int][]float32{x: {0}})
	if err != nil {
		t.Fatal(err)
	}
	if result[0] != 0 {
		t.Fatalf("silu(0) = %v, want 0", result[0])
	}
}

func TestCPUExecuteMissingResultErrors(t *testing.T) {
	g := graph.New()
	g.AddInput("x", [4]int{1, 1, 1, 1})
	c := NewCPU()
	bufs, _ := c.Allocate(g, false)
	if _, _, err := c.Execute(g, bufs, nil); err == nil {
		t.Fatal("expected an error for a graph with no result set")
	}
}
