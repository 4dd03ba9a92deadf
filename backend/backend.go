// Package backend defines the pluggable tensor-compute surface spec.md
// §1 treats as an external collaborator ("this spec assumes a backend
// exposing execute(graph, inputs) -> outputs") and provides a reference
// CPU implementation sufficient to exercise the rest of the engine
// without a GPU runtime. Grounded on learning-lm-go's direct-compute
// style (tensor ops are plain Go functions operating on slices), here
// reorganised behind an interface so compute.Driver can target other
// backends without change.
package backend

import (
	"fmt"

	"imgsynth-go/dtype"
	"imgsynth-go/graph"
)

// Usage marks how the allocator should treat a buffer's lifetime.
type Usage int

const (
	UsageTransient Usage = iota // freed/reused between executions
	UsageWeights                // kept resident across executions (spec.md §4.3 step 3)
	UsageOutput                 // kept resident because multi_compute or Preserve requested it
)

// Buffer is an allocated, named region of backend memory holding one
// op's F32 data.
type Buffer struct {
	Name  string
	Shape [4]int
	Data  []float32
	Usage Usage
}

func (b *Buffer) NElements() int {
	n := 1
	for _, d := range b.Shape {
		if d > 0 {
			n *= d
		}
	}
	return n
}

// Stats accumulates the diagnostics spec.md §4.3 calls for: "params-bytes,
// compute-bytes, load-time, compute-time, and compute-count."
type Stats struct {
	ParamsBytes  int64
	ComputeBytes int64
	ComputeCount int64
}

// Backend is the pluggable compute surface. Allocate reserves buffers for
// every op in g (parameters get UsageWeights so they may survive across
// calls); Execute binds the given input values and returns the result
// buffer's data.
type Backend interface {
	Name() string
	Allocate(g *graph.Graph, multiCompute bool) (map[int]*Buffer, error)
	Execute(g *graph.Graph, buffers map[int]*Buffer, inputs map[int][]float32) ([]float32, Stats, error)
}

// CPU is the reference backend: every compute op is evaluated eagerly
// against float32 slices, in declaration order. It understands a small,
// fixed vocabulary of op types — enough for the NN block library built
// on top of it (nn.Linear, nn.Conv2d, etc. each lower to one or a few of
// these).
type CPU struct{}

func NewCPU() *CPU { return &CPU{} }

func (c *CPU) Name() string { return "cpu" }

// Allocate reserves a Buffer per non-sentinel op. Parameter ops get
// UsageWeights; when multiCompute is set, parameter buffers are also
// exempted from reuse by the same usage tag (spec.md §4.3: "marks
// parameter ops as outputs so the allocator won't reuse their storage").
func (c *CPU) Allocate(g *graph.Graph, multiCompute bool) (map[int]*Buffer, error) {
	bufs := make(map[int]*Buffer, len(g.Ops))
	for i, op := range g.Ops {
		switch op.Kind {
		case graph.KindSentinel, graph.KindSentinelEnd:
			continue
		case graph.KindParam:
			bufs[i] = &Buffer{Name: op.Key, Shape: op.Shape, Usage: UsageWeights}
		case graph.KindInput:
			bufs[i] = &Buffer{Name: op.Name, Shape: op.Shape, Usage: UsageTransient}
		default:
			usage := UsageTransient
			if op.Preserve || multiCompute {
				usage = UsageOutput
			}
			bufs[i] = &Buffer{Name: op.Name, Usage: usage}
		}
	}
	return bufs, nil
}

// Execute evaluates every compute op in order and returns the result
// buffer's data.
func (c *CPU) Execute(g *graph.Graph, bufs map[int]*Buffer, inputs map[int][]float32) ([]float32, Stats, error) {
	var stats Stats
	for idx, data := range inputs {
		b, ok := bufs[idx]
		if !ok {
			return nil, stats, fmt.Errorf("backend: no buffer allocated for input op %d", idx)
		}
		b.Data = data
	}

	for i, op := range g.Ops {
		switch op.Kind {
		case graph.KindSentinel, graph.KindSentinelEnd, graph.KindInput, graph.KindParam:
			continue
		}
		out, shape, err := evalOp(op, g, bufs)
		if err != nil {
			return nil, stats, fmt.Errorf("backend: op %q (%s): %w", op.Name, op.OpType, err)
		}
		bufs[i].Data = out
		bufs[i].Shape = shape
		stats.ComputeCount++
		stats.ComputeBytes += int64(len(out) * 4)
	}

	if g.Result < 0 {
		return nil, stats, fmt.Errorf("backend: graph has no result op set")
	}
	res, ok := bufs[g.Result]
	if !ok || res.Data == nil {
		return nil, stats, fmt.Errorf("backend: result op %d never produced data", g.Result)
	}
	for _, i := range g.Params() {
		stats.ParamsBytes += int64(bufs[i].NElements() * 4)
	}
	return res.Data, stats, nil
}

// LoadWeight copies a resolved tensor-store conversion into a parameter
// op's buffer — the compute driver's "Load weights" step (spec.md §4.3
// step 4), kept here (not in compute) since it writes into backend
// memory.
func LoadWeight(buf *Buffer, shape [4]int, data []float32) {
	buf.Shape = shape
	buf.Data = data
}

// dtypeSize wraps dtype.Type.ByteSize for sizing a weight-load buffer
// before conversion; nothing in this package calls it at present.
func dtypeSize(t dtype.Type, n int) (int, error) { return t.ByteSize(n) }
