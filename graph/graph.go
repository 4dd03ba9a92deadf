// Package graph implements the builder DSL of spec.md §4.3: block
// functions call Begin() to push a naming sentinel, add parameter and
// compute ops, and return their result op. The graph itself is the
// resulting topologically-ordered op list; a distinguished Result op
// and a set of backend-settable Input ops round out what the compute
// driver needs to build, allocate, load, and execute it.
//
// Grounded on learning-lm-go's model package, which builds a fixed
// transformer graph procedurally in Go function calls rather than through
// a data-driven DSL — the same "ordinary Go functions construct a
// structure" idiom, generalized here into an explicit op list a separate
// driver can walk.
package graph

import "fmt"

// Kind distinguishes the three op roles spec.md §3 names: "a subset are
// inputs (backend-settable), one is the distinguished result, others are
// parameters (weight-backed, read-only once loaded)."
type Kind int

const (
	KindCompute Kind = iota
	KindInput
	KindParam
	KindSentinel
	KindSentinelEnd
)

// Op is one node. Parameter ops carry Dtype/Shape (used to resolve and
// load the backing weight); compute ops carry OpType/Args (interpreted
// by the backend); sentinel ops carry only Name (the block-begin marker
// consumed by the load-prep name-stack walk).
type Op struct {
	Kind  Kind
	Name  string // declared name (param leaf name, or block name for a sentinel)
	Key   string // full dotted lookup key, resolved during load-prep
	Dtype string // parameter dtype, e.g. "F16"; empty for compute/input ops
	Shape [4]int

	OpType string
	Args   []int // op-specific operands, by convention indices into Ops

	// Preserve marks a compute op whose output must survive allocator
	// reuse (spec.md §4.3 step 2, "for every split-marker op, request
	// output preservation") — used by U-Net split execution to keep a
	// skip tensor alive across the in/out graph boundary.
	Preserve bool
}

// Graph is the op list in topological (declaration) order plus indices
// of the distinguished roles.
type Graph struct {
	Ops      []Op
	Inputs   []int
	Result   int
	sentinel []string // active block-name stack, used only while building
}

// New returns an empty graph ready for block_begin/add_param/add_op
// calls.
func New() *Graph {
	return &Graph{Result: -1}
}

// Begin pushes a naming sentinel (spec.md §4.3: "each block function
// calls block_begin(), pushes a sentinel"); it returns an index for
// symmetry with other Add* calls, though sentinels carry no data ops
// use directly.
func (g *Graph) Begin(name string) int {
	g.sentinel = append(g.sentinel, name)
	idx := len(g.Ops)
	g.Ops = append(g.Ops, Op{Kind: KindSentinel, Name: name})
	return idx
}

// End pops the most recently pushed block name. A matching
// KindSentinelEnd marker is appended so a later LoadPrep pass over the
// flat Ops list can reconstruct the same nesting.
func (g *Graph) End() {
	if len(g.sentinel) > 0 {
		g.sentinel = g.sentinel[:len(g.sentinel)-1]
	}
	g.Ops = append(g.Ops, Op{Kind: KindSentinelEnd})
}

func (g *Graph) prefix() string {
	s := ""
	for _, p := range g.sentinel {
		s += p
	}
	return s
}

// AddParam adds a weight-backed leaf op and returns its index. Its Key
// is resolved immediately from the current block-name stack (the
// builder always knows its own prefix; LoadPrep exists to recompute the
// same key when only a flat Ops list is available, e.g. after a graph
// is deserialized).
func (g *Graph) AddParam(name, dtype string, shape [4]int) int {
	idx := len(g.Ops)
	g.Ops = append(g.Ops, Op{
		Kind:  KindParam,
		Name:  name,
		Key:   g.prefix() + name,
		Dtype: dtype,
		Shape: shape,
	})
	return idx
}

// AddOp adds a compute op taking the given predecessor indices as
// operands.
func (g *Graph) AddOp(name, opType string, args ...int) int {
	idx := len(g.Ops)
	g.Ops = append(g.Ops, Op{Kind: KindCompute, Name: name, OpType: opType, Args: args})
	return idx
}

// AddInput declares a backend-settable input op (the caller binds data
// to it at execute time).
func (g *Graph) AddInput(name string, shape [4]int) int {
	idx := len(g.Ops)
	g.Ops = append(g.Ops, Op{Kind: KindInput, Name: name, Shape: shape})
	g.Inputs = append(g.Inputs, idx)
	return idx
}

// SetResult marks idx as the graph's distinguished output, the "push the
// result op last" step of spec.md §4.3 build.
func (g *Graph) SetResult(idx int) {
	g.Result = idx
}

// Mark flags op idx's output for preservation across allocator reuse.
func (g *Graph) Mark(idx int) {
	g.Ops[idx].Preserve = true
}

// LoadPrep re-derives every parameter op's dotted Key from the sentinel
// markers interleaved in Ops. Sentinels only ever nest (Begin/End calls
// are balanced by construction), so a forward walk tracking the current
// open-block stack reproduces exactly the name spec.md §4.3 step 1's
// reverse walk computes — this is the same pass run over an already
// in-memory op list rather than a freshly streamed one, so there is no
// need to invert direction. AddParam already stamps Key eagerly during
// building; LoadPrep exists to recompute it for an Ops slice assembled
// by any other means (e.g. concatenated from cached sub-graphs).
func (g *Graph) LoadPrep() error {
	var stack []string
	for i := range g.Ops {
		op := &g.Ops[i]
		switch op.Kind {
		case KindSentinel:
			stack = append(stack, op.Name)
		case KindSentinelEnd:
			if len(stack) == 0 {
				return fmt.Errorf("graph: unbalanced sentinel end at op %d", i)
			}
			stack = stack[:len(stack)-1]
		case KindParam:
			prefix := ""
			for _, p := range stack {
				prefix += p
			}
			op.Key = prefix + op.Name
		}
	}
	if len(stack) != 0 {
		return fmt.Errorf("graph: %d unclosed block(s) at end of graph", len(stack))
	}
	return nil
}

// Params returns every parameter op's index, in declaration order — the
// set the compute driver's weight-loading pass iterates.
func (g *Graph) Params() []int {
	var out []int
	for i, op := range g.Ops {
		if op.Kind == KindParam {
			out = append(out, i)
		}
	}
	return out
}
