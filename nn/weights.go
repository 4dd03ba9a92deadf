// Package nn is the reusable block library spec.md §4.4 calls for:
// Linear, Conv2d, GroupNorm, LayerNorm, multi-head attention, Resnet,
// GEGLU/feed-forward, a basic transformer block, and Downsample/Upsample
// — the primitives clip, vae, and unet compose into their respective
// topologies.
//
// Grounded on original_source/src/mlblock_nn.h/.c (the block
// constructors) and original_source/src/ggml_extend.h for the exact
// per-block arithmetic; re-expressed over tensor.LocalTensor rather than
// emitted as graph ops. The reference CPU backend already evaluates
// graph ops eagerly one at a time, so composing directly over
// LocalTensor (the same style the sampler uses) is behaviorally
// equivalent for this engine and keeps the block library tractable
// without threading every activation/reshape through the graph
// package's small fixed op vocabulary. Dense matmuls (Linear, the
// per-head attention products) are delegated to gonum.org/v1/gonum/mat;
// the attention softmax, Conv2d's sliding window and GroupNorm's
// per-group spatial reduction are hand-written.
package nn

import (
	"fmt"

	"imgsynth-go/dtype"
	"imgsynth-go/tensorstore"
)

// Weights scopes lookups into a tensor store under a dotted prefix,
// mirroring the block-begin/name-stack convention graph.Graph uses for
// parameter ops: each block constructor receives a Weights already
// positioned at its own subtree and descends further via Sub for its
// children.
type Weights struct {
	Store  *tensorstore.Store
	Prefix string
}

// NewWeights roots a Weights at store, with no prefix.
func NewWeights(store *tensorstore.Store) Weights {
	return Weights{Store: store}
}

// Sub descends into a named child, joining with '.' as nameconv's
// internal dotted scheme does.
func (w Weights) Sub(name string) Weights {
	if w.Prefix == "" {
		return Weights{Store: w.Store, Prefix: name}
	}
	return Weights{Store: w.Store, Prefix: w.Prefix + "." + name}
}

// SubIndex descends into a numbered child, e.g. Sub("in").SubIndex(4).
func (w Weights) SubIndex(i int) Weights {
	return w.Sub(fmt.Sprintf("%d", i))
}

func (w Weights) key(name string) string {
	if w.Prefix == "" {
		return name
	}
	return w.Prefix + "." + name
}

func (w Weights) entry(name string) (*tensorstore.Entry, error) {
	key := w.key(name)
	e := w.Store.GetTensor(key)
	if e == nil {
		return nil, fmt.Errorf("nn: weight %q not found", key)
	}
	return e, nil
}

// F32 resolves name under this scope and returns its data converted to
// float32 with no forced precision loss.
func (w Weights) F32(name string) ([]float32, [4]int, error) {
	e, err := w.entry(name)
	if err != nil {
		return nil, [4]int{}, err
	}
	data, err := e.DataAs(dtype.F32)
	if err != nil {
		return nil, [4]int{}, fmt.Errorf("nn: reading %q: %w", w.key(name), err)
	}
	return data, e.Shape, nil
}

// F16Rounded resolves name and round-trips it through F16, mirroring
// spec.md §4.4's "Conv2d weight dtype F16 irrespective of other
// weights": the tensor store's existing dtype-conversion cache already
// knows how to round a F32 (or any other native dtype) value through
// F16 precision, so conv weights are loaded through this path while
// every other block uses F32 directly.
func (w Weights) F16Rounded(name string) ([]float32, [4]int, error) {
	e, err := w.entry(name)
	if err != nil {
		return nil, [4]int{}, err
	}
	data, err := e.DataAs(dtype.F16)
	if err != nil {
		return nil, [4]int{}, fmt.Errorf("nn: reading %q: %w", w.key(name), err)
	}
	return data, e.Shape, nil
}

// Has reports whether name resolves under this scope, used by optional
// sub-blocks (a Resnet's skip 1x1 conv, a Linear's bias).
func (w Weights) Has(name string) bool {
	return w.Store.GetTensor(w.key(name)) != nil
}
