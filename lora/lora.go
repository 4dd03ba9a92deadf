// Package lora fuses a LoRA (Hu et al. 2021, "LoRA: Low-Rank Adaptation
// of Large Language Models") adapter's low-rank weight deltas directly
// into a base model's tensor store, in place.
//
// Grounded on original_source/src/lora.c's lora_apply/lora_apply_inner:
// for every "<name>.lora_down.weight" tensor in the LoRA store, locate
// its paired "<name>.lora_up.weight", an optional "<name>.scale" or
// "<name>.alpha" for the magnitude, resolve "<name>.weight" in the
// destination store, and add the scaled low-rank product to it — built
// here as a small graph.Graph run through the backend package (the same
// transpose/matmul/transpose/scale/add op sequence as the original's
// ggml graph) rather than hand-rolled loops, so the fusion exercises the
// same compute primitives as every other weight-touching path.
package lora

import (
	"fmt"
	"strings"

	"imgsynth-go/backend"
	"imgsynth-go/dtype"
	"imgsynth-go/graph"
	"imgsynth-go/nameconv"
	"imgsynth-go/tensorstore"
)

// MutableSource is the subset of tensorstore.Source a destination weight
// must additionally support for in-place fusion: the engine loads the
// active model's tensor store backed by such a source (e.g. an in-memory
// buffer) specifically so LoRA can be applied before compute.
type MutableSource interface {
	tensorstore.Source
	WriteAt(p []byte, off int64) (int, error)
}

const (
	suffixDown  = ".lora_down.weight"
	suffixUp    = ".lora_up.weight"
	suffixScale = ".scale"
	suffixAlpha = ".alpha"
	suffixBase  = ".weight"
)

// Apply walks every matched lora_down/lora_up pair in loraStore and
// fuses mult*scale*(up @ down) into the matching tensor of dst, in
// place. Tensor names in loraStore may carry the Kohya-style "lora_"
// prefix (nameconv.LoraPrefix) over an underscore-separated path; when
// present it is stripped and run through nameconv.Normalize to resolve
// the destination's dotted key, exactly as a LoRA trained against the
// original (non-Diffusers) naming would be matched.
func Apply(dst *tensorstore.Store, loraStore *tensorstore.Store, mult float32) error {
	for _, ld := range loraStore.Tensors() {
		name := loraStore.Names.String(ld.NameID)
		base, ok := strings.CutSuffix(name, suffixDown)
		if !ok {
			continue
		}

		lu := loraStore.GetTensor(base + suffixUp)
		if lu == nil {
			return fmt.Errorf("lora: up tensor not found for %q", base)
		}
		ls := loraStore.GetTensor(base + suffixScale)
		la := loraStore.GetTensor(base + suffixAlpha)

		dstKey := resolveDstKey(dst, base)
		dstEntry := dst.GetTensor(dstKey)
		if dstEntry == nil {
			return fmt.Errorf("lora: destination tensor %q not found in model", dstKey)
		}

		if err := applyOne(dstEntry, ld, lu, ls, la, mult); err != nil {
			return fmt.Errorf("lora: %q: %w", base, err)
		}
	}
	return nil
}

// resolveDstKey tries the LoRA tensor's base name verbatim first (the
// dst store already uses this scheme), then strips a Kohya "lora_"
// prefix and runs the remainder's "_"-joined path through
// nameconv.Normalize as a fallback.
func resolveDstKey(dst *tensorstore.Store, base string) string {
	if dst.GetTensor(base+suffixBase) != nil {
		return base + suffixBase
	}
	stripped, ok := nameconv.NormalizeLora(base)
	if !ok {
		return base + suffixBase
	}
	if _, internal, result := nameconv.Normalize(stripped + suffixBase); result != nameconv.Unused {
		return internal
	}
	return base + suffixBase
}

func applyOne(dst, ld, lu, ls, la *tensorstore.Entry, mult float32) error {
	nInner := ld.Shape[0]
	if nInner == 0 {
		return fmt.Errorf("lora up/down invalid shapes")
	}
	n0 := ld.NElements() / nInner
	n1 := lu.NElements() / nInner
	if dst.NElements() != n0*n1 {
		return fmt.Errorf("lora up/down invalid shapes")
	}

	scale := float32(1)
	switch {
	case ls != nil:
		v, err := scalarF32(ls)
		if err != nil {
			return err
		}
		scale = v
	case la != nil:
		v, err := scalarF32(la)
		if err != nil {
			return err
		}
		scale = v / float32(nInner)
	}
	scale *= mult

	ldData, err := ld.DataAs(dtype.F32)
	if err != nil {
		return fmt.Errorf("reading lora_down: %w", err)
	}
	luData, err := lu.DataAs(dtype.F32)
	if err != nil {
		return fmt.Errorf("reading lora_up: %w", err)
	}
	dstData, err := dst.DataAs(dtype.F32)
	if err != nil {
		return fmt.Errorf("reading destination: %w", err)
	}

	fused, err := fuse(ldData, luData, dstData, nInner, n0, n1, scale)
	if err != nil {
		return err
	}

	// Spot-check the first element only, mirroring lora_apply_inner's
	// single-value finite check rather than scanning the whole tensor.
	if v := fused[0]; v != v || v > 3.4e38 || v < -3.4e38 {
		return fmt.Errorf("NaN in LoRA result")
	}

	ms, ok := dst.Source.(MutableSource)
	if !ok {
		return fmt.Errorf("destination tensor storage is not writable")
	}
	raw, err := dtype.EncodeF32(dst.Dtype, fused)
	if err != nil {
		return fmt.Errorf("encoding fused weight: %w", err)
	}
	if _, err := ms.WriteAt(raw, dst.Offset); err != nil {
		return fmt.Errorf("writing fused weight: %w", err)
	}
	dst.Invalidate()
	return nil
}

func scalarF32(e *tensorstore.Entry) (float32, error) {
	data, err := e.DataAs(dtype.F32)
	if err != nil || len(data) == 0 {
		return 0, fmt.Errorf("reading scalar tensor: %w", err)
	}
	return data[0], nil
}

// fuse computes scale*(up @ down) and adds it to dst, via the same
// transpose/matmul/transpose/scale/add op sequence as lora_apply_inner's
// ggml graph: ld is (n0 rows x nInner cols), lu is (n1 rows x nInner
// cols), and the result (n0 rows x n1 cols) is added to dst.
func fuse(ld, lu, dst []float32, nInner, n0, n1 int, scale float32) ([]float32, error) {
	g := graph.New()
	ldIdx := g.AddInput("ld", [4]int{nInner, n0, 1, 1})
	luIdx := g.AddInput("lu", [4]int{nInner, n1, 1, 1})
	dstIdx := g.AddInput("dst", [4]int{n1, n0, 1, 1})

	ldT := g.AddOp("ld_t", "transpose2d", ldIdx)
	mm := g.AddOp("mm", "matmul", luIdx, ldT)
	mmT := g.AddOp("mm_t", "transpose2d", mm)
	scaled := g.AddOp("scaled", "scale", mmT, backend.ArgBitsFromFloat32(scale))
	out := g.AddOp("out", "add", dstIdx, scaled)
	g.SetResult(out)

	if err := g.LoadPrep(); err != nil {
		return nil, err
	}
	be := backend.NewCPU()
	bufs, err := be.Allocate(g, false)
	if err != nil {
		return nil, err
	}
	inputs := map[int][]float32{
		ldIdx:  ld,
		luIdx:  lu,
		dstIdx: dst,
	}
	result, _, err := be.Execute(g, bufs, inputs)
	return result, err
}
