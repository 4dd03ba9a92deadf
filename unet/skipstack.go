package unet

import (
	"fmt"

	"imgsynth-go/tensor"
)

// SkipStack is the down-path -> up-path skip-connection staging area
// spec.md §9's design note calls for: "model as an explicit stack local
// to the builder, not a shared mutable structure." Adapted from the
// teacher's generic kvcache.KVCache[T] (a fixed-capacity, per-layer
// growable tensor store indexed by position) — repurposed here from
// "per-layer K/V history, read by start offset" into "a LIFO stack of
// per-block feature maps, pushed by the down-path builder and popped
// in reverse order by the up-path builder," since skip connections are
// consumed exactly once each, in the opposite order they were
// produced, rather than read back by arbitrary offset the way
// attention's K/V history is.
type SkipStack struct {
	tensors  []*tensor.LocalTensor
	maxDepth int
}

// NewSkipStack preallocates capacity for up to maxDepth pushes, mirroring
// kvcache.NewKVCache's capacity-checked construction.
func NewSkipStack(maxDepth int) (*SkipStack, error) {
	if maxDepth <= 0 {
		return nil, fmt.Errorf("unet: skip stack maxDepth must be positive, got %d", maxDepth)
	}
	return &SkipStack{tensors: make([]*tensor.LocalTensor, 0, maxDepth), maxDepth: maxDepth}, nil
}

// Push stores t as the next skip tensor, to be popped by the
// corresponding up-path block.
func (s *SkipStack) Push(t *tensor.LocalTensor) error {
	if len(s.tensors) >= s.maxDepth {
		return fmt.Errorf("unet: skip stack push would exceed capacity %d", s.maxDepth)
	}
	s.tensors = append(s.tensors, t)
	return nil
}

// Pop removes and returns the most recently pushed tensor not yet
// popped (the down-path's skip connections are consumed by the
// up-path in reverse order).
func (s *SkipStack) Pop() (*tensor.LocalTensor, error) {
	if len(s.tensors) == 0 {
		return nil, fmt.Errorf("unet: skip stack pop on empty stack")
	}
	n := len(s.tensors)
	t := s.tensors[n-1]
	s.tensors = s.tensors[:n-1]
	return t, nil
}

// Len reports how many tensors are currently staged.
func (s *SkipStack) Len() int { return len(s.tensors) }

// Reset empties the stack for reuse across generation steps (the
// U-Net graph is built once and reused, per spec.md §4.10 step 5, so
// the stack must be drained back to empty between denoise calls).
func (s *SkipStack) Reset() {
	s.tensors = s.tensors[:0]
}
