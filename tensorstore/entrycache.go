package tensorstore

import (
	"fmt"
	"sync"

	"imgsynth-go/dtype"
)

// cachedView is one materialized (target dtype -> data) conversion of an
// entry, with an ownership flag distinguishing a converted/owned buffer
// from a zero-copy view over the source's own bytes.
type cachedView struct {
	target dtype.Type
	data   []float32
	owned  bool
	// permanent views (e.g. the dtype actually stored on disk, read once
	// at load time) are never evicted; transient views created by a
	// one-off request may be dropped under memory pressure by a future
	// caller, though nothing in this engine evicts yet.
	permanent bool
}

// entryCache is the per-tensor list of (target-dtype, data, ownership,
// permanence) views: repeated requests for a tensor in the same target
// dtype reuse the previous conversion instead of re-reading and
// re-converting every time. The list is kept in insertion order, not
// sorted, and is searched linearly.
type entryCache struct {
	mu    sync.Mutex
	views []cachedView
}

func (c *entryCache) find(target dtype.Type) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.views {
		if v.target == target {
			return v.data, true
		}
	}
	return nil, false
}

func (c *entryCache) store(target dtype.Type, data []float32, owned, permanent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, v := range c.views {
		if v.target == target {
			c.views[i] = cachedView{target: target, data: data, owned: owned, permanent: permanent}
			return
		}
	}
	c.views = append(c.views, cachedView{target: target, data: data, owned: owned, permanent: permanent})
}

// DataAs implements spec.md §4.1's tensor_data_get(entry, target, flags):
// return a view of e's data converted to target, consulting the cache
// first and populating it on a miss. Every miss reads and converts e's
// bytes into a new owned buffer, including when target equals e's
// native dtype; that native-dtype view is cached as permanent.
func (e *Entry) DataAs(target dtype.Type) ([]float32, error) {
	if v, ok := e.cache.find(target); ok {
		return v, nil
	}

	raw := make([]byte, e.Size)
	if _, err := e.Source.ReadAt(raw, e.Offset); err != nil {
		return nil, fmt.Errorf("tensorstore: reading tensor data: %w", ErrRead)
	}

	out, err := dtype.Convert(e.Dtype, raw, e.NElements())
	if err != nil {
		return nil, fmt.Errorf("tensorstore: converting tensor: %w", err)
	}

	if target != dtype.F32 {
		reencoded, err := dtype.EncodeF32(target, out)
		if err != nil {
			return nil, fmt.Errorf("tensorstore: re-encoding tensor to %s: %w", target, err)
		}
		out, err = dtype.Convert(target, reencoded, e.NElements())
		if err != nil {
			return nil, fmt.Errorf("tensorstore: round-tripping tensor through %s: %w", target, err)
		}
	}

	e.cache.store(target, out, true, target == e.Dtype)
	return out, nil
}

// Invalidate drops all cached views of e, forcing the next DataAs call to
// re-read and re-convert. Used after in-place weight mutation (LoRA
// fusion rewrites an entry's backing bytes and must not serve a stale
// conversion afterward).
func (e *Entry) Invalidate() {
	e.cache.mu.Lock()
	defer e.cache.mu.Unlock()
	e.cache.views = nil
}
