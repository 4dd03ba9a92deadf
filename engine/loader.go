package engine

import (
	"fmt"
	"os"

	"imgsynth-go/nameconv"
	"imgsynth-go/tensorstore"
)

// loadRawStore parses path (format A or B, auto-detected per spec.md
// §4.1) into a Store keyed by the checkpoint's own on-disk tensor
// names, with a MemSource backing every entry.
func loadRawStore(path string) (*tensorstore.Store, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("engine: %s: %w", path, ErrInternalNotFound)
		}
		return nil, fmt.Errorf("engine: reading %s: %w", path, ErrInternalIO)
	}
	src := NewMemSource(buf)

	raw := tensorstore.NewStore()
	if len(buf) >= 4 && string(buf[:4]) == "GGUF" {
		if err := tensorstore.ReadFormatB(raw, src); err != nil {
			return nil, fmt.Errorf("engine: parsing %s as format B: %w", path, err)
		}
		return raw, nil
	}
	if len(buf) < 8 {
		return nil, fmt.Errorf("engine: %s too small to be a checkpoint: %w", path, ErrInternalFormat)
	}
	if err := tensorstore.ReadFormatA(raw, src, src.Len()); err != nil {
		return nil, fmt.Errorf("engine: parsing %s as format A: %w", path, err)
	}
	return raw, nil
}

// normalizeStore rebuilds raw under this engine's own dotted naming
// (nameconv.Normalize), splitting any fused QKV/in_proj projection it
// finds into separate to_q/to_k/to_v entries. Tensors Normalize reports
// as unused (EMA shadow weights, optimizer state, VAE's ema-only
// decoder variant, etc.) are silently dropped, per nameconv.Normalize's
// own contract.
func normalizeStore(raw *tensorstore.Store) (*tensorstore.Store, error) {
	out := tensorstore.NewStore()
	for _, m := range raw.Meta() {
		out.SetMeta(m.Key, m.Value)
	}
	for _, e := range raw.Tensors() {
		name := raw.Names.String(e.NameID)
		kept, internal, result := nameconv.Normalize(name)
		if !kept {
			continue
		}
		if result == nameconv.QKVProj {
			if err := addSplitQKV(out, internal, e); err != nil {
				return nil, fmt.Errorf("engine: splitting fused projection %q: %w", name, err)
			}
			continue
		}
		if err := out.AddTensor(internal, *e); err != nil {
			return nil, fmt.Errorf("engine: normalizing %q -> %q: %w", name, internal, err)
		}
	}
	return out, nil
}

// addSplitQKV splits a fused "...in_proj_{weight,bias}" entry into three
// equal contiguous byte ranges over the same backing source. The fused
// tensor's on-disk layout stacks Q, then K, then V as whole leading-dim
// rows (HF/OpenAI CLIP's nn.Linear(d_embed, 3*d_embed) convention), so a
// three-way split is exactly a three-way split of its byte range — no
// data movement needed, unlike a re-layout transpose.
func addSplitQKV(out *tensorstore.Store, internal string, e *tensorstore.Entry) error {
	q, k, v, ok := nameconv.QKVSplitNames(internal)
	if !ok {
		return fmt.Errorf("not a recognized fused projection name: %q", internal)
	}
	if e.Size%3 != 0 {
		return fmt.Errorf("fused projection size %d not divisible by 3", e.Size)
	}
	third := e.Size / 3
	splitShape := e.Shape
	// e.Shape[1] (the fused leading dim, 3*d_embed) splits three ways;
	// Shape[0] (d_embed, the fastest-varying dim) is unchanged.
	splitShape[1] /= 3

	for i, name := range [3]string{q, k, v} {
		entry := tensorstore.Entry{
			Dtype:  e.Dtype,
			Shape:  splitShape,
			Offset: e.Offset + int64(i)*third,
			Size:   third,
			Source: e.Source,
		}
		if err := out.AddTensor(name, entry); err != nil {
			return err
		}
	}
	return nil
}

// probeModelType implements spec.md §4.10 step 1's model-family
// detection: probe the existence and first-dim shape of the U-Net's
// first cross-attention key projection at the index that differs
// between SD1/2 (context width 768/1024, found at in.1.1) and SDXL
// (context width 2048, found at in.4.1, SDXL's first attention level
// after reindexing). The dims themselves (768 vs 1024) additionally
// distinguish SD1 from SD2 within the first probe.
func probeModelType(store *tensorstore.Store) (ModelType, error) {
	if e := store.GetTensor("unet.in.1.1.transformer_blocks.0.attn2.to_k.weight"); e != nil {
		switch e.Shape[0] {
		case 768:
			return ModelSD1, nil
		case 1024:
			return ModelSD2, nil
		default:
			return ModelNone, wrapf(ErrUnknown, "engine: unrecognized U-Net cross-attention width %d", e.Shape[0])
		}
	}
	if e := store.GetTensor("unet.in.4.1.transformer_blocks.0.attn2.to_k.weight"); e != nil {
		return ModelSDXL, nil
	}
	return ModelNone, wrapf(ErrUnknown, "engine: could not detect model type: no recognizable U-Net cross-attention weight found")
}
