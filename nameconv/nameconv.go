// Package nameconv translates a weight's on-disk tensor name, written in
// whichever of the three common export schemes a checkpoint used
// (original/CompVis, OpenAI CLIP, or Diffusers), into the single dotted
// naming scheme clip/vae/unet's Weights-tree constructors consume
// (clip.NewTextEncoder's layer_norm1/self_attn/token_embedding, etc.;
// unet.New's in.N.M/mid.N/out.N.M with in_layers/out_layers/to_q-style
// leaves; vae's own norm1/conv1/q/k/v/proj_out). Grounded on
// original_source/src/tensor_name_conv.{h,c} for the prefix-chain
// matching strategy ('.' equivalent to '_' and '/' as a separator) and
// Diffusers block-renumbering arithmetic; the leaf-level target names
// are this engine's own block library's, not tensor_name_conv.c's.
package nameconv

import "strconv"

// Result mirrors tensor_name_convert_result_t: whether a name was
// recognised at all, and whether it names a fused QKV (or, here, fused
// in_proj) weight that the caller must additionally split into three.
type Result int

const (
	Unused Result = iota
	Good
	QKVProj
)

// cursor walks an input name left to right, consuming recognised
// prefixes and appending the (possibly renamed) internal equivalent to
// out as it goes.
type cursor struct {
	s   string
	out []byte
}

func isSep(c byte) bool { return c == '.' || c == '_' || c == '/' }

// prefixMatch reports whether c.s begins with pre, where a '.' in pre
// matches any of '.', '_', '/' in c.s.
func (c *cursor) prefixMatch(pre string) bool {
	if len(c.s) < len(pre) {
		return false
	}
	for i := 0; i < len(pre); i++ {
		b, a := pre[i], c.s[i]
		if b == a {
			continue
		}
		if b == '.' && isSep(a) {
			continue
		}
		return false
	}
	return true
}

// trim consumes pre from the front of c.s if present.
func (c *cursor) trim(pre string) bool {
	if !c.prefixMatch(pre) {
		return false
	}
	c.s = c.s[len(pre):]
	return true
}

// matchPush consumes pre and appends it verbatim to out.
func (c *cursor) matchPush(pre string) bool {
	if !c.trim(pre) {
		return false
	}
	c.out = append(c.out, pre...)
	return true
}

// matchRep consumes pre and appends rep instead.
func (c *cursor) matchRep(pre, rep string) bool {
	if !c.trim(pre) {
		return false
	}
	c.out = append(c.out, rep...)
	return true
}

// numberMatch returns the length of a leading run of digits followed by
// a separator, or 0 if c.s doesn't start with one.
func (c *cursor) numberMatch() int {
	i := 0
	for i < len(c.s) && c.s[i] >= '0' && c.s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(c.s) || !isSep(c.s[i]) {
		return 0
	}
	return i + 1
}

// numberPush consumes "N<sep>" and appends "N." to out.
func (c *cursor) numberPush() bool {
	n := c.numberMatch()
	if n <= 1 {
		return false
	}
	c.out = append(c.out, c.s[:n-1]...)
	c.out = append(c.out, '.')
	c.s = c.s[n:]
	return true
}

// numberGet consumes "N<sep>" and returns N as an int, without touching
// out (used where the numeric index feeds a renumbering formula instead
// of being copied through).
func (c *cursor) numberGet() (int, bool) {
	n := c.numberMatch()
	if n <= 0 {
		return 0, false
	}
	v, err := strconv.Atoi(c.s[:n-1])
	if err != nil {
		return 0, false
	}
	c.s = c.s[n:]
	return v, true
}

func (c *cursor) finish(r Result) (string, Result) {
	if r == Unused {
		return "", Unused
	}
	c.out = append(c.out, c.s...)
	return string(c.out), r
}

// Normalize is the tnconv_sd entry point: given a raw on-disk tensor
// name, returns (kept, internalName, result). kept is false for names
// the engine has no use for (e.g. an EMA shadow copy or an optimizer
// slot); callers should simply skip those tensors.
func Normalize(name string) (kept bool, internalName string, result Result) {
	c := &cursor{s: name}

	switch {
	case c.trim("cond_stage_model."):
		c.out = append(c.out, "clip."...)
		switch {
		case c.prefixMatch("transformer.text_model."):
			n, r := clip1(c)
			return r != Unused, n, r
		case c.prefixMatch("model."):
			n, r := clip2(c)
			return r != Unused, n, r
		}
		return false, "", Unused

	case c.trim("te."):
		c.out = append(c.out, "clip."...)
		n, r := clipDiffusers(c)
		return r != Unused, n, r

	case c.trim("conditioner.embedders.0."):
		c.out = append(c.out, "clip."...)
		n, r := clip1(c)
		return r != Unused, n, r

	case c.trim("conditioner.embedders.1."):
		c.out = append(c.out, "clip2."...)
		n, r := clip2(c)
		return r != Unused, n, r

	case c.trim("te1."):
		c.out = append(c.out, "clip."...)
		n, r := clipDiffusers(c)
		return r != Unused, n, r

	case c.trim("te2."):
		c.out = append(c.out, "clip2."...)
		n, r := clipDiffusers(c)
		return r != Unused, n, r

	case c.trim("first_stage_model."):
		c.out = append(c.out, "vae."...)
		n, r := vae(c)
		return r != Unused, n, r

	case c.trim("model.diffusion_model."):
		c.out = append(c.out, "unet."...)
		n, r := unet(c)
		return r != Unused, n, r

	case c.matchPush("unet."):
		n, r := unet(c)
		return r != Unused, n, r
	}

	return false, "", Unused
}

// clip1 is the HF transformers CLIPTextModel naming scheme
// (tnconv_clip_1): already the convention clip.TextEncoder consumes, so
// this mostly strips wrapper prefixes rather than renaming leaves.
func clip1(c *cursor) (string, Result) {
	r := Unused
	if c.matchRep("transformer.text_model.", "") {
		switch {
		case c.matchRep("embeddings.", ""):
			switch {
			case c.matchPush("position_embedding."):
				r = Good
			case c.matchPush("token_embedding."):
				r = Good
			}
		case c.matchPush("encoder.layers."):
			c.numberPush()
			switch {
			case c.matchPush("layer_norm1."):
				r = Good
			case c.matchPush("layer_norm2."):
				r = Good
			case c.matchPush("self_attn."):
				r = attnProj(c)
			case c.matchPush("mlp."):
				r = Good
			}
		case c.matchPush("final_layer_norm."):
			r = Good
		case c.matchPush("text_projection"):
			r = Good
		}
	}
	return c.finish(r)
}

// attnProj renames an attention projection's HF leaf name (q_proj/
// k_proj/v_proj/out_proj) to the to_q/to_k/to_v/to_out convention
// nn.Attention uses for CLIP and the U-Net (the VAE's attention keeps its
// own q/k/v/proj_out names).
func attnProj(c *cursor) Result {
	switch {
	case c.matchRep("q_proj.", "to_q."):
	case c.matchRep("k_proj.", "to_k."):
	case c.matchRep("v_proj.", "to_v."):
	case c.matchRep("out_proj.", "to_out."):
	default:
		return Unused
	}
	return Good
}

// clip2 is the OpenAI CLIP naming scheme (tnconv_clip_2): the fused
// in_proj_weight/in_proj_bias tensor is reported as QKVProj so the
// caller splits it into to_q/to_k/to_v via QKVSplitNames.
func clip2(c *cursor) (string, Result) {
	r := Unused
	if c.matchRep("model.", "") {
		switch {
		case c.matchRep("ln_final.", "final_layer_norm."):
			r = Good
		case c.matchPush("token_embedding."):
			r = Good
		case c.matchRep("positional_embedding", "position_embedding.weight"):
			r = Good
		case c.matchPush("text_projection"):
			r = Good
		case c.matchRep("transformer.resblocks.", "encoder.layers."):
			c.numberPush()
			switch {
			case c.matchRep("ln_1.", "layer_norm1."):
				r = Good
			case c.matchRep("ln_2.", "layer_norm2."):
				r = Good
			case c.matchRep("attn.", "self_attn."):
				switch {
				case c.matchPush("in_proj_bias"):
					r = QKVProj
				case c.matchPush("in_proj_weight"):
					r = QKVProj
				case c.matchRep("out_proj.", "to_out."):
					r = Good
				}
			case c.matchRep("mlp.c_fc.", "mlp.fc1."):
				r = Good
			case c.matchRep("mlp.c_proj.", "mlp.fc2."):
				r = Good
			}
		}
	}
	return c.finish(r)
}

// clipDiffusers is the Diffusers CLIPTextModel naming scheme
// (tnconv_clip_diffusers) — identical leaf convention to clip1, reached
// through a different top-level wrapper prefix.
func clipDiffusers(c *cursor) (string, Result) {
	r := Unused
	if c.matchRep("text_model.", "") {
		switch {
		case c.matchRep("embeddings.", ""):
			switch {
			case c.matchPush("position_embedding."):
				r = Good
			case c.matchPush("token_embedding."):
				r = Good
			}
		case c.matchPush("encoder.layers."):
			c.numberPush()
			switch {
			case c.matchPush("layer_norm1."):
				r = Good
			case c.matchPush("layer_norm2."):
				r = Good
			case c.matchPush("self_attn."):
				r = attnProj(c)
			case c.matchPush("mlp."):
				r = Good
			}
		case c.matchPush("final_layer_norm."):
			r = Good
		case c.matchPush("text_projection"):
			r = Good
		}
	}
	return c.finish(r)
}

// vae is the VAE encoder/decoder naming scheme (tnconv_vae).
func vae(c *cursor) (string, Result) {
	r := Unused
	switch {
	case c.matchPush("decoder."):
		r = Good
		if c.matchPush("up.") && c.numberPush() && c.matchPush("block.") && c.numberPush() {
			c.matchRep("nin_shortcut.", "skip_conv.")
		}
	case c.matchPush("encoder."):
		r = Good
		if c.matchPush("down.") && c.numberPush() && c.matchPush("block.") && c.numberPush() {
			c.matchRep("nin_shortcut.", "skip_conv.")
		}
	case c.matchPush("quant_conv."):
		r = Good
	case c.matchPush("post_quant_conv."):
		r = Good
	}
	return c.finish(r)
}

// unetBlock resolves one resnet/attention/transformer block's internal
// tensor names (tnconv_unet_block), shared by all three U-Net renumbering
// paths below. Its output is the convention unet.New/nn.Resnet/
// nn.SpatialTransformer already consume (in_layers/out_layers/
// emb_layers/skip_connection, to_q/to_k/to_v/to_out, transformer_blocks),
// which for a raw (ldm/CompVis) checkpoint is pass-through, and for a
// Diffusers checkpoint (resnets.N.norm1/conv1/..., attentions.N...,
// downsamplers/upsamplers) is a translation into that same convention.
func unetBlock(c *cursor) (string, Result) {
	r := Unused
	switch {
	case c.matchPush("transformer_blocks."):
		c.numberPush()
		switch {
		case c.matchPush("attn1.") || c.matchPush("attn2."):
			switch {
			case c.matchPush("to_q."):
			case c.matchPush("to_k."):
			case c.matchPush("to_v."):
			case c.matchRep("to_out.0.", "to_out."):
			}
			r = Good
		case c.matchPush("ff."):
			switch {
			case c.matchPush("net.0."):
				r = Good
			case c.matchPush("net.2."):
				r = Good
			}
		case c.matchPush("norm1."):
			r = Good
		case c.matchPush("norm2."):
			r = Good
		case c.matchPush("norm3."):
			r = Good
		}
	// Raw ldm/CompVis ResBlock naming: already what nn.Resnet expects.
	case c.matchPush("in_layers.0."):
		r = Good
	case c.matchPush("in_layers.2."):
		r = Good
	case c.matchPush("out_layers.0."):
		r = Good
	case c.matchPush("out_layers.3."):
		r = Good
	case c.matchPush("emb_layers.1."):
		r = Good
	case c.matchPush("skip_connection."):
		r = Good
	// Diffusers ResnetBlock2D naming: translate into the convention above.
	case c.matchRep("norm1.", "in_layers.0."):
		r = Good
	case c.matchRep("conv1.", "in_layers.2."):
		r = Good
	case c.matchRep("norm2.", "out_layers.0."):
		r = Good
	case c.matchRep("conv2.", "out_layers.3."):
		r = Good
	case c.matchRep("time_emb_proj.", "emb_layers.1."):
		r = Good
	case c.matchRep("conv_shortcut.", "skip_connection."):
		r = Good
	case c.matchPush("op."): // raw downsample conv
		r = Good
	case c.matchPush("norm."):
		r = Good
	case c.matchPush("proj_in."):
		r = Good
	case c.matchPush("proj_out."):
		r = Good
	case c.matchPush("conv."): // upsample conv (same leaf name in both schemes)
		r = Good
	}
	return c.finish(r)
}

// unet is the original (ldm) U-Net block-index naming scheme plus the
// Diffusers UNet2DConditionModel renumbering (tnconv_unet), normalized
// into the flat "in.N.M"/"mid.N"/"out.N.M" addressing unet.New builds
// its Weights tree from.
func unet(c *cursor) (string, Result) {
	switch {
	case c.matchPush("time_embed."):
		return c.finish(Good)
	case c.matchPush("label_emb."):
		return c.finish(Good)
	case c.matchRep("input_blocks.0.0.", "in.0.0."):
		return c.finish(Good)
	case c.matchPush("out.0."):
		return c.finish(Good)
	case c.matchPush("out.2."):
		return c.finish(Good)
	}

	switch {
	case c.matchRep("input_blocks.", "in.") && c.numberPush():
		c.numberPush()
		return unetBlock(c)
	case c.matchRep("output_blocks.", "out.") && c.numberPush():
		c.numberPush()
		return unetBlock(c)
	case c.matchRep("middle_block.", "mid."):
		c.numberPush()
		return unetBlock(c)
	}

	// Diffusers UNet2DConditionModel: down_blocks/up_blocks/mid_block use
	// their own indexing scheme and must be remapped onto the original's
	// flat "N.M." addressing by formula.
	switch {
	case c.matchRep("down_blocks.", "in."):
		n1, ok := c.numberGet()
		if !ok {
			return "", Unused
		}
		if c.matchRep("downsamplers.0.conv.", "") {
			writeIndex(c, 3*(n1+1), 0, "op.")
			return c.finish(Good)
		}
		var n2 int
		switch {
		case c.matchRep("attentions.", ""):
			n2 = 1
		case c.matchRep("resnets.", ""):
			n2 = 0
		default:
			return "", Unused
		}
		n3, ok := c.numberGet()
		if !ok {
			return "", Unused
		}
		writeIndex(c, 3*n1+n3+1, n2, "")
		return unetBlock(c)

	case c.matchRep("up_blocks.", "out."):
		n1, ok := c.numberGet()
		if !ok {
			return "", Unused
		}
		if c.matchRep("upsamplers.0.", "") {
			sub := 2
			if n1 == 0 {
				sub = 1
			}
			writeIndex(c, 3*n1+2, sub, "")
		} else {
			var n2 int
			switch {
			case c.matchRep("attentions.", ""):
				n2 = 1
			case c.matchRep("resnets.", ""):
				n2 = 0
			default:
				return "", Unused
			}
			n3, ok := c.numberGet()
			if !ok {
				return "", Unused
			}
			writeIndex(c, 3*n1+n3, n2, "")
		}
		return unetBlock(c)

	case c.matchRep("mid_block.", "mid."):
		switch {
		case c.matchRep("attentions.0.", "1."):
			return unetBlock(c)
		case c.matchRep("resnets.0.", "0."):
			return unetBlock(c)
		case c.matchRep("resnets.1.", "2."):
			return unetBlock(c)
		}
	}

	return "", Unused
}

// writeIndex appends "<a>.<b>.<suffix>" to c.out, the small printf the
// Diffusers renumbering formulas use to synthesize a flat block/sub-block
// address.
func writeIndex(c *cursor, a, b int, suffix string) {
	c.out = append(c.out, strconv.Itoa(a)...)
	c.out = append(c.out, '.')
	c.out = append(c.out, strconv.Itoa(b)...)
	c.out = append(c.out, '.')
	c.out = append(c.out, suffix...)
}

// QKVSplitNames returns the three entry names a fused in_proj tensor
// (result == QKVProj from Normalize) must be split into. Normalize
// leaves the matched tensor's internal name ending in
// "self_attn.in_proj_weight" or "self_attn.in_proj_bias"; each is
// replaced in turn by "self_attn.to_q.<kind>", "self_attn.to_k.<kind>",
// "self_attn.to_v.<kind>" — the projection naming nn.Attention expects.
func QKVSplitNames(fusedName string) (q, k, v string, ok bool) {
	const weightSuffix = "in_proj_weight"
	const biasSuffix = "in_proj_bias"

	var base, kind string
	switch {
	case len(fusedName) >= len(weightSuffix) && fusedName[len(fusedName)-len(weightSuffix):] == weightSuffix:
		base, kind = fusedName[:len(fusedName)-len(weightSuffix)], "weight"
	case len(fusedName) >= len(biasSuffix) && fusedName[len(fusedName)-len(biasSuffix):] == biasSuffix:
		base, kind = fusedName[:len(fusedName)-len(biasSuffix)], "bias"
	default:
		return "", "", "", false
	}
	return base + "to_q." + kind, base + "to_k." + kind, base + "to_v." + kind, true
}

// LoraPrefix is the prefix every weight-file tensor name carries in a
// LoRA checkpoint (spec.md §4.2: "LoRA files carry a lora_ prefix that
// is stripped").
const LoraPrefix = "lora_"

// NormalizeLora strips the lora_ prefix that every tensor in a LoRA
// checkpoint carries. Unlike Normalize, an unmatched name here is an
// error condition (spec.md §4.2: "unmatched LoRA entries are errors"),
// signalled by ok==false.
func NormalizeLora(name string) (stripped string, ok bool) {
	if len(name) <= len(LoraPrefix) || name[:len(LoraPrefix)] != LoraPrefix {
		return "", false
	}
	return name[len(LoraPrefix):], true
}
