package nameconv

import "testing"

func check(t *testing.T, input, wantName string, wantResult Result) {
	t.Helper()
	kept, name, r := Normalize(input)
	if wantResult == Unused {
		if kept {
			t.Fatalf("Normalize(%q) = kept, want dropped", input)
		}
		return
	}
	if !kept {
		t.Fatalf("Normalize(%q) = dropped, want kept as %q", input, wantName)
	}
	if name != wantName {
		t.Fatalf("Normalize(%q) = %q, want %q", input, name, wantName)
	}
	if r != wantResult {
		t.Fatalf("Normalize(%q) result = %v, want %v", input, r, wantResult)
	}
}

func TestNormalizeClipHFScheme(t *testing.T) {
	check(t, "cond_stage_model.transformer.text_model.embeddings.token_embedding.weight",
		"clip.token_embedding.weight", Good)
	check(t, "cond_stage_model.transformer.text_model.encoder.layers.3.layer_norm1.weight",
		"clip.encoder.layers.3.layer_norm1.weight", Good)
	check(t, "cond_stage_model.transformer.text_model.encoder.layers.0.self_attn.q_proj.weight",
		"clip.encoder.layers.0.self_attn.to_q.weight", Good)
}

func TestNormalizeClipOpenAIScheme(t *testing.T) {
	check(t, "cond_stage_model.model.ln_final.weight", "clip.final_layer_norm.weight", Good)
	check(t, "cond_stage_model.model.transformer.resblocks.5.ln_1.weight",
		"clip.encoder.layers.5.layer_norm1.weight", Good)
	check(t, "cond_stage_model.model.transformer.resblocks.0.attn.out_proj.weight",
		"clip.encoder.layers.0.self_attn.to_out.weight", Good)
}

func TestNormalizeClipOpenAIQKVFusedProjection(t *testing.T) {
	kept, name, r := Normalize("cond_stage_model.model.transformer.resblocks.2.attn.in_proj_weight")
	if !kept || r != QKVProj {
		t.Fatalf("expected a fused QKV match, got kept=%v result=%v", kept, r)
	}
	want := "clip.encoder.layers.2.self_attn.in_proj_weight"
	if name != want {
		t.Fatalf("name = %q, want %q", name, want)
	}
	q, k, v, ok := QKVSplitNames(name)
	if !ok {
		t.Fatalf("QKVSplitNames(%q) failed", name)
	}
	if q != "clip.encoder.layers.2.self_attn.to_q.weight" ||
		k != "clip.encoder.layers.2.self_attn.to_k.weight" ||
		v != "clip.encoder.layers.2.self_attn.to_v.weight" {
		t.Fatalf("split = (%q, %q, %q)", q, k, v)
	}
}

func TestNormalizeSDXLDualClip(t *testing.T) {
	check(t, "conditioner.embedders.0.transformer.text_model.final_layer_norm.weight",
		"clip.final_layer_norm.weight", Good)
	check(t, "conditioner.embedders.1.model.ln_final.weight", "clip2.final_layer_norm.weight", Good)
}

func TestNormalizeVAE(t *testing.T) {
	check(t, "first_stage_model.encoder.down.0.block.0.nin_shortcut.weight",
		"vae.encoder.down.0.block.0.skip_conv.weight", Good)
	check(t, "first_stage_model.quant_conv.weight", "vae.quant_conv.weight", Good)
	check(t, "first_stage_model.decoder.conv_in.weight", "vae.decoder.conv_in.weight", Good)
	check(t, "first_stage_model.decoder.mid.attn_1.q.weight", "vae.decoder.mid.attn_1.q.weight", Good)
}

func TestNormalizeUNetOriginalScheme(t *testing.T) {
	check(t, "model.diffusion_model.time_embed.0.weight", "unet.time_embed.0.weight", Good)
	check(t, "model.diffusion_model.input_blocks.0.0.weight", "unet.in.0.0.weight", Good)
	check(t, "model.diffusion_model.input_blocks.4.1.transformer_blocks.0.attn2.to_k.weight",
		"unet.in.4.1.transformer_blocks.0.attn2.to_k.weight", Good)
	check(t, "model.diffusion_model.middle_block.0.in_layers.0.weight",
		"unet.mid.0.in_layers.0.weight", Good)
	check(t, "model.diffusion_model.label_emb.0.0.weight", "unet.label_emb.0.0.weight", Good)
	check(t, "model.diffusion_model.out.2.weight", "unet.out.2.weight", Good)
}

func TestNormalizeUNetDiffusersScheme(t *testing.T) {
	// down_blocks.1/attentions.0 -> in.(3*1+0+1).1. = in.4.1.
	check(t, "model.diffusion_model.down_blocks.1.attentions.0.proj_in.weight",
		"unet.in.4.1.proj_in.weight", Good)
	// down_blocks.1/resnets.0 -> in.(3*1+0+1).0. = in.4.0., with the
	// Diffusers ResnetBlock2D leaf translated into the ldm convention.
	check(t, "model.diffusion_model.down_blocks.1.resnets.0.norm1.weight",
		"unet.in.4.0.in_layers.0.weight", Good)
	check(t, "model.diffusion_model.down_blocks.0.downsamplers.0.conv.weight",
		"unet.in.3.0.op.weight", Good)
	check(t, "model.diffusion_model.up_blocks.0.upsamplers.0.conv.weight",
		"unet.out.2.1.conv.weight", Good)
	// attention sub-block naming is shared across schemes, so a nested
	// transformer block inside a diffusers-renumbered attention resolves
	// the same way the original scheme does.
	check(t, "model.diffusion_model.down_blocks.1.attentions.0.transformer_blocks.0.attn2.to_k.weight",
		"unet.in.4.1.transformer_blocks.0.attn2.to_k.weight", Good)
	check(t, "model.diffusion_model.down_blocks.0.resnets.0.time_emb_proj.weight",
		"unet.in.1.0.emb_layers.1.weight", Good)
	check(t, "model.diffusion_model.mid_block.resnets.0.norm1.weight",
		"unet.mid.0.in_layers.0.weight", Good)
	check(t, "model.diffusion_model.mid_block.attentions.0.transformer_blocks.0.attn1.to_q.weight",
		"unet.mid.1.transformer_blocks.0.attn1.to_q.weight", Good)
}

func TestNormalizeUnmatchedDropped(t *testing.T) {
	check(t, "cond_stage_model.transformer.text_model.embeddings.position_ids", "", Unused)
	check(t, "totally.unrelated.tensor", "", Unused)
}

func TestNormalizeLora(t *testing.T) {
	stripped, ok := NormalizeLora("lora_unet_down_blocks_0_attentions_0_proj_in.lora_down.weight")
	if !ok {
		t.Fatal("expected lora_ prefix to strip")
	}
	if stripped != "unet_down_blocks_0_attentions_0_proj_in.lora_down.weight" {
		t.Fatalf("got %q", stripped)
	}
	if _, ok := NormalizeLora("not_a_lora_tensor.weight"); ok {
		t.Fatal("expected missing lora_ prefix to fail")
	}
}
