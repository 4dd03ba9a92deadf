package unet

import (
	"testing"

	"imgsynth-go/dtype"
	"imgsynth-go/nn"
	"imgsynth-go/tensor"
	"imgsynth-go/tensorstore"
)

type memSource struct{ buf []byte }

func (m *memSource) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.buf[off:]), nil
}

func addZeroTensor(t *testing.T, s *tensorstore.Store, name string, shape [4]int) {
	t.Helper()
	n := shape[0] * shape[1] * shape[2] * shape[3]
	raw, err := dtype.EncodeF32(dtype.F32, make([]float32, n))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddTensor(name, tensorstore.Entry{
		Dtype: dtype.F32, Shape: shape, Offset: 0, Size: int64(len(raw)), Source: &memSource{buf: raw},
	}); err != nil {
		t.Fatal(err)
	}
}

// buildTinyStore assembles every weight a minimal single-level,
// no-down-attention U-Net needs (a mid block always carries a spatial
// transformer, so conv/norm/attention/feed-forward tensors are all
// exercised even with AttentionAt entirely false on the down/up path).
func buildTinyStore(t *testing.T, ch, dTimeEmb, chIn, chOut, ctxDim int) *tensorstore.Store {
	t.Helper()
	s := tensorstore.NewStore()

	addZeroTensor(t, s, "time_embed.0.weight", [4]int{ch, dTimeEmb, 1, 1})
	addZeroTensor(t, s, "time_embed.0.bias", [4]int{dTimeEmb, 1, 1, 1})
	addZeroTensor(t, s, "time_embed.2.weight", [4]int{dTimeEmb, dTimeEmb, 1, 1})
	addZeroTensor(t, s, "time_embed.2.bias", [4]int{dTimeEmb, 1, 1, 1})

	addZeroTensor(t, s, "in.0.0.weight", [4]int{3, 3, chIn, ch})
	addZeroTensor(t, s, "in.0.0.bias", [4]int{ch, 1, 1, 1})

	addResnet := func(prefix string, cin, cout int) {
		addZeroTensor(t, s, prefix+".in_layers.0.weight", [4]int{cin, 1, 1, 1})
		addZeroTensor(t, s, prefix+".in_layers.0.bias", [4]int{cin, 1, 1, 1})
		addZeroTensor(t, s, prefix+".in_layers.2.weight", [4]int{3, 3, cin, cout})
		addZeroTensor(t, s, prefix+".in_layers.2.bias", [4]int{cout, 1, 1, 1})
		addZeroTensor(t, s, prefix+".out_layers.0.weight", [4]int{cout, 1, 1, 1})
		addZeroTensor(t, s, prefix+".out_layers.0.bias", [4]int{cout, 1, 1, 1})
		addZeroTensor(t, s, prefix+".out_layers.3.weight", [4]int{3, 3, cout, cout})
		addZeroTensor(t, s, prefix+".out_layers.3.bias", [4]int{cout, 1, 1, 1})
		addZeroTensor(t, s, prefix+".emb_layers.1.weight", [4]int{dTimeEmb, cout, 1, 1})
		addZeroTensor(t, s, prefix+".emb_layers.1.bias", [4]int{cout, 1, 1, 1})
		if cin != cout {
			addZeroTensor(t, s, prefix+".skip_connection.weight", [4]int{1, 1, cin, cout})
			addZeroTensor(t, s, prefix+".skip_connection.bias", [4]int{cout, 1, 1, 1})
		}
	}
	addAttn := func(prefix string, dEmbed, dCross int, bias bool) {
		addZeroTensor(t, s, prefix+".to_q.weight", [4]int{dEmbed, dEmbed, 1, 1})
		addZeroTensor(t, s, prefix+".to_k.weight", [4]int{dCross, dEmbed, 1, 1})
		addZeroTensor(t, s, prefix+".to_v.weight", [4]int{dCross, dEmbed, 1, 1})
		addZeroTensor(t, s, prefix+".to_out.weight", [4]int{dEmbed, dEmbed, 1, 1})
		addZeroTensor(t, s, prefix+".to_out.bias", [4]int{dEmbed, 1, 1, 1})
	}
	addLayerNorm := func(name string, d int) {
		addZeroTensor(t, s, name+".weight", [4]int{d, 1, 1, 1})
		addZeroTensor(t, s, name+".bias", [4]int{d, 1, 1, 1})
	}
	addTransformer := func(prefix string, cin, dEmbed, dInterm, ctxDim int) {
		addZeroTensor(t, s, prefix+".norm.weight", [4]int{cin, 1, 1, 1})
		addZeroTensor(t, s, prefix+".norm.bias", [4]int{cin, 1, 1, 1})
		addZeroTensor(t, s, prefix+".proj_in.weight", [4]int{1, 1, cin, dEmbed})
		addZeroTensor(t, s, prefix+".proj_in.bias", [4]int{dEmbed, 1, 1, 1})
		bp := prefix + ".transformer_blocks.0"
		addLayerNorm(bp+".norm1", dEmbed)
		addAttn(bp+".attn1", dEmbed, dEmbed, false)
		addLayerNorm(bp+".norm2", dEmbed)
		addAttn(bp+".attn2", dEmbed, ctxDim, false)
		addLayerNorm(bp+".norm3", dEmbed)
		addZeroTensor(t, s, bp+".ff.net.0.proj.weight", [4]int{dEmbed, dInterm * 2, 1, 1})
		addZeroTensor(t, s, bp+".ff.net.0.proj.bias", [4]int{dInterm * 2, 1, 1, 1})
		addZeroTensor(t, s, bp+".ff.net.2.weight", [4]int{dInterm, dEmbed, 1, 1})
		addZeroTensor(t, s, bp+".ff.net.2.bias", [4]int{dEmbed, 1, 1, 1})
		addZeroTensor(t, s, prefix+".proj_out.weight", [4]int{1, 1, dEmbed, cin})
		addZeroTensor(t, s, prefix+".proj_out.bias", [4]int{cin, 1, 1, 1})
	}

	addResnet("in.1.0", ch, ch)
	addResnet("mid.0", ch, ch)
	addTransformer("mid.1", ch, ch, ch*4, ctxDim)
	addResnet("mid.2", ch, ch)

	addResnet("out.0.0", ch+ch, ch)
	addResnet("out.1.0", ch+ch, ch)

	addZeroTensor(t, s, "out.0.weight", [4]int{ch, 1, 1, 1})
	addZeroTensor(t, s, "out.0.bias", [4]int{ch, 1, 1, 1})
	addZeroTensor(t, s, "out.2.weight", [4]int{3, 3, ch, chOut})
	addZeroTensor(t, s, "out.2.bias", [4]int{chOut, 1, 1, 1})

	return s
}

func tinyParams() Params {
	return Params{
		Name: "tiny", ChIn: 4, ChOut: 4, ModelChannels: 8,
		ChannelMult: []int{1}, NumResBlocks: 1,
		AttentionAt: []bool{false}, TransformerDepth: []int{1},
		HeadDim: 4, ContextDim: 8, NCtx: 8,
	}
}

func TestUNetForwardProducesCorrectlyShapedOutput(t *testing.T) {
	p := tinyParams()
	dTimeEmb := p.ModelChannels * 4
	store := buildTinyStore(t, p.ModelChannels, dTimeEmb, p.ChIn, p.ChOut, p.ContextDim)

	u, err := New(nn.NewWeights(store), p)
	if err != nil {
		t.Fatal(err)
	}
	sched := NewSchedule()
	dw := NewDenoiseWrapper(u, sched)

	stack, err := NewSkipStack(8)
	if err != nil {
		t.Fatal(err)
	}
	x := tensor.NewLocalTensor(4, 4, p.ChIn, 1)
	for i := range x.Data {
		x.Data[i] = 0.1
	}
	ctx := tensor.NewLocalTensor(p.ContextDim, 1, 1, 1)

	dx, err := dw.Denoise(x, 1.0, ctx, nil, stack)
	if err != nil {
		t.Fatal(err)
	}
	if dx.Shape != [4]int{4, 4, p.ChOut, 1} {
		t.Fatalf("output shape = %v, want [4 4 %d 1]", dx.Shape, p.ChOut)
	}
	if !dx.FiniteCheck() {
		t.Fatal("denoise output has non-finite values")
	}
	if stack.Len() != 0 {
		t.Fatalf("skip stack not drained: %d remaining", stack.Len())
	}
}

func TestDenoiseWrapperEpsParamReturnsRawOutput(t *testing.T) {
	p := tinyParams()
	p.VParam = false
	dTimeEmb := p.ModelChannels * 4
	store := buildTinyStore(t, p.ModelChannels, dTimeEmb, p.ChIn, p.ChOut, p.ContextDim)
	u, err := New(nn.NewWeights(store), p)
	if err != nil {
		t.Fatal(err)
	}
	dw := NewDenoiseWrapper(u, NewSchedule())
	stack, err := NewSkipStack(8)
	if err != nil {
		t.Fatal(err)
	}
	x := tensor.NewLocalTensor(4, 4, p.ChIn, 1)
	ctx := tensor.NewLocalTensor(p.ContextDim, 1, 1, 1)

	// With every weight zeroed, conv biases are zero too, so the raw
	// network output (and hence dx, since eps-param returns it
	// unscaled) must be exactly zero everywhere.
	dx, err := dw.Denoise(x, 1.0, ctx, nil, stack)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range dx.Data {
		if v != 0 {
			t.Fatalf("dx[%d] = %v, want 0 (all-zero weights)", i, v)
		}
	}
}
