package graph

import "testing"

func TestBuilderStampsDottedParamKeys(t *testing.T) {
	g := New()
	g.Begin("unet.")
	g.Begin("in.4.1.")
	w := g.AddParam("attn2.k_proj.weight", "F16", [4]int{768, 320, 1, 1})
	g.End()
	g.End()

	if g.Ops[w].Key != "unet.in.4.1.attn2.k_proj.weight" {
		t.Fatalf("Key = %q", g.Ops[w].Key)
	}
}

func TestLoadPrepRecomputesKeysFromSentinels(t *testing.T) {
	g := New()
	g.Begin("a.")
	g.Begin("b.")
	w := g.AddParam("w", "F32", [4]int{1, 1, 1, 1})
	g.Ops[w].Key = "" // simulate a key lost in transit
	g.End()
	g.End()

	if err := g.LoadPrep(); err != nil {
		t.Fatalf("LoadPrep: %v", err)
	}
	if g.Ops[w].Key != "a.b.w" {
		t.Fatalf("Key = %q, want a.b.w", g.Ops[w].Key)
	}
}

func TestLoadPrepRejectsUnbalancedSentinels(t *testing.T) {
	g := New()
	g.Begin("a.")
	if err := g.LoadPrep(); err == nil {
		t.Fatal("expected an error for an unclosed block")
	}
}

func TestParamsAndInputsAndResult(t *testing.T) {
	g := New()
	in := g.AddInput("x", [4]int{4, 4, 1, 1})
	p := g.AddParam("w", "F32", [4]int{4, 4, 1, 1})
	out := g.AddOp("y", "matmul", in, p)
	g.SetResult(out)

	if len(g.Inputs) != 1 || g.Inputs[0] != in {
		t.Fatalf("Inputs = %v", g.Inputs)
	}
	if got := g.Params(); len(got) != 1 || got[0] != p {
		t.Fatalf("Params = %v", got)
	}
	if g.Result != out {
		t.Fatalf("Result = %d, want %d", g.Result, out)
	}
}
