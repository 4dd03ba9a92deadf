package vae

import (
	"math"
	"testing"

	"imgsynth-go/rng"
	"imgsynth-go/tensor"
)

func TestSampleLatentDeterministicSkipsNoiseAndScales(t *testing.T) {
	p := Params{ChZ: 1, ScaleFactor: 2.0}
	moments := tensor.NewLocalTensor(2, 2, 2, 1) // W=2,H=2,C=2(mean+logvar),N=1
	for i := range moments.Data[:4] {
		moments.Data[i] = 3 // mean
	}
	for i := 4; i < 8; i++ {
		moments.Data[i] = 0 // logvar
	}
	out, err := SampleLatent(p, moments, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range out.Data {
		if math.Abs(float64(v-6)) > 1e-5 { // mean(3) * scale(2)
			t.Fatalf("deterministic latent = %v, want 6", v)
		}
	}
}

func TestSampleLatentInjectsNoiseScaledByLogvar(t *testing.T) {
	p := Params{ChZ: 1, ScaleFactor: 1.0}
	moments := tensor.NewLocalTensor(1, 1, 2, 1)
	moments.Data[0] = 0 // mean
	moments.Data[1] = 0 // logvar = 0 -> std = exp(0) = 1
	r := rng.New(42)
	out, err := SampleLatent(p, moments, false, r)
	if err != nil {
		t.Fatal(err)
	}
	// With mean=0, std=1, latent should equal the drawn noise exactly.
	r2 := rng.New(42)
	want := r2.Randn(1)
	if math.Abs(float64(out.Data[0]-want[0])) > 1e-5 {
		t.Fatalf("sampled latent = %v, want %v (drawn noise)", out.Data[0], want[0])
	}
}

func TestPixelConventionRoundTrips(t *testing.T) {
	pix := tensor.NewLocalTensor(1, 1, 1, 1)
	pix.Data[0] = 0.75
	enc := PixelToEncoderInput(pix)
	dec := DecoderOutputToPixel(enc)
	if math.Abs(float64(dec.Data[0]-0.75)) > 1e-6 {
		t.Fatalf("pixel convention round trip = %v, want 0.75", dec.Data[0])
	}
}

func TestTileRunWithZeroSizeCallsCodecOnce(t *testing.T) {
	calls := 0
	codec := func(x *tensor.LocalTensor) (*tensor.LocalTensor, error) {
		calls++
		return x.Clone(), nil
	}
	x := tensor.NewLocalTensor(4, 4, 1, 1)
	if _, err := TileEncode(x, 0, codec); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 codec call with tileSize=0, got %d", calls)
	}
}

func TestTileRunStitchesTilesBackTogether(t *testing.T) {
	identity := func(x *tensor.LocalTensor) (*tensor.LocalTensor, error) {
		return x.Clone(), nil
	}
	x := tensor.NewLocalTensor(4, 4, 1, 1)
	for i := range x.Data {
		x.Data[i] = float32(i)
	}
	out, err := TileEncode(x, 2, identity)
	if err != nil {
		t.Fatal(err)
	}
	if !out.ShapeEqual(x) {
		t.Fatalf("stitched shape %v, want %v", out.Shape, x.Shape)
	}
	for i := range x.Data {
		if out.Data[i] != x.Data[i] {
			t.Fatalf("stitched[%d] = %v, want %v", i, out.Data[i], x.Data[i])
		}
	}
}
