package nn

import "math"

// silu is x * sigmoid(x), used by Resnet (spec.md §4.4).
func silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// geluTanh is the tanh approximation of GELU that GEGLU uses, matching
// backend/ops.go's geluTanh so nn and the op-graph agree on the same
// activation formula.
func geluTanh(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	x64 := float64(x)
	inner := c * (x64 + 0.044715*x64*x64*x64)
	return float32(0.5 * x64 * (1 + math.Tanh(inner)))
}

func siluInPlace(xs []float32) {
	for i, v := range xs {
		xs[i] = silu(v)
	}
}

func geluInPlace(xs []float32) {
	for i, v := range xs {
		xs[i] = geluTanh(v)
	}
}
