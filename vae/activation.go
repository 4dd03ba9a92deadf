package vae

import "math"

func expNeg(x float32) float32 {
	return float32(math.Exp(float64(-x)))
}

func tanh64(x float64) float64 {
	return math.Tanh(x)
}
