// Package sampler implements the diffusion integration loop of spec.md
// §4.9: a tagged-variant solver (Euler/Heun/Taylor-3/DPM++2M/DPM++2S)
// advancing a latent along a noise schedule (uniform or Karras), with
// optional churn and ancestral noise injection.
//
// Grounded on original_source/src/sampling.c for the step formulas and
// on the "Dynamic dispatch (solvers, codecs)... tagged variant over the
// closed solver/codec set" guidance of spec.md §9, implemented the way
// learning-lm-go represents its own small closed set of concerns (plain
// Go structs and switches, no interface-based plugin registry).
package sampler

import "math"

// Method is the closed solver-selection enum of spec.md §6.
type Method int

const (
	MethodNone Method = iota
	MethodEuler
	MethodHeun
	MethodTaylor3
	MethodDPMPP2M
	MethodDPMPP2S
)

// Scheduler is the closed step→σ mapping enum of spec.md §6.
type Scheduler int

const (
	SchedulerNone Scheduler = iota
	SchedulerUniform
	SchedulerKarras
)

// NFE reports the fixed neural-function-evaluations-per-step count for a
// Method (spec.md §4.9's per-solver fn-eval counts).
func (m Method) NFE() int {
	switch m {
	case MethodHeun, MethodDPMPP2S:
		return 2
	default:
		return 1
	}
}

// BuildSigmas constructs sigmas[0..nStep] with sigmas[nStep]==0, per
// spec.md §4.9 step 1. sigmaMax bounds the model's training schedule
// (model.SigmaMax(), corresponding to t = n_step_train-1); fTIni/fTEnd
// are fractions of that same t-scale, so fTIni=1 (the default) starts at
// full noise and fTEnd=0 (the default) ends fully denoised. A starting
// latent that already carries signal (img2img) uses a smaller fTIni to
// skip the highest-noise portion of the schedule. sigmaMin is accepted
// for interface symmetry with the model's schedule but unused: the
// original only scales t_ini/t_end off t_max.
func BuildSigmas(scheduler Scheduler, nStep int, sigmaMin, sigmaMax float64, fTIni, fTEnd float64, sigmaToT func(float64) float64, tToSigma func(float64) float64) []float64 {
	_ = sigmaMin
	tMax := sigmaToT(sigmaMax)
	tIni := tMax * fTIni
	tEnd := tMax * fTEnd

	sigmas := make([]float64, nStep+1)
	switch scheduler {
	case SchedulerKarras:
		const rho = 7.0
		sMaxP := math.Pow(tToSigma(tIni), 1/rho)
		sMinP := math.Pow(tToSigma(tEnd), 1/rho)
		for i := 0; i < nStep; i++ {
			frac := float64(i) / float64(maxInt(nStep-1, 1))
			sigmas[i] = math.Pow(sMaxP+frac*(sMinP-sMaxP), rho)
		}
	default: // uniform
		for i := 0; i < nStep; i++ {
			frac := float64(i) / float64(maxInt(nStep-1, 1))
			t := tIni + frac*(tEnd-tIni)
			sigmas[i] = tToSigma(t)
		}
	}
	sigmas[nStep] = 0
	return sigmas
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
