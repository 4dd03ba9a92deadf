package sampler

import (
	"fmt"
	"math"

	"imgsynth-go/rng"
	"imgsynth-go/tensor"
)

// Config bundles the sampler-loop settings surfaced as engine options
// (spec.md §6's OptMethod/OptScheduler/OptSteps/OptSNoise/OptSAncestral,
// plus the img2img fraction-of-schedule knobs).
type Config struct {
	Method     Method
	Scheduler  Scheduler
	NStep      int
	SNoise     float64 // Karras Algo2 churn amount; 0 disables
	SAncestral float64 // ancestral eta; 0 disables
	FTIni      float64 // fraction of schedule to start at (1 = full noise)
	FTEnd      float64 // fraction of schedule to end at (0 = fully denoised)
}

// Sampler drives a Solver across a precomputed sigma schedule, injecting
// Karras-style churn noise and/or ancestral noise between steps, exactly
// mirroring dnsamp_init/dnsamp_step from sampling.c.
type Sampler struct {
	cfg     Config
	solver  *Solver
	sigmas  []float64
	iStep   int
	rng     *rng.Philox
	noise   *tensor.LocalTensor
	nfeStep int
}

// NewSampler builds a Sampler. sigmaToT/tToSigma are the active U-Net
// model's schedule conversions (unet.Schedule's SigmaToT/TToSigma);
// sigmaMin/Max bound it. dxdt is the per-σ derivative evaluator (the
// unet package's denoise wrapper, closing over the conditioning and CFG
// guidance).
func NewSampler(cfg Config, sigmaMin, sigmaMax float64, sigmaToT, tToSigma func(float64) float64, dxdt DxDtFunc, seed uint64) (*Sampler, error) {
	method := cfg.Method
	if method == MethodNone {
		if cfg.SNoise > 0 || cfg.SAncestral > 0 {
			method = MethodEuler
		} else {
			method = MethodTaylor3
		}
	}

	nStep := cfg.NStep
	if nStep < 1 {
		nStep = 12
	}
	nfe := method.NFE()
	if nfe > 1 {
		nStep = (nStep + nfe - 1) / nfe
	}

	fTIni := cfg.FTIni
	if fTIni <= 0 {
		fTIni = 1
	}
	scheduler := cfg.Scheduler
	if scheduler == SchedulerNone {
		scheduler = SchedulerUniform
	}

	sigmas := BuildSigmas(scheduler, nStep, sigmaMin, sigmaMax, fTIni, cfg.FTEnd, sigmaToT, tToSigma)

	solver := NewSolver(method)
	solver.DxDt = dxdt
	solver.SetInitial(sigmas[0])

	return &Sampler{
		cfg:     cfg,
		solver:  solver,
		sigmas:  sigmas,
		rng:     rng.New(seed),
		nfeStep: nfe,
	}, nil
}

// NSteps reports the number of scheduled steps (after any NFE-driven
// reduction), used by the pipeline to drive a progress callback.
func (s *Sampler) NSteps() int { return len(s.sigmas) - 1 }

// Done reports whether every scheduled step has run.
func (s *Sampler) Done() bool { return s.iStep >= s.NSteps() }

// Step advances x by exactly one scheduled step, applying churn and/or
// ancestral noise injection around the solver's integration step.
func (s *Sampler) Step(x *tensor.LocalTensor) error {
	i := s.iStep
	if i >= s.NSteps() {
		return fmt.Errorf("sampler: no more steps (have %d)", s.NSteps())
	}

	sUp := 0.0
	sDown := s.sigmas[i+1]

	if s.cfg.SNoise > 0 && i > 0 {
		sCurr := s.sigmas[i]
		sHat := sCurr * math.Sqrt2 * s.cfg.SNoise
		sNoise := math.Sqrt(sHat*sHat - sCurr*sCurr)
		s.injectNoise(x, sNoise)
		s.solver.t = sHat
	}

	if s.cfg.SAncestral > 0 && s.sigmas[i] > 0 {
		s1, s2 := s.sigmas[i], s.sigmas[i+1]
		sUp = math.Sqrt((s2 * s2) * (s1*s1 - s2*s2) / (s1 * s1))
		sUp *= s.cfg.SAncestral
		if sUp > s2 {
			sUp = s2
		}
		sDown = math.Sqrt(s2*s2 - sUp*sUp)
	}

	if err := s.solver.Step(sDown, x); err != nil {
		return err
	}

	if sUp > 0 && i+1 != s.NSteps() {
		s.injectNoise(x, sUp)
		s.solver.t = s.sigmas[i+1]
	}

	if !x.FiniteCheck() {
		return fmt.Errorf("sampler: non-finite latent after step %d", i)
	}

	s.iStep++
	return nil
}

func (s *Sampler) injectNoise(x *tensor.LocalTensor, scale float64) {
	if s.noise == nil {
		s.noise = tensor.NewLocalTensor(x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3])
	} else {
		s.noise.ResizeLike(x)
	}
	s.rng.Fill(s.noise.Data)
	scalef := float32(scale)
	for i := range x.Data {
		x.Data[i] += s.noise.Data[i] * scalef
	}
}

// InitialSigma returns the schedule's starting σ (used for logging and
// reproducibility checks). The caller's starting latent is not scaled
// against it: a fresh generation starts from a literal zero latent
// (original_source/src/mlimgsynth.c's "Empty initial latent" memset),
// relying on c_in's own 1/sqrt(sigma^2+1) scaling to make that
// indistinguishable from noise at sigmas[0]; only img2img/inpaint
// starts from a real (VAE/TAE-encoded) latent.
func (s *Sampler) InitialSigma() float64 { return s.sigmas[0] }

// Sigmas exposes the full precomputed schedule (read-only use: logging,
// reproducibility checks).
func (s *Sampler) Sigmas() []float64 {
	out := make([]float64, len(s.sigmas))
	copy(out, s.sigmas)
	return out
}
