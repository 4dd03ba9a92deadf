package sampler

import (
	"fmt"
	"math"

	"imgsynth-go/tensor"
)

// DxDtFunc evaluates the denoising ODE's right-hand side at time t (here,
// t is the noise level σ): given the current state x, it fills dx with
// dx/dt. The caller (the unet package's denoise wrapper) derives dx from
// a single U-Net evaluation as (x - denoised(x, σ)) / σ.
type DxDtFunc func(t float64, x *tensor.LocalTensor, dx *tensor.LocalTensor) error

// Solver advances a LocalTensor along one of the five IVP integration
// schemes of spec.md §4.9. Each step call evaluates DxDt one or two times
// (per Method.NFE) and mutates x in place, mirroring solvers.c's
// in-place, fixed-scratch style: a Solver owns a handful of LocalTensor
// scratch buffers sized lazily to the state's shape, reused step to step
// instead of allocating fresh tensors, and keeps a couple of per-step
// scalars (h_last, dt_prev) needed by the multistep variants.
type Solver struct {
	Method Method
	DxDt   DxDtFunc

	t     float64
	iStep int

	dx      *tensor.LocalTensor
	scratch [3]*tensor.LocalTensor // variant-specific use, see each step's doc

	dtPrev float64 // taylor3
	hLast  float64 // dpmpp2m
}

// NewSolver returns a Solver for the given method. SetInitial must be
// called before the first Step.
func NewSolver(method Method) *Solver {
	return &Solver{Method: method}
}

// SetInitial sets the solver's current time (the σ that x already
// corresponds to) before the first Step call.
func (s *Solver) SetInitial(t float64) {
	s.t = t
	s.iStep = 0
}

func (s *Solver) scratchLike(i int, x *tensor.LocalTensor) *tensor.LocalTensor {
	if s.scratch[i] == nil {
		s.scratch[i] = tensor.NewLocalTensor(x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3])
	} else {
		s.scratch[i].ResizeLike(x)
	}
	return s.scratch[i]
}

// Step advances x from the solver's current time to t, per one of
// solvers.c's step formulas.
func (s *Solver) Step(t float64, x *tensor.LocalTensor) error {
	if s.dx == nil {
		s.dx = tensor.NewLocalTensor(x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3])
	} else {
		s.dx.ResizeLike(x)
	}

	var err error
	switch s.Method {
	case MethodEuler:
		err = s.stepEuler(t, x)
	case MethodHeun:
		err = s.stepHeun(t, x)
	case MethodTaylor3:
		err = s.stepTaylor3(t, x)
	case MethodDPMPP2M:
		err = s.stepDPMPP2M(t, x)
	case MethodDPMPP2S:
		err = s.stepDPMPP2S(t, x)
	default:
		err = fmt.Errorf("sampler: unknown method %v", s.Method)
	}
	if err != nil {
		return err
	}
	s.t = t
	s.iStep++
	return nil
}

func (s *Solver) stepEuler(t float64, x *tensor.LocalTensor) error {
	dt := float32(t - s.t)
	if err := s.DxDt(s.t, x, s.dx); err != nil {
		return err
	}
	for i := range x.Data {
		x.Data[i] += s.dx.Data[i] * dt
	}
	return nil
}

// stepHeun mirrors solver_heun_step: an Euler predictor followed by a
// trapezoidal correction using the derivative at the predicted point,
// except on the final step (t==0) where it degenerates to plain Euler.
func (s *Solver) stepHeun(t float64, x *tensor.LocalTensor) error {
	dt := float32(t - s.t)
	x1 := s.scratchLike(0, x)
	d1 := s.scratchLike(1, x)

	if err := s.DxDt(s.t, x, s.dx); err != nil {
		return err
	}
	for i := range x.Data {
		x1.Data[i] = x.Data[i] + s.dx.Data[i]*dt
	}

	if !(t > 0) {
		copy(x.Data, x1.Data)
		return nil
	}
	if err := s.DxDt(t, x1, d1); err != nil {
		return err
	}
	for i := range x.Data {
		x.Data[i] += (s.dx.Data[i] + d1.Data[i]) * 0.5 * dt
	}
	return nil
}

// stepTaylor3 mirrors solver_taylor3_step: a third-order Taylor expansion
// whose 2nd/3rd-order correction terms use finite differences of the
// derivative across the last two steps, so the correction is skipped
// until enough history (iStep>=1, iStep>=2) has accumulated.
func (s *Solver) stepTaylor3(t float64, x *tensor.LocalTensor) error {
	dt := float32(t - s.t)
	dp1 := s.scratchLike(0, x)
	dp2 := s.scratchLike(1, x)

	if err := s.DxDt(s.t, x, s.dx); err != nil {
		return err
	}
	for i := range x.Data {
		x.Data[i] += s.dx.Data[i] * dt
	}

	idtp := float32(0)
	if s.dtPrev != 0 {
		idtp = 1 / float32(s.dtPrev)
	}
	var f2, f3 float32
	if s.iStep >= 1 {
		f2 = dt * dt / 2
	}
	if s.iStep >= 2 {
		f3 = dt * dt * dt / 6
	}
	for i := range x.Data {
		d2 := (s.dx.Data[i] - dp1.Data[i]) * idtp
		d3 := (d2 - dp2.Data[i]) * idtp
		x.Data[i] += d2*f2 + d3*f3
		dp1.Data[i] = s.dx.Data[i]
		dp2.Data[i] = d2
	}
	s.dtPrev = t - s.t
	return nil
}

// stepDPMPP2M mirrors solver_dpmpp2m_step: a second-order multistep
// DPM-Solver++ update in log-sigma (lambda) space, falling back to an
// Euler step on the first and last steps where no derivative history (or
// no future step) exists to interpolate against.
func (s *Solver) stepDPMPP2M(t float64, x *tensor.LocalTensor) error {
	dPrev := s.scratchLike(0, x)

	a := t / s.t
	h := -math.Log(a)
	c := h / (2 * s.hLast)
	if s.iStep == 0 || s.hLast == 0 || !(t > 0) {
		c = 0
	}

	if err := s.DxDt(s.t, x, s.dx); err != nil {
		return err
	}
	af, cf := float32(a), float32(c)
	for i := range x.Data {
		d0 := x.Data[i] - float32(s.t)*s.dx.Data[i]
		d1 := dPrev.Data[i]
		d := (1+cf)*d0 - cf*d1
		x.Data[i] = af*x.Data[i] + (1-af)*d
		dPrev.Data[i] = d0
	}
	s.hLast = h
	return nil
}

// stepDPMPP2S mirrors solver_dpmpp2s_step: a single-step second-order
// DPM-Solver++ update using a midpoint (in log-sigma) re-evaluation of
// the derivative, degenerating to Euler on the final step.
func (s *Solver) stepDPMPP2S(t float64, x *tensor.LocalTensor) error {
	x1 := s.scratchLike(0, x)
	dx1 := s.scratchLike(1, x)

	if err := s.DxDt(s.t, x, s.dx); err != nil {
		return err
	}

	if !(t > 0) {
		dt := float32(t - s.t)
		for i := range x.Data {
			x.Data[i] += s.dx.Data[i] * dt
		}
		return nil
	}

	t1 := math.Sqrt(t * s.t)
	dt1 := float32(t1 - s.t)
	a := float32(t / s.t)

	for i := range x.Data {
		x1.Data[i] = x.Data[i] + s.dx.Data[i]*dt1
	}
	if err := s.DxDt(t1, x1, dx1); err != nil {
		return err
	}
	t1f := float32(t1)
	for i := range x.Data {
		d := x1.Data[i] - t1f*dx1.Data[i]
		x.Data[i] = a*x.Data[i] + (1-a)*d
	}
	return nil
}
