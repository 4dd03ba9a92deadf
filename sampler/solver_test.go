package sampler

import (
	"math"
	"testing"

	"imgsynth-go/tensor"
)

// constDxDt returns a DxDtFunc whose derivative is a fixed value
// everywhere, independent of t or x, making Euler's result exact and
// giving a simple oracle for the higher-order methods too.
func constDxDt(v float32) DxDtFunc {
	return func(t float64, x, dx *tensor.LocalTensor) error {
		for i := range dx.Data {
			dx.Data[i] = v
		}
		return nil
	}
}

func TestSolverEulerLinear(t *testing.T) {
	s := NewSolver(MethodEuler)
	s.DxDt = constDxDt(2)
	s.SetInitial(1.0)

	x := tensor.NewLocalTensor(2, 1, 1, 1)
	x.Data[0], x.Data[1] = 0, 0

	if err := s.Step(0.5, x); err != nil {
		t.Fatal(err)
	}
	want := float32(2 * (0.5 - 1.0))
	for _, v := range x.Data {
		if v != want {
			t.Fatalf("got %v, want %v", v, want)
		}
	}
}

func TestSolverHeunLastStepIsEuler(t *testing.T) {
	s := NewSolver(MethodHeun)
	s.DxDt = constDxDt(3)
	s.SetInitial(0.2)

	x := tensor.NewLocalTensor(1, 1, 1, 1)
	if err := s.Step(0, x); err != nil { // t==0 => degenerate Euler branch
		t.Fatal(err)
	}
	want := float32(3 * (0 - 0.2))
	if x.Data[0] != want {
		t.Fatalf("got %v, want %v", x.Data[0], want)
	}
}

func TestSolverTaylor3FirstStepMatchesEuler(t *testing.T) {
	s := NewSolver(MethodTaylor3)
	s.DxDt = constDxDt(1)
	s.SetInitial(1.0)

	x := tensor.NewLocalTensor(1, 1, 1, 1)
	if err := s.Step(0.5, x); err != nil {
		t.Fatal(err)
	}
	want := float32(1 * (0.5 - 1.0))
	if x.Data[0] != want {
		t.Fatalf("first taylor3 step should match euler (no history): got %v want %v", x.Data[0], want)
	}
}

func TestSolverDPMPP2MFirstStepIsEuler(t *testing.T) {
	s := NewSolver(MethodDPMPP2M)
	s.DxDt = constDxDt(0) // dx/dt=0 -> d0 = x - t*0 = x, x_{next} = a*x + (1-a)*x = x
	s.SetInitial(1.0)

	x := tensor.NewLocalTensor(1, 1, 1, 1)
	x.Data[0] = 5
	if err := s.Step(0.5, x); err != nil {
		t.Fatal(err)
	}
	if x.Data[0] != 5 {
		t.Fatalf("expected constant under zero derivative, got %v", x.Data[0])
	}
}

func TestSolverDPMPP2SLastStepIsEuler(t *testing.T) {
	s := NewSolver(MethodDPMPP2S)
	s.DxDt = constDxDt(4)
	s.SetInitial(0.3)

	x := tensor.NewLocalTensor(1, 1, 1, 1)
	if err := s.Step(0, x); err != nil {
		t.Fatal(err)
	}
	want := float32(4 * (0 - 0.3))
	if math.Abs(float64(x.Data[0]-want)) > 1e-6 {
		t.Fatalf("got %v, want %v", x.Data[0], want)
	}
}

func TestMethodNFE(t *testing.T) {
	cases := map[Method]int{
		MethodEuler:   1,
		MethodHeun:    2,
		MethodTaylor3: 1,
		MethodDPMPP2M: 1,
		MethodDPMPP2S: 2,
	}
	for m, want := range cases {
		if got := m.NFE(); got != want {
			t.Errorf("%v.NFE() = %d, want %d", m, got, want)
		}
	}
}
