package sampler

import (
	"testing"

	"imgsynth-go/tensor"
)

func zeroDxDt(t float64, x, dx *tensor.LocalTensor) error {
	for i := range dx.Data {
		dx.Data[i] = 0
	}
	return nil
}

func TestSamplerRunsToCompletion(t *testing.T) {
	cfg := Config{Method: MethodEuler, Scheduler: SchedulerUniform, NStep: 4}
	s, err := NewSampler(cfg, 0.1, 10, identity, identity, zeroDxDt, 1)
	if err != nil {
		t.Fatal(err)
	}
	x := tensor.NewLocalTensor(4, 1, 1, 1)
	for !s.Done() {
		if err := s.Step(x); err != nil {
			t.Fatal(err)
		}
	}
	if s.NSteps() != 4 {
		t.Fatalf("NSteps = %d, want 4", s.NSteps())
	}
}

func TestSamplerDefaultsMethodFromChurnAndAncestralFlags(t *testing.T) {
	cfg := Config{Scheduler: SchedulerUniform, NStep: 3, SAncestral: 0.5}
	s, err := NewSampler(cfg, 0.1, 10, identity, identity, zeroDxDt, 1)
	if err != nil {
		t.Fatal(err)
	}
	if s.solver.Method != MethodEuler {
		t.Fatalf("expected ancestral sampling to default to Euler, got %v", s.solver.Method)
	}
}

func TestSamplerDefaultsToTaylor3WhenNoChurnOrAncestral(t *testing.T) {
	cfg := Config{Scheduler: SchedulerUniform, NStep: 3}
	s, err := NewSampler(cfg, 0.1, 10, identity, identity, zeroDxDt, 1)
	if err != nil {
		t.Fatal(err)
	}
	if s.solver.Method != MethodTaylor3 {
		t.Fatalf("expected default method Taylor3, got %v", s.solver.Method)
	}
}

func TestSamplerHeunHalvesStepCountForNFE(t *testing.T) {
	cfg := Config{Method: MethodHeun, Scheduler: SchedulerUniform, NStep: 10}
	s, err := NewSampler(cfg, 0.1, 10, identity, identity, zeroDxDt, 1)
	if err != nil {
		t.Fatal(err)
	}
	if s.NSteps() != 5 {
		t.Fatalf("NSteps = %d, want 5 (10 requested / nfe=2)", s.NSteps())
	}
}

func TestSamplerAncestralInjectsNoiseWithoutError(t *testing.T) {
	cfg := Config{Method: MethodEuler, Scheduler: SchedulerUniform, NStep: 4, SAncestral: 1.0}
	s, err := NewSampler(cfg, 0.1, 10, identity, identity, zeroDxDt, 7)
	if err != nil {
		t.Fatal(err)
	}
	x := tensor.NewLocalTensor(8, 1, 1, 1)
	for !s.Done() {
		if err := s.Step(x); err != nil {
			t.Fatal(err)
		}
	}
	if !x.FiniteCheck() {
		t.Fatal("expected finite latent after ancestral sampling")
	}
}

func TestSamplerChurnInjectsNoiseWithoutError(t *testing.T) {
	cfg := Config{Method: MethodEuler, Scheduler: SchedulerUniform, NStep: 4, SNoise: 1.5}
	s, err := NewSampler(cfg, 0.1, 10, identity, identity, zeroDxDt, 7)
	if err != nil {
		t.Fatal(err)
	}
	x := tensor.NewLocalTensor(8, 1, 1, 1)
	for !s.Done() {
		if err := s.Step(x); err != nil {
			t.Fatal(err)
		}
	}
	if !x.FiniteCheck() {
		t.Fatal("expected finite latent after churn sampling")
	}
}
