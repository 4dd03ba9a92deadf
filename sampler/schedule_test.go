package sampler

import "testing"

// identity schedule: t IS sigma, so BuildSigmas's uniform branch should
// just linearly interpolate between sigmaMax*fTIni and sigmaMax*fTEnd.
func identity(x float64) float64 { return x }

func TestBuildSigmasUniformEndsAtZero(t *testing.T) {
	sigmas := BuildSigmas(SchedulerUniform, 4, 0.1, 10, 1, 0, identity, identity)
	if len(sigmas) != 5 {
		t.Fatalf("len = %d, want 5", len(sigmas))
	}
	if sigmas[4] != 0 {
		t.Fatalf("last sigma = %v, want 0", sigmas[4])
	}
	if sigmas[0] != 10 {
		t.Fatalf("first sigma = %v, want 10 (fTIni=1 means full schedule)", sigmas[0])
	}
	for i := 0; i+1 < len(sigmas)-1; i++ {
		if sigmas[i+1] > sigmas[i] {
			t.Fatalf("sigmas not decreasing at %d: %v then %v", i, sigmas[i], sigmas[i+1])
		}
	}
}

func TestBuildSigmasKarrasEndsAtZero(t *testing.T) {
	sigmas := BuildSigmas(SchedulerKarras, 6, 0.1, 10, 1, 0, identity, identity)
	if sigmas[len(sigmas)-1] != 0 {
		t.Fatalf("last sigma = %v, want 0", sigmas[len(sigmas)-1])
	}
	if sigmas[0] <= sigmas[1] {
		t.Fatalf("expected descending schedule, got %v then %v", sigmas[0], sigmas[1])
	}
}

func TestBuildSigmasFTIniShrinksStart(t *testing.T) {
	full := BuildSigmas(SchedulerUniform, 4, 0.1, 10, 1, 0, identity, identity)
	partial := BuildSigmas(SchedulerUniform, 4, 0.1, 10, 0.5, 0, identity, identity)
	if partial[0] >= full[0] {
		t.Fatalf("partial fTIni should start at a lower sigma: full=%v partial=%v", full[0], partial[0])
	}
}
