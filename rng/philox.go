// Package rng implements the counter-based Philox4x32 generator used for
// all Gaussian noise in the engine (latent initialisation, sampler churn
// and ancestral injection, VAE latent sampling) so that identical seeds
// reproduce bit-identical output tensors (spec.md §8 testable property
// 8: "Seed determinism").
//
// Grounded on original_source/src/ccommon/rng_philox.c, itself a port of
// stable-diffusion-webui's rng_philox.py, chosen there so CPU-generated
// noise matches what a reference PyTorch/CUDA sampler would have drawn.
package rng

import "math"

var philoxM = [2]uint32{0xD2511F53, 0xCD9E8D57}
var philoxW = [2]uint32{0x9E3779B9, 0xBB67AE85}

const twoPow32Inv = 2.3283064365386963e-10     // 1/2^32
const twoPow32Inv2Pi = 1.4629180792671596e-09 // 2pi/2^32

// Philox holds the 10-round Philox4x32 counter-RNG's state: a 64-bit
// seed and a monotonically increasing offset, one offset value consumed
// per call to Randn.
type Philox struct {
	Seed   uint64
	Offset uint32
}

// New returns a generator seeded for the given run.
func New(seed uint64) *Philox {
	return &Philox{Seed: seed}
}

func boxMuller(x, y uint32) float64 {
	u := (float64(x) + 0.5) * twoPow32Inv
	v := (float64(y) + 0.5) * twoPow32Inv2Pi
	return math.Sqrt(-2.0*math.Log(u)) * math.Sin(v)
}

// Randn fills out with n standard-normal draws and advances Offset by
// one, exactly mirroring rng_philox_randn's per-call counter scheme (the
// same Offset is reused as cnt[0] for every one of the n draws within a
// single call, with i as cnt[2] distinguishing them).
func (p *Philox) Randn(n int) []float32 {
	out := make([]float32, n)
	key0 := uint32(p.Seed)
	key1 := uint32(p.Seed >> 32)

	for i := 0; i < n; i++ {
		cnt := [4]uint32{p.Offset, 0, uint32(i), 0}
		key := [2]uint32{key0, key1}

		for r := 0; r < 10; r++ {
			v1 := uint64(cnt[0]) * uint64(philoxM[0])
			v2 := uint64(cnt[2]) * uint64(philoxM[1])
			cnt[0] = uint32(v2>>32) ^ cnt[1] ^ key[0]
			cnt[1] = uint32(v2)
			cnt[2] = uint32(v1>>32) ^ cnt[3] ^ key[1]
			cnt[3] = uint32(v1)

			key[0] += philoxW[0]
			key[1] += philoxW[1]
		}

		out[i] = float32(boxMuller(cnt[0], cnt[1]))
	}
	p.Offset++
	return out
}

// Fill draws len(dst) standard-normal values directly into dst, avoiding
// an intermediate allocation for callers that already own the
// destination buffer (e.g. a LocalTensor's Data slice).
func (p *Philox) Fill(dst []float32) {
	copy(dst, p.Randn(len(dst)))
}
