// Seeded RNG for deterministic reproducible stochastic simulations.
// Uses the PCG32 algorithm for cross-platform, version-stable random number
// generation.
//
// Why PCG32?
// - math/rand is deterministic within a Go version but the algorithm is not
//   guaranteed stable across Go upgrades
// - PCG32 is fast, simple (~20 lines), statistically excellent, and the
//   algorithm is fixed forever (we control it)
// - This enables long-term reproducibility: same seed + same inputs →
//   identical results

package engine

import "math"

// PCG32 implements the PCG32 pseudo-random number generator.
// Algorithm from https://www.pcg-random.org/
type PCG32 struct {
	state uint64
	inc   uint64
}

// NewPCG32 creates a new PCG32 generator with the given seed.
func NewPCG32(seed int64) *PCG32 {
	pcg := &PCG32{}
	pcg.Reseed(seed)
	return pcg
}

// Reseed initializes the PCG32 with a seed value.
func (p *PCG32) Reseed(seed int64) {
	p.state = 0
	p.inc = (uint64(seed) << 1) | 1 // inc must be odd
	p.Uint32()
	p.state += uint64(seed)
	p.Uint32()
}

// Uint32 returns a uniformly distributed uint32.
func (p *PCG32) Uint32() uint32 {
	// PCG-XSH-RR variant
	oldstate := p.state
	p.state = oldstate*6364136223846793005 + p.inc
	xorshifted := uint32(((oldstate >> 18) ^ oldstate) >> 27)
	rot := uint32(oldstate >> 59)
	return (xorshifted >> rot) | (xorshifted << ((-rot) & 31))
}

// Uint64 returns a uniformly distributed uint64.
func (p *PCG32) Uint64() uint64 {
	return (uint64(p.Uint32()) << 32) | uint64(p.Uint32())
}

// Seed implements golang.org/x/exp/rand.Source (alongside Uint64) so the
// generator can feed gonum distuv distributions directly.
func (p *PCG32) Seed(seed uint64) {
	p.Reseed(int64(seed))
}

// Float64 returns a uniformly distributed float64 in [0, 1).
func (p *PCG32) Float64() float64 {
	// Use 53 bits for precision, like math/rand does
	return float64(p.Uint64()>>11) / (1 << 53)
}

// SeededRNG wraps PCG32 with reset capability.
// No mutex: a simulation is single-threaded; each Monte Carlo worker owns its
// own instance.
type SeededRNG struct {
	pcg         *PCG32
	initialSeed int64
	callCount   uint64
}

// NewSeededRNG creates a new seeded RNG.
func NewSeededRNG(seed int64) *SeededRNG {
	return &SeededRNG{
		pcg:         NewPCG32(seed),
		initialSeed: seed,
	}
}

// Float64 returns a uniformly distributed float64 in [0, 1).
func (rng *SeededRNG) Float64() float64 {
	rng.callCount++
	return rng.pcg.Float64()
}

// NormFloat64 returns a normally distributed float64 with mean 0 and stddev 1
// using the Box-Muller transform.
func (rng *SeededRNG) NormFloat64() float64 {
	for {
		u1 := rng.Float64()
		u2 := rng.Float64()
		if u1 > 0 { // Avoid log(0)
			return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
		}
	}
}

// Source exposes the underlying generator as a golang.org/x/exp/rand.Source
// for gonum distuv sampling. Draws through the source advance the same
// deterministic stream.
func (rng *SeededRNG) Source() *PCG32 { return rng.pcg }

// Reset resets the RNG to a new seed, reusing the allocation.
func (rng *SeededRNG) Reset(seed int64) {
	rng.pcg.Reseed(seed)
	rng.initialSeed = seed
	rng.callCount = 0
}

// Seed returns the seed the RNG currently replays.
func (rng *SeededRNG) Seed() int64 { return rng.initialSeed }

// CallCount returns the number of random calls made (for debugging).
func (rng *SeededRNG) CallCount() uint64 { return rng.callCount }

// MixSeed derives the per-iteration seed from a base seed and an iteration
// index using the SplitMix64 finalizer. The mixing is part of the public
// contract: iteration i of a batch is reproducible standalone.
func MixSeed(base int64, iteration int) int64 {
	z := uint64(base) + uint64(iteration)*0x9E3779B97F4A7C15
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	z = z ^ (z >> 31)
	return int64(z)
}
