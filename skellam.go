package sfup

import "math"

// samplePoisson draws a Poisson(mu) variate from a substream via
// Knuth's uniform-to-Poisson inversion: multiply successive uniforms
// until their running product drops below e^-mu. This is adequate for
// the small mu (1.0-10.0, spec §4.2) SFUP restricts itself to, and
// keeps every draw traceable to a single deterministic CSPRNG
// substream read, as spec §4.1 requires.
func samplePoisson(s *Substream, mu float64) int {
	l := math.Exp(-mu)
	k := 0
	p := 1.0
	for {
		k++
		p *= s.Float64()
		if p <= l {
			return k - 1
		}
	}
}

// sampleSkellam draws e ~ Skellam(mu), the difference of two
// independent Poisson(mu) variates (spec §4.2 encryption step 2).
func sampleSkellam(s *Substream, mu float64) int64 {
	return int64(samplePoisson(s, mu)) - int64(samplePoisson(s, mu))
}
