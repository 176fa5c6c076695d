package sfup

import (
	"fmt"
	"math"
)

// SecurityLevel selects the N2HE parameter set (spec §4.2).
type SecurityLevel int

const (
	Security128 SecurityLevel = 128
	Security192 SecurityLevel = 192
)

// noiseBudgetConstant is the "small constant C" spec §4.2 leaves to the
// implementer; chosen so the scheme's stated 2^-40 decryption failure
// bound holds comfortably for the parameter sets below.
const noiseBudgetConstant = 4.0

// Params holds the N2HE scheme parameters for one security level.
// q is fixed at 2^32 for both levels, which lets every mod-q operation
// below be expressed as plain uint32 arithmetic: Go's unsigned integer
// wraparound on overflow *is* reduction mod 2^32.
type Params struct {
	NLWE          int
	Q             uint64
	T             uint64
	Mu            float64
	SecurityLevel SecurityLevel
}

// ParamsFor returns the parameter set for a requested security level.
func ParamsFor(level SecurityLevel) (Params, error) {
	switch level {
	case Security128:
		return Params{NLWE: 1024, Q: 1 << 32, T: 1 << 16, Mu: 3.19, SecurityLevel: level}, nil
	case Security192:
		return Params{NLWE: 2048, Q: 1 << 32, T: 1 << 16, Mu: 3.19, SecurityLevel: level}, nil
	default:
		return Params{}, fmt.Errorf("n2he: unsupported security level %d", level)
	}
}

// WithMu returns a copy of p using a caller-chosen Skellam parameter,
// validated against the [1.0, 10.0] range spec §4.2 mandates.
func (p Params) WithMu(mu float64) (Params, error) {
	if mu < 1.0 || mu > 10.0 {
		return Params{}, ErrInvalidSkellamParam
	}
	p.Mu = mu
	return p, nil
}

// MaxAdditions is the number of homomorphic additions the scheme
// tolerates before the stated decryption failure probability bound
// (2^-40) may no longer hold: N <= floor(q/(2t))^2 / (C*mu).
func (p Params) MaxAdditions() int {
	half := float64(p.Q) / (2 * float64(p.T))
	max := (half * half) / (noiseBudgetConstant * p.Mu)
	return int(math.Floor(max))
}

// RemainingBudget returns how many more additions a ciphertext that
// already reflects nAdditions contributions can tolerate.
func (p Params) RemainingBudget(nAdditions int) int {
	r := p.MaxAdditions() - nAdditions
	if r < 0 {
		return 0
	}
	return r
}

// CheckBudget returns ErrNoiseBudgetExhausted if nAdditions would
// exceed the scheme's noise budget.
func (p Params) CheckBudget(nAdditions int) error {
	if nAdditions > p.MaxAdditions() {
		return ErrNoiseBudgetExhausted
	}
	return nil
}

// GenerateSecretKey samples a small-norm ternary secret vector from a
// CSPRNG substream (spec §3: "uniform in {-1,0,1}... acceptable").
func (p Params) GenerateSecretKey(s *Substream) []int8 {
	sk := make([]int8, p.NLWE)
	for i := range sk {
		sk[i] = s.Int8Ternary()
	}
	return sk
}

// Ciphertext is one N2HE ciphertext (A, b), spec §3.
type Ciphertext struct {
	A []uint32
	B uint32
}

// Clone returns a deep copy, so callers can accumulate sums without
// mutating an input ciphertext shared across goroutines.
func (c Ciphertext) Clone() Ciphertext {
	a := make([]uint32, len(c.A))
	copy(a, c.A)
	return Ciphertext{A: a, B: c.B}
}

func innerProductModQ(a []uint32, s []int8) uint32 {
	var acc uint32
	for i, si := range s {
		switch si {
		case 1:
			acc += a[i]
		case -1:
			acc -= a[i]
		}
	}
	return acc
}

// Encrypt encrypts one integer message m in [0, t) using a public
// matrix A drawn from aStream and Skellam noise drawn from eStream
// (spec §4.2 steps 1-4). Both streams must be CSPRNG substreams keyed
// so that A is reproducible from key_id, round, and slot_index alone
// (spec §4.4, "Determinism").
func (p Params) Encrypt(secret []int8, aStream, eStream *Substream, m uint32) (Ciphertext, error) {
	if p.Mu < 1.0 || p.Mu > 10.0 {
		return Ciphertext{}, ErrInvalidSkellamParam
	}
	if uint64(m) >= p.T {
		return Ciphertext{}, fmt.Errorf("n2he: message %d out of plaintext range [0,%d)", m, p.T)
	}
	if len(secret) != p.NLWE {
		return Ciphertext{}, fmt.Errorf("n2he: secret key length %d != n_lwe %d", len(secret), p.NLWE)
	}

	a := make([]uint32, p.NLWE)
	for i := range a {
		a[i] = aStream.Uint32()
	}

	e := sampleSkellam(eStream, p.Mu)
	inner := innerProductModQ(a, secret)
	delta := uint32(p.Q / p.T)

	b := inner + uint32(int64(e)) + delta*uint32(m)
	return Ciphertext{A: a, B: b}, nil
}

// Decrypt recovers m in [0, t) from a ciphertext (spec §4.2).
func (p Params) Decrypt(secret []int8, c Ciphertext) (uint32, error) {
	if len(c.A) != p.NLWE {
		return 0, fmt.Errorf("n2he: ciphertext dimension %d != n_lwe %d", len(c.A), p.NLWE)
	}
	inner := innerProductModQ(c.A, secret)
	diff := c.B - inner

	num := uint64(diff) * p.T
	half := p.Q / 2
	mhat := (num + half) / p.Q
	return uint32(mhat % p.T), nil
}

// Add computes the componentwise sum of two ciphertexts mod q (spec
// §3, "Additive invariant"). The operation is exactly associative and
// commutative mod q, so callers may sum in any order and get the same
// result (spec §5).
func (p Params) Add(c1, c2 Ciphertext) (Ciphertext, error) {
	if len(c1.A) != len(c2.A) {
		return Ciphertext{}, fmt.Errorf("n2he: ciphertext dimension mismatch %d != %d", len(c1.A), len(c2.A))
	}
	out := Ciphertext{A: make([]uint32, len(c1.A))}
	for i := range c1.A {
		out.A[i] = c1.A[i] + c2.A[i]
	}
	out.B = c1.B + c2.B
	return out, nil
}

// EncryptVector is the batch encryption interface of spec §4.2. Each
// slot i draws its public matrix A and noise from substreams tagged
// with key_id, round, and i, so the whole vector is deterministic given
// the CSPRNG seed.
func (p Params) EncryptVector(secret []int8, csprng *CSPRNG, keyID string, round uint64, m []uint32) ([]Ciphertext, error) {
	out := make([]Ciphertext, len(m))
	for i, v := range m {
		slot := fmt.Sprintf("%d", i)
		aStream := csprng.Substream("n2he-A", keyID, fmt.Sprintf("%d", round), slot)
		eStream := csprng.Substream("n2he-noise", keyID, fmt.Sprintf("%d", round), slot)
		c, err := p.Encrypt(secret, aStream, eStream, v)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// DecryptVector is the inverse of EncryptVector.
func (p Params) DecryptVector(secret []int8, cs []Ciphertext) ([]uint32, error) {
	out := make([]uint32, len(cs))
	for i, c := range cs {
		m, err := p.Decrypt(secret, c)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}
