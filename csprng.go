package sfup

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

// CSPRNG is a process-seeded cryptographic randomness source with
// explicit substream derivation (spec §4.1). Every substream is
// deterministic given the root seed and its tag: there is no global
// mutable generator anywhere in the pipeline, and substreams never
// share state with one another by construction.
type CSPRNG struct {
	seed []byte
}

// NewCSPRNG creates a generator from an explicit 32-byte-or-longer
// root seed. Callers that need a fresh, non-deterministic seed should
// draw one from crypto/rand themselves; SFUP never reaches for a
// process-global random source internally.
func NewCSPRNG(seed []byte) *CSPRNG {
	s := make([]byte, len(seed))
	copy(s, seed)
	return &CSPRNG{seed: s}
}

// NewCSPRNGFromSecret expands an operator-supplied secret (e.g.
// SFUP_MASTER_SECRET) and a salt into a root seed via HKDF-SHA256,
// mirroring the KDF chronicle's encryption.go uses (there: PBKDF2 over
// a password; here: HKDF over an already-high-entropy secret).
func NewCSPRNGFromSecret(secret, salt []byte) (*CSPRNG, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte("sfup-csprng-root"))
	seed := make([]byte, 32)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("csprng: hkdf expand: %w", err)
	}
	return NewCSPRNG(seed), nil
}

// Substream derives an independent, deterministic random stream keyed
// by a tag and an arbitrary number of context parts (worker_id, round,
// parameter_name, slot_index, ...). It uses BLAKE3's key-derivation
// mode for domain separation (context = tag) followed by a keyed BLAKE3
// XOF seeded from the derived key, giving an arbitrary-length
// pseudorandom stream. The same construction is used by the
// tuneinsight/lattigo pack member to derive per-party PRNG keys from a
// secret share (sign/hash.go's PRNGKey).
func (c *CSPRNG) Substream(tag string, parts ...string) *Substream {
	dk := blake3.NewDeriveKey(tag)
	_, _ = dk.Write(c.seed)
	for _, p := range parts {
		_, _ = dk.Write([]byte{0})
		_, _ = io.WriteString(dk, p)
	}
	key := make([]byte, 32)
	_, _ = dk.Digest().Read(key)

	h, err := blake3.NewKeyed(key)
	if err != nil {
		// NewKeyed only fails on a wrong-size key, which cannot happen
		// here since key is always exactly 32 bytes.
		panic(fmt.Sprintf("sfup: blake3 keyed init: %v", err))
	}
	return &Substream{digest: h.Digest()}
}

// Substream is a deterministic, independent pseudorandom byte stream.
// It has no shared mutable state with any other substream, satisfying
// the concurrency model's requirement that CSPRNG reads never need
// synchronization across parameters or workers (spec §5).
type Substream struct {
	digest io.Reader
}

// Read implements io.Reader, pulling raw pseudorandom bytes.
func (s *Substream) Read(p []byte) (int, error) {
	return s.digest.Read(p)
}

// Uint32 returns a uniformly distributed uint32.
func (s *Substream) Uint32() uint32 {
	var buf [4]byte
	_, _ = io.ReadFull(s.digest, buf[:])
	return binary.BigEndian.Uint32(buf[:])
}

// Uint64 returns a uniformly distributed uint64.
func (s *Substream) Uint64() uint64 {
	var buf [8]byte
	_, _ = io.ReadFull(s.digest, buf[:])
	return binary.BigEndian.Uint64(buf[:])
}

// Intn returns a uniform integer in [0, n) via rejection sampling,
// avoiding modulo bias for any n.
func (s *Substream) Intn(n int) int {
	if n <= 0 {
		panic("sfup: Intn called with n <= 0")
	}
	u := uint64(n)
	limit := (math.MaxUint64 / u) * u
	for {
		v := s.Uint64()
		if v < limit {
			return int(v % u)
		}
	}
}

// Float64 returns a uniform float64 in [0, 1).
func (s *Substream) Float64() float64 {
	// 53 bits of mantissa precision, the same technique Go's
	// math/rand uses internally.
	return float64(s.Uint64()>>11) / (1 << 53)
}

// Int8Ternary returns a uniformly distributed value in {-1, 0, 1}.
func (s *Substream) Int8Ternary() int8 {
	switch s.Intn(3) {
	case 0:
		return -1
	case 1:
		return 0
	default:
		return 1
	}
}
