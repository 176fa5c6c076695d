package sfup

import (
	"crypto/ed25519"
	"fmt"
)

// Signer is the hybrid classical+PQC signing capability an Update
// Package is sealed and verified with (spec §4.5, §9). Production
// deployments compose a real ed25519 classical half with an external
// PQC signer; the PQC half is intentionally a pluggable interface
// rather than a concrete implementation here — PQC primitive choice
// and its library are out of spec scope (spec Non-goals).
type Signer interface {
	Sign(hash [32]byte) ([]byte, error)
	Verify(hash [32]byte, sig []byte) bool
	Algorithm() string
}

// PQCSigner is the pluggable post-quantum half of a HybridSigner.
type PQCSigner interface {
	Sign(hash [32]byte) ([]byte, error)
	Verify(hash [32]byte, sig []byte) bool
	Algorithm() string
}

// NoopPQCSigner is an explicit stand-in for a real PQC signer. It
// produces a zero-length signature and accepts only a zero-length
// signature on verify, documenting
// that the PQC half is not implemented here rather than silently
// weakening the hybrid scheme.
type NoopPQCSigner struct{}

func (NoopPQCSigner) Sign(hash [32]byte) ([]byte, error) { return nil, nil }
func (NoopPQCSigner) Verify(hash [32]byte, sig []byte) bool { return len(sig) == 0 }
func (NoopPQCSigner) Algorithm() string { return "noop" }

// HybridSigner signs with ed25519 classical||PQC, length-prefixing the
// classical half so Verify can split the two without ambiguity.
type HybridSigner struct {
	classicalPriv ed25519.PrivateKey
	classicalPub  ed25519.PublicKey
	pqc           PQCSigner
}

// NewHybridSigner builds a signer capable of both Sign and Verify.
func NewHybridSigner(priv ed25519.PrivateKey, pub ed25519.PublicKey, pqc PQCSigner) *HybridSigner {
	if pqc == nil {
		pqc = NoopPQCSigner{}
	}
	return &HybridSigner{classicalPriv: priv, classicalPub: pub, pqc: pqc}
}

// NewHybridVerifier builds a signer capable only of Verify (no private
// key material), for use by the Aggregator.
func NewHybridVerifier(pub ed25519.PublicKey, pqc PQCSigner) *HybridSigner {
	if pqc == nil {
		pqc = NoopPQCSigner{}
	}
	return &HybridSigner{classicalPub: pub, pqc: pqc}
}

func (h *HybridSigner) Algorithm() string {
	return fmt.Sprintf("ed25519+%s", h.pqc.Algorithm())
}

func (h *HybridSigner) Sign(hash [32]byte) ([]byte, error) {
	if h.classicalPriv == nil {
		return nil, fmt.Errorf("signer: no private key configured for signing")
	}
	classicalSig := ed25519.Sign(h.classicalPriv, hash[:])
	pqcSig, err := h.pqc.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("signer: pqc sign: %w", err)
	}
	out := appendUint16(nil, uint16(len(classicalSig)))
	out = append(out, classicalSig...)
	out = append(out, pqcSig...)
	return out, nil
}

func (h *HybridSigner) Verify(hash [32]byte, sig []byte) bool {
	classicalLen, off, err := readUint16(sig, 0)
	if err != nil {
		return false
	}
	classicalSig, off, err := readBytes(sig, off, int(classicalLen))
	if err != nil {
		return false
	}
	pqcSig := sig[off:]

	if h.classicalPub == nil {
		return false
	}
	if !ed25519.Verify(h.classicalPub, hash[:], classicalSig) {
		return false
	}
	return h.pqc.Verify(hash, pqcSig)
}
