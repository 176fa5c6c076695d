package sfup

import (
	"crypto/ed25519"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testSigner(t *testing.T) *HybridSigner {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return NewHybridSigner(priv, pub, nil)
}

func testPackage() *UpdatePackage {
	return &UpdatePackage{
		Header: PackageHeader{
			WorkerID:    "worker-7",
			Round:       42,
			KeyID:       "key-2026-01",
			TimestampMS: 1767225600000,
		},
		Manifest: Manifest{
			SafetyStats: SafetyStats{
				DPEpsilonConsumed:          0.3,
				ClipNormApplied:            1.0,
				GradientL2PreClip:          1.8,
				SparsityRatio:              0.1,
				PayloadBytesPrecompression: 4096,
			},
			CompressionMeta: map[string]CompressionMeta{
				"layer1.weight": {Scale: 0.002, ZeroPoint: 127, Bits: 8, NSlots: 10, SubstreamTag: "rand-k"},
				"layer2.weight": {Scale: 0.004, ZeroPoint: 7, Bits: 4, NSlots: 5, SubstreamTag: "rand-k"},
			},
			TrainingMeta: TrainingMeta{Optimizer: "sgd", Steps: 10, LearningRate: 0.01, Objective: "cross_entropy"},
			ExpertWeights: map[string]float64{"expert_a": 0.6, "expert_b": 0.4},
		},
		Payload: []Ciphertext{
			{A: []uint32{1, 2, 3, 4}, B: 99},
			{A: []uint32{5, 6, 7, 8}, B: 100},
		},
	}
}

func TestSealParseRoundTrip(t *testing.T) {
	signer := testSigner(t)
	pkg := testPackage()

	data, err := pkg.Seal(signer)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	parsed, err := ParseUpdatePackage(data, 4, signer)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if parsed.Header.SigAlg == "" {
		t.Fatal("expected sig_alg to be populated by Seal")
	}
	pkg.Header.SigAlg = parsed.Header.SigAlg
	if diff := cmp.Diff(pkg.Header, parsed.Header); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(pkg.Manifest, parsed.Manifest); diff != "" {
		t.Errorf("manifest mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(pkg.Payload, parsed.Payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	signer := testSigner(t)
	data, _ := testPackage().Seal(signer)
	data[0] = 'X'
	if _, err := ParseUpdatePackage(data, 4, signer); err != ErrMagicMismatch {
		t.Fatalf("expected ErrMagicMismatch, got %v", err)
	}
}

func TestParseRejectsBadVersion(t *testing.T) {
	signer := testSigner(t)
	data, _ := testPackage().Seal(signer)
	data[6] = 99
	if _, err := ParseUpdatePackage(data, 4, signer); err != ErrUnsupportedVersion {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestParseRejectsTamperedPayload(t *testing.T) {
	signer := testSigner(t)
	data, _ := testPackage().Seal(signer)
	// flip a byte deep in the payload region, after the two length-prefixed
	// JSON blocks; content hash must catch this regardless of signature.
	// The sealed package ends with a 100-byte trailer (32-byte hash, 2-byte
	// sig_len, 66-byte hybrid signature), and the 40-byte payload sits
	// directly before it, so len-120 lands inside the payload.
	data[len(data)-120] ^= 0xFF
	if _, err := ParseUpdatePackage(data, 4, signer); err != ErrHashMismatch {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
}

func TestParseRejectsSignatureFromWrongKey(t *testing.T) {
	signer := testSigner(t)
	pkg := testPackage()
	data, _ := pkg.Seal(signer)

	otherSigner := testSigner(t)
	if _, err := ParseUpdatePackage(data, 4, otherSigner); err != ErrSignatureInvalid {
		t.Fatalf("expected ErrSignatureInvalid when verifying with the wrong key, got %v", err)
	}
}

func TestEncodeDecodeCiphertextRoundTrip(t *testing.T) {
	c := Ciphertext{A: []uint32{10, 20, 30}, B: 40}
	buf := encodeCiphertext(c)
	got, err := decodeCiphertext(buf, 3)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("ciphertext mismatch (-want +got):\n%s", diff)
	}
}
