package sfup

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// magicBytes is the 6-byte Update Package magic (spec §6): the literal
// string "TGUE" followed by the two bytes 0x02 0x00. This is distinct
// from, and always kept in lockstep with, the format_version field
// that follows it.
var magicBytes = [6]byte{'T', 'G', 'U', 'E', 0x02, 0x00}

// FormatVersion is the current Update Package wire format version.
const FormatVersion uint8 = 2

// PackageHeader is the header JSON object of spec §6.
type PackageHeader struct {
	WorkerID    string `json:"worker_id"`
	Round       uint64 `json:"round"`
	KeyID       string `json:"key_id"`
	TimestampMS int64  `json:"timestamp_ms"`
	SigAlg      string `json:"sig_alg"`
}

// SafetyStats is the manifest's safety_stats object (spec §6).
type SafetyStats struct {
	DPEpsilonConsumed          float64 `json:"dp_epsilon_consumed"`
	ClipNormApplied            float64 `json:"clip_norm_applied"`
	GradientL2PreClip          float64 `json:"gradient_l2_pre_clip"`
	SparsityRatio              float64 `json:"sparsity_ratio"`
	PayloadBytesPrecompression int     `json:"payload_bytes_precompression"`
}

// CompressionMeta is one parameter's entry in the manifest's
// compression_meta map (spec §6).
type CompressionMeta struct {
	Scale        float64 `json:"scale"`
	ZeroPoint    int32   `json:"zero_point"`
	Bits         int     `json:"bits"`
	NSlots       int     `json:"n_slots"`
	DenseLength  int     `json:"dense_length"`
	SubstreamTag string  `json:"substream_tag"`
}

// TrainingMeta is the manifest's training_meta object (spec §6).
type TrainingMeta struct {
	Optimizer    string  `json:"optimizer"`
	Steps        int     `json:"steps"`
	LearningRate float64 `json:"learning_rate"`
	Objective    string  `json:"objective"`
}

// Manifest is the Update Package manifest JSON object (spec §6).
// Because compression_meta and expert_weights are Go maps,
// encoding/json already serializes their keys in sorted order, which
// is what spec §8's "deterministic serialization" round-trip law
// requires.
type Manifest struct {
	SafetyStats     SafetyStats                `json:"safety_stats"`
	CompressionMeta map[string]CompressionMeta `json:"compression_meta"`
	TrainingMeta    TrainingMeta               `json:"training_meta"`
	ExpertWeights   map[string]float64         `json:"expert_weights"`
}

// UpdatePackage is the fully-assembled, parsed form of the wire format
// (spec §3, §6).
type UpdatePackage struct {
	FormatVersion uint8
	Header        PackageHeader
	Manifest      Manifest
	Payload       []Ciphertext
	ContentHash   [32]byte
	Signature     []byte
}

func encodeCiphertext(c Ciphertext) []byte {
	buf := make([]byte, 4*(len(c.A)+1))
	for i, a := range c.A {
		binary.BigEndian.PutUint32(buf[4*i:], a)
	}
	binary.BigEndian.PutUint32(buf[4*len(c.A):], c.B)
	return buf
}

func decodeCiphertext(buf []byte, nLWE int) (Ciphertext, error) {
	want := 4 * (nLWE + 1)
	if len(buf) != want {
		return Ciphertext{}, fmt.Errorf("wire: bad ciphertext length %d, want %d", len(buf), want)
	}
	c := Ciphertext{A: make([]uint32, nLWE)}
	for i := 0; i < nLWE; i++ {
		c.A[i] = binary.BigEndian.Uint32(buf[4*i:])
	}
	c.B = binary.BigEndian.Uint32(buf[4*nLWE:])
	return c, nil
}

// encodePayload serializes a sequence of ciphertexts, big-endian,
// (A: [n_lwe]u32, b: u32) each (spec §6).
func encodePayload(cts []Ciphertext) []byte {
	if len(cts) == 0 {
		return nil
	}
	unit := 4 * (len(cts[0].A) + 1)
	out := make([]byte, 0, unit*len(cts))
	for _, c := range cts {
		out = append(out, encodeCiphertext(c)...)
	}
	return out
}

func decodePayload(buf []byte, nLWE int) ([]Ciphertext, error) {
	unit := 4 * (nLWE + 1)
	if unit == 0 || len(buf)%unit != 0 {
		return nil, fmt.Errorf("wire: payload length %d not a multiple of ciphertext size %d", len(buf), unit)
	}
	n := len(buf) / unit
	out := make([]Ciphertext, n)
	for i := 0; i < n; i++ {
		c, err := decodeCiphertext(buf[i*unit:(i+1)*unit], nLWE)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// Seal assembles the byte-exact Update Package wire format (spec §6)
// and signs its content hash with signer.
func (pkg *UpdatePackage) Seal(signer Signer) ([]byte, error) {
	pkg.Header.SigAlg = signer.Algorithm()

	headerJSON, err := json.Marshal(pkg.Header)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal header: %w", err)
	}
	manifestJSON, err := json.Marshal(pkg.Manifest)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal manifest: %w", err)
	}
	payload := encodePayload(pkg.Payload)

	var buf []byte
	buf = append(buf, magicBytes[:]...)
	buf = append(buf, FormatVersion)
	buf = appendUint32(buf, uint32(len(headerJSON)))
	buf = append(buf, headerJSON...)
	buf = appendUint32(buf, uint32(len(manifestJSON)))
	buf = append(buf, manifestJSON...)
	buf = appendUint64(buf, uint64(len(payload)))
	buf = append(buf, payload...)

	hash := sha256.Sum256(buf)
	pkg.ContentHash = hash

	sig, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("wire: sign: %w", err)
	}
	pkg.Signature = sig

	buf = append(buf, hash[:]...)
	buf = appendUint16(buf, uint16(len(sig)))
	buf = append(buf, sig...)

	return buf, nil
}

// ParseUpdatePackage performs the structural checks of spec §4.5
// steps (i)-(iv): magic/version, manifest parse, hash, signature.
// Key-lookup/activation and envelope size checks (steps v-vi) need a
// KeyProvider and an OperatingEnvelope respectively and are performed
// by the Aggregator after a successful parse.
func ParseUpdatePackage(data []byte, nLWE int, verifier Signer) (*UpdatePackage, error) {
	if len(data) < 6+1+4 {
		return nil, fmt.Errorf("wire: truncated package: %w", ErrMagicMismatch)
	}
	var magic [6]byte
	copy(magic[:], data[0:6])
	if magic != magicBytes {
		return nil, ErrMagicMismatch
	}
	version := data[6]
	if version != FormatVersion {
		return nil, ErrUnsupportedVersion
	}

	off := 7
	headerLen, off, err := readUint32(data, off)
	if err != nil {
		return nil, err
	}
	headerJSON, off, err := readBytes(data, off, int(headerLen))
	if err != nil {
		return nil, err
	}
	var header PackageHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("wire: parse header json: %w", err)
	}

	manifestLen, off, err := readUint32(data, off)
	if err != nil {
		return nil, err
	}
	manifestJSON, off, err := readBytes(data, off, int(manifestLen))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return nil, fmt.Errorf("wire: parse manifest json: %w", err)
	}

	payloadLen, off, err := readUint64(data, off)
	if err != nil {
		return nil, err
	}
	payloadBytes, off, err := readBytes(data, off, int(payloadLen))
	if err != nil {
		return nil, err
	}

	payloadEnd := off
	if len(data) < payloadEnd+32 {
		return nil, fmt.Errorf("wire: truncated content hash")
	}
	computedHash := sha256.Sum256(data[:payloadEnd])
	var claimedHash [32]byte
	copy(claimedHash[:], data[payloadEnd:payloadEnd+32])
	if computedHash != claimedHash {
		return nil, ErrHashMismatch
	}
	off = payloadEnd + 32

	sigLen, off, err := readUint16(data, off)
	if err != nil {
		return nil, err
	}
	sig, _, err := readBytes(data, off, int(sigLen))
	if err != nil {
		return nil, err
	}

	if verifier != nil && !verifier.Verify(computedHash, sig) {
		return nil, ErrSignatureInvalid
	}

	payload, err := decodePayload(payloadBytes, nLWE)
	if err != nil {
		return nil, err
	}

	return &UpdatePackage{
		FormatVersion: version,
		Header:        header,
		Manifest:      manifest,
		Payload:       payload,
		ContentHash:   computedHash,
		Signature:     sig,
	}, nil
}

// PeekPackageHeader parses only the magic, version, and header JSON of
// a sealed Update Package, without validating the manifest, content
// hash, signature, or payload. The Aggregator uses this to learn
// key_id before it can know which KeyProvider entry (and thus which
// n_lwe) to parse the rest of the package against.
func PeekPackageHeader(data []byte) (PackageHeader, error) {
	if len(data) < 6+1+4 {
		return PackageHeader{}, fmt.Errorf("wire: truncated package: %w", ErrMagicMismatch)
	}
	var magic [6]byte
	copy(magic[:], data[0:6])
	if magic != magicBytes {
		return PackageHeader{}, ErrMagicMismatch
	}
	if data[6] != FormatVersion {
		return PackageHeader{}, ErrUnsupportedVersion
	}

	headerLen, off, err := readUint32(data, 7)
	if err != nil {
		return PackageHeader{}, err
	}
	headerJSON, _, err := readBytes(data, off, int(headerLen))
	if err != nil {
		return PackageHeader{}, err
	}
	var header PackageHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return PackageHeader{}, fmt.Errorf("wire: parse header json: %w", err)
	}
	return header, nil
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func readUint16(data []byte, off int) (uint16, int, error) {
	if off+2 > len(data) {
		return 0, off, fmt.Errorf("wire: truncated u16 at offset %d", off)
	}
	return binary.BigEndian.Uint16(data[off:]), off + 2, nil
}

func readUint32(data []byte, off int) (uint32, int, error) {
	if off+4 > len(data) {
		return 0, off, fmt.Errorf("wire: truncated u32 at offset %d", off)
	}
	return binary.BigEndian.Uint32(data[off:]), off + 4, nil
}

func readUint64(data []byte, off int) (uint64, int, error) {
	if off+8 > len(data) {
		return 0, off, fmt.Errorf("wire: truncated u64 at offset %d", off)
	}
	return binary.BigEndian.Uint64(data[off:]), off + 8, nil
}

func readBytes(data []byte, off, n int) ([]byte, int, error) {
	if n < 0 || off+n > len(data) {
		return nil, off, fmt.Errorf("wire: truncated field of length %d at offset %d", n, off)
	}
	return data[off : off+n], off + n, nil
}
