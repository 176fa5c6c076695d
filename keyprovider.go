package sfup

import "context"

// KeyStatus is a key's position in the rotation lifecycle (spec §3,
// §4.8: REGISTERED -> ACTIVE -> (EXPIRED | REVOKED), with DRAINING as
// the supplemental soft-expiry state the Drain rotation policy needs
// between ACTIVE and RETIRED).
type KeyStatus string

const (
	// KeyStatusPending is a generated-but-not-yet-activated key (spec's
	// REGISTERED), produced by Generate and consumed by Activate.
	KeyStatusPending  KeyStatus = "PENDING"
	KeyStatusActive   KeyStatus = "ACTIVE"
	KeyStatusDraining KeyStatus = "DRAINING"
	KeyStatusRetired  KeyStatus = "RETIRED"
	// KeyStatusRevoked is a terminal state reachable from any prior
	// status via Revoke, distinct from the natural DRAINING->RETIRED
	// expiry path: it marks the key compromised rather than merely aged
	// out (spec's REVOKED).
	KeyStatusRevoked KeyStatus = "REVOKED"
)

// KeyMetadata is the non-secret record of a key's lifecycle state.
type KeyMetadata struct {
	KeyID         string
	Status        KeyStatus
	SecurityLevel SecurityLevel
	CreatedAtMS   int64
	ActivatedAtMS int64
	RetiredAtMS   int64
	RevokedAtMS   int64
}

// KeyMaterial is a key's secret N2HE key material plus the params it
// was generated under.
type KeyMaterial struct {
	KeyID  string
	Secret []int8
	Params Params
}

// KeyProvider abstracts N2HE key storage and rotation (spec §4.8) so
// the worker pipeline and Aggregator never touch raw secret key bytes
// directly; both operate only through this interface. Every state
// transition (Generate, Activate, Revoke, and the Rotate convenience
// that composes the first two) emits an evidence event when the
// provider is wired with one.
type KeyProvider interface {
	// ActiveKey returns the metadata of the currently ACTIVE key.
	ActiveKey(ctx context.Context) (KeyMetadata, error)
	// Material returns the secret key material for keyID. Callers must
	// check Status via ActiveKey/Status before encrypting against it;
	// DRAINING keys are still decryptable but must not be used to seal
	// new Update Packages.
	Material(ctx context.Context, keyID string) (KeyMaterial, error)
	// Status returns the current lifecycle state of keyID.
	Status(ctx context.Context, keyID string) (KeyMetadata, error)
	// Generate creates a new key material and registers it PENDING,
	// without disturbing the current ACTIVE key (spec §4.8 generate).
	Generate(ctx context.Context, level SecurityLevel) (KeyMetadata, error)
	// Activate promotes keyID (normally PENDING) to ACTIVE, demoting
	// whatever key was previously ACTIVE per policy (DRAINING under
	// RotationDrain, RETIRED immediately under RotationAbort). Spec
	// §4.8 activate.
	Activate(ctx context.Context, keyID string, policy KeyRotationPolicy) (KeyMetadata, error)
	// Revoke terminates keyID regardless of its current status, for a
	// suspected-compromised key rather than a naturally expired one
	// (spec §4.8 revoke).
	Revoke(ctx context.Context, keyID string) error
	// Rotate generates a new key and immediately activates it,
	// demoting the previous ACTIVE key per policy. It is Generate then
	// Activate composed as a single call (spec §4.8 rotate).
	Rotate(ctx context.Context, level SecurityLevel, policy KeyRotationPolicy) (KeyMetadata, error)
}
