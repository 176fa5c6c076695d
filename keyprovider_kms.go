package sfup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KMSClient is the minimal surface SFUP needs from an external key
// management service. A production deployment backs this with a cloud
// KMS; SFUP only needs get/put/list of opaque sealed blobs plus
// metadata, so the interface stays provider-agnostic.
type KMSClient interface {
	GetSealedSecret(ctx context.Context, keyID string) ([]byte, error)
	PutSealedSecret(ctx context.Context, keyID string, sealed []byte, meta KeyMetadata) error
	GetMetadata(ctx context.Context, keyID string) (KeyMetadata, error)
	GetActiveKeyID(ctx context.Context) (string, error)
	// SetStatus transitions keyID to status, stamping whichever of
	// activated/retired/revoked the status implies.
	SetStatus(ctx context.Context, keyID string, status KeyStatus, atMS int64) error
}

// KMSKeyProvider adapts a KMSClient into a KeyProvider, wrapping every
// remote call through a ResourceGuard: transient KMS failures are
// retried, and a string of failures trips the breaker so callers fail
// fast instead of piling up blocked rotations during an outage.
type KMSKeyProvider struct {
	client   KMSClient
	enc      *atRestEncryptor
	guard    *ResourceGuard
	csprng   *CSPRNG
	nowFunc  func() int64
	evidence *EvidenceLog
}

// KMSKeyProviderOption configures optional KMSKeyProvider behavior.
type KMSKeyProviderOption func(*KMSKeyProvider)

// WithKMSKeyProviderEvidence wires an Evidence Log so every lifecycle
// transition emits an evidence event (spec §4.8).
func WithKMSKeyProviderEvidence(log *EvidenceLog) KMSKeyProviderOption {
	return func(p *KMSKeyProvider) { p.evidence = log }
}

// NewKMSKeyProvider wraps client with the default retry/circuit-breaker
// policy and derives the at-rest key from csprng, same as FileKeyProvider.
func NewKMSKeyProvider(client KMSClient, csprng *CSPRNG, nowFunc func() int64, opts ...KMSKeyProviderOption) (*KMSKeyProvider, error) {
	enc, err := newAtRestEncryptor(csprng)
	if err != nil {
		return nil, err
	}
	p := &KMSKeyProvider{
		client:  client,
		enc:     enc,
		guard:   NewResourceGuard(DefaultRetryConfig(), 5, 30*time.Second),
		csprng:  csprng,
		nowFunc: nowFunc,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *KMSKeyProvider) appendEvidence(eventType EvidenceEventType, keyID string, details map[string]string) {
	if p.evidence == nil {
		return
	}
	_, _ = p.evidence.Append(eventType, "keyprovider", keyID, details)
}

func (p *KMSKeyProvider) ActiveKey(ctx context.Context) (KeyMetadata, error) {
	var keyID string
	if err := p.guard.Do(ctx, func() error {
		var err error
		keyID, err = p.client.GetActiveKeyID(ctx)
		return err
	}); err != nil {
		return KeyMetadata{}, fmt.Errorf("kms keyprovider: get active key id: %w", err)
	}
	return p.Status(ctx, keyID)
}

func (p *KMSKeyProvider) Status(ctx context.Context, keyID string) (KeyMetadata, error) {
	var meta KeyMetadata
	if err := p.guard.Do(ctx, func() error {
		var err error
		meta, err = p.client.GetMetadata(ctx, keyID)
		return err
	}); err != nil {
		return KeyMetadata{}, fmt.Errorf("kms keyprovider: get metadata: %w", err)
	}
	return meta, nil
}

func (p *KMSKeyProvider) Material(ctx context.Context, keyID string) (KeyMaterial, error) {
	meta, err := p.Status(ctx, keyID)
	if err != nil {
		return KeyMaterial{}, err
	}

	var sealed []byte
	if err := p.guard.Do(ctx, func() error {
		var err error
		sealed, err = p.client.GetSealedSecret(ctx, keyID)
		return err
	}); err != nil {
		return KeyMaterial{}, fmt.Errorf("kms keyprovider: get sealed secret: %w", err)
	}

	plaintext, err := p.enc.open(sealed)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("kms keyprovider: decrypt sealed secret: %w", err)
	}

	params, err := ParamsFor(meta.SecurityLevel)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("kms keyprovider: params for security level: %w", err)
	}
	return KeyMaterial{KeyID: keyID, Secret: decodeSecret(plaintext), Params: params}, nil
}

// Generate creates a fresh N2HE secret key and registers it PENDING
// with the KMS client, without disturbing whatever key is currently
// ACTIVE (spec §4.8 generate).
func (p *KMSKeyProvider) Generate(ctx context.Context, level SecurityLevel) (KeyMetadata, error) {
	now := p.nowFunc()
	newID := uuid.NewString()

	params, err := ParamsFor(level)
	if err != nil {
		return KeyMetadata{}, fmt.Errorf("kms keyprovider: params for security level: %w", err)
	}
	secretStream := p.csprng.Substream("n2he-secret-key", newID)
	secret := params.GenerateSecretKey(secretStream)
	sealed, err := p.enc.seal(encodeSecret(secret))
	if err != nil {
		return KeyMetadata{}, fmt.Errorf("kms keyprovider: seal new secret: %w", err)
	}

	newMeta := KeyMetadata{KeyID: newID, Status: KeyStatusPending, SecurityLevel: level, CreatedAtMS: now}
	if err := p.guard.Do(ctx, func() error {
		return p.client.PutSealedSecret(ctx, newID, sealed, newMeta)
	}); err != nil {
		return KeyMetadata{}, fmt.Errorf("kms keyprovider: put new key: %w", err)
	}

	p.appendEvidence(EventKeyGenerated, newID, map[string]string{"security_level": fmt.Sprintf("%d", level)})
	return newMeta, nil
}

// Activate promotes keyID to ACTIVE, demoting whatever key was
// previously ACTIVE per policy (spec §4.8 activate).
func (p *KMSKeyProvider) Activate(ctx context.Context, keyID string, policy KeyRotationPolicy) (KeyMetadata, error) {
	now := p.nowFunc()

	var prevID string
	err := p.guard.Do(ctx, func() error {
		var err error
		prevID, err = p.client.GetActiveKeyID(ctx)
		return err
	})
	if err == nil && prevID != "" && prevID != keyID {
		retiredStatus := KeyStatusDraining
		if policy == RotationAbort {
			retiredStatus = KeyStatusRetired
		}
		if err := p.guard.Do(ctx, func() error {
			return p.client.SetStatus(ctx, prevID, retiredStatus, now)
		}); err != nil {
			return KeyMetadata{}, fmt.Errorf("kms keyprovider: demote previous active key: %w", err)
		}
	}

	if err := p.guard.Do(ctx, func() error {
		return p.client.SetStatus(ctx, keyID, KeyStatusActive, now)
	}); err != nil {
		return KeyMetadata{}, fmt.Errorf("kms keyprovider: activate key: %w", err)
	}

	meta, err := p.Status(ctx, keyID)
	if err != nil {
		return KeyMetadata{}, err
	}
	p.appendEvidence(EventKeyActivated, keyID, map[string]string{"policy": string(policy)})
	return meta, nil
}

// Revoke terminates keyID regardless of its current status (spec
// §4.8 revoke).
func (p *KMSKeyProvider) Revoke(ctx context.Context, keyID string) error {
	if err := p.guard.Do(ctx, func() error {
		return p.client.SetStatus(ctx, keyID, KeyStatusRevoked, p.nowFunc())
	}); err != nil {
		return fmt.Errorf("kms keyprovider: revoke key: %w", err)
	}
	p.appendEvidence(EventKeyRevoked, keyID, nil)
	return nil
}

// Rotate generates a fresh N2HE secret key and activates it, applying
// policy to the previously ACTIVE key (spec §4.8 rotate, composed from
// Generate and Activate).
func (p *KMSKeyProvider) Rotate(ctx context.Context, level SecurityLevel, policy KeyRotationPolicy) (KeyMetadata, error) {
	generated, err := p.Generate(ctx, level)
	if err != nil {
		return KeyMetadata{}, err
	}
	activated, err := p.Activate(ctx, generated.KeyID, policy)
	if err != nil {
		return KeyMetadata{}, err
	}
	p.appendEvidence(EventKeyRotated, activated.KeyID, map[string]string{"policy": string(policy)})
	return activated, nil
}
