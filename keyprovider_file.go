package sfup

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	// pure-Go sqlite driver, registered for the metadata sidecar.
	_ "modernc.org/sqlite"
)

const atRestNonceSize = 12

// atRestEncryptor wraps AES-256-GCM for key-material-at-rest, keyed by
// a CSPRNG substream derived from the operator's master secret rather
// than a password (spec has no interactive operator, so PBKDF2 from a
// typed password, as chronicle's Encryptor supports, doesn't apply
// here; the key is derived the same way every other SFUP subsystem
// derives key material).
type atRestEncryptor struct {
	gcm cipher.AEAD
}

func newAtRestEncryptor(csprng *CSPRNG) (*atRestEncryptor, error) {
	sub := csprng.Substream("keyprovider-at-rest")
	key := make([]byte, 32)
	if _, err := io.ReadFull(sub, key); err != nil {
		return nil, fmt.Errorf("keyprovider: derive at-rest key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &atRestEncryptor{gcm: gcm}, nil
}

func (e *atRestEncryptor) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, atRestNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *atRestEncryptor) open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < atRestNonceSize {
		return nil, errors.New("keyprovider: sealed secret too short")
	}
	nonce, box := ciphertext[:atRestNonceSize], ciphertext[atRestNonceSize:]
	return e.gcm.Open(nil, nonce, box, nil)
}

// FileKeyProvider persists N2HE key material AES-GCM-encrypted in a
// sqlite sidecar database, following the schema/prepared-statement
// style of chronicle's SQLiteBackend.
type FileKeyProvider struct {
	mu       sync.Mutex
	db       *sql.DB
	enc      *atRestEncryptor
	csprng   *CSPRNG
	nowFunc  func() int64
	evidence *EvidenceLog
}

// FileKeyProviderOption configures optional FileKeyProvider behavior.
type FileKeyProviderOption func(*FileKeyProvider)

// WithFileKeyProviderEvidence wires an Evidence Log so every lifecycle
// transition (Generate/Activate/Revoke/Rotate) emits an evidence event
// (spec §4.8: "Every state transition emits an evidence event").
func WithFileKeyProviderEvidence(log *EvidenceLog) FileKeyProviderOption {
	return func(p *FileKeyProvider) { p.evidence = log }
}

// NewFileKeyProvider opens (creating if absent) a sqlite database at
// path and derives its at-rest encryption key from csprng.
func NewFileKeyProvider(path string, csprng *CSPRNG, nowFunc func() int64, opts ...FileKeyProviderOption) (*FileKeyProvider, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("keyprovider: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS keys (
			key_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			security_level INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL,
			activated_at_ms INTEGER NOT NULL DEFAULT 0,
			retired_at_ms INTEGER NOT NULL DEFAULT 0,
			revoked_at_ms INTEGER NOT NULL DEFAULT 0,
			sealed_secret BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_keys_status ON keys(status);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("keyprovider: init schema: %w", err)
	}

	enc, err := newAtRestEncryptor(csprng)
	if err != nil {
		db.Close()
		return nil, err
	}

	p := &FileKeyProvider{db: db, enc: enc, csprng: csprng, nowFunc: nowFunc}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// appendEvidence records a key lifecycle transition. A nil wired
// EvidenceLog makes this a no-op, matching the optional-Evidence
// pattern used throughout the pipeline and Aggregator.
func (p *FileKeyProvider) appendEvidence(eventType EvidenceEventType, keyID string, details map[string]string) {
	if p.evidence == nil {
		return
	}
	_, _ = p.evidence.Append(eventType, "keyprovider", keyID, details)
}

func (p *FileKeyProvider) Close() error {
	return p.db.Close()
}

func encodeSecret(secret []int8) []byte {
	out := make([]byte, len(secret))
	for i, v := range secret {
		out[i] = byte(v)
	}
	return out
}

func decodeSecret(buf []byte) []int8 {
	out := make([]int8, len(buf))
	for i, b := range buf {
		out[i] = int8(b)
	}
	return out
}

func scanKeyRow(row *sql.Row) (KeyMetadata, []byte, error) {
	var m KeyMetadata
	var sealed []byte
	var level int
	err := row.Scan(&m.KeyID, &m.Status, &level, &m.CreatedAtMS, &m.ActivatedAtMS, &m.RetiredAtMS, &m.RevokedAtMS, &sealed)
	m.SecurityLevel = SecurityLevel(level)
	return m, sealed, err
}

func (p *FileKeyProvider) ActiveKey(ctx context.Context) (KeyMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	row := p.db.QueryRowContext(ctx, `
		SELECT key_id, status, security_level, created_at_ms, activated_at_ms, retired_at_ms, revoked_at_ms, sealed_secret
		FROM keys WHERE status = ? ORDER BY activated_at_ms DESC LIMIT 1`, KeyStatusActive)
	m, _, err := scanKeyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return KeyMetadata{}, ErrKeyNotFound
	}
	if err != nil {
		return KeyMetadata{}, fmt.Errorf("keyprovider: query active key: %w", err)
	}
	return m, nil
}

func (p *FileKeyProvider) Status(ctx context.Context, keyID string) (KeyMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	row := p.db.QueryRowContext(ctx, `
		SELECT key_id, status, security_level, created_at_ms, activated_at_ms, retired_at_ms, revoked_at_ms, sealed_secret
		FROM keys WHERE key_id = ?`, keyID)
	m, _, err := scanKeyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return KeyMetadata{}, ErrKeyNotFound
	}
	if err != nil {
		return KeyMetadata{}, fmt.Errorf("keyprovider: query key status: %w", err)
	}
	return m, nil
}

func (p *FileKeyProvider) Material(ctx context.Context, keyID string) (KeyMaterial, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	row := p.db.QueryRowContext(ctx, `
		SELECT key_id, status, security_level, created_at_ms, activated_at_ms, retired_at_ms, revoked_at_ms, sealed_secret
		FROM keys WHERE key_id = ?`, keyID)
	m, sealed, err := scanKeyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return KeyMaterial{}, ErrKeyNotFound
	}
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("keyprovider: query key material: %w", err)
	}

	plaintext, err := p.enc.open(sealed)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("keyprovider: decrypt sealed secret: %w", err)
	}

	params, err := ParamsFor(m.SecurityLevel)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("keyprovider: params for security level: %w", err)
	}
	return KeyMaterial{KeyID: keyID, Secret: decodeSecret(plaintext), Params: params}, nil
}

// Generate creates a fresh N2HE secret key and registers it PENDING,
// without touching whatever key is currently ACTIVE (spec §4.8
// generate). The caller must Activate it before the pipeline or
// Aggregator will accept it.
func (p *FileKeyProvider) Generate(ctx context.Context, level SecurityLevel) (KeyMetadata, error) {
	p.mu.Lock()
	now := p.nowFunc()
	newID := uuid.NewString()
	params, err := ParamsFor(level)
	if err != nil {
		p.mu.Unlock()
		return KeyMetadata{}, fmt.Errorf("keyprovider: params for security level: %w", err)
	}

	secretStream := p.csprng.Substream("n2he-secret-key", newID)
	secret := params.GenerateSecretKey(secretStream)
	sealed, err := p.enc.seal(encodeSecret(secret))
	if err != nil {
		p.mu.Unlock()
		return KeyMetadata{}, fmt.Errorf("keyprovider: seal new secret: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO keys (key_id, status, security_level, created_at_ms, activated_at_ms, retired_at_ms, revoked_at_ms, sealed_secret)
		VALUES (?, ?, ?, ?, 0, 0, 0, ?)`,
		newID, KeyStatusPending, int(level), now, sealed); err != nil {
		p.mu.Unlock()
		return KeyMetadata{}, fmt.Errorf("keyprovider: insert new key: %w", err)
	}
	p.mu.Unlock()

	p.appendEvidence(EventKeyGenerated, newID, map[string]string{"security_level": fmt.Sprintf("%d", level)})
	return KeyMetadata{KeyID: newID, Status: KeyStatusPending, SecurityLevel: level, CreatedAtMS: now}, nil
}

// Activate promotes keyID to ACTIVE, demoting whatever key was
// previously ACTIVE per policy (DRAINING under RotationDrain, RETIRED
// immediately under RotationAbort; spec §4.8 activate).
func (p *FileKeyProvider) Activate(ctx context.Context, keyID string, policy KeyRotationPolicy) (KeyMetadata, error) {
	p.mu.Lock()

	now := p.nowFunc()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		p.mu.Unlock()
		return KeyMetadata{}, fmt.Errorf("keyprovider: begin activate tx: %w", err)
	}
	defer tx.Rollback()

	retiredStatus := KeyStatusDraining
	if policy == RotationAbort {
		retiredStatus = KeyStatusRetired
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE keys SET status = ?, retired_at_ms = ? WHERE status = ? AND key_id != ?`,
		retiredStatus, now, KeyStatusActive, keyID); err != nil {
		p.mu.Unlock()
		return KeyMetadata{}, fmt.Errorf("keyprovider: demote previous active key: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE keys SET status = ?, activated_at_ms = ? WHERE key_id = ?`,
		KeyStatusActive, now, keyID)
	if err != nil {
		p.mu.Unlock()
		return KeyMetadata{}, fmt.Errorf("keyprovider: activate key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		p.mu.Unlock()
		return KeyMetadata{}, ErrKeyNotFound
	}

	if err := tx.Commit(); err != nil {
		p.mu.Unlock()
		return KeyMetadata{}, fmt.Errorf("keyprovider: commit activate tx: %w", err)
	}
	p.mu.Unlock()

	meta, err := p.Status(ctx, keyID)
	if err != nil {
		return KeyMetadata{}, err
	}
	p.appendEvidence(EventKeyActivated, keyID, map[string]string{"policy": string(policy)})
	return meta, nil
}

// Revoke terminates keyID regardless of its current status (spec
// §4.8 revoke) - for a suspected-compromised key, distinct from the
// natural DRAINING->RETIRED expiry path.
func (p *FileKeyProvider) Revoke(ctx context.Context, keyID string) error {
	p.mu.Lock()
	now := p.nowFunc()
	res, err := p.db.ExecContext(ctx, `
		UPDATE keys SET status = ?, revoked_at_ms = ? WHERE key_id = ?`,
		KeyStatusRevoked, now, keyID)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("keyprovider: revoke key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrKeyNotFound
	}

	p.appendEvidence(EventKeyRevoked, keyID, nil)
	return nil
}

// Rotate generates a fresh N2HE secret key and activates it, applying
// policy to the previously ACTIVE key (spec §4.8 rotate, composed from
// Generate and Activate; §9 resolved in favor of Drain as the default
// policy, spec open question).
func (p *FileKeyProvider) Rotate(ctx context.Context, level SecurityLevel, policy KeyRotationPolicy) (KeyMetadata, error) {
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
