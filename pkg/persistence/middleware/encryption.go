package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/ports"
)

// EnvelopeKey is the only key of an encrypted state as it is stored.
const EnvelopeKey = "__encrypted__"

// ErrMissingEnvelope is returned when a stored state is not encrypted.
var ErrMissingEnvelope = errors.New("state is missing encrypted data envelope")

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new data.
	// Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys are tried in order when the active key cannot decrypt.
	// This enables zero-downtime key rotation.
	FallbackKeys [][]byte
}

// Validate checks key sizes.
func (c EncryptionConfig) Validate() error {
	if len(c.ActiveKey) != 32 {
		return fmt.Errorf("active key must be 32 bytes (AES-256), got %d", len(c.ActiveKey))
	}
	for i, k := range c.FallbackKeys {
		if len(k) != 32 {
			return fmt.Errorf("fallback key %d must be 32 bytes, got %d", i, len(k))
		}
	}
	return nil
}

type encryptionMiddleware struct {
	next   ports.RunStore
	config EncryptionConfig
}

// NewEncryptionMiddleware creates a middleware that encrypts the state and
// every history snapshot of a run using AES-GCM. Status, graph and error
// stay readable for monitoring.
func NewEncryptionMiddleware(config EncryptionConfig) (Middleware, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return func(next ports.RunStore) ports.RunStore {
		return &encryptionMiddleware{next: next, config: config}
	}, nil
}

func (m *encryptionMiddleware) Create(ctx context.Context, run *domain.Run) error {
	sealed := run.Clone()
	var err error
	if sealed.State, err = m.seal(run.State); err != nil {
		return err
	}
	if sealed.History, err = m.sealHistory(run.History); err != nil {
		return err
	}
	return m.next.Create(ctx, sealed)
}

func (m *encryptionMiddleware) Save(ctx context.Context, runID string, patch domain.RunPatch) error {
	var err error
	if patch.State != nil {
		if patch.State, err = m.seal(patch.State); err != nil {
			return err
		}
	}
	if patch.History != nil {
		if patch.History, err = m.sealHistory(patch.History); err != nil {
			return err
		}
	}
	return m.next.Save(ctx, runID, patch)
}

func (m *encryptionMiddleware) Load(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := m.next.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State, err = m.open(run.State); err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	for i := range run.History {
		if run.History[i].State, err = m.open(run.History[i].State); err != nil {
			return nil, fmt.Errorf("run %s step %d: %w", runID, run.History[i].Step, err)
		}
	}
	return run, nil
}

func (m *encryptionMiddleware) List(ctx context.Context) ([]string, error) {
	return m.next.List(ctx)
}

func (m *encryptionMiddleware) Delete(ctx context.Context, runID string) error {
	return m.next.Delete(ctx, runID)
}

func (m *encryptionMiddleware) sealHistory(h []domain.StepRecord) ([]domain.StepRecord, error) {
	out := make([]domain.StepRecord, len(h))
	for i, rec := range h {
		sealed, err := m.seal(rec.State)
		if err != nil {
			return nil, err
		}
		out[i] = domain.StepRecord{Step: rec.Step, Node: rec.Node, State: sealed}
	}
	return out, nil
}

func (m *encryptionMiddleware) seal(s domain.State) (domain.State, error) {
	plainText, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	ciphertext, err := encrypt(plainText, m.config.ActiveKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt state: %w", err)
	}
	return domain.State{EnvelopeKey: base64.StdEncoding.EncodeToString(ciphertext)}, nil
}

func (m *encryptionMiddleware) open(s domain.State) (domain.State, error) {
	// Placeholders written by a bare Save upsert carry no data.
	if len(s) == 0 {
		return domain.State{}, nil
	}
	encoded, ok := s[EnvelopeKey].(string)
	if !ok {
		return nil, ErrMissingEnvelope
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext base64: %w", err)
	}
	plainText, err := decryptWithRotation(ciphertext, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state: %w", err)
	}

	var state domain.State
	if err := json.Unmarshal(plainText, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decrypted state: %w", err)
	}
	if state == nil {
		state = domain.State{}
	}
	return state, nil
}

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}
	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}
	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
