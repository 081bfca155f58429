package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// SecretsManager handles encryption and decryption of tenant secrets the
// control plane persists at rest. Provisioner step 7, "injectCredentials",
// writes credentials into the config document directly and does not
// encrypt them through it.
type SecretsManager struct {
	encryptionKey []byte // 32 bytes for AES-256
}

// NewSecretsManager creates a new secrets manager with the given encryption key.
// The key should be 32 bytes for AES-256-GCM.
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	return &SecretsManager{
		encryptionKey: key,
	}, nil
}

// NewSecretsManagerFromPassword creates a secrets manager using a password.
// The password is hashed with SHA-256 to derive the encryption key.
func NewSecretsManagerFromPassword(password string) (*SecretsManager, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}

	hash := sha256.Sum256([]byte(password))
	return NewSecretsManager(hash[:])
}

// EncryptSecret encrypts plaintext data using AES-256-GCM.
// Returns encrypted data with nonce prepended.
func (sm *SecretsManager) EncryptSecret(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// DecryptSecret decrypts data encrypted with EncryptSecret.
// Expects nonce to be prepended to ciphertext.
func (sm *SecretsManager) DecryptSecret(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// EncryptedSecret is a named blob of ciphertext staged for injection onto a
// worker's filesystem.
type EncryptedSecret struct {
	ID   string
	Name string
	Data []byte // AES-256-GCM ciphertext, nonce prepended
}

// CreateSecret encrypts plaintext under name for later injection.
func (sm *SecretsManager) CreateSecret(name string, plaintext []byte) (*EncryptedSecret, error) {
	if name == "" {
		return nil, fmt.Errorf("secret name cannot be empty")
	}

	encrypted, err := sm.EncryptSecret(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret: %w", err)
	}

	return &EncryptedSecret{
		ID:   generateSecretID(name),
		Name: name,
		Data: encrypted,
	}, nil
}

// PlaintextOf decrypts and returns the plaintext data from a secret.
func (sm *SecretsManager) PlaintextOf(secret *EncryptedSecret) ([]byte, error) {
	if secret == nil {
		return nil, fmt.Errorf("secret cannot be nil")
	}

	return sm.DecryptSecret(secret.Data)
}

// generateSecretID generates a unique ID for a secret based on its name.
func generateSecretID(name string) string {
	hash := sha256.Sum256([]byte(name))
	return base64.URLEncoding.EncodeToString(hash[:16])
}

// DeriveKeyFromTenantID derives an encryption key deterministically from a
// tenant ID, so a tenant's secrets manager can be reconstructed without a
// separate key store.
func DeriveKeyFromTenantID(tenantID string) []byte {
	hash := sha256.Sum256([]byte(tenantID))
	return hash[:]
}
