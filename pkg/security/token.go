package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const gatewayTokenBytes = 32

// NewGatewayToken generates a fresh random token for the config-merge /
// key-injection ("reapply gateway") protocol: 32 random bytes hex-encoded
// to a 64-character string, matching the config document's
// gateway.auth.token shape. The raw token is handed to the instance over
// the worker transport and persisted only as ciphertext
// (EncryptGatewayToken) in the Instance row, so it survives sleep/wake/
// restart without ever touching storage in plaintext.
func NewGatewayToken() (string, error) {
	buf := make([]byte, gatewayTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate gateway token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashToken returns a stable digest of a gateway token suitable for
// storage and later comparison, without retaining the token itself.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// EncryptGatewayToken encrypts token at rest under a key derived from
// tenantID (DeriveKeyFromTenantID), so the control plane can persist and
// later recover the live token — wake and restart reuse it rather than
// rotating it, per the reapply protocol's "same token until an operator
// re-provisions" rule — without a separate key store.
func EncryptGatewayToken(tenantID, token string) ([]byte, error) {
	sm, err := NewSecretsManager(DeriveKeyFromTenantID(tenantID))
	if err != nil {
		return nil, err
	}
	return sm.EncryptSecret([]byte(token))
}

// DecryptGatewayToken reverses EncryptGatewayToken.
func DecryptGatewayToken(tenantID string, ciphertext []byte) (string, error) {
	sm, err := NewSecretsManager(DeriveKeyFromTenantID(tenantID))
	if err != nil {
		return "", err
	}
	plaintext, err := sm.DecryptSecret(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// ContainerSecret derives a per-tenant HMAC secret for signing
// instance-to-gateway callbacks, from a cluster-wide key and the tenant ID.
// Deterministic so it can be rederived without a lookup during recovery.
func ContainerSecret(clusterKey []byte, tenantID string) string {
	mac := hmac.New(sha256.New, clusterKey)
	mac.Write([]byte(tenantID))
	return hex.EncodeToString(mac.Sum(nil))
}
