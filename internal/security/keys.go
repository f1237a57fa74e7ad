// Package security derives per-tenant keys from the platform master
// secret and mints the bearer tokens and node secrets the platform hands
// out.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyRing derives purpose-bound keys from PLATFORM_SECRET. Derivation is
// deterministic, so every platform instance computes the same keys
// without coordination.
type KeyRing struct {
	master []byte
}

// NewKeyRing wraps the platform master secret. The secret's length is
// validated at config load; this constructor trusts it.
func NewKeyRing(platformSecret string) *KeyRing {
	return &KeyRing{master: []byte(platformSecret)}
}

// TenantKey derives a 32-byte key bound to one tenant and purpose
// (for example "webhook-signing" or "session-cookie").
func (k *KeyRing) TenantKey(tenantID, purpose string) ([]byte, error) {
	info := fmt.Sprintf("wopr/%s/%s", purpose, tenantID)
	r := hkdf.New(sha256.New, k.master, nil, []byte(info))

	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive tenant key: %w", err)
	}
	return key, nil
}

// TenantKeyHex is TenantKey hex-encoded for transports that want strings.
func (k *KeyRing) TenantKeyHex(tenantID, purpose string) (string, error) {
	key, err := k.TenantKey(tenantID, purpose)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// NewToken mints a bearer token carrying its scope inline:
// wopr_<scope>_<random>.
func NewToken(scope string) (string, error) {
	random, err := randomHex(24)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("wopr_%s_%s", scope, random), nil
}

// NewNodeSecret mints a per-node stream bearer secret.
func NewNodeSecret() (string, error) {
	return randomHex(32)
}

func randomHex(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
