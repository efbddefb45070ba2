package model

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"
)

// KeyStatus is the lifecycle state of a signing key.
type KeyStatus string

const (
	// KeyStatusActive signs new tokens. At most one key is Active.
	KeyStatusActive KeyStatus = "active"
	// KeyStatusRetiringGrace verifies tokens it signed before rotation, never signs.
	KeyStatusRetiringGrace KeyStatus = "retiring_grace"
	// KeyStatusRetired is rejected outright.
	KeyStatusRetired KeyStatus = "retired"
)

// SigningKey is an RS256 key pair with its validity window.
type SigningKey struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	NotBefore  time.Time
	// NotAfter is nil while the key is Active; set to the end of the grace
	// period on demotion.
	NotAfter  *time.Time
	Status    KeyStatus
	CreatedAt time.Time
	RetiredAt *time.Time
}

// Verifies reports whether the key accepts a token issued at iat, evaluated at now.
func (k *SigningKey) Verifies(iat, now time.Time) bool {
	switch k.Status {
	case KeyStatusActive, KeyStatusRetiringGrace:
	default:
		return false
	}

	if iat.Before(k.NotBefore) {
		return false
	}

	if k.NotAfter != nil && (!iat.Before(*k.NotAfter) || !now.Before(*k.NotAfter)) {
		return false
	}

	return true
}

// EncodePrivateKeyPEM encodes key as a PKCS#8 PEM block.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicKeyPEM encodes key as a PKIX PEM block.
func EncodePublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
