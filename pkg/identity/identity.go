package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/transport"
)

// Key encoding errors.
var (
	ErrInvalidPEM = errors.New("invalid PEM data")
	ErrInvalidKey = errors.New("invalid identity key")
	ErrCorrupt    = errors.New("identity file is corrupt")
)

const keyBlockType = "PRIVATE KEY"

// Local is this device's long-lived identity.
type Local struct {
	ID        uuid.UUID
	Key       ed25519.PrivateKey
	CreatedAt time.Time
}

// Generate creates a fresh identity with a random UUID and key.
func Generate() (*Local, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	return &Local{ID: id, Key: key, CreatedAt: time.Now().UTC()}, nil
}

// PublicKey returns the public half of the identity key.
func (l *Local) PublicKey() ed25519.PublicKey {
	return l.Key.Public().(ed25519.PublicKey)
}

// Identity returns the identity as peers see it.
func (l *Local) Identity() device.Identity {
	return device.NewIdentity(l.ID, l.PublicKey())
}

// Credentials issues the TLS credentials for transport channels.
func (l *Local) Credentials() (*transport.Credentials, error) {
	return transport.NewCredentials(l.ID, l.Key)
}

// EncodeKeyPEM encodes an ed25519 private key as PKCS#8 PEM.
func EncodeKeyPEM(key ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: keyBlockType, Bytes: der}), nil
}

// DecodeKeyPEM decodes a PKCS#8 PEM ed25519 private key.
func DecodeKeyPEM(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != keyBlockType {
		return nil, ErrInvalidPEM
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not ed25519", ErrInvalidKey)
	}
	return key, nil
}
