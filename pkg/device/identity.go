package device

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// FingerprintLength is the length of a key fingerprint (16 hex chars = 64 bits).
const FingerprintLength = 16

// Identity is the immutable identity of a device.
type Identity struct {
	// UUID is the primary identity. Two sightings refer to the same device
	// iff their UUIDs match.
	UUID uuid.UUID

	// PublicKey is the raw public key of the device. It never changes for the
	// lifetime of the device.
	PublicKey []byte
}

// NewIdentity creates an identity, copying the key bytes.
func NewIdentity(id uuid.UUID, publicKey []byte) Identity {
	return Identity{
		UUID:      id,
		PublicKey: bytes.Clone(publicKey),
	}
}

// Validate checks that the identity is usable as a store key.
func (i Identity) Validate() error {
	if i.UUID == uuid.Nil {
		return fmt.Errorf("%w: nil uuid", ErrInvalidIdentity)
	}
	if len(i.PublicKey) == 0 {
		return fmt.Errorf("%w: empty public key", ErrInvalidIdentity)
	}
	return nil
}

// SameKey reports whether other carries the same public key.
func (i Identity) SameKey(other Identity) bool {
	return bytes.Equal(i.PublicKey, other.PublicKey)
}

// Fingerprint returns the first 64 bits of SHA-256(public key) as hex.
func (i Identity) Fingerprint() string {
	hash := sha256.Sum256(i.PublicKey)
	return hex.EncodeToString(hash[:FingerprintLength/2])
}

// String returns the UUID followed by the key fingerprint.
func (i Identity) String() string {
	return fmt.Sprintf("%s/%s", i.UUID, i.Fingerprint())
}

func (i Identity) clone() Identity {
	return NewIdentity(i.UUID, i.PublicKey)
}
