package pairing

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// VerificationCodeDigits is the length of a verification code.
const VerificationCodeDigits = 6

const verificationInfo = "D2D-PAIRING-VERIFY"

// ErrInvalidKey is returned when a key is empty.
var ErrInvalidKey = errors.New("invalid public key")

// VerificationCode derives the code both users compare before a bond is
// confirmed. Swapping localKey and remoteKey yields the same code.
func VerificationCode(localKey, remoteKey, nonce []byte) (string, error) {
	if len(localKey) == 0 || len(remoteKey) == 0 {
		return "", ErrInvalidKey
	}

	// Order the keys so both sides feed HKDF the same input.
	first, second := localKey, remoteKey
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}
	ikm := make([]byte, 0, len(first)+len(second))
	ikm = append(ikm, first...)
	ikm = append(ikm, second...)

	r := hkdf.New(sha256.New, ikm, nonce, []byte(verificationInfo))
	var out [4]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return "", fmt.Errorf("derive verification code: %w", err)
	}
	return fmt.Sprintf("%0*d", VerificationCodeDigits, binary.BigEndian.Uint32(out[:])%1_000_000), nil
}
