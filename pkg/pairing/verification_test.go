package pairing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerificationCode(t *testing.T) {
	a := []byte("public-key-a")
	b := []byte("public-key-b")
	nonce := []byte{1, 2, 3, 4}

	t.Run("Symmetric", func(t *testing.T) {
		ab, err := VerificationCode(a, b, nonce)
		require.NoError(t, err)
		ba, err := VerificationCode(b, a, nonce)
		require.NoError(t, err)
		assert.Equal(t, ab, ba)
		assert.Len(t, ab, VerificationCodeDigits)
	})

	t.Run("NonceChangesCode", func(t *testing.T) {
		c1, _ := VerificationCode(a, b, []byte{1})
		c2, _ := VerificationCode(a, b, []byte{2})
		assert.NotEqual(t, c1, c2)
	})

	t.Run("Deterministic", func(t *testing.T) {
		c1, _ := VerificationCode(a, b, nonce)
		c2, _ := VerificationCode(a, b, nonce)
		assert.Equal(t, c1, c2)
	})

	t.Run("EmptyKey", func(t *testing.T) {
		_, err := VerificationCode(nil, b, nonce)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})
}
