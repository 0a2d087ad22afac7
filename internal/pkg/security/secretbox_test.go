package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestSealOpen(t *testing.T) {
	box, err := NewBoxFromHex(testKey)
	require.NoError(t, err)

	sealed, err := box.Seal("sk_test_123")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "sk_test_123")

	again, err := box.Seal("sk_test_123")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per seal")

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk_test_123", plain)
}

func TestOpenRejectsTamperedInput(t *testing.T) {
	box, err := NewBoxFromHex(testKey)
	require.NoError(t, err)
	other, err := NewBoxFromHex(strings.Repeat("ff", 32))
	require.NoError(t, err)

	sealed, err := box.Seal("secret")
	require.NoError(t, err)

	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, ErrDecrypt)
	_, err = box.Open("not-base64!")
	assert.ErrorIs(t, err, ErrDecrypt)
	_, err = box.Open("AAAA")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestNewBoxFromHexValidates(t *testing.T) {
	_, err := NewBoxFromHex("zz")
	assert.Error(t, err)
	_, err = NewBoxFromHex("abcd")
	assert.Error(t, err)
}
