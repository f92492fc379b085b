package domain

import (
	"bytes"
	"crypto/rand"
	"testing"

	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testCipherKey(t testing.TB) []byte {
	key := make([]byte, CipherKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func newTestCipher(t testing.TB) *SecretCipher {
	c, err := NewSecretCipher(CipherConfig{Key: testCipherKey(t)})
	require.NoError(t, err)
	return c
}

func TestSecretCipherKeySize(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, 16, 24, 31, 33} {
		_, err := NewSecretCipher(CipherConfig{Key: make([]byte, size)})
		require.Error(t, err, "size=%d", size)
	}
}

// TestSecretCipherRoundTrip checks decrypt(encrypt(x)) == x and that two
// encryptions of the same plaintext never repeat.
func TestSecretCipherRoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestCipher(t)
	rapid.Check(t, func(t *rapid.T) {
		plain := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, "plaintext")

		ct1, err := c.Encrypt(plain)
		require.NoError(t, err)
		ct2, err := c.Encrypt(plain)
		require.NoError(t, err)
		require.NotEqual(t, ct1, ct2)

		got, err := c.Decrypt(ct1)
		require.NoError(t, err)
		require.True(t, bytes.Equal(plain, got))
	})
}

func TestSecretCipherTamper(t *testing.T) {
	t.Parallel()

	c := newTestCipher(t)
	ct, err := c.Encrypt([]byte("seed material"))
	require.NoError(t, err)

	flip := func(i int) []byte {
		out := append([]byte(nil), ct...)
		out[i] ^= 0x01
		return out
	}

	tests := []struct {
		name   string
		cipher *SecretCipher
		input  []byte
	}{
		{name: "nonce bit flipped", cipher: c, input: flip(0)},
		{name: "body bit flipped", cipher: c, input: flip(14)},
		{name: "tag bit flipped", cipher: c, input: flip(len(ct) - 1)},
		{name: "truncated", cipher: c, input: ct[:len(ct)-1]},
		{name: "shorter than nonce", cipher: c, input: ct[:5]},
		{name: "empty", cipher: c, input: nil},
		{name: "wrong key", cipher: newTestCipher(t), input: ct},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.cipher.Decrypt(tc.input)
			require.Error(t, err)
			require.True(t, wrapErrors.IsDecryption(err))
			require.NotContains(t, err.Error(), "seed material")
		})
	}
}

func TestPassphraseCipher(t *testing.T) {
	t.Parallel()

	c, meta, err := NewPassphraseCipher("correct horse", "")
	require.NoError(t, err)
	require.Regexp(t, `^pbkdf2\$310000\$[0-9a-f]{32}$`, meta)

	ct, err := c.Encrypt([]byte(abandonMnemonic))
	require.NoError(t, err)

	same, meta2, err := NewPassphraseCipher("correct horse", meta)
	require.NoError(t, err)
	require.Equal(t, meta, meta2)
	plain, err := same.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, abandonMnemonic, string(plain))

	wrong, _, err := NewPassphraseCipher("wrong horse", meta)
	require.NoError(t, err)
	_, err = wrong.Decrypt(ct)
	require.True(t, wrapErrors.IsDecryption(err))

	for _, bad := range []string{"scrypt$1$00", "pbkdf2$x$00", "pbkdf2$10$zz", "pbkdf2$10"} {
		_, _, err := NewPassphraseCipher("p", bad)
		require.Error(t, err, bad)
	}
}
