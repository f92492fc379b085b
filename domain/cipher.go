package domain

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// CipherKeySize is the AES-256 key length.
	CipherKeySize = 32

	// KDF algorithm label used in salt metadata.
	kdfLabel      = "pbkdf2"
	kdfIterations = 310_000
	kdfSaltSize   = 16
)

// CipherConfig carries the process-wide encryption key. It is built once at
// startup (see config.LoadCipherKey). Rotating the key makes every stored
// secret unreadable.
type CipherConfig struct {
	Key []byte
}

// SecretCipher seals mnemonics, seeds and leaf keys with AES-256-GCM. Output
// layout is nonce|ciphertext. It is safe for concurrent use.
type SecretCipher struct {
	aead cipher.AEAD
}

// NewSecretCipher builds a cipher from an explicit key. The key bytes in cfg
// are not retained.
func NewSecretCipher(cfg CipherConfig) (*SecretCipher, error) {
	if len(cfg.Key) != CipherKeySize {
		return nil, fmt.Errorf("cipher key must be %d bytes, got %d", CipherKeySize, len(cfg.Key))
	}
	block, err := aes.NewCipher(cfg.Key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SecretCipher{aead: gcm}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *SecretCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt expects nonce|ciphertext. Any failure is a DecryptionError and
// never carries the underlying crypto error.
func (c *SecretCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize+c.aead.Overhead() {
		return nil, &wrapErrors.DecryptionError{Reason: "ciphertext too short"}
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plain, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, &wrapErrors.DecryptionError{Reason: "authentication failed"}
	}
	return plain, nil
}

// NewPassphraseCipher derives the key from a passphrase with PBKDF2-SHA256.
// An empty saltMeta draws a fresh salt. The returned metadata must be kept
// next to the ciphertext, format "pbkdf2$<iterations>$<hex-salt>".
func NewPassphraseCipher(passphrase, saltMeta string) (*SecretCipher, string, error) {
	var (
		salt       []byte
		iterations = kdfIterations
		err        error
	)
	if saltMeta == "" {
		salt = make([]byte, kdfSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, "", fmt.Errorf("failed to generate salt: %w", err)
		}
	} else {
		salt, iterations, err = decodeSaltMeta(saltMeta)
		if err != nil {
			return nil, "", fmt.Errorf("invalid salt metadata: %w", err)
		}
	}

	key := deriveKey(passphrase, salt, iterations)
	defer clear(key)

	c, err := NewSecretCipher(CipherConfig{Key: key})
	if err != nil {
		return nil, "", err
	}
	return c, encodeSaltMeta(salt, iterations), nil
}

// deriveKey derives a 32-byte AES key from passphrase+salt using PBKDF2-SHA256.
func deriveKey(passphrase string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, iterations, CipherKeySize, sha256.New)
}

// encodeSaltMeta packs algorithm, iterations and salt into a single string.
func encodeSaltMeta(salt []byte, iterations int) string {
	return fmt.Sprintf("%s$%d$%s", kdfLabel, iterations, hex.EncodeToString(salt))
}

// decodeSaltMeta parses "<kdfLabel>$<iterations>$<hex-salt>".
func decodeSaltMeta(meta string) ([]byte, int, error) {
	parts := strings.Split(meta, "$")
	if len(parts) != 3 {
		return nil, 0, errors.New("invalid salt metadata format")
	}
	if parts[0] != kdfLabel {
		return nil, 0, errors.New("unsupported kdf")
	}
	iter, err := strconv.Atoi(parts[1])
	if err != nil || iter <= 0 {
		return nil, 0, errors.New("invalid kdf iterations")
	}
	salt, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, 0, errors.New("invalid salt hex")
	}
	return salt, iter, nil
}
