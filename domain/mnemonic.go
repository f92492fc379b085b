package domain

import (
	"fmt"
	"strings"

	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
	bip39 "github.com/tyler-smith/go-bip39"
)

// MnemonicCodec generates, validates and stretches BIP-39 phrases.
type MnemonicCodec struct{}

// Generate returns a 12 word (128 bit) or 24 word (256 bit) phrase.
func (MnemonicCodec) Generate(strengthBits int) (string, error) {
	if strengthBits != 128 && strengthBits != 256 {
		return "", &wrapErrors.InvalidEntropyError{Bits: strengthBits}
	}
	entropy, err := bip39.NewEntropy(strengthBits)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	defer clear(entropy)

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// Validate checks wordlist membership and the checksum.
func (MnemonicCodec) Validate(mnemonic string) bool {
	return bip39.IsMnemonicValid(normalizeMnemonic(mnemonic))
}

// ToSeed returns the 64 byte BIP-39 seed. The caller owns the slice and
// should clear it after use.
func (c MnemonicCodec) ToSeed(mnemonic, passphrase string) ([]byte, error) {
	m := normalizeMnemonic(mnemonic)
	if !bip39.IsMnemonicValid(m) {
		return nil, &wrapErrors.InvalidMnemonicError{Words: len(strings.Fields(m))}
	}
	seed, err := bip39.NewSeedWithErrorChecking(m, passphrase)
	if err != nil {
		return nil, &wrapErrors.InvalidMnemonicError{Words: len(strings.Fields(m))}
	}
	return seed, nil
}

func normalizeMnemonic(m string) string {
	return strings.ToLower(strings.Join(strings.Fields(m), " "))
}
