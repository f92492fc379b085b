package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
)

const (
	backupVersion = 1

	// minBackupPassphrase is the shortest accepted backup passphrase.
	minBackupPassphrase = 8
)

// MnemonicBackup is a user's mnemonic sealed under a backup passphrase,
// for storage outside the service. The BIP-39 passphrase, if one was used,
// is not part of it.
type MnemonicBackup struct {
	Version    int       `json:"version"`
	UserID     string    `json:"user_id"`
	KDF        string    `json:"kdf"`
	Ciphertext string    `json:"ciphertext"`
	CreatedAt  time.Time `json:"created_at"`
}

// SealMnemonicBackup encrypts mnemonic with a key derived from passphrase.
func SealMnemonicBackup(userID, mnemonic, passphrase string, now time.Time) (*MnemonicBackup, error) {
	if len(passphrase) < minBackupPassphrase {
		return nil, &wrapErrors.ValidationError{
			Field:  "passphrase",
			Reason: fmt.Sprintf("backup passphrase needs at least %d characters", minBackupPassphrase),
		}
	}
	c, meta, err := NewPassphraseCipher(passphrase, "")
	if err != nil {
		return nil, err
	}
	ct, err := c.Encrypt([]byte(mnemonic))
	if err != nil {
		return nil, err
	}
	return &MnemonicBackup{
		Version:    backupVersion,
		UserID:     userID,
		KDF:        meta,
		Ciphertext: hex.EncodeToString(ct),
		CreatedAt:  now.UTC(),
	}, nil
}

// Open decrypts the backup. A wrong passphrase is a DecryptionError.
func (b *MnemonicBackup) Open(passphrase string) (string, error) {
	if b.Version != backupVersion {
		return "", &wrapErrors.ValidationError{
			Field: "version", Reason: fmt.Sprintf("unsupported backup version %d", b.Version),
		}
	}
	ct, err := hex.DecodeString(b.Ciphertext)
	if err != nil {
		return "", &wrapErrors.DecryptionError{Reason: "ciphertext is not hex"}
	}
	c, _, err := NewPassphraseCipher(passphrase, b.KDF)
	if err != nil {
		return "", &wrapErrors.ValidationError{Field: "kdf", Reason: err.Error()}
	}
	plain, err := c.Decrypt(ct)
	if err != nil {
		return "", err
	}
	defer clear(plain)

	mnemonic := strings.TrimSpace(string(plain))
	if !(MnemonicCodec{}).Validate(mnemonic) {
		return "", &wrapErrors.InvalidMnemonicError{Words: len(strings.Fields(mnemonic))}
	}
	return mnemonic, nil
}
