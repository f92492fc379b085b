package domain

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
)

// KeyPair is a derived leaf key. PrivateKey holds plaintext material and
// must be wiped as soon as signing is done.
type KeyPair struct {
	PrivateKey  []byte
	PublicKey   []byte
	Address     string
	Network     Network
	AddressType AddressType
	Path        DerivationPath
}

// Wipe zeroes the private key bytes.
func (k *KeyPair) Wipe() {
	if k == nil {
		return
	}
	clear(k.PrivateKey)
	k.PrivateKey = nil
}

// ECDSA returns the go-ethereum form of a secp256k1 key.
func (k *KeyPair) ECDSA() (*ecdsa.PrivateKey, error) {
	if len(k.PrivateKey) != 32 {
		return nil, fmt.Errorf("not a secp256k1 private key")
	}
	return crypto.ToECDSA(k.PrivateKey)
}

// BTCEC returns the btcec form of a secp256k1 key.
func (k *KeyPair) BTCEC() (*btcec.PrivateKey, error) {
	if len(k.PrivateKey) != 32 {
		return nil, fmt.Errorf("not a secp256k1 private key")
	}
	priv, _ := btcec.PrivKeyFromBytes(k.PrivateKey)
	return priv, nil
}

// Solana returns the 64 byte seed|public Ed25519 key.
func (k *KeyPair) Solana() (solana.PrivateKey, error) {
	if len(k.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("not an ed25519 private key")
	}
	return solana.PrivateKey(k.PrivateKey), nil
}
