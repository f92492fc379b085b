package entity

import (
	"time"
)

type Address struct {
	ID          string `bson:"_id" json:"id"`
	UserID      string `bson:"user_id" json:"user_id"`
	WalletID    string `bson:"wallet_id" json:"wallet_id"`
	Network     string `bson:"network" json:"network"`           // bitcoin / ethereum / tron / solana ...
	Address     string `bson:"address" json:"address"`           // on-chain address
	AddressType string `bson:"address_type" json:"address_type"` // p2pkh / p2wpkh / default
	Path        string `bson:"path" json:"path"`                 // m/44'/60'/0'/0/3
	Index       uint32 `bson:"index" json:"index"`               // address index within the account

	// EncryptedPrivateKey is the SecretCipher sealed leaf key. It may be
	// empty, in which case the key is re-derived from the master seed.
	EncryptedPrivateKey []byte    `bson:"encrypted_private_key,omitempty" json:"-"`
	CreatedAt           time.Time `bson:"created_at" json:"created_at"`
}
