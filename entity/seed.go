package entity

import (
	"time"
)

// MasterSeed is the single recovery root of a user. Both fields are
// SecretCipher output.
type MasterSeed struct {
	UserID            string    `bson:"user_id" json:"user_id"`
	MnemonicEncrypted []byte    `bson:"mnemonic_encrypted" json:"-"`
	SeedEncrypted     []byte    `bson:"seed_encrypted" json:"-"`
	CreatedAt         time.Time `bson:"created_at" json:"created_at"`
}

// Wallet groups addresses under one BIP-44 account of the user's seed.
type Wallet struct {
	ID        string    `bson:"_id" json:"id"`
	UserID    string    `bson:"user_id" json:"user_id"`
	Name      string    `bson:"name" json:"name"`
	Account   uint32    `bson:"account" json:"account"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}
