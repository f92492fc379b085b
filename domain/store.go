package domain

import (
	"context"

	"github.com/linlinbupt123-crypto/hdwallet_core/entity"
)

// SeedStore persists one encrypted MasterSeed per user. CreateSeed returns
// an AlreadyExistsError when the user already has one and GetSeed returns a
// NotFoundError when it has none.
type SeedStore interface {
	CreateSeed(ctx context.Context, seed *entity.MasterSeed) error
	GetSeed(ctx context.Context, userID string) (*entity.MasterSeed, error)
	DeleteSeed(ctx context.Context, userID string) error
}

// WalletStore persists wallets. MaxAccount returns -1 when the user has no
// wallet yet.
type WalletStore interface {
	CreateWallet(ctx context.Context, w *entity.Wallet) error
	GetWallet(ctx context.Context, id string) (*entity.Wallet, error)
	ListWallets(ctx context.Context, userID string) ([]*entity.Wallet, error)
	MaxAccount(ctx context.Context, userID string) (int64, error)
}

// AddressStore persists derived addresses. An address is unique, and so is
// (wallet, network, address type, index). GetMaxIndex returns -1 when the
// combination has no address yet.
type AddressStore interface {
	CreateAddress(ctx context.Context, addr *entity.Address) error
	GetAddress(ctx context.Context, address string) (*entity.Address, error)
	ListAddresses(ctx context.Context, walletID string) ([]*entity.Address, error)
	GetMaxIndex(ctx context.Context, walletID, network, addressType string) (int64, error)
	UpdateEncryptedKey(ctx context.Context, address string, enc []byte) error
}
