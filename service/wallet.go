package service

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/linlinbupt123-crypto/hdwallet_core/domain"
	"github.com/linlinbupt123-crypto/hdwallet_core/entity"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
	"github.com/linlinbupt123-crypto/hdwallet_core/utils"
	"github.com/skip2/go-qrcode"
	"golang.org/x/sync/errgroup"
)

// maxBalanceQueries bounds concurrent balance lookups of one wallet.
const maxBalanceQueries = 8

type WalletService struct {
	Keys     *domain.WalletKeyStore
	Adapters Adapters
}

func NewWalletService(keys *domain.WalletKeyStore, adapters Adapters) *WalletService {
	return &WalletService{
		Keys:     keys,
		Adapters: adapters,
	}
}

// CreatedWallet is a new wallet with its first address on each requested
// network. Mnemonic is only set when the user's master seed was created by
// this call.
type CreatedWallet struct {
	Wallet    *entity.Wallet
	Addresses map[domain.Network]*entity.Address
	Mnemonic  fn.Option[string]
}

// CreateWalletAndAddresses 创建 HD 钱包 + 主地址
func (s *WalletService) CreateWalletAndAddresses(ctx context.Context, userID, name, passphrase string,
	networks []domain.Network) (*CreatedWallet, error) {

	for _, n := range networks {
		if _, err := domain.LookupNetwork(n); err != nil {
			return nil, err
		}
	}

	res, err := s.Keys.CreateWallet(ctx, userID, name, passphrase)
	if err != nil {
		return nil, err
	}

	out := &CreatedWallet{
		Wallet:    res.Wallet,
		Addresses: make(map[domain.Network]*entity.Address, len(networks)),
		Mnemonic:  res.Mnemonic,
	}
	for _, n := range networks {
		addr, err := s.Keys.DeriveAddress(ctx, res.Wallet.ID, n, "", fn.Some(uint32(0)))
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s address: %w", n, err)
		}
		out.Addresses[n] = addr
	}
	return out, nil
}

// DeriveNewAddress 为钱包在某条链派生下一个地址
func (s *WalletService) DeriveNewAddress(ctx context.Context, walletID string, network domain.Network,
	addrType domain.AddressType) (*entity.Address, error) {

	return s.Keys.DeriveAddress(ctx, walletID, network, addrType, fn.None[uint32]())
}

// Balance is the balance of one address in one asset.
type Balance struct {
	Network       string   `json:"network"`
	Address       string   `json:"address"`
	TokenContract string   `json:"token_contract,omitempty"`
	Raw           *big.Int `json:"raw"`
	Amount        string   `json:"amount"`
}

// GetBalance returns the native balance of address, or its token balance
// when tokenContract is set. Token decimals are read from the contract
// unless given.
func (s *WalletService) GetBalance(ctx context.Context, network domain.Network, address,
	tokenContract string, tokenDecimals fn.Option[uint8]) (*Balance, error) {

	info, err := domain.LookupNetwork(network)
	if err != nil {
		return nil, err
	}
	address, err = domain.NormalizeAddress(network, address)
	if err != nil {
		return nil, err
	}
	if tokenContract != "" {
		if tokenContract, err = domain.NormalizeAddress(network, tokenContract); err != nil {
			return nil, err
		}
	}
	adapter, err := s.Adapters.Get(network)
	if err != nil {
		return nil, err
	}

	var (
		raw      *big.Int
		decimals = info.Decimals
	)
	if tokenContract == "" {
		raw, err = adapter.NativeBalance(ctx, address)
	} else {
		if tokenDecimals.IsSome() {
			decimals = tokenDecimals.UnwrapOr(0)
		} else if decimals, err = lookupDecimals(ctx, s.Adapters, network, tokenContract); err != nil {
			return nil, err
		}
		raw, err = adapter.TokenBalance(ctx, tokenContract, address)
	}
	if err != nil {
		return nil, err
	}
	return &Balance{
		Network:       string(network),
		Address:       address,
		TokenContract: tokenContract,
		Raw:           raw,
		Amount:        utils.FormatUnits(raw, decimals),
	}, nil
}

// GetWalletBalances fetches the native balance of every address of a wallet
// in parallel. The result is sorted by network then address.
func (s *WalletService) GetWalletBalances(ctx context.Context, walletID string) ([]*Balance, error) {
	addrs, err := s.Keys.ListAddresses(ctx, walletID)
	if err != nil {
		return nil, err
	}

	balances := make([]*Balance, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxBalanceQueries)
	for i, a := range addrs {
		g.Go(func() error {
			b, err := s.GetBalance(gctx, domain.Network(a.Network), a.Address, "", fn.None[uint8]())
			if err != nil {
				return fmt.Errorf("balance of %s: %w", a.Address, err)
			}
			balances[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(balances, func(i, j int) bool {
		if balances[i].Network != balances[j].Network {
			return balances[i].Network < balances[j].Network
		}
		return balances[i].Address < balances[j].Address
	})
	return balances, nil
}

// DepositQR renders a PNG QR code of a deposit URI for address, e.g.
// "bitcoin:bc1q...". The address must belong to walletID.
func (s *WalletService) DepositQR(ctx context.Context, walletID string, network domain.Network,
	address string, size int) ([]byte, error) {

	info, err := domain.LookupNetwork(network)
	if err != nil {
		return nil, err
	}
	address, err = domain.NormalizeAddress(network, address)
	if err != nil {
		return nil, err
	}
	owned, err := s.Keys.OwnsAddress(ctx, walletID, network, address)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, &wrapErrors.NotFoundError{Kind: "address", Key: address}
	}

	qr, err := qrcode.New(depositURI(info, address), qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to create QR code: %w", err)
	}
	png, err := qr.PNG(size)
	if err != nil {
		return nil, fmt.Errorf("failed to generate PNG: %w", err)
	}
	return png, nil
}

func depositURI(info domain.NetworkInfo, address string) string {
	switch info.Kind {
	case domain.KindUTXO:
		return "bitcoin:" + address
	case domain.KindEVM:
		return fmt.Sprintf("ethereum:%s@%d", address, info.ChainID)
	case domain.KindSolana:
		return "solana:" + address
	default:
		return address
	}
}
