package domain

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
	"github.com/linlinbupt123-crypto/hdwallet_core/utils"
)

// Network names a supported chain.
type Network string

const (
	Bitcoin        Network = "bitcoin"
	BitcoinTestnet Network = "bitcoin-testnet"
	Ethereum       Network = "ethereum"
	Polygon        Network = "polygon"
	BSC            Network = "bsc"
	Base           Network = "base"
	Avalanche      Network = "avalanche"
	Tron           Network = "tron"
	Solana         Network = "solana"
)

// NetworkKind is the protocol family, which selects the adapter variant.
type NetworkKind uint8

const (
	KindUTXO NetworkKind = iota + 1
	KindEVM
	KindTron
	KindSolana
)

func (k NetworkKind) String() string {
	switch k {
	case KindUTXO:
		return "utxo"
	case KindEVM:
		return "evm"
	case KindTron:
		return "tron"
	case KindSolana:
		return "solana"
	default:
		return "unknown"
	}
}

// Strategy is the key derivation scheme of a network.
type Strategy uint8

const (
	Secp256k1Bip44 Strategy = iota + 1
	Ed25519Slip10
)

func (s Strategy) String() string {
	switch s {
	case Secp256k1Bip44:
		return "secp256k1-bip44"
	case Ed25519Slip10:
		return "ed25519-slip10"
	default:
		return "unknown"
	}
}

// AddressType selects the address encoding where a network has more than
// one. Account-based networks only know AddressDefault.
type AddressType string

const (
	AddressDefault AddressType = "default"
	AddressP2PKH   AddressType = "p2pkh"
	AddressP2WPKH  AddressType = "p2wpkh"
)

// NetworkInfo is the static description of a network.
type NetworkInfo struct {
	Network  Network
	Kind     NetworkKind
	Strategy Strategy
	CoinType uint32
	Symbol   string
	Decimals uint8

	// ChainID is set for EVM networks.
	ChainID int64

	// FinalityDepth is the confirmation count at which a transaction is
	// treated as irreversible.
	FinalityDepth uint64

	// BTCParams is set for UTXO networks.
	BTCParams *chaincfg.Params

	AddressTypes []AddressType

	// ExplorerTx is a printf format taking the tx hash.
	ExplorerTx string
}

// DefaultAddressType is the first address type the network supports.
func (n NetworkInfo) DefaultAddressType() AddressType {
	return n.AddressTypes[0]
}

// SupportsAddressType reports whether t is valid on the network. The empty
// type is accepted and means the default.
func (n NetworkInfo) SupportsAddressType(t AddressType) bool {
	if t == "" {
		return true
	}
	for _, at := range n.AddressTypes {
		if at == t {
			return true
		}
	}
	return false
}

// ResolveAddressType maps the empty type to the default.
func (n NetworkInfo) ResolveAddressType(t AddressType) AddressType {
	if t == "" {
		return n.DefaultAddressType()
	}
	return t
}

// ExplorerURL returns the block explorer link for a tx hash.
func (n NetworkInfo) ExplorerURL(hash string) string {
	if n.ExplorerTx == "" || hash == "" {
		return ""
	}
	return fmt.Sprintf(n.ExplorerTx, hash)
}

func evmNetwork(name Network, symbol string, chainID int64, explorer string) NetworkInfo {
	return NetworkInfo{
		Network:       name,
		Kind:          KindEVM,
		Strategy:      Secp256k1Bip44,
		CoinType:      utils.CoinTypeEther,
		Symbol:        symbol,
		Decimals:      18,
		ChainID:       chainID,
		FinalityDepth: 1,
		AddressTypes:  []AddressType{AddressDefault},
		ExplorerTx:    explorer,
	}
}

var networks = map[Network]NetworkInfo{
	Bitcoin: {
		Network:       Bitcoin,
		Kind:          KindUTXO,
		Strategy:      Secp256k1Bip44,
		CoinType:      utils.CoinTypeBitcoin,
		Symbol:        "BTC",
		Decimals:      8,
		FinalityDepth: 6,
		BTCParams:     &chaincfg.MainNetParams,
		AddressTypes:  []AddressType{AddressP2PKH, AddressP2WPKH},
		ExplorerTx:    "https://mempool.space/tx/%s",
	},
	BitcoinTestnet: {
		Network:       BitcoinTestnet,
		Kind:          KindUTXO,
		Strategy:      Secp256k1Bip44,
		CoinType:      utils.CoinTypeTestnet,
		Symbol:        "tBTC",
		Decimals:      8,
		FinalityDepth: 6,
		BTCParams:     &chaincfg.TestNet3Params,
		AddressTypes:  []AddressType{AddressP2PKH, AddressP2WPKH},
		ExplorerTx:    "https://mempool.space/testnet/tx/%s",
	},
	Ethereum:  evmNetwork(Ethereum, "ETH", 1, "https://etherscan.io/tx/%s"),
	Polygon:   evmNetwork(Polygon, "POL", 137, "https://polygonscan.com/tx/%s"),
	BSC:       evmNetwork(BSC, "BNB", 56, "https://bscscan.com/tx/%s"),
	Base:      evmNetwork(Base, "ETH", 8453, "https://basescan.org/tx/%s"),
	Avalanche: evmNetwork(Avalanche, "AVAX", 43114, "https://snowtrace.io/tx/%s"),
	Tron: {
		Network:       Tron,
		Kind:          KindTron,
		Strategy:      Secp256k1Bip44,
		CoinType:      utils.CoinTypeTron,
		Symbol:        "TRX",
		Decimals:      6,
		FinalityDepth: 19,
		AddressTypes:  []AddressType{AddressDefault},
		ExplorerTx:    "https://tronscan.org/#/transaction/%s",
	},
	Solana: {
		Network:       Solana,
		Kind:          KindSolana,
		Strategy:      Ed25519Slip10,
		CoinType:      utils.CoinTypeSolana,
		Symbol:        "SOL",
		Decimals:      9,
		FinalityDepth: 1,
		AddressTypes:  []AddressType{AddressDefault},
		ExplorerTx:    "https://solscan.io/tx/%s",
	},
}

// LookupNetwork returns the registry entry of a network.
func LookupNetwork(n Network) (NetworkInfo, error) {
	info, ok := networks[n]
	if !ok {
		return NetworkInfo{}, &wrapErrors.UnsupportedNetworkError{Network: string(n)}
	}
	return info, nil
}

// Networks lists every registered network in name order.
func Networks() []Network {
	out := make([]Network, 0, len(networks))
	for n := range networks {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
