package domain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
)

// TronAddressPrefix is the version byte of mainnet Tron addresses.
const TronAddressPrefix byte = 0x41

// ecdsaPubKey accepts a 33 byte compressed or 65 byte uncompressed
// secp256k1 public key.
func ecdsaPubKey(pub []byte) (*ecdsa.PublicKey, error) {
	switch len(pub) {
	case 33:
		return crypto.DecompressPubkey(pub)
	case 65:
		return crypto.UnmarshalPubkey(pub)
	default:
		return nil, fmt.Errorf("invalid secp256k1 public key length %d", len(pub))
	}
}

// PubKeyToEVMAddress hashes the uncompressed key without its 0x04 prefix
// and keeps the last 20 bytes of the Keccak-256 digest.
func PubKeyToEVMAddress(pub []byte) (common.Address, error) {
	key, err := ecdsaPubKey(pub)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*key), nil
}

// TronAddressFromEVM prefixes the 20 byte account hash with 0x41 and
// encodes it as Base58Check (double SHA-256 checksum).
func TronAddressFromEVM(addr common.Address) string {
	return base58.CheckEncode(addr.Bytes(), TronAddressPrefix)
}

// TronAddressToEVM decodes a Base58Check Tron address into its 20 byte
// account hash.
func TronAddressToEVM(addr string) (common.Address, error) {
	payload, version, err := base58.CheckDecode(addr)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid tron address: %w", err)
	}
	if version != TronAddressPrefix {
		return common.Address{}, fmt.Errorf("invalid tron address prefix 0x%x", version)
	}
	if len(payload) != common.AddressLength {
		return common.Address{}, errors.New("invalid tron address length")
	}
	return common.BytesToAddress(payload), nil
}

func btcAddress(pub []byte, t AddressType, params *chaincfg.Params) (string, error) {
	if len(pub) != 33 {
		return "", errors.New("bitcoin addresses require a compressed public key")
	}
	hash := btcutil.Hash160(pub)

	var (
		addr btcutil.Address
		err  error
	)
	switch t {
	case AddressP2PKH:
		addr, err = btcutil.NewAddressPubKeyHash(hash, params)
	case AddressP2WPKH:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(hash, params)
	default:
		return "", fmt.Errorf("unsupported bitcoin address type %q", t)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// AddressFromPublicKey encodes a public key in the network's native format.
func AddressFromPublicKey(info NetworkInfo, pub []byte, t AddressType) (string, error) {
	switch info.Kind {
	case KindUTXO:
		return btcAddress(pub, info.ResolveAddressType(t), info.BTCParams)

	case KindEVM:
		addr, err := PubKeyToEVMAddress(pub)
		if err != nil {
			return "", err
		}
		return addr.Hex(), nil

	case KindTron:
		addr, err := PubKeyToEVMAddress(pub)
		if err != nil {
			return "", err
		}
		return TronAddressFromEVM(addr), nil

	case KindSolana:
		if len(pub) != 32 {
			return "", fmt.Errorf("invalid ed25519 public key length %d", len(pub))
		}
		return solana.PublicKeyFromBytes(pub).String(), nil

	default:
		return "", &wrapErrors.UnsupportedNetworkError{Network: string(info.Network)}
	}
}

// ValidateAddress checks that addr is well formed for the network.
func ValidateAddress(network Network, addr string) error {
	info, err := LookupNetwork(network)
	if err != nil {
		return err
	}
	invalid := func(reason string) error {
		return &wrapErrors.ValidationError{Field: "address", Reason: reason}
	}

	switch info.Kind {
	case KindUTXO:
		decoded, err := btcutil.DecodeAddress(addr, info.BTCParams)
		if err != nil {
			return invalid(err.Error())
		}
		if !decoded.IsForNet(info.BTCParams) {
			return invalid("address belongs to another bitcoin network")
		}

	case KindEVM:
		if !common.IsHexAddress(addr) {
			return invalid("not a hex account address")
		}

	case KindTron:
		if _, err := TronAddressToEVM(addr); err != nil {
			return invalid(err.Error())
		}

	case KindSolana:
		if _, err := solana.PublicKeyFromBase58(addr); err != nil {
			return invalid(err.Error())
		}
	}
	return nil
}

// NormalizeAddress validates addr and returns the form addresses are stored
// in. EVM hex becomes EIP-55 checksummed; other networks are case sensitive
// and returned as given.
func NormalizeAddress(network Network, addr string) (string, error) {
	if err := ValidateAddress(network, addr); err != nil {
		return "", err
	}
	info, err := LookupNetwork(network)
	if err != nil {
		return "", err
	}
	if info.Kind == KindEVM {
		return common.HexToAddress(addr).Hex(), nil
	}
	return addr, nil
}

// canonicalLookup maps 0x-prefixed hex to its EIP-55 form for store
// lookups that carry no network. Base58 and bech32 never start with 0x.
func canonicalLookup(addr string) string {
	if len(addr) > 2 && (addr[:2] == "0x" || addr[:2] == "0X") && common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}

// SameAddress compares two addresses of a network. EVM hex is compared
// case-insensitively, everything else byte for byte.
func SameAddress(info NetworkInfo, a, b string) bool {
	if info.Kind == KindEVM {
		return common.IsHexAddress(a) && common.IsHexAddress(b) &&
			common.HexToAddress(a) == common.HexToAddress(b)
	}
	return a == b
}
