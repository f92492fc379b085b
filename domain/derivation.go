package domain

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
	"github.com/linlinbupt123-crypto/hdwallet_core/utils"
	"golang.org/x/crypto/hkdf"
)

// SolanaScheme selects how new Solana addresses are derived. The scheme of
// an existing address is recovered from its stored path, so changing the
// configured scheme never breaks re-derivation.
type SolanaScheme string

const (
	// SolanaSalted expands the master seed with HKDF-SHA256 using the salt
	// "solana"+index. Paths are not hardened at the last two levels.
	SolanaSalted SolanaScheme = "salted"

	// SolanaSLIP10 derives m/44'/501'/account'/0'/index' per SLIP-0010.
	SolanaSLIP10 SolanaScheme = "slip10"
)

const slip10Ed25519Key = "ed25519 seed"

// derivationStrategy is one curve/encoding family.
type derivationStrategy interface {
	pathFor(info NetworkInfo, account, index uint32, t AddressType) DerivationPath
	derive(seed []byte, info NetworkInfo, path DerivationPath, t AddressType) (*KeyPair, error)
}

// KeyDerivationEngine maps seed + network + path to a KeyPair. It holds no
// key material and is safe for concurrent use.
type KeyDerivationEngine struct {
	strategies map[Strategy]derivationStrategy
}

type EngineOption func(*engineOptions)

type engineOptions struct {
	solanaScheme SolanaScheme
}

// WithSolanaScheme sets the scheme used for new Solana paths.
func WithSolanaScheme(s SolanaScheme) EngineOption {
	return func(o *engineOptions) {
		o.solanaScheme = s
	}
}

func NewKeyDerivationEngine(opts ...EngineOption) *KeyDerivationEngine {
	o := engineOptions{solanaScheme: SolanaSalted}
	for _, opt := range opts {
		opt(&o)
	}
	return &KeyDerivationEngine{
		strategies: map[Strategy]derivationStrategy{
			Secp256k1Bip44: secp256k1Bip44{},
			Ed25519Slip10:  ed25519Solana{scheme: o.solanaScheme},
		},
	}
}

func (e *KeyDerivationEngine) strategy(network Network) (NetworkInfo, derivationStrategy, error) {
	info, err := LookupNetwork(network)
	if err != nil {
		return NetworkInfo{}, nil, err
	}
	s, ok := e.strategies[info.Strategy]
	if !ok {
		return NetworkInfo{}, nil, &wrapErrors.UnsupportedNetworkError{
			Network: string(network), Op: "key derivation",
		}
	}
	return info, s, nil
}

// PathFor returns the path of the index-th external address of an account.
func (e *KeyDerivationEngine) PathFor(network Network, account, index uint32,
	t AddressType) (DerivationPath, error) {

	info, s, err := e.strategy(network)
	if err != nil {
		return DerivationPath{}, err
	}
	if !info.SupportsAddressType(t) {
		return DerivationPath{}, &wrapErrors.ValidationError{
			Field: "address_type", Reason: fmt.Sprintf("%q not supported on %s", t, network),
		}
	}
	return s.pathFor(info, account, index, info.ResolveAddressType(t)), nil
}

// Derive derives the key pair at path. It is deterministic: the same seed,
// network, path and address type always give the same result.
func (e *KeyDerivationEngine) Derive(seed []byte, network Network, path DerivationPath,
	t AddressType) (*KeyPair, error) {

	info, s, err := e.strategy(network)
	if err != nil {
		return nil, err
	}
	if len(seed) < hdkeychain.MinSeedBytes || len(seed) > hdkeychain.MaxSeedBytes {
		return nil, hdkeychain.ErrInvalidSeedLen
	}
	if path.CoinType != info.CoinType {
		return nil, fmt.Errorf("path %s has coin type %d, %s uses %d",
			path, path.CoinType, network, info.CoinType)
	}
	if !info.SupportsAddressType(t) {
		return nil, &wrapErrors.ValidationError{
			Field: "address_type", Reason: fmt.Sprintf("%q not supported on %s", t, network),
		}
	}
	return s.derive(seed, info, path, info.ResolveAddressType(t))
}

// DeriveBip44 walks m/purpose'/coin'/account'/change/index from an
// existing master key.
func (e *KeyDerivationEngine) DeriveBip44(master *hdkeychain.ExtendedKey, network Network,
	path DerivationPath, t AddressType) (*KeyPair, error) {

	info, err := LookupNetwork(network)
	if err != nil {
		return nil, err
	}
	if info.Strategy != Secp256k1Bip44 {
		return nil, &wrapErrors.UnsupportedNetworkError{Network: string(network), Op: "bip44"}
	}
	return deriveFromMaster(master, info, path, info.ResolveAddressType(t))
}

// DeriveEd25519Solana derives the Solana key of an address index with the
// salted expansion scheme.
func (e *KeyDerivationEngine) DeriveEd25519Solana(seed []byte, account, index uint32) (*KeyPair, error) {
	info, _ := LookupNetwork(Solana)
	s := ed25519Solana{scheme: SolanaSalted}
	return s.derive(seed, info, s.pathFor(info, account, index, AddressDefault), AddressDefault)
}

// ---------- secp256k1 / BIP-44 ----------

type secp256k1Bip44 struct{}

func (secp256k1Bip44) pathFor(info NetworkInfo, account, index uint32, t AddressType) DerivationPath {
	purpose := utils.PurposeBIP44
	if t == AddressP2WPKH {
		purpose = utils.PurposeBIP84
	}
	return DerivationPath{
		Purpose:      purpose,
		CoinType:     info.CoinType,
		Account:      account,
		Change:       utils.ChangeExternal,
		AddressIndex: index,
	}
}

func (secp256k1Bip44) derive(seed []byte, info NetworkInfo, path DerivationPath,
	t AddressType) (*KeyPair, error) {

	if path.FullyHardened {
		return nil, errors.New("bip44 paths must not harden change and index")
	}
	params := info.BTCParams
	if params == nil {
		// hdkeychain does not distinguish account-based networks.
		params = &chaincfg.MainNetParams
	}
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	defer master.Zero()

	return deriveFromMaster(master, info, path, t)
}

func deriveFromMaster(master *hdkeychain.ExtendedKey, info NetworkInfo, path DerivationPath,
	t AddressType) (*KeyPair, error) {

	key := master
	for _, idx := range path.Indices() {
		child, err := key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to derive child key: %w", err)
		}
		if key != master {
			key.Zero()
		}
		key = child
	}
	defer key.Zero()

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get EC private key: %w", err)
	}
	pub := priv.PubKey().SerializeCompressed()

	addr, err := AddressFromPublicKey(info, pub, t)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		PrivateKey:  priv.Serialize(),
		PublicKey:   pub,
		Address:     addr,
		Network:     info.Network,
		AddressType: t,
		Path:        path,
	}, nil
}

// ---------- Ed25519 / Solana ----------

type ed25519Solana struct {
	scheme SolanaScheme
}

func (s ed25519Solana) pathFor(info NetworkInfo, account, index uint32, _ AddressType) DerivationPath {
	return DerivationPath{
		Purpose:       utils.PurposeBIP44,
		CoinType:      info.CoinType,
		Account:       account,
		Change:        utils.ChangeExternal,
		AddressIndex:  index,
		FullyHardened: s.scheme == SolanaSLIP10,
	}
}

func (ed25519Solana) derive(seed []byte, info NetworkInfo, path DerivationPath,
	t AddressType) (*KeyPair, error) {

	var (
		edSeed []byte
		err    error
	)
	if path.FullyHardened {
		edSeed, _, err = Slip10Ed25519(seed, path.Indices())
	} else {
		edSeed, err = saltedEd25519Seed(seed, path)
	}
	if err != nil {
		return nil, err
	}
	defer clear(edSeed)

	priv := ed25519.NewKeyFromSeed(edSeed)
	pub := priv.Public().(ed25519.PublicKey)

	addr, err := AddressFromPublicKey(info, pub, t)
	if err != nil {
		clear(priv)
		return nil, err
	}
	return &KeyPair{
		PrivateKey:  priv,
		PublicKey:   pub,
		Address:     addr,
		Network:     info.Network,
		AddressType: t,
		Path:        path,
	}, nil
}

// saltedEd25519Seed expands the master seed into a 32 byte Ed25519 seed
// with HKDF-SHA256, salt "solana"+index and the path as info.
func saltedEd25519Seed(seed []byte, path DerivationPath) ([]byte, error) {
	salt := []byte("solana" + strconv.FormatUint(uint64(path.AddressIndex), 10))
	r := hkdf.New(sha256.New, seed, salt, []byte(path.String()))

	out := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("failed to expand ed25519 seed: %w", err)
	}
	return out, nil
}

// Slip10Ed25519 derives the private key and chain code at the given
// hardened indices per SLIP-0010. Ed25519 only supports hardened children.
func Slip10Ed25519(seed []byte, indices []uint32) ([]byte, []byte, error) {
	mac := hmac.New(sha512.New, []byte(slip10Ed25519Key))
	mac.Write(seed)
	sum := mac.Sum(nil)
	key, chainCode := sum[:32], sum[32:]

	data := make([]byte, 37)
	for _, idx := range indices {
		if idx < hdkeychain.HardenedKeyStart {
			clear(sum)
			return nil, nil, errors.New("slip10 ed25519 only supports hardened derivation")
		}
		data[0] = 0
		copy(data[1:33], key)
		binary.BigEndian.PutUint32(data[33:], idx)

		mac = hmac.New(sha512.New, chainCode)
		mac.Write(data)
		next := mac.Sum(nil)
		clear(sum)
		sum = next
		key, chainCode = sum[:32], sum[32:]
	}
	clear(data)
	return key, chainCode, nil
}
