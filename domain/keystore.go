package domain

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/linlinbupt123-crypto/hdwallet_core/entity"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
)

// maxAllocRetries bounds retries when a concurrent writer takes the account
// or address index we picked.
const maxAllocRetries = 3

// KeyStoreConfig wires a WalletKeyStore.
type KeyStoreConfig struct {
	Cipher    *SecretCipher
	Engine    *KeyDerivationEngine
	Seeds     SeedStore
	Wallets   WalletStore
	Addresses AddressStore

	// MnemonicStrength is 128 or 256 bits. Zero means 256.
	MnemonicStrength int

	// Now defaults to time.Now.
	Now func() time.Time
}

// WalletKeyStore owns the user master seed and every key derived from it.
// Wallets and addresses only ever store a derivation path and an encrypted
// leaf key.
type WalletKeyStore struct {
	cfg   KeyStoreConfig
	codec MnemonicCodec
}

func NewWalletKeyStore(cfg KeyStoreConfig) *WalletKeyStore {
	if cfg.MnemonicStrength == 0 {
		cfg.MnemonicStrength = 256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Engine == nil {
		cfg.Engine = NewKeyDerivationEngine()
	}
	return &WalletKeyStore{cfg: cfg}
}

// MasterSeedResult carries a decrypted seed. Mnemonic is only set when the
// seed was created by this call; it is never revealed again.
type MasterSeedResult struct {
	Seed     []byte
	Mnemonic fn.Option[string]
	IsNew    bool
}

// Wipe zeroes the seed.
func (r *MasterSeedResult) Wipe() {
	if r != nil {
		clear(r.Seed)
	}
}

// GetOrCreateMasterSeed returns the user's seed, creating it on first use.
// The passphrase is the BIP-39 passphrase and only matters on creation.
func (s *WalletKeyStore) GetOrCreateMasterSeed(ctx context.Context, userID,
	passphrase string) (*MasterSeedResult, error) {

	seed, err := s.loadSeed(ctx, userID)
	switch {
	case err == nil:
		return &MasterSeedResult{Seed: seed, Mnemonic: fn.None[string]()}, nil
	case !wrapErrors.IsNotFound(err):
		return nil, err
	}

	mnemonic, err := s.codec.Generate(s.cfg.MnemonicStrength)
	if err != nil {
		return nil, err
	}
	res, err := s.storeSeed(ctx, userID, mnemonic, passphrase)
	if wrapErrors.IsAlreadyExists(err) {
		// Another request created the seed first; converge on it.
		log.Debugf("Master seed for user %s created concurrently, reloading", userID)
		seed, err := s.loadSeed(ctx, userID)
		if err != nil {
			return nil, err
		}
		return &MasterSeedResult{Seed: seed, Mnemonic: fn.None[string]()}, nil
	}
	return res, err
}

// ImportMasterSeed restores a user seed from an existing phrase.
func (s *WalletKeyStore) ImportMasterSeed(ctx context.Context, userID, mnemonic,
	passphrase string) (*MasterSeedResult, error) {

	if !s.codec.Validate(mnemonic) {
		return nil, &wrapErrors.InvalidMnemonicError{Words: len(strings.Fields(mnemonic))}
	}
	res, err := s.storeSeed(ctx, userID, normalizeMnemonic(mnemonic), passphrase)
	if err != nil {
		return nil, err
	}
	res.Mnemonic = fn.None[string]()
	return res, nil
}

func (s *WalletKeyStore) storeSeed(ctx context.Context, userID, mnemonic,
	passphrase string) (*MasterSeedResult, error) {

	seed, err := s.codec.ToSeed(mnemonic, passphrase)
	if err != nil {
		return nil, err
	}

	encSeed, err := s.cfg.Cipher.Encrypt(seed)
	if err != nil {
		clear(seed)
		return nil, fmt.Errorf("failed to encrypt seed: %w", err)
	}
	encMnemonic, err := s.cfg.Cipher.Encrypt([]byte(mnemonic))
	if err != nil {
		clear(seed)
		return nil, fmt.Errorf("failed to encrypt mnemonic: %w", err)
	}

	err = s.cfg.Seeds.CreateSeed(ctx, &entity.MasterSeed{
		UserID:            userID,
		MnemonicEncrypted: encMnemonic,
		SeedEncrypted:     encSeed,
		CreatedAt:         s.cfg.Now(),
	})
	if err != nil {
		clear(seed)
		return nil, err
	}

	log.Infof("Created master seed for user %s", userID)
	return &MasterSeedResult{Seed: seed, Mnemonic: fn.Some(mnemonic), IsNew: true}, nil
}

// loadSeed decrypts the stored seed. The caller must clear the result.
func (s *WalletKeyStore) loadSeed(ctx context.Context, userID string) ([]byte, error) {
	stored, err := s.cfg.Seeds.GetSeed(ctx, userID)
	if err != nil {
		return nil, err
	}
	seed, err := s.cfg.Cipher.Decrypt(stored.SeedEncrypted)
	if err != nil {
		log.Errorf("Master seed of user %s could not be decrypted: %v", userID, err)
		return nil, err
	}
	return seed, nil
}

// ExportMnemonicBackup decrypts the user's stored mnemonic and reseals it
// under passphrase.
func (s *WalletKeyStore) ExportMnemonicBackup(ctx context.Context, userID,
	passphrase string) (*MnemonicBackup, error) {

	stored, err := s.cfg.Seeds.GetSeed(ctx, userID)
	if err != nil {
		return nil, err
	}
	mnemonic, err := s.cfg.Cipher.Decrypt(stored.MnemonicEncrypted)
	if err != nil {
		log.Errorf("Mnemonic of user %s could not be decrypted: %v", userID, err)
		return nil, err
	}
	defer clear(mnemonic)

	backup, err := SealMnemonicBackup(userID, string(mnemonic), passphrase, s.cfg.Now())
	if err != nil {
		return nil, err
	}
	log.Infof("Exported mnemonic backup for user %s", userID)
	return backup, nil
}

// DeleteMasterSeed destroys the user's seed on account deletion. Keys of
// existing addresses can no longer be re-derived afterwards.
func (s *WalletKeyStore) DeleteMasterSeed(ctx context.Context, userID string) error {
	if err := s.cfg.Seeds.DeleteSeed(ctx, userID); err != nil {
		return err
	}
	log.Infof("Deleted master seed for user %s", userID)
	return nil
}

// CreateWalletResult is the new wallet plus the mnemonic if the user's seed
// was created along with it.
type CreateWalletResult struct {
	Wallet   *entity.Wallet
	Mnemonic fn.Option[string]
}

// CreateWallet allocates the next BIP-44 account of the user's seed.
func (s *WalletKeyStore) CreateWallet(ctx context.Context, userID, name,
	passphrase string) (*CreateWalletResult, error) {

	seed, err := s.GetOrCreateMasterSeed(ctx, userID, passphrase)
	if err != nil {
		return nil, err
	}
	seed.Wipe()

	for attempt := 0; ; attempt++ {
		maxAccount, err := s.cfg.Wallets.MaxAccount(ctx, userID)
		if err != nil {
			return nil, err
		}
		w := &entity.Wallet{
			ID:        uuid.NewString(),
			UserID:    userID,
			Name:      name,
			Account:   uint32(maxAccount + 1),
			CreatedAt: s.cfg.Now(),
		}
		err = s.cfg.Wallets.CreateWallet(ctx, w)
		if wrapErrors.IsAlreadyExists(err) && attempt < maxAllocRetries {
			continue
		}
		if err != nil {
			return nil, err
		}

		log.Infof("Created wallet %s (account %d) for user %s", w.ID, w.Account, userID)
		return &CreateWalletResult{Wallet: w, Mnemonic: seed.Mnemonic}, nil
	}
}

// DeriveAddress derives and stores an address of the wallet. Without an
// explicit index the next free index of (wallet, network, address type) is
// used.
func (s *WalletKeyStore) DeriveAddress(ctx context.Context, walletID string, network Network,
	addrType AddressType, index fn.Option[uint32]) (*entity.Address, error) {

	info, err := LookupNetwork(network)
	if err != nil {
		return nil, err
	}
	if !info.SupportsAddressType(addrType) {
		return nil, &wrapErrors.ValidationError{
			Field: "address_type", Reason: fmt.Sprintf("%q not supported on %s", addrType, network),
		}
	}
	addrType = info.ResolveAddressType(addrType)

	w, err := s.cfg.Wallets.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	seed, err := s.loadSeed(ctx, w.UserID)
	if err != nil {
		return nil, err
	}
	defer clear(seed)

	for attempt := 0; ; attempt++ {
		idx, err := index.UnwrapOrFuncErr(func() (uint32, error) {
			maxIndex, err := s.cfg.Addresses.GetMaxIndex(ctx, walletID, string(network), string(addrType))
			if err != nil {
				return 0, err
			}
			// GetMaxIndex returns -1 when there is no address yet.
			return uint32(maxIndex + 1), nil
		})
		if err != nil {
			return nil, err
		}

		addr, err := s.deriveAndStore(ctx, seed, w, network, addrType, idx)
		if wrapErrors.IsAlreadyExists(err) && index.IsNone() && attempt < maxAllocRetries {
			continue
		}
		return addr, err
	}
}

func (s *WalletKeyStore) deriveAndStore(ctx context.Context, seed []byte, w *entity.Wallet,
	network Network, addrType AddressType, idx uint32) (*entity.Address, error) {

	path, err := s.cfg.Engine.PathFor(network, w.Account, idx, addrType)
	if err != nil {
		return nil, err
	}
	kp, err := s.cfg.Engine.Derive(seed, network, path, addrType)
	if err != nil {
		return nil, err
	}
	defer kp.Wipe()

	encKey, err := s.cfg.Cipher.Encrypt(kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}

	addr := &entity.Address{
		ID:                  uuid.NewString(),
		UserID:              w.UserID,
		WalletID:            w.ID,
		Network:             string(network),
		Address:             kp.Address,
		AddressType:         string(addrType),
		Path:                path.String(),
		Index:               idx,
		EncryptedPrivateKey: encKey,
		CreatedAt:           s.cfg.Now(),
	}
	if err := s.cfg.Addresses.CreateAddress(ctx, addr); err != nil {
		return nil, err
	}

	log.Infof("Derived %s address %s at %s for wallet %s", network, addr.Address, addr.Path, w.ID)
	return addr, nil
}

// GetSigningKey returns the plaintext key of a stored address. The key is
// re-derived from the master seed first and must reproduce the stored
// address, otherwise signing is refused with an AddressMismatchError. A
// missing or unreadable stored key falls back to the re-derived one.
func (s *WalletKeyStore) GetSigningKey(ctx context.Context, address string) (*KeyPair, error) {
	address = canonicalLookup(address)
	rec, err := s.cfg.Addresses.GetAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	network := Network(rec.Network)
	info, err := LookupNetwork(network)
	if err != nil {
		return nil, err
	}
	path, err := ParseDerivationPath(rec.Path)
	if err != nil {
		return nil, fmt.Errorf("stored path of %s: %w", address, err)
	}

	seed, err := s.loadSeed(ctx, rec.UserID)
	if err != nil {
		return nil, err
	}
	defer clear(seed)

	derived, err := s.cfg.Engine.Derive(seed, network, path, AddressType(rec.AddressType))
	if err != nil {
		return nil, err
	}
	if !SameAddress(info, derived.Address, rec.Address) {
		derived.Wipe()
		log.Criticalf("Address mismatch for %s at %s: derived %s", rec.Address, rec.Path, derived.Address)
		return nil, &wrapErrors.AddressMismatchError{
			Network: rec.Network,
			Path:    rec.Path,
			Stored:  rec.Address,
			Derived: derived.Address,
		}
	}

	if len(rec.EncryptedPrivateKey) == 0 {
		log.Warnf("No stored key for %s, using re-derived key", rec.Address)
		s.repairStoredKey(ctx, derived)
		return derived, nil
	}
	stored, err := s.cfg.Cipher.Decrypt(rec.EncryptedPrivateKey)
	if err != nil {
		log.Warnf("Stored key for %s unreadable (%v), using re-derived key", rec.Address, err)
		s.repairStoredKey(ctx, derived)
		return derived, nil
	}
	defer clear(stored)

	if !bytes.Equal(stored, derived.PrivateKey) {
		log.Errorf("Stored key for %s differs from re-derived key, using re-derived key", rec.Address)
		s.repairStoredKey(ctx, derived)
	}
	return derived, nil
}

// repairStoredKey rewrites the encrypted leaf key. Failure only costs a
// re-derivation next time, so it is logged and not returned.
func (s *WalletKeyStore) repairStoredKey(ctx context.Context, kp *KeyPair) {
	enc, err := s.cfg.Cipher.Encrypt(kp.PrivateKey)
	if err == nil {
		err = s.cfg.Addresses.UpdateEncryptedKey(ctx, kp.Address, enc)
	}
	if err != nil {
		log.Errorf("Unable to repair stored key of %s: %v", kp.Address, err)
	}
}

// OwnsAddress reports whether the wallet holds address on network.
func (s *WalletKeyStore) OwnsAddress(ctx context.Context, walletID string, network Network,
	address string) (bool, error) {

	rec, err := s.cfg.Addresses.GetAddress(ctx, canonicalLookup(address))
	if wrapErrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.WalletID == walletID && rec.Network == string(network), nil
}

// ListAddresses returns every address of a wallet.
func (s *WalletKeyStore) ListAddresses(ctx context.Context, walletID string) ([]*entity.Address, error) {
	return s.cfg.Addresses.ListAddresses(ctx, walletID)
}

// GetWallet returns a wallet row.
func (s *WalletKeyStore) GetWallet(ctx context.Context, walletID string) (*entity.Wallet, error) {
	return s.cfg.Wallets.GetWallet(ctx, walletID)
}
