package domain

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
	"github.com/stretchr/testify/require"
)

func TestMnemonicBackupRestore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ks, _ := newTestKeyStore(t)

	_, err := ks.ImportMasterSeed(ctx, "erin", abandonMnemonic, "")
	require.NoError(t, err)

	_, err = ks.ExportMnemonicBackup(ctx, "erin", "short")
	require.True(t, wrapErrors.IsValidation(err), err)
	_, err = ks.ExportMnemonicBackup(ctx, "nobody", "long enough passphrase")
	require.True(t, wrapErrors.IsNotFound(err), err)

	backup, err := ks.ExportMnemonicBackup(ctx, "erin", "long enough passphrase")
	require.NoError(t, err)
	require.Equal(t, "erin", backup.UserID)
	require.NotContains(t, backup.Ciphertext, "abandon")

	// The file form survives a round trip.
	raw, err := json.Marshal(backup)
	require.NoError(t, err)
	var loaded MnemonicBackup
	require.NoError(t, json.Unmarshal(raw, &loaded))

	_, err = loaded.Open("wrong passphrase!")
	require.True(t, wrapErrors.IsDecryption(err), err)

	mnemonic, err := loaded.Open("long enough passphrase")
	require.NoError(t, err)
	require.Equal(t, abandonMnemonic, mnemonic)

	// Restoring on a fresh store reproduces the addresses.
	restored, _ := newTestKeyStore(t)
	_, err = restored.ImportMasterSeed(ctx, "erin", mnemonic, "")
	require.NoError(t, err)
	w, err := restored.CreateWallet(ctx, "erin", "main", "")
	require.NoError(t, err)
	addr, err := restored.DeriveAddress(ctx, w.Wallet.ID, Ethereum, "", fn.None[uint32]())
	require.NoError(t, err)
	require.Equal(t, goldenEVMAddress, addr.Address)
}

func TestMnemonicBackupRejectsDamage(t *testing.T) {
	t.Parallel()

	backup, err := SealMnemonicBackup("erin", abandonMnemonic, "long enough passphrase", time.Now())
	require.NoError(t, err)

	future := *backup
	future.Version = 2
	_, err = future.Open("long enough passphrase")
	require.True(t, wrapErrors.IsValidation(err), err)

	badKDF := *backup
	badKDF.KDF = "scrypt$1$00"
	_, err = badKDF.Open("long enough passphrase")
	require.True(t, wrapErrors.IsValidation(err), err)

	flipped := *backup
	flipped.Ciphertext = "00" + backup.Ciphertext[2:]
	if flipped.Ciphertext == backup.Ciphertext {
		flipped.Ciphertext = "11" + backup.Ciphertext[2:]
	}
	_, err = flipped.Open("long enough passphrase")
	require.True(t, wrapErrors.IsDecryption(err), err)

	notHex := *backup
	notHex.Ciphertext = "zz"
	_, err = notHex.Open("long enough passphrase")
	require.True(t, wrapErrors.IsDecryption(err), err)
}
