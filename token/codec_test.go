package token

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/linlinbupt123-crypto/hdwallet_core/domain"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
	"github.com/linlinbupt123-crypto/hdwallet_core/utils"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTransferSelector(t *testing.T) {
	t.Parallel()

	require.Equal(t, TransferSelector, crypto.Keccak256([]byte(TransferSignature))[:4])
}

func TestEncodeTransferScenario(t *testing.T) {
	t.Parallel()

	to := "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"

	value, err := EncodeTransferAmount("10.5", 6)
	require.NoError(t, err)
	require.Equal(t, int64(10_500_000), value.Int64())

	data, err := EncodeTransfer(to, "10.5", 6)
	require.NoError(t, err)
	require.Len(t, data, 4+32+32)
	require.Equal(t,
		"a9059cbb"+
			"0000000000000000000000009858effd232b4033e47d90003d41ec34ecaeda94"+
			"0000000000000000000000000000000000000000000000000000000000a037a0",
		hex.EncodeToString(data))

	gotTo, gotValue, err := DecodeTransfer(data)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(to), gotTo)
	require.Equal(t, "10.5", DecodeContractAmount(gotValue, 6))
}

func TestEncodeTransferTronRecipient(t *testing.T) {
	t.Parallel()

	evm := common.HexToAddress("0x9858EfFD232B4033E47d90003D41EC34EcaEda94")
	tron := domain.TronAddressFromEVM(evm)

	fromTron, err := EncodeTransfer(tron, "1", 6)
	require.NoError(t, err)
	fromEVM, err := EncodeTransfer(evm.Hex(), "1", 6)
	require.NoError(t, err)
	require.Equal(t, fromEVM, fromTron)
	require.Len(t, TransferParameter(fromTron), 64)
}

func TestEncodeTransferRejects(t *testing.T) {
	t.Parallel()

	to := "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
	for _, tc := range []struct {
		to, amount string
		decimals   uint8
	}{
		{to, "1.0000001", 6},
		{to, "-1", 6},
		{to, "1e3", 6},
		{to, "1" + strings.Repeat("0", 80), 0},
		{"TNotAnAddress", "1", 6},
		{"0x1234", "1", 6},
	} {
		_, err := EncodeTransfer(tc.to, tc.amount, tc.decimals)
		require.True(t, wrapErrors.IsValidation(err), "%+v", tc)
	}

	_, _, err := DecodeTransfer([]byte{0xde, 0xad, 0xbe, 0xef})
	require.Error(t, err)
}

// TestTokenAmountRoundTrip checks that decoding an encoded amount gives the
// normalized input for any decimal string within precision.
func TestTokenAmountRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		decimals := uint8(rapid.IntRange(0, 24).Draw(t, "decimals"))
		intPart := rapid.StringMatching(`[0-9]{1,20}`).Draw(t, "int")
		fracLen := rapid.IntRange(0, int(decimals)).Draw(t, "fracLen")
		fracPart := rapid.StringMatching(`[0-9]{` + strconv.Itoa(fracLen) + `}`).Draw(t, "frac")

		s := intPart
		if fracPart != "" {
			s += "." + fracPart
		}
		want, err := utils.NormalizeAmount(s, decimals)
		require.NoError(t, err)

		to := common.BytesToAddress(rapid.SliceOfN(rapid.Byte(), 20, 20).Draw(t, "to"))
		data, err := EncodeTransfer(to.Hex(), s, decimals)
		require.NoError(t, err)

		gotTo, raw, err := DecodeTransfer(data)
		require.NoError(t, err)
		require.Equal(t, to, gotTo)
		require.Equal(t, want, DecodeContractAmount(raw, decimals))
	})
}

func TestBalanceOfAndDecimals(t *testing.T) {
	t.Parallel()

	owner := common.HexToAddress("0x9858EfFD232B4033E47d90003D41EC34EcaEda94")
	data, err := BalanceOfCalldata(owner)
	require.NoError(t, err)
	require.Equal(t, "70a08231", hex.EncodeToString(data[:4]))

	out := common.LeftPadBytes(big.NewInt(123_456).Bytes(), 32)
	v, err := DecodeUint256(out)
	require.NoError(t, err)
	require.Equal(t, int64(123_456), v.Int64())

	require.Equal(t, "313ce567", hex.EncodeToString(DecimalsCalldata()))
	d, err := DecodeDecimals(common.LeftPadBytes([]byte{6}, 32))
	require.NoError(t, err)
	require.Equal(t, uint8(6), d)

	_, err = DecodeUint256([]byte{0x01})
	require.Error(t, err)
}
