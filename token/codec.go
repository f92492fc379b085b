// Package token encodes and decodes ERC-20 / TRC-20 calls. TRC-20 shares the
// ERC-20 ABI; only the address encoding of the caller differs.
package token

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/linlinbupt123-crypto/hdwallet_core/domain"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
	"github.com/linlinbupt123-crypto/hdwallet_core/utils"
)

const erc20ABI = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"uint8"}]}
]`

// TransferSelector is keccak256("transfer(address,uint256)")[:4].
var TransferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// TransferSignature is the function selector string TronGrid expects.
const TransferSignature = "transfer(address,uint256)"

// BalanceOfSignature is the TronGrid selector string of balanceOf.
const BalanceOfSignature = "balanceOf(address)"

// DecimalsSignature is the TronGrid selector string of decimals.
const DecimalsSignature = "decimals()"

var (
	erc20 abi.ABI

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(fmt.Sprintf("invalid erc20 abi: %v", err))
	}
	erc20 = parsed
}

// ParseRecipient accepts an EVM hex address or a Tron Base58Check address
// and returns the 20 byte account hash.
func ParseRecipient(to string) (common.Address, error) {
	if common.IsHexAddress(to) {
		return common.HexToAddress(to), nil
	}
	addr, err := domain.TronAddressToEVM(to)
	if err != nil {
		return common.Address{}, &wrapErrors.ValidationError{Field: "to", Reason: err.Error()}
	}
	return addr, nil
}

// EncodeTransferAmount scales a decimal string to the token's base units
// with integer arithmetic only.
func EncodeTransferAmount(amount string, decimals uint8) (*big.Int, error) {
	v, err := utils.ParseUnits(amount, decimals)
	if err != nil {
		return nil, err
	}
	if v.Cmp(maxUint256) > 0 {
		return nil, &wrapErrors.ValidationError{Field: "amount", Reason: "exceeds uint256"}
	}
	return v, nil
}

// EncodeTransfer returns transfer(to, amount) calldata, amount given as a
// decimal string in whole token units.
func EncodeTransfer(to, amount string, decimals uint8) ([]byte, error) {
	recipient, err := ParseRecipient(to)
	if err != nil {
		return nil, err
	}
	value, err := EncodeTransferAmount(amount, decimals)
	if err != nil {
		return nil, err
	}
	return EncodeTransferRaw(recipient, value)
}

// EncodeTransferRaw returns transfer(to, value) calldata for a base-unit
// value.
func EncodeTransferRaw(to common.Address, value *big.Int) ([]byte, error) {
	if value == nil || value.Sign() < 0 || value.Cmp(maxUint256) > 0 {
		return nil, &wrapErrors.ValidationError{Field: "amount", Reason: "out of uint256 range"}
	}
	return erc20.Pack("transfer", to, value)
}

// DecodeTransfer parses transfer calldata back into recipient and value.
func DecodeTransfer(data []byte) (common.Address, *big.Int, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], TransferSelector) {
		return common.Address{}, nil, errors.New("not a transfer call")
	}
	args, err := erc20.Methods["transfer"].Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("failed to unpack transfer: %w", err)
	}
	to, ok1 := args[0].(common.Address)
	value, ok2 := args[1].(*big.Int)
	if !ok1 || !ok2 {
		return common.Address{}, nil, errors.New("unexpected transfer argument types")
	}
	return to, value, nil
}

// DecodeContractAmount renders a raw token integer as a trimmed decimal
// string, e.g. (10500000, 6) -> "10.5".
func DecodeContractAmount(raw *big.Int, decimals uint8) string {
	return utils.FormatUnits(raw, decimals)
}

// BalanceOfCalldata returns balanceOf(owner) calldata.
func BalanceOfCalldata(owner common.Address) ([]byte, error) {
	return erc20.Pack("balanceOf", owner)
}

// DecimalsCalldata returns decimals() calldata.
func DecimalsCalldata() []byte {
	data, _ := erc20.Pack("decimals")
	return data
}

// DecodeUint256 decodes a single uint256 return value.
func DecodeUint256(out []byte) (*big.Int, error) {
	vals, err := erc20.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack uint256: %w", err)
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, errors.New("unexpected return type")
	}
	return v, nil
}

// DecodeDecimals decodes the decimals() return value.
func DecodeDecimals(out []byte) (uint8, error) {
	vals, err := erc20.Unpack("decimals", out)
	if err != nil {
		return 0, fmt.Errorf("failed to unpack decimals: %w", err)
	}
	d, ok := vals[0].(uint8)
	if !ok {
		return 0, errors.New("unexpected return type")
	}
	return d, nil
}

// TransferParameter returns the ABI encoded arguments without the selector,
// the form TronGrid's triggersmartcontract takes.
func TransferParameter(calldata []byte) []byte {
	if len(calldata) < 4 {
		return nil
	}
	return calldata[4:]
}
