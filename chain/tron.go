package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/linlinbupt123-crypto/hdwallet_core/domain"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
	"github.com/linlinbupt123-crypto/hdwallet_core/token"
)

const (
	// tronTransferBytes is the bandwidth of a signed TRX transfer.
	tronTransferBytes = 270

	// tronSunPerByte is the TRX burnt per byte once free bandwidth is
	// used up.
	tronSunPerByte = 1000

	// DefaultTronFeeLimit caps TRC-20 energy at 30 TRX.
	DefaultTronFeeLimit = 30_000_000
)

// TronChain is the Tron NetworkAdapter over TronGrid.
type TronChain struct {
	info     domain.NetworkInfo
	client   *TronGridClient
	feeLimit int64
}

func NewTronChain(client *TronGridClient, feeLimit int64, finalityDepth uint64) (*TronChain, error) {
	info, err := domain.LookupNetwork(domain.Tron)
	if err != nil {
		return nil, err
	}
	if feeLimit <= 0 {
		feeLimit = DefaultTronFeeLimit
	}
	if finalityDepth != 0 {
		info.FinalityDepth = finalityDepth
	}
	return &TronChain{info: info, client: client, feeLimit: feeLimit}, nil
}

func (t *TronChain) Network() domain.Network {
	return t.info.Network
}

func (t *TronChain) validate(field, addr string) error {
	if err := domain.ValidateAddress(domain.Tron, addr); err != nil {
		return &wrapErrors.ValidationError{Field: field, Reason: "not a tron address"}
	}
	return nil
}

func (t *TronChain) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	if err := t.validate("address", address); err != nil {
		return nil, err
	}
	sun, err := t.client.GetAccountBalance(ctx, address)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeBalance, "getaccount", err)
	}
	return big.NewInt(sun), nil
}

func (t *TronChain) TokenBalance(ctx context.Context, contract, address string) (*big.Int, error) {
	if err := t.validate("token_contract", contract); err != nil {
		return nil, err
	}
	if err := t.validate("address", address); err != nil {
		return nil, err
	}
	owner, err := domain.TronAddressToEVM(address)
	if err != nil {
		return nil, err
	}
	data, err := token.BalanceOfCalldata(owner)
	if err != nil {
		return nil, err
	}
	out, err := t.client.TriggerConstantContract(ctx, address, contract,
		token.BalanceOfSignature, hex.EncodeToString(data[4:]))
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeBalance, "balanceOf", err)
	}
	return token.DecodeUint256(out)
}

// TokenDecimals reads decimals() of a TRC-20 contract. The contract itself
// is used as the caller of the view call.
func (t *TronChain) TokenDecimals(ctx context.Context, contract string) (uint8, error) {
	if err := t.validate("token_contract", contract); err != nil {
		return 0, err
	}
	out, err := t.client.TriggerConstantContract(ctx, contract, contract,
		token.DecimalsSignature, "")
	if err != nil {
		return 0, wrapErrors.WrapWithCode(wrapErrors.CodeBalance, "decimals", err)
	}
	return token.DecodeDecimals(out)
}

// EstimateFee prices the bandwidth burn of a TRX transfer, or the energy
// fee limit of a TRC-20 transfer. Tron has no fee market so level is
// ignored.
func (t *TronChain) EstimateFee(_ context.Context, level FeeLevel,
	req TransferRequest) (*FeeEstimate, error) {

	if req.IsToken() {
		return &FeeEstimate{
			Level:    level,
			Total:    big.NewInt(t.feeLimit),
			FeeLimit: t.feeLimit,
		}, nil
	}
	return &FeeEstimate{
		Level: level,
		Total: big.NewInt(tronTransferBytes * tronSunPerByte),
	}, nil
}

func (t *TronChain) BuildUnsignedTransfer(ctx context.Context, req TransferRequest,
	fee *FeeEstimate) (*UnsignedTx, error) {

	if err := requireAmount(req.Amount); err != nil {
		return nil, err
	}
	if err := t.validate("from", req.From); err != nil {
		return nil, err
	}
	if err := t.validate("to", req.To); err != nil {
		return nil, err
	}

	var (
		tx  *TronTransaction
		err error
	)
	if req.IsToken() {
		if err := t.validate("token_contract", req.TokenContract); err != nil {
			return nil, err
		}
		to, err := domain.TronAddressToEVM(req.To)
		if err != nil {
			return nil, err
		}
		calldata, err := token.EncodeTransferRaw(to, req.Amount)
		if err != nil {
			return nil, err
		}
		feeLimit := t.feeLimit
		if fee != nil && fee.FeeLimit > 0 {
			feeLimit = fee.FeeLimit
		}
		tx, err = t.client.TriggerSmartContract(ctx, req.From, req.TokenContract,
			token.TransferSignature, hex.EncodeToString(token.TransferParameter(calldata)),
			feeLimit)
		if err != nil {
			return nil, wrapErrors.WrapWithCode(wrapErrors.CodeBuildTx, "triggersmartcontract", err)
		}
	} else {
		if !req.Amount.IsInt64() {
			return nil, &wrapErrors.ValidationError{Field: "amount", Reason: "exceeds int64 sun"}
		}
		tx, err = t.client.CreateTransaction(ctx, req.From, req.To, req.Amount.Int64())
		if err != nil {
			return nil, wrapErrors.WrapWithCode(wrapErrors.CodeBuildTx, "createtransaction", err)
		}
	}

	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	var feeTotal *big.Int
	if fee != nil {
		feeTotal = fee.Total
	}
	return &UnsignedTx{Network: t.info.Network, Payload: payload, Fee: feeTotal}, nil
}

// Sign checks that txID commits to raw_data_hex before signing it, so a
// node cannot get an unrelated transaction signed.
func (t *TronChain) Sign(unsigned *UnsignedTx, key *domain.KeyPair) (*SignedTx, error) {
	if err := checkPayload(t.info.Network, unsigned.Network); err != nil {
		return nil, err
	}
	var tx TronTransaction
	if err := json.Unmarshal(unsigned.Payload, &tx); err != nil {
		return nil, fmt.Errorf("failed to decode tron payload: %w", err)
	}
	raw, err := hex.DecodeString(tx.RawDataHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode raw_data_hex: %w", err)
	}
	digest := sha256.Sum256(raw)
	if !strings.EqualFold(hex.EncodeToString(digest[:]), tx.TxID) {
		return nil, fmt.Errorf("txID %s does not match raw data", tx.TxID)
	}

	priv, err := key.ECDSA()
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.SignerErr, "tron key", err)
	}
	sig, err := crypto.Sign(digest[:], priv)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.SignerErr, "tron sign", err)
	}
	tx.Signature = []string{hex.EncodeToString(sig)}

	signed, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	return &SignedTx{Network: t.info.Network, Hash: strings.ToLower(tx.TxID), Raw: signed}, nil
}

// Broadcast return codes that will not change on retry.
var terminalTronCodes = map[string]bool{
	"SIGERROR":                     true,
	"CONTRACT_VALIDATE_ERROR":      true,
	"CONTRACT_EXE_ERROR":           true,
	"BANDWITH_ERROR":               true,
	"TAPOS_ERROR":                  true,
	"TOO_BIG_TRANSACTION_ERROR":    true,
	"TRANSACTION_EXPIRATION_ERROR": true,
}

func (t *TronChain) Broadcast(ctx context.Context, signed *SignedTx) (string, error) {
	if err := checkPayload(t.info.Network, signed.Network); err != nil {
		return "", err
	}
	var tx TronTransaction
	if err := json.Unmarshal(signed.Raw, &tx); err != nil {
		return "", broadcastErr(t.info.Network, true, err)
	}

	ret, err := t.client.BroadcastTransaction(ctx, &tx)
	if err != nil {
		if isTimeout(err) {
			return "", unknownOutcome(t.info.Network, "broadcast", signed.Hash, err)
		}
		var se *statusError
		terminal := errors.As(err, &se) && se.Code < 500 && se.Code != 429
		return "", broadcastErr(t.info.Network, terminal, err)
	}
	if ret.Result {
		log.Infof("Broadcast tron tx %s", signed.Hash)
		return signed.Hash, nil
	}
	if ret.Code == "DUP_TRANSACTION_ERROR" {
		return signed.Hash, nil
	}
	rejectErr := fmt.Errorf("%s: %s", ret.Code, ret.DecodedMessage())
	return "", broadcastErr(t.info.Network, terminalTronCodes[ret.Code], rejectErr)
}

func (t *TronChain) ConfirmationStatus(ctx context.Context, hash string) (*ConfirmationStatus, error) {
	info, err := t.client.GetTransactionInfoByID(ctx, hash)
	if err != nil {
		return nil, t.statusErr(hash, err)
	}
	if info.ID == "" {
		return &ConfirmationStatus{}, nil
	}

	out := &ConfirmationStatus{Found: true, BlockNumber: fn.Some(uint64(info.BlockNumber))}
	if info.Result == "FAILED" || (info.Receipt.Result != "" && info.Receipt.Result != "SUCCESS") {
		out.Failed = true
		out.Reason = info.Receipt.Result
		if msg := decodeTronMessage(info.ResMessage); msg != "" {
			out.Reason = strings.TrimSpace(out.Reason + " " + msg)
		}
	}

	now, err := t.client.GetNowBlockNumber(ctx)
	if err != nil {
		return nil, t.statusErr(hash, err)
	}
	if now >= info.BlockNumber {
		out.Confirmations = uint64(now-info.BlockNumber) + 1
	}
	out.Finalized = out.Confirmations >= t.info.FinalityDepth
	return out, nil
}

func (t *TronChain) statusErr(hash string, err error) error {
	if isTimeout(err) {
		return unknownOutcome(t.info.Network, "confirmation status", hash, err)
	}
	return wrapErrors.WrapWithCode(wrapErrors.CodeTxStatus, "gettransactioninfobyid", err)
}
