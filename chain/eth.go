package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/linlinbupt123-crypto/hdwallet_core/domain"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
	"github.com/linlinbupt123-crypto/hdwallet_core/token"
)

const nativeTransferGas = 21000

// EVMBackend is the subset of *ethclient.Client the EVM adapter uses.
type EVMBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ EVMBackend = (*ethclient.Client)(nil)

// DialEVM connects to an EVM JSON-RPC endpoint.
func DialEVM(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.DailChain, "eth dial", err)
	}
	return client, nil
}

// ETHConfig configures one EVM network.
type ETHConfig struct {
	Network domain.Network

	// ChainID overrides the registry chain id when non zero.
	ChainID int64

	// FinalityDepth overrides the registry depth when non zero.
	FinalityDepth uint64

	Timeout time.Duration
}

// ETHChain is the NetworkAdapter of every EVM network. One instance serves
// one chain id.
type ETHChain struct {
	info    domain.NetworkInfo
	client  EVMBackend
	chainID *big.Int
	timeout time.Duration
}

func NewETHChain(cfg ETHConfig, client EVMBackend) (*ETHChain, error) {
	info, err := domain.LookupNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}
	if info.Kind != domain.KindEVM {
		return nil, unsupported(cfg.Network, "evm adapter")
	}
	chainID := info.ChainID
	if cfg.ChainID != 0 {
		chainID = cfg.ChainID
	}
	if cfg.FinalityDepth != 0 {
		info.FinalityDepth = cfg.FinalityDepth
	}
	return &ETHChain{
		info:    info,
		client:  client,
		chainID: big.NewInt(chainID),
		timeout: cfg.Timeout,
	}, nil
}

func (e *ETHChain) Network() domain.Network {
	return e.info.Network
}

// VerifyChainID checks that the endpoint serves the configured chain.
func (e *ETHChain) VerifyChainID(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	chainID, err := e.client.ChainID(ctx)
	if err != nil {
		return wrapErrors.WrapWithCode(wrapErrors.GetchainIDErr, "get chainID", err)
	}
	if chainID.Cmp(e.chainID) != 0 {
		return wrapErrors.WrapWithCode(wrapErrors.GetchainIDErr, "get chainID",
			fmt.Errorf("endpoint serves chain %s, %s expects %s", chainID, e.info.Network, e.chainID))
	}
	return nil
}

// newVerifiedETHChain builds an EVM adapter and refuses an endpoint that
// serves another chain.
func newVerifiedETHChain(ctx context.Context, cfg ETHConfig, client EVMBackend) (*ETHChain, error) {
	e, err := NewETHChain(cfg, client)
	if err != nil {
		return nil, err
	}
	if err := e.VerifyChainID(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Network, err)
	}
	return e, nil
}

func parseEVMAddress(field, addr string) (common.Address, error) {
	if !common.IsHexAddress(addr) {
		return common.Address{}, &wrapErrors.ValidationError{Field: field, Reason: "not a hex address"}
	}
	return common.HexToAddress(addr), nil
}

func (e *ETHChain) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	account, err := parseEVMAddress("address", address)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	balance, err := e.client.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeBalance, "BalanceAt", err)
	}
	return balance, nil
}

func (e *ETHChain) TokenBalance(ctx context.Context, contract, address string) (*big.Int, error) {
	tokenAddr, err := parseEVMAddress("token_contract", contract)
	if err != nil {
		return nil, err
	}
	owner, err := parseEVMAddress("address", address)
	if err != nil {
		return nil, err
	}
	data, err := token.BalanceOfCalldata(owner)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeBalance, "balanceOf", err)
	}
	return token.DecodeUint256(out)
}

// TokenDecimals reads decimals() of an ERC-20 contract.
func (e *ETHChain) TokenDecimals(ctx context.Context, contract string) (uint8, error) {
	tokenAddr, err := parseEVMAddress("token_contract", contract)
	if err != nil {
		return 0, err
	}

	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: token.DecimalsCalldata()}, nil)
	if err != nil {
		return 0, wrapErrors.WrapWithCode(wrapErrors.CodeBalance, "decimals", err)
	}
	return token.DecodeDecimals(out)
}

// callFor returns the recipient, value and calldata of a transfer.
func (e *ETHChain) callFor(req TransferRequest) (common.Address, *big.Int, []byte, error) {
	if err := requireAmount(req.Amount); err != nil {
		return common.Address{}, nil, nil, err
	}
	to, err := parseEVMAddress("to", req.To)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	if !req.IsToken() {
		return to, req.Amount, nil, nil
	}
	contract, err := parseEVMAddress("token_contract", req.TokenContract)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	data, err := token.EncodeTransferRaw(to, req.Amount)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	return contract, new(big.Int), data, nil
}

func (e *ETHChain) EstimateFee(ctx context.Context, level FeeLevel,
	req TransferRequest) (*FeeEstimate, error) {

	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	tip, err := e.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeGasEstimate, "SuggestGasTipCap", err)
	}
	header, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeChainRPC, "HeaderByNumber", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}

	switch level {
	case FeeSlow:
	case FeeFast:
		tip = new(big.Int).Mul(tip, big.NewInt(2))
	default:
		tip = new(big.Int).Div(new(big.Int).Mul(tip, big.NewInt(5)), big.NewInt(4))
	}
	// 留 buffer: two base fee doublings before the tx is priced out.
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	gas := uint64(nativeTransferGas)
	if req.IsToken() {
		from, err := parseEVMAddress("from", req.From)
		if err != nil {
			return nil, err
		}
		to, value, data, err := e.callFor(req)
		if err != nil {
			return nil, err
		}
		estimated, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
			From: from, To: &to, Value: value, Data: data,
		})
		if err != nil {
			return nil, wrapErrors.WrapWithCode(wrapErrors.CodeGasEstimate, "EstimateGas", err)
		}
		gas = estimated * 6 / 5
	}

	return &FeeEstimate{
		Level:     level,
		Total:     new(big.Int).Mul(feeCap, new(big.Int).SetUint64(gas)),
		GasLimit:  gas,
		GasTipCap: tip,
		GasFeeCap: feeCap,
	}, nil
}

func (e *ETHChain) BuildUnsignedTransfer(ctx context.Context, req TransferRequest,
	fee *FeeEstimate) (*UnsignedTx, error) {

	if fee == nil || fee.GasLimit == 0 || fee.GasFeeCap == nil || fee.GasTipCap == nil {
		return nil, &wrapErrors.ValidationError{Field: "fee", Reason: "missing gas parameters"}
	}
	from, err := parseEVMAddress("from", req.From)
	if err != nil {
		return nil, err
	}
	to, value, data, err := e.callFor(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	nonce, err := e.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.PendingNonceAt, "PendingNonceAt", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     nonce,
		GasTipCap: fee.GasTipCap,
		GasFeeCap: fee.GasFeeCap,
		Gas:       fee.GasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	payload, err := tx.MarshalBinary()
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeBuildTx, "encode tx", err)
	}

	return &UnsignedTx{
		Network: e.info.Network,
		Payload: payload,
		Fee:     new(big.Int).Mul(fee.GasFeeCap, new(big.Int).SetUint64(fee.GasLimit)),
		Nonce:   fn.Some(nonce),
	}, nil
}

func (e *ETHChain) Sign(unsigned *UnsignedTx, key *domain.KeyPair) (*SignedTx, error) {
	if err := checkPayload(e.info.Network, unsigned.Network); err != nil {
		return nil, err
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(unsigned.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode evm payload: %w", err)
	}
	priv, err := key.ECDSA()
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.SignerErr, "evm key", err)
	}

	signer := types.NewLondonSigner(e.chainID)
	signedTx, err := types.SignTx(tx, signer, priv)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.SignerErr, "SignTx", err)
	}
	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &SignedTx{
		Network: e.info.Network,
		Hash:    signedTx.Hash().Hex(),
		Raw:     raw,
	}, nil
}

// terminalEVMRejects are txpool errors that resubmitting the same bytes
// can never fix.
var terminalEVMRejects = []string{
	"nonce too low", "insufficient funds", "invalid sender", "intrinsic gas too low",
	"exceeds block gas limit", "invalid chain id", "tx type not supported",
	"gas limit reached", "max fee per gas less than block base fee",
	"max priority fee per gas higher than max fee per gas",
}

func classifyEVMBroadcast(network domain.Network, hash string, err error) error {
	if isTimeout(err) {
		return unknownOutcome(network, "broadcast", hash, err)
	}
	msg := strings.ToLower(err.Error())
	for _, r := range terminalEVMRejects {
		if strings.Contains(msg, r) {
			return broadcastErr(network, true, err)
		}
	}
	return broadcastErr(network, false, err)
}

func (e *ETHChain) Broadcast(ctx context.Context, signed *SignedTx) (string, error) {
	if err := checkPayload(e.info.Network, signed.Network); err != nil {
		return "", err
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signed.Raw); err != nil {
		return "", broadcastErr(e.info.Network, true, err)
	}

	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.client.SendTransaction(ctx, tx); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already known") {
			return tx.Hash().Hex(), nil
		}
		return "", classifyEVMBroadcast(e.info.Network, tx.Hash().Hex(),
			wrapErrors.WrapWithCode(wrapErrors.SendTxErr, "SendTransaction", err))
	}
	log.Infof("Broadcast %s tx %s nonce=%d", e.info.Network, tx.Hash().Hex(), tx.Nonce())
	return tx.Hash().Hex(), nil
}

func (e *ETHChain) ConfirmationStatus(ctx context.Context, hash string) (*ConfirmationStatus, error) {
	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	txHash := common.HexToHash(hash)
	receipt, err := e.client.TransactionReceipt(ctx, txHash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		_, _, err := e.client.TransactionByHash(ctx, txHash)
		switch {
		case errors.Is(err, ethereum.NotFound):
			return &ConfirmationStatus{}, nil
		case err != nil:
			return nil, e.statusErr(hash, err)
		}
		return &ConfirmationStatus{Found: true}, nil
	case err != nil:
		return nil, e.statusErr(hash, err)
	}

	head, err := e.client.BlockNumber(ctx)
	if err != nil {
		return nil, e.statusErr(hash, err)
	}
	out := &ConfirmationStatus{Found: true}
	if receipt.BlockNumber != nil {
		block := receipt.BlockNumber.Uint64()
		out.BlockNumber = fn.Some(block)
		if head >= block {
			out.Confirmations = head - block + 1
		}
	}
	if receipt.Status == types.ReceiptStatusFailed {
		out.Failed = true
		out.Reason = "execution reverted"
	}
	out.Finalized = out.Confirmations >= e.info.FinalityDepth
	return out, nil
}

func (e *ETHChain) statusErr(hash string, err error) error {
	if isTimeout(err) {
		return unknownOutcome(e.info.Network, "confirmation status", hash, err)
	}
	return wrapErrors.WrapWithCode(wrapErrors.CodeTxStatus, "TransactionReceipt", err)
}

// NonceConsumed reports whether the latest block has moved past nonce, in
// which case some transaction with that nonce was mined.
func (e *ETHChain) NonceConsumed(ctx context.Context, from string, nonce uint64) (bool, error) {
	account, err := parseEVMAddress("from", from)
	if err != nil {
		return false, err
	}
	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	latest, err := e.client.NonceAt(ctx, account, nil)
	if err != nil {
		if isTimeout(err) {
			return false, unknownOutcome(e.info.Network, "nonce lookup", "", err)
		}
		return false, wrapErrors.WrapWithCode(wrapErrors.CodeChainRPC, "NonceAt", err)
	}
	return latest > nonce, nil
}
