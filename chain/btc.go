package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/linlinbupt123-crypto/hdwallet_core/domain"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
)

const (
	// DustLimit is the smallest output relayed by default policy.
	DustLimit = 546

	minFeeRate = 1
)

// feeTargets are Esplora confirmation targets per level, most preferred
// first.
var feeTargets = map[FeeLevel][]string{
	FeeFast:     {"1", "2", "3"},
	FeeStandard: {"6", "5", "4", "3"},
	FeeSlow:     {"144", "25", "12", "6"},
}

// estimateVSize approximates the virtual size of a single key spend.
func estimateVSize(segwit bool, inputs, outputs int) int64 {
	if segwit {
		return int64(11 + 68*inputs + 31*outputs)
	}
	return int64(10 + 148*inputs + 34*outputs)
}

// BTCChain is the UTXO NetworkAdapter backed by an Esplora API.
type BTCChain struct {
	info   domain.NetworkInfo
	client *EsploraClient
}

func NewBTCChain(network domain.Network, client *EsploraClient) (*BTCChain, error) {
	info, err := domain.LookupNetwork(network)
	if err != nil {
		return nil, err
	}
	if info.Kind != domain.KindUTXO {
		return nil, unsupported(network, "utxo adapter")
	}
	return &BTCChain{info: info, client: client}, nil
}

func (b *BTCChain) Network() domain.Network {
	return b.info.Network
}

func (b *BTCChain) decodeAddress(field, addr string) (btcutil.Address, error) {
	a, err := btcutil.DecodeAddress(addr, b.info.BTCParams)
	if err != nil || !a.IsForNet(b.info.BTCParams) {
		return nil, &wrapErrors.ValidationError{Field: field, Reason: "not a " + string(b.info.Network) + " address"}
	}
	return a, nil
}

func (b *BTCChain) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	if _, err := b.decodeAddress("address", address); err != nil {
		return nil, err
	}
	utxos, err := b.client.GetAddressUTXOs(ctx, address)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeBalance, "utxo balance", err)
	}
	total := new(big.Int)
	for _, u := range utxos {
		total.Add(total, big.NewInt(u.Value))
	}
	return total, nil
}

func (b *BTCChain) TokenBalance(context.Context, string, string) (*big.Int, error) {
	return nil, unsupported(b.info.Network, "token balance")
}

func (b *BTCChain) feeRate(ctx context.Context, level FeeLevel) (int64, error) {
	fees, err := b.client.GetFeeEstimates(ctx)
	if err != nil {
		return 0, wrapErrors.WrapWithCode(wrapErrors.CodeFeeEstimate, "fee estimates", err)
	}
	targets, ok := feeTargets[level]
	if !ok {
		targets = feeTargets[FeeStandard]
	}
	for _, t := range targets {
		if rate, ok := fees[t]; ok {
			// Round up to whole sat/vB.
			r := int64(rate)
			if float64(r) < rate {
				r++
			}
			if r < minFeeRate {
				r = minFeeRate
			}
			return r, nil
		}
	}
	return minFeeRate, nil
}

// coinSelection is the outcome of selectCoins.
type coinSelection struct {
	inputs []*UTXO
	fee    int64
	change int64
}

// selectCoins picks the largest outputs first until amount plus fee is
// covered. Change below the dust limit is left to the miner.
func selectCoins(utxos []*UTXO, amount, rate int64, segwit bool) (*coinSelection, error) {
	sorted := make([]*UTXO, len(utxos))
	copy(sorted, utxos)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Value > sorted[j].Value })

	var (
		total    int64
		selected []*UTXO
		fee      int64
	)
	for _, u := range sorted {
		selected = append(selected, u)
		total += u.Value

		fee = rate * estimateVSize(segwit, len(selected), 2)
		if total < amount+fee {
			continue
		}
		change := total - amount - fee
		if change < DustLimit {
			return &coinSelection{inputs: selected, fee: total - amount}, nil
		}
		return &coinSelection{inputs: selected, fee: fee, change: change}, nil
	}
	if fee == 0 {
		fee = rate * estimateVSize(segwit, 1, 2)
	}
	return nil, &wrapErrors.InsufficientBalanceError{
		Required:  big.NewInt(amount + fee),
		Available: big.NewInt(total),
	}
}

func (b *BTCChain) selectFor(ctx context.Context, req TransferRequest,
	rate int64) (btcutil.Address, *coinSelection, error) {

	if req.IsToken() {
		return nil, nil, unsupported(b.info.Network, "token transfer")
	}
	if err := requireAmount(req.Amount); err != nil {
		return nil, nil, err
	}
	if !req.Amount.IsInt64() || req.Amount.Int64() < DustLimit {
		return nil, nil, &wrapErrors.ValidationError{Field: "amount", Reason: "below dust limit"}
	}
	from, err := b.decodeAddress("from", req.From)
	if err != nil {
		return nil, nil, err
	}
	if _, err := b.decodeAddress("to", req.To); err != nil {
		return nil, nil, err
	}

	utxos, err := b.client.GetAddressUTXOs(ctx, req.From)
	if err != nil {
		return nil, nil, wrapErrors.WrapWithCode(wrapErrors.CodeBuildTx, "list utxos", err)
	}
	_, segwit := from.(*btcutil.AddressWitnessPubKeyHash)
	sel, err := selectCoins(utxos, req.Amount.Int64(), rate, segwit)
	if err != nil {
		var ib *wrapErrors.InsufficientBalanceError
		if errors.As(err, &ib) {
			ib.Network = string(b.info.Network)
			ib.Address = req.From
		}
		return nil, nil, err
	}
	return from, sel, nil
}

func (b *BTCChain) EstimateFee(ctx context.Context, level FeeLevel,
	req TransferRequest) (*FeeEstimate, error) {

	rate, err := b.feeRate(ctx, level)
	if err != nil {
		return nil, err
	}
	est := &FeeEstimate{Level: level, SatPerVByte: rate}

	// Without a concrete request, price a one input spend.
	if req.From == "" || req.Amount == nil {
		est.Total = big.NewInt(rate * estimateVSize(true, 1, 2))
		return est, nil
	}
	_, sel, err := b.selectFor(ctx, req, rate)
	if err != nil {
		var ib *wrapErrors.InsufficientBalanceError
		if !errors.As(err, &ib) {
			return nil, err
		}
		// Report the fee anyway; the caller owns the balance check.
		est.Total = new(big.Int).Sub(ib.Required, req.Amount)
		return est, nil
	}
	est.Total = big.NewInt(sel.fee)
	return est, nil
}

// utxoPayload is the persisted form of an unsigned UTXO transaction. The
// previous outputs are kept so signing needs no network access.
type utxoPayload struct {
	Tx       string        `json:"tx"`
	PrevOuts []utxoPrevOut `json:"prev_outs"`
}

type utxoPrevOut struct {
	Value    int64  `json:"value"`
	PkScript string `json:"pk_script"`
}

func (b *BTCChain) BuildUnsignedTransfer(ctx context.Context, req TransferRequest,
	fee *FeeEstimate) (*UnsignedTx, error) {

	if fee == nil || fee.SatPerVByte <= 0 {
		return nil, &wrapErrors.ValidationError{Field: "fee", Reason: "missing fee rate"}
	}
	from, sel, err := b.selectFor(ctx, req, fee.SatPerVByte)
	if err != nil {
		return nil, err
	}
	to, _ := b.decodeAddress("to", req.To)

	fromScript, err := txscript.PayToAddrScript(from)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeBuildTx, "from script", err)
	}
	toScript, err := txscript.PayToAddrScript(to)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeBuildTx, "to script", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	payload := utxoPayload{}
	for _, u := range sel.inputs {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, wrapErrors.WrapWithCode(wrapErrors.CodeBuildTx, "utxo txid", err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil))
		payload.PrevOuts = append(payload.PrevOuts, utxoPrevOut{
			Value:    u.Value,
			PkScript: hex.EncodeToString(fromScript),
		})
	}
	tx.AddTxOut(wire.NewTxOut(req.Amount.Int64(), toScript))
	if sel.change > 0 {
		tx.AddTxOut(wire.NewTxOut(sel.change, fromScript))
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeBuildTx, "serialize tx", err)
	}
	payload.Tx = hex.EncodeToString(buf.Bytes())

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	log.Debugf("Built %s spend of %d inputs, fee=%d change=%d", b.info.Network,
		len(sel.inputs), sel.fee, sel.change)

	return &UnsignedTx{
		Network: b.info.Network,
		Payload: raw,
		Fee:     big.NewInt(sel.fee),
	}, nil
}

func (b *BTCChain) Sign(unsigned *UnsignedTx, key *domain.KeyPair) (*SignedTx, error) {
	if err := checkPayload(b.info.Network, unsigned.Network); err != nil {
		return nil, err
	}
	var payload utxoPayload
	if err := json.Unmarshal(unsigned.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode utxo payload: %w", err)
	}
	rawTx, err := hex.DecodeString(payload.Tx)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tx hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return nil, fmt.Errorf("failed to deserialize tx: %w", err)
	}
	if len(payload.PrevOuts) != len(tx.TxIn) {
		return nil, fmt.Errorf("have %d prev outs for %d inputs", len(payload.PrevOuts), len(tx.TxIn))
	}

	priv, err := key.BTCEC()
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.SignerErr, "btc key", err)
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))
	scripts := make([][]byte, len(tx.TxIn))
	for i, in := range tx.TxIn {
		script, err := hex.DecodeString(payload.PrevOuts[i].PkScript)
		if err != nil {
			return nil, fmt.Errorf("failed to decode pk script: %w", err)
		}
		scripts[i] = script
		prevOuts[in.PreviousOutPoint] = wire.NewTxOut(payload.PrevOuts[i].Value, script)
	}
	sigHashes := txscript.NewTxSigHashes(tx, txscript.NewMultiPrevOutFetcher(prevOuts))

	for i, in := range tx.TxIn {
		script := scripts[i]
		switch txscript.GetScriptClass(script) {
		case txscript.WitnessV0PubKeyHashTy:
			witness, err := txscript.WitnessSignature(tx, sigHashes, i,
				payload.PrevOuts[i].Value, script, txscript.SigHashAll, priv, true)
			if err != nil {
				return nil, wrapErrors.WrapWithCode(wrapErrors.SignerErr, "witness signature", err)
			}
			in.Witness = witness

		case txscript.PubKeyHashTy:
			sigScript, err := txscript.SignatureScript(tx, i, script,
				txscript.SigHashAll, priv, true)
			if err != nil {
				return nil, wrapErrors.WrapWithCode(wrapErrors.SignerErr, "signature script", err)
			}
			in.SignatureScript = sigScript

		default:
			return nil, fmt.Errorf("unsupported input script class %v", txscript.GetScriptClass(script))
		}
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return &SignedTx{
		Network: b.info.Network,
		Hash:    tx.TxHash().String(),
		Raw:     buf.Bytes(),
	}, nil
}

// terminalBTCRejects are bitcoind reject reasons that no retry can fix.
var terminalBTCRejects = []string{
	"bad-txns", "missing-inputs", "missingorspent", "non-mandatory-script-verify-flag",
	"mandatory-script-verify-flag", "insufficient fee", "min relay fee not met",
	"dust", "txn-mempool-conflict", "tx decode failed",
}

func (b *BTCChain) Broadcast(ctx context.Context, signed *SignedTx) (string, error) {
	if err := checkPayload(b.info.Network, signed.Network); err != nil {
		return "", err
	}
	txid, err := b.client.BroadcastTransaction(ctx, hex.EncodeToString(signed.Raw))
	if err == nil {
		log.Infof("Broadcast %s tx %s", b.info.Network, txid)
		return txid, nil
	}
	if isTimeout(err) {
		return "", unknownOutcome(b.info.Network, "broadcast", signed.Hash, err)
	}

	var se *statusError
	if errors.As(err, &se) {
		body := strings.ToLower(se.Body)
		if strings.Contains(body, "already in block chain") ||
			strings.Contains(body, "txn-already-known") ||
			strings.Contains(body, "txn-already-in-mempool") {

			return signed.Hash, nil
		}
		if se.Code >= http.StatusInternalServerError {
			return "", broadcastErr(b.info.Network, false, err)
		}
		if se.Code == http.StatusBadRequest {
			return "", broadcastErr(b.info.Network, true, err)
		}
		for _, r := range terminalBTCRejects {
			if strings.Contains(body, r) {
				return "", broadcastErr(b.info.Network, true, err)
			}
		}
	}
	return "", broadcastErr(b.info.Network, false, err)
}

func (b *BTCChain) ConfirmationStatus(ctx context.Context, hash string) (*ConfirmationStatus, error) {
	status, err := b.client.GetTxStatus(ctx, hash)
	switch {
	case errors.Is(err, ErrTxNotFound):
		return &ConfirmationStatus{}, nil
	case isTimeout(err):
		return nil, unknownOutcome(b.info.Network, "confirmation status", hash, err)
	case err != nil:
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeTxStatus, "tx status", err)
	}

	out := &ConfirmationStatus{Found: true}
	if !status.Confirmed {
		return out, nil
	}
	tip, err := b.client.GetTipHeight(ctx)
	if err != nil {
		if isTimeout(err) {
			return nil, unknownOutcome(b.info.Network, "confirmation status", hash, err)
		}
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeTxStatus, "tip height", err)
	}
	if tip >= status.BlockHeight {
		out.Confirmations = uint64(tip-status.BlockHeight) + 1
	}
	out.Finalized = out.Confirmations >= b.info.FinalityDepth
	out.BlockNumber = fn.Some(uint64(status.BlockHeight))
	return out, nil
}
