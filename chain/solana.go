package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/linlinbupt123-crypto/hdwallet_core/domain"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
)

// LamportsPerSignature is the base fee of one signature.
const LamportsPerSignature = 5000

// SolanaRPC is the subset of *rpc.Client the Solana adapter uses.
type SolanaRPC interface {
	GetBalance(ctx context.Context, account solana.PublicKey,
		commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context,
		commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction,
		opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool,
		transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

var _ SolanaRPC = (*rpc.Client)(nil)

// SolanaChain is the Solana NetworkAdapter. Built transactions embed a
// recent blockhash and expire after about 150 blocks, so sign and
// broadcast promptly after BuildUnsignedTransfer.
type SolanaChain struct {
	info    domain.NetworkInfo
	client  SolanaRPC
	timeout time.Duration
}

func NewSolanaChain(client SolanaRPC, timeout time.Duration) (*SolanaChain, error) {
	info, err := domain.LookupNetwork(domain.Solana)
	if err != nil {
		return nil, err
	}
	return &SolanaChain{info: info, client: client, timeout: timeout}, nil
}

func (s *SolanaChain) Network() domain.Network {
	return s.info.Network
}

func parseSolanaAddress(field, addr string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(addr)
	if err != nil {
		return solana.PublicKey{}, &wrapErrors.ValidationError{Field: field, Reason: "not a solana address"}
	}
	return pk, nil
}

func (s *SolanaChain) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	pk, err := parseSolanaAddress("address", address)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	balance, err := s.client.GetBalance(ctx, pk, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeBalance, "GetBalance", err)
	}
	return new(big.Int).SetUint64(balance.Value), nil
}

func (s *SolanaChain) TokenBalance(context.Context, string, string) (*big.Int, error) {
	return nil, unsupported(s.info.Network, "token balance")
}

func (s *SolanaChain) EstimateFee(_ context.Context, level FeeLevel,
	req TransferRequest) (*FeeEstimate, error) {

	if req.IsToken() {
		return nil, unsupported(s.info.Network, "token transfer")
	}
	return &FeeEstimate{Level: level, Total: big.NewInt(LamportsPerSignature)}, nil
}

func (s *SolanaChain) BuildUnsignedTransfer(ctx context.Context, req TransferRequest,
	fee *FeeEstimate) (*UnsignedTx, error) {

	if req.IsToken() {
		return nil, unsupported(s.info.Network, "token transfer")
	}
	if err := requireAmount(req.Amount); err != nil {
		return nil, err
	}
	if !req.Amount.IsUint64() {
		return nil, &wrapErrors.ValidationError{Field: "amount", Reason: "exceeds u64 lamports"}
	}
	from, err := parseSolanaAddress("from", req.From)
	if err != nil {
		return nil, err
	}
	to, err := parseSolanaAddress("to", req.To)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	recent, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeBuildTx, "GetLatestBlockhash", err)
	}

	transferInstruction := system.NewTransferInstruction(
		req.Amount.Uint64(),
		from,
		to,
	).Build()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{transferInstruction},
		recent.Value.Blockhash,
		solana.TransactionPayer(from),
	)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeBuildTx, "NewTransaction", err)
	}
	payload, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeBuildTx, "encode message", err)
	}

	feeTotal := big.NewInt(LamportsPerSignature)
	if fee != nil && fee.Total != nil {
		feeTotal = fee.Total
	}
	return &UnsignedTx{Network: s.info.Network, Payload: payload, Fee: feeTotal}, nil
}

func (s *SolanaChain) Sign(unsigned *UnsignedTx, key *domain.KeyPair) (*SignedTx, error) {
	if err := checkPayload(s.info.Network, unsigned.Network); err != nil {
		return nil, err
	}
	var msg solana.Message
	if err := msg.UnmarshalWithDecoder(bin.NewBinDecoder(unsigned.Payload)); err != nil {
		return nil, fmt.Errorf("failed to decode solana message: %w", err)
	}
	wallet, err := key.Solana()
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.SignerErr, "solana key", err)
	}

	tx := &solana.Transaction{Message: msg}
	_, err = tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if wallet.PublicKey().Equals(pk) {
			return &wallet
		}
		return nil
	})
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.SignerErr, "solana sign", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &SignedTx{
		Network: s.info.Network,
		Hash:    tx.Signatures[0].String(),
		Raw:     raw,
	}, nil
}

// terminalSolanaRejects are preflight failures that a resubmission of the
// same bytes cannot fix.
var terminalSolanaRejects = []string{
	"blockhash not found", "insufficient funds", "insufficient lamports",
	"signature verification failure", "invalid transaction", "simulation failed",
	"accountnotfound", "could not find account",
}

func (s *SolanaChain) Broadcast(ctx context.Context, signed *SignedTx) (string, error) {
	if err := checkPayload(s.info.Network, signed.Network); err != nil {
		return "", err
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(signed.Raw))
	if err != nil {
		return "", broadcastErr(s.info.Network, true, err)
	}

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	sig, err := s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		if isTimeout(err) {
			return "", unknownOutcome(s.info.Network, "broadcast", signed.Hash, err)
		}
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "already been processed") {
			return signed.Hash, nil
		}
		for _, r := range terminalSolanaRejects {
			if strings.Contains(msg, r) {
				return "", broadcastErr(s.info.Network, true, err)
			}
		}
		return "", broadcastErr(s.info.Network, false, err)
	}
	log.Infof("Broadcast solana tx %s", sig)
	return sig.String(), nil
}

func (s *SolanaChain) ConfirmationStatus(ctx context.Context, hash string) (*ConfirmationStatus, error) {
	sig, err := solana.SignatureFromBase58(hash)
	if err != nil {
		return nil, &wrapErrors.ValidationError{Field: "hash", Reason: "not a solana signature"}
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		if isTimeout(err) {
			return nil, unknownOutcome(s.info.Network, "confirmation status", hash, err)
		}
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeTxStatus, "GetSignatureStatuses", err)
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return &ConfirmationStatus{}, nil
	}

	st := res.Value[0]
	out := &ConfirmationStatus{
		Found:       true,
		BlockNumber: fn.Some(st.Slot),
		Finalized:   st.ConfirmationStatus == rpc.ConfirmationStatusFinalized,
	}
	switch {
	case st.Confirmations != nil:
		out.Confirmations = *st.Confirmations
	case out.Finalized:
		// Finalized statuses carry no count.
		out.Confirmations = s.info.FinalityDepth
	}
	if st.Err != nil {
		out.Failed = true
		out.Reason = fmt.Sprintf("%v", st.Err)
	}
	return out, nil
}
