// Package chain holds one NetworkAdapter per network kind. Adapters build,
// sign, broadcast and track native and token transfers; they never touch
// persistence.
package chain

import (
	"context"
	"errors"
	"math/big"
	"net"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/linlinbupt123-crypto/hdwallet_core/domain"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
)

// FeeLevel selects how aggressively a fee is priced.
type FeeLevel string

const (
	FeeSlow     FeeLevel = "slow"
	FeeStandard FeeLevel = "standard"
	FeeFast     FeeLevel = "fast"
)

// ParseFeeLevel maps the empty string to FeeStandard.
func ParseFeeLevel(s string) (FeeLevel, error) {
	switch FeeLevel(s) {
	case "":
		return FeeStandard, nil
	case FeeSlow, FeeStandard, FeeFast:
		return FeeLevel(s), nil
	default:
		return "", &wrapErrors.ValidationError{Field: "fee_level", Reason: "must be slow, standard or fast"}
	}
}

// TransferRequest is a transfer in base units. TokenContract is empty for a
// native transfer.
type TransferRequest struct {
	From          string
	To            string
	Amount        *big.Int
	TokenContract string
}

func (r TransferRequest) IsToken() bool {
	return r.TokenContract != ""
}

// FeeEstimate is the fee of one transfer. Total is in the native base unit
// and is the most the sender can be charged.
type FeeEstimate struct {
	Level FeeLevel
	Total *big.Int

	// SatPerVByte is set on UTXO networks.
	SatPerVByte int64

	// Gas fields are set on EVM networks.
	GasLimit  uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int

	// FeeLimit is the TRC-20 energy cap on Tron, in sun.
	FeeLimit int64
}

// UnsignedTx is a chain specific payload ready for Sign. Payload is opaque
// outside its adapter and is persisted as is.
type UnsignedTx struct {
	Network domain.Network
	Payload []byte
	Fee     *big.Int

	// Nonce is the account nonce on EVM networks.
	Nonce fn.Option[uint64]
}

// SignedTx is a signed payload and the hash it will have on chain.
type SignedTx struct {
	Network domain.Network
	Hash    string
	Raw     []byte
}

// ConfirmationStatus is the chain's view of a transaction.
type ConfirmationStatus struct {
	Found         bool
	Confirmations uint64
	Finalized     bool
	Failed        bool
	Reason        string
	BlockNumber   fn.Option[uint64]
}

// Adapter is the NetworkAdapter of one network. Sign is CPU only; every
// other method performs network I/O bounded by the adapter's timeout.
type Adapter interface {
	Network() domain.Network

	NativeBalance(ctx context.Context, address string) (*big.Int, error)

	TokenBalance(ctx context.Context, contract, address string) (*big.Int, error)

	EstimateFee(ctx context.Context, level FeeLevel, req TransferRequest) (*FeeEstimate, error)

	BuildUnsignedTransfer(ctx context.Context, req TransferRequest,
		fee *FeeEstimate) (*UnsignedTx, error)

	Sign(unsigned *UnsignedTx, key *domain.KeyPair) (*SignedTx, error)

	// Broadcast submits a signed tx and returns its hash. Rejections are
	// *errors.BroadcastError; a deadline is *errors.UnknownOutcomeError.
	Broadcast(ctx context.Context, signed *SignedTx) (string, error)

	ConfirmationStatus(ctx context.Context, hash string) (*ConfirmationStatus, error)
}

// TokenMetadata is implemented by networks with ERC-20 style tokens.
type TokenMetadata interface {
	TokenDecimals(ctx context.Context, contract string) (uint8, error)
}

// NonceReconciler is implemented by account networks with sequential
// nonces. It lets a timed out broadcast be resolved without its hash.
type NonceReconciler interface {
	NonceConsumed(ctx context.Context, from string, nonce uint64) (bool, error)
}

// withTimeout bounds a network call. A zero timeout leaves ctx as is.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// isTimeout reports whether err is a deadline, either from the context or
// from the HTTP transport.
func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func unknownOutcome(network domain.Network, op, hash string, err error) error {
	return &wrapErrors.UnknownOutcomeError{Network: string(network), Op: op, Hash: hash, Err: err}
}

func broadcastErr(network domain.Network, terminal bool, err error) error {
	return &wrapErrors.BroadcastError{Network: string(network), Terminal: terminal, Err: err}
}

func unsupported(network domain.Network, op string) error {
	return &wrapErrors.UnsupportedNetworkError{Network: string(network), Op: op}
}

func checkPayload(network domain.Network, got domain.Network) error {
	if got != network {
		return &wrapErrors.ValidationError{Field: "network",
			Reason: "payload built for " + string(got) + " passed to " + string(network)}
	}
	return nil
}

func requireAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return &wrapErrors.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	return nil
}
