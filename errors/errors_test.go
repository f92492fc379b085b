package errors

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapWithCode(t *testing.T) {
	t.Parallel()

	require.NoError(t, WrapWithCode(SendTxErr, "send", nil))

	err := WrapWithCode(CodeChainRPC, "eth_getBalance", context.DeadlineExceeded)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	code, ok := CodeOf(fmt.Errorf("outer: %w", err))
	require.True(t, ok)
	require.Equal(t, CodeChainRPC, code)
	require.Equal(t, "[CHAIN_RPC_ERROR] eth_getBalance: context deadline exceeded", err.Error())
}

func TestInsufficientBalanceShortfall(t *testing.T) {
	t.Parallel()

	err := &InsufficientBalanceError{
		Network:   "ethereum",
		Address:   "0xabc",
		Required:  big.NewInt(1_500),
		Available: big.NewInt(1_000),
	}
	require.Equal(t, int64(500), err.Shortfall().Int64())
	require.True(t, IsInsufficientBalance(fmt.Errorf("create: %w", err)))
	require.False(t, IsInsufficientGas(err))
}

func TestTypedHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"entropy", &InvalidEntropyError{Bits: 64}, IsInvalidEntropy},
		{"mnemonic", &InvalidMnemonicError{Words: 11}, IsInvalidMnemonic},
		{"network", &UnsupportedNetworkError{Network: "doge"}, IsUnsupportedNetwork},
		{"decrypt", &DecryptionError{Reason: "short"}, IsDecryption},
		{"mismatch", &AddressMismatchError{Stored: "a", Derived: "b"}, IsAddressMismatch},
		{"unknown", &UnknownOutcomeError{Op: "broadcast"}, IsUnknownOutcome},
		{"timeout", &ConfirmationTimeoutError{Hash: "h"}, IsConfirmationTimeout},
		{"transition", &InvalidTransitionError{From: "pending", To: "cancelled"}, IsInvalidTransition},
		{"validation", &ValidationError{Field: "amount"}, IsValidation},
		{"not found", &NotFoundError{Kind: "record"}, IsNotFound},
		{"exists", &AlreadyExistsError{Kind: "seed"}, IsAlreadyExists},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.True(t, tc.check(fmt.Errorf("wrapped: %w", tc.err)))
			require.False(t, tc.check(New("plain")))
		})
	}
}

func TestBroadcastErrorTerminal(t *testing.T) {
	t.Parallel()

	transient := &BroadcastError{Network: "bitcoin", Err: New("503")}
	terminal := &BroadcastError{Network: "bitcoin", Terminal: true, Err: New("bad-txns")}

	require.True(t, IsBroadcast(transient))
	require.False(t, IsTerminalBroadcast(transient))
	require.True(t, IsTerminalBroadcast(terminal))
	require.Contains(t, terminal.Error(), "terminal")
}
