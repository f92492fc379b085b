package errors

import (
	"fmt"
	"math/big"
	"time"
)

// InvalidEntropyError is returned when a mnemonic is requested with an
// unsupported entropy size.
type InvalidEntropyError struct {
	Bits int
}

func (e *InvalidEntropyError) Error() string {
	return fmt.Sprintf("invalid entropy size %d bits: must be 128 or 256", e.Bits)
}

// InvalidMnemonicError is returned when a phrase fails the BIP-39
// wordlist or checksum check. The phrase itself is never included.
type InvalidMnemonicError struct {
	Words int
}

func (e *InvalidMnemonicError) Error() string {
	return fmt.Sprintf("invalid mnemonic (%d words)", e.Words)
}

type UnsupportedNetworkError struct {
	Network string
	Op      string
}

func (e *UnsupportedNetworkError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("network %q does not support %s", e.Network, e.Op)
	}
	return fmt.Sprintf("unsupported network %q", e.Network)
}

// DecryptionError covers tampered ciphertext, a wrong key and malformed
// input alike.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "failed to decrypt data: " + e.Reason
}

// AddressMismatchError means a re-derived key does not produce the stored
// address. Signing must not proceed.
type AddressMismatchError struct {
	Network string
	Path    string
	Stored  string
	Derived string
}

func (e *AddressMismatchError) Error() string {
	return fmt.Sprintf("derived address %s at %s (%s) does not match stored %s",
		e.Derived, e.Path, e.Network, e.Stored)
}

type InsufficientBalanceError struct {
	Network   string
	Address   string
	Required  *big.Int
	Available *big.Int
}

// Shortfall is Required minus Available.
func (e *InsufficientBalanceError) Shortfall() *big.Int {
	return new(big.Int).Sub(e.Required, e.Available)
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s for %s: required %s, available %s, shortfall %s",
		e.Network, e.Address, e.Required, e.Available, e.Shortfall())
}

// InsufficientGasError is returned when the native balance cannot cover the
// fee of a token transfer, or when the node rejects for gas.
type InsufficientGasError struct {
	Network   string
	Address   string
	Required  *big.Int
	Available *big.Int
}

func (e *InsufficientGasError) Error() string {
	if e.Required == nil || e.Available == nil {
		return fmt.Sprintf("insufficient gas on %s for %s", e.Network, e.Address)
	}
	return fmt.Sprintf("insufficient gas on %s for %s: fee %s, native balance %s",
		e.Network, e.Address, e.Required, e.Available)
}

// BroadcastError wraps a node rejection. Terminal rejections (bad
// signature, stale nonce, insufficient funds) must not be retried.
type BroadcastError struct {
	Network  string
	Terminal bool
	Err      error
}

func (e *BroadcastError) Error() string {
	kind := "transient"
	if e.Terminal {
		kind = "terminal"
	}
	return fmt.Sprintf("broadcast on %s failed (%s): %v", e.Network, kind, e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// UnknownOutcomeError is returned when a network call timed out and the
// chain state must be queried before anything is retried.
type UnknownOutcomeError struct {
	Network string
	Op      string
	Hash    string
	Err     error
}

func (e *UnknownOutcomeError) Error() string {
	return fmt.Sprintf("unknown outcome of %s on %s (tx %s): %v", e.Op, e.Network, e.Hash, e.Err)
}

func (e *UnknownOutcomeError) Unwrap() error { return e.Err }

type ConfirmationTimeoutError struct {
	Hash          string
	Confirmations uint64
	Waited        time.Duration
}

func (e *ConfirmationTimeoutError) Error() string {
	return fmt.Sprintf("tx %s not final after %s (%d confirmations)", e.Hash, e.Waited, e.Confirmations)
}

type InvalidTransitionError struct {
	RecordID string
	From     string
	To       string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("record %s: cannot move from %s to %s", e.RecordID, e.From, e.To)
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// AlreadyExistsError is returned by stores on a unique-key conflict.
type AlreadyExistsError struct {
	Kind string
	Key  string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.Key)
}

// ---------- Is helpers ----------

func IsInvalidEntropy(err error) bool {
	var target *InvalidEntropyError
	return As(err, &target)
}

func IsInvalidMnemonic(err error) bool {
	var target *InvalidMnemonicError
	return As(err, &target)
}

func IsUnsupportedNetwork(err error) bool {
	var target *UnsupportedNetworkError
	return As(err, &target)
}

func IsDecryption(err error) bool {
	var target *DecryptionError
	return As(err, &target)
}

func IsAddressMismatch(err error) bool {
	var target *AddressMismatchError
	return As(err, &target)
}

func IsInsufficientBalance(err error) bool {
	var target *InsufficientBalanceError
	return As(err, &target)
}

func IsInsufficientGas(err error) bool {
	var target *InsufficientGasError
	return As(err, &target)
}

// IsTerminalBroadcast reports whether err carries a non-retryable node
// rejection.
func IsTerminalBroadcast(err error) bool {
	var target *BroadcastError
	return As(err, &target) && target.Terminal
}

func IsBroadcast(err error) bool {
	var target *BroadcastError
	return As(err, &target)
}

func IsUnknownOutcome(err error) bool {
	var target *UnknownOutcomeError
	return As(err, &target)
}

func IsConfirmationTimeout(err error) bool {
	var target *ConfirmationTimeoutError
	return As(err, &target)
}

func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return As(err, &target)
}

func IsAlreadyExists(err error) bool {
	var target *AlreadyExistsError
	return As(err, &target)
}

// ErrVersionConflict is returned by a compare-and-swap that lost the race.
var ErrVersionConflict = New("record version conflict")
