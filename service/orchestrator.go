package service

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/linlinbupt123-crypto/hdwallet_core/chain"
	"github.com/linlinbupt123-crypto/hdwallet_core/domain"
	"github.com/linlinbupt123-crypto/hdwallet_core/entity"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
	"github.com/linlinbupt123-crypto/hdwallet_core/utils"
)

const (
	defaultPollInterval   = 10 * time.Second
	defaultConfirmTimeout = 30 * time.Minute

	// defaultInFlightTimeout is how long a broadcast claim may be held
	// before Reconcile treats it as abandoned.
	defaultInFlightTimeout = 2 * time.Minute
)

// Audit actions.
const (
	actionCreated    = "created"
	actionSigned     = "signed"
	actionBroadcast  = "broadcast"
	actionRejected   = "broadcast_rejected"
	actionUnknown    = "broadcast_unknown_outcome"
	actionConfirmed  = "confirmed"
	actionFailed     = "failed"
	actionProgress   = "confirmations"
	actionCancelled  = "cancelled"
	actionReconciled = "reconciled"
)

// ErrBroadcastInFlight is returned when another broadcast of the same record
// has not finished yet.
var ErrBroadcastInFlight = wrapErrors.New("broadcast already in flight")

// RecordStore persists transaction records. CompareAndSwapRecord writes r
// only if the stored version equals expected, bumps r.Version and returns
// errors.ErrVersionConflict otherwise.
type RecordStore interface {
	CreateRecord(ctx context.Context, r *entity.TransactionRecord) error
	GetRecord(ctx context.Context, id string) (*entity.TransactionRecord, error)
	GetRecordByHash(ctx context.Context, network, hash string) (*entity.TransactionRecord, error)
	CompareAndSwapRecord(ctx context.Context, r *entity.TransactionRecord, expected int64) error
	ListRecordsByStatus(ctx context.Context, status entity.TxStatus, limit int) ([]*entity.TransactionRecord, error)
}

// AuditLog is the append-only trail of record transitions.
type AuditLog interface {
	AppendAudit(ctx context.Context, e *entity.AuditEntry) error
	AuditEntries(ctx context.Context, recordID string) ([]*entity.AuditEntry, error)
}

// KeyStore is the part of domain.WalletKeyStore the orchestrator needs.
type KeyStore interface {
	GetWallet(ctx context.Context, walletID string) (*entity.Wallet, error)
	OwnsAddress(ctx context.Context, walletID string, network domain.Network, address string) (bool, error)
	GetSigningKey(ctx context.Context, address string) (*domain.KeyPair, error)
}

// Adapters resolves the NetworkAdapter of a network, see chain.Registry.
type Adapters interface {
	Get(network domain.Network) (chain.Adapter, error)
}

// TransferRequest is a transfer as received from the REST layer. Amount is
// a decimal string in whole units of the asset. Decimals is required for a
// token transfer and ignored for a native one.
type TransferRequest struct {
	WalletID      string `json:"wallet_id"`
	From          string `json:"from"`
	ToAddress     string `json:"to_address"`
	Amount        string `json:"amount"`
	Network       string `json:"network"`
	FeeLevel      string `json:"fee_level"`
	TokenContract string `json:"token_contract,omitempty"`
	Decimals      *uint8 `json:"decimals,omitempty"`
}

// Outcome is the record after a committed operation. Audit carries the
// result of the audit write, which never undoes the operation.
type Outcome struct {
	Record *entity.TransactionRecord
	Audit  fn.Result[fn.Unit]
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Records  RecordStore
	Audit    AuditLog
	Keys     KeyStore
	Adapters Adapters

	// SecondFactor is optional. When set every broadcast needs a token.
	SecondFactor SecondFactor

	Metrics *Metrics

	PollInterval    time.Duration
	ConfirmTimeout  time.Duration
	InFlightTimeout time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator drives a transfer through
// created -> signed -> pending -> {confirmed | failed | cancelled}.
// Every transition is a compare-and-swap on the record version, which is
// the only coordination between concurrent callers.
type Orchestrator struct {
	cfg OrchestratorConfig
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if cfg.InFlightTimeout <= 0 {
		cfg.InFlightTimeout = defaultInFlightTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{cfg: cfg}
}

// Create validates a transfer, checks funds, builds the unsigned tx and
// persists a record in status created. Nothing is persisted on failure.
func (o *Orchestrator) Create(ctx context.Context, req TransferRequest) (*Outcome, error) {
	network := domain.Network(req.Network)
	info, err := domain.LookupNetwork(network)
	if err != nil {
		return nil, err
	}
	level, err := chain.ParseFeeLevel(req.FeeLevel)
	if err != nil {
		return nil, err
	}
	if req.WalletID == "" {
		return nil, &wrapErrors.ValidationError{Field: "wallet_id", Reason: "required"}
	}
	if req.From, err = domain.NormalizeAddress(network, req.From); err != nil {
		return nil, err
	}
	if req.ToAddress, err = domain.NormalizeAddress(network, req.ToAddress); err != nil {
		return nil, err
	}

	decimals := info.Decimals
	if req.TokenContract != "" {
		if info.Kind != domain.KindEVM && info.Kind != domain.KindTron {
			return nil, &wrapErrors.ValidationError{
				Field: "token_contract", Reason: fmt.Sprintf("tokens not supported on %s", network),
			}
		}
		if req.TokenContract, err = domain.NormalizeAddress(network, req.TokenContract); err != nil {
			return nil, err
		}
		if req.Decimals != nil {
			decimals = *req.Decimals
		} else if decimals, err = lookupDecimals(ctx, o.cfg.Adapters, network, req.TokenContract); err != nil {
			return nil, err
		}
	}
	amount, err := utils.ParseUnits(req.Amount, decimals)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, &wrapErrors.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	wallet, err := o.cfg.Keys.GetWallet(ctx, req.WalletID)
	if err != nil {
		return nil, err
	}
	owned, err := o.cfg.Keys.OwnsAddress(ctx, req.WalletID, network, req.From)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, &wrapErrors.ValidationError{
			Field: "from", Reason: fmt.Sprintf("%s is not a %s address of wallet %s", req.From, network, req.WalletID),
		}
	}

	adapter, err := o.cfg.Adapters.Get(network)
	if err != nil {
		return nil, err
	}
	transfer := chain.TransferRequest{
		From:          req.From,
		To:            req.ToAddress,
		Amount:        amount,
		TokenContract: req.TokenContract,
	}
	fee, err := adapter.EstimateFee(ctx, level, transfer)
	if err != nil {
		return nil, err
	}
	if err := o.checkFunds(ctx, adapter, transfer, fee); err != nil {
		return nil, err
	}
	unsigned, err := adapter.BuildUnsignedTransfer(ctx, transfer, fee)
	if err != nil {
		return nil, err
	}

	now := o.cfg.Now()
	feeTotal := unsigned.Fee
	if feeTotal == nil {
		feeTotal = fee.Total
	}
	rec := &entity.TransactionRecord{
		ID:            uuid.NewString(),
		WalletID:      req.WalletID,
		UserID:        wallet.UserID,
		Network:       string(network),
		From:          req.From,
		To:            req.ToAddress,
		Amount:        amount.String(),
		Fee:           feeTotal.String(),
		FeeLevel:      string(level),
		TokenContract: req.TokenContract,
		Decimals:      decimals,
		Status:        entity.TxCreated,
		Unsigned:      unsigned.Payload,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	unsigned.Nonce.WhenSome(func(n uint64) {
		rec.Nonce = &n
	})
	if err := o.cfg.Records.CreateRecord(ctx, rec); err != nil {
		return nil, err
	}

	log.Infof("Created %s transfer %s: %s -> %s amount %s fee %s",
		network, rec.ID, rec.From, rec.To, rec.Amount, rec.Fee)
	o.cfg.Metrics.transition(rec.Network, "", string(entity.TxCreated))

	return &Outcome{
		Record: rec,
		Audit:  o.audit(ctx, rec.ID, actionCreated, fmt.Sprintf("amount=%s fee=%s", rec.Amount, rec.Fee)),
	}, nil
}

// lookupDecimals reads decimals() of a token contract from the chain.
func lookupDecimals(ctx context.Context, adapters Adapters, network domain.Network,
	contract string) (uint8, error) {

	adapter, err := adapters.Get(network)
	if err != nil {
		return 0, err
	}
	md, ok := adapter.(chain.TokenMetadata)
	if !ok {
		return 0, &wrapErrors.ValidationError{
			Field: "decimals", Reason: fmt.Sprintf("required for a token transfer on %s", network),
		}
	}
	decimals, err := md.TokenDecimals(ctx, contract)
	if err != nil {
		return 0, fmt.Errorf("decimals of %s: %w", contract, err)
	}
	log.Debugf("Token %s on %s has %d decimals", contract, network, decimals)
	return decimals, nil
}

// checkFunds requires balance >= amount + fee for a native transfer. A
// token transfer needs the token amount and the fee in the native asset.
func (o *Orchestrator) checkFunds(ctx context.Context, adapter chain.Adapter,
	req chain.TransferRequest, fee *chain.FeeEstimate) error {

	network := string(adapter.Network())
	native, err := adapter.NativeBalance(ctx, req.From)
	if err != nil {
		return err
	}

	if !req.IsToken() {
		required := new(big.Int).Add(req.Amount, fee.Total)
		if native.Cmp(required) < 0 {
			return &wrapErrors.InsufficientBalanceError{
				Network: network, Address: req.From, Required: required, Available: native,
			}
		}
		return nil
	}

	tokens, err := adapter.TokenBalance(ctx, req.TokenContract, req.From)
	if err != nil {
		return err
	}
	if tokens.Cmp(req.Amount) < 0 {
		return &wrapErrors.InsufficientBalanceError{
			Network: network, Address: req.From, Required: new(big.Int).Set(req.Amount), Available: tokens,
		}
	}
	if native.Cmp(fee.Total) < 0 {
		return &wrapErrors.InsufficientGasError{
			Network: network, Address: req.From, Required: fee.Total, Available: native,
		}
	}
	return nil
}

// Sign signs a created record with the key of its from-address and moves it
// to signed. The key is wiped before returning. Signing a record that is
// already signed is a no-op.
func (o *Orchestrator) Sign(ctx context.Context, id string) (*Outcome, error) {
	rec, err := o.cfg.Records.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case entity.TxCreated:
	case entity.TxSigned:
		return &Outcome{Record: rec, Audit: fn.Ok(fn.Unit{})}, nil
	default:
		return nil, invalidTransition(rec, entity.TxSigned)
	}

	network := domain.Network(rec.Network)
	adapter, err := o.cfg.Adapters.Get(network)
	if err != nil {
		return nil, err
	}

	key, err := o.cfg.Keys.GetSigningKey(ctx, rec.From)
	if err != nil {
		log.Errorf("Unable to load signing key of %s for %s: %v", rec.From, rec.ID, err)
		return nil, err
	}
	defer key.Wipe()

	signed, err := adapter.Sign(unsignedOf(rec), key)
	if err != nil {
		return nil, err
	}

	// Same payload and nonce as another record means the same tx.
	dup, err := o.cfg.Records.GetRecordByHash(ctx, rec.Network, signed.Hash)
	switch {
	case err == nil && dup.ID != rec.ID:
		log.Warnf("Record %s signs to %s, already held by record %s", rec.ID, signed.Hash, dup.ID)
		return nil, fmt.Errorf("record %s duplicates record %s: %w", rec.ID, dup.ID,
			&wrapErrors.AlreadyExistsError{Kind: "transaction", Key: signed.Hash})
	case err != nil && !wrapErrors.IsNotFound(err):
		return nil, err
	}

	next := rec.Clone()
	now := o.cfg.Now()
	next.Status = entity.TxSigned
	next.Hash = signed.Hash
	next.Signed = signed.Raw
	next.SignedAt = &now
	return o.commit(ctx, rec, next, actionSigned, "hash="+signed.Hash)
}

func unsignedOf(rec *entity.TransactionRecord) *chain.UnsignedTx {
	u := &chain.UnsignedTx{
		Network: domain.Network(rec.Network),
		Payload: rec.Unsigned,
		Nonce:   fn.None[uint64](),
	}
	if fee, ok := new(big.Int).SetString(rec.Fee, 10); ok {
		u.Fee = fee
	}
	if rec.Nonce != nil {
		u.Nonce = fn.Some(*rec.Nonce)
	}
	return u
}

type broadcastOptions struct {
	secondFactor string
}

// BroadcastOption customizes a Broadcast call.
type BroadcastOption func(*broadcastOptions)

// WithSecondFactor passes the second-factor token of the record's user.
func WithSecondFactor(token string) BroadcastOption {
	return func(o *broadcastOptions) {
		o.secondFactor = token
	}
}

// Broadcast submits a signed record. A record that is already pending or
// confirmed returns its hash without a second submission. Only one
// broadcast per record can be in flight. A rejected record becomes failed
// unless the chain already holds its tx; a transient error or a timeout
// leaves it signed, and after a timeout the chain is queried before
// anything is submitted again.
func (o *Orchestrator) Broadcast(ctx context.Context, id string, opts ...BroadcastOption) (*Outcome, error) {
	var bo broadcastOptions
	for _, opt := range opts {
		opt(&bo)
	}

	rec, err := o.cfg.Records.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if done, out, err := alreadyBroadcast(rec); done {
		return out, err
	}
	if rec.InFlight {
		return nil, fmt.Errorf("record %s: %w", rec.ID, ErrBroadcastInFlight)
	}

	if o.cfg.SecondFactor != nil {
		if err := o.cfg.SecondFactor.Verify(ctx, rec.UserID, bo.secondFactor); err != nil {
			return nil, err
		}
	}

	network := domain.Network(rec.Network)
	adapter, err := o.cfg.Adapters.Get(network)
	if err != nil {
		return nil, err
	}

	claimed, err := o.claim(ctx, rec)
	if err != nil {
		return nil, err
	}

	if claimed.UnknownOutcome {
		status, err := adapter.ConfirmationStatus(ctx, claimed.Hash)
		if err != nil {
			o.release(ctx, claimed, actionUnknown, err)
			return nil, err
		}
		if status.Found {
			log.Infof("Tx %s of record %s found on chain, not resubmitting", claimed.Hash, claimed.ID)
			return o.foundOnChain(ctx, claimed, status, bo.secondFactor)
		}
	}

	hash, err := adapter.Broadcast(ctx, &chain.SignedTx{
		Network: network,
		Hash:    claimed.Hash,
		Raw:     claimed.Signed,
	})
	switch {
	case err == nil:
		o.cfg.Metrics.broadcast(claimed.Network, outcomeAccepted)
		next := claimed.Clone()
		o.markBroadcast(next, hash)
		out, err := o.commit(ctx, claimed, next, actionBroadcast, "hash="+next.Hash)
		if err != nil {
			return nil, err
		}
		o.consumeSecondFactor(ctx, claimed, bo.secondFactor)
		return out, nil

	case wrapErrors.IsUnknownOutcome(err):
		o.cfg.Metrics.broadcast(claimed.Network, outcomeUnknown)
		log.Warnf("Broadcast of %s (record %s) timed out, outcome unknown", claimed.Hash, claimed.ID)
		next := claimed.Clone()
		next.InFlight = false
		next.UnknownOutcome = true
		next.Reason = err.Error()
		if _, cerr := o.commit(ctx, claimed, next, actionUnknown, err.Error()); cerr != nil {
			log.Errorf("Unable to record unknown outcome of %s: %v", claimed.ID, cerr)
		}
		return nil, err

	case wrapErrors.IsTerminalBroadcast(err):
		o.cfg.Metrics.broadcast(claimed.Network, outcomeTerminal)
		log.Warnf("Broadcast of record %s rejected: %v", claimed.ID, err)

		// An earlier submission that reported an error may still have been
		// accepted, and resubmitting a mined tx is rejected as a duplicate.
		status, serr := adapter.ConfirmationStatus(ctx, claimed.Hash)
		switch {
		case serr != nil:
			log.Warnf("Unable to check chain for rejected %s (record %s): %v",
				claimed.Hash, claimed.ID, serr)
			next := claimed.Clone()
			next.InFlight = false
			next.UnknownOutcome = true
			next.Reason = err.Error()
			if _, cerr := o.commit(ctx, claimed, next, actionUnknown, err.Error()); cerr != nil {
				log.Errorf("Unable to record unknown outcome of %s: %v", claimed.ID, cerr)
			}
			return nil, err

		case status.Found:
			log.Infof("Rejected tx %s of record %s is already on chain", claimed.Hash, claimed.ID)
			return o.foundOnChain(ctx, claimed, status, bo.secondFactor)
		}

		next := claimed.Clone()
		next.InFlight = false
		next.UnknownOutcome = false
		next.Status = entity.TxFailed
		next.Reason = err.Error()
		if _, cerr := o.commit(ctx, claimed, next, actionRejected, err.Error()); cerr != nil {
			log.Errorf("Unable to mark record %s failed: %v", claimed.ID, cerr)
		}
		return nil, err

	default:
		o.cfg.Metrics.broadcast(claimed.Network, outcomeTransient)
		log.Warnf("Broadcast of record %s failed, retryable: %v", claimed.ID, err)
		o.release(ctx, claimed, actionBroadcast, err)
		return nil, err
	}
}

// foundOnChain moves a claimed record whose tx the chain already holds to
// pending, or straight to its final state, without resubmitting.
func (o *Orchestrator) foundOnChain(ctx context.Context, claimed *entity.TransactionRecord,
	status *chain.ConfirmationStatus, secondFactor string) (*Outcome, error) {

	next := claimed.Clone()
	o.markBroadcast(next, claimed.Hash)
	applyStatus(next, status, o.cfg.Now())
	out, err := o.commit(ctx, claimed, next, actionReconciled, "found on chain")
	if err != nil {
		return nil, err
	}
	o.consumeSecondFactor(ctx, claimed, secondFactor)
	return out, nil
}

// alreadyBroadcast reports whether rec is past the broadcast step. Pending
// and confirmed records return their hash; other states are an error.
func alreadyBroadcast(rec *entity.TransactionRecord) (bool, *Outcome, error) {
	switch rec.Status {
	case entity.TxSigned:
		return false, nil, nil
	case entity.TxPending, entity.TxConfirmed:
		return true, &Outcome{Record: rec, Audit: fn.Ok(fn.Unit{})}, nil
	default:
		return true, nil, invalidTransition(rec, entity.TxPending)
	}
}

// claim sets InFlight with a compare-and-swap. Losing the race to another
// broadcast returns ErrBroadcastInFlight.
func (o *Orchestrator) claim(ctx context.Context, rec *entity.TransactionRecord) (*entity.TransactionRecord, error) {
	next := rec.Clone()
	next.InFlight = true
	next.Attempts++
	next.UpdatedAt = o.cfg.Now()
	err := o.cfg.Records.CompareAndSwapRecord(ctx, next, rec.Version)
	if wrapErrors.Is(err, wrapErrors.ErrVersionConflict) {
		return nil, fmt.Errorf("record %s: %w", rec.ID, ErrBroadcastInFlight)
	}
	if err != nil {
		return nil, err
	}
	return next, nil
}

// release drops the broadcast claim and leaves the record signed.
func (o *Orchestrator) release(ctx context.Context, claimed *entity.TransactionRecord,
	action string, cause error) {

	next := claimed.Clone()
	next.InFlight = false
	next.Reason = cause.Error()
	if _, err := o.commit(ctx, claimed, next, action, cause.Error()); err != nil {
		log.Errorf("Unable to release broadcast claim of %s: %v", claimed.ID, err)
	}
}

func (o *Orchestrator) markBroadcast(next *entity.TransactionRecord, hash string) {
	now := o.cfg.Now()
	if hash != "" {
		next.Hash = hash
	}
	next.Status = entity.TxPending
	next.InFlight = false
	next.UnknownOutcome = false
	next.Reason = ""
	next.BroadcastAt = &now
}

// consumeSecondFactor uses up the token once the broadcast is committed. A
// failure here cannot undo the broadcast and is only logged.
func (o *Orchestrator) consumeSecondFactor(ctx context.Context, rec *entity.TransactionRecord, token string) {
	if o.cfg.SecondFactor == nil {
		return
	}
	if err := o.cfg.SecondFactor.Consume(ctx, rec.UserID, token); err != nil {
		log.Errorf("Unable to consume second factor after broadcast of %s: %v", rec.ID, err)
	}
}

// PollConfirmation queries the chain once for a pending record. It moves
// to confirmed at network finality and to failed on reverted execution. A
// timeout returns an UnknownOutcomeError and leaves the record unchanged.
func (o *Orchestrator) PollConfirmation(ctx context.Context, id string) (*Outcome, error) {
	rec, err := o.cfg.Records.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case entity.TxPending:
	case entity.TxConfirmed, entity.TxFailed:
		return &Outcome{Record: rec, Audit: fn.Ok(fn.Unit{})}, nil
	default:
		return nil, invalidTransition(rec, entity.TxConfirmed)
	}

	adapter, err := o.cfg.Adapters.Get(domain.Network(rec.Network))
	if err != nil {
		return nil, err
	}
	status, err := adapter.ConfirmationStatus(ctx, rec.Hash)
	if err != nil {
		return nil, err
	}
	if !status.Found {
		log.Debugf("Tx %s of record %s not yet visible", rec.Hash, rec.ID)
		return &Outcome{Record: rec, Audit: fn.Ok(fn.Unit{})}, nil
	}

	next := rec.Clone()
	applyStatus(next, status, o.cfg.Now())
	if next.Status == rec.Status && next.Confirmations == rec.Confirmations {
		return &Outcome{Record: rec, Audit: fn.Ok(fn.Unit{})}, nil
	}

	action := actionProgress
	switch next.Status {
	case entity.TxConfirmed:
		action = actionConfirmed
	case entity.TxFailed:
		action = actionFailed
	}
	return o.commit(ctx, rec, next, action, fmt.Sprintf("confirmations=%d", next.Confirmations))
}

// applyStatus folds a chain observation into a pending record.
func applyStatus(next *entity.TransactionRecord, status *chain.ConfirmationStatus, now time.Time) {
	next.Confirmations = status.Confirmations
	status.BlockNumber.WhenSome(func(b uint64) {
		next.BlockNumber = &b
	})
	switch {
	case status.Failed:
		next.Status = entity.TxFailed
		next.Reason = status.Reason
	case status.Finalized:
		next.Status = entity.TxConfirmed
		next.ConfirmedAt = &now
	}
}

// WaitForConfirmation polls every interval until the record is final or
// timeout elapses, then returns a ConfirmationTimeoutError. Zero values use
// the configured interval and timeout. Poll timeouts are retried.
func (o *Orchestrator) WaitForConfirmation(ctx context.Context, id string,
	interval, timeout time.Duration) (*Outcome, error) {

	if interval <= 0 {
		interval = o.cfg.PollInterval
	}
	if timeout <= 0 {
		timeout = o.cfg.ConfirmTimeout
	}
	start := o.cfg.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *entity.TransactionRecord
	for {
		out, err := o.PollConfirmation(ctx, id)
		switch {
		case err == nil:
			last = out.Record
			if last.Status.Terminal() {
				return out, nil
			}
		case wrapErrors.IsUnknownOutcome(err):
			log.Warnf("Confirmation poll of %s timed out, retrying: %v", id, err)
		default:
			return nil, err
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			te := &wrapErrors.ConfirmationTimeoutError{Waited: o.cfg.Now().Sub(start)}
			if last != nil {
				te.Hash = last.Hash
				te.Confirmations = last.Confirmations
			}
			return nil, te
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Reconcile resolves a record whose broadcast outcome is unknown, or whose
// broadcast claim was abandoned, by asking the chain: first by hash, then by
// account nonce where the network has one. A tx that is on chain moves to
// pending (or straight to its final state). A tx that is provably not on
// chain stays signed and may be broadcast again. Nothing is ever assumed.
func (o *Orchestrator) Reconcile(ctx context.Context, id string) (*Outcome, error) {
	rec, err := o.cfg.Records.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.needsReconcile(rec) {
		return &Outcome{Record: rec, Audit: fn.Ok(fn.Unit{})}, nil
	}

	adapter, err := o.cfg.Adapters.Get(domain.Network(rec.Network))
	if err != nil {
		return nil, err
	}
	status, err := adapter.ConfirmationStatus(ctx, rec.Hash)
	if err != nil {
		return nil, err
	}

	next := rec.Clone()
	next.InFlight = false
	if status.Found {
		o.markBroadcast(next, rec.Hash)
		applyStatus(next, status, o.cfg.Now())
		log.Infof("Reconciled record %s: tx %s is on chain", rec.ID, rec.Hash)
		return o.commit(ctx, rec, next, actionReconciled, "found by hash")
	}

	if nr, ok := adapter.(chain.NonceReconciler); ok && rec.Nonce != nil {
		consumed, err := nr.NonceConsumed(ctx, rec.From, *rec.Nonce)
		if err != nil {
			return nil, err
		}
		if consumed {
			// The nonce was mined by another tx, so this one never can be.
			next.Status = entity.TxFailed
			next.UnknownOutcome = false
			next.Reason = fmt.Sprintf("nonce %d consumed by another transaction", *rec.Nonce)
			log.Warnf("Reconciled record %s: %s", rec.ID, next.Reason)
			return o.commit(ctx, rec, next, actionReconciled, next.Reason)
		}
	}

	next.UnknownOutcome = false
	next.Reason = ""
	log.Infof("Reconciled record %s: tx %s not on chain, retryable", rec.ID, rec.Hash)
	return o.commit(ctx, rec, next, actionReconciled, "not on chain")
}

func (o *Orchestrator) needsReconcile(rec *entity.TransactionRecord) bool {
	if rec.Status != entity.TxSigned {
		return false
	}
	if rec.UnknownOutcome {
		return true
	}
	return rec.InFlight && o.cfg.Now().Sub(rec.UpdatedAt) > o.cfg.InFlightTimeout
}

// ReconcileAll reconciles up to limit signed records with an unknown
// outcome. Failures are logged and the first one is returned after the
// batch.
func (o *Orchestrator) ReconcileAll(ctx context.Context, limit int) ([]*Outcome, error) {
	recs, err := o.cfg.Records.ListRecordsByStatus(ctx, entity.TxSigned, limit)
	if err != nil {
		return nil, err
	}

	var (
		outs     []*Outcome
		firstErr error
	)
	for _, rec := range recs {
		if !o.needsReconcile(rec) {
			continue
		}
		out, err := o.Reconcile(ctx, rec.ID)
		if err != nil {
			log.Errorf("Unable to reconcile record %s: %v", rec.ID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		outs = append(outs, out)
	}
	return outs, firstErr
}

// Cancel abandons a record that was never submitted. Once a broadcast is in
// flight, or may have reached the chain, only observation is possible.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*Outcome, error) {
	rec, err := o.cfg.Records.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case rec.Status != entity.TxCreated && rec.Status != entity.TxSigned:
		return nil, invalidTransition(rec, entity.TxCancelled)
	case rec.InFlight:
		return nil, &wrapErrors.InvalidTransitionError{
			RecordID: rec.ID, From: "broadcast in flight", To: string(entity.TxCancelled),
		}
	case rec.UnknownOutcome:
		return nil, &wrapErrors.InvalidTransitionError{
			RecordID: rec.ID, From: "unknown broadcast outcome", To: string(entity.TxCancelled),
		}
	}

	next := rec.Clone()
	next.Status = entity.TxCancelled
	out, err := o.commit(ctx, rec, next, actionCancelled, "")
	if wrapErrors.Is(err, wrapErrors.ErrVersionConflict) {
		// Lost to a concurrent transition; report against the fresh state.
		if cur, gerr := o.cfg.Records.GetRecord(ctx, id); gerr == nil {
			return nil, invalidTransition(cur, entity.TxCancelled)
		}
	}
	return out, err
}

// TransactionSnapshot is the outward view of a record.
type TransactionSnapshot struct {
	ID            string          `json:"id"`
	Network       string          `json:"network"`
	Hash          string          `json:"hash,omitempty"`
	Status        entity.TxStatus `json:"status"`
	Amount        string          `json:"amount"`
	Fee           string          `json:"fee"`
	Confirmations uint64          `json:"confirmations"`
	Reason        string          `json:"reason,omitempty"`
	ExplorerURL   string          `json:"explorer_url,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	SignedAt      *time.Time      `json:"signed_at,omitempty"`
	BroadcastAt   *time.Time      `json:"broadcast_at,omitempty"`
	ConfirmedAt   *time.Time      `json:"confirmed_at,omitempty"`
}

// SnapshotOf renders a record. Amount and Fee are formatted in whole units.
func SnapshotOf(rec *entity.TransactionRecord) *TransactionSnapshot {
	s := &TransactionSnapshot{
		ID:            rec.ID,
		Network:       rec.Network,
		Hash:          rec.Hash,
		Status:        rec.Status,
		Amount:        formatStored(rec.Amount, rec.Decimals),
		Fee:           rec.Fee,
		Confirmations: rec.Confirmations,
		Reason:        rec.Reason,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
		SignedAt:      rec.SignedAt,
		BroadcastAt:   rec.BroadcastAt,
		ConfirmedAt:   rec.ConfirmedAt,
	}
	if info, err := domain.LookupNetwork(domain.Network(rec.Network)); err == nil {
		s.Fee = formatStored(rec.Fee, info.Decimals)
		// Only a submitted tx has an explorer page.
		if rec.Status == entity.TxPending || rec.Status == entity.TxConfirmed || rec.Status == entity.TxFailed {
			s.ExplorerURL = info.ExplorerURL(rec.Hash)
		}
	}
	return s
}

func formatStored(v string, decimals uint8) string {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return v
	}
	return utils.FormatUnits(n, decimals)
}

// Snapshot loads a record and renders it.
func (o *Orchestrator) Snapshot(ctx context.Context, id string) (*TransactionSnapshot, error) {
	rec, err := o.cfg.Records.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return SnapshotOf(rec), nil
}

// commit writes next over prev with a compare-and-swap and appends the
// audit entry.
func (o *Orchestrator) commit(ctx context.Context, prev, next *entity.TransactionRecord,
	action, detail string) (*Outcome, error) {

	next.UpdatedAt = o.cfg.Now()
	if err := o.cfg.Records.CompareAndSwapRecord(ctx, next, prev.Version); err != nil {
		return nil, err
	}
	if prev.Status != next.Status {
		log.Infof("Record %s (%s): %s -> %s", next.ID, next.Network, prev.Status, next.Status)
		o.cfg.Metrics.transition(next.Network, string(prev.Status), string(next.Status))
	}
	return &Outcome{Record: next, Audit: o.audit(ctx, next.ID, action, detail)}, nil
}

// audit appends one entry. A failure is logged, counted and returned, and
// never undoes the operation that was already committed.
func (o *Orchestrator) audit(ctx context.Context, recordID, action, detail string) fn.Result[fn.Unit] {
	if o.cfg.Audit == nil {
		return fn.Ok(fn.Unit{})
	}
	err := o.cfg.Audit.AppendAudit(ctx, &entity.AuditEntry{
		ID:        uuid.NewString(),
		RecordID:  recordID,
		Action:    action,
		Detail:    detail,
		CreatedAt: o.cfg.Now(),
	})
	if err != nil {
		log.Errorf("Audit write %s for record %s failed: %v", action, recordID, err)
		o.cfg.Metrics.auditFailure()
		return fn.Err[fn.Unit](wrapErrors.WrapWithCode(wrapErrors.CodeAudit, action, err))
	}
	return fn.Ok(fn.Unit{})
}

func invalidTransition(rec *entity.TransactionRecord, to entity.TxStatus) error {
	return &wrapErrors.InvalidTransitionError{
		RecordID: rec.ID, From: string(rec.Status), To: string(to),
	}
}
