package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/linlinbupt123-crypto/hdwallet_core/chain"
	"github.com/linlinbupt123-crypto/hdwallet_core/domain"
	"github.com/linlinbupt123-crypto/hdwallet_core/entity"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
	"github.com/linlinbupt123-crypto/hdwallet_core/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const (
	testRecipient = "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
	testToken     = "0xdAC17F958D2ee523a2206206994597C13D831ec7"
	testNonce     = uint64(7)
)

var testFee = big.NewInt(21_000 * 1_000_000_000)

// fakeAdapter is an in-memory chain. Broadcast pops broadcastErrs in order
// and succeeds once the queue is empty.
type fakeAdapter struct {
	network domain.Network

	mu            sync.Mutex
	native        *big.Int
	tokens        *big.Int
	broadcastErrs []error
	broadcasts    int
	estimates     int
	builds        int
	status        *chain.ConfirmationStatus
	statusErr     error
	nonceConsumed bool

	// gate, when set, blocks Broadcast until it is closed.
	gate chan struct{}
}

func newFakeAdapter(network domain.Network) *fakeAdapter {
	return &fakeAdapter{
		network: network,
		native:  big.NewInt(0),
		tokens:  big.NewInt(0),
		status:  &chain.ConfirmationStatus{},
	}
}

func (f *fakeAdapter) Network() domain.Network { return f.network }

func (f *fakeAdapter) NativeBalance(context.Context, string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.native), nil
}

func (f *fakeAdapter) TokenBalance(context.Context, string, string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.tokens), nil
}

func (f *fakeAdapter) EstimateFee(_ context.Context, level chain.FeeLevel,
	_ chain.TransferRequest) (*chain.FeeEstimate, error) {

	f.mu.Lock()
	defer f.mu.Unlock()
	f.estimates++
	return &chain.FeeEstimate{Level: level, Total: new(big.Int).Set(testFee), GasLimit: 21_000}, nil
}

func (f *fakeAdapter) BuildUnsignedTransfer(_ context.Context, req chain.TransferRequest,
	fee *chain.FeeEstimate) (*chain.UnsignedTx, error) {

	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	payload := fmt.Sprintf("%s>%s:%s:%s", req.From, req.To, req.Amount, req.TokenContract)
	return &chain.UnsignedTx{
		Network: f.network,
		Payload: []byte(payload),
		Fee:     fee.Total,
		Nonce:   fn.Some(testNonce),
	}, nil
}

func (f *fakeAdapter) Sign(unsigned *chain.UnsignedTx, key *domain.KeyPair) (*chain.SignedTx, error) {
	if len(key.PrivateKey) == 0 {
		return nil, errors.New("empty key")
	}
	raw := append(append([]byte(nil), unsigned.Payload...), key.PublicKey...)
	sum := sha256.Sum256(raw)
	return &chain.SignedTx{Network: f.network, Hash: "0x" + hex.EncodeToString(sum[:]), Raw: raw}, nil
}

func (f *fakeAdapter) Broadcast(_ context.Context, signed *chain.SignedTx) (string, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts++
	if len(f.broadcastErrs) > 0 {
		err := f.broadcastErrs[0]
		f.broadcastErrs = f.broadcastErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return signed.Hash, nil
}

func (f *fakeAdapter) ConfirmationStatus(context.Context, string) (*chain.ConfirmationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	s := *f.status
	return &s, nil
}

func (f *fakeAdapter) NonceConsumed(context.Context, string, uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonceConsumed, nil
}

func (f *fakeAdapter) setStatus(s chain.ConfirmationStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = &s
	f.statusErr = nil
}

func (f *fakeAdapter) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcasts
}

type harness struct {
	orch     *Orchestrator
	store    *repository.MemoryStore
	keys     *domain.WalletKeyStore
	adapter  *fakeAdapter
	metrics  *Metrics
	walletID string
	userID   string
	from     string
}

func newTestKeys(t *testing.T, store *repository.MemoryStore) *domain.WalletKeyStore {
	t.Helper()

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	cipher, err := domain.NewSecretCipher(domain.CipherConfig{Key: key})
	require.NoError(t, err)

	return domain.NewWalletKeyStore(domain.KeyStoreConfig{
		Cipher:           cipher,
		Seeds:            store,
		Wallets:          store,
		Addresses:        store,
		MnemonicStrength: 128,
	})
}

func newHarness(t *testing.T, opts ...func(*OrchestratorConfig)) *harness {
	t.Helper()

	ctx := context.Background()
	store := repository.NewMemoryStore()
	keys := newTestKeys(t, store)

	w, err := keys.CreateWallet(ctx, "alice", "main", "")
	require.NoError(t, err)
	addr, err := keys.DeriveAddress(ctx, w.Wallet.ID, domain.Ethereum, "", fn.None[uint32]())
	require.NoError(t, err)

	adapter := newFakeAdapter(domain.Ethereum)
	adapter.native = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	metrics := NewMetrics(prometheus.NewRegistry())
	cfg := OrchestratorConfig{
		Records:  store,
		Audit:    store,
		Keys:     keys,
		Adapters: chain.NewRegistry(adapter),
		Metrics:  metrics,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &harness{
		orch:     NewOrchestrator(cfg),
		store:    store,
		keys:     keys,
		adapter:  adapter,
		metrics:  metrics,
		walletID: w.Wallet.ID,
		userID:   "alice",
		from:     addr.Address,
	}
}

func (h *harness) request(amount string) TransferRequest {
	return TransferRequest{
		WalletID:  h.walletID,
		From:      h.from,
		ToAddress: testRecipient,
		Amount:    amount,
		Network:   string(domain.Ethereum),
		FeeLevel:  "standard",
	}
}

// signed creates and signs a 0.5 ETH transfer.
func (h *harness) signed(t *testing.T) *entity.TransactionRecord {
	t.Helper()

	ctx := context.Background()
	out, err := h.orch.Create(ctx, h.request("0.5"))
	require.NoError(t, err)
	out, err = h.orch.Sign(ctx, out.Record.ID)
	require.NoError(t, err)
	require.Equal(t, entity.TxSigned, out.Record.Status)
	return out.Record
}

func (h *harness) actions(t *testing.T, id string) []string {
	t.Helper()

	entries, err := h.store.AuditEntries(context.Background(), id)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func TestTransferLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	created, err := h.orch.Create(ctx, h.request("0.5"))
	require.NoError(t, err)
	require.True(t, created.Audit.IsOk())
	rec := created.Record
	require.Equal(t, entity.TxCreated, rec.Status)
	require.Equal(t, "500000000000000000", rec.Amount)
	require.Equal(t, testFee.String(), rec.Fee)
	require.Equal(t, "alice", rec.UserID)
	require.NotNil(t, rec.Nonce)
	require.Equal(t, testNonce, *rec.Nonce)

	signed, err := h.orch.Sign(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, entity.TxSigned, signed.Record.Status)
	require.NotEmpty(t, signed.Record.Hash)
	require.NotNil(t, signed.Record.SignedAt)

	// Signing again is a no-op.
	again, err := h.orch.Sign(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, signed.Record.Version, again.Record.Version)

	pending, err := h.orch.Broadcast(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, entity.TxPending, pending.Record.Status)
	require.Equal(t, signed.Record.Hash, pending.Record.Hash)
	require.False(t, pending.Record.InFlight)
	require.Equal(t, 1, pending.Record.Attempts)

	// Seen but not final yet.
	h.adapter.setStatus(chain.ConfirmationStatus{Found: true, Confirmations: 0})
	polled, err := h.orch.PollConfirmation(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, entity.TxPending, polled.Record.Status)

	h.adapter.setStatus(chain.ConfirmationStatus{
		Found: true, Confirmations: 1, Finalized: true, BlockNumber: fn.Some(uint64(100)),
	})
	confirmed, err := h.orch.PollConfirmation(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, entity.TxConfirmed, confirmed.Record.Status)
	require.NotNil(t, confirmed.Record.ConfirmedAt)
	require.Equal(t, uint64(100), *confirmed.Record.BlockNumber)

	require.Equal(t, []string{
		actionCreated, actionSigned, actionBroadcast, actionConfirmed,
	}, h.actions(t, rec.ID))

	require.Equal(t, 1.0, testutil.ToFloat64(
		h.metrics.transitions.WithLabelValues("ethereum", "pending", "confirmed")))
	require.Equal(t, 1.0, testutil.ToFloat64(
		h.metrics.broadcasts.WithLabelValues("ethereum", outcomeAccepted)))

	snap, err := h.orch.Snapshot(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "0.5", snap.Amount)
	require.Equal(t, "0.000021", snap.Fee)
	require.Equal(t, "https://etherscan.io/tx/"+signed.Record.Hash, snap.ExplorerURL)
}

func TestCreateInsufficientBalancePersistsNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.adapter.native = big.NewInt(1_000)

	_, err := h.orch.Create(ctx, h.request("0.5"))
	require.True(t, wrapErrors.IsInsufficientBalance(err), err)

	var ib *wrapErrors.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	required := new(big.Int).Add(big.NewInt(500_000_000_000_000_000), testFee)
	require.Equal(t, required, ib.Required)
	require.Equal(t, new(big.Int).Sub(required, big.NewInt(1_000)), ib.Shortfall())

	recs, err := h.store.ListRecordsByStatus(ctx, entity.TxCreated, 0)
	require.NoError(t, err)
	require.Empty(t, recs)
	require.Zero(t, h.adapter.builds)
}

func TestCreateTokenFunds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	six := uint8(6)

	tokenReq := func(h *harness) TransferRequest {
		req := h.request("10.5")
		req.TokenContract = testToken
		req.Decimals = &six
		return req
	}

	t.Run("not enough tokens", func(t *testing.T) {
		h := newHarness(t)
		h.adapter.tokens = big.NewInt(10_000_000)
		_, err := h.orch.Create(ctx, tokenReq(h))
		require.True(t, wrapErrors.IsInsufficientBalance(err), err)
	})

	t.Run("not enough gas", func(t *testing.T) {
		h := newHarness(t)
		h.adapter.tokens = big.NewInt(10_500_000)
		h.adapter.native = big.NewInt(1)
		_, err := h.orch.Create(ctx, tokenReq(h))
		require.True(t, wrapErrors.IsInsufficientGas(err), err)

		recs, err := h.store.ListRecordsByStatus(ctx, entity.TxCreated, 0)
		require.NoError(t, err)
		require.Empty(t, recs)
	})

	t.Run("decimals read from contract", func(t *testing.T) {
		h := newHarness(t)
		h.adapter.tokens = big.NewInt(10_500_000)
		orch := NewOrchestrator(OrchestratorConfig{
			Records:  h.store,
			Audit:    h.store,
			Keys:     h.keys,
			Adapters: chain.NewRegistry(&decimalsAdapter{fakeAdapter: h.adapter, decimals: 6}),
		})

		req := h.request("10.5")
		req.TokenContract = testToken
		out, err := orch.Create(ctx, req)
		require.NoError(t, err)
		require.Equal(t, uint8(6), out.Record.Decimals)
		require.Equal(t, "10500000", out.Record.Amount)
	})

	t.Run("funded", func(t *testing.T) {
		h := newHarness(t)
		h.adapter.tokens = big.NewInt(10_500_000)
		out, err := h.orch.Create(ctx, tokenReq(h))
		require.NoError(t, err)
		require.Equal(t, "10500000", out.Record.Amount)
		require.Equal(t, uint8(6), out.Record.Decimals)
		require.Equal(t, "10.5", SnapshotOf(out.Record).Amount)
	})
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	other, err := h.keys.CreateWallet(ctx, "bob", "other", "")
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*TransferRequest)
		check  func(error) bool
	}{
		{"unknown network", func(r *TransferRequest) { r.Network = "dogecoin" }, wrapErrors.IsUnsupportedNetwork},
		{"bad recipient", func(r *TransferRequest) { r.ToAddress = "0x1234" }, wrapErrors.IsValidation},
		{"bad amount", func(r *TransferRequest) { r.Amount = "1.2.3" }, wrapErrors.IsValidation},
		{"zero amount", func(r *TransferRequest) { r.Amount = "0" }, wrapErrors.IsValidation},
		{"too precise", func(r *TransferRequest) { r.Amount = "0.0000000000000000001" }, wrapErrors.IsValidation},
		{"bad fee level", func(r *TransferRequest) { r.FeeLevel = "turbo" }, wrapErrors.IsValidation},
		{"token without decimals", func(r *TransferRequest) { r.TokenContract = testToken }, wrapErrors.IsValidation},
		{"foreign wallet", func(r *TransferRequest) { r.WalletID = other.Wallet.ID }, wrapErrors.IsValidation},
		{"unknown wallet", func(r *TransferRequest) { r.WalletID = "nope" }, wrapErrors.IsNotFound},
		{"bad token contract", func(r *TransferRequest) {
			r.TokenContract = "0xnope"
			r.Decimals = new(uint8)
		}, wrapErrors.IsValidation},
	}
	for _, tc := range cases {
		req := h.request("0.5")
		tc.mutate(&req)
		_, err := h.orch.Create(ctx, req)
		require.Error(t, err, tc.name)
		require.True(t, tc.check(err), "%s: %v", tc.name, err)
	}

	require.Zero(t, h.adapter.estimates)
	recs, err := h.store.ListRecordsByStatus(ctx, entity.TxCreated, 0)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestCreateNormalizesEVMAddresses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	req := h.request("0.5")
	req.From = strings.ToLower(h.from)
	req.ToAddress = strings.ToLower(testRecipient)
	out, err := h.orch.Create(ctx, req)
	require.NoError(t, err)
	require.Equal(t, h.from, out.Record.From)
	to, err := domain.NormalizeAddress(domain.Ethereum, testRecipient)
	require.NoError(t, err)
	require.Equal(t, to, out.Record.To)

	signed, err := h.orch.Sign(ctx, out.Record.ID)
	require.NoError(t, err)
	require.Equal(t, entity.TxSigned, signed.Record.Status)
}

func TestSignDuplicateTx(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	first := h.signed(t)

	// Same payload and nonce as the first record.
	second, err := h.orch.Create(ctx, h.request("0.5"))
	require.NoError(t, err)
	_, err = h.orch.Sign(ctx, second.Record.ID)
	require.True(t, wrapErrors.IsAlreadyExists(err), err)
	require.Contains(t, err.Error(), first.ID)

	cur, err := h.store.GetRecord(ctx, second.Record.ID)
	require.NoError(t, err)
	require.Equal(t, entity.TxCreated, cur.Status)
	require.Empty(t, cur.Hash)
}

// decimalsAdapter adds a decimals() lookup to the fake chain.
type decimalsAdapter struct {
	*fakeAdapter
	decimals uint8
}

func (d *decimalsAdapter) TokenDecimals(context.Context, string) (uint8, error) {
	return d.decimals, nil
}

type failingKeys struct {
	KeyStore
	err error
}

func (f failingKeys) GetSigningKey(context.Context, string) (*domain.KeyPair, error) {
	return nil, f.err
}

func TestSignKeyFailureLeavesRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	created, err := h.orch.Create(ctx, h.request("0.5"))
	require.NoError(t, err)

	broken := NewOrchestrator(OrchestratorConfig{
		Records:  h.store,
		Audit:    h.store,
		Keys:     failingKeys{KeyStore: h.keys, err: &wrapErrors.DecryptionError{Reason: "tampered"}},
		Adapters: chain.NewRegistry(h.adapter),
	})
	_, err = broken.Sign(ctx, created.Record.ID)
	require.True(t, wrapErrors.IsDecryption(err), err)

	rec, err := h.store.GetRecord(ctx, created.Record.ID)
	require.NoError(t, err)
	require.Equal(t, entity.TxCreated, rec.Status)
	require.Equal(t, created.Record.Version, rec.Version)
	require.Empty(t, rec.Hash)
	require.Zero(t, h.adapter.broadcastCount())
}

func TestBroadcastTwiceSubmitsOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	rec := h.signed(t)

	first, err := h.orch.Broadcast(ctx, rec.ID)
	require.NoError(t, err)
	second, err := h.orch.Broadcast(ctx, rec.ID)
	require.NoError(t, err)

	require.Equal(t, first.Record.Hash, second.Record.Hash)
	require.Equal(t, 1, h.adapter.broadcastCount())
}

func TestConcurrentBroadcastSubmitsOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	rec := h.signed(t)

	gate := make(chan struct{})
	h.adapter.mu.Lock()
	h.adapter.gate = gate
	h.adapter.mu.Unlock()

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		inFlight int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.orch.Broadcast(ctx, rec.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				if out.Record.Hash != rec.Hash {
					t.Errorf("hash %s, want %s", out.Record.Hash, rec.Hash)
				}
				ok++
			case errors.Is(err, ErrBroadcastInFlight):
				inFlight++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.Equal(t, n, ok+inFlight)
	require.GreaterOrEqual(t, ok, 1)
	require.Equal(t, 1, h.adapter.broadcastCount())

	out, err := h.orch.Broadcast(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, entity.TxPending, out.Record.Status)
	require.Equal(t, 1, h.adapter.broadcastCount())
}

func TestCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("before broadcast", func(t *testing.T) {
		h := newHarness(t)
		rec := h.signed(t)

		out, err := h.orch.Cancel(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, entity.TxCancelled, out.Record.Status)

		_, err = h.orch.Broadcast(ctx, rec.ID)
		require.True(t, wrapErrors.IsInvalidTransition(err), err)
		require.Zero(t, h.adapter.broadcastCount())
	})

	t.Run("after broadcast", func(t *testing.T) {
		h := newHarness(t)
		rec := h.signed(t)
		_, err := h.orch.Broadcast(ctx, rec.ID)
		require.NoError(t, err)

		_, err = h.orch.Cancel(ctx, rec.ID)
		var it *wrapErrors.InvalidTransitionError
		require.ErrorAs(t, err, &it)
		require.Equal(t, string(entity.TxPending), it.From)
		require.Equal(t, string(entity.TxCancelled), it.To)

		cur, err := h.store.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, entity.TxPending, cur.Status)
	})
}

func TestBroadcastRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	rec := h.signed(t)

	h.adapter.broadcastErrs = []error{&wrapErrors.BroadcastError{
		Network: "ethereum", Terminal: true, Err: errors.New("nonce too low"),
	}}
	_, err := h.orch.Broadcast(ctx, rec.ID)
	require.True(t, wrapErrors.IsTerminalBroadcast(err), err)

	cur, err := h.store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, entity.TxFailed, cur.Status)
	require.Contains(t, cur.Reason, "nonce too low")
	require.False(t, cur.InFlight)

	_, err = h.orch.Broadcast(ctx, rec.ID)
	require.True(t, wrapErrors.IsInvalidTransition(err), err)
	require.Equal(t, 1, h.adapter.broadcastCount())
}

func TestBroadcastRejectedButOnChain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// retried returns a signed record whose first submission reported a
	// 503 that the node had in fact accepted.
	retried := func(t *testing.T, h *harness) *entity.TransactionRecord {
		rec := h.signed(t)
		h.adapter.broadcastErrs = []error{
			&wrapErrors.BroadcastError{Network: "ethereum", Err: errors.New("503 service unavailable")},
			&wrapErrors.BroadcastError{Network: "ethereum", Terminal: true, Err: errors.New("nonce too low")},
		}
		_, err := h.orch.Broadcast(ctx, rec.ID)
		require.True(t, wrapErrors.IsBroadcast(err), err)
		require.False(t, wrapErrors.IsTerminalBroadcast(err))
		return rec
	}

	t.Run("mined", func(t *testing.T) {
		h := newHarness(t)
		rec := retried(t, h)
		h.adapter.setStatus(chain.ConfirmationStatus{Found: true, Confirmations: 3, Finalized: true})

		out, err := h.orch.Broadcast(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, entity.TxConfirmed, out.Record.Status)
		require.Empty(t, out.Record.Reason)
		require.Equal(t, rec.Hash, out.Record.Hash)
		require.Equal(t, 2, h.adapter.broadcastCount())
	})

	t.Run("in mempool", func(t *testing.T) {
		h := newHarness(t)
		rec := retried(t, h)
		h.adapter.setStatus(chain.ConfirmationStatus{Found: true})

		out, err := h.orch.Broadcast(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, entity.TxPending, out.Record.Status)
	})

	t.Run("chain unreachable", func(t *testing.T) {
		h := newHarness(t)
		rec := retried(t, h)
		h.adapter.mu.Lock()
		h.adapter.statusErr = unknownOutcome()
		h.adapter.mu.Unlock()

		_, err := h.orch.Broadcast(ctx, rec.ID)
		require.True(t, wrapErrors.IsTerminalBroadcast(err), err)

		cur, err := h.store.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, entity.TxSigned, cur.Status)
		require.True(t, cur.UnknownOutcome)
		require.False(t, cur.InFlight)

		// Once the chain answers, reconcile settles it.
		h.adapter.setStatus(chain.ConfirmationStatus{Found: true, Confirmations: 1, Finalized: true})
		out, err := h.orch.Reconcile(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, entity.TxConfirmed, out.Record.Status)
	})
}

func TestBroadcastTransientIsRetryable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	rec := h.signed(t)

	h.adapter.broadcastErrs = []error{&wrapErrors.BroadcastError{
		Network: "ethereum", Err: errors.New("503 service unavailable"),
	}}
	_, err := h.orch.Broadcast(ctx, rec.ID)
	require.True(t, wrapErrors.IsBroadcast(err), err)
	require.False(t, wrapErrors.IsTerminalBroadcast(err))

	cur, err := h.store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, entity.TxSigned, cur.Status)
	require.False(t, cur.InFlight)

	out, err := h.orch.Broadcast(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, entity.TxPending, out.Record.Status)
	require.Equal(t, 2, out.Record.Attempts)
	require.Equal(t, 2, h.adapter.broadcastCount())
}

func unknownOutcome() error {
	return &wrapErrors.UnknownOutcomeError{
		Network: "ethereum", Op: "broadcast", Err: context.DeadlineExceeded,
	}
}

func TestBroadcastUnknownOutcome(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// timedOut returns a signed record whose broadcast timed out.
	timedOut := func(t *testing.T, h *harness) *entity.TransactionRecord {
		rec := h.signed(t)
		h.adapter.broadcastErrs = []error{unknownOutcome()}
		_, err := h.orch.Broadcast(ctx, rec.ID)
		require.True(t, wrapErrors.IsUnknownOutcome(err), err)

		cur, err := h.store.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, entity.TxSigned, cur.Status)
		require.True(t, cur.UnknownOutcome)
		require.False(t, cur.InFlight)

		_, err = h.orch.Cancel(ctx, rec.ID)
		require.True(t, wrapErrors.IsInvalidTransition(err), err)
		return cur
	}

	t.Run("rebroadcast finds tx on chain", func(t *testing.T) {
		h := newHarness(t)
		rec := timedOut(t, h)
		h.adapter.setStatus(chain.ConfirmationStatus{Found: true})

		out, err := h.orch.Broadcast(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, entity.TxPending, out.Record.Status)
		require.False(t, out.Record.UnknownOutcome)
		require.Equal(t, 1, h.adapter.broadcastCount())
	})

	t.Run("reconcile by hash", func(t *testing.T) {
		h := newHarness(t)
		rec := timedOut(t, h)
		h.adapter.setStatus(chain.ConfirmationStatus{Found: true, Confirmations: 1, Finalized: true})

		out, err := h.orch.Reconcile(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, entity.TxConfirmed, out.Record.Status)
		require.Equal(t, 1, h.adapter.broadcastCount())
	})

	t.Run("reconcile by nonce", func(t *testing.T) {
		h := newHarness(t)
		rec := timedOut(t, h)
		h.adapter.nonceConsumed = true

		out, err := h.orch.Reconcile(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, entity.TxFailed, out.Record.Status)
		require.Contains(t, out.Record.Reason, "nonce 7")
	})

	t.Run("not on chain stays retryable", func(t *testing.T) {
		h := newHarness(t)
		rec := timedOut(t, h)

		outs, err := h.orch.ReconcileAll(ctx, 10)
		require.NoError(t, err)
		require.Len(t, outs, 1)
		require.Equal(t, entity.TxSigned, outs[0].Record.Status)
		require.False(t, outs[0].Record.UnknownOutcome)

		out, err := h.orch.Broadcast(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, entity.TxPending, out.Record.Status)
		require.Equal(t, 2, h.adapter.broadcastCount())
	})

	t.Run("chain query failure never guesses", func(t *testing.T) {
		h := newHarness(t)
		rec := timedOut(t, h)
		h.adapter.mu.Lock()
		h.adapter.statusErr = unknownOutcome()
		h.adapter.mu.Unlock()

		_, err := h.orch.Reconcile(ctx, rec.ID)
		require.True(t, wrapErrors.IsUnknownOutcome(err), err)

		cur, err := h.store.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, rec.Version, cur.Version)
		require.True(t, cur.UnknownOutcome)
	})
}

func TestReconcileAbandonedClaim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }
	h := newHarness(t, func(cfg *OrchestratorConfig) {
		cfg.Now = clock
		cfg.InFlightTimeout = time.Minute
	})
	rec := h.signed(t)

	// A process died holding the claim.
	stuck := rec.Clone()
	stuck.InFlight = true
	stuck.UpdatedAt = now.Add(-time.Hour)
	require.NoError(t, h.store.CompareAndSwapRecord(ctx, stuck, rec.Version))

	_, err := h.orch.Broadcast(ctx, rec.ID)
	require.ErrorIs(t, err, ErrBroadcastInFlight)

	h.adapter.setStatus(chain.ConfirmationStatus{Found: true})
	out, err := h.orch.Reconcile(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, entity.TxPending, out.Record.Status)
	require.False(t, out.Record.InFlight)
	require.Zero(t, h.adapter.broadcastCount())
}

func TestSecondFactorConsumedAfterSuccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sf := NewMemorySecondFactor()
	h := newHarness(t, func(cfg *OrchestratorConfig) {
		cfg.SecondFactor = sf
	})
	rec := h.signed(t)
	sf.Issue(h.userID, "123456", time.Minute)

	// Missing and wrong tokens never reach the chain.
	_, err := h.orch.Broadcast(ctx, rec.ID)
	require.ErrorIs(t, err, ErrSecondFactorRejected)
	_, err = h.orch.Broadcast(ctx, rec.ID, WithSecondFactor("000000"))
	require.ErrorIs(t, err, ErrSecondFactorRejected)
	require.Zero(t, h.adapter.broadcastCount())

	// A failed broadcast keeps the token usable.
	h.adapter.broadcastErrs = []error{&wrapErrors.BroadcastError{
		Network: "ethereum", Err: errors.New("connection reset"),
	}}
	_, err = h.orch.Broadcast(ctx, rec.ID, WithSecondFactor("123456"))
	require.True(t, wrapErrors.IsBroadcast(err), err)
	require.NoError(t, sf.Verify(ctx, h.userID, "123456"))

	out, err := h.orch.Broadcast(ctx, rec.ID, WithSecondFactor("123456"))
	require.NoError(t, err)
	require.Equal(t, entity.TxPending, out.Record.Status)
	require.ErrorIs(t, sf.Verify(ctx, h.userID, "123456"), ErrSecondFactorRejected)
}

func TestAuditFailureIsSurfaced(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.store.FailAudit(errors.New("disk full"))

	out, err := h.orch.Create(ctx, h.request("0.5"))
	require.NoError(t, err)
	require.True(t, out.Audit.IsErr())
	_, auditErr := out.Audit.Unpack()
	code, ok := wrapErrors.CodeOf(auditErr)
	require.True(t, ok)
	require.Equal(t, wrapErrors.CodeAudit, code)

	// The record was committed regardless.
	rec, err := h.store.GetRecord(ctx, out.Record.ID)
	require.NoError(t, err)
	require.Equal(t, entity.TxCreated, rec.Status)
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.auditFailures))

	h.store.FailAudit(nil)
	signed, err := h.orch.Sign(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, signed.Audit.IsOk())
	require.Equal(t, []string{actionSigned}, h.actions(t, rec.ID))
}

func TestPollConfirmation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	pending := func(t *testing.T, h *harness) *entity.TransactionRecord {
		rec := h.signed(t)
		out, err := h.orch.Broadcast(ctx, rec.ID)
		require.NoError(t, err)
		return out.Record
	}

	t.Run("reverted", func(t *testing.T) {
		h := newHarness(t)
		rec := pending(t, h)
		h.adapter.setStatus(chain.ConfirmationStatus{
			Found: true, Confirmations: 1, Failed: true, Reason: "execution reverted",
		})
		out, err := h.orch.PollConfirmation(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, entity.TxFailed, out.Record.Status)
		require.Equal(t, "execution reverted", out.Record.Reason)
	})

	t.Run("timeout leaves record", func(t *testing.T) {
		h := newHarness(t)
		rec := pending(t, h)
		h.adapter.mu.Lock()
		h.adapter.statusErr = unknownOutcome()
		h.adapter.mu.Unlock()

		_, err := h.orch.PollConfirmation(ctx, rec.ID)
		require.True(t, wrapErrors.IsUnknownOutcome(err), err)

		cur, err := h.store.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, rec.Version, cur.Version)
		require.Equal(t, entity.TxPending, cur.Status)
	})

	t.Run("not broadcast", func(t *testing.T) {
		h := newHarness(t)
		rec := h.signed(t)
		_, err := h.orch.PollConfirmation(ctx, rec.ID)
		require.True(t, wrapErrors.IsInvalidTransition(err), err)
	})

	t.Run("wait times out", func(t *testing.T) {
		h := newHarness(t)
		rec := pending(t, h)
		h.adapter.setStatus(chain.ConfirmationStatus{Found: true, Confirmations: 2})

		_, err := h.orch.WaitForConfirmation(ctx, rec.ID, 5*time.Millisecond, 40*time.Millisecond)
		var te *wrapErrors.ConfirmationTimeoutError
		require.ErrorAs(t, err, &te)
		require.Equal(t, rec.Hash, te.Hash)
		require.Equal(t, uint64(2), te.Confirmations)
	})

	t.Run("wait until final", func(t *testing.T) {
		h := newHarness(t)
		rec := pending(t, h)
		go func() {
			time.Sleep(20 * time.Millisecond)
			h.adapter.setStatus(chain.ConfirmationStatus{Found: true, Confirmations: 1, Finalized: true})
		}()

		out, err := h.orch.WaitForConfirmation(ctx, rec.ID, 5*time.Millisecond, 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, entity.TxConfirmed, out.Record.Status)
	})
}

func TestSnapshotBeforeBroadcast(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.signed(t)

	snap := SnapshotOf(rec)
	require.Equal(t, rec.ID, snap.ID)
	require.Equal(t, entity.TxSigned, snap.Status)
	require.Empty(t, snap.ExplorerURL)
	require.NotNil(t, snap.SignedAt)
	require.Nil(t, snap.BroadcastAt)
}
