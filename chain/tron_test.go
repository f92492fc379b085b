package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/linlinbupt123-crypto/hdwallet_core/domain"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
	"github.com/linlinbupt123-crypto/hdwallet_core/token"
	"github.com/stretchr/testify/require"
)

// fakeTronGrid answers the TronGrid wallet endpoints from canned values.
type fakeTronGrid struct {
	mu sync.Mutex

	t          *testing.T
	rawHex     string
	badTxID    bool
	broadcast  TronReturn
	info       map[string]TronTransactionInfo
	nowBlock   int64
	lastParams map[string]interface{}
	apiKey     string
}

func (f *fakeTronGrid) tx() TronTransaction {
	raw, _ := hex.DecodeString(f.rawHex)
	sum := sha256.Sum256(raw)
	id := hex.EncodeToString(sum[:])
	if f.badTxID {
		id = hex.EncodeToString(make([]byte, 32))
	}
	return TronTransaction{
		TxID:       id,
		RawData:    json.RawMessage(`{"contract":[]}`),
		RawDataHex: f.rawHex,
		Visible:    true,
	}
}

func (f *fakeTronGrid) param(key string) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastParams[key]
}

func (f *fakeTronGrid) setNowBlock(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nowBlock = n
}

func (f *fakeTronGrid) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.apiKey = r.Header.Get("TRON-PRO-API-KEY")

	var params map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&params)
	f.lastParams = params

	var resp interface{}
	switch r.URL.Path {
	case "/wallet/getaccount":
		resp = map[string]interface{}{"balance": 2_000_000}
	case "/wallet/createtransaction":
		resp = f.tx()
	case "/wallet/triggersmartcontract":
		resp = map[string]interface{}{
			"result":      map[string]interface{}{"result": true},
			"transaction": f.tx(),
		}
	case "/wallet/triggerconstantcontract":
		resp = map[string]interface{}{
			"result":          map[string]interface{}{"result": true},
			"constant_result": []string{hex.EncodeToString(common.LeftPadBytes(big.NewInt(42).Bytes(), 32))},
		}
	case "/wallet/broadcasttransaction":
		resp = f.broadcast
	case "/wallet/gettransactioninfobyid":
		resp = f.info[params["value"].(string)]
	case "/wallet/getnowblock":
		resp = map[string]interface{}{
			"block_header": map[string]interface{}{
				"raw_data": map[string]interface{}{"number": f.nowBlock},
			},
		}
	default:
		http.NotFound(w, r)
		return
	}
	require.NoError(f.t, json.NewEncoder(w).Encode(resp))
}

func newTestTron(t *testing.T, f *fakeTronGrid) *TronChain {
	t.Helper()

	f.t = t
	if f.rawHex == "" {
		f.rawHex = "0a02abcd2208deadbeefcafebabe"
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	client := NewTronGridClient(HTTPConfig{URL: srv.URL, Timeout: time.Second}, "key-1")
	tr, err := NewTronChain(client, 0, 0)
	require.NoError(t, err)
	return tr
}

func newTronKey(t *testing.T) (*domain.KeyPair, common.Address) {
	t.Helper()

	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	evm := crypto.PubkeyToAddress(priv.PublicKey)
	return &domain.KeyPair{
		PrivateKey: crypto.FromECDSA(priv),
		Address:    domain.TronAddressFromEVM(evm),
		Network:    domain.Tron,
	}, evm
}

func TestTronNativeTransfer(t *testing.T) {
	t.Parallel()

	f := &fakeTronGrid{broadcast: TronReturn{Result: true}}
	tr := newTestTron(t, f)
	ctx := context.Background()
	key, evm := newTronKey(t)
	to, _ := newTronKey(t)

	req := TransferRequest{From: key.Address, To: to.Address, Amount: big.NewInt(1_500_000)}
	fee, err := tr.EstimateFee(ctx, FeeStandard, req)
	require.NoError(t, err)
	require.Equal(t, int64(270_000), fee.Total.Int64())

	unsigned, err := tr.BuildUnsignedTransfer(ctx, req, fee)
	require.NoError(t, err)
	require.Equal(t, key.Address, f.param("owner_address"))
	require.Equal(t, true, f.param("visible"))
	f.mu.Lock()
	require.Equal(t, "key-1", f.apiKey)
	f.mu.Unlock()

	signed, err := tr.Sign(unsigned, key)
	require.NoError(t, err)

	var tx TronTransaction
	require.NoError(t, json.Unmarshal(signed.Raw, &tx))
	require.Len(t, tx.Signature, 1)
	sig, err := hex.DecodeString(tx.Signature[0])
	require.NoError(t, err)
	digest, err := hex.DecodeString(tx.TxID)
	require.NoError(t, err)
	pub, err := crypto.SigToPub(digest, sig)
	require.NoError(t, err)
	require.Equal(t, evm, crypto.PubkeyToAddress(*pub))

	hash, err := tr.Broadcast(ctx, signed)
	require.NoError(t, err)
	require.Equal(t, tx.TxID, hash)

	balance, err := tr.NativeBalance(ctx, key.Address)
	require.NoError(t, err)
	require.Equal(t, int64(2_000_000), balance.Int64())
}

func TestTronSignRejectsForgedTxID(t *testing.T) {
	t.Parallel()

	f := &fakeTronGrid{badTxID: true}
	tr := newTestTron(t, f)
	key, _ := newTronKey(t)
	to, _ := newTronKey(t)

	unsigned, err := tr.BuildUnsignedTransfer(context.Background(), TransferRequest{
		From: key.Address, To: to.Address, Amount: big.NewInt(1),
	}, nil)
	require.NoError(t, err)

	_, err = tr.Sign(unsigned, key)
	require.ErrorContains(t, err, "does not match")
}

func TestTronTokenTransfer(t *testing.T) {
	t.Parallel()

	f := &fakeTronGrid{}
	tr := newTestTron(t, f)
	ctx := context.Background()
	key, _ := newTronKey(t)
	to, toEVM := newTronKey(t)
	contract, _ := newTronKey(t)

	req := TransferRequest{
		From: key.Address, To: to.Address, Amount: big.NewInt(10_500_000),
		TokenContract: contract.Address,
	}
	fee, err := tr.EstimateFee(ctx, FeeFast, req)
	require.NoError(t, err)
	require.Equal(t, int64(DefaultTronFeeLimit), fee.FeeLimit)

	_, err = tr.BuildUnsignedTransfer(ctx, req, fee)
	require.NoError(t, err)
	require.Equal(t, token.TransferSignature, f.param("function_selector"))
	require.Equal(t, float64(DefaultTronFeeLimit), f.param("fee_limit"))

	param, err := hex.DecodeString(f.param("parameter").(string))
	require.NoError(t, err)
	gotTo, value, err := token.DecodeTransfer(append(append([]byte{}, token.TransferSelector...), param...))
	require.NoError(t, err)
	require.Equal(t, toEVM, gotTo)
	require.Equal(t, int64(10_500_000), value.Int64())

	bal, err := tr.TokenBalance(ctx, contract.Address, key.Address)
	require.NoError(t, err)
	require.Equal(t, int64(42), bal.Int64())

	decimals, err := tr.TokenDecimals(ctx, contract.Address)
	require.NoError(t, err)
	require.Equal(t, uint8(42), decimals)
	require.Equal(t, token.DecimalsSignature, f.param("function_selector"))
	require.Equal(t, contract.Address, f.param("contract_address"))
}

func TestTronBroadcastCodes(t *testing.T) {
	t.Parallel()

	signed := &SignedTx{Network: domain.Tron, Hash: "abcd", Raw: []byte(`{"txID":"abcd"}`)}
	for _, tc := range []struct {
		ret      TronReturn
		ok       bool
		terminal bool
	}{
		{TronReturn{Result: true}, true, false},
		{TronReturn{Code: "DUP_TRANSACTION_ERROR"}, true, false},
		{TronReturn{Code: "SIGERROR", Message: hex.EncodeToString([]byte("bad sig"))}, false, true},
		{TronReturn{Code: "CONTRACT_VALIDATE_ERROR"}, false, true},
		{TronReturn{Code: "SERVER_BUSY"}, false, false},
	} {
		tr := newTestTron(t, &fakeTronGrid{broadcast: tc.ret})
		hash, err := tr.Broadcast(context.Background(), signed)
		if tc.ok {
			require.NoError(t, err, tc.ret.Code)
			require.Equal(t, "abcd", hash)
			continue
		}
		require.True(t, wrapErrors.IsBroadcast(err), tc.ret.Code)
		require.Equal(t, tc.terminal, wrapErrors.IsTerminalBroadcast(err), tc.ret.Code)
	}
}

func TestTronConfirmationStatus(t *testing.T) {
	t.Parallel()

	ok := TronTransactionInfo{ID: "ok", BlockNumber: 1000}
	ok.Receipt.Result = "SUCCESS"
	reverted := TronTransactionInfo{ID: "rev", BlockNumber: 1000, Result: "FAILED",
		ResMessage: hex.EncodeToString([]byte("REVERT opcode executed"))}
	reverted.Receipt.Result = "REVERT"

	f := &fakeTronGrid{
		nowBlock: 1010,
		info:     map[string]TronTransactionInfo{"ok": ok, "rev": reverted},
	}
	tr := newTestTron(t, f)
	ctx := context.Background()

	st, err := tr.ConfirmationStatus(ctx, "missing")
	require.NoError(t, err)
	require.False(t, st.Found)

	st, err = tr.ConfirmationStatus(ctx, "ok")
	require.NoError(t, err)
	require.True(t, st.Found)
	require.Equal(t, uint64(11), st.Confirmations)
	require.False(t, st.Finalized)

	f.setNowBlock(1018)
	st, err = tr.ConfirmationStatus(ctx, "ok")
	require.NoError(t, err)
	require.True(t, st.Finalized)

	st, err = tr.ConfirmationStatus(ctx, "rev")
	require.NoError(t, err)
	require.True(t, st.Failed)
	require.Contains(t, st.Reason, "REVERT opcode executed")
}
