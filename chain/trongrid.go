package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// TronTransaction is the TronGrid JSON form of a transaction with
// visible (Base58) addresses.
type TronTransaction struct {
	TxID       string          `json:"txID"`
	RawData    json.RawMessage `json:"raw_data"`
	RawDataHex string          `json:"raw_data_hex"`
	Visible    bool            `json:"visible"`
	Signature  []string        `json:"signature,omitempty"`
}

// TronReturn is the result envelope of contract calls and broadcasts.
type TronReturn struct {
	Result  bool   `json:"result"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	TxID    string `json:"txid,omitempty"`
}

// DecodedMessage returns Message hex decoded when it is hex.
func (r TronReturn) DecodedMessage() string {
	return decodeTronMessage(r.Message)
}

// TronTransactionInfo is the execution result of a mined transaction.
type TronTransactionInfo struct {
	ID          string `json:"id"`
	BlockNumber int64  `json:"blockNumber"`
	Fee         int64  `json:"fee"`
	Result      string `json:"result"`
	ResMessage  string `json:"resMessage"`
	Receipt     struct {
		Result string `json:"result"`
	} `json:"receipt"`
}

func decodeTronMessage(m string) string {
	if b, err := hex.DecodeString(m); err == nil {
		return string(b)
	}
	return m
}

// TronGridClient talks to the TronGrid HTTP API. Every address it sends
// is Base58 with visible set.
type TronGridClient struct {
	http *restClient
}

func NewTronGridClient(cfg HTTPConfig, apiKey string) *TronGridClient {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if apiKey != "" {
		headers := make(map[string]string, len(cfg.Headers)+1)
		for k, v := range cfg.Headers {
			headers[k] = v
		}
		headers["TRON-PRO-API-KEY"] = apiKey
		cfg.Headers = headers
	}
	return &TronGridClient{http: newRESTClient(cfg)}
}

func (c *TronGridClient) call(ctx context.Context, path string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	out, err := c.http.query(ctx, path, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// GetAccountBalance returns the TRX balance in sun. Accounts that were
// never activated have no balance field and report zero.
func (c *TronGridClient) GetAccountBalance(ctx context.Context, address string) (int64, error) {
	var resp struct {
		Balance int64 `json:"balance"`
	}
	err := c.call(ctx, "/wallet/getaccount", map[string]interface{}{
		"address": address,
		"visible": true,
	}, &resp)
	return resp.Balance, err
}

// CreateTransaction builds an unsigned TRX transfer.
func (c *TronGridClient) CreateTransaction(ctx context.Context, from, to string,
	amount int64) (*TronTransaction, error) {

	var resp struct {
		TronTransaction
		Error string `json:"Error"`
	}
	err := c.call(ctx, "/wallet/createtransaction", map[string]interface{}{
		"owner_address": from,
		"to_address":    to,
		"amount":        amount,
		"visible":       true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("createtransaction: %s", resp.Error)
	}
	if resp.TxID == "" {
		return nil, fmt.Errorf("createtransaction returned no transaction")
	}
	return &resp.TronTransaction, nil
}

// TriggerSmartContract builds an unsigned contract call. parameter is the
// hex ABI encoding of the arguments without the selector.
func (c *TronGridClient) TriggerSmartContract(ctx context.Context, owner, contract,
	selector, parameter string, feeLimit int64) (*TronTransaction, error) {

	var resp struct {
		Result      TronReturn      `json:"result"`
		Transaction TronTransaction `json:"transaction"`
	}
	err := c.call(ctx, "/wallet/triggersmartcontract", map[string]interface{}{
		"owner_address":     owner,
		"contract_address":  contract,
		"function_selector": selector,
		"parameter":         parameter,
		"fee_limit":         feeLimit,
		"call_value":        0,
		"visible":           true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Result.Result || resp.Transaction.TxID == "" {
		return nil, fmt.Errorf("triggersmartcontract: %s %s", resp.Result.Code,
			resp.Result.DecodedMessage())
	}
	return &resp.Transaction, nil
}

// TriggerConstantContract runs a view call and returns the first result.
func (c *TronGridClient) TriggerConstantContract(ctx context.Context, owner, contract,
	selector, parameter string) ([]byte, error) {

	var resp struct {
		Result         TronReturn `json:"result"`
		ConstantResult []string   `json:"constant_result"`
	}
	err := c.call(ctx, "/wallet/triggerconstantcontract", map[string]interface{}{
		"owner_address":     owner,
		"contract_address":  contract,
		"function_selector": selector,
		"parameter":         parameter,
		"visible":           true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Result.Result || len(resp.ConstantResult) == 0 {
		return nil, fmt.Errorf("triggerconstantcontract: %s %s", resp.Result.Code,
			resp.Result.DecodedMessage())
	}
	return hex.DecodeString(resp.ConstantResult[0])
}

// BroadcastTransaction submits a signed transaction once.
func (c *TronGridClient) BroadcastTransaction(ctx context.Context,
	tx *TronTransaction) (*TronReturn, error) {

	body, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	out, err := c.http.submit(ctx, "/wallet/broadcasttransaction", body, "application/json")
	if err != nil {
		return nil, err
	}
	var ret TronReturn
	if err := json.Unmarshal(out, &ret); err != nil {
		return nil, fmt.Errorf("failed to decode broadcast result: %w", err)
	}
	return &ret, nil
}

// GetTransactionInfoByID returns the execution info, or an empty ID when
// the transaction is not in a block yet.
func (c *TronGridClient) GetTransactionInfoByID(ctx context.Context,
	txID string) (*TronTransactionInfo, error) {

	var info TronTransactionInfo
	err := c.call(ctx, "/wallet/gettransactioninfobyid", map[string]interface{}{
		"value": txID,
	}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// GetNowBlockNumber returns the latest block height.
func (c *TronGridClient) GetNowBlockNumber(ctx context.Context) (int64, error) {
	var resp struct {
		BlockHeader struct {
			RawData struct {
				Number int64 `json:"number"`
			} `json:"raw_data"`
		} `json:"block_header"`
	}
	if err := c.call(ctx, "/wallet/getnowblock", map[string]interface{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.BlockHeader.RawData.Number, nil
}
