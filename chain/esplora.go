package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// ErrTxNotFound is returned when the backend does not know a transaction.
var ErrTxNotFound = errors.New("transaction not found")

// TxStatus represents transaction confirmation status.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Status TxStatus `json:"status"`
	Value  int64    `json:"value"`
}

// FeeEstimates maps confirmation targets (as strings) to fee rates in
// sat/vB.
type FeeEstimates map[string]float64

// EsploraClient is an HTTP client for the Esplora REST API.
type EsploraClient struct {
	http *restClient
}

func NewEsploraClient(cfg HTTPConfig) *EsploraClient {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &EsploraClient{http: newRESTClient(cfg)}
}

// GetTipHeight returns the current blockchain tip height.
func (c *EsploraClient) GetTipHeight(ctx context.Context) (int64, error) {
	body, err := c.http.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse height: %w", err)
	}
	return height, nil
}

// GetAddressUTXOs returns the unspent outputs of an address, mempool
// included.
func (c *EsploraClient) GetAddressUTXOs(ctx context.Context, address string) ([]*UTXO, error) {
	body, err := c.http.get(ctx, "/address/"+address+"/utxo")
	if err != nil {
		return nil, err
	}
	var utxos []*UTXO
	if err := json.Unmarshal(body, &utxos); err != nil {
		return nil, fmt.Errorf("failed to decode utxos: %w", err)
	}
	return utxos, nil
}

// GetFeeEstimates returns the fee rate per confirmation target.
func (c *EsploraClient) GetFeeEstimates(ctx context.Context) (FeeEstimates, error) {
	body, err := c.http.get(ctx, "/fee-estimates")
	if err != nil {
		return nil, err
	}
	var fees FeeEstimates
	if err := json.Unmarshal(body, &fees); err != nil {
		return nil, fmt.Errorf("failed to decode fee estimates: %w", err)
	}
	return fees, nil
}

// GetTxStatus returns the confirmation status of a transaction, or
// ErrTxNotFound.
func (c *EsploraClient) GetTxStatus(ctx context.Context, txid string) (*TxStatus, error) {
	body, err := c.http.get(ctx, "/tx/"+txid+"/status")
	var se *statusError
	if errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusBadRequest) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, err
	}
	var status TxStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to decode tx status: %w", err)
	}
	return &status, nil
}

// BroadcastTransaction submits a hex encoded transaction once and returns
// its txid.
func (c *EsploraClient) BroadcastTransaction(ctx context.Context, txHex string) (string, error) {
	body, err := c.http.submit(ctx, "/tx", []byte(txHex), "text/plain")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}
