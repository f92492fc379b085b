package entity

import (
	"time"
)

// TxStatus is the lifecycle state of a TransactionRecord.
type TxStatus string

const (
	TxCreated   TxStatus = "created"
	TxSigned    TxStatus = "signed"
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
	TxCancelled TxStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TxStatus) Terminal() bool {
	return s == TxConfirmed || s == TxFailed || s == TxCancelled
}

// TransactionRecord tracks one transfer from creation to finality. Amount
// and Fee are base-unit integers rendered as decimal strings.
type TransactionRecord struct {
	ID            string  `bson:"_id" json:"id"`
	WalletID      string  `bson:"wallet_id" json:"wallet_id"`
	UserID        string  `bson:"user_id" json:"user_id"`
	Network       string  `bson:"network" json:"network"`
	From          string  `bson:"from" json:"from"`
	To            string  `bson:"to" json:"to"`
	Amount        string  `bson:"amount" json:"amount"`
	Fee           string  `bson:"fee" json:"fee"`
	FeeLevel      string  `bson:"fee_level" json:"fee_level"`
	TokenContract string  `bson:"token_contract,omitempty" json:"token_contract,omitempty"`
	Decimals      uint8   `bson:"decimals" json:"decimals"`
	Nonce         *uint64 `bson:"nonce,omitempty" json:"nonce,omitempty"`

	Status        TxStatus `bson:"status" json:"status"`
	Hash          string   `bson:"hash,omitempty" json:"hash,omitempty"`
	Reason        string   `bson:"reason,omitempty" json:"reason,omitempty"`
	Confirmations uint64   `bson:"confirmations" json:"confirmations"`
	BlockNumber   *uint64  `bson:"block_number,omitempty" json:"block_number,omitempty"`

	// Unsigned and Signed are the chain specific payloads.
	Unsigned []byte `bson:"unsigned,omitempty" json:"-"`
	Signed   []byte `bson:"signed,omitempty" json:"-"`

	// InFlight is set while a broadcast is outstanding.
	InFlight bool `bson:"in_flight" json:"in_flight"`

	// UnknownOutcome marks a broadcast that timed out; the chain must be
	// queried before the record may be submitted again.
	UnknownOutcome bool `bson:"unknown_outcome" json:"unknown_outcome"`
	Attempts       int  `bson:"attempts" json:"attempts"`

	// Version is bumped on every write and backs compare-and-swap.
	Version int64 `bson:"version" json:"version"`

	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updated_at"`
	SignedAt    *time.Time `bson:"signed_at,omitempty" json:"signed_at,omitempty"`
	BroadcastAt *time.Time `bson:"broadcast_at,omitempty" json:"broadcast_at,omitempty"`
	ConfirmedAt *time.Time `bson:"confirmed_at,omitempty" json:"confirmed_at,omitempty"`
}

// Clone returns a deep copy.
func (r *TransactionRecord) Clone() *TransactionRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Unsigned = append([]byte(nil), r.Unsigned...)
	c.Signed = append([]byte(nil), r.Signed...)
	if r.Nonce != nil {
		n := *r.Nonce
		c.Nonce = &n
	}
	if r.BlockNumber != nil {
		b := *r.BlockNumber
		c.BlockNumber = &b
	}
	c.SignedAt = cloneTime(r.SignedAt)
	c.BroadcastAt = cloneTime(r.BroadcastAt)
	c.ConfirmedAt = cloneTime(r.ConfirmedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AuditEntry is one append-only line of the transaction audit trail.
type AuditEntry struct {
	ID        string    `bson:"_id" json:"id"`
	RecordID  string    `bson:"record_id" json:"record_id"`
	Action    string    `bson:"action" json:"action"`
	Detail    string    `bson:"detail,omitempty" json:"detail,omitempty"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}
