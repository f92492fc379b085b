package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/linlinbupt123-crypto/hdwallet_core/entity"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
)

// MemoryStore keeps seeds, wallets, addresses, transaction records and the
// audit trail in process memory. It enforces the same unique keys as the
// MongoDB indexes and is used by tests and the CLI's --store=memory mode.
type MemoryStore struct {
	mu sync.RWMutex

	seeds     map[string]*entity.MasterSeed
	wallets   map[string]*entity.Wallet
	addresses map[string]*entity.Address
	records   map[string]*entity.TransactionRecord
	audit     []*entity.AuditEntry

	auditErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seeds:     make(map[string]*entity.MasterSeed),
		wallets:   make(map[string]*entity.Wallet),
		addresses: make(map[string]*entity.Address),
		records:   make(map[string]*entity.TransactionRecord),
	}
}

// ---------- seeds ----------

func (m *MemoryStore) CreateSeed(_ context.Context, seed *entity.MasterSeed) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seeds[seed.UserID]; ok {
		return &wrapErrors.AlreadyExistsError{Kind: "master seed", Key: seed.UserID}
	}
	c := *seed
	m.seeds[seed.UserID] = &c
	return nil
}

func (m *MemoryStore) GetSeed(_ context.Context, userID string) (*entity.MasterSeed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.seeds[userID]
	if !ok {
		return nil, &wrapErrors.NotFoundError{Kind: "master seed", Key: userID}
	}
	c := *s
	return &c, nil
}

func (m *MemoryStore) DeleteSeed(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seeds[userID]; !ok {
		return &wrapErrors.NotFoundError{Kind: "master seed", Key: userID}
	}
	delete(m.seeds, userID)
	return nil
}

// ---------- wallets ----------

func (m *MemoryStore) CreateWallet(_ context.Context, w *entity.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.wallets {
		if existing.ID == w.ID ||
			(existing.UserID == w.UserID && existing.Account == w.Account) {

			return &wrapErrors.AlreadyExistsError{Kind: "wallet", Key: w.ID}
		}
	}
	c := *w
	m.wallets[w.ID] = &c
	return nil
}

func (m *MemoryStore) GetWallet(_ context.Context, id string) (*entity.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, &wrapErrors.NotFoundError{Kind: "wallet", Key: id}
	}
	c := *w
	return &c, nil
}

func (m *MemoryStore) ListWallets(_ context.Context, userID string) ([]*entity.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*entity.Wallet
	for _, w := range m.wallets {
		if w.UserID == userID {
			c := *w
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out, nil
}

func (m *MemoryStore) MaxAccount(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	max := int64(-1)
	for _, w := range m.wallets {
		if w.UserID == userID && int64(w.Account) > max {
			max = int64(w.Account)
		}
	}
	return max, nil
}

// ---------- addresses ----------

func (m *MemoryStore) CreateAddress(_ context.Context, addr *entity.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.addresses[addr.Address]; ok {
		return &wrapErrors.AlreadyExistsError{Kind: "address", Key: addr.Address}
	}
	for _, a := range m.addresses {
		if a.WalletID == addr.WalletID && a.Network == addr.Network &&
			a.AddressType == addr.AddressType && a.Index == addr.Index {

			return &wrapErrors.AlreadyExistsError{Kind: "address", Key: addr.Path}
		}
	}
	c := *addr
	c.EncryptedPrivateKey = append([]byte(nil), addr.EncryptedPrivateKey...)
	m.addresses[addr.Address] = &c
	return nil
}

func (m *MemoryStore) GetAddress(_ context.Context, address string) (*entity.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.addresses[address]
	if !ok {
		return nil, &wrapErrors.NotFoundError{Kind: "address", Key: address}
	}
	c := *a
	c.EncryptedPrivateKey = append([]byte(nil), a.EncryptedPrivateKey...)
	return &c, nil
}

func (m *MemoryStore) ListAddresses(_ context.Context, walletID string) ([]*entity.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*entity.Address
	for _, a := range m.addresses {
		if a.WalletID == walletID {
			c := *a
			c.EncryptedPrivateKey = nil
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Network != out[j].Network {
			return out[i].Network < out[j].Network
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (m *MemoryStore) GetMaxIndex(_ context.Context, walletID, network, addressType string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	max := int64(-1)
	for _, a := range m.addresses {
		if a.WalletID == walletID && a.Network == network &&
			a.AddressType == addressType && int64(a.Index) > max {

			max = int64(a.Index)
		}
	}
	return max, nil
}

func (m *MemoryStore) UpdateEncryptedKey(_ context.Context, address string, enc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.addresses[address]
	if !ok {
		return &wrapErrors.NotFoundError{Kind: "address", Key: address}
	}
	a.EncryptedPrivateKey = append([]byte(nil), enc...)
	return nil
}

// ---------- transaction records ----------

func (m *MemoryStore) CreateRecord(_ context.Context, r *entity.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.ID]; ok {
		return &wrapErrors.AlreadyExistsError{Kind: "transaction", Key: r.ID}
	}
	if r.Hash != "" && m.findByHashLocked(r.Network, r.Hash) != nil {
		return &wrapErrors.AlreadyExistsError{Kind: "transaction", Key: r.Hash}
	}
	m.records[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRecord(_ context.Context, id string) (*entity.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, &wrapErrors.NotFoundError{Kind: "transaction", Key: id}
	}
	return r.Clone(), nil
}

func (m *MemoryStore) GetRecordByHash(_ context.Context, network, hash string) (*entity.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := m.findByHashLocked(network, hash)
	if r == nil {
		return nil, &wrapErrors.NotFoundError{Kind: "transaction", Key: hash}
	}
	return r.Clone(), nil
}

func (m *MemoryStore) findByHashLocked(network, hash string) *entity.TransactionRecord {
	for _, r := range m.records {
		if r.Network == network && r.Hash == hash {
			return r
		}
	}
	return nil
}

// CompareAndSwapRecord stores r if the stored version still equals
// expected, and bumps r.Version.
func (m *MemoryStore) CompareAndSwapRecord(_ context.Context, r *entity.TransactionRecord,
	expected int64) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[r.ID]
	if !ok {
		return &wrapErrors.NotFoundError{Kind: "transaction", Key: r.ID}
	}
	if cur.Version != expected {
		return wrapErrors.ErrVersionConflict
	}
	if r.Hash != "" {
		if other := m.findByHashLocked(r.Network, r.Hash); other != nil && other.ID != r.ID {
			return &wrapErrors.AlreadyExistsError{Kind: "transaction", Key: r.Hash}
		}
	}
	r.Version = expected + 1
	m.records[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) ListRecordsByStatus(_ context.Context, status entity.TxStatus,
	limit int) ([]*entity.TransactionRecord, error) {

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*entity.TransactionRecord
	for _, r := range m.records {
		if r.Status == status {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------- audit ----------

func (m *MemoryStore) AppendAudit(_ context.Context, e *entity.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.auditErr != nil {
		return m.auditErr
	}
	c := *e
	m.audit = append(m.audit, &c)
	return nil
}

// FailAudit makes every following AppendAudit return err. A nil err
// restores normal operation.
func (m *MemoryStore) FailAudit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.auditErr = err
}

// AuditEntries returns the audit trail of a record in append order.
func (m *MemoryStore) AuditEntries(_ context.Context, recordID string) ([]*entity.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*entity.AuditEntry
	for _, e := range m.audit {
		if e.RecordID == recordID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}
