// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/renewtv/renewd/internal/domain/operation/model"
)

// MemoryStore is an in-memory Store intended for tests and local
// iteration. Not durable; not suitable for production.
type MemoryStore struct {
	mu sync.RWMutex

	operations map[string]*model.Operation
	accounts   map[string]*model.Account
	proxies    map[string]*model.Proxy

	txns   []*model.Transaction
	nextID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		operations: make(map[string]*model.Operation),
		accounts:   make(map[string]*model.Account),
		proxies:    make(map[string]*model.Proxy),
		nextID:     1,
	}
}

func (m *MemoryStore) Close() error { return nil }

// --- Operations ---

func (m *MemoryStore) PutOperation(ctx context.Context, op *model.Operation) error {
	m.mu.Lock()
	cpy := *op
	m.operations[op.ID] = &cpy
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetOperation(ctx context.Context, id string) (*model.Operation, error) {
	m.mu.RLock()
	op, ok := m.operations[id]
	if !ok {
		m.mu.RUnlock()
		return nil, nil
	}
	cpy := *op
	m.mu.RUnlock()
	return &cpy, nil
}

func (m *MemoryStore) UpdateOperation(ctx context.Context, id string, fn func(*model.Operation) error) (*model.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *op
	if err := fn(&cpy); err != nil {
		return nil, err
	}
	m.operations[id] = &cpy
	out := cpy
	return &out, nil
}

func (m *MemoryStore) QueryOperations(ctx context.Context, filter OperationFilter) ([]*model.Operation, error) {
	m.mu.RLock()
	var results []*model.Operation
	for _, op := range m.operations {
		if !matchesFilter(op, filter) {
			continue
		}
		cpy := *op
		results = append(results, &cpy)
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAtUnix < results[j].CreatedAtUnix
	})
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

func matchesFilter(op *model.Operation, filter OperationFilter) bool {
	if len(filter.Statuses) > 0 {
		found := false
		for _, st := range filter.Statuses {
			if op.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.HeartbeatExpiresBefore > 0 {
		if op.HeartbeatExpiryUnix == 0 || op.HeartbeatExpiryUnix >= filter.HeartbeatExpiresBefore {
			return false
		}
	}
	if filter.UpdatedBefore > 0 && op.UpdatedAtUnix >= filter.UpdatedBefore {
		return false
	}
	if filter.UserID != "" && op.UserID != filter.UserID {
		return false
	}
	if filter.AccountID != "" && op.AccountID != filter.AccountID {
		return false
	}
	return true
}

func (m *MemoryStore) DeleteOperation(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.operations, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) PruneOperations(ctx context.Context, updatedBefore time.Time) (int, error) {
	cutoff := updatedBefore.Unix()
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id, op := range m.operations {
		if op.Status.IsTerminal() && op.UpdatedAtUnix < cutoff {
			delete(m.operations, id)
			count++
		}
	}
	return count, nil
}

// --- Dealer accounts ---

func (m *MemoryStore) PutAccount(ctx context.Context, acct *model.Account) error {
	m.mu.Lock()
	cpy := *acct
	m.accounts[acct.ID] = &cpy
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	m.mu.RLock()
	acct, ok := m.accounts[id]
	if !ok {
		m.mu.RUnlock()
		return nil, nil
	}
	cpy := *acct
	m.mu.RUnlock()
	return &cpy, nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	m.mu.RLock()
	var results []*model.Account
	for _, acct := range m.accounts {
		cpy := *acct
		results = append(results, &cpy)
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Priority != results[j].Priority {
			return results[i].Priority > results[j].Priority
		}
		return results[i].ID < results[j].ID
	})
	return results, nil
}

func (m *MemoryStore) UpdateAccount(ctx context.Context, id string, fn func(*model.Account) error) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *acct
	if err := fn(&cpy); err != nil {
		return nil, err
	}
	m.accounts[id] = &cpy
	out := cpy
	return &out, nil
}

func (m *MemoryStore) DeleteAccount(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.accounts, id)
	m.mu.Unlock()
	return nil
}

// --- Proxies ---

func (m *MemoryStore) PutProxy(ctx context.Context, p *model.Proxy) error {
	m.mu.Lock()
	cpy := *p
	m.proxies[p.ID] = &cpy
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetProxy(ctx context.Context, id string) (*model.Proxy, error) {
	m.mu.RLock()
	p, ok := m.proxies[id]
	if !ok {
		m.mu.RUnlock()
		return nil, nil
	}
	cpy := *p
	m.mu.RUnlock()
	return &cpy, nil
}

func (m *MemoryStore) ListProxies(ctx context.Context) ([]*model.Proxy, error) {
	m.mu.RLock()
	var results []*model.Proxy
	for _, p := range m.proxies {
		cpy := *p
		results = append(results, &cpy)
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}

// --- Ledger ---

func (m *MemoryStore) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if txn.Kind == model.TxnRefund {
		for _, existing := range m.txns {
			if existing.OperationID == txn.OperationID && existing.Kind == model.TxnRefund {
				return ErrDuplicateRefund
			}
		}
	}

	cpy := *txn
	cpy.ID = m.nextID
	m.nextID++
	m.txns = append(m.txns, &cpy)
	txn.ID = cpy.ID
	return nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, operationID string) ([]*model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*model.Transaction
	for _, txn := range m.txns {
		if txn.OperationID == operationID {
			cpy := *txn
			results = append(results, &cpy)
		}
	}
	return results, nil
}

func (m *MemoryStore) HasRefund(ctx context.Context, operationID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, txn := range m.txns {
		if txn.OperationID == operationID && txn.Kind == model.TxnRefund {
			return true, nil
		}
	}
	return false, nil
}
