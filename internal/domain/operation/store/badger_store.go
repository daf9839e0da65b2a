// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/renewtv/renewd/internal/domain/operation/model"
)

// BadgerStore implements Store on BadgerDB for single-node deployments
// that want durability without a SQL file. Layout:
//   - operations: "op:<id>" (JSON)
//   - accounts:   "acct:<id>" (JSON)
//   - proxies:    "proxy:<id>" (JSON)
//   - ledger:     "txn:<operationID>:<seq>" (JSON), seq zero-padded so
//     key order is insert order
//   - refund guard: "txn-refund:<operationID>" marker key
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence([]byte("meta:txn-seq"), 64)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

func (s *BadgerStore) Close() error {
	if s.seq != nil {
		_ = s.seq.Release()
	}
	return s.db.Close()
}

// --- Operations ---

func (s *BadgerStore) PutOperation(ctx context.Context, op *model.Operation) error {
	buf, err := json.Marshal(op)
	if err != nil {
		return err
	}
	key := []byte("op:" + op.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
}

func (s *BadgerStore) GetOperation(ctx context.Context, id string) (*model.Operation, error) {
	key := []byte("op:" + id)
	var out model.Operation
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) UpdateOperation(ctx context.Context, id string, fn func(*model.Operation) error) (*model.Operation, error) {
	key := []byte("op:" + id)
	var out model.Operation
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		}); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		buf, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) QueryOperations(ctx context.Context, filter OperationFilter) ([]*model.Operation, error) {
	prefix := []byte("op:")
	var results []*model.Operation
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var op model.Operation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &op)
			}); err != nil {
				continue
			}
			if matchesFilter(&op, filter) {
				cpy := op
				results = append(results, &cpy)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAtUnix < results[j].CreatedAtUnix
	})
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

func (s *BadgerStore) DeleteOperation(ctx context.Context, id string) error {
	key := []byte("op:" + id)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (s *BadgerStore) PruneOperations(ctx context.Context, updatedBefore time.Time) (int, error) {
	cutoff := updatedBefore.Unix()
	ops, err := s.QueryOperations(ctx, OperationFilter{
		Statuses:      []model.Status{model.StatusCompleted, model.StatusFailed, model.StatusCancelled},
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, op := range ops {
		if err := s.DeleteOperation(ctx, op.ID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// --- Dealer accounts ---

func (s *BadgerStore) PutAccount(ctx context.Context, acct *model.Account) error {
	buf, err := json.Marshal(acct)
	if err != nil {
		return err
	}
	key := []byte("acct:" + acct.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
}

func (s *BadgerStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	key := []byte("acct:" + id)
	var out model.Account
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	prefix := []byte("acct:")
	var results []*model.Account
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var acct model.Account
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &acct)
			}); err != nil {
				continue
			}
			cpy := acct
			results = append(results, &cpy)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Priority != results[j].Priority {
			return results[i].Priority > results[j].Priority
		}
		return results[i].ID < results[j].ID
	})
	return results, nil
}

func (s *BadgerStore) UpdateAccount(ctx context.Context, id string, fn func(*model.Account) error) (*model.Account, error) {
	key := []byte("acct:" + id)
	var out model.Account
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		}); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		buf, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) DeleteAccount(ctx context.Context, id string) error {
	key := []byte("acct:" + id)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// --- Proxies ---

func (s *BadgerStore) PutProxy(ctx context.Context, p *model.Proxy) error {
	buf, err := json.Marshal(p)
	if err != nil {
		return err
	}
	key := []byte("proxy:" + p.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
}

func (s *BadgerStore) GetProxy(ctx context.Context, id string) (*model.Proxy, error) {
	key := []byte("proxy:" + id)
	var out model.Proxy
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ListProxies(ctx context.Context) ([]*model.Proxy, error) {
	prefix := []byte("proxy:")
	var results []*model.Proxy
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p model.Proxy
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				continue
			}
			cpy := p
			results = append(results, &cpy)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}

// --- Ledger ---

func (s *BadgerStore) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	seq, err := s.seq.Next()
	if err != nil {
		return err
	}
	txn.ID = int64(seq) + 1

	key := []byte(fmt.Sprintf("txn:%s:%012d", txn.OperationID, txn.ID))
	guard := []byte("txn-refund:" + txn.OperationID)
	buf, err := json.Marshal(txn)
	if err != nil {
		return err
	}

	return s.db.Update(func(bt *badger.Txn) error {
		if txn.Kind == model.TxnRefund {
			if _, err := bt.Get(guard); err == nil {
				return ErrDuplicateRefund
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := bt.Set(guard, []byte{1}); err != nil {
				return err
			}
		}
		return bt.Set(key, buf)
	})
}

func (s *BadgerStore) ListTransactions(ctx context.Context, operationID string) ([]*model.Transaction, error) {
	prefix := []byte("txn:" + operationID + ":")
	var results []*model.Transaction
	err := s.db.View(func(bt *badger.Txn) error {
		it := bt.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var txn model.Transaction
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &txn)
			}); err != nil {
				continue
			}
			cpy := txn
			results = append(results, &cpy)
		}
		return nil
	})
	return results, err
}

func (s *BadgerStore) HasRefund(ctx context.Context, operationID string) (bool, error) {
	guard := []byte("txn-refund:" + operationID)
	err := s.db.View(func(bt *badger.Txn) error {
		_, err := bt.Get(guard)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Ensure interface compliance at compile time.
var _ Store = (*BadgerStore)(nil)
