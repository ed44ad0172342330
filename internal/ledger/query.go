package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fodinet/fodibank/internal/domain"
	"github.com/fodinet/fodibank/internal/infra/kv"
)

// Read-side projections. Reads take no stripe locks; they see whatever the
// store's snapshot shows, which is always a committed batch boundary.

// GetBalance returns the user's balance, zero-valued when absent.
func (l *Ledger) GetBalance(userID string) (domain.Balance, error) {
	if userID == "" {
		return domain.Balance{}, fmt.Errorf("%w: empty user id", domain.ErrInvalidArgument)
	}
	return l.loadBalance(userID)
}

// GetTransaction resolves a transaction by id via the txref pointer.
func (l *Ledger) GetTransaction(txID string) (domain.Transaction, error) {
	var tx domain.Transaction
	ref, err := l.store.Get(txRefKey(txID))
	if err != nil {
		return tx, err
	}
	if ref == nil {
		return tx, fmt.Errorf("%w: tx %s", domain.ErrNotFound, txID)
	}
	raw, err := l.store.Get(ref)
	if err != nil {
		return tx, err
	}
	if raw == nil {
		return tx, fmt.Errorf("%w: tx %s dangling ref", domain.ErrStoreFailure, txID)
	}
	if err := json.Unmarshal(raw, &tx); err != nil {
		return tx, fmt.Errorf("%w: decode tx %s: %v", domain.ErrStoreFailure, txID, err)
	}
	return tx, nil
}

// History returns up to limit transactions for a user, newest first.
// A non-nil cursor (the last txidx key of the previous page) resumes the
// scan after that entry. The returned cursor is nil on the last page.
func (l *Ledger) History(userID string, limit int, cursor []byte) ([]domain.Transaction, []byte, error) {
	if userID == "" {
		return nil, nil, fmt.Errorf("%w: empty user id", domain.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = 50
	}

	prefix := userHistoryPrefix(userID)
	start := prefix
	end := kv.PrefixEnd(prefix)
	if len(cursor) > 0 {
		if !bytes.HasPrefix(cursor, prefix) {
			return nil, nil, fmt.Errorf("%w: bad history cursor", domain.ErrInvalidArgument)
		}
		end = cursor // descending scan resumes strictly before the cursor
	}

	// Collect index keys first; resolving inside the scan would nest reads.
	var idxKeys [][]byte
	err := l.store.ScanRange(start, end, true, func(k, _ []byte) (bool, error) {
		idxKeys = append(idxKeys, append([]byte(nil), k...))
		return len(idxKeys) < limit, nil
	})
	if err != nil {
		return nil, nil, err
	}

	txs := make([]domain.Transaction, 0, len(idxKeys))
	for _, ik := range idxKeys {
		raw, err := l.store.Get(txKeyFromIdx(ik, userID))
		if err != nil {
			return nil, nil, err
		}
		if raw == nil {
			return nil, nil, fmt.Errorf("%w: dangling history index %q", domain.ErrStoreFailure, ik)
		}
		var tx domain.Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return nil, nil, fmt.Errorf("%w: decode tx: %v", domain.ErrStoreFailure, err)
		}
		txs = append(txs, tx)
	}

	var next []byte
	if len(idxKeys) == limit {
		next = idxKeys[len(idxKeys)-1]
	}
	return txs, next, nil
}

// Recent returns the newest transactions across all users. The cursor is
// the last tx key of the previous page.
func (l *Ledger) Recent(limit int, cursor []byte) ([]domain.Transaction, []byte, error) {
	if limit <= 0 {
		limit = 50
	}
	prefix := []byte(prefixTx)
	end := kv.PrefixEnd(prefix)
	if len(cursor) > 0 {
		if !bytes.HasPrefix(cursor, prefix) {
			return nil, nil, fmt.Errorf("%w: bad cursor", domain.ErrInvalidArgument)
		}
		end = cursor
	}

	var (
		txs  []domain.Transaction
		last []byte
	)
	err := l.store.ScanRange(prefix, end, true, func(k, v []byte) (bool, error) {
		var tx domain.Transaction
		if err := json.Unmarshal(v, &tx); err != nil {
			return false, fmt.Errorf("%w: decode tx at %q: %v", domain.ErrStoreFailure, k, err)
		}
		txs = append(txs, tx)
		last = append(last[:0], k...)
		return len(txs) < limit, nil
	})
	if err != nil {
		return nil, nil, err
	}

	var next []byte
	if len(txs) == limit {
		next = append([]byte(nil), last...)
	}
	return txs, next, nil
}

// Stats summarises the ledger for operators.
type Stats struct {
	Balances     int                     `json:"balances"`
	Transactions int                     `json:"transactions"`
	ByStatus     map[domain.TxStatus]int `json:"by_status"`
	ReflectQueue int                     `json:"reflect_queue"`
}

// CollectStats walks the store and counts balances and transactions per
// status. Intended for the stats endpoint and CLI, not hot paths.
func (l *Ledger) CollectStats() (Stats, error) {
	st := Stats{ByStatus: make(map[domain.TxStatus]int)}

	err := kv.ScanPrefix(l.store, []byte(prefixBalance), false, func(_, _ []byte) (bool, error) {
		st.Balances++
		return true, nil
	})
	if err != nil {
		return st, err
	}

	err = kv.ScanPrefix(l.store, []byte(prefixTx), false, func(_, v []byte) (bool, error) {
		var tx domain.Transaction
		if err := json.Unmarshal(v, &tx); err != nil {
			return false, fmt.Errorf("%w: decode tx: %v", domain.ErrStoreFailure, err)
		}
		st.Transactions++
		st.ByStatus[tx.Status]++
		return true, nil
	})
	if err != nil {
		return st, err
	}

	st.ReflectQueue, err = l.QueueDepth()
	return st, err
}

// ─── Reconciler Support ─────────────────────────────────────────────────────

// UnverifiedConfirmed returns confirmed transactions the reconciler has not
// yet checked against the chain, oldest first.
func (l *Ledger) UnverifiedConfirmed(limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	var txs []domain.Transaction
	err := kv.ScanPrefix(l.store, []byte(prefixTx), false, func(k, v []byte) (bool, error) {
		var tx domain.Transaction
		if err := json.Unmarshal(v, &tx); err != nil {
			return false, fmt.Errorf("%w: decode tx at %q: %v", domain.ErrStoreFailure, k, err)
		}
		if tx.Status == domain.StatusConfirmed && !tx.Verified && tx.Signature != "" {
			txs = append(txs, tx)
		}
		return len(txs) < limit, nil
	})
	return txs, err
}

// MarkVerified records the outcome of a reconciler check: the transaction
// is flagged verified and any mismatches are written as audit records in
// the same batch. Balances are never touched here.
func (l *Ledger) MarkVerified(txID string, mismatches []domain.AuditRecord) error {
	tx, err := l.GetTransaction(txID)
	if err != nil {
		return err
	}

	unlock := l.lockUser(tx.UserID)
	defer unlock()

	tx, err = l.GetTransaction(txID)
	if err != nil {
		return err
	}
	if tx.Status != domain.StatusConfirmed {
		return fmt.Errorf("%w: tx %s is %s, cannot verify", domain.ErrConflict, txID, tx.Status)
	}
	tx.Verified = true

	ops := txOps(tx)
	now := l.now().UnixMilli()
	for _, m := range mismatches {
		m.V = domain.SchemaVersion
		m.TxID = txID
		if m.CheckedAt == 0 {
			m.CheckedAt = now
		}
		raw, _ := json.Marshal(m)
		ops = append(ops, kv.Put(auditKey(m.CheckedAt, txID, m.Field), raw))
	}
	return l.commit(ops)
}

// AuditRecords returns recorded reconciliation mismatches, newest first.
func (l *Ledger) AuditRecords(limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []domain.AuditRecord
	err := kv.ScanPrefix(l.store, []byte(prefixAudit), true, func(_, v []byte) (bool, error) {
		var rec domain.AuditRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return false, fmt.Errorf("%w: decode audit record: %v", domain.ErrStoreFailure, err)
		}
		recs = append(recs, rec)
		return len(recs) < limit, nil
	})
	return recs, err
}

// ─── Meta Keys ──────────────────────────────────────────────────────────────

// metaRate is the persisted fiat conversion snapshot.
type metaRate struct {
	V                int   `json:"v"`
	BaseUnitsPerCent int64 `json:"base_units_per_cent"`
}

// SetRate persists the fiat conversion rate (base units per fiat cent).
func (l *Ledger) SetRate(baseUnitsPerCent int64) error {
	if baseUnitsPerCent <= 0 {
		return fmt.Errorf("%w: rate must be positive, got %d", domain.ErrInvalidArgument, baseUnitsPerCent)
	}
	raw, _ := json.Marshal(metaRate{V: domain.SchemaVersion, BaseUnitsPerCent: baseUnitsPerCent})
	return l.store.Put([]byte(MetaRate), raw)
}

// Rate reads the current conversion rate. Read at event-classification
// time, never cached.
func (l *Ledger) Rate() (int64, error) {
	raw, err := l.store.Get([]byte(MetaRate))
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, fmt.Errorf("%w: conversion rate not configured", domain.ErrNotFound)
	}
	var m metaRate
	if err := json.Unmarshal(raw, &m); err != nil {
		return 0, fmt.Errorf("%w: decode meta:rate: %v", domain.ErrStoreFailure, err)
	}
	return m.BaseUnitsPerCent, nil
}

// SetMeta stores a configuration snapshot under a meta key.
func (l *Ledger) SetMeta(key, value string) error {
	return l.store.Put([]byte(key), []byte(value))
}

// Meta reads a configuration snapshot.
func (l *Ledger) Meta(key string) (string, error) {
	raw, err := l.store.Get([]byte(key))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
