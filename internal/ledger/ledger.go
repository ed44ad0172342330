// Package ledger owns balances and the transaction log. It is the only
// component that mutates state.
//
// Every mutator:
//  1. Serialises on the per-user stripe mutex
//  2. Replays idempotency keys without touching state
//  3. Batches all writes into a single atomic store commit
//  4. Returns only after the store reports the commit durable
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fodinet/fodibank/internal/domain"
	"github.com/fodinet/fodibank/internal/infra/kv"
	"github.com/fodinet/fodibank/internal/observe"
)

// stripeCount is the number of user mutex stripes. Must be ≥ expected
// write concurrency.
const stripeCount = 64

// Ledger is the authoritative off-chain record of balances and
// transactions.
type Ledger struct {
	store   kv.Store
	stripes [stripeCount]sync.Mutex
	wake    chan struct{}

	now func() time.Time // swappable for tests
}

// New creates a ledger on top of the given store.
func New(store kv.Store) *Ledger {
	return &Ledger{
		store: store,
		wake:  make(chan struct{}, 1),
		now:   time.Now,
	}
}

// Wake is signalled whenever a new reflect job is enqueued, so the
// reflector does not oversleep on an empty queue.
func (l *Ledger) Wake() <-chan struct{} { return l.wake }

func (l *Ledger) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// stripe returns the mutex index for a user id.
func stripe(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % stripeCount)
}

func (l *Ledger) lockUser(userID string) func() {
	m := &l.stripes[stripe(userID)]
	m.Lock()
	return m.Unlock
}

// lockPair locks the stripes of two users in index order so concurrent
// transfers cannot deadlock. Same-stripe pairs lock once.
func (l *Ledger) lockPair(a, b string) func() {
	i, j := stripe(a), stripe(b)
	if i == j {
		l.stripes[i].Lock()
		return l.stripes[i].Unlock
	}
	if i > j {
		i, j = j, i
	}
	l.stripes[i].Lock()
	l.stripes[j].Lock()
	return func() {
		l.stripes[j].Unlock()
		l.stripes[i].Unlock()
	}
}

// commit applies the batch and waits for durability.
func (l *Ledger) commit(ops []kv.Op) error {
	if err := l.store.Batch(ops); err != nil {
		return err
	}
	return l.store.Flush()
}

// ─── Idempotency ────────────────────────────────────────────────────────────

// idemRecord binds a caller-supplied key to the transaction(s) it produced.
// The fingerprint detects a key reused for a different logical operation.
type idemRecord struct {
	V           int    `json:"v"`
	TxID        string `json:"tx_id"`
	TxIDIn      string `json:"tx_id_in,omitempty"` // credit leg of a transfer
	Fingerprint string `json:"fingerprint"`
}

func fingerprint(kind domain.TxKind, userID string, amount domain.Amount, counterparty string) string {
	return fmt.Sprintf("%s|%s|%d|%s", kind, userID, amount, counterparty)
}

// lookupIdem returns the existing record for key, or nil. A record whose
// fingerprint differs from fp is a Conflict.
func (l *Ledger) lookupIdem(key, fp string) (*idemRecord, error) {
	if key == "" {
		return nil, nil
	}
	raw, err := l.store.Get(idemKey(key))
	if err != nil || raw == nil {
		return nil, err
	}
	var rec idemRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode idem %q: %v", domain.ErrStoreFailure, key, err)
	}
	if rec.Fingerprint != fp {
		return nil, fmt.Errorf("%w: idempotency key %q bound to a different operation", domain.ErrConflict, key)
	}
	observe.IdempotentReplays.Inc()
	return &rec, nil
}

func idemOp(key string, rec idemRecord) kv.Op {
	raw, _ := json.Marshal(rec)
	return kv.Put(idemKey(key), raw)
}

// ─── Balances ───────────────────────────────────────────────────────────────

// loadBalance reads a user's balance, returning the zero balance when the
// user has never been credited.
func (l *Ledger) loadBalance(userID string) (domain.Balance, error) {
	raw, err := l.store.Get(balanceKey(userID))
	if err != nil {
		return domain.Balance{}, err
	}
	if raw == nil {
		return domain.Balance{V: domain.SchemaVersion, UserID: userID}, nil
	}
	var b domain.Balance
	if err := json.Unmarshal(raw, &b); err != nil {
		return domain.Balance{}, fmt.Errorf("%w: decode balance %q: %v", domain.ErrStoreFailure, userID, err)
	}
	return b, nil
}

func balanceOp(b domain.Balance) kv.Op {
	b.V = domain.SchemaVersion
	raw, _ := json.Marshal(b)
	return kv.Put(balanceKey(b.UserID), raw)
}

// txOps returns the three writes recording a transaction: the primary
// record, the per-user history index entry, and the id→key pointer.
// Index entries carry an empty (not nil) value: the store's value column
// is NOT NULL, and a nil slice binds as SQL NULL.
func txOps(tx domain.Transaction) []kv.Op {
	tx.V = domain.SchemaVersion
	raw, _ := json.Marshal(tx)
	key := txKey(tx.CreatedAt, tx.ID)
	return []kv.Op{
		kv.Put(key, raw),
		kv.Put(txIdxKey(tx.UserID, tx.CreatedAt, tx.ID), []byte{}),
		kv.Put(txRefKey(tx.ID), key),
	}
}

// ─── Mutators ───────────────────────────────────────────────────────────────

// Credit adds amount to a user's available balance. Kind must be a
// crediting kind. Returns the new transaction id, or the previously
// recorded one when idem replays.
func (l *Ledger) Credit(ctx context.Context, userID string, amount domain.Amount, kind domain.TxKind, reason, idem string) (string, error) {
	if userID == "" || amount <= 0 {
		return "", fmt.Errorf("%w: credit user=%q amount=%d", domain.ErrInvalidArgument, userID, amount)
	}
	if !kind.Credits() {
		return "", fmt.Errorf("%w: %s is not a crediting kind", domain.ErrInvalidArgument, kind)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	unlock := l.lockUser(userID)
	defer unlock()

	fp := fingerprint(kind, userID, amount, "")
	if rec, err := l.lookupIdem(idem, fp); err != nil {
		return "", err
	} else if rec != nil {
		return rec.TxID, nil
	}

	now := l.now().UnixMilli()
	tx := domain.Transaction{
		ID:        uuid.NewString(),
		Kind:      kind,
		UserID:    userID,
		Amount:    amount,
		Status:    domain.StatusApplied,
		CreatedAt: now,
		AppliedAt: now,
		Reason:    reason,
	}

	bal, err := l.loadBalance(userID)
	if err != nil {
		return "", err
	}
	bal.Available += amount
	bal.UpdatedAt = now

	ops := append(txOps(tx), balanceOp(bal))
	if idem != "" {
		ops = append(ops, idemOp(idem, idemRecord{V: domain.SchemaVersion, TxID: tx.ID, Fingerprint: fp}))
	}
	if err := l.commit(ops); err != nil {
		observe.TxRejected.WithLabelValues(domain.Category(err)).Inc()
		return "", err
	}
	observe.TxApplied.WithLabelValues(string(kind)).Inc()
	return tx.ID, nil
}

// Debit removes amount from a user's available balance, failing with
// InsufficientFunds when the balance would go negative. No transaction
// record is written for a rejected debit.
func (l *Ledger) Debit(ctx context.Context, userID string, amount domain.Amount, kind domain.TxKind, reason, idem string) (string, error) {
	if userID == "" || amount <= 0 {
		return "", fmt.Errorf("%w: debit user=%q amount=%d", domain.ErrInvalidArgument, userID, amount)
	}
	if !kind.Debits() {
		return "", fmt.Errorf("%w: %s is not a debiting kind", domain.ErrInvalidArgument, kind)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	unlock := l.lockUser(userID)
	defer unlock()

	fp := fingerprint(kind, userID, amount, "")
	if rec, err := l.lookupIdem(idem, fp); err != nil {
		return "", err
	} else if rec != nil {
		return rec.TxID, nil
	}

	bal, err := l.loadBalance(userID)
	if err != nil {
		return "", err
	}
	if bal.Available < amount {
		observe.TxRejected.WithLabelValues("insufficient_funds").Inc()
		return "", fmt.Errorf("%w: user %q has %d base units, debit wants %d",
			domain.ErrInsufficientFunds, userID, bal.Available, amount)
	}

	now := l.now().UnixMilli()
	tx := domain.Transaction{
		ID:        uuid.NewString(),
		Kind:      kind,
		UserID:    userID,
		Amount:    amount,
		Status:    domain.StatusApplied,
		CreatedAt: now,
		AppliedAt: now,
		Reason:    reason,
	}
	bal.Available -= amount
	bal.UpdatedAt = now

	ops := append(txOps(tx), balanceOp(bal))
	if idem != "" {
		ops = append(ops, idemOp(idem, idemRecord{V: domain.SchemaVersion, TxID: tx.ID, Fingerprint: fp}))
	}
	if err := l.commit(ops); err != nil {
		observe.TxRejected.WithLabelValues(domain.Category(err)).Inc()
		return "", err
	}
	observe.TxApplied.WithLabelValues(string(kind)).Inc()
	return tx.ID, nil
}

// Transfer atomically debits from and credits to, writing both linked
// transaction records in one batch. Returns (outgoing, incoming) ids.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount domain.Amount, reason, idem string) (string, string, error) {
	if from == "" || to == "" || amount <= 0 {
		return "", "", fmt.Errorf("%w: transfer from=%q to=%q amount=%d", domain.ErrInvalidArgument, from, to, amount)
	}
	if from == to {
		return "", "", fmt.Errorf("%w: transfer to self", domain.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	unlock := l.lockPair(from, to)
	defer unlock()

	fp := fingerprint(domain.TxTransferOut, from, amount, to)
	if rec, err := l.lookupIdem(idem, fp); err != nil {
		return "", "", err
	} else if rec != nil {
		return rec.TxID, rec.TxIDIn, nil
	}

	fromBal, err := l.loadBalance(from)
	if err != nil {
		return "", "", err
	}
	if fromBal.Available < amount {
		observe.TxRejected.WithLabelValues("insufficient_funds").Inc()
		return "", "", fmt.Errorf("%w: user %q has %d base units, transfer wants %d",
			domain.ErrInsufficientFunds, from, fromBal.Available, amount)
	}
	toBal, err := l.loadBalance(to)
	if err != nil {
		return "", "", err
	}

	now := l.now().UnixMilli()
	out := domain.Transaction{
		ID: uuid.NewString(), Kind: domain.TxTransferOut, UserID: from,
		Counterparty: to, Amount: amount, Status: domain.StatusApplied,
		CreatedAt: now, AppliedAt: now, Reason: reason,
	}
	in := domain.Transaction{
		ID: uuid.NewString(), Kind: domain.TxTransferIn, UserID: to,
		Counterparty: from, Amount: amount, Status: domain.StatusApplied,
		CreatedAt: now, AppliedAt: now, Reason: reason,
	}
	fromBal.Available -= amount
	fromBal.UpdatedAt = now
	toBal.Available += amount
	toBal.UpdatedAt = now

	ops := append(txOps(out), txOps(in)...)
	ops = append(ops, balanceOp(fromBal), balanceOp(toBal))
	if idem != "" {
		ops = append(ops, idemOp(idem, idemRecord{V: domain.SchemaVersion, TxID: out.ID, TxIDIn: in.ID, Fingerprint: fp}))
	}
	if err := l.commit(ops); err != nil {
		observe.TxRejected.WithLabelValues(domain.Category(err)).Inc()
		return "", "", err
	}
	observe.TxApplied.WithLabelValues(string(domain.TxTransferOut)).Inc()
	observe.TxApplied.WithLabelValues(string(domain.TxTransferIn)).Inc()
	return out.ID, in.ID, nil
}
