package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/fodinet/fodibank/internal/domain"
	"github.com/fodinet/fodibank/internal/infra/kv"
	"github.com/fodinet/fodibank/internal/observe"
)

// Reflect lifecycle. A reservation moves amount from available to locked
// and enqueues a ReflectJob; the reflector later resolves it through
// CommitReflect or FailReflect. Invariant: a job exists iff the matching
// transaction is REFLECTING, and locked equals the sum of a user's
// REFLECTING amounts.

const (
	backoffBase = 2 * time.Second
	backoffCap  = 5 * time.Minute
)

// ReserveForReflect reserves amount for an outbound on-chain transfer.
func (l *Ledger) ReserveForReflect(ctx context.Context, userID string, amount domain.Amount, recipient, reason, idem string) (string, error) {
	if userID == "" || amount <= 0 || recipient == "" {
		return "", fmt.Errorf("%w: reserve user=%q amount=%d recipient=%q",
			domain.ErrInvalidArgument, userID, amount, recipient)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	unlock := l.lockUser(userID)
	defer unlock()

	fp := fingerprint(domain.TxOnchainReflect, userID, amount, recipient)
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
		return "", fmt.Errorf("%w: user %q has %d base units, reserve wants %d",
			domain.ErrInsufficientFunds, userID, bal.Available, amount)
	}

	now := l.now().UnixMilli()
	tx := domain.Transaction{
		ID: uuid.NewString(), Kind: domain.TxOnchainReflect, UserID: userID,
		Counterparty: recipient, Amount: amount, Status: domain.StatusReflecting,
		CreatedAt: now, AppliedAt: now, Reason: reason,
	}
	bal.Available -= amount
	bal.Locked += amount
	bal.UpdatedAt = now

	job := domain.ReflectJob{
		V: domain.SchemaVersion, TxID: tx.ID, Recipient: recipient,
		Amount: amount, NextAttemptAt: now,
	}
	jobKey := reflectKey(now, tx.ID)
	jobRaw, _ := json.Marshal(job)

	ops := append(txOps(tx), balanceOp(bal),
		kv.Put(jobKey, jobRaw),
		kv.Put(reflectRefKey(tx.ID), jobKey),
	)
	if idem != "" {
		ops = append(ops, idemOp(idem, idemRecord{V: domain.SchemaVersion, TxID: tx.ID, Fingerprint: fp}))
	}
	if err := l.commit(ops); err != nil {
		observe.TxRejected.WithLabelValues(domain.Category(err)).Inc()
		return "", err
	}
	observe.TxApplied.WithLabelValues(string(domain.TxOnchainReflect)).Inc()
	l.notify()
	return tx.ID, nil
}

// CommitReflect flips REFLECTING → CONFIRMED, records the signature and
// drops the locked amount (the tokens have left the ledger). Re-invocation
// with the same signature is a no-op; with a different one, Conflict.
func (l *Ledger) CommitReflect(txID, signature string) error {
	if txID == "" || signature == "" {
		return fmt.Errorf("%w: commit reflect tx=%q signature=%q", domain.ErrInvalidArgument, txID, signature)
	}

	tx, err := l.GetTransaction(txID)
	if err != nil {
		return err
	}

	unlock := l.lockUser(tx.UserID)
	defer unlock()

	// Reload under the lock; the first read only located the user.
	tx, err = l.GetTransaction(txID)
	if err != nil {
		return err
	}

	switch tx.Status {
	case domain.StatusConfirmed:
		if tx.Signature == signature {
			return nil
		}
		return fmt.Errorf("%w: tx %s already confirmed with a different signature", domain.ErrConflict, txID)
	case domain.StatusReflecting:
		// proceed
	default:
		return fmt.Errorf("%w: tx %s is %s, cannot confirm", domain.ErrConflict, txID, tx.Status)
	}

	bal, err := l.loadBalance(tx.UserID)
	if err != nil {
		return err
	}
	bal.Locked -= tx.Amount
	bal.UpdatedAt = l.now().UnixMilli()

	tx.Status = domain.StatusConfirmed
	tx.Signature = signature

	ops := l.dropJobOps(txID)
	ops = append(ops, txOps(tx)...)
	ops = append(ops, balanceOp(bal))
	return l.commit(ops)
}

// FailReflect handles a failed chain attempt. Non-final failures reschedule
// the job with exponential backoff; final failures flip the transaction to
// FAILED and return the reserved amount to available.
func (l *Ledger) FailReflect(txID, errMsg string, final bool) error {
	if txID == "" {
		return fmt.Errorf("%w: fail reflect with empty tx id", domain.ErrInvalidArgument)
	}

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

	switch tx.Status {
	case domain.StatusFailed:
		return nil // already compensated
	case domain.StatusReflecting:
		// proceed
	default:
		return fmt.Errorf("%w: tx %s is %s, cannot fail", domain.ErrConflict, txID, tx.Status)
	}

	if !final {
		return l.rescheduleJob(txID)
	}

	bal, err := l.loadBalance(tx.UserID)
	if err != nil {
		return err
	}
	now := l.now().UnixMilli()
	bal.Locked -= tx.Amount
	bal.Available += tx.Amount
	bal.UpdatedAt = now

	tx.Status = domain.StatusFailed
	tx.Error = errMsg

	ops := l.dropJobOps(txID)
	ops = append(ops, txOps(tx)...)
	ops = append(ops, balanceOp(bal))
	return l.commit(ops)
}

// rescheduleJob moves the job to a new key computed from the backoff of
// the incremented attempt counter. Caller holds the user stripe.
func (l *Ledger) rescheduleJob(txID string) error {
	jobKey, job, _, err := l.loadJob(txID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: no reflect job for tx %s", domain.ErrNotFound, txID)
	}

	job.Attempts++
	job.LeaseUntil = 0
	job.NextAttemptAt = l.now().Add(Backoff(job.Attempts)).UnixMilli()

	newKey := reflectKey(job.NextAttemptAt, txID)
	raw, _ := json.Marshal(job)
	err = l.commit([]kv.Op{
		kv.Delete(jobKey),
		kv.Put(newKey, raw),
		kv.Put(reflectRefKey(txID), newKey),
	})
	if err == nil {
		l.notify()
	}
	return err
}

// Backoff returns the retry delay for the given attempt count:
// exponential from 2s, ±20% jitter, capped at 5 minutes.
func Backoff(attempts int) time.Duration {
	d := backoffBase
	for i := 1; i < attempts && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)*2/5+1)) - d/5
	return d + jitter
}

// loadJob resolves the current job for a tx via the reflectref pointer.
// Returns the job key, the decoded job and the raw stored bytes.
func (l *Ledger) loadJob(txID string) ([]byte, *domain.ReflectJob, []byte, error) {
	ref, err := l.store.Get(reflectRefKey(txID))
	if err != nil || ref == nil {
		return nil, nil, nil, err
	}
	raw, err := l.store.Get(ref)
	if err != nil || raw == nil {
		return nil, nil, nil, err
	}
	var job domain.ReflectJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: decode reflect job for %s: %v", domain.ErrStoreFailure, txID, err)
	}
	return ref, &job, raw, nil
}

// dropJobOps returns the deletes removing a tx's job and its pointer.
func (l *Ledger) dropJobOps(txID string) []kv.Op {
	ref, _, _, err := l.loadJob(txID)
	if err != nil || ref == nil {
		return nil
	}
	return []kv.Op{kv.Delete(ref), kv.Delete(reflectRefKey(txID))}
}

// ─── Worker-Facing Job Queue ────────────────────────────────────────────────

// PeekJob returns the earliest reflect job (smallest key), its key and raw
// bytes, or ok=false when the queue is empty.
func (l *Ledger) PeekJob() (domain.ReflectJob, []byte, []byte, bool, error) {
	var (
		job   domain.ReflectJob
		key   []byte
		raw   []byte
		found bool
	)
	err := kv.ScanPrefix(l.store, []byte(prefixReflect), false, func(k, v []byte) (bool, error) {
		key = append([]byte(nil), k...)
		raw = append([]byte(nil), v...)
		found = true
		return false, nil
	})
	if err != nil || !found {
		return job, nil, nil, false, err
	}
	if err := json.Unmarshal(raw, &job); err != nil {
		return job, nil, nil, false, fmt.Errorf("%w: decode reflect job: %v", domain.ErrStoreFailure, err)
	}
	return job, key, raw, true, nil
}

// ClaimJob takes a lease on a job via conditional put, making concurrent
// workers safe. Returns false when another worker won the claim.
func (l *Ledger) ClaimJob(key, raw []byte, lease time.Duration) (domain.ReflectJob, bool, error) {
	var job domain.ReflectJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return job, false, fmt.Errorf("%w: decode reflect job: %v", domain.ErrStoreFailure, err)
	}
	now := l.now()
	if job.LeaseUntil > now.UnixMilli() {
		return job, false, nil // leased by another worker
	}
	job.LeaseUntil = now.Add(lease).UnixMilli()
	next, _ := json.Marshal(job)
	ok, err := l.store.CompareAndSwap(key, raw, next)
	return job, ok, err
}

// DropStaleJob removes a job whose transaction is no longer REFLECTING.
func (l *Ledger) DropStaleJob(txID string) error {
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
	if tx.Status == domain.StatusReflecting {
		return fmt.Errorf("%w: tx %s is still reflecting", domain.ErrConflict, txID)
	}
	ops := l.dropJobOps(txID)
	if len(ops) == 0 {
		return nil
	}
	return l.commit(ops)
}

// QueueDepth counts queued reflect jobs.
func (l *Ledger) QueueDepth() (int, error) {
	n := 0
	err := kv.ScanPrefix(l.store, []byte(prefixReflect), false, func(_, _ []byte) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}
