// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture — it depends on nothing.
package domain

import "time"

// SchemaVersion is written into every persisted value as "v".
// Readers tolerate unknown fields; writers always write the newest version.
const SchemaVersion = 1

// Amount is a token quantity in base units (10⁻⁹ of one display token).
// Amounts are always integers in storage, never floats or strings.
type Amount int64

// ─── Balance ────────────────────────────────────────────────────────────────

// Balance is the off-chain position of one user.
// Locked reserves amounts that are in flight to the chain.
type Balance struct {
	V         int    `json:"v"`
	UserID    string `json:"user_id"`
	Available Amount `json:"available"`
	Locked    Amount `json:"locked"`
	UpdatedAt int64  `json:"updated_at_ms"`
}

// Total returns available plus locked.
func (b Balance) Total() Amount { return b.Available + b.Locked }

// ─── Transaction Types ──────────────────────────────────────────────────────

// TxKind represents the business reason for a ledger operation.
type TxKind string

const (
	TxReward         TxKind = "REWARD"
	TxBurn           TxKind = "BURN"
	TxPurchaseCredit TxKind = "PURCHASE_CREDIT"
	TxTransferOut    TxKind = "TRANSFER_OUT"
	TxTransferIn     TxKind = "TRANSFER_IN"
	TxOnchainReflect TxKind = "ONCHAIN_REFLECT"
)

// Credits reports whether the kind adds to a user's available balance.
func (k TxKind) Credits() bool {
	switch k {
	case TxReward, TxPurchaseCredit, TxTransferIn:
		return true
	}
	return false
}

// Debits reports whether the kind removes from a user's available balance.
func (k TxKind) Debits() bool {
	return k == TxBurn || k == TxTransferOut
}

// TxStatus is the lifecycle state of a transaction.
type TxStatus string

const (
	StatusPending    TxStatus = "PENDING"
	StatusApplied    TxStatus = "APPLIED"
	StatusReflecting TxStatus = "REFLECTING"
	StatusConfirmed  TxStatus = "CONFIRMED"
	StatusFailed     TxStatus = "FAILED"
)

// Transaction is one row in the append-only transaction log.
// Counterparty holds the other user for peer transfers, or the external
// recipient address for on-chain reflects.
type Transaction struct {
	V            int      `json:"v"`
	ID           string   `json:"id"`
	Kind         TxKind   `json:"kind"`
	UserID       string   `json:"user_id"`
	Counterparty string   `json:"counterparty,omitempty"`
	Amount       Amount   `json:"amount"`
	Status       TxStatus `json:"status"`
	CreatedAt    int64    `json:"created_at_ms"`
	AppliedAt    int64    `json:"applied_at_ms,omitempty"`
	Signature    string   `json:"signature,omitempty"`
	Reason       string   `json:"reason"`
	Error        string   `json:"error,omitempty"`
	Verified     bool     `json:"verified,omitempty"` // set by the reconciler after on-chain audit
}

// ─── Reflect Jobs ───────────────────────────────────────────────────────────

// ReflectJob is one queued on-chain transfer. Jobs are keyed by their
// next_attempt_at timestamp so the worker always sees the earliest due job
// first. LeaseUntil is set while a worker has claimed the job.
type ReflectJob struct {
	V             int    `json:"v"`
	TxID          string `json:"tx_id"`
	Recipient     string `json:"recipient_address"`
	Amount        Amount `json:"amount"`
	Attempts      int    `json:"attempts"`
	NextAttemptAt int64  `json:"next_attempt_at_ms"`
	LeaseUntil    int64  `json:"lease_until_ms,omitempty"`
}

// Due reports whether the job is ready to run at the given time.
func (j ReflectJob) Due(now time.Time) bool {
	return j.NextAttemptAt <= now.UnixMilli()
}

// ─── Audit Records ──────────────────────────────────────────────────────────

// AuditRecord is written by the reconciler when a confirmed transaction
// does not match what the chain reports. The reconciler never mutates
// balances; these records are the only output of a sweep.
type AuditRecord struct {
	V         int    `json:"v"`
	TxID      string `json:"tx_id"`
	Signature string `json:"signature"`
	Field     string `json:"field"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
	CheckedAt int64  `json:"checked_at_ms"`
}
