package ledger

import (
	"fmt"
	"strings"
)

// Key layout. Byte strings; lexicographic ordering drives every scan, so
// timestamps are fixed-width decimal milliseconds.
//
//	balance:<user_id>                      → Balance
//	tx:<ts13>:<tx_id>                      → Transaction (chronological scan)
//	txidx:<user_id>:<ts13>:<tx_id>         → empty (per-user history index)
//	txref:<tx_id>                          → tx:<ts13>:<tx_id> (id → primary key)
//	reflect:<next_attempt_ts13>:<tx_id>    → ReflectJob (ordering drives the worker)
//	reflectref:<tx_id>                     → current reflect job key
//	idem:<key>                             → idempotency record
//	audit:<ts13>:<tx_id>:<field>           → AuditRecord (one per mismatched field)
//	meta:rate, meta:treasury_pubkey, meta:token_mint → config snapshots

const (
	prefixBalance    = "balance:"
	prefixTx         = "tx:"
	prefixTxIdx      = "txidx:"
	prefixTxRef      = "txref:"
	prefixReflect    = "reflect:"
	prefixReflectRef = "reflectref:"
	prefixIdem       = "idem:"
	prefixAudit      = "audit:"

	// MetaRate holds the fiat conversion rate in base units per cent.
	MetaRate           = "meta:rate"
	MetaTreasuryPubkey = "meta:treasury_pubkey"
	MetaTokenMint      = "meta:token_mint"
)

// ts13 formats unix milliseconds as 13 fixed-width decimal digits,
// preserving numeric order under lexicographic comparison.
func ts13(ms int64) string { return fmt.Sprintf("%013d", ms) }

func balanceKey(userID string) []byte { return []byte(prefixBalance + userID) }

func txKey(createdAtMS int64, txID string) []byte {
	return []byte(prefixTx + ts13(createdAtMS) + ":" + txID)
}

func txIdxKey(userID string, createdAtMS int64, txID string) []byte {
	return []byte(prefixTxIdx + userID + ":" + ts13(createdAtMS) + ":" + txID)
}

func txRefKey(txID string) []byte { return []byte(prefixTxRef + txID) }

func reflectKey(nextAttemptMS int64, txID string) []byte {
	return []byte(prefixReflect + ts13(nextAttemptMS) + ":" + txID)
}

func reflectRefKey(txID string) []byte { return []byte(prefixReflectRef + txID) }

func idemKey(key string) []byte { return []byte(prefixIdem + key) }

// auditKey names one mismatch. The field suffix keeps several mismatches
// on the same transaction from overwriting each other when a sweep
// records them all at the same millisecond.
func auditKey(checkedAtMS int64, txID, field string) []byte {
	return []byte(prefixAudit + ts13(checkedAtMS) + ":" + txID + ":" + field)
}

// userHistoryPrefix is the scan prefix for one user's txidx entries.
func userHistoryPrefix(userID string) []byte {
	return []byte(prefixTxIdx + userID + ":")
}

// txKeyFromIdx converts a txidx key back to the primary tx key.
// txidx:<user>:<ts13>:<id> → tx:<ts13>:<id>
func txKeyFromIdx(idxKey []byte, userID string) []byte {
	rest := strings.TrimPrefix(string(idxKey), prefixTxIdx+userID+":")
	return []byte(prefixTx + rest)
}
