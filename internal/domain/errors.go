package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.
// Callers match with errors.Is; infrastructure wraps these with context.

var (
	// Ledger errors
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrConflict          = errors.New("conflict")
	ErrNotFound          = errors.New("not found")

	// Classifier errors
	ErrUnsupported = errors.New("unsupported event")

	// Store errors. Fatal to the calling operation; the process continues.
	ErrStoreFailure = errors.New("store failure")

	// Chain errors. Transient errors are retried by the reflector;
	// permanent errors terminate the reflect attempt and restore funds.
	ErrChainTransient = errors.New("transient chain error")
	ErrChainPermanent = errors.New("permanent chain error")
)

// Category returns the stable error category exposed to external
// collaborators, or "internal" for anything unclassified.
func Category(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	case errors.Is(err, ErrStoreFailure):
		return "store_failure"
	case errors.Is(err, ErrChainTransient):
		return "chain_transient"
	case errors.Is(err, ErrChainPermanent):
		return "chain_permanent"
	default:
		return "internal"
	}
}
