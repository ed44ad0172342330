// Package chain isolates everything that touches the blockchain: the
// treasury signing key, the transfer wire format, and a narrow transport
// capability the reflector and reconciler consume. Nothing outside this
// package sees an RPC detail or key byte.
package chain

import (
	"context"
	"fmt"
)

// SignedTransfer is one treasury-signed token movement, ready to submit.
type SignedTransfer struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Mint      string `json:"mint"`
	Amount    uint64 `json:"amount"`
	Fee       uint64 `json:"fee"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"` // base58 ed25519 over the canonical message
}

// Message returns the canonical byte string the signature covers.
func (t SignedTransfer) Message() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%d|%d|%d", t.From, t.To, t.Mint, t.Amount, t.Fee, t.Nonce))
}

// Verdict is the chain's answer for a submitted transfer.
type Verdict int

const (
	VerdictPending Verdict = iota
	VerdictConfirmed
	VerdictFailed
)

// TransferInfo is what the chain reports about a finalised transfer,
// used by the reconciler to audit confirmed ledger records.
type TransferInfo struct {
	Signature   string `json:"signature"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Mint        string `json:"mint"`
	Amount      uint64 `json:"amount"`
}

// Transport is the capability the bank needs from a chain node. Mocked in
// tests; implemented over JSON-RPC in production.
type Transport interface {
	// SubmitTransfer broadcasts a signed transfer and returns its signature.
	SubmitTransfer(ctx context.Context, t SignedTransfer) (string, error)
	// Confirm blocks until the transfer reaches a verdict or ctx expires.
	Confirm(ctx context.Context, signature string) (Verdict, error)
	// TokenBalance returns the token holdings of an address for a mint.
	TokenBalance(ctx context.Context, addr, mint string) (uint64, error)
	// GetTransfer fetches a finalised transfer by signature.
	GetTransfer(ctx context.Context, signature string) (*TransferInfo, error)
}
