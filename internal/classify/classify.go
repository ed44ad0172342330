// Package classify normalises inbound domain events into canonical ledger
// transactions. It is the single entry point between the outside world and
// the ledger's mutators.
package classify

import (
	"context"
	"fmt"
	"math"

	"github.com/fodinet/fodibank/internal/domain"
	"github.com/fodinet/fodibank/internal/ledger"
)

// Result reports what a classified event did to the ledger.
type Result struct {
	TxID     string        `json:"tx_id"`
	TxIDIn   string        `json:"tx_id_in,omitempty"` // credit leg of a peer transfer
	Credited domain.Amount `json:"credited_base_units,omitempty"`
}

// Classifier computes (kind, user, amount, reason) for each event shape
// and applies it through the uniform ledger path.
type Classifier struct {
	ledger *ledger.Ledger
}

// New creates a classifier bound to a ledger.
func New(l *ledger.Ledger) *Classifier {
	return &Classifier{ledger: l}
}

// Apply dispatches on the event's concrete type. Unknown types fail with
// ErrUnsupported.
func (c *Classifier) Apply(ctx context.Context, event any) (Result, error) {
	switch ev := event.(type) {
	case domain.RewardEvent:
		txID, err := c.ledger.Credit(ctx, ev.UserID, ev.Amount, domain.TxReward, ev.Reason, ev.IdempotencyKey)
		return Result{TxID: txID, Credited: ev.Amount}, err

	case domain.BurnEvent:
		txID, err := c.ledger.Debit(ctx, ev.UserID, ev.Amount, domain.TxBurn, ev.Reason, ev.IdempotencyKey)
		return Result{TxID: txID}, err

	case domain.PurchaseSettled:
		return c.applyPurchase(ctx, ev)

	case domain.PeerTransfer:
		out, in, err := c.ledger.Transfer(ctx, ev.FromUserID, ev.ToUserID, ev.Amount, ev.Reason, "")
		return Result{TxID: out, TxIDIn: in, Credited: ev.Amount}, err

	default:
		return Result{}, fmt.Errorf("%w: %T", domain.ErrUnsupported, event)
	}
}

// applyPurchase converts fiat cents to base units using the rate snapshot
// captured at event time, rounding down. The rate is recorded inside the
// reason for auditability, and the external payment id is the idempotency
// key so replayed webhooks do not double-credit.
func (c *Classifier) applyPurchase(ctx context.Context, ev domain.PurchaseSettled) (Result, error) {
	if ev.PaymentID == "" || ev.GrossCents <= 0 {
		return Result{}, fmt.Errorf("%w: purchase payment=%q cents=%d",
			domain.ErrInvalidArgument, ev.PaymentID, ev.GrossCents)
	}

	rate, err := c.ledger.Rate()
	if err != nil {
		return Result{}, err
	}
	if ev.GrossCents > math.MaxInt64/rate {
		return Result{}, fmt.Errorf("%w: purchase %s: %d cents overflows at %d base units/cent",
			domain.ErrInvalidArgument, ev.PaymentID, ev.GrossCents, rate)
	}
	credited := domain.Amount(ev.GrossCents * rate)

	reason := fmt.Sprintf("fiat purchase %s: %d %s cents @ %d base units/cent",
		ev.PaymentID, ev.GrossCents, ev.Currency, rate)
	txID, err := c.ledger.Credit(ctx, ev.UserID, credited, domain.TxPurchaseCredit, reason, ev.PaymentID)
	return Result{TxID: txID, Credited: credited}, err
}
