// Package reconcile audits confirmed transactions against what the chain
// actually recorded. It is read-only with respect to balances: a mismatch
// produces audit records for an operator, never an automatic correction.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/echa/log"

	"github.com/fodinet/fodibank/internal/chain"
	"github.com/fodinet/fodibank/internal/domain"
	"github.com/fodinet/fodibank/internal/ledger"
	"github.com/fodinet/fodibank/internal/observe"
)

const DefaultInterval = 5 * time.Minute

// batchSize bounds how many transactions one sweep examines.
const batchSize = 100

// Config tunes a Reconciler.
type Config struct {
	Interval time.Duration // time between sweeps
	Mint     string        // expected token mint on every transfer
	Treasury string        // expected source address on every transfer
}

// Reconciler periodically cross-checks confirmed ledger records with the
// chain's view of the matching transfers.
type Reconciler struct {
	cfg    Config
	ledger *ledger.Ledger
	node   chain.Transport
}

func New(cfg Config, l *ledger.Ledger, node chain.Transport) (*Reconciler, error) {
	if cfg.Mint == "" || cfg.Treasury == "" {
		return nil, fmt.Errorf("%w: reconciler needs mint and treasury address", domain.ErrInvalidArgument)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Reconciler{cfg: cfg, ledger: l, node: node}, nil
}

// Run sweeps on the configured interval until ctx is cancelled. One sweep
// runs immediately on startup.
func (r *Reconciler) Run(ctx context.Context) {
	log.Infof("reconciler: running, interval=%s", r.cfg.Interval)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := r.Sweep(ctx); err != nil {
			log.Errorf("reconciler: sweep: %v", err)
		}
		select {
		case <-ctx.Done():
			log.Infof("reconciler: stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep audits one batch of unverified confirmed transactions. Transient
// chain errors skip the transaction; it stays unverified and the next
// sweep picks it up again.
func (r *Reconciler) Sweep(ctx context.Context) error {
	txs, err := r.ledger.UnverifiedConfirmed(batchSize)
	if err != nil {
		return err
	}

	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := r.check(ctx, tx); err != nil {
			if errors.Is(err, domain.ErrChainTransient) {
				log.Warnf("reconciler: tx %s unavailable, retrying next sweep: %v", tx.ID, err)
				continue
			}
			return err
		}
	}
	return nil
}

// check fetches the chain's record of one transfer and compares the
// fields the ledger asserted.
func (r *Reconciler) check(ctx context.Context, tx domain.Transaction) error {
	info, err := r.node.GetTransfer(ctx, tx.Signature)
	if errors.Is(err, domain.ErrChainPermanent) {
		// Confirmed in the ledger but unknown to the chain: the worst
		// mismatch there is. Record it and mark the tx checked so the
		// sweep does not rediscover it forever.
		observe.AuditChecks.WithLabelValues("mismatch").Inc()
		log.Errorf("reconciler: tx %s sig=%s missing on chain", tx.ID, tx.Signature)
		return r.ledger.MarkVerified(tx.ID, []domain.AuditRecord{{
			Signature: tx.Signature,
			Field:     "existence",
			Expected:  "transfer on chain",
			Actual:    "not found",
		}})
	}
	if err != nil {
		return err
	}

	var mismatches []domain.AuditRecord
	diff := func(field, expected, actual string) {
		if expected != actual {
			mismatches = append(mismatches, domain.AuditRecord{
				Signature: tx.Signature,
				Field:     field,
				Expected:  expected,
				Actual:    actual,
			})
		}
	}
	diff("mint", r.cfg.Mint, info.Mint)
	diff("source", r.cfg.Treasury, info.Source)
	diff("destination", tx.Counterparty, info.Destination)
	diff("amount", strconv.FormatInt(int64(tx.Amount), 10), strconv.FormatUint(info.Amount, 10))

	if len(mismatches) == 0 {
		observe.AuditChecks.WithLabelValues("ok").Inc()
	} else {
		observe.AuditChecks.WithLabelValues("mismatch").Inc()
		// Field names only; the record holds the values.
		for _, m := range mismatches {
			log.Errorf("reconciler: tx %s sig=%s mismatch in %s", tx.ID, tx.Signature, m.Field)
		}
	}
	return r.ledger.MarkVerified(tx.ID, mismatches)
}
