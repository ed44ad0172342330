// Package reflector drains the reflect job queue: for every reserved
// outbound transfer it signs a treasury transfer, submits it to the
// chain, and settles the ledger with the outcome. The off-chain ledger
// stays authoritative; the reflector only ever moves a reservation to
// CONFIRMED or FAILED, never invents balance.
package reflector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/echa/log"

	"github.com/fodinet/fodibank/internal/chain"
	"github.com/fodinet/fodibank/internal/domain"
	"github.com/fodinet/fodibank/internal/ledger"
	"github.com/fodinet/fodibank/internal/observe"
)

const (
	// attemptTimeout bounds one submit-and-confirm round trip.
	attemptTimeout = 60 * time.Second
	// jobLease is how long a claimed job is invisible to other workers.
	jobLease = 90 * time.Second
	// idlePoll bounds the sleep when the queue is empty, so a missed wake
	// signal cannot stall the worker forever.
	idlePoll = 5 * time.Second

	DefaultMaxAttempts = 8
	DefaultFee         = 5000
)

// Config tunes a Reflector.
type Config struct {
	Mint        string // token mint transfers are denominated in
	MaxAttempts int    // attempts before a transient failure becomes final
	Fee         uint64 // network fee stamped on each transfer, base units
}

// Reflector is the background worker pushing reserved transfers on chain.
type Reflector struct {
	cfg      Config
	ledger   *ledger.Ledger
	treasury *chain.Treasury
	node     chain.Transport

	now func() time.Time
}

// New wires a reflector. MaxAttempts and Fee fall back to defaults when
// zero.
func New(cfg Config, l *ledger.Ledger, t *chain.Treasury, node chain.Transport) (*Reflector, error) {
	if cfg.Mint == "" {
		return nil, fmt.Errorf("%w: reflector needs a token mint", domain.ErrInvalidArgument)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Fee == 0 {
		cfg.Fee = DefaultFee
	}
	return &Reflector{cfg: cfg, ledger: l, treasury: t, node: node, now: time.Now}, nil
}

// Run drains the queue until ctx is cancelled. The in-flight attempt is
// allowed to finish before Run returns, so a shutdown never abandons a
// claimed job mid-settlement.
func (r *Reflector) Run(ctx context.Context) {
	log.Infof("reflector: running, mint=%s max_attempts=%d", r.cfg.Mint, r.cfg.MaxAttempts)
	for {
		wait, err := r.Step(ctx)
		if err != nil {
			log.Errorf("reflector: %v", err)
			wait = idlePoll
		}
		if wait == 0 {
			if ctx.Err() != nil {
				log.Infof("reflector: stopped")
				return
			}
			continue
		}
		if wait > idlePoll {
			wait = idlePoll
		}
		select {
		case <-ctx.Done():
			log.Infof("reflector: stopped")
			return
		case <-r.ledger.Wake():
		case <-time.After(wait):
		}
	}
}

// Step processes at most one job. It returns how long the caller should
// wait before calling again: zero means there may be more work right now.
func (r *Reflector) Step(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil
	}
	r.gaugeDepth()

	job, key, raw, ok, err := r.ledger.PeekJob()
	if err != nil {
		return 0, err
	}
	if !ok {
		return idlePoll, nil
	}

	now := r.now()
	if !job.Due(now) {
		return time.Duration(job.NextAttemptAt-now.UnixMilli()) * time.Millisecond, nil
	}

	job, claimed, err := r.ledger.ClaimJob(key, raw, jobLease)
	if err != nil {
		return 0, err
	}
	if !claimed {
		// Lost the race or the job is leased; look again shortly.
		return idlePoll, nil
	}

	if err := r.process(ctx, job); err != nil {
		return 0, err
	}
	return 0, nil
}

// process runs one chain attempt for a claimed job and settles the ledger.
func (r *Reflector) process(ctx context.Context, job domain.ReflectJob) error {
	tx, err := r.ledger.GetTransaction(job.TxID)
	if err != nil {
		return fmt.Errorf("load tx for job %s: %w", job.TxID, err)
	}
	if tx.Status != domain.StatusReflecting {
		// Settled behind our back (crash between chain success and queue
		// cleanup). The queue entry is garbage; drop it.
		log.Warnf("reflector: dropping stale job for tx %s (status %s)", tx.ID, tx.Status)
		return r.ledger.DropStaleJob(job.TxID)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	sig, err := r.attempt(attemptCtx, job)
	if err != nil {
		return r.settleFailure(job, err)
	}

	if err := r.ledger.CommitReflect(job.TxID, sig); err != nil {
		return fmt.Errorf("commit reflect %s: %w", job.TxID, err)
	}
	observe.ReflectAttempts.WithLabelValues("confirmed").Inc()
	log.Infof("reflector: tx %s confirmed on chain, sig=%s attempt=%d", job.TxID, sig, job.Attempts+1)
	r.gaugeDepth()
	return nil
}

// attempt signs, submits and confirms one transfer, returning the chain
// signature on success.
func (r *Reflector) attempt(ctx context.Context, job domain.ReflectJob) (string, error) {
	// Preflight: a transfer the treasury cannot fund would burn an attempt
	// on a failure that resolves itself once the treasury is topped up.
	funds, err := r.node.TokenBalance(ctx, r.treasury.Address(), r.cfg.Mint)
	if err != nil {
		return "", err
	}
	if funds < uint64(job.Amount)+r.cfg.Fee {
		return "", fmt.Errorf("%w: treasury underfunded for %d base units plus fee", domain.ErrChainTransient, job.Amount)
	}

	st := r.treasury.SignTransfer(job.Recipient, r.cfg.Mint, uint64(job.Amount), r.cfg.Fee)
	sig, err := r.node.SubmitTransfer(ctx, st)
	if err != nil {
		return "", err
	}

	verdict, err := r.node.Confirm(ctx, sig)
	if err != nil {
		return "", err
	}
	if verdict == chain.VerdictFailed {
		return "", fmt.Errorf("%w: transfer %s failed on chain", domain.ErrChainPermanent, sig)
	}
	return sig, nil
}

// settleFailure records a failed attempt: permanent errors and exhausted
// retries finalise the transaction and refund the reservation, transient
// errors reschedule with backoff.
func (r *Reflector) settleFailure(job domain.ReflectJob, cause error) error {
	final := errors.Is(cause, domain.ErrChainPermanent) || job.Attempts+1 >= r.cfg.MaxAttempts

	if final {
		observe.ReflectAttempts.WithLabelValues("failed").Inc()
		log.Errorf("reflector: tx %s failed permanently after %d attempts: %v", job.TxID, job.Attempts+1, cause)
	} else {
		observe.ReflectAttempts.WithLabelValues("retried").Inc()
		log.Warnf("reflector: tx %s attempt %d failed, will retry: %v", job.TxID, job.Attempts+1, cause)
	}

	if err := r.ledger.FailReflect(job.TxID, cause.Error(), final); err != nil {
		return fmt.Errorf("settle failed attempt for %s: %w", job.TxID, err)
	}
	r.gaugeDepth()
	return nil
}

func (r *Reflector) gaugeDepth() {
	if n, err := r.ledger.QueueDepth(); err == nil {
		observe.ReflectQueueDepth.Set(float64(n))
	}
}
