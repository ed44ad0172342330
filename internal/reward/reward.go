// Package reward is the pure policy layer computing token amounts for
// behavioural events. It holds no state; double-trigger protection is the
// caller's responsibility via idempotency keys, which are forwarded
// untouched to the ledger.
package reward

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fodinet/fodibank/internal/classify"
	"github.com/fodinet/fodibank/internal/domain"
)

// Rate is a rational multiplier (numerator/denominator), parsed from
// configuration strings like "3/100".
type Rate struct {
	Num int64
	Den int64
}

// Decimal converts the rate for exact arithmetic.
func (r Rate) Decimal() decimal.Decimal {
	return decimal.NewFromInt(r.Num).Div(decimal.NewFromInt(r.Den))
}

// Valid reports whether the rate is usable.
func (r Rate) Valid() bool { return r.Num >= 0 && r.Den > 0 }

// Config holds the reward policy knobs.
type Config struct {
	RewardRate  Rate            // base units granted per fiat cent of order total
	BurnRate    Rate            // fraction of a granted reward clawed back on cancel
	StreakTable []domain.Amount // reward per consecutive login day, index capped
}

// DefaultConfig returns the launch policy.
func DefaultConfig() Config {
	return Config{
		RewardRate: Rate{Num: 100, Den: 1},
		BurnRate:   Rate{Num: 1, Den: 2},
		StreakTable: []domain.Amount{
			10_000_000, 20_000_000, 30_000_000, 50_000_000,
			80_000_000, 130_000_000, 210_000_000,
		},
	}
}

// Engine computes amounts and submits them through the classifier.
type Engine struct {
	cfg        Config
	classifier *classify.Classifier
}

// New creates a reward engine.
func New(cfg Config, c *classify.Classifier) (*Engine, error) {
	if !cfg.RewardRate.Valid() || !cfg.BurnRate.Valid() {
		return nil, fmt.Errorf("%w: reward/burn rate denominators must be positive", domain.ErrInvalidArgument)
	}
	if len(cfg.StreakTable) == 0 {
		return nil, fmt.Errorf("%w: empty streak table", domain.ErrInvalidArgument)
	}
	return &Engine{cfg: cfg, classifier: c}, nil
}

// OrderCompleted grants floor(orderTotalCents × reward_rate) base units.
func (e *Engine) OrderCompleted(ctx context.Context, userID, orderID string, orderTotalCents int64, idem string) (classify.Result, error) {
	if orderTotalCents <= 0 {
		return classify.Result{}, fmt.Errorf("%w: order total %d cents", domain.ErrInvalidArgument, orderTotalCents)
	}
	amount := floorMul(orderTotalCents, e.cfg.RewardRate)
	if amount <= 0 {
		return classify.Result{}, fmt.Errorf("%w: order %s rounds to zero base units", domain.ErrInvalidArgument, orderID)
	}
	return e.classifier.Apply(ctx, domain.RewardEvent{
		UserID:         userID,
		Amount:         amount,
		Reason:         fmt.Sprintf("order completed %s", orderID),
		IdempotencyKey: idem,
	})
}

// OrderCancelled claws back floor(grantedReward × burn_rate) base units.
func (e *Engine) OrderCancelled(ctx context.Context, userID, orderID string, grantedReward domain.Amount, idem string) (classify.Result, error) {
	if grantedReward <= 0 {
		return classify.Result{}, fmt.Errorf("%w: granted reward %d", domain.ErrInvalidArgument, grantedReward)
	}
	amount := floorMul(int64(grantedReward), e.cfg.BurnRate)
	if amount <= 0 {
		return classify.Result{}, nil // too small to claw back
	}
	return e.classifier.Apply(ctx, domain.BurnEvent{
		UserID:         userID,
		Amount:         amount,
		Reason:         fmt.Sprintf("order cancelled %s", orderID),
		IdempotencyKey: idem,
	})
}

// LoginStreak grants the table entry for the streak length. Streaks beyond
// the table are capped at the last entry.
func (e *Engine) LoginStreak(ctx context.Context, userID string, streakDays int, idem string) (classify.Result, error) {
	if streakDays <= 0 {
		return classify.Result{}, fmt.Errorf("%w: streak of %d days", domain.ErrInvalidArgument, streakDays)
	}
	idx := streakDays - 1
	if idx >= len(e.cfg.StreakTable) {
		idx = len(e.cfg.StreakTable) - 1
	}
	return e.classifier.Apply(ctx, domain.RewardEvent{
		UserID:         userID,
		Amount:         e.cfg.StreakTable[idx],
		Reason:         fmt.Sprintf("login streak day %d", streakDays),
		IdempotencyKey: idem,
	})
}

// floorMul computes floor(n × num ÷ den), multiplying before dividing so
// the only inexact step is the final division.
func floorMul(n int64, rate Rate) domain.Amount {
	product := decimal.NewFromInt(n).
		Mul(decimal.NewFromInt(rate.Num)).
		Div(decimal.NewFromInt(rate.Den)).
		Floor()
	return domain.Amount(product.IntPart())
}
