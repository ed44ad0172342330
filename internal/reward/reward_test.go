package reward

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fodinet/fodibank/internal/classify"
	"github.com/fodinet/fodibank/internal/domain"
	"github.com/fodinet/fodibank/internal/infra/kv"
	"github.com/fodinet/fodibank/internal/ledger"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *ledger.Ledger) {
	t.Helper()
	store, err := kv.OpenSQLite(filepath.Join(t.TempDir(), "bank.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	l := ledger.New(store)
	l.SetRate(200)

	e, err := New(cfg, classify.New(l))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return e, l
}

func TestFloorMul(t *testing.T) {
	tests := []struct {
		name string
		n    int64
		rate Rate
		want domain.Amount
	}{
		{"whole multiplier", 5000, Rate{100, 1}, 500_000},
		{"half", 999, Rate{1, 2}, 499},
		{"third rounds down", 10, Rate{1, 3}, 3},
		{"three percent", 12345, Rate{3, 100}, 370},
		{"zero rate", 5000, Rate{0, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := floorMul(tt.n, tt.rate); got != tt.want {
				t.Errorf("floorMul(%d, %d/%d) = %d, want %d", tt.n, tt.rate.Num, tt.rate.Den, got, tt.want)
			}
		})
	}
}

func TestOrderCompleted(t *testing.T) {
	e, l := newTestEngine(t, Config{
		RewardRate:  Rate{100, 1},
		BurnRate:    Rate{1, 2},
		StreakTable: []domain.Amount{10},
	})
	ctx := context.Background()

	res, err := e.OrderCompleted(ctx, "u1", "order#42", 5000, "order#42")
	if err != nil {
		t.Fatalf("OrderCompleted() error: %v", err)
	}
	if res.Credited != 500_000 {
		t.Errorf("credited = %d, want 500000", res.Credited)
	}

	// Replay through the same idempotency key grants nothing extra.
	res2, err := e.OrderCompleted(ctx, "u1", "order#42", 5000, "order#42")
	if err != nil {
		t.Fatalf("replayed OrderCompleted() error: %v", err)
	}
	if res2.TxID != res.TxID {
		t.Errorf("replay tx id = %s, want %s", res2.TxID, res.TxID)
	}
	bal, _ := l.GetBalance("u1")
	if bal.Available != 500_000 {
		t.Errorf("available = %d, want 500000", bal.Available)
	}
}

func TestOrderCancelledBurnsHalf(t *testing.T) {
	e, l := newTestEngine(t, Config{
		RewardRate:  Rate{100, 1},
		BurnRate:    Rate{1, 2},
		StreakTable: []domain.Amount{10},
	})
	ctx := context.Background()

	res, err := e.OrderCompleted(ctx, "u1", "order#1", 100, "")
	if err != nil {
		t.Fatalf("OrderCompleted() error: %v", err)
	}

	if _, err := e.OrderCancelled(ctx, "u1", "order#1", res.Credited, ""); err != nil {
		t.Fatalf("OrderCancelled() error: %v", err)
	}
	bal, _ := l.GetBalance("u1")
	if bal.Available != 5000 { // 10000 granted, half burned
		t.Errorf("available = %d, want 5000", bal.Available)
	}
}

func TestLoginStreakCapped(t *testing.T) {
	table := []domain.Amount{10, 20, 30}
	e, l := newTestEngine(t, Config{
		RewardRate:  Rate{1, 1},
		BurnRate:    Rate{1, 1},
		StreakTable: table,
	})
	ctx := context.Background()

	tests := []struct {
		days int
		want domain.Amount
	}{
		{1, 10},
		{3, 30},
		{100, 30}, // beyond the table caps at the last entry
	}
	var total domain.Amount
	for _, tt := range tests {
		res, err := e.LoginStreak(ctx, "u1", tt.days, "")
		if err != nil {
			t.Fatalf("LoginStreak(%d) error: %v", tt.days, err)
		}
		if res.Credited != tt.want {
			t.Errorf("LoginStreak(%d) credited %d, want %d", tt.days, res.Credited, tt.want)
		}
		total += tt.want
	}
	bal, _ := l.GetBalance("u1")
	if bal.Available != total {
		t.Errorf("available = %d, want %d", bal.Available, total)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{RewardRate: Rate{1, 0}, BurnRate: Rate{1, 2}, StreakTable: []domain.Amount{1}}, nil)
	if err == nil {
		t.Error("New() with zero denominator should fail")
	}
	_, err = New(Config{RewardRate: Rate{1, 1}, BurnRate: Rate{1, 1}}, nil)
	if err == nil {
		t.Error("New() with empty streak table should fail")
	}
}
