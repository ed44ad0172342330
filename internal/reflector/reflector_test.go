package reflector

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fodinet/fodibank/internal/chain"
	"github.com/fodinet/fodibank/internal/domain"
	"github.com/fodinet/fodibank/internal/infra/kv"
	"github.com/fodinet/fodibank/internal/ledger"
)

// fakeNode scripts chain behaviour per test.
type fakeNode struct {
	mu        sync.Mutex
	funds     uint64
	submitErr []error // consumed one per submit; nil entry means success
	verdict   chain.Verdict
	nextSig   int
	submitted []chain.SignedTransfer
}

func (n *fakeNode) SubmitTransfer(_ context.Context, t chain.SignedTransfer) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submitted = append(n.submitted, t)
	// Every submit consumes a signature slot, including failed ones, the
	// way a fresh nonce is burned per broadcast.
	n.nextSig++
	if len(n.submitErr) > 0 {
		err := n.submitErr[0]
		n.submitErr = n.submitErr[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("sig-%d", n.nextSig), nil
}

func (n *fakeNode) Confirm(_ context.Context, _ string) (chain.Verdict, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.verdict, nil
}

func (n *fakeNode) TokenBalance(_ context.Context, _, _ string) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.funds, nil
}

func (n *fakeNode) GetTransfer(_ context.Context, sig string) (*chain.TransferInfo, error) {
	return nil, fmt.Errorf("%w: transfer %s not found on chain", domain.ErrChainPermanent, sig)
}

func newTestTreasury(t *testing.T) *chain.Treasury {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	nums := make([]int, len(priv))
	for i, b := range priv {
		nums[i] = int(b)
	}
	raw, err := json.Marshal(nums)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "treasury.json")
	require.NoError(t, os.WriteFile(path, raw, 0600))
	tr, err := chain.LoadTreasury(path)
	require.NoError(t, err)
	return tr
}

func newTestReflector(t *testing.T, node *fakeNode, maxAttempts int) (*Reflector, *ledger.Ledger) {
	t.Helper()
	store, err := kv.OpenSQLite(filepath.Join(t.TempDir(), "bank.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	l := ledger.New(store)
	r, err := New(Config{Mint: "mint-1", MaxAttempts: maxAttempts}, l, newTestTreasury(t), node)
	require.NoError(t, err)
	// The worker's view of time runs an hour ahead so rescheduled jobs
	// are due immediately and tests never sleep through a backoff.
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	return r, l
}

// drain steps until the queue is empty or maxSteps is hit.
func drain(t *testing.T, r *Reflector, l *ledger.Ledger, maxSteps int) {
	t.Helper()
	for i := 0; i < maxSteps; i++ {
		_, err := r.Step(context.Background())
		require.NoError(t, err)
		n, err := l.QueueDepth()
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
	t.Fatalf("queue not drained after %d steps", maxSteps)
}

func TestReflectHappyPath(t *testing.T) {
	node := &fakeNode{funds: 10_000_000_000, verdict: chain.VerdictConfirmed}
	r, l := newTestReflector(t, node, 0)
	ctx := context.Background()

	_, err := l.Credit(ctx, "u1", 1_000_000_000, domain.TxReward, "seed", "")
	require.NoError(t, err)
	txID, err := l.ReserveForReflect(ctx, "u1", 400_000_000, "addr-ABC", "withdraw", "wd-1")
	require.NoError(t, err)

	bal, err := l.GetBalance("u1")
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(600_000_000), bal.Available)
	assert.Equal(t, domain.Amount(400_000_000), bal.Locked)

	drain(t, r, l, 3)

	tx, err := l.GetTransaction(txID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, tx.Status)
	assert.Equal(t, "sig-1", tx.Signature)

	bal, err = l.GetBalance("u1")
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(600_000_000), bal.Available)
	assert.Equal(t, domain.Amount(0), bal.Locked)

	// The submitted transfer matches the reservation and verifies.
	require.Len(t, node.submitted, 1)
	st := node.submitted[0]
	assert.Equal(t, "addr-ABC", st.To)
	assert.Equal(t, "mint-1", st.Mint)
	assert.Equal(t, uint64(400_000_000), st.Amount)
	assert.True(t, chain.Verify(st))
}

func TestReflectTransientThenSuccess(t *testing.T) {
	node := &fakeNode{
		funds:     10_000_000_000,
		verdict:   chain.VerdictConfirmed,
		submitErr: []error{fmt.Errorf("%w: node timeout", domain.ErrChainTransient)},
	}
	r, l := newTestReflector(t, node, 0)
	ctx := context.Background()

	_, err := l.Credit(ctx, "u1", 500, domain.TxReward, "seed", "")
	require.NoError(t, err)
	txID, err := l.ReserveForReflect(ctx, "u1", 200, "addr-OK", "withdraw", "")
	require.NoError(t, err)

	drain(t, r, l, 5)

	tx, err := l.GetTransaction(txID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, tx.Status)
	assert.Equal(t, "sig-2", tx.Signature, "first signature was burned by the failed attempt")
	assert.Len(t, node.submitted, 2)

	bal, err := l.GetBalance("u1")
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(300), bal.Available)
	assert.Equal(t, domain.Amount(0), bal.Locked)
}

func TestReflectPermanentFailureCompensates(t *testing.T) {
	node := &fakeNode{
		funds:     10_000_000_000,
		submitErr: []error{fmt.Errorf("%w: invalid destination", domain.ErrChainPermanent)},
	}
	r, l := newTestReflector(t, node, 0)
	ctx := context.Background()

	_, err := l.Credit(ctx, "u1", 100, domain.TxReward, "seed", "")
	require.NoError(t, err)
	txID, err := l.ReserveForReflect(ctx, "u1", 100, "bad-address", "withdraw", "")
	require.NoError(t, err)

	drain(t, r, l, 3)

	tx, err := l.GetTransaction(txID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, tx.Status)
	assert.Contains(t, tx.Error, "invalid destination")
	assert.Empty(t, tx.Signature)

	// The reservation is returned in full.
	bal, err := l.GetBalance("u1")
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(100), bal.Available)
	assert.Equal(t, domain.Amount(0), bal.Locked)
}

func TestReflectExhaustsAttempts(t *testing.T) {
	transient := fmt.Errorf("%w: node timeout", domain.ErrChainTransient)
	node := &fakeNode{
		funds:     10_000_000_000,
		submitErr: []error{transient, transient, transient},
	}
	r, l := newTestReflector(t, node, 2)
	ctx := context.Background()

	_, err := l.Credit(ctx, "u1", 100, domain.TxReward, "seed", "")
	require.NoError(t, err)
	txID, err := l.ReserveForReflect(ctx, "u1", 100, "addr-OK", "withdraw", "")
	require.NoError(t, err)

	drain(t, r, l, 5)

	tx, err := l.GetTransaction(txID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, tx.Status)
	assert.Len(t, node.submitted, 2, "gives up after MaxAttempts submits")

	bal, err := l.GetBalance("u1")
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(100), bal.Available)
}

func TestReflectFailedVerdictIsFinal(t *testing.T) {
	node := &fakeNode{funds: 10_000_000_000, verdict: chain.VerdictFailed}
	r, l := newTestReflector(t, node, 0)
	ctx := context.Background()

	_, err := l.Credit(ctx, "u1", 100, domain.TxReward, "seed", "")
	require.NoError(t, err)
	txID, err := l.ReserveForReflect(ctx, "u1", 100, "addr-OK", "withdraw", "")
	require.NoError(t, err)

	drain(t, r, l, 3)

	tx, err := l.GetTransaction(txID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, tx.Status)
	assert.Len(t, node.submitted, 1)
}

func TestReflectUnderfundedTreasuryRetries(t *testing.T) {
	// Funds cover the transfer amount but not the network fee on top, so
	// the preflight must hold the job back.
	node := &fakeNode{funds: 100, verdict: chain.VerdictConfirmed}
	r, l := newTestReflector(t, node, 0)
	ctx := context.Background()

	_, err := l.Credit(ctx, "u1", 100, domain.TxReward, "seed", "")
	require.NoError(t, err)
	txID, err := l.ReserveForReflect(ctx, "u1", 100, "addr-OK", "withdraw", "")
	require.NoError(t, err)

	_, err = r.Step(ctx)
	require.NoError(t, err)
	_, err = r.Step(ctx)
	require.NoError(t, err)

	// Nothing reached the node; the job stays queued for retry.
	assert.Empty(t, node.submitted)
	tx, err := l.GetTransaction(txID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReflecting, tx.Status)

	// Treasury topped up: the next attempt succeeds.
	node.mu.Lock()
	node.funds = 1_000_000
	node.mu.Unlock()
	drain(t, r, l, 3)

	tx, err = l.GetTransaction(txID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, tx.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	node := &fakeNode{funds: 10_000_000_000, verdict: chain.VerdictConfirmed}
	r, _ := newTestReflector(t, node, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
