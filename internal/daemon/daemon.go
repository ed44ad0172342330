// Package daemon assembles and runs the token bank service: store,
// ledger, classifier, reward policy, payment gateway, chain layer,
// reflector, reconciler and the HTTP API, with ordered shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/echa/log"

	"github.com/fodinet/fodibank/internal/api"
	"github.com/fodinet/fodibank/internal/chain"
	"github.com/fodinet/fodibank/internal/classify"
	"github.com/fodinet/fodibank/internal/gateway"
	"github.com/fodinet/fodibank/internal/infra/kv"
	"github.com/fodinet/fodibank/internal/ledger"
	"github.com/fodinet/fodibank/internal/reconcile"
	"github.com/fodinet/fodibank/internal/reflector"
	"github.com/fodinet/fodibank/internal/reward"
)

// Sentinel errors mapped to process exit codes by the CLI layer.
var (
	ErrConfig   = errors.New("configuration error")
	ErrStore    = errors.New("store open failure")
	ErrTreasury = errors.New("treasury unavailable")
)

// shutdownTimeout bounds how long the HTTP server drains on shutdown.
const shutdownTimeout = 10 * time.Second

// Run starts the daemon and blocks until SIGINT/SIGTERM.
func Run(cfg Config) error {
	if cfg.Chain.RPCURL == "" || cfg.Chain.TokenMint == "" {
		return fmt.Errorf("%w: chain rpc_url and token_mint are required to serve", ErrConfig)
	}
	if cfg.Webhook.Secret == "" {
		return fmt.Errorf("%w: webhook secret is required to serve", ErrConfig)
	}

	// ─── Storage and ledger ─────────────────────────────────────────────

	store, err := kv.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	defer store.Close()
	log.Infof("daemon: store open at %s", cfg.Store.Path)

	l := ledger.New(store)
	if err := l.SetRate(cfg.Rates.BaseUnitsPerCent); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if err := l.SetMeta(ledger.MetaTokenMint, cfg.Chain.TokenMint); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}

	// ─── Chain layer ────────────────────────────────────────────────────

	treasury, err := chain.LoadTreasury(cfg.Chain.TreasuryKeyPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTreasury, err)
	}
	if err := l.SetMeta(ledger.MetaTreasuryPubkey, treasury.Address()); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	node := chain.NewRPCClient(cfg.Chain.RPCURL)

	// ─── Domain services ────────────────────────────────────────────────

	classifier := classify.New(l)

	rewardRate, err := ParseRate(cfg.Rates.RewardRate)
	if err != nil {
		return err
	}
	burnRate, err := ParseRate(cfg.Rates.BurnRate)
	if err != nil {
		return err
	}
	rewardCfg := reward.DefaultConfig()
	rewardCfg.RewardRate = rewardRate
	rewardCfg.BurnRate = burnRate
	rewards, err := reward.New(rewardCfg, classifier)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	gw, err := gateway.New([]byte(cfg.Webhook.Secret), classifier)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	refl, err := reflector.New(reflector.Config{
		Mint:        cfg.Chain.TokenMint,
		MaxAttempts: cfg.Reflect.MaxAttempts,
		Fee:         cfg.Chain.Fee,
	}, l, treasury, node)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	recon, err := reconcile.New(reconcile.Config{
		Interval: cfg.ReconcileInterval(),
		Mint:     cfg.Chain.TokenMint,
		Treasury: treasury.Address(),
	}, l, node)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	// ─── HTTP API ───────────────────────────────────────────────────────

	server := api.NewServer(l, classifier, gw, rewards)
	if cfg.Metrics.Enabled {
		server.EnableMetrics()
	}
	addr := net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
	httpSrv := &http.Server{Addr: addr, Handler: server.Handler()}

	// ─── Run until signalled ────────────────────────────────────────────

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		refl.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		recon.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Infof("daemon: listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Infof("daemon: signal received, shutting down")
	case err := <-errCh:
		stop()
		return fmt.Errorf("http server: %w", err)
	}

	// Shutdown order: stop accepting requests, drain the workers, then
	// flush and close the store (deferred above).
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		log.Errorf("daemon: http shutdown: %v", err)
	}
	wg.Wait()
	if err := store.Flush(); err != nil {
		log.Errorf("daemon: final flush: %v", err)
	}
	log.Infof("daemon: stopped")
	return nil
}

// OpenReadOnly opens the store and ledger for the read-only CLI commands.
// The caller closes the returned store.
func OpenReadOnly(cfg Config) (kv.Store, *ledger.Ledger, error) {
	if _, err := os.Stat(cfg.Store.Path); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	store, err := kv.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return store, ledger.New(store), nil
}
