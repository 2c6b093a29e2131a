package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stratafi/vault-engine/internal/api"
	"github.com/stratafi/vault-engine/internal/bootstrap"
	"github.com/stratafi/vault-engine/internal/chain"
	"github.com/stratafi/vault-engine/internal/config"
	"github.com/stratafi/vault-engine/internal/facilitator"
	"github.com/stratafi/vault-engine/internal/metrics"
	"github.com/stratafi/vault-engine/internal/payment"
	"github.com/stratafi/vault-engine/internal/settler"
	"github.com/stratafi/vault-engine/internal/vault"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	// ── Redis (auth nonces, settlement queue) ─────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Ledger ────────────────────────────────────────────────────────────────
	st, err := bootstrap.OpenStore(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("store open failed", zap.Error(err))
	}
	defer st.Close() //nolint:errcheck
	if err := bootstrap.SeedVaults(ctx, st, cfg.Vaults, log); err != nil {
		log.Fatal("vault seeding failed", zap.Error(err))
	}

	// ── Chain client + treasury ───────────────────────────────────────────────
	onchain, err := chain.Dial(cfg)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}
	tr, keys, err := bootstrap.NewTreasury(ctx, cfg, onchain, log)
	if err != nil {
		log.Fatal("treasury init failed", zap.Error(err))
	}
	defer keys.Close() //nolint:errcheck

	// ── Vault ledger service ──────────────────────────────────────────────────
	vo, err := bootstrap.VaultOptions(cfg)
	if err != nil {
		log.Fatal("invalid vault settings", zap.Error(err))
	}
	vo.Metrics = m
	svc := vault.New(st, onchain, tr, vo, log)

	// ── Payment gate ──────────────────────────────────────────────────────────
	fac := facilitator.NewClient(cfg.Payment.FacilitatorURL)
	resources, err := bootstrap.Resources(cfg.Payment, func(ctx context.Context) (any, error) {
		return svc.Analytics(ctx)
	})
	if err != nil {
		log.Fatal("invalid payment resources", zap.Error(err))
	}
	po := bootstrap.PaymentOptions(cfg)
	po.Metrics = m
	gate, err := payment.New(st, fac, settler.NewQueue(rdb), onchain, resources, po, log)
	if err != nil {
		log.Fatal("payment gate init failed", zap.Error(err))
	}

	// ── Goroutines ────────────────────────────────────────────────────────────
	server := api.New(svc, gate, rdb, api.Options{
		RateLimitRPS: cfg.Server.RateLimitRPS,
		RateBurst:    cfg.Server.RateBurst,
		AuthEnabled:  cfg.Auth.Enabled,
		Metrics:      m,
	}, log)

	go svc.RunReconciler(ctx, cfg.Vault.ReconcileInterval)
	go settler.Run(ctx, rdb, fac, st, settler.Options{
		MaxAttempts: cfg.Settler.MaxAttempts,
		Metrics:     m,
	}, cfg.Settler.PopTimeout, cfg.Settler.RetryDelay, log)
	go server.RunSweeper(ctx, time.Minute)

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting",
			zap.Int("port", cfg.Server.Port),
			zap.Int("vaults", len(cfg.Vaults)),
			zap.Int("resources", len(resources)),
			zap.String("facilitator", fac.BaseURL()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")

	// In-flight withdrawals and claims finish before background loops stop.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*cfg.Chain.ConfirmTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	cancel()
	log.Info("shutdown complete")
}
