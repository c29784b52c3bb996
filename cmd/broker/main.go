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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quorumgrid/aggbroker/internal/agreement"
	"github.com/quorumgrid/aggbroker/internal/auth"
	"github.com/quorumgrid/aggbroker/internal/broker"
	"github.com/quorumgrid/aggbroker/internal/config"
	"github.com/quorumgrid/aggbroker/internal/escrow"
	"github.com/quorumgrid/aggbroker/internal/httpapi"
	"github.com/quorumgrid/aggbroker/internal/ledger"
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

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	admin := common.HexToAddress(cfg.Broker.AdminAddress)
	ledgerAddr := common.HexToAddress(cfg.Broker.LedgerAddress)
	escrowAddr := common.HexToAddress(cfg.Broker.EscrowAddress)

	// ── Components ────────────────────────────────────────────────────────────
	led := ledger.NewRedis(rdb)
	registry := agreement.NewRegistry(rdb, admin, log)
	accountant := escrow.NewAccountant(rdb, led, escrowAddr, admin, log)

	tieBreak := broker.TieBreakLower
	if cfg.Broker.MedianTieBreak == "mean" {
		tieBreak = broker.TieBreakMean
	}
	brk := broker.New(
		rdb,
		registry,
		accountant,
		broker.NewQueueSink(rdb),
		broker.NewQueueNotifier(rdb),
		ledgerAddr,
		time.Duration(cfg.Broker.ExpirationWindowSec)*time.Second,
		tieBreak,
		log,
	)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	api := r.Group("/v1")
	adminAPI := r.Group("/v1/admin", auth.AdminOnly(rdb, admin))
	httpapi.NewHandler(brk, registry, accountant, log).Register(api, adminAPI)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
