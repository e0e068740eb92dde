package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/invoicemesh/backend/internal/config"
	"github.com/invoicemesh/backend/internal/db"
	"github.com/invoicemesh/backend/internal/escrow"
	"github.com/invoicemesh/backend/internal/events"
	"github.com/invoicemesh/backend/internal/ledger"
	"github.com/invoicemesh/backend/internal/mirror"
	"github.com/invoicemesh/backend/internal/repositories"
	"github.com/invoicemesh/backend/internal/services"
	"github.com/invoicemesh/backend/internal/signing"
	"go.uber.org/zap"
)

// The worker owns the periodic jobs: flipping past-due invoices to overdue
// and recovering partial escrows once their schedule transaction is
// confirmed on the mirror.
func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	userRepo := repositories.NewUserRepo(pool)
	invoiceRepo := repositories.NewInvoiceRepo(pool)
	eventRepo := repositories.NewEventRepo(pool)
	fundingRepo := repositories.NewFundingRepo(pool)

	// Ledger stack
	relay := ledger.NewRelayClient(cfg.LedgerRelayURL, cfg.OperatorAccountID, log)
	gateway := ledger.NewGateway(relay, log)
	broker := signing.NewBroker(relay, signing.NewStore(rdb, cfg.PreparedTxTTL), log)
	coordinator := escrow.NewCoordinator(gateway, relay, escrow.Config{
		ContractID:      cfg.EscrowContractID,
		EscrowAccountID: cfg.EscrowAccountID,
		FeeBPS:          cfg.PlatformFeeBPS,
	}, log)
	reconciler := mirror.NewReconciler(cfg.MirrorBaseURL, cfg.MirrorTimeout, cfg.MirrorMaxAttempts, log)

	invoiceService := services.NewInvoiceService(services.Deps{
		Invoices: invoiceRepo,
		Events:   eventRepo,
		Fundings: fundingRepo,
		Users:    userRepo,
		Gateway:  gateway,
		Escrow:   coordinator,
		Broker:   broker,
		Mirror:   reconciler,
		Bus:      events.NewRedisPublisher(rdb, log),
		Links:    mirror.NewLinkBuilder(cfg.LedgerNetwork),
		Config:   cfg,
		Log:      log,
	})

	log.Info("worker started")

	overdueTicker := time.NewTicker(cfg.OverdueCheckInterval)
	reconcileTicker := time.NewTicker(cfg.ReconcileInterval)
	defer overdueTicker.Stop()
	defer reconcileTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-overdueTicker.C:
			runOverdueCheck(ctx, invoiceService, log)
		case <-reconcileTicker.C:
			runReconcile(ctx, invoiceService, log)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func runOverdueCheck(ctx context.Context, svc *services.InvoiceService, log *zap.Logger) {
	n, err := svc.MarkOverdueInvoices(ctx)
	if err != nil {
		log.Error("overdue check failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("invoices marked overdue", zap.Int("count", n))
	}
}

func runReconcile(ctx context.Context, svc *services.InvoiceService, log *zap.Logger) {
	n, err := svc.ReconcilePendingFundings(ctx)
	if err != nil {
		log.Error("pending funding reconcile failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("partial escrows recovered", zap.Int("count", n))
	}
}
