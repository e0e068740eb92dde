package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/invoicemesh/backend/internal/config"
	"github.com/invoicemesh/backend/internal/db"
	"github.com/invoicemesh/backend/internal/escrow"
	"github.com/invoicemesh/backend/internal/events"
	apphttp "github.com/invoicemesh/backend/internal/http"
	"github.com/invoicemesh/backend/internal/http/handlers"
	"github.com/invoicemesh/backend/internal/ledger"
	"github.com/invoicemesh/backend/internal/mirror"
	"github.com/invoicemesh/backend/internal/repositories"
	"github.com/invoicemesh/backend/internal/services"
	"github.com/invoicemesh/backend/internal/signing"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	userRepo := repositories.NewUserRepo(pool)
	invoiceRepo := repositories.NewInvoiceRepo(pool)
	eventRepo := repositories.NewEventRepo(pool)
	fundingRepo := repositories.NewFundingRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

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
	links := mirror.NewLinkBuilder(cfg.LedgerNetwork)

	// Services
	invoiceService := services.NewInvoiceService(services.Deps{
		Invoices: invoiceRepo,
		Events:   eventRepo,
		Fundings: fundingRepo,
		Users:    userRepo,
		Gateway:  gateway,
		Escrow:   coordinator,
		Broker:   broker,
		Mirror:   reconciler,
		Bus:      publisher,
		Links:    links,
		Config:   cfg,
		Log:      log,
	})

	// Handlers
	authHandler := handlers.NewAuthHandler(userRepo, cfg, log)
	invoiceHandler := handlers.NewInvoiceHandler(invoiceService, log)
	fundingHandler := handlers.NewFundingHandler(invoiceService, userRepo, log)
	wsHub := handlers.NewWSHub(cfg, subscriber, log)

	// Start WS hub
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: 12 * 1024 * 1024, // room for a base64-encoded 10 MB document
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, authHandler, invoiceHandler, fundingHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
