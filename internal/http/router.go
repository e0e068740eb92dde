package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/invoicemesh/backend/internal/config"
	"github.com/invoicemesh/backend/internal/http/handlers"
	"github.com/invoicemesh/backend/internal/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	authHandler *handlers.AuthHandler,
	invoiceHandler *handlers.InvoiceHandler,
	fundingHandler *handlers.FundingHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")

	// Auth (public)
	api.Post("/auth/register", authHandler.Register)
	api.Post("/auth/login", authHandler.Login)

	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// Protected endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	// Invoices
	protected.Post("/invoices", invoiceHandler.CreateInvoice)
	protected.Get("/invoices", invoiceHandler.ListInvoices)
	protected.Get("/invoices/:id", invoiceHandler.GetInvoice)
	protected.Get("/invoices/:id/events", invoiceHandler.GetEvents)
	protected.Get("/invoices/:id/proofs", invoiceHandler.GetProofs)
	protected.Get("/invoices/:id/escrow", invoiceHandler.GetEscrow)
	protected.Post("/invoices/:id/cancel", invoiceHandler.CancelInvoice)

	// Fundings (two-phase prepare/sign/submit)
	protected.Post("/invoices/:id/fundings/prepare", fundingHandler.PrepareFunding)
	protected.Post("/invoices/:id/fundings/submit", fundingHandler.SubmitFunding)
	protected.Get("/invoices/:id/fundings", fundingHandler.ListFundings)
	protected.Post("/invoices/:id/settle", fundingHandler.Settle)
	protected.Post("/invoices/:id/refund", fundingHandler.Refund)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
