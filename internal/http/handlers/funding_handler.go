package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/invoicemesh/backend/internal/http/dto"
	"github.com/invoicemesh/backend/internal/middleware"
	"github.com/invoicemesh/backend/internal/models"
	"github.com/invoicemesh/backend/internal/repositories"
	"github.com/invoicemesh/backend/internal/services"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type FundingHandler struct {
	svc      *services.InvoiceService
	userRepo *repositories.UserRepo
	log      *zap.Logger
}

func NewFundingHandler(svc *services.InvoiceService, userRepo *repositories.UserRepo, log *zap.Logger) *FundingHandler {
	return &FundingHandler{svc: svc, userRepo: userRepo, log: log}
}

// PrepareFunding freezes the escrow-deposit transaction for the caller's
// wallet. The unsigned bytes in the response are what the wallet signs.
func (h *FundingHandler) PrepareFunding(c *fiber.Ctx) error {
	invoiceID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid invoice id"})
	}
	if middleware.GetRole(c) != models.RoleInvestor {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "only investors can fund invoices"})
	}

	var req dto.PrepareFundingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid amount"})
	}

	investor, err := h.userRepo.GetByID(c.Context(), middleware.GetUserID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}

	prepared, err := h.svc.PrepareFunding(c.Context(), invoiceID, investor, amount)
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.PreparedTransactionResponse{
		TransactionID:  prepared.TransactionID,
		PayerAccountID: prepared.PayerAccountID,
		Purpose:        prepared.Purpose,
		UnsignedBytes:  prepared.UnsignedBytes,
		CreatedAt:      prepared.CreatedAt,
	}})
}

// SubmitFunding accepts the signed envelope and completes the escrow. A
// partial escrow still returns the funding record, with a 502 so the client
// knows recovery is pending.
func (h *FundingHandler) SubmitFunding(c *fiber.Ctx) error {
	invoiceID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid invoice id"})
	}
	if middleware.GetRole(c) != models.RoleInvestor {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "only investors can fund invoices"})
	}

	var req dto.SubmitFundingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid amount"})
	}

	investor, err := h.userRepo.GetByID(c.Context(), middleware.GetUserID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}

	funding, err := h.svc.SubmitFunding(c.Context(), invoiceID, investor, req.TransactionID, req.SignedEnvelope, amount)
	if err != nil && funding != nil {
		// Partial escrow: the record exists, recovery runs in the worker.
		return c.Status(fiber.StatusBadGateway).JSON(dto.SuccessResponse{OK: false, Data: funding})
	}
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: funding})
}

func (h *FundingHandler) ListFundings(c *fiber.Ctx) error {
	invoiceID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid invoice id"})
	}

	fundings, err := h.svc.ListFundings(c.Context(), invoiceID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: fundings})
}

// Settle releases the escrow to the supplier and marks the invoice paid.
func (h *FundingHandler) Settle(c *fiber.Ctx) error {
	invoiceID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid invoice id"})
	}

	inv, err := h.svc.Settle(c.Context(), invoiceID, middleware.GetAccountID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: inv})
}

// Refund returns the escrow to the investors and cancels the invoice.
func (h *FundingHandler) Refund(c *fiber.Ctx) error {
	invoiceID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid invoice id"})
	}

	inv, err := h.svc.Refund(c.Context(), invoiceID, middleware.GetAccountID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: inv})
}
