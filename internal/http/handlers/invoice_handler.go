package handlers

import (
	"encoding/base64"
	"strconv"

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

type InvoiceHandler struct {
	svc *services.InvoiceService
	log *zap.Logger
}

func NewInvoiceHandler(svc *services.InvoiceService, log *zap.Logger) *InvoiceHandler {
	return &InvoiceHandler{svc: svc, log: log}
}

func (h *InvoiceHandler) CreateInvoice(c *fiber.Ctx) error {
	if middleware.GetRole(c) != models.RoleSupplier {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "only suppliers can issue invoices"})
	}

	var req dto.CreateInvoiceRequest
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

	var document []byte
	if req.DocumentBase64 != "" {
		document, err = base64.StdEncoding.DecodeString(req.DocumentBase64)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "document_base64 is not valid base64"})
		}
	}

	result, err := h.svc.CreateInvoice(c.Context(), services.CreateInvoiceInput{
		SupplierID:    middleware.GetUserID(c),
		InvoiceNumber: req.InvoiceNumber,
		Amount:        amount,
		Currency:      req.Currency,
		DueDate:       req.DueDate,
		Description:   req.Description,
		Document:      document,
		DocumentMime:  req.DocumentMime,
		DocumentName:  req.DocumentName,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.Status(fiber.StatusCreated).JSON(dto.InvoiceResponse{
		Invoice:  result.Invoice,
		Warnings: result.Warnings,
	})
}

func (h *InvoiceHandler) GetInvoice(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid invoice id"})
	}

	inv, err := h.svc.GetInvoice(c.Context(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: inv})
}

func (h *InvoiceHandler) ListInvoices(c *fiber.Ctx) error {
	filter := repositories.InvoiceFilter{Limit: 20}

	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	if v := c.Query("status"); v != "" {
		filter.Status = &v
	}
	// Suppliers see their own invoices by default; investors browse all.
	mine := c.Query("mine")
	if mine == "true" || (mine == "" && middleware.GetRole(c) == models.RoleSupplier) {
		id := middleware.GetUserID(c)
		filter.SupplierID = &id
	}

	invoices, err := h.svc.ListInvoices(c.Context(), filter)
	if err != nil {
		h.log.Error("list invoices failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: invoices})
}

func (h *InvoiceHandler) GetEvents(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid invoice id"})
	}

	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	list, err := h.svc.ListEvents(c.Context(), id, limit, offset)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: list})
}

func (h *InvoiceHandler) GetProofs(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid invoice id"})
	}

	bundle, err := h.svc.Proofs(c.Context(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: bundle})
}

func (h *InvoiceHandler) GetEscrow(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid invoice id"})
	}

	details, err := h.svc.EscrowDetails(c.Context(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	if details == nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "no escrow for this invoice"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: details})
}

func (h *InvoiceHandler) CancelInvoice(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid invoice id"})
	}

	inv, err := h.svc.Cancel(c.Context(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: inv})
}
