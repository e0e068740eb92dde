package handlers

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/invoicemesh/backend/internal/escrow"
	"github.com/invoicemesh/backend/internal/http/dto"
	"github.com/invoicemesh/backend/internal/ledger"
	"github.com/invoicemesh/backend/internal/repositories"
	"github.com/invoicemesh/backend/internal/services"
	"github.com/invoicemesh/backend/internal/signing"
	"go.uber.org/zap"
)

var validate = validator.New()

// respondError maps domain errors onto HTTP statuses. Anything unrecognized
// is a 500 with a generic body; the detail goes to the log only.
func respondError(c *fiber.Ctx, log *zap.Logger, err error) error {
	var (
		valErr     *ledger.ValidationError
		rejErr     *ledger.RejectionError
		transErr   *ledger.TransientError
		partialErr *escrow.PartialEscrowError
	)

	switch {
	case errors.As(err, &valErr):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: valErr.Error()})
	case errors.Is(err, repositories.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "not found"})
	case errors.Is(err, repositories.ErrOverFunded),
		errors.Is(err, repositories.ErrInvoiceNotFundable),
		errors.Is(err, repositories.ErrDuplicateFunding),
		errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrActiveFunding):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, signing.ErrUnknownTransaction):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, signing.ErrSignatureMismatch):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.As(err, &rejErr):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(dto.ErrorResponse{Error: rejErr.Error()})
	case errors.As(err, &partialErr), errors.As(err, &transErr):
		return c.Status(fiber.StatusBadGateway).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	log.Error("unhandled error", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal server error"})
}
