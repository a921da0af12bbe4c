package rest

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"yqhp/proofsearch/internal/gateway"
	"yqhp/proofsearch/pkg/types"
)

// StatusFor maps a gateway error to an HTTP status and an error code.
func StatusFor(err error) (int, string) {
	var rwErr *gateway.RewriteError
	switch {
	case errors.Is(err, gateway.ErrInvalidRegistration), errors.As(err, &rwErr):
		return fiber.StatusBadRequest, types.ErrCodeInvalidRequest
	case errors.Is(err, gateway.ErrDuplicateAddress):
		return fiber.StatusConflict, types.ErrCodeDuplicateAddress
	case errors.Is(err, gateway.ErrUnknownWorker):
		return fiber.StatusNotFound, types.ErrCodeUnknownWorker
	case errors.Is(err, gateway.ErrNoCapacity):
		return fiber.StatusServiceUnavailable, types.ErrCodeNoCapacity
	case errors.Is(err, gateway.ErrWorkerUnreachable):
		return fiber.StatusBadGateway, types.ErrCodeWorkerUnreachable
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, types.ErrCodeWorkerUnreachable
	default:
		return fiber.StatusInternalServerError, types.ErrCodeInternal
	}
}

func writeError(c *fiber.Ctx, err error) error {
	status, code := StatusFor(err)
	return c.Status(status).JSON(types.ErrorResponse{
		Error:   code,
		Message: err.Error(),
	})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{
		Error:   types.ErrCodeInvalidRequest,
		Message: message,
	})
}
