package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/tonsurance/escrow-engine/internal/apperr"
	"github.com/tonsurance/escrow-engine/internal/http/dto"
	"github.com/tonsurance/escrow-engine/internal/middleware"
	"go.uber.org/zap"
)

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) int {
	switch {
	case apperr.IsValidation(err):
		return fiber.StatusUnprocessableEntity
	case apperr.IsForbidden(err):
		return fiber.StatusForbidden
	case apperr.IsNotFound(err):
		return fiber.StatusNotFound
	case apperr.IsConflict(err):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

func respondError(c *fiber.Ctx, log *zap.Logger, err error) error {
	status := statusFor(err)
	reqID := middleware.GetRequestID(c)
	if status == fiber.StatusInternalServerError {
		log.Error("request failed",
			zap.String("request_id", reqID),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		return c.Status(status).JSON(dto.ErrorResponse{Error: "internal server error", Code: apperr.Code(err), RequestID: reqID})
	}
	return c.Status(status).JSON(dto.ErrorResponse{Error: err.Error(), Code: apperr.Code(err), RequestID: reqID})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: msg, Code: "bad_request"})
}

func parseID(c *fiber.Ctx, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Params(param))
	return id, err == nil
}

func pagination(c *fiber.Ctx) (limit, offset int) {
	limit, _ = strconv.Atoi(c.Query("limit", "50"))
	offset, _ = strconv.Atoi(c.Query("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
